package service

import (
	"context"
	"slices"
	"strings"

	"github.com/pesio-ai/be-budget-transfers/internal/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/logger"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

// TemplateService administers workflow templates. Templates are never edited
// in place; registering a code again creates a new version.
type TemplateService struct {
	templates TemplateRepository
	log       *logger.Logger
}

// NewTemplateService creates a new TemplateService.
func NewTemplateService(stores Stores, log *logger.Logger) *TemplateService {
	return &TemplateService{
		templates: stores.Templates,
		log:       log.Component("template_service"),
	}
}

// Register validates tpl and stores it as the next version of its code.
func (s *TemplateService) Register(ctx context.Context, tpl *repository.WorkflowTemplate) (*repository.WorkflowTemplate, error) {
	if err := validateTemplate(tpl); err != nil {
		return nil, err
	}
	slices.SortFunc(tpl.Stages, func(a, b *repository.StageTemplate) int { return a.OrderIndex - b.OrderIndex })

	version, err := s.templates.NextVersion(ctx, tpl.Code)
	if err != nil {
		return nil, err
	}
	tpl.Version = version
	tpl.IsActive = true
	if err := s.templates.Create(ctx, tpl); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("code", tpl.Code).
		Str("transfer_type", string(tpl.TransferType)).
		Int("version", tpl.Version).
		Int("stages", len(tpl.Stages)).
		Msg("Workflow template registered")
	return tpl, nil
}

func validateTemplate(tpl *repository.WorkflowTemplate) error {
	tpl.Code = strings.TrimSpace(tpl.Code)
	if tpl.Code == "" {
		return errors.InvalidInput("code", "is required")
	}
	if tpl.Name == "" {
		tpl.Name = tpl.Code
	}
	switch tpl.TransferType {
	case repository.TransferTypeFAR, repository.TransferTypeAFR, repository.TransferTypeFAD, repository.TransferTypeGEN:
	default:
		return errors.InvalidInput("transfer_type", "must be one of FAR, AFR, FAD, GEN")
	}
	if len(tpl.Stages) == 0 {
		return errors.InvalidInput("stages", "a template needs at least one stage")
	}

	seen := make(map[int]bool, len(tpl.Stages))
	for _, st := range tpl.Stages {
		if st.OrderIndex < 0 {
			return errors.InvalidInput("order_index", "must not be negative")
		}
		if seen[st.OrderIndex] {
			return errors.Newf(errors.ErrCodeInvalidInput, "order_index %d is used twice", st.OrderIndex)
		}
		seen[st.OrderIndex] = true

		if strings.TrimSpace(st.Name) == "" {
			return errors.InvalidInput("name", "every stage needs a name")
		}
		if st.DecisionPolicy == "" {
			st.DecisionPolicy = repository.PolicyAll
		}
		if !st.DecisionPolicy.Valid() {
			return errors.Newf(errors.ErrCodeInvalidInput, "stage %q: unknown decision policy %q", st.Name, st.DecisionPolicy)
		}
		if st.QuorumCount != nil && *st.QuorumCount < 1 {
			return errors.Newf(errors.ErrCodeInvalidInput, "stage %q: quorum_count must be at least 1", st.Name)
		}
	}
	return nil
}

// List returns every template version.
func (s *TemplateService) List(ctx context.Context) ([]*repository.WorkflowTemplate, error) {
	return s.templates.List(ctx)
}

// Get returns one template version with its stages.
func (s *TemplateService) Get(ctx context.Context, id string) (*repository.WorkflowTemplate, error) {
	return s.templates.GetByID(ctx, id)
}

// SetActive enables or disables a template version for new workflows.
// Running instances keep their template.
func (s *TemplateService) SetActive(ctx context.Context, id string, active bool) error {
	if err := s.templates.SetActive(ctx, id, active); err != nil {
		return err
	}
	s.log.Info().Str("template_id", id).Bool("active", active).Msg("Workflow template toggled")
	return nil
}
