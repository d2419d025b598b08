package memory

import (
	"context"
	"slices"

	"github.com/pesio-ai/be-budget-transfers/internal/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

type TemplateRepository struct{ s *Store }

func (r *TemplateRepository) load(st *state, tpl repository.WorkflowTemplate) *repository.WorkflowTemplate {
	stages := sortedValues(st, st.stageTemplates, func(stg repository.StageTemplate) bool {
		return stg.TemplateID == tpl.ID
	})
	slices.SortStableFunc(stages, func(a, b repository.StageTemplate) int { return a.OrderIndex - b.OrderIndex })
	tpl.Stages = make([]*repository.StageTemplate, 0, len(stages))
	for i := range stages {
		tpl.Stages = append(tpl.Stages, &stages[i])
	}
	return &tpl
}

func (r *TemplateRepository) FindActiveByType(ctx context.Context, t repository.TransferType) (*repository.WorkflowTemplate, error) {
	var out *repository.WorkflowTemplate
	err := r.s.do(ctx, func(st *state) error {
		var best *repository.WorkflowTemplate
		for _, tpl := range st.templates {
			if !tpl.IsActive || tpl.TransferType != t {
				continue
			}
			if best == nil || tpl.Version > best.Version ||
				(tpl.Version == best.Version && st.order[tpl.ID] > st.order[best.ID]) {
				best = &tpl
			}
		}
		if best != nil {
			out = r.load(st, *best)
		}
		return nil
	})
	return out, err
}

func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*repository.WorkflowTemplate, error) {
	var out *repository.WorkflowTemplate
	err := r.s.do(ctx, func(st *state) error {
		tpl, ok := st.templates[id]
		if !ok {
			return errors.NotFound("workflow_template", id)
		}
		out = r.load(st, tpl)
		return nil
	})
	return out, err
}

func (r *TemplateRepository) Create(ctx context.Context, tpl *repository.WorkflowTemplate) error {
	return r.s.do(ctx, func(st *state) error {
		for _, existing := range st.templates {
			if existing.Code == tpl.Code && existing.Version == tpl.Version {
				return errors.Newf(errors.ErrCodeConflict, "template %s version %d already exists", tpl.Code, tpl.Version)
			}
		}
		ts := now()
		tpl.ID = st.newID()
		tpl.CreatedAt, tpl.UpdatedAt = ts, ts

		stored := *tpl
		stored.Stages = nil
		st.templates[tpl.ID] = stored

		for _, stg := range tpl.Stages {
			stg.ID = st.newID()
			stg.TemplateID = tpl.ID
			stg.CreatedAt = ts
			st.stageTemplates[stg.ID] = *stg
		}
		return nil
	})
}

func (r *TemplateRepository) NextVersion(ctx context.Context, code string) (int, error) {
	next := 1
	err := r.s.do(ctx, func(st *state) error {
		for _, tpl := range st.templates {
			if tpl.Code == code && tpl.Version >= next {
				next = tpl.Version + 1
			}
		}
		return nil
	})
	return next, err
}

func (r *TemplateRepository) List(ctx context.Context) ([]*repository.WorkflowTemplate, error) {
	var out []*repository.WorkflowTemplate
	err := r.s.do(ctx, func(st *state) error {
		for _, tpl := range sortedValues(st, st.templates, nil) {
			out = append(out, r.load(st, tpl))
		}
		return nil
	})
	return out, err
}

func (r *TemplateRepository) SetActive(ctx context.Context, id string, active bool) error {
	return r.s.do(ctx, func(st *state) error {
		tpl, ok := st.templates[id]
		if !ok {
			return errors.NotFound("workflow_template", id)
		}
		tpl.IsActive = active
		tpl.UpdatedAt = now()
		st.templates[id] = tpl
		return nil
	})
}
