package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-budget-transfers/internal/database"
	"github.com/pesio-ai/be-budget-transfers/internal/errors"
)

// WorkflowTemplateRepository manages templates and their stage definitions.
type WorkflowTemplateRepository struct {
	db *database.DB
}

// NewWorkflowTemplateRepository creates a new WorkflowTemplateRepository.
func NewWorkflowTemplateRepository(db *database.DB) *WorkflowTemplateRepository {
	return &WorkflowTemplateRepository{db: db}
}

const templateColumns = `
	id, code, transfer_type, name, description, is_active, version, created_at, updated_at`

// FindActiveByType returns the newest active template for a transfer type, or
// nil when none is configured.
func (r *WorkflowTemplateRepository) FindActiveByType(ctx context.Context, t TransferType) (*WorkflowTemplate, error) {
	query := `SELECT` + templateColumns + `
		FROM workflow_templates
		WHERE transfer_type = $1 AND is_active
		ORDER BY version DESC, created_at DESC
		LIMIT 1
	`

	tpl, err := r.scanTemplate(r.db.QueryRow(ctx, query, t))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find workflow template")
	}
	if tpl.Stages, err = r.listStages(ctx, tpl.ID); err != nil {
		return nil, err
	}
	return tpl, nil
}

// GetByID loads a template with its stages.
func (r *WorkflowTemplateRepository) GetByID(ctx context.Context, id string) (*WorkflowTemplate, error) {
	query := `SELECT` + templateColumns + `
		FROM workflow_templates
		WHERE id = $1
	`

	tpl, err := r.scanTemplate(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_template", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow template")
	}
	if tpl.Stages, err = r.listStages(ctx, tpl.ID); err != nil {
		return nil, err
	}
	return tpl, nil
}

// List returns every template version, newest first.
func (r *WorkflowTemplateRepository) List(ctx context.Context) ([]*WorkflowTemplate, error) {
	query := `SELECT` + templateColumns + `
		FROM workflow_templates
		ORDER BY code, version DESC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow templates")
	}
	defer rows.Close()

	var templates []*WorkflowTemplate
	for rows.Next() {
		tpl, err := r.scanTemplate(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow template")
		}
		templates = append(templates, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow templates")
	}

	for _, tpl := range templates {
		if tpl.Stages, err = r.listStages(ctx, tpl.ID); err != nil {
			return nil, err
		}
	}
	return templates, nil
}

// Create inserts a template and its stages in one transaction.
func (r *WorkflowTemplateRepository) Create(ctx context.Context, tpl *WorkflowTemplate) error {
	return r.db.InTransaction(ctx, func(ctx context.Context) error {
		query := `
			INSERT INTO workflow_templates
			    (code, transfer_type, name, description, is_active, version)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at, updated_at
		`

		err := r.db.QueryRow(ctx, query,
			tpl.Code,
			tpl.TransferType,
			tpl.Name,
			tpl.Description,
			tpl.IsActive,
			tpl.Version,
		).Scan(&tpl.ID, &tpl.CreatedAt, &tpl.UpdatedAt)
		if isUniqueViolation(err) {
			return errors.Newf(errors.ErrCodeConflict, "template %s version %d already exists", tpl.Code, tpl.Version)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow template")
		}

		stageQuery := `
			INSERT INTO stage_templates
			    (template_id, order_index, name, decision_policy, quorum_count,
			     required_user_level_id, required_role, allow_reject, allow_delegate,
			     sla_hours, parallel_group)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id, created_at
		`

		for _, stg := range tpl.Stages {
			stg.TemplateID = tpl.ID
			err := r.db.QueryRow(ctx, stageQuery,
				stg.TemplateID,
				stg.OrderIndex,
				stg.Name,
				stg.DecisionPolicy,
				stg.QuorumCount,
				stg.RequiredUserLevelID,
				stg.RequiredRole,
				stg.AllowReject,
				stg.AllowDelegate,
				stg.SLAHours,
				stg.ParallelGroup,
			).Scan(&stg.ID, &stg.CreatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create stage template")
			}
		}
		return nil
	})
}

// NextVersion returns one past the highest stored version of code.
func (r *WorkflowTemplateRepository) NextVersion(ctx context.Context, code string) (int, error) {
	var next int
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM workflow_templates WHERE code = $1`, code,
	).Scan(&next)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to compute template version")
	}
	return next, nil
}

// SetActive toggles a template version.
func (r *WorkflowTemplateRepository) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE workflow_templates SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update workflow template")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("workflow_template", id)
	}
	return nil
}

func (r *WorkflowTemplateRepository) listStages(ctx context.Context, templateID string) ([]*StageTemplate, error) {
	query := `
		SELECT id, template_id, order_index, name, decision_policy, quorum_count,
		       required_user_level_id, required_role, allow_reject, allow_delegate,
		       sla_hours, parallel_group, created_at
		FROM stage_templates
		WHERE template_id = $1
		ORDER BY order_index ASC
	`

	rows, err := r.db.Query(ctx, query, templateID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list stage templates")
	}
	defer rows.Close()

	var stages []*StageTemplate
	for rows.Next() {
		stg := &StageTemplate{}
		if err := rows.Scan(
			&stg.ID,
			&stg.TemplateID,
			&stg.OrderIndex,
			&stg.Name,
			&stg.DecisionPolicy,
			&stg.QuorumCount,
			&stg.RequiredUserLevelID,
			&stg.RequiredRole,
			&stg.AllowReject,
			&stg.AllowDelegate,
			&stg.SLAHours,
			&stg.ParallelGroup,
			&stg.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan stage template")
		}
		stages = append(stages, stg)
	}
	return stages, rows.Err()
}

func (r *WorkflowTemplateRepository) scanTemplate(row rowScanner) (*WorkflowTemplate, error) {
	tpl := &WorkflowTemplate{}
	err := row.Scan(
		&tpl.ID,
		&tpl.Code,
		&tpl.TransferType,
		&tpl.Name,
		&tpl.Description,
		&tpl.IsActive,
		&tpl.Version,
		&tpl.CreatedAt,
		&tpl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return tpl, nil
}
