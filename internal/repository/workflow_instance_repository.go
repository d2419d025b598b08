package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-budget-transfers/internal/database"
	"github.com/pesio-ai/be-budget-transfers/internal/errors"
)

// WorkflowInstanceRepository manages workflow instances and their stages.
type WorkflowInstanceRepository struct {
	db *database.DB
}

// NewWorkflowInstanceRepository creates a new WorkflowInstanceRepository.
func NewWorkflowInstanceRepository(db *database.DB) *WorkflowInstanceRepository {
	return &WorkflowInstanceRepository{db: db}
}

const instanceColumns = `
	id, transfer_id, template_id, current_stage_template_id, status,
	completed_stage_count, started_at, finished_at, updated_at`

// CreateInstance inserts a workflow instance. The partial unique index on
// live instances turns a concurrent second start into a conflict.
func (r *WorkflowInstanceRepository) CreateInstance(ctx context.Context, inst *WorkflowInstance) error {
	query := `
		INSERT INTO workflow_instances
		    (transfer_id, template_id, current_stage_template_id, status, completed_stage_count)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, started_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		inst.TransferID,
		inst.TemplateID,
		inst.CurrentStageTemplateID,
		inst.Status,
		inst.CompletedStageCount,
	).Scan(&inst.ID, &inst.StartedAt, &inst.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.Newf(errors.ErrCodeConflict, "transfer %s already has a live workflow", inst.TransferID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow instance")
	}
	return nil
}

// GetInstance retrieves an instance by its primary key.
func (r *WorkflowInstanceRepository) GetInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	query := `SELECT` + instanceColumns + ` FROM workflow_instances WHERE id = $1`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_instance", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow instance")
	}
	return inst, nil
}

// GetLatestByTransfer returns the most recent instance for a transfer, or nil.
func (r *WorkflowInstanceRepository) GetLatestByTransfer(ctx context.Context, transferID string) (*WorkflowInstance, error) {
	query := `SELECT` + instanceColumns + `
		FROM workflow_instances
		WHERE transfer_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, transferID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow instance")
	}
	return inst, nil
}

// LockInstance loads an instance with FOR UPDATE. Must run in a transaction.
func (r *WorkflowInstanceRepository) LockInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	query := `SELECT` + instanceColumns + ` FROM workflow_instances WHERE id = $1 FOR UPDATE`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_instance", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to lock workflow instance")
	}
	return inst, nil
}

// UpdateInstance persists the mutable instance fields.
func (r *WorkflowInstanceRepository) UpdateInstance(ctx context.Context, inst *WorkflowInstance) error {
	query := `
		UPDATE workflow_instances
		SET current_stage_template_id = $2,
		    status                    = $3,
		    completed_stage_count     = $4,
		    finished_at               = $5,
		    updated_at                = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		inst.ID,
		inst.CurrentStageTemplateID,
		inst.Status,
		inst.CompletedStageCount,
		inst.FinishedAt,
	).Scan(&inst.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow_instance", inst.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update workflow instance")
	}
	return nil
}

// CreateStage inserts a stage instance.
func (r *WorkflowInstanceRepository) CreateStage(ctx context.Context, si *StageInstance) error {
	query := `
		INSERT INTO stage_instances
		    (workflow_instance_id, stage_template_id, status, activated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	err := r.db.QueryRow(ctx, query,
		si.WorkflowInstanceID,
		si.StageTemplateID,
		si.Status,
		si.ActivatedAt,
		si.CompletedAt,
	).Scan(&si.ID)
	if isUniqueViolation(err) {
		return errors.New(errors.ErrCodeConflict, "stage already instantiated")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create stage instance")
	}
	return nil
}

// UpdateStage persists a stage's status and timestamps.
func (r *WorkflowInstanceRepository) UpdateStage(ctx context.Context, si *StageInstance) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE stage_instances
		SET status = $2, activated_at = $3, completed_at = $4
		WHERE id = $1
	`, si.ID, si.Status, si.ActivatedAt, si.CompletedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update stage instance")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("stage_instance", si.ID)
	}
	return nil
}

// LockActiveStages row-locks the active stages of an instance, ordered by
// template position. Must run in a transaction.
func (r *WorkflowInstanceRepository) LockActiveStages(ctx context.Context, instanceID string) ([]*StageInstance, error) {
	query := `
		SELECT si.id, si.workflow_instance_id, si.stage_template_id, si.status,
		       si.activated_at, si.completed_at
		FROM stage_instances si
		JOIN stage_templates st ON st.id = si.stage_template_id
		WHERE si.workflow_instance_id = $1 AND si.status = 'active'
		ORDER BY st.order_index ASC
		FOR UPDATE OF si
	`
	return r.queryStages(ctx, query, instanceID)
}

// ListStages returns all stages of an instance ordered by template position.
func (r *WorkflowInstanceRepository) ListStages(ctx context.Context, instanceID string) ([]*StageInstance, error) {
	query := `
		SELECT si.id, si.workflow_instance_id, si.stage_template_id, si.status,
		       si.activated_at, si.completed_at
		FROM stage_instances si
		JOIN stage_templates st ON st.id = si.stage_template_id
		WHERE si.workflow_instance_id = $1
		ORDER BY st.order_index ASC
	`
	return r.queryStages(ctx, query, instanceID)
}

func (r *WorkflowInstanceRepository) queryStages(ctx context.Context, query string, args ...any) ([]*StageInstance, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query stage instances")
	}
	defer rows.Close()

	var stages []*StageInstance
	for rows.Next() {
		si := &StageInstance{}
		if err := rows.Scan(
			&si.ID,
			&si.WorkflowInstanceID,
			&si.StageTemplateID,
			&si.Status,
			&si.ActivatedAt,
			&si.CompletedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan stage instance")
		}
		stages = append(stages, si)
	}
	return stages, rows.Err()
}

func (r *WorkflowInstanceRepository) scanInstance(row rowScanner) (*WorkflowInstance, error) {
	inst := &WorkflowInstance{}
	err := row.Scan(
		&inst.ID,
		&inst.TransferID,
		&inst.TemplateID,
		&inst.CurrentStageTemplateID,
		&inst.Status,
		&inst.CompletedStageCount,
		&inst.StartedAt,
		&inst.FinishedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return inst, nil
}
