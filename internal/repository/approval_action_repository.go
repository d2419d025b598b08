package repository

import (
	"context"

	"github.com/pesio-ai/be-budget-transfers/internal/database"
	"github.com/pesio-ai/be-budget-transfers/internal/errors"
)

// ApprovalActionRepository is the append-only action log. Rows are never
// updated or deleted.
type ApprovalActionRepository struct {
	db *database.DB
}

// NewApprovalActionRepository creates a new ApprovalActionRepository.
func NewApprovalActionRepository(db *database.DB) *ApprovalActionRepository {
	return &ApprovalActionRepository{db: db}
}

// Append writes one action.
func (r *ApprovalActionRepository) Append(ctx context.Context, a *Action) error {
	query := `
		INSERT INTO approval_actions
		    (stage_instance_id, user_id, assignment_id, action, comment, triggers_stage_completion)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		a.StageInstanceID,
		a.UserID,
		a.AssignmentID,
		a.Action,
		a.Comment,
		a.TriggersStageCompletion,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append approval action")
	}
	return nil
}

// ListByStage returns a stage's actions oldest first.
func (r *ApprovalActionRepository) ListByStage(ctx context.Context, stageID string) ([]*Action, error) {
	query := `
		SELECT id, stage_instance_id, user_id, assignment_id, action, comment,
		       triggers_stage_completion, created_at
		FROM approval_actions
		WHERE stage_instance_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, stageID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval actions")
	}
	defer rows.Close()

	var actions []*Action
	for rows.Next() {
		a := &Action{}
		if err := rows.Scan(
			&a.ID,
			&a.StageInstanceID,
			&a.UserID,
			&a.AssignmentID,
			&a.Action,
			&a.Comment,
			&a.TriggersStageCompletion,
			&a.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval action")
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
