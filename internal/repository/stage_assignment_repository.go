package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-budget-transfers/internal/database"
	"github.com/pesio-ai/be-budget-transfers/internal/errors"
)

// StageAssignmentRepository handles approver assignments and delegations.
type StageAssignmentRepository struct {
	db *database.DB
}

// NewStageAssignmentRepository creates a new StageAssignmentRepository.
func NewStageAssignmentRepository(db *database.DB) *StageAssignmentRepository {
	return &StageAssignmentRepository{db: db}
}

const assignmentColumns = `
	id, stage_instance_id, user_id, role_snapshot, level_snapshot,
	is_mandatory, status, created_at, updated_at`

// GetOrCreate inserts the assignment unless one exists for (stage, user).
// Either way a holds the stored row afterwards.
func (r *StageAssignmentRepository) GetOrCreate(ctx context.Context, a *Assignment) (bool, error) {
	if a.Status == "" {
		a.Status = AssignmentPending
	}

	query := `
		INSERT INTO stage_assignments
		    (stage_instance_id, user_id, role_snapshot, level_snapshot, is_mandatory, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (stage_instance_id, user_id) DO NOTHING
		RETURNING` + assignmentColumns

	stored, err := r.scanAssignment(r.db.QueryRow(ctx, query,
		a.StageInstanceID,
		a.UserID,
		a.RoleSnapshot,
		a.LevelSnapshot,
		a.IsMandatory,
		a.Status,
	))
	if err == nil {
		*a = *stored
		return true, nil
	}
	if err != pgx.ErrNoRows {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to create assignment")
	}

	existing, err := r.GetByStageAndUser(ctx, a.StageInstanceID, a.UserID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, errors.New(errors.ErrCodeInternal, "assignment vanished after conflict")
	}
	*a = *existing
	return false, nil
}

// GetByStageAndUser returns the user's assignment on a stage, or nil.
func (r *StageAssignmentRepository) GetByStageAndUser(ctx context.Context, stageID, userID string) (*Assignment, error) {
	query := `SELECT` + assignmentColumns + `
		FROM stage_assignments
		WHERE stage_instance_id = $1 AND user_id = $2
	`

	a, err := r.scanAssignment(r.db.QueryRow(ctx, query, stageID, userID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get assignment")
	}
	return a, nil
}

// ListByStage returns a stage's assignments in creation order.
func (r *StageAssignmentRepository) ListByStage(ctx context.Context, stageID string) ([]*Assignment, error) {
	query := `SELECT` + assignmentColumns + `
		FROM stage_assignments
		WHERE stage_instance_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, stageID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list assignments")
	}
	defer rows.Close()

	var out []*Assignment
	for rows.Next() {
		a, err := r.scanAssignment(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan assignment")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateStatus sets an assignment's status.
func (r *StageAssignmentRepository) UpdateStatus(ctx context.Context, id string, status AssignmentStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE stage_assignments SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update assignment")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("assignment", id)
	}
	return nil
}

// ListPendingForUser returns the user's pending assignments on active stages
// of in-progress workflows.
func (r *StageAssignmentRepository) ListPendingForUser(ctx context.Context, userID string) ([]*PendingApproval, error) {
	query := `
		SELECT a.id, si.id, st.name, st.order_index, wi.id, bt.id, bt.code, a.created_at
		FROM stage_assignments a
		JOIN stage_instances si    ON si.id = a.stage_instance_id
		JOIN stage_templates st    ON st.id = si.stage_template_id
		JOIN workflow_instances wi ON wi.id = si.workflow_instance_id
		JOIN budget_transfers bt   ON bt.id = wi.transfer_id
		WHERE a.user_id = $1
		  AND a.status = 'pending'
		  AND si.status = 'active'
		  AND wi.status = 'in_progress'
		ORDER BY a.created_at ASC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get pending approvals")
	}
	defer rows.Close()

	var out []*PendingApproval
	for rows.Next() {
		p := &PendingApproval{}
		if err := rows.Scan(
			&p.AssignmentID,
			&p.StageInstanceID,
			&p.StageName,
			&p.StageOrder,
			&p.WorkflowInstanceID,
			&p.TransferID,
			&p.TransferCode,
			&p.AssignedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan pending approval")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateDelegation records an active delegation.
func (r *StageAssignmentRepository) CreateDelegation(ctx context.Context, d *Delegation) error {
	d.Active = true
	err := r.db.QueryRow(ctx, `
		INSERT INTO approval_delegations (from_user_id, to_user_id, stage_instance_id, active)
		VALUES ($1, $2, $3, TRUE)
		RETURNING id, created_at
	`, d.FromUserID, d.ToUserID, d.StageInstanceID).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create delegation")
	}
	return nil
}

// DeactivateDelegations turns off every active delegation on a stage.
func (r *StageAssignmentRepository) DeactivateDelegations(ctx context.Context, stageID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE approval_delegations
		SET active = FALSE, deactivated_at = NOW()
		WHERE stage_instance_id = $1 AND active
	`, stageID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate delegations")
	}
	return nil
}

// ListDelegations returns a stage's delegations in creation order.
func (r *StageAssignmentRepository) ListDelegations(ctx context.Context, stageID string) ([]*Delegation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, from_user_id, to_user_id, stage_instance_id, active, created_at, deactivated_at
		FROM approval_delegations
		WHERE stage_instance_id = $1
		ORDER BY created_at ASC
	`, stageID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list delegations")
	}
	defer rows.Close()

	var out []*Delegation
	for rows.Next() {
		d := &Delegation{}
		if err := rows.Scan(&d.ID, &d.FromUserID, &d.ToUserID, &d.StageInstanceID, &d.Active, &d.CreatedAt, &d.DeactivatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan delegation")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *StageAssignmentRepository) scanAssignment(row rowScanner) (*Assignment, error) {
	a := &Assignment{}
	err := row.Scan(
		&a.ID,
		&a.StageInstanceID,
		&a.UserID,
		&a.RoleSnapshot,
		&a.LevelSnapshot,
		&a.IsMandatory,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}
