package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-budget-transfers/internal/database"
	"github.com/pesio-ai/be-budget-transfers/internal/errors"
)

// TransferRepository handles transfer headers, lines and approval trails.
type TransferRepository struct {
	db *database.DB
}

// NewTransferRepository creates a new TransferRepository.
func NewTransferRepository(db *database.DB) *TransferRepository {
	return &TransferRepository{db: db}
}

const transferColumns = `
	id, code, transfer_type, transaction_date, amount, status, status_level,
	requested_by, user_id, notes, fiscal_year, ledger_applied, submitted_at,
	created_at, updated_at`

// Create inserts a transfer header.
func (r *TransferRepository) Create(ctx context.Context, t *Transfer) error {
	query := `
		INSERT INTO budget_transfers
		    (code, transfer_type, transaction_date, amount, status, status_level,
		     requested_by, user_id, notes, fiscal_year, ledger_applied)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		t.Code,
		t.Type,
		t.TransactionDate,
		t.Amount,
		t.Status,
		t.StatusLevel,
		t.RequestedBy,
		t.UserID,
		t.Notes,
		t.FiscalYear,
		t.LedgerApplied,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.Newf(errors.ErrCodeConflict, "transfer code %s already exists", t.Code)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create transfer")
	}
	return nil
}

// GetByID retrieves a transfer header.
func (r *TransferRepository) GetByID(ctx context.Context, id string) (*Transfer, error) {
	return r.get(ctx, `SELECT`+transferColumns+` FROM budget_transfers WHERE id = $1`, id)
}

// LockByID retrieves a transfer header with FOR UPDATE.
func (r *TransferRepository) LockByID(ctx context.Context, id string) (*Transfer, error) {
	return r.get(ctx, `SELECT`+transferColumns+` FROM budget_transfers WHERE id = $1 FOR UPDATE`, id)
}

func (r *TransferRepository) get(ctx context.Context, query, id string) (*Transfer, error) {
	t, err := r.scanTransfer(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("transfer", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get transfer")
	}
	return t, nil
}

// Update persists the mutable header fields.
func (r *TransferRepository) Update(ctx context.Context, t *Transfer) error {
	query := `
		UPDATE budget_transfers
		SET transaction_date = $2,
		    amount           = $3,
		    status           = $4,
		    status_level     = $5,
		    notes            = $6,
		    fiscal_year      = $7,
		    ledger_applied   = $8,
		    submitted_at     = $9,
		    updated_at       = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		t.ID,
		t.TransactionDate,
		t.Amount,
		t.Status,
		t.StatusLevel,
		t.Notes,
		t.FiscalYear,
		t.LedgerApplied,
		t.SubmittedAt,
	).Scan(&t.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("transfer", t.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update transfer")
	}
	return nil
}

// List returns transfers newest first, optionally filtered by status.
func (r *TransferRepository) List(ctx context.Context, status *TransferStatus, limit, offset int) ([]*Transfer, error) {
	query := `SELECT` + transferColumns + ` FROM budget_transfers`
	args := []any{}
	if status != nil {
		args = append(args, *status)
		query += fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list transfers")
	}
	defer rows.Close()

	var out []*Transfer
	for rows.Next() {
		t, err := r.scanTransfer(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan transfer")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MaxCodeNumber returns the highest numeric suffix among codes "<prefix>-N".
func (r *TransferRepository) MaxCodeNumber(ctx context.Context, prefix string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(CAST(SUBSTRING(code FROM LENGTH($1) + 2) AS INTEGER)), 0)
		FROM budget_transfers
		WHERE code ~ ('^' || $1 || '-[0-9]+$')
	`, prefix).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to read transfer code sequence")
	}
	return n, nil
}

const lineColumns = `
	id, transfer_id, entity_code, account_code, from_amount, to_amount,
	approved_budget, available_budget, encumbrance, actual, reason,
	created_at, updated_at`

// ListLines returns a transfer's lines in creation order.
func (r *TransferRepository) ListLines(ctx context.Context, transferID string) ([]*TransferLine, error) {
	rows, err := r.db.Query(ctx, `SELECT`+lineColumns+`
		FROM transfer_lines
		WHERE transfer_id = $1
		ORDER BY created_at ASC, id ASC
	`, transferID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list transfer lines")
	}
	defer rows.Close()

	var out []*TransferLine
	for rows.Next() {
		l, err := r.scanLine(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan transfer line")
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetLine retrieves one line of a transfer.
func (r *TransferRepository) GetLine(ctx context.Context, transferID, lineID string) (*TransferLine, error) {
	l, err := r.scanLine(r.db.QueryRow(ctx, `SELECT`+lineColumns+`
		FROM transfer_lines
		WHERE transfer_id = $1 AND id = $2
	`, transferID, lineID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("transfer_line", lineID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get transfer line")
	}
	return l, nil
}

// CreateLine inserts a line.
func (r *TransferRepository) CreateLine(ctx context.Context, l *TransferLine) error {
	query := `
		INSERT INTO transfer_lines
		    (transfer_id, entity_code, account_code, from_amount, to_amount,
		     approved_budget, available_budget, encumbrance, actual, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		l.TransferID,
		l.EntityCode,
		l.AccountCode,
		l.FromAmount,
		l.ToAmount,
		l.ApprovedBudget,
		l.AvailableBudget,
		l.Encumbrance,
		l.Actual,
		l.Reason,
	).Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create transfer line")
	}
	return nil
}

// UpdateLine overwrites a line's values.
func (r *TransferRepository) UpdateLine(ctx context.Context, l *TransferLine) error {
	query := `
		UPDATE transfer_lines
		SET entity_code      = $3,
		    account_code     = $4,
		    from_amount      = $5,
		    to_amount        = $6,
		    approved_budget  = $7,
		    available_budget = $8,
		    encumbrance      = $9,
		    actual           = $10,
		    reason           = $11,
		    updated_at       = NOW()
		WHERE id = $1 AND transfer_id = $2
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		l.ID,
		l.TransferID,
		l.EntityCode,
		l.AccountCode,
		l.FromAmount,
		l.ToAmount,
		l.ApprovedBudget,
		l.AvailableBudget,
		l.Encumbrance,
		l.Actual,
		l.Reason,
	).Scan(&l.CreatedAt, &l.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("transfer_line", l.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update transfer line")
	}
	return nil
}

// DeleteLine removes one line.
func (r *TransferRepository) DeleteLine(ctx context.Context, transferID, lineID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM transfer_lines WHERE transfer_id = $1 AND id = $2`, transferID, lineID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete transfer line")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("transfer_line", lineID)
	}
	return nil
}

// DeleteLines removes every line of a transfer.
func (r *TransferRepository) DeleteLines(ctx context.Context, transferID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM transfer_lines WHERE transfer_id = $1`, transferID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete transfer lines")
	}
	return nil
}

// AppendApproval adds a row to the approval trail.
func (r *TransferRepository) AppendApproval(ctx context.Context, rec *ApprovalRecord) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO transfer_approvals (transfer_id, stage_order, approver, decision)
		VALUES ($1, $2, $3, $4)
		RETURNING id, acted_at
	`, rec.TransferID, rec.StageOrder, rec.Approver, rec.Decision).Scan(&rec.ID, &rec.ActedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record approval")
	}
	return nil
}

// ListApprovals returns the approval trail in stage order.
func (r *TransferRepository) ListApprovals(ctx context.Context, transferID string) ([]*ApprovalRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, transfer_id, stage_order, approver, decision, acted_at
		FROM transfer_approvals
		WHERE transfer_id = $1
		ORDER BY stage_order ASC, acted_at ASC
	`, transferID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approvals")
	}
	defer rows.Close()

	var out []*ApprovalRecord
	for rows.Next() {
		rec := &ApprovalRecord{}
		if err := rows.Scan(&rec.ID, &rec.TransferID, &rec.StageOrder, &rec.Approver, &rec.Decision, &rec.ActedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ClearApprovals drops the approval trail, used when a transfer is reopened.
func (r *TransferRepository) ClearApprovals(ctx context.Context, transferID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM transfer_approvals WHERE transfer_id = $1`, transferID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear approvals")
	}
	return nil
}

// AddRejectReason stores a rejection reason.
func (r *TransferRepository) AddRejectReason(ctx context.Context, rr *RejectReason) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO transfer_reject_reasons (transfer_id, reason, rejected_by)
		VALUES ($1, $2, $3)
		RETURNING id, rejected_at
	`, rr.TransferID, rr.Reason, rr.RejectedBy).Scan(&rr.ID, &rr.RejectedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to store reject reason")
	}
	return nil
}

// ListRejectReasons returns a transfer's rejection history oldest first.
func (r *TransferRepository) ListRejectReasons(ctx context.Context, transferID string) ([]*RejectReason, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, transfer_id, reason, rejected_by, rejected_at
		FROM transfer_reject_reasons
		WHERE transfer_id = $1
		ORDER BY rejected_at ASC
	`, transferID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list reject reasons")
	}
	defer rows.Close()

	var out []*RejectReason
	for rows.Next() {
		rr := &RejectReason{}
		if err := rows.Scan(&rr.ID, &rr.TransferID, &rr.Reason, &rr.RejectedBy, &rr.RejectedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan reject reason")
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

func (r *TransferRepository) scanTransfer(row rowScanner) (*Transfer, error) {
	t := &Transfer{}
	err := row.Scan(
		&t.ID,
		&t.Code,
		&t.Type,
		&t.TransactionDate,
		&t.Amount,
		&t.Status,
		&t.StatusLevel,
		&t.RequestedBy,
		&t.UserID,
		&t.Notes,
		&t.FiscalYear,
		&t.LedgerApplied,
		&t.SubmittedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *TransferRepository) scanLine(row rowScanner) (*TransferLine, error) {
	l := &TransferLine{}
	err := row.Scan(
		&l.ID,
		&l.TransferID,
		&l.EntityCode,
		&l.AccountCode,
		&l.FromAmount,
		&l.ToAmount,
		&l.ApprovedBudget,
		&l.AvailableBudget,
		&l.Encumbrance,
		&l.Actual,
		&l.Reason,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return l, nil
}
