package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-budget-transfers/internal/database"
	"github.com/pesio-ai/be-budget-transfers/internal/errors"
)

// PivotFundRepository manages the pivot fund ledger.
type PivotFundRepository struct {
	db *database.DB
}

// NewPivotFundRepository creates a new PivotFundRepository.
func NewPivotFundRepository(db *database.DB) *PivotFundRepository {
	return &PivotFundRepository{db: db}
}

const pivotFundSelect = `
	SELECT id, entity_code, account_code, fiscal_year, budget, actual, fund, encumbrance, updated_at
	FROM pivot_funds
	WHERE entity_code = $1 AND account_code = $2 AND ($3::INT IS NULL OR fiscal_year = $3)
	ORDER BY fiscal_year DESC
	LIMIT 1`

// Find returns the ledger row for (entity, account, year). A nil year picks
// the latest year. Missing rows yield nil.
func (r *PivotFundRepository) Find(ctx context.Context, entity, account string, year *int) (*PivotFund, error) {
	return r.find(ctx, pivotFundSelect, entity, account, year)
}

// LockForUpdate is Find with a row lock. Must run in a transaction.
func (r *PivotFundRepository) LockForUpdate(ctx context.Context, entity, account string, year *int) (*PivotFund, error) {
	return r.find(ctx, pivotFundSelect+` FOR UPDATE`, entity, account, year)
}

func (r *PivotFundRepository) find(ctx context.Context, query, entity, account string, year *int) (*PivotFund, error) {
	pf := &PivotFund{}
	err := r.db.QueryRow(ctx, query, entity, account, year).Scan(
		&pf.ID,
		&pf.EntityCode,
		&pf.AccountCode,
		&pf.Year,
		&pf.Budget,
		&pf.Actual,
		&pf.Fund,
		&pf.Encumbrance,
		&pf.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read pivot fund")
	}
	return pf, nil
}

// UpdateBalances writes the row's balances.
func (r *PivotFundRepository) UpdateBalances(ctx context.Context, pf *PivotFund) error {
	err := r.db.QueryRow(ctx, `
		UPDATE pivot_funds
		SET budget = $2, actual = $3, fund = $4, encumbrance = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, pf.ID, pf.Budget, pf.Actual, pf.Fund, pf.Encumbrance).Scan(&pf.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("pivot_fund", pf.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update pivot fund")
	}
	return nil
}

// Upsert inserts or replaces the row for (entity, account, year).
func (r *PivotFundRepository) Upsert(ctx context.Context, pf *PivotFund) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO pivot_funds (entity_code, account_code, fiscal_year, budget, actual, fund, encumbrance)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (entity_code, account_code, fiscal_year) DO UPDATE
		SET budget = EXCLUDED.budget,
		    actual = EXCLUDED.actual,
		    fund = EXCLUDED.fund,
		    encumbrance = EXCLUDED.encumbrance,
		    updated_at = NOW()
		RETURNING id, updated_at
	`, pf.EntityCode, pf.AccountCode, pf.Year, pf.Budget, pf.Actual, pf.Fund, pf.Encumbrance).Scan(&pf.ID, &pf.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert pivot fund")
	}
	return nil
}

// TransferPermissionRepository manages per-(entity, account) transfer flags.
type TransferPermissionRepository struct {
	db *database.DB
}

// NewTransferPermissionRepository creates a new TransferPermissionRepository.
func NewTransferPermissionRepository(db *database.DB) *TransferPermissionRepository {
	return &TransferPermissionRepository{db: db}
}

// Find returns the permission record, or nil.
func (r *TransferPermissionRepository) Find(ctx context.Context, entity, account string) (*TransferPermission, error) {
	p := &TransferPermission{}
	var transferAllowed, sourceAllowed, targetAllowed string
	err := r.db.QueryRow(ctx, `
		SELECT entity_code, account_code, transfer_allowed, source_allowed, target_allowed,
		       source_count, target_count
		FROM transfer_permissions
		WHERE entity_code = $1 AND account_code = $2
	`, entity, account).Scan(
		&p.EntityCode,
		&p.AccountCode,
		&transferAllowed,
		&sourceAllowed,
		&targetAllowed,
		&p.SourceCount,
		&p.TargetCount,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read transfer permission")
	}
	p.TransferAllowed = ParsePermission(transferAllowed)
	p.SourceAllowed = ParsePermission(sourceAllowed)
	p.TargetAllowed = ParsePermission(targetAllowed)
	return p, nil
}

// Upsert inserts or replaces a permission record.
func (r *TransferPermissionRepository) Upsert(ctx context.Context, p *TransferPermission) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO transfer_permissions
		    (entity_code, account_code, transfer_allowed, source_allowed, target_allowed, source_count, target_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (entity_code, account_code) DO UPDATE
		SET transfer_allowed = EXCLUDED.transfer_allowed,
		    source_allowed = EXCLUDED.source_allowed,
		    target_allowed = EXCLUDED.target_allowed,
		    source_count = EXCLUDED.source_count,
		    target_count = EXCLUDED.target_count
	`, p.EntityCode, p.AccountCode, string(p.TransferAllowed), string(p.SourceAllowed), string(p.TargetAllowed), p.SourceCount, p.TargetCount)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert transfer permission")
	}
	return nil
}
