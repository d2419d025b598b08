package service

import (
	"context"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-budget-transfers/internal/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/logger"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

// Direction selects whether a line's effect is applied or undone.
type Direction string

const (
	DirectionApply   Direction = "apply"
	DirectionReverse Direction = "reverse"
)

// LedgerKey identifies a pivot fund row. A nil Year selects the latest year.
type LedgerKey struct {
	Entity  string
	Account string
	Year    *int
}

// PivotFundUpdate reports one balance change.
type PivotFundUpdate struct {
	Key       LedgerKey
	Direction Direction
	Before    repository.PivotFund
	After     repository.PivotFund
}

// PivotFundService implements the balance update protocol against the ledger.
type PivotFundService struct {
	tx     TxManager
	ledger LedgerRepository
	perms  PermissionRepository
	log    *logger.Logger
}

// NewPivotFundService creates a new PivotFundService.
func NewPivotFundService(stores Stores, log *logger.Logger) *PivotFundService {
	return &PivotFundService{
		tx:     stores.Tx,
		ledger: stores.Ledger,
		perms:  stores.Permissions,
		log:    log.Component("pivot_fund"),
	}
}

// UpdatePivotFund applies or reverses one line against the ledger row for
// key. Apply subtracts from and adds to on both budget and fund; reverse does
// the opposite. The row is locked for the rest of the enclosing transaction.
func (s *PivotFundService) UpdatePivotFund(ctx context.Context, key LedgerKey, from, to decimal.Decimal, dir Direction) (*PivotFundUpdate, error) {
	var update *PivotFundUpdate
	err := s.tx.InTransaction(ctx, func(ctx context.Context) error {
		pf, err := s.ledger.LockForUpdate(ctx, key.Entity, key.Account, key.Year)
		if err != nil {
			return err
		}
		if pf == nil {
			return errors.Newf(errors.ErrCodeMissingLedgerRow,
				"no pivot fund for entity %s account %s", key.Entity, key.Account)
		}

		delta := to.Sub(from)
		switch dir {
		case DirectionApply:
		case DirectionReverse:
			delta = delta.Neg()
		default:
			return errors.InvalidInput("direction", "must be apply or reverse")
		}

		before := *pf
		pf.Budget = pf.Budget.Add(delta)
		pf.Fund = pf.Fund.Add(delta)
		if pf.Budget.IsNegative() || pf.Fund.IsNegative() {
			return errors.Newf(errors.ErrCodeInsufficientFund,
				"entity %s account %s cannot move %s: fund %s, budget %s",
				key.Entity, key.Account, delta.Neg().String(), before.Fund.String(), before.Budget.String())
		}

		if err := s.ledger.UpdateBalances(ctx, pf); err != nil {
			return err
		}
		update = &PivotFundUpdate{Key: key, Direction: dir, Before: before, After: *pf}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("entity", key.Entity).
		Str("account", key.Account).
		Str("direction", string(dir)).
		Str("fund_after", update.After.Fund.String()).
		Msg("Pivot fund updated")
	return update, nil
}

// ApplyTransfer runs UpdatePivotFund for every line in one transaction.
func (s *PivotFundService) ApplyTransfer(ctx context.Context, t *repository.Transfer, lines []*repository.TransferLine, dir Direction) ([]*PivotFundUpdate, error) {
	ctx, span := tracer.Start(ctx, "pivot_fund.apply_transfer")
	defer span.End()
	span.SetAttributes(
		attribute.String("transfer.id", t.ID),
		attribute.String("direction", string(dir)),
		attribute.Int("lines", len(lines)),
	)

	var updates []*PivotFundUpdate
	err := s.tx.InTransaction(ctx, func(ctx context.Context) error {
		for _, l := range lines {
			u, err := s.UpdatePivotFund(ctx, LedgerKey{Entity: l.EntityCode, Account: l.AccountCode, Year: t.FiscalYear}, l.FromAmount, l.ToAmount, dir)
			if err != nil {
				return err
			}
			updates = append(updates, u)
		}
		return nil
	})
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return updates, nil
}

// GetBalance returns the ledger row or NotFound.
func (s *PivotFundService) GetBalance(ctx context.Context, key LedgerKey) (*repository.PivotFund, error) {
	pf, err := s.ledger.Find(ctx, key.Entity, key.Account, key.Year)
	if err != nil {
		return nil, err
	}
	if pf == nil {
		return nil, errors.NotFound("pivot_fund", key.Entity+"/"+key.Account)
	}
	return pf, nil
}

// SetBalance seeds or overwrites a ledger row.
func (s *PivotFundService) SetBalance(ctx context.Context, pf *repository.PivotFund) error {
	if pf.EntityCode == "" {
		return errors.InvalidInput("entity_code", "is required")
	}
	if pf.AccountCode == "" {
		return errors.InvalidInput("account_code", "is required")
	}
	if pf.Year <= 0 {
		return errors.InvalidInput("year", "must be positive")
	}
	for field, v := range map[string]decimal.Decimal{"budget": pf.Budget, "actual": pf.Actual, "fund": pf.Fund, "encumbrance": pf.Encumbrance} {
		if v.IsNegative() {
			return errors.InvalidInput(field, "must not be negative")
		}
	}
	return s.ledger.Upsert(ctx, pf)
}

// SetPermission seeds or overwrites a transfer permission record.
func (s *PivotFundService) SetPermission(ctx context.Context, p *repository.TransferPermission) error {
	if p.EntityCode == "" || p.AccountCode == "" {
		return errors.InvalidInput("entity_code", "entity and account codes are required")
	}
	return s.perms.Upsert(ctx, p)
}
