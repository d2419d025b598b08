package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-budget-transfers/internal/client"
	"github.com/pesio-ai/be-budget-transfers/internal/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/logger"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

// Locker serializes work on a key across service replicas.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// CreateTransferRequest represents a request to create a transfer.
type CreateTransferRequest struct {
	Type            string      `json:"type"`
	TransactionDate string      `json:"transaction_date"`
	Notes           string      `json:"notes"`
	RequestedBy     string      `json:"requested_by"`
	FiscalYear      *int        `json:"fiscal_year,omitempty"`
	Lines           []LineInput `json:"lines,omitempty"`
	UserID          string      `json:"-"`
}

// TransferDetail is a transfer with its lines and approval trail.
type TransferDetail struct {
	Transfer  *repository.Transfer
	Lines     []*repository.TransferLine
	Approvals []*repository.ApprovalRecord
}

// TransferService manages the transfer aggregate around the workflow engine.
type TransferService struct {
	stores    Stores
	engine    *WorkflowEngine
	pivot     *PivotFundService
	validator *LineValidator
	locker    Locker
	log       *logger.Logger
}

// NewTransferService creates a new TransferService.
func NewTransferService(stores Stores, engine *WorkflowEngine, pivot *PivotFundService, locker Locker, log *logger.Logger) *TransferService {
	return &TransferService{
		stores:    stores,
		engine:    engine,
		pivot:     pivot,
		validator: NewLineValidator(stores.Ledger, stores.Permissions),
		locker:    locker,
		log:       log.Component("transfer_service"),
	}
}

func transferLockKey(id string) string { return "lock:transfer:" + id }

// CreateTransfer creates a draft transfer with the next code for its type.
func (s *TransferService) CreateTransfer(ctx context.Context, req *CreateTransferRequest) (*TransferDetail, error) {
	if strings.TrimSpace(req.TransactionDate) == "" {
		return nil, errors.InvalidInput("transaction_date", "is required")
	}
	if _, err := time.Parse(time.DateOnly, req.TransactionDate); err != nil {
		return nil, errors.InvalidInput("transaction_date", "must be YYYY-MM-DD")
	}
	if strings.TrimSpace(req.Notes) == "" {
		return nil, errors.InvalidInput("notes", "is required")
	}
	if req.UserID == "" {
		return nil, errors.InvalidInput("user_id", "is required")
	}

	t := &repository.Transfer{
		Type:            repository.ParseTransferType(req.Type),
		TransactionDate: req.TransactionDate,
		Status:          repository.TransferPending,
		StatusLevel:     repository.StatusLevelDraft,
		RequestedBy:     req.RequestedBy,
		UserID:          req.UserID,
		Notes:           req.Notes,
		FiscalYear:      req.FiscalYear,
	}
	if t.RequestedBy == "" {
		t.RequestedBy = req.UserID
	}

	var lines []*repository.TransferLine
	if len(req.Lines) > 0 {
		var err error
		if lines, err = s.validator.Validate(ctx, t, req.Lines, nil, ""); err != nil {
			return nil, err
		}
		t.Amount = totalAmount(lines)
	}

	prefix := t.Type.CodePrefix()
	err := s.locker.WithLock(ctx, "lock:transfer-code:"+prefix, func(ctx context.Context) error {
		return s.stores.Tx.InTransaction(ctx, func(ctx context.Context) error {
			n, err := s.stores.Transfers.MaxCodeNumber(ctx, prefix)
			if err != nil {
				return err
			}
			t.Code = fmt.Sprintf("%s-%04d", prefix, n+1)
			if err := s.stores.Transfers.Create(ctx, t); err != nil {
				return err
			}
			for _, l := range lines {
				l.TransferID = t.ID
				if err := s.stores.Transfers.CreateLine(ctx, l); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("transfer_id", t.ID).
		Str("code", t.Code).
		Str("type", string(t.Type)).
		Int("lines", len(lines)).
		Msg("Transfer created")
	return &TransferDetail{Transfer: t, Lines: lines}, nil
}

// GetTransfer returns a transfer with its lines and approval trail.
func (s *TransferService) GetTransfer(ctx context.Context, id string) (*TransferDetail, error) {
	t, err := s.stores.Transfers.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	lines, err := s.stores.Transfers.ListLines(ctx, id)
	if err != nil {
		return nil, err
	}
	approvals, err := s.stores.Transfers.ListApprovals(ctx, id)
	if err != nil {
		return nil, err
	}
	return &TransferDetail{Transfer: t, Lines: lines, Approvals: approvals}, nil
}

// ListTransfers lists transfers, optionally filtered by status.
func (s *TransferService) ListTransfers(ctx context.Context, status string, limit, offset int) ([]*repository.Transfer, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var filter *repository.TransferStatus
	if status != "" {
		st := repository.TransferStatus(strings.ToLower(status))
		filter = &st
	}
	return s.stores.Transfers.List(ctx, filter, limit, offset)
}

// editable loads and locks a transfer that can still have its lines changed.
func (s *TransferService) editable(ctx context.Context, id string) (*repository.Transfer, error) {
	t, err := s.stores.Transfers.LockByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != repository.TransferPending || t.StatusLevel != repository.StatusLevelDraft {
		return nil, errors.Newf(errors.ErrCodeConflict, "transfer %s can no longer be edited", t.Code)
	}
	return t, nil
}

func (s *TransferService) refreshAmount(ctx context.Context, t *repository.Transfer) error {
	lines, err := s.stores.Transfers.ListLines(ctx, t.ID)
	if err != nil {
		return err
	}
	t.Amount = totalAmount(lines)
	return s.stores.Transfers.Update(ctx, t)
}

// ReplaceLines swaps every line of a draft transfer. Nothing is stored when
// any line fails validation.
func (s *TransferService) ReplaceLines(ctx context.Context, transferID string, inputs []LineInput) ([]*repository.TransferLine, error) {
	var lines []*repository.TransferLine
	err := s.stores.Tx.InTransaction(ctx, func(ctx context.Context) error {
		t, err := s.editable(ctx, transferID)
		if err != nil {
			return err
		}
		if lines, err = s.validator.Validate(ctx, t, inputs, nil, ""); err != nil {
			return err
		}
		if err := s.stores.Transfers.DeleteLines(ctx, t.ID); err != nil {
			return err
		}
		for _, l := range lines {
			if err := s.stores.Transfers.CreateLine(ctx, l); err != nil {
				return err
			}
		}
		return s.refreshAmount(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// AddLine appends one line to a draft transfer.
func (s *TransferService) AddLine(ctx context.Context, transferID string, in LineInput) (*repository.TransferLine, error) {
	var line *repository.TransferLine
	err := s.stores.Tx.InTransaction(ctx, func(ctx context.Context) error {
		t, err := s.editable(ctx, transferID)
		if err != nil {
			return err
		}
		existing, err := s.stores.Transfers.ListLines(ctx, t.ID)
		if err != nil {
			return err
		}
		lines, err := s.validator.Validate(ctx, t, []LineInput{in}, existing, "")
		if err != nil {
			return err
		}
		line = lines[0]
		if err := s.stores.Transfers.CreateLine(ctx, line); err != nil {
			return err
		}
		return s.refreshAmount(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	return line, nil
}

// UpdateLine replaces one line of a draft transfer. The line is excluded from
// its own duplicate check.
func (s *TransferService) UpdateLine(ctx context.Context, transferID, lineID string, in LineInput) (*repository.TransferLine, error) {
	var line *repository.TransferLine
	err := s.stores.Tx.InTransaction(ctx, func(ctx context.Context) error {
		t, err := s.editable(ctx, transferID)
		if err != nil {
			return err
		}
		current, err := s.stores.Transfers.GetLine(ctx, t.ID, lineID)
		if err != nil {
			return err
		}
		existing, err := s.stores.Transfers.ListLines(ctx, t.ID)
		if err != nil {
			return err
		}
		lines, err := s.validator.Validate(ctx, t, []LineInput{in}, existing, lineID)
		if err != nil {
			return err
		}
		line = lines[0]
		line.ID = current.ID
		line.CreatedAt = current.CreatedAt
		if err := s.stores.Transfers.UpdateLine(ctx, line); err != nil {
			return err
		}
		return s.refreshAmount(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	return line, nil
}

// DeleteLine removes one line from a draft transfer.
func (s *TransferService) DeleteLine(ctx context.Context, transferID, lineID string) error {
	return s.stores.Tx.InTransaction(ctx, func(ctx context.Context) error {
		t, err := s.editable(ctx, transferID)
		if err != nil {
			return err
		}
		if err := s.stores.Transfers.DeleteLine(ctx, t.ID, lineID); err != nil {
			return err
		}
		return s.refreshAmount(ctx, t)
	})
}

// SubmitTransfer runs the submit checks and starts the approval workflow.
// The submitter is recorded as approval order 0.
func (s *TransferService) SubmitTransfer(ctx context.Context, transferID, userID string) (*repository.WorkflowInstance, error) {
	if userID == "" {
		return nil, errors.InvalidInput("user_id", "is required")
	}

	ctx, span := tracer.Start(ctx, "transfer.submit")
	defer span.End()

	var inst *repository.WorkflowInstance
	box := &pendingEvents{}
	err := s.locker.WithLock(ctx, transferLockKey(transferID), func(ctx context.Context) error {
		return s.stores.Tx.InTransaction(ctx, func(ctx context.Context) error {
			t, err := s.editable(ctx, transferID)
			if err != nil {
				return err
			}
			lines, err := s.stores.Transfers.ListLines(ctx, t.ID)
			if err != nil {
				return err
			}
			if verr := validateSubmission(t, lines); !verr.empty() {
				return verr
			}
			if err := s.checkLedgerRows(ctx, t, lines); err != nil {
				return err
			}

			ts := time.Now().UTC()
			t.SubmittedAt = &ts
			t.Amount = totalAmount(lines)
			if err := s.stores.Transfers.Update(ctx, t); err != nil {
				return err
			}
			if err := s.stores.Transfers.AppendApproval(ctx, &repository.ApprovalRecord{
				TransferID: t.ID,
				StageOrder: 0,
				Approver:   userID,
				Decision:   repository.DecisionSubmitted,
			}); err != nil {
				return err
			}

			if inst, err = s.engine.startWorkflow(ctx, t, box); err != nil {
				return err
			}
			box.add(client.TransferEvent{
				Type:         client.EventTransferSubmitted,
				TransferID:   t.ID,
				TransferCode: t.Code,
				ActorID:      userID,
				Recipients:   []string{t.UserID},
			})
			return nil
		})
	})
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	s.engine.publish(ctx, box)

	s.log.Info().
		Str("transfer_id", transferID).
		Str("submitted_by", userID).
		Str("instance_id", inst.ID).
		Msg("Transfer submitted")
	return inst, nil
}

// checkLedgerRows reports every line without a pivot fund row at once.
func (s *TransferService) checkLedgerRows(ctx context.Context, t *repository.Transfer, lines []*repository.TransferLine) error {
	var missing []string
	for _, l := range lines {
		pf, err := s.stores.Ledger.Find(ctx, l.EntityCode, l.AccountCode, t.FiscalYear)
		if err != nil {
			return err
		}
		if pf == nil {
			missing = append(missing, l.EntityCode+"/"+l.AccountCode)
		}
	}
	if len(missing) > 0 {
		return errors.Newf(errors.ErrCodeMissingLedgerRow, "no pivot fund for %s", strings.Join(missing, ", "))
	}
	return nil
}

// Reopen returns a closed transfer to draft. An approved transfer has its
// ledger effect reversed first.
func (s *TransferService) Reopen(ctx context.Context, transferID, userID string) (*repository.Transfer, error) {
	var t *repository.Transfer
	box := &pendingEvents{}
	err := s.locker.WithLock(ctx, transferLockKey(transferID), func(ctx context.Context) error {
		return s.stores.Tx.InTransaction(ctx, func(ctx context.Context) error {
			var err error
			t, err = s.stores.Transfers.LockByID(ctx, transferID)
			if err != nil {
				return err
			}

			switch t.Status {
			case repository.TransferRejected, repository.TransferCancelled:
			case repository.TransferApproved:
				if t.LedgerApplied {
					lines, err := s.stores.Transfers.ListLines(ctx, t.ID)
					if err != nil {
						return err
					}
					if _, err := s.pivot.ApplyTransfer(ctx, t, lines, DirectionReverse); err != nil {
						return err
					}
					t.LedgerApplied = false
				}
			default:
				return errors.Newf(errors.ErrCodeConflict, "transfer %s is %s and cannot be reopened", t.Code, t.Status)
			}

			if err := s.stores.Transfers.ClearApprovals(ctx, t.ID); err != nil {
				return err
			}
			t.Status = repository.TransferPending
			t.StatusLevel = repository.StatusLevelDraft
			t.SubmittedAt = nil
			if err := s.stores.Transfers.Update(ctx, t); err != nil {
				return err
			}
			box.add(client.TransferEvent{
				Type:         client.EventTransferReopened,
				TransferID:   t.ID,
				TransferCode: t.Code,
				ActorID:      userID,
				Recipients:   []string{t.UserID},
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.engine.publish(ctx, box)

	s.log.Info().Str("transfer_id", t.ID).Str("reopened_by", userID).Msg("Transfer reopened")
	return t, nil
}

// CancelTransfer cancels a pending transfer and its live workflow, if any.
func (s *TransferService) CancelTransfer(ctx context.Context, transferID, userID, reason string) (*repository.Transfer, error) {
	box := &pendingEvents{}
	err := s.locker.WithLock(ctx, transferLockKey(transferID), func(ctx context.Context) error {
		return s.stores.Tx.InTransaction(ctx, func(ctx context.Context) error {
			t, err := s.stores.Transfers.LockByID(ctx, transferID)
			if err != nil {
				return err
			}
			if t.Status != repository.TransferPending {
				return errors.Newf(errors.ErrCodeConflict, "transfer %s is already %s", t.Code, t.Status)
			}

			inst, err := s.stores.Workflows.GetLatestByTransfer(ctx, t.ID)
			if err != nil {
				return err
			}
			if inst != nil && !inst.Status.IsTerminal() {
				_, err := s.engine.cancelWorkflow(ctx, t.ID, userID, reason, box)
				return err
			}

			t.Status = repository.TransferCancelled
			t.StatusLevel = repository.StatusLevelCancelled
			if err := s.stores.Transfers.Update(ctx, t); err != nil {
				return err
			}
			box.add(client.TransferEvent{
				Type:         client.EventTransferCancelled,
				TransferID:   t.ID,
				TransferCode: t.Code,
				ActorID:      userID,
				Recipients:   []string{t.UserID},
				Payload:      map[string]any{"reason": reason},
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.engine.publish(ctx, box)
	return s.stores.Transfers.GetByID(ctx, transferID)
}

// ListRejectReasons returns every recorded rejection of the transfer.
func (s *TransferService) ListRejectReasons(ctx context.Context, transferID string) ([]*repository.RejectReason, error) {
	if _, err := s.stores.Transfers.GetByID(ctx, transferID); err != nil {
		return nil, err
	}
	return s.stores.Transfers.ListRejectReasons(ctx, transferID)
}

// totalAmount is the money moved into targets.
func totalAmount(lines []*repository.TransferLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.ToAmount)
	}
	return total
}
