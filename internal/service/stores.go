package service

import (
	"context"

	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

// TxManager runs fn in a transaction carried by ctx. Nested calls join the
// outer transaction.
type TxManager interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// TemplateRepository stores workflow templates and their stages.
type TemplateRepository interface {
	// FindActiveByType returns the highest active version for t, or nil.
	FindActiveByType(ctx context.Context, t repository.TransferType) (*repository.WorkflowTemplate, error)
	GetByID(ctx context.Context, id string) (*repository.WorkflowTemplate, error)
	Create(ctx context.Context, tpl *repository.WorkflowTemplate) error
	NextVersion(ctx context.Context, code string) (int, error)
	List(ctx context.Context) ([]*repository.WorkflowTemplate, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// WorkflowRepository stores workflow and stage instances.
type WorkflowRepository interface {
	CreateInstance(ctx context.Context, inst *repository.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*repository.WorkflowInstance, error)
	// GetLatestByTransfer returns the most recent instance, or nil.
	GetLatestByTransfer(ctx context.Context, transferID string) (*repository.WorkflowInstance, error)
	// LockInstance loads the instance with a row lock.
	LockInstance(ctx context.Context, id string) (*repository.WorkflowInstance, error)
	UpdateInstance(ctx context.Context, inst *repository.WorkflowInstance) error

	CreateStage(ctx context.Context, si *repository.StageInstance) error
	UpdateStage(ctx context.Context, si *repository.StageInstance) error
	// LockActiveStages row-locks the instance's active stages.
	LockActiveStages(ctx context.Context, instanceID string) ([]*repository.StageInstance, error)
	ListStages(ctx context.Context, instanceID string) ([]*repository.StageInstance, error)
}

// AssignmentRepository stores assignments and delegations.
type AssignmentRepository interface {
	// GetOrCreate inserts a unless (stage, user) already exists, in which case
	// a is overwritten with the stored row.
	GetOrCreate(ctx context.Context, a *repository.Assignment) (bool, error)
	GetByStageAndUser(ctx context.Context, stageID, userID string) (*repository.Assignment, error)
	ListByStage(ctx context.Context, stageID string) ([]*repository.Assignment, error)
	UpdateStatus(ctx context.Context, id string, status repository.AssignmentStatus) error
	ListPendingForUser(ctx context.Context, userID string) ([]*repository.PendingApproval, error)

	CreateDelegation(ctx context.Context, d *repository.Delegation) error
	DeactivateDelegations(ctx context.Context, stageID string) error
	ListDelegations(ctx context.Context, stageID string) ([]*repository.Delegation, error)
}

// ActionRepository is the append-only action log.
type ActionRepository interface {
	Append(ctx context.Context, a *repository.Action) error
	ListByStage(ctx context.Context, stageID string) ([]*repository.Action, error)
}

// UserDirectory resolves approver candidates.
type UserDirectory interface {
	// ListEligible filters by level and role; nil filters match everyone.
	ListEligible(ctx context.Context, levelID, role *string) ([]*repository.User, error)
	GetByID(ctx context.Context, id string) (*repository.User, error)
}

// LedgerRepository stores pivot fund rows.
type LedgerRepository interface {
	// Find returns the row for the given year, or the latest year when year is
	// nil. Missing rows yield nil.
	Find(ctx context.Context, entity, account string, year *int) (*repository.PivotFund, error)
	// LockForUpdate is Find with a row lock.
	LockForUpdate(ctx context.Context, entity, account string, year *int) (*repository.PivotFund, error)
	UpdateBalances(ctx context.Context, pf *repository.PivotFund) error
	Upsert(ctx context.Context, pf *repository.PivotFund) error
}

// PermissionRepository stores transfer permissions.
type PermissionRepository interface {
	// Find returns nil when no record exists.
	Find(ctx context.Context, entity, account string) (*repository.TransferPermission, error)
	Upsert(ctx context.Context, p *repository.TransferPermission) error
}

// TransferRepository stores transfers, lines and their approval trail.
type TransferRepository interface {
	Create(ctx context.Context, t *repository.Transfer) error
	GetByID(ctx context.Context, id string) (*repository.Transfer, error)
	LockByID(ctx context.Context, id string) (*repository.Transfer, error)
	Update(ctx context.Context, t *repository.Transfer) error
	List(ctx context.Context, status *repository.TransferStatus, limit, offset int) ([]*repository.Transfer, error)
	// MaxCodeNumber returns the highest numeric suffix used with prefix.
	MaxCodeNumber(ctx context.Context, prefix string) (int, error)

	ListLines(ctx context.Context, transferID string) ([]*repository.TransferLine, error)
	GetLine(ctx context.Context, transferID, lineID string) (*repository.TransferLine, error)
	CreateLine(ctx context.Context, l *repository.TransferLine) error
	UpdateLine(ctx context.Context, l *repository.TransferLine) error
	DeleteLine(ctx context.Context, transferID, lineID string) error
	DeleteLines(ctx context.Context, transferID string) error

	AppendApproval(ctx context.Context, rec *repository.ApprovalRecord) error
	ListApprovals(ctx context.Context, transferID string) ([]*repository.ApprovalRecord, error)
	ClearApprovals(ctx context.Context, transferID string) error

	AddRejectReason(ctx context.Context, r *repository.RejectReason) error
	ListRejectReasons(ctx context.Context, transferID string) ([]*repository.RejectReason, error)
}

// Stores bundles the persistence dependencies of the services.
type Stores struct {
	Tx          TxManager
	Templates   TemplateRepository
	Workflows   WorkflowRepository
	Assignments AssignmentRepository
	Actions     ActionRepository
	Users       UserDirectory
	Ledger      LedgerRepository
	Permissions PermissionRepository
	Transfers   TransferRepository
}
