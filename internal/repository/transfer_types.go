package repository

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferApproved  TransferStatus = "approved"
	TransferRejected  TransferStatus = "rejected"
	TransferCancelled TransferStatus = "cancelled"
)

// Status levels mirror the legacy numeric progress indicator.
const (
	StatusLevelCancelled = 0
	StatusLevelRejected  = -1
	StatusLevelDraft     = 1
)

// Transfer is the header of a budget transfer request.
type Transfer struct {
	ID              string
	Code            string
	Type            TransferType
	TransactionDate string
	Amount          decimal.Decimal
	Status          TransferStatus
	StatusLevel     int
	RequestedBy     string
	UserID          string
	Notes           string
	FiscalYear      *int
	LedgerApplied   bool
	SubmittedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TransferLine moves money between one (entity, account) pair and the pivot
// fund. FromAmount decreases the row, ToAmount increases it.
type TransferLine struct {
	ID              string
	TransferID      string
	EntityCode      string
	AccountCode     string
	FromAmount      decimal.Decimal
	ToAmount        decimal.Decimal
	ApprovedBudget  decimal.Decimal
	AvailableBudget decimal.Decimal
	Encumbrance     decimal.Decimal
	Actual          decimal.Decimal
	Reason          *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ApprovalRecord is one row of a transfer's approval trail. Order 0 is the
// submitter.
type ApprovalRecord struct {
	ID         string
	TransferID string
	StageOrder int
	Approver   string
	Decision   string
	ActedAt    time.Time
}

const (
	DecisionSubmitted = "submitted"
	DecisionApproved  = "approved"
	DecisionRejected  = "rejected"
)

// RejectReason is kept for every rejection so reopened transfers keep history.
type RejectReason struct {
	ID         string
	TransferID string
	Reason     string
	RejectedBy string
	RejectedAt time.Time
}

// PivotFund is a ledger row keyed by (entity, account, year).
type PivotFund struct {
	ID          string
	EntityCode  string
	AccountCode string
	Year        int
	Budget      decimal.Decimal
	Actual      decimal.Decimal
	Fund        decimal.Decimal
	Encumbrance decimal.Decimal
	UpdatedAt   time.Time
}

// Permission is a tri-state flag; anything other than Allowed denies.
type Permission string

const (
	PermissionUnset   Permission = "unset"
	PermissionAllowed Permission = "allowed"
	PermissionDenied  Permission = "denied"
)

// ParsePermission accepts stored values and legacy yes/no spellings.
func ParsePermission(s string) Permission {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allowed", "yes", "y", "true", "1":
		return PermissionAllowed
	case "denied", "no", "n", "false", "0":
		return PermissionDenied
	default:
		return PermissionUnset
	}
}

// TransferPermission gates which (entity, account) pairs may take part in
// transfers and in which direction.
type TransferPermission struct {
	EntityCode      string
	AccountCode     string
	TransferAllowed Permission
	SourceAllowed   Permission
	TargetAllowed   Permission
	SourceCount     *int
	TargetCount     *int
}
