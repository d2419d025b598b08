package repository

import (
	"strings"
	"time"
)

// ── Workflow definition ──────────────────────────────────────────────────────

// TransferType tags a transfer with its business kind.
type TransferType string

const (
	TransferTypeFAR TransferType = "FAR" // fund adjustment request
	TransferTypeAFR TransferType = "AFR" // one-sided fund increase
	TransferTypeFAD TransferType = "FAD"
	TransferTypeGEN TransferType = "GEN"
)

// ParseTransferType normalises s. Unknown or empty values fall back to FAR.
func ParseTransferType(s string) TransferType {
	switch t := TransferType(strings.ToUpper(strings.TrimSpace(s))); t {
	case TransferTypeFAR, TransferTypeAFR, TransferTypeFAD, TransferTypeGEN:
		return t
	default:
		return TransferTypeFAR
	}
}

// IsOneSided reports whether lines only move money into the target.
func (t TransferType) IsOneSided() bool { return t == TransferTypeAFR }

// CodePrefix is the prefix used for human-readable transfer codes.
func (t TransferType) CodePrefix() string {
	switch t {
	case TransferTypeAFR, TransferTypeFAD:
		return string(t)
	default:
		return string(TransferTypeFAR)
	}
}

// DecisionPolicy decides when a stage has been approved.
type DecisionPolicy string

const (
	PolicyAll    DecisionPolicy = "ALL"
	PolicyAny    DecisionPolicy = "ANY"
	PolicyQuorum DecisionPolicy = "QUORUM"
)

func (p DecisionPolicy) Valid() bool {
	return p == PolicyAll || p == PolicyAny || p == PolicyQuorum
}

// WorkflowTemplate is a versioned approval pipeline for one transfer type.
type WorkflowTemplate struct {
	ID           string
	Code         string
	TransferType TransferType
	Name         string
	Description  *string
	IsActive     bool
	Version      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Stages       []*StageTemplate // ordered by OrderIndex
}

// StageTemplate is one step of a WorkflowTemplate.
type StageTemplate struct {
	ID                  string
	TemplateID          string
	OrderIndex          int
	Name                string
	DecisionPolicy      DecisionPolicy
	QuorumCount         *int
	RequiredUserLevelID *string
	RequiredRole        *string
	AllowReject         bool
	AllowDelegate       bool
	SLAHours            *int // stored, not enforced
	ParallelGroup       *int
	CreatedAt           time.Time
}

// ── Workflow runtime ─────────────────────────────────────────────────────────

type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowApproved   WorkflowStatus = "approved"
	WorkflowRejected   WorkflowStatus = "rejected"
	WorkflowCancelled  WorkflowStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowApproved || s == WorkflowRejected || s == WorkflowCancelled
}

// WorkflowInstance is a running copy of a template bound to one transfer.
type WorkflowInstance struct {
	ID                     string
	TransferID             string
	TemplateID             string
	CurrentStageTemplateID *string
	Status                 WorkflowStatus
	CompletedStageCount    int
	StartedAt              time.Time
	FinishedAt             *time.Time
	UpdatedAt              time.Time
}

type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageActive    StageStatus = "active"
	StageCompleted StageStatus = "completed"
	StageSkipped   StageStatus = "skipped"
	StageCancelled StageStatus = "cancelled"
)

// StageInstance is the runtime state of one stage template in a workflow.
type StageInstance struct {
	ID                 string
	WorkflowInstanceID string
	StageTemplateID    string
	Status             StageStatus
	ActivatedAt        *time.Time
	CompletedAt        *time.Time
}

type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "pending"
	AssignmentApproved  AssignmentStatus = "approved"
	AssignmentRejected  AssignmentStatus = "rejected"
	AssignmentDelegated AssignmentStatus = "delegated"
)

// Assignment is one user's obligation to act on a stage.
type Assignment struct {
	ID              string
	StageInstanceID string
	UserID          string
	RoleSnapshot    *string
	LevelSnapshot   *string
	IsMandatory     bool
	Status          AssignmentStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type ActionType string

const (
	ActionApprove  ActionType = "approve"
	ActionReject   ActionType = "reject"
	ActionDelegate ActionType = "delegate"
	ActionComment  ActionType = "comment"
	ActionCancel   ActionType = "cancel"
)

// ParseActionType accepts user-facing action names.
func ParseActionType(s string) (ActionType, bool) {
	switch a := ActionType(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionApprove, ActionReject, ActionDelegate, ActionComment, ActionCancel:
		return a, true
	default:
		return "", false
	}
}

// Action is an immutable log entry. UserID is nil for system actions.
type Action struct {
	ID                      string
	StageInstanceID         string
	UserID                  *string
	AssignmentID            *string
	Action                  ActionType
	Comment                 *string
	TriggersStageCompletion bool
	CreatedAt               time.Time
}

// Delegation hands one user's assignment on a stage to another user.
type Delegation struct {
	ID              string
	FromUserID      string
	ToUserID        string
	StageInstanceID string
	Active          bool
	CreatedAt       time.Time
	DeactivatedAt   *time.Time
}

// User is an approver candidate.
type User struct {
	ID        string
	Username  string
	Role      string
	LevelID   *string
	LevelName *string
}

// PendingApproval is a read model row for a user's inbox.
type PendingApproval struct {
	AssignmentID       string
	StageInstanceID    string
	StageName          string
	StageOrder         int
	WorkflowInstanceID string
	TransferID         string
	TransferCode       string
	AssignedAt         time.Time
}
