package handler

import (
	"encoding/json"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-budget-transfers/internal/repository"
	"github.com/pesio-ai/be-budget-transfers/internal/service"
)

// Response bodies shared by the HTTP and gRPC surfaces.

type TransferResponse struct {
	ID              string     `json:"id"`
	Code            string     `json:"code"`
	Type            string     `json:"type"`
	TransactionDate string     `json:"transaction_date"`
	Amount          string     `json:"amount"`
	Status          string     `json:"status"`
	StatusLevel     int        `json:"status_level"`
	RequestedBy     string     `json:"requested_by,omitempty"`
	UserID          string     `json:"user_id"`
	Notes           string     `json:"notes"`
	FiscalYear      *int       `json:"fiscal_year,omitempty"`
	Editable        bool       `json:"editable"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type LineResponse struct {
	ID              string  `json:"id"`
	EntityCode      string  `json:"entity_code"`
	AccountCode     string  `json:"account_code"`
	FromAmount      string  `json:"from_amount"`
	ToAmount        string  `json:"to_amount"`
	ApprovedBudget  string  `json:"approved_budget"`
	AvailableBudget string  `json:"available_budget"`
	Encumbrance     string  `json:"encumbrance"`
	Actual          string  `json:"actual"`
	Reason          *string `json:"reason,omitempty"`
}

type ApprovalRecordResponse struct {
	StageOrder int       `json:"stage_order"`
	Approver   string    `json:"approver"`
	Decision   string    `json:"decision"`
	ActedAt    time.Time `json:"acted_at"`
}

type TransferDetailResponse struct {
	TransferResponse
	Lines     []LineResponse           `json:"lines"`
	Approvals []ApprovalRecordResponse `json:"approvals"`
}

type InstanceResponse struct {
	ID                  string     `json:"id"`
	TransferID          string     `json:"transfer_id"`
	TemplateID          string     `json:"template_id"`
	CurrentStageID      *string    `json:"current_stage_template_id,omitempty"`
	Status              string     `json:"status"`
	CompletedStageCount int        `json:"completed_stage_count"`
	StartedAt           time.Time  `json:"started_at"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
}

type ActionResponse struct {
	ID                      string    `json:"id"`
	StageInstanceID         string    `json:"stage_instance_id"`
	UserID                  *string   `json:"user_id,omitempty"`
	Action                  string    `json:"action"`
	Comment                 *string   `json:"comment,omitempty"`
	TriggersStageCompletion bool      `json:"triggers_stage_completion"`
	CreatedAt               time.Time `json:"created_at"`
}

type ActionResultResponse struct {
	Workflow InstanceResponse `json:"workflow"`
	Action   ActionResponse   `json:"action"`
	Outcome  string           `json:"outcome"`
}

type AssignmentResponse struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	Role        *string `json:"role,omitempty"`
	Level       *string `json:"level,omitempty"`
	IsMandatory bool    `json:"is_mandatory"`
	Status      string  `json:"status"`
}

type DelegationResponse struct {
	ID              string    `json:"id"`
	FromUserID      string    `json:"from_user_id"`
	ToUserID        string    `json:"to_user_id"`
	StageInstanceID string    `json:"stage_instance_id"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
}

type StageResponse struct {
	ID            string               `json:"id"`
	Order         int                  `json:"order"`
	Name          string               `json:"name"`
	Policy        string               `json:"decision_policy"`
	ParallelGroup *int                 `json:"parallel_group,omitempty"`
	Status        string               `json:"status"`
	ActivatedAt   *time.Time           `json:"activated_at,omitempty"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
	Assignments   []AssignmentResponse `json:"assignments"`
	Actions       []ActionResponse     `json:"actions"`
	Delegations   []DelegationResponse `json:"delegations"`
}

type WorkflowStatusResponse struct {
	Workflow     InstanceResponse `json:"workflow"`
	TemplateCode string           `json:"template_code"`
	Version      int              `json:"template_version"`
	Stages       []StageResponse  `json:"stages"`
}

type PendingApprovalResponse struct {
	AssignmentID       string    `json:"assignment_id"`
	StageInstanceID    string    `json:"stage_instance_id"`
	StageName          string    `json:"stage_name"`
	StageOrder         int       `json:"stage_order"`
	WorkflowInstanceID string    `json:"workflow_instance_id"`
	TransferID         string    `json:"transfer_id"`
	TransferCode       string    `json:"transfer_code"`
	AssignedAt         time.Time `json:"assigned_at"`
}

type StageTemplateResponse struct {
	ID                  string  `json:"id"`
	Order               int     `json:"order"`
	Name                string  `json:"name"`
	Policy              string  `json:"policy"`
	QuorumCount         *int    `json:"quorum_count,omitempty"`
	RequiredUserLevelID *string `json:"required_level_id,omitempty"`
	RequiredRole        *string `json:"required_role,omitempty"`
	AllowReject         bool    `json:"allow_reject"`
	AllowDelegate       bool    `json:"allow_delegate"`
	SLAHours            *int    `json:"sla_hours,omitempty"`
	ParallelGroup       *int    `json:"parallel_group,omitempty"`
}

type TemplateResponse struct {
	ID           string                  `json:"id"`
	Code         string                  `json:"code"`
	TransferType string                  `json:"transfer_type"`
	Name         string                  `json:"name"`
	Description  *string                 `json:"description,omitempty"`
	IsActive     bool                    `json:"is_active"`
	Version      int                     `json:"version"`
	Stages       []StageTemplateResponse `json:"stages"`
}

type PivotFundResponse struct {
	EntityCode  string    `json:"entity_code"`
	AccountCode string    `json:"account_code"`
	Year        int       `json:"year"`
	Budget      string    `json:"budget"`
	Actual      string    `json:"actual"`
	Fund        string    `json:"fund"`
	Encumbrance string    `json:"encumbrance"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type RejectReasonResponse struct {
	Reason     string    `json:"reason"`
	RejectedBy string    `json:"rejected_by"`
	RejectedAt time.Time `json:"rejected_at"`
}

func toTransfer(t *repository.Transfer) TransferResponse {
	return TransferResponse{
		ID:              t.ID,
		Code:            t.Code,
		Type:            string(t.Type),
		TransactionDate: t.TransactionDate,
		Amount:          t.Amount.String(),
		Status:          string(t.Status),
		StatusLevel:     t.StatusLevel,
		RequestedBy:     t.RequestedBy,
		UserID:          t.UserID,
		Notes:           t.Notes,
		FiscalYear:      t.FiscalYear,
		Editable:        t.Status == repository.TransferPending && t.StatusLevel == repository.StatusLevelDraft,
		SubmittedAt:     t.SubmittedAt,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

func toLine(l *repository.TransferLine) LineResponse {
	return LineResponse{
		ID:              l.ID,
		EntityCode:      l.EntityCode,
		AccountCode:     l.AccountCode,
		FromAmount:      l.FromAmount.String(),
		ToAmount:        l.ToAmount.String(),
		ApprovedBudget:  l.ApprovedBudget.String(),
		AvailableBudget: l.AvailableBudget.String(),
		Encumbrance:     l.Encumbrance.String(),
		Actual:          l.Actual.String(),
		Reason:          l.Reason,
	}
}

func toLines(lines []*repository.TransferLine) []LineResponse {
	out := make([]LineResponse, 0, len(lines))
	for _, l := range lines {
		out = append(out, toLine(l))
	}
	return out
}

func toDetail(d *service.TransferDetail) TransferDetailResponse {
	resp := TransferDetailResponse{
		TransferResponse: toTransfer(d.Transfer),
		Lines:            toLines(d.Lines),
		Approvals:        make([]ApprovalRecordResponse, 0, len(d.Approvals)),
	}
	for _, a := range d.Approvals {
		resp.Approvals = append(resp.Approvals, ApprovalRecordResponse{
			StageOrder: a.StageOrder,
			Approver:   a.Approver,
			Decision:   a.Decision,
			ActedAt:    a.ActedAt,
		})
	}
	return resp
}

func toInstance(i *repository.WorkflowInstance) InstanceResponse {
	return InstanceResponse{
		ID:                  i.ID,
		TransferID:          i.TransferID,
		TemplateID:          i.TemplateID,
		CurrentStageID:      i.CurrentStageTemplateID,
		Status:              string(i.Status),
		CompletedStageCount: i.CompletedStageCount,
		StartedAt:           i.StartedAt,
		FinishedAt:          i.FinishedAt,
	}
}

func toAction(a *repository.Action) ActionResponse {
	return ActionResponse{
		ID:                      a.ID,
		StageInstanceID:         a.StageInstanceID,
		UserID:                  a.UserID,
		Action:                  string(a.Action),
		Comment:                 a.Comment,
		TriggersStageCompletion: a.TriggersStageCompletion,
		CreatedAt:               a.CreatedAt,
	}
}

func toActionResult(r *service.ActionResult) ActionResultResponse {
	return ActionResultResponse{
		Workflow: toInstance(r.Instance),
		Action:   toAction(r.Action),
		Outcome:  string(r.Outcome),
	}
}

func toDelegation(d *repository.Delegation) DelegationResponse {
	return DelegationResponse{
		ID:              d.ID,
		FromUserID:      d.FromUserID,
		ToUserID:        d.ToUserID,
		StageInstanceID: d.StageInstanceID,
		Active:          d.Active,
		CreatedAt:       d.CreatedAt,
	}
}

func toWorkflowStatus(v *service.WorkflowStatusView) WorkflowStatusResponse {
	resp := WorkflowStatusResponse{
		Workflow: toInstance(v.Instance),
		Stages:   make([]StageResponse, 0, len(v.Stages)),
	}
	if v.Template != nil {
		resp.TemplateCode = v.Template.Code
		resp.Version = v.Template.Version
	}
	for _, sv := range v.Stages {
		st := StageResponse{
			ID:          sv.Stage.ID,
			Status:      string(sv.Stage.Status),
			ActivatedAt: sv.Stage.ActivatedAt,
			CompletedAt: sv.Stage.CompletedAt,
			Assignments: make([]AssignmentResponse, 0, len(sv.Assignments)),
			Actions:     make([]ActionResponse, 0, len(sv.Actions)),
			Delegations: make([]DelegationResponse, 0, len(sv.Delegations)),
		}
		if sv.Template != nil {
			st.Order = sv.Template.OrderIndex
			st.Name = sv.Template.Name
			st.Policy = string(sv.Template.DecisionPolicy)
			st.ParallelGroup = sv.Template.ParallelGroup
		}
		for _, a := range sv.Assignments {
			st.Assignments = append(st.Assignments, AssignmentResponse{
				ID:          a.ID,
				UserID:      a.UserID,
				Role:        a.RoleSnapshot,
				Level:       a.LevelSnapshot,
				IsMandatory: a.IsMandatory,
				Status:      string(a.Status),
			})
		}
		for _, a := range sv.Actions {
			st.Actions = append(st.Actions, toAction(a))
		}
		for _, d := range sv.Delegations {
			st.Delegations = append(st.Delegations, toDelegation(d))
		}
		resp.Stages = append(resp.Stages, st)
	}
	return resp
}

func toPending(rows []*repository.PendingApproval) []PendingApprovalResponse {
	out := make([]PendingApprovalResponse, 0, len(rows))
	for _, p := range rows {
		out = append(out, PendingApprovalResponse{
			AssignmentID:       p.AssignmentID,
			StageInstanceID:    p.StageInstanceID,
			StageName:          p.StageName,
			StageOrder:         p.StageOrder,
			WorkflowInstanceID: p.WorkflowInstanceID,
			TransferID:         p.TransferID,
			TransferCode:       p.TransferCode,
			AssignedAt:         p.AssignedAt,
		})
	}
	return out
}

func toTemplate(t *repository.WorkflowTemplate) TemplateResponse {
	resp := TemplateResponse{
		ID:           t.ID,
		Code:         t.Code,
		TransferType: string(t.TransferType),
		Name:         t.Name,
		Description:  t.Description,
		IsActive:     t.IsActive,
		Version:      t.Version,
		Stages:       make([]StageTemplateResponse, 0, len(t.Stages)),
	}
	for _, s := range t.Stages {
		resp.Stages = append(resp.Stages, StageTemplateResponse{
			ID:                  s.ID,
			Order:               s.OrderIndex,
			Name:                s.Name,
			Policy:              string(s.DecisionPolicy),
			QuorumCount:         s.QuorumCount,
			RequiredUserLevelID: s.RequiredUserLevelID,
			RequiredRole:        s.RequiredRole,
			AllowReject:         s.AllowReject,
			AllowDelegate:       s.AllowDelegate,
			SLAHours:            s.SLAHours,
			ParallelGroup:       s.ParallelGroup,
		})
	}
	return resp
}

func toPivotFund(pf *repository.PivotFund) PivotFundResponse {
	return PivotFundResponse{
		EntityCode:  pf.EntityCode,
		AccountCode: pf.AccountCode,
		Year:        pf.Year,
		Budget:      pf.Budget.String(),
		Actual:      pf.Actual.String(),
		Fund:        pf.Fund.String(),
		Encumbrance: pf.Encumbrance.String(),
		UpdatedAt:   pf.UpdatedAt,
	}
}

// toStruct converts a response body to a protobuf Struct via its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a protobuf Struct into a request body.
func fromStruct(s *structpb.Struct, v any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
