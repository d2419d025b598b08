package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-budget-transfers/internal/client"
	"github.com/pesio-ai/be-budget-transfers/internal/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/logger"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

// NotificationPublisherInterface publishes workflow events. Implementations
// must not fail the caller.
type NotificationPublisherInterface interface {
	PublishTransferEvent(ctx context.Context, ev client.TransferEvent)
}

// pendingEvents collects events raised inside a transaction. They are held in
// memory and published only after commit; a crash in between drops them.
type pendingEvents struct {
	events []client.TransferEvent
}

func (o *pendingEvents) add(ev client.TransferEvent) {
	if o != nil {
		o.events = append(o.events, ev)
	}
}

// ActionResult is returned by ProcessUserAction.
type ActionResult struct {
	Instance *repository.WorkflowInstance
	Action   *repository.Action
	// Outcome is the evaluation of the acted-on stage (or its parallel group)
	// after the action was recorded.
	Outcome StageOutcome
}

// StageView is one stage of a workflow with its audit trail.
type StageView struct {
	Stage       *repository.StageInstance
	Template    *repository.StageTemplate
	Assignments []*repository.Assignment
	Actions     []*repository.Action
	Delegations []*repository.Delegation
}

// WorkflowStatusView is the read model returned by GetWorkflowStatus.
type WorkflowStatusView struct {
	Instance *repository.WorkflowInstance
	Template *repository.WorkflowTemplate
	Stages   []*StageView
}

// WorkflowEngine drives transfers through their approval templates.
type WorkflowEngine struct {
	stores   Stores
	pivot    *PivotFundService
	notifier NotificationPublisherInterface
	log      *logger.Logger
}

// NewWorkflowEngine creates a new WorkflowEngine. notifier may be nil.
func NewWorkflowEngine(stores Stores, pivot *PivotFundService, notifier NotificationPublisherInterface, log *logger.Logger) *WorkflowEngine {
	return &WorkflowEngine{
		stores:   stores,
		pivot:    pivot,
		notifier: notifier,
		log:      log.Component("workflow_engine"),
	}
}

// inTx runs fn in a transaction and publishes the collected events once it
// has committed.
func (e *WorkflowEngine) inTx(ctx context.Context, fn func(ctx context.Context, box *pendingEvents) error) error {
	box := &pendingEvents{}
	if err := e.stores.Tx.InTransaction(ctx, func(ctx context.Context) error { return fn(ctx, box) }); err != nil {
		return err
	}
	e.publish(ctx, box)
	return nil
}

func (e *WorkflowEngine) publish(ctx context.Context, box *pendingEvents) {
	if e.notifier == nil || box == nil {
		return
	}
	for _, ev := range box.events {
		e.notifier.PublishTransferEvent(ctx, ev)
	}
}

// selectTemplate picks the highest active version for t, falling back to the
// generic template.
func (e *WorkflowEngine) selectTemplate(ctx context.Context, t repository.TransferType) (*repository.WorkflowTemplate, error) {
	tpl, err := e.stores.Templates.FindActiveByType(ctx, t)
	if err != nil {
		return nil, err
	}
	if tpl == nil && t != repository.TransferTypeGEN {
		tpl, err = e.stores.Templates.FindActiveByType(ctx, repository.TransferTypeGEN)
		if err != nil {
			return nil, err
		}
	}
	if tpl == nil {
		return nil, errors.Newf(errors.ErrCodeNoTemplateFound,
			"no active workflow template for transfer type %s or %s", t, repository.TransferTypeGEN)
	}
	if len(tpl.Stages) == 0 {
		return nil, errors.Newf(errors.ErrCodeNoTemplateFound, "workflow template %s v%d has no stages", tpl.Code, tpl.Version)
	}
	return tpl, nil
}

// CreateWorkflowInstance returns the transfer's live instance, creating one
// from the selected template when there is none.
func (e *WorkflowEngine) CreateWorkflowInstance(ctx context.Context, t *repository.Transfer) (*repository.WorkflowInstance, error) {
	var inst *repository.WorkflowInstance
	err := e.stores.Tx.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		inst, err = e.createInstance(ctx, t)
		return err
	})
	return inst, err
}

func (e *WorkflowEngine) createInstance(ctx context.Context, t *repository.Transfer) (*repository.WorkflowInstance, error) {
	existing, err := e.stores.Workflows.GetLatestByTransfer(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.Status.IsTerminal() {
		return existing, nil
	}

	tpl, err := e.selectTemplate(ctx, t.Type)
	if err != nil {
		return nil, err
	}

	inst := &repository.WorkflowInstance{
		TransferID: t.ID,
		TemplateID: tpl.ID,
		Status:     repository.WorkflowPending,
	}
	if err := e.stores.Workflows.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("transfer_id", t.ID).
		Str("template", tpl.Code).
		Int("version", tpl.Version).
		Str("instance_id", inst.ID).
		Msg("Workflow instance created")
	return inst, nil
}

// StartApprovalWorkflow creates the instance if needed and activates its
// first stage.
func (e *WorkflowEngine) StartApprovalWorkflow(ctx context.Context, t *repository.Transfer) (*repository.WorkflowInstance, error) {
	ctx, span := tracer.Start(ctx, "workflow.start")
	defer span.End()
	span.SetAttributes(attribute.String("transfer.id", t.ID))

	var inst *repository.WorkflowInstance
	err := e.inTx(ctx, func(ctx context.Context, box *pendingEvents) error {
		var err error
		inst, err = e.startWorkflow(ctx, t, box)
		return err
	})
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return inst, nil
}

func (e *WorkflowEngine) startWorkflow(ctx context.Context, t *repository.Transfer, box *pendingEvents) (*repository.WorkflowInstance, error) {
	inst, err := e.createInstance(ctx, t)
	if err != nil {
		return nil, err
	}
	inst, err = e.stores.Workflows.LockInstance(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	if inst.Status != repository.WorkflowPending {
		return inst, nil
	}

	tpl, err := e.stores.Templates.GetByID(ctx, inst.TemplateID)
	if err != nil {
		return nil, err
	}
	if err := e.activateAfter(ctx, inst, tpl, -1, box); err != nil {
		return nil, err
	}
	return inst, nil
}

// ActivateNextStage advances the instance: with no active stage the first
// stage is activated, otherwise the active stage (or parallel group) is
// completed and the next one activated. Terminal instances are returned
// unchanged.
func (e *WorkflowEngine) ActivateNextStage(ctx context.Context, instanceID string) (*repository.WorkflowInstance, error) {
	var inst *repository.WorkflowInstance
	err := e.inTx(ctx, func(ctx context.Context, box *pendingEvents) error {
		var err error
		inst, err = e.stores.Workflows.LockInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status.IsTerminal() {
			return nil
		}

		active, err := e.stores.Workflows.LockActiveStages(ctx, inst.ID)
		if err != nil {
			return err
		}
		tpl, err := e.stores.Templates.GetByID(ctx, inst.TemplateID)
		if err != nil {
			return err
		}
		if len(active) == 0 {
			return e.activateAfter(ctx, inst, tpl, -1, box)
		}
		return e.completeGroup(ctx, inst, tpl, active, box)
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// activateAfter activates the first stage with an order index above after,
// together with the contiguous stages sharing its parallel group. With no
// such stage the workflow is approved.
func (e *WorkflowEngine) activateAfter(ctx context.Context, inst *repository.WorkflowInstance, tpl *repository.WorkflowTemplate, after int, box *pendingEvents) error {
	group := nextGroup(tpl, after)
	if len(group) == 0 {
		return e.approveWorkflow(ctx, inst, box)
	}

	ts := time.Now().UTC()
	var recipients []string
	for _, st := range group {
		si := &repository.StageInstance{
			WorkflowInstanceID: inst.ID,
			StageTemplateID:    st.ID,
			Status:             repository.StageActive,
			ActivatedAt:        &ts,
		}
		if err := e.stores.Workflows.CreateStage(ctx, si); err != nil {
			return err
		}
		users, err := e.materializeAssignments(ctx, si, st)
		if err != nil {
			return err
		}
		recipients = append(recipients, users...)
	}

	inst.Status = repository.WorkflowInProgress
	inst.CurrentStageTemplateID = &group[0].ID
	if err := e.stores.Workflows.UpdateInstance(ctx, inst); err != nil {
		return err
	}

	t, err := e.updateTransfer(ctx, inst.TransferID, func(t *repository.Transfer) {
		t.StatusLevel = repository.StatusLevelDraft + inst.CompletedStageCount + 1
	})
	if err != nil {
		return err
	}

	box.add(client.TransferEvent{
		Type:         client.EventTransferStageActivated,
		TransferID:   t.ID,
		TransferCode: t.Code,
		ActorID:      t.UserID,
		Recipients:   recipients,
		Payload:      map[string]any{"stage": group[0].Name, "stage_order": group[0].OrderIndex},
	})

	e.log.Info().
		Str("instance_id", inst.ID).
		Str("stage", group[0].Name).
		Int("order", group[0].OrderIndex).
		Int("group_size", len(group)).
		Int("assignees", len(recipients)).
		Msg("Stage activated")
	return nil
}

// nextGroup returns the stages to activate after order index after.
func nextGroup(tpl *repository.WorkflowTemplate, after int) []*repository.StageTemplate {
	stages := slices.Clone(tpl.Stages)
	slices.SortFunc(stages, func(a, b *repository.StageTemplate) int { return a.OrderIndex - b.OrderIndex })

	var group []*repository.StageTemplate
	for _, st := range stages {
		if st.OrderIndex <= after {
			continue
		}
		if len(group) == 0 {
			group = append(group, st)
			if st.ParallelGroup == nil {
				break
			}
			continue
		}
		if st.ParallelGroup == nil || *st.ParallelGroup != *group[0].ParallelGroup {
			break
		}
		group = append(group, st)
	}
	return group
}

// materializeAssignments assigns every eligible user to si and returns their
// ids. Existing assignments are left as they are.
func (e *WorkflowEngine) materializeAssignments(ctx context.Context, si *repository.StageInstance, st *repository.StageTemplate) ([]string, error) {
	users, err := e.stores.Users.ListEligible(ctx, st.RequiredUserLevelID, st.RequiredRole)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, errors.Newf(errors.ErrCodeConflict, "stage %q has no eligible approvers", st.Name)
	}

	ids := make([]string, 0, len(users))
	for _, u := range users {
		role := u.Role
		a := &repository.Assignment{
			StageInstanceID: si.ID,
			UserID:          u.ID,
			RoleSnapshot:    &role,
			LevelSnapshot:   u.LevelName,
			IsMandatory:     true,
			Status:          repository.AssignmentPending,
		}
		if _, err := e.stores.Assignments.GetOrCreate(ctx, a); err != nil {
			return nil, err
		}
		ids = append(ids, u.ID)
	}
	return ids, nil
}

// completeGroup marks the active stages completed and moves on.
func (e *WorkflowEngine) completeGroup(ctx context.Context, inst *repository.WorkflowInstance, tpl *repository.WorkflowTemplate, active []*repository.StageInstance, box *pendingEvents) error {
	after, err := e.closeStages(ctx, tpl, active, repository.StageCompleted)
	if err != nil {
		return err
	}
	inst.CompletedStageCount += len(active)
	return e.activateAfter(ctx, inst, tpl, after, box)
}

// closeStages moves stages to status and returns the highest order index
// among them.
func (e *WorkflowEngine) closeStages(ctx context.Context, tpl *repository.WorkflowTemplate, stages []*repository.StageInstance, status repository.StageStatus) (int, error) {
	ts := time.Now().UTC()
	maxOrder := -1
	for _, si := range stages {
		si.Status = status
		si.CompletedAt = &ts
		if err := e.stores.Workflows.UpdateStage(ctx, si); err != nil {
			return 0, err
		}
		if err := e.stores.Assignments.DeactivateDelegations(ctx, si.ID); err != nil {
			return 0, err
		}
		if st := stageTemplate(tpl, si.StageTemplateID); st != nil && st.OrderIndex > maxOrder {
			maxOrder = st.OrderIndex
		}
	}
	return maxOrder, nil
}

func (e *WorkflowEngine) finish(ctx context.Context, inst *repository.WorkflowInstance, status repository.WorkflowStatus) error {
	ts := time.Now().UTC()
	inst.Status = status
	inst.CurrentStageTemplateID = nil
	inst.FinishedAt = &ts
	return e.stores.Workflows.UpdateInstance(ctx, inst)
}

// approveWorkflow finishes the instance and applies the transfer to the
// ledger in the same transaction. The ledger_applied flag keeps the apply to
// exactly once.
func (e *WorkflowEngine) approveWorkflow(ctx context.Context, inst *repository.WorkflowInstance, box *pendingEvents) error {
	if err := e.finish(ctx, inst, repository.WorkflowApproved); err != nil {
		return err
	}

	t, err := e.stores.Transfers.LockByID(ctx, inst.TransferID)
	if err != nil {
		return err
	}
	if !t.LedgerApplied {
		lines, err := e.stores.Transfers.ListLines(ctx, t.ID)
		if err != nil {
			return err
		}
		if _, err := e.pivot.ApplyTransfer(ctx, t, lines, DirectionApply); err != nil {
			return err
		}
		t.LedgerApplied = true
	}
	t.Status = repository.TransferApproved
	t.StatusLevel = repository.StatusLevelDraft + inst.CompletedStageCount + 1
	if err := e.stores.Transfers.Update(ctx, t); err != nil {
		return err
	}

	box.add(client.TransferEvent{
		Type:         client.EventTransferApproved,
		TransferID:   t.ID,
		TransferCode: t.Code,
		ActorID:      t.UserID,
		Recipients:   []string{t.UserID},
	})

	e.log.Info().
		Str("instance_id", inst.ID).
		Str("transfer_id", t.ID).
		Int("completed_stages", inst.CompletedStageCount).
		Msg("Workflow approved")
	return nil
}

// rejectWorkflow finishes the instance as rejected. The ledger is untouched.
func (e *WorkflowEngine) rejectWorkflow(ctx context.Context, inst *repository.WorkflowInstance, tpl *repository.WorkflowTemplate, active []*repository.StageInstance, userID string, comment *string, box *pendingEvents) error {
	if _, err := e.closeStages(ctx, tpl, active, repository.StageCompleted); err != nil {
		return err
	}
	if err := e.finish(ctx, inst, repository.WorkflowRejected); err != nil {
		return err
	}

	t, err := e.updateTransfer(ctx, inst.TransferID, func(t *repository.Transfer) {
		t.Status = repository.TransferRejected
		t.StatusLevel = repository.StatusLevelRejected
	})
	if err != nil {
		return err
	}

	reason := "rejected"
	if comment != nil && *comment != "" {
		reason = *comment
	}
	if err := e.stores.Transfers.AddRejectReason(ctx, &repository.RejectReason{
		TransferID: t.ID,
		Reason:     reason,
		RejectedBy: userID,
	}); err != nil {
		return err
	}

	box.add(client.TransferEvent{
		Type:         client.EventTransferRejected,
		TransferID:   t.ID,
		TransferCode: t.Code,
		ActorID:      userID,
		Recipients:   []string{t.UserID},
		Payload:      map[string]any{"reason": reason},
	})

	e.log.Info().
		Str("instance_id", inst.ID).
		Str("transfer_id", t.ID).
		Str("rejected_by", userID).
		Msg("Workflow rejected")
	return nil
}

func (e *WorkflowEngine) updateTransfer(ctx context.Context, id string, mutate func(t *repository.Transfer)) (*repository.Transfer, error) {
	t, err := e.stores.Transfers.LockByID(ctx, id)
	if err != nil {
		return nil, err
	}
	mutate(t)
	if err := e.stores.Transfers.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// liveInstance loads and locks the transfer's current instance, failing when
// it is terminal.
func (e *WorkflowEngine) liveInstance(ctx context.Context, transferID string) (*repository.WorkflowInstance, error) {
	latest, err := e.stores.Workflows.GetLatestByTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, errors.NotFound("workflow_instance", transferID)
	}
	inst, err := e.stores.Workflows.LockInstance(ctx, latest.ID)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return nil, errors.Newf(errors.ErrCodeWorkflowTerminal, "workflow for transfer %s is already %s", transferID, inst.Status)
	}
	return inst, nil
}

// activeStages locks the active stages, failing when there are none.
func (e *WorkflowEngine) activeStages(ctx context.Context, inst *repository.WorkflowInstance) ([]*repository.StageInstance, error) {
	active, err := e.stores.Workflows.LockActiveStages(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, errors.Newf(errors.ErrCodeNoActiveStage, "workflow %s has no active stage", inst.ID)
	}
	return active, nil
}

// findAssignment returns the user's assignment in one of the active stages.
// Within a parallel group a user may hold several; the first still pending
// wins, so each of them can be decided in turn.
func (e *WorkflowEngine) findAssignment(ctx context.Context, active []*repository.StageInstance, userID string) (*repository.StageInstance, *repository.Assignment, error) {
	var firstStage *repository.StageInstance
	var first *repository.Assignment
	for _, si := range active {
		a, err := e.stores.Assignments.GetByStageAndUser(ctx, si.ID, userID)
		if err != nil {
			return nil, nil, err
		}
		if a == nil {
			continue
		}
		if a.Status == repository.AssignmentPending {
			return si, a, nil
		}
		if first == nil {
			firstStage, first = si, a
		}
	}
	if first != nil {
		return firstStage, first, nil
	}
	return nil, nil, errors.Newf(errors.ErrCodeNotAssigned, "user %s is not assigned to the active stage", userID)
}

func (e *WorkflowEngine) snapshots(ctx context.Context, tpl *repository.WorkflowTemplate, stages []*repository.StageInstance) ([]stageSnapshot, error) {
	out := make([]stageSnapshot, 0, len(stages))
	for _, si := range stages {
		st := stageTemplate(tpl, si.StageTemplateID)
		if st == nil {
			return nil, errors.Newf(errors.ErrCodeInternal, "stage template %s missing from template %s", si.StageTemplateID, tpl.ID)
		}
		assignments, err := e.stores.Assignments.ListByStage(ctx, si.ID)
		if err != nil {
			return nil, err
		}
		actions, err := e.stores.Actions.ListByStage(ctx, si.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, stageSnapshot{template: st, stage: si, assignments: assignments, actions: actions})
	}
	return out, nil
}

// ProcessUserAction records an approver's decision on the transfer's active
// stage and advances the workflow when the decision resolves it.
func (e *WorkflowEngine) ProcessUserAction(ctx context.Context, transferID, userID string, action repository.ActionType, comment *string) (*ActionResult, error) {
	ctx, span := tracer.Start(ctx, "workflow.process_action")
	defer span.End()
	span.SetAttributes(
		attribute.String("transfer.id", transferID),
		attribute.String("user.id", userID),
		attribute.String("action", string(action)),
	)

	var result *ActionResult
	err := e.inTx(ctx, func(ctx context.Context, box *pendingEvents) error {
		var err error
		result, err = e.processAction(ctx, transferID, userID, action, comment, box)
		return err
	})
	if err != nil {
		recordSpanError(span, err)
		e.log.Debug().Err(err).
			Str("transfer_id", transferID).
			Str("user_id", userID).
			Str("action", string(action)).
			Msg("Action refused")
		return nil, err
	}
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	return result, nil
}

func (e *WorkflowEngine) processAction(ctx context.Context, transferID, userID string, action repository.ActionType, comment *string, box *pendingEvents) (*ActionResult, error) {
	if userID == "" {
		return nil, errors.InvalidInput("user_id", "is required")
	}

	inst, err := e.liveInstance(ctx, transferID)
	if err != nil {
		return nil, err
	}
	active, err := e.activeStages(ctx, inst)
	if err != nil {
		return nil, err
	}
	tpl, err := e.stores.Templates.GetByID(ctx, inst.TemplateID)
	if err != nil {
		return nil, err
	}
	stage, assignment, err := e.findAssignment(ctx, active, userID)
	if err != nil {
		return nil, err
	}
	st := stageTemplate(tpl, stage.StageTemplateID)
	if st == nil {
		return nil, errors.Newf(errors.ErrCodeInternal, "stage template %s missing", stage.StageTemplateID)
	}

	switch action {
	case repository.ActionApprove:
	case repository.ActionReject:
		if !st.AllowReject {
			return nil, errors.Newf(errors.ErrCodeActionNotAllowed, "stage %q does not allow rejection", st.Name)
		}
	case repository.ActionDelegate:
		// A delegation needs a delegate; it never resolves the stage.
		return nil, errors.New(errors.ErrCodeActionNotAllowed, "delegate through DelegateApproval with a target user")
	case repository.ActionComment:
	case repository.ActionCancel:
		return nil, errors.New(errors.ErrCodeActionNotAllowed, "cancel the workflow instead of acting on a stage")
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "unknown action %q", action)
	}

	snaps, err := e.snapshots(ctx, tpl, active)
	if err != nil {
		return nil, err
	}

	if action != repository.ActionComment {
		if assignment.Status == repository.AssignmentDelegated {
			return nil, errors.New(errors.ErrCodeActionNotAllowed, "assignment was delegated")
		}
		for _, s := range snaps {
			if s.stage.ID != stage.ID {
				continue
			}
			for _, a := range s.actions {
				if a.UserID != nil && *a.UserID == userID &&
					(a.Action == repository.ActionApprove || a.Action == repository.ActionReject) {
					return nil, errors.Newf(errors.ErrCodeDuplicateAction, "user %s already recorded %s on stage %q", userID, a.Action, st.Name)
				}
			}
		}
		if assignment.Status != repository.AssignmentPending {
			return nil, errors.Newf(errors.ErrCodeDuplicateAction, "assignment is already %s", assignment.Status)
		}
	}

	rec := &repository.Action{
		StageInstanceID: stage.ID,
		UserID:          &userID,
		AssignmentID:    &assignment.ID,
		Action:          action,
		Comment:         comment,
	}

	newStatus := assignmentStatusFor(action)
	outcome := OutcomePending
	if newStatus != "" {
		outcome = evaluateGroup(withAction(snaps, stage.ID, assignment.ID, newStatus, rec))
		rec.TriggersStageCompletion = outcome.Finished()
	}

	if err := e.stores.Actions.Append(ctx, rec); err != nil {
		return nil, err
	}
	if newStatus != "" {
		if err := e.stores.Assignments.UpdateStatus(ctx, assignment.ID, newStatus); err != nil {
			return nil, err
		}
	}
	if action == repository.ActionApprove || action == repository.ActionReject {
		decision := repository.DecisionApproved
		if action == repository.ActionReject {
			decision = repository.DecisionRejected
		}
		if err := e.stores.Transfers.AppendApproval(ctx, &repository.ApprovalRecord{
			TransferID: inst.TransferID,
			StageOrder: st.OrderIndex,
			Approver:   userID,
			Decision:   decision,
		}); err != nil {
			return nil, err
		}
	}

	switch outcome {
	case OutcomeApproved:
		if err := e.completeGroup(ctx, inst, tpl, active, box); err != nil {
			return nil, err
		}
	case OutcomeRejected:
		if err := e.rejectWorkflow(ctx, inst, tpl, active, userID, comment, box); err != nil {
			return nil, err
		}
	}

	e.log.Info().
		Str("instance_id", inst.ID).
		Str("stage", st.Name).
		Str("user_id", userID).
		Str("action", string(action)).
		Str("outcome", string(outcome)).
		Msg("Approval action recorded")

	return &ActionResult{Instance: inst, Action: rec, Outcome: outcome}, nil
}

func assignmentStatusFor(action repository.ActionType) repository.AssignmentStatus {
	switch action {
	case repository.ActionApprove:
		return repository.AssignmentApproved
	case repository.ActionReject:
		return repository.AssignmentRejected
	default:
		return ""
	}
}

// withAction returns snaps as they will look once rec is stored.
func withAction(snaps []stageSnapshot, stageID, assignmentID string, status repository.AssignmentStatus, rec *repository.Action) []stageSnapshot {
	out := make([]stageSnapshot, len(snaps))
	for i, s := range snaps {
		out[i] = s
		if s.stage.ID != stageID {
			continue
		}
		out[i].actions = append(slices.Clone(s.actions), rec)
		out[i].assignments = make([]*repository.Assignment, len(s.assignments))
		for j, a := range s.assignments {
			if a.ID == assignmentID {
				cp := *a
				cp.Status = status
				a = &cp
			}
			out[i].assignments[j] = a
		}
	}
	return out
}

// CheckFinishedStage evaluates the transfer's active stage (or parallel
// group) without changing anything.
func (e *WorkflowEngine) CheckFinishedStage(ctx context.Context, transferID string) (bool, StageOutcome, error) {
	var outcome StageOutcome
	err := e.stores.Tx.InTransaction(ctx, func(ctx context.Context) error {
		inst, err := e.stores.Workflows.GetLatestByTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if inst == nil {
			return errors.NotFound("workflow_instance", transferID)
		}
		stages, err := e.stores.Workflows.ListStages(ctx, inst.ID)
		if err != nil {
			return err
		}
		active := slices.DeleteFunc(stages, func(si *repository.StageInstance) bool { return si.Status != repository.StageActive })
		if len(active) == 0 {
			return errors.Newf(errors.ErrCodeNoActiveStage, "workflow %s has no active stage", inst.ID)
		}
		tpl, err := e.stores.Templates.GetByID(ctx, inst.TemplateID)
		if err != nil {
			return err
		}
		snaps, err := e.snapshots(ctx, tpl, active)
		if err != nil {
			return err
		}
		outcome = evaluateGroup(snaps)
		return nil
	})
	if err != nil {
		return false, "", err
	}
	return outcome.Finished(), outcome, nil
}

// DelegateApproval hands fromUserID's pending assignment on the active stage
// to toUserID.
func (e *WorkflowEngine) DelegateApproval(ctx context.Context, transferID, fromUserID, toUserID string, comment *string) (*repository.Delegation, error) {
	if fromUserID == "" || toUserID == "" {
		return nil, errors.InvalidInput("user_id", "delegating and delegate users are required")
	}
	if fromUserID == toUserID {
		return nil, errors.InvalidInput("to_user_id", "cannot delegate to yourself")
	}

	var d *repository.Delegation
	err := e.inTx(ctx, func(ctx context.Context, box *pendingEvents) error {
		inst, err := e.liveInstance(ctx, transferID)
		if err != nil {
			return err
		}
		active, err := e.activeStages(ctx, inst)
		if err != nil {
			return err
		}
		tpl, err := e.stores.Templates.GetByID(ctx, inst.TemplateID)
		if err != nil {
			return err
		}
		stage, from, err := e.findAssignment(ctx, active, fromUserID)
		if err != nil {
			return err
		}
		st := stageTemplate(tpl, stage.StageTemplateID)
		if st == nil || !st.AllowDelegate {
			return errors.New(errors.ErrCodeActionNotAllowed, "stage does not allow delegation")
		}
		if from.Status != repository.AssignmentPending {
			return errors.Newf(errors.ErrCodeActionNotAllowed, "assignment is already %s", from.Status)
		}

		to, err := e.stores.Users.GetByID(ctx, toUserID)
		if err != nil {
			return err
		}
		existing, err := e.stores.Assignments.GetByStageAndUser(ctx, stage.ID, to.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return errors.Newf(errors.ErrCodeConflict, "user %s is already assigned to stage %q", to.ID, st.Name)
		}
		delegations, err := e.stores.Assignments.ListDelegations(ctx, stage.ID)
		if err != nil {
			return err
		}
		for _, dl := range delegations {
			if dl.Active && dl.ToUserID == to.ID {
				return errors.Newf(errors.ErrCodeConflict, "user %s already holds a delegation on stage %q", to.ID, st.Name)
			}
		}

		d = &repository.Delegation{
			FromUserID:      fromUserID,
			ToUserID:        to.ID,
			StageInstanceID: stage.ID,
			Active:          true,
		}
		if err := e.stores.Assignments.CreateDelegation(ctx, d); err != nil {
			return err
		}
		role := to.Role
		if _, err := e.stores.Assignments.GetOrCreate(ctx, &repository.Assignment{
			StageInstanceID: stage.ID,
			UserID:          to.ID,
			RoleSnapshot:    &role,
			LevelSnapshot:   to.LevelName,
			IsMandatory:     from.IsMandatory,
			Status:          repository.AssignmentPending,
		}); err != nil {
			return err
		}
		if err := e.stores.Assignments.UpdateStatus(ctx, from.ID, repository.AssignmentDelegated); err != nil {
			return err
		}
		if err := e.stores.Actions.Append(ctx, &repository.Action{
			StageInstanceID: stage.ID,
			UserID:          &fromUserID,
			AssignmentID:    &from.ID,
			Action:          repository.ActionDelegate,
			Comment:         comment,
		}); err != nil {
			return err
		}

		t, err := e.stores.Transfers.GetByID(ctx, inst.TransferID)
		if err != nil {
			return err
		}
		box.add(client.TransferEvent{
			Type:         client.EventTransferDelegated,
			TransferID:   t.ID,
			TransferCode: t.Code,
			ActorID:      fromUserID,
			Recipients:   []string{to.ID},
			Payload:      map[string]any{"stage": st.Name},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("transfer_id", transferID).
		Str("from_user_id", fromUserID).
		Str("to_user_id", toUserID).
		Msg("Approval delegated")
	return d, nil
}

// CancelWorkflow aborts a non-terminal workflow. Active stages are cancelled
// and a system comment is logged on each. The ledger is untouched.
func (e *WorkflowEngine) CancelWorkflow(ctx context.Context, transferID, userID, reason string) (*repository.WorkflowInstance, error) {
	var inst *repository.WorkflowInstance
	err := e.inTx(ctx, func(ctx context.Context, box *pendingEvents) error {
		var err error
		inst, err = e.cancelWorkflow(ctx, transferID, userID, reason, box)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (e *WorkflowEngine) cancelWorkflow(ctx context.Context, transferID, userID, reason string, box *pendingEvents) (*repository.WorkflowInstance, error) {
	inst, err := e.liveInstance(ctx, transferID)
	if err != nil {
		return nil, err
	}
	active, err := e.stores.Workflows.LockActiveStages(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	tpl, err := e.stores.Templates.GetByID(ctx, inst.TemplateID)
	if err != nil {
		return nil, err
	}

	var recipients []string
	note := fmt.Sprintf("workflow cancelled by %s", userID)
	if reason != "" {
		note += ": " + reason
	}
	for _, si := range active {
		assignments, err := e.stores.Assignments.ListByStage(ctx, si.ID)
		if err != nil {
			return nil, err
		}
		for _, a := range assignments {
			if a.Status == repository.AssignmentPending {
				recipients = append(recipients, a.UserID)
			}
		}
		if err := e.stores.Actions.Append(ctx, &repository.Action{
			StageInstanceID: si.ID,
			Action:          repository.ActionComment,
			Comment:         &note,
		}); err != nil {
			return nil, err
		}
	}
	if _, err := e.closeStages(ctx, tpl, active, repository.StageCancelled); err != nil {
		return nil, err
	}
	if err := e.finish(ctx, inst, repository.WorkflowCancelled); err != nil {
		return nil, err
	}

	t, err := e.updateTransfer(ctx, inst.TransferID, func(t *repository.Transfer) {
		t.Status = repository.TransferCancelled
		t.StatusLevel = repository.StatusLevelCancelled
	})
	if err != nil {
		return nil, err
	}

	box.add(client.TransferEvent{
		Type:         client.EventTransferCancelled,
		TransferID:   t.ID,
		TransferCode: t.Code,
		ActorID:      userID,
		Recipients:   append(recipients, t.UserID),
		Payload:      map[string]any{"reason": reason},
	})

	e.log.Info().
		Str("instance_id", inst.ID).
		Str("transfer_id", t.ID).
		Str("cancelled_by", userID).
		Msg("Workflow cancelled")
	return inst, nil
}

// GetUserPendingApprovals lists pending assignments on active stages of
// in-progress workflows.
func (e *WorkflowEngine) GetUserPendingApprovals(ctx context.Context, userID string) ([]*repository.PendingApproval, error) {
	if userID == "" {
		return nil, errors.InvalidInput("user_id", "is required")
	}
	return e.stores.Assignments.ListPendingForUser(ctx, userID)
}

// GetWorkflowStatus returns the transfer's latest workflow with every stage
// and its audit trail.
func (e *WorkflowEngine) GetWorkflowStatus(ctx context.Context, transferID string) (*WorkflowStatusView, error) {
	inst, err := e.stores.Workflows.GetLatestByTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, errors.NotFound("workflow_instance", transferID)
	}
	tpl, err := e.stores.Templates.GetByID(ctx, inst.TemplateID)
	if err != nil {
		return nil, err
	}
	stages, err := e.stores.Workflows.ListStages(ctx, inst.ID)
	if err != nil {
		return nil, err
	}

	view := &WorkflowStatusView{Instance: inst, Template: tpl}
	for _, si := range stages {
		sv := &StageView{Stage: si, Template: stageTemplate(tpl, si.StageTemplateID)}
		if sv.Assignments, err = e.stores.Assignments.ListByStage(ctx, si.ID); err != nil {
			return nil, err
		}
		if sv.Actions, err = e.stores.Actions.ListByStage(ctx, si.ID); err != nil {
			return nil, err
		}
		if sv.Delegations, err = e.stores.Assignments.ListDelegations(ctx, si.ID); err != nil {
			return nil, err
		}
		view.Stages = append(view.Stages, sv)
	}
	return view, nil
}

func stageTemplate(tpl *repository.WorkflowTemplate, id string) *repository.StageTemplate {
	for _, st := range tpl.Stages {
		if st.ID == id {
			return st
		}
	}
	return nil
}
