package service

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-budget-transfers/internal/client"
	"github.com/pesio-ai/be-budget-transfers/internal/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

// twoStageFAR registers manager (ANY) then finance (ALL with two approvers).
func twoStageFAR(t *testing.T, f *fixture) {
	t.Helper()
	f.user(t, "m1", "manager")
	f.users(t, "finance", "f1", "f2")
	f.template(t, repository.TransferTypeFAR,
		stage(1, "Manager", repository.PolicyAny, "manager"),
		stage(2, "Finance", repository.PolicyAll, "finance"),
	)
}

func TestEndToEndApprovalAppliesLedgerOnce(t *testing.T) {
	f := newFixture(t)
	twoStageFAR(t, f)
	tr := f.farTransfer(t)

	inst := f.submit(t, tr)
	assert.Equal(t, repository.WorkflowInProgress, inst.Status)
	require.Len(t, f.activeStages(t, tr), 1)
	assert.Equal(t, 2, f.reload(t, tr).StatusLevel)

	res := f.act(t, tr, "m1", repository.ActionApprove)
	assert.Equal(t, OutcomeApproved, res.Outcome)
	assert.True(t, res.Action.TriggersStageCompletion)
	assert.Equal(t, 1, res.Instance.CompletedStageCount)
	assert.Equal(t, 3, f.reload(t, tr).StatusLevel)

	res = f.act(t, tr, "f1", repository.ActionApprove)
	assert.Equal(t, OutcomePending, res.Outcome)
	assert.False(t, res.Action.TriggersStageCompletion)
	assert.Equal(t, 0, f.ledger.count())

	res = f.act(t, tr, "f2", repository.ActionApprove)
	assert.Equal(t, OutcomeApproved, res.Outcome)
	assert.Equal(t, repository.WorkflowApproved, res.Instance.Status)
	assert.NotNil(t, res.Instance.FinishedAt)
	assert.Nil(t, res.Instance.CurrentStageTemplateID)
	assert.Equal(t, 2, f.ledger.count())

	got := f.reload(t, tr)
	assert.Equal(t, repository.TransferApproved, got.Status)
	assert.True(t, got.LedgerApplied)

	src := f.balance(t, "A", "X")
	assert.True(t, decimal.NewFromInt(400).Equal(src.Fund), src.Fund.String())
	assert.True(t, decimal.NewFromInt(400).Equal(src.Budget), src.Budget.String())
	dst := f.balance(t, "B", "Y")
	assert.True(t, decimal.NewFromInt(300).Equal(dst.Fund), dst.Fund.String())

	detail, err := f.transfers.GetTransfer(f.ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, detail.Approvals, 4)
	assert.Equal(t, repository.DecisionSubmitted, detail.Approvals[0].Decision)
	assert.Equal(t, 0, detail.Approvals[0].StageOrder)
	assert.Equal(t, 2, detail.Approvals[3].StageOrder)

	assert.Contains(t, f.notifier.types(), client.EventTransferApproved)
	assert.Contains(t, f.notifier.types(), client.EventTransferSubmitted)
}

func TestRejectionShortCircuitsWithoutLedger(t *testing.T) {
	f := newFixture(t)
	twoStageFAR(t, f)
	tr := f.farTransfer(t)
	f.submit(t, tr)
	f.act(t, tr, "m1", repository.ActionApprove)

	comment := "over budget"
	res, err := f.engine.ProcessUserAction(f.ctx, tr.ID, "f1", repository.ActionReject, &comment)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, repository.WorkflowRejected, res.Instance.Status)
	assert.NotNil(t, res.Instance.FinishedAt)
	assert.Equal(t, 0, f.ledger.count())

	got := f.reload(t, tr)
	assert.Equal(t, repository.TransferRejected, got.Status)
	assert.Equal(t, repository.StatusLevelRejected, got.StatusLevel)

	reasons, err := f.transfers.ListRejectReasons(f.ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, reasons, 1)
	assert.Equal(t, "over budget", reasons[0].Reason)
	assert.Equal(t, "f1", reasons[0].RejectedBy)

	_, err = f.engine.ProcessUserAction(f.ctx, tr.ID, "f2", repository.ActionApprove, nil)
	assert.ErrorIs(t, err, ErrWorkflowTerminal)
}

func TestAllPolicyWaitsForEveryApprover(t *testing.T) {
	f := newFixture(t)
	f.users(t, "board", "b1", "b2", "b3")
	f.template(t, repository.TransferTypeFAR, stage(1, "Board", repository.PolicyAll, "board"))
	tr := f.farTransfer(t)
	f.submit(t, tr)

	f.act(t, tr, "b2", repository.ActionApprove)
	f.act(t, tr, "b3", repository.ActionApprove)

	finished, outcome, err := f.engine.CheckFinishedStage(f.ctx, tr.ID)
	require.NoError(t, err)
	assert.False(t, finished)
	assert.Equal(t, OutcomePending, outcome)

	res := f.act(t, tr, "b1", repository.ActionApprove)
	assert.Equal(t, OutcomeApproved, res.Outcome)
	assert.Equal(t, repository.WorkflowApproved, res.Instance.Status)
}

func TestAllPolicyRejectsOnFirstRejection(t *testing.T) {
	f := newFixture(t)
	f.users(t, "board", "b1", "b2", "b3")
	f.template(t, repository.TransferTypeFAR, stage(1, "Board", repository.PolicyAll, "board"))
	tr := f.farTransfer(t)
	f.submit(t, tr)

	res := f.act(t, tr, "b3", repository.ActionReject)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, repository.WorkflowRejected, res.Instance.Status)
}

func TestQuorumDefaultsToMajority(t *testing.T) {
	f := newFixture(t)
	f.users(t, "council", "c1", "c2", "c3", "c4", "c5")
	f.template(t, repository.TransferTypeFAR, stage(1, "Council", repository.PolicyQuorum, "council"))
	tr := f.farTransfer(t)
	f.submit(t, tr)

	assert.Equal(t, OutcomePending, f.act(t, tr, "c1", repository.ActionApprove).Outcome)
	assert.Equal(t, OutcomePending, f.act(t, tr, "c2", repository.ActionApprove).Outcome)
	res := f.act(t, tr, "c3", repository.ActionApprove)
	assert.Equal(t, OutcomeApproved, res.Outcome)
	assert.Equal(t, repository.WorkflowApproved, res.Instance.Status)
}

func TestDuplicateDecisionIsRefused(t *testing.T) {
	f := newFixture(t)
	twoStageFAR(t, f)
	tr := f.farTransfer(t)
	f.submit(t, tr)
	f.act(t, tr, "m1", repository.ActionApprove)
	f.act(t, tr, "f1", repository.ActionApprove)

	_, err := f.engine.ProcessUserAction(f.ctx, tr.ID, "f1", repository.ActionApprove, nil)
	assert.ErrorIs(t, err, ErrDuplicateAction)
	_, err = f.engine.ProcessUserAction(f.ctx, tr.ID, "f1", repository.ActionReject, nil)
	assert.ErrorIs(t, err, ErrDuplicateAction)

	// comments are always accepted
	note := "checked the figures"
	res, err := f.engine.ProcessUserAction(f.ctx, tr.ID, "f1", repository.ActionComment, &note)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, res.Outcome)
}

func TestActionRefusals(t *testing.T) {
	f := newFixture(t)
	f.user(t, "m1", "manager")
	locked := stage(1, "Manager", repository.PolicyAny, "manager")
	locked.AllowReject = false
	locked.AllowDelegate = false
	f.template(t, repository.TransferTypeFAR, locked)
	tr := f.farTransfer(t)

	_, err := f.engine.ProcessUserAction(f.ctx, tr.ID, "m1", repository.ActionApprove, nil)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err), "no workflow before submit")

	f.submit(t, tr)

	_, err = f.engine.ProcessUserAction(f.ctx, tr.ID, "stranger", repository.ActionApprove, nil)
	assert.ErrorIs(t, err, ErrNotAssigned)

	_, err = f.engine.ProcessUserAction(f.ctx, tr.ID, "m1", repository.ActionReject, nil)
	assert.ErrorIs(t, err, ErrActionNotAllowed)

	_, err = f.engine.ProcessUserAction(f.ctx, tr.ID, "m1", repository.ActionDelegate, nil)
	assert.ErrorIs(t, err, ErrActionNotAllowed)

	_, err = f.engine.ProcessUserAction(f.ctx, tr.ID, "m1", repository.ActionCancel, nil)
	assert.ErrorIs(t, err, ErrActionNotAllowed)
}

func TestTerminalInstanceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.user(t, "m1", "manager")
	f.template(t, repository.TransferTypeFAR, stage(1, "Manager", repository.PolicyAny, "manager"))
	tr := f.farTransfer(t)
	f.submit(t, tr)
	res := f.act(t, tr, "m1", repository.ActionApprove)
	require.Equal(t, repository.WorkflowApproved, res.Instance.Status)

	before, err := f.stores.Workflows.ListStages(f.ctx, res.Instance.ID)
	require.NoError(t, err)

	inst, err := f.engine.ActivateNextStage(f.ctx, res.Instance.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.WorkflowApproved, inst.Status)
	assert.Equal(t, res.Instance.FinishedAt, inst.FinishedAt)

	_, err = f.engine.ProcessUserAction(f.ctx, tr.ID, "m1", repository.ActionApprove, nil)
	assert.ErrorIs(t, err, ErrWorkflowTerminal)

	after, err := f.stores.Workflows.ListStages(f.ctx, res.Instance.ID)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
	assert.Equal(t, 2, f.ledger.count())
}

func TestSingleActiveStageThroughout(t *testing.T) {
	f := newFixture(t)
	f.user(t, "m1", "manager")
	f.user(t, "d1", "director")
	f.user(t, "c1", "cfo")
	f.template(t, repository.TransferTypeFAR,
		stage(1, "Manager", repository.PolicyAny, "manager"),
		stage(2, "Director", repository.PolicyAny, "director"),
		stage(3, "CFO", repository.PolicyAny, "cfo"),
	)
	tr := f.farTransfer(t)
	f.submit(t, tr)

	for _, approver := range []string{"m1", "d1"} {
		require.Len(t, f.activeStages(t, tr), 1)
		f.act(t, tr, approver, repository.ActionApprove)
	}
	require.Len(t, f.activeStages(t, tr), 1)
	res := f.act(t, tr, "c1", repository.ActionApprove)
	assert.Equal(t, repository.WorkflowApproved, res.Instance.Status)
	assert.Equal(t, 3, res.Instance.CompletedStageCount)
	assert.Empty(t, f.activeStages(t, tr))
}

func TestActivateNextStageAdvancesManually(t *testing.T) {
	f := newFixture(t)
	twoStageFAR(t, f)
	tr := f.farTransfer(t)
	inst := f.submit(t, tr)

	inst, err := f.engine.ActivateNextStage(f.ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, inst.CompletedStageCount)

	pending, err := f.engine.GetUserPendingApprovals(f.ctx, "f1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Finance", pending[0].StageName)
	assert.Equal(t, tr.Code, pending[0].TransferCode)

	pending, err = f.engine.GetUserPendingApprovals(f.ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDelegation(t *testing.T) {
	f := newFixture(t)
	twoStageFAR(t, f)
	f.user(t, "deputy", "assistant")
	tr := f.farTransfer(t)
	f.submit(t, tr)
	f.act(t, tr, "m1", repository.ActionApprove)

	_, err := f.engine.DelegateApproval(f.ctx, tr.ID, "f1", "f2", nil)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err), "delegate already assigned")

	_, err = f.engine.DelegateApproval(f.ctx, tr.ID, "f1", "f1", nil)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	d, err := f.engine.DelegateApproval(f.ctx, tr.ID, "f1", "deputy", nil)
	require.NoError(t, err)
	assert.True(t, d.Active)
	assert.Contains(t, f.notifier.types(), client.EventTransferDelegated)

	_, err = f.engine.DelegateApproval(f.ctx, tr.ID, "f1", "m1", nil)
	assert.ErrorIs(t, err, ErrActionNotAllowed, "assignment already delegated")

	_, err = f.engine.ProcessUserAction(f.ctx, tr.ID, "f1", repository.ActionApprove, nil)
	assert.ErrorIs(t, err, ErrActionNotAllowed)

	assert.Equal(t, OutcomePending, f.act(t, tr, "deputy", repository.ActionApprove).Outcome)
	res := f.act(t, tr, "f2", repository.ActionApprove)
	assert.Equal(t, repository.WorkflowApproved, res.Instance.Status)

	view, err := f.engine.GetWorkflowStatus(f.ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, view.Stages, 2)
	finance := view.Stages[1]
	require.Len(t, finance.Delegations, 1)
	assert.False(t, finance.Delegations[0].Active, "completion deactivates delegations")
	assert.Len(t, finance.Assignments, 3)
}

func TestDelegationForbiddenByStage(t *testing.T) {
	f := newFixture(t)
	f.users(t, "finance", "f1", "f2")
	st := stage(1, "Finance", repository.PolicyAll, "finance")
	st.AllowDelegate = false
	f.template(t, repository.TransferTypeFAR, st)
	tr := f.farTransfer(t)
	f.submit(t, tr)

	_, err := f.engine.DelegateApproval(f.ctx, tr.ID, "f1", "f2", nil)
	assert.ErrorIs(t, err, ErrActionNotAllowed)
}

func TestBareDelegateActionIsRefused(t *testing.T) {
	f := newFixture(t)
	twoStageFAR(t, f)
	tr := f.farTransfer(t)
	f.submit(t, tr)
	f.act(t, tr, "m1", repository.ActionApprove)
	f.act(t, tr, "f1", repository.ActionApprove)

	_, err := f.engine.ProcessUserAction(f.ctx, tr.ID, "f2", repository.ActionDelegate, nil)
	require.ErrorIs(t, err, ErrActionNotAllowed)

	assert.Equal(t, repository.WorkflowInProgress, f.instance(t, tr).Status)
	assert.Equal(t, 0, f.ledger.count())
	assert.Equal(t, repository.TransferPending, f.reload(t, tr).Status)

	pending, err := f.engine.GetUserPendingApprovals(f.ctx, "f2")
	require.NoError(t, err)
	assert.Len(t, pending, 1, "f2 still has to decide")

	res := f.act(t, tr, "f2", repository.ActionApprove)
	assert.Equal(t, repository.WorkflowApproved, res.Instance.Status)
	assert.Equal(t, 2, f.ledger.count())
}

func TestBareDelegateLeavesSingleApproverStageOpen(t *testing.T) {
	f := newFixture(t)
	f.user(t, "m1", "manager")
	f.template(t, repository.TransferTypeFAR, stage(1, "Manager", repository.PolicyAll, "manager"))
	tr := f.farTransfer(t)
	f.submit(t, tr)

	_, err := f.engine.ProcessUserAction(f.ctx, tr.ID, "m1", repository.ActionDelegate, nil)
	require.ErrorIs(t, err, ErrActionNotAllowed)

	pending, err := f.engine.GetUserPendingApprovals(f.ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	res := f.act(t, tr, "m1", repository.ActionApprove)
	assert.Equal(t, repository.WorkflowApproved, res.Instance.Status)
}

func TestConcurrentFinalApprovalsAdvanceOnce(t *testing.T) {
	f := newFixture(t)
	twoStageFAR(t, f)
	tr := f.farTransfer(t)
	f.submit(t, tr)
	f.act(t, tr, "m1", repository.ActionApprove)

	approvers := []string{"f1", "f2"}
	results := make([]*ActionResult, len(approvers))
	errs := make([]error, len(approvers))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, u := range approvers {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.engine.ProcessUserAction(f.ctx, tr.ID, u, repository.ActionApprove, nil)
		}(i, u)
	}
	close(start)
	wg.Wait()

	approved := 0
	for i := range approvers {
		require.NoError(t, errs[i])
		if results[i].Outcome == OutcomeApproved {
			approved++
		}
	}
	assert.Equal(t, 1, approved, "exactly one action finishes the stage")

	inst := f.instance(t, tr)
	assert.Equal(t, repository.WorkflowApproved, inst.Status)
	assert.Equal(t, 2, inst.CompletedStageCount)
	assert.Equal(t, 2, f.ledger.count())

	stages, err := f.stores.Workflows.ListStages(f.ctx, inst.ID)
	require.NoError(t, err)
	seen := map[string]int{}
	for _, si := range stages {
		seen[si.StageTemplateID]++
	}
	assert.Len(t, stages, 2)
	for id, n := range seen {
		assert.Equal(t, 1, n, "stage template %s instantiated once", id)
	}
}

func TestParallelStagesSharingAnApprover(t *testing.T) {
	f := newFixture(t)
	f.user(t, "r1", "reviewer")
	f.user(t, "c1", "cfo")
	group := 1
	legal := stage(1, "Legal", repository.PolicyAny, "reviewer")
	legal.ParallelGroup = &group
	tax := stage(2, "Tax", repository.PolicyAny, "reviewer")
	tax.ParallelGroup = &group
	f.template(t, repository.TransferTypeFAR, legal, tax, stage(3, "CFO", repository.PolicyAny, "cfo"))
	tr := f.farTransfer(t)
	f.submit(t, tr)
	require.Len(t, f.activeStages(t, tr), 2)

	res := f.act(t, tr, "r1", repository.ActionApprove)
	assert.Equal(t, OutcomePending, res.Outcome)

	res = f.act(t, tr, "r1", repository.ActionApprove)
	assert.Equal(t, OutcomeApproved, res.Outcome, "second approval lands on the other parallel stage")
	assert.Equal(t, 2, res.Instance.CompletedStageCount)

	_, err := f.engine.ProcessUserAction(f.ctx, tr.ID, "r1", repository.ActionApprove, nil)
	assert.ErrorIs(t, err, ErrNotAssigned)

	res = f.act(t, tr, "c1", repository.ActionApprove)
	assert.Equal(t, repository.WorkflowApproved, res.Instance.Status)
}

func TestCancelWorkflow(t *testing.T) {
	f := newFixture(t)
	twoStageFAR(t, f)
	tr := f.farTransfer(t)
	f.submit(t, tr)

	got, err := f.transfers.CancelTransfer(f.ctx, tr.ID, "requester", "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, repository.TransferCancelled, got.Status)
	assert.Equal(t, repository.StatusLevelCancelled, got.StatusLevel)
	assert.Equal(t, 0, f.ledger.count())

	view, err := f.engine.GetWorkflowStatus(f.ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.WorkflowCancelled, view.Instance.Status)
	require.Len(t, view.Stages, 1)
	assert.Equal(t, repository.StageCancelled, view.Stages[0].Stage.Status)
	require.Len(t, view.Stages[0].Actions, 1)
	system := view.Stages[0].Actions[0]
	assert.Nil(t, system.UserID)
	assert.Equal(t, repository.ActionComment, system.Action)
	assert.Contains(t, *system.Comment, "no longer needed")

	pending, err := f.engine.GetUserPendingApprovals(f.ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = f.engine.CancelWorkflow(f.ctx, tr.ID, "requester", "again")
	assert.ErrorIs(t, err, ErrWorkflowTerminal)
}

func TestTemplateFallbackAndMissing(t *testing.T) {
	t.Run("falls back to generic", func(t *testing.T) {
		f := newFixture(t)
		f.user(t, "m1", "manager")
		gen := f.template(t, repository.TransferTypeGEN, stage(1, "Manager", repository.PolicyAny, "manager"))
		tr := f.farTransfer(t)

		inst := f.submit(t, tr)
		assert.Equal(t, gen.ID, inst.TemplateID)
	})

	t.Run("highest active version wins", func(t *testing.T) {
		f := newFixture(t)
		f.user(t, "m1", "manager")
		f.template(t, repository.TransferTypeFAR, stage(1, "Old", repository.PolicyAny, "manager"))
		v2 := f.template(t, repository.TransferTypeFAR, stage(1, "New", repository.PolicyAny, "manager"))
		require.Equal(t, 2, v2.Version)

		inst := f.submit(t, f.farTransfer(t))
		assert.Equal(t, v2.ID, inst.TemplateID)
	})

	t.Run("nothing to select", func(t *testing.T) {
		f := newFixture(t)
		tr := f.farTransfer(t)

		_, err := f.transfers.SubmitTransfer(f.ctx, tr.ID, "requester")
		assert.ErrorIs(t, err, ErrNoTemplateFound)

		got := f.reload(t, tr)
		assert.Equal(t, repository.StatusLevelDraft, got.StatusLevel)
		assert.Nil(t, got.SubmittedAt)
		detail, err := f.transfers.GetTransfer(f.ctx, tr.ID)
		require.NoError(t, err)
		assert.Empty(t, detail.Approvals)
	})
}

func TestStageWithoutApproversBlocksSubmit(t *testing.T) {
	f := newFixture(t)
	f.template(t, repository.TransferTypeFAR, stage(1, "Ghosts", repository.PolicyAny, "nobody"))
	tr := f.farTransfer(t)

	_, err := f.transfers.SubmitTransfer(f.ctx, tr.ID, "requester")
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
	inst, err := f.stores.Workflows.GetLatestByTransfer(f.ctx, tr.ID)
	require.NoError(t, err)
	assert.Nil(t, inst)
}

func TestParallelGroupEvaluatedJointly(t *testing.T) {
	f := newFixture(t)
	f.user(t, "l1", "legal")
	f.user(t, "t1", "tax")
	f.user(t, "c1", "cfo")
	group := 1
	legal := stage(1, "Legal", repository.PolicyAny, "legal")
	legal.ParallelGroup = &group
	tax := stage(2, "Tax", repository.PolicyAny, "tax")
	tax.ParallelGroup = &group
	f.template(t, repository.TransferTypeFAR, legal, tax, stage(3, "CFO", repository.PolicyAny, "cfo"))
	tr := f.farTransfer(t)
	f.submit(t, tr)

	require.Len(t, f.activeStages(t, tr), 2)

	res := f.act(t, tr, "t1", repository.ActionApprove)
	assert.Equal(t, OutcomePending, res.Outcome)
	require.Len(t, f.activeStages(t, tr), 2)

	res = f.act(t, tr, "l1", repository.ActionApprove)
	assert.Equal(t, OutcomeApproved, res.Outcome)
	assert.Equal(t, 2, res.Instance.CompletedStageCount)
	require.Len(t, f.activeStages(t, tr), 1)

	res = f.act(t, tr, "c1", repository.ActionApprove)
	assert.Equal(t, repository.WorkflowApproved, res.Instance.Status)
}

func TestInsufficientFundRollsBackApproval(t *testing.T) {
	f := newFixture(t)
	f.user(t, "m1", "manager")
	f.template(t, repository.TransferTypeFAR, stage(1, "Manager", repository.PolicyAny, "manager"))
	f.fund(t, "A", "X", "50")
	f.fund(t, "B", "Y", "200")
	tr := f.transfer(t, repository.TransferTypeFAR,
		line("A", "X", "100", "0", "300"),
		line("B", "Y", "0", "100", "0"),
	)
	f.submit(t, tr)

	_, err := f.engine.ProcessUserAction(f.ctx, tr.ID, "m1", repository.ActionApprove, nil)
	require.ErrorIs(t, err, ErrInsufficientFund)

	assert.Equal(t, repository.WorkflowInProgress, f.instance(t, tr).Status)
	assert.Len(t, f.activeStages(t, tr), 1)
	assert.Equal(t, repository.TransferPending, f.reload(t, tr).Status)
	assert.True(t, decimal.NewFromInt(50).Equal(f.balance(t, "A", "X").Fund))
	assert.True(t, decimal.NewFromInt(200).Equal(f.balance(t, "B", "Y").Fund))

	pending, err := f.engine.GetUserPendingApprovals(f.ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, pending, 1, "the refused approval was rolled back")
}

func TestReopenApprovedReversesLedger(t *testing.T) {
	f := newFixture(t)
	f.user(t, "m1", "manager")
	f.template(t, repository.TransferTypeFAR, stage(1, "Manager", repository.PolicyAny, "manager"))
	tr := f.farTransfer(t)
	first := f.submit(t, tr)
	f.act(t, tr, "m1", repository.ActionApprove)
	require.True(t, decimal.NewFromInt(400).Equal(f.balance(t, "A", "X").Fund))

	got, err := f.transfers.Reopen(f.ctx, tr.ID, "requester")
	require.NoError(t, err)
	assert.Equal(t, repository.TransferPending, got.Status)
	assert.Equal(t, repository.StatusLevelDraft, got.StatusLevel)
	assert.False(t, got.LedgerApplied)
	assert.True(t, decimal.NewFromInt(500).Equal(f.balance(t, "A", "X").Fund))
	assert.True(t, decimal.NewFromInt(200).Equal(f.balance(t, "B", "Y").Fund))

	detail, err := f.transfers.GetTransfer(f.ctx, tr.ID)
	require.NoError(t, err)
	assert.Empty(t, detail.Approvals)

	second := f.submit(t, tr)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, repository.WorkflowInProgress, second.Status)
}
