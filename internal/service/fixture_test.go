package service

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-budget-transfers/internal/client"
	"github.com/pesio-ai/be-budget-transfers/internal/lock"
	"github.com/pesio-ai/be-budget-transfers/internal/logger"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
	"github.com/pesio-ai/be-budget-transfers/internal/repository/memory"
)

// countingLedger counts balance writes so tests can assert how often the
// balance protocol ran.
type countingLedger struct {
	LedgerRepository
	mu      sync.Mutex
	updates int
}

func (c *countingLedger) UpdateBalances(ctx context.Context, pf *repository.PivotFund) error {
	c.mu.Lock()
	c.updates++
	c.mu.Unlock()
	return c.LedgerRepository.UpdateBalances(ctx, pf)
}

func (c *countingLedger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []client.TransferEvent
}

func (n *recordingNotifier) PublishTransferEvent(_ context.Context, ev client.TransferEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	ctx       context.Context
	store     *memory.Store
	stores    Stores
	ledger    *countingLedger
	notifier  *recordingNotifier
	pivot     *PivotFundService
	engine    *WorkflowEngine
	transfers *TransferService
	templates *TemplateService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	ledger := &countingLedger{LedgerRepository: store.Ledger()}
	stores := Stores{
		Tx:          store,
		Templates:   store.Templates(),
		Workflows:   store.Workflows(),
		Assignments: store.Assignments(),
		Actions:     store.Actions(),
		Users:       store.Users(),
		Ledger:      ledger,
		Permissions: store.Permissions(),
		Transfers:   store.Transfers(),
	}
	log := logger.Nop()
	notifier := &recordingNotifier{}
	pivot := NewPivotFundService(stores, log)
	engine := NewWorkflowEngine(stores, pivot, notifier, log)

	return &fixture{
		ctx:       context.Background(),
		store:     store,
		stores:    stores,
		ledger:    ledger,
		notifier:  notifier,
		pivot:     pivot,
		engine:    engine,
		transfers: NewTransferService(stores, engine, pivot, lock.NewLocalLocker(), log),
		templates: NewTemplateService(stores, log),
	}
}

// user adds a user whose id equals its username.
func (f *fixture) user(t *testing.T, name, role string) string {
	t.Helper()
	require.NoError(t, f.store.Users().Add(f.ctx, &repository.User{ID: name, Username: name, Role: role}))
	return name
}

func (f *fixture) users(t *testing.T, role string, names ...string) {
	t.Helper()
	for _, n := range names {
		f.user(t, n, role)
	}
}

func stage(order int, name string, policy repository.DecisionPolicy, role string) *repository.StageTemplate {
	return &repository.StageTemplate{
		OrderIndex:     order,
		Name:           name,
		DecisionPolicy: policy,
		RequiredRole:   &role,
		AllowReject:    true,
		AllowDelegate:  true,
	}
}

func (f *fixture) template(t *testing.T, tt repository.TransferType, stages ...*repository.StageTemplate) *repository.WorkflowTemplate {
	t.Helper()
	tpl, err := f.templates.Register(f.ctx, &repository.WorkflowTemplate{
		Code:         string(tt) + "-default",
		TransferType: tt,
		Stages:       stages,
	})
	require.NoError(t, err)
	return tpl
}

// fund seeds a ledger row with budget and fund set to amount, and a
// permission record allowing both directions.
func (f *fixture) fund(t *testing.T, entity, account, amount string) {
	t.Helper()
	d := decimal.RequireFromString(amount)
	require.NoError(t, f.pivot.SetBalance(f.ctx, &repository.PivotFund{
		EntityCode: entity, AccountCode: account, Year: 2026,
		Budget: d, Fund: d, Actual: decimal.Zero, Encumbrance: decimal.Zero,
	}))
	require.NoError(t, f.pivot.SetPermission(f.ctx, &repository.TransferPermission{
		EntityCode: entity, AccountCode: account,
		TransferAllowed: repository.PermissionAllowed,
		SourceAllowed:   repository.PermissionAllowed,
		TargetAllowed:   repository.PermissionAllowed,
	}))
}

func (f *fixture) balance(t *testing.T, entity, account string) *repository.PivotFund {
	t.Helper()
	pf, err := f.pivot.GetBalance(f.ctx, LedgerKey{Entity: entity, Account: account})
	require.NoError(t, err)
	return pf
}

func line(entity, account, from, to, actual string) LineInput {
	return LineInput{
		EntityCode:      &entity,
		AccountCode:     &account,
		FromAmount:      NewAmount(from),
		ToAmount:        NewAmount(to),
		ApprovedBudget:  NewAmount("0"),
		AvailableBudget: NewAmount("0"),
		Encumbrance:     NewAmount("0"),
		Actual:          NewAmount(actual),
	}
}

func (f *fixture) transfer(t *testing.T, tt repository.TransferType, lines ...LineInput) *repository.Transfer {
	t.Helper()
	d, err := f.transfers.CreateTransfer(f.ctx, &CreateTransferRequest{
		Type:            string(tt),
		TransactionDate: "2026-03-01",
		Notes:           "reallocation",
		UserID:          "requester",
		Lines:           lines,
	})
	require.NoError(t, err)
	return d.Transfer
}

// farTransfer seeds the two ledger rows of the standard scenario and creates
// a transfer moving 100 from A/X to B/Y.
func (f *fixture) farTransfer(t *testing.T) *repository.Transfer {
	t.Helper()
	f.fund(t, "A", "X", "500")
	f.fund(t, "B", "Y", "200")
	return f.transfer(t, repository.TransferTypeFAR,
		line("A", "X", "100", "0", "300"),
		line("B", "Y", "0", "100", "0"),
	)
}

func (f *fixture) submit(t *testing.T, tr *repository.Transfer) *repository.WorkflowInstance {
	t.Helper()
	inst, err := f.transfers.SubmitTransfer(f.ctx, tr.ID, "requester")
	require.NoError(t, err)
	return inst
}

func (f *fixture) act(t *testing.T, tr *repository.Transfer, userID string, action repository.ActionType) *ActionResult {
	t.Helper()
	res, err := f.engine.ProcessUserAction(f.ctx, tr.ID, userID, action, nil)
	require.NoError(t, err)
	return res
}

func (f *fixture) instance(t *testing.T, tr *repository.Transfer) *repository.WorkflowInstance {
	t.Helper()
	inst, err := f.stores.Workflows.GetLatestByTransfer(f.ctx, tr.ID)
	require.NoError(t, err)
	require.NotNil(t, inst)
	return inst
}

func (f *fixture) activeStages(t *testing.T, tr *repository.Transfer) []*repository.StageInstance {
	t.Helper()
	stages, err := f.stores.Workflows.ListStages(f.ctx, f.instance(t, tr).ID)
	require.NoError(t, err)
	var active []*repository.StageInstance
	for _, si := range stages {
		if si.Status == repository.StageActive {
			active = append(active, si)
		}
	}
	return active
}

func (f *fixture) reload(t *testing.T, tr *repository.Transfer) *repository.Transfer {
	t.Helper()
	got, err := f.stores.Transfers.GetByID(f.ctx, tr.ID)
	require.NoError(t, err)
	return got
}
