// Package memory is an in-process implementation of the service stores. A
// single mutex serializes transactions, which gives the same isolation the
// Postgres row locks provide. It backs tests and STORAGE_DRIVER=memory.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

type state struct {
	seq int64
	// order records insertion sequence per id for stable listings.
	order map[string]int64

	levels         map[string]string
	users          map[string]repository.User
	templates      map[string]repository.WorkflowTemplate
	stageTemplates map[string]repository.StageTemplate
	instances      map[string]repository.WorkflowInstance
	stages         map[string]repository.StageInstance
	assignments    map[string]repository.Assignment
	actions        map[string]repository.Action
	delegations    map[string]repository.Delegation
	transfers      map[string]repository.Transfer
	lines          map[string]repository.TransferLine
	approvals      map[string]repository.ApprovalRecord
	rejectReasons  map[string]repository.RejectReason
	funds          map[string]repository.PivotFund
	permissions    map[string]repository.TransferPermission
}

func newState() *state {
	return &state{
		order:          map[string]int64{},
		levels:         map[string]string{},
		users:          map[string]repository.User{},
		templates:      map[string]repository.WorkflowTemplate{},
		stageTemplates: map[string]repository.StageTemplate{},
		instances:      map[string]repository.WorkflowInstance{},
		stages:         map[string]repository.StageInstance{},
		assignments:    map[string]repository.Assignment{},
		actions:        map[string]repository.Action{},
		delegations:    map[string]repository.Delegation{},
		transfers:      map[string]repository.Transfer{},
		lines:          map[string]repository.TransferLine{},
		approvals:      map[string]repository.ApprovalRecord{},
		rejectReasons:  map[string]repository.RejectReason{},
		funds:          map[string]repository.PivotFund{},
		permissions:    map[string]repository.TransferPermission{},
	}
}

func (s *state) clone() *state {
	return &state{
		seq:            s.seq,
		order:          maps.Clone(s.order),
		levels:         maps.Clone(s.levels),
		users:          maps.Clone(s.users),
		templates:      maps.Clone(s.templates),
		stageTemplates: maps.Clone(s.stageTemplates),
		instances:      maps.Clone(s.instances),
		stages:         maps.Clone(s.stages),
		assignments:    maps.Clone(s.assignments),
		actions:        maps.Clone(s.actions),
		delegations:    maps.Clone(s.delegations),
		transfers:      maps.Clone(s.transfers),
		lines:          maps.Clone(s.lines),
		approvals:      maps.Clone(s.approvals),
		rejectReasons:  maps.Clone(s.rejectReasons),
		funds:          maps.Clone(s.funds),
		permissions:    maps.Clone(s.permissions),
	}
}

// newID allocates an id and records its insertion order.
func (s *state) newID() string {
	id := uuid.NewString()
	s.seq++
	s.order[id] = s.seq
	return id
}

// sortedValues returns the map's values ordered by insertion.
func sortedValues[T any](s *state, m map[string]T, keep func(T) bool) []T {
	ids := make([]string, 0, len(m))
	for id, v := range m {
		if keep == nil || keep(v) {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b string) int { return int(s.order[a] - s.order[b]) })
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

// Store is the shared in-memory database.
type Store struct {
	mu sync.Mutex
	st *state
}

type txKey struct{}

// New returns an empty store.
func New() *Store {
	return &Store{st: newState()}
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// InTransaction runs fn under the store lock. On error every change made by
// fn is discarded.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	committed := false
	defer func() {
		if !committed {
			s.st = snapshot
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		return err
	}
	committed = true
	return nil
}

// do runs fn against the state, taking the lock unless ctx already holds it.
func (s *Store) do(ctx context.Context, fn func(st *state) error) error {
	if s.inTx(ctx) {
		return fn(s.st)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

func now() time.Time { return time.Now().UTC() }

func ptr[T any](v T) *T { return &v }

// Repository accessors. Each returns a view sharing the store's state.

func (s *Store) Templates() *TemplateRepository     { return &TemplateRepository{s} }
func (s *Store) Workflows() *WorkflowRepository     { return &WorkflowRepository{s} }
func (s *Store) Assignments() *AssignmentRepository { return &AssignmentRepository{s} }
func (s *Store) Actions() *ActionRepository         { return &ActionRepository{s} }
func (s *Store) Users() *UserRepository             { return &UserRepository{s} }
func (s *Store) Ledger() *LedgerRepository          { return &LedgerRepository{s} }
func (s *Store) Permissions() *PermissionRepository { return &PermissionRepository{s} }
func (s *Store) Transfers() *TransferRepository     { return &TransferRepository{s} }
