package memory

import (
	"context"

	"github.com/pesio-ai/be-budget-transfers/internal/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

type AssignmentRepository struct{ s *Store }

func (r *AssignmentRepository) GetOrCreate(ctx context.Context, a *repository.Assignment) (bool, error) {
	created := false
	err := r.s.do(ctx, func(st *state) error {
		for _, existing := range st.assignments {
			if existing.StageInstanceID == a.StageInstanceID && existing.UserID == a.UserID {
				*a = existing
				return nil
			}
		}
		ts := now()
		a.ID = st.newID()
		a.CreatedAt, a.UpdatedAt = ts, ts
		if a.Status == "" {
			a.Status = repository.AssignmentPending
		}
		st.assignments[a.ID] = *a
		created = true
		return nil
	})
	return created, err
}

func (r *AssignmentRepository) GetByStageAndUser(ctx context.Context, stageID, userID string) (*repository.Assignment, error) {
	var out *repository.Assignment
	err := r.s.do(ctx, func(st *state) error {
		for _, a := range st.assignments {
			if a.StageInstanceID == stageID && a.UserID == userID {
				out = &a
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (r *AssignmentRepository) ListByStage(ctx context.Context, stageID string) ([]*repository.Assignment, error) {
	var out []*repository.Assignment
	err := r.s.do(ctx, func(st *state) error {
		rows := sortedValues(st, st.assignments, func(a repository.Assignment) bool { return a.StageInstanceID == stageID })
		for i := range rows {
			out = append(out, &rows[i])
		}
		return nil
	})
	return out, err
}

func (r *AssignmentRepository) UpdateStatus(ctx context.Context, id string, status repository.AssignmentStatus) error {
	return r.s.do(ctx, func(st *state) error {
		a, ok := st.assignments[id]
		if !ok {
			return errors.NotFound("assignment", id)
		}
		a.Status = status
		a.UpdatedAt = now()
		st.assignments[id] = a
		return nil
	})
}

func (r *AssignmentRepository) ListPendingForUser(ctx context.Context, userID string) ([]*repository.PendingApproval, error) {
	var out []*repository.PendingApproval
	err := r.s.do(ctx, func(st *state) error {
		rows := sortedValues(st, st.assignments, func(a repository.Assignment) bool {
			return a.UserID == userID && a.Status == repository.AssignmentPending
		})
		for _, a := range rows {
			si, ok := st.stages[a.StageInstanceID]
			if !ok || si.Status != repository.StageActive {
				continue
			}
			inst, ok := st.instances[si.WorkflowInstanceID]
			if !ok || inst.Status != repository.WorkflowInProgress {
				continue
			}
			tpl := st.stageTemplates[si.StageTemplateID]
			out = append(out, &repository.PendingApproval{
				AssignmentID:       a.ID,
				StageInstanceID:    si.ID,
				StageName:          tpl.Name,
				StageOrder:         tpl.OrderIndex,
				WorkflowInstanceID: inst.ID,
				TransferID:         inst.TransferID,
				TransferCode:       st.transfers[inst.TransferID].Code,
				AssignedAt:         a.CreatedAt,
			})
		}
		return nil
	})
	return out, err
}

func (r *AssignmentRepository) CreateDelegation(ctx context.Context, d *repository.Delegation) error {
	return r.s.do(ctx, func(st *state) error {
		d.ID = st.newID()
		d.CreatedAt = now()
		d.Active = true
		st.delegations[d.ID] = *d
		return nil
	})
}

func (r *AssignmentRepository) DeactivateDelegations(ctx context.Context, stageID string) error {
	return r.s.do(ctx, func(st *state) error {
		ts := now()
		for id, d := range st.delegations {
			if d.StageInstanceID == stageID && d.Active {
				d.Active = false
				d.DeactivatedAt = ptr(ts)
				st.delegations[id] = d
			}
		}
		return nil
	})
}

func (r *AssignmentRepository) ListDelegations(ctx context.Context, stageID string) ([]*repository.Delegation, error) {
	var out []*repository.Delegation
	err := r.s.do(ctx, func(st *state) error {
		rows := sortedValues(st, st.delegations, func(d repository.Delegation) bool { return d.StageInstanceID == stageID })
		for i := range rows {
			out = append(out, &rows[i])
		}
		return nil
	})
	return out, err
}

type ActionRepository struct{ s *Store }

func (r *ActionRepository) Append(ctx context.Context, a *repository.Action) error {
	return r.s.do(ctx, func(st *state) error {
		a.ID = st.newID()
		a.CreatedAt = now()
		st.actions[a.ID] = *a
		return nil
	})
}

func (r *ActionRepository) ListByStage(ctx context.Context, stageID string) ([]*repository.Action, error) {
	var out []*repository.Action
	err := r.s.do(ctx, func(st *state) error {
		rows := sortedValues(st, st.actions, func(a repository.Action) bool { return a.StageInstanceID == stageID })
		for i := range rows {
			out = append(out, &rows[i])
		}
		return nil
	})
	return out, err
}
