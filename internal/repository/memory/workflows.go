package memory

import (
	"context"
	"slices"

	"github.com/pesio-ai/be-budget-transfers/internal/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

type WorkflowRepository struct{ s *Store }

func (r *WorkflowRepository) CreateInstance(ctx context.Context, inst *repository.WorkflowInstance) error {
	return r.s.do(ctx, func(st *state) error {
		for _, other := range st.instances {
			if other.TransferID == inst.TransferID && !other.Status.IsTerminal() {
				return errors.Newf(errors.ErrCodeConflict, "transfer %s already has a live workflow", inst.TransferID)
			}
		}
		ts := now()
		inst.ID = st.newID()
		inst.StartedAt, inst.UpdatedAt = ts, ts
		st.instances[inst.ID] = *inst
		return nil
	})
}

func (r *WorkflowRepository) GetInstance(ctx context.Context, id string) (*repository.WorkflowInstance, error) {
	var out *repository.WorkflowInstance
	err := r.s.do(ctx, func(st *state) error {
		inst, ok := st.instances[id]
		if !ok {
			return errors.NotFound("workflow_instance", id)
		}
		out = &inst
		return nil
	})
	return out, err
}

func (r *WorkflowRepository) GetLatestByTransfer(ctx context.Context, transferID string) (*repository.WorkflowInstance, error) {
	var out *repository.WorkflowInstance
	err := r.s.do(ctx, func(st *state) error {
		all := sortedValues(st, st.instances, func(i repository.WorkflowInstance) bool { return i.TransferID == transferID })
		if len(all) > 0 {
			out = &all[len(all)-1]
		}
		return nil
	})
	return out, err
}

// LockInstance is GetInstance; the store lock already serializes writers.
func (r *WorkflowRepository) LockInstance(ctx context.Context, id string) (*repository.WorkflowInstance, error) {
	return r.GetInstance(ctx, id)
}

func (r *WorkflowRepository) UpdateInstance(ctx context.Context, inst *repository.WorkflowInstance) error {
	return r.s.do(ctx, func(st *state) error {
		if _, ok := st.instances[inst.ID]; !ok {
			return errors.NotFound("workflow_instance", inst.ID)
		}
		inst.UpdatedAt = now()
		st.instances[inst.ID] = *inst
		return nil
	})
}

func (r *WorkflowRepository) CreateStage(ctx context.Context, si *repository.StageInstance) error {
	return r.s.do(ctx, func(st *state) error {
		for _, other := range st.stages {
			if other.WorkflowInstanceID == si.WorkflowInstanceID && other.StageTemplateID == si.StageTemplateID {
				return errors.New(errors.ErrCodeConflict, "stage already instantiated")
			}
		}
		si.ID = st.newID()
		st.stages[si.ID] = *si
		return nil
	})
}

func (r *WorkflowRepository) UpdateStage(ctx context.Context, si *repository.StageInstance) error {
	return r.s.do(ctx, func(st *state) error {
		if _, ok := st.stages[si.ID]; !ok {
			return errors.NotFound("stage_instance", si.ID)
		}
		st.stages[si.ID] = *si
		return nil
	})
}

func (r *WorkflowRepository) LockActiveStages(ctx context.Context, instanceID string) ([]*repository.StageInstance, error) {
	return r.list(ctx, instanceID, func(si repository.StageInstance) bool { return si.Status == repository.StageActive })
}

func (r *WorkflowRepository) ListStages(ctx context.Context, instanceID string) ([]*repository.StageInstance, error) {
	return r.list(ctx, instanceID, nil)
}

// list returns the instance's stages ordered by their template order.
func (r *WorkflowRepository) list(ctx context.Context, instanceID string, keep func(repository.StageInstance) bool) ([]*repository.StageInstance, error) {
	var out []*repository.StageInstance
	err := r.s.do(ctx, func(st *state) error {
		rows := sortedValues(st, st.stages, func(si repository.StageInstance) bool {
			return si.WorkflowInstanceID == instanceID && (keep == nil || keep(si))
		})
		slices.SortStableFunc(rows, func(a, b repository.StageInstance) int {
			return st.stageTemplates[a.StageTemplateID].OrderIndex - st.stageTemplates[b.StageTemplateID].OrderIndex
		})
		for i := range rows {
			out = append(out, &rows[i])
		}
		return nil
	})
	return out, err
}
