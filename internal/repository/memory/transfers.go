package memory

import (
	"context"
	"strconv"
	"strings"

	"github.com/pesio-ai/be-budget-transfers/internal/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

type TransferRepository struct{ s *Store }

func (r *TransferRepository) Create(ctx context.Context, t *repository.Transfer) error {
	return r.s.do(ctx, func(st *state) error {
		for _, other := range st.transfers {
			if other.Code == t.Code {
				return errors.Newf(errors.ErrCodeConflict, "transfer code %s already exists", t.Code)
			}
		}
		ts := now()
		t.ID = st.newID()
		t.CreatedAt, t.UpdatedAt = ts, ts
		st.transfers[t.ID] = *t
		return nil
	})
}

func (r *TransferRepository) GetByID(ctx context.Context, id string) (*repository.Transfer, error) {
	var out *repository.Transfer
	err := r.s.do(ctx, func(st *state) error {
		t, ok := st.transfers[id]
		if !ok {
			return errors.NotFound("transfer", id)
		}
		out = &t
		return nil
	})
	return out, err
}

func (r *TransferRepository) LockByID(ctx context.Context, id string) (*repository.Transfer, error) {
	return r.GetByID(ctx, id)
}

func (r *TransferRepository) Update(ctx context.Context, t *repository.Transfer) error {
	return r.s.do(ctx, func(st *state) error {
		if _, ok := st.transfers[t.ID]; !ok {
			return errors.NotFound("transfer", t.ID)
		}
		t.UpdatedAt = now()
		st.transfers[t.ID] = *t
		return nil
	})
}

func (r *TransferRepository) List(ctx context.Context, status *repository.TransferStatus, limit, offset int) ([]*repository.Transfer, error) {
	var out []*repository.Transfer
	err := r.s.do(ctx, func(st *state) error {
		rows := sortedValues(st, st.transfers, func(t repository.Transfer) bool {
			return status == nil || t.Status == *status
		})
		// newest first, like the SQL listing
		for i := len(rows) - 1 - offset; i >= 0; i-- {
			if limit > 0 && len(out) >= limit {
				break
			}
			out = append(out, &rows[i])
		}
		return nil
	})
	return out, err
}

func (r *TransferRepository) MaxCodeNumber(ctx context.Context, prefix string) (int, error) {
	maxN := 0
	err := r.s.do(ctx, func(st *state) error {
		for _, t := range st.transfers {
			suffix, ok := strings.CutPrefix(t.Code, prefix+"-")
			if !ok {
				continue
			}
			if n, err := strconv.Atoi(suffix); err == nil && n > maxN {
				maxN = n
			}
		}
		return nil
	})
	return maxN, err
}

func (r *TransferRepository) ListLines(ctx context.Context, transferID string) ([]*repository.TransferLine, error) {
	var out []*repository.TransferLine
	err := r.s.do(ctx, func(st *state) error {
		rows := sortedValues(st, st.lines, func(l repository.TransferLine) bool { return l.TransferID == transferID })
		for i := range rows {
			out = append(out, &rows[i])
		}
		return nil
	})
	return out, err
}

func (r *TransferRepository) GetLine(ctx context.Context, transferID, lineID string) (*repository.TransferLine, error) {
	var out *repository.TransferLine
	err := r.s.do(ctx, func(st *state) error {
		l, ok := st.lines[lineID]
		if !ok || l.TransferID != transferID {
			return errors.NotFound("transfer_line", lineID)
		}
		out = &l
		return nil
	})
	return out, err
}

func (r *TransferRepository) CreateLine(ctx context.Context, l *repository.TransferLine) error {
	return r.s.do(ctx, func(st *state) error {
		if _, ok := st.transfers[l.TransferID]; !ok {
			return errors.NotFound("transfer", l.TransferID)
		}
		ts := now()
		l.ID = st.newID()
		l.CreatedAt, l.UpdatedAt = ts, ts
		st.lines[l.ID] = *l
		return nil
	})
}

func (r *TransferRepository) UpdateLine(ctx context.Context, l *repository.TransferLine) error {
	return r.s.do(ctx, func(st *state) error {
		existing, ok := st.lines[l.ID]
		if !ok || existing.TransferID != l.TransferID {
			return errors.NotFound("transfer_line", l.ID)
		}
		l.CreatedAt = existing.CreatedAt
		l.UpdatedAt = now()
		st.lines[l.ID] = *l
		return nil
	})
}

func (r *TransferRepository) DeleteLine(ctx context.Context, transferID, lineID string) error {
	return r.s.do(ctx, func(st *state) error {
		l, ok := st.lines[lineID]
		if !ok || l.TransferID != transferID {
			return errors.NotFound("transfer_line", lineID)
		}
		delete(st.lines, lineID)
		return nil
	})
}

func (r *TransferRepository) DeleteLines(ctx context.Context, transferID string) error {
	return r.s.do(ctx, func(st *state) error {
		for id, l := range st.lines {
			if l.TransferID == transferID {
				delete(st.lines, id)
			}
		}
		return nil
	})
}

func (r *TransferRepository) AppendApproval(ctx context.Context, rec *repository.ApprovalRecord) error {
	return r.s.do(ctx, func(st *state) error {
		rec.ID = st.newID()
		if rec.ActedAt.IsZero() {
			rec.ActedAt = now()
		}
		st.approvals[rec.ID] = *rec
		return nil
	})
}

func (r *TransferRepository) ListApprovals(ctx context.Context, transferID string) ([]*repository.ApprovalRecord, error) {
	var out []*repository.ApprovalRecord
	err := r.s.do(ctx, func(st *state) error {
		rows := sortedValues(st, st.approvals, func(a repository.ApprovalRecord) bool { return a.TransferID == transferID })
		for i := range rows {
			out = append(out, &rows[i])
		}
		return nil
	})
	return out, err
}

func (r *TransferRepository) ClearApprovals(ctx context.Context, transferID string) error {
	return r.s.do(ctx, func(st *state) error {
		for id, a := range st.approvals {
			if a.TransferID == transferID {
				delete(st.approvals, id)
			}
		}
		return nil
	})
}

func (r *TransferRepository) AddRejectReason(ctx context.Context, rr *repository.RejectReason) error {
	return r.s.do(ctx, func(st *state) error {
		rr.ID = st.newID()
		rr.RejectedAt = now()
		st.rejectReasons[rr.ID] = *rr
		return nil
	})
}

func (r *TransferRepository) ListRejectReasons(ctx context.Context, transferID string) ([]*repository.RejectReason, error) {
	var out []*repository.RejectReason
	err := r.s.do(ctx, func(st *state) error {
		rows := sortedValues(st, st.rejectReasons, func(rr repository.RejectReason) bool { return rr.TransferID == transferID })
		for i := range rows {
			out = append(out, &rows[i])
		}
		return nil
	})
	return out, err
}
