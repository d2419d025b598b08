package memory

import (
	"context"
	"slices"
	"strings"

	"github.com/pesio-ai/be-budget-transfers/internal/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

type LedgerRepository struct{ s *Store }

func (r *LedgerRepository) find(st *state, entity, account string, year *int) *repository.PivotFund {
	var best *repository.PivotFund
	for _, pf := range st.funds {
		if pf.EntityCode != entity || pf.AccountCode != account {
			continue
		}
		if year != nil {
			if pf.Year == *year {
				return &pf
			}
			continue
		}
		if best == nil || pf.Year > best.Year {
			best = &pf
		}
	}
	return best
}

func (r *LedgerRepository) Find(ctx context.Context, entity, account string, year *int) (*repository.PivotFund, error) {
	var out *repository.PivotFund
	err := r.s.do(ctx, func(st *state) error {
		out = r.find(st, entity, account, year)
		return nil
	})
	return out, err
}

func (r *LedgerRepository) LockForUpdate(ctx context.Context, entity, account string, year *int) (*repository.PivotFund, error) {
	return r.Find(ctx, entity, account, year)
}

func (r *LedgerRepository) UpdateBalances(ctx context.Context, pf *repository.PivotFund) error {
	return r.s.do(ctx, func(st *state) error {
		if _, ok := st.funds[pf.ID]; !ok {
			return errors.NotFound("pivot_fund", pf.ID)
		}
		pf.UpdatedAt = now()
		st.funds[pf.ID] = *pf
		return nil
	})
}

func (r *LedgerRepository) Upsert(ctx context.Context, pf *repository.PivotFund) error {
	return r.s.do(ctx, func(st *state) error {
		if existing := r.find(st, pf.EntityCode, pf.AccountCode, &pf.Year); existing != nil {
			pf.ID = existing.ID
		} else {
			pf.ID = st.newID()
		}
		pf.UpdatedAt = now()
		st.funds[pf.ID] = *pf
		return nil
	})
}

type PermissionRepository struct{ s *Store }

func permissionKey(entity, account string) string { return entity + "\x00" + account }

func (r *PermissionRepository) Find(ctx context.Context, entity, account string) (*repository.TransferPermission, error) {
	var out *repository.TransferPermission
	err := r.s.do(ctx, func(st *state) error {
		if p, ok := st.permissions[permissionKey(entity, account)]; ok {
			out = &p
		}
		return nil
	})
	return out, err
}

func (r *PermissionRepository) Upsert(ctx context.Context, p *repository.TransferPermission) error {
	return r.s.do(ctx, func(st *state) error {
		st.permissions[permissionKey(p.EntityCode, p.AccountCode)] = *p
		return nil
	})
}

// UserRepository is the in-memory user directory.
type UserRepository struct{ s *Store }

// AddLevel registers a user level and returns its id.
func (r *UserRepository) AddLevel(ctx context.Context, name string) (string, error) {
	var id string
	err := r.s.do(ctx, func(st *state) error {
		for existingID, n := range st.levels {
			if n == name {
				id = existingID
				return nil
			}
		}
		id = st.newID()
		st.levels[id] = name
		return nil
	})
	return id, err
}

// Add inserts or replaces a user. LevelName is derived from LevelID.
func (r *UserRepository) Add(ctx context.Context, u *repository.User) error {
	return r.s.do(ctx, func(st *state) error {
		if u.ID == "" {
			return errors.InvalidInput("id", "is required")
		}
		if u.LevelID != nil {
			name, ok := st.levels[*u.LevelID]
			if !ok {
				return errors.NotFound("user_level", *u.LevelID)
			}
			u.LevelName = ptr(name)
		}
		if _, ok := st.order[u.ID]; !ok {
			st.seq++
			st.order[u.ID] = st.seq
		}
		st.users[u.ID] = *u
		return nil
	})
}

func (r *UserRepository) ListEligible(ctx context.Context, levelID, role *string) ([]*repository.User, error) {
	var out []*repository.User
	err := r.s.do(ctx, func(st *state) error {
		rows := sortedValues(st, st.users, func(u repository.User) bool {
			if levelID != nil && (u.LevelID == nil || *u.LevelID != *levelID) {
				return false
			}
			return role == nil || strings.EqualFold(u.Role, *role)
		})
		slices.SortStableFunc(rows, func(a, b repository.User) int { return strings.Compare(a.Username, b.Username) })
		for i := range rows {
			out = append(out, &rows[i])
		}
		return nil
	})
	return out, err
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*repository.User, error) {
	var out *repository.User
	err := r.s.do(ctx, func(st *state) error {
		u, ok := st.users[id]
		if !ok {
			return errors.NotFound("user", id)
		}
		out = &u
		return nil
	})
	return out, err
}
