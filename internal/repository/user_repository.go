package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-budget-transfers/internal/database"
	"github.com/pesio-ai/be-budget-transfers/internal/errors"
)

// UserRepository resolves approver candidates from the local user directory.
type UserRepository struct {
	db *database.DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userSelect = `
	SELECT u.id, u.username, u.role, u.level_id, l.name
	FROM users u
	LEFT JOIN user_levels l ON l.id = u.level_id`

// ListEligible returns active users matching the optional level and role.
func (r *UserRepository) ListEligible(ctx context.Context, levelID, role *string) ([]*User, error) {
	rows, err := r.db.Query(ctx, userSelect+`
		WHERE u.active
		  AND ($1::UUID IS NULL OR u.level_id = $1)
		  AND ($2::TEXT IS NULL OR LOWER(u.role) = LOWER($2))
		ORDER BY u.username
	`, levelID, role)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list eligible users")
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := r.scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan user")
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetByID retrieves a user.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*User, error) {
	u, err := r.scanUser(r.db.QueryRow(ctx, userSelect+` WHERE u.id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("user", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user")
	}
	return u, nil
}

func (r *UserRepository) scanUser(row rowScanner) (*User, error) {
	u := &User{}
	if err := row.Scan(&u.ID, &u.Username, &u.Role, &u.LevelID, &u.LevelName); err != nil {
		return nil, err
	}
	return u, nil
}
