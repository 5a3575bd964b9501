package user

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, user *User) (*User, error) {
	query := "INSERT INTO users (username, password) VALUES ($1, $2) RETURNING id, created_at"

	err := r.db.QueryRowContext(ctx, query, user.Username, user.Password).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrUserExists
		}
		return nil, err
	}
	return user, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u := &User{}
	query := "SELECT id, username, password, created_at FROM users WHERE username = $1"

	err := r.db.QueryRowContext(ctx, query, username).Scan(&u.ID, &u.Username, &u.Password, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	return u, nil
}

func (r *Repository) GetUser(ctx context.Context, id int64) (*User, error) {
	u := &User{}
	query := "SELECT id, username, avatar, created_at FROM users WHERE id = $1"

	err := r.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Username, &u.Avatar, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}

// UpdateProfile overwrites username and avatar of user id.
func (r *Repository) UpdateProfile(ctx context.Context, id int64, username, avatar string) (*User, error) {
	u := &User{}
	query := `UPDATE users SET username = $2, avatar = $3 WHERE id = $1
              RETURNING id, username, avatar, created_at`

	err := r.db.QueryRowContext(ctx, query, id, username, avatar).Scan(&u.ID, &u.Username, &u.Avatar, &u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, ErrUserNotFound
		case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
			return nil, ErrUserExists
		}
		return nil, err
	}
	return u, nil
}

func (r *Repository) SearchUsers(ctx context.Context, query string, excludeID int64) ([]User, error) {
	// We limit to 10 to keep it fast
	q := `SELECT id, username, avatar, created_at FROM users WHERE username ILIKE $1 AND id <> $2 ORDER BY username LIMIT 10`
	return r.list(ctx, q, "%"+query+"%", excludeID)
}

// ListUsers returns every user except excludeID, alphabetically.
func (r *Repository) ListUsers(ctx context.Context, excludeID int64) ([]User, error) {
	return r.list(ctx, `SELECT id, username, avatar, created_at FROM users WHERE id <> $1 ORDER BY username`, excludeID)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.Avatar, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
