package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	FullName     string    `json:"fullName"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Roles        []string  `json:"roles"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// DisplayName is what incidents record as the reporter when none is given.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if name := strings.TrimSpace(u.FullName); name != "" {
		return name
	}
	return u.Username
}

type UsersStore interface {
	CreateUser(ctx context.Context, user *User) (int64, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	CountUsers(ctx context.Context) (int, error)
}

type usersStore struct {
	db *DB
}

func NewUsersStore(db *DB) UsersStore {
	return &usersStore{db: db}
}

const userColumns = `id, username, full_name, email, password_hash, roles, active, created_at, updated_at`

func (s *usersStore) CreateUser(ctx context.Context, user *User) (int64, error) {
	roles, err := json.Marshal(normalizeRoles(user.Roles))
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users(username, full_name, email, password_hash, roles, active, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?) RETURNING id`,
		strings.ToLower(strings.TrimSpace(user.Username)), user.FullName, user.Email, user.PasswordHash, string(roles), user.Active, now, now).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrConflict
		}
		return 0, err
	}
	user.ID = id
	user.CreatedAt = now
	user.UpdatedAt = now
	return id, nil
}

func (s *usersStore) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.one(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id)
}

func (s *usersStore) FindByUsername(ctx context.Context, username string) (*User, error) {
	return s.one(ctx, `SELECT `+userColumns+` FROM users WHERE username=?`, strings.ToLower(strings.TrimSpace(username)))
}

func (s *usersStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (s *usersStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func (s *usersStore) one(ctx context.Context, query string, args ...any) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func scanUser(row rowScanner) (User, error) {
	var u User
	var roles string
	if err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.Email, &u.PasswordHash, &roles, &u.Active, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return u, err
	}
	if err := json.Unmarshal([]byte(roles), &u.Roles); err != nil {
		u.Roles = nil
	}
	if u.Roles == nil {
		u.Roles = []string{}
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u, nil
}

func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	seen := map[string]struct{}{}
	for _, r := range roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key") || strings.Contains(msg, "sqlstate 23505")
}
