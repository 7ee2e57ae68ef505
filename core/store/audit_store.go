package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type AuditRecord struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"createdAt"`
}

type AuditFilter struct {
	Since    *time.Time
	Until    *time.Time
	Username string
	Action   string
	Query    string
	Limit    int
}

type AuditStore interface {
	Log(ctx context.Context, username, action, details string) error
	List(ctx context.Context, filter AuditFilter) ([]AuditRecord, error)
}

type auditStore struct {
	db *DB
}

func NewAuditStore(db *DB) AuditStore {
	return &auditStore{db: db}
}

func (s *auditStore) Log(ctx context.Context, username, action, details string) error {
	if strings.TrimSpace(username) == "" {
		username = "system"
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_log(username, action, details, created_at) VALUES(?,?,?,?)`,
		username, action, details, time.Now().UTC())
	return err
}

func (s *auditStore) List(ctx context.Context, filter AuditFilter) ([]AuditRecord, error) {
	var clauses []string
	var args []any
	if filter.Since != nil {
		clauses = append(clauses, "created_at>=?")
		args = append(args, filter.Since.UTC())
	}
	if filter.Until != nil {
		clauses = append(clauses, "created_at<=?")
		args = append(args, filter.Until.UTC())
	}
	if filter.Username != "" {
		clauses = append(clauses, "username=?")
		args = append(args, filter.Username)
	}
	if filter.Action != "" {
		clauses = append(clauses, `action LIKE ? ESCAPE '\'`)
		args = append(args, likeEscaper.Replace(filter.Action)+"%")
	}
	if q := strings.ToLower(strings.TrimSpace(filter.Query)); q != "" {
		clauses = append(clauses, `(LOWER(username) LIKE ? ESCAPE '\' OR LOWER(action) LIKE ? ESCAPE '\' OR LOWER(details) LIKE ? ESCAPE '\')`)
		like := containsPattern(q)
		args = append(args, like, like, like)
	}
	query := `SELECT id, username, action, details, created_at FROM audit_log`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT %d", limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []AuditRecord{}
	for rows.Next() {
		var rec AuditRecord
		var details sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Username, &rec.Action, &details, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Details = details.String
		rec.CreatedAt = rec.CreatedAt.UTC()
		res = append(res, rec)
	}
	return res, rows.Err()
}
