package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"parkwatch/core/lifecycle"
)

type Incident struct {
	ID              int64              `json:"id"`
	Title           string             `json:"title"`
	Description     string             `json:"description"`
	Category        lifecycle.Category `json:"category"`
	Severity        lifecycle.Severity `json:"severity"`
	Status          lifecycle.Status   `json:"status"`
	ParkID          int64              `json:"parkId"`
	AssetID         *int64             `json:"assetId"`
	ReporterName    string             `json:"reporterName"`
	ReporterEmail   *string            `json:"reporterEmail"`
	AssignedToID    *int64             `json:"assignedToId"`
	ResolutionNotes *string            `json:"resolutionNotes"`
	ResolutionDate  *time.Time         `json:"resolutionDate"`
	CreatedBy       *int64             `json:"createdBy,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

type IncidentComment struct {
	ID         int64     `json:"id"`
	IncidentID int64     `json:"incidentId"`
	UserID     int64     `json:"userId"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

type IncidentHistoryEntry struct {
	ID         int64     `json:"id"`
	IncidentID int64     `json:"incidentId"`
	Action     string    `json:"action"`
	Details    string    `json:"details"`
	UserID     *int64    `json:"userId"`
	CreatedAt  time.Time `json:"createdAt"`
}

type IncidentFilter struct {
	Search        string
	ParkID        int64
	Status        lifecycle.Status
	StatusIn      []lifecycle.Status
	Category      lifecycle.Category
	Severity      lifecycle.Severity
	AssignedToID  int64
	Unassigned    bool
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// IncidentChange is one guarded mutation: it applies only while the incident
// status is one of AllowedFrom and always appends History in the same transaction.
type IncidentChange struct {
	IncidentID      int64
	AllowedFrom     []lifecycle.Status
	Status          *lifecycle.Status
	AssignedToID    *int64
	ResolutionNotes *string
	ResolutionDate  *time.Time
	History         IncidentHistoryEntry
}

type IncidentsStore interface {
	CreateIncident(ctx context.Context, incident *Incident) (int64, error)
	GetIncident(ctx context.Context, id int64) (*Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error)
	CountIncidents(ctx context.Context, filter IncidentFilter) (int, error)
	ApplyChange(ctx context.Context, change IncidentChange) error
	AddComment(ctx context.Context, comment *IncidentComment, allowedFrom []lifecycle.Status, history IncidentHistoryEntry) (int64, error)
	ListComments(ctx context.Context, incidentID int64) ([]IncidentComment, error)
	ListHistory(ctx context.Context, incidentID int64) ([]IncidentHistoryEntry, error)
}

type incidentsStore struct {
	db *DB
}

func NewIncidentsStore(db *DB) IncidentsStore {
	return &incidentsStore{db: db}
}

const incidentColumns = `id, title, description, category, severity, status, park_id, asset_id, reporter_name, reporter_email, assigned_to_id, resolution_notes, resolution_date, created_by, created_at, updated_at`

func (s *incidentsStore) CreateIncident(ctx context.Context, incident *Incident) (int64, error) {
	if strings.TrimSpace(string(incident.Status)) == "" {
		incident.Status = lifecycle.StatusPending
	}
	if incident.Category == "" {
		incident.Category = lifecycle.CategoryOther
	}
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO incidents(title, description, category, severity, status, park_id, asset_id, reporter_name, reporter_email, assigned_to_id, resolution_notes, resolution_date, created_by, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?) RETURNING id`,
		incident.Title, incident.Description, string(incident.Category), string(incident.Severity), string(incident.Status),
		incident.ParkID, nullableID(incident.AssetID), incident.ReporterName, nullableString(incident.ReporterEmail),
		nullableID(incident.AssignedToID), nullableString(incident.ResolutionNotes), nullableTime(incident.ResolutionDate),
		nullableID(incident.CreatedBy), now, now).Scan(&id)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if _, err := insertHistoryTx(ctx, tx, &IncidentHistoryEntry{
		IncidentID: id,
		Action:     lifecycle.HistoryCreated,
		Details:    "incident reported",
		UserID:     incident.CreatedBy,
		CreatedAt:  now,
	}); err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	incident.ID = id
	incident.CreatedAt = now
	incident.UpdatedAt = now
	return id, nil
}

func (s *incidentsStore) GetIncident(ctx context.Context, id int64) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

func (s *incidentsStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error) {
	where, args := incidentWhere(filter)
	query := `SELECT ` + incidentColumns + ` FROM incidents` + where
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []Incident{}
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inc)
	}
	return res, rows.Err()
}

// CountIncidents counts the incidents matching filter, ignoring Limit and Offset.
func (s *incidentsStore) CountIncidents(ctx context.Context, filter IncidentFilter) (int, error) {
	where, args := incidentWhere(filter)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidents`+where, args...).Scan(&n)
	return n, err
}

func incidentWhere(filter IncidentFilter) (string, []any) {
	var clauses []string
	var args []any
	if len(filter.StatusIn) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(filter.StatusIn))+")")
		for _, st := range filter.StatusIn {
			args = append(args, string(st))
		}
	} else if filter.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(filter.Status))
	}
	if filter.ParkID > 0 {
		clauses = append(clauses, "park_id=?")
		args = append(args, filter.ParkID)
	}
	if filter.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, string(filter.Category))
	}
	if filter.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, string(filter.Severity))
	}
	if filter.AssignedToID > 0 {
		clauses = append(clauses, "assigned_to_id=?")
		args = append(args, filter.AssignedToID)
	} else if filter.Unassigned {
		clauses = append(clauses, "assigned_to_id IS NULL")
	}
	if filter.CreatedBefore != nil {
		clauses = append(clauses, "created_at<?")
		args = append(args, filter.CreatedBefore.UTC())
	}
	if q := strings.ToLower(strings.TrimSpace(filter.Search)); q != "" {
		clauses = append(clauses, `(LOWER(title) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\' OR LOWER(reporter_name) LIKE ? ESCAPE '\')`)
		like := containsPattern(q)
		args = append(args, like, like, like)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *incidentsStore) ApplyChange(ctx context.Context, change IncidentChange) error {
	if len(change.AllowedFrom) == 0 {
		return errors.New("incident change without allowed statuses")
	}
	now := time.Now().UTC()
	sets := []string{"updated_at=?"}
	args := []any{now}
	if change.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, string(*change.Status))
	}
	if change.AssignedToID != nil {
		sets = append(sets, "assigned_to_id=?")
		args = append(args, *change.AssignedToID)
	}
	if change.ResolutionNotes != nil {
		sets = append(sets, "resolution_notes=?", "resolution_date=?")
		date := now
		if change.ResolutionDate != nil && !change.ResolutionDate.IsZero() {
			date = change.ResolutionDate.UTC()
		}
		args = append(args, *change.ResolutionNotes, date)
	}
	args = append(args, change.IncidentID)
	for _, st := range change.AllowedFrom {
		args = append(args, string(st))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE incidents SET `+strings.Join(sets, ", ")+` WHERE id=? AND status IN (`+placeholders(len(change.AllowedFrom))+`)`, args...)
	if err != nil {
		tx.Rollback()
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		tx.Rollback()
		return ErrConflict
	}
	history := change.History
	history.IncidentID = change.IncidentID
	history.CreatedAt = now
	if _, err := insertHistoryTx(ctx, tx, &history); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *incidentsStore) AddComment(ctx context.Context, comment *IncidentComment, allowedFrom []lifecycle.Status, history IncidentHistoryEntry) (int64, error) {
	if len(allowedFrom) == 0 {
		return 0, errors.New("comment without allowed statuses")
	}
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	args := []any{now, comment.IncidentID}
	for _, st := range allowedFrom {
		args = append(args, string(st))
	}
	res, err := tx.ExecContext(ctx, `UPDATE incidents SET updated_at=? WHERE id=? AND status IN (`+placeholders(len(allowedFrom))+`)`, args...)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		tx.Rollback()
		return 0, ErrConflict
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `INSERT INTO incident_comments(incident_id, user_id, content, created_at) VALUES(?,?,?,?) RETURNING id`,
		comment.IncidentID, comment.UserID, comment.Content, now).Scan(&id); err != nil {
		tx.Rollback()
		return 0, err
	}
	history.IncidentID = comment.IncidentID
	history.CreatedAt = now
	if _, err := insertHistoryTx(ctx, tx, &history); err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	comment.ID = id
	comment.CreatedAt = now
	return id, nil
}

func (s *incidentsStore) ListComments(ctx context.Context, incidentID int64) ([]IncidentComment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, incident_id, user_id, content, created_at FROM incident_comments WHERE incident_id=? ORDER BY created_at ASC, id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []IncidentComment{}
	for rows.Next() {
		var c IncidentComment
		if err := rows.Scan(&c.ID, &c.IncidentID, &c.UserID, &c.Content, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		res = append(res, c)
	}
	return res, rows.Err()
}

func (s *incidentsStore) ListHistory(ctx context.Context, incidentID int64) ([]IncidentHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, incident_id, action, details, user_id, created_at FROM incident_history WHERE incident_id=? ORDER BY created_at ASC, id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []IncidentHistoryEntry{}
	for rows.Next() {
		var h IncidentHistoryEntry
		var userID sql.NullInt64
		if err := rows.Scan(&h.ID, &h.IncidentID, &h.Action, &h.Details, &userID, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.UserID = int64Ptr(userID)
		h.CreatedAt = h.CreatedAt.UTC()
		res = append(res, h)
	}
	return res, rows.Err()
}

func insertHistoryTx(ctx context.Context, tx *Tx, h *IncidentHistoryEntry) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `INSERT INTO incident_history(incident_id, action, details, user_id, created_at) VALUES(?,?,?,?,?) RETURNING id`,
		h.IncidentID, h.Action, h.Details, nullableID(h.UserID), h.CreatedAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	h.ID = id
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (Incident, error) {
	var inc Incident
	var category, severity, status string
	var assetID, assignedTo, createdBy sql.NullInt64
	var reporterEmail, notes sql.NullString
	var resolvedAt sql.NullTime
	if err := row.Scan(&inc.ID, &inc.Title, &inc.Description, &category, &severity, &status, &inc.ParkID, &assetID,
		&inc.ReporterName, &reporterEmail, &assignedTo, &notes, &resolvedAt, &createdBy, &inc.CreatedAt, &inc.UpdatedAt); err != nil {
		return inc, err
	}
	inc.Category = lifecycle.Category(category)
	inc.Severity = lifecycle.Severity(severity)
	inc.Status = lifecycle.Status(status)
	inc.AssetID = int64Ptr(assetID)
	inc.AssignedToID = int64Ptr(assignedTo)
	inc.CreatedBy = int64Ptr(createdBy)
	inc.ReporterEmail = stringPtr(reporterEmail)
	inc.ResolutionNotes = stringPtr(notes)
	inc.ResolutionDate = timePtr(resolvedAt)
	inc.CreatedAt = inc.CreatedAt.UTC()
	inc.UpdatedAt = inc.UpdatedAt.UTC()
	return inc, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// containsPattern matches term literally inside a LIKE ... ESCAPE '\' clause.
func containsPattern(term string) string {
	return "%" + likeEscaper.Replace(term) + "%"
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimRight(strings.Repeat("?,", n), ",")
}
