package incidents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"parkwatch/core/lifecycle"
	"parkwatch/core/store"
	"parkwatch/core/utils"

	"github.com/go-playground/validator/v10"
)

const (
	AuditCreate       = "incident.create"
	AuditStatusChange = "incident.status"
	AuditAssign       = "incident.assign"
	AuditResolve      = "incident.resolve"
	AuditComment      = "incident.comment"
	AuditStale        = "incident.stale"
)

// Actor is the authenticated user a mutation is attributed to.
type Actor struct {
	UserID      int64
	Username    string
	DisplayName string
}

type ReportInput struct {
	Title         string  `json:"title" validate:"required,max=200"`
	Description   string  `json:"description" validate:"required,max=5000"`
	Category      string  `json:"category" validate:"omitempty,max=32"`
	Severity      string  `json:"severity" validate:"omitempty,max=32"`
	ParkID        int64   `json:"parkId" validate:"required,gt=0"`
	AssetID       *int64  `json:"assetId" validate:"omitempty,gt=0"`
	ReporterName  string  `json:"reporterName" validate:"max=200"`
	ReporterEmail *string `json:"reporterEmail" validate:"omitempty,email,max=254"`
}

type Service struct {
	incidents store.IncidentsStore
	parks     store.ParksStore
	users     store.UsersStore
	audits    store.AuditStore
	logger    *utils.Logger
	validate  *validator.Validate
}

func NewService(incidents store.IncidentsStore, parks store.ParksStore, users store.UsersStore, audits store.AuditStore, logger *utils.Logger) *Service {
	return &Service{incidents: incidents, parks: parks, users: users, audits: audits, logger: logger, validate: utils.NewValidator()}
}

func (s *Service) ReportIncident(ctx context.Context, actor Actor, in ReportInput) (*store.Incident, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.ReporterName = strings.TrimSpace(in.ReporterName)
	if in.ReporterEmail != nil {
		email := strings.TrimSpace(*in.ReporterEmail)
		if email == "" {
			in.ReporterEmail = nil
		} else {
			in.ReporterEmail = &email
		}
	}
	if err := s.validateStruct(in); err != nil {
		return nil, err
	}
	category := lifecycle.CategoryOther
	if strings.TrimSpace(in.Category) != "" {
		c, ok := lifecycle.ParseCategory(in.Category)
		if !ok {
			return nil, &lifecycle.ValidationError{Field: "category", Message: "unknown category " + in.Category}
		}
		category = c
	}
	severity := lifecycle.SeverityMedium
	if strings.TrimSpace(in.Severity) != "" {
		sv, ok := lifecycle.ParseSeverity(in.Severity)
		if !ok {
			return nil, &lifecycle.ValidationError{Field: "severity", Message: "unknown severity " + in.Severity}
		}
		severity = sv
	}
	if _, err := s.parks.GetPark(ctx, in.ParkID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &lifecycle.ValidationError{Field: "parkId", Message: "unknown park"}
		}
		return nil, err
	}
	if in.AssetID != nil {
		asset, err := s.parks.GetAsset(ctx, *in.AssetID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, &lifecycle.ValidationError{Field: "assetId", Message: "unknown asset"}
			}
			return nil, err
		}
		if asset.ParkID != in.ParkID {
			return nil, &lifecycle.ValidationError{Field: "assetId", Message: "asset does not belong to the park"}
		}
	}
	reporter := in.ReporterName
	if reporter == "" {
		reporter = actor.DisplayName
	}
	if reporter == "" {
		reporter = actor.Username
	}
	if err := lifecycle.Required("reporterName", reporter); err != nil {
		return nil, err
	}
	inc := &store.Incident{
		Title:         in.Title,
		Description:   in.Description,
		Category:      category,
		Severity:      severity,
		Status:        lifecycle.StatusPending,
		ParkID:        in.ParkID,
		AssetID:       in.AssetID,
		ReporterName:  reporter,
		ReporterEmail: in.ReporterEmail,
		CreatedBy:     actorID(actor),
	}
	if _, err := s.incidents.CreateIncident(ctx, inc); err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}
	s.audit(ctx, actor, AuditCreate, fmt.Sprintf("id=%d park=%d severity=%s", inc.ID, inc.ParkID, inc.Severity))
	return inc, nil
}

// ChangeStatus covers the plain transitions (start, reject). Resolving needs notes
// and goes through Resolve.
func (s *Service) ChangeStatus(ctx context.Context, actor Actor, id int64, status string) (*store.Incident, error) {
	target, ok := lifecycle.ParseStatus(status)
	if !ok {
		if strings.TrimSpace(status) == "" {
			return nil, &lifecycle.ValidationError{Field: "status", Message: "required"}
		}
		return nil, &lifecycle.ValidationError{Field: "status", Message: "unknown status " + status}
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	action, err := lifecycle.ActionForStatus(current.Status, target)
	if err != nil {
		return nil, err
	}
	next, err := lifecycle.Apply(current.Status, action)
	if err != nil {
		return nil, err
	}
	change := store.IncidentChange{
		IncidentID:  id,
		AllowedFrom: allowedFrom(action),
		Status:      &next,
		History: store.IncidentHistoryEntry{
			Action:  lifecycle.HistoryAction(action),
			Details: fmt.Sprintf("%s -> %s", current.Status, next),
			UserID:  actorID(actor),
		},
	}
	return s.apply(ctx, actor, current, action, change, AuditStatusChange, fmt.Sprintf("id=%d from=%s to=%s", id, current.Status, next))
}

func (s *Service) Assign(ctx context.Context, actor Actor, id, userID int64) (*store.Incident, error) {
	if userID <= 0 {
		return nil, &lifecycle.ValidationError{Field: "userId", Message: "assignee is required"}
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := lifecycle.Apply(current.Status, lifecycle.ActionAssign); err != nil {
		return nil, err
	}
	assignee, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &lifecycle.ValidationError{Field: "userId", Message: "unknown user"}
		}
		return nil, err
	}
	if !assignee.Active {
		return nil, &lifecycle.ValidationError{Field: "userId", Message: "user is inactive"}
	}
	change := store.IncidentChange{
		IncidentID:   id,
		AllowedFrom:  allowedFrom(lifecycle.ActionAssign),
		AssignedToID: &userID,
		History: store.IncidentHistoryEntry{
			Action:  lifecycle.HistoryAssigned,
			Details: "assigned to " + assignee.DisplayName(),
			UserID:  actorID(actor),
		},
	}
	return s.apply(ctx, actor, current, lifecycle.ActionAssign, change, AuditAssign, fmt.Sprintf("id=%d assignee=%d", id, userID))
}

func (s *Service) Resolve(ctx context.Context, actor Actor, id int64, notes string) (*store.Incident, error) {
	notes = strings.TrimSpace(notes)
	if err := lifecycle.Required("resolutionNotes", notes); err != nil {
		return nil, err
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := lifecycle.Apply(current.Status, lifecycle.ActionResolve)
	if err != nil {
		return nil, err
	}
	change := store.IncidentChange{
		IncidentID:      id,
		AllowedFrom:     allowedFrom(lifecycle.ActionResolve),
		Status:          &next,
		ResolutionNotes: &notes,
		History: store.IncidentHistoryEntry{
			Action:  lifecycle.HistoryResolved,
			Details: notes,
			UserID:  actorID(actor),
		},
	}
	return s.apply(ctx, actor, current, lifecycle.ActionResolve, change, AuditResolve, fmt.Sprintf("id=%d", id))
}

func (s *Service) AddComment(ctx context.Context, actor Actor, id int64, content string) (*store.IncidentComment, error) {
	content = strings.TrimSpace(content)
	if err := lifecycle.Required("content", content); err != nil {
		return nil, err
	}
	if actor.UserID <= 0 {
		return nil, &lifecycle.ValidationError{Field: "userId", Message: "author is required"}
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := lifecycle.Apply(current.Status, lifecycle.ActionComment); err != nil {
		return nil, err
	}
	comment := &store.IncidentComment{IncidentID: id, UserID: actor.UserID, Content: content}
	_, err = s.incidents.AddComment(ctx, comment, allowedFrom(lifecycle.ActionComment), store.IncidentHistoryEntry{
		Action:  lifecycle.HistoryCommented,
		Details: truncate(content, 120),
		UserID:  actorID(actor),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, s.raceError(ctx, id, current.Status, lifecycle.ActionComment)
		}
		return nil, fmt.Errorf("add comment: %w", err)
	}
	s.audit(ctx, actor, AuditComment, fmt.Sprintf("id=%d comment=%d", id, comment.ID))
	return comment, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*store.Incident, error) {
	if id <= 0 {
		return nil, store.ErrNotFound
	}
	return s.incidents.GetIncident(ctx, id)
}

func (s *Service) List(ctx context.Context, filter store.IncidentFilter) ([]store.Incident, error) {
	return s.incidents.ListIncidents(ctx, filter)
}

// Count is the number of incidents filter matches across all pages.
func (s *Service) Count(ctx context.Context, filter store.IncidentFilter) (int, error) {
	return s.incidents.CountIncidents(ctx, filter)
}

func (s *Service) Comments(ctx context.Context, id int64) ([]store.IncidentComment, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.incidents.ListComments(ctx, id)
}

func (s *Service) History(ctx context.Context, id int64) ([]store.IncidentHistoryEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.incidents.ListHistory(ctx, id)
}

func (s *Service) AvailableActions(ctx context.Context, id int64) (lifecycle.Status, []lifecycle.Action, error) {
	inc, err := s.Get(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return inc.Status, lifecycle.AvailableActions(inc.Status), nil
}

func (s *Service) apply(ctx context.Context, actor Actor, current *store.Incident, action lifecycle.Action, change store.IncidentChange, auditAction, details string) (*store.Incident, error) {
	if err := s.incidents.ApplyChange(ctx, change); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, s.raceError(ctx, current.ID, current.Status, action)
		}
		return nil, fmt.Errorf("%s incident: %w", action, err)
	}
	s.audit(ctx, actor, auditAction, details)
	return s.incidents.GetIncident(ctx, current.ID)
}

// raceError reports the status that won when a guarded update lost a race.
func (s *Service) raceError(ctx context.Context, id int64, seen lifecycle.Status, action lifecycle.Action) error {
	from := seen
	if latest, err := s.incidents.GetIncident(ctx, id); err == nil {
		from = latest.Status
	}
	if s.logger != nil {
		s.logger.Printf("incident %d: %s lost race (seen=%s now=%s)", id, action, seen, from)
	}
	return &lifecycle.InvalidTransitionError{From: from, Action: action, To: lifecycle.Target(from, action)}
}

func (s *Service) audit(ctx context.Context, actor Actor, action, details string) {
	if s.audits == nil {
		return
	}
	if err := s.audits.Log(ctx, actor.Username, action, details); err != nil && s.logger != nil {
		s.logger.Errorf("audit %s: %v", action, err)
	}
}

func (s *Service) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	if field, msg, ok := utils.DescribeValidation(err); ok {
		return &lifecycle.ValidationError{Field: field, Message: msg}
	}
	return &lifecycle.ValidationError{Message: err.Error()}
}

func allowedFrom(action lifecycle.Action) []lifecycle.Status {
	var out []lifecycle.Status
	for _, st := range []lifecycle.Status{lifecycle.StatusPending, lifecycle.StatusInProgress, lifecycle.StatusResolved, lifecycle.StatusRejected} {
		if lifecycle.Allowed(st, action) {
			out = append(out, st)
		}
	}
	return out
}

func actorID(actor Actor) *int64 {
	if actor.UserID <= 0 {
		return nil
	}
	id := actor.UserID
	return &id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
