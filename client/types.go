package client

import (
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
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// Actions lists what the UI may offer for the incident in its current status.
func (i *Incident) Actions() []lifecycle.Action {
	return lifecycle.AvailableActions(i.Status)
}

type Comment struct {
	ID         int64     `json:"id"`
	IncidentID int64     `json:"incidentId"`
	UserID     int64     `json:"userId"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

type HistoryEntry struct {
	ID         int64     `json:"id"`
	IncidentID int64     `json:"incidentId"`
	Action     string    `json:"action"`
	Details    string    `json:"details"`
	UserID     *int64    `json:"userId"`
	CreatedAt  time.Time `json:"createdAt"`
}

type ReportInput struct {
	Title         string             `json:"title"`
	Description   string             `json:"description"`
	Category      lifecycle.Category `json:"category,omitempty"`
	Severity      lifecycle.Severity `json:"severity,omitempty"`
	ParkID        int64              `json:"parkId"`
	AssetID       *int64             `json:"assetId,omitempty"`
	ReporterName  string             `json:"reporterName,omitempty"`
	ReporterEmail string             `json:"reporterEmail,omitempty"`
}

type LoginResult struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"userId"`
	Username  string    `json:"username"`
	Roles     []string  `json:"roles"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type actionsResponse struct {
	Status  lifecycle.Status   `json:"status"`
	Actions []lifecycle.Action `json:"actions"`
}

var historyActions = map[string]struct{}{
	lifecycle.HistoryCreated:       {},
	lifecycle.HistoryStatusChanged: {},
	lifecycle.HistoryAssigned:      {},
	lifecycle.HistoryResolved:      {},
	lifecycle.HistoryCommented:     {},
}

func (i *Incident) check() error {
	switch {
	case i.ID <= 0:
		return malformed("incident id %d", i.ID)
	case !i.Status.Valid():
		return malformed("incident %d status %q", i.ID, i.Status)
	case !i.Severity.Valid():
		return malformed("incident %d severity %q", i.ID, i.Severity)
	case !i.Category.Valid():
		return malformed("incident %d category %q", i.ID, i.Category)
	case i.ParkID <= 0:
		return malformed("incident %d without park", i.ID)
	case i.CreatedAt.IsZero():
		return malformed("incident %d without createdAt", i.ID)
	}
	if i.Status == lifecycle.StatusResolved && (i.ResolutionNotes == nil || i.ResolutionDate == nil) {
		return malformed("resolved incident %d without resolution", i.ID)
	}
	return nil
}

func (c *Comment) check() error {
	if c.ID <= 0 || c.IncidentID <= 0 {
		return malformed("comment id=%d incident=%d", c.ID, c.IncidentID)
	}
	return nil
}

func (h *HistoryEntry) check() error {
	if h.ID <= 0 || h.IncidentID <= 0 {
		return malformed("history id=%d incident=%d", h.ID, h.IncidentID)
	}
	if _, ok := historyActions[h.Action]; !ok {
		return malformed("history action %q", h.Action)
	}
	return nil
}

func (a *actionsResponse) check() error {
	if !a.Status.Valid() {
		return malformed("actions status %q", a.Status)
	}
	for _, act := range a.Actions {
		if act != lifecycle.ActionStart && act != lifecycle.ActionAssign && act != lifecycle.ActionResolve &&
			act != lifecycle.ActionReject && act != lifecycle.ActionComment {
			return malformed("unknown action %q", act)
		}
	}
	return nil
}

func (l *LoginResult) check() error {
	if l.Token == "" || l.UserID <= 0 {
		return malformed("login response without token or user")
	}
	return nil
}

func checkIncidents(items []Incident) error {
	for i := range items {
		if err := items[i].check(); err != nil {
			return err
		}
	}
	return nil
}

func checkComments(items []Comment) error {
	for i := range items {
		if err := items[i].check(); err != nil {
			return err
		}
	}
	return nil
}

func checkHistory(items []HistoryEntry) error {
	for i := range items {
		if err := items[i].check(); err != nil {
			return err
		}
	}
	return nil
}
