package lifecycle

import (
	"strings"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusRejected   Status = "rejected"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Category string

const (
	CategoryDamage        Category = "damage"
	CategoryVandalism     Category = "vandalism"
	CategoryMaintenance   Category = "maintenance"
	CategorySafety        Category = "safety"
	CategoryAccessibility Category = "accessibility"
	CategoryAssetIssue    Category = "asset_issue"
	CategoryOther         Category = "other"
)

type Action string

const (
	ActionStart   Action = "start"
	ActionAssign  Action = "assign"
	ActionResolve Action = "resolve"
	ActionReject  Action = "reject"
	ActionComment Action = "comment"
)

// History actions recorded for an incident.
const (
	HistoryCreated       = "created"
	HistoryStatusChanged = "status_changed"
	HistoryAssigned      = "assigned"
	HistoryResolved      = "resolved"
	HistoryCommented     = "commented"
)

var validStatus = map[Status]struct{}{
	StatusPending:    {},
	StatusInProgress: {},
	StatusResolved:   {},
	StatusRejected:   {},
}

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

var validCategory = map[Category]struct{}{
	CategoryDamage:        {},
	CategoryVandalism:     {},
	CategoryMaintenance:   {},
	CategorySafety:        {},
	CategoryAccessibility: {},
	CategoryAssetIssue:    {},
	CategoryOther:         {},
}

type transition struct {
	from   []Status
	to     Status
	keeps  bool
	record string
}

// Actions keep the status when keeps is set; to is ignored then.
var transitions = map[Action]transition{
	ActionStart:   {from: []Status{StatusPending}, to: StatusInProgress, record: HistoryStatusChanged},
	ActionAssign:  {from: []Status{StatusPending, StatusInProgress}, keeps: true, record: HistoryAssigned},
	ActionResolve: {from: []Status{StatusPending, StatusInProgress}, to: StatusResolved, record: HistoryResolved},
	ActionReject:  {from: []Status{StatusPending, StatusInProgress}, to: StatusRejected, record: HistoryStatusChanged},
	ActionComment: {from: []Status{StatusPending, StatusInProgress}, keeps: true, record: HistoryCommented},
}

var actionOrder = []Action{ActionStart, ActionAssign, ActionResolve, ActionReject, ActionComment}

func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := validStatus[s]
	return s, ok
}

func ParseSeverity(raw string) (Severity, bool) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := severityRank[s]
	return s, ok
}

func ParseCategory(raw string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := validCategory[c]
	return c, ok
}

func (s Status) Valid() bool {
	_, ok := validStatus[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusRejected
}

func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank orders severities from low (1) to critical (4); unknown values rank 0.
func (s Severity) Rank() int {
	return severityRank[s]
}

func (c Category) Valid() bool {
	_, ok := validCategory[c]
	return ok
}

// Allowed reports whether action may be taken on an incident in status from.
func Allowed(from Status, action Action) bool {
	t, ok := transitions[action]
	if !ok {
		return false
	}
	for _, s := range t.from {
		if s == from {
			return true
		}
	}
	return false
}

// Apply returns the status an incident ends up in after action, or an
// InvalidTransitionError when the action is not offered from the current status.
func Apply(from Status, action Action) (Status, error) {
	if !Allowed(from, action) {
		return from, &InvalidTransitionError{From: from, Action: action, To: Target(from, action)}
	}
	t := transitions[action]
	if t.keeps {
		return from, nil
	}
	return t.to, nil
}

// Target is the status the action would lead to, ignoring guards.
func Target(from Status, action Action) Status {
	t, ok := transitions[action]
	if !ok || t.keeps {
		return from
	}
	return t.to
}

// HistoryAction names the history entry written for a successful action.
func HistoryAction(action Action) string {
	return transitions[action].record
}

// AvailableActions lists, in a stable order, the actions offered for status.
func AvailableActions(status Status) []Action {
	out := make([]Action, 0, len(actionOrder))
	for _, a := range actionOrder {
		if Allowed(status, a) {
			out = append(out, a)
		}
	}
	return out
}

// ActionForStatus maps a requested status change to the action that produces it.
// Resolving is not a plain status change because it needs notes.
func ActionForStatus(from, to Status) (Action, error) {
	if !to.Valid() {
		return "", &ValidationError{Field: "status", Message: "unknown status " + string(to)}
	}
	switch to {
	case StatusInProgress:
		return ActionStart, nil
	case StatusRejected:
		return ActionReject, nil
	case StatusResolved:
		return "", &ValidationError{Field: "resolutionNotes", Message: "resolution notes are required to resolve an incident"}
	default:
		return "", &InvalidTransitionError{From: from, To: to}
	}
}
