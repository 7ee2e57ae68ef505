package client

import (
	"sort"
	"strings"

	"parkwatch/core/lifecycle"
)

type SortField string

const (
	SortCreatedAt SortField = "createdAt"
	SortUpdatedAt SortField = "updatedAt"
	SortSeverity  SortField = "severity"
	SortTitle     SortField = "title"
	SortStatus    SortField = "status"
)

const defaultPageSize = 20

// ListQuery is the single parameterized incident list: every view is a
// combination of filters, one sort key and a page.
type ListQuery struct {
	Search     string
	ParkID     int64
	Status     []lifecycle.Status
	Category   lifecycle.Category
	Severity   lifecycle.Severity
	AssigneeID int64
	Unassigned bool
	SortBy     SortField
	// Desc is ignored when SortBy is empty; createdAt then sorts newest first.
	Desc     bool
	Page     int
	PageSize int
}

type predicate func(*Incident) bool

func (q ListQuery) predicates() []predicate {
	var out []predicate
	if term := strings.ToLower(strings.TrimSpace(q.Search)); term != "" {
		out = append(out, func(i *Incident) bool {
			return strings.Contains(strings.ToLower(i.Title), term) ||
				strings.Contains(strings.ToLower(i.Description), term) ||
				strings.Contains(strings.ToLower(i.ReporterName), term)
		})
	}
	if q.ParkID > 0 {
		out = append(out, func(i *Incident) bool { return i.ParkID == q.ParkID })
	}
	if len(q.Status) > 0 {
		allowed := make(map[lifecycle.Status]struct{}, len(q.Status))
		for _, s := range q.Status {
			allowed[s] = struct{}{}
		}
		out = append(out, func(i *Incident) bool {
			_, ok := allowed[i.Status]
			return ok
		})
	}
	if q.Category != "" {
		out = append(out, func(i *Incident) bool { return i.Category == q.Category })
	}
	if q.Severity != "" {
		out = append(out, func(i *Incident) bool { return i.Severity == q.Severity })
	}
	if q.Unassigned {
		out = append(out, func(i *Incident) bool { return i.AssignedToID == nil })
	} else if q.AssigneeID > 0 {
		out = append(out, func(i *Incident) bool { return i.AssignedToID != nil && *i.AssignedToID == q.AssigneeID })
	}
	return out
}

func (q ListQuery) less() func(a, b *Incident) bool {
	var asc func(a, b *Incident) bool
	switch q.SortBy {
	case SortUpdatedAt:
		asc = func(a, b *Incident) bool { return a.UpdatedAt.Before(b.UpdatedAt) }
	case SortSeverity:
		asc = func(a, b *Incident) bool { return a.Severity.Rank() < b.Severity.Rank() }
	case SortTitle:
		asc = func(a, b *Incident) bool { return strings.ToLower(a.Title) < strings.ToLower(b.Title) }
	case SortStatus:
		asc = func(a, b *Incident) bool { return a.Status < b.Status }
	case "":
		return func(a, b *Incident) bool { return b.CreatedAt.Before(a.CreatedAt) }
	default:
		asc = func(a, b *Incident) bool { return a.CreatedAt.Before(b.CreatedAt) }
	}
	if q.Desc {
		return func(a, b *Incident) bool { return asc(b, a) }
	}
	return asc
}

// Apply filters, sorts and paginates items without modifying them. It returns
// the requested page and the number of incidents that matched the filters.
func (q ListQuery) Apply(items []Incident) ([]Incident, int) {
	preds := q.predicates()
	matched := make([]Incident, 0, len(items))
next:
	for i := range items {
		for _, p := range preds {
			if !p(&items[i]) {
				continue next
			}
		}
		matched = append(matched, items[i])
	}
	less := q.less()
	sort.SliceStable(matched, func(a, b int) bool {
		if less(&matched[a], &matched[b]) {
			return true
		}
		if less(&matched[b], &matched[a]) {
			return false
		}
		return matched[a].ID > matched[b].ID
	})

	total := len(matched)
	size := q.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start >= total {
		return []Incident{}, total
	}
	end := start + size
	if end > total {
		end = total
	}
	return matched[start:end], total
}
