package handlers

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"strings"
	"time"

	"parkwatch/core/store"
)

type LogsHandler struct {
	audits store.AuditStore
}

func NewLogsHandler(audits store.AuditStore) *LogsHandler {
	return &LogsHandler{audits: audits}
}

func (h *LogsHandler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.audits == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []store.AuditRecord{}})
		return
	}
	filter := parseLogFilter(r)
	items, err := h.audits.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeServerError, "server error", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"since": filter.Since,
		"limit": filter.Limit,
	})
}

func (h *LogsHandler) Export(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.audits == nil {
		writeError(w, http.StatusInternalServerError, CodeServerError, "server error", "")
		return
	}
	filter := parseLogFilter(r)
	filter.Limit = 1000
	items, err := h.audits.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeServerError, "server error", "")
		return
	}
	filename := "audit_" + time.Now().UTC().Format("20060102_150405") + ".csv"
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{"time", "username", "section", "action", "details"})
	for i := range items {
		_ = writer.Write([]string{
			items[i].CreatedAt.UTC().Format(time.RFC3339),
			strings.TrimSpace(items[i].Username),
			logSection(items[i].Action),
			strings.TrimSpace(items[i].Action),
			strings.TrimSpace(items[i].Details),
		})
	}
	writer.Flush()
}

func logSection(action string) string {
	if idx := strings.Index(action, "."); idx > 0 {
		return action[:idx]
	}
	return action
}

func parseLogFilter(r *http.Request) store.AuditFilter {
	q := r.URL.Query()
	since := time.Now().UTC().Add(-30 * 24 * time.Hour)
	if rawSince := strings.TrimSpace(q.Get("since")); rawSince != "" {
		if parsed, err := parseDateTime(rawSince); err == nil && !parsed.IsZero() {
			since = parsed.UTC()
		}
	}
	var until *time.Time
	if rawTo := strings.TrimSpace(q.Get("to")); rawTo != "" {
		if parsed, err := parseDateTime(rawTo); err == nil && !parsed.IsZero() {
			t := parsed.UTC()
			until = &t
		}
	}
	limit := 200
	if rawLimit := strings.TrimSpace(q.Get("limit")); rawLimit != "" {
		if parsed, err := strconv.Atoi(rawLimit); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 1000 {
		limit = 1000
	}
	return store.AuditFilter{
		Since:    &since,
		Until:    until,
		Username: strings.ToLower(strings.TrimSpace(q.Get("user"))),
		Action:   strings.ToLower(strings.TrimSpace(q.Get("action"))),
		Query:    strings.TrimSpace(q.Get("q")),
		Limit:    limit,
	}
}

func parseDateTime(raw string) (time.Time, error) {
	val := strings.TrimSpace(raw)
	if val == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02"} {
		if parsed, err := time.Parse(layout, val); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, strconv.ErrSyntax
}
