package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"parkwatch/config"
	"parkwatch/core/incidents"
	"parkwatch/core/lifecycle"
	"parkwatch/core/store"
	"parkwatch/core/utils"
)

// TotalCountHeader carries the number of incidents matching a list filter,
// independent of limit and offset.
const TotalCountHeader = "X-Total-Count"

type IncidentsHandler struct {
	cfg    *config.AppConfig
	svc    *incidents.Service
	logger *utils.Logger
}

func NewIncidentsHandler(cfg *config.AppConfig, svc *incidents.Service, logger *utils.Logger) *IncidentsHandler {
	return &IncidentsHandler{cfg: cfg, svc: svc, logger: logger}
}

type statusPayload struct {
	Status string `json:"status" validate:"required,max=32"`
}

type assignPayload struct {
	UserID int64 `json:"userId"`
}

type resolvePayload struct {
	ResolutionNotes string `json:"resolutionNotes"`
}

type commentPayload struct {
	Content string `json:"content" validate:"max=5000"`
	UserID  int64  `json:"userId"`
}

type actionsResponse struct {
	Status  lifecycle.Status   `json:"status"`
	Actions []lifecycle.Action `json:"actions"`
}

func (h *IncidentsHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := h.parseFilter(r)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	items, err := h.svc.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	total, err := h.svc.Count(r.Context(), filter)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	w.Header().Set(TotalCountHeader, strconv.Itoa(total))
	writeJSON(w, http.StatusOK, items)
}

func (h *IncidentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", "")
		return
	}
	inc, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (h *IncidentsHandler) Comments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", "")
		return
	}
	items, err := h.svc.Comments(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *IncidentsHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", "")
		return
	}
	items, err := h.svc.History(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *IncidentsHandler) Actions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", "")
		return
	}
	status, actions, err := h.svc.AvailableActions(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actionsResponse{Status: status, Actions: actions})
}

func (h *IncidentsHandler) Report(w http.ResponseWriter, r *http.Request) {
	var payload incidents.ReportInput
	if err := decodeJSON(r, &payload); err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	inc, err := h.svc.ReportIncident(r.Context(), actorFrom(r), payload)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

func (h *IncidentsHandler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", "")
		return
	}
	var payload statusPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	inc, err := h.svc.ChangeStatus(r.Context(), actorFrom(r), id, payload.Status)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (h *IncidentsHandler) Assign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", "")
		return
	}
	var payload assignPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	inc, err := h.svc.Assign(r.Context(), actorFrom(r), id, payload.UserID)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (h *IncidentsHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", "")
		return
	}
	var payload resolvePayload
	if err := decodeJSON(r, &payload); err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	inc, err := h.svc.Resolve(r.Context(), actorFrom(r), id, payload.ResolutionNotes)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (h *IncidentsHandler) AddComment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", "")
		return
	}
	var payload commentPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	actor := actorFrom(r)
	if payload.UserID != 0 && payload.UserID != actor.UserID {
		if h.logger != nil {
			h.logger.Printf("PERM fail comment as user=%d by user=%d incident=%d", payload.UserID, actor.UserID, id)
		}
		writeError(w, http.StatusForbidden, CodeForbidden, "comments are posted as the authenticated user", "userId")
		return
	}
	comment, err := h.svc.AddComment(r.Context(), actor, id, payload.Content)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (h *IncidentsHandler) parseFilter(r *http.Request) (store.IncidentFilter, error) {
	q := r.URL.Query()
	filter := store.IncidentFilter{
		Search: strings.TrimSpace(q.Get("q")),
		Limit:  parseIntDefault(q.Get("limit"), 0),
		Offset: parseIntDefault(q.Get("offset"), 0),
	}
	maxLimit := 500
	if h.cfg != nil && h.cfg.Incidents.ListLimit > 0 {
		maxLimit = h.cfg.Incidents.ListLimit
	}
	if filter.Limit <= 0 || filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if raw := strings.TrimSpace(q.Get("park_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return filter, &lifecycle.ValidationError{Field: "park_id", Message: "must be a positive id"}
		}
		filter.ParkID = id
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			st, ok := lifecycle.ParseStatus(part)
			if !ok {
				return filter, &lifecycle.ValidationError{Field: "status", Message: "unknown status " + part}
			}
			filter.StatusIn = append(filter.StatusIn, st)
		}
	}
	if raw := strings.TrimSpace(q.Get("category")); raw != "" {
		c, ok := lifecycle.ParseCategory(raw)
		if !ok {
			return filter, &lifecycle.ValidationError{Field: "category", Message: "unknown category " + raw}
		}
		filter.Category = c
	}
	rawSeverity := strings.TrimSpace(q.Get("severity"))
	if rawSeverity == "" {
		rawSeverity = strings.TrimSpace(q.Get("priority"))
	}
	if rawSeverity != "" {
		sv, ok := lifecycle.ParseSeverity(rawSeverity)
		if !ok {
			return filter, &lifecycle.ValidationError{Field: "severity", Message: "unknown severity " + rawSeverity}
		}
		filter.Severity = sv
	}
	switch raw := strings.ToLower(strings.TrimSpace(q.Get("assigned_to"))); raw {
	case "":
	case "none", "unassigned":
		filter.Unassigned = true
	case "me":
		if sess := sessionFrom(r); sess != nil {
			filter.AssignedToID = sess.UserID
		}
	default:
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return filter, &lifecycle.ValidationError{Field: "assigned_to", Message: "must be an id, me or none"}
		}
		filter.AssignedToID = id
	}
	return filter, nil
}
