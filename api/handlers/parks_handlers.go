package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"parkwatch/core/lifecycle"
	"parkwatch/core/store"
	"parkwatch/core/utils"
)

type ParksHandler struct {
	parks  store.ParksStore
	audits store.AuditStore
	logger *utils.Logger
}

func NewParksHandler(parks store.ParksStore, audits store.AuditStore, logger *utils.Logger) *ParksHandler {
	return &ParksHandler{parks: parks, audits: audits, logger: logger}
}

type parkPayload struct {
	Name     string `json:"name" validate:"required,max=200"`
	District string `json:"district" validate:"max=200"`
}

type assetPayload struct {
	Name string `json:"name" validate:"required,max=200"`
	Kind string `json:"kind" validate:"max=64"`
}

func (h *ParksHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.parks.ListParks(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *ParksHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload parkPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	if err := lifecycle.Required("name", payload.Name); err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	park := &store.Park{Name: strings.TrimSpace(payload.Name), District: payload.District}
	if _, err := h.parks.CreatePark(r.Context(), park); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, CodeConflict, "park name already exists", "name")
			return
		}
		writeServiceError(w, h.logger, r, err)
		return
	}
	h.audit(r, "park.create", fmt.Sprintf("id=%d name=%s", park.ID, park.Name))
	writeJSON(w, http.StatusCreated, park)
}

func (h *ParksHandler) ListAssets(w http.ResponseWriter, r *http.Request) {
	parkID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", "")
		return
	}
	if _, err := h.parks.GetPark(r.Context(), parkID); err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	items, err := h.parks.ListAssets(r.Context(), parkID)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *ParksHandler) CreateAsset(w http.ResponseWriter, r *http.Request) {
	parkID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", "")
		return
	}
	var payload assetPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	if err := lifecycle.Required("name", payload.Name); err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	if _, err := h.parks.GetPark(r.Context(), parkID); err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	asset := &store.Asset{ParkID: parkID, Name: payload.Name, Kind: payload.Kind}
	if _, err := h.parks.CreateAsset(r.Context(), asset); err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	h.audit(r, "park.asset.create", fmt.Sprintf("park=%d asset=%d", parkID, asset.ID))
	writeJSON(w, http.StatusCreated, asset)
}

func (h *ParksHandler) audit(r *http.Request, action, details string) {
	if h.audits == nil {
		return
	}
	username := ""
	if sess := sessionFrom(r); sess != nil {
		username = sess.Username
	}
	if err := h.audits.Log(r.Context(), username, action, details); err != nil && h.logger != nil {
		h.logger.Errorf("audit %s: %v", action, err)
	}
}
