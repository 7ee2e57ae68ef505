package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"parkwatch/config"
	"parkwatch/core/auth"
	"parkwatch/core/lifecycle"
	"parkwatch/core/rbac"
	"parkwatch/core/store"
	"parkwatch/core/utils"
)

type UsersHandler struct {
	cfg    *config.AppConfig
	users  store.UsersStore
	policy *rbac.Policy
	audits store.AuditStore
	logger *utils.Logger
}

func NewUsersHandler(cfg *config.AppConfig, users store.UsersStore, policy *rbac.Policy, audits store.AuditStore, logger *utils.Logger) *UsersHandler {
	return &UsersHandler{cfg: cfg, users: users, policy: policy, audits: audits, logger: logger}
}

type userPayload struct {
	Username string   `json:"username" validate:"required,min=2,max=64"`
	FullName string   `json:"fullName" validate:"max=200"`
	Email    string   `json:"email" validate:"omitempty,email,max=254"`
	Password string   `json:"password" validate:"required,min=8,max=72"`
	Roles    []string `json:"roles" validate:"required,min=1"`
}

func (h *UsersHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.users.ListUsers(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	if r.URL.Query().Get("active") == "1" || strings.EqualFold(r.URL.Query().Get("active"), "true") {
		active := items[:0]
		for _, u := range items {
			if u.Active {
				active = append(active, u)
			}
		}
		items = active
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *UsersHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload userPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	for _, role := range payload.Roles {
		if !h.policy.Known(role) {
			writeServiceError(w, h.logger, r, &lifecycle.ValidationError{Field: "roles", Message: "unknown role " + role})
			return
		}
	}
	cost := 0
	if h.cfg != nil {
		cost = h.cfg.Auth.BcryptCost
	}
	hash, err := auth.HashPassword(payload.Password, cost)
	if err != nil {
		if errors.Is(err, auth.ErrWeakPassword) {
			writeServiceError(w, h.logger, r, &lifecycle.ValidationError{Field: "password", Message: err.Error()})
			return
		}
		writeServiceError(w, h.logger, r, err)
		return
	}
	user := &store.User{
		Username:     payload.Username,
		FullName:     strings.TrimSpace(payload.FullName),
		Email:        strings.TrimSpace(payload.Email),
		PasswordHash: hash,
		Roles:        payload.Roles,
		Active:       true,
	}
	if _, err := h.users.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, CodeConflict, "username already exists", "username")
			return
		}
		writeServiceError(w, h.logger, r, err)
		return
	}
	created, err := h.users.GetUser(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	if h.audits != nil {
		actor := ""
		if sess := sessionFrom(r); sess != nil {
			actor = sess.Username
		}
		_ = h.audits.Log(r.Context(), actor, "user.create", fmt.Sprintf("id=%d username=%s roles=%s", created.ID, created.Username, strings.Join(created.Roles, ",")))
	}
	writeJSON(w, http.StatusCreated, created)
}
