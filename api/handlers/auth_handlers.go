package handlers

import (
	"net/http"
	"strings"
	"time"

	"parkwatch/config"
	"parkwatch/core/auth"
	"parkwatch/core/rbac"
	"parkwatch/core/store"
	"parkwatch/core/utils"
)

type AuthHandler struct {
	cfg            *config.AppConfig
	users          store.UsersStore
	sessionManager *auth.SessionManager
	policy         *rbac.Policy
	audits         store.AuditStore
	logger         *utils.Logger
}

func NewAuthHandler(cfg *config.AppConfig, users store.UsersStore, sm *auth.SessionManager, policy *rbac.Policy, audits store.AuditStore, logger *utils.Logger) *AuthHandler {
	return &AuthHandler{cfg: cfg, users: users, sessionManager: sm, policy: policy, audits: audits, logger: logger}
}

type loginResponse struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"userId"`
	Username  string    `json:"username"`
	Roles     []string  `json:"roles"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type meResponse struct {
	User        *store.User       `json:"user"`
	Permissions []rbac.Permission `json:"permissions"`
	ExpiresAt   time.Time         `json:"expiresAt"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var cred auth.Credentials
	if err := decodeJSON(r, &cred); err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	cred.Username = strings.ToLower(strings.TrimSpace(cred.Username))
	user, err := h.users.FindByUsername(r.Context(), cred.Username)
	if err != nil || user == nil || !user.Active {
		h.log(r, cred.Username, "auth.login_failed", "user missing or inactive")
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid credentials", "")
		return
	}
	if !auth.CheckPassword(user.PasswordHash, cred.Password) {
		h.log(r, cred.Username, "auth.login_failed", "invalid password")
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid credentials", "")
		return
	}
	token, sess, err := h.sessionManager.Create(user)
	if err != nil {
		if h.logger != nil {
			h.logger.Errorf("auth login token issue failed for %s: %v", cred.Username, err)
		}
		writeError(w, http.StatusInternalServerError, CodeServerError, "server error", "")
		return
	}
	h.log(r, user.Username, "auth.login_success", "")
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		Roles:     user.Roles,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	if sess == nil {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "unauthorized", "")
		return
	}
	user, err := h.users.GetUser(r.Context(), sess.UserID)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		User:        user,
		Permissions: h.policy.Permissions(user.Roles),
		ExpiresAt:   sess.ExpiresAt,
	})
}

func (h *AuthHandler) log(r *http.Request, username, action, details string) {
	if h.audits == nil {
		return
	}
	_ = h.audits.Log(r.Context(), username, action, details)
}
