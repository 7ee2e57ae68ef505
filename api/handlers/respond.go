package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"parkwatch/core/auth"
	"parkwatch/core/incidents"
	"parkwatch/core/lifecycle"
	"parkwatch/core/store"
	"parkwatch/core/utils"
)

const (
	CodeNotFound     = "common.not_found"
	CodeConflict     = "common.conflict"
	CodeServerError  = "common.server_error"
	CodeUnauthorized = "auth.unauthorized"
	CodeForbidden    = "auth.forbidden"
)

var payloadValidator = utils.NewValidator()

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	From    string `json:"from,omitempty"`
	Action  string `json:"action,omitempty"`
	To      string `json:"to,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message, field string) {
	writeJSON(w, status, map[string]any{"error": errorBody{Code: code, Message: message, Field: field}})
}

// writeServiceError maps domain and storage errors onto the REST error contract.
func writeServiceError(w http.ResponseWriter, logger *utils.Logger, r *http.Request, err error) {
	var ve *lifecycle.ValidationError
	var te *lifecycle.InvalidTransitionError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Code(), ve.Message, ve.Field)
	case errors.As(err, &te):
		writeJSON(w, http.StatusConflict, map[string]any{"error": errorBody{
			Code:    te.Code(),
			Message: te.Error(),
			Field:   "status",
			From:    string(te.From),
			Action:  string(te.Action),
			To:      string(te.To),
		}})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", "")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, CodeConflict, "conflict", "")
	default:
		if logger != nil {
			logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		}
		writeError(w, http.StatusInternalServerError, CodeServerError, "server error", "")
	}
}

// decodeJSON reads a JSON body into v and runs struct validation on it.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &lifecycle.ValidationError{Message: "payload too large"}
		}
		if errors.Is(err, io.EOF) {
			return &lifecycle.ValidationError{Message: "empty body"}
		}
		return &lifecycle.ValidationError{Message: "malformed json"}
	}
	if err := payloadValidator.Struct(v); err != nil {
		if field, msg, ok := utils.DescribeValidation(err); ok {
			return &lifecycle.ValidationError{Field: field, Message: msg}
		}
		return &lifecycle.ValidationError{Message: err.Error()}
	}
	return nil
}

func sessionFrom(r *http.Request) *auth.Session {
	sess, _ := r.Context().Value(auth.SessionContextKey).(*auth.Session)
	return sess
}

func actorFrom(r *http.Request) incidents.Actor {
	sess := sessionFrom(r)
	if sess == nil {
		return incidents.Actor{}
	}
	return incidents.Actor{UserID: sess.UserID, Username: sess.Username, DisplayName: sess.DisplayName()}
}

func pathID(r *http.Request, key string) (int64, bool) {
	raw := strings.TrimSpace(pathParams(r)[key])
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func parseIntDefault(raw string, def int) int {
	val, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return val
}
