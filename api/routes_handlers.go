package api

import (
	"net/http"

	"parkwatch/api/handlers"
	"parkwatch/api/routegroups"
	"parkwatch/core/rbac"

	"github.com/go-chi/chi/v5"
)

type routeHandlers struct {
	auth      *handlers.AuthHandler
	incidents *handlers.IncidentsHandler
	parks     *handlers.ParksHandler
	users     *handlers.UsersHandler
	logs      *handlers.LogsHandler
	health    *handlers.HealthHandler
}

func (s *Server) newRouteHandlers() routeHandlers {
	return routeHandlers{
		auth:      handlers.NewAuthHandler(s.cfg, s.users, s.sessionManager, s.policy, s.audits, s.logger),
		incidents: handlers.NewIncidentsHandler(s.cfg, s.incidentsSvc, s.logger),
		parks:     handlers.NewParksHandler(s.parks, s.audits, s.logger),
		users:     handlers.NewUsersHandler(s.cfg, s.users, s.policy, s.audits, s.logger),
		logs:      handlers.NewLogsHandler(s.audits),
		health:    handlers.NewHealthHandler(s.pinger()),
	}
}

func (s *Server) pinger() handlers.Pinger {
	if s.db == nil {
		return nil
	}
	return s.db
}

func (s *Server) guards() routegroups.Guards {
	return routegroups.Guards{
		WithSession:       s.withSession,
		RequirePermission: func(p string) func(http.HandlerFunc) http.HandlerFunc { return s.requirePermission(rbac.Permission(p)) },
	}
}

func (s *Server) routes() http.Handler {
	h := s.newRouteHandlers()
	r := chi.NewRouter()
	r.Use(s.recoverMiddleware, s.requestIDMiddleware, s.securityHeadersMiddleware, s.loggingMiddleware, s.jsonMiddleware, s.bodyLimitMiddleware)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "common.not_found", "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "common.method_not_allowed", "method not allowed")
	})
	r.Route("/api", func(apiRouter chi.Router) {
		apiRouter.MethodFunc("GET", "/health", h.health.Health)
		apiRouter.MethodFunc("POST", "/auth/login", s.rateLimitMiddleware(h.auth.Login))
		g := s.guards()
		routegroups.RegisterAuth(apiRouter, g, h.auth)
		routegroups.RegisterIncidents(apiRouter, g, h.incidents)
		routegroups.RegisterParks(apiRouter, g, h.parks)
		routegroups.RegisterUsers(apiRouter, g, h.users)
		routegroups.RegisterLogs(apiRouter, g, h.logs)
	})
	return r
}
