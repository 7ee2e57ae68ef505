package routegroups

import (
	"parkwatch/api/handlers"

	"github.com/go-chi/chi/v5"
)

func RegisterIncidents(apiRouter chi.Router, g Guards, incidents *handlers.IncidentsHandler) {
	apiRouter.Route("/incidents", func(incidentsRouter chi.Router) {
		incidentsRouter.MethodFunc("GET", "/", g.SessionPerm("incidents.view", incidents.List))
		incidentsRouter.MethodFunc("POST", "/", g.SessionPerm("incidents.report", incidents.Report))
		incidentsRouter.MethodFunc("GET", "/{id:[0-9]+}", g.SessionPerm("incidents.view", incidents.Get))
		incidentsRouter.MethodFunc("GET", "/{id:[0-9]+}/comments", g.SessionPerm("incidents.view", incidents.Comments))
		incidentsRouter.MethodFunc("POST", "/{id:[0-9]+}/comments", g.SessionPerm("incidents.work", incidents.AddComment))
		incidentsRouter.MethodFunc("GET", "/{id:[0-9]+}/history", g.SessionPerm("incidents.view", incidents.History))
		incidentsRouter.MethodFunc("GET", "/{id:[0-9]+}/actions", g.SessionPerm("incidents.view", incidents.Actions))
		incidentsRouter.MethodFunc("PUT", "/{id:[0-9]+}/status", g.SessionPerm("incidents.work", incidents.ChangeStatus))
		incidentsRouter.MethodFunc("POST", "/{id:[0-9]+}/assign", g.SessionPerm("incidents.assign", incidents.Assign))
		incidentsRouter.MethodFunc("POST", "/{id:[0-9]+}/resolve", g.SessionPerm("incidents.work", incidents.Resolve))
	})
}
