package routegroups

import (
	"parkwatch/api/handlers"

	"github.com/go-chi/chi/v5"
)

func RegisterAuth(apiRouter chi.Router, g Guards, auth *handlers.AuthHandler) {
	apiRouter.MethodFunc("GET", "/auth/me", g.Session(auth.Me))
}

func RegisterParks(apiRouter chi.Router, g Guards, parks *handlers.ParksHandler) {
	apiRouter.Route("/parks", func(parksRouter chi.Router) {
		parksRouter.MethodFunc("GET", "/", g.SessionPerm("parks.view", parks.List))
		parksRouter.MethodFunc("POST", "/", g.SessionPerm("parks.manage", parks.Create))
		parksRouter.MethodFunc("GET", "/{id:[0-9]+}/assets", g.SessionPerm("parks.view", parks.ListAssets))
		parksRouter.MethodFunc("POST", "/{id:[0-9]+}/assets", g.SessionPerm("parks.manage", parks.CreateAsset))
	})
}

func RegisterUsers(apiRouter chi.Router, g Guards, users *handlers.UsersHandler) {
	apiRouter.Route("/users", func(usersRouter chi.Router) {
		usersRouter.MethodFunc("GET", "/", g.SessionPerm("users.view", users.List))
		usersRouter.MethodFunc("POST", "/", g.SessionPerm("users.manage", users.Create))
	})
}

func RegisterLogs(apiRouter chi.Router, g Guards, logs *handlers.LogsHandler) {
	apiRouter.Route("/logs", func(logsRouter chi.Router) {
		logsRouter.MethodFunc("GET", "/", g.SessionPerm("logs.view", logs.List))
		logsRouter.MethodFunc("GET", "/export", g.SessionPerm("logs.view", logs.Export))
	})
}
