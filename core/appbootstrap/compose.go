package appbootstrap

import (
	"parkwatch/api"
	"parkwatch/config"
	"parkwatch/core/auth"
	"parkwatch/core/incidents"
	"parkwatch/core/rbac"
	"parkwatch/core/store"
	"parkwatch/core/utils"
)

type runtimeComposition struct {
	serverDeps api.ServerDeps
	users      store.UsersStore
	workers    []api.BackgroundWorker
}

func composeRuntime(cfg *config.AppConfig, db *store.DB, logger *utils.Logger) *runtimeComposition {
	users := store.NewUsersStore(db)
	parks := store.NewParksStore(db)
	audits := store.NewAuditStore(db)
	incidentsStore := store.NewIncidentsStore(db)
	incidentsSvc := incidents.NewService(incidentsStore, parks, users, audits, logger)
	staleScanner := incidents.NewStaleScanner(cfg.Incidents, cfg.Scheduler, incidentsStore, audits, logger)

	return &runtimeComposition{
		serverDeps: api.ServerDeps{
			DB:             db,
			Users:          users,
			Parks:          parks,
			Audits:         audits,
			IncidentsSvc:   incidentsSvc,
			SessionManager: auth.NewSessionManager(cfg, logger),
			Policy:         rbac.NewPolicy(rbac.DefaultRoles()),
		},
		users:   users,
		workers: []api.BackgroundWorker{staleScanner},
	}
}
