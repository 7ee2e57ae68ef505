package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"parkwatch/config"
	"parkwatch/core/auth"
	"parkwatch/core/incidents"
	"parkwatch/core/rbac"
	"parkwatch/core/store"
	"parkwatch/core/utils"
)

// BackgroundWorker is a scheduled job that runs for the lifetime of the server.
type BackgroundWorker interface {
	StartWithContext(ctx context.Context)
	StopWithContext(ctx context.Context) error
}

type ServerDeps struct {
	DB             *store.DB
	Users          store.UsersStore
	Parks          store.ParksStore
	Audits         store.AuditStore
	IncidentsSvc   *incidents.Service
	SessionManager *auth.SessionManager
	Policy         *rbac.Policy
	Workers        []BackgroundWorker
}

type Server struct {
	cfg            *config.AppConfig
	logger         *utils.Logger
	db             *store.DB
	users          store.UsersStore
	parks          store.ParksStore
	audits         store.AuditStore
	incidentsSvc   *incidents.Service
	sessionManager *auth.SessionManager
	policy         *rbac.Policy
	workers        []BackgroundWorker

	loginLimiter *requestLimiter
	handler      http.Handler

	mu         sync.Mutex
	httpServer *http.Server
	cancel     context.CancelFunc
}

func NewServer(cfg *config.AppConfig, deps ServerDeps, logger *utils.Logger) *Server {
	s := &Server{
		cfg:            cfg,
		logger:         logger,
		db:             deps.DB,
		users:          deps.Users,
		parks:          deps.Parks,
		audits:         deps.Audits,
		incidentsSvc:   deps.IncidentsSvc,
		sessionManager: deps.SessionManager,
		policy:         deps.Policy,
		workers:        deps.Workers,
	}
	attempts := cfg.Security.LoginAttemptsPerMinute
	if attempts <= 0 {
		attempts = 10
	}
	s.loginLimiter = newLimiter(attempts, time.Minute)
	s.handler = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start launches the background workers and blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Lock()
	s.cancel = cancel
	s.httpServer = srv
	s.mu.Unlock()
	for _, w := range s.workers {
		w.StartWithContext(ctx)
	}
	s.logger.Printf("listening on %s (tls=%v)", s.cfg.ListenAddr, s.cfg.TLSEnabled)
	var err error
	if s.cfg.TLSEnabled {
		err = srv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel := s.httpServer, s.cancel
	s.mu.Unlock()
	var firstErr error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	for _, w := range s.workers {
		if err := w.StopWithContext(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if cancel != nil {
		cancel()
	}
	return firstErr
}
