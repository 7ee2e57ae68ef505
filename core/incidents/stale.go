package incidents

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"parkwatch/config"
	"parkwatch/core/lifecycle"
	"parkwatch/core/store"
	"parkwatch/core/utils"

	"github.com/robfig/cron/v3"
)

// StaleScanner periodically reports incidents left pending for longer than
// StaleAfter. It only reads incident state.
type StaleScanner struct {
	cfg       config.IncidentsConfig
	enabled   bool
	incidents store.IncidentsStore
	audits    store.AuditStore
	logger    *utils.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

func NewStaleScanner(cfg config.IncidentsConfig, sched config.SchedulerConfig, incidents store.IncidentsStore, audits store.AuditStore, logger *utils.Logger) *StaleScanner {
	return &StaleScanner{cfg: cfg, enabled: sched.Enabled, incidents: incidents, audits: audits, logger: logger}
}

func (s *StaleScanner) StartWithContext(ctx context.Context) {
	if s == nil || s.incidents == nil || !s.enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	schedule := strings.TrimSpace(s.cfg.StaleScanCron)
	if schedule == "" {
		schedule = "@every 1h"
	}
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.RunOnce(ctx, time.Now().UTC()); err != nil && s.logger != nil {
			s.logger.Errorf("stale scan: %v", err)
		}
	}); err != nil {
		if s.logger != nil {
			s.logger.Errorf("stale scan: bad schedule %q: %v", schedule, err)
		}
		return
	}
	c.Start()
	s.cron = c
	s.running = true
	if s.logger != nil {
		s.logger.Printf("stale scan scheduled %q after=%s", schedule, s.staleAfter())
	}
}

func (s *StaleScanner) StopWithContext(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()
	if !wasRunning || c == nil {
		return nil
	}
	done := c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce lists the stale incidents as of now and records them in one audit entry.
func (s *StaleScanner) RunOnce(ctx context.Context, now time.Time) ([]store.Incident, error) {
	if s == nil || s.incidents == nil {
		return nil, nil
	}
	cutoff := now.UTC().Add(-s.staleAfter())
	items, err := s.incidents.ListIncidents(ctx, store.IncidentFilter{
		Status:        lifecycle.StatusPending,
		CreatedBefore: &cutoff,
	})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return items, nil
	}
	ids := make([]string, 0, len(items))
	for _, inc := range items {
		ids = append(ids, fmt.Sprintf("%d", inc.ID))
	}
	if s.logger != nil {
		s.logger.Printf("stale scan: %d pending incidents older than %s: %s", len(items), s.staleAfter(), strings.Join(ids, ","))
	}
	if s.audits != nil {
		if err := s.audits.Log(ctx, "system", AuditStale, fmt.Sprintf("count=%d ids=%s", len(items), strings.Join(ids, ","))); err != nil && s.logger != nil {
			s.logger.Errorf("stale scan audit: %v", err)
		}
	}
	return items, nil
}

func (s *StaleScanner) staleAfter() time.Duration {
	if s.cfg.StaleAfter <= 0 {
		return 72 * time.Hour
	}
	return s.cfg.StaleAfter
}
