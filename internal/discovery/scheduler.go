package discovery

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	apperr "github.com/skylight-sec/skylight/internal/errors"
	"github.com/skylight-sec/skylight/internal/models"
	"github.com/skylight-sec/skylight/internal/store"
)

// Scheduler triggers periodic runs per the tenant's discovery frequency.
type Scheduler struct {
	store  *store.Store
	engine *Engine

	sweepEvery   time.Duration
	defaultHours int
}

// NewScheduler creates a scheduler sweeping at the given cadence.
// defaultHours applies to organizations without a frequency override.
func NewScheduler(st *store.Store, engine *Engine, sweepEvery time.Duration, defaultHours int) *Scheduler {
	if sweepEvery <= 0 {
		sweepEvery = 5 * time.Minute
	}
	if defaultHours <= 0 {
		defaultHours = 24
	}
	return &Scheduler{store: st, engine: engine, sweepEvery: sweepEvery, defaultHours: defaultHours}
}

// Run sweeps until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep triggers a run for every connected connection whose last discovery
// is older than the tenant's frequency. Conflicts and budget limits are
// expected; everything else is logged.
func (s *Scheduler) Sweep(ctx context.Context) {
	orgs, err := s.store.ListOrganizations(ctx)
	if err != nil {
		log.Error().Err(err).Msg("scheduler sweep aborted")
		return
	}
	now := time.Now().UTC()

	for _, org := range orgs {
		hours := org.Settings.DiscoveryFrequencyHours
		if hours <= 0 {
			hours = s.defaultHours
		}
		due := now.Add(-time.Duration(hours) * time.Hour)

		conns, err := s.store.ListConnections(ctx, org.ID)
		if err != nil {
			log.Error().Err(err).Str("organizationId", org.ID).Msg("connections unreadable during sweep")
			continue
		}
		for _, conn := range conns {
			if conn.Status != models.ConnectionConnected {
				continue
			}
			if !platformEnabled(org.Settings.EnabledPlatforms, conn.Platform) {
				continue
			}
			if conn.LastDiscovery != nil && conn.LastDiscovery.After(due) {
				continue
			}
			if _, err := s.engine.TriggerRun(ctx, org.ID, conn.ID, true); err != nil {
				switch apperr.KindOf(err) {
				case apperr.KindConflict, apperr.KindRateLimited:
					// Already running or tenant at capacity; next sweep retries.
				default:
					log.Warn().Err(err).Str("connectionId", conn.ID).Msg("scheduled run not started")
				}
			}
		}

		s.enforceRetention(ctx, org, now)
	}
}

// enforceRetention prunes activity events and audit entries past the
// tenant's retention window.
func (s *Scheduler) enforceRetention(ctx context.Context, org models.Organization, now time.Time) {
	days := org.Settings.RetentionDays
	if days <= 0 {
		return
	}
	cutoff := now.AddDate(0, 0, -days)
	events, err := s.store.PruneEvents(ctx, org.ID, cutoff)
	if err != nil {
		log.Error().Err(err).Str("organizationId", org.ID).Msg("event retention prune failed")
	}
	audit, err := s.store.PruneAudit(ctx, org.ID, days)
	if err != nil {
		log.Error().Err(err).Str("organizationId", org.ID).Msg("audit retention prune failed")
	}
	if events > 0 || audit > 0 {
		log.Debug().Str("organizationId", org.ID).
			Int64("events", events).Int64("auditEntries", audit).
			Msg("Retention prune complete")
	}
}

func platformEnabled(enabled []models.Platform, p models.Platform) bool {
	if len(enabled) == 0 {
		return true
	}
	for _, e := range enabled {
		if e == p {
			return true
		}
	}
	return false
}
