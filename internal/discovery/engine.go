// Package discovery runs the enumeration pipeline: it drives platform
// adapters under backpressure, deduplicates sightings, and hands the run's
// window to the detectors, correlator, and risk scorer.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/skylight-sec/skylight/internal/baseline"
	"github.com/skylight-sec/skylight/internal/connections"
	"github.com/skylight-sec/skylight/internal/connectors"
	"github.com/skylight-sec/skylight/internal/correlation"
	"github.com/skylight-sec/skylight/internal/detectors"
	apperr "github.com/skylight-sec/skylight/internal/errors"
	"github.com/skylight-sec/skylight/internal/metrics"
	"github.com/skylight-sec/skylight/internal/models"
	"github.com/skylight-sec/skylight/internal/store"
	"github.com/skylight-sec/skylight/internal/validator"
)

// Publisher delivers run and detection events to the real-time layer.
type Publisher interface {
	Publish(orgID, eventType string, payload any)
}

// NopPublisher discards events; used when the hub is absent.
type NopPublisher struct{}

func (NopPublisher) Publish(string, string, any) {}

// Options tunes the engine.
type Options struct {
	// GraceWindow is how long an unseen automation stays active before a
	// run soft-expires it.
	GraceWindow time.Duration
	// MaxConcurrentRunsPerOrg caps queued plus running runs in one tenant.
	MaxConcurrentRunsPerOrg int
	// DetectorLookback bounds the event window handed to detectors.
	DetectorLookback time.Duration
	// CoordinationMinSize is the minimum cluster for the cross-actor pass.
	CoordinationMinSize int
	// ValidatorBudgetUSD caps qualitative validation spend per run.
	ValidatorBudgetUSD float64
	// ProgressEvery is how many records pass between progress updates.
	ProgressEvery int
}

func (o Options) withDefaults() Options {
	if o.GraceWindow <= 0 {
		o.GraceWindow = 48 * time.Hour
	}
	if o.MaxConcurrentRunsPerOrg <= 0 {
		o.MaxConcurrentRunsPerOrg = 4
	}
	if o.DetectorLookback <= 0 {
		o.DetectorLookback = 7 * 24 * time.Hour
	}
	if o.CoordinationMinSize <= 0 {
		o.CoordinationMinSize = 3
	}
	if o.ProgressEvery <= 0 {
		o.ProgressEvery = 25
	}
	return o
}

// runSlot is the per-connection advisory lock. One run holds the slot;
// a scheduler retrigger while it is held coalesces into pending at most
// once.
type runSlot struct {
	runID   string
	cancel  context.CancelFunc
	pending bool
}

// Engine schedules and executes discovery runs.
type Engine struct {
	store       *store.Store
	connections *connections.Manager
	registry    *connectors.Registry
	detectors   *detectors.Set
	baseline    *baseline.Module
	correlator  *correlation.Correlator
	validator   *validator.Validator
	publisher   Publisher
	opts        Options

	mu    sync.Mutex
	slots map[string]*runSlot // connection id -> active run
	wg    sync.WaitGroup
}

func NewEngine(st *store.Store, conns *connections.Manager, registry *connectors.Registry,
	set *detectors.Set, bl *baseline.Module, corr *correlation.Correlator,
	val *validator.Validator, pub Publisher, opts Options) *Engine {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Engine{
		store:       st,
		connections: conns,
		registry:    registry,
		detectors:   set,
		baseline:    bl,
		correlator:  corr,
		validator:   val,
		publisher:   pub,
		opts:        opts.withDefaults(),
		slots:       make(map[string]*runSlot),
	}
}

// TriggerRun starts a discovery run for a connection. While a run is
// active, coalesce=true marks one follow-up run pending and returns the
// active run; coalesce=false returns Conflict pointing at it.
func (e *Engine) TriggerRun(ctx context.Context, orgID, connectionID string, coalesce bool) (models.DiscoveryRun, error) {
	const op = "discovery.TriggerRun"

	conn, err := e.connections.Get(ctx, orgID, connectionID)
	if err != nil {
		return models.DiscoveryRun{}, err
	}
	if conn.Status != models.ConnectionConnected {
		return models.DiscoveryRun{}, apperr.Newf(apperr.KindValidationFailed, op,
			"connection %s is %s, not connected", connectionID, conn.Status)
	}

	active, err := e.store.CountActiveRunsForOrg(ctx, orgID)
	if err != nil {
		return models.DiscoveryRun{}, apperr.New(apperr.KindInternal, op, err)
	}
	if active >= e.opts.MaxConcurrentRunsPerOrg {
		return models.DiscoveryRun{}, apperr.Newf(apperr.KindRateLimited, op,
			"organization already has %d active runs", active)
	}

	e.mu.Lock()
	if slot, held := e.slots[connectionID]; held {
		runID := slot.runID
		if coalesce {
			slot.pending = true
			e.mu.Unlock()
			run, gerr := e.store.GetRun(ctx, runID)
			if gerr != nil {
				return models.DiscoveryRun{}, gerr
			}
			return run, nil
		}
		e.mu.Unlock()
		return models.DiscoveryRun{}, apperr.Newf(apperr.KindConflict, op,
			"run %s already in progress for connection %s", runID, connectionID).
			WithResource(runID)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := models.DiscoveryRun{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		ConnectionID:   connectionID,
		Status:         models.RunQueued,
		StartedAt:      time.Now().UTC(),
	}
	e.slots[connectionID] = &runSlot{runID: run.ID, cancel: cancel}
	e.mu.Unlock()

	if err := e.store.CreateRun(ctx, run); err != nil {
		e.releaseSlot(connectionID)
		cancel()
		return models.DiscoveryRun{}, apperr.New(apperr.KindInternal, op, err)
	}

	metrics.Get().RunStarted(string(conn.Platform))
	e.publisher.Publish(orgID, "discovery.started", map[string]any{
		"runId":        run.ID,
		"connectionId": connectionID,
		"platform":     conn.Platform,
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.execute(runCtx, run, conn)
	}()
	return run, nil
}

// Cancel stops a running run; partial results are kept and the run lands
// in partial.
func (e *Engine) Cancel(ctx context.Context, orgID, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.OrganizationID != orgID {
		return apperr.Newf(apperr.KindOrgMismatch, "discovery.Cancel", "run %s belongs to another tenant", runID)
	}
	if run.Status.Terminal() {
		return apperr.Newf(apperr.KindConflict, "discovery.Cancel", "run %s already finished", runID)
	}

	e.mu.Lock()
	slot, held := e.slots[run.ConnectionID]
	e.mu.Unlock()
	if held && slot.runID == runID {
		slot.cancel()
	}
	return nil
}

// Run returns a run scoped to the caller's organization.
func (e *Engine) Run(ctx context.Context, orgID, runID string) (models.DiscoveryRun, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return models.DiscoveryRun{}, err
	}
	if run.OrganizationID != orgID {
		return models.DiscoveryRun{}, apperr.Newf(apperr.KindNotFound, "discovery.Run", "run %s not found", runID)
	}
	return run, nil
}

// Wait blocks until all in-flight runs have finished.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) releaseSlot(connectionID string) (pending bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if slot, held := e.slots[connectionID]; held {
		pending = slot.pending
		delete(e.slots, connectionID)
	}
	return pending
}

// runOutcome accumulates what the enumeration phase saw.
type runOutcome struct {
	progress int
	warnings []string
	affected []string // automation ids touched this run
	prior    map[string][]string
	failure  error // fatal, forces failed
}

func (o *runOutcome) warn(format string, args ...any) {
	o.warnings = append(o.warnings, fmt.Sprintf(format, args...))
}

func (e *Engine) execute(ctx context.Context, run models.DiscoveryRun, conn models.PlatformConnection) {
	logger := log.With().
		Str("runId", run.ID).
		Str("connectionId", conn.ID).
		Str("platform", string(conn.Platform)).
		Logger()

	if err := e.store.TransitionRun(ctx, run.ID, models.RunRunning, 0, nil, nil); err != nil {
		logger.Error().Err(err).Msg("run could not start")
		e.releaseSlot(conn.ID)
		return
	}

	outcome := e.enumerate(ctx, run, conn)

	cancelled := ctx.Err() != nil
	if outcome.failure == nil && !cancelled {
		e.analyze(ctx, run, outcome, &logger)
		if _, err := e.store.ExpireUnseenAutomations(ctx, conn.ID, run.ID, time.Now().UTC().Add(-e.opts.GraceWindow)); err != nil {
			outcome.warn("soft-expire pass failed: %v", err)
		}
		if err := e.store.TouchConnectionDiscovery(ctx, conn.ID, time.Now().UTC()); err != nil {
			logger.Warn().Err(err).Msg("last discovery stamp not updated")
		}
	}

	status := models.RunSucceeded
	switch {
	case outcome.failure != nil:
		status = models.RunFailed
		outcome.warn("run aborted: %v", outcome.failure)
	case cancelled, len(outcome.warnings) > 0:
		status = models.RunPartial
	}

	// Terminal writes go through a fresh context: the run's own context is
	// cancelled exactly when we need to persist the partial outcome.
	done := time.Now().UTC()
	if err := e.store.TransitionRun(context.WithoutCancel(ctx), run.ID, status, outcome.progress, outcome.warnings, &done); err != nil {
		logger.Error().Err(err).Msg("terminal transition failed")
	}
	metrics.Get().RunCompleted(string(conn.Platform), string(status), done.Sub(run.StartedAt))
	logger.Info().
		Str("status", string(status)).
		Int("records", outcome.progress).
		Int("warnings", len(outcome.warnings)).
		Msg("discovery run finished")

	e.publisher.Publish(run.OrganizationID, "discovery.completed", map[string]any{
		"runId":    run.ID,
		"status":   status,
		"records":  outcome.progress,
		"warnings": outcome.warnings,
	})

	if e.releaseSlot(conn.ID) && !cancelled {
		if _, err := e.TriggerRun(context.WithoutCancel(ctx), run.OrganizationID, conn.ID, true); err != nil {
			logger.Warn().Err(err).Msg("coalesced rerun not started")
		}
	}
}

// enumerate drives the adapter stream and persists sightings. Backpressure
// is the stream's own: the producer blocks when we stop calling Next.
func (e *Engine) enumerate(ctx context.Context, run models.DiscoveryRun, conn models.PlatformConnection) *runOutcome {
	outcome := &runOutcome{prior: make(map[string][]string)}

	creds, err := e.connections.Credentials(ctx, conn)
	if err != nil {
		outcome.failure = fmt.Errorf("credentials unusable: %w", err)
		return outcome
	}
	adapter, err := e.registry.Get(conn.Platform)
	if err != nil {
		outcome.failure = err
		return outcome
	}
	if !adapter.Capabilities().DiscoverAutomations {
		outcome.failure = apperr.Newf(apperr.KindValidationFailed, "discovery.enumerate",
			"platform %s does not support discovery", conn.Platform)
		return outcome
	}

	stream, err := adapter.Discover(ctx, conn, creds, "")
	if err != nil {
		outcome.failure = fmt.Errorf("stream open: %w", err)
		return outcome
	}
	defer stream.Close()

	seen := make(map[string]struct{})
	for {
		rec, ok, err := stream.Next(ctx)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindInvalidGrant {
				outcome.failure = fmt.Errorf("platform rejected grant: %w", err)
			} else {
				outcome.warn("stream ended early: %v", err)
			}
			return outcome
		}
		if !ok {
			return outcome
		}
		if _, dup := seen[rec.ExternalID]; dup {
			continue
		}
		seen[rec.ExternalID] = struct{}{}

		if err := e.persistRecord(ctx, run, conn, rec, outcome); err != nil {
			outcome.warn("record %s skipped: %v", rec.ExternalID, err)
			continue
		}

		outcome.progress++
		if outcome.progress%e.opts.ProgressEvery == 0 {
			if err := e.store.UpdateRunProgress(ctx, run.ID, outcome.progress); err == nil {
				e.publisher.Publish(run.OrganizationID, "discovery.progress", map[string]any{
					"runId":   run.ID,
					"records": outcome.progress,
				})
			}
		}
	}
}

func (e *Engine) persistRecord(ctx context.Context, run models.DiscoveryRun, conn models.PlatformConnection, rec connectors.Record, outcome *runOutcome) error {
	now := time.Now().UTC()
	a := models.DiscoveredAutomation{
		ID:                uuid.NewString(),
		OrganizationID:    run.OrganizationID,
		ConnectionID:      conn.ID,
		DiscoveryRunID:    run.ID,
		ExternalID:        rec.ExternalID,
		Type:              rec.Type,
		Name:              rec.Name,
		Platform:          conn.Platform,
		Permissions:       rec.Permissions,
		PlatformMetadata:  rec.Metadata,
		OwnerUserID:       rec.OwnerUserID,
		IsActive:          true,
		FirstDiscoveredAt: now,
		LastSeenAt:        now,
	}
	applyVendor(&a)

	existing, found, err := e.store.GetAutomationByExternal(ctx, conn.ID, rec.ExternalID)
	if err != nil {
		return err
	}

	stored, _, err := e.store.UpsertAutomation(ctx, a)
	if err != nil {
		return err
	}
	if found {
		outcome.prior[stored.ID] = existing.Permissions
	}
	outcome.affected = append(outcome.affected, stored.ID)

	if len(rec.Activity) > 0 {
		events := make([]models.ActivityEvent, len(rec.Activity))
		for i, ev := range rec.Activity {
			ev.AutomationID = stored.ID
			events[i] = ev
		}
		if err := e.store.AppendActivityEvents(ctx, run.OrganizationID, events); err != nil {
			return fmt.Errorf("activity append: %w", err)
		}
	}
	return nil
}

// analyze runs detectors, qualitative validation, risk scoring, and
// correlation over the automations this run touched.
func (e *Engine) analyze(ctx context.Context, run models.DiscoveryRun, outcome *runOutcome, logger *zerolog.Logger) {
	if len(outcome.affected) == 0 {
		return
	}
	orgID := run.OrganizationID
	now := time.Now().UTC()
	since := now.Add(-e.opts.DetectorLookback)

	bl, err := e.baseline.Current(ctx, orgID)
	if err != nil {
		outcome.warn("baseline unavailable: %v", err)
	}
	thresholds, err := e.baseline.Thresholds(ctx, orgID)
	if err != nil {
		outcome.warn("thresholds unavailable: %v", err)
	}
	org, err := e.store.GetOrganization(ctx, orgID)
	if err != nil {
		outcome.warn("organization settings unavailable: %v", err)
		org.Settings = models.DefaultOrganizationSettings()
	}

	params := make(map[models.PatternType]detectors.Params, len(e.detectors.Detectors()))
	for _, d := range e.detectors.Detectors() {
		params[d.Type()] = detectors.Params{Baseline: bl, Threshold: thresholds.Multiplier(d.Type())}
	}

	meter := validator.NewCostMeter(e.opts.ValidatorBudgetUSD)
	windows := make([]detectors.Window, 0, len(outcome.affected))
	patternsByAutomation := make(map[string][]models.DetectionPattern)

	for _, id := range outcome.affected {
		automation, err := e.store.GetAutomation(ctx, orgID, id)
		if err != nil {
			outcome.warn("automation %s unreadable: %v", id, err)
			continue
		}
		events, err := e.store.EventsForAutomation(ctx, orgID, id, since)
		if err != nil {
			outcome.warn("events for %s unreadable: %v", id, err)
			continue
		}
		w := detectors.Window{
			Automation: automation,
			Events:     events,
			Now:        now,
		}
		if prev, ok := outcome.prior[id]; ok && len(prev) > 0 {
			w.PriorScopes = [][]string{prev}
		}
		windows = append(windows, w)

		patterns := e.detectors.Run(w, params, func(t models.PatternType, derr error) {
			outcome.warn("detector %s failed on %s: %v", t, id, derr)
			logger.Warn().Err(derr).Str("detector", string(t)).Str("automationId", id).Msg("detector failure isolated")
		})
		patternsByAutomation[id] = patterns
	}

	// Cross-actor coordination sees the whole run window at once.
	for _, p := range detectors.DetectCoordination(windows, e.opts.CoordinationMinSize, now) {
		patternsByAutomation[p.AutomationID] = append(patternsByAutomation[p.AutomationID], p)
	}

	members := make([]correlation.Member, 0, len(windows))
	for _, w := range windows {
		id := w.Automation.ID
		patterns := patternsByAutomation[id]

		if e.validator != nil && e.validator.Enabled() {
			if p, ok := e.validate(ctx, w, patterns, meter); ok {
				patterns = append(patterns, p)
				patternsByAutomation[id] = patterns
			}
		}

		for i := range patterns {
			patterns[i].ID = uuid.NewString()
			patterns[i].RunID = run.ID
		}
		if len(patterns) > 0 {
			if err := e.store.AppendPatterns(ctx, patterns); err != nil {
				outcome.warn("patterns for %s not stored: %v", id, err)
			} else {
				for _, p := range patterns {
					metrics.Get().PatternEmitted(string(p.Type), string(p.Severity))
				}
				e.publisher.Publish(orgID, "detection.new", map[string]any{
					"runId":        run.ID,
					"automationId": id,
					"patterns":     len(patterns),
				})
			}
		}

		prevRisk, hadRisk, _ := e.store.CurrentRisk(ctx, orgID, id)
		assessment := detectors.ScoreRisk(w, patterns, org.Settings.RiskThresholds)
		assessment.ID = uuid.NewString()
		if err := e.store.AppendRiskAssessment(ctx, assessment); err != nil {
			outcome.warn("risk for %s not stored: %v", id, err)
		} else if !hadRisk || prevRisk.Level != assessment.Level {
			e.publisher.Publish(orgID, "risk.changed", map[string]any{
				"automationId": id,
				"riskLevel":    assessment.Level,
				"riskScore":    assessment.Score,
			})
		}

		members = append(members, correlation.Member{
			Automation: w.Automation,
			Patterns:   patterns,
			Events:     w.Events,
		})
	}

	e.publisher.Publish(orgID, "correlation:started", map[string]any{"runId": run.ID})
	chains := e.correlator.Correlate(orgID, members, now)
	if err := e.store.ReplaceChains(ctx, orgID, outcome.affected, chains); err != nil {
		outcome.warn("correlation chains not stored: %v", err)
	} else {
		for range chains {
			metrics.Get().ChainDetected()
		}
	}

	e.refreshBaseline(ctx, orgID, outcome, now)
}

func (e *Engine) validate(ctx context.Context, w detectors.Window, patterns []models.DetectionPattern, meter *validator.CostMeter) (models.DetectionPattern, bool) {
	types := make([]models.PatternType, 0, len(patterns))
	for _, p := range patterns {
		types = append(types, p.Type)
	}
	d := validator.Descriptor{
		Platform:     w.Automation.Platform,
		Type:         w.Automation.Type,
		Name:         w.Automation.Name,
		Scopes:       w.Automation.Permissions,
		EventCount:   len(w.Events),
		PatternTypes: types,
	}
	if w.Automation.VendorName != nil {
		d.VendorName = *w.Automation.VendorName
	}
	verdict, err := e.validator.Validate(ctx, meter, d)
	if err != nil || verdict == nil {
		// Validation is additive; absence never degrades the run.
		if err != nil {
			metrics.Get().ValidatorCall("error", 0)
		}
		return models.DetectionPattern{}, false
	}
	metrics.Get().ValidatorCall("ok", verdict.CostUSD)
	return validator.Pattern(w.Automation.OrganizationID, w.Automation.ID, *verdict, w.Now), true
}

// refreshBaseline feeds the run's view of the tenant back into the
// behavioral profile when the update interval has elapsed.
func (e *Engine) refreshBaseline(ctx context.Context, orgID string, outcome *runOutcome, now time.Time) {
	current, err := e.baseline.Current(ctx, orgID)
	if err == nil && current != nil && now.Before(current.NextUpdateDue) {
		return
	}

	automations, err := e.store.ListAutomations(ctx, orgID, store.AutomationFilter{})
	if err != nil {
		outcome.warn("baseline refresh skipped: %v", err)
		return
	}
	events := make(map[string][]models.ActivityEvent, len(automations))
	for _, a := range automations {
		evs, err := e.store.EventsForAutomation(ctx, orgID, a.ID, now.Add(-30*24*time.Hour))
		if err != nil {
			continue
		}
		events[a.ID] = evs
	}
	if _, err := e.baseline.Update(ctx, orgID, automations, events); err != nil {
		outcome.warn("baseline refresh failed: %v", err)
	}
}
