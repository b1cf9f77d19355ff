package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/skylight-sec/skylight/internal/baseline"
	"github.com/skylight-sec/skylight/internal/connections"
	"github.com/skylight-sec/skylight/internal/connectors"
	"github.com/skylight-sec/skylight/internal/correlation"
	"github.com/skylight-sec/skylight/internal/crypto"
	"github.com/skylight-sec/skylight/internal/detectors"
	apperr "github.com/skylight-sec/skylight/internal/errors"
	"github.com/skylight-sec/skylight/internal/models"
	"github.com/skylight-sec/skylight/internal/store"
)

// fakeAdapter streams canned records. When gate is non-nil the producer
// holds the stream open after the records until the gate closes.
type fakeAdapter struct {
	platform  models.Platform
	records   []connectors.Record
	streamErr error
	gate      chan struct{}
}

func (f *fakeAdapter) Platform() models.Platform { return f.platform }
func (f *fakeAdapter) Capabilities() connectors.Capabilities {
	return connectors.Capabilities{DiscoverAutomations: true, ValidateToken: true}
}
func (f *fakeAdapter) Limiter() *rate.Limiter { return rate.NewLimiter(rate.Inf, 1) }
func (f *fakeAdapter) BuildAuthorizationURL(state string) string {
	return "https://provider.example/authorize?state=" + state
}
func (f *fakeAdapter) ExchangeCode(ctx context.Context, code string) (models.Credentials, connectors.UserInfo, error) {
	return models.Credentials{
			AccessToken: "tok-1",
			ExpiresAt:   time.Now().Add(time.Hour).UTC(),
		}, connectors.UserInfo{
			PlatformUserID: "U1",
			WorkspaceID:    "W1",
			WorkspaceName:  "acme",
		}, nil
}
func (f *fakeAdapter) Refresh(ctx context.Context, creds models.Credentials) (models.Credentials, error) {
	return creds, nil
}
func (f *fakeAdapter) Revoke(ctx context.Context, creds models.Credentials) (bool, error) {
	return true, nil
}
func (f *fakeAdapter) ValidateToken(ctx context.Context, creds models.Credentials) error { return nil }
func (f *fakeAdapter) Discover(ctx context.Context, conn models.PlatformConnection, creds models.Credentials, cursor string) (*connectors.Stream, error) {
	return connectors.NewStream(ctx, func(ctx context.Context, out chan<- connectors.Record) error {
		for _, rec := range f.records {
			select {
			case out <- rec:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if f.gate != nil {
			select {
			case <-f.gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return f.streamErr
	}), nil
}

type pubEvent struct {
	orgID string
	typ   string
}

type capturePublisher struct {
	mu     sync.Mutex
	events []pubEvent
}

func (p *capturePublisher) Publish(orgID, eventType string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, pubEvent{orgID: orgID, typ: eventType})
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.typ
	}
	return out
}

type engineEnv struct {
	store     *store.Store
	engine    *Engine
	manager   *connections.Manager
	adapter   *fakeAdapter
	publisher *capturePublisher
	conn      models.PlatformConnection
}

func newEngineEnv(t *testing.T, adapter *fakeAdapter) *engineEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.CreateOrganization(ctx, models.Organization{
		ID:        "org-1",
		Name:      "Acme",
		Tier:      "enterprise",
		Settings:  models.DefaultOrganizationSettings(),
		CreatedAt: time.Now().UTC(),
	}))

	keys, err := crypto.NewFileKeyProvider(t.TempDir())
	require.NoError(t, err)
	vault := crypto.NewVault(keys, st)

	reg := connectors.NewRegistry()
	reg.Register(adapter)
	mgr := connections.NewManager(st, vault, reg, nil, connections.Options{})

	_, state, err := mgr.BeginOAuth(ctx, "org-1", adapter.platform)
	require.NoError(t, err)
	conn, err := mgr.CompleteOAuth(ctx, adapter.platform, state, "code-1")
	require.NoError(t, err)

	pub := &capturePublisher{}
	engine := NewEngine(st, mgr, reg,
		detectors.NewSet(detectors.Config{}),
		baseline.New(st, baseline.Config{}),
		correlation.New(2),
		nil, pub, Options{ProgressEvery: 2})

	return &engineEnv{store: st, engine: engine, manager: mgr, adapter: adapter, publisher: pub, conn: conn}
}

func sampleRecords() []connectors.Record {
	now := time.Now().UTC()
	events := make([]models.ActivityEvent, 0, 30)
	for i := 0; i < 30; i++ {
		events = append(events, models.ActivityEvent{
			Operation:   "files.read",
			TargetClass: "documents",
			Records:     10,
			Timestamp:   now.Add(-time.Duration(i) * time.Minute),
		})
	}
	return []connectors.Record{
		{
			ExternalID:  "B001",
			Type:        models.AutomationBot,
			Name:        "Attio App for Slack",
			Permissions: []string{"files:read", "chat:write"},
			OwnerUserID: "U100",
			Activity:    events,
		},
		{
			ExternalID:  "B002",
			Type:        models.AutomationBot,
			Name:        "ChatGPT Digest",
			Permissions: []string{"chat:write"},
			Metadata:    []byte(`{"endpoint":"https://api.openai.com/v1/chat/completions","model":"gpt-4o"}`),
		},
		{
			ExternalID: "W003",
			Type:       models.AutomationWorkflow,
			Name:       "Attio CRM",
		},
	}
}

func waitTerminal(t *testing.T, st *store.Store, runID string) models.DiscoveryRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := st.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal state", runID)
	return models.DiscoveryRun{}
}

func TestRunDiscoversScoresAndCorrelates(t *testing.T) {
	env := newEngineEnv(t, &fakeAdapter{platform: models.PlatformSlack, records: sampleRecords()})
	ctx := context.Background()

	run, err := env.engine.TriggerRun(ctx, "org-1", env.conn.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.RunQueued, run.Status)

	final := waitTerminal(t, env.store, run.ID)
	env.engine.Wait()
	assert.Equal(t, models.RunSucceeded, final.Status)
	assert.Equal(t, 3, final.Progress)
	assert.Empty(t, final.Warnings)

	automations, err := env.store.ListAutomations(ctx, "org-1", store.AutomationFilter{})
	require.NoError(t, err)
	require.Len(t, automations, 3)

	// Vendor extraction strips the platform suffix: both Attio actors
	// collapse into one vendor group.
	groups := map[string]int{}
	for _, a := range automations {
		if a.VendorGroup != nil {
			groups[*a.VendorGroup]++
		}
	}
	assert.Equal(t, 2, groups["attio-slack"])

	// Every automation got a risk assessment.
	risks, err := env.store.CurrentRisks(ctx, "org-1")
	require.NoError(t, err)
	assert.Len(t, risks, 3)

	// The ChatGPT digest bot trips the AI-provider detector.
	var aiBot models.DiscoveredAutomation
	for _, a := range automations {
		if a.ExternalID == "B002" {
			aiBot = a
		}
	}
	patterns, err := env.store.ListPatternsForAutomation(ctx, "org-1", aiBot.ID, 0)
	require.NoError(t, err)
	found := false
	for _, p := range patterns {
		if p.Type == models.PatternAIProvider {
			found = true
		}
	}
	assert.True(t, found, "expected an ai_provider pattern on the digest bot")

	types := env.publisher.types()
	assert.Contains(t, types, "discovery.started")
	assert.Contains(t, types, "detection.new")
	assert.Contains(t, types, "correlation:started")
	assert.Contains(t, types, "discovery.completed")
}

func TestRerunDeduplicatesAndKeepsFirstDiscovered(t *testing.T) {
	env := newEngineEnv(t, &fakeAdapter{platform: models.PlatformSlack, records: sampleRecords()})
	ctx := context.Background()

	run1, err := env.engine.TriggerRun(ctx, "org-1", env.conn.ID, false)
	require.NoError(t, err)
	waitTerminal(t, env.store, run1.ID)
	env.engine.Wait()

	before, err := env.store.ListAutomations(ctx, "org-1", store.AutomationFilter{})
	require.NoError(t, err)
	firstSeen := map[string]time.Time{}
	for _, a := range before {
		firstSeen[a.ExternalID] = a.FirstDiscoveredAt
	}

	run2, err := env.engine.TriggerRun(ctx, "org-1", env.conn.ID, false)
	require.NoError(t, err)
	final := waitTerminal(t, env.store, run2.ID)
	env.engine.Wait()
	assert.Equal(t, models.RunSucceeded, final.Status)

	after, err := env.store.ListAutomations(ctx, "org-1", store.AutomationFilter{})
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for _, a := range after {
		assert.Equal(t, firstSeen[a.ExternalID], a.FirstDiscoveredAt, "first_discovered_at drifted for %s", a.ExternalID)
		assert.Equal(t, run2.ID, a.DiscoveryRunID)
	}
}

func TestSecondTriggerConflictsWithRunningRun(t *testing.T) {
	gate := make(chan struct{})
	env := newEngineEnv(t, &fakeAdapter{
		platform: models.PlatformSlack,
		records:  sampleRecords(),
		gate:     gate,
	})
	ctx := context.Background()

	run, err := env.engine.TriggerRun(ctx, "org-1", env.conn.ID, false)
	require.NoError(t, err)

	_, err = env.engine.TriggerRun(ctx, "org-1", env.conn.ID, false)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, run.ID, appErr.Resource)

	close(gate)
	waitTerminal(t, env.store, run.ID)
	env.engine.Wait()
}

func TestCoalescedTriggerRunsAgainAfterCompletion(t *testing.T) {
	gate := make(chan struct{})
	env := newEngineEnv(t, &fakeAdapter{
		platform: models.PlatformSlack,
		records:  sampleRecords(),
		gate:     gate,
	})
	ctx := context.Background()

	run, err := env.engine.TriggerRun(ctx, "org-1", env.conn.ID, false)
	require.NoError(t, err)

	// A scheduler-style retrigger coalesces instead of conflicting and
	// reports the active run.
	coalesced, err := env.engine.TriggerRun(ctx, "org-1", env.conn.ID, true)
	require.NoError(t, err)
	assert.Equal(t, run.ID, coalesced.ID)

	close(gate)
	waitTerminal(t, env.store, run.ID)

	// The pending rerun starts once the first finishes.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if followUp, active, err := env.store.ActiveRunForConnection(ctx, env.conn.ID); err == nil && active && followUp.ID != run.ID {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	env.engine.Wait()
}

func TestCancelMidRunLandsPartial(t *testing.T) {
	gate := make(chan struct{})
	env := newEngineEnv(t, &fakeAdapter{
		platform: models.PlatformSlack,
		records:  sampleRecords(),
		gate:     gate,
	})
	ctx := context.Background()

	run, err := env.engine.TriggerRun(ctx, "org-1", env.conn.ID, false)
	require.NoError(t, err)

	// Let the enumerated records land before cancelling.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if as, _ := env.store.ListAutomations(ctx, "org-1", store.AutomationFilter{}); len(as) == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.NoError(t, env.engine.Cancel(ctx, "org-1", run.ID))
	final := waitTerminal(t, env.store, run.ID)
	env.engine.Wait()
	assert.Equal(t, models.RunPartial, final.Status)

	automations, err := env.store.ListAutomations(ctx, "org-1", store.AutomationFilter{})
	require.NoError(t, err)
	assert.Len(t, automations, 3, "partial results are persisted")
}

func TestStreamInvalidGrantFailsRun(t *testing.T) {
	env := newEngineEnv(t, &fakeAdapter{
		platform:  models.PlatformSlack,
		streamErr: apperr.Newf(apperr.KindInvalidGrant, "slack.discover", "token revoked upstream"),
	})
	ctx := context.Background()

	run, err := env.engine.TriggerRun(ctx, "org-1", env.conn.ID, false)
	require.NoError(t, err)
	final := waitTerminal(t, env.store, run.ID)
	env.engine.Wait()

	assert.Equal(t, models.RunFailed, final.Status)
	require.NotEmpty(t, final.Warnings)
}

func TestTriggerRejectsForeignOrganization(t *testing.T) {
	env := newEngineEnv(t, &fakeAdapter{platform: models.PlatformSlack, records: sampleRecords()})

	_, err := env.engine.TriggerRun(context.Background(), "org-2", env.conn.ID, false)
	require.Error(t, err)
	assert.Equal(t, apperr.KindOrgMismatch, apperr.KindOf(err))
}

func TestSchedulerSweepTriggersDueConnections(t *testing.T) {
	env := newEngineEnv(t, &fakeAdapter{platform: models.PlatformSlack, records: sampleRecords()})
	ctx := context.Background()

	sched := NewScheduler(env.store, env.engine, time.Minute, 24)
	sched.Sweep(ctx)

	run, active, err := env.store.ActiveRunForConnection(ctx, env.conn.ID)
	require.NoError(t, err)
	if !active {
		// The run may already have finished; a terminal run must exist.
		conns, err := env.manager.List(ctx, "org-1")
		require.NoError(t, err)
		require.NotEmpty(t, conns)
	} else {
		assert.Equal(t, models.RunQueued, run.Status)
	}
	env.engine.Wait()

	// A fresh discovery stamp suppresses the next sweep.
	conn, err := env.store.GetConnection(ctx, env.conn.ID)
	require.NoError(t, err)
	require.NotNil(t, conn.LastDiscovery)

	sched.Sweep(ctx)
	_, active, err = env.store.ActiveRunForConnection(ctx, env.conn.ID)
	require.NoError(t, err)
	assert.False(t, active, "recently discovered connection retriggered")
	env.engine.Wait()
}

func TestExtractVendor(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Attio", "Attio"},
		{"Attio CRM", "Attio"},
		{"Attio App for Slack", "Attio"},
		{"Zapier OAuth", "Zapier"},
		{"notion.io", "notion"},
		{"acme.com", "acme"},
		{"OAuth App: 12345", ""},
		{"42", ""},
		{"ab", ""},
		{"", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ExtractVendor(tc.in), "input %q", tc.in)
	}
}

func TestExtractVendorIdempotent(t *testing.T) {
	for _, in := range []string{"Attio App for Slack", "Zapier OAuth", "notion.io", "Monday.com for Teams"} {
		once := ExtractVendor(in)
		assert.Equal(t, once, ExtractVendor(once), "input %q", in)
	}
}
