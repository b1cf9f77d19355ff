package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylight-sec/skylight/internal/models"
)

func TestSweepTriggersDueConnections(t *testing.T) {
	env := newEngineEnv(t, &fakeAdapter{platform: models.PlatformSlack, records: sampleRecords()})
	ctx := context.Background()

	sched := NewScheduler(env.store, env.engine, time.Minute, 24)
	sched.Sweep(ctx)
	env.engine.Wait()

	assert.Contains(t, env.publisher.types(), "discovery.started")

	conn, err := env.store.GetConnection(ctx, env.conn.ID)
	require.NoError(t, err)
	require.NotNil(t, conn.LastDiscovery)
}

func TestSweepSkipsRecentDiscovery(t *testing.T) {
	env := newEngineEnv(t, &fakeAdapter{platform: models.PlatformSlack})
	ctx := context.Background()

	require.NoError(t, env.store.TouchConnectionDiscovery(ctx, env.conn.ID, time.Now().UTC()))

	sched := NewScheduler(env.store, env.engine, time.Minute, 24)
	sched.Sweep(ctx)
	env.engine.Wait()

	assert.NotContains(t, env.publisher.types(), "discovery.started")
}

func TestSweepSkipsDisabledPlatform(t *testing.T) {
	env := newEngineEnv(t, &fakeAdapter{platform: models.PlatformSlack})
	ctx := context.Background()

	settings := models.DefaultOrganizationSettings()
	settings.EnabledPlatforms = []models.Platform{models.PlatformGoogle}
	require.NoError(t, env.store.UpdateOrganizationSettings(ctx, "org-1", settings))

	sched := NewScheduler(env.store, env.engine, time.Minute, 24)
	sched.Sweep(ctx)
	env.engine.Wait()

	assert.NotContains(t, env.publisher.types(), "discovery.started")
}

func TestSweepEnforcesEventRetention(t *testing.T) {
	env := newEngineEnv(t, &fakeAdapter{platform: models.PlatformSlack})
	ctx := context.Background()

	_, _, err := env.store.UpsertAutomation(ctx, models.DiscoveredAutomation{
		ID:                "auto-1",
		OrganizationID:    "org-1",
		ConnectionID:      env.conn.ID,
		DiscoveryRunID:    "run-seed",
		ExternalID:        "ext-1",
		Type:              models.AutomationBot,
		Name:              "old bot",
		Platform:          models.PlatformSlack,
		IsActive:          true,
		FirstDiscoveredAt: time.Now().UTC(),
		LastSeenAt:        time.Now().UTC(),
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, env.store.AppendActivityEvents(ctx, "org-1", []models.ActivityEvent{
		{AutomationID: "auto-1", Operation: "files.read", Timestamp: now.AddDate(0, 0, -120)},
		{AutomationID: "auto-1", Operation: "files.read", Timestamp: now.Add(-time.Hour)},
	}))

	// Mark the connection fresh so the sweep only runs the retention pass.
	require.NoError(t, env.store.TouchConnectionDiscovery(ctx, env.conn.ID, now))

	sched := NewScheduler(env.store, env.engine, time.Minute, 24)
	sched.Sweep(ctx)
	env.engine.Wait()

	events, err := env.store.EventsForAutomation(ctx, "org-1", "auto-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, now.Add(-time.Hour).Unix(), events[0].Timestamp.Unix())
}

func TestRetentionDisabledKeepsEverything(t *testing.T) {
	env := newEngineEnv(t, &fakeAdapter{platform: models.PlatformSlack})
	ctx := context.Background()

	settings := models.DefaultOrganizationSettings()
	settings.RetentionDays = 0
	require.NoError(t, env.store.UpdateOrganizationSettings(ctx, "org-1", settings))

	now := time.Now().UTC()
	require.NoError(t, env.store.AppendActivityEvents(ctx, "org-1", []models.ActivityEvent{
		{AutomationID: "auto-1", Operation: "files.read", Timestamp: now.AddDate(0, 0, -400)},
	}))
	require.NoError(t, env.store.TouchConnectionDiscovery(ctx, env.conn.ID, now))

	sched := NewScheduler(env.store, env.engine, time.Minute, 24)
	sched.Sweep(ctx)
	env.engine.Wait()

	events, err := env.store.EventsForAutomation(ctx, "org-1", "auto-1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
