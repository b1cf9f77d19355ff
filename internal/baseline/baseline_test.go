package baseline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylight-sec/skylight/internal/models"
	"github.com/skylight-sec/skylight/internal/store"
)

func newModule(t *testing.T, cfg Config) *Module {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.CreateOrganization(context.Background(), models.Organization{
		ID: "org-1", Name: "Acme", Tier: "enterprise",
		Settings: models.DefaultOrganizationSettings(), CreatedAt: time.Now().UTC(),
	}))
	return New(st, cfg)
}

func sampleAutomations(n int) ([]models.DiscoveredAutomation, map[string][]models.ActivityEvent) {
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC) // a Monday, 09:00 UTC
	automations := make([]models.DiscoveredAutomation, n)
	events := map[string][]models.ActivityEvent{}
	for i := range automations {
		id := fmt.Sprintf("auto-%d", i)
		automations[i] = models.DiscoveredAutomation{
			ID:             id,
			OrganizationID: "org-1",
			Type:           models.AutomationBot,
			Permissions:    []string{"chat:write", "users:read"},
			IsActive:       true,
		}
		// Steady daytime activity, ~12 events/hour inside 9-17.
		for h := 0; h < 8; h++ {
			for k := 0; k < 12; k++ {
				events[id] = append(events[id], models.ActivityEvent{
					AutomationID: id,
					Operation:    "message.post",
					Records:      1,
					BytesRead:    2048,
					Timestamp:    base.Add(time.Duration(h)*time.Hour + time.Duration(k)*5*time.Minute),
				})
			}
		}
	}
	return automations, events
}

func TestBaselineLearningBelowMinSample(t *testing.T) {
	m := newModule(t, Config{MinSampleSize: 50})
	automations, events := sampleAutomations(10)

	b, err := m.Update(context.Background(), "org-1", automations, events)
	require.NoError(t, err)
	assert.Equal(t, "learning", b.Status)
	assert.False(t, b.Established())
	assert.Equal(t, 10, b.SampleSize)
	assert.Less(t, b.Confidence, 0.7)
}

func TestBaselineEstablishedAtMinSample(t *testing.T) {
	m := newModule(t, Config{MinSampleSize: 50})
	automations, events := sampleAutomations(60)

	b, err := m.Update(context.Background(), "org-1", automations, events)
	require.NoError(t, err)
	assert.Equal(t, "established", b.Status)
	assert.True(t, b.Established())
	assert.InDelta(t, 12, b.VelocityMean, 2)
	assert.GreaterOrEqual(t, b.CommonScopes["chat:write"], 0.9)
	assert.InDelta(t, 1.0, b.TypeDistribution[models.AutomationBot], 0.01)

	// The learned business window covers the 9-17 activity band.
	assert.LessOrEqual(t, b.BusinessStartHour, 9)
	assert.GreaterOrEqual(t, b.BusinessEndHour, 16)

	// Round trip through the store.
	loaded, err := m.Current(context.Background(), "org-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, b.SampleSize, loaded.SampleSize)
}

func TestBaselineEMATracksDriftWithoutJumping(t *testing.T) {
	m := newModule(t, Config{MinSampleSize: 10, AdaptationRate: 0.2})
	ctx := context.Background()

	automations, events := sampleAutomations(20)
	first, err := m.Update(ctx, "org-1", automations, events)
	require.NoError(t, err)

	// Second sample with doubled velocity: the mean moves a fifth of the
	// way, not all at once.
	for id := range events {
		doubled := make([]models.ActivityEvent, 0, len(events[id])*2)
		for _, e := range events[id] {
			doubled = append(doubled, e, models.ActivityEvent{
				AutomationID: e.AutomationID, Operation: e.Operation,
				Timestamp: e.Timestamp.Add(2 * time.Minute),
			})
		}
		events[id] = doubled
	}
	second, err := m.Update(ctx, "org-1", automations, events)
	require.NoError(t, err)

	assert.Greater(t, second.VelocityMean, first.VelocityMean)
	assert.Less(t, second.VelocityMean, first.VelocityMean*1.5)
}

func TestBaselineConfidenceMonotoneWithGrowingSample(t *testing.T) {
	m := newModule(t, Config{MinSampleSize: 20, AdaptationRate: 0.2})
	ctx := context.Background()

	automations, events := sampleAutomations(40)
	first, err := m.Update(ctx, "org-1", automations, events)
	require.NoError(t, err)

	second, err := m.Update(ctx, "org-1", automations, events)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, second.Confidence, first.Confidence)
}

func TestEmptyOrganizationBaseline(t *testing.T) {
	m := newModule(t, Config{MinSampleSize: 50})
	b, err := m.Update(context.Background(), "org-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "learning", b.Status)
	assert.Zero(t, b.SampleSize)
	assert.Equal(t, 9, b.BusinessStartHour)
	assert.Equal(t, 17, b.BusinessEndHour)
}

func TestAdjustThresholdsFeedbackLoop(t *testing.T) {
	m := newModule(t, Config{MinSampleSize: 50, AdaptationRate: 0.2})
	ctx := context.Background()

	fp := models.AutomationFeedback{
		OrganizationID: "org-1",
		PatternType:    models.PatternVelocity,
		Type:           models.FeedbackFalsePositive,
	}
	got, err := m.AdjustThresholds(ctx, "org-1", fp)
	require.NoError(t, err)
	assert.Greater(t, got.Multiplier(models.PatternVelocity), 1.0)

	// Confirmed detection walks it back down.
	tp := fp
	tp.Type = models.FeedbackTruePositive
	got, err = m.AdjustThresholds(ctx, "org-1", tp)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got.Multiplier(models.PatternVelocity), 0.001)

	// Untouched detectors stay at the default.
	assert.Equal(t, 1.0, got.Multiplier(models.PatternBatchOperation))
}

func TestAdjustThresholdsClamped(t *testing.T) {
	m := newModule(t, Config{MinSampleSize: 50, AdaptationRate: 0.2})
	ctx := context.Background()

	fb := models.AutomationFeedback{
		OrganizationID: "org-1",
		PatternType:    models.PatternTimingVariance,
		Type:           models.FeedbackFalsePositive,
	}
	for i := 0; i < 30; i++ {
		_, err := m.AdjustThresholds(ctx, "org-1", fb)
		require.NoError(t, err)
	}
	got, err := m.Thresholds(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.Multiplier(models.PatternTimingVariance))

	fb.Type = models.FeedbackTruePositive
	for i := 0; i < 30; i++ {
		_, err := m.AdjustThresholds(ctx, "org-1", fb)
		require.NoError(t, err)
	}
	got, err = m.Thresholds(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Multiplier(models.PatternTimingVariance))
}

func TestFeedbackWithoutPatternTypeIsNoop(t *testing.T) {
	m := newModule(t, Config{})
	got, err := m.AdjustThresholds(context.Background(), "org-1", models.AutomationFeedback{
		Type: models.FeedbackFalsePositive,
	})
	require.NoError(t, err)
	assert.Empty(t, got.Multipliers)
}
