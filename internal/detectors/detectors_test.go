package detectors

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylight-sec/skylight/internal/models"
)

var testNow = time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)

func establishedBaseline() *models.BehavioralBaseline {
	return &models.BehavioralBaseline{
		OrganizationID:    "org-1",
		VelocityMean:      10,
		VelocityStdDev:    2,
		BusinessStartHour: 8,
		BusinessEndHour:   18,
		MeanDailyBytes:    10 * 1024 * 1024,
		MeanDailyRecords:  1000,
		CommonScopes:      map[string]float64{"chat:write": 0.8, "users:read": 0.6},
		TypeDistribution:  map[models.AutomationType]float64{models.AutomationBot: 0.9},
		SampleSize:        120,
		Confidence:        0.9,
		Status:            "established",
	}
}

func testWindow(events []models.ActivityEvent) Window {
	return Window{
		Automation: models.DiscoveredAutomation{
			ID:             "auto-1",
			OrganizationID: "org-1",
			Type:           models.AutomationBot,
			Name:           "deploy-bot",
			Permissions:    []string{"chat:write"},
			IsActive:       true,
		},
		Events: events,
		Now:    testNow,
	}
}

func burstEvents(n int, start time.Time, gap time.Duration) []models.ActivityEvent {
	events := make([]models.ActivityEvent, n)
	for i := range events {
		events[i] = models.ActivityEvent{
			AutomationID: "auto-1",
			Operation:    "message.post",
			TargetClass:  "channel",
			Records:      1,
			Timestamp:    start.Add(time.Duration(i) * gap),
		}
	}
	return events
}

func TestVelocitySpikeScenario(t *testing.T) {
	// 200 events in 60 seconds against mean=10/hr sigma=2/hr.
	w := testWindow(burstEvents(200, testNow.Add(-time.Minute), 300*time.Millisecond))
	p := Params{Baseline: establishedBaseline()}

	d := &velocityDetector{zScore: 3.0}
	patterns := d.Detect(w, p)
	require.Len(t, patterns, 1)

	pat := patterns[0]
	assert.Equal(t, models.PatternVelocity, pat.Type)
	assert.Equal(t, models.SeverityCritical, pat.Severity)

	var evidence map[string]any
	require.NoError(t, json.Unmarshal(pat.Evidence, &evidence))
	assert.Equal(t, "200/hr", evidence["eventRate"])
	assert.InDelta(t, 95, evidence["zScore"].(float64), 0.5)

	risk := ScoreRisk(w, patterns, models.DefaultRiskThresholds)
	assert.GreaterOrEqual(t, risk.Score, 90.0)
	assert.Equal(t, models.SeverityCritical, risk.Level)
}

func TestVelocityQuietAutomationSilent(t *testing.T) {
	w := testWindow(burstEvents(8, testNow.Add(-time.Hour), 7*time.Minute))
	d := &velocityDetector{zScore: 3.0}
	assert.Empty(t, d.Detect(w, Params{Baseline: establishedBaseline()}))
}

func TestBatchDetectsNearIdenticalOperations(t *testing.T) {
	events := burstEvents(30, testNow.Add(-2*time.Minute), 3*time.Second)
	// A second, sparse signature stays under the floor.
	events = append(events, models.ActivityEvent{
		Operation: "file.delete", TargetClass: "drive", Timestamp: testNow.Add(-time.Minute),
	})
	w := testWindow(events)

	d := &batchDetector{minSize: 10, window: 5 * time.Minute}
	patterns := d.Detect(w, Params{})
	require.Len(t, patterns, 1)

	var evidence map[string]any
	require.NoError(t, json.Unmarshal(patterns[0].Evidence, &evidence))
	assert.Equal(t, "message.post", evidence["operation"])
	assert.EqualValues(t, 30, evidence["count"])
	assert.Equal(t, models.SeverityMedium, patterns[0].Severity)
}

func TestOffHoursRequiresBaselineConfidence(t *testing.T) {
	night := time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)
	w := testWindow(burstEvents(20, night, time.Minute))
	d := &offHoursDetector{minConfidence: 0.7}

	// Learning baseline: silent.
	assert.Empty(t, d.Detect(w, Params{Baseline: &models.BehavioralBaseline{Status: "learning", Confidence: 0.3}}))

	patterns := d.Detect(w, Params{Baseline: establishedBaseline()})
	require.Len(t, patterns, 1)
	assert.Equal(t, models.SeverityHigh, patterns[0].Severity)

	var evidence map[string]any
	require.NoError(t, json.Unmarshal(patterns[0].Evidence, &evidence))
	assert.EqualValues(t, 20, evidence["offHoursEvents"])
}

func TestTimingVarianceFlagsMetronomicSchedule(t *testing.T) {
	w := testWindow(burstEvents(30, testNow.Add(-15*time.Minute), 30*time.Second))
	d := &timingVarianceDetector{maxCV: 0.05, minEvents: 20}

	patterns := d.Detect(w, Params{})
	require.Len(t, patterns, 1)
	assert.Equal(t, models.PatternTimingVariance, patterns[0].Type)
	assert.GreaterOrEqual(t, patterns[0].Confidence, 70.0)
}

func TestTimingVarianceIgnoresHumanJitter(t *testing.T) {
	events := make([]models.ActivityEvent, 0, 30)
	ts := testNow.Add(-time.Hour)
	for i := 0; i < 30; i++ {
		// Gaps wander between 10s and 5m.
		ts = ts.Add(time.Duration(10+i*10) * time.Second)
		events = append(events, models.ActivityEvent{Operation: "edit", Timestamp: ts})
	}
	d := &timingVarianceDetector{maxCV: 0.05, minEvents: 20}
	assert.Empty(t, d.Detect(testWindow(events), Params{}))
}

func TestPermissionEscalationMonotonicGrowth(t *testing.T) {
	w := testWindow(nil)
	w.PriorScopes = [][]string{
		{"chat:write"},
		{"chat:write", "users:read"},
	}
	w.Automation.Permissions = []string{"chat:write", "users:read", "admin.users:write"}

	d := &permissionEscalationDetector{}
	patterns := d.Detect(w, Params{})
	require.Len(t, patterns, 1)
	assert.Equal(t, models.SeverityHigh, patterns[0].Severity)

	var evidence map[string]any
	require.NoError(t, json.Unmarshal(patterns[0].Evidence, &evidence))
	assert.EqualValues(t, 1, evidence["sensitiveAdded"])
}

func TestPermissionChurnIsNotEscalation(t *testing.T) {
	w := testWindow(nil)
	w.PriorScopes = [][]string{
		{"chat:write", "files:read"},
		{"chat:write", "users:read"}, // files:read dropped
	}
	w.Automation.Permissions = []string{"chat:write", "users:read", "channels:read"}

	d := &permissionEscalationDetector{}
	assert.Empty(t, d.Detect(w, Params{}))
}

func TestDataVolumeExceedsBaselineFactor(t *testing.T) {
	events := []models.ActivityEvent{
		{Operation: "export", BytesRead: 500 * 1024 * 1024, Records: 100, Timestamp: testNow.Add(-time.Hour)},
	}
	d := &dataVolumeDetector{factor: 3.0}
	patterns := d.Detect(testWindow(events), Params{Baseline: establishedBaseline()})
	require.Len(t, patterns, 1)
	// 500MB against a 10MB daily mean is a 50x ratio.
	assert.Equal(t, models.SeverityCritical, patterns[0].Severity)
}

func TestAIProviderMultiMethodMatch(t *testing.T) {
	w := testWindow(nil)
	w.Automation.Name = "ChatGPT summarizer"
	w.Automation.PlatformMetadata = json.RawMessage(
		`{"webhook_url":"https://api.openai.com/v1/chat","model":"gpt-4o"}`)

	d := &aiProviderDetector{}
	patterns := d.Detect(w, Params{})
	require.Len(t, patterns, 1)

	var evidence map[string]any
	require.NoError(t, json.Unmarshal(patterns[0].Evidence, &evidence))
	assert.Equal(t, "OpenAI", evidence["provider"])
	assert.GreaterOrEqual(t, evidence["methodCount"].(float64), 3.0)
	assert.Equal(t, models.SeverityHigh, patterns[0].Severity)
}

func TestAIProviderNoMatchForMundaneBot(t *testing.T) {
	w := testWindow(nil)
	w.Automation.Name = "Standup reminder"
	w.Automation.PlatformMetadata = json.RawMessage(`{"app_id":"A1","updated":1700000000}`)
	d := &aiProviderDetector{}
	assert.Empty(t, d.Detect(w, Params{}))
}

func TestBehavioralNeutralWhileLearning(t *testing.T) {
	w := testWindow(burstEvents(50, testNow.Add(-time.Hour), time.Minute))
	d := &behavioralDetector{}
	assert.Empty(t, d.Detect(w, Params{Baseline: &models.BehavioralBaseline{Status: "learning"}}))
	assert.Empty(t, d.Detect(w, Params{}))
}

func TestBehavioralFlagsOutlier(t *testing.T) {
	w := testWindow(burstEvents(300, testNow.Add(-30*time.Minute), 5*time.Second))
	w.Automation.Type = models.AutomationScript
	w.Automation.Permissions = []string{"drive.readonly", "mail.send"}

	d := &behavioralDetector{}
	patterns := d.Detect(w, Params{Baseline: establishedBaseline()})
	require.Len(t, patterns, 1)

	var evidence map[string]any
	require.NoError(t, json.Unmarshal(patterns[0].Evidence, &evidence))
	assert.GreaterOrEqual(t, evidence["anomalyScore"].(float64), 0.6)
}

func TestCoordinationDetectsSchedulingCluster(t *testing.T) {
	base := testNow.Add(-2 * time.Hour)
	mkWindow := func(id string, offset time.Duration) Window {
		w := testWindow(nil)
		w.Automation.ID = id
		for i := 0; i < 6; i++ {
			w.Events = append(w.Events, models.ActivityEvent{
				AutomationID: id,
				Operation:    "sync",
				Timestamp:    base.Add(time.Duration(i)*20*time.Minute + offset),
			})
		}
		return w
	}

	windows := []Window{
		mkWindow("auto-1", 0),
		mkWindow("auto-2", time.Minute),
		mkWindow("auto-3", 2*time.Minute),
		// An uncorrelated straggler.
		mkWindow("auto-4", 9*time.Minute),
	}

	patterns := DetectCoordination(windows, 3, testNow)
	require.NotEmpty(t, patterns)

	members := map[string]bool{}
	for _, p := range patterns {
		members[p.AutomationID] = true
		assert.Equal(t, models.PatternCoordination, p.Type)
	}
	assert.True(t, members["auto-1"])
	assert.True(t, members["auto-2"])
	assert.True(t, members["auto-3"])
	assert.False(t, members["auto-4"])
}

func TestCoordinationSilentBelowClusterSize(t *testing.T) {
	w := testWindow(burstEvents(10, testNow.Add(-time.Hour), time.Minute))
	assert.Empty(t, DetectCoordination([]Window{w}, 3, testNow))
}

func TestOrderPatternsSeverityThenConfidence(t *testing.T) {
	patterns := []models.DetectionPattern{
		{Type: models.PatternBatchOperation, Severity: models.SeverityMedium, Confidence: 90},
		{Type: models.PatternVelocity, Severity: models.SeverityCritical, Confidence: 70},
		{Type: models.PatternOffHours, Severity: models.SeverityMedium, Confidence: 95},
	}
	ordered := OrderPatterns(patterns)
	assert.Equal(t, models.PatternVelocity, ordered[0].Type)
	assert.Equal(t, models.PatternOffHours, ordered[1].Type)
	assert.Equal(t, models.PatternBatchOperation, ordered[2].Type)
	// Input untouched.
	assert.Equal(t, models.PatternBatchOperation, patterns[0].Type)
}

type panickyDetector struct{}

func (panickyDetector) Type() models.PatternType { return models.PatternType("panic") }
func (panickyDetector) Detect(Window, Params) []models.DetectionPattern {
	panic("boom")
}

func TestDetectorFailureIsIsolated(t *testing.T) {
	var failed models.PatternType
	patterns := runIsolated(panickyDetector{}, testWindow(nil), Params{}, func(pt models.PatternType, err error) {
		failed = pt
		assert.Error(t, err)
	})
	assert.Empty(t, patterns)
	assert.Equal(t, models.PatternType("panic"), failed)
}

func TestSetRunsInDeclarationOrder(t *testing.T) {
	set := NewSet(Config{})
	types := make([]models.PatternType, 0, len(set.Detectors()))
	for _, d := range set.Detectors() {
		types = append(types, d.Type())
	}
	assert.Equal(t, []models.PatternType{
		models.PatternVelocity,
		models.PatternBatchOperation,
		models.PatternOffHours,
		models.PatternTimingVariance,
		models.PatternPermissionGrowth,
		models.PatternDataVolume,
		models.PatternAIProvider,
		models.PatternMLBehavioral,
	}, types)
}
