// Package baseline learns per-organization behavioral profiles and tunes
// detector thresholds from analyst feedback.
package baseline

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skylight-sec/skylight/internal/models"
	"github.com/skylight-sec/skylight/internal/store"
)

const (
	// Threshold multipliers are clamped so feedback can never silence a
	// detector entirely or make it hair-triggered.
	thresholdFloor = 0.5
	thresholdCeil  = 2.0

	// Per-feedback adjustment step before the adaptation rate applies.
	adjustStep = 0.15

	updateInterval = 24 * time.Hour
)

// Thresholds holds the per-organization detector multipliers. 1.0 means
// the configured default; higher is less sensitive.
type Thresholds struct {
	Multipliers map[models.PatternType]float64 `json:"multipliers"`
}

// Multiplier returns the tuned multiplier for a detector, defaulting to 1.
func (t Thresholds) Multiplier(pt models.PatternType) float64 {
	if m, ok := t.Multipliers[pt]; ok && m > 0 {
		return m
	}
	return 1
}

// Module builds baselines and adjusts thresholds. All state is persisted;
// the module itself is stateless between calls.
type Module struct {
	store          *store.Store
	minSampleSize  int
	adaptationRate float64
}

// Config for the baseline module. Zero values use the shipped defaults.
type Config struct {
	MinSampleSize  int
	AdaptationRate float64
}

// New creates the baseline module.
func New(st *store.Store, cfg Config) *Module {
	if cfg.MinSampleSize <= 0 {
		cfg.MinSampleSize = 50
	}
	if cfg.AdaptationRate <= 0 || cfg.AdaptationRate > 1 {
		cfg.AdaptationRate = 0.2
	}
	return &Module{store: st, minSampleSize: cfg.MinSampleSize, adaptationRate: cfg.AdaptationRate}
}

// Current loads the stored baseline for an organization. Returns nil when
// none has been learned yet.
func (m *Module) Current(ctx context.Context, orgID string) (*models.BehavioralBaseline, error) {
	var b models.BehavioralBaseline
	ok, err := m.store.LoadBaseline(ctx, orgID, &b)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &b, nil
}

// Update recomputes the organization profile from the given sample and
// folds it into the stored baseline with an exponential moving average.
// Below minSampleSize the baseline stays in (or falls back to) learning
// status. Confidence never decreases while the sample keeps growing.
func (m *Module) Update(ctx context.Context, orgID string, automations []models.DiscoveredAutomation, events map[string][]models.ActivityEvent) (*models.BehavioralBaseline, error) {
	observed := m.observe(orgID, automations, events)

	prev, err := m.Current(ctx, orgID)
	if err != nil {
		return nil, err
	}

	next := observed
	if prev != nil {
		next = m.blend(*prev, observed)
		if observed.SampleSize >= prev.SampleSize && observed.Confidence < prev.Confidence {
			next.Confidence = prev.Confidence
		}
	}

	now := time.Now().UTC()
	next.LastUpdated = now
	next.NextUpdateDue = now.Add(updateInterval)
	if next.SampleSize >= m.minSampleSize {
		next.Status = "established"
	} else {
		next.Status = "learning"
	}

	if err := m.store.SaveBaseline(ctx, orgID, next, next.SampleSize, next.Confidence,
		next.Status, next.LastUpdated, next.NextUpdateDue); err != nil {
		return nil, err
	}
	log.Debug().Str("org", orgID).Int("samples", next.SampleSize).
		Str("status", next.Status).Msg("Baseline updated")
	return &next, nil
}

// observe derives a fresh profile from one sample of automations.
func (m *Module) observe(orgID string, automations []models.DiscoveredAutomation, events map[string][]models.ActivityEvent) models.BehavioralBaseline {
	b := models.BehavioralBaseline{
		OrganizationID:   orgID,
		CommonScopes:     map[string]float64{},
		TypeDistribution: map[models.AutomationType]float64{},
		SampleSize:       len(automations),
	}
	if len(automations) == 0 {
		return b
	}

	var rates []float64
	hourHist := make([]int, 24)
	var totalBytes, totalRecords float64
	activeDays := map[string]struct{}{}

	for _, a := range automations {
		b.TypeDistribution[a.Type] += 1.0 / float64(len(automations))
		for _, scope := range a.Permissions {
			b.CommonScopes[scope] += 1.0 / float64(len(automations))
		}

		evs := events[a.ID]
		if len(evs) >= 2 {
			span := evs[len(evs)-1].Timestamp.Sub(evs[0].Timestamp)
			if span < time.Hour {
				span = time.Hour
			}
			rates = append(rates, float64(len(evs))/span.Hours())
		}
		for _, e := range evs {
			hourHist[e.Timestamp.UTC().Hour()]++
			totalBytes += float64(e.BytesRead)
			totalRecords += float64(e.Records)
			activeDays[e.Timestamp.UTC().Format("2006-01-02")] = struct{}{}
		}
	}

	b.VelocityMean, b.VelocityStdDev = meanStdDev(rates)
	b.BusinessStartHour, b.BusinessEndHour = businessWindow(hourHist)
	if days := len(activeDays); days > 0 {
		b.MeanDailyBytes = totalBytes / float64(days)
		b.MeanDailyRecords = totalRecords / float64(days)
	}

	// Confidence grows with sample size and saturates at 0.95.
	b.Confidence = math.Min(0.95, float64(b.SampleSize)/float64(m.minSampleSize*2))
	return b
}

// blend folds the observed profile into the previous one with EMA so a
// drifting environment is tracked without oscillation.
func (m *Module) blend(prev, obs models.BehavioralBaseline) models.BehavioralBaseline {
	a := m.adaptationRate
	ema := func(old, new float64) float64 { return old*(1-a) + new*a }

	next := obs
	next.VelocityMean = ema(prev.VelocityMean, obs.VelocityMean)
	next.VelocityStdDev = ema(prev.VelocityStdDev, obs.VelocityStdDev)
	next.MeanDailyBytes = ema(prev.MeanDailyBytes, obs.MeanDailyBytes)
	next.MeanDailyRecords = ema(prev.MeanDailyRecords, obs.MeanDailyRecords)
	next.Confidence = ema(prev.Confidence, obs.Confidence)

	next.CommonScopes = blendMap(prev.CommonScopes, obs.CommonScopes, a)
	next.TypeDistribution = blendTypeMap(prev.TypeDistribution, obs.TypeDistribution, a)

	// The business window shifts in whole hours, one step at a time.
	next.BusinessStartHour = stepToward(prev.BusinessStartHour, obs.BusinessStartHour)
	next.BusinessEndHour = stepToward(prev.BusinessEndHour, obs.BusinessEndHour)
	return next
}

// Thresholds loads the organization's tuned multipliers.
func (m *Module) Thresholds(ctx context.Context, orgID string) (Thresholds, error) {
	t := Thresholds{Multipliers: map[models.PatternType]float64{}}
	if _, err := m.store.LoadThresholds(ctx, orgID, &t); err != nil {
		return Thresholds{}, err
	}
	if t.Multipliers == nil {
		t.Multipliers = map[models.PatternType]float64{}
	}
	return t, nil
}

// AdjustThresholds applies one piece of analyst feedback: false positives
// raise the offending detector's threshold, confirmed detections lower it.
// Changes are scaled by the adaptation rate and clamped to bounded limits.
func (m *Module) AdjustThresholds(ctx context.Context, orgID string, fb models.AutomationFeedback) (Thresholds, error) {
	if fb.PatternType == "" {
		return m.Thresholds(ctx, orgID)
	}

	t, err := m.Thresholds(ctx, orgID)
	if err != nil {
		return Thresholds{}, err
	}

	current := t.Multiplier(fb.PatternType)
	delta := adjustStep * m.adaptationRate / 0.2 // step scales with adaptation rate
	switch fb.Type {
	case models.FeedbackFalsePositive:
		current += delta
	case models.FeedbackTruePositive, models.FeedbackFalseNegative:
		current -= delta
	default:
		return t, nil
	}

	if current < thresholdFloor {
		current = thresholdFloor
	}
	if current > thresholdCeil {
		current = thresholdCeil
	}
	t.Multipliers[fb.PatternType] = current

	if err := m.store.SaveThresholds(ctx, orgID, t); err != nil {
		return Thresholds{}, err
	}
	log.Debug().Str("org", orgID).Str("pattern", string(fb.PatternType)).
		Float64("multiplier", current).Msg("Detector threshold adjusted")
	return t, nil
}

func meanStdDev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var sumSq float64
	for _, v := range values {
		sumSq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sumSq / float64(len(values)))
}

// businessWindow finds the densest contiguous span covering at least 80%
// of observed activity, defaulting to 9-17 with no signal.
func businessWindow(hourHist []int) (start, end int) {
	total := 0
	for _, n := range hourHist {
		total += n
	}
	if total == 0 {
		return 9, 17
	}

	target := int(math.Ceil(float64(total) * 0.8))
	bestStart, bestLen := 0, 25
	for s := 0; s < 24; s++ {
		sum := 0
		for l := 1; l <= 24; l++ {
			sum += hourHist[(s+l-1)%24]
			if sum >= target {
				if l < bestLen {
					bestStart, bestLen = s, l
				}
				break
			}
		}
	}
	return bestStart, (bestStart + bestLen) % 24
}

func blendMap(prev, obs map[string]float64, a float64) map[string]float64 {
	out := map[string]float64{}
	keys := map[string]struct{}{}
	for k := range prev {
		keys[k] = struct{}{}
	}
	for k := range obs {
		keys[k] = struct{}{}
	}
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)
	for _, k := range ordered {
		v := prev[k]*(1-a) + obs[k]*a
		if v > 0.005 {
			out[k] = v
		}
	}
	return out
}

func blendTypeMap(prev, obs map[models.AutomationType]float64, a float64) map[models.AutomationType]float64 {
	out := map[models.AutomationType]float64{}
	for k, v := range prev {
		out[k] = v * (1 - a)
	}
	for k, v := range obs {
		out[k] += v * a
	}
	for k, v := range out {
		if v <= 0.005 {
			delete(out, k)
		}
	}
	return out
}

func stepToward(from, to int) int {
	if from == to {
		return from
	}
	// Shortest direction around the 24-hour ring.
	diff := (to - from + 24) % 24
	if diff <= 12 {
		return (from + 1) % 24
	}
	return (from + 23) % 24
}
