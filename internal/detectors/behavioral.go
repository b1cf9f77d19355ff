package detectors

import (
	"math"

	"github.com/skylight-sec/skylight/internal/models"
)

// behavioralDetector expresses overall deviation from the organization
// baseline as a normalized anomaly score in [0,1]. Without an established
// baseline it degrades to a neutral score and stays silent.
type behavioralDetector struct{}

func (d *behavioralDetector) Type() models.PatternType { return models.PatternMLBehavioral }

func (d *behavioralDetector) Detect(w Window, p Params) []models.DetectionPattern {
	b := p.Baseline
	if !b.Established() {
		return nil
	}

	components := map[string]float64{}

	// Velocity deviation, squashed through a sigmoid around the baseline.
	if len(w.Events) >= 2 {
		span := w.Events[len(w.Events)-1].Timestamp.Sub(w.Events[0].Timestamp)
		if span.Hours() > 0 {
			rate := float64(len(w.Events)) / span.Hours()
			stddev := b.VelocityStdDev
			if stddev <= 0 {
				stddev = 1
			}
			z := math.Abs(rate-b.VelocityMean) / stddev
			components["velocity"] = sigmoid(z - 2)
		}
	}

	// Scope rarity: how unusual this automation's permissions are for the
	// organization.
	if len(w.Automation.Permissions) > 0 && len(b.CommonScopes) > 0 {
		rare := 0
		for _, s := range w.Automation.Permissions {
			if b.CommonScopes[s] < 0.05 {
				rare++
			}
		}
		components["scopeRarity"] = float64(rare) / float64(len(w.Automation.Permissions))
	}

	// Type rarity within the learned distribution.
	if freq, ok := b.TypeDistribution[w.Automation.Type]; ok {
		components["typeRarity"] = 1 - freq
	} else if len(b.TypeDistribution) > 0 {
		components["typeRarity"] = 1
	}

	if len(components) == 0 {
		return nil
	}
	var sum float64
	for _, v := range components {
		sum += v
	}
	anomaly := sum / float64(len(components))
	threshold := 0.6 * p.multiplier()
	if anomaly < threshold {
		return nil
	}

	severity := models.SeverityMedium
	if anomaly >= 0.85 {
		severity = models.SeverityHigh
	}
	confidence := clamp(anomaly*100*b.Confidence, 40, 95)

	return []models.DetectionPattern{pattern(w, d.Type(), severity, confidence, map[string]any{
		"anomalyScore": math.Round(anomaly*1000) / 1000,
		"components":   components,
		"sampleSize":   b.SampleSize,
	})}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
