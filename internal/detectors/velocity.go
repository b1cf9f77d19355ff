package detectors

import (
	"fmt"
	"math"
	"time"

	"github.com/skylight-sec/skylight/internal/models"
)

// velocityDetector flags automations whose hourly event rate exceeds the
// learned organization baseline by at least the configured z-score. The
// rate is normalized over a one-hour floor so short bursts compare against
// the hourly baseline rather than being extrapolated.
type velocityDetector struct {
	zScore float64
}

func (d *velocityDetector) Type() models.PatternType { return models.PatternVelocity }

func (d *velocityDetector) Detect(w Window, p Params) []models.DetectionPattern {
	if len(w.Events) < 2 {
		return nil
	}

	span := w.Events[len(w.Events)-1].Timestamp.Sub(w.Events[0].Timestamp)
	if span < time.Hour {
		span = time.Hour
	}
	ratePerHour := float64(len(w.Events)) / span.Hours()

	mean, stddev := 10.0, 20.0 // conservative prior while the baseline learns
	if p.Baseline.Established() {
		mean = p.Baseline.VelocityMean
		stddev = p.Baseline.VelocityStdDev
	}
	if stddev <= 0 {
		stddev = 1
	}

	z := (ratePerHour - mean) / stddev
	threshold := d.zScore * p.multiplier()
	if z < threshold {
		return nil
	}

	severity := models.SeverityMedium
	switch {
	case z >= threshold*4:
		severity = models.SeverityCritical
	case z >= threshold*2:
		severity = models.SeverityHigh
	}
	confidence := clamp(50+z*10, 50, 100)

	return []models.DetectionPattern{pattern(w, d.Type(), severity, confidence, map[string]any{
		"eventRate":        fmt.Sprintf("%g/hr", math.Round(ratePerHour*100)/100),
		"eventRatePerHour": math.Round(ratePerHour*100) / 100,
		"baselineMean":     mean,
		"baselineStdDev":   stddev,
		"zScore":           math.Round(z*100) / 100,
		"eventCount":       len(w.Events),
	})}
}
