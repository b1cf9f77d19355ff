package detectors

import (
	"math"

	"github.com/skylight-sec/skylight/internal/models"
)

// timingVarianceDetector flags machine-regular schedules: a coefficient of
// variation of inter-arrival times at or below the throttled-bot threshold
// over a minimum event count. Humans do not click every 30.00 seconds.
type timingVarianceDetector struct {
	maxCV     float64
	minEvents int
}

func (d *timingVarianceDetector) Type() models.PatternType { return models.PatternTimingVariance }

func (d *timingVarianceDetector) Detect(w Window, p Params) []models.DetectionPattern {
	if len(w.Events) < d.minEvents {
		return nil
	}

	intervals := make([]float64, 0, len(w.Events)-1)
	for i := 1; i < len(w.Events); i++ {
		gap := w.Events[i].Timestamp.Sub(w.Events[i-1].Timestamp).Seconds()
		if gap > 0 {
			intervals = append(intervals, gap)
		}
	}
	if len(intervals) < d.minEvents-1 {
		return nil
	}

	mean, stddev := meanStdDev(intervals)
	if mean <= 0 {
		return nil
	}
	cv := stddev / mean
	maxCV := d.maxCV * p.multiplier()
	if cv > maxCV {
		return nil
	}

	// Lower variation means higher confidence in automation.
	confidence := clamp(70+(maxCV-cv)/maxCV*30, 70, 100)
	return []models.DetectionPattern{pattern(w, d.Type(), models.SeverityMedium, confidence, map[string]any{
		"coefficientOfVariation": math.Round(cv*10000) / 10000,
		"meanIntervalSeconds":    math.Round(mean*100) / 100,
		"intervalCount":          len(intervals),
	})}
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
