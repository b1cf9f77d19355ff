package detectors

import (
	"github.com/skylight-sec/skylight/internal/models"
)

// offHoursDetector flags activity outside the organization's learned
// business window. It stays silent until the baseline confidence clears
// the configured floor.
type offHoursDetector struct {
	minConfidence float64
}

func (d *offHoursDetector) Type() models.PatternType { return models.PatternOffHours }

func (d *offHoursDetector) Detect(w Window, p Params) []models.DetectionPattern {
	b := p.Baseline
	if !b.Established() || b.Confidence < d.minConfidence*p.multiplier() {
		return nil
	}
	if len(w.Events) == 0 {
		return nil
	}

	outside := 0
	for _, e := range w.Events {
		hour := e.Timestamp.UTC().Hour()
		if !withinBusinessHours(hour, b.BusinessStartHour, b.BusinessEndHour) {
			outside++
		}
	}
	if outside == 0 {
		return nil
	}

	share := float64(outside) / float64(len(w.Events))
	// A handful of stragglers around the window edges is normal.
	if share < 0.25 || outside < 5 {
		return nil
	}

	severity := models.SeverityLow
	switch {
	case share >= 0.9:
		severity = models.SeverityHigh
	case share >= 0.5:
		severity = models.SeverityMedium
	}
	confidence := clamp(share*100*b.Confidence, 30, 95)

	return []models.DetectionPattern{pattern(w, d.Type(), severity, confidence, map[string]any{
		"offHoursEvents": outside,
		"totalEvents":    len(w.Events),
		"offHoursShare":  share,
		"businessStart":  b.BusinessStartHour,
		"businessEnd":    b.BusinessEndHour,
	})}
}

// withinBusinessHours handles windows that wrap midnight.
func withinBusinessHours(hour, start, end int) bool {
	if start == end {
		return true
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
