package detectors

import (
	"math"

	"github.com/skylight-sec/skylight/internal/models"
)

// dataVolumeDetector flags automations whose bytes-read or records-touched
// exceed the learned daily baseline by the configured factor.
type dataVolumeDetector struct {
	factor float64
}

func (d *dataVolumeDetector) Type() models.PatternType { return models.PatternDataVolume }

func (d *dataVolumeDetector) Detect(w Window, p Params) []models.DetectionPattern {
	if len(w.Events) == 0 {
		return nil
	}

	var bytes, records int64
	for _, e := range w.Events {
		bytes += e.BytesRead
		records += e.Records
	}
	if bytes == 0 && records == 0 {
		return nil
	}

	meanBytes, meanRecords := 50*1024*1024.0, 5000.0 // priors while learning
	if p.Baseline.Established() {
		if p.Baseline.MeanDailyBytes > 0 {
			meanBytes = p.Baseline.MeanDailyBytes
		}
		if p.Baseline.MeanDailyRecords > 0 {
			meanRecords = p.Baseline.MeanDailyRecords
		}
	}

	factor := d.factor * p.multiplier()
	bytesRatio := float64(bytes) / meanBytes
	recordsRatio := float64(records) / meanRecords
	worst := math.Max(bytesRatio, recordsRatio)
	if worst < factor {
		return nil
	}

	severity := models.SeverityMedium
	switch {
	case worst >= factor*10:
		severity = models.SeverityCritical
	case worst >= factor*3:
		severity = models.SeverityHigh
	}
	confidence := clamp(50+worst*5, 50, 95)

	return []models.DetectionPattern{pattern(w, d.Type(), severity, confidence, map[string]any{
		"bytesRead":      bytes,
		"recordsTouched": records,
		"bytesRatio":     math.Round(bytesRatio*100) / 100,
		"recordsRatio":   math.Round(recordsRatio*100) / 100,
		"factor":         factor,
	})}
}
