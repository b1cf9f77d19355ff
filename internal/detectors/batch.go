package detectors

import (
	"sort"
	"time"

	"github.com/skylight-sec/skylight/internal/models"
)

// batchDetector flags runs of near-identical operations inside a short
// window. Similarity is the (operation, target class) signature.
type batchDetector struct {
	minSize int
	window  time.Duration
}

func (d *batchDetector) Type() models.PatternType { return models.PatternBatchOperation }

func (d *batchDetector) Detect(w Window, p Params) []models.DetectionPattern {
	minSize := int(float64(d.minSize) * p.multiplier())
	if minSize < 2 {
		minSize = 2
	}
	if len(w.Events) < minSize {
		return nil
	}

	// Events arrive sorted; slide a window per signature.
	type sig struct{ op, target string }
	best := map[sig]int{}
	starts := map[sig]int{}
	bySig := map[sig][]time.Time{}
	for _, e := range w.Events {
		s := sig{op: e.Operation, target: e.TargetClass}
		times := append(bySig[s], e.Timestamp)
		bySig[s] = times

		start := starts[s]
		for times[start].Before(e.Timestamp.Add(-d.window)) {
			start++
		}
		starts[s] = start
		if n := len(times) - start; n > best[s] {
			best[s] = n
		}
	}

	// Deterministic output order regardless of map iteration.
	sigs := make([]sig, 0, len(best))
	for s := range best {
		sigs = append(sigs, s)
	}
	sort.Slice(sigs, func(i, j int) bool {
		if sigs[i].op != sigs[j].op {
			return sigs[i].op < sigs[j].op
		}
		return sigs[i].target < sigs[j].target
	})

	var out []models.DetectionPattern
	for _, s := range sigs {
		n := best[s]
		if n < minSize {
			continue
		}
		severity := models.SeverityLow
		switch {
		case n >= minSize*10:
			severity = models.SeverityHigh
		case n >= minSize*3:
			severity = models.SeverityMedium
		}
		confidence := clamp(40+float64(n-minSize)*2, 40, 95)
		out = append(out, pattern(w, d.Type(), severity, confidence, map[string]any{
			"operation":     s.op,
			"targetClass":   s.target,
			"count":         n,
			"windowSeconds": int(d.window.Seconds()),
		}))
	}
	return out
}
