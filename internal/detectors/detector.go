// Package detectors holds the detection pass: pure functions over
// normalized event windows producing DetectionPatterns. Detectors never
// mutate their inputs and never touch storage; the discovery engine owns
// windows, persistence, and failure isolation.
package detectors

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/skylight-sec/skylight/internal/models"
)

// Window is the per-automation input to a detector: the automation under
// inspection and its events, sorted by timestamp ascending. Events cover
// the run window plus the detector-specific lookback.
type Window struct {
	Automation  models.DiscoveredAutomation
	Events      []models.ActivityEvent
	PriorScopes [][]string // historical permission sets, oldest first
	Now         time.Time
}

// Params carries the tunable context for one detection pass. Threshold is
// the per-organization multiplier produced by feedback tuning; 1.0 means
// the configured default.
type Params struct {
	Baseline  *models.BehavioralBaseline
	Threshold float64
}

func (p Params) multiplier() float64 {
	if p.Threshold <= 0 {
		return 1
	}
	return p.Threshold
}

// Detector is one pure detection function.
type Detector interface {
	Type() models.PatternType
	Detect(w Window, p Params) []models.DetectionPattern
}

// Config holds the detector defaults. Zero values fall back to the shipped
// defaults in NewSet.
type Config struct {
	VelocityZScore    float64
	BatchMinSize      int
	BatchWindow       time.Duration
	OffHoursMinConf   float64
	TimingMaxCV       float64
	TimingMinEvents   int
	DataVolumeFactor  float64
	CoordinationMinSz int
}

func (c Config) withDefaults() Config {
	if c.VelocityZScore <= 0 {
		c.VelocityZScore = 3.0
	}
	if c.BatchMinSize <= 0 {
		c.BatchMinSize = 10
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = 5 * time.Minute
	}
	if c.OffHoursMinConf <= 0 {
		c.OffHoursMinConf = 0.7
	}
	if c.TimingMaxCV <= 0 {
		c.TimingMaxCV = 0.05
	}
	if c.TimingMinEvents <= 0 {
		c.TimingMinEvents = 20
	}
	if c.DataVolumeFactor <= 0 {
		c.DataVolumeFactor = 3.0
	}
	if c.CoordinationMinSz <= 0 {
		c.CoordinationMinSz = 3
	}
	return c
}

// Set is the ordered detector collection. Detectors run in declaration
// order and their patterns are appended in detection order.
type Set struct {
	cfg       Config
	detectors []Detector
}

// NewSet builds the per-automation detector chain. The cross-actor
// coordination detector operates on all windows at once and is exposed
// separately via DetectCoordination; the qualitative validator runs off
// the pure path because it suspends on an external RPC.
func NewSet(cfg Config) *Set {
	cfg = cfg.withDefaults()
	return &Set{
		cfg: cfg,
		detectors: []Detector{
			&velocityDetector{zScore: cfg.VelocityZScore},
			&batchDetector{minSize: cfg.BatchMinSize, window: cfg.BatchWindow},
			&offHoursDetector{minConfidence: cfg.OffHoursMinConf},
			&timingVarianceDetector{maxCV: cfg.TimingMaxCV, minEvents: cfg.TimingMinEvents},
			&permissionEscalationDetector{},
			&dataVolumeDetector{factor: cfg.DataVolumeFactor},
			&aiProviderDetector{},
			&behavioralDetector{},
		},
	}
}

// Detectors returns the chain in declaration order.
func (s *Set) Detectors() []Detector { return s.detectors }

// Run executes every detector against the window. A panicking detector is
// isolated: its failure is reported through onError and the pass continues.
func (s *Set) Run(w Window, params map[models.PatternType]Params, onError func(models.PatternType, error)) []models.DetectionPattern {
	var out []models.DetectionPattern
	for _, d := range s.detectors {
		patterns := runIsolated(d, w, params[d.Type()], onError)
		out = append(out, patterns...)
	}
	return out
}

func runIsolated(d Detector, w Window, p Params, onError func(models.PatternType, error)) (patterns []models.DetectionPattern) {
	defer func() {
		if r := recover(); r != nil {
			patterns = nil
			if onError != nil {
				onError(d.Type(), panicError(r))
			}
		}
	}()
	return d.Detect(w, p)
}

// OrderPatterns sorts patterns for the risk scorer: severity descending,
// then confidence descending, preserving detection order for exact ties.
func OrderPatterns(patterns []models.DetectionPattern) []models.DetectionPattern {
	out := make([]models.DetectionPattern, len(patterns))
	copy(out, patterns)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Severity.Rank() != out[j].Severity.Rank() {
			return out[i].Severity.Rank() > out[j].Severity.Rank()
		}
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

func pattern(w Window, t models.PatternType, severity models.Severity, confidence float64, evidence any) models.DetectionPattern {
	raw, _ := json.Marshal(evidence)
	return models.DetectionPattern{
		AutomationID:   w.Automation.ID,
		OrganizationID: w.Automation.OrganizationID,
		Type:           t,
		Confidence:     clamp(confidence, 0, 100),
		Severity:       severity,
		Evidence:       raw,
		DetectedAt:     w.Now,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type panicErr struct{ v any }

func (e panicErr) Error() string { return fmt.Sprintf("detector panicked: %v", e.v) }

func panicError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return panicErr{v: v}
}
