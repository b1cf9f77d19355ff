// Package validator asks an external language-model endpoint for a
// qualitative verdict on an automation. It is optional at runtime: when
// disabled or over budget, callers get (nil, nil) and the deterministic
// detectors stand alone.
package validator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	apperr "github.com/skylight-sec/skylight/internal/errors"
	"github.com/skylight-sec/skylight/internal/models"
)

// Descriptor is the compact automation summary sent to the endpoint. Raw
// events and metadata never leave the process.
type Descriptor struct {
	Platform     models.Platform       `json:"platform"`
	Type         models.AutomationType `json:"type"`
	Name         string                `json:"name"`
	VendorName   string                `json:"vendorName,omitempty"`
	Scopes       []string              `json:"scopes,omitempty"`
	EventCount   int                   `json:"eventCount"`
	PatternTypes []models.PatternType  `json:"patternTypes,omitempty"`
}

// hash identifies a descriptor for caching. Scopes and pattern types are
// sorted first so equivalent descriptors share a cache entry.
func (d Descriptor) hash() string {
	sort.Strings(d.Scopes)
	sort.Slice(d.PatternTypes, func(i, j int) bool { return d.PatternTypes[i] < d.PatternTypes[j] })
	raw, _ := json.Marshal(d)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Verdict is the endpoint's structured answer.
type Verdict struct {
	Classification string  `json:"classification"` // benign, suspicious, malicious
	Confidence     float64 `json:"confidence"`     // 0-1
	Rationale      string  `json:"rationale"`
	CostUSD        float64 `json:"costUsd"`
}

// Config wires the validator from process configuration.
type Config struct {
	Enabled        bool
	Endpoint       string
	APIKey         string
	MaxConcurrency int
	Timeout        time.Duration

	// HTTPClient overrides the transport in tests.
	HTTPClient *http.Client
}

// Validator is safe for concurrent use. The verdict cache is process-wide;
// the cost meter is per run.
type Validator struct {
	enabled  bool
	endpoint string
	apiKey   string
	timeout  time.Duration
	client   *http.Client
	sem      *semaphore.Weighted

	mu    sync.Mutex
	cache map[string]Verdict
}

func New(cfg Config) *Validator {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Validator{
		enabled:  cfg.Enabled && cfg.Endpoint != "",
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		timeout:  cfg.Timeout,
		client:   client,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		cache:    map[string]Verdict{},
	}
}

func (v *Validator) Enabled() bool { return v.enabled }

// Validate returns a verdict for the descriptor, or (nil, nil) when the
// validator is disabled or the run budget is exhausted. Cached verdicts
// cost nothing and bypass the concurrency cap.
func (v *Validator) Validate(ctx context.Context, meter *CostMeter, d Descriptor) (*Verdict, error) {
	if !v.enabled {
		return nil, nil
	}

	key := d.hash()
	v.mu.Lock()
	cached, hit := v.cache[key]
	v.mu.Unlock()
	if hit {
		return &cached, nil
	}

	if meter != nil && meter.Exhausted() {
		return nil, nil
	}

	if err := v.sem.Acquire(ctx, 1); err != nil {
		return nil, apperr.New(apperr.KindUpstreamUnavailable, "validator.Validate", err)
	}
	defer v.sem.Release(1)

	verdict, err := v.call(ctx, d)
	if err != nil {
		return nil, err
	}

	if meter != nil {
		meter.Record(verdict.CostUSD)
	}
	v.mu.Lock()
	v.cache[key] = *verdict
	v.mu.Unlock()
	return verdict, nil
}

func (v *Validator) call(ctx context.Context, d Descriptor) (*Verdict, error) {
	const op = "validator.call"

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	body, err := json.Marshal(d)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if v.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+v.apiKey)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, apperr.Newf(apperr.KindUpstreamUnavailable, op, "verdict not returned within %s", v.timeout)
		}
		return nil, apperr.New(apperr.KindUpstreamUnavailable, op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperr.Newf(apperr.KindUpstreamRateLimited, op, "validator endpoint throttled").WithStatusCode(resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, apperr.Newf(apperr.KindUpstreamUnavailable, op, "validator endpoint returned %d", resp.StatusCode).WithStatusCode(resp.StatusCode)
	default:
		return nil, apperr.Newf(apperr.KindInternal, op, "validator endpoint returned %d", resp.StatusCode).WithStatusCode(resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, apperr.New(apperr.KindUpstreamUnavailable, op, err)
	}
	var verdict Verdict
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return nil, apperr.New(apperr.KindInternal, op, err)
	}
	if verdict.Classification == "" {
		return nil, apperr.Newf(apperr.KindInternal, op, "verdict missing classification")
	}
	if verdict.Confidence < 0 {
		verdict.Confidence = 0
	}
	if verdict.Confidence > 1 {
		verdict.Confidence = 1
	}
	return &verdict, nil
}

// Pattern converts a verdict into a detection pattern for persistence.
func Pattern(orgID, automationID string, verdict Verdict, now time.Time) models.DetectionPattern {
	severity := models.SeverityLow
	switch verdict.Classification {
	case "malicious":
		severity = models.SeverityCritical
	case "suspicious":
		severity = models.SeverityMedium
	}
	evidence, _ := json.Marshal(map[string]any{
		"classification": verdict.Classification,
		"rationale":      verdict.Rationale,
	})
	return models.DetectionPattern{
		AutomationID:   automationID,
		OrganizationID: orgID,
		Type:           models.PatternQualitative,
		Severity:       severity,
		Confidence:     verdict.Confidence * 100,
		Evidence:       evidence,
		DetectedAt:     now,
	}
}

// CostMeter tracks validator spend for one discovery run.
type CostMeter struct {
	mu     sync.Mutex
	budget float64
	spent  float64
}

// NewCostMeter creates a meter with a USD budget. A non-positive budget
// means unlimited.
func NewCostMeter(budgetUSD float64) *CostMeter {
	return &CostMeter{budget: budgetUSD}
}

// Exhausted reports whether recorded spend has reached the budget.
func (m *CostMeter) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budget > 0 && m.spent >= m.budget
}

// Record adds the actual cost of a completed call.
func (m *CostMeter) Record(costUSD float64) {
	if costUSD <= 0 {
		return
	}
	m.mu.Lock()
	m.spent += costUSD
	m.mu.Unlock()
}

// Spent returns the total recorded spend.
func (m *CostMeter) Spent() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spent
}
