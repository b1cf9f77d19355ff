package validator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "github.com/skylight-sec/skylight/internal/errors"
	"github.com/skylight-sec/skylight/internal/models"
)

func verdictServer(t *testing.T, calls *atomic.Int64, verdict Verdict) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var d Descriptor
		require.NoError(t, json.NewDecoder(r.Body).Decode(&d))
		assert.NotEmpty(t, d.Name)

		json.NewEncoder(w).Encode(verdict)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testValidator(endpoint string) *Validator {
	return New(Config{
		Enabled:  true,
		Endpoint: endpoint,
		APIKey:   "test-key",
		Timeout:  5 * time.Second,
	})
}

func sampleDescriptor() Descriptor {
	return Descriptor{
		Platform:     models.PlatformSlack,
		Type:         models.AutomationBot,
		Name:         "Data Export Bot",
		Scopes:       []string{"files:read", "admin"},
		EventCount:   420,
		PatternTypes: []models.PatternType{models.PatternVelocity},
	}
}

func TestValidateReturnsVerdict(t *testing.T) {
	var calls atomic.Int64
	srv := verdictServer(t, &calls, Verdict{
		Classification: "suspicious",
		Confidence:     0.8,
		Rationale:      "broad scopes with bulk export cadence",
		CostUSD:        0.02,
	})

	v := testValidator(srv.URL)
	meter := NewCostMeter(0.50)

	verdict, err := v.Validate(context.Background(), meter, sampleDescriptor())
	require.NoError(t, err)
	require.NotNil(t, verdict)
	assert.Equal(t, "suspicious", verdict.Classification)
	assert.InDelta(t, 0.02, meter.Spent(), 1e-9)
}

func TestValidateCachesByDescriptorHash(t *testing.T) {
	var calls atomic.Int64
	srv := verdictServer(t, &calls, Verdict{Classification: "benign", Confidence: 0.9, CostUSD: 0.01})

	v := testValidator(srv.URL)
	meter := NewCostMeter(0.50)

	first, err := v.Validate(context.Background(), meter, sampleDescriptor())
	require.NoError(t, err)

	// Same descriptor with scopes in a different order hits the cache.
	d := sampleDescriptor()
	d.Scopes = []string{"admin", "files:read"}
	second, err := v.Validate(context.Background(), meter, d)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), calls.Load())
	assert.InDelta(t, 0.01, meter.Spent(), 1e-9)
}

func TestValidateStopsAtBudget(t *testing.T) {
	var calls atomic.Int64
	srv := verdictServer(t, &calls, Verdict{Classification: "benign", Confidence: 0.5, CostUSD: 0.30})

	v := testValidator(srv.URL)
	meter := NewCostMeter(0.50)

	d1 := sampleDescriptor()
	_, err := v.Validate(context.Background(), meter, d1)
	require.NoError(t, err)

	d2 := sampleDescriptor()
	d2.Name = "Second Bot"
	_, err = v.Validate(context.Background(), meter, d2)
	require.NoError(t, err)

	// 0.60 spent of a 0.50 budget: the third distinct descriptor is skipped.
	d3 := sampleDescriptor()
	d3.Name = "Third Bot"
	verdict, err := v.Validate(context.Background(), meter, d3)
	require.NoError(t, err)
	assert.Nil(t, verdict)
	assert.Equal(t, int64(2), calls.Load())
}

func TestValidateDisabledIsSilent(t *testing.T) {
	v := New(Config{Enabled: false})
	verdict, err := v.Validate(context.Background(), NewCostMeter(1), sampleDescriptor())
	require.NoError(t, err)
	assert.Nil(t, verdict)
}

func TestValidateThrottledEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	v := testValidator(srv.URL)
	_, err := v.Validate(context.Background(), nil, sampleDescriptor())
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstreamRateLimited, apperr.KindOf(err))
	assert.True(t, apperr.Retryable(err))
}

func TestValidateDeadlineIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	v := New(Config{Enabled: true, Endpoint: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := v.Validate(context.Background(), nil, sampleDescriptor())
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstreamUnavailable, apperr.KindOf(err))
	assert.True(t, apperr.Retryable(err))
}

func TestValidateRejectsMalformedVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"confidence": 0.4}`))
	}))
	t.Cleanup(srv.Close)

	v := testValidator(srv.URL)
	_, err := v.Validate(context.Background(), nil, sampleDescriptor())
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
}

func TestPatternSeverityMapping(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	p := Pattern("org-1", "auto-1", Verdict{Classification: "malicious", Confidence: 0.9}, now)
	assert.Equal(t, models.PatternQualitative, p.Type)
	assert.Equal(t, models.SeverityCritical, p.Severity)
	assert.InDelta(t, 90, p.Confidence, 0.001)

	p = Pattern("org-1", "auto-1", Verdict{Classification: "benign", Confidence: 0.6}, now)
	assert.Equal(t, models.SeverityLow, p.Severity)
}
