package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	apperr "github.com/skylight-sec/skylight/internal/errors"
	"github.com/skylight-sec/skylight/internal/models"
)

const (
	maxAttempts    = 4
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// apiClient is the shared HTTP plumbing for adapters: bearer auth, rate
// limiting, capped exponential backoff on 429/5xx, and taxonomy mapping.
type apiClient struct {
	platform models.Platform
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
}

func newAPIClient(platform models.Platform, baseURL string, limiter *rate.Limiter) *apiClient {
	return &apiClient{
		platform: platform,
		baseURL:  baseURL,
		http:     &http.Client{Timeout: 30 * time.Second},
		limiter:  limiter,
	}
}

// getJSON performs an authenticated GET and decodes the response into dst.
// Transient upstream failures are retried with backoff; terminal failures
// come back classified.
func (c *apiClient) getJSON(ctx context.Context, path, token string, dst any) error {
	backoff := initialBackoff
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		err := c.doOnce(ctx, path, token, dst)
		if err == nil {
			return nil
		}
		lastErr = err

		if !apperr.Retryable(err) {
			return err
		}

		wait := backoff
		var apiErr *apperr.Error
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			wait = apiErr.RetryAfter
		}
		if wait > maxBackoff {
			wait = maxBackoff
		}

		log.Debug().Str("platform", string(c.platform)).Str("path", path).
			Int("attempt", attempt).Dur("wait", wait).Msg("Retrying upstream request")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return lastErr
}

func (c *apiClient) doOnce(ctx context.Context, path, token string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return apperr.New(apperr.KindInternal, "connector.request", err).WithPlatform(string(c.platform))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.New(apperr.KindUpstreamUnavailable, "connector.request", err).
			WithPlatform(string(c.platform))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(dst)
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperr.Newf(apperr.KindUpstreamRateLimited, "connector.request", "platform returned 429").
			WithPlatform(string(c.platform)).
			WithStatusCode(resp.StatusCode).
			WithRetryAfter(parseRetryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return apperr.Newf(apperr.KindInvalidGrant, "connector.request", "platform rejected token").
			WithPlatform(string(c.platform)).WithStatusCode(resp.StatusCode)
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return apperr.Newf(apperr.KindUpstreamUnavailable, "connector.request", "platform returned %d", resp.StatusCode).
			WithPlatform(string(c.platform)).WithStatusCode(resp.StatusCode)
	default:
		io.Copy(io.Discard, resp.Body)
		return apperr.Newf(apperr.KindInternal, "connector.request", "unexpected status %d", resp.StatusCode).
			WithPlatform(string(c.platform)).WithStatusCode(resp.StatusCode)
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

