// Package errors defines the platform error taxonomy. Every error that
// crosses a service boundary is classified with a stable Kind so the API
// layer, the discovery engine, and the connection manager can decide between
// retry, skip, and abort without string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error values for errors.Is checks across packages.
var (
	ErrNotFound       = errors.New("not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrConflict       = errors.New("conflict")
	ErrInvalidInput   = errors.New("invalid input")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnavailable    = errors.New("upstream unavailable")
	ErrInvalidGrant   = errors.New("invalid grant")
	ErrKeyUnavailable = errors.New("key unavailable")
	ErrDecryption     = errors.New("decryption failure")
	ErrInternal       = errors.New("internal error")
)

// Kind is the stable classification tag exposed in API error envelopes.
type Kind string

const (
	KindAuthRequired        Kind = "AuthRequired"
	KindTokenInvalid        Kind = "TokenInvalid"
	KindOrgMismatch         Kind = "OrgMismatch"
	KindPermissionDenied    Kind = "PermissionDenied"
	KindNotFound            Kind = "NotFound"
	KindValidationFailed    Kind = "ValidationFailed"
	KindConflict            Kind = "Conflict"
	KindRateLimited         Kind = "RateLimited"
	KindUpstreamRateLimited Kind = "UpstreamRateLimited"
	KindUpstreamUnavailable Kind = "UpstreamUnavailable"
	KindInvalidGrant        Kind = "InvalidGrant"
	KindKeyUnavailable      Kind = "KeyUnavailable"
	KindDecryptionFailure   Kind = "DecryptionFailure"
	KindInternal            Kind = "Internal"
)

// Error is the structured error carried between components.
type Error struct {
	Kind       Kind
	Op         string // operation that failed, e.g. "engine.run", "vault.get"
	Platform   string // platform name when a connector is involved
	Resource   string // resource identifier when applicable
	Err        error  // underlying cause
	StatusCode int    // upstream HTTP status if applicable
	RetryAfter time.Duration
	Timestamp  time.Time
}

func (e *Error) Error() string {
	switch {
	case e.Platform != "" && e.Resource != "":
		return fmt.Sprintf("%s failed on %s/%s: %v", e.Op, e.Platform, e.Resource, e.Err)
	case e.Platform != "":
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Platform, e.Err)
	default:
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is maps base sentinels onto kinds so callers can use errors.Is with either.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrUnauthorized:
		return e.Kind == KindAuthRequired || e.Kind == KindTokenInvalid
	case ErrForbidden:
		return e.Kind == KindPermissionDenied || e.Kind == KindOrgMismatch
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrInvalidInput:
		return e.Kind == KindValidationFailed
	case ErrRateLimited:
		return e.Kind == KindRateLimited || e.Kind == KindUpstreamRateLimited
	case ErrUnavailable:
		return e.Kind == KindUpstreamUnavailable
	case ErrInvalidGrant:
		return e.Kind == KindInvalidGrant
	case ErrKeyUnavailable:
		return e.Kind == KindKeyUnavailable
	case ErrDecryption:
		return e.Kind == KindDecryptionFailure
	}
	return errors.Is(e.Err, target)
}

// New creates a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Timestamp: time.Now()}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Errorf(format, args...))
}

// WithPlatform attaches the platform name.
func (e *Error) WithPlatform(platform string) *Error {
	e.Platform = platform
	return e
}

// WithResource attaches the failing resource identifier.
func (e *Error) WithResource(resource string) *Error {
	e.Resource = resource
	return e
}

// WithStatusCode attaches the upstream HTTP status.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// WithRetryAfter attaches an upstream retry-after hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// KindOf extracts the Kind from any error, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether the operation that produced err is worth
// retrying with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstreamRateLimited, KindUpstreamUnavailable:
		return true
	case KindInternal:
		var e *Error
		if errors.As(err, &e) && e.StatusCode >= 400 && e.StatusCode < 500 &&
			e.StatusCode != http.StatusTooManyRequests && e.StatusCode != http.StatusRequestTimeout {
			return false
		}
		return true
	default:
		return false
	}
}

// HTTPStatus maps a Kind to the response status used by the API surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthRequired, KindTokenInvalid, KindInvalidGrant:
		return http.StatusUnauthorized
	case KindOrgMismatch, KindPermissionDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidationFailed:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited, KindUpstreamRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
