// Package connectors contains the per-platform adapters. Each adapter
// translates a platform API into the uniform discovery contract: OAuth
// helpers, token validation, and a finite, non-restartable stream of
// normalized automation records.
package connectors

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	apperr "github.com/skylight-sec/skylight/internal/errors"
	"github.com/skylight-sec/skylight/internal/models"
)

// Capabilities flags what an adapter supports; scheduling skips operations
// a platform cannot serve.
type Capabilities struct {
	DiscoverAutomations bool `json:"discoverAutomations"`
	ListUsers           bool `json:"listUsers"`
	FetchAuditEvents    bool `json:"fetchAuditEvents"`
	ValidateToken       bool `json:"validateToken"`
}

// UserInfo identifies the authorizing platform user after code exchange.
type UserInfo struct {
	PlatformUserID string
	Email          string
	WorkspaceID    string
	WorkspaceName  string
}

// Record is one normalized automation sighting emitted by a discover stream.
type Record struct {
	ExternalID  string
	Type        models.AutomationType
	Name        string
	Permissions []string
	Metadata    []byte // platform-shaped JSON, opaque to core services
	OwnerUserID string
	Activity    []models.ActivityEvent // recent events attached to this actor
	Cursor      string                 // resume cursor valid up to this record
}

// Connector is the uniform adapter contract.
type Connector interface {
	Platform() models.Platform
	Capabilities() Capabilities

	// BuildAuthorizationURL returns the provider consent URL carrying state.
	BuildAuthorizationURL(state string) string
	// ExchangeCode swaps an authorization code for credentials and the
	// authorizing user's identity.
	ExchangeCode(ctx context.Context, code string) (models.Credentials, UserInfo, error)
	// Refresh obtains fresh credentials. When the platform does not reissue
	// a refresh token the previous one is preserved. Idempotent on
	// non-network failure.
	Refresh(ctx context.Context, creds models.Credentials) (models.Credentials, error)
	// Revoke invalidates the grant upstream; returns whether the platform
	// confirmed revocation.
	Revoke(ctx context.Context, creds models.Credentials) (bool, error)
	// ValidateToken performs a minimal authenticated probe.
	ValidateToken(ctx context.Context, creds models.Credentials) error

	// Discover opens the automation stream for a connection. The stream is
	// finite and non-restartable; the caller owns its lifetime and must
	// Close it. A non-empty cursor resumes stable pagination.
	Discover(ctx context.Context, conn models.PlatformConnection, creds models.Credentials, cursor string) (*Stream, error)

	// Limiter exposes the adapter's token bucket; the engine derives its
	// concurrency budget from it.
	Limiter() *rate.Limiter
}

// Stream is a finite, non-restartable lazy sequence of records. The
// producing goroutine blocks when the consumer stops reading, which is how
// engine backpressure propagates to platform reads.
type Stream struct {
	records chan Record
	err     error
	errMu   sync.Mutex
	cancel  context.CancelFunc
	once    sync.Once
}

// newStream starts produce on its own goroutine and returns the consumer
// handle. The channel is intentionally small: adapter reads stay only a few
// records ahead of the consumer.
func newStream(ctx context.Context, produce func(ctx context.Context, out chan<- Record) error) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		records: make(chan Record, 8),
		cancel:  cancel,
	}
	go func() {
		defer close(s.records)
		if err := produce(ctx, s.records); err != nil && ctx.Err() == nil {
			s.errMu.Lock()
			s.err = err
			s.errMu.Unlock()
		}
	}()
	return s
}

// NewStream is the stream constructor for adapters living outside this
// package, with the same contract as newStream.
func NewStream(ctx context.Context, produce func(ctx context.Context, out chan<- Record) error) *Stream {
	return newStream(ctx, produce)
}

// Next returns the next record. ok is false when the stream is exhausted or
// closed; the terminal error, if any, is returned alongside the final false.
func (s *Stream) Next(ctx context.Context) (Record, bool, error) {
	select {
	case <-ctx.Done():
		return Record{}, false, ctx.Err()
	case rec, ok := <-s.records:
		if !ok {
			s.errMu.Lock()
			defer s.errMu.Unlock()
			return Record{}, false, s.err
		}
		return rec, true, nil
	}
}

// Close terminates the producer. Safe to call more than once.
func (s *Stream) Close() {
	s.once.Do(s.cancel)
}

// Registry holds the configured adapter per platform.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.Platform]Connector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.Platform]Connector)}
}

// Register adds an adapter, replacing any previous one for the platform.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[c.Platform()] = c
}

// Get returns the adapter for a platform.
func (r *Registry) Get(platform models.Platform) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.adapters[platform]
	if !ok {
		return nil, apperr.Newf(apperr.KindValidationFailed, "connectors.get",
			"no adapter registered for platform %q", platform)
	}
	return c, nil
}

// Platforms lists registered platforms.
func (r *Registry) Platforms() []models.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}
