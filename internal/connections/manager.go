// Package connections owns the PlatformConnection lifecycle: the OAuth
// handshake, the status state machine, token refresh, and health checks.
package connections

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/skylight-sec/skylight/internal/connectors"
	"github.com/skylight-sec/skylight/internal/crypto"
	apperr "github.com/skylight-sec/skylight/internal/errors"
	"github.com/skylight-sec/skylight/internal/models"
	"github.com/skylight-sec/skylight/internal/store"
)

const stateTTL = 10 * time.Minute

// Notifier receives connection lifecycle events for real-time delivery.
type Notifier interface {
	ConnectionChanged(conn models.PlatformConnection)
}

type pendingState struct {
	orgID        string
	platform     models.Platform
	connectionID string
	expiresAt    time.Time
}

// Manager drives the connection state machine. Status transitions persist
// together with credential changes in one transaction.
type Manager struct {
	store    *store.Store
	vault    *crypto.Vault
	registry *connectors.Registry
	notifier Notifier

	refreshLead   time.Duration
	healthEvery   time.Duration
	unhealthyEach time.Duration

	refreshGroup singleflight.Group

	mu     sync.Mutex
	states map[string]pendingState
}

// Options configures Manager cadences.
type Options struct {
	RefreshLeadTime          time.Duration
	HealthCheckInterval      time.Duration
	HealthCheckErrorInterval time.Duration
}

// NewManager creates a connection manager.
func NewManager(st *store.Store, vault *crypto.Vault, registry *connectors.Registry, notifier Notifier, opts Options) *Manager {
	if opts.RefreshLeadTime <= 0 {
		opts.RefreshLeadTime = 5 * time.Minute
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = 15 * time.Minute
	}
	if opts.HealthCheckErrorInterval <= 0 {
		opts.HealthCheckErrorInterval = time.Hour
	}
	return &Manager{
		store:         st,
		vault:         vault,
		registry:      registry,
		notifier:      notifier,
		refreshLead:   opts.RefreshLeadTime,
		healthEvery:   opts.HealthCheckInterval,
		unhealthyEach: opts.HealthCheckErrorInterval,
		states:        make(map[string]pendingState),
	}
}

// BeginOAuth creates a pending connection and returns the provider consent
// URL plus the opaque state that callbacks must echo.
func (m *Manager) BeginOAuth(ctx context.Context, orgID string, platform models.Platform) (redirectURL, state string, err error) {
	adapter, err := m.registry.Get(platform)
	if err != nil {
		return "", "", err
	}

	connID := uuid.NewString()
	now := time.Now().UTC()
	conn := models.PlatformConnection{
		ID:             connID,
		OrganizationID: orgID,
		Platform:       platform,
		PlatformUserID: "pending:" + connID,
		Status:         models.ConnectionPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateConnection(ctx, conn, nil); err != nil {
		return "", "", err
	}

	state, err = randomState()
	if err != nil {
		return "", "", apperr.New(apperr.KindInternal, "connections.begin_oauth", err)
	}

	m.mu.Lock()
	m.states[state] = pendingState{
		orgID:        orgID,
		platform:     platform,
		connectionID: connID,
		expiresAt:    now.Add(stateTTL),
	}
	m.mu.Unlock()

	m.store.Audit(ctx, orgID, "connection.oauth_started", "info", "system", connID,
		map[string]any{"platform": platform})
	return adapter.BuildAuthorizationURL(state), state, nil
}

// CompleteOAuth finishes the handshake: exchanges the code, binds the
// connection to the authorizing platform user, and persists the connected
// status together with the sealed credentials.
func (m *Manager) CompleteOAuth(ctx context.Context, platform models.Platform, state, code string) (models.PlatformConnection, error) {
	pending, err := m.takeState(state, platform)
	if err != nil {
		return models.PlatformConnection{}, err
	}

	adapter, err := m.registry.Get(platform)
	if err != nil {
		return models.PlatformConnection{}, err
	}

	creds, user, err := adapter.ExchangeCode(ctx, code)
	if err != nil {
		// The pending row stays pending; the user can retry or abort.
		return models.PlatformConnection{}, err
	}

	// A re-authorization by the same platform user revives the existing
	// connection rather than creating a sibling.
	if existing, ferr := m.store.FindConnection(ctx, pending.orgID, platform, user.PlatformUserID); ferr == nil &&
		existing.ID != pending.connectionID {
		sealed, serr := m.vault.Seal(ctx, pending.orgID, existing.ID, creds)
		if serr != nil {
			return models.PlatformConnection{}, serr
		}
		if err := m.store.UpdateConnectionStatus(ctx, existing.ID, models.ConnectionConnected, &sealed, false); err != nil {
			return models.PlatformConnection{}, err
		}
		if err := m.store.UpdateConnectionScopes(ctx, existing.ID, creds.Scopes); err != nil {
			return models.PlatformConnection{}, err
		}
		m.dropPending(ctx, pending)
		return m.finishConnect(ctx, existing.ID, pending.orgID)
	}

	conn, err := m.store.GetConnection(ctx, pending.connectionID)
	if err != nil {
		return models.PlatformConnection{}, err
	}
	conn.PlatformUserID = user.PlatformUserID
	conn.WorkspaceID = user.WorkspaceID
	conn.WorkspaceName = user.WorkspaceName
	conn.Scopes = creds.Scopes
	conn.Status = models.ConnectionConnected
	conn.UpdatedAt = time.Now().UTC()

	sealed, err := m.vault.Seal(ctx, pending.orgID, conn.ID, creds)
	if err != nil {
		return models.PlatformConnection{}, err
	}
	if err := m.store.ReplaceConnection(ctx, conn, &sealed); err != nil {
		return models.PlatformConnection{}, err
	}
	return m.finishConnect(ctx, conn.ID, pending.orgID)
}

func (m *Manager) finishConnect(ctx context.Context, connID, orgID string) (models.PlatformConnection, error) {
	conn, err := m.store.GetConnection(ctx, connID)
	if err != nil {
		return models.PlatformConnection{}, err
	}
	m.store.Audit(ctx, orgID, "connection.connected", "info", "system", connID,
		map[string]any{"platform": conn.Platform, "workspace": conn.WorkspaceName})
	m.notify(conn)
	log.Info().Str("connection", connID).Str("platform", string(conn.Platform)).
		Msg("Platform connection established")
	return conn, nil
}

// AbortOAuth discards an unfinished handshake. The pending connection row
// moves to disconnected.
func (m *Manager) AbortOAuth(ctx context.Context, state string) error {
	m.mu.Lock()
	pending, ok := m.states[state]
	delete(m.states, state)
	m.mu.Unlock()
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "connections.abort_oauth", "unknown oauth state")
	}
	return m.store.UpdateConnectionStatus(ctx, pending.connectionID, models.ConnectionDisconnected, nil, true)
}

// Disconnect revokes the grant upstream on a best-effort basis, then
// soft-disconnects the connection and deletes its credentials.
func (m *Manager) Disconnect(ctx context.Context, orgID, connectionID string) error {
	conn, err := m.ownedConnection(ctx, orgID, connectionID)
	if err != nil {
		return err
	}

	if creds, cerr := m.vault.Get(ctx, orgID, connectionID); cerr == nil {
		if adapter, aerr := m.registry.Get(conn.Platform); aerr == nil {
			if _, rerr := adapter.Revoke(ctx, creds); rerr != nil {
				log.Warn().Err(rerr).Str("connection", connectionID).
					Msg("Upstream revocation failed; disconnecting anyway")
			}
		}
	}

	if err := m.store.UpdateConnectionStatus(ctx, connectionID, models.ConnectionDisconnected, nil, true); err != nil {
		return err
	}
	m.store.Audit(ctx, orgID, "connection.disconnected", "info", "system", connectionID,
		map[string]any{"platform": conn.Platform})
	conn.Status = models.ConnectionDisconnected
	m.notify(conn)
	return nil
}

// Credentials returns usable credentials for a connection, refreshing them
// first when expired or inside the pre-expiry lead window. Concurrent
// callers share one refresh.
func (m *Manager) Credentials(ctx context.Context, conn models.PlatformConnection) (models.Credentials, error) {
	creds, err := m.vault.Get(ctx, conn.OrganizationID, conn.ID)
	if err != nil {
		return models.Credentials{}, err
	}
	if time.Now().Add(m.refreshLead).Before(creds.ExpiresAt) {
		return creds, nil
	}
	return m.refresh(ctx, conn, creds)
}

// ForceRefresh refreshes regardless of expiry, for callers recovering from
// an upstream auth rejection mid-run.
func (m *Manager) ForceRefresh(ctx context.Context, conn models.PlatformConnection) (models.Credentials, error) {
	creds, err := m.vault.Get(ctx, conn.OrganizationID, conn.ID)
	if err != nil {
		return models.Credentials{}, err
	}
	return m.refresh(ctx, conn, creds)
}

func (m *Manager) refresh(ctx context.Context, conn models.PlatformConnection, prev models.Credentials) (models.Credentials, error) {
	v, err, _ := m.refreshGroup.Do(conn.ID, func() (any, error) {
		adapter, err := m.registry.Get(conn.Platform)
		if err != nil {
			return nil, err
		}
		next, err := adapter.Refresh(ctx, prev)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindInvalidGrant {
				m.expire(ctx, conn)
			}
			return nil, err
		}
		if _, err := m.vault.Rotate(ctx, conn.OrganizationID, conn.ID, next); err != nil {
			return nil, err
		}
		log.Debug().Str("connection", conn.ID).Time("expires", next.ExpiresAt).
			Msg("Credentials refreshed")
		return next, nil
	})
	if err != nil {
		return models.Credentials{}, err
	}
	return v.(models.Credentials), nil
}

// expire marks the connection expired after a terminal refresh failure.
// Discovery is suppressed until the user re-authorizes.
func (m *Manager) expire(ctx context.Context, conn models.PlatformConnection) {
	if err := m.store.UpdateConnectionStatus(ctx, conn.ID, models.ConnectionExpired, nil, false); err != nil {
		log.Error().Err(err).Str("connection", conn.ID).Msg("Failed to mark connection expired")
		return
	}
	m.store.Audit(ctx, conn.OrganizationID, "connection.expired", "warning", "system", conn.ID,
		map[string]any{"platform": conn.Platform})
	conn.Status = models.ConnectionExpired
	m.notify(conn)
}

// Run drives periodic health checks and pre-expiry refreshes until the
// context is cancelled. Connections that are not connected are probed on
// the slower cadence.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.healthEvery)
	defer ticker.Stop()

	lastSlowSweep := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.sweepConnected(ctx)
		if time.Since(lastSlowSweep) >= m.unhealthyEach {
			m.sweepUnhealthy(ctx)
			lastSlowSweep = time.Now()
		}
		m.expireStates()
	}
}

func (m *Manager) sweepConnected(ctx context.Context) {
	conns, err := m.store.ListConnectionsByStatus(ctx, models.ConnectionConnected)
	if err != nil {
		log.Error().Err(err).Msg("Health sweep failed to list connections")
		return
	}
	for _, conn := range conns {
		m.checkOne(ctx, conn)
		// Pre-expiry refresh piggybacks on the sweep.
		if creds, cerr := m.vault.Get(ctx, conn.OrganizationID, conn.ID); cerr == nil {
			if !time.Now().Add(m.refreshLead).Before(creds.ExpiresAt) {
				if _, rerr := m.refresh(ctx, conn, creds); rerr != nil {
					log.Warn().Err(rerr).Str("connection", conn.ID).Msg("Pre-expiry refresh failed")
				}
			}
		}
	}
}

func (m *Manager) sweepUnhealthy(ctx context.Context) {
	for _, status := range []models.ConnectionStatus{models.ConnectionError, models.ConnectionExpired} {
		conns, err := m.store.ListConnectionsByStatus(ctx, status)
		if err != nil {
			continue
		}
		for _, conn := range conns {
			m.checkOne(ctx, conn)
		}
	}
}

// checkOne runs validateToken and records the health snapshot. A failing
// probe moves connected → error; a succeeding probe moves error → connected.
func (m *Manager) checkOne(ctx context.Context, conn models.PlatformConnection) {
	adapter, err := m.registry.Get(conn.Platform)
	if err != nil {
		return
	}

	health := conn.Health
	start := time.Now()
	probeErr := func() error {
		creds, err := m.vault.Get(ctx, conn.OrganizationID, conn.ID)
		if err != nil {
			return err
		}
		return adapter.ValidateToken(ctx, creds)
	}()

	health.CheckedAt = time.Now().UTC()
	health.LatencyMS = time.Since(start).Milliseconds()
	if probeErr != nil {
		health.Healthy = false
		health.FailureCount++
		health.LastError = probeErr.Error()
	} else {
		health.Healthy = true
		health.FailureCount = 0
		health.LastError = ""
	}

	if err := m.store.UpdateConnectionHealth(ctx, conn.ID, health); err != nil {
		log.Error().Err(err).Str("connection", conn.ID).Msg("Failed to persist health snapshot")
	}

	switch {
	case probeErr != nil && conn.Status == models.ConnectionConnected:
		if apperr.KindOf(probeErr) == apperr.KindInvalidGrant {
			m.expire(ctx, conn)
			return
		}
		if err := m.store.UpdateConnectionStatus(ctx, conn.ID, models.ConnectionError, nil, false); err == nil {
			conn.Status = models.ConnectionError
			conn.Health = health
			m.notify(conn)
		}
	case probeErr == nil && conn.Status == models.ConnectionError:
		if err := m.store.UpdateConnectionStatus(ctx, conn.ID, models.ConnectionConnected, nil, false); err == nil {
			conn.Status = models.ConnectionConnected
			conn.Health = health
			m.notify(conn)
			log.Info().Str("connection", conn.ID).Msg("Connection recovered")
		}
	}
}

// ownedConnection loads a connection and enforces tenant ownership.
func (m *Manager) ownedConnection(ctx context.Context, orgID, connectionID string) (models.PlatformConnection, error) {
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return models.PlatformConnection{}, err
	}
	if conn.OrganizationID != orgID {
		return models.PlatformConnection{}, apperr.Newf(apperr.KindOrgMismatch, "connections.get",
			"connection belongs to a different organization")
	}
	return conn, nil
}

// Get returns one tenant-owned connection.
func (m *Manager) Get(ctx context.Context, orgID, connectionID string) (models.PlatformConnection, error) {
	return m.ownedConnection(ctx, orgID, connectionID)
}

// List returns the tenant's connections.
func (m *Manager) List(ctx context.Context, orgID string) ([]models.PlatformConnection, error) {
	return m.store.ListConnections(ctx, orgID)
}

func (m *Manager) takeState(state string, platform models.Platform) (pendingState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending, ok := m.states[state]
	if !ok || time.Now().After(pending.expiresAt) {
		delete(m.states, state)
		return pendingState{}, apperr.Newf(apperr.KindValidationFailed, "connections.complete_oauth",
			"oauth state is unknown or expired")
	}
	if pending.platform != platform {
		return pendingState{}, apperr.Newf(apperr.KindValidationFailed, "connections.complete_oauth",
			"oauth state was issued for platform %q", pending.platform)
	}
	delete(m.states, state)
	return pending, nil
}

// dropPending retires the placeholder row when the handshake revived an
// existing connection instead.
func (m *Manager) dropPending(ctx context.Context, pending pendingState) {
	if err := m.store.UpdateConnectionStatus(ctx, pending.connectionID, models.ConnectionDisconnected, nil, true); err != nil {
		log.Warn().Err(err).Str("connection", pending.connectionID).Msg("Failed to retire pending connection")
	}
}

func (m *Manager) expireStates() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for state, pending := range m.states {
		if now.After(pending.expiresAt) {
			delete(m.states, state)
		}
	}
}

func (m *Manager) notify(conn models.PlatformConnection) {
	if m.notifier != nil {
		m.notifier.ConnectionChanged(conn)
	}
}

func randomState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
