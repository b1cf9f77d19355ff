package connections

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/skylight-sec/skylight/internal/connectors"
	"github.com/skylight-sec/skylight/internal/crypto"
	apperr "github.com/skylight-sec/skylight/internal/errors"
	"github.com/skylight-sec/skylight/internal/models"
	"github.com/skylight-sec/skylight/internal/store"
)

// fakeConnector is a programmable adapter for lifecycle tests.
type fakeConnector struct {
	platform   models.Platform
	user       UserInfoOverride
	exchanged  models.Credentials
	refreshed  models.Credentials
	refreshErr error
	validate   error
	refreshes  atomic.Int32
	revoked    atomic.Bool
}

type UserInfoOverride struct {
	ID, Email, WorkspaceID, WorkspaceName string
}

func (f *fakeConnector) Platform() models.Platform { return f.platform }
func (f *fakeConnector) Capabilities() connectors.Capabilities {
	return connectors.Capabilities{DiscoverAutomations: true, ValidateToken: true}
}
func (f *fakeConnector) Limiter() *rate.Limiter { return rate.NewLimiter(rate.Inf, 1) }
func (f *fakeConnector) BuildAuthorizationURL(state string) string {
	return "https://provider.example/authorize?state=" + state
}
func (f *fakeConnector) ExchangeCode(ctx context.Context, code string) (models.Credentials, connectors.UserInfo, error) {
	return f.exchanged, connectors.UserInfo{
		PlatformUserID: f.user.ID,
		Email:          f.user.Email,
		WorkspaceID:    f.user.WorkspaceID,
		WorkspaceName:  f.user.WorkspaceName,
	}, nil
}
func (f *fakeConnector) Refresh(ctx context.Context, creds models.Credentials) (models.Credentials, error) {
	f.refreshes.Add(1)
	if f.refreshErr != nil {
		return models.Credentials{}, f.refreshErr
	}
	return f.refreshed, nil
}
func (f *fakeConnector) Revoke(ctx context.Context, creds models.Credentials) (bool, error) {
	f.revoked.Store(true)
	return true, nil
}
func (f *fakeConnector) ValidateToken(ctx context.Context, creds models.Credentials) error {
	return f.validate
}
func (f *fakeConnector) Discover(ctx context.Context, conn models.PlatformConnection, creds models.Credentials, cursor string) (*connectors.Stream, error) {
	return nil, nil
}

type testEnv struct {
	store   *store.Store
	vault   *crypto.Vault
	manager *Manager
	fake    *fakeConnector
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.CreateOrganization(context.Background(), models.Organization{
		ID:        "org-1",
		Name:      "Acme",
		Tier:      "enterprise",
		Settings:  models.DefaultOrganizationSettings(),
		CreatedAt: time.Now().UTC(),
	}))

	keys, err := crypto.NewFileKeyProvider(t.TempDir())
	require.NoError(t, err)
	vault := crypto.NewVault(keys, st)

	fake := &fakeConnector{
		platform: models.PlatformSlack,
		user:     UserInfoOverride{ID: "U123", WorkspaceID: "T1", WorkspaceName: "acme-hq"},
		exchanged: models.Credentials{
			AccessToken:  "tok-initial",
			RefreshToken: "refresh-1",
			Scopes:       []string{"chat:write", "users:read"},
			ExpiresAt:    time.Now().Add(time.Hour).UTC(),
		},
	}
	reg := connectors.NewRegistry()
	reg.Register(fake)

	mgr := NewManager(st, vault, reg, nil, Options{})
	return &testEnv{store: st, vault: vault, manager: mgr, fake: fake}
}

func (e *testEnv) connect(t *testing.T) models.PlatformConnection {
	t.Helper()
	ctx := context.Background()
	_, state, err := e.manager.BeginOAuth(ctx, "org-1", models.PlatformSlack)
	require.NoError(t, err)
	conn, err := e.manager.CompleteOAuth(ctx, models.PlatformSlack, state, "code-1")
	require.NoError(t, err)
	return conn
}

func TestOAuthLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	redirect, state, err := env.manager.BeginOAuth(ctx, "org-1", models.PlatformSlack)
	require.NoError(t, err)
	assert.Contains(t, redirect, state)

	conns, err := env.manager.List(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, models.ConnectionPending, conns[0].Status)

	conn, err := env.manager.CompleteOAuth(ctx, models.PlatformSlack, state, "code-1")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionConnected, conn.Status)
	assert.Equal(t, "U123", conn.PlatformUserID)
	assert.Equal(t, "acme-hq", conn.WorkspaceName)
	assert.Equal(t, []string{"chat:write", "users:read"}, conn.Scopes)

	// A connected row always has retrievable credentials.
	creds, err := env.manager.Credentials(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "tok-initial", creds.AccessToken)

	// The state is single use.
	_, err = env.manager.CompleteOAuth(ctx, models.PlatformSlack, state, "code-1")
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidationFailed, apperr.KindOf(err))
}

func TestCompleteOAuthRejectsPlatformMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, state, err := env.manager.BeginOAuth(ctx, "org-1", models.PlatformSlack)
	require.NoError(t, err)

	_, err = env.manager.CompleteOAuth(ctx, models.PlatformGoogle, state, "code-1")
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidationFailed, apperr.KindOf(err))
}

func TestReauthorizationRevivesExistingConnection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.connect(t)

	// Expire the first connection, then run the handshake again as the
	// same platform user.
	env.fake.refreshErr = apperr.Newf(apperr.KindInvalidGrant, "connector.refresh", "revoked")
	env.fake.exchanged.AccessToken = "tok-reissued"

	_, state, err := env.manager.BeginOAuth(ctx, "org-1", models.PlatformSlack)
	require.NoError(t, err)
	revived, err := env.manager.CompleteOAuth(ctx, models.PlatformSlack, state, "code-2")
	require.NoError(t, err)

	assert.Equal(t, first.ID, revived.ID)
	assert.Equal(t, models.ConnectionConnected, revived.Status)

	creds, err := env.vault.Get(ctx, "org-1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-reissued", creds.AccessToken)

	// Only the revived row remains active; the placeholder was retired.
	conns, err := env.manager.List(ctx, "org-1")
	require.NoError(t, err)
	active := 0
	for _, c := range conns {
		if c.Status == models.ConnectionConnected {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestPreExpiryRefreshRotatesCiphertext(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.fake.exchanged.ExpiresAt = time.Now().Add(time.Second).UTC()
	env.fake.refreshed = models.Credentials{
		AccessToken:  "tok-fresh",
		RefreshToken: "refresh-2",
		Scopes:       env.fake.exchanged.Scopes,
		ExpiresAt:    time.Now().Add(time.Hour).UTC(),
	}
	conn := env.connect(t)

	creds, err := env.manager.Credentials(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "tok-fresh", creds.AccessToken)
	assert.Equal(t, int32(1), env.fake.refreshes.Load())

	// The rotated ciphertext is what the vault now serves; the old token
	// is gone.
	stored, err := env.vault.Get(ctx, "org-1", conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-fresh", stored.AccessToken)
	assert.Equal(t, "refresh-2", stored.RefreshToken)

	// A credential inside its validity window is served without another
	// refresh round trip.
	_, err = env.manager.Credentials(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, int32(1), env.fake.refreshes.Load())
}

func TestInvalidGrantExpiresConnection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.fake.exchanged.ExpiresAt = time.Now().Add(time.Second).UTC()
	env.fake.refreshErr = apperr.Newf(apperr.KindInvalidGrant, "connector.refresh", "grant revoked")
	conn := env.connect(t)

	_, err := env.manager.Credentials(ctx, conn)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidGrant, apperr.KindOf(err))

	got, err := env.manager.Get(ctx, "org-1", conn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionExpired, got.Status)
}

func TestTransientRefreshFailureKeepsConnected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.fake.exchanged.ExpiresAt = time.Now().Add(time.Second).UTC()
	env.fake.refreshErr = apperr.Newf(apperr.KindUpstreamUnavailable, "connector.refresh", "504")
	conn := env.connect(t)

	_, err := env.manager.Credentials(ctx, conn)
	require.Error(t, err)

	got, err := env.manager.Get(ctx, "org-1", conn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionConnected, got.Status)
}

func TestDisconnectRevokesAndDropsCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.connect(t)

	require.NoError(t, env.manager.Disconnect(ctx, "org-1", conn.ID))
	assert.True(t, env.fake.revoked.Load())

	got, err := env.manager.Get(ctx, "org-1", conn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionDisconnected, got.Status)

	_, err = env.vault.Get(ctx, "org-1", conn.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestTenantOwnershipEnforced(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.connect(t)

	require.NoError(t, env.store.CreateOrganization(ctx, models.Organization{
		ID: "org-2", Name: "Rival", Tier: "pro",
		Settings: models.DefaultOrganizationSettings(), CreatedAt: time.Now().UTC(),
	}))

	_, err := env.manager.Get(ctx, "org-2", conn.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindOrgMismatch, apperr.KindOf(err))

	err = env.manager.Disconnect(ctx, "org-2", conn.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindOrgMismatch, apperr.KindOf(err))
}

func TestHealthCheckTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.connect(t)

	env.fake.validate = apperr.Newf(apperr.KindUpstreamUnavailable, "connector.validate", "probe failed")
	env.manager.checkOne(ctx, mustGet(t, env, conn.ID))

	got := mustGet(t, env, conn.ID)
	assert.Equal(t, models.ConnectionError, got.Status)
	assert.False(t, got.Health.Healthy)
	assert.Equal(t, 1, got.Health.FailureCount)

	env.fake.validate = nil
	env.manager.checkOne(ctx, got)

	got = mustGet(t, env, conn.ID)
	assert.Equal(t, models.ConnectionConnected, got.Status)
	assert.True(t, got.Health.Healthy)
	assert.Equal(t, 0, got.Health.FailureCount)
}

func TestHealthCheckInvalidGrantExpires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := env.connect(t)

	env.fake.validate = apperr.Newf(apperr.KindInvalidGrant, "connector.validate", "token dead")
	env.manager.checkOne(ctx, mustGet(t, env, conn.ID))

	got := mustGet(t, env, conn.ID)
	assert.Equal(t, models.ConnectionExpired, got.Status)
}

func mustGet(t *testing.T, env *testEnv, id string) models.PlatformConnection {
	t.Helper()
	conn, err := env.manager.Get(context.Background(), "org-1", id)
	require.NoError(t, err)
	return conn
}
