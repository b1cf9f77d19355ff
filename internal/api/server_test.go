package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/skylight-sec/skylight/internal/analytics"
	"github.com/skylight-sec/skylight/internal/auth"
	"github.com/skylight-sec/skylight/internal/baseline"
	"github.com/skylight-sec/skylight/internal/config"
	"github.com/skylight-sec/skylight/internal/connections"
	"github.com/skylight-sec/skylight/internal/connectors"
	"github.com/skylight-sec/skylight/internal/correlation"
	"github.com/skylight-sec/skylight/internal/crypto"
	"github.com/skylight-sec/skylight/internal/detectors"
	"github.com/skylight-sec/skylight/internal/discovery"
	"github.com/skylight-sec/skylight/internal/models"
	"github.com/skylight-sec/skylight/internal/store"
)

const (
	testSecret = "api-test-secret"
	testOrg    = "org-1"
)

type stubAdapter struct {
	platform models.Platform
	records  []connectors.Record
	gate     chan struct{}
}

func (a *stubAdapter) Platform() models.Platform { return a.platform }
func (a *stubAdapter) Capabilities() connectors.Capabilities {
	return connectors.Capabilities{DiscoverAutomations: true, ValidateToken: true}
}
func (a *stubAdapter) Limiter() *rate.Limiter { return rate.NewLimiter(rate.Inf, 1) }
func (a *stubAdapter) BuildAuthorizationURL(state string) string {
	return "https://provider.example/authorize?state=" + state
}
func (a *stubAdapter) ExchangeCode(ctx context.Context, code string) (models.Credentials, connectors.UserInfo, error) {
	return models.Credentials{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour).UTC()},
		connectors.UserInfo{PlatformUserID: "U1", WorkspaceID: "W1", WorkspaceName: "acme"}, nil
}
func (a *stubAdapter) Refresh(ctx context.Context, creds models.Credentials) (models.Credentials, error) {
	return creds, nil
}
func (a *stubAdapter) Revoke(ctx context.Context, creds models.Credentials) (bool, error) {
	return true, nil
}
func (a *stubAdapter) ValidateToken(ctx context.Context, creds models.Credentials) error { return nil }
func (a *stubAdapter) Discover(ctx context.Context, conn models.PlatformConnection, creds models.Credentials, cursor string) (*connectors.Stream, error) {
	return connectors.NewStream(ctx, func(ctx context.Context, out chan<- connectors.Record) error {
		for _, rec := range a.records {
			select {
			case out <- rec:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if a.gate != nil {
			select {
			case <-a.gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}), nil
}

type apiEnv struct {
	store   *store.Store
	engine  *discovery.Engine
	server  *httptest.Server
	adapter *stubAdapter
	conn    models.PlatformConnection
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.CreateOrganization(ctx, models.Organization{
		ID:        testOrg,
		Name:      "Acme",
		Tier:      "enterprise",
		Settings:  models.DefaultOrganizationSettings(),
		CreatedAt: time.Now().UTC(),
	}))

	keys, err := crypto.NewFileKeyProvider(t.TempDir())
	require.NoError(t, err)
	vault := crypto.NewVault(keys, st)

	adapter := &stubAdapter{platform: models.PlatformSlack}
	reg := connectors.NewRegistry()
	reg.Register(adapter)
	mgr := connections.NewManager(st, vault, reg, nil, connections.Options{})

	_, state, err := mgr.BeginOAuth(ctx, testOrg, models.PlatformSlack)
	require.NoError(t, err)
	conn, err := mgr.CompleteOAuth(ctx, models.PlatformSlack, state, "code-1")
	require.NoError(t, err)

	bl := baseline.New(st, baseline.Config{})
	engine := discovery.NewEngine(st, mgr, reg,
		detectors.NewSet(detectors.Config{}),
		bl,
		correlation.New(2),
		nil, discovery.NopPublisher{}, discovery.Options{})

	cfg := &config.Config{
		PublicURL:      "http://dash.example",
		JWTAudience:    "skylight",
		JWTIssuer:      "skylight-idp",
		MetricsEnabled: true,
	}
	verifier := auth.NewVerifier(testSecret, cfg.JWTAudience, cfg.JWTIssuer)
	srv := NewServer(cfg, verifier, st, mgr, engine, analytics.New(st), bl, nil, "test")

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &apiEnv{store: st, engine: engine, server: ts, adapter: adapter, conn: conn}
}

func (e *apiEnv) token(t *testing.T, role auth.Role) string {
	t.Helper()
	claims := jwt.MapClaims{
		"user_id":         "user-1",
		"organization_id": testOrg,
		"role":            string(role),
		"aud":             "skylight",
		"iss":             "skylight-idp",
		"exp":             time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

func (e *apiEnv) seedAutomation(t *testing.T, id, name string, platform models.Platform, scopes []string, vendor string) {
	t.Helper()
	a := models.DiscoveredAutomation{
		ID:                id,
		OrganizationID:    testOrg,
		ConnectionID:      e.conn.ID,
		DiscoveryRunID:    "run-seed",
		ExternalID:        "ext-" + id,
		Type:              models.AutomationOAuthApp,
		Name:              name,
		Platform:          platform,
		Permissions:       scopes,
		IsActive:          true,
		FirstDiscoveredAt: time.Now().UTC().AddDate(0, 0, -2),
		LastSeenAt:        time.Now().UTC(),
	}
	if vendor != "" {
		group := discovery.VendorGroup(vendor, platform)
		a.VendorName, a.VendorGroup = &vendor, &group
	}
	_, _, err := e.store.UpsertAutomation(context.Background(), a)
	require.NoError(t, err)
}

func TestHealthIsOpen(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestMissingTokenRejected(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.do(t, http.MethodGet, "/api/connections", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "AuthRequired", body["error"])
}

func TestOAuthAuthorizeAndCallback(t *testing.T) {
	env := newAPIEnv(t)
	token := env.token(t, auth.RoleAdmin)

	resp, body := env.do(t, http.MethodPost, "/api/auth/oauth/slack/authorize", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := body["state"].(string)
	assert.Contains(t, body["redirectUrl"], state)

	resp, _ = env.do(t, http.MethodGet, "/api/auth/callback/slack?state="+url.QueryEscape(state)+"&code=abc", "", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Location"), "connected=")

	// The stub adapter reports the same platform user, so the handshake
	// revives the existing connection instead of creating a sibling.
	resp, body = env.do(t, http.MethodGet, "/api/connections", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["connections"], 1)
}

func TestOAuthCallbackDeniedRedirectsWithError(t *testing.T) {
	env := newAPIEnv(t)
	token := env.token(t, auth.RoleAdmin)

	_, body := env.do(t, http.MethodPost, "/api/auth/oauth/slack/authorize", token, nil)
	state := body["state"].(string)

	resp, _ := env.do(t, http.MethodGet, "/api/auth/callback/slack?state="+url.QueryEscape(state)+"&error=access_denied", "", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Location"), "error=access_denied")
}

func TestTriggerRunConflictCarriesRunID(t *testing.T) {
	env := newAPIEnv(t)
	env.adapter.gate = make(chan struct{})
	token := env.token(t, auth.RoleSecurityAnalyst)

	resp, body := env.do(t, http.MethodPost, "/api/discovery/"+env.conn.ID, token, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	runID := body["run"].(map[string]any)["id"].(string)

	resp, body = env.do(t, http.MethodPost, "/api/discovery/"+env.conn.ID, token, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "Conflict", body["error"])
	details := body["details"].(map[string]any)
	assert.Equal(t, runID, details["resource"])

	close(env.adapter.gate)
	env.engine.Wait()

	resp, body = env.do(t, http.MethodGet, "/api/discovery/runs/"+runID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := body["run"].(map[string]any)["status"].(string)
	assert.Contains(t, []string{"succeeded", "partial"}, status)
}

func TestViewerCannotTriggerRuns(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.do(t, http.MethodPost, "/api/discovery/"+env.conn.ID, env.token(t, auth.RoleViewer), nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "PermissionDenied", body["error"])
}

func TestListAutomationsPagination(t *testing.T) {
	env := newAPIEnv(t)
	token := env.token(t, auth.RoleViewer)
	for i := 0; i < 5; i++ {
		env.seedAutomation(t, fmt.Sprintf("auto-%d", i), fmt.Sprintf("Bot %d", i), models.PlatformSlack, nil, "")
	}

	resp, body := env.do(t, http.MethodGet, "/api/automations?limit=2", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["automations"], 2)
	cursor := body["nextCursor"].(string)

	resp, body = env.do(t, http.MethodGet, "/api/automations?limit=3&cursor="+cursor, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["automations"], 3)
	assert.Nil(t, body["nextCursor"])
}

func TestGroupByVendor(t *testing.T) {
	env := newAPIEnv(t)
	token := env.token(t, auth.RoleViewer)

	env.seedAutomation(t, "a-1", "Attio", models.PlatformGoogle,
		[]string{"drive.readonly", "calendar.readonly", "contacts.readonly"}, "Attio")
	env.seedAutomation(t, "a-2", "Attio CRM", models.PlatformGoogle,
		[]string{"s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8"}, "Attio")
	env.seedAutomation(t, "b-1", "Loner", models.PlatformSlack, []string{"chat:write"}, "")

	resp, body := env.do(t, http.MethodGet, "/api/automations?groupBy=vendor", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	groups := body["vendorGroups"].([]any)
	require.Len(t, groups, 2)

	attio := groups[0].(map[string]any)
	assert.Equal(t, "Attio", attio["vendorName"])
	assert.Equal(t, "google", attio["platform"])
	assert.Equal(t, float64(2), attio["applicationCount"])

	apps := attio["applications"].([]any)
	require.Len(t, apps, 2)
	scopeCounts := []float64{
		apps[0].(map[string]any)["scopeCount"].(float64),
		apps[1].(map[string]any)["scopeCount"].(float64),
	}
	assert.ElementsMatch(t, []float64{3, 8}, scopeCounts)
}

func TestGroupByUnknownValueRejected(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.do(t, http.MethodGet, "/api/automations?groupBy=owner", env.token(t, auth.RoleViewer), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "ValidationFailed", body["error"])
}

func TestVendorOverride(t *testing.T) {
	env := newAPIEnv(t)
	token := env.token(t, auth.RoleAdmin)
	env.seedAutomation(t, "a-1", "Mystery Exporter", models.PlatformSlack, nil, "")

	resp, body := env.do(t, http.MethodPatch, "/api/automations/a-1/vendor", token,
		map[string]string{"vendorName": "Zapier"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	automation := body["automation"].(map[string]any)
	assert.Equal(t, "Zapier", automation["vendorName"])
	assert.Equal(t, "zapier-slack", automation["vendorGroup"])
	assert.Equal(t, true, automation["vendorOverridden"])
}

func TestVendorOverrideDeniedForViewer(t *testing.T) {
	env := newAPIEnv(t)
	env.seedAutomation(t, "a-1", "Bot", models.PlatformSlack, nil, "")
	resp, _ := env.do(t, http.MethodPatch, "/api/automations/a-1/vendor", env.token(t, auth.RoleViewer),
		map[string]string{"vendorName": "Zapier"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestFeedbackCreated(t *testing.T) {
	env := newAPIEnv(t)
	token := env.token(t, auth.RoleSecurityAnalyst)
	env.seedAutomation(t, "a-1", "Bot", models.PlatformSlack, nil, "")

	resp, body := env.do(t, http.MethodPost, "/api/feedback", token, map[string]string{
		"automationId": "a-1",
		"feedbackType": "false_positive",
		"patternType":  "velocity",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	fb := body["feedback"].(map[string]any)
	assert.Equal(t, "a-1", fb["automationId"])
	assert.Equal(t, "user-1", fb["userId"])
	assert.NotNil(t, body["thresholds"])

	resp, body = env.do(t, http.MethodGet, "/api/feedback", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := body["feedback"].([]any)
	require.Len(t, listed, 1)
	assert.Equal(t, "a-1", listed[0].(map[string]any)["automationId"])
}

func TestFeedbackUnknownTypeRejected(t *testing.T) {
	env := newAPIEnv(t)
	env.seedAutomation(t, "a-1", "Bot", models.PlatformSlack, nil, "")
	resp, _ := env.do(t, http.MethodPost, "/api/feedback", env.token(t, auth.RoleAdmin), map[string]string{
		"automationId": "a-1",
		"feedbackType": "meh",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFeedbackOnForeignAutomationNotFound(t *testing.T) {
	env := newAPIEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/api/feedback", env.token(t, auth.RoleAdmin), map[string]string{
		"automationId": "nope",
		"feedbackType": "true_positive",
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRiskTrendsZeroFilled(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.do(t, http.MethodGet, "/api/analytics/risk-trends?range=week", env.token(t, auth.RoleCISO), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["labels"], 8)
	assert.Len(t, body["averageRiskScore"], 8)
}

func TestRiskTrendsRejectsUnknownRange(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.do(t, http.MethodGet, "/api/analytics/risk-trends?range=decade", env.token(t, auth.RoleCISO), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "ValidationFailed", body["error"])
}

func TestAuditRequiresAdmin(t *testing.T) {
	env := newAPIEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/api/audit", env.token(t, auth.RoleSecurityAnalyst), nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/api/audit", env.token(t, auth.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, hasEntries := body["entries"]
	assert.True(t, hasEntries)
}

func TestMetricsEndpointExposed(t *testing.T) {
	env := newAPIEnv(t)
	resp, _ := env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
