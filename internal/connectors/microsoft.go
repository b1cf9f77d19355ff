package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	apperr "github.com/skylight-sec/skylight/internal/errors"
	"github.com/skylight-sec/skylight/internal/models"
)

// MicrosoftConnector enumerates service principals, app registrations,
// and Power Automate flows through Microsoft Graph.
type MicrosoftConnector struct {
	app     OAuthApp
	client  *apiClient
	limiter *rate.Limiter
}

// MicrosoftConfig configures the Graph adapter.
type MicrosoftConfig struct {
	App               OAuthApp
	BaseURL           string
	RequestsPerMinute int
}

// NewMicrosoftConnector creates the Microsoft 365 adapter.
func NewMicrosoftConnector(cfg MicrosoftConfig) *MicrosoftConnector {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://graph.microsoft.com/v1.0"
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.App.AuthURL == "" {
		cfg.App.AuthURL = "https://login.microsoftonline.com/common/oauth2/v2.0/authorize"
	}
	if cfg.App.TokenURL == "" {
		cfg.App.TokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
	}
	limiter := rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 10)
	return &MicrosoftConnector{
		app:     cfg.App,
		client:  newAPIClient(models.PlatformMicrosoft, cfg.BaseURL, limiter),
		limiter: limiter,
	}
}

func (c *MicrosoftConnector) Platform() models.Platform { return models.PlatformMicrosoft }

func (c *MicrosoftConnector) Capabilities() Capabilities {
	return Capabilities{
		DiscoverAutomations: true,
		ListUsers:           true,
		FetchAuditEvents:    true,
		ValidateToken:       true,
	}
}

func (c *MicrosoftConnector) Limiter() *rate.Limiter { return c.limiter }

func (c *MicrosoftConnector) BuildAuthorizationURL(state string) string {
	return c.app.authorizationURL(state)
}

func (c *MicrosoftConnector) ExchangeCode(ctx context.Context, code string) (models.Credentials, UserInfo, error) {
	creds, err := c.app.exchange(ctx, models.PlatformMicrosoft, code)
	if err != nil {
		return models.Credentials{}, UserInfo{}, err
	}

	var me struct {
		ID                string `json:"id"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := c.client.getJSON(ctx, "/me", creds.AccessToken, &me); err != nil {
		return models.Credentials{}, UserInfo{}, err
	}
	var org struct {
		Value []struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
		} `json:"value"`
	}
	info := UserInfo{PlatformUserID: me.ID, Email: me.UserPrincipalName}
	if err := c.client.getJSON(ctx, "/organization", creds.AccessToken, &org); err == nil && len(org.Value) > 0 {
		info.WorkspaceID = org.Value[0].ID
		info.WorkspaceName = org.Value[0].DisplayName
	}
	return creds, info, nil
}

func (c *MicrosoftConnector) Refresh(ctx context.Context, creds models.Credentials) (models.Credentials, error) {
	return c.app.refresh(ctx, models.PlatformMicrosoft, creds)
}

// Revoke: Graph exposes no token revocation for delegated grants; the
// refresh token dies with invalidateAllRefreshTokens, which needs an
// admin scope this connection may not hold. Report unconfirmed.
func (c *MicrosoftConnector) Revoke(ctx context.Context, creds models.Credentials) (bool, error) {
	var resp struct {
		Value bool `json:"value"`
	}
	if err := c.client.getJSON(ctx, "/me/revokeSignInSessions", creds.AccessToken, &resp); err != nil {
		if apperr.KindOf(err) == apperr.KindInvalidGrant {
			return true, nil
		}
		return false, err
	}
	return resp.Value, nil
}

func (c *MicrosoftConnector) ValidateToken(ctx context.Context, creds models.Credentials) error {
	var me struct {
		ID string `json:"id"`
	}
	if err := c.client.getJSON(ctx, "/me", creds.AccessToken, &me); err != nil {
		return err
	}
	if me.ID == "" {
		return apperr.Newf(apperr.KindInvalidGrant, "connector.validate",
			"graph returned no identity for token").WithPlatform("microsoft")
	}
	return nil
}

type graphServicePrincipal struct {
	ID             string `json:"id"`
	AppID          string `json:"appId"`
	DisplayName    string `json:"displayName"`
	AccountEnabled bool   `json:"accountEnabled"`
	PublisherName  string `json:"publisherName"`
	SPType         string `json:"servicePrincipalType"`
	Oauth2Scopes   []struct {
		Scope string `json:"scope"`
	} `json:"oauth2PermissionGrants"`
}

type graphFlow struct {
	Name       string `json:"name"`
	Properties struct {
		DisplayName string `json:"displayName"`
		State       string `json:"state"`
		Creator     struct {
			UserID string `json:"userId"`
		} `json:"creator"`
		LastModified string `json:"lastModifiedTime"`
	} `json:"properties"`
}

// Discover streams service principals, then Power Automate flows. Graph
// paging follows @odata.nextLink; the cursor carries the skiptoken.
func (c *MicrosoftConnector) Discover(ctx context.Context, conn models.PlatformConnection, creds models.Credentials, cursor string) (*Stream, error) {
	token := creds.AccessToken
	return newStream(ctx, func(ctx context.Context, out chan<- Record) error {
		next := cursor
		for {
			var page struct {
				Value    []graphServicePrincipal `json:"value"`
				NextLink string                  `json:"@odata.nextLink"`
			}
			path := "/servicePrincipals?$top=100&$expand=oauth2PermissionGrants"
			if next != "" {
				path += "&$skiptoken=" + url.QueryEscape(next)
			}
			if err := c.client.getJSON(ctx, path, token, &page); err != nil {
				return err
			}

			skip := skipTokenFrom(page.NextLink)
			for _, sp := range page.Value {
				if !sp.AccountEnabled {
					continue
				}
				rec, err := c.principalRecord(ctx, token, sp, skip)
				if err != nil {
					return err
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			next = skip
			if next == "" {
				break
			}
		}

		var flows struct {
			Value []graphFlow `json:"value"`
		}
		if err := c.client.getJSON(ctx, "/solutions/flows", token, &flows); err == nil {
			for _, f := range flows.Value {
				rec := c.flowRecord(f)
				select {
				case out <- rec:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		return nil
	}), nil
}

func (c *MicrosoftConnector) principalRecord(ctx context.Context, token string, sp graphServicePrincipal, cursor string) (Record, error) {
	perms := make([]string, 0, len(sp.Oauth2Scopes))
	for _, g := range sp.Oauth2Scopes {
		perms = append(perms, g.Scope)
	}
	metadata, _ := json.Marshal(map[string]any{
		"app_id":         sp.AppID,
		"publisher_name": sp.PublisherName,
		"principal_type": sp.SPType,
	})

	// Sign-in activity is the per-actor event feed for Graph principals.
	var activity []models.ActivityEvent
	var signIns struct {
		Value []struct {
			CreatedDateTime string `json:"createdDateTime"`
			AppDisplayName  string `json:"appDisplayName"`
			ResourceDisplay string `json:"resourceDisplayName"`
		} `json:"value"`
	}
	path := fmt.Sprintf("/auditLogs/signIns?$filter=appId eq '%s'&$top=200", url.QueryEscape(sp.AppID))
	if err := c.client.getJSON(ctx, path, token, &signIns); err == nil {
		for _, s := range signIns.Value {
			ts, perr := time.Parse(time.RFC3339, s.CreatedDateTime)
			if perr != nil {
				continue
			}
			activity = append(activity, models.ActivityEvent{
				ActorID:     sp.ID,
				Operation:   "sign_in",
				TargetClass: s.ResourceDisplay,
				Records:     1,
				Timestamp:   ts.UTC(),
			})
		}
	}

	typ := models.AutomationOAuthApp
	if sp.SPType == "ManagedIdentity" || sp.SPType == "Legacy" {
		typ = models.AutomationServiceAccount
	}
	return Record{
		ExternalID:  sp.ID,
		Type:        typ,
		Name:        sp.DisplayName,
		Permissions: perms,
		Metadata:    metadata,
		Activity:    activity,
		Cursor:      cursor,
	}, nil
}

func (c *MicrosoftConnector) flowRecord(f graphFlow) Record {
	metadata, _ := json.Marshal(map[string]any{
		"state":         f.Properties.State,
		"last_modified": f.Properties.LastModified,
	})
	return Record{
		ExternalID:  f.Name,
		Type:        models.AutomationWorkflow,
		Name:        f.Properties.DisplayName,
		OwnerUserID: f.Properties.Creator.UserID,
		Metadata:    metadata,
	}
}

// skipTokenFrom extracts the $skiptoken query value from an odata nextLink.
func skipTokenFrom(nextLink string) string {
	if nextLink == "" {
		return ""
	}
	u, err := url.Parse(nextLink)
	if err != nil {
		return ""
	}
	return u.Query().Get("$skiptoken")
}

var _ Connector = (*MicrosoftConnector)(nil)
