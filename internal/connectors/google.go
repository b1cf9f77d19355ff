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

// GoogleConnector enumerates third-party OAuth grants, Apps Script
// projects, and service accounts visible to a Google Workspace admin.
type GoogleConnector struct {
	app     OAuthApp
	client  *apiClient
	limiter *rate.Limiter
}

// GoogleConfig configures the Workspace adapter.
type GoogleConfig struct {
	App     OAuthApp
	BaseURL string
	// RequestsPerMinute caps Admin SDK reads. Directory API quota is
	// generous but shared; default well under it.
	RequestsPerMinute int
}

// NewGoogleConnector creates the Google Workspace adapter.
func NewGoogleConnector(cfg GoogleConfig) *GoogleConnector {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://admin.googleapis.com"
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 150
	}
	if cfg.App.AuthURL == "" {
		cfg.App.AuthURL = "https://accounts.google.com/o/oauth2/v2/auth"
	}
	if cfg.App.TokenURL == "" {
		cfg.App.TokenURL = "https://oauth2.googleapis.com/token"
	}
	limiter := rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 10)
	return &GoogleConnector{
		app:     cfg.App,
		client:  newAPIClient(models.PlatformGoogle, cfg.BaseURL, limiter),
		limiter: limiter,
	}
}

func (c *GoogleConnector) Platform() models.Platform { return models.PlatformGoogle }

func (c *GoogleConnector) Capabilities() Capabilities {
	return Capabilities{
		DiscoverAutomations: true,
		ListUsers:           true,
		FetchAuditEvents:    true,
		ValidateToken:       true,
	}
}

func (c *GoogleConnector) Limiter() *rate.Limiter { return c.limiter }

func (c *GoogleConnector) BuildAuthorizationURL(state string) string {
	return c.app.authorizationURL(state)
}

func (c *GoogleConnector) ExchangeCode(ctx context.Context, code string) (models.Credentials, UserInfo, error) {
	creds, err := c.app.exchange(ctx, models.PlatformGoogle, code)
	if err != nil {
		return models.Credentials{}, UserInfo{}, err
	}

	var me struct {
		ID           string `json:"id"`
		PrimaryEmail string `json:"primaryEmail"`
		Customer     string `json:"customerId"`
	}
	if err := c.client.getJSON(ctx, "/admin/directory/v1/users/me", creds.AccessToken, &me); err != nil {
		return models.Credentials{}, UserInfo{}, err
	}
	return creds, UserInfo{
		PlatformUserID: me.ID,
		Email:          me.PrimaryEmail,
		WorkspaceID:    me.Customer,
	}, nil
}

func (c *GoogleConnector) Refresh(ctx context.Context, creds models.Credentials) (models.Credentials, error) {
	return c.app.refresh(ctx, models.PlatformGoogle, creds)
}

func (c *GoogleConnector) Revoke(ctx context.Context, creds models.Credentials) (bool, error) {
	var resp struct{}
	path := "/revoke?token=" + url.QueryEscape(creds.AccessToken)
	if err := c.client.getJSON(ctx, path, creds.AccessToken, &resp); err != nil {
		// Google answers 400 for already-revoked tokens; treat a rejected
		// grant as revoked.
		if apperr.KindOf(err) == apperr.KindInvalidGrant {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

func (c *GoogleConnector) ValidateToken(ctx context.Context, creds models.Credentials) error {
	var me struct {
		ID string `json:"id"`
	}
	if err := c.client.getJSON(ctx, "/admin/directory/v1/users/me", creds.AccessToken, &me); err != nil {
		return err
	}
	if me.ID == "" {
		return apperr.Newf(apperr.KindInvalidGrant, "connector.validate",
			"google returned no identity for token").WithPlatform("google")
	}
	return nil
}

type googleToken struct {
	ClientID    string   `json:"clientId"`
	DisplayText string   `json:"displayText"`
	Scopes      []string `json:"scopes"`
	UserKey     string   `json:"userKey"`
	Anonymous   bool     `json:"anonymous"`
	NativeApp   bool     `json:"nativeApp"`
}

type googleScriptProject struct {
	ScriptID   string `json:"scriptId"`
	Title      string `json:"title"`
	Creator    string `json:"creatorEmail"`
	UpdateTime string `json:"updateTime"`
	Deployed   bool   `json:"deployed"`
	TriggerQty int    `json:"triggerCount"`
}

// Discover streams OAuth grants across directory users, then Apps Script
// projects. Directory paging uses Google's pageToken cursor.
func (c *GoogleConnector) Discover(ctx context.Context, conn models.PlatformConnection, creds models.Credentials, cursor string) (*Stream, error) {
	token := creds.AccessToken
	return newStream(ctx, func(ctx context.Context, out chan<- Record) error {
		next := cursor
		for {
			var page struct {
				Users []struct {
					ID           string `json:"id"`
					PrimaryEmail string `json:"primaryEmail"`
				} `json:"users"`
				NextPageToken string `json:"nextPageToken"`
			}
			path := "/admin/directory/v1/users?customer=my_customer&maxResults=100"
			if next != "" {
				path += "&pageToken=" + url.QueryEscape(next)
			}
			if err := c.client.getJSON(ctx, path, token, &page); err != nil {
				return err
			}

			for _, u := range page.Users {
				var grants struct {
					Items []googleToken `json:"items"`
				}
				tp := fmt.Sprintf("/admin/directory/v1/users/%s/tokens", url.PathEscape(u.ID))
				if err := c.client.getJSON(ctx, tp, token, &grants); err != nil {
					// Suspended users answer 403 per-user; skip rather
					// than fail the whole run.
					if apperr.KindOf(err) == apperr.KindInvalidGrant {
						continue
					}
					return err
				}
				for _, g := range grants.Items {
					rec := c.tokenRecord(u.ID, u.PrimaryEmail, g, page.NextPageToken)
					select {
					case out <- rec:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}

			next = page.NextPageToken
			if next == "" {
				break
			}
		}

		// Apps Script projects and the activity behind them.
		var scripts struct {
			Projects []googleScriptProject `json:"projects"`
		}
		if err := c.client.getJSON(ctx, "/apps/script/v1/projects", token, &scripts); err == nil {
			for _, p := range scripts.Projects {
				rec, err := c.scriptRecord(ctx, token, p)
				if err != nil {
					return err
				}
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

func (c *GoogleConnector) tokenRecord(userID, email string, g googleToken, cursor string) Record {
	metadata, _ := json.Marshal(map[string]any{
		"client_id":  g.ClientID,
		"user_email": email,
		"anonymous":  g.Anonymous,
		"native_app": g.NativeApp,
	})
	name := g.DisplayText
	if name == "" {
		name = g.ClientID
	}
	return Record{
		ExternalID:  g.ClientID + ":" + userID,
		Type:        models.AutomationOAuthApp,
		Name:        name,
		Permissions: g.Scopes,
		Metadata:    metadata,
		OwnerUserID: userID,
		Cursor:      cursor,
	}
}

func (c *GoogleConnector) scriptRecord(ctx context.Context, token string, p googleScriptProject) (Record, error) {
	metadata, _ := json.Marshal(map[string]any{
		"deployed":      p.Deployed,
		"trigger_count": p.TriggerQty,
		"update_time":   p.UpdateTime,
	})

	var activity []models.ActivityEvent
	var runs struct {
		Processes []struct {
			FunctionName string `json:"functionName"`
			StartTime    string `json:"startTime"`
			ProcessType  string `json:"processType"`
		} `json:"processes"`
	}
	path := fmt.Sprintf("/apps/script/v1/processes?scriptId=%s&pageSize=200", url.QueryEscape(p.ScriptID))
	if err := c.client.getJSON(ctx, path, token, &runs); err == nil {
		for _, proc := range runs.Processes {
			ts, perr := time.Parse(time.RFC3339, proc.StartTime)
			if perr != nil {
				continue
			}
			activity = append(activity, models.ActivityEvent{
				ActorID:     p.ScriptID,
				Operation:   proc.FunctionName,
				TargetClass: proc.ProcessType,
				Records:     1,
				Timestamp:   ts.UTC(),
			})
		}
	}

	return Record{
		ExternalID:  p.ScriptID,
		Type:        models.AutomationScript,
		Name:        p.Title,
		OwnerUserID: p.Creator,
		Metadata:    metadata,
		Activity:    activity,
	}, nil
}

var _ Connector = (*GoogleConnector)(nil)
