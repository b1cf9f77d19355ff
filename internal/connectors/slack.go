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

// SlackConnector enumerates bots, installed apps, and workflow/webhook
// automations from a Slack workspace.
type SlackConnector struct {
	app     OAuthApp
	client  *apiClient
	limiter *rate.Limiter
}

// SlackConfig configures the Slack adapter. BaseURL is overridable for tests.
type SlackConfig struct {
	App     OAuthApp
	BaseURL string
	// RequestsPerMinute caps the adapter's token bucket. Slack tier-2
	// methods allow ~20/min; default to that floor.
	RequestsPerMinute int
}

// NewSlackConnector creates the Slack adapter.
func NewSlackConnector(cfg SlackConfig) *SlackConnector {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://slack.com/api"
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 20
	}
	if cfg.App.AuthURL == "" {
		cfg.App.AuthURL = "https://slack.com/oauth/v2/authorize"
	}
	if cfg.App.TokenURL == "" {
		cfg.App.TokenURL = "https://slack.com/api/oauth.v2.access"
	}
	limiter := rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 5)
	return &SlackConnector{
		app:     cfg.App,
		client:  newAPIClient(models.PlatformSlack, cfg.BaseURL, limiter),
		limiter: limiter,
	}
}

func (c *SlackConnector) Platform() models.Platform { return models.PlatformSlack }

func (c *SlackConnector) Capabilities() Capabilities {
	return Capabilities{
		DiscoverAutomations: true,
		ListUsers:           true,
		FetchAuditEvents:    true,
		ValidateToken:       true,
	}
}

func (c *SlackConnector) Limiter() *rate.Limiter { return c.limiter }

func (c *SlackConnector) BuildAuthorizationURL(state string) string {
	return c.app.authorizationURL(state)
}

func (c *SlackConnector) ExchangeCode(ctx context.Context, code string) (models.Credentials, UserInfo, error) {
	creds, err := c.app.exchange(ctx, models.PlatformSlack, code)
	if err != nil {
		return models.Credentials{}, UserInfo{}, err
	}

	var identity struct {
		OK   bool `json:"ok"`
		User struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"user"`
		Team struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"team"`
	}
	if err := c.client.getJSON(ctx, "/auth.test", creds.AccessToken, &identity); err != nil {
		return models.Credentials{}, UserInfo{}, err
	}
	if !identity.OK {
		return models.Credentials{}, UserInfo{}, apperr.Newf(apperr.KindInvalidGrant,
			"connector.exchange", "slack auth.test rejected the new token").WithPlatform("slack")
	}
	return creds, UserInfo{
		PlatformUserID: identity.User.ID,
		WorkspaceID:    identity.Team.ID,
		WorkspaceName:  identity.Team.Name,
	}, nil
}

func (c *SlackConnector) Refresh(ctx context.Context, creds models.Credentials) (models.Credentials, error) {
	return c.app.refresh(ctx, models.PlatformSlack, creds)
}

func (c *SlackConnector) Revoke(ctx context.Context, creds models.Credentials) (bool, error) {
	var resp struct {
		OK      bool `json:"ok"`
		Revoked bool `json:"revoked"`
	}
	if err := c.client.getJSON(ctx, "/auth.revoke", creds.AccessToken, &resp); err != nil {
		return false, err
	}
	return resp.OK && resp.Revoked, nil
}

func (c *SlackConnector) ValidateToken(ctx context.Context, creds models.Credentials) error {
	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := c.client.getJSON(ctx, "/auth.test", creds.AccessToken, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return apperr.Newf(apperr.KindInvalidGrant, "connector.validate",
			"slack rejected token: %s", resp.Error).WithPlatform("slack")
	}
	return nil
}

type slackBot struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	AppID   string   `json:"app_id"`
	Deleted bool     `json:"deleted"`
	Scopes  []string `json:"scopes"`
	Updated int64    `json:"updated"`
}

type slackWorkflow struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	CreatorID     string `json:"creator_id"`
	IsPublished   bool   `json:"is_published"`
	LastExecuted  int64  `json:"last_executed"`
	WebhookURL    string `json:"webhook_url,omitempty"`
	ExecutionRate int64  `json:"execution_count_7d"`
}

// Discover streams the workspace's bots and workflows. Slack's cursor
// pagination is stable, so a cursor resumes where the prior run stopped.
func (c *SlackConnector) Discover(ctx context.Context, conn models.PlatformConnection, creds models.Credentials, cursor string) (*Stream, error) {
	token := creds.AccessToken
	return newStream(ctx, func(ctx context.Context, out chan<- Record) error {
		next := cursor
		for {
			var page struct {
				OK       bool       `json:"ok"`
				Error    string     `json:"error"`
				Bots     []slackBot `json:"bots"`
				Metadata struct {
					NextCursor string `json:"next_cursor"`
				} `json:"response_metadata"`
			}
			path := "/bots.list?limit=100"
			if next != "" {
				path += "&cursor=" + url.QueryEscape(next)
			}
			if err := c.client.getJSON(ctx, path, token, &page); err != nil {
				return err
			}
			if !page.OK {
				return apperr.Newf(apperr.KindUpstreamUnavailable, "connector.discover",
					"slack bots.list error: %s", page.Error).WithPlatform("slack")
			}

			for _, bot := range page.Bots {
				if bot.Deleted {
					continue
				}
				rec, err := c.botRecord(ctx, token, bot, page.Metadata.NextCursor)
				if err != nil {
					return err
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			next = page.Metadata.NextCursor
			if next == "" {
				break
			}
		}

		// Workflow automations come from a separate listing without
		// pagination cursors; always scanned in full.
		var wf struct {
			OK        bool            `json:"ok"`
			Workflows []slackWorkflow `json:"workflows"`
		}
		if err := c.client.getJSON(ctx, "/workflows.list", token, &wf); err != nil {
			return err
		}
		if wf.OK {
			for _, w := range wf.Workflows {
				rec := c.workflowRecord(w)
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

func (c *SlackConnector) botRecord(ctx context.Context, token string, bot slackBot, cursor string) (Record, error) {
	metadata, _ := json.Marshal(map[string]any{
		"app_id":  bot.AppID,
		"updated": bot.Updated,
	})

	// Recent actor activity feeds the detector windows; absence is not an
	// error, smaller workspaces have no audit API access.
	var activity []models.ActivityEvent
	var events struct {
		OK      bool `json:"ok"`
		Entries []struct {
			Action string `json:"action"`
			Entity string `json:"entity_type"`
			Count  int64  `json:"count"`
			TS     int64  `json:"date_create"`
		} `json:"entries"`
	}
	path := fmt.Sprintf("/audit.logs?actor=%s&limit=200", url.QueryEscape(bot.ID))
	if err := c.client.getJSON(ctx, path, token, &events); err == nil && events.OK {
		for _, e := range events.Entries {
			activity = append(activity, models.ActivityEvent{
				ActorID:     bot.ID,
				Operation:   e.Action,
				TargetClass: e.Entity,
				Records:     e.Count,
				Timestamp:   time.Unix(e.TS, 0).UTC(),
			})
		}
	}

	return Record{
		ExternalID:  bot.ID,
		Type:        models.AutomationBot,
		Name:        bot.Name,
		Permissions: bot.Scopes,
		Metadata:    metadata,
		Activity:    activity,
		Cursor:      cursor,
	}, nil
}

func (c *SlackConnector) workflowRecord(w slackWorkflow) Record {
	metadata, _ := json.Marshal(map[string]any{
		"is_published":       w.IsPublished,
		"webhook_url":        w.WebhookURL,
		"execution_count_7d": w.ExecutionRate,
	})
	typ := models.AutomationWorkflow
	if w.WebhookURL != "" {
		typ = models.AutomationWebhook
	}
	return Record{
		ExternalID:  w.ID,
		Type:        typ,
		Name:        w.Title,
		OwnerUserID: w.CreatorID,
		Metadata:    metadata,
	}
}

var _ Connector = (*SlackConnector)(nil)
