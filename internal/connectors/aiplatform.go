package connectors

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	apperr "github.com/skylight-sec/skylight/internal/errors"
	"github.com/skylight-sec/skylight/internal/models"
)

// AIPlatformConnector covers the AI provider workspaces (ChatGPT
// Enterprise, Claude, Gemini). Their admin APIs share a shape: workspace
// API keys and custom assistants, listed with an opaque `after` cursor.
// One parameterized adapter serves all three.
type AIPlatformConnector struct {
	platform models.Platform
	app      OAuthApp
	client   *apiClient
	limiter  *rate.Limiter
}

// AIPlatformConfig configures one AI provider adapter.
type AIPlatformConfig struct {
	Platform          models.Platform
	App               OAuthApp
	BaseURL           string
	RequestsPerMinute int
}

var aiDefaults = map[models.Platform]struct {
	baseURL  string
	authURL  string
	tokenURL string
}{
	models.PlatformChatGPT: {
		baseURL:  "https://api.openai.com/v1",
		authURL:  "https://auth.openai.com/authorize",
		tokenURL: "https://auth.openai.com/oauth/token",
	},
	models.PlatformClaude: {
		baseURL:  "https://api.anthropic.com/v1",
		authURL:  "https://console.anthropic.com/oauth/authorize",
		tokenURL: "https://console.anthropic.com/oauth/token",
	},
	models.PlatformGemini: {
		baseURL:  "https://generativelanguage.googleapis.com/v1",
		authURL:  "https://accounts.google.com/o/oauth2/v2/auth",
		tokenURL: "https://oauth2.googleapis.com/token",
	},
}

// NewAIPlatformConnector creates an adapter for one AI provider workspace.
func NewAIPlatformConnector(cfg AIPlatformConfig) *AIPlatformConnector {
	defs := aiDefaults[cfg.Platform]
	if cfg.BaseURL == "" {
		cfg.BaseURL = defs.baseURL
	}
	if cfg.App.AuthURL == "" {
		cfg.App.AuthURL = defs.authURL
	}
	if cfg.App.TokenURL == "" {
		cfg.App.TokenURL = defs.tokenURL
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	limiter := rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 5)
	return &AIPlatformConnector{
		platform: cfg.Platform,
		app:      cfg.App,
		client:   newAPIClient(cfg.Platform, cfg.BaseURL, limiter),
		limiter:  limiter,
	}
}

func (c *AIPlatformConnector) Platform() models.Platform { return c.platform }

// Capabilities: AI workspaces expose key and assistant listings but no
// per-user directory and no audit feed for delegated tokens.
func (c *AIPlatformConnector) Capabilities() Capabilities {
	return Capabilities{
		DiscoverAutomations: true,
		ValidateToken:       true,
	}
}

func (c *AIPlatformConnector) Limiter() *rate.Limiter { return c.limiter }

func (c *AIPlatformConnector) BuildAuthorizationURL(state string) string {
	return c.app.authorizationURL(state)
}

func (c *AIPlatformConnector) ExchangeCode(ctx context.Context, code string) (models.Credentials, UserInfo, error) {
	creds, err := c.app.exchange(ctx, c.platform, code)
	if err != nil {
		return models.Credentials{}, UserInfo{}, err
	}
	var me struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Org   struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"organization"`
	}
	if err := c.client.getJSON(ctx, "/me", creds.AccessToken, &me); err != nil {
		return models.Credentials{}, UserInfo{}, err
	}
	return creds, UserInfo{
		PlatformUserID: me.ID,
		Email:          me.Email,
		WorkspaceID:    me.Org.ID,
		WorkspaceName:  me.Org.Name,
	}, nil
}

func (c *AIPlatformConnector) Refresh(ctx context.Context, creds models.Credentials) (models.Credentials, error) {
	return c.app.refresh(ctx, c.platform, creds)
}

func (c *AIPlatformConnector) Revoke(ctx context.Context, creds models.Credentials) (bool, error) {
	var resp struct {
		Revoked bool `json:"revoked"`
	}
	if err := c.client.getJSON(ctx, "/oauth/revoke", creds.AccessToken, &resp); err != nil {
		if apperr.KindOf(err) == apperr.KindInvalidGrant {
			return true, nil
		}
		return false, err
	}
	return resp.Revoked, nil
}

func (c *AIPlatformConnector) ValidateToken(ctx context.Context, creds models.Credentials) error {
	var me struct {
		ID string `json:"id"`
	}
	if err := c.client.getJSON(ctx, "/me", creds.AccessToken, &me); err != nil {
		return err
	}
	if me.ID == "" {
		return apperr.Newf(apperr.KindInvalidGrant, "connector.validate",
			"provider returned no identity for token").WithPlatform(string(c.platform))
	}
	return nil
}

type aiAPIKey struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	OwnerID    string          `json:"owner_id"`
	RawScopes  json.RawMessage `json:"scopes"`
	CreatedAt  int64           `json:"created_at"`
	LastUsedAt int64           `json:"last_used_at"`
	Usage      []struct {
		Endpoint string `json:"endpoint"`
		Requests int64  `json:"requests"`
		Tokens   int64  `json:"tokens"`
		Bucket   int64  `json:"bucket_start"`
	} `json:"usage_buckets"`
}

type aiAssistant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Model     string `json:"model"`
	CreatorID string `json:"creator_id"`
	Tools     []struct {
		Type string `json:"type"`
	} `json:"tools"`
	CreatedAt int64 `json:"created_at"`
}

// Discover streams workspace API keys, then custom assistants. Both
// listings use the provider's `after` cursor; only the key listing is
// resumable because assistant order is not stable across runs.
func (c *AIPlatformConnector) Discover(ctx context.Context, conn models.PlatformConnection, creds models.Credentials, cursor string) (*Stream, error) {
	token := creds.AccessToken
	return newStream(ctx, func(ctx context.Context, out chan<- Record) error {
		next := cursor
		for {
			var page struct {
				Data    []aiAPIKey `json:"data"`
				HasMore bool       `json:"has_more"`
				LastID  string     `json:"last_id"`
			}
			path := "/organization/api_keys?limit=100"
			if next != "" {
				path += "&after=" + url.QueryEscape(next)
			}
			if err := c.client.getJSON(ctx, path, token, &page); err != nil {
				return err
			}
			for _, k := range page.Data {
				rec := c.keyRecord(k, page.LastID)
				select {
				case out <- rec:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if !page.HasMore {
				break
			}
			next = page.LastID
		}

		var assistants struct {
			Data    []aiAssistant `json:"data"`
			HasMore bool          `json:"has_more"`
			LastID  string        `json:"last_id"`
		}
		after := ""
		for {
			path := "/assistants?limit=100"
			if after != "" {
				path += "&after=" + url.QueryEscape(after)
			}
			if err := c.client.getJSON(ctx, path, token, &assistants); err != nil {
				// Not every provider tier exposes assistants; a denied
				// listing is not a run failure.
				if apperr.KindOf(err) == apperr.KindInvalidGrant {
					return nil
				}
				return err
			}
			for _, a := range assistants.Data {
				rec := c.assistantRecord(a)
				select {
				case out <- rec:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if !assistants.HasMore {
				return nil
			}
			after = assistants.LastID
		}
	}), nil
}

func (c *AIPlatformConnector) keyRecord(k aiAPIKey, cursor string) Record {
	var scopes []string
	_ = json.Unmarshal(k.RawScopes, &scopes)
	metadata, _ := json.Marshal(map[string]any{
		"created_at":   k.CreatedAt,
		"last_used_at": k.LastUsedAt,
	})

	var activity []models.ActivityEvent
	for _, u := range k.Usage {
		activity = append(activity, models.ActivityEvent{
			ActorID:     k.ID,
			Operation:   u.Endpoint,
			TargetClass: "api_request",
			Records:     u.Requests,
			BytesRead:   u.Tokens,
			Timestamp:   time.Unix(u.Bucket, 0).UTC(),
		})
	}

	return Record{
		ExternalID:  k.ID,
		Type:        models.AutomationServiceAccount,
		Name:        k.Name,
		Permissions: scopes,
		Metadata:    metadata,
		OwnerUserID: k.OwnerID,
		Activity:    activity,
		Cursor:      cursor,
	}
}

func (c *AIPlatformConnector) assistantRecord(a aiAssistant) Record {
	tools := make([]string, 0, len(a.Tools))
	for _, t := range a.Tools {
		tools = append(tools, t.Type)
	}
	metadata, _ := json.Marshal(map[string]any{
		"model":      a.Model,
		"tools":      tools,
		"created_at": a.CreatedAt,
	})
	return Record{
		ExternalID:  a.ID,
		Type:        models.AutomationBot,
		Name:        a.Name,
		Permissions: tools,
		Metadata:    metadata,
		OwnerUserID: a.CreatorID,
	}
}

var _ Connector = (*AIPlatformConnector)(nil)
