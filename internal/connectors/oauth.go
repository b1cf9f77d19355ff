package connectors

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/oauth2"

	apperr "github.com/skylight-sec/skylight/internal/errors"
	"github.com/skylight-sec/skylight/internal/models"
)

// OAuthApp is the per-platform OAuth client registration.
type OAuthApp struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	AuthURL      string
	TokenURL     string
}

func (a OAuthApp) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		RedirectURL:  a.RedirectURL,
		Scopes:       a.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  a.AuthURL,
			TokenURL: a.TokenURL,
		},
	}
}

// authorizationURL builds the consent URL carrying the opaque state.
func (a OAuthApp) authorizationURL(state string) string {
	return a.config().AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// exchange swaps the authorization code for credentials.
func (a OAuthApp) exchange(ctx context.Context, platform models.Platform, code string) (models.Credentials, error) {
	tok, err := a.config().Exchange(ctx, code)
	if err != nil {
		return models.Credentials{}, classifyOAuthErr("connector.exchange", platform, err)
	}
	return tokenToCredentials(tok, a.Scopes), nil
}

// refresh obtains a fresh token from the refresh grant. The previous refresh
// token is preserved when the platform does not reissue one, and the scope
// set carries over unchanged.
func (a OAuthApp) refresh(ctx context.Context, platform models.Platform, creds models.Credentials) (models.Credentials, error) {
	if creds.RefreshToken == "" {
		return models.Credentials{}, apperr.Newf(apperr.KindInvalidGrant, "connector.refresh",
			"no refresh token on file").WithPlatform(string(platform))
	}

	src := a.config().TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return models.Credentials{}, classifyOAuthErr("connector.refresh", platform, err)
	}

	next := tokenToCredentials(tok, creds.Scopes)
	if next.RefreshToken == "" {
		next.RefreshToken = creds.RefreshToken
	}
	return next, nil
}

func tokenToCredentials(tok *oauth2.Token, scopes []string) models.Credentials {
	expiry := tok.Expiry
	if expiry.IsZero() {
		// Some platforms issue non-expiring tokens; use a long horizon so
		// the refresh scheduler leaves them alone.
		expiry = time.Now().Add(10 * 365 * 24 * time.Hour)
	}
	return models.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scopes:       scopes,
		ExpiresAt:    expiry.UTC(),
	}
}

// classifyOAuthErr separates terminal grant failures from transport noise so
// the connection manager can expire connections only when the grant is gone.
func classifyOAuthErr(op string, platform models.Platform, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode == 429 {
			return apperr.New(apperr.KindUpstreamRateLimited, op, err).WithPlatform(string(platform))
		}
		errorCode := retrieveErr.ErrorCode
		if errorCode == "" {
			errorCode = strings.ToLower(string(retrieveErr.Body))
		}
		if strings.Contains(errorCode, "invalid_grant") ||
			strings.Contains(errorCode, "invalid_client") ||
			strings.Contains(errorCode, "access_denied") {
			return apperr.New(apperr.KindInvalidGrant, op, err).WithPlatform(string(platform))
		}
		return apperr.New(apperr.KindUpstreamUnavailable, op, err).WithPlatform(string(platform))
	}
	return apperr.New(apperr.KindUpstreamUnavailable, op, err).WithPlatform(string(platform))
}
