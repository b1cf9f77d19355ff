// Package auth verifies bearer tokens issued by the external identity
// provider and carries the authenticated principal through request
// contexts. The server never mints end-user tokens.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperr "github.com/skylight-sec/skylight/internal/errors"
)

// Role is the dashboard role encoded in the token.
type Role string

const (
	RoleCISO            Role = "ciso"
	RoleSecurityAnalyst Role = "security_analyst"
	RoleAdmin           Role = "admin"
	RoleViewer          Role = "viewer"
)

// Known reports whether the role is one the server recognizes.
func (r Role) Known() bool {
	switch r {
	case RoleCISO, RoleSecurityAnalyst, RoleAdmin, RoleViewer:
		return true
	}
	return false
}

// Principal is the verified identity behind a request or socket.
type Principal struct {
	UserID         string
	OrganizationID string
	Role           Role
}

type tokenClaims struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier checks token signature, expiry, and audience.
type Verifier struct {
	secret   []byte
	audience string
	issuer   string
}

func NewVerifier(secret, audience, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), audience: audience, issuer: issuer}
}

// Verify parses a compact JWS and returns the principal it asserts.
func (v *Verifier) Verify(token string) (Principal, error) {
	const op = "auth.Verify"
	if token == "" {
		return Principal{}, apperr.Newf(apperr.KindAuthRequired, op, "bearer token missing")
	}
	if len(v.secret) == 0 {
		return Principal{}, apperr.Newf(apperr.KindTokenInvalid, op, "token verification is not configured")
	}

	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	},
		jwt.WithAudience(v.audience),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil || !parsed.Valid {
		return Principal{}, apperr.New(apperr.KindTokenInvalid, op, err)
	}
	if claims.UserID == "" || claims.OrganizationID == "" {
		return Principal{}, apperr.Newf(apperr.KindTokenInvalid, op, "token payload missing identity")
	}

	role := Role(claims.Role)
	if !role.Known() {
		role = RoleViewer
	}
	return Principal{
		UserID:         claims.UserID,
		OrganizationID: claims.OrganizationID,
		Role:           role,
	}, nil
}

// FromAuthorizationHeader extracts the compact token from a Bearer header.
func FromAuthorizationHeader(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

type contextKey string

const contextKeyPrincipal contextKey = "principal"

// WithPrincipal binds the verified principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, p)
}

// PrincipalFrom extracts the principal; ok is false for unauthenticated
// contexts.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKeyPrincipal).(Principal)
	return p, ok
}
