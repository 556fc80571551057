// Package issuer mints access-token values and refresh-token identifiers.
//
// The grant engine treats issuers as stateless collaborators: it calls them
// after validation succeeds and records the results itself. Two
// implementations are provided, Opaque (random strings, validated against
// the store) and JWT (self-contained signed tokens).
package issuer

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// IssueRequest carries everything an issuer may embed in an access token.
type IssueRequest struct {
	PrincipalID string
	ClientID    string
	Scope       []string
	FamilyID    string
	Generation  int
}

// Issuer mints access tokens and refresh-token identifiers.
//
// IssueAccessToken returns the token value and its expiry. NewRefreshID
// returns an opaque, unguessable string with at least 128 bits of entropy;
// values must never repeat.
type Issuer interface {
	IssueAccessToken(ctx context.Context, req IssueRequest) (token string, expiresAt time.Time, err error)
	NewRefreshID() string
}

// Opaque issues random, store-validated access tokens.
type Opaque struct {
	// AccessTokenTTL is the lifetime of issued access tokens.
	AccessTokenTTL time.Duration

	// NowFunc returns the current time. Defaults to time.Now;
	// overridable in tests.
	NowFunc func() time.Time
}

// NewOpaque creates an opaque issuer with the given access-token lifetime.
func NewOpaque(accessTokenTTL time.Duration) *Opaque {
	return &Opaque{AccessTokenTTL: accessTokenTTL}
}

// SetNowFunc overrides the issuer clock. The engine calls this when its own
// clock is overridden, so expiry math never mixes two clocks.
func (o *Opaque) SetNowFunc(now func() time.Time) {
	if now != nil {
		o.NowFunc = now
	}
}

// IssueAccessToken mints a random access token value.
func (o *Opaque) IssueAccessToken(_ context.Context, _ IssueRequest) (string, time.Time, error) {
	return generateRandomToken(), o.now().Add(o.AccessTokenTTL), nil
}

// NewRefreshID mints a fresh opaque refresh token identifier.
func (o *Opaque) NewRefreshID() string {
	return generateRandomToken()
}

func (o *Opaque) now() time.Time {
	if o.NowFunc != nil {
		return o.NowFunc()
	}
	return time.Now()
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for token values.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
