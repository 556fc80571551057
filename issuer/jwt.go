package issuer

import (
	"context"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWT issues self-contained signed access tokens. Resource servers can
// verify them offline; family-wide revocation still applies because the
// engine records every issued token's metadata by family.
type JWT struct {
	issuer         string
	audience       string
	signingKey     []byte
	accessTokenTTL time.Duration

	// NowFunc returns the current time. Defaults to time.Now;
	// overridable in tests.
	NowFunc func() time.Time
}

// NewJWT creates a JWT issuer signing with HMAC-SHA256.
func NewJWT(issuer, audience string, signingKey []byte, accessTokenTTL time.Duration) (*JWT, error) {
	if len(signingKey) < 32 {
		return nil, fmt.Errorf("signing key must be at least 32 bytes, got %d", len(signingKey))
	}
	return &JWT{
		issuer:         issuer,
		audience:       audience,
		signingKey:     signingKey,
		accessTokenTTL: accessTokenTTL,
	}, nil
}

// SetNowFunc overrides the issuer clock. The engine calls this when its own
// clock is overridden, so iat/exp claims stay on the engine's clock.
func (j *JWT) SetNowFunc(now func() time.Time) {
	if now != nil {
		j.NowFunc = now
	}
}

// IssueAccessToken mints a signed access token carrying the grant context.
func (j *JWT) IssueAccessToken(_ context.Context, req IssueRequest) (string, time.Time, error) {
	now := j.now()
	expiresAt := now.Add(j.accessTokenTTL)

	claims := jwtlib.MapClaims{
		"iss":       j.issuer,
		"sub":       req.PrincipalID,
		"aud":       j.audience,
		"client_id": req.ClientID,
		"scope":     strings.Join(req.Scope, " "),
		"fid":       req.FamilyID, // token family, for revocation checks
		"gen":       req.Generation,
		"iat":       now.Unix(),
		"exp":       expiresAt.Unix(),
		"jti":       uuid.New().String(),
	}

	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// NewRefreshID mints a fresh opaque refresh token identifier. Refresh
// tokens stay opaque even when access tokens are JWTs; their state lives in
// the store.
func (j *JWT) NewRefreshID() string {
	return generateRandomToken()
}

func (j *JWT) now() time.Time {
	if j.NowFunc != nil {
		return j.NowFunc()
	}
	return time.Now()
}
