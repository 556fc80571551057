package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/issuer"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/storage"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Grant type identifiers accepted by the token endpoint.
const (
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
)

// PrincipalVerifier validates resource-owner credentials for the deprecated
// password grant. External collaborator; the engine never sees how
// verification happens, only the resulting principal identity.
type PrincipalVerifier interface {
	VerifyPrincipal(ctx context.Context, username, password string) (principalID string, err error)
}

// GrantRequest is a decoded token-endpoint request. Transport parsing is the
// caller's job; the engine only sees fields.
type GrantRequest struct {
	GrantType    string
	RefreshToken string
	Scope        string // raw space-delimited scope parameter
	ClientID     string
	ClientSecret string

	// Password grant only
	Username string
	Password string
}

// TokenResponse is a successful grant result.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string // empty when no refresh token is issued
	Scope        []string
}

// Engine is the token-grant core. It owns all token state transitions;
// collaborators are injected and never bypassed.
type Engine struct {
	tokens     storage.TokenStore
	clients    storage.ClientStore
	issuer     issuer.Issuer
	principals PrincipalVerifier // optional, password grant only

	Auditor                  *security.Auditor
	SecurityEventRateLimiter *security.RateLimiter // caps security event logging (DoS prevention)
	Logger                   *slog.Logger
	Config                   *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// nowFunc returns the current time. Overridable in tests.
	nowFunc func() time.Time
}

// New creates a token-grant engine.
func New(tokens storage.TokenStore, clients storage.ClientStore, iss issuer.Issuer, config *Config, logger *slog.Logger) (*Engine, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if iss == nil {
		return nil, fmt.Errorf("issuer is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	return &Engine{
		tokens:  tokens,
		clients: clients,
		issuer:  iss,
		Logger:  logger,
		Config:  config,
		nowFunc: time.Now,
	}, nil
}

// SetAuditor sets the security auditor
func (e *Engine) SetAuditor(aud *security.Auditor) {
	e.Auditor = aud
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging.
// This prevents DoS attacks via log flooding from repeated replay attempts.
func (e *Engine) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	e.SecurityEventRateLimiter = rl
}

// SetPrincipalVerifier sets the resource-owner credential verifier used by
// the password grant.
func (e *Engine) SetPrincipalVerifier(pv PrincipalVerifier) {
	e.principals = pv
}

// SetInstrumentation enables OpenTelemetry metrics and tracing
func (e *Engine) SetInstrumentation(inst *instrumentation.Instrumentation) {
	e.instrumentation = inst
	if inst != nil {
		e.tracer = inst.Tracer("engine")
	}
}

// SetNowFunc overrides the engine clock. Issuers that carry their own clock
// follow it, so token expiry is computed against the same now the engine
// uses for ExpiresIn and record timestamps. Intended for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		return
	}
	e.nowFunc = now
	if c, ok := e.issuer.(interface{ SetNowFunc(func() time.Time) }); ok {
		c.SetNowFunc(now)
	}
}

func (e *Engine) now() time.Time {
	return e.nowFunc()
}

// Grant processes a decoded token-endpoint request end to end: shape
// validation, client authentication, grant-type eligibility, then the
// grant-specific path. All failures are *GrantError.
func (e *Engine) Grant(ctx context.Context, req *GrantRequest) (*TokenResponse, error) {
	ctx, span := e.startSpan(ctx, "grant")
	defer span.End()

	if err := validateGrantShape(req); err != nil {
		return nil, err
	}

	client, err := e.authenticateClient(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := e.validateGrantTypeEligibility(client, req.GrantType); err != nil {
		return nil, err
	}

	switch req.GrantType {
	case GrantTypeRefreshToken:
		return e.Redeem(ctx, req.RefreshToken, client, ParseScope(req.Scope))
	case GrantTypeClientCredentials:
		return e.grantClientCredentials(ctx, client, ParseScope(req.Scope))
	case GrantTypePassword:
		return e.grantPassword(ctx, client, req)
	default:
		// validateGrantShape already rejected unknown types
		return nil, newGrantError(KindUnsupportedGrantType, fmt.Sprintf("grant type %q is not supported", req.GrantType))
	}
}

// NewFamily creates generation 1 of a refresh-token family after a
// qualifying grant completes (authorization code, device flow, password).
// Client-credentials flows never create families.
func (e *Engine) NewFamily(ctx context.Context, client *storage.Client, principalID string, scope []string) (*TokenResponse, error) {
	ctx, span := e.startSpan(ctx, "new_family")
	defer span.End()

	scope, err := e.checkSupportedScopes(scope)
	if err != nil {
		return nil, err
	}

	now := e.now()
	record := &storage.RefreshTokenRecord{
		ID:          e.issuer.NewRefreshID(),
		FamilyID:    uuid.New().String(),
		Generation:  1,
		ClientID:    client.ClientID,
		PrincipalID: principalID,
		Scope:       scope,
		IssuedAt:    now,
		ExpiresAt:   now.Add(e.Config.RefreshTokenTTL),
		State:       storage.StateActive,
	}

	if err := e.tokens.InsertRefreshToken(ctx, record); err != nil {
		return nil, storeFailure("insert refresh token", err)
	}

	resp, err := e.mintAccessToken(ctx, record)
	if err != nil {
		return nil, err
	}
	resp.RefreshToken = record.ID

	e.Logger.Info("token family created",
		"client_id", client.ClientID,
		"family_id", safeTruncate(record.FamilyID, 8),
		"scope", scope)

	if e.Auditor != nil {
		e.Auditor.LogTokenIssued(principalID, client.ClientID, record.FamilyID, scope)
	}

	e.recordGrant(ctx, "new_family", client.ClientID, nil)
	return resp, nil
}

// grantClientCredentials issues an access token directly against the
// client's own identity. No refresh token and no family: the client can
// simply authenticate again.
func (e *Engine) grantClientCredentials(ctx context.Context, client *storage.Client, requestedScope []string) (*TokenResponse, error) {
	scope, err := ValidateScopeSubset(requestedScope, client.Scopes)
	if err != nil {
		return nil, err
	}
	scope, err = e.checkSupportedScopes(scope)
	if err != nil {
		return nil, err
	}

	now := e.now()
	record := &storage.RefreshTokenRecord{
		// synthetic record context for the issuer; nothing is stored
		ClientID:    client.ClientID,
		PrincipalID: client.ClientID,
		Scope:       scope,
		IssuedAt:    now,
	}
	resp, err := e.mintAccessToken(ctx, record)
	if err != nil {
		return nil, err
	}

	e.recordGrant(ctx, GrantTypeClientCredentials, client.ClientID, nil)
	return resp, nil
}

// grantPassword validates resource-owner credentials and starts a family,
// exactly as a completed interactive grant would.
func (e *Engine) grantPassword(ctx context.Context, client *storage.Client, req *GrantRequest) (*TokenResponse, error) {
	if !e.Config.AllowPasswordGrant {
		return nil, newGrantError(KindUnsupportedGrantType, "password grant is not enabled")
	}
	if e.principals == nil {
		return nil, newGrantError(KindUnsupportedGrantType, "password grant is not enabled")
	}

	principalID, err := e.principals.VerifyPrincipal(ctx, req.Username, req.Password)
	if err != nil {
		e.Logger.Debug("resource owner verification failed",
			"client_id", client.ClientID,
			"reason", err.Error())
		if e.Auditor != nil {
			e.Auditor.LogAuthFailure(client.ClientID, "invalid_resource_owner_credentials")
		}
		// Generic per RFC 6749; never confirm whether the username exists
		return nil, newGrantError(KindInvalidGrant, "invalid resource owner credentials")
	}

	scope, err := ValidateScopeSubset(ParseScope(req.Scope), client.Scopes)
	if err != nil {
		return nil, err
	}

	return e.NewFamily(ctx, client, principalID, scope)
}

// mintAccessToken issues an access token for the record's grant context and
// persists its metadata for family-scoped revocation. Records with no
// FamilyID (client credentials) skip persistence.
func (e *Engine) mintAccessToken(ctx context.Context, record *storage.RefreshTokenRecord) (*TokenResponse, error) {
	token, expiresAt, err := e.issuer.IssueAccessToken(ctx, issuer.IssueRequest{
		PrincipalID: record.PrincipalID,
		ClientID:    record.ClientID,
		Scope:       record.Scope,
		FamilyID:    record.FamilyID,
		Generation:  record.Generation,
	})
	if err != nil {
		return nil, storeFailure("issue access token", err)
	}

	now := e.now()
	if record.FamilyID != "" {
		meta := &storage.AccessTokenRecord{
			ID:          token,
			FamilyID:    record.FamilyID,
			Generation:  record.Generation,
			ClientID:    record.ClientID,
			PrincipalID: record.PrincipalID,
			Scope:       record.Scope,
			IssuedAt:    now,
			ExpiresAt:   expiresAt,
		}
		if err := e.tokens.SaveAccessToken(ctx, meta); err != nil {
			if errors.Is(err, storage.ErrFamilyRevoked) {
				// The family was revoked after its successor record was
				// inserted. The cascade has already flipped that record;
				// withholding the access token completes the revocation.
				return nil, invalidGrant()
			}
			return nil, storeFailure("save access token", err)
		}
	}

	return &TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(expiresAt.Sub(now).Seconds()),
		Scope:       record.Scope,
	}, nil
}

// checkSupportedScopes rejects scopes outside the engine-wide allowlist.
// An empty allowlist permits everything.
func (e *Engine) checkSupportedScopes(scope []string) ([]string, error) {
	if len(e.Config.SupportedScopes) == 0 {
		return scope, nil
	}
	if excess := scopeExcess(scope, e.Config.SupportedScopes); len(excess) > 0 {
		return nil, newGrantError(KindInvalidScope,
			fmt.Sprintf("unsupported scopes: %s", strings.Join(excess, " ")))
	}
	return scope, nil
}

// noopTracer backs spans when instrumentation is not configured, so
// callers can end the returned span unconditionally.
var noopTracer = tracenoop.NewTracerProvider().Tracer("")

// startSpan starts a tracing span for an engine operation
func (e *Engine) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if e.tracer == nil {
		return noopTracer.Start(ctx, operation)
	}
	return e.tracer.Start(ctx, fmt.Sprintf("engine.%s", operation))
}

// recordGrant records a grant outcome metric
func (e *Engine) recordGrant(ctx context.Context, grantType, clientID string, err error) {
	if e.instrumentation == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	e.instrumentation.Metrics().RecordGrant(ctx, grantType, clientID, result)
}

// safeTruncate safely truncates a string to maxLen characters without
// panicking. Used to log token and family id prefixes only.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
