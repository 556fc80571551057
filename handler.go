// Package oauth exposes the token grant engine over HTTP: an RFC 6749 token
// endpoint and an RFC 7009 revocation endpoint, with client authentication
// via HTTP Basic or form parameters.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-grants/engine"
	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/security"
)

const tokenTypeBearer = "Bearer"

// Handler is a thin HTTP adapter for the grant engine.
// It parses requests, delegates to the engine, and maps engine errors to
// RFC 6749 wire responses.
type Handler struct {
	engine *engine.Engine
	config *Config
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// RateLimiter limits requests per client IP. Optional.
	RateLimiter *security.RateLimiter

	// Auditor records security-relevant events. Optional.
	Auditor *security.Auditor
}

// NewHandler creates a new HTTP handler for the grant engine.
func NewHandler(eng *engine.Engine, config *Config, logger *slog.Logger) *Handler {
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		if config.Logger != nil {
			logger = config.Logger
		} else {
			logger = slog.Default()
		}
	}

	return &Handler{
		engine: eng,
		config: config,
		logger: logger,
	}
}

// SetInstrumentation wires metrics and tracing into the HTTP layer.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.instrumentation = inst
	if inst != nil {
		h.tracer = inst.Tracer("http")
	}
}

// Routes returns a ServeMux with the token and revocation endpoints
// registered, wrapped in request ID propagation.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", h.ServeToken)
	mux.HandleFunc("/oauth/revoke", h.ServeRevoke)
	return security.RequestIDMiddleware(mux)
}

// ServeToken handles the OAuth 2.0 token endpoint. All grant types go
// through the engine; this method only parses the form and translates the
// result to the wire.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.config.RateLimit.TrustProxy, h.config.RateLimit.TrustedProxyCount)
	if h.checkIPRateLimit(w, r, clientIP, "token") {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusTooManyRequests, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "parse form failed")
		h.writeError(w, NewOAuthError(ErrorCodeInvalidRequest, "failed to parse request", http.StatusBadRequest))
		return
	}

	req := &engine.GrantRequest{
		GrantType:    r.FormValue("grant_type"),
		RefreshToken: r.FormValue("refresh_token"),
		Scope:        r.FormValue("scope"),
		ClientID:     r.FormValue("client_id"),
		ClientSecret: r.FormValue("client_secret"),
		Username:     r.FormValue("username"),
		Password:     r.FormValue("password"),
	}

	// Basic auth credentials take precedence over form parameters
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		req.ClientID = basicID
		req.ClientSecret = basicSecret
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
		attribute.String(instrumentation.AttrClientID, req.ClientID),
	)

	resp, err := h.engine.Grant(ctx, req)
	if err != nil {
		oauthErr := fromGrantError(err)
		h.logger.Warn("Token request failed",
			"grant_type", req.GrantType,
			"client_id", req.ClientID,
			"ip", clientIP,
			"error_code", oauthErr.Code,
			"request_id", security.GetRequestID(ctx))
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, oauthErr.Code)
		h.writeError(w, oauthErr)
		return
	}

	h.logger.Info("Token request successful",
		"grant_type", req.GrantType,
		"client_id", req.ClientID,
		"ip", clientIP,
		"request_id", security.GetRequestID(ctx))

	h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, resp)
}

// ServeRevoke handles the RFC 7009 token revocation endpoint. Revocation of
// an unknown or foreign token still returns 200; only malformed requests and
// failed client authentication are reported.
func (h *Handler) ServeRevoke(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.revoke")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(ctx, "revoke", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.config.RateLimit.TrustProxy, h.config.RateLimit.TrustedProxyCount)
	if h.checkIPRateLimit(w, r, clientIP, "revoke") {
		h.recordHTTPMetrics(ctx, "revoke", http.MethodPost, http.StatusTooManyRequests, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(ctx, "revoke", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "parse form failed")
		h.writeError(w, NewOAuthError(ErrorCodeInvalidRequest, "failed to parse request", http.StatusBadRequest))
		return
	}

	token := r.FormValue("token")
	clientID := r.FormValue("client_id")
	clientSecret := r.FormValue("client_secret")
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		clientID = basicID
		clientSecret = basicSecret
	}

	if token == "" {
		h.recordHTTPMetrics(ctx, "revoke", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "token missing")
		h.writeError(w, NewOAuthError(ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest))
		return
	}

	client, err := h.engine.AuthenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		oauthErr := fromGrantError(err)
		h.logger.Warn("Client authentication failed for revocation",
			"client_id", clientID,
			"ip", clientIP,
			"request_id", security.GetRequestID(ctx))
		h.recordHTTPMetrics(ctx, "revoke", http.MethodPost, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeError(w, oauthErr)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))

	if err := h.engine.RevokeToken(ctx, token, client, "client_request"); err != nil {
		// Per RFC 7009 the response stays 200; the failure is server-side only
		h.logger.Error("Failed to revoke token",
			"client_id", client.ClientID,
			"ip", clientIP,
			"error", err,
			"request_id", security.GetRequestID(ctx))
		instrumentation.RecordError(span, err)
	}

	h.recordHTTPMetrics(ctx, "revoke", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if
// the request was rejected and the response written.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP, endpoint string) bool {
	if h.RateLimiter == nil || h.RateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	if h.instrumentation != nil {
		h.instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	if h.Auditor != nil {
		h.Auditor.LogRateLimitExceeded(clientIP, "ip")
	}

	w.Header().Set("Retry-After", "60")
	h.writeError(w, NewOAuthError(ErrorCodeRateLimitExceeded,
		"rate limit exceeded, try again later", http.StatusTooManyRequests))
	return true
}

// writeTokenResponse writes a successful token response. Token responses
// must never be cached (RFC 6749 Section 5.1).
func (h *Handler) writeTokenResponse(w http.ResponseWriter, resp *engine.TokenResponse) {
	security.SetSecurityHeaders(w, h.config.Issuer)

	tokenType := resp.TokenType
	if tokenType == "" {
		tokenType = tokenTypeBearer
	}

	body := TokenResponse{
		AccessToken:  resp.AccessToken,
		TokenType:    tokenType,
		ExpiresIn:    resp.ExpiresIn,
		RefreshToken: resp.RefreshToken,
		Scope:        strings.Join(resp.Scope, " "),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes an OAuth error response. 401 responses carry a
// WWW-Authenticate challenge per RFC 6749 Section 5.2.
func (h *Handler) writeError(w http.ResponseWriter, oauthErr *OAuthError) {
	security.SetSecurityHeaders(w, h.config.Issuer)

	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Basic realm="token", error="%s"`, oauthErr.Code))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oauthErr.Status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

// recordHTTPMetrics records request count and duration for an endpoint.
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.instrumentation == nil {
		return
	}
	durationMs := float64(time.Since(startTime).Milliseconds())
	h.instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, durationMs)
}
