package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/oauth-grants/engine"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// kindToWire maps engine error kinds to their RFC 6749 wire code and HTTP
// status. Every kind the engine can produce has an entry; anything missing
// falls back to server_error so a gap here never leaks internals.
var kindToWire = map[engine.ErrorKind]struct {
	code   string
	status int
}{
	engine.KindInvalidRequest:       {ErrorCodeInvalidRequest, http.StatusBadRequest},
	engine.KindInvalidClient:        {ErrorCodeInvalidClient, http.StatusUnauthorized},
	engine.KindInvalidGrant:         {ErrorCodeInvalidGrant, http.StatusBadRequest},
	engine.KindInvalidScope:         {ErrorCodeInvalidScope, http.StatusBadRequest},
	engine.KindUnauthorizedClient:   {ErrorCodeUnauthorizedClient, http.StatusBadRequest},
	engine.KindUnsupportedGrantType: {ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
	engine.KindServerError:          {ErrorCodeServerError, http.StatusInternalServerError},
}

// fromGrantError converts an engine error into its wire representation.
// Infrastructure failures keep a generic description so storage details
// never reach the client.
func fromGrantError(err error) *OAuthError {
	var grantErr *engine.GrantError
	if !errors.As(err, &grantErr) {
		return NewOAuthError(ErrorCodeServerError, "internal error", http.StatusInternalServerError)
	}

	wire, ok := kindToWire[grantErr.Kind]
	if !ok {
		return NewOAuthError(ErrorCodeServerError, "internal error", http.StatusInternalServerError)
	}

	return NewOAuthError(wire.code, grantErr.Description, wire.status)
}
