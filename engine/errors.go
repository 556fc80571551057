package engine

import "fmt"

// ErrorKind is the closed set of grant failure classes. Kinds other than
// KindServerError correspond one-to-one with RFC 6749 wire error codes;
// KindServerError marks infrastructure failures that must surface as a
// 5xx and never as an authorization decision.
type ErrorKind string

const (
	KindInvalidRequest       ErrorKind = "invalid_request"
	KindInvalidClient        ErrorKind = "invalid_client"
	KindInvalidGrant         ErrorKind = "invalid_grant"
	KindInvalidScope         ErrorKind = "invalid_scope"
	KindUnauthorizedClient   ErrorKind = "unauthorized_client"
	KindUnsupportedGrantType ErrorKind = "unsupported_grant_type"
	KindServerError          ErrorKind = "server_error"
)

// GrantError is the error type returned by the Engine. Description is safe
// to surface to clients; internal detail stays in logs and in the wrapped
// cause.
type GrantError struct {
	Kind        ErrorKind
	Description string
	cause       error
}

// Error implements the error interface
func (e *GrantError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *GrantError) Unwrap() error {
	return e.cause
}

// Retryable reports whether the failure is transient. Only infrastructure
// failures qualify; authorization decisions are final.
func (e *GrantError) Retryable() bool {
	return e.Kind == KindServerError
}

func newGrantError(kind ErrorKind, description string) *GrantError {
	return &GrantError{Kind: kind, Description: description}
}

// invalidGrant is the deliberately uniform rejection for state conflicts:
// unknown, expired, used, and revoked tokens all read the same from the
// outside, preventing a token-enumeration oracle. The real reason is logged
// internally before this is returned.
func invalidGrant() *GrantError {
	return newGrantError(KindInvalidGrant, "refresh token is invalid or expired")
}

// storeFailure wraps a storage error as an infrastructure failure. The
// wrapped cause is preserved so callers can still reach the sentinel.
func storeFailure(op string, err error) *GrantError {
	return &GrantError{
		Kind:        KindServerError,
		Description: "temporary failure, retry later",
		cause:       fmt.Errorf("%s: %w", op, err),
	}
}
