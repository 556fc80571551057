package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"regexp"
)

// RequestIDHeader carries the request ID on requests and responses.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// Incoming IDs are accepted only in this shape. Anything else (CRLF
// sequences, oversized values) is discarded and replaced, never echoed
// back into a response header.
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// GenerateRequestID returns a fresh 128-bit request ID as a 22-character
// base64url string. Request IDs tie together the access log, the audit
// trail, and whatever error a client reports back.
//
// Panics if the system RNG fails; nothing here can run safely without it.
func GenerateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// WithRequestID returns a context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// GetRequestID returns the request ID from the context, or "" when none
// was set.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func isValidRequestID(id string) bool {
	return requestIDPattern.MatchString(id)
}

// RequestIDMiddleware assigns every request an ID and exposes it on both
// the response header and the request context. An ID set by an upstream
// proxy is kept when it validates, so correlation spans the proxy chain; a
// missing or invalid one is replaced with a generated ID.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !isValidRequestID(id) {
			id = GenerateRequestID()
		}

		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}
