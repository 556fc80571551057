package oauth

import (
	"log/slog"
	"time"
)

// Config holds the HTTP handler configuration.
// Grant semantics (TTLs, rotation, grace windows) live in engine.Config;
// this covers only the HTTP surface.
type Config struct {
	// Issuer is the server's issuer identifier URL, used for security
	// headers and the WWW-Authenticate challenge.
	Issuer string

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration for the HTTP endpoints
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// CleanupInterval is how often to cleanup inactive rate limiters.
	CleanupInterval time.Duration

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of the
	// server, used to pick the client address out of X-Forwarded-For.
	TrustedProxyCount int
}
