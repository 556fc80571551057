package engine

import (
	"log/slog"
	"time"
)

// Config holds token-grant engine configuration
type Config struct {
	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL time.Duration // default: 1 hour

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL time.Duration // default: 90 days

	// DisableRefreshTokenRotation turns off refresh token rotation
	// (OAuth 2.1) engine-wide. Rotation is on by default: each redemption
	// consumes the presented token and mints the next generation. With
	// rotation disabled, a redeemed token is still consumed but no
	// successor is issued: clients get exactly one use per token. The
	// zero value is the secure configuration; disabling is an explicit
	// opt-out and logs a warning. See also the per-client
	// Client.DisableRefreshTokenRotation override.
	DisableRefreshTokenRotation bool

	// ReplayGraceWindow bounds how long after a token was consumed a
	// duplicate presentation is treated as a benign retry rather than theft.
	// Duplicates inside the window fail with invalid_grant and nothing else;
	// outside the window the token's entire family is revoked.
	// Default: 10 seconds
	ReplayGraceWindow time.Duration

	// ClockSkewGracePeriod is the grace period for token expiration checks.
	// Prevents false expiration errors due to time synchronization issues.
	// Default: 5 seconds
	ClockSkewGracePeriod time.Duration

	// BurnTokenOnScopeEscalation consumes the presented token when a refresh
	// requests scopes outside the token's scope set. Off by default: an
	// attacker who can only guess scopes should not be able to deny service
	// to the legitimate holder, and a misconfigured client should get a
	// correctable error rather than lose its session. Enable in deployments
	// where any escalation attempt is grounds for ending the session.
	BurnTokenOnScopeEscalation bool

	// AllowPasswordGrant enables the deprecated resource-owner password
	// grant for clients registered for it. Default: false
	AllowPasswordGrant bool

	// SupportedScopes lists the scopes that may appear in any grant.
	// If empty, all scopes are allowed.
	SupportedScopes []string
}

// applySecureDefaults applies secure-by-default configuration values and
// warns about explicitly insecure settings.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = time.Hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 90 * 24 * time.Hour
	}
	if config.ReplayGraceWindow == 0 {
		config.ReplayGraceWindow = 10 * time.Second
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5 * time.Second
	}

	if config.DisableRefreshTokenRotation {
		logger.Warn("refresh token rotation is DISABLED",
			"risk", "clients lose access after a single redemption; no successor tokens are minted",
			"recommendation", "leave DisableRefreshTokenRotation=false unless clients complete a full grant per session")
	}
	if config.BurnTokenOnScopeEscalation {
		logger.Warn("scope escalation attempts will consume the presented token",
			"risk", "repeated invalid scope probes become a denial of service against the token holder",
			"recommendation", "leave BurnTokenOnScopeEscalation=false unless escalation attempts must end the session")
	}
	if config.AllowPasswordGrant {
		logger.Warn("deprecated password grant is ENABLED",
			"risk", "resource owner credentials pass through the client",
			"recommendation", "migrate clients to the authorization code flow")
	}
	if config.ReplayGraceWindow > 30*time.Second {
		logger.Warn("replay grace window is unusually large",
			"window", config.ReplayGraceWindow,
			"risk", "a stolen, already-rotated token stays indistinguishable from a retry for this long")
	}

	return config
}
