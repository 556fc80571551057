// Package security provides security-related functionality for the
// token-grant engine, including audit logging, client secret verification,
// rate limiting, and clock-skew-tolerant expiry checks.
//
// # Audit logging
//
// The Auditor emits structured security events (replay detection, scope
// escalation attempts, client binding mismatches, family revocations) to a
// slog.Logger. Principal identifiers are hashed before logging so the audit
// trail carries no raw PII.
//
// # Rate limiting
//
// The RateLimiter provides per-key rate limiting using a token bucket
// algorithm with automatic memory management through LRU eviction. It is
// used both to throttle redeem attempts per client and to cap the rate of
// security event emission, so an attacker replaying a stolen token in a
// loop cannot flood the audit log.
//
// Default configuration:
//   - MaxKeys: 10,000 unique keys
//   - CleanupInterval: 5 minutes
//   - IdleTimeout: 30 minutes
//
// Example:
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientID) {
//	    // Rate limit exceeded
//	}
//
// The LRU eviction strategy ensures that legitimate clients (who make
// repeated requests) are less likely to be evicted, while one-shot attack
// keys are evicted first.
//
// # Secret verification
//
// VerifySecret compares client secrets against bcrypt hashes and always
// performs a comparison, even for unknown clients, so client existence
// cannot be probed through response timing.
package security
