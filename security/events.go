package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a new token family is created
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is successfully redeemed
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a single token is revoked by request
	EventTokenRevoked = "token_revoked"

	// EventFamilyRevoked is logged when an entire token family is revoked
	EventFamilyRevoked = "family_revoked"

	// Security violation events

	// EventReplayDetected is logged when a used refresh token is presented
	// outside the replay grace window (theft signal)
	EventReplayDetected = "replay_detected" //nolint:gosec // G101: False positive - this is an event type name, not a credential

	// EventBenignReplay is logged when a used refresh token is presented
	// within the grace window (network retry, no escalation)
	EventBenignReplay = "benign_replay"

	// EventRevokedFamilyReuseAttempt is logged when a token from an already
	// revoked family is presented
	EventRevokedFamilyReuseAttempt = "revoked_family_reuse_attempt"

	// EventScopeEscalationAttempt is logged when a client requests scopes
	// outside the presented token's scope set
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventClientMismatch is logged when a token is presented by a client
	// other than the one it is bound to
	EventClientMismatch = "client_mismatch"

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"
)
