// Package security provides security features for the token-grant engine
// including audit logging, client secret verification, rate limiting, and
// clock-skew handling.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type        string
	PrincipalID string
	ClientID    string
	FamilyID    string
	Details     map[string]any
	Timestamp   time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"principal_id_hash", hashForLogging(event.PrincipalID),
		"client_id", event.ClientID,
		"family_id", event.FamilyID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs when a new token family is created
func (a *Auditor) LogTokenIssued(principalID, clientID, familyID string, scope []string) {
	a.LogEvent(Event{
		Type:        EventTokenIssued,
		PrincipalID: principalID,
		ClientID:    clientID,
		FamilyID:    familyID,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenRefreshed logs a successful refresh token redemption
func (a *Auditor) LogTokenRefreshed(principalID, clientID, familyID string, generation int, rotated bool) {
	a.LogEvent(Event{
		Type:        EventTokenRefreshed,
		PrincipalID: principalID,
		ClientID:    clientID,
		FamilyID:    familyID,
		Details: map[string]any{
			"generation": generation,
			"rotated":    rotated,
		},
	})
}

// LogReplayDetected logs a refresh token replay outside the grace window.
// This is the theft signal: the whole family is revoked in response.
func (a *Auditor) LogReplayDetected(principalID, clientID, familyID string, generation int, elapsed time.Duration) {
	a.LogEvent(Event{
		Type:        EventReplayDetected,
		PrincipalID: principalID,
		ClientID:    clientID,
		FamilyID:    familyID,
		Details: map[string]any{
			"generation":        generation,
			"elapsed_since_use": elapsed.String(),
			"severity":          "critical",
			"action":            "family_revoked",
		},
	})
}

// LogScopeEscalationAttempt logs a refresh request for scopes outside the
// presented token's scope set.
func (a *Auditor) LogScopeEscalationAttempt(principalID, clientID, familyID string, excess []string) {
	a.LogEvent(Event{
		Type:        EventScopeEscalationAttempt,
		PrincipalID: principalID,
		ClientID:    clientID,
		FamilyID:    familyID,
		Details: map[string]any{
			"excess_scopes": excess,
		},
	})
}

// LogClientMismatch logs a redemption attempt by a client other than the one
// the token is bound to.
func (a *Auditor) LogClientMismatch(principalID, presentedClientID, familyID string) {
	a.LogEvent(Event{
		Type:        EventClientMismatch,
		PrincipalID: principalID,
		ClientID:    presentedClientID,
		FamilyID:    familyID,
	})
}

// LogFamilyRevoked logs a family-wide revocation with its reason
func (a *Auditor) LogFamilyRevoked(principalID, clientID, familyID, reason string, refreshCount, accessCount int) {
	a.LogEvent(Event{
		Type:        EventFamilyRevoked,
		PrincipalID: principalID,
		ClientID:    clientID,
		FamilyID:    familyID,
		Details: map[string]any{
			"reason":                 reason,
			"refresh_tokens_revoked": refreshCount,
			"access_tokens_revoked":  accessCount,
		},
	})
}

// LogTokenRevoked logs a single-token revocation request
func (a *Auditor) LogTokenRevoked(principalID, clientID, familyID, reason string) {
	a.LogEvent(Event{
		Type:        EventTokenRevoked,
		PrincipalID: principalID,
		ClientID:    clientID,
		FamilyID:    familyID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogAuthFailure logs a client authentication failure
func (a *Auditor) LogAuthFailure(clientID, reason string) {
	a.LogEvent(Event{
		Type:     EventAuthFailure,
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(clientID, limiterType string) {
	a.LogEvent(Event{
		Type:     EventRateLimitExceeded,
		ClientID: clientID,
		Details: map[string]any{
			"limiter_type": limiterType,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
