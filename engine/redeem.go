package engine

import (
	"context"
	"errors"
	"time"

	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/storage"
)

// Redeem consumes a presented refresh token and, when rotation applies,
// mints the next generation of its family.
//
// The presented token must be Active, unexpired, bound to the requesting
// client, and the requested scope must be a subset of the token's scope.
// The CASTransition from Active to Used is the synchronization point: of
// any number of concurrent calls with the same token, exactly one succeeds
// and the rest land in the replay path.
//
// All rejections surface as a uniform invalid_grant (or invalid_scope for
// scope overreach) so callers cannot probe which tokens exist or why one
// was refused. The precise reason is logged and audited internally.
func (e *Engine) Redeem(ctx context.Context, presentedID string, client *storage.Client, requestedScope []string) (*TokenResponse, error) {
	ctx, span := e.startSpan(ctx, "redeem")
	defer span.End()

	record, err := e.tokens.GetRefreshToken(ctx, presentedID)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			e.Logger.Debug("refresh token not found",
				"client_id", client.ClientID,
				"token_prefix", safeTruncate(presentedID, 8))
			if e.Auditor != nil {
				e.Auditor.LogAuthFailure(client.ClientID, "unknown_refresh_token")
			}
			return nil, invalidGrant()
		}
		return nil, storeFailure("get refresh token", err)
	}

	now := e.now()

	// Client binding comes before any state inspection: a token presented
	// by the wrong client reveals nothing about its state.
	if record.ClientID != client.ClientID {
		if e.allowSecurityEvent(record) {
			e.Logger.Error("refresh token presented by wrong client",
				"bound_client_id", record.ClientID,
				"presenting_client_id", client.ClientID,
				"family_id", safeTruncate(record.FamilyID, 8))
		}
		if e.Auditor != nil {
			e.Auditor.LogClientMismatch(record.PrincipalID, client.ClientID, record.FamilyID)
		}
		e.recordSecurityEvent(ctx, security.EventClientMismatch)
		return nil, invalidGrant()
	}

	switch record.State {
	case storage.StateRevoked:
		if e.allowSecurityEvent(record) {
			e.Logger.Error("attempted use of token from revoked family",
				"client_id", client.ClientID,
				"family_id", safeTruncate(record.FamilyID, 8),
				"generation", record.Generation)
		}
		if e.Auditor != nil {
			e.Auditor.LogEvent(security.Event{
				Type:        security.EventRevokedFamilyReuseAttempt,
				PrincipalID: record.PrincipalID,
				ClientID:    client.ClientID,
				FamilyID:    record.FamilyID,
				Details: map[string]any{
					"severity":   "critical",
					"generation": record.Generation,
				},
			})
		}
		return nil, invalidGrant()

	case storage.StateUsed:
		return nil, e.handleReplay(ctx, record, now)
	}

	if security.IsExpired(record.ExpiresAt, now, e.Config.ClockSkewGracePeriod) {
		e.Logger.Debug("refresh token expired",
			"client_id", client.ClientID,
			"family_id", safeTruncate(record.FamilyID, 8),
			"expired_at", record.ExpiresAt)
		return nil, invalidGrant()
	}

	scope, err := ValidateScopeSubset(requestedScope, record.Scope)
	if err != nil {
		return nil, e.handleScopeEscalation(ctx, record, requestedScope, now, err)
	}

	// Linearization point. From here on the presented token is consumed;
	// any concurrent duplicate lost the race and sees StateUsed.
	if casErr := e.tokens.CASTransition(ctx, record.ID, storage.StateActive, storage.StateUsed, now); casErr != nil {
		switch {
		case errors.Is(casErr, storage.ErrConflict):
			// Lost a race with a concurrent redeem or revoke. Re-read and
			// handle the observed state like a late arrival.
			return nil, e.handleLostRace(ctx, record.ID, client, now)
		case errors.Is(casErr, storage.ErrTokenNotFound):
			return nil, invalidGrant()
		default:
			return nil, storeFailure("transition refresh token", casErr)
		}
	}

	rotate := !e.Config.DisableRefreshTokenRotation && !client.DisableRefreshTokenRotation

	next := record
	if rotate {
		next = &storage.RefreshTokenRecord{
			ID:          e.issuer.NewRefreshID(),
			FamilyID:    record.FamilyID,
			Generation:  record.Generation + 1,
			ParentID:    record.ID,
			ClientID:    record.ClientID,
			PrincipalID: record.PrincipalID,
			Scope:       scope,
			IssuedAt:    now,
			ExpiresAt:   now.Add(e.Config.RefreshTokenTTL),
			State:       storage.StateActive,
		}
		if err := e.tokens.InsertRefreshToken(ctx, next); err != nil {
			if errors.Is(err, storage.ErrFamilyRevoked) {
				// A revocation landed between consuming the presented token
				// and minting its successor. Revocation wins: the family is
				// dead and no new generation or access token is issued.
				e.Logger.Info("rotation aborted by concurrent family revocation",
					"client_id", client.ClientID,
					"family_id", safeTruncate(record.FamilyID, 8),
					"generation", record.Generation)
				return nil, invalidGrant()
			}
			// The presented token is already consumed. Failing here ends the
			// family at this generation, which is the safe direction: no
			// token becomes silently reusable and no extra access exists.
			return nil, storeFailure("insert rotated refresh token", err)
		}
	} else {
		// Non-rotating clients get exactly one use. The consumed record is
		// not re-armed and no successor exists; the next presentation of
		// this id lands in the replay path.
		next = &storage.RefreshTokenRecord{
			FamilyID:    record.FamilyID,
			Generation:  record.Generation,
			ClientID:    record.ClientID,
			PrincipalID: record.PrincipalID,
			Scope:       scope,
		}
	}

	resp, err := e.mintAccessToken(ctx, next)
	if err != nil {
		return nil, err
	}
	if rotate {
		resp.RefreshToken = next.ID
	}

	e.Logger.Info("refresh token redeemed",
		"client_id", client.ClientID,
		"family_id", safeTruncate(record.FamilyID, 8),
		"generation", next.Generation,
		"rotated", rotate)

	if e.Auditor != nil {
		e.Auditor.LogTokenRefreshed(record.PrincipalID, client.ClientID, record.FamilyID, next.Generation, rotate)
	}
	e.recordGrant(ctx, GrantTypeRefreshToken, client.ClientID, nil)
	if rotate && e.instrumentation != nil {
		e.instrumentation.Metrics().RecordRotation(ctx, client.ClientID)
	}

	return resp, nil
}

// handleReplay deals with a presentation of a token that is already Used.
// Inside the grace window this is indistinguishable from a network retry
// and fails quietly; outside it, it is treated as theft and the entire
// family is revoked along with its access tokens.
func (e *Engine) handleReplay(ctx context.Context, record *storage.RefreshTokenRecord, now time.Time) error {
	elapsed := now.Sub(record.UsedAt)

	if elapsed <= e.Config.ReplayGraceWindow {
		e.Logger.Debug("duplicate redemption inside grace window",
			"client_id", record.ClientID,
			"family_id", safeTruncate(record.FamilyID, 8),
			"generation", record.Generation,
			"elapsed", elapsed)
		if e.Auditor != nil {
			e.Auditor.LogEvent(security.Event{
				Type:        security.EventBenignReplay,
				PrincipalID: record.PrincipalID,
				ClientID:    record.ClientID,
				FamilyID:    record.FamilyID,
				Details: map[string]any{
					"generation": record.Generation,
					"elapsed":    elapsed.String(),
				},
			})
		}
		return invalidGrant()
	}

	// Theft signal. Rate limit the error log so an attacker replaying in a
	// loop cannot flood it; the revocation itself is idempotent, so losing
	// a race with another replay handler is harmless.
	if e.allowSecurityEvent(record) {
		e.Logger.Error("refresh token replay detected, revoking family",
			"client_id", record.ClientID,
			"family_id", safeTruncate(record.FamilyID, 8),
			"generation", record.Generation,
			"elapsed_since_use", elapsed)
	}

	if err := e.revokeFamilyCascade(ctx, record.FamilyID, record.PrincipalID, record.ClientID, "replay_detected"); err != nil {
		e.Logger.Error("failed to revoke token family after replay", "error", err,
			"family_id", safeTruncate(record.FamilyID, 8))
		// The security error still goes to the caller.
	}

	if e.Auditor != nil {
		e.Auditor.LogReplayDetected(record.PrincipalID, record.ClientID, record.FamilyID, record.Generation, elapsed)
	}
	e.recordSecurityEvent(ctx, security.EventReplayDetected)

	return invalidGrant()
}

// handleScopeEscalation processes a refresh whose requested scope exceeds
// the presented token's scope. The token's state is left untouched unless
// BurnTokenOnScopeEscalation is configured; either way the caller gets the
// invalid_scope error naming the excess.
func (e *Engine) handleScopeEscalation(ctx context.Context, record *storage.RefreshTokenRecord, requestedScope []string, now time.Time, scopeErr error) error {
	excess := scopeExcess(requestedScope, record.Scope)

	if e.allowSecurityEvent(record) {
		e.Logger.Warn("scope escalation attempt on refresh",
			"client_id", record.ClientID,
			"family_id", safeTruncate(record.FamilyID, 8),
			"excess_scopes", excess)
	}
	if e.Auditor != nil {
		e.Auditor.LogScopeEscalationAttempt(record.PrincipalID, record.ClientID, record.FamilyID, excess)
	}
	e.recordSecurityEvent(ctx, security.EventScopeEscalationAttempt)

	if e.Config.BurnTokenOnScopeEscalation {
		if err := e.tokens.CASTransition(ctx, record.ID, storage.StateActive, storage.StateUsed, now); err != nil &&
			!errors.Is(err, storage.ErrConflict) && !errors.Is(err, storage.ErrTokenNotFound) {
			return storeFailure("burn refresh token", err)
		}
	}

	return scopeErr
}

// handleLostRace re-reads a token after a CAS conflict and routes the
// observed state through the same paths a late arrival would take.
func (e *Engine) handleLostRace(ctx context.Context, id string, client *storage.Client, now time.Time) error {
	record, err := e.tokens.GetRefreshToken(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return invalidGrant()
		}
		return storeFailure("get refresh token", err)
	}

	switch record.State {
	case storage.StateUsed:
		return e.handleReplay(ctx, record, now)
	case storage.StateRevoked:
		// A concurrent revoke won. Revocation always wins.
		return invalidGrant()
	default:
		// Active again is impossible: Used and Revoked are never undone.
		e.Logger.Error("refresh token active again after transition conflict",
			"family_id", safeTruncate(record.FamilyID, 8))
		return invalidGrant()
	}
}

// allowSecurityEvent applies the security event rate limiter, keyed by
// principal and client. A nil limiter allows everything.
func (e *Engine) allowSecurityEvent(record *storage.RefreshTokenRecord) bool {
	if e.SecurityEventRateLimiter == nil {
		return true
	}
	return e.SecurityEventRateLimiter.Allow(record.PrincipalID + ":" + record.ClientID)
}

// recordSecurityEvent records a security event metric
func (e *Engine) recordSecurityEvent(ctx context.Context, eventType string) {
	if e.instrumentation == nil {
		return
	}
	e.instrumentation.Metrics().RecordSecurityEvent(ctx, eventType)
}
