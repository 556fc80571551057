package engine

import (
	"context"
	"errors"

	"github.com/giantswarm/oauth-grants/storage"
)

// RevokeFamily revokes every refresh token in a family and every access
// token minted alongside it. Idempotent: revoking an already-revoked family
// is a no-op and emits nothing. Callers outside the engine use this for
// logout and credential-change events.
func (e *Engine) RevokeFamily(ctx context.Context, familyID, reason string) error {
	ctx, span := e.startSpan(ctx, "revoke_family")
	defer span.End()

	return e.revokeFamilyCascade(ctx, familyID, "", "", reason)
}

// RevokeToken revokes the family of the given refresh token. Per RFC 7009
// the operation reports success whether or not the token exists, so callers
// cannot use the revocation endpoint to probe token validity. A client may
// only revoke tokens bound to itself; a mismatch is swallowed the same way
// an unknown token is, after logging.
func (e *Engine) RevokeToken(ctx context.Context, tokenID string, client *storage.Client, reason string) error {
	ctx, span := e.startSpan(ctx, "revoke_token")
	defer span.End()

	record, err := e.tokens.GetRefreshToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			// Unknown token. Success per RFC 7009; nothing to leak.
			e.Logger.Debug("revocation requested for unknown token",
				"client_id", client.ClientID,
				"token_prefix", safeTruncate(tokenID, 8))
			return nil
		}
		return storeFailure("get refresh token", err)
	}

	if record.ClientID != client.ClientID {
		// Do not confirm the token exists to a client it is not bound to.
		e.Logger.Warn("revocation requested by wrong client",
			"bound_client_id", record.ClientID,
			"presenting_client_id", client.ClientID,
			"family_id", safeTruncate(record.FamilyID, 8))
		if e.Auditor != nil {
			e.Auditor.LogClientMismatch(record.PrincipalID, client.ClientID, record.FamilyID)
		}
		return nil
	}

	if err := e.revokeFamilyCascade(ctx, record.FamilyID, record.PrincipalID, record.ClientID, reason); err != nil {
		return err
	}

	if e.Auditor != nil {
		e.Auditor.LogTokenRevoked(record.PrincipalID, client.ClientID, record.FamilyID, reason)
	}
	return nil
}

// revokeFamilyCascade is the shared cascade: refresh records first, then
// access tokens. Both store operations are idempotent, so racing cascades
// (two replay handlers, or a logout racing a replay) converge on the same
// end state. The family-revoked audit event fires only when this call
// actually revoked something, keeping repeated cascades from emitting
// duplicate alerts.
func (e *Engine) revokeFamilyCascade(ctx context.Context, familyID, principalID, clientID, reason string) error {
	refreshCount, err := e.tokens.RevokeFamily(ctx, familyID)
	if err != nil {
		if errors.Is(err, storage.ErrFamilyNotFound) {
			return nil
		}
		return storeFailure("revoke family", err)
	}

	accessCount, err := e.tokens.RevokeAccessTokensByFamily(ctx, familyID)
	if err != nil {
		// Refresh side is already revoked, which is what stops further
		// rotation; report the partial failure rather than undo anything.
		return storeFailure("revoke access tokens", err)
	}

	if refreshCount == 0 && accessCount == 0 {
		return nil
	}

	e.Logger.Info("token family revoked",
		"family_id", safeTruncate(familyID, 8),
		"reason", reason,
		"refresh_tokens_revoked", refreshCount,
		"access_tokens_revoked", accessCount)

	if e.Auditor != nil {
		e.Auditor.LogFamilyRevoked(principalID, clientID, familyID, reason, refreshCount, accessCount)
	}
	e.recordRevocation(ctx, reason, refreshCount+accessCount)

	return nil
}

// recordRevocation records a family revocation metric
func (e *Engine) recordRevocation(ctx context.Context, reason string, count int) {
	if e.instrumentation == nil {
		return
	}
	e.instrumentation.Metrics().RecordFamilyRevocation(ctx, reason, count)
}
