package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-grants/storage"
)

// ============================================================
// Family Revocation
// ============================================================

// luaRevokeRefreshToken flips a refresh token record to the revoked state.
// Running the flip as a script keeps it from racing a concurrent rotation:
// whichever lands second still leaves the record revoked, because a rotation
// that lost the race re-reads the record before trusting its result.
//
// KEYS[1] = refresh token record key
//
// Returns 1 if the record was flipped, 0 if it was missing or already revoked.
const luaRevokeRefreshToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end

local rec = cjson.decode(data)
if rec.state == 'revoked' then
    return 0
end

rec.state = 'revoked'
redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')

return 1
`

// luaRevokeAccessToken flips an access token record's revoked flag.
//
// KEYS[1] = access token record key
//
// Returns 1 if the record was flipped, 0 if it was missing or already revoked.
const luaRevokeAccessToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end

local rec = cjson.decode(data)
if rec.revoked then
    return 0
end

rec.revoked = true
redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')

return 1
`

// RevokeFamily marks every refresh token in the family as revoked.
// Returns the number of records flipped on this call, so repeated
// invocations report zero without failing.
func (s *Store) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	if err := validateIDLength(familyID, "family id"); err != nil {
		return 0, err
	}

	ids, err := s.client.Do(ctx,
		s.client.B().Smembers().Key(s.familyRefreshKey(familyID)).Build(),
	).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to list family refresh tokens: %w", err)
	}
	if len(ids) == 0 {
		return 0, storage.ErrFamilyNotFound
	}

	// The marker goes down before the member scan. Any insert that starts
	// after this point sees the marker and refuses; any insert already past
	// its own marker check re-checks after indexing itself, so a record can
	// never slip between the scan and the marker.
	s.markFamilyRevoked(ctx, familyID)

	ids, err = s.client.Do(ctx,
		s.client.B().Smembers().Key(s.familyRefreshKey(familyID)).Build(),
	).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to list family refresh tokens: %w", err)
	}

	revoked := 0
	for _, id := range ids {
		flipped, err := s.revokeByScript(ctx, luaRevokeRefreshToken, s.refreshTokenKey(id))
		if err != nil {
			return revoked, fmt.Errorf("failed to revoke refresh token: %w", err)
		}
		revoked += flipped
	}

	s.logger.Debug("Revoked refresh token family",
		"family_id", familyID,
		"tokens_revoked", revoked)
	return revoked, nil
}

// RevokeAccessTokensByFamily marks every access token in the family as
// revoked. Like RevokeFamily, repeat calls report zero flipped records.
func (s *Store) RevokeAccessTokensByFamily(ctx context.Context, familyID string) (int, error) {
	if err := validateIDLength(familyID, "family id"); err != nil {
		return 0, err
	}

	ids, err := s.client.Do(ctx,
		s.client.B().Smembers().Key(s.familyAccessKey(familyID)).Build(),
	).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to list family access tokens: %w", err)
	}

	revoked := 0
	for _, id := range ids {
		flipped, err := s.revokeByScript(ctx, luaRevokeAccessToken, s.accessTokenKey(id))
		if err != nil {
			return revoked, fmt.Errorf("failed to revoke access token: %w", err)
		}
		revoked += flipped
	}

	if revoked > 0 {
		s.logger.Debug("Revoked family access tokens",
			"family_id", familyID,
			"tokens_revoked", revoked)
	}
	return revoked, nil
}

// revokeByScript runs a single-key revocation script and returns how many
// records it flipped (0 or 1).
func (s *Store) revokeByScript(ctx context.Context, script, key string) (int, error) {
	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(script).Numkeys(1).Key(key).Build(),
	).AsInt64()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// markFamilyRevoked writes a retention-scoped marker recording when the
// family was revoked. The marker is forensic metadata; failure to write it
// never fails the revocation itself.
func (s *Store) markFamilyRevoked(ctx context.Context, familyID string) {
	key := s.familyRevokedKey(familyID)
	value := fmt.Sprintf("%d", time.Now().Unix())

	// NX keeps the timestamp of the first revocation across repeat calls
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(value).Nx().Ex(s.retentionPeriod).Build(),
	).Error(); err != nil && !isNilError(err) {
		s.logger.Warn("Failed to write family revocation marker",
			"error", err,
			"family_id", familyID)
	}
}
