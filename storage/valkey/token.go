package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-grants/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// luaCASTransition atomically moves a refresh token record from one state to
// another. The GET/compare/SET sequence runs as a single script, so exactly
// one of any number of concurrent callers observes the expected state and
// wins the transition. Everyone else gets CONFLICT.
//
// KEYS[1] = refresh token record key (e.g., "grants:refresh:abc123")
// ARGV[1] = expected current state
// ARGV[2] = next state
// ARGV[3] = used_at Unix timestamp, or "" to leave used_at untouched
//
// Returns:
//   - "OK" if the record was in the expected state and has been transitioned
//   - "NOT_FOUND" if the key doesn't exist
//   - "CONFLICT:<state>" if the record is in a different state
const luaCASTransition = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local rec = cjson.decode(data)

if rec.state ~= ARGV[1] then
    return 'CONFLICT:' .. rec.state
end

rec.state = ARGV[2]
if ARGV[3] ~= '' then
    rec.used_at = tonumber(ARGV[3])
end

redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')

return 'OK'
`

// luaInsertRefreshToken inserts a refresh token record unless its family has
// been revoked. The marker check and the insert-once SET run as one script,
// so a revocation that has already landed its marker can never be followed
// by a successful insert into the same family.
//
// KEYS[1] = refresh token record key
// KEYS[2] = family revocation marker key
// ARGV[1] = JSON-encoded record
// ARGV[2] = record TTL in seconds
//
// Returns:
//   - "OK" if the record was inserted
//   - "EXISTS" if a record with the same key already exists
//   - "FAMILY_REVOKED" if the family carries a revocation marker
const luaInsertRefreshToken = `
if redis.call('EXISTS', KEYS[2]) == 1 then
    return 'FAMILY_REVOKED'
end

if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'EX', tonumber(ARGV[2])) then
    return 'OK'
end

return 'EXISTS'
`

// luaSaveAccessToken stores an access token record unless its family has
// been revoked. Same shape as luaInsertRefreshToken, without the insert-once
// constraint.
//
// KEYS[1] = access token record key
// KEYS[2] = family revocation marker key
// ARGV[1] = JSON-encoded record
// ARGV[2] = record TTL in seconds
const luaSaveAccessToken = `
if redis.call('EXISTS', KEYS[2]) == 1 then
    return 'FAMILY_REVOKED'
end

redis.call('SET', KEYS[1], ARGV[1], 'EX', tonumber(ARGV[2]))

return 'OK'
`

// GetRefreshToken retrieves a refresh token record by its identifier.
func (s *Store) GetRefreshToken(ctx context.Context, id string) (*storage.RefreshTokenRecord, error) {
	if err := validateIDLength(id, "token id"); err != nil {
		return nil, err
	}

	return getAndUnmarshal(ctx, s, s.refreshTokenKey(id),
		storage.ErrTokenNotFound, fromRefreshTokenRecordJSON)
}

// InsertRefreshToken stores a new refresh token record and indexes it under
// its family. Fails with ErrTokenExists if a record with the same identifier
// is already present.
func (s *Store) InsertRefreshToken(ctx context.Context, record *storage.RefreshTokenRecord) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("refresh token record must have an id")
	}
	if record.FamilyID == "" {
		return fmt.Errorf("refresh token record must have a family id")
	}
	if err := validateIDLength(record.ID, "token id"); err != nil {
		return err
	}
	if err := validateIDLength(record.FamilyID, "family id"); err != nil {
		return err
	}

	data, err := json.Marshal(toRefreshTokenRecordJSON(record))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token record: %w", err)
	}

	ttl := s.recordTTL(record.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}

	key := s.refreshTokenKey(record.ID)
	markerKey := s.familyRevokedKey(record.FamilyID)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaInsertRefreshToken).
			Numkeys(2).
			Key(key).
			Key(markerKey).
			Arg(string(data)).
			Arg(fmt.Sprintf("%d", int64(ttl.Seconds()))).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	switch result {
	case "EXISTS":
		return storage.ErrTokenExists
	case "FAMILY_REVOKED":
		return storage.ErrFamilyRevoked
	}

	s.addToFamilySet(ctx, s.familyRefreshKey(record.FamilyID), record.ID, ttl)

	// A revocation whose member scan ran before this record was indexed has
	// missed it, but such a revocation wrote its marker before scanning.
	// Re-checking the marker after the index write closes that interleaving:
	// either the scan saw this record, or this check sees the marker.
	revoked, err := s.client.Do(ctx,
		s.client.B().Exists().Key(markerKey).Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to check family revocation marker: %w", err)
	}
	if revoked > 0 {
		if _, err := s.revokeByScript(ctx, luaRevokeRefreshToken, key); err != nil {
			return fmt.Errorf("failed to revoke token in revoked family: %w", err)
		}
		return storage.ErrFamilyRevoked
	}

	s.logger.Debug("Saved refresh token record",
		"token_prefix", safeTruncate(record.ID, tokenIDLogLength),
		"family_id", record.FamilyID,
		"generation", record.Generation)
	return nil
}

// CASTransition atomically moves the record from the expected state to the
// next state. Returns ErrConflict when the record is no longer in the
// expected state, which is how a lost rotation race surfaces to the caller.
func (s *Store) CASTransition(ctx context.Context, id string, expected, next storage.TokenState, usedAt time.Time) error {
	if err := validateIDLength(id, "token id"); err != nil {
		return err
	}

	usedAtArg := ""
	if !usedAt.IsZero() {
		usedAtArg = fmt.Sprintf("%d", usedAt.Unix())
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaCASTransition).
			Numkeys(1).
			Key(s.refreshTokenKey(id)).
			Arg(string(expected)).
			Arg(string(next)).
			Arg(usedAtArg).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to execute atomic state transition: %w", err)
	}

	switch {
	case result == "OK":
		return nil
	case result == "NOT_FOUND":
		return storage.ErrTokenNotFound
	default:
		// CONFLICT:<state>
		return fmt.Errorf("%w: token is not %s", storage.ErrConflict, expected)
	}
}

// SaveAccessToken stores an access token record and indexes it under its
// family when one is set.
func (s *Store) SaveAccessToken(ctx context.Context, record *storage.AccessTokenRecord) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("access token record must have an id")
	}
	if err := validateIDLength(record.ID, "token id"); err != nil {
		return err
	}

	data, err := json.Marshal(toAccessTokenRecordJSON(record))
	if err != nil {
		return fmt.Errorf("failed to marshal access token record: %w", err)
	}

	ttl := s.recordTTL(record.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("access token already expired")
	}

	key := s.accessTokenKey(record.ID)

	if record.FamilyID == "" {
		if err := s.client.Do(ctx,
			s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
		).Error(); err != nil {
			return fmt.Errorf("failed to save access token: %w", err)
		}
		return nil
	}

	// Family-bound access tokens follow the same rule as refresh tokens: a
	// revoked family accepts no new members, and a save racing the family
	// cascade re-checks the marker after indexing itself.
	markerKey := s.familyRevokedKey(record.FamilyID)
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaSaveAccessToken).
			Numkeys(2).
			Key(key).
			Key(markerKey).
			Arg(string(data)).
			Arg(fmt.Sprintf("%d", int64(ttl.Seconds()))).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	if result == "FAMILY_REVOKED" {
		return storage.ErrFamilyRevoked
	}

	s.addToFamilySet(ctx, s.familyAccessKey(record.FamilyID), record.ID, ttl)

	revoked, err := s.client.Do(ctx,
		s.client.B().Exists().Key(markerKey).Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to check family revocation marker: %w", err)
	}
	if revoked > 0 {
		if _, err := s.revokeByScript(ctx, luaRevokeAccessToken, key); err != nil {
			return fmt.Errorf("failed to revoke token in revoked family: %w", err)
		}
		return storage.ErrFamilyRevoked
	}

	s.logger.Debug("Saved access token record",
		"token_prefix", safeTruncate(record.ID, tokenIDLogLength),
		"family_id", record.FamilyID)
	return nil
}

// GetAccessToken retrieves an access token record by its identifier.
func (s *Store) GetAccessToken(ctx context.Context, id string) (*storage.AccessTokenRecord, error) {
	if err := validateIDLength(id, "token id"); err != nil {
		return nil, err
	}

	return getAndUnmarshal(ctx, s, s.accessTokenKey(id),
		storage.ErrTokenNotFound, fromAccessTokenRecordJSON)
}

// addToFamilySet adds a token ID to a family index set and extends the set's
// TTL to cover the newest member. Failures are logged, not returned: the
// record itself is already saved, and a missing index entry only weakens the
// cascade, it does not break token redemption.
func (s *Store) addToFamilySet(ctx context.Context, setKey, id string, memberTTL time.Duration) {
	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(setKey).Member(id).Build(),
	).Error(); err != nil {
		s.logger.Error("Failed to index token in family set",
			"error", err,
			"token_prefix", safeTruncate(id, tokenIDLogLength))
		return
	}

	// GT keeps the longest TTL so earlier members never shorten the index's life
	if err := s.client.Do(ctx,
		s.client.B().Expire().Key(setKey).Seconds(int64(memberTTL.Seconds())).Gt().Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to extend family set TTL", "error", err)
	}
}
