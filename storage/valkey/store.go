package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth-grants/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "grants:"

	// DefaultRevokedFamilyRetentionDays is the default retention period for
	// revoked and consumed token records kept for replay forensics
	DefaultRevokedFamilyRetentionDays = 90

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxIDLength is the maximum allowed length for identifiers (token, client,
	// principal, and family IDs). Prevents DoS via oversized keys.
	MaxIDLength = 256
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "grants:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// RevokedFamilyRetentionDays controls how long used and revoked token
	// records outlive their natural expiry. The records are what make replay
	// detection possible, so they must not vanish the moment they are
	// consumed. Default: 90 days
	RevokedFamilyRetentionDays int
}

// Store is a Valkey-backed implementation of the token and client stores.
// Atomic state transitions are implemented with Lua scripts so that the
// check-and-set semantics hold across concurrent callers and across
// multiple processes sharing the same Valkey instance.
type Store struct {
	client          valkeygo.Client
	prefix          string
	logger          *slog.Logger
	retentionPeriod time.Duration
}

// Compile-time interface checks
var (
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.ClientStore = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retentionDays := cfg.RevokedFamilyRetentionDays
	if retentionDays <= 0 {
		retentionDays = DefaultRevokedFamilyRetentionDays
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:          client,
		prefix:          prefix,
		logger:          logger,
		retentionPeriod: time.Duration(retentionDays) * 24 * time.Hour,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// validateIDLength checks if an identifier exceeds the maximum allowed length
func validateIDLength(value, fieldName string) error {
	if len(value) > MaxIDLength {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, MaxIDLength)
	}
	return nil
}

// ============================================================
// Key Helpers
// ============================================================

// refreshTokenKey returns the key for a refresh token record: {prefix}refresh:{id}
func (s *Store) refreshTokenKey(id string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, id)
}

// accessTokenKey returns the key for an access token record: {prefix}access:{id}
func (s *Store) accessTokenKey(id string) string {
	return fmt.Sprintf("%saccess:%s", s.prefix, id)
}

// familyRefreshKey returns the key for a family's refresh token set:
// {prefix}family:refresh:{familyID}
func (s *Store) familyRefreshKey(familyID string) string {
	return fmt.Sprintf("%sfamily:refresh:%s", s.prefix, familyID)
}

// familyAccessKey returns the key for a family's access token set:
// {prefix}family:access:{familyID}
func (s *Store) familyAccessKey(familyID string) string {
	return fmt.Sprintf("%sfamily:access:%s", s.prefix, familyID)
}

// familyRevokedKey returns the marker key for a revoked family:
// {prefix}family:revoked:{familyID}
func (s *Store) familyRevokedKey(familyID string) string {
	return fmt.Sprintf("%sfamily:revoked:%s", s.prefix, familyID)
}

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// ============================================================
// JSON Serialization Helpers
// ============================================================
//
// Records round-trip through Lua's cjson inside the atomic scripts, so the
// field names below must stay in sync with the scripts in token.go and
// family.go. Empty slices are omitted entirely: cjson cannot tell an empty
// array from an empty object and would corrupt the field on re-encode.

// refreshTokenRecordJSON is the JSON representation of a refresh token record
type refreshTokenRecordJSON struct {
	ID          string   `json:"id"`
	FamilyID    string   `json:"family_id"`
	Generation  int      `json:"generation"`
	ParentID    string   `json:"parent_id,omitempty"`
	ClientID    string   `json:"client_id"`
	PrincipalID string   `json:"principal_id"`
	Scope       []string `json:"scope,omitempty"`
	IssuedAt    int64    `json:"issued_at"`
	ExpiresAt   int64    `json:"expires_at"`
	State       string   `json:"state"`
	UsedAt      int64    `json:"used_at,omitempty"`
}

func toRefreshTokenRecordJSON(record *storage.RefreshTokenRecord) *refreshTokenRecordJSON {
	j := &refreshTokenRecordJSON{
		ID:          record.ID,
		FamilyID:    record.FamilyID,
		Generation:  record.Generation,
		ParentID:    record.ParentID,
		ClientID:    record.ClientID,
		PrincipalID: record.PrincipalID,
		Scope:       record.Scope,
		IssuedAt:    record.IssuedAt.Unix(),
		ExpiresAt:   record.ExpiresAt.Unix(),
		State:       string(record.State),
	}
	if !record.UsedAt.IsZero() {
		j.UsedAt = record.UsedAt.Unix()
	}
	return j
}

func fromRefreshTokenRecordJSON(j *refreshTokenRecordJSON) *storage.RefreshTokenRecord {
	if j == nil {
		return nil
	}
	record := &storage.RefreshTokenRecord{
		ID:          j.ID,
		FamilyID:    j.FamilyID,
		Generation:  j.Generation,
		ParentID:    j.ParentID,
		ClientID:    j.ClientID,
		PrincipalID: j.PrincipalID,
		Scope:       j.Scope,
		IssuedAt:    time.Unix(j.IssuedAt, 0),
		ExpiresAt:   time.Unix(j.ExpiresAt, 0),
		State:       storage.TokenState(j.State),
	}
	if j.UsedAt > 0 {
		record.UsedAt = time.Unix(j.UsedAt, 0)
	}
	return record
}

// accessTokenRecordJSON is the JSON representation of an access token record
type accessTokenRecordJSON struct {
	ID          string   `json:"id"`
	FamilyID    string   `json:"family_id,omitempty"`
	Generation  int      `json:"generation,omitempty"`
	ClientID    string   `json:"client_id"`
	PrincipalID string   `json:"principal_id"`
	Scope       []string `json:"scope,omitempty"`
	IssuedAt    int64    `json:"issued_at"`
	ExpiresAt   int64    `json:"expires_at"`
	Revoked     bool     `json:"revoked,omitempty"`
}

func toAccessTokenRecordJSON(record *storage.AccessTokenRecord) *accessTokenRecordJSON {
	return &accessTokenRecordJSON{
		ID:          record.ID,
		FamilyID:    record.FamilyID,
		Generation:  record.Generation,
		ClientID:    record.ClientID,
		PrincipalID: record.PrincipalID,
		Scope:       record.Scope,
		IssuedAt:    record.IssuedAt.Unix(),
		ExpiresAt:   record.ExpiresAt.Unix(),
		Revoked:     record.Revoked,
	}
}

func fromAccessTokenRecordJSON(j *accessTokenRecordJSON) *storage.AccessTokenRecord {
	if j == nil {
		return nil
	}
	return &storage.AccessTokenRecord{
		ID:          j.ID,
		FamilyID:    j.FamilyID,
		Generation:  j.Generation,
		ClientID:    j.ClientID,
		PrincipalID: j.PrincipalID,
		Scope:       j.Scope,
		IssuedAt:    time.Unix(j.IssuedAt, 0),
		ExpiresAt:   time.Unix(j.ExpiresAt, 0),
		Revoked:     j.Revoked,
	}
}

// clientJSON is the JSON representation of an OAuth client
type clientJSON struct {
	ClientID                    string   `json:"client_id"`
	ClientSecretHash            string   `json:"client_secret_hash,omitempty"`
	ClientType                  string   `json:"client_type"`
	ClientName                  string   `json:"client_name,omitempty"`
	GrantTypes                  []string `json:"grant_types,omitempty"`
	Scopes                      []string `json:"scopes,omitempty"`
	DisableRefreshTokenRotation bool     `json:"disable_refresh_token_rotation,omitempty"`
	CreatedAt                   int64    `json:"created_at"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                    client.ClientID,
		ClientSecretHash:            client.ClientSecretHash,
		ClientType:                  client.ClientType,
		ClientName:                  client.ClientName,
		GrantTypes:                  client.GrantTypes,
		Scopes:                      client.Scopes,
		DisableRefreshTokenRotation: client.DisableRefreshTokenRotation,
		CreatedAt:                   client.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:                    j.ClientID,
		ClientSecretHash:            j.ClientSecretHash,
		ClientType:                  j.ClientType,
		ClientName:                  j.ClientName,
		GrantTypes:                  j.GrantTypes,
		Scopes:                      j.Scopes,
		DisableRefreshTokenRotation: j.DisableRefreshTokenRotation,
		CreatedAt:                   time.Unix(j.CreatedAt, 0),
	}
}

// ============================================================
// Helper methods
// ============================================================

// getAndUnmarshal is a generic helper for fetching a key from Valkey,
// unmarshalling the JSON data, and converting to the target type.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return fromJSON(&j), nil
}

// safeTruncate safely truncates a string to n characters
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// recordTTL calculates the TTL for a token record. Records outlive their
// natural expiry by the retention period so that consumed and revoked
// tokens remain visible to replay detection.
func (s *Store) recordTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt) + s.retentionPeriod
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
// Uses the valkey-go library's built-in nil detection for robustness.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
