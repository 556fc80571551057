// Package storage defines interfaces for persisting refresh-token families,
// access-token metadata, and OAuth client registrations.
// It supports various backend implementations including in-memory and Valkey.
package storage

import (
	"context"
	"time"
)

// TokenState is the lifecycle state of a refresh token record.
type TokenState string

const (
	// StateActive means the token is the current generation of its family
	// and may be redeemed exactly once.
	StateActive TokenState = "active"

	// StateUsed means the token was consumed by a successful rotation.
	// Used records are retained so that a later presentation of the same
	// token can be recognized as replay.
	StateUsed TokenState = "used"

	// StateRevoked is terminal and absorbing. No transition leaves it.
	StateRevoked TokenState = "revoked"
)

// RefreshTokenRecord represents one issued refresh token within a family.
//
// FamilyID, ClientID, and PrincipalID are identical across every generation
// of a family. Scope may shrink across rotations but never grow relative to
// generation 1.
type RefreshTokenRecord struct {
	ID          string     // opaque token value, unique, never reused
	FamilyID    string     // rotation lineage, stable across generations
	Generation  int        // starts at 1, increments per rotation
	ParentID    string     // token this one was rotated from; empty for generation 1
	ClientID    string     // client binding, immutable for the family
	PrincipalID string     // resource owner or service identity
	Scope       []string   // subset of generation 1's scope
	IssuedAt    time.Time
	ExpiresAt   time.Time
	State       TokenState
	UsedAt      time.Time // zero until State transitions to StateUsed
}

// AccessTokenRecord is lightweight metadata about an access token, kept so
// the token can be revoked en masse with its family. Access tokens do not
// rotate; they expire or get revoked by family.
type AccessTokenRecord struct {
	ID          string
	FamilyID    string
	Generation  int
	ClientID    string
	PrincipalID string
	Scope       []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Revoked     bool
}

// TokenStore defines the interface for storing and retrieving refresh-token
// families and access-token metadata.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// GetRefreshToken retrieves a refresh token record by token value.
	// Returns ErrTokenNotFound if no record exists.
	GetRefreshToken(ctx context.Context, id string) (*RefreshTokenRecord, error)

	// InsertRefreshToken creates a new refresh token record.
	// Returns ErrTokenExists if a record with the same ID already exists;
	// token values are never reused. Returns ErrFamilyRevoked if the
	// record's family has been revoked: a revoked family never grows, even
	// when the revocation lands mid-rotation.
	InsertRefreshToken(ctx context.Context, record *RefreshTokenRecord) error

	// CASTransition atomically moves a record from the expected state to the
	// next state, stamping UsedAt when the next state is StateUsed.
	// Returns ErrTokenNotFound if the record does not exist and ErrConflict
	// if its current state differs from expected.
	// SECURITY: This operation MUST be atomic. It is the linearization point
	// that guarantees at most one successful rotation per presented token,
	// even under concurrent duplicate requests.
	CASTransition(ctx context.Context, id string, expected, next TokenState, usedAt time.Time) error

	// RevokeFamily marks every non-revoked refresh token record in a family
	// as revoked. Idempotent; returns the number of records newly revoked.
	// Returns ErrFamilyNotFound only when no record of the family exists at all.
	RevokeFamily(ctx context.Context, familyID string) (int, error)

	// RevokeAccessTokensByFamily marks every access token referencing the
	// family as revoked. Idempotent; returns the number newly revoked.
	RevokeAccessTokensByFamily(ctx context.Context, familyID string) (int, error)

	// SaveAccessToken stores access token metadata for family-wide revocation.
	SaveAccessToken(ctx context.Context, record *AccessTokenRecord) error

	// GetAccessToken retrieves access token metadata.
	// Returns ErrTokenNotFound if no record exists.
	GetAccessToken(ctx context.Context, id string) (*AccessTokenRecord, error)
}

// ClientStore defines the interface for looking up OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// GetClient retrieves a client by ID.
	// Returns ErrClientNotFound if no client exists.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// SaveClient saves a registered client.
	SaveClient(ctx context.Context, client *Client) error
}

// Client types.
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// Client represents a registered OAuth client.
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash, empty for public clients
	ClientType       string // "public" or "confidential"
	ClientName       string
	GrantTypes       []string // grant types the client may use
	Scopes           []string // scopes the client may be granted
	// DisableRefreshTokenRotation stops redemptions from minting a
	// successor generation for this client. The presented token is still
	// consumed and no replacement is issued: the client loses access after
	// one use. There is no re-arming of a used record, so disabling
	// rotation is only appropriate for clients that complete a full grant
	// per session.
	DisableRefreshTokenRotation bool
	CreatedAt                   time.Time
}

// AllowsGrantType reports whether the client is registered for the grant type.
func (c *Client) AllowsGrantType(grantType string) bool {
	for _, g := range c.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}
