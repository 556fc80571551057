package storage

import "errors"

// Sentinel errors returned by store implementations. Callers compare with
// errors.Is; backends may wrap these with additional context.
var (
	// ErrTokenNotFound indicates no record exists for the given token value.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExists indicates an insert collided with an existing token ID.
	// Token values are never reused, so this points at a broken generator.
	ErrTokenExists = errors.New("token already exists")

	// ErrConflict indicates a CASTransition found the record in a state
	// other than the expected one. Exactly one of any set of concurrent
	// transitions on the same record succeeds; the rest observe this.
	ErrConflict = errors.New("state transition conflict")

	// ErrFamilyNotFound indicates no record of the family exists.
	ErrFamilyNotFound = errors.New("token family not found")

	// ErrFamilyRevoked indicates an insert targeted a family that has been
	// revoked. A revoked family never grows again: a revocation racing a
	// rotation must end with every record in the family revoked, including
	// a successor whose insert was already in flight.
	ErrFamilyRevoked = errors.New("token family is revoked")

	// ErrClientNotFound indicates no client is registered under the ID.
	ErrClientNotFound = errors.New("client not found")
)
