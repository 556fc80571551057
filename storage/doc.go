// Package storage provides interfaces and types for refresh-token family,
// access-token, and client persistence.
//
// The storage package defines the core storage interfaces used throughout the
// oauth-grants library:
//   - TokenStore: refresh-token records with atomic state transitions, plus
//     access-token metadata for family-wide revocation
//   - ClientStore: registered OAuth clients
//
// The TokenStore contract is what makes rotation safe under concurrency:
// CASTransition is the single linearization point for consuming a token, and
// RevokeFamily is an idempotent arena-wide flag flip keyed by family ID
// rather than a walk of parent pointers.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage
