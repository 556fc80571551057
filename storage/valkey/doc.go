// Package valkey provides a Valkey storage backend for the token grant engine.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// This package implements the token and client store interfaces, making it
// suitable for production deployments that require:
//
//   - Distributed storage for horizontal scaling
//   - Persistence across server restarts
//   - Automatic TTL-based expiration
//   - High availability with clustering
//
// # Implemented Interfaces
//
//   - [storage.TokenStore]: refresh and access token records, atomic state
//     transitions, family-wide revocation
//   - [storage.ClientStore]: OAuth client registration and lookup
//
// # Key Schema
//
// All keys use a configurable prefix (default "grants:") to avoid conflicts
// with other applications sharing the same Valkey instance:
//
//	{prefix}refresh:{id}              -> JSON(RefreshTokenRecord)
//	{prefix}access:{id}               -> JSON(AccessTokenRecord)
//	{prefix}family:refresh:{familyID} -> SET of refresh token IDs
//	{prefix}family:access:{familyID}  -> SET of access token IDs
//	{prefix}family:revoked:{familyID} -> Unix timestamp of first revocation
//	{prefix}client:{clientID}         -> JSON(Client)
//
// # Atomic Operations
//
// The state transition that consumes a refresh token must be atomic: of any
// number of concurrent redemptions, exactly one may succeed. CASTransition
// runs as a Lua script so the read-compare-write happens in one step on the
// server, giving the same guarantee as the in-memory implementation but
// across multiple processes. Family revocation uses per-record scripts so a
// revocation never loses a race against a concurrent rotation.
//
// # Record Retention
//
// Consumed and revoked records are the raw material for replay detection,
// so their TTLs extend past natural expiry by a configurable retention
// period (default 90 days). A token that vanished the moment it was used
// could not be told apart from a token that never existed.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "grants:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	    KeyPrefix: "grants:",
//	})
//
// # Security Considerations
//
//   - All records are stored with TTLs to prevent unbounded growth
//   - Lua scripts ensure atomic operations for security-critical transitions
//   - TLS support enables encrypted connections to Valkey servers
//   - Input size validation prevents DoS attacks via oversized identifiers
//   - Generic not-found errors prevent client and token enumeration
package valkey
