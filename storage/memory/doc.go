// Package memory provides an in-memory implementation of the token storage interfaces.
//
// This package implements TokenStore and ClientStore using Go's built-in maps
// with mutex protection for thread safety. It is suitable for development,
// testing, and single-instance deployments where persistence is not required.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Compare-and-set state transitions for refresh token rotation
//   - Automatic cleanup of expired tokens with configurable intervals
//   - Revoked families retained past expiry for replay detection
//
// For production deployments requiring persistence or multi-instance
// deployments, use the storage/valkey package instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	eng, _ := engine.New(store, store, iss, config, logger)
package memory
