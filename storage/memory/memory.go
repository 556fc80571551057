// Package memory provides an in-memory implementation of the storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-grants/instrumentation"
	"github.com/giantswarm/oauth-grants/security"
	"github.com/giantswarm/oauth-grants/storage"
)

const (
	// maxFamilyEntries is the threshold for warning about excessive family
	// growth, which may indicate a memory exhaustion attack via repeated
	// rotation.
	maxFamilyEntries = 10000
)

// Store is an in-memory implementation of storage.TokenStore and
// storage.ClientStore.
//
// Refresh token records are kept after they are consumed: a Used record is
// what makes replay detectable, and a Revoked record is what makes a
// revoked family's tokens stay dead. The family index maps familyID to the
// record ids it contains, so family-wide revocation touches only that
// family's records instead of scanning the whole store.
type Store struct {
	mu sync.RWMutex

	refreshTokens map[string]*storage.RefreshTokenRecord
	accessTokens  map[string]*storage.AccessTokenRecord

	// Family arena indexes
	familyRefresh map[string]map[string]struct{} // familyID -> refresh token ids
	familyAccess  map[string]map[string]struct{} // familyID -> access token ids
	familyRevoked map[string]time.Time           // familyID -> revocation time, for retention

	clients map[string]*storage.Client

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during collection)
	refreshCountAtomic  atomic.Int64
	accessCountAtomic   atomic.Int64
	familiesCountAtomic atomic.Int64
	clientsCountAtomic  atomic.Int64

	// Cleanup
	cleanupInterval            time.Duration
	revokedFamilyRetentionDays int64
	stopCleanup                chan struct{}
	stopOnce                   sync.Once
	logger                     *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.ClientStore = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval
// (1 minute) and default revoked family retention (90 days).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. If cleanupInterval is 0 or negative, 1 minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		refreshTokens:              make(map[string]*storage.RefreshTokenRecord),
		accessTokens:               make(map[string]*storage.AccessTokenRecord),
		familyRefresh:              make(map[string]map[string]struct{}),
		familyAccess:               make(map[string]map[string]struct{}),
		familyRevoked:              make(map[string]time.Time),
		clients:                    make(map[string]*storage.Client),
		cleanupInterval:            cleanupInterval,
		revokedFamilyRetentionDays: 90, // retained for security auditing
		stopCleanup:                make(chan struct{}),
		logger:                     slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetRevokedFamilyRetentionDays sets how long revoked family records are
// kept for forensics before cleanup. Default: 90 days.
func (s *Store) SetRevokedFamilyRetentionDays(days int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokedFamilyRetentionDays = days
	s.logger.Info("set revoked family retention period", "retention_days", days)
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.refreshCountAtomic.Store(int64(len(s.refreshTokens)))
	s.accessCountAtomic.Store(int64(len(s.accessTokens)))
	s.familiesCountAtomic.Store(int64(len(s.familyRefresh)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.refreshCountAtomic.Load() },
			func() int64 { return s.accessCountAtomic.Load() },
			func() int64 { return s.familiesCountAtomic.Load() },
			func() int64 { return s.clientsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// TokenStore implementation
// ============================================================

// GetRefreshToken retrieves a refresh token record by token value
func (s *Store) GetRefreshToken(ctx context.Context, id string) (*storage.RefreshTokenRecord, error) {
	_, span := s.startStorageSpan(ctx, "get_refresh_token")
	start := time.Now()

	s.mu.RLock()
	record, ok := s.refreshTokens[id]
	var out *storage.RefreshTokenRecord
	if ok {
		out = cloneRefreshRecord(record)
	}
	s.mu.RUnlock()

	if !ok {
		s.recordStorageOperation(ctx, span, "get_refresh_token", storage.ErrTokenNotFound, start)
		return nil, storage.ErrTokenNotFound
	}
	s.recordStorageOperation(ctx, span, "get_refresh_token", nil, start)
	return out, nil
}

// InsertRefreshToken creates a new refresh token record
func (s *Store) InsertRefreshToken(ctx context.Context, record *storage.RefreshTokenRecord) error {
	_, span := s.startStorageSpan(ctx, "insert_refresh_token")
	start := time.Now()

	s.mu.Lock()
	if _, exists := s.refreshTokens[record.ID]; exists {
		s.mu.Unlock()
		s.recordStorageOperation(ctx, span, "insert_refresh_token", storage.ErrTokenExists, start)
		return storage.ErrTokenExists
	}
	// A revoked family never grows. Checking the marker under the same lock
	// RevokeFamily takes means a revocation either sees this record in the
	// family index and flips it, or this insert sees the marker and refuses.
	if _, revoked := s.familyRevoked[record.FamilyID]; revoked {
		s.mu.Unlock()
		s.recordStorageOperation(ctx, span, "insert_refresh_token", storage.ErrFamilyRevoked, start)
		return storage.ErrFamilyRevoked
	}

	s.refreshTokens[record.ID] = cloneRefreshRecord(record)
	members, ok := s.familyRefresh[record.FamilyID]
	if !ok {
		members = make(map[string]struct{})
		s.familyRefresh[record.FamilyID] = members
		s.familiesCountAtomic.Add(1)
	}
	members[record.ID] = struct{}{}
	s.refreshCountAtomic.Add(1)

	familyCount := len(s.familyRefresh)
	s.mu.Unlock()

	if familyCount > maxFamilyEntries {
		s.logger.Warn("token family count approaching limit - possible memory exhaustion attack",
			"current_count", familyCount,
			"max_threshold", maxFamilyEntries)
	}

	s.recordStorageOperation(ctx, span, "insert_refresh_token", nil, start)
	return nil
}

// CASTransition atomically moves a record from the expected state to the
// next state. The whole check-and-set runs under the write lock, which is
// what makes it the safe linearization point for rotation.
func (s *Store) CASTransition(ctx context.Context, id string, expected, next storage.TokenState, usedAt time.Time) error {
	_, span := s.startStorageSpan(ctx, "cas_transition")
	start := time.Now()

	s.mu.Lock()
	record, ok := s.refreshTokens[id]
	if !ok {
		s.mu.Unlock()
		s.recordStorageOperation(ctx, span, "cas_transition", storage.ErrTokenNotFound, start)
		return storage.ErrTokenNotFound
	}
	if record.State != expected {
		s.mu.Unlock()
		s.recordStorageOperation(ctx, span, "cas_transition", storage.ErrConflict, start)
		return storage.ErrConflict
	}

	record.State = next
	if next == storage.StateUsed {
		record.UsedAt = usedAt
	}
	s.mu.Unlock()

	s.recordStorageOperation(ctx, span, "cas_transition", nil, start)
	return nil
}

// RevokeFamily marks every non-revoked refresh token in a family as
// revoked. The family index makes this a flag flip over the family's own
// records; revocation wins any race with an in-flight rotation because a
// later CASTransition will no longer observe the expected state.
func (s *Store) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	_, span := s.startStorageSpan(ctx, "revoke_family")
	start := time.Now()

	s.mu.Lock()
	members, ok := s.familyRefresh[familyID]
	if !ok {
		s.mu.Unlock()
		s.recordStorageOperation(ctx, span, "revoke_family", storage.ErrFamilyNotFound, start)
		return 0, storage.ErrFamilyNotFound
	}

	revoked := 0
	for id := range members {
		record, exists := s.refreshTokens[id]
		if !exists || record.State == storage.StateRevoked {
			continue
		}
		record.State = storage.StateRevoked
		revoked++
	}
	if _, already := s.familyRevoked[familyID]; !already {
		s.familyRevoked[familyID] = time.Now()
	}
	s.mu.Unlock()

	s.recordStorageOperation(ctx, span, "revoke_family", nil, start)
	return revoked, nil
}

// RevokeAccessTokensByFamily marks every access token referencing the
// family as revoked
func (s *Store) RevokeAccessTokensByFamily(ctx context.Context, familyID string) (int, error) {
	_, span := s.startStorageSpan(ctx, "revoke_access_tokens_by_family")
	start := time.Now()

	s.mu.Lock()
	revoked := 0
	for id := range s.familyAccess[familyID] {
		record, exists := s.accessTokens[id]
		if !exists || record.Revoked {
			continue
		}
		record.Revoked = true
		revoked++
	}
	s.mu.Unlock()

	s.recordStorageOperation(ctx, span, "revoke_access_tokens_by_family", nil, start)
	return revoked, nil
}

// SaveAccessToken stores access token metadata for family-wide revocation
func (s *Store) SaveAccessToken(ctx context.Context, record *storage.AccessTokenRecord) error {
	_, span := s.startStorageSpan(ctx, "save_access_token")
	start := time.Now()

	s.mu.Lock()
	if record.FamilyID != "" {
		if _, revoked := s.familyRevoked[record.FamilyID]; revoked {
			s.mu.Unlock()
			s.recordStorageOperation(ctx, span, "save_access_token", storage.ErrFamilyRevoked, start)
			return storage.ErrFamilyRevoked
		}
	}
	if _, exists := s.accessTokens[record.ID]; !exists {
		s.accessCountAtomic.Add(1)
	}
	s.accessTokens[record.ID] = cloneAccessRecord(record)
	if record.FamilyID != "" {
		members, ok := s.familyAccess[record.FamilyID]
		if !ok {
			members = make(map[string]struct{})
			s.familyAccess[record.FamilyID] = members
		}
		members[record.ID] = struct{}{}
	}
	s.mu.Unlock()

	s.recordStorageOperation(ctx, span, "save_access_token", nil, start)
	return nil
}

// GetAccessToken retrieves access token metadata
func (s *Store) GetAccessToken(ctx context.Context, id string) (*storage.AccessTokenRecord, error) {
	_, span := s.startStorageSpan(ctx, "get_access_token")
	start := time.Now()

	s.mu.RLock()
	record, ok := s.accessTokens[id]
	var out *storage.AccessTokenRecord
	if ok {
		out = cloneAccessRecord(record)
	}
	s.mu.RUnlock()

	if !ok {
		s.recordStorageOperation(ctx, span, "get_access_token", storage.ErrTokenNotFound, start)
		return nil, storage.ErrTokenNotFound
	}
	s.recordStorageOperation(ctx, span, "get_access_token", nil, start)
	return out, nil
}

// ============================================================
// ClientStore implementation
// ============================================================

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	_, span := s.startStorageSpan(ctx, "get_client")
	start := time.Now()

	s.mu.RLock()
	client, ok := s.clients[clientID]
	var out *storage.Client
	if ok {
		out = cloneClient(client)
	}
	s.mu.RUnlock()

	if !ok {
		s.recordStorageOperation(ctx, span, "get_client", storage.ErrClientNotFound, start)
		return nil, storage.ErrClientNotFound
	}
	s.recordStorageOperation(ctx, span, "get_client", nil, start)
	return out, nil
}

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	_, span := s.startStorageSpan(ctx, "save_client")
	start := time.Now()

	s.mu.Lock()
	if _, exists := s.clients[client.ClientID]; !exists {
		s.clientsCountAtomic.Add(1)
	}
	s.clients[client.ClientID] = cloneClient(client)
	s.mu.Unlock()

	s.recordStorageOperation(ctx, span, "save_client", nil, start)
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes expired records. Used and Active records go once they are
// past expiry (with clock-skew grace); records of revoked families are kept
// for the configured retention period so the audit trail stays inspectable.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0
	retentionDays := s.revokedFamilyRetentionDays
	if retentionDays == 0 {
		retentionDays = 90
	}
	revokedCutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	for id, record := range s.refreshTokens {
		remove := false
		switch record.State {
		case storage.StateRevoked:
			revokedAt, ok := s.familyRevoked[record.FamilyID]
			if !ok {
				revokedAt = record.IssuedAt
			}
			remove = revokedAt.Before(revokedCutoff)
		default:
			remove = security.IsExpiredNow(record.ExpiresAt)
		}
		if remove {
			delete(s.refreshTokens, id)
			if dropFromFamilyIndex(s.familyRefresh, record.FamilyID, id) {
				s.familiesCountAtomic.Add(-1)
			}
			s.refreshCountAtomic.Add(-1)
			cleaned++
		}
	}

	for id, record := range s.accessTokens {
		if security.IsExpiredNow(record.ExpiresAt) {
			delete(s.accessTokens, id)
			dropFromFamilyIndex(s.familyAccess, record.FamilyID, id)
			s.accessCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Drop revocation markers for families with no remaining records
	for familyID, revokedAt := range s.familyRevoked {
		if _, hasRefresh := s.familyRefresh[familyID]; hasRefresh {
			continue
		}
		if _, hasAccess := s.familyAccess[familyID]; hasAccess {
			continue
		}
		if revokedAt.Before(revokedCutoff) {
			delete(s.familyRevoked, familyID)
		}
	}

	if cleaned > 0 {
		s.logger.Debug("cleaned up expired entries",
			"count", cleaned,
			"families", len(s.familyRefresh))
	}
}

// dropFromFamilyIndex removes an id from a family index, deleting the
// family entry when it empties. Reports whether the family entry was
// removed. Caller holds s.mu.
func dropFromFamilyIndex(index map[string]map[string]struct{}, familyID, id string) bool {
	members, ok := index[familyID]
	if !ok {
		return false
	}
	delete(members, id)
	if len(members) == 0 {
		delete(index, familyID)
		return true
	}
	return false
}

// ============================================================
// Instrumentation helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))
}

// recordStorageOperation records metrics for a storage operation and sets
// span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.tracer != nil && span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}

	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

// ============================================================
// Clone helpers
// ============================================================

// Records are copied on the way in and out so callers can never mutate
// store state except through store methods.

func cloneRefreshRecord(r *storage.RefreshTokenRecord) *storage.RefreshTokenRecord {
	out := *r
	out.Scope = append([]string(nil), r.Scope...)
	return &out
}

func cloneAccessRecord(r *storage.AccessTokenRecord) *storage.AccessTokenRecord {
	out := *r
	out.Scope = append([]string(nil), r.Scope...)
	return &out
}

func cloneClient(c *storage.Client) *storage.Client {
	out := *c
	out.GrantTypes = append([]string(nil), c.GrantTypes...)
	out.Scopes = append([]string(nil), c.Scopes...)
	return &out
}
