package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultMaxTrackedKeys bounds the number of distinct keys tracked
	// simultaneously. Beyond this, least recently used keys are evicted.
	defaultMaxTrackedKeys = 10000

	rateLimiterCleanupInterval = 5 * time.Minute
	rateLimiterMaxIdle         = 30 * time.Minute
)

// RateLimiter provides per-key token-bucket rate limiting with LRU eviction
// to prevent unbounded memory growth. Keys are arbitrary identifiers: client
// IDs for redeem throttling, principal+client pairs for security event
// flood control.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*list.Element // key -> element in lru
	lru     *list.List               // front = most recently used

	limit   rate.Limit
	burst   int
	maxKeys int
	logger  *slog.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once

	evictions int64
}

type limiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewRateLimiter creates a rate limiter allowing eventsPerSecond sustained
// with the given burst, tracking at most defaultMaxTrackedKeys keys.
// A background goroutine drops idle keys; call Stop to end it.
func NewRateLimiter(eventsPerSecond float64, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithCapacity(eventsPerSecond, burst, defaultMaxTrackedKeys, logger)
}

// NewRateLimiterWithCapacity creates a rate limiter with an explicit bound on
// tracked keys. maxKeys <= 0 falls back to the default bound.
func NewRateLimiterWithCapacity(eventsPerSecond float64, burst, maxKeys int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxKeys <= 0 {
		maxKeys = defaultMaxTrackedKeys
	}

	rl := &RateLimiter{
		entries:     make(map[string]*list.Element),
		lru:         list.New(),
		limit:       rate.Limit(eventsPerSecond),
		burst:       burst,
		maxKeys:     maxKeys,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether an event for the given key is within its budget.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.entries[key]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = now
		return entry.limiter.Allow()
	}

	if len(rl.entries) >= rl.maxKeys {
		rl.evictOldest()
	}

	entry := &limiterEntry{
		key:        key,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: now,
	}
	rl.entries[key] = rl.lru.PushFront(entry)

	return entry.limiter.Allow()
}

// evictOldest drops the least recently used key. Caller holds rl.mu.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	delete(rl.entries, entry.key)
	rl.lru.Remove(elem)
	rl.evictions++

	rl.logger.Debug("rate limiter evicted key",
		"key", entry.key,
		"total_evictions", rl.evictions,
		"tracked_keys", len(rl.entries))
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rateLimiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(rateLimiterMaxIdle)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes keys that have been idle longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := rl.lru.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*limiterEntry)
		if now.Sub(entry.lastAccess) > maxIdle {
			delete(rl.entries, entry.key)
			rl.lru.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.entries))
	}
}

// Stop ends the background cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// TrackedKeys returns the number of keys currently tracked, for monitoring.
func (rl *RateLimiter) TrackedKeys() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}
