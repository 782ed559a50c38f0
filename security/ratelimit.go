package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxLimiterEntries = 10000
	limiterCleanupInterval   = 5 * time.Minute
	limiterMaxIdle           = 30 * time.Minute
)

// RateLimiter throttles requests per identifier (client IP or client_id)
// with a token bucket per key. Tracked keys are bounded: past maxEntries the
// least recently used bucket is dropped, and an idle sweeper reclaims buckets
// nothing has touched for limiterMaxIdle.
type RateLimiter struct {
	mu       sync.RWMutex
	buckets  map[string]*list.Element
	lru      *list.List // of *bucketEntry, front = most recent
	rate     int
	burst    int
	maxKeys  int
	logger   *slog.Logger
	stopOnce sync.Once
	stop     chan struct{}

	evictions int64
	sweeps    int64
}

type bucketEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewRateLimiter returns a limiter admitting requestsPerSecond sustained with
// the given burst, tracking at most 10k identifiers.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, defaultMaxLimiterEntries, logger)
}

// NewRateLimiterWithConfig is NewRateLimiter with an explicit identifier cap.
// maxKeys of 0 disables the cap.
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxKeys int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxKeys < 0 {
		logger.Warn("Negative rate limiter key cap, using default", "max_keys", defaultMaxLimiterEntries)
		maxKeys = defaultMaxLimiterEntries
	}

	rl := &RateLimiter{
		buckets: make(map[string]*list.Element),
		lru:     list.New(),
		rate:    requestsPerSecond,
		burst:   burst,
		maxKeys: maxKeys,
		logger:  logger,
		stop:    make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Allow reports whether a request under the given identifier may proceed,
// creating the identifier's bucket on first sight.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.buckets[identifier]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*bucketEntry)
		entry.lastAccess = now
		return entry.limiter.Allow()
	}

	if rl.maxKeys > 0 && len(rl.buckets) >= rl.maxKeys {
		rl.evictOldest()
	}

	entry := &bucketEntry{
		key:        identifier,
		limiter:    rate.NewLimiter(rate.Limit(rl.rate), rl.burst),
		lastAccess: now,
	}
	rl.buckets[identifier] = rl.lru.PushFront(entry)
	return entry.limiter.Allow()
}

// evictOldest drops the least recently used bucket. Caller holds the lock.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*bucketEntry)
	delete(rl.buckets, entry.key)
	rl.lru.Remove(elem)
	rl.evictions++

	rl.logger.Debug("Rate limiter bucket evicted",
		"identifier", entry.key,
		"evictions", rl.evictions,
		"tracked", len(rl.buckets))
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(limiterMaxIdle)
		case <-rl.stop:
			return
		}
	}
}

// Cleanup drops buckets idle longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := rl.lru.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*bucketEntry)
		if now.Sub(entry.lastAccess) > maxIdle {
			delete(rl.buckets, entry.key)
			rl.lru.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.sweeps++
		rl.logger.Debug("Rate limiter sweep",
			"removed", removed,
			"remaining", len(rl.buckets),
			"sweeps", rl.sweeps)
	}
}

// Stop ends the background sweeper. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Stats is a snapshot of limiter occupancy for monitoring.
type Stats struct {
	CurrentEntries int
	MaxEntries     int
	TotalEvictions int64
	TotalCleanups  int64
	MemoryPressure float64 // percent of the key cap in use
}

// GetStats returns current occupancy and churn counters.
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := Stats{
		CurrentEntries: len(rl.buckets),
		MaxEntries:     rl.maxKeys,
		TotalEvictions: rl.evictions,
		TotalCleanups:  rl.sweeps,
	}
	if rl.maxKeys > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rl.maxKeys) * 100.0
	}
	return stats
}
