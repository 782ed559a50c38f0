package security

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultReplayCleanupInterval is how often expired jti records are pruned
	DefaultReplayCleanupInterval = 5 * time.Minute
)

// ReplayStore records JWT IDs (jti claims) from client assertions so each
// assertion can be accepted at most once (RFC 7523 replay protection).
//
// Entries carry the assertion's own expiry plus the clock-skew allowance;
// once that moment passes the assertion could no longer verify anyway, so
// the record is dropped by the cleanup loop.
type ReplayStore struct {
	mu          sync.Mutex
	seen        map[string]time.Time // jti -> retention deadline
	logger      *slog.Logger
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewReplayStore creates a replay store with a background pruning goroutine.
func NewReplayStore(logger *slog.Logger) *ReplayStore {
	return newReplayStoreWithInterval(DefaultReplayCleanupInterval, logger)
}

// newReplayStoreWithInterval allows tests to use a short cleanup interval
func newReplayStoreWithInterval(cleanupInterval time.Duration, logger *slog.Logger) *ReplayStore {
	if logger == nil {
		logger = slog.Default()
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultReplayCleanupInterval
	}

	rs := &ReplayStore{
		seen:        make(map[string]time.Time),
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}

	go rs.cleanupLoop(cleanupInterval)

	return rs
}

// CheckAndRecord atomically checks whether jti has been seen and records it
// if not. Returns false when the jti was already present (replay).
//
// retainUntil should be the assertion's exp plus the verifier's clock-skew
// leeway: after that point a replayed assertion fails expiry checks anyway.
// The check-then-record pair holds the lock for the whole sequence so two
// concurrent presentations of the same assertion cannot both succeed.
func (rs *ReplayStore) CheckAndRecord(jti string, retainUntil time.Time) bool {
	now := time.Now()

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if deadline, exists := rs.seen[jti]; exists && deadline.After(now) {
		return false
	}

	rs.seen[jti] = retainUntil
	return true
}

// Size returns the number of tracked jti records.
func (rs *ReplayStore) Size() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.seen)
}

// cleanupLoop periodically prunes records past their retention deadline
func (rs *ReplayStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rs.Cleanup()
		case <-rs.stopCleanup:
			return
		}
	}
}

// Cleanup removes records whose retention deadline has passed.
func (rs *ReplayStore) Cleanup() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	now := time.Now()
	removed := 0
	for jti, deadline := range rs.seen {
		if now.After(deadline) {
			delete(rs.seen, jti)
			removed++
		}
	}

	if removed > 0 {
		rs.logger.Debug("Replay store cleanup completed",
			"removed", removed,
			"remaining", len(rs.seen))
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call multiple times.
func (rs *ReplayStore) Stop() {
	rs.stopOnce.Do(func() {
		close(rs.stopCleanup)
	})
}
