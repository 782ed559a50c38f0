package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultWindowRequests is the default number of requests allowed per window
	DefaultWindowRequests = 10

	// DefaultWindow is the default sliding window duration
	DefaultWindow = time.Minute

	// DefaultWindowCleanupInterval is how often the cleanup goroutine runs
	DefaultWindowCleanupInterval = 5 * time.Minute

	// DefaultMaxWindowEntries is the maximum number of client identifiers to track
	DefaultMaxWindowEntries = 10000
)

// windowEntry tracks request timestamps for a single client identifier
type windowEntry struct {
	identifier string
	requests   []time.Time // timestamps of requests inside the current window
	lastAccess time.Time
}

// WindowLimiter provides sliding-window rate limiting keyed by client identifier.
// Unlike the token-bucket RateLimiter, it can report how long a blocked caller
// must wait before the oldest in-window request expires, which the device flow
// needs for Retry-After hints on slow_down responses.
//
// Each identifier's timestamp list is independent; the shared mutex only
// serializes map access, so contention across distinct clients is minimal.
type WindowLimiter struct {
	entries         map[string]*list.Element // identifier -> list element
	lruList         *list.List               // LRU list of *windowEntry
	mu              sync.Mutex
	maxPerWindow    int
	window          time.Duration
	maxEntries      int
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	// Statistics
	totalBlocked int64
	totalAllowed int64
}

// NewWindowLimiter creates a sliding-window limiter allowing maxPerWindow
// requests per identifier per window. Invalid arguments fall back to defaults.
func NewWindowLimiter(maxPerWindow int, window time.Duration, logger *slog.Logger) *WindowLimiter {
	return newWindowLimiterWithCleanupInterval(maxPerWindow, window, DefaultMaxWindowEntries, DefaultWindowCleanupInterval, logger)
}

// newWindowLimiterWithCleanupInterval allows tests to use a short cleanup interval
func newWindowLimiterWithCleanupInterval(maxPerWindow int, window time.Duration, maxEntries int, cleanupInterval time.Duration, logger *slog.Logger) *WindowLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPerWindow <= 0 {
		maxPerWindow = DefaultWindowRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxWindowEntries
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultWindowCleanupInterval
	}

	wl := &WindowLimiter{
		entries:         make(map[string]*list.Element),
		lruList:         list.New(),
		maxPerWindow:    maxPerWindow,
		window:          window,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go wl.cleanupLoop()

	return wl
}

// Allow reports whether a request from the given identifier is admitted.
// Stale timestamps are pruned first; the new timestamp is recorded only on
// admission, so a blocked caller does not extend its own penalty.
func (wl *WindowLimiter) Allow(identifier string) bool {
	now := time.Now()
	windowStart := now.Add(-wl.window)

	wl.mu.Lock()
	defer wl.mu.Unlock()

	if elem, exists := wl.entries[identifier]; exists {
		wl.lruList.MoveToFront(elem)
		entry := elem.Value.(*windowEntry)
		entry.lastAccess = now

		// Drop timestamps that have left the window (in-place filtering)
		n := 0
		for _, t := range entry.requests {
			if t.After(windowStart) {
				entry.requests[n] = t
				n++
			}
		}
		entry.requests = entry.requests[:n]

		if len(entry.requests) >= wl.maxPerWindow {
			wl.totalBlocked++
			wl.logger.Debug("Sliding window rate limit exceeded",
				"identifier", identifier,
				"requests_in_window", len(entry.requests),
				"max_per_window", wl.maxPerWindow,
				"window", wl.window)
			return false
		}

		entry.requests = append(entry.requests, now)
		wl.totalAllowed++
		return true
	}

	if wl.maxEntries > 0 && len(wl.entries) >= wl.maxEntries {
		wl.evictLRU()
	}

	entry := &windowEntry{
		identifier: identifier,
		requests:   []time.Time{now},
		lastAccess: now,
	}
	wl.entries[identifier] = wl.lruList.PushFront(entry)

	wl.totalAllowed++
	return true
}

// RetryAfter returns how long the identifier must wait until its oldest
// in-window request expires. The result is never below one second so it can
// be used directly as a Retry-After header value.
func (wl *WindowLimiter) RetryAfter(identifier string) time.Duration {
	now := time.Now()
	windowStart := now.Add(-wl.window)

	wl.mu.Lock()
	defer wl.mu.Unlock()

	elem, exists := wl.entries[identifier]
	if !exists {
		return time.Second
	}

	entry := elem.Value.(*windowEntry)
	var oldest time.Time
	for _, t := range entry.requests {
		if t.After(windowStart) && (oldest.IsZero() || t.Before(oldest)) {
			oldest = t
		}
	}
	if oldest.IsZero() {
		return time.Second
	}

	wait := oldest.Add(wl.window).Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// evictLRU removes the least recently used entry. Caller must hold the mutex.
func (wl *WindowLimiter) evictLRU() {
	elem := wl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*windowEntry)
	delete(wl.entries, entry.identifier)
	wl.lruList.Remove(elem)
}

// cleanupLoop periodically removes idle entries to prevent memory leaks
func (wl *WindowLimiter) cleanupLoop() {
	ticker := time.NewTicker(wl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wl.Cleanup()
		case <-wl.stopCleanup:
			return
		}
	}
}

// Cleanup removes entries whose last access is older than twice the window.
func (wl *WindowLimiter) Cleanup() {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	now := time.Now()
	maxIdleTime := wl.window * 2
	removed := 0

	var next *list.Element
	for elem := wl.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*windowEntry)

		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(wl.entries, entry.identifier)
			wl.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		wl.logger.Debug("Window limiter cleanup completed",
			"removed", removed,
			"remaining", len(wl.entries))
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call multiple times.
func (wl *WindowLimiter) Stop() {
	wl.stopOnce.Do(func() {
		close(wl.stopCleanup)
	})
}

// WindowStats holds window limiter statistics for monitoring
type WindowStats struct {
	CurrentEntries int
	TotalBlocked   int64
	TotalAllowed   int64
}

// GetStats returns current limiter statistics for monitoring and alerting
func (wl *WindowLimiter) GetStats() WindowStats {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	return WindowStats{
		CurrentEntries: len(wl.entries),
		TotalBlocked:   wl.totalBlocked,
		TotalAllowed:   wl.totalAllowed,
	}
}
