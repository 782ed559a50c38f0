package security

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newTestRateLimiter(t *testing.T, perSecond, burst int) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(perSecond, burst, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(rl.Stop)
	return rl
}

func TestNewRateLimiter_NilLogger(t *testing.T) {
	rl := NewRateLimiter(10, 20, nil)
	t.Cleanup(rl.Stop)

	if rl.logger == nil {
		t.Error("nil logger should be replaced with the default")
	}
	if rl.maxKeys != defaultMaxLimiterEntries {
		t.Errorf("maxKeys = %d, want %d", rl.maxKeys, defaultMaxLimiterEntries)
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := newTestRateLimiter(t, 10, 5)

	for i := 0; i < 5; i++ {
		if !rl.Allow("client-a") {
			t.Fatalf("request %d within burst should be allowed", i+1)
		}
	}
	if rl.Allow("client-a") {
		t.Error("request beyond burst should be limited")
	}
}

func TestRateLimiter_IndependentIdentifiers(t *testing.T) {
	rl := newTestRateLimiter(t, 10, 2)

	rl.Allow("client-a")
	rl.Allow("client-a")
	if rl.Allow("client-a") {
		t.Error("exhausted identifier should be limited")
	}
	if !rl.Allow("client-b") {
		t.Error("a different identifier keeps its own bucket")
	}
}

func TestRateLimiter_RefillOverTime(t *testing.T) {
	rl := newTestRateLimiter(t, 2, 2)

	rl.Allow("client-a")
	rl.Allow("client-a")
	if rl.Allow("client-a") {
		t.Fatal("burst exhausted, expected limited")
	}

	// 2 req/s refills one token in 500ms
	time.Sleep(550 * time.Millisecond)
	if !rl.Allow("client-a") {
		t.Error("expected a token after refill")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(10, 10, 2, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(rl.Stop)

	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("a") // refresh a, making b the oldest
	rl.Allow("c") // evicts b

	rl.mu.RLock()
	_, hasA := rl.buckets["a"]
	_, hasB := rl.buckets["b"]
	_, hasC := rl.buckets["c"]
	rl.mu.RUnlock()

	if !hasA || hasB || !hasC {
		t.Errorf("after eviction: a=%v b=%v c=%v, want a and c only", hasA, hasB, hasC)
	}
	if got := rl.GetStats().TotalEvictions; got != 1 {
		t.Errorf("TotalEvictions = %d, want 1", got)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := newTestRateLimiter(t, 10, 20)

	rl.Allow("idle-1")
	rl.Allow("idle-2")
	rl.Allow("active")

	rl.mu.Lock()
	for key, elem := range rl.buckets {
		if key != "active" {
			elem.Value.(*bucketEntry).lastAccess = time.Now().Add(-time.Hour)
		}
	}
	rl.mu.Unlock()

	rl.Cleanup(30 * time.Minute)

	rl.mu.RLock()
	remaining := len(rl.buckets)
	_, hasActive := rl.buckets["active"]
	rl.mu.RUnlock()

	if remaining != 1 || !hasActive {
		t.Errorf("cleanup kept %d buckets (active present: %v), want only the active one", remaining, hasActive)
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := newTestRateLimiter(t, 100, 100)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := fmt.Sprintf("client-%d", id)
			for j := 0; j < 10; j++ {
				rl.Allow(key)
			}
		}(i)
	}
	wg.Wait()
}

func TestRateLimiter_StopIdempotent(t *testing.T) {
	rl := NewRateLimiter(10, 20, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rl.Stop()
	rl.Stop()
}
