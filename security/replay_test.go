package security

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestReplayStore_CheckAndRecord(t *testing.T) {
	rs := NewReplayStore(slog.Default())
	defer rs.Stop()

	retain := time.Now().Add(5 * time.Minute)

	if !rs.CheckAndRecord("jti-1", retain) {
		t.Error("First presentation of jti-1 should be accepted")
	}
	if rs.CheckAndRecord("jti-1", retain) {
		t.Error("Second presentation of jti-1 should be rejected")
	}
	if !rs.CheckAndRecord("jti-2", retain) {
		t.Error("Distinct jti-2 should be accepted")
	}
}

func TestReplayStore_ExpiredRecordReusable(t *testing.T) {
	rs := NewReplayStore(slog.Default())
	defer rs.Stop()

	// A record whose retention deadline has passed no longer blocks the jti.
	// The matching assertion would fail its own expiry check at this point.
	past := time.Now().Add(-time.Second)
	if !rs.CheckAndRecord("jti-old", past) {
		t.Fatal("First presentation should be accepted")
	}
	if !rs.CheckAndRecord("jti-old", time.Now().Add(time.Minute)) {
		t.Error("jti with expired record should be accepted again")
	}
}

func TestReplayStore_Cleanup(t *testing.T) {
	rs := NewReplayStore(slog.Default())
	defer rs.Stop()

	rs.CheckAndRecord("jti-live", time.Now().Add(time.Hour))
	rs.CheckAndRecord("jti-stale", time.Now().Add(-time.Second))

	if rs.Size() != 2 {
		t.Fatalf("Expected 2 records, got %d", rs.Size())
	}

	rs.Cleanup()

	if rs.Size() != 1 {
		t.Errorf("Expected 1 record after cleanup, got %d", rs.Size())
	}
}

func TestReplayStore_CleanupLoop(t *testing.T) {
	rs := newReplayStoreWithInterval(50*time.Millisecond, slog.Default())
	defer rs.Stop()

	rs.CheckAndRecord("jti-stale", time.Now().Add(20*time.Millisecond))

	time.Sleep(200 * time.Millisecond)

	if rs.Size() != 0 {
		t.Errorf("Expected automatic cleanup, but still have %d records", rs.Size())
	}
}

func TestReplayStore_ConcurrentSameJTI(t *testing.T) {
	rs := NewReplayStore(slog.Default())
	defer rs.Stop()

	retain := time.Now().Add(time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rs.CheckAndRecord("jti-race", retain) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if accepted != 1 {
		t.Errorf("Expected exactly 1 acceptance for concurrent same jti, got %d", accepted)
	}
}

func TestReplayStore_ConcurrentDistinctJTIs(t *testing.T) {
	rs := NewReplayStore(slog.Default())
	defer rs.Stop()

	retain := time.Now().Add(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if !rs.CheckAndRecord(fmt.Sprintf("jti-%d", n), retain) {
				t.Errorf("Distinct jti-%d should be accepted", n)
			}
		}(i)
	}

	wg.Wait()

	if rs.Size() != 50 {
		t.Errorf("Expected 50 records, got %d", rs.Size())
	}
}

func TestReplayStore_Stop(t *testing.T) {
	_ = t // Test verifies Stop() doesn't panic
	rs := NewReplayStore(slog.Default())

	rs.Stop()
	rs.Stop()
	rs.Stop()
}
