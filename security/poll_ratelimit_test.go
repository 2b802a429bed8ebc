package security

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/oauth-grants/internal/testutil"
)

func newTestPollLimiter(t *testing.T, maxEntries int) (*PollRateLimiter, *testutil.MockTime) {
	t.Helper()
	clock := testutil.NewMockTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	rl := NewPollRateLimiter(maxEntries, slog.Default())
	rl.SetClock(clock.Now)
	t.Cleanup(rl.Stop)
	return rl, clock
}

func TestNewPollRateLimiter(t *testing.T) {
	rl := NewPollRateLimiter(0, nil)
	defer rl.Stop()

	if rl.maxEntries != DefaultPollMaxEntries {
		t.Errorf("maxEntries = %d, want %d", rl.maxEntries, DefaultPollMaxEntries)
	}
	if rl.logger == nil {
		t.Error("logger should not be nil")
	}
}

func TestPollRateLimiter_AllowPoll(t *testing.T) {
	rl, clock := newTestPollLimiter(t, 10)

	if !rl.AllowPoll("device-1", 5*time.Second) {
		t.Fatal("first poll should be allowed")
	}
	if rl.AllowPoll("device-1", 5*time.Second) {
		t.Error("immediate second poll should be denied")
	}

	clock.Advance(2 * time.Second)
	if rl.AllowPoll("device-1", 5*time.Second) {
		t.Error("poll after 2s should be denied with a 5s interval")
	}

	clock.Advance(5 * time.Second)
	if !rl.AllowPoll("device-1", 5*time.Second) {
		t.Error("poll after a full interval should be allowed")
	}

	if got := rl.GetStats().TotalDenied; got != 2 {
		t.Errorf("TotalDenied = %d, want 2", got)
	}
}

func TestPollRateLimiter_AllowPoll_ZeroInterval(t *testing.T) {
	rl, _ := newTestPollLimiter(t, 10)

	for i := 0; i < 5; i++ {
		if !rl.AllowPoll("device-1", 0) {
			t.Fatalf("poll %d should be allowed without an interval", i)
		}
	}
	if got := rl.GetStats().CurrentEntries; got != 0 {
		t.Errorf("CurrentEntries = %d, want 0", got)
	}
}

func TestPollRateLimiter_AllowPoll_SeparateKeys(t *testing.T) {
	rl, _ := newTestPollLimiter(t, 10)

	if !rl.AllowPoll("device-1", time.Minute) {
		t.Error("device-1 first poll should be allowed")
	}
	if !rl.AllowPoll("device-2", time.Minute) {
		t.Error("device-2 should not share device-1's bucket")
	}
	if rl.AllowPoll("device-1", time.Minute) {
		t.Error("device-1 second poll should be denied")
	}
}

func TestPollRateLimiter_IntervalChange(t *testing.T) {
	rl, clock := newTestPollLimiter(t, 10)

	rl.AllowPoll("device-1", 10*time.Second)
	clock.Advance(3 * time.Second)

	if rl.AllowPoll("device-1", 10*time.Second) {
		t.Error("poll after 3s should be denied with a 10s interval")
	}

	clock.Advance(3 * time.Second)
	if !rl.AllowPoll("device-1", 2*time.Second) {
		t.Error("poll should be allowed after the interval shrinks")
	}
	if rl.AllowPoll("device-1", 2*time.Second) {
		t.Error("immediate poll after the allowed one should be denied")
	}
}

func TestPollRateLimiter_IntervalGrows(t *testing.T) {
	rl, clock := newTestPollLimiter(t, 10)

	rl.AllowPoll("device-1", 2*time.Second)
	clock.Advance(3 * time.Second)

	if rl.AllowPoll("device-1", 10*time.Second) {
		t.Error("poll 3s after the last one should be denied once the interval grows to 10s")
	}

	clock.Advance(7 * time.Second)
	if !rl.AllowPoll("device-1", 10*time.Second) {
		t.Error("poll 10s after the last allowed one should be allowed")
	}
}

func TestPollRateLimiter_LRUEviction(t *testing.T) {
	rl, _ := newTestPollLimiter(t, 2)

	rl.AllowPoll("device-1", time.Minute)
	rl.AllowPoll("device-2", time.Minute)
	rl.AllowPoll("device-3", time.Minute)

	stats := rl.GetStats()
	if stats.CurrentEntries != 2 {
		t.Errorf("CurrentEntries = %d, want 2", stats.CurrentEntries)
	}
	if stats.TotalEvictions != 1 {
		t.Errorf("TotalEvictions = %d, want 1", stats.TotalEvictions)
	}

	// device-1 was evicted, so it starts with a fresh bucket
	if !rl.AllowPoll("device-1", time.Minute) {
		t.Error("evicted key should be allowed again")
	}
}

func TestPollRateLimiter_Forget(t *testing.T) {
	rl, _ := newTestPollLimiter(t, 10)

	rl.AllowPoll("device-1", time.Minute)
	rl.Forget("device-1")
	rl.Forget("unknown")

	if !rl.AllowPoll("device-1", time.Minute) {
		t.Error("forgotten key should be allowed again")
	}
}

func TestPollRateLimiter_Cleanup(t *testing.T) {
	rl, clock := newTestPollLimiter(t, 10)

	rl.AllowPoll("device-1", time.Second)
	clock.Advance(time.Hour)
	rl.AllowPoll("device-2", time.Second)

	rl.Cleanup(30 * time.Minute)

	rl.mu.Lock()
	_, hasIdle := rl.entries["device-1"]
	_, hasActive := rl.entries["device-2"]
	rl.mu.Unlock()

	if hasIdle {
		t.Error("idle entry should be cleaned up")
	}
	if !hasActive {
		t.Error("active entry should not be cleaned up")
	}
	if got := rl.GetStats().TotalCleanups; got != 1 {
		t.Errorf("TotalCleanups = %d, want 1", got)
	}
}

func TestPollRateLimiter_ConcurrentAccess(t *testing.T) {
	rl, _ := newTestPollLimiter(t, 100)

	const numGoroutines = 10
	var wg sync.WaitGroup
	allowed := make([]int, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if rl.AllowPoll("shared-device", time.Minute) {
					allowed[id]++
				}
				rl.AllowPoll(fmt.Sprintf("device-%d", id), time.Minute)
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range allowed {
		total += n
	}
	if total != 1 {
		t.Errorf("shared key allowed %d polls with a frozen clock, want 1", total)
	}
}

func TestPollRateLimiter_Stop(t *testing.T) {
	rl := NewPollRateLimiter(10, slog.Default())

	rl.Stop()
	rl.Stop()
}
