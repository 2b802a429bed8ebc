package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultPollMaxEntries bounds the number of device codes tracked at once.
	DefaultPollMaxEntries = 10000

	// DefaultPollIdleTimeout is how long an untouched bucket survives cleanup.
	// Device codes live for minutes, so anything idle this long is finished.
	DefaultPollIdleTimeout = 30 * time.Minute

	defaultPollCleanupInterval = 5 * time.Minute
)

// pollEntry tracks the bucket of one device authorization
type pollEntry struct {
	key        string
	limiter    *rate.Limiter
	interval   time.Duration
	lastAccess time.Time
	lastPoll   time.Time // last allowed poll
}

// PollRateLimiter paces device-code polling: one poll per interval per key,
// using a token bucket of burst 1. Entries are evicted least recently used
// first once maxEntries is reached.
type PollRateLimiter struct {
	entries         map[string]*list.Element // key -> list element
	lruList         *list.List               // LRU list of *pollEntry
	mu              sync.Mutex
	maxEntries      int
	logger          *slog.Logger
	now             func() time.Time
	cleanupInterval time.Duration
	idleTimeout     time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	// Statistics
	totalEvictions int64
	totalCleanups  int64
	totalDenied    int64
}

// NewPollRateLimiter creates a limiter with a background cleanup loop.
// maxEntries <= 0 selects DefaultPollMaxEntries. Call Stop when done.
func NewPollRateLimiter(maxEntries int, logger *slog.Logger) *PollRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries <= 0 {
		maxEntries = DefaultPollMaxEntries
	}

	rl := &PollRateLimiter{
		entries:         make(map[string]*list.Element),
		lruList:         list.New(),
		maxEntries:      maxEntries,
		logger:          logger,
		now:             time.Now,
		cleanupInterval: defaultPollCleanupInterval,
		idleTimeout:     DefaultPollIdleTimeout,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// SetClock replaces the time source (for tests).
func (rl *PollRateLimiter) SetClock(now func() time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.now = now
}

// AllowPoll reports whether a poll for key may proceed given the minimum
// interval between polls. The first poll for a key is always allowed.
// A non-positive interval disables pacing.
func (rl *PollRateLimiter) AllowPoll(key string, interval time.Duration) bool {
	if interval <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	if elem, exists := rl.entries[key]; exists {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*pollEntry)
		entry.lastAccess = now
		if entry.interval != interval {
			entry.limiter = newPollLimiter(interval, entry.lastPoll)
			entry.interval = interval
		}
		return rl.allow(entry, now)
	}

	if len(rl.entries) >= rl.maxEntries {
		rl.evictLRU()
	}

	entry := &pollEntry{
		key:        key,
		limiter:    newPollLimiter(interval, time.Time{}),
		interval:   interval,
		lastAccess: now,
	}
	rl.entries[key] = rl.lruList.PushFront(entry)

	return rl.allow(entry, now)
}

// newPollLimiter returns a burst-1 bucket for interval. A non-zero lastPoll
// spends the token at that time, so the next poll is measured from it.
func newPollLimiter(interval time.Duration, lastPoll time.Time) *rate.Limiter {
	l := rate.NewLimiter(rate.Every(interval), 1)
	if !lastPoll.IsZero() {
		l.AllowN(lastPoll, 1)
	}
	return l
}

// allow consumes a token. Must be called with mutex locked.
func (rl *PollRateLimiter) allow(entry *pollEntry, now time.Time) bool {
	if entry.limiter.AllowN(now, 1) {
		entry.lastPoll = now
		return true
	}
	rl.totalDenied++
	return false
}

// Forget drops the bucket for key, e.g. once its device code is exchanged.
func (rl *PollRateLimiter) Forget(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.entries[key]; ok {
		rl.lruList.Remove(elem)
		delete(rl.entries, key)
	}
}

// evictLRU removes the least recently used entry.
// Must be called with mutex locked.
func (rl *PollRateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}

	entry := elem.Value.(*pollEntry)
	delete(rl.entries, entry.key)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Poll rate limiter LRU eviction",
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.entries))
}

func (rl *PollRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(rl.idleTimeout)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes buckets that have not been touched for maxIdleTime.
func (rl *PollRateLimiter) Cleanup(maxIdleTime time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0

	// Oldest entries sit at the back of the list.
	for elem := rl.lruList.Back(); elem != nil; {
		entry := elem.Value.(*pollEntry)
		if now.Sub(entry.lastAccess) <= maxIdleTime {
			break
		}
		prev := elem.Prev()
		delete(rl.entries, entry.key)
		rl.lruList.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Poll rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.entries),
			"total_cleanups", rl.totalCleanups)
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *PollRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

// PollStats holds limiter statistics for monitoring
type PollStats struct {
	CurrentEntries int     // Device codes currently tracked
	MaxEntries     int     // Capacity before LRU eviction
	TotalEvictions int64   // LRU evictions so far
	TotalCleanups  int64   // Cleanup passes that removed something
	TotalDenied    int64   // Polls answered with slow_down
	MemoryPressure float64 // Percentage of capacity used (0-100)
}

// GetStats returns current limiter statistics.
func (rl *PollRateLimiter) GetStats() PollStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return PollStats{
		CurrentEntries: len(rl.entries),
		MaxEntries:     rl.maxEntries,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
		TotalDenied:    rl.totalDenied,
		MemoryPressure: float64(len(rl.entries)) / float64(rl.maxEntries) * 100.0,
	}
}
