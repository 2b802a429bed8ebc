package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxAuthFailures is the number of failed authentications a client
	// may accumulate inside the window before it is blocked
	DefaultMaxAuthFailures = 10

	// DefaultAuthFailureWindow is the sliding window failures are counted in
	DefaultAuthFailureWindow = 15 * time.Minute

	// DefaultAuthCleanupInterval is how often idle entries are swept
	DefaultAuthCleanupInterval = 5 * time.Minute

	// DefaultMaxAuthEntries caps the number of tracked client identifiers
	DefaultMaxAuthEntries = 10000
)

// authEntry tracks failure timestamps for a client identifier
type authEntry struct {
	clientID   string
	failures   []time.Time
	lastAccess time.Time
}

// ClientAuthLimiter blocks client authentication after repeated failures
// inside a sliding window. Entries are kept in an LRU list bounded by
// maxEntries so unknown client identifiers cannot grow memory without bound.
type ClientAuthLimiter struct {
	entries         map[string]*list.Element // client_id -> list element
	lruList         *list.List               // LRU list of *authEntry
	mu              sync.RWMutex
	maxFailures     int
	window          time.Duration
	maxEntries      int
	logger          *slog.Logger
	now             func() time.Time
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	// Statistics
	totalBlocked   int64
	totalFailures  int64
	totalEvictions int64
	totalCleanups  int64
}

// NewClientAuthLimiter creates a limiter with default settings
func NewClientAuthLimiter(logger *slog.Logger) *ClientAuthLimiter {
	return NewClientAuthLimiterWithConfig(DefaultMaxAuthFailures, DefaultAuthFailureWindow, DefaultMaxAuthEntries, logger)
}

// NewClientAuthLimiterWithConfig creates a limiter with custom limits
func NewClientAuthLimiterWithConfig(maxFailures int, window time.Duration, maxEntries int, logger *slog.Logger) *ClientAuthLimiter {
	return newClientAuthLimiterWithCleanupInterval(maxFailures, window, maxEntries, DefaultAuthCleanupInterval, logger)
}

func newClientAuthLimiterWithCleanupInterval(maxFailures int, window time.Duration, maxEntries int, cleanupInterval time.Duration, logger *slog.Logger) *ClientAuthLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxFailures <= 0 {
		logger.Warn("Invalid maxFailures, using default", "maxFailures", maxFailures)
		maxFailures = DefaultMaxAuthFailures
	}
	if window <= 0 {
		logger.Warn("Invalid window, using default", "window", window)
		window = DefaultAuthFailureWindow
	}
	if maxEntries < 0 {
		logger.Warn("Invalid maxEntries, using default", "maxEntries", maxEntries)
		maxEntries = DefaultMaxAuthEntries
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultAuthCleanupInterval
	}

	l := &ClientAuthLimiter{
		entries:         make(map[string]*list.Element),
		lruList:         list.New(),
		maxFailures:     maxFailures,
		window:          window,
		maxEntries:      maxEntries,
		logger:          logger,
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	go l.cleanupLoop()

	logger.Debug("Client authentication limiter initialized",
		"max_failures", maxFailures,
		"window", window,
		"max_entries", maxEntries)
	return l
}

// SetClock replaces the time source. Tests only.
func (l *ClientAuthLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Allow reports whether clientID may attempt to authenticate. It does not
// count the attempt; only RecordFailure does.
func (l *ClientAuthLimiter) Allow(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.entries[clientID]
	if !ok {
		return true
	}
	entry := elem.Value.(*authEntry)
	l.prune(entry, l.now())
	if len(entry.failures) < l.maxFailures {
		return true
	}

	l.totalBlocked++
	l.logger.Warn("Client authentication blocked",
		"client_id", clientID,
		"failures_in_window", len(entry.failures),
		"max_failures", l.maxFailures,
		"window", l.window)
	return false
}

// RecordFailure counts a failed authentication for clientID
func (l *ClientAuthLimiter) RecordFailure(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.totalFailures++

	if elem, ok := l.entries[clientID]; ok {
		l.lruList.MoveToFront(elem)
		entry := elem.Value.(*authEntry)
		l.prune(entry, now)
		entry.failures = append(entry.failures, now)
		entry.lastAccess = now
		return
	}

	if l.maxEntries > 0 && len(l.entries) >= l.maxEntries {
		l.evictLRU()
	}
	l.entries[clientID] = l.lruList.PushFront(&authEntry{
		clientID:   clientID,
		failures:   []time.Time{now},
		lastAccess: now,
	})
}

// Reset forgets the failures of clientID after a successful authentication
func (l *ClientAuthLimiter) Reset(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.entries[clientID]; ok {
		l.lruList.Remove(elem)
		delete(l.entries, clientID)
	}
}

// prune drops failures outside the window. Must be called with mu held.
func (l *ClientAuthLimiter) prune(entry *authEntry, now time.Time) {
	windowStart := now.Add(-l.window)
	n := 0
	for _, t := range entry.failures {
		if t.After(windowStart) {
			entry.failures[n] = t
			n++
		}
	}
	entry.failures = entry.failures[:n]
}

// evictLRU removes the least recently used entry. Must be called with mu held.
func (l *ClientAuthLimiter) evictLRU() {
	elem := l.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*authEntry)
	delete(l.entries, entry.clientID)
	l.lruList.Remove(elem)
	l.totalEvictions++
}

func (l *ClientAuthLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// Cleanup removes entries idle for longer than the window
func (l *ClientAuthLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	var next *list.Element
	for elem := l.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*authEntry)
		if now.Sub(entry.lastAccess) > l.window {
			delete(l.entries, entry.clientID)
			l.lruList.Remove(elem)
			removed++
		}
	}
	if removed > 0 {
		l.totalCleanups++
		l.logger.Debug("Client authentication limiter cleanup completed",
			"removed", removed,
			"remaining", len(l.entries))
	}
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (l *ClientAuthLimiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCleanup)
	})
}

// AuthLimiterStats holds limiter statistics for monitoring
type AuthLimiterStats struct {
	CurrentEntries int
	MaxEntries     int
	TotalBlocked   int64
	TotalFailures  int64
	TotalEvictions int64
	TotalCleanups  int64
	MaxFailures    int
	Window         string
}

// GetStats returns current limiter statistics
func (l *ClientAuthLimiter) GetStats() AuthLimiterStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return AuthLimiterStats{
		CurrentEntries: len(l.entries),
		MaxEntries:     l.maxEntries,
		TotalBlocked:   l.totalBlocked,
		TotalFailures:  l.totalFailures,
		TotalEvictions: l.totalEvictions,
		TotalCleanups:  l.totalCleanups,
		MaxFailures:    l.maxFailures,
		Window:         l.window.String(),
	}
}
