package funnel

import (
	"sync"
	"time"
)

// Timer measures named, scoped intervals. The engine names timers by step
// and scopes them by user (and by session when Timer.SessionScoped is set).
//
// Implementations must be safe for concurrent use.
type Timer interface {
	Start(name, scope string, metadata map[string]any)
	End(name, scope string) (time.Duration, bool)
}

type timerKey struct {
	name  string
	scope string
}

type timerEntry struct {
	started  time.Time
	metadata map[string]any
}

// MemoryTimer is the default in-process [Timer]. It holds at most
// maxPending running timers; when full, stale entries are pruned first and
// then the oldest running timer is dropped.
type MemoryTimer struct {
	mu         sync.Mutex
	clock      Clock
	maxPending int
	staleAfter time.Duration
	pending    map[timerKey]timerEntry
}

// NewMemoryTimer returns an empty timer. A nil clock uses time.Now;
// maxPending <= 0 means unbounded; staleAfter <= 0 disables staleness.
func NewMemoryTimer(clock Clock, maxPending int, staleAfter time.Duration) *MemoryTimer {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryTimer{
		clock:      clock,
		maxPending: maxPending,
		staleAfter: staleAfter,
		pending:    make(map[timerKey]timerEntry),
	}
}

// Start (re)starts the timer. Restarting a running timer resets it.
func (t *MemoryTimer) Start(name, scope string, metadata map[string]any) {
	now := t.clock()
	key := timerKey{name: name, scope: scope}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, running := t.pending[key]; !running && t.maxPending > 0 && len(t.pending) >= t.maxPending {
		t.pruneLocked(now)
		if len(t.pending) >= t.maxPending {
			t.dropOldestLocked()
		}
	}
	t.pending[key] = timerEntry{started: now, metadata: metadata}
}

// End stops the timer and returns the elapsed time. ok is false when no
// timer was running or it had gone stale.
func (t *MemoryTimer) End(name, scope string) (time.Duration, bool) {
	now := t.clock()
	key := timerKey{name: name, scope: scope}

	t.mu.Lock()
	entry, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()

	if !ok || t.isStale(entry, now) {
		return 0, false
	}
	elapsed := now.Sub(entry.started)
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed, true
}

// Pending returns the number of running timers.
func (t *MemoryTimer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *MemoryTimer) isStale(e timerEntry, now time.Time) bool {
	return t.staleAfter > 0 && now.Sub(e.started) > t.staleAfter
}

func (t *MemoryTimer) pruneLocked(now time.Time) {
	for k, e := range t.pending {
		if t.isStale(e, now) {
			delete(t.pending, k)
		}
	}
}

func (t *MemoryTimer) dropOldestLocked() {
	var (
		oldestKey timerKey
		oldest    time.Time
		found     bool
	)
	for k, e := range t.pending {
		if !found || e.started.Before(oldest) {
			oldestKey, oldest, found = k, e.started, true
		}
	}
	if found {
		delete(t.pending, oldestKey)
	}
}

func timerScope(userID, sessionID string, sessionScoped bool) string {
	if !sessionScoped {
		return userID
	}
	return userID + "\x1f" + sessionID
}
