package auth

import (
	"sync"
	"time"
)

// failureTracker counts consecutive login failures per key (account or IP)
// and locks the key after the configured threshold. State is node-local.
type failureTracker struct {
	mu       sync.Mutex
	max      int
	lockout  time.Duration
	failures map[string]*failureState
}

type failureState struct {
	count       int
	lockedUntil time.Time
	lastFailure time.Time
}

func newFailureTracker(max int, lockout time.Duration) *failureTracker {
	if max <= 0 {
		max = 5
	}
	if lockout <= 0 {
		lockout = 15 * time.Minute
	}
	return &failureTracker{
		max:      max,
		lockout:  lockout,
		failures: make(map[string]*failureState),
	}
}

// locked reports whether the key is currently locked out.
func (t *failureTracker) locked(key string) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.failures[key]
	if !ok {
		return false, 0
	}
	remaining := time.Until(state.lockedUntil)
	if remaining > 0 {
		return true, remaining
	}
	return false, 0
}

// fail records a failed attempt and starts a lock when the threshold trips.
func (t *failureTracker) fail(key string) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.failures[key]
	if !ok || now.Sub(state.lastFailure) > t.lockout {
		state = &failureState{}
		t.failures[key] = state
	}
	state.count++
	state.lastFailure = now
	if state.count >= t.max {
		state.lockedUntil = now.Add(t.lockout)
	}
	t.sweepLocked(now)
}

// succeed clears the failure streak.
func (t *failureTracker) succeed(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, key)
}

func (t *failureTracker) sweepLocked(now time.Time) {
	for key, state := range t.failures {
		if now.Sub(state.lastFailure) > 2*t.lockout {
			delete(t.failures, key)
		}
	}
}
