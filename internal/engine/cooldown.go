package engine

import (
	"sync"
	"time"
)

// CooldownTracker enforces a minimum interval between repositions of the same
// position. State is process-local and lost on restart, which only permits an
// earlier-than-ideal reposition, never an unsafe one.
type CooldownTracker struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
	now    func() time.Time
}

// NewCooldownTracker creates a tracker with the given cooldown window.
func NewCooldownTracker(window time.Duration) *CooldownTracker {
	return &CooldownTracker{
		window: window,
		last:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// CanReposition returns true if the position has never been repositioned or
// the cooldown window has fully elapsed since the last recorded attempt.
func (t *CooldownTracker) CanReposition(positionAddress string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.last[positionAddress]
	if !ok {
		return true
	}
	return t.now().Sub(last) >= t.window
}

// Record stores the current time as the position's last reposition attempt.
// Called when execution is initiated, not on success, so a failing close
// cannot retry in a tight loop across scans.
func (t *CooldownTracker) Record(positionAddress string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last[positionAddress] = t.now()
}

// Forget drops the cooldown entry for a position that no longer exists.
func (t *CooldownTracker) Forget(positionAddress string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, positionAddress)
}
