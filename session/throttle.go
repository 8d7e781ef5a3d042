package session

import (
	"sync"
	"time"
)

// activityThrottle coalesces bursts of activity signals into at most one fire
// per window. Signals never fire immediately: the first signal of a window
// schedules the fire at the window boundary, and further signals inside the
// window are absorbed into it. A steady stream of signals therefore yields
// exactly one fire per window, not zero and not a burst.
type activityThrottle struct {
	mu       sync.Mutex
	window   time.Duration
	fn       func()
	lastFire time.Time
	pending  *time.Timer
	stopped  bool
}

func newActivityThrottle(window time.Duration, fn func()) *activityThrottle {
	return &activityThrottle{
		window: window,
		fn:     fn,
	}
}

// Signal records one activity signal.
func (t *activityThrottle) Signal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.pending != nil {
		return
	}
	delay := t.window
	if since := time.Since(t.lastFire); since < t.window {
		delay = t.window - since
	}
	t.pending = time.AfterFunc(delay, t.fire)
}

func (t *activityThrottle) fire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.pending = nil
	t.lastFire = time.Now()
	t.mu.Unlock()
	t.fn()
}

// Stop cancels any pending fire. Once stopped the throttle never fires again,
// even if the timer already popped and is waiting on the mutex.
func (t *activityThrottle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}
