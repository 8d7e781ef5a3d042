package session

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestThrottleSteadyStreamFiresOncePerWindow(t *testing.T) {
	window := 50 * time.Millisecond
	var fires int64
	th := newActivityThrottle(window, func() {
		atomic.AddInt64(&fires, 1)
	})
	defer th.Stop()

	// signal continuously for ~3 windows
	stop := time.After(3 * window)
loop:
	for {
		select {
		case <-stop:
			break loop
		default:
			th.Signal()
			time.Sleep(2 * time.Millisecond)
		}
	}
	time.Sleep(window + 20*time.Millisecond) // let the trailing fire land

	got := atomic.LoadInt64(&fires)
	if got < 2 || got > 4 {
		t.Errorf("got %d fires over ~3 windows, want one per window (2-4 with timer slack)", got)
	}
}

func TestThrottleStopCancelsPendingFire(t *testing.T) {
	window := 30 * time.Millisecond
	var fires int64
	th := newActivityThrottle(window, func() {
		atomic.AddInt64(&fires, 1)
	})
	th.Signal()
	th.Stop()
	time.Sleep(window * 3)

	if got := atomic.LoadInt64(&fires); got != 0 {
		t.Errorf("throttle fired %d times after Stop", got)
	}
	// signals after Stop stay dead
	th.Signal()
	time.Sleep(window * 2)
	if got := atomic.LoadInt64(&fires); got != 0 {
		t.Errorf("throttle fired %d times after Stop+Signal", got)
	}
}
