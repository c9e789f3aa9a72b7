package scheduling

import (
	"sync"
	"time"
)

// Throttler limits execution to at most once per interval. The first
// call in a window runs immediately; further calls during the window are
// folded into a single trailing execution carrying the latest function.
// This is a throttle, not a queue: excess calls are never executed
// individually.
type Throttler struct {
	mu       sync.Mutex
	interval time.Duration
	lastRun  time.Time
	pending  func()
	timer    *time.Timer
	stopped  bool
}

// NewThrottler creates a Throttler with the given minimum interval
// between executions.
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{interval: interval}
}

// Call executes fn immediately if the interval has elapsed since the
// last execution, otherwise folds it into the pending trailing run.
func (t *Throttler) Call(fn func()) {
	t.mu.Lock()

	if t.stopped {
		t.mu.Unlock()
		return
	}

	now := time.Now()
	if t.pending == nil && now.Sub(t.lastRun) >= t.interval {
		t.lastRun = now
		t.mu.Unlock()
		fn()
		return
	}

	replaced := t.pending != nil
	t.pending = fn
	if !replaced {
		wait := t.interval - now.Sub(t.lastRun)
		if wait < 0 {
			wait = 0
		}
		t.timer = time.AfterFunc(wait, t.fire)
	}
	t.mu.Unlock()
}

// fire runs the pending trailing execution.
func (t *Throttler) fire() {
	t.mu.Lock()
	fn := t.pending
	t.pending = nil
	t.timer = nil
	t.lastRun = time.Now()
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Stop cancels any pending trailing execution. The throttler accepts no
// further calls afterwards.
func (t *Throttler) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	t.pending = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
