// Package scheduling provides unit tests for the concurrency primitives.
package scheduling

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// =====================================================
// Debouncer Tests
// =====================================================

// TestDebouncerCoalescesBurst verifies a burst executes once with the
// last function.
func TestDebouncerCoalescesBurst(t *testing.T) {
	d := NewDebouncer(30 * time.Millisecond)
	defer d.Stop()

	var calls int32
	var last int32

	for i := 1; i <= 5; i++ {
		n := int32(i)
		d.Call(func() {
			atomic.AddInt32(&calls, 1)
			atomic.StoreInt32(&last, n)
		})
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&last); got != 5 {
		t.Errorf("last executed = %d, want 5 (latest function wins)", got)
	}
}

// TestDebouncerFlush verifies Flush runs the pending function immediately.
func TestDebouncerFlush(t *testing.T) {
	d := NewDebouncer(time.Hour)
	defer d.Stop()

	var calls int32
	d.Call(func() { atomic.AddInt32(&calls, 1) })
	d.Flush()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls after Flush = %d, want 1", got)
	}

	// Flush with nothing pending is a no-op.
	d.Flush()
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls after second Flush = %d, want 1", got)
	}
}

// TestDebouncerStop verifies Stop cancels the pending execution.
func TestDebouncerStop(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)

	var calls int32
	d.Call(func() { atomic.AddInt32(&calls, 1) })
	d.Stop()

	time.Sleep(60 * time.Millisecond)

	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Errorf("calls after Stop = %d, want 0", got)
	}
}

// =====================================================
// Throttler Tests
// =====================================================

// TestThrottlerLeadingCall verifies the first call runs immediately.
func TestThrottlerLeadingCall(t *testing.T) {
	th := NewThrottler(time.Hour)
	defer th.Stop()

	var calls int32
	th.Call(func() { atomic.AddInt32(&calls, 1) })

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1 (leading edge)", got)
	}
}

// TestThrottlerFoldsWindow verifies calls inside the window coalesce
// into one trailing execution carrying the latest function.
func TestThrottlerFoldsWindow(t *testing.T) {
	th := NewThrottler(40 * time.Millisecond)
	defer th.Stop()

	var calls int32
	var last int32

	for i := 1; i <= 4; i++ {
		n := int32(i)
		th.Call(func() {
			atomic.AddInt32(&calls, 1)
			atomic.StoreInt32(&last, n)
		})
	}

	time.Sleep(120 * time.Millisecond)

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("calls = %d, want 2 (leading + one trailing)", got)
	}
	if got := atomic.LoadInt32(&last); got != 4 {
		t.Errorf("last executed = %d, want 4", got)
	}
}

// TestThrottlerStop verifies Stop cancels the trailing execution.
func TestThrottlerStop(t *testing.T) {
	th := NewThrottler(30 * time.Millisecond)

	var calls int32
	th.Call(func() { atomic.AddInt32(&calls, 1) }) // leading, runs
	th.Call(func() { atomic.AddInt32(&calls, 1) }) // trailing, cancelled
	th.Stop()

	time.Sleep(80 * time.Millisecond)

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

// =====================================================
// BatchEnqueuer Tests
// =====================================================

// TestBatchEnqueuerBoundsConcurrency verifies at most N units run at
// once and all submissions eventually complete.
func TestBatchEnqueuerBoundsConcurrency(t *testing.T) {
	const capacity = 3
	const units = 10

	b := NewBatchEnqueuer(capacity)

	var active int32
	var peak int32
	var completed int32
	allDone := make(chan struct{})

	b.SetOnAllProcessed(func() { close(allDone) })

	for i := 0; i < units; i++ {
		b.Add(func(done func()) {
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			atomic.AddInt32(&completed, 1)
			done()
		})
	}

	select {
	case <-allDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnAllProcessed")
	}

	if got := atomic.LoadInt32(&completed); got != units {
		t.Errorf("completed = %d, want %d", got, units)
	}
	if got := atomic.LoadInt32(&peak); got > capacity {
		t.Errorf("peak concurrency = %d, want <= %d", got, capacity)
	}
}

// TestBatchEnqueuerBatchCallback verifies the batch callback fires on
// full batches of completions.
func TestBatchEnqueuerBatchCallback(t *testing.T) {
	const capacity = 2
	const units = 6

	b := NewBatchEnqueuer(capacity)

	var batches int32
	allDone := make(chan struct{})

	b.SetOnBatchProcessed(func() { atomic.AddInt32(&batches, 1) })
	b.SetOnAllProcessed(func() { close(allDone) })

	var wg sync.WaitGroup
	wg.Add(units)
	for i := 0; i < units; i++ {
		b.Add(func(done func()) {
			defer wg.Done()
			done()
		})
	}
	wg.Wait()

	select {
	case <-allDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnAllProcessed")
	}

	if got := atomic.LoadInt32(&batches); got != units/capacity {
		t.Errorf("batch callbacks = %d, want %d", got, units/capacity)
	}
}

// TestBatchEnqueuerDoneIsIdempotent verifies duplicate done calls do
// not corrupt slot accounting.
func TestBatchEnqueuerDoneIsIdempotent(t *testing.T) {
	b := NewBatchEnqueuer(1)

	allDone := make(chan struct{})
	b.SetOnAllProcessed(func() { close(allDone) })

	b.Add(func(done func()) {
		done()
		done()
		done()
	})

	select {
	case <-allDone:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnAllProcessed")
	}

	if got := b.Active(); got != 0 {
		t.Errorf("Active = %d, want 0", got)
	}
}
