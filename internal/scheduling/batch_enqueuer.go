package scheduling

import "sync"

// Unit is a unit of asynchronous work admitted by a BatchEnqueuer. The
// unit must call done exactly once when it finishes; extra calls are
// ignored.
type Unit func(done func())

// BatchEnqueuer accepts unbounded submissions but admits at most
// capacity units concurrently. Completing an admitted unit frees a slot
// and triggers admission of the next queued unit.
//
// OnBatchProcessed fires whenever a full batch of capacity completions
// has accumulated, or when the slot count returns to full capacity.
// OnAllProcessed fires when the queue is empty and capacity is full.
type BatchEnqueuer struct {
	mu               sync.Mutex
	capacity         int
	active           int
	queue            []Unit
	completedInBatch int
	onBatchProcessed func()
	onAllProcessed   func()
}

// NewBatchEnqueuer creates a BatchEnqueuer admitting at most capacity
// concurrent units. A non-positive capacity is treated as 1.
func NewBatchEnqueuer(capacity int) *BatchEnqueuer {
	if capacity < 1 {
		capacity = 1
	}
	return &BatchEnqueuer{capacity: capacity}
}

// SetOnBatchProcessed registers the batch-completion callback.
func (b *BatchEnqueuer) SetOnBatchProcessed(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onBatchProcessed = fn
}

// SetOnAllProcessed registers the queue-drained callback.
func (b *BatchEnqueuer) SetOnAllProcessed(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onAllProcessed = fn
}

// Add submits a unit. It is admitted immediately when a slot is free,
// otherwise queued in submission order.
func (b *BatchEnqueuer) Add(unit Unit) {
	b.mu.Lock()
	if b.active < b.capacity {
		b.active++
		b.mu.Unlock()
		b.launch(unit)
		return
	}
	b.queue = append(b.queue, unit)
	b.mu.Unlock()
}

// Pending returns the number of queued, not yet admitted units.
func (b *BatchEnqueuer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Active returns the number of currently admitted units.
func (b *BatchEnqueuer) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// launch runs the unit on its own goroutine with a once-guarded done.
func (b *BatchEnqueuer) launch(unit Unit) {
	var once sync.Once
	done := func() {
		once.Do(b.complete)
	}
	go unit(done)
}

// complete frees a slot, admits the next queued unit, and fires the
// batch callbacks. Callbacks run outside the lock.
func (b *BatchEnqueuer) complete() {
	var next Unit
	var fireBatch, fireAll bool

	b.mu.Lock()
	b.active--
	b.completedInBatch++

	if b.completedInBatch >= b.capacity {
		b.completedInBatch = 0
		fireBatch = true
	}

	if len(b.queue) > 0 {
		next = b.queue[0]
		b.queue = b.queue[1:]
		b.active++
	} else if b.active == 0 {
		// Slots back to full capacity with nothing queued.
		if b.completedInBatch > 0 {
			b.completedInBatch = 0
			fireBatch = true
		}
		fireAll = true
	}

	batchFn := b.onBatchProcessed
	allFn := b.onAllProcessed
	b.mu.Unlock()

	if next != nil {
		b.launch(next)
	}
	if fireBatch && batchFn != nil {
		batchFn()
	}
	if fireAll && allFn != nil {
		allFn()
	}
}
