// Package reconcile owns the authoritative in-memory record set. Every
// data source converges here: fetched pages, cache hydration, real-time
// chat events, and unread-count snapshots are merged under a
// last-writer-wins rule keyed on recency, then persisted and published
// as immutable snapshots.
package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/attache-app/core/internal/logging"
	"github.com/attache-app/core/internal/models"
	"github.com/attache-app/core/internal/scheduling"
	"github.com/attache-app/core/internal/store"
	"github.com/attache-app/core/internal/uuid"
)

// defaultEventQuiet is the quiet period over which chat-event bursts
// are coalesced into one apply pass.
const defaultEventQuiet = 300 * time.Millisecond

// Engine reconciles all record sources into one authoritative set.
type Engine struct {
	mu    sync.Mutex
	tasks map[int64]*models.Task

	store store.TaskStore

	eventMu  sync.Mutex
	events   []chatEvent
	debounce *scheduling.Debouncer

	// onChanged publishes a fresh display snapshot after every apply.
	onChanged func([]*models.Task)

	// requestRefetch asks the sync controller for a forward sync when an
	// event references a record the engine does not hold.
	requestRefetch func()

	// requestUnreadRefresh asks for a fresh unread-count snapshot after
	// a burst of chat activity.
	requestUnreadRefresh func()
}

// chatEvent is one buffered real-time event. A nil message means the
// channel was touched without a preview and the record must be
// refetched.
type chatEvent struct {
	channelID string
	message   *models.ChatMessage
}

// Option configures an Engine.
type Option func(*Engine)

// WithOnChanged registers the snapshot listener.
func WithOnChanged(fn func([]*models.Task)) Option {
	return func(e *Engine) { e.onChanged = fn }
}

// WithRefetchRequest registers the forward-sync trigger.
func WithRefetchRequest(fn func()) Option {
	return func(e *Engine) { e.requestRefetch = fn }
}

// WithUnreadRefreshRequest registers the unread-snapshot trigger.
func WithUnreadRefreshRequest(fn func()) Option {
	return func(e *Engine) { e.requestUnreadRefresh = fn }
}

// New creates an Engine persisting through ts.
func New(ts store.TaskStore, opts ...Option) *Engine {
	e := &Engine{
		tasks:    make(map[int64]*models.Task),
		store:    ts,
		debounce: scheduling.NewDebouncer(defaultEventQuiet),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load hydrates the authoritative set from the store. Called once at
// startup, before any sync or event activity.
func (e *Engine) Load() error {
	tasks, err := e.store.Retrieve()
	if err != nil {
		return err
	}

	e.mu.Lock()
	for _, task := range tasks {
		e.tasks[task.ID] = task
	}
	e.mu.Unlock()

	logging.Info("Hydrated record set from store",
		map[string]interface{}{"records": len(tasks)})
	e.publish()
	return nil
}

// MergeBatch merges a batch of fetched records under last-writer-wins
// and persists the result. Merging the same batch twice is a no-op.
func (e *Engine) MergeBatch(incoming []*models.Task) error {
	if len(incoming) == 0 {
		return nil
	}

	// Only clones leave the lock; the live records never escape the set.
	e.mu.Lock()
	merged := make([]*models.Task, 0, len(incoming))
	for _, task := range incoming {
		merged = append(merged, e.mergeLocked(task).Clone())
	}
	e.mu.Unlock()

	if err := e.store.Save(merged); err != nil {
		return err
	}
	e.publish()
	return nil
}

// mergeLocked folds one incoming record into the set and returns the
// winning version. The caller holds e.mu.
func (e *Engine) mergeLocked(incoming *models.Task) *models.Task {
	existing, ok := e.tasks[incoming.ID]
	if !ok {
		clone := incoming.Clone()
		e.tasks[incoming.ID] = clone
		return clone
	}

	// The record with the newer server-side update wins as the base;
	// chat previews are merged field-wise so a locally observed message
	// or draft survives a stale refetch.
	base, other := existing, incoming
	if incoming.UpdatedAt >= existing.UpdatedAt {
		base, other = incoming, existing
	}

	winner := base.Clone()
	if other.LastMessage.NewerThan(winner.LastMessage) {
		msg := *other.LastMessage
		winner.LastMessage = &msg
	}
	if other.Draft.NewerThan(winner.Draft) {
		draft := *other.Draft
		winner.Draft = &draft
	}

	// A sent message supersedes any draft it postdates.
	if winner.Draft != nil && winner.LastMessage != nil &&
		winner.LastMessage.Timestamp >= winner.Draft.Timestamp {
		winner.Draft = nil
	}

	// Cursors only widen the fetched range; never lose one.
	if winner.Etag == nil && other.Etag != nil {
		etag := *other.Etag
		winner.Etag = &etag
	}
	if winner.CustomID == "" {
		winner.CustomID = other.CustomID
	}

	e.tasks[incoming.ID] = winner
	return winner
}

// ApplyEvent buffers one real-time chat event. Bursts are coalesced:
// the buffered events are applied in one pass after a quiet period,
// followed by a single snapshot publish and one unread refresh.
func (e *Engine) ApplyEvent(channelID string, message *models.ChatMessage) {
	e.eventMu.Lock()
	e.events = append(e.events, chatEvent{channelID: channelID, message: message})
	e.eventMu.Unlock()

	e.debounce.Call(e.flushEvents)
}

// FlushEvents applies any buffered events immediately.
func (e *Engine) FlushEvents() {
	e.debounce.Flush()
}

// flushEvents drains the buffer and applies every event in order.
func (e *Engine) flushEvents() {
	e.eventMu.Lock()
	events := e.events
	e.events = nil
	e.eventMu.Unlock()

	if len(events) == 0 {
		return
	}

	needRefetch := false
	changed := make(map[int64]*models.Task)

	e.mu.Lock()
	for _, event := range events {
		task, refetch := e.applyEventLocked(event)
		if task != nil {
			changed[task.ID] = task
		}
		needRefetch = needRefetch || refetch
	}
	// Clone before releasing the lock; the map entries stay live.
	batch := make([]*models.Task, 0, len(changed))
	for _, task := range changed {
		batch = append(batch, task.Clone())
	}
	e.mu.Unlock()

	if len(batch) > 0 {
		if err := e.store.Save(batch); err != nil {
			logging.Error("Failed to persist event batch", err,
				map[string]interface{}{"records": len(batch)})
		}
		e.publish()
	}

	if needRefetch && e.requestRefetch != nil {
		e.requestRefetch()
	}
	if e.requestUnreadRefresh != nil {
		e.requestUnreadRefresh()
	}
}

// applyEventLocked folds one event into the set. It returns the changed
// record, if any, and whether the record needs a server refetch. The
// caller holds e.mu.
func (e *Engine) applyEventLocked(event chatEvent) (*models.Task, bool) {
	taskID, ok := models.TaskIDFromChannel(event.channelID)
	if !ok {
		logging.Warn("Dropping event with unparseable channel",
			map[string]interface{}{"channel": event.channelID})
		return nil, false
	}

	task, known := e.tasks[taskID]
	if !known {
		// A record touched before it was ever fetched: synthesize a
		// placeholder so the activity is not lost, then refetch.
		task = &models.Task{ID: taskID, CustomID: uuid.New()}
		e.tasks[taskID] = task
		e.applyMessageLocked(task, event.message)
		return task, true
	}

	if event.message == nil {
		// Channel touched without a preview; only the server knows what
		// changed.
		return nil, true
	}

	if !e.applyMessageLocked(task, event.message) {
		return nil, false
	}
	return task, false
}

// applyMessageLocked merges one message preview into the task and
// reports whether the record changed.
func (e *Engine) applyMessageLocked(task *models.Task, message *models.ChatMessage) bool {
	if message == nil {
		return false
	}

	if message.IsDraft {
		if message.Text == "" {
			// An emptied draft clears unconditionally.
			if task.Draft == nil {
				return false
			}
			task.Draft = nil
			return true
		}
		if !message.NewerThan(task.Draft) {
			return false
		}
		draft := *message
		task.Draft = &draft
		return true
	}

	if !message.NewerThan(task.LastMessage) {
		return false
	}
	msg := *message
	task.LastMessage = &msg

	// A sent message supersedes the draft it was composed from.
	if task.Draft != nil && message.Timestamp >= task.Draft.Timestamp {
		task.Draft = nil
	}
	return true
}

// MergeUnreadCounts folds an unread snapshot into the set. Channels
// absent from the snapshot are read: a record holding a stale nonzero
// count is zeroed.
func (e *Engine) MergeUnreadCounts(snapshot models.UnreadSnapshot) error {
	var changed []*models.Task

	e.mu.Lock()
	for _, task := range e.tasks {
		count, ok := snapshot.CountForTask(task.ID)
		switch {
		case ok && task.UnreadCount != count:
			task.UnreadCount = count
			changed = append(changed, task.Clone())
		case !ok && task.UnreadCount != 0:
			task.UnreadCount = 0
			changed = append(changed, task.Clone())
		}
	}
	e.mu.Unlock()

	if len(changed) == 0 {
		return nil
	}
	if err := e.store.Save(changed); err != nil {
		return err
	}
	e.publish()
	return nil
}

// Snapshot returns the display list: tombstones filtered, most recent
// activity first, every record a defensive copy.
func (e *Engine) Snapshot() []*models.Task {
	e.mu.Lock()
	tasks := make([]*models.Task, 0, len(e.tasks))
	for _, task := range e.tasks {
		if task.Deleted {
			continue
		}
		tasks = append(tasks, task.Clone())
	}
	e.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].RecencyKey() != tasks[j].RecencyKey() {
			return tasks[i].RecencyKey() > tasks[j].RecencyKey()
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks
}

// Reset drops the in-memory set and the persisted records. Used on
// logout.
func (e *Engine) Reset() error {
	e.debounce.Stop()
	e.debounce = scheduling.NewDebouncer(defaultEventQuiet)

	e.mu.Lock()
	e.tasks = make(map[int64]*models.Task)
	e.mu.Unlock()

	e.eventMu.Lock()
	e.events = nil
	e.eventMu.Unlock()

	return e.store.Clear()
}

// publish hands a fresh snapshot to the listener.
func (e *Engine) publish() {
	if e.onChanged != nil {
		e.onChanged(e.Snapshot())
	}
}
