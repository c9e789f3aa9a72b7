// Package sync drives incremental synchronization: it walks the
// backend's task pages in both directions from the known-fetched range,
// hands each page to the reconciliation engine, and retries transient
// failures with an incremental backoff before giving up.
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/attache-app/core/internal/api"
	"github.com/attache-app/core/internal/errors"
	"github.com/attache-app/core/internal/logging"
	"github.com/attache-app/core/internal/models"
	"github.com/attache-app/core/internal/store"
)

// Fetcher is the api surface the controller needs.
type Fetcher interface {
	FetchTaskPage(ctx context.Context, page api.PageRequest) (*api.TaskPage, error)
	FetchUnreadCounts(ctx context.Context) (models.UnreadSnapshot, error)
}

// Merger is the reconciliation surface the controller needs.
type Merger interface {
	MergeBatch(tasks []*models.Task) error
	MergeUnreadCounts(snapshot models.UnreadSnapshot) error
}

// CursorStore is the slice of the task store the controller consults
// for pagination cursors.
type CursorStore interface {
	MinEtag() *string
	MaxEtag() *string
	RecalculateExtremeEtags(tasks []*models.Task)
}

// Config holds controller tunables.
type Config struct {
	PageLimit   int
	BackoffStep time.Duration
	BackoffCap  time.Duration
}

// DefaultConfig returns default controller configuration.
func DefaultConfig() Config {
	return Config{
		PageLimit:   50,
		BackoffStep: time.Second,
		BackoffCap:  10 * time.Second,
	}
}

// Controller runs the page-walking sync loops. At most one sync per
// direction is ever in flight; a second request in the same direction
// is refused while the first runs.
type Controller struct {
	client  Fetcher
	cursors CursorStore
	merger  Merger
	cfg     Config

	// sleep is injected so backoff is testable without wall-clock waits.
	sleep func(ctx context.Context, d time.Duration) error

	olderMu sync.Mutex
	newerMu sync.Mutex

	// onGiveUp reports an exhausted backoff upward, once per run.
	onGiveUp func(direction api.Direction, err error)
}

// New creates a Controller.
func New(client Fetcher, cursors CursorStore, merger Merger, cfg Config) *Controller {
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = DefaultConfig().PageLimit
	}
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = DefaultConfig().BackoffStep
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultConfig().BackoffCap
	}
	return &Controller{
		client:  client,
		cursors: cursors,
		merger:  merger,
		cfg:     cfg,
		sleep:   sleepFor,
	}
}

// SetOnGiveUp registers the exhausted-backoff callback.
func (c *Controller) SetOnGiveUp(fn func(direction api.Direction, err error)) {
	c.onGiveUp = fn
}

// SyncOlder pages backward from the min cursor until an empty page
// arrives. With no cursor known it performs the initial full fetch from
// the newest records. A sync already running in this direction refuses
// the call.
func (c *Controller) SyncOlder(ctx context.Context) error {
	if !c.olderMu.TryLock() {
		return errors.New(errors.ErrInvalid, "an older-direction sync is already running")
	}
	defer c.olderMu.Unlock()

	return c.walk(ctx, api.DirectionOlder, c.cursors.MinEtag())
}

// ForceSyncOlder is the forced variant: instead of refusing while a
// sync runs, it waits for the running one to finish and then syncs.
func (c *Controller) ForceSyncOlder(ctx context.Context) error {
	c.olderMu.Lock()
	defer c.olderMu.Unlock()

	return c.walk(ctx, api.DirectionOlder, c.cursors.MinEtag())
}

// SyncNewer pages forward from the max cursor. With no cursor known it
// is a no-op: nothing has been fetched yet, so the older direction owns
// the initial fetch.
func (c *Controller) SyncNewer(ctx context.Context) error {
	if !c.newerMu.TryLock() {
		return errors.New(errors.ErrInvalid, "a newer-direction sync is already running")
	}
	defer c.newerMu.Unlock()

	cursor := c.cursors.MaxEtag()
	if cursor == nil {
		logging.Debug("Skipping forward sync with no fetched range",
			map[string]interface{}{})
		return nil
	}
	return c.walk(ctx, api.DirectionNewer, cursor)
}

// RefreshUnread fetches the unread snapshot and merges it.
func (c *Controller) RefreshUnread(ctx context.Context) error {
	snapshot, err := c.client.FetchUnreadCounts(ctx)
	if err != nil {
		return err
	}
	return c.merger.MergeUnreadCounts(snapshot)
}

// HydrateFromCache loads the cached first page without the network,
// for a usable list before the first sync completes.
func (c *Controller) HydrateFromCache(ctx context.Context) error {
	page, err := c.client.FetchTaskPage(ctx, api.PageRequest{
		Limit:     c.cfg.PageLimit,
		Direction: api.DirectionOlder,
		FromCache: true,
	})
	if err != nil {
		return err
	}
	c.cursors.RecalculateExtremeEtags(page.Tasks)
	return c.merger.MergeBatch(page.Tasks)
}

// walk runs the sequential page loop for one direction. Each page is
// merged durably before the next is requested; the cursor for the next
// page comes from the widened extreme, not from the page itself.
func (c *Controller) walk(ctx context.Context, direction api.Direction, cursor *string) error {
	for {
		page, err := c.fetchWithBackoff(ctx, api.PageRequest{
			Cursor:    cursor,
			Limit:     c.cfg.PageLimit,
			Direction: direction,
		})
		if err != nil {
			return err
		}

		c.cursors.RecalculateExtremeEtags(page.Tasks)
		if err := c.merger.MergeBatch(page.Tasks); err != nil {
			return err
		}

		if !page.HasMore() {
			return nil
		}

		next := c.cursors.MinEtag()
		if direction == api.DirectionNewer {
			next = c.cursors.MaxEtag()
		}
		// A page that did not widen the range cannot advance; stop
		// rather than refetch the same boundary forever.
		if next == nil || (cursor != nil && *cursor == *next) {
			return nil
		}
		cursor = next
	}
}

// fetchWithBackoff retries one page fetch with an incremental backoff:
// the delay grows by one step per consecutive failure up to the cap,
// and one more failure past the cap abandons the run.
func (c *Controller) fetchWithBackoff(ctx context.Context, req api.PageRequest) (*api.TaskPage, error) {
	delay := time.Duration(0)
	for {
		page, err := c.client.FetchTaskPage(ctx, req)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		if delay >= c.cfg.BackoffCap {
			logging.ErrorWithCode("Sync abandoned after exhausted backoff",
				string(errors.CodeOf(err)), err,
				map[string]interface{}{"direction": string(req.Direction)})
			if c.onGiveUp != nil {
				c.onGiveUp(req.Direction, err)
			}
			return nil, err
		}

		delay += c.cfg.BackoffStep
		if delay > c.cfg.BackoffCap {
			delay = c.cfg.BackoffCap
		}
		logging.Warn("Page fetch failed, backing off",
			map[string]interface{}{
				"direction": string(req.Direction),
				"delay":     delay.String(),
			})
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// sleepFor is the production sleep: context-aware wall-clock wait.
func sleepFor(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.ErrRequestRejected, "sync cancelled", ctx.Err())
	}
}

var _ CursorStore = (store.TaskStore)(nil)
