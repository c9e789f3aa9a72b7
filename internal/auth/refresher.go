package auth

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/attache-app/core/internal/connectivity"
	"github.com/attache-app/core/internal/logging"
)

// State is the refresher's lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateRefreshing State = "refreshing"
)

// RefreshFunc performs the credential exchange and persists the new
// token pair. A terminal failure is reported as a *RefreshError.
type RefreshFunc func(ctx context.Context) error

// Refresher serializes credential refresh. On an authorization failure
// it transitions idle -> refreshing, issues exactly one refresh call,
// and queues every concurrent failure's completion on the pending
// request ledger. The ledger is flushed FIFO exactly once when the
// refresh resolves: retry=true on success, retry=false on failure.
//
// A failure with no connectivity never touches the refresh machinery:
// the completion is parked on a connectivity-wait list keyed by request
// identity and replayed when the monitor reports a reconnect.
type Refresher struct {
	mu        sync.Mutex
	state     State
	gen       uint64
	refreshed uint64
	ledger    []func(retry bool)

	sf      singleflight.Group
	refresh RefreshFunc
	timeout time.Duration

	monitor connectivity.Monitor

	waitMu   sync.Mutex
	waitList map[string]func(retry bool)
	waitKeys []string

	onReauth    func()
	reauthFired bool
}

// NewRefresher creates a Refresher. onReauth fires at most once per
// login when a refresh failure structurally invalidates the credential.
func NewRefresher(refresh RefreshFunc, monitor connectivity.Monitor, onReauth func()) *Refresher {
	r := &Refresher{
		state:    StateIdle,
		refresh:  refresh,
		timeout:  30 * time.Second,
		monitor:  monitor,
		waitList: make(map[string]func(retry bool)),
		onReauth: onReauth,
	}
	if monitor != nil {
		monitor.OnChange(r.connectivityChanged)
	}
	return r
}

// State returns the current lifecycle state.
func (r *Refresher) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Refreshing reports whether a credential refresh is in flight.
func (r *Refresher) Refreshing() bool {
	return r.State() == StateRefreshing
}

// Defer parks a request completion on the pending request ledger. When
// no refresh is in flight the completion proceeds immediately.
func (r *Refresher) Defer(complete func(retry bool)) {
	r.mu.Lock()
	if r.state != StateRefreshing {
		r.mu.Unlock()
		complete(true)
		return
	}
	r.ledger = append(r.ledger, complete)
	r.mu.Unlock()
}

// HandleAuthFailure processes an authorization failure for the request
// identified by requestKey. It blocks until the refresh (or the
// reconnect, when offline) resolves and reports whether the request
// should be retried.
func (r *Refresher) HandleAuthFailure(ctx context.Context, requestKey string) bool {
	ch := make(chan bool, 1)
	complete := func(retry bool) { ch <- retry }

	if r.monitor != nil && !r.monitor.Connected() {
		r.parkOnConnectivity(requestKey, complete)
	} else {
		r.enqueue(complete)
	}

	select {
	case retry := <-ch:
		return retry
	case <-ctx.Done():
		return false
	}
}

// enqueue appends a completion to the ledger and drives the refresh.
// Every failure's goroutine calls into the single-flight group; the
// group collapses them onto one credential exchange per generation. A
// generation opens on the idle transition and closes when its ledger
// is flushed, so a goroutine returning late from an earlier generation
// can never drain a newer one.
func (r *Refresher) enqueue(complete func(retry bool)) {
	r.mu.Lock()
	r.ledger = append(r.ledger, complete)
	if r.state == StateIdle {
		r.state = StateRefreshing
		r.gen++
	}
	gen := r.gen
	r.mu.Unlock()

	go r.runRefresh(gen)
}

// runRefresh joins the generation's refresh call and, if first back,
// flushes the ledger.
func (r *Refresher) runRefresh(gen uint64) {
	ran, err, _ := r.sf.Do("refresh-"+strconv.FormatUint(gen, 10), func() (interface{}, error) {
		// The group collapses in-flight joiners onto one exchange; the
		// refreshed marker stops a straggler that arrives after the
		// call completed from exchanging the credential again.
		r.mu.Lock()
		if r.refreshed >= gen {
			r.mu.Unlock()
			return false, nil
		}
		r.refreshed = gen
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		return true, r.refresh(ctx)
	})
	if executed, _ := ran.(bool); !executed {
		return
	}

	r.mu.Lock()
	if r.gen != gen || r.state != StateRefreshing {
		// Another joiner already flushed this generation, or a newer one
		// owns the ledger now.
		r.mu.Unlock()
		return
	}
	entries := r.ledger
	r.ledger = nil
	r.state = StateIdle
	r.mu.Unlock()

	if err == nil {
		logging.Info("Credential refresh succeeded",
			map[string]interface{}{"replayed": len(entries)})
		for _, entry := range entries {
			entry(true)
		}
		return
	}

	reason := ReasonOf(err)
	logging.ErrorWithCode("Credential refresh failed", reason.String(), err,
		map[string]interface{}{"abandoned": len(entries)})

	for _, entry := range entries {
		entry(false)
	}

	if reason.Terminal() {
		r.fireReauth()
	}
}

// fireReauth emits the must-re-authenticate signal at most once per
// login session.
func (r *Refresher) fireReauth() {
	r.mu.Lock()
	fired := r.reauthFired
	r.reauthFired = true
	fn := r.onReauth
	r.mu.Unlock()

	if !fired && fn != nil {
		fn()
	}
}

// ResetSignal re-arms the re-authenticate signal after a fresh login.
func (r *Refresher) ResetSignal() {
	r.mu.Lock()
	r.reauthFired = false
	r.mu.Unlock()
}

// parkOnConnectivity places the completion on the connectivity-wait
// list. Entries are keyed by request identity: a later failure of the
// same request supersedes the parked one, which is released without
// retrying.
func (r *Refresher) parkOnConnectivity(requestKey string, complete func(retry bool)) {
	r.waitMu.Lock()
	previous, exists := r.waitList[requestKey]
	r.waitList[requestKey] = complete
	if !exists {
		r.waitKeys = append(r.waitKeys, requestKey)
	}
	r.waitMu.Unlock()

	if exists && previous != nil {
		previous(false)
	}
}

// connectivityChanged replays the wait list when connectivity returns.
// Replay does not count against the refresh machinery.
func (r *Refresher) connectivityChanged(connected bool) {
	if !connected {
		return
	}

	r.waitMu.Lock()
	keys := r.waitKeys
	list := r.waitList
	r.waitKeys = nil
	r.waitList = make(map[string]func(retry bool))
	r.waitMu.Unlock()

	if len(keys) == 0 {
		return
	}

	logging.Info("Connectivity restored, replaying deferred requests",
		map[string]interface{}{"count": len(keys)})

	for _, key := range keys {
		if complete := list[key]; complete != nil {
			complete(true)
		}
	}
}

// PendingLedger returns the number of completions queued behind the
// in-flight refresh.
func (r *Refresher) PendingLedger() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ledger)
}

// PendingConnectivity returns the number of completions waiting on a
// reconnect.
func (r *Refresher) PendingConnectivity() int {
	r.waitMu.Lock()
	defer r.waitMu.Unlock()
	return len(r.waitList)
}
