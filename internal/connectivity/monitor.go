// Package connectivity exposes the connectivity collaborator: a boolean
// "is connected" plus an observable transition event. The sync layers
// never probe the network themselves; they ask the monitor.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/attache-app/core/internal/logging"
)

// Monitor reports connectivity and notifies observers of transitions.
type Monitor interface {
	// Connected reports whether the network is currently reachable.
	Connected() bool

	// OnChange registers an observer invoked on every transition.
	// The returned function cancels the registration.
	OnChange(fn func(connected bool)) (cancel func())
}

// StateMonitor is a settable Monitor. The application root drives it
// from platform reachability callbacks; tests drive it directly.
type StateMonitor struct {
	mu        sync.Mutex
	connected bool
	observers map[int]func(bool)
	nextID    int
}

// NewStateMonitor creates a StateMonitor with the given initial state.
func NewStateMonitor(connected bool) *StateMonitor {
	return &StateMonitor{
		connected: connected,
		observers: make(map[int]func(bool)),
	}
}

// Connected reports the current state.
func (m *StateMonitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SetConnected updates the state and notifies observers on transition.
func (m *StateMonitor) SetConnected(connected bool) {
	m.mu.Lock()
	if m.connected == connected {
		m.mu.Unlock()
		return
	}
	m.connected = connected

	observers := make([]func(bool), 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.mu.Unlock()

	for _, fn := range observers {
		fn(connected)
	}
}

// OnChange registers an observer. The returned function cancels it.
func (m *StateMonitor) OnChange(fn func(bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// Probe drives a StateMonitor by polling a health endpoint.
type Probe struct {
	monitor  *StateMonitor
	endpoint string
	interval time.Duration
	client   *http.Client
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewProbe creates a Probe polling endpoint every interval.
func NewProbe(monitor *StateMonitor, endpoint string, interval time.Duration) *Probe {
	return &Probe{
		monitor:  monitor,
		endpoint: endpoint,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		stopCh:   make(chan struct{}),
	}
}

// Start begins polling until Stop is called or ctx is done.
func (p *Probe) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop stops polling and waits for the loop to exit.
func (p *Probe) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}

func (p *Probe) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.check(ctx)
		}
	}
}

// check performs one reachability probe.
func (p *Probe) check(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.endpoint, nil)
	if err != nil {
		logging.Error("Failed to build probe request", err,
			map[string]interface{}{"endpoint": p.endpoint})
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.monitor.SetConnected(false)
		return
	}
	resp.Body.Close()

	p.monitor.SetConnected(true)
}
