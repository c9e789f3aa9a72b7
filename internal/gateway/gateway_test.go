// Package gateway provides unit tests for the network gateway.
package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/attache-app/core/internal/connectivity"
	"github.com/attache-app/core/internal/errors"
	"github.com/attache-app/core/internal/respcache"
)

type staticToken string

func (s staticToken) AccessToken() string { return string(s) }

// fakeRetrier scripts the auth hand-off.
type fakeRetrier struct {
	refreshing  atomic.Bool
	retryResult bool
	handled     int32
}

func (r *fakeRetrier) Refreshing() bool { return r.refreshing.Load() }

func (r *fakeRetrier) Defer(complete func(retry bool)) { complete(true) }

func (r *fakeRetrier) HandleAuthFailure(ctx context.Context, requestKey string) bool {
	atomic.AddInt32(&r.handled, 1)
	return r.retryResult
}

func testGateway(t *testing.T, serverURL string, opts ...func(*Gateway)) (*Gateway, *respcache.Cache) {
	t.Helper()
	cfg := DefaultConfig(serverURL)
	cfg.TransportAttempts = 1
	cfg.TransportDelay = time.Millisecond
	cache := respcache.New(t.TempDir())
	gw := New(cfg, staticToken("token-1"), nil, cache, nil)
	for _, opt := range opts {
		opt(gw)
	}
	return gw, cache
}

// =====================================================
// Request Shaping Tests
// =====================================================

func TestDoSendsBearerAndLocale(t *testing.T) {
	var gotAuth string
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query()
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	gw, _ := testGateway(t, server.URL)
	resp, err := gw.Do(context.Background(), Request{Path: "/v1/tasks", RequiresAuth: true})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.Status)
	}
	if gotAuth != "Bearer token-1" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
	if gotQuery.Get("locale") != "en" {
		t.Errorf("locale = %q, want injected default", gotQuery.Get("locale"))
	}
}

func TestDoKeepsExplicitLocale(t *testing.T) {
	var gotLocale string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLocale = r.URL.Query().Get("locale")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	gw, _ := testGateway(t, server.URL)
	_, err := gw.Do(context.Background(), Request{
		Path:  "/v1/tasks",
		Query: map[string]string{"locale": "fr"},
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if gotLocale != "fr" {
		t.Errorf("locale = %q, want the caller's fr", gotLocale)
	}
}

func TestDoRejectsInvalidBaseURL(t *testing.T) {
	gw, _ := testGateway(t, "://bad")
	_, err := gw.Do(context.Background(), Request{Path: "/x"})
	if !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("err = %v, want INVALID_INPUT", err)
	}
}

// =====================================================
// Payload Normalization Tests
// =====================================================

func TestDoWrapsNonJSONPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text body"))
	}))
	defer server.Close()

	gw, _ := testGateway(t, server.URL)
	resp, err := gw.Do(context.Background(), Request{Path: "/v1/x"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	var wrapped struct {
		Raw string `json:"raw"`
	}
	if err := resp.Decode(&wrapped); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if wrapped.Raw != "plain text body" {
		t.Errorf("raw = %q, want the original body", wrapped.Raw)
	}
}

func TestDoEmptyBodyFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	gw, _ := testGateway(t, server.URL)
	_, err := gw.Do(context.Background(), Request{Path: "/v1/x"})
	if !errors.Is(err, errors.ErrEmptyResponse) {
		t.Errorf("err = %v, want EMPTY_RESPONSE", err)
	}
}

func TestDoServerFailureCarriesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	gw, _ := testGateway(t, server.URL)
	_, err := gw.Do(context.Background(), Request{Path: "/v1/x"})
	if !errors.Is(err, errors.ErrTransport) {
		t.Fatalf("err = %v, want TRANSPORT_FAILURE", err)
	}
	if got := errors.StatusOf(err); got != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", got)
	}
}

// =====================================================
// Cache Tests
// =====================================================

func TestDoWritesAndServesCache(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tasks": []}`))
	}))
	defer server.Close()

	gw, _ := testGateway(t, server.URL)
	req := Request{Path: "/v1/tasks", Query: map[string]string{"limit": "10"}}

	if _, err := gw.Do(context.Background(), req); err != nil {
		t.Fatalf("Do: %v", err)
	}

	req.Mode = ModeCache
	resp, err := gw.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do (cache): %v", err)
	}
	if !resp.FromCache {
		t.Error("FromCache = false for a cache-mode response")
	}
	if string(resp.Body) != `{"tasks": []}` {
		t.Errorf("cached body = %q, want the original payload", resp.Body)
	}
}

func TestDoCacheModeMissFails(t *testing.T) {
	gw, _ := testGateway(t, "http://localhost:1")
	_, err := gw.Do(context.Background(), Request{Path: "/v1/x", Mode: ModeCache})
	if !errors.Is(err, errors.ErrNoCachedData) {
		t.Errorf("err = %v, want NO_CACHED_DATA", err)
	}
}

func TestDoSkipCacheDoesNotPersist(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"secret": true}`))
	}))
	defer server.Close()

	gw, _ := testGateway(t, server.URL)
	req := Request{Path: "/v1/auth/refresh", SkipCache: true}

	if _, err := gw.Do(context.Background(), req); err != nil {
		t.Fatalf("Do: %v", err)
	}

	req.Mode = ModeCache
	if _, err := gw.Do(context.Background(), req); !errors.Is(err, errors.ErrNoCachedData) {
		t.Errorf("err = %v, want NO_CACHED_DATA after a skip-cache request", err)
	}
}

func TestDoServesStaleCacheWhileOffline(t *testing.T) {
	hits := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`{"tasks": [1]}`))
	}))

	monitor := connectivity.NewStateMonitor(true)
	gw, _ := testGateway(t, server.URL, func(g *Gateway) { g.monitor = monitor })
	req := Request{Path: "/v1/tasks"}

	if _, err := gw.Do(context.Background(), req); err != nil {
		t.Fatalf("Do: %v", err)
	}

	// The backend goes away and the device goes offline.
	server.Close()
	monitor.SetConnected(false)

	resp, err := gw.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do (offline): %v", err)
	}
	if !resp.FromCache {
		t.Error("FromCache = false for the stale fallback")
	}
	if string(resp.Body) != `{"tasks": [1]}` {
		t.Errorf("stale body = %q, want the cached payload", resp.Body)
	}
}

func TestDoOnlineTransportFailureSurfaces(t *testing.T) {
	// Connected, unreachable, no cache: the failure must surface.
	monitor := connectivity.NewStateMonitor(true)
	gw, _ := testGateway(t, "http://localhost:1", func(g *Gateway) { g.monitor = monitor })

	_, err := gw.Do(context.Background(), Request{Path: "/v1/tasks"})
	if !errors.Is(err, errors.ErrTransport) {
		t.Errorf("err = %v, want TRANSPORT_FAILURE", err)
	}
}

// =====================================================
// Auth Hand-off Tests
// =====================================================

func TestDo401WithoutRetrierIsUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	}))
	defer server.Close()

	gw, _ := testGateway(t, server.URL)
	_, err := gw.Do(context.Background(), Request{Path: "/v1/tasks", RequiresAuth: true})
	if !errors.Is(err, errors.ErrUnauthorized) {
		t.Errorf("err = %v, want UNAUTHORIZED", err)
	}
}

func TestDo401RetriesOnceAfterRefresh(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	retrier := &fakeRetrier{retryResult: true}
	gw, _ := testGateway(t, server.URL, func(g *Gateway) { g.SetRetrier(retrier) })

	resp, err := gw.Do(context.Background(), Request{Path: "/v1/tasks", RequiresAuth: true})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("status = %d, want 200 after replay", resp.Status)
	}
	if got := atomic.LoadInt32(&requests); got != 2 {
		t.Errorf("server saw %d requests, want 2", got)
	}
	if got := atomic.LoadInt32(&retrier.handled); got != 1 {
		t.Errorf("HandleAuthFailure calls = %d, want 1", got)
	}
}

func TestDo401ReplayFailsOnceOnly(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		http.Error(w, "still expired", http.StatusUnauthorized)
	}))
	defer server.Close()

	retrier := &fakeRetrier{retryResult: true}
	gw, _ := testGateway(t, server.URL, func(g *Gateway) { g.SetRetrier(retrier) })

	_, err := gw.Do(context.Background(), Request{Path: "/v1/tasks", RequiresAuth: true})
	if !errors.Is(err, errors.ErrUnauthorized) {
		t.Fatalf("err = %v, want UNAUTHORIZED after the single replay", err)
	}
	if got := atomic.LoadInt32(&requests); got != 2 {
		t.Errorf("server saw %d requests, want 2 (no replay loop)", got)
	}
}

func TestDoFailedRefreshRejectsRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	}))
	defer server.Close()

	retrier := &fakeRetrier{retryResult: false}
	gw, _ := testGateway(t, server.URL, func(g *Gateway) { g.SetRetrier(retrier) })

	_, err := gw.Do(context.Background(), Request{Path: "/v1/tasks", RequiresAuth: true})
	if !errors.Is(err, errors.ErrRequestRejected) {
		t.Errorf("err = %v, want REQUEST_REJECTED", err)
	}
}

func TestDoGatesOnRefreshInFlight(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	retrier := &fakeRetrier{}
	retrier.refreshing.Store(true)
	gw, _ := testGateway(t, server.URL, func(g *Gateway) { g.SetRetrier(retrier) })

	// The fake's Defer releases immediately with retry=true, so the
	// request proceeds after the gate.
	resp, err := gw.Do(context.Background(), Request{Path: "/v1/tasks", RequiresAuth: true})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.Status)
	}
}
