// Package gateway provides the network gateway: it executes HTTP-shaped
// requests against the backend, applies a pluggable request retrier,
// falls back to the on-disk response cache when offline, and normalizes
// every failure into the shared error taxonomy.
package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	retry "github.com/avast/retry-go"
	jsoniter "github.com/json-iterator/go"

	"github.com/attache-app/core/internal/connectivity"
	"github.com/attache-app/core/internal/errors"
	"github.com/attache-app/core/internal/logging"
	"github.com/attache-app/core/internal/respcache"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Mode selects where a request is served from.
type Mode string

const (
	// ModeServer sends the request to the backend. Default.
	ModeServer Mode = "server"

	// ModeCache serves the request from the on-disk response cache and
	// never touches the network.
	ModeCache Mode = "cache"
)

// Request describes one HTTP-shaped request. Body is an opaque
// parameter bag encoded as a JSON object; endpoint-specific shapes are
// decoded at the api boundary, not here.
type Request struct {
	Method       string
	Path         string
	Query        map[string]string
	Body         map[string]string
	Header       http.Header
	RequiresAuth bool
	Mode         Mode

	// SkipCache disables persisting the response payload.
	SkipCache bool
}

// Response carries the normalized result of a request.
type Response struct {
	Status    int
	Body      []byte
	FromCache bool
}

// Decode unmarshals the response body into v, normalizing failures
// into DECODE_FAILURE.
func (r *Response) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return errors.Wrap(errors.ErrDecode, "failed to decode response payload", err).
			WithStatus(r.Status)
	}
	return nil
}

// TokenProvider supplies the current access token, empty when the user
// is signed out.
type TokenProvider interface {
	AccessToken() string
}

// RequestRetrier intercepts authorization failures and serializes
// credential refresh. The auth package provides the production
// implementation.
type RequestRetrier interface {
	// Refreshing reports whether a credential refresh is in flight.
	Refreshing() bool

	// Defer parks a request completion on the pending-request ledger.
	// It is invoked exactly once: retry=true replays the request
	// verbatim, retry=false surfaces the original failure.
	Defer(complete func(retry bool))

	// HandleAuthFailure is called when an authorized request receives
	// an authorization failure. It blocks until the refresh resolves
	// and reports whether the request should be retried.
	HandleAuthFailure(ctx context.Context, requestKey string) bool
}

// Config holds gateway configuration.
type Config struct {
	BaseURL           string
	Locale            string
	RequestTimeout    time.Duration // per-request transport ceiling
	TransportAttempts uint          // in-place attempts for transient transport failures
	TransportDelay    time.Duration // fixed delay between those attempts
}

// DefaultConfig returns default gateway configuration.
func DefaultConfig(baseURL string) *Config {
	return &Config{
		BaseURL:           baseURL,
		Locale:            "en",
		RequestTimeout:    30 * time.Second,
		TransportAttempts: 2,
		TransportDelay:    250 * time.Millisecond,
	}
}

// Gateway executes requests. All collaborators are injected; the
// gateway owns no ambient state.
type Gateway struct {
	cfg     *Config
	client  *http.Client
	tokens  TokenProvider
	retrier RequestRetrier
	cache   *respcache.Cache
	monitor connectivity.Monitor
}

// New creates a Gateway. retrier may be nil, in which case
// authorization failures surface directly as UNAUTHORIZED.
func New(cfg *Config, tokens TokenProvider, retrier RequestRetrier, cache *respcache.Cache, monitor connectivity.Monitor) *Gateway {
	return &Gateway{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		tokens:  tokens,
		retrier: retrier,
		cache:   cache,
		monitor: monitor,
	}
}

// SetRetrier installs the request retrier after construction. The
// refresher needs the api client, which needs the gateway; the
// composition root closes the loop here.
func (g *Gateway) SetRetrier(retrier RequestRetrier) {
	g.retrier = retrier
}

// Do executes the request and returns a normalized response.
func (g *Gateway) Do(ctx context.Context, req Request) (*Response, error) {
	base, err := url.Parse(g.cfg.BaseURL)
	if err != nil || base.Host == "" {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid base URL", err)
	}

	key := respcache.Key(base.Host, req.Path, req.Query, req.Body)

	if req.Mode == ModeCache {
		return g.fromCache(key)
	}

	// A refresh in flight gates every authorized request: the send is
	// parked on the ledger and replayed verbatim once the refresh
	// resolves.
	if req.RequiresAuth && g.retrier != nil && g.retrier.Refreshing() {
		if !g.awaitReplay(ctx) {
			return nil, errors.New(errors.ErrRequestRejected, "credential refresh failed")
		}
	}

	resp, err := g.send(ctx, base, req, key, true)
	if err == nil {
		return resp, nil
	}

	// Stale-but-available: a transport failure while offline is
	// suppressed when a cached payload exists for the same key.
	if errors.Is(err, errors.ErrTransport) && g.monitor != nil && !g.monitor.Connected() {
		if cached, cacheErr := g.fromCache(key); cacheErr == nil {
			logging.Warn("Serving stale cached payload while offline",
				map[string]interface{}{"path": req.Path})
			return cached, nil
		}
	}

	return nil, err
}

// awaitReplay parks on the ledger and reports whether to proceed.
func (g *Gateway) awaitReplay(ctx context.Context) bool {
	ch := make(chan bool, 1)
	g.retrier.Defer(func(retry bool) { ch <- retry })

	select {
	case retry := <-ch:
		return retry
	case <-ctx.Done():
		return false
	}
}

// send performs the network round trip, including transport-level
// retries and the authorization-failure hand-off to the retrier.
func (g *Gateway) send(ctx context.Context, base *url.URL, req Request, key string, allowAuthRetry bool) (*Response, error) {
	var status int
	var payload []byte

	attempt := func() error {
		httpReq, err := g.build(ctx, base, req)
		if err != nil {
			return err
		}

		httpResp, err := g.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrap(errors.ErrRequestRejected, "request cancelled", ctx.Err())
			}
			return errors.Wrap(errors.ErrTransport, "request failed", err)
		}
		defer httpResp.Body.Close()

		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return errors.Wrap(errors.ErrTransport, "failed to read response body", err).
				WithStatus(httpResp.StatusCode)
		}

		status = httpResp.StatusCode
		payload = body
		return nil
	}

	err := retry.Do(attempt,
		retry.Attempts(g.cfg.TransportAttempts),
		retry.Delay(g.cfg.TransportDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errors.ErrTransport) }),
		retry.Context(ctx),
	)
	if err != nil {
		if appErr, ok := err.(*errors.AppError); ok {
			return nil, appErr
		}
		return nil, errors.Wrap(errors.ErrTransport, "request failed", err)
	}

	if status == http.StatusUnauthorized && req.RequiresAuth {
		if g.retrier != nil && allowAuthRetry {
			if g.retrier.HandleAuthFailure(ctx, key) {
				return g.send(ctx, base, req, key, false)
			}
			return nil, errors.New(errors.ErrRequestRejected, "credential refresh failed").
				WithStatus(status)
		}
		return nil, errors.Newf(errors.ErrUnauthorized, "authorization failed: %s", truncate(payload)).
			WithStatus(status)
	}

	if status >= 400 {
		return nil, errors.Newf(errors.ErrTransport, "server returned failure: %s", truncate(payload)).
			WithStatus(status)
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, errors.New(errors.ErrEmptyResponse, "server returned an empty response").
			WithStatus(status)
	}

	payload = defensiveWrap(payload)

	if g.cache != nil && !req.SkipCache {
		if err := g.cache.Write(key, payload); err != nil {
			logging.Error("Failed to persist response to cache", err,
				map[string]interface{}{"path": req.Path})
		}
	}

	return &Response{Status: status, Body: payload}, nil
}

// build constructs the outbound HTTP request: bearer header when a
// credential is present, locale query parameter injected if absent.
func (g *Gateway) build(ctx context.Context, base *url.URL, req Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	u := *base
	u.Path = strings.TrimRight(u.Path, "/") + req.Path

	q := u.Query()
	for k, v := range req.Query {
		q.Set(k, v)
	}
	if q.Get("locale") == "" && g.cfg.Locale != "" {
		q.Set("locale", g.cfg.Locale)
	}
	u.RawQuery = q.Encode()

	var body io.Reader
	if len(req.Body) > 0 {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "failed to encode request body", err)
		}
		body = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "failed to build request", err)
	}

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if g.tokens != nil {
		if token := g.tokens.AccessToken(); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	return httpReq, nil
}

// fromCache serves a request from the response cache.
func (g *Gateway) fromCache(key string) (*Response, error) {
	if g.cache == nil {
		return nil, errors.New(errors.ErrNoCachedData, "response cache is not configured")
	}
	data, err := g.cache.Read(key)
	if err != nil {
		return nil, err
	}
	return &Response{Status: http.StatusOK, Body: data, FromCache: true}, nil
}

// defensiveWrap ensures the payload is syntactically a JSON object or
// array so downstream decoding never hard-fails on a malformed
// upstream body.
func defensiveWrap(payload []byte) []byte {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed) {
		return trimmed
	}
	wrapped, err := json.Marshal(map[string]string{"raw": string(payload)})
	if err != nil {
		return []byte(`{"raw":""}`)
	}
	return wrapped
}

// truncate shortens an error payload for the detail string.
func truncate(payload []byte) string {
	const max = 200
	s := strings.TrimSpace(string(payload))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
