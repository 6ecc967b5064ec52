package offcache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Response source annotations, surfaced in the X-Offcache header and logs.
const (
	sourceHit        = "hit"        // cache-first, served from store
	sourceMiss       = "miss"       // fetched because the store was empty
	sourceNetwork    = "network"    // network-first, origin answered
	sourceStale      = "stale"      // network failed, prior entry served
	sourceRevalidate = "revalidate" // served from store, refresh in flight
	sourceFallback   = "fallback"   // offline fallback response
	sourceBypass     = "bypass"     // passed through without interception
)

// errRefreshSkipped reports to the refresh observer that a background refresh
// was dropped because too many were already in flight.
var errRefreshSkipped = errors.New("background refresh skipped: too many in flight")

const refreshTimeout = 30 * time.Second

// proxyRequest is one intercepted request after upstream resolution.
type proxyRequest struct {
	key    string   // cache key: the inbound request URI
	target *url.URL // resolved absolute upstream URL
	header http.Header

	navigation bool
	imageDest  bool
}

// engine executes the caching strategies for one worker generation. All
// store access goes through the registry passed in; nothing is ambient.
type engine struct {
	cfg    *Config
	reg    *Registry
	router *Router
	client *http.Client
	log    *slog.Logger

	bgSem      chan struct{}
	wg         sync.WaitGroup
	refreshLog *rateLimitedLogger

	// onRefresh observes every background refresh attempt with its final
	// outcome. Errors reported here are already discarded: the contract is
	// that no caller ever sees them.
	onRefresh func(key string, err error)
}

func newEngine(cfg *Config, reg *Registry, router *Router, client *http.Client, log *slog.Logger) *engine {
	return &engine{
		cfg:        cfg,
		reg:        reg,
		router:     router,
		client:     client,
		log:        log,
		bgSem:      make(chan struct{}, 32),
		refreshLog: newRateLimitedLogger(log, time.Minute),
	}
}

// close waits for in-flight background refreshes to finish.
func (e *engine) close() {
	e.wg.Wait()
}

// resolve dispatches one intercepted request to its classified strategy.
func (e *engine) resolve(ctx context.Context, pr *proxyRequest) (Entry, string, error) {
	switch e.router.Classify(pr.target) {
	case StrategyCacheFirst:
		return e.cacheFirst(ctx, pr)
	case StrategyStaleWhileRevalidate:
		return e.staleWhileRevalidate(ctx, pr)
	default:
		return e.networkFirst(ctx, pr)
	}
}

// cacheFirst serves from the store when possible, refreshing the entry in
// the background. On a miss it fetches, persists success responses and
// returns whatever the network said; network failure propagates to the
// caller for offline substitution.
func (e *engine) cacheFirst(ctx context.Context, pr *proxyRequest) (Entry, string, error) {
	store := e.cfg.staticStore()
	if e.router.imageAsset(pr.target) {
		store = e.cfg.imageStore()
	}

	if ent, ok := e.reg.Get(store, pr.key); ok {
		e.refreshAsync(store, pr.key, pr.target, pr.header)
		return ent, sourceHit, nil
	}

	ent, err := e.fetchEntry(ctx, pr.target, pr.header)
	if err != nil {
		return Entry{}, "", err
	}
	if cacheableStatus(ent.Status) {
		if err := e.reg.Put(store, pr.key, ent); err != nil {
			e.log.Warn("cache write failed", "store", store, "key", pr.key, "error", err)
		}
	}
	return ent, sourceMiss, nil
}

// networkFirst prefers the origin and falls back to the last cached copy.
// With neither available the original network error propagates upward.
func (e *engine) networkFirst(ctx context.Context, pr *proxyRequest) (Entry, string, error) {
	store := e.cfg.dynamicStore()

	ent, err := e.fetchEntry(ctx, pr.target, pr.header)
	if err == nil {
		if cacheableStatus(ent.Status) {
			if perr := e.reg.Put(store, pr.key, ent); perr != nil {
				e.log.Warn("cache write failed", "store", store, "key", pr.key, "error", perr)
			}
		}
		return ent, sourceNetwork, nil
	}

	if cached, ok := e.reg.Get(store, pr.key); ok {
		return cached, sourceStale, nil
	}
	return Entry{}, "", err
}

// staleWhileRevalidate answers from the store immediately when it can while
// a concurrent fetch refreshes the entry. Without a cached copy it waits for
// that fetch. The refresh write races with, but never blocks, the response
// already delivered.
func (e *engine) staleWhileRevalidate(ctx context.Context, pr *proxyRequest) (Entry, string, error) {
	store := e.cfg.dynamicStore()

	type fetchResult struct {
		ent Entry
		err error
	}
	resCh := make(chan fetchResult, 1)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		rctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()

		ent, err := e.fetchEntry(rctx, pr.target, pr.header)
		if err == nil && cacheableStatus(ent.Status) {
			if perr := e.reg.Put(store, pr.key, ent); perr != nil {
				e.log.Warn("cache write failed", "store", store, "key", pr.key, "error", perr)
			}
		}
		resCh <- fetchResult{ent: ent, err: err}
	}()

	if cached, ok := e.reg.Get(store, pr.key); ok {
		return cached, sourceRevalidate, nil
	}

	select {
	case res := <-resCh:
		if res.err != nil {
			return Entry{}, "", res.err
		}
		return res.ent, sourceMiss, nil
	case <-ctx.Done():
		return Entry{}, "", ctx.Err()
	}
}

// refreshAsync fetches the key again in the background and overwrites the
// entry on success. Outcomes are discarded: the caller has already been
// answered and must never observe a refresh failure. The attempt and its
// result are still visible through the onRefresh observer and, rate-limited,
// in the logs.
func (e *engine) refreshAsync(store, key string, target *url.URL, header http.Header) {
	select {
	case e.bgSem <- struct{}{}:
	default:
		e.observeRefresh(key, errRefreshSkipped)
		return
	}

	hdr := cloneHeader(header)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.bgSem }()

		rctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()

		ent, err := e.fetchEntry(rctx, target, hdr)
		if err == nil && cacheableStatus(ent.Status) {
			err = e.reg.Put(store, key, ent)
		}
		if err != nil {
			e.refreshLog.Warn("background refresh failed", "key", key, "error", err)
		}
		e.observeRefresh(key, err)
	}()
}

func (e *engine) observeRefresh(key string, err error) {
	if e.onRefresh != nil {
		e.onRefresh(key, err)
	}
}

// fetchEntry performs one GET against the resolved upstream and snapshots
// the full response. Bodies are fetched identity-encoded so stored bytes
// are transport-neutral.
func (e *engine) fetchEntry(ctx context.Context, target *url.URL, header http.Header) (Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Entry{}, err
	}
	copyHeaders(req.Header, header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := e.client.Do(req)
	if err != nil {
		return Entry{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, err
	}
	return snapshotResponse(resp, body), nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
