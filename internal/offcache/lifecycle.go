package offcache

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// WorkerState tracks a worker generation through its deployment.
type WorkerState int32

const (
	StateParsed WorkerState = iota
	StateInstalling
	StateInstalled // populated, waiting for activation
	StateActivating
	StateActivated
	StateRedundant
)

func (s WorkerState) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Worker is one deployed generation of the cache policy: a version token,
// its compiled router and its strategy engine. A new policy deploy builds a
// new worker which installs, activates, garbage-collects the previous
// generation's stores and takes over the gateway.
type Worker struct {
	cfg    *Config
	reg    *Registry
	router *Router
	eng    *engine
	fb     *fallbackResolver
	log    *slog.Logger

	state    atomic.Int32
	skipOnce sync.Once
	skipCh   chan struct{}

	// claim routes all gateway traffic to this worker once activation
	// completes. It refuses when a newer generation has already been
	// deployed. Nil in isolated tests.
	claim func(*Worker) bool
}

func newWorker(cfg *Config, reg *Registry, client *http.Client, log *slog.Logger, claim func(*Worker) bool) *Worker {
	router := newRouter(cfg)
	w := &Worker{
		cfg:    cfg,
		reg:    reg,
		router: router,
		eng:    newEngine(cfg, reg, router, client, log),
		fb:     &fallbackResolver{cfg: cfg, reg: reg},
		log:    log,
		skipCh: make(chan struct{}),
		claim:  claim,
	}
	w.state.Store(int32(StateParsed))
	return w
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

func (w *Worker) setState(s WorkerState) { w.state.Store(int32(s)) }

// Version returns the cache version token this worker serves.
func (w *Worker) Version() string { return w.cfg.Version }

// SkipWaiting requests immediate activation, bypassing the wait for the
// previous generation to drain. Safe to call any number of times.
func (w *Worker) SkipWaiting() {
	w.skipOnce.Do(func() { close(w.skipCh) })
}

// Install opens the static store and populates the precache manifest.
// Population is all-or-nothing: one failed asset fails the install and the
// worker becomes redundant. Alongside population the worker requests its own
// immediate activation, so a fresh deploy never sits parked behind the old
// generation.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	w.SkipWaiting()

	if err := w.precache(ctx); err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("install: %w", err)
	}
	w.setState(StateInstalled)
	w.log.Info("worker installed", "version", w.cfg.Version, "precached", len(w.cfg.Precache))
	return nil
}

func (w *Worker) precache(ctx context.Context) error {
	store := w.cfg.staticStore()
	if err := w.reg.EnsureStore(store); err != nil {
		return err
	}

	// Fetch the whole manifest before writing any of it, so a failed
	// install never leaves a half-populated store behind.
	entries := make([]Entry, len(w.cfg.Precache))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range w.cfg.Precache {
		i, p := i, p
		g.Go(func() error {
			target, err := url.Parse(w.cfg.Server.Origin + p)
			if err != nil {
				return fmt.Errorf("precache %s: %w", p, err)
			}
			hdr := make(http.Header)
			hdr.Set("X-Offcache-Precache", "1")

			ent, err := w.eng.fetchEntry(gctx, target, hdr)
			if err != nil {
				return fmt.Errorf("precache %s: %w", p, err)
			}
			if !cacheableStatus(ent.Status) {
				return fmt.Errorf("precache %s: unexpected status %d", p, ent.Status)
			}
			entries[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, p := range w.cfg.Precache {
		if err := w.reg.Put(store, p, entries[i]); err != nil {
			return fmt.Errorf("precache %s: %w", p, err)
		}
	}
	return nil
}

// Activate garbage-collects every store outside this version's allow-list
// and then claims the gateway. Deletions are independent and run
// concurrently; both steps complete before activation is done. A canceled
// context aborts the sweep: a superseded generation must not delete its
// successor's stores.
func (w *Worker) Activate(ctx context.Context) error {
	w.setState(StateActivating)
	if err := ctx.Err(); err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("activate: %w", err)
	}

	allowed := map[string]struct{}{}
	for _, name := range w.cfg.allowedStores() {
		allowed[name] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range w.reg.StoreNames() {
		if _, ok := allowed[name]; ok {
			continue
		}
		name := name
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			w.log.Info("deleting stale store", "store", name)
			return w.reg.DeleteStore(name)
		})
	}
	if err := g.Wait(); err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("activate: %w", err)
	}

	if w.claim != nil && !w.claim(w) {
		w.setState(StateRedundant)
		return fmt.Errorf("activate: superseded by a newer worker")
	}
	w.setState(StateActivated)
	w.log.Info("worker activated", "version", w.cfg.Version)
	return nil
}

// Run walks the worker through its whole lifecycle: install, wait for the
// activation request, activate. Failures leave the worker redundant and
// surface to the caller; there is no internal retry.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Install(ctx); err != nil {
		return err
	}
	if err := w.waitForSkip(ctx); err != nil {
		w.setState(StateRedundant)
		return err
	}
	return w.Activate(ctx)
}

func (w *Worker) waitForSkip(ctx context.Context) error {
	select {
	case <-w.skipCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
