package offcache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// offcacheHeader annotates every proxied response with how it was resolved.
const offcacheHeader = "X-Offcache"

var errUpstreamDenied = errors.New("upstream host not allowed")

// Service is the offline cache proxy: an HTTP gateway in front of the
// application origin plus the worker generations that intercept its traffic.
// Until a worker has claimed the gateway, every request passes through
// untouched; after that, GET requests are resolved through the cache
// strategies and total failures degrade to offline fallbacks.
type Service struct {
	log     *slog.Logger
	client  *http.Client
	reg     *Registry
	baseCfg *Config

	active  atomic.Pointer[Worker]
	waiting atomic.Pointer[Worker]

	mu           sync.Mutex
	latest       *Worker
	latestCancel context.CancelFunc
	workers      []*Worker

	stats      *statsCollector
	warmLog    *rateLimitedLogger
	warmupKick chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	startedAt  time.Time

	mux *http.ServeMux
}

// NewService opens the cache registry and prepares the gateway. No worker
// is deployed yet; call Deploy to install one.
func NewService(cfg *Config, log *slog.Logger) (*Service, error) {
	evictable := func(store string) bool {
		return !strings.HasPrefix(store, kindStatic+"-") && !strings.HasPrefix(store, kindUmbrella+"-")
	}
	reg, err := OpenRegistry(cfg.Storage.Path, cfg.Storage.maxBytes, evictable)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		log:        log,
		client:     &http.Client{Timeout: 30 * time.Second},
		reg:        reg,
		baseCfg:    cfg,
		stats:      newStatsCollector(),
		warmLog:    newRateLimitedLogger(log, time.Minute),
		warmupKick: make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		startedAt:  time.Now(),
		mux:        http.NewServeMux(),
	}

	s.mux.HandleFunc("/_offcache/control", s.handleControl)
	s.mux.HandleFunc("GET /_offcache/state", s.handleState)
	s.mux.HandleFunc("GET /_offcache/healthz", s.handleHealthz)

	if cfg.Logging.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.logStatsEveryDur)
		}()
	}
	s.startWarmup()

	return s, nil
}

// Deploy builds a worker for the given policy and runs it through its
// lifecycle in the background. The returned worker is the waiting
// generation until it claims the gateway. A generation still deploying when
// a newer one arrives is canceled and goes redundant; it must never sweep
// the newer generation's stores.
func (s *Service) Deploy(cfg *Config) *Worker {
	w := newWorker(cfg, s.reg, s.client, s.log, s.claimWorker)
	runCtx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	prevCancel := s.latestCancel
	s.latest = w
	s.latestCancel = cancel
	s.workers = append(s.workers, w)
	s.mu.Unlock()
	if prevCancel != nil {
		prevCancel()
	}
	s.waiting.Store(w)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if err := w.Run(runCtx); err != nil {
			s.log.Error("worker deploy failed", "version", cfg.Version, "error", err)
			s.waiting.CompareAndSwap(w, nil)
		}
	}()
	return w
}

// claimWorker points the gateway at an activated worker. A worker that was
// superseded while installing never takes over; a worker that is taken over
// goes redundant.
func (s *Service) claimWorker(w *Worker) bool {
	s.mu.Lock()
	latest := s.latest
	s.mu.Unlock()
	if latest != w {
		s.log.Warn("superseded worker not claimed", "version", w.Version())
		return false
	}
	prev := s.active.Swap(w)
	if prev != nil && prev != w {
		prev.setState(StateRedundant)
	}
	s.waiting.CompareAndSwap(w, nil)
	s.log.Info("gateway claimed", "version", w.Version())

	// Reschedule the warmup walk against the new generation's policy.
	select {
	case s.warmupKick <- struct{}{}:
	default:
	}
	return true
}

// ActiveWorker returns the worker currently controlling the gateway, or nil
// while the gateway is still uncontrolled.
func (s *Service) ActiveWorker() *Worker { return s.active.Load() }

// Close stops background work, waits for in-flight refreshes and releases
// the registry.
func (s *Service) Close() error {
	s.cancel()
	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	workers := s.workers
	s.mu.Unlock()
	for _, w := range workers {
		w.eng.close()
	}
	s.client.CloseIdleConnections()
	return s.reg.Close()
}

// Handler returns the gateway handler with request logging applied.
func (s *Service) Handler() http.Handler {
	return requestLogging(s.log, http.HandlerFunc(s.serveHTTP))
}

func (s *Service) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/_offcache/") {
		s.mux.ServeHTTP(w, r)
		return
	}
	s.handleProxy(w, r)
}

// intercepted reports whether a request goes through the cache strategies.
// Everything else is forwarded untouched: non-GET methods and connection
// upgrades are never cached or substituted.
func intercepted(r *http.Request) bool {
	return r.Method == http.MethodGet && r.Header.Get("Upgrade") == ""
}

func (s *Service) handleProxy(w http.ResponseWriter, r *http.Request) {
	active := s.active.Load()
	if active == nil || !intercepted(r) {
		s.passthrough(w, r)
		return
	}

	pr, err := s.resolveRequest(active.cfg, r)
	if err != nil {
		if errors.Is(err, errUpstreamDenied) {
			http.Error(w, "upstream host not allowed", http.StatusForbidden)
			return
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	ent, source, err := active.eng.resolve(r.Context(), pr)
	if err != nil {
		// Total failure: the client never sees the error, only a
		// substituted response.
		s.log.Debug("strategy failed, serving offline fallback", "key", pr.key, "error", err)
		ent, source = active.fb.resolve(pr), sourceFallback
	}
	s.writeEntry(w, ent, source)
	if source != sourceFallback {
		s.stats.Observe(len(ent.Body))
	}
}

// resolveRequest normalizes one intercepted request: its cache key, the
// resolved upstream URL and the metadata the fallback resolver needs.
func (s *Service) resolveRequest(cfg *Config, r *http.Request) (*proxyRequest, error) {
	target, err := s.resolveTarget(cfg, r)
	if err != nil {
		return nil, err
	}
	return &proxyRequest{
		key:        r.URL.RequestURI(),
		target:     target,
		header:     r.Header,
		navigation: isNavigation(r),
		imageDest:  isImageDest(r),
	}, nil
}

// resolveTarget maps an inbound request to its upstream URL. Ordinary paths
// go to the configured origin; /ext/<host>/<path> goes to that external
// host when the policy allows it.
func (s *Service) resolveTarget(cfg *Config, r *http.Request) (*url.URL, error) {
	if rest, ok := strings.CutPrefix(r.URL.Path, "/ext/"); ok {
		host, tail, _ := strings.Cut(rest, "/")
		if host == "" || !cfg.allowedUpstream(host) {
			return nil, errUpstreamDenied
		}
		return &url.URL{
			Scheme:   "https",
			Host:     host,
			Path:     "/" + tail,
			RawQuery: r.URL.RawQuery,
		}, nil
	}
	target, err := url.Parse(cfg.Server.Origin + r.URL.RequestURI())
	if err != nil {
		return nil, err
	}
	return target, nil
}

// passthrough forwards a request to its upstream without interception and
// streams the response back.
func (s *Service) passthrough(w http.ResponseWriter, r *http.Request) {
	cfg := s.baseCfg
	if active := s.active.Load(); active != nil {
		cfg = active.cfg
	}
	target, err := s.resolveTarget(cfg, r)
	if err != nil {
		if errors.Is(err, errUpstreamDenied) {
			http.Error(w, "upstream host not allowed", http.StatusForbidden)
			return
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	copyHeaders(req.Header, r.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		setOffcacheHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		if strings.EqualFold(k, offcacheHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOffcacheHeaders(w.Header(), sourceBypass)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// writeEntry sends a stored or synthesized response snapshot to the client.
func (s *Service) writeEntry(w http.ResponseWriter, ent Entry, source string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, offcacheHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOffcacheHeaders(w.Header(), source)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setOffcacheHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(offcacheHeader, source)
	}
	// In a CORS context custom headers are invisible to the page unless
	// explicitly exposed.
	ensureExposedHeader(h, offcacheHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	// Merge into a single comma-separated value.
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

type stateResponse struct {
	Version    string      `json:"version,omitempty"`
	State      string      `json:"state"`
	UptimeSecs int64       `json:"uptime_secs"`
	TotalBytes int64       `json:"total_bytes"`
	Stores     []StoreStat `json:"stores"`
}

func (s *Service) handleState(w http.ResponseWriter, r *http.Request) {
	resp := stateResponse{
		State:      "uncontrolled",
		UptimeSecs: int64(time.Since(s.startedAt).Seconds()),
		TotalBytes: s.reg.SizeBytes(),
		Stores:     s.reg.StoreStats(),
	}
	worker := s.active.Load()
	if worker == nil {
		worker = s.waiting.Load()
	}
	if worker != nil {
		resp.Version = worker.Version()
		resp.State = worker.State().String()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
