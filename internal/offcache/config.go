package offcache

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the cache policy loaded from the YAML policy file. The version
// token tags every store name; bumping it and redeploying starts a fresh
// cache generation and orphans the previous one for garbage collection.
type Config struct {
	Version string `yaml:"version"`

	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
		Max  string `yaml:"max"`

		maxBytes int64
	} `yaml:"storage"`

	// Precache is the ordered asset manifest fetched into the static store
	// during install. Population is all-or-nothing: one failed path fails
	// the whole install.
	Precache []string `yaml:"precache"`

	// OfflinePage names the precached page served to navigations when both
	// network and cache fail.
	OfflinePage string `yaml:"offlinePage"`

	// Routes are the ordered classification tables, evaluated
	// static -> image -> dynamic -> revalidate; unmatched traffic is
	// network-first. Each item is one matcher expression:
	// PathPrefix(/static/), Ext(js|css), Host(images.unsplash.com).
	Routes struct {
		Static     []string `yaml:"static"`
		Image      []string `yaml:"image"`
		Dynamic    []string `yaml:"dynamic"`
		Revalidate []string `yaml:"revalidate"`

		static     []matcher
		image      []matcher
		dynamic    []matcher
		revalidate []matcher
	} `yaml:"routes"`

	// Upstreams lists extra external hosts reachable through the /ext/
	// gateway path, in addition to every Host(...) pattern above.
	Upstreams []string `yaml:"upstreams"`

	// Warmup walks the origin's sitemaps and pre-fetches listed pages that
	// are not cached yet, so content is browsable offline before it is ever
	// visited. Disabled when no sitemaps are listed.
	Warmup struct {
		Sitemaps     []string `yaml:"sitemaps"`
		InitialDelay string   `yaml:"initialDelay"`
		RewarmEvery  string   `yaml:"rewarmEvery"`

		initialDelayDur time.Duration
		rewarmEveryDur  time.Duration
	} `yaml:"warmup"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	upstreamHosts map[string]struct{}
}

// Env holds process-level settings read from the environment. File entries
// win over defaults; env entries win over the file.
type Env struct {
	ConfigPath string `env:"OFFCACHE_CONFIG" envDefault:"/offcache.yaml"`
	Port       int    `env:"OFFCACHE_PORT"`
	Origin     string `env:"OFFCACHE_ORIGIN"`
	DataDir    string `env:"OFFCACHE_DATA_DIR"`
	LogLevel   string `env:"OFFCACHE_LOG_LEVEL" envDefault:"info"`
}

// ParseEnv loads Env from environment variables.
func ParseEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// Logical store kinds. Store names on disk are "<kind>-<version>"; the
// umbrella name participates only in the garbage-collection allow-list.
const (
	kindStatic   = "static"
	kindDynamic  = "dynamic"
	kindImage    = "image"
	kindUmbrella = "offcache"
)

func (c *Config) storeName(kind string) string { return kind + "-" + c.Version }

func (c *Config) staticStore() string { return c.storeName(kindStatic) }

func (c *Config) dynamicStore() string { return c.storeName(kindDynamic) }

func (c *Config) imageStore() string { return c.storeName(kindImage) }

// allowedStores is the garbage-collection allow-list for this version: the
// three live stores plus the umbrella name.
func (c *Config) allowedStores() []string {
	return []string{
		c.storeName(kindUmbrella),
		c.staticStore(),
		c.dynamicStore(),
		c.imageStore(),
	}
}

// allowedUpstream reports whether an external host may be proxied to.
func (c *Config) allowedUpstream(host string) bool {
	_, ok := c.upstreamHosts[strings.ToLower(host)]
	return ok
}

// LoadConfig reads, defaults, validates and compiles the policy file, then
// applies env overrides.
func LoadConfig(path string, e Env) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := finishConfig(&cfg, e); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func finishConfig(cfg *Config, e Env) error {
	if e.Port != 0 {
		cfg.Server.Port = e.Port
	}
	if e.Origin != "" {
		cfg.Server.Origin = e.Origin
	}
	if e.DataDir != "" {
		cfg.Storage.Path = e.DataDir
	}

	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if err := validVersionToken(cfg.Version); err != nil {
		return fmt.Errorf("version: %w", err)
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if u, err := url.Parse(cfg.Server.Origin); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.origin %q: must be an absolute http(s) URL", cfg.Server.Origin)
	} else if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.origin %q: unsupported scheme %q", cfg.Server.Origin, u.Scheme)
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/offcache"
	}
	if cfg.Storage.Max != "" {
		n, err := parseBytes(cfg.Storage.Max)
		if err != nil {
			return fmt.Errorf("storage.max: %w", err)
		}
		cfg.Storage.maxBytes = n
	}

	if cfg.Precache == nil {
		cfg.Precache = defaultPrecache()
	}
	for i, p := range cfg.Precache {
		p = strings.TrimSpace(p)
		if p == "" || !strings.HasPrefix(p, "/") {
			return fmt.Errorf("precache[%d]: %q is not an absolute path", i, cfg.Precache[i])
		}
		cfg.Precache[i] = p
	}
	if cfg.OfflinePage == "" {
		cfg.OfflinePage = "/offline.html"
	}
	if !strings.HasPrefix(cfg.OfflinePage, "/") {
		return fmt.Errorf("offlinePage: %q is not an absolute path", cfg.OfflinePage)
	}

	if cfg.Routes.Static == nil {
		cfg.Routes.Static = defaultStaticRoutes()
	}
	if cfg.Routes.Image == nil {
		cfg.Routes.Image = defaultImageRoutes()
	}
	if cfg.Routes.Dynamic == nil {
		cfg.Routes.Dynamic = defaultDynamicRoutes()
	}
	var err error
	if cfg.Routes.static, err = compileMatchers(cfg.Routes.Static); err != nil {
		return fmt.Errorf("routes.static: %w", err)
	}
	if cfg.Routes.image, err = compileMatchers(cfg.Routes.Image); err != nil {
		return fmt.Errorf("routes.image: %w", err)
	}
	if cfg.Routes.dynamic, err = compileMatchers(cfg.Routes.Dynamic); err != nil {
		return fmt.Errorf("routes.dynamic: %w", err)
	}
	if cfg.Routes.revalidate, err = compileMatchers(cfg.Routes.Revalidate); err != nil {
		return fmt.Errorf("routes.revalidate: %w", err)
	}

	cfg.upstreamHosts = map[string]struct{}{}
	for i, h := range cfg.Upstreams {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" || strings.ContainsAny(h, "/ ") {
			return fmt.Errorf("upstreams[%d]: invalid host %q", i, cfg.Upstreams[i])
		}
		cfg.upstreamHosts[h] = struct{}{}
	}
	for _, ms := range [][]matcher{cfg.Routes.static, cfg.Routes.image, cfg.Routes.dynamic, cfg.Routes.revalidate} {
		for _, m := range ms {
			if hm, ok := m.(hostMatcher); ok {
				cfg.upstreamHosts[hm.host] = struct{}{}
			}
		}
	}

	if cfg.Warmup.InitialDelay != "" {
		d, err := time.ParseDuration(cfg.Warmup.InitialDelay)
		if err != nil {
			return fmt.Errorf("warmup.initialDelay: %w", err)
		}
		cfg.Warmup.initialDelayDur = d
	} else if len(cfg.Warmup.Sitemaps) > 0 {
		// Let a fresh claim settle before its first pass.
		cfg.Warmup.initialDelayDur = 5 * time.Second
	}
	if cfg.Warmup.RewarmEvery != "" {
		d, err := time.ParseDuration(cfg.Warmup.RewarmEvery)
		if err != nil {
			return fmt.Errorf("warmup.rewarmEvery: %w", err)
		}
		cfg.Warmup.rewarmEveryDur = d
	}

	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.Logging.logStatsEveryDur = d
	}

	return nil
}

func validVersionToken(v string) error {
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == '_':
		default:
			return fmt.Errorf("invalid character %q in %q", r, v)
		}
	}
	if v == "" {
		return fmt.Errorf("empty version")
	}
	return nil
}

func compileMatchers(exprs []string) ([]matcher, error) {
	out := make([]matcher, 0, len(exprs))
	for i, expr := range exprs {
		m, err := parseMatcher(expr)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Built-in policy mirroring the application shell this proxy fronts. A policy
// file only needs to override what differs.

func defaultPrecache() []string {
	return []string{
		"/",
		"/index.html",
		"/static/js/main.js",
		"/static/css/main.css",
		"/manifest.json",
		"/offline.html",
	}
}

func defaultStaticRoutes() []string {
	return []string{
		"PathPrefix(/static/)",
		"Ext(js|css|html)",
	}
}

func defaultImageRoutes() []string {
	return []string{
		"Ext(png|jpg|jpeg|gif|svg|webp|ico|avif)",
		"Host(images.unsplash.com)",
	}
}

func defaultDynamicRoutes() []string {
	return []string{
		"PathPrefix(/api/)",
		"PathPrefix(/destinations)",
		"Host(fcm.googleapis.com)",
	}
}
