package offcache

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Strategy selects how an intercepted request is resolved to a response.
type Strategy int

const (
	// StrategyNetworkFirst is the zero value on purpose: unclassified
	// traffic is always treated as authoritative-from-network.
	StrategyNetworkFirst Strategy = iota
	StrategyCacheFirst
	StrategyStaleWhileRevalidate
)

func (s Strategy) String() string {
	switch s {
	case StrategyCacheFirst:
		return "cache-first"
	case StrategyNetworkFirst:
		return "network-first"
	case StrategyStaleWhileRevalidate:
		return "stale-while-revalidate"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// matcher is one compiled pattern-table predicate. Matchers are pure: they
// inspect only the resolved target URL.
type matcher interface {
	matches(u *url.URL) bool
}

type pathPrefixMatcher struct{ prefix string }

func (m pathPrefixMatcher) matches(u *url.URL) bool {
	return strings.HasPrefix(u.Path, m.prefix)
}

type extMatcher struct{ exts map[string]struct{} }

func (m extMatcher) matches(u *url.URL) bool {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), "."))
	if ext == "" {
		return false
	}
	_, ok := m.exts[ext]
	return ok
}

type hostMatcher struct{ host string }

func (m hostMatcher) matches(u *url.URL) bool {
	return strings.EqualFold(u.Hostname(), m.host)
}

// parseMatcher compiles one pattern expression. Supported forms:
// PathPrefix(/p), Ext(a|b|c), Host(example.com).
func parseMatcher(expr string) (matcher, error) {
	expr = strings.TrimSpace(expr)
	open := strings.IndexByte(expr, '(')
	if open < 0 || !strings.HasSuffix(expr, ")") {
		return nil, fmt.Errorf("only PathPrefix(...), Ext(...) or Host(...) supported, got %q", expr)
	}
	name := strings.TrimSpace(expr[:open])
	arg := strings.TrimSpace(expr[open+1 : len(expr)-1])

	switch name {
	case "PathPrefix":
		if arg == "" || !strings.HasPrefix(arg, "/") {
			return nil, fmt.Errorf("invalid prefix %q", arg)
		}
		return pathPrefixMatcher{prefix: arg}, nil

	case "Ext":
		exts := map[string]struct{}{}
		for _, e := range strings.Split(arg, "|") {
			e = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(e, ".")))
			if e == "" {
				continue
			}
			exts[e] = struct{}{}
		}
		if len(exts) == 0 {
			return nil, fmt.Errorf("no extensions in %q", expr)
		}
		return extMatcher{exts: exts}, nil

	case "Host":
		arg = strings.ToLower(arg)
		if arg == "" || strings.ContainsAny(arg, "/ ") {
			return nil, fmt.Errorf("invalid host %q", arg)
		}
		return hostMatcher{host: arg}, nil
	}
	return nil, fmt.Errorf("only PathPrefix(...), Ext(...) or Host(...) supported, got %q", expr)
}

type route struct {
	m        matcher
	strategy Strategy
}

// Router classifies resolved target URLs into strategies. Classification is
// an ordered walk over (predicate, strategy) pairs; the first match wins and
// everything else is network-first. It is a pure function of the URL and the
// compiled tables, with no side effects.
type Router struct {
	routes    []route
	imageExts []matcher
}

func newRouter(cfg *Config) *Router {
	r := &Router{}
	add := func(ms []matcher, s Strategy) {
		for _, m := range ms {
			r.routes = append(r.routes, route{m: m, strategy: s})
		}
	}
	add(cfg.Routes.static, StrategyCacheFirst)
	add(cfg.Routes.image, StrategyCacheFirst)
	add(cfg.Routes.dynamic, StrategyNetworkFirst)
	add(cfg.Routes.revalidate, StrategyStaleWhileRevalidate)

	for _, m := range cfg.Routes.image {
		if em, ok := m.(extMatcher); ok {
			r.imageExts = append(r.imageExts, em)
		}
	}
	return r
}

// Classify returns the strategy for a target URL.
func (r *Router) Classify(u *url.URL) Strategy {
	for _, rt := range r.routes {
		if rt.m.matches(u) {
			return rt.strategy
		}
	}
	return StrategyNetworkFirst
}

// imageAsset reports whether the target has an image file extension. The
// cache-first strategy files such responses under the image store; everything
// else it touches goes to the static store. Host-only image matches do not
// count here, mirroring the store split by content type.
func (r *Router) imageAsset(u *url.URL) bool {
	for _, m := range r.imageExts {
		if m.matches(u) {
			return true
		}
	}
	return false
}
