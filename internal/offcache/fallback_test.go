package offcache

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFallback(t *testing.T) (*fallbackResolver, *Registry, *Config) {
	t.Helper()
	cfg := testConfig(t, "http://app.internal")
	reg := newTestRegistry(t)
	return &fallbackResolver{cfg: cfg, reg: reg}, reg, cfg
}

func TestFallback_NavigationServesOfflinePage(t *testing.T) {
	fb, reg, cfg := newTestFallback(t)

	h := make(http.Header)
	h.Set("Content-Type", "text/html")
	require.NoError(t, reg.Put(cfg.staticStore(), cfg.OfflinePage, Entry{
		Status: http.StatusOK,
		Header: h,
		Body:   []byte("<h1>You are offline</h1>"),
	}))

	ent := fb.resolve(&proxyRequest{key: "/destinations/goa", navigation: true})
	assert.Equal(t, http.StatusOK, ent.Status)
	assert.Equal(t, "<h1>You are offline</h1>", string(ent.Body))
}

func TestFallback_NavigationWithoutOfflinePage(t *testing.T) {
	fb, _, _ := newTestFallback(t)

	ent := fb.resolve(&proxyRequest{key: "/destinations/goa", navigation: true})
	assert.Equal(t, http.StatusServiceUnavailable, ent.Status)
	assert.Contains(t, ent.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(ent.Body), "Offline")
}

func TestFallback_ImagePlaceholder(t *testing.T) {
	fb, _, _ := newTestFallback(t)

	ent := fb.resolve(&proxyRequest{key: "/gallery/taj.png", imageDest: true})
	assert.Equal(t, http.StatusOK, ent.Status)
	assert.Equal(t, "image/svg+xml", ent.Header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(string(ent.Body), "<svg"))
}

func TestFallback_PlainRequest(t *testing.T) {
	fb, _, _ := newTestFallback(t)

	ent := fb.resolve(&proxyRequest{key: "/api/destinations"})
	assert.Equal(t, http.StatusServiceUnavailable, ent.Status)
	assert.Equal(t, "Offline", string(ent.Body))
	assert.Contains(t, ent.Header.Get("Content-Type"), "text/plain")
}

func TestIsNavigation(t *testing.T) {
	cases := []struct {
		name   string
		method string
		header map[string]string
		want   bool
	}{
		{"fetch metadata navigate", http.MethodGet, map[string]string{"Sec-Fetch-Mode": "navigate"}, true},
		{"fetch metadata cors", http.MethodGet, map[string]string{"Sec-Fetch-Mode": "cors", "Accept": "text/html"}, false},
		{"accept html fallback", http.MethodGet, map[string]string{"Accept": "text/html,application/xhtml+xml"}, true},
		{"accept json", http.MethodGet, map[string]string{"Accept": "application/json"}, false},
		{"post with html accept", http.MethodPost, map[string]string{"Accept": "text/html"}, false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(tc.method, "/page", nil)
		for k, v := range tc.header {
			r.Header.Set(k, v)
		}
		assert.Equal(t, tc.want, isNavigation(r), tc.name)
	}
}

func TestIsImageDest(t *testing.T) {
	cases := []struct {
		name   string
		header map[string]string
		want   bool
	}{
		{"fetch metadata image", map[string]string{"Sec-Fetch-Dest": "image"}, true},
		{"fetch metadata document", map[string]string{"Sec-Fetch-Dest": "document", "Accept": "image/png"}, false},
		{"accept image fallback", map[string]string{"Accept": "image/avif,image/webp,*/*"}, true},
		{"accept anything", map[string]string{"Accept": "*/*"}, false},
		{"no headers", nil, false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/asset", nil)
		for k, v := range tc.header {
			r.Header.Set(k, v)
		}
		assert.Equal(t, tc.want, isImageDest(r), tc.name)
	}
}
