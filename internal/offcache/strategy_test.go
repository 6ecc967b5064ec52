package offcache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, origin *httptest.Server) (*engine, *Registry, *Config) {
	t.Helper()
	cfg := testConfig(t, origin.URL)
	reg := newTestRegistry(t)
	eng := newEngine(cfg, reg, newRouter(cfg), origin.Client(), testLogger())
	t.Cleanup(eng.close)
	return eng, reg, cfg
}

func getRequest(t *testing.T, cfg *Config, path string) *proxyRequest {
	t.Helper()
	return &proxyRequest{
		key:    path,
		target: mustParseURL(t, cfg.Server.Origin+path),
		header: make(http.Header),
	}
}

func awaitRefresh(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("background refresh never observed")
		return nil
	}
}

func TestCacheFirst_MissFetchesAndStores(t *testing.T) {
	var hits atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/javascript")
		io.WriteString(w, "console.log('v1')")
	}))
	t.Cleanup(origin.Close)
	eng, reg, cfg := newTestEngine(t, origin)

	ent, source, err := eng.resolve(context.Background(), getRequest(t, cfg, "/static/js/vendor.js"))
	require.NoError(t, err)
	assert.Equal(t, sourceMiss, source)
	assert.Equal(t, "console.log('v1')", string(ent.Body))
	assert.Equal(t, int64(1), hits.Load())

	stored, ok := reg.Get(cfg.staticStore(), "/static/js/vendor.js")
	require.True(t, ok)
	assert.Equal(t, "console.log('v1')", string(stored.Body))
}

func TestCacheFirst_HitServesStoredThenRefreshes(t *testing.T) {
	var body atomic.Value
	body.Store("v1")
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, body.Load().(string))
	}))
	t.Cleanup(origin.Close)
	eng, reg, cfg := newTestEngine(t, origin)

	pr := getRequest(t, cfg, "/static/js/vendor.js")
	_, source, err := eng.resolve(context.Background(), pr)
	require.NoError(t, err)
	require.Equal(t, sourceMiss, source)

	// The origin moves on; a hit still serves the stored copy and only
	// the background refresh picks up the new content.
	body.Store("v2")
	refreshed := make(chan error, 1)
	eng.onRefresh = func(key string, err error) { refreshed <- err }

	ent, source, err := eng.resolve(context.Background(), pr)
	require.NoError(t, err)
	assert.Equal(t, sourceHit, source)
	assert.Equal(t, "v1", string(ent.Body))

	require.NoError(t, awaitRefresh(t, refreshed))
	stored, ok := reg.Get(cfg.staticStore(), pr.key)
	require.True(t, ok)
	assert.Equal(t, "v2", string(stored.Body))
}

func TestCacheFirst_ImageGoesToImageStore(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	t.Cleanup(origin.Close)
	eng, reg, cfg := newTestEngine(t, origin)

	_, source, err := eng.resolve(context.Background(), getRequest(t, cfg, "/gallery/taj.png"))
	require.NoError(t, err)
	assert.Equal(t, sourceMiss, source)

	_, ok := reg.Get(cfg.imageStore(), "/gallery/taj.png")
	assert.True(t, ok)
	_, ok = reg.Get(cfg.staticStore(), "/gallery/taj.png")
	assert.False(t, ok)
}

func TestCacheFirst_ErrorResponseNotCached(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(origin.Close)
	eng, reg, cfg := newTestEngine(t, origin)

	ent, source, err := eng.resolve(context.Background(), getRequest(t, cfg, "/static/js/gone.js"))
	require.NoError(t, err)
	assert.Equal(t, sourceMiss, source)
	assert.Equal(t, http.StatusNotFound, ent.Status)

	_, ok := reg.Get(cfg.staticStore(), "/static/js/gone.js")
	assert.False(t, ok)
}

func TestCacheFirst_NetworkFailurePropagates(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	eng, _, cfg := newTestEngine(t, origin)
	origin.Close()

	_, _, err := eng.resolve(context.Background(), getRequest(t, cfg, "/static/js/vendor.js"))
	assert.Error(t, err)
}

func TestNetworkFirst_StoresAndReturns(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"destinations":["goa"]}`)
	}))
	t.Cleanup(origin.Close)
	eng, reg, cfg := newTestEngine(t, origin)

	ent, source, err := eng.resolve(context.Background(), getRequest(t, cfg, "/api/destinations"))
	require.NoError(t, err)
	assert.Equal(t, sourceNetwork, source)
	assert.Equal(t, `{"destinations":["goa"]}`, string(ent.Body))

	stored, ok := reg.Get(cfg.dynamicStore(), "/api/destinations")
	require.True(t, ok)
	assert.Equal(t, `{"destinations":["goa"]}`, string(stored.Body))
}

func TestNetworkFirst_FallsBackToStale(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"cached":true}`)
	}))
	eng, _, cfg := newTestEngine(t, origin)

	pr := getRequest(t, cfg, "/api/destinations")
	_, _, err := eng.resolve(context.Background(), pr)
	require.NoError(t, err)

	origin.Close()

	ent, source, err := eng.resolve(context.Background(), pr)
	require.NoError(t, err)
	assert.Equal(t, sourceStale, source)
	assert.Equal(t, `{"cached":true}`, string(ent.Body))
}

func TestNetworkFirst_NoCacheNoNetwork(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	eng, _, cfg := newTestEngine(t, origin)
	origin.Close()

	_, _, err := eng.resolve(context.Background(), getRequest(t, cfg, "/api/destinations"))
	assert.Error(t, err)
}

func TestNetworkFirst_ErrorResponseNotCached(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	eng, reg, cfg := newTestEngine(t, origin)

	pr := getRequest(t, cfg, "/api/destinations")
	ent, source, err := eng.resolve(context.Background(), pr)
	require.NoError(t, err)
	assert.Equal(t, sourceNetwork, source)
	assert.Equal(t, http.StatusInternalServerError, ent.Status)

	_, ok := reg.Get(cfg.dynamicStore(), pr.key)
	assert.False(t, ok)

	// With nothing cached, losing the network now surfaces the failure.
	origin.Close()
	_, _, err = eng.resolve(context.Background(), pr)
	assert.Error(t, err)
}

func TestStaleWhileRevalidate_MissWaitsForNetwork(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "feed-v1")
	}))
	t.Cleanup(origin.Close)
	eng, reg, cfg := newTestEngine(t, origin)

	ent, source, err := eng.resolve(context.Background(), getRequest(t, cfg, "/feed/latest"))
	require.NoError(t, err)
	assert.Equal(t, sourceMiss, source)
	assert.Equal(t, "feed-v1", string(ent.Body))

	_, ok := reg.Get(cfg.dynamicStore(), "/feed/latest")
	assert.True(t, ok)
}

func TestStaleWhileRevalidate_ServesStaleImmediately(t *testing.T) {
	release := make(chan struct{})
	releaseOnce := sync.OnceFunc(func() { close(release) })
	t.Cleanup(releaseOnce)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		io.WriteString(w, "feed-v2")
	}))
	t.Cleanup(origin.Close)
	eng, reg, cfg := newTestEngine(t, origin)

	pr := getRequest(t, cfg, "/feed/latest")
	require.NoError(t, reg.Put(cfg.dynamicStore(), pr.key, textEntry("feed-v1", 1)))

	// The origin is wedged, so a quick return proves the cached copy was
	// served without waiting on the revalidation fetch.
	ent, source, err := eng.resolve(context.Background(), pr)
	require.NoError(t, err)
	assert.Equal(t, sourceRevalidate, source)
	assert.Equal(t, "feed-v1", string(ent.Body))

	releaseOnce()
	eng.close()

	stored, ok := reg.Get(cfg.dynamicStore(), pr.key)
	require.True(t, ok)
	assert.Equal(t, "feed-v2", string(stored.Body))
}

func TestStaleWhileRevalidate_TotalFailure(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	eng, _, cfg := newTestEngine(t, origin)
	origin.Close()

	_, _, err := eng.resolve(context.Background(), getRequest(t, cfg, "/feed/latest"))
	assert.Error(t, err)
}

func TestRefresh_FailureIsDiscarded(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	eng, reg, cfg := newTestEngine(t, origin)
	origin.Close()

	pr := getRequest(t, cfg, "/static/js/vendor.js")
	require.NoError(t, reg.Put(cfg.staticStore(), pr.key, textEntry("cached", 1)))

	refreshed := make(chan error, 1)
	eng.onRefresh = func(key string, err error) { refreshed <- err }

	// The caller gets the cached copy and no error, even though the
	// refresh behind it fails.
	ent, source, err := eng.resolve(context.Background(), pr)
	require.NoError(t, err)
	assert.Equal(t, sourceHit, source)
	assert.Equal(t, "cached", string(ent.Body))

	assert.Error(t, awaitRefresh(t, refreshed))

	stored, ok := reg.Get(cfg.staticStore(), pr.key)
	require.True(t, ok)
	assert.Equal(t, "cached", string(stored.Body))
}

func TestRefresh_SkippedWhenSaturated(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "fresh")
	}))
	t.Cleanup(origin.Close)
	eng, reg, cfg := newTestEngine(t, origin)

	pr := getRequest(t, cfg, "/static/js/vendor.js")
	require.NoError(t, reg.Put(cfg.staticStore(), pr.key, textEntry("cached", 1)))

	for i := 0; i < cap(eng.bgSem); i++ {
		eng.bgSem <- struct{}{}
	}
	defer func() {
		for i := 0; i < cap(eng.bgSem); i++ {
			<-eng.bgSem
		}
	}()

	refreshed := make(chan error, 1)
	eng.onRefresh = func(key string, err error) { refreshed <- err }

	ent, source, err := eng.resolve(context.Background(), pr)
	require.NoError(t, err)
	assert.Equal(t, sourceHit, source)
	assert.Equal(t, "cached", string(ent.Body))

	assert.ErrorIs(t, awaitRefresh(t, refreshed), errRefreshSkipped)
}
