package offcache

import (
	"net/http"
	"strings"
	"time"
)

// fallbackResolver is the last line of defense: it turns a total failure
// (network down, nothing cached) into a usable response. It never fails and
// never touches the network.
type fallbackResolver struct {
	cfg *Config
	reg *Registry
}

// resolve synthesizes a response for a request no strategy could satisfy.
// The decision runs on request metadata, not the URL: navigations get the
// precached offline page, image loads get a placeholder graphic, everything
// else gets a plain 503.
func (f *fallbackResolver) resolve(pr *proxyRequest) Entry {
	if pr.navigation {
		if ent, ok := f.reg.Get(f.cfg.staticStore(), f.cfg.OfflinePage); ok {
			return ent
		}
		return syntheticEntry(http.StatusServiceUnavailable, "text/html; charset=utf-8", offlinePageHTML)
	}
	if pr.imageDest {
		return syntheticEntry(http.StatusOK, "image/svg+xml", placeholderSVG)
	}
	return syntheticEntry(http.StatusServiceUnavailable, "text/plain; charset=utf-8", "Offline")
}

func syntheticEntry(status int, contentType, body string) Entry {
	h := make(http.Header)
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-store")
	return Entry{
		Status:   status,
		Header:   h,
		Body:     []byte(body),
		StoredAt: time.Now().Unix(),
	}
}

// isNavigation reports whether a request is a full-page load. Browsers mark
// these with Sec-Fetch-Mode; for older clients an HTML Accept header on a
// GET is close enough.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

// isImageDest reports whether the request loads into an image slot.
func isImageDest(r *http.Request) bool {
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "image"
	}
	return strings.HasPrefix(r.Header.Get("Accept"), "image/")
}

const offlinePageHTML = `<!doctype html>
<html>
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><title>Offline</title></head>
<body style="font-family: sans-serif; text-align: center; padding: 4rem 1rem">
<h1>Offline</h1>
<p>This page is not available without a network connection.</p>
</body>
</html>
`

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 400 300" width="400" height="300">` +
	`<rect width="400" height="300" fill="#e2e8f0"/>` +
	`<circle cx="140" cy="104" r="20" fill="#94a3b8"/>` +
	`<path d="M96 212l64-88 48 62 32-38 64 64z" fill="#94a3b8"/>` +
	`<text x="200" y="262" text-anchor="middle" font-family="sans-serif" font-size="16" fill="#64748b">Image unavailable offline</text>` +
	`</svg>`
