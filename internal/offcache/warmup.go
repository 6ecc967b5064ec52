package offcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const warmupRunTimeout = 2 * time.Minute

// sitemapDoc covers plain sitemaps and sitemap indexes in one shape.
type sitemapDoc struct {
	Pages    []string `xml:"url>loc"`
	Children []string `xml:"sitemap>loc"`
}

// startWarmup launches the background sitemap walk. Listed pages are fetched
// through the active worker so they land in the store their strategy reads
// from, which makes them browsable offline before a user ever visits them.
// The loop stays parked until a generation with sitemaps claims the gateway
// and takes its settings from that generation, so a policy reload changes
// the sitemaps, cadence and origin with its next claim.
func (s *Service) startWarmup() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(time.Hour)
		stopTimer(timer)
		defer timer.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-s.warmupKick:
				stopTimer(timer)
				if cfg := s.warmupPolicy(); cfg != nil {
					// Let the fresh deploy settle before the pass.
					timer.Reset(cfg.Warmup.initialDelayDur)
				}
			case <-timer.C:
				cfg := s.warmupPolicy()
				if cfg == nil {
					continue
				}
				s.runWarmupPass()
				if period := cfg.Warmup.rewarmEveryDur; period > 0 {
					timer.Reset(period)
				}
			}
		}
	}()
}

// warmupPolicy returns the policy of the generation holding the gateway when
// it lists sitemaps, nil otherwise.
func (s *Service) warmupPolicy() *Config {
	w := s.active.Load()
	if w == nil || len(w.cfg.Warmup.Sitemaps) == 0 {
		return nil
	}
	return w.cfg
}

func (s *Service) runWarmupPass() {
	ctx, cancel := context.WithTimeout(s.ctx, warmupRunTimeout)
	defer cancel()
	warmed, skipped, err := s.warmupOnce(ctx)
	if err != nil {
		s.log.Warn("warmup pass failed", "warmed", warmed, "skipped", skipped, "error", err)
		return
	}
	s.log.Info("warmup pass done", "warmed", warmed, "skipped", skipped)
}

// stopTimer stops t and drains a tick that already fired, so a following
// Reset starts from a clean timer.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// warmupOnce walks the configured sitemaps, nested indexes included, and
// warms every listed page that is not cached yet. The pass does nothing
// while the gateway is uncontrolled and aborts when the active generation
// changes under it; the next tick warms the new one.
func (s *Service) warmupOnce(ctx context.Context) (warmed, skipped int, _ error) {
	w := s.active.Load()
	if w == nil {
		return 0, 0, nil
	}
	cfg := w.cfg

	seen := map[string]struct{}{}
	queue := make([]string, 0, len(cfg.Warmup.Sitemaps))
	for _, sm := range cfg.Warmup.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, absoluteOriginURL(cfg, sm))
		}
	}

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return warmed, skipped, ctx.Err()
		case <-s.stopCh:
			return warmed, skipped, nil
		default:
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := s.fetchSitemap(ctx, smURL)
		if err != nil {
			return warmed, skipped, fmt.Errorf("sitemap %s: %w", smURL, err)
		}
		for _, child := range doc.Children {
			if child = strings.TrimSpace(child); child != "" {
				queue = append(queue, absoluteOriginURL(cfg, child))
			}
		}

		for _, loc := range doc.Pages {
			if s.active.Load() != w {
				return warmed, skipped, nil
			}
			path := pathFromLoc(loc)
			if path == "" {
				skipped++
				continue
			}
			stored, err := w.warmPath(ctx, path)
			if err != nil {
				if ctx.Err() != nil {
					return warmed, skipped, ctx.Err()
				}
				s.warmLog.Warn("warmup fetch failed", "path", path, "error", err)
				skipped++
				continue
			}
			if stored {
				warmed++
			} else {
				skipped++
			}
		}
	}
	return warmed, skipped, nil
}

// warmPath fetches one page into the store its strategy reads from, unless
// an entry is already there. Reports whether a new entry was stored.
func (w *Worker) warmPath(ctx context.Context, path string) (bool, error) {
	target, err := url.Parse(w.cfg.Server.Origin + path)
	if err != nil {
		return false, err
	}
	store := w.cfg.dynamicStore()
	if w.router.Classify(target) == StrategyCacheFirst {
		store = w.cfg.staticStore()
		if w.router.imageAsset(target) {
			store = w.cfg.imageStore()
		}
	}
	if _, ok := w.reg.Get(store, path); ok {
		return false, nil
	}

	hdr := make(http.Header)
	hdr.Set("X-Offcache-Warmup", "1")
	ent, err := w.eng.fetchEntry(ctx, target, hdr)
	if err != nil {
		return false, err
	}
	if !cacheableStatus(ent.Status) {
		return false, fmt.Errorf("warm %s: status %d", path, ent.Status)
	}
	if err := w.reg.Put(store, path, ent); err != nil {
		return false, err
	}
	return true, nil
}

// absoluteOriginURL resolves a possibly origin-relative sitemap location.
func absoluteOriginURL(cfg *Config, raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return cfg.Server.Origin + raw
}

// fetchSitemap downloads and decodes one sitemap document. Compressed
// payloads are tolerated whether the transport already inflated them or
// not: a .gz suffix or a gzip magic header triggers manual inflation.
func (s *Service) fetchSitemap(ctx context.Context, rawURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return sitemapDoc{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	gzipped := strings.HasSuffix(strings.ToLower(rawURL), ".gz") ||
		(len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if gzipped {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if plain, rerr := io.ReadAll(gz); rerr == nil {
				body = plain
			}
			gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	return doc, nil
}

// pathFromLoc reduces a sitemap <loc> to an origin-relative path. Absolute
// URLs keep only their path; anything unparsable is dropped.
func pathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		if u.Path == "" {
			return "/"
		}
		loc = u.Path
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
