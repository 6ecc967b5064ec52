package offcache

import (
	"log/slog"
	"sync"
	"time"
)

// rateLimitedLogger drops all but one message per interval. Used on paths
// that fail once per request while the network is down.
type rateLimitedLogger struct {
	log      *slog.Logger
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
}

func newRateLimitedLogger(log *slog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		return
	}
	l.lastAt = now
	l.log.Warn(msg, args...)
}
