package offcache

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/xid"
)

// SetupLogging initializes the default slog logger with JSON output to
// stdout at the given level ("debug", "info", "warn", "error").
func SetupLogging(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// byteCountingWriter captures the status code and bytes written so the
// request log can report them.
type byteCountingWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *byteCountingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *byteCountingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// requestLogging tags every request with a correlation id and logs one
// structured line when it completes, including the cache source annotation.
func requestLogging(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := xid.New().String()
		w.Header().Set("X-Request-Id", id)

		wrapped := &byteCountingWriter{ResponseWriter: w}
		next.ServeHTTP(wrapped, r)

		if wrapped.status == 0 {
			wrapped.status = http.StatusOK
		}
		level := slog.LevelInfo
		if wrapped.status >= 500 {
			level = slog.LevelError
		} else if wrapped.status >= 400 {
			level = slog.LevelWarn
		}

		log.Log(r.Context(), level, "request",
			"id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"cache", wrapped.Header().Get(offcacheHeader),
			"bytes", wrapped.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
