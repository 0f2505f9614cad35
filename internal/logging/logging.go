// Package logging sets up structured logging exactly as the teacher
// does (log/slog with a text handler) and adds a request-scoped child
// logger carrying the request ID, generalizing the teacher's
// LoggingMiddleware (which only logs method/path/status/duration at
// request end) to attach breadcrumbs throughout the pipeline.
package logging

import (
	"log/slog"
	"net/http"
	"os"
	"time"
)

// Setup installs the default slog logger at level, matching the
// teacher's slog.SetDefault(slog.New(slog.NewTextHandler(...))) shape.
func Setup(level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

// ForRequest returns a child logger carrying the request ID, for
// attaching to a request-scoped context (spec §4.13 step 1).
func ForRequest(requestID string) *slog.Logger {
	return slog.Default().With("requestId", requestID)
}

// statusRecorder wraps http.ResponseWriter to capture the status code,
// same shape as the teacher's internal/proxy.statusRecorder.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware logs every request at Debug level once it completes,
// matching the teacher's LoggingMiddleware.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
