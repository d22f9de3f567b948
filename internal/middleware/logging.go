// Package middleware provides composable HTTP middleware constructors that
// follow the standard func(http.Handler) http.Handler pattern.
package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// responseRecorder wraps http.ResponseWriter to capture the status code and
// number of bytes written by the downstream handler.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += n
	return n, err
}

// Logger returns a middleware that emits one structured JSON log line per
// request, including method, path, status, response size, and latency.
// The request_id it logs is whatever X-Request-Id the downstream handler set
// on the response — Logger mints nothing of its own, so the ID in this log
// line always matches the one returned to the client. A handler that never
// sets X-Request-Id (e.g. a request rejected upstream of it) logs an empty
// request_id.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rr := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rr, r)

		slog.Info("request",
			"request_id", rr.Header().Get("X-Request-Id"),
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"status", rr.status,
			"bytes", rr.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
