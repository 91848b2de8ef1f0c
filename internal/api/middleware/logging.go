// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// slowRequestThreshold marks non-streaming requests worth flagging.
const slowRequestThreshold = 5 * time.Second

// responseWriter wraps http.ResponseWriter to capture status and size.
// Flush is forwarded so SSE handlers can stream through the wrapper.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	size        int
	streaming   bool
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	if rw.Header().Get("Content-Type") == "text/event-stream" {
		rw.streaming = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes to the underlying ResponseWriter.
func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Flush forwards to the underlying writer when it supports flushing.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logger returns a middleware that logs each request on completion with
// structured fields. Server errors log at error level, slow non-streaming
// requests at warn.
func Logger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := middleware.GetReqID(r.Context())

			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			fields := []any{
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration_ms", duration.Milliseconds(),
				"bytes", wrapped.size,
				"remote_addr", r.RemoteAddr,
			}
			if wrapped.streaming {
				fields = append(fields, "streaming", true)
			}

			switch {
			case wrapped.status >= http.StatusInternalServerError:
				logger.Error("request failed", fields...)
			case duration > slowRequestThreshold && !wrapped.streaming:
				logger.Warn("slow request", fields...)
			default:
				logger.Info("request completed", fields...)
			}
		})
	}
}

// Recoverer returns a middleware that recovers from panics and logs them.
// If the response already started (an SSE stream mid-flight), no status can
// be written and the connection is simply dropped.
func Recoverer(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						"request_id", middleware.GetReqID(r.Context()),
						"method", r.Method,
						"path", r.URL.Path,
						"panic", rvr,
					)

					if wrapped, ok := w.(*responseWriter); !ok || !wrapped.wroteHeader {
						http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					}
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
