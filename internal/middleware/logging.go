package middleware

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/videogen/imagine-gateway/internal/logging"
	"github.com/videogen/imagine-gateway/internal/variables"
	"go.uber.org/zap"
)

// StatusClientClosedRequest is recorded for requests whose client went away
// before any response was written.
const StatusClientClosedRequest = 499

var loggingRWPool = sync.Pool{
	New: func() any { return &loggingResponseWriter{} },
}

// RequestObserver is called once per completed request with the final status,
// body size and latency.
type RequestObserver func(r *http.Request, status int, bytes int64, d time.Duration)

// LoggingConfig configures the access log middleware
type LoggingConfig struct {
	// SkipPaths are paths that should not be logged
	SkipPaths []string
	// Observers receive every completed request, logged or not
	Observers []RequestObserver
}

// LoggingWithConfig creates an access log middleware with custom config
func LoggingWithConfig(cfg LoggingConfig) Middleware {
	skipPaths := make(map[string]bool)
	for _, p := range cfg.SkipPaths {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			lrw := loggingRWPool.Get().(*loggingResponseWriter)
			lrw.ResponseWriter = w
			lrw.status = http.StatusOK
			lrw.bytes = 0
			lrw.wroteHeader = false

			// Runs on panics too: an aborted stream still gets its line, then
			// the panic continues to the server.
			defer func() {
				p := recover()
				record(cfg.Observers, skipPaths, r, lrw, time.Since(start), p != nil)
				lrw.ResponseWriter = nil
				loggingRWPool.Put(lrw)
				if p != nil {
					panic(p)
				}
			}()

			next.ServeHTTP(lrw, r)
		})
	}
}

func record(observers []RequestObserver, skipPaths map[string]bool, r *http.Request, lrw *loggingResponseWriter, duration time.Duration, aborted bool) {
	status := lrw.status
	if !lrw.wroteHeader && errors.Is(r.Context().Err(), context.Canceled) {
		status = StatusClientClosedRequest
	}

	for _, obs := range observers {
		obs(r, status, lrw.bytes, duration)
	}

	if skipPaths[r.URL.Path] {
		return
	}

	varCtx := variables.GetFromRequest(r)

	fields := make([]zap.Field, 0, 15)
	fields = append(fields,
		zap.String("request_id", varCtx.RequestID),
		zap.String("client_ip", varCtx.ClientIP),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Int64("body_bytes", lrw.bytes),
		zap.Duration("response_time", duration),
	)
	if aborted {
		fields = append(fields, zap.Bool("aborted", true))
	}
	if r.URL.RawQuery != "" {
		fields = append(fields, zap.String("query", r.URL.RawQuery))
	}
	if varCtx.RouteID != "" {
		fields = append(fields, zap.String("route_id", varCtx.RouteID))
	}
	if varCtx.UpstreamURL != "" {
		fields = append(fields,
			zap.String("upstream_url", varCtx.UpstreamURL),
			zap.Int("upstream_status", varCtx.UpstreamStatus),
			zap.Duration("upstream_response_time", varCtx.UpstreamResponseTime),
		)
	}
	if varCtx.RejectReason != "" {
		fields = append(fields, zap.String("reject_reason", varCtx.RejectReason))
	}
	if ua := r.UserAgent(); ua != "" {
		fields = append(fields, zap.String("user_agent", ua))
	}

	logging.Info("HTTP request", fields...)
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and bytes
type loggingResponseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (lrw *loggingResponseWriter) WriteHeader(status int) {
	if !lrw.wroteHeader && status >= http.StatusOK {
		lrw.status = status
		lrw.wroteHeader = true
	}
	lrw.ResponseWriter.WriteHeader(status)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	lrw.wroteHeader = true
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (lrw *loggingResponseWriter) Flush() {
	lrw.wroteHeader = true
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}
