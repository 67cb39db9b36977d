package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/videogen/imagine-gateway/internal/errors"
	"github.com/videogen/imagine-gateway/internal/logging"
	"github.com/videogen/imagine-gateway/internal/variables"
	"go.uber.org/zap"
)

// RecoveryConfig configures the recovery middleware
type RecoveryConfig struct {
	// PrintStack captures the stack trace when a panic occurs
	PrintStack bool
	// LogFunc is called when a panic occurs
	LogFunc func(r *http.Request, err any, stack []byte)
}

// DefaultRecoveryConfig provides default recovery settings
var DefaultRecoveryConfig = RecoveryConfig{
	PrintStack: true,
	LogFunc:    defaultLogFunc,
}

func defaultLogFunc(r *http.Request, err any, stack []byte) {
	varCtx := variables.GetFromRequest(r)
	logging.Error("Panic recovered",
		zap.Any("error", err),
		zap.String("request_id", varCtx.RequestID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("route_id", varCtx.RouteID),
		zap.ByteString("stack", stack),
	)
}

// Recovery creates a panic recovery middleware
func Recovery() Middleware {
	return RecoveryWithConfig(DefaultRecoveryConfig)
}

// RecoveryWithConfig creates a recovery middleware with custom config.
//
// A panic fails only the request that caused it: the client gets a generic
// 500 and the server keeps serving. http.ErrAbortHandler is re-raised so the
// server drops the connection, and a panic after the response has started
// is converted into one since a status can no longer be sent.
func RecoveryWithConfig(cfg RecoveryConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &startedWriter{ResponseWriter: w}
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				if err == http.ErrAbortHandler {
					panic(err)
				}

				var stack []byte
				if cfg.PrintStack {
					stack = debug.Stack()
				}
				if cfg.LogFunc != nil {
					cfg.LogFunc(r, err, stack)
				}

				if sw.started {
					panic(http.ErrAbortHandler)
				}
				errors.ErrInternal.WriteJSON(w)
			}()

			next.ServeHTTP(sw, r)
		})
	}
}

// startedWriter records whether the response status line has been written.
type startedWriter struct {
	http.ResponseWriter
	started bool
}

func (sw *startedWriter) WriteHeader(code int) {
	if code >= http.StatusOK {
		sw.started = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *startedWriter) Write(b []byte) (int, error) {
	sw.started = true
	return sw.ResponseWriter.Write(b)
}

func (sw *startedWriter) Flush() {
	sw.started = true
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *startedWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
