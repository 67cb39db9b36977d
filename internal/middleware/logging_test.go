package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/videogen/imagine-gateway/internal/logging"
	"github.com/videogen/imagine-gateway/internal/variables"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	original := logging.Global()
	core, obs := observer.New(zapcore.InfoLevel)
	logging.SetGlobal(zap.New(core))
	t.Cleanup(func() { logging.SetGlobal(original) })
	return obs
}

func TestLoggingDefault(t *testing.T) {
	obs := observeLogs(t)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("hello"))
	})

	rr := httptest.NewRecorder()
	LoggingWithConfig(LoggingConfig{})(handler).ServeHTTP(rr, httptest.NewRequest("POST", "/imagine/generate?seed=1", nil))

	if rr.Code != http.StatusCreated || rr.Body.String() != "hello" {
		t.Fatalf("unexpected response %d %q", rr.Code, rr.Body.String())
	}

	entries := obs.FilterMessage("HTTP request").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 access log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(201) {
		t.Errorf("expected status 201, got %v", fields["status"])
	}
	if fields["body_bytes"] != int64(5) {
		t.Errorf("expected 5 body bytes, got %v", fields["body_bytes"])
	}
	if fields["query"] != "seed=1" {
		t.Errorf("expected query seed=1, got %v", fields["query"])
	}
}

func TestLoggingWithVarContext(t *testing.T) {
	obs := observeLogs(t)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		varCtx := variables.GetFromRequest(r)
		varCtx.RouteID = "imagine"
		varCtx.UpstreamURL = "http://backend:8001/generate"
		varCtx.UpstreamStatus = 200
		w.WriteHeader(http.StatusOK)
	})

	chain := NewChain(RequestID(), LoggingWithConfig(LoggingConfig{})).Then(handler)
	chain.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/imagine/generate", nil))

	entries := obs.FilterMessage("HTTP request").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["route_id"] != "imagine" {
		t.Errorf("expected route_id imagine, got %v", fields["route_id"])
	}
	if fields["upstream_url"] != "http://backend:8001/generate" {
		t.Errorf("unexpected upstream_url %v", fields["upstream_url"])
	}
	if fields["request_id"] == "" {
		t.Error("expected request_id")
	}
}

func TestLoggingSkipPathsStillObserved(t *testing.T) {
	obs := observeLogs(t)

	var observed int
	cfg := LoggingConfig{
		SkipPaths: []string{"/health"},
		Observers: []RequestObserver{
			func(r *http.Request, status int, bytes int64, d time.Duration) { observed = status },
		},
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	LoggingWithConfig(cfg)(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))

	if obs.Len() != 0 {
		t.Errorf("expected no log entries for skipped path, got %d", obs.Len())
	}
	if observed != http.StatusOK {
		t.Errorf("observer should still see the request, got %d", observed)
	}
}

func TestLoggingClientClosed(t *testing.T) {
	observeLogs(t)

	var observed int
	cfg := LoggingConfig{
		Observers: []RequestObserver{
			func(r *http.Request, status int, bytes int64, d time.Duration) { observed = status },
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
	})

	req := httptest.NewRequest("POST", "/imagine/generate", nil).WithContext(ctx)
	LoggingWithConfig(cfg)(handler).ServeHTTP(httptest.NewRecorder(), req)

	if observed != StatusClientClosedRequest {
		t.Errorf("expected %d, got %d", StatusClientClosedRequest, observed)
	}
}

func TestLoggingAbortedStream(t *testing.T) {
	obs := observeLogs(t)

	var observed int
	var observedBytes int64
	cfg := LoggingConfig{
		Observers: []RequestObserver{
			func(r *http.Request, status int, bytes int64, d time.Duration) {
				observed, observedBytes = status, bytes
			},
		},
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("partial"))
		panic(http.ErrAbortHandler)
	})

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		LoggingWithConfig(cfg)(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/imagine/generate", nil))
	}()

	if recovered != http.ErrAbortHandler {
		t.Fatalf("expected the abort to propagate, got %v", recovered)
	}
	if observed != http.StatusOK || observedBytes != 7 {
		t.Errorf("observer saw status %d bytes %d, want 200 and 7", observed, observedBytes)
	}

	entries := obs.FilterMessage("HTTP request").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 access log entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["aborted"] != true {
		t.Errorf("expected aborted field, got %v", entries[0].ContextMap())
	}
}

func TestLoggingResponseWriterFirstStatusWins(t *testing.T) {
	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rr, status: http.StatusOK}

	lrw.WriteHeader(http.StatusContinue)
	if lrw.wroteHeader {
		t.Error("informational status should not count as the response status")
	}
	lrw.WriteHeader(http.StatusNotFound)
	lrw.WriteHeader(http.StatusInternalServerError)

	if lrw.status != http.StatusNotFound {
		t.Errorf("expected 404, got %d", lrw.status)
	}
}

func TestLoggingResponseWriterFlushDelegates(t *testing.T) {
	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rr, status: http.StatusOK}

	lrw.Write([]byte("chunk"))
	lrw.Flush()

	if !rr.Flushed {
		t.Error("expected underlying recorder to be flushed")
	}
	if lrw.bytes != 5 {
		t.Errorf("expected 5 bytes, got %d", lrw.bytes)
	}
	if lrw.Unwrap() != rr {
		t.Error("Unwrap should return the underlying writer")
	}
}
