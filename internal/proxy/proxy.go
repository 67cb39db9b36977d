// Package proxy forwards routed requests to the inference backend and streams
// the response back.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	gwerrors "github.com/videogen/imagine-gateway/internal/errors"
	"github.com/videogen/imagine-gateway/internal/logging"
	"github.com/videogen/imagine-gateway/internal/router"
	"github.com/videogen/imagine-gateway/internal/variables"
)

// Upstream failure kinds reported to the Observer.
const (
	KindTimeout      = "timeout"
	KindUnreachable  = "unreachable"
	KindClientClosed = "client_closed"
	KindStream       = "stream"
	KindPanic        = "panic"
)

const copyBufferSize = 32 * 1024

const tracerName = "imagine-gateway/proxy"

// Observer receives upstream call events. Every UpstreamStarted is followed
// by exactly one UpstreamFinished or UpstreamFailed. Implementations must be
// safe for concurrent use.
type Observer interface {
	UpstreamStarted(route string)
	UpstreamFinished(route string, status int, d time.Duration)
	UpstreamFailed(route, kind string)
}

type nopObserver struct{}

func (nopObserver) UpstreamStarted(string)                      {}
func (nopObserver) UpstreamFinished(string, int, time.Duration) {}
func (nopObserver) UpstreamFailed(string, string)               {}

// Proxy handles proxying requests to the backend. Requests are never retried.
type Proxy struct {
	transport     http.RoundTripper
	flushInterval time.Duration
	observer      Observer
}

// Config holds proxy configuration
type Config struct {
	Transport http.RoundTripper
	// FlushInterval is how often buffered response bytes are pushed to the
	// client. Zero flushes after every write, negative never flushes
	// explicitly.
	FlushInterval time.Duration
	Observer      Observer
}

// New creates a new proxy
func New(cfg Config) *Proxy {
	transport := cfg.Transport
	if transport == nil {
		transport = NewTransport(DefaultTransportConfig)
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Proxy{
		transport:     transport,
		flushInterval: cfg.FlushInterval,
		observer:      observer,
	}
}

// ServeHTTP forwards a request that has already been routed.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m := router.MatchFromContext(r.Context())
	if m == nil {
		logging.Error("Request reached proxy without a route match",
			zap.String("request_id", variables.GetFromRequest(r).RequestID),
			zap.String("path", r.URL.Path),
		)
		gwerrors.ErrInternal.WriteJSON(w)
		return
	}
	p.Forward(w, r, m)
}

// Forward sends r to m.Target and relays the upstream response verbatim,
// including non-2xx statuses and their bodies. The upstream call is bound to
// m.Timeout and to the client connection: whichever ends first cancels it.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, m *router.Match) {
	varCtx := variables.GetFromRequest(r)
	varCtx.UpstreamURL = redactedURL(m.Target)
	routeID := m.Route.ID

	ctx, cancel := context.WithTimeout(r.Context(), m.Timeout)
	defer cancel()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "upstream "+routeID,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gateway.route_id", routeID),
			attribute.String("url.full", varCtx.UpstreamURL),
		),
	)
	defer span.End()

	outReq := p.createProxyRequest(ctx, r, m.Target)

	p.observer.UpstreamStarted(routeID)
	settled := false
	defer func() {
		if !settled {
			p.observer.UpstreamFailed(routeID, KindPanic)
		}
	}()
	start := time.Now()
	resp, err := p.transport.RoundTrip(outReq)
	varCtx.UpstreamResponseTime = time.Since(start)
	if err != nil {
		kind := p.handleError(ctx, w, r, err, m)
		span.SetStatus(codes.Error, kind)
		settled = true
		p.observer.UpstreamFailed(routeID, kind)
		return
	}
	defer resp.Body.Close()

	varCtx.UpstreamStatus = resp.StatusCode
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	readErr, writeErr := p.copyBody(w, resp.Body)
	varCtx.UpstreamResponseTime = time.Since(start)

	settled = true
	switch {
	case writeErr != nil || r.Context().Err() != nil:
		p.observer.UpstreamFailed(routeID, KindClientClosed)
		logging.Info("Client disconnected during response",
			zap.String("request_id", varCtx.RequestID),
			zap.String("route_id", routeID),
		)
	case readErr != nil:
		// Headers are already out; abort so the client sees a truncated body.
		kind := KindStream
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = KindTimeout
		}
		span.SetStatus(codes.Error, kind)
		p.observer.UpstreamFailed(routeID, kind)
		logging.Warn("Upstream response interrupted",
			zap.String("request_id", varCtx.RequestID),
			zap.String("route_id", routeID),
			zap.String("kind", kind),
			zap.Error(readErr),
		)
		panic(http.ErrAbortHandler)
	default:
		p.observer.UpstreamFinished(routeID, resp.StatusCode, varCtx.UpstreamResponseTime)
	}
}

// createProxyRequest builds the outbound request. The inbound body is handed
// over as-is, so it streams to the backend without buffering.
func (p *Proxy) createProxyRequest(ctx context.Context, r *http.Request, target *url.URL) *http.Request {
	targetURL := *target

	body := r.Body
	if r.ContentLength == 0 {
		body = http.NoBody
	}

	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)

	// +3 for X-Forwarded-For/Proto/Host added below
	proxyReq.Header = make(http.Header, len(r.Header)+3)
	for k, vv := range r.Header {
		proxyReq.Header[k] = vv
	}
	removeHopHeaders(proxyReq.Header)

	// The backend trusts the gateway's network; credentials stop here.
	proxyReq.Header.Del("Authorization")

	if peer, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			proxyReq.Header.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+peer)
		} else {
			proxyReq.Header.Set("X-Forwarded-For", peer)
		}
	}

	if r.TLS != nil {
		proxyReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		proxyReq.Header.Set("X-Forwarded-Proto", "http")
	}
	proxyReq.Header.Set("X-Forwarded-Host", r.Host)

	// Inject OTEL trace context + W3C baggage into outbound request
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(proxyReq.Header))

	return proxyReq
}

// handleError maps a failed round trip onto the error taxonomy and returns
// the failure kind.
func (p *Proxy) handleError(ctx context.Context, w http.ResponseWriter, r *http.Request, err error, m *router.Match) string {
	varCtx := variables.GetFromRequest(r)
	fields := []zap.Field{
		zap.String("request_id", varCtx.RequestID),
		zap.String("route_id", m.Route.ID),
		zap.String("upstream_url", varCtx.UpstreamURL),
		zap.Duration("elapsed", varCtx.UpstreamResponseTime),
	}

	if r.Context().Err() != nil {
		// Client went away; nobody is listening for a response.
		varCtx.RejectReason = KindClientClosed
		logging.Info("Client disconnected before upstream responded", append(fields, zap.Error(err))...)
		return KindClientClosed
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		varCtx.RejectReason = "upstream_timeout"
		gwErr := gwerrors.ErrGatewayTimeout.WithCause(err)
		logging.Warn("Upstream timed out", append(fields, zap.Duration("timeout", m.Timeout), zap.Error(gwErr))...)
		gwErr.WriteJSON(w)
		return KindTimeout
	}

	varCtx.RejectReason = "upstream_unreachable"
	gwErr := gwerrors.ErrBadGateway.WithCause(err)
	logging.Warn("Upstream unreachable", append(fields, zap.Error(gwErr))...)
	gwErr.WriteJSON(w)
	return KindUnreachable
}

// copyBody streams body to w, flushing according to the flush interval. It
// reports read (upstream) and write (client) failures separately.
func (p *Proxy) copyBody(w http.ResponseWriter, body io.Reader) (readErr, writeErr error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, copyBufferSize)
	lastFlush := time.Now()

	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return nil, werr
			}
			if p.flushInterval == 0 || (p.flushInterval > 0 && time.Since(lastFlush) >= p.flushInterval) {
				if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
					return nil, ferr
				}
				lastFlush = time.Now()
			}
		}
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return err, nil
		}
	}
}

// copyHeaders copies headers from source to destination
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}

	// Remove hop-by-hop headers from response
	removeHopHeaders(dst)
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders drops the fixed hop-by-hop set plus any header named in
// Connection.
func removeHopHeaders(header http.Header) {
	for _, v := range header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// redactedURL renders u without its query, which may carry prompts.
func redactedURL(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.User = nil
	return c.String()
}
