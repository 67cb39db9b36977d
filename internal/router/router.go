// Package router maps public path prefixes onto upstream base URLs.
package router

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/videogen/imagine-gateway/internal/config"
	"github.com/videogen/imagine-gateway/internal/errors"
	"github.com/videogen/imagine-gateway/internal/middleware"
	"github.com/videogen/imagine-gateway/internal/variables"
)

// Route is a compiled route rule.
type Route struct {
	ID string
	// Prefix is the public prefix, always ending in "/".
	Prefix   string
	Upstream *url.URL
}

// Match is the result of routing one request.
type Match struct {
	Route *Route
	// Target is the full upstream URL: upstream base path joined with the
	// part of the request path after the prefix, plus the original query.
	Target *url.URL
	// Remainder is the request path with the prefix stripped, as seen by the
	// upstream relative to its base path.
	Remainder string
	Timeout   time.Duration
}

// Router performs longest-prefix matching on path segment boundaries. The
// route table is built once and never mutated, so lookups need no locking.
type Router struct {
	tree          *iradix.Tree
	routes        []*Route
	shortPaths    map[string]bool
	timeout       time.Duration
	healthTimeout time.Duration
}

// New compiles the route table from cfg.
func New(cfg *config.Config) (*Router, error) {
	defaultUpstream, err := url.Parse(cfg.Upstream.URL)
	if err != nil {
		return nil, fmt.Errorf("upstream url: %w", err)
	}

	txn := iradix.New().Txn()
	routes := make([]*Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		upstream := defaultUpstream
		if rc.Upstream != "" {
			if upstream, err = url.Parse(rc.Upstream); err != nil {
				return nil, fmt.Errorf("route %s: upstream url: %w", rc.ID, err)
			}
		}

		route := &Route{
			ID:       rc.ID,
			Prefix:   normalizePrefix(rc.Prefix),
			Upstream: upstream,
		}
		if _, exists := txn.Get([]byte(route.Prefix)); exists {
			return nil, fmt.Errorf("route %s: duplicate prefix %s", rc.ID, rc.Prefix)
		}
		txn.Insert([]byte(route.Prefix), route)
		routes = append(routes, route)
	}

	short := make(map[string]bool, len(cfg.Upstream.ShortTimeoutPaths))
	for _, p := range cfg.Upstream.ShortTimeoutPaths {
		short[p] = true
	}

	return &Router{
		tree:          txn.Commit(),
		routes:        routes,
		shortPaths:    short,
		timeout:       cfg.Upstream.Timeout,
		healthTimeout: cfg.Upstream.HealthTimeout,
	}, nil
}

func normalizePrefix(p string) string {
	return strings.TrimSuffix(p, "/") + "/"
}

// Routes returns the compiled routes in configuration order.
func (rt *Router) Routes() []*Route {
	return rt.routes
}

// Match routes the request URL u. It reports false when no prefix matches.
func (rt *Router) Match(u *url.URL) (*Match, bool) {
	path := u.Path
	if path == "" {
		path = "/"
	}

	var route *Route
	remainder := "/"
	if v, ok := rt.tree.Get([]byte(path + "/")); ok {
		// Bare prefix without its trailing slash
		route = v.(*Route)
	} else {
		_, v, ok := rt.tree.Root().LongestPrefix([]byte(path))
		if !ok {
			return nil, false
		}
		route = v.(*Route)
		remainder = path[len(route.Prefix)-1:]
	}

	target := *route.Upstream
	target.Path = singleJoiningSlash(route.Upstream.Path, remainder)
	target.RawPath = ""
	if raw := u.EscapedPath(); raw != path {
		if rawRemainder, ok := escapedRemainder(raw, route.Prefix); ok {
			target.RawPath = singleJoiningSlash(route.Upstream.EscapedPath(), rawRemainder)
		}
	}
	target.RawQuery = u.RawQuery
	target.Fragment = ""

	timeout := rt.timeout
	if rt.shortPaths[remainder] {
		timeout = rt.healthTimeout
	}

	return &Match{
		Route:     route,
		Target:    &target,
		Remainder: remainder,
		Timeout:   timeout,
	}, true
}

// escapedRemainder strips prefix from the escaped form of the request path.
func escapedRemainder(raw, prefix string) (string, bool) {
	bare := strings.TrimSuffix(prefix, "/")
	if raw == bare {
		return "/", true
	}
	if strings.HasPrefix(raw, prefix) {
		return raw[len(bare):], true
	}
	return "", false
}

type matchKey struct{}

// WithMatch attaches m to ctx.
func WithMatch(ctx context.Context, m *Match) context.Context {
	return context.WithValue(ctx, matchKey{}, m)
}

// MatchFromContext returns the route match stored in ctx, or nil.
func MatchFromContext(ctx context.Context) *Match {
	m, _ := ctx.Value(matchKey{}).(*Match)
	return m
}

// Middleware resolves the route for each request and stores the match on the
// request context. Unmatched requests get 404 and never reach next.
func (rt *Router) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m, ok := rt.Match(r.URL)
			varCtx := variables.GetFromRequest(r)
			if !ok {
				varCtx.RejectReason = "route_not_found"
				errors.ErrRouteNotFound.WriteJSON(w)
				return
			}
			varCtx.RouteID = m.Route.ID
			next.ServeHTTP(w, r.WithContext(WithMatch(r.Context(), m)))
		})
	}
}

// singleJoiningSlash joins two path segments with exactly one slash.
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
