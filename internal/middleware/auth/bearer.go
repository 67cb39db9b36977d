// Package auth validates the shared bearer credential on inbound requests.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/videogen/imagine-gateway/internal/errors"
	"github.com/videogen/imagine-gateway/internal/logging"
	"github.com/videogen/imagine-gateway/internal/middleware"
	"github.com/videogen/imagine-gateway/internal/variables"
	"go.uber.org/zap"
)

// Failure details returned to clients.
var (
	errMissingToken = errors.ErrUnauthorized.WithDetail("No authorization token provided")
	errMalformed    = errors.ErrUnauthorized.WithDetail("Invalid authorization header format")
	errBadScheme    = errors.ErrUnauthorized.WithDetail("Invalid authentication scheme")
	errInvalidToken = errors.ErrUnauthorized.WithDetail("Invalid token")
)

// BearerAuth accepts requests carrying "Authorization: Bearer <token>" where
// token is one of the configured credentials. Credentials are held only as
// SHA-256 digests and compared in constant time.
type BearerAuth struct {
	digests [][sha256.Size]byte

	accepted atomic.Int64
	rejected atomic.Int64
}

// NewBearerAuth creates an authenticator for the given tokens.
func NewBearerAuth(tokens []string) *BearerAuth {
	a := &BearerAuth{digests: make([][sha256.Size]byte, 0, len(tokens))}
	for _, tok := range tokens {
		a.digests = append(a.digests, sha256.Sum256([]byte(tok)))
	}
	return a
}

// Authenticate checks the Authorization header of r.
func (a *BearerAuth) Authenticate(r *http.Request) error {
	header := r.Header.Get("Authorization")
	if header == "" {
		return errMissingToken
	}

	fields := strings.Fields(header)
	if len(fields) != 2 {
		return errMalformed
	}
	if !strings.EqualFold(fields[0], "bearer") {
		return errBadScheme
	}

	if !a.valid(fields[1]) {
		return errInvalidToken
	}
	return nil
}

// valid compares the candidate against every configured digest without
// stopping at the first match, so timing does not reveal which one matched.
func (a *BearerAuth) valid(token string) bool {
	sum := sha256.Sum256([]byte(token))
	match := 0
	for i := range a.digests {
		match |= subtle.ConstantTimeCompare(sum[:], a.digests[i][:])
	}
	return match == 1
}

// Middleware rejects unauthenticated requests with 401. Authorization is
// removed from accepted requests and replaced with X-Auth-User so the
// credential is never forwarded upstream.
func (a *BearerAuth) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := a.Authenticate(r); err != nil {
				a.rejected.Add(1)
				gatewayErr, _ := errors.As(err)
				varCtx := variables.GetFromRequest(r)
				varCtx.RejectReason = "unauthorized"

				logging.Warn("Authentication failed",
					zap.String("request_id", varCtx.RequestID),
					zap.String("client_ip", varCtx.ClientIP),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("reason", gatewayErr.Detail),
				)

				w.Header().Set("WWW-Authenticate", "Bearer")
				gatewayErr.WriteJSON(w)
				return
			}

			a.accepted.Add(1)
			r.Header.Del("Authorization")
			r.Header.Set("X-Auth-User", "authenticated")
			next.ServeHTTP(w, r)
		})
	}
}

// Stats holds authentication counters.
type Stats struct {
	Tokens   int   `json:"tokens"`
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
}

// Stats returns the current counters.
func (a *BearerAuth) Stats() Stats {
	return Stats{
		Tokens:   len(a.digests),
		Accepted: a.accepted.Load(),
		Rejected: a.rejected.Load(),
	}
}
