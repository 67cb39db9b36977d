package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// GatewayError is an error synthesized by the gateway itself and returned
// to clients as {"detail": "..."}. Errors that originate upstream are relayed
// verbatim by the proxy and never pass through this type.
type GatewayError struct {
	Code       int    `json:"-"`
	Detail     string `json:"detail"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Detail, e.underlying)
	}
	return e.Detail
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// Base errors use pre-serialized JSON to avoid allocations.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Del("Content-Length")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Error taxonomy. Every member is terminal for the request.
var (
	ErrUnauthorized = &GatewayError{
		Code:   http.StatusUnauthorized,
		Detail: "Not authenticated",
	}

	ErrTooManyRequests = &GatewayError{
		Code:   http.StatusTooManyRequests,
		Detail: "Rate limit exceeded",
	}

	ErrRouteNotFound = &GatewayError{
		Code:   http.StatusNotFound,
		Detail: "Not Found",
	}

	ErrBadGateway = &GatewayError{
		Code:   http.StatusBadGateway,
		Detail: "Upstream unreachable",
	}

	ErrGatewayTimeout = &GatewayError{
		Code:   http.StatusGatewayTimeout,
		Detail: "Upstream timed out",
	}

	ErrServiceUnavailable = &GatewayError{
		Code:   http.StatusServiceUnavailable,
		Detail: "Upstream is at capacity",
	}

	ErrInternal = &GatewayError{
		Code:   http.StatusInternalServerError,
		Detail: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrUnauthorized, ErrTooManyRequests, ErrRouteNotFound,
		ErrBadGateway, ErrGatewayTimeout, ErrServiceUnavailable, ErrInternal,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// WithDetail returns a copy of the error with a different client-facing detail
func (e *GatewayError) WithDetail(detail string) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Detail:     detail,
		underlying: e.underlying,
	}
}

// WithCause returns a copy of the error carrying err as its cause.
// The cause is logged but never sent to the client.
func (e *GatewayError) WithCause(err error) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Detail:     e.Detail,
		underlying: err,
	}
}

// As reports whether err is a GatewayError
func As(err error) (*GatewayError, bool) {
	ge, ok := err.(*GatewayError)
	return ge, ok
}
