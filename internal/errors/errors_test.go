package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithCause(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	e := ErrBadGateway.WithCause(inner)

	if e.Code != http.StatusBadGateway {
		t.Errorf("Code = %d, want 502", e.Code)
	}
	want := "Upstream unreachable: connection refused"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
	if !errors.Is(e, inner) {
		t.Error("errors.Is should find the underlying error")
	}
}

func TestWithDetailKeepsBaseUntouched(t *testing.T) {
	e := ErrUnauthorized.WithDetail("Invalid token")

	if e.Detail != "Invalid token" || e.Code != http.StatusUnauthorized {
		t.Errorf("unexpected derived error %+v", e)
	}
	if ErrUnauthorized.Detail != "Not authenticated" {
		t.Errorf("base singleton mutated: %q", ErrUnauthorized.Detail)
	}
}

func TestWithCauseNotSerialized(t *testing.T) {
	e := ErrGatewayTimeout.WithCause(fmt.Errorf("dial tcp 10.0.0.1:8001: i/o timeout"))

	rr := httptest.NewRecorder()
	e.WriteJSON(rr)

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(body) != 1 || body["detail"] != "Upstream timed out" {
		t.Errorf("expected only the detail field, got %v", body)
	}
}

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		err        *GatewayError
		wantStatus int
		wantDetail string
	}{
		{ErrUnauthorized, 401, "Not authenticated"},
		{ErrTooManyRequests, 429, "Rate limit exceeded"},
		{ErrRouteNotFound, 404, "Not Found"},
		{ErrBadGateway, 502, "Upstream unreachable"},
		{ErrGatewayTimeout, 504, "Upstream timed out"},
		{ErrServiceUnavailable, 503, "Upstream is at capacity"},
		{ErrInternal, 500, "Internal Server Error"},
		{ErrServiceUnavailable.WithDetail("Upstream not ready"), 503, "Upstream not ready"},
	}

	for _, tt := range tests {
		t.Run(tt.wantDetail, func(t *testing.T) {
			rr := httptest.NewRecorder()
			rr.Header().Set("Content-Length", "12345")
			tt.err.WriteJSON(rr)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			if cl := rr.Header().Get("Content-Length"); cl != "" {
				t.Errorf("stale Content-Length %q should be dropped", cl)
			}
			var body struct {
				Detail string `json:"detail"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if body.Detail != tt.wantDetail {
				t.Errorf("detail = %q, want %q", body.Detail, tt.wantDetail)
			}
		})
	}
}

func TestAs(t *testing.T) {
	if ge, ok := As(ErrBadGateway); !ok || ge != ErrBadGateway {
		t.Error("As should return the gateway error")
	}
	if _, ok := As(fmt.Errorf("plain")); ok {
		t.Error("As should reject non-gateway errors")
	}
}
