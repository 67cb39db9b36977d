package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/videogen/imagine-gateway/internal/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestBearerAuthenticate(t *testing.T) {
	auth := NewBearerAuth([]string{"token-one", "token-two"})

	tests := []struct {
		name       string
		header     string
		wantErr    bool
		wantDetail string
	}{
		{"first token", "Bearer token-one", false, ""},
		{"second token", "Bearer token-two", false, ""},
		{"lowercase scheme", "bearer token-one", false, ""},
		{"missing header", "", true, "No authorization token provided"},
		{"wrong token", "Bearer token-three", true, "Invalid token"},
		{"token prefix", "Bearer token-on", true, "Invalid token"},
		{"basic scheme", "Basic dG9rZW4tb25l", true, "Invalid authentication scheme"},
		{"scheme only", "Bearer", true, "Invalid authorization header format"},
		{"extra field", "Bearer token-one extra", true, "Invalid authorization header format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/imagine/generate", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			err := auth.Authenticate(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Authenticate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && err.Error() != tt.wantDetail {
				t.Errorf("expected detail %q, got %q", tt.wantDetail, err.Error())
			}
		})
	}
}

func TestBearerMiddlewareRejects(t *testing.T) {
	original := logging.Global()
	core, obs := observer.New(zapcore.InfoLevel)
	logging.SetGlobal(zap.New(core))
	defer logging.SetGlobal(original)

	auth := NewBearerAuth([]string{"secret"})
	called := false
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest("POST", "/imagine/generate", nil)
	req.Header.Set("Authorization", "Bearer not-the-secret")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if called {
		t.Fatal("next handler must not run for a bad token")
	}
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got != "Bearer" {
		t.Errorf("expected WWW-Authenticate Bearer, got %q", got)
	}
	if !strings.Contains(rr.Body.String(), `"detail":"Invalid token"`) {
		t.Errorf("unexpected body %s", rr.Body.String())
	}

	entries := obs.FilterMessage("Authentication failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	for _, f := range entries[0].Context {
		if strings.Contains(f.String, "not-the-secret") {
			t.Errorf("audit log leaked the presented token in field %s", f.Key)
		}
	}
	if auth.Stats().Rejected != 1 {
		t.Errorf("expected 1 rejection, got %d", auth.Stats().Rejected)
	}
}

func TestBearerMiddlewareStripsCredential(t *testing.T) {
	auth := NewBearerAuth([]string{"secret"})

	var gotAuth, gotUser string
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUser = r.Header.Get("X-Auth-User")
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/imagine/info", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("X-Auth-User", "spoofed")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if gotAuth != "" {
		t.Errorf("Authorization should be stripped, got %q", gotAuth)
	}
	if gotUser != "authenticated" {
		t.Errorf("expected X-Auth-User authenticated, got %q", gotUser)
	}
	if auth.Stats().Accepted != 1 {
		t.Errorf("expected 1 accepted, got %d", auth.Stats().Accepted)
	}
}
