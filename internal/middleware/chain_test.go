package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func tagMiddleware(tag string, order *[]string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*order = append(*order, tag)
			next.ServeHTTP(w, r)
		})
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	chain := NewChain(tagMiddleware("first", &order), tagMiddleware("second", &order), tagMiddleware("third", &order))

	h := chain.Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	want := []string{"first", "second", "third", "handler"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestBuilderUseIf(t *testing.T) {
	var order []string
	h := NewBuilder().
		Use(tagMiddleware("always", &order)).
		UseIf(false, tagMiddleware("never", &order)).
		UseIf(true, tagMiddleware("enabled", &order)).
		Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if len(order) != 2 || order[0] != "always" || order[1] != "enabled" {
		t.Errorf("unexpected order %v", order)
	}
}

func TestBypass(t *testing.T) {
	bypass := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	mw := Bypass(func(r *http.Request) bool { return r.URL.Path == "/health" }, bypass)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
	if rr.Code != http.StatusTeapot {
		t.Errorf("expected bypass handler, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/imagine/health", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected chain handler, got %d", rr.Code)
	}
}
