package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                "/",
		"/":                               "/",
		"/healthz":                        "/healthz",
		"/api/v1/products":                "/products",
		"/api/v1/products/abc":            "/products/:id",
		"/api/v1/cart":                    "/cart",
		"/api/v1/cart/items":              "/cart/items",
		"/api/v1/cart/items/42":           "/cart/items/:id",
		"/api/v1/auth/login":              "/auth/login",
		"/api/v1/auth/sessions/some-uuid": "/auth/sessions/:id",
		"/api/v1/ws":                      "/ws",
	}
	for in, want := range cases {
		if got := canonicalPath(in); got != want {
			t.Errorf("canonicalPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHandlerExposesRecordedMetrics(t *testing.T) {
	RecordCartMutation("add_item", "ok", 2, 5*time.Millisecond)
	RecordIdempotency("replayed")
	RecordSessionEvent("login")
	RecordSweep("sessions", 3)

	instrumented := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	instrumented.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`shopfront_cart_mutations_total{operation="add_item",outcome="ok"}`,
		`shopfront_idempotency_requests_total{result="replayed"}`,
		`shopfront_sessions_events_total{event="login"}`,
		`shopfront_sweeper_purged_total{kind="sessions"} 3`,
		`shopfront_http_requests_total{method="GET",path="/cart",status="418"}`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
