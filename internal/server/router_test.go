package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gavv/httpexpect/v2"

	"github.com/akupila/raindrops/internal/metrics"
)

type stubHealth struct {
	calls int
}

func (s *stubHealth) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	s.calls++
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok","clients":2,"cacheEntries":1}`))
}

func TestParseAdminRoute(t *testing.T) {
	cases := map[string]struct {
		path  string
		route string
		ok    bool
	}{
		"metrics":        {path: "/metrics", route: "metrics", ok: true},
		"health":         {path: "/health", route: "healthz", ok: true},
		"healthz":        {path: "/healthz", route: "healthz", ok: true},
		"trailing slash": {path: "/healthz/", route: "healthz", ok: true},
		"case folded":    {path: "/Metrics", route: "metrics", ok: true},
		"nested":         {path: "/tenant/healthz", ok: false},
		"unknown":        {path: "/explain", ok: false},
		"root":           {path: "/", ok: false},
		"blank":          {path: "", ok: false},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			route, ok := parseAdminRoute(tc.path)
			if route != tc.route || ok != tc.ok {
				t.Fatalf("parseAdminRoute(%q) = (%q, %t), want (%q, %t)", tc.path, route, ok, tc.route, tc.ok)
			}
		})
	}
}

func newAdminExpect(t *testing.T, handler http.Handler) *httpexpect.Expect {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  srv.URL,
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   srv.Client(),
	})
}

func TestAdminHandlerServesHealth(t *testing.T) {
	stub := &stubHealth{}
	expect := newAdminExpect(t, NewAdminHandler(stub, nil))

	obj := expect.GET("/healthz").Expect().
		Status(http.StatusOK).
		JSON().Object()
	obj.Value("status").String().IsEqual("ok")
	obj.Value("clients").Number().IsEqual(2)

	expect.GET("/health").Expect().Status(http.StatusOK)
	if stub.calls != 2 {
		t.Fatalf("expected 2 health calls, got %d", stub.calls)
	}
}

func TestAdminHandlerServesMetrics(t *testing.T) {
	recorder := metrics.NewRecorder(nil)
	recorder.ObserveCommand("weather")
	expect := newAdminExpect(t, NewAdminHandler(&stubHealth{}, recorder.Handler()))

	expect.GET("/metrics").Expect().
		Status(http.StatusOK).
		Body().Contains(`raindrops_commands_total{processor="weather"} 1`)
}

func TestAdminHandlerRejectsUnknownRoutesAndMethods(t *testing.T) {
	expect := newAdminExpect(t, NewAdminHandler(&stubHealth{}, nil))

	expect.GET("/explain").Expect().Status(http.StatusNotFound)
	expect.POST("/healthz").Expect().
		Status(http.StatusMethodNotAllowed).
		Header("Allow").IsEqual("GET, HEAD")
}

func TestAdminHandlerWithoutCollaborators(t *testing.T) {
	handler := NewAdminHandler(nil, nil)

	for _, path := range []string{"/metrics", "/healthz"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503 for %s, got %d", path, rec.Code)
		}
	}
}
