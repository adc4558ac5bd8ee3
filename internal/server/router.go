package server

import (
	"net/http"
	"strings"
)

// HealthHTTP is the surface the admin router needs from the hub.
type HealthHTTP interface {
	ServeHealth(http.ResponseWriter, *http.Request)
}

// NewAdminHandler routes /metrics to metricsHandler and /healthz (or /health)
// to the hub. Only GET and HEAD are served.
func NewAdminHandler(health HealthHTTP, metricsHandler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := parseAdminRoute(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		switch route {
		case "metrics":
			if metricsHandler == nil {
				http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
				return
			}
			metricsHandler.ServeHTTP(w, r)
		case "healthz":
			if health == nil {
				http.Error(w, "hub unavailable", http.StatusServiceUnavailable)
				return
			}
			health.ServeHealth(w, r)
		}
	})
}

func parseAdminRoute(path string) (string, bool) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" || strings.Contains(trimmed, "/") {
		return "", false
	}
	switch strings.ToLower(trimmed) {
	case "metrics":
		return "metrics", true
	case "health", "healthz":
		return "healthz", true
	}
	return "", false
}
