package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveConnection(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveConnection(ConnectionAccepted, 1)
	rec.ObserveConnection(ConnectionAccepted, 2)
	rec.ObserveConnection(ConnectionEvicted, 1)

	families := gather(t, rec, "raindrops_socket_connections_total", "raindrops_socket_clients")

	accepted := findMetric(t, families["raindrops_socket_connections_total"], map[string]string{"event": "accepted"})
	if got := accepted.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected 2 accepted connections, got %v", got)
	}
	evicted := findMetric(t, families["raindrops_socket_connections_total"], map[string]string{"event": "evicted"})
	if got := evicted.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected 1 eviction, got %v", got)
	}
	gauge := families["raindrops_socket_clients"][0].GetGauge()
	if gauge == nil || gauge.GetValue() != 1 {
		t.Fatalf("expected live client gauge 1, got %v", gauge)
	}
}

func TestRecorderObserveCommandAndBroadcast(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCommand("weather_reload")
	rec.ObserveCommand("echo")
	rec.ObserveCommand("")
	rec.ObserveBroadcast(0)
	rec.ObserveBroadcast(2)

	families := gather(t, rec,
		"raindrops_commands_total",
		"raindrops_broadcast_messages_total",
		"raindrops_broadcast_write_failures_total",
	)

	for _, processor := range []string{"weather_reload", "echo", "unknown"} {
		metric := findMetric(t, families["raindrops_commands_total"], map[string]string{"processor": processor})
		if got := metric.GetCounter().GetValue(); got != 1 {
			t.Fatalf("expected 1 command for %s, got %v", processor, got)
		}
	}
	if got := families["raindrops_broadcast_messages_total"][0].GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected 2 broadcasts, got %v", got)
	}
	if got := families["raindrops_broadcast_write_failures_total"][0].GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected 2 write failures, got %v", got)
	}
}

func TestRecorderObserveFetch(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveFetch(FetchMiss, 250*time.Millisecond)
	rec.ObserveFetch(FetchHit, 0)

	families := gather(t, rec, "raindrops_upstream_fetch_total", "raindrops_upstream_fetch_duration_seconds")

	miss := findMetric(t, families["raindrops_upstream_fetch_total"], map[string]string{"result": "miss"})
	if got := miss.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected miss counter 1, got %v", got)
	}
	hist := findMetric(t, families["raindrops_upstream_fetch_duration_seconds"], map[string]string{"result": "miss"}).GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for fetch latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.25
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var rec *Recorder
	rec.ObserveConnection(ConnectionAccepted, 1)
	rec.ObserveCommand("echo")
	rec.ObserveBroadcast(1)
	rec.ObserveFetch(FetchHit, time.Millisecond)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder, got %d", rr.Code)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
