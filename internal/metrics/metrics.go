package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ConnectionEvent identifies a client lifecycle transition.
type ConnectionEvent string

const (
	// ConnectionAccepted records a client joining the live set.
	ConnectionAccepted ConnectionEvent = "accepted"
	// ConnectionClosed records an orderly disconnect or transport error.
	ConnectionClosed ConnectionEvent = "closed"
	// ConnectionEvicted records a client removed after a failed write or idle timeout.
	ConnectionEvicted ConnectionEvent = "evicted"
)

// FetchOutcome captures how a request cache fetch was satisfied.
type FetchOutcome string

const (
	// FetchHit indicates the stored body was reused without contacting upstream.
	FetchHit FetchOutcome = "hit"
	// FetchMiss indicates the upstream was called and the entry refreshed.
	FetchMiss FetchOutcome = "miss"
	// FetchError indicates the upstream call failed.
	FetchError FetchOutcome = "error"
)

// Recorder publishes Prometheus metrics for socket, dispatch and cache activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	clients       prometheus.Gauge
	connections   *prometheus.CounterVec
	commands      *prometheus.CounterVec
	broadcasts    prometheus.Counter
	writeFailures prometheus.Counter
	fetches       *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	clients := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "raindrops",
		Subsystem: "socket",
		Name:      "clients",
		Help:      "Number of clients currently in the live set.",
	})

	connections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "raindrops",
		Subsystem: "socket",
		Name:      "connections_total",
		Help:      "Client lifecycle transitions observed by the connection manager.",
	}, []string{"event"})

	commands := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "raindrops",
		Name:      "commands_total",
		Help:      "Command lines dispatched, labelled by the claiming processor.",
	}, []string{"processor"})

	broadcasts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "raindrops",
		Subsystem: "broadcast",
		Name:      "messages_total",
		Help:      "Messages fanned out to the live client set.",
	})

	writeFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "raindrops",
		Subsystem: "broadcast",
		Name:      "write_failures_total",
		Help:      "Per-client write failures that removed a client during broadcast.",
	})

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "raindrops",
		Subsystem: "upstream",
		Name:      "fetch_total",
		Help:      "Request cache fetches by outcome.",
	}, []string{"result"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "raindrops",
		Subsystem: "upstream",
		Name:      "fetch_duration_seconds",
		Help:      "Latency distribution for request cache fetches.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"result"})

	reg.MustRegister(clients, connections, commands, broadcasts, writeFailures, fetches, fetchLatency)

	return &Recorder{
		gatherer:      reg,
		handler:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		clients:       clients,
		connections:   connections,
		commands:      commands,
		broadcasts:    broadcasts,
		writeFailures: writeFailures,
		fetches:       fetches,
		fetchLatency:  fetchLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveConnection records a lifecycle transition and the resulting live set size.
func (r *Recorder) ObserveConnection(event ConnectionEvent, live int) {
	if r == nil {
		return
	}
	label := string(event)
	if label == "" {
		label = string(ConnectionClosed)
	}
	r.connections.WithLabelValues(label).Inc()
	r.clients.Set(float64(live))
}

// ObserveCommand counts a dispatched command under the processor that claimed it.
func (r *Recorder) ObserveCommand(processor string) {
	if r == nil {
		return
	}
	r.commands.WithLabelValues(normalizeLabel(processor)).Inc()
}

// ObserveBroadcast records one fan-out and how many client writes failed.
func (r *Recorder) ObserveBroadcast(failures int) {
	if r == nil {
		return
	}
	r.broadcasts.Inc()
	if failures > 0 {
		r.writeFailures.Add(float64(failures))
	}
}

// ObserveFetch records the outcome and latency of a request cache fetch.
func (r *Recorder) ObserveFetch(result FetchOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	label := string(result)
	if label == "" {
		label = string(FetchError)
	}
	r.fetches.WithLabelValues(label).Inc()
	r.fetchLatency.WithLabelValues(label).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
