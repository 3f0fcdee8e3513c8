// Package metrics exposes the server's Prometheus collectors: plugin
// lifecycle outcomes, hook dispatch results, queued links and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Hook outcomes recorded by ObserveHook.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomePanic   = "panic"
	OutcomeTimeout = "timeout"
)

// Metrics owns a private registry so several servers (or tests) can coexist
// in one process. All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	lifecycle      *prometheus.CounterVec
	hookCalls      *prometheus.CounterVec
	hookDuration   prometheus.Histogram
	hookCollisions prometheus.Counter
	linksQueued    *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New builds and registers every collector.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emuhub_plugin_lifecycle_total",
			Help: "Plugin lifecycle callbacks by plugin, phase and outcome.",
		}, []string{"plugin", "phase", "outcome"}),
		hookCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emuhub_hook_invocations_total",
			Help: "Hook invocations by hook key and outcome.",
		}, []string{"key", "outcome"}),
		hookDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "emuhub_hook_duration_seconds",
			Help:    "Time spent inside a single hook.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),
		hookCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emuhub_hook_collisions_total",
			Help: "Hook registrations that replaced an existing key on the same executor.",
		}),
		linksQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emuhub_links_queued_total",
			Help: "Links handed to the execution queue, by platform.",
		}, []string{"platform"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emuhub_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "emuhub_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.lifecycle, m.hookCalls, m.hookDuration, m.hookCollisions,
		m.linksQueued, m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveLifecycle records the outcome of one plugin callback.
func (m *Metrics) ObserveLifecycle(plugin, phase, outcome string) {
	if m == nil {
		return
	}
	m.lifecycle.WithLabelValues(plugin, phase, outcome).Inc()
}

// ObserveHook records one hook invocation.
func (m *Metrics) ObserveHook(key, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.hookCalls.WithLabelValues(key, outcome).Inc()
	m.hookDuration.Observe(took.Seconds())
}

// HookCollision counts a silent hook overwrite.
func (m *Metrics) HookCollision(string) {
	if m == nil {
		return
	}
	m.hookCollisions.Inc()
}

// LinkQueued counts a link published to the execution queue.
func (m *Metrics) LinkQueued(platform string) {
	if m == nil {
		return
	}
	m.linksQueued.WithLabelValues(platform).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency under the given handler label.
func (m *Metrics) Middleware(handler string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		m.httpRequests.WithLabelValues(handler, r.Method, strconv.Itoa(sw.status)).Inc()
		m.httpDuration.WithLabelValues(handler, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
