// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Cycle kinds.
const (
	KindInbound   = "inbound"
	KindProactive = "proactive"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	activeCycles  prometheus.Gauge
	llmFailures   prometheus.Counter
	fallbacks     prometheus.Counter
	actions       *prometheus.CounterVec
	batchSize     prometheus.Histogram
	inbound       *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		gatherer: reg,
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Dispatch cycles run, by kind.",
		}, []string{"kind"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a dispatch cycle including action delays.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),
		activeCycles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_cycles",
			Help:      "Cycles currently running.",
		}),
		llmFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_failures_total",
			Help:      "LLM requests that returned an error.",
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_fallbacks_total",
			Help:      "Replies that could not be parsed as actions and were sent verbatim.",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Executed actions, by type and result.",
		}, []string{"type", "result"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inbox_batch_size",
			Help:      "Messages drained from an inbox per cycle.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound messages accepted, by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.cycles,
		m.cycleDuration,
		m.activeCycles,
		m.llmFailures,
		m.fallbacks,
		m.actions,
		m.batchSize,
		m.inbound,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "go_goroutines",
			Help: "Number of active goroutines.",
		}, func() float64 { return float64(runtime.NumGoroutine()) }),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// CycleStarted records the start of a cycle and returns a func that records its end.
func (m *Metrics) CycleStarted(kind string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	m.cycles.WithLabelValues(kind).Inc()
	m.activeCycles.Inc()
	return func() {
		m.activeCycles.Dec()
		m.cycleDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) LLMFailed() {
	if m != nil {
		m.llmFailures.Inc()
	}
}

func (m *Metrics) Fallback() {
	if m != nil {
		m.fallbacks.Inc()
	}
}

// Action records one executed action. result is "ok", "skipped" or "error".
func (m *Metrics) Action(actionType, result string) {
	if m != nil {
		m.actions.WithLabelValues(actionType, result).Inc()
	}
}

func (m *Metrics) Batch(n int) {
	if m != nil {
		m.batchSize.Observe(float64(n))
	}
}

func (m *Metrics) Inbound(kind string) {
	if m != nil {
		m.inbound.WithLabelValues(kind).Inc()
	}
}
