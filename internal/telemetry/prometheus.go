package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus collectors shared by the engines and the
// HTTP layer, and the OpenTelemetry instruments recorded alongside them.
//
// Metrics:
//   - mamori_rule_failures_total: rules whose evaluation raised, by rule type
//   - mamori_rule_latency_seconds: rule evaluation latency, by rule type
//   - mamori_metric_failures_total: metrics that produced the failure sentinel, by metric type
//   - mamori_llm_tokens_total: LLM tokens spent, by kind (prompt or completion)
//   - mamori_spans_ingested_total: ingested spans, by status (accepted or rejected)
//   - mamori_http_requests_total: HTTP requests, by method and status
type Collector struct {
	registry *prometheus.Registry

	RuleFailures   *prometheus.CounterVec
	RuleLatency    *prometheus.HistogramVec
	MetricFailures *prometheus.CounterVec
	LLMTokens      *prometheus.CounterVec
	SpansIngested  *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec

	Instruments *Instruments
}

// NewCollector creates the collectors and registers them with registry. A nil
// registry gets a fresh one, so tests never share counters.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	c := &Collector{
		registry:    registry,
		Instruments: DefaultInstruments(),
		RuleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mamori_rule_failures_total",
			Help: "Rule evaluations that raised and were recorded as Unavailable.",
		}, []string{"rule_type"}),
		RuleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mamori_rule_latency_seconds",
			Help:    "Rule evaluation latency in seconds.",
			Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"rule_type"}),
		MetricFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mamori_metric_failures_total",
			Help: "Metric evaluations that failed and produced the sentinel result.",
		}, []string{"metric_type"}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mamori_llm_tokens_total",
			Help: "LLM tokens consumed by rule and metric evaluation.",
		}, []string{"kind"}),
		SpansIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mamori_spans_ingested_total",
			Help: "Spans received on the trace ingest endpoint.",
		}, []string{"status"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mamori_http_requests_total",
			Help: "HTTP requests served.",
		}, []string{"method", "status"}),
	}
	registry.MustRegister(
		c.RuleFailures, c.RuleLatency, c.MetricFailures,
		c.LLMTokens, c.SpansIngested, c.HTTPRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry the collectors are registered with.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
