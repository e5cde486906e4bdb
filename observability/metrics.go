// Package observability is TokenShield's metrics and tracing surface.
// Metrics follow jordanhubbard-tokenhub's internal/metrics.Registry
// pattern verbatim in shape (a private prometheus.Registry, named
// CounterVec/HistogramVec fields, MustRegister in the constructor, a
// Handler() for promhttp) — swapping the request-routing metric set for
// the ones TokenShield's pipeline stages actually produce.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is TokenShield's Prometheus registry.
type Metrics struct {
	reg *prometheus.Registry

	CacheHitsTotal    *prometheus.CounterVec
	CacheMissesTotal  *prometheus.CounterVec
	SpentUSDTotal     *prometheus.CounterVec
	SavedUSDTotal     *prometheus.CounterVec
	GuardBlockedTotal *prometheus.CounterVec
	BreakerTrippedTotal *prometheus.CounterVec
	UserBudgetExceededTotal prometheus.Counter
	StreamTokensTotal prometheus.Counter
	AnomaliesTotal    *prometheus.CounterVec
	PipelineLatencyMs *prometheus.HistogramVec
}

// New builds and registers every TokenShield metric.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		CacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenshield_cache_hits_total",
			Help: "Total response cache hits",
		}, []string{"model", "matchType"}),
		CacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenshield_cache_misses_total",
			Help: "Total response cache misses",
		}, []string{"model"}),
		SpentUSDTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenshield_spent_usd_total",
			Help: "Total estimated USD spent on provider calls",
		}, []string{"model"}),
		SavedUSDTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenshield_saved_usd_total",
			Help: "Total estimated USD saved across all subsystems",
		}, []string{"model", "source"}),
		GuardBlockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenshield_guard_blocked_total",
			Help: "Total requests blocked by the request guard",
		}, []string{"rule"}),
		BreakerTrippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenshield_breaker_tripped_total",
			Help: "Total circuit breaker trips",
		}, []string{"window"}),
		UserBudgetExceededTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenshield_user_budget_exceeded_total",
			Help: "Total requests denied for exceeding a user budget",
		}),
		StreamTokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenshield_stream_tokens_total",
			Help: "Total output tokens accounted for across streams",
		}),
		AnomaliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenshield_anomalies_total",
			Help: "Total anomalies detected",
		}, []string{"kind", "severity"}),
		PipelineLatencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tokenshield_pipeline_stage_latency_ms",
			Help:    "transformParams stage latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
	}
	reg.MustRegister(
		m.CacheHitsTotal, m.CacheMissesTotal, m.SpentUSDTotal, m.SavedUSDTotal,
		m.GuardBlockedTotal, m.BreakerTrippedTotal, m.UserBudgetExceededTotal,
		m.StreamTokensTotal, m.AnomaliesTotal, m.PipelineLatencyMs,
	)
	return m
}

// Handler serves Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
