// Package metrics provides Prometheus instrumentation for the rules server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only admin3 metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the rules server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ExecutionsTotal     *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	RuleOutcomesTotal   *prometheus.CounterVec
	ActionOutcomesTotal *prometheus.CounterVec
	CacheRequestsTotal  *prometheus.CounterVec
	CacheLoadsTotal     prometheus.Counter
	CacheInvalidations  prometheus.Counter
	AuditWriteFailures  prometheus.Counter
	CheckoutOrdersTotal *prometheus.CounterVec
	CheckoutStepsTotal  *prometheus.CounterVec
	AuthFailuresTotal   prometheus.Counter
}

// New creates and registers all rules server metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admin3_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "admin3_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admin3_rules_executions_total",
			Help: "Total number of rules engine executions.",
		}, []string{"entry_point", "blocked"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "admin3_rules_execution_duration_seconds",
			Help:    "Rules engine execution latency in seconds.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"entry_point"}),

		RuleOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admin3_rule_outcomes_total",
			Help: "Rule evaluations by outcome.",
		}, []string{"entry_point", "outcome"}),

		ActionOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admin3_action_outcomes_total",
			Help: "Dispatched actions by kind and outcome.",
		}, []string{"kind", "outcome"}),

		CacheRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admin3_rule_cache_requests_total",
			Help: "Rule cache lookups by result.",
		}, []string{"result"}),

		CacheLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admin3_rule_cache_loads_total",
			Help: "Total number of rule lists loaded from the rule store.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admin3_rule_cache_invalidations_total",
			Help: "Total number of rule cache invalidations.",
		}),

		AuditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admin3_audit_write_failures_total",
			Help: "Execution records that could not be written.",
		}),

		CheckoutOrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admin3_checkout_orders_total",
			Help: "Order submissions by result.",
		}, []string{"result"}),

		CheckoutStepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admin3_checkout_steps_total",
			Help: "Checkout steps by entry point and whether the state advanced.",
		}, []string{"entry_point", "advanced"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admin3_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.RuleOutcomesTotal,
		m.ActionOutcomesTotal,
		m.CacheRequestsTotal,
		m.CacheLoadsTotal,
		m.CacheInvalidations,
		m.AuditWriteFailures,
		m.CheckoutOrdersTotal,
		m.CheckoutStepsTotal,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordExecution records one engine execution. All Record and Inc methods
// are safe to call on a nil *Metrics.
func (m *Metrics) RecordExecution(entryPoint string, blocked bool, seconds float64) {
	if m == nil {
		return
	}
	label := "false"
	if blocked {
		label = "true"
	}
	m.ExecutionsTotal.WithLabelValues(entryPoint, label).Inc()
	m.ExecutionDuration.WithLabelValues(entryPoint).Observe(seconds)
}

// RecordRuleOutcome counts one rule evaluation.
func (m *Metrics) RecordRuleOutcome(entryPoint, outcome string) {
	if m == nil {
		return
	}
	m.RuleOutcomesTotal.WithLabelValues(entryPoint, outcome).Inc()
}

// RecordActionOutcome counts one dispatched action.
func (m *Metrics) RecordActionOutcome(kind, outcome string) {
	if m == nil {
		return
	}
	m.ActionOutcomesTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordCacheLookup counts a cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheRequestsTotal.WithLabelValues("hit").Inc()
		return
	}
	m.CacheRequestsTotal.WithLabelValues("miss").Inc()
}

// IncCacheLoads increments the cache load counter.
func (m *Metrics) IncCacheLoads() {
	if m == nil {
		return
	}
	m.CacheLoadsTotal.Inc()
}

// IncCacheInvalidations increments the cache invalidation counter.
func (m *Metrics) IncCacheInvalidations() {
	if m == nil {
		return
	}
	m.CacheInvalidations.Inc()
}

// IncAuditWriteFailures increments the audit failure counter.
func (m *Metrics) IncAuditWriteFailures() {
	if m == nil {
		return
	}
	m.AuditWriteFailures.Inc()
}

// RecordOrder counts an order submission: created, blocked or failed.
func (m *Metrics) RecordOrder(result string) {
	if m == nil {
		return
	}
	m.CheckoutOrdersTotal.WithLabelValues(result).Inc()
}

// RecordCheckoutStep counts a checkout step.
func (m *Metrics) RecordCheckoutStep(entryPoint string, advanced bool) {
	if m == nil {
		return
	}
	label := "false"
	if advanced {
		label = "true"
	}
	m.CheckoutStepsTotal.WithLabelValues(entryPoint, label).Inc()
}
