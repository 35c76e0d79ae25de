// Package metrics concentra os coletores Prometheus do gateway.
//
// Cada processo cria um único *Metrics com registry próprio (não o global), o que
// permite instanciar vários em testes sem colisão de registro.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	rateDecisions *prometheus.CounterVec
	rateFallbacks *prometheus.CounterVec
	admissions    *prometheus.CounterVec
	inFlight      prometheus.Gauge
	authFailures  *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		rateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docuhub_rate_limit_decisions_total",
			Help: "Rate limit decisions by backend and outcome",
		}, []string{"backend", "outcome"}),
		rateFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docuhub_rate_limit_fallbacks_total",
			Help: "Checks served by the local window because the remote counter failed or was skipped",
		}, []string{"reason"}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docuhub_admission_total",
			Help: "Admission gate outcomes",
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docuhub_admission_in_flight",
			Help: "Requests currently holding an admission permit",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docuhub_auth_failures_total",
			Help: "Authentication and authorization failures by code",
		}, []string{"code"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docuhub_refresh_total",
			Help: "Refresh token exchanges by outcome",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		m.rateDecisions,
		m.rateFallbacks,
		m.admissions,
		m.inFlight,
		m.authFailures,
		m.refreshes,
		collectors.NewGoCollector(),
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveRateDecision(backend string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.rateDecisions.WithLabelValues(backend, outcome).Inc()
}

func (m *Metrics) ObserveRateFallback(reason string) {
	if m == nil {
		return
	}
	m.rateFallbacks.WithLabelValues(reason).Inc()
}

// ObserveAdmission registra "admitted", "rejected" ou "released" e ajusta o gauge.
func (m *Metrics) ObserveAdmission(outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(outcome).Inc()
	switch outcome {
	case "admitted":
		m.inFlight.Inc()
	case "released":
		m.inFlight.Dec()
	}
}

func (m *Metrics) ObserveAuthFailure(code string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(code).Inc()
}

func (m *Metrics) ObserveRefresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}
