package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveAdmissionTracksInFlight(t *testing.T) {
	m := New()

	m.ObserveAdmission("admitted")
	m.ObserveAdmission("admitted")
	m.ObserveAdmission("released")
	m.ObserveAdmission("rejected")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.admissions.WithLabelValues("admitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissions.WithLabelValues("rejected")))
}

func TestObserveRateDecision(t *testing.T) {
	m := New()
	m.ObserveRateDecision("memory", true)
	m.ObserveRateDecision("memory", false)
	m.ObserveRateDecision("memory", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateDecisions.WithLabelValues("memory", "allowed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.rateDecisions.WithLabelValues("memory", "denied")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveAuthFailure("auth_missing")
	m.ObserveRefresh("rotated")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveAuthFailure("auth_token_expired")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `docuhub_auth_failures_total{code="auth_token_expired"} 1`))
}
