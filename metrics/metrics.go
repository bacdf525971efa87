// Package metrics provides Prometheus metrics for session and verification operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for front-end authentication.
// A nil or disabled *Metrics is a no-op.
type Metrics struct {
	enabled bool

	// Session metrics
	loginsTotal        *prometheus.CounterVec
	logoutsTotal       *prometheus.CounterVec
	refreshTotal       *prometheus.CounterVec
	refreshDuration    prometheus.Histogram
	renewalWaitsTotal  *prometheus.CounterVec
	requestRetries     *prometheus.CounterVec
	authenticatedState prometheus.Gauge

	// Verification metrics
	flowTransitionsTotal *prometheus.CounterVec
	resendRejectedTotal  *prometheus.CounterVec

	// Cache metrics
	cacheHitsTotal *prometheus.CounterVec
	cacheMissTotal *prometheus.CounterVec
}

// New creates and registers Prometheus metrics on the default registerer.
// If enabled is false, returns a no-op Metrics instance.
func New(enabled bool) *Metrics {
	if !enabled {
		return &Metrics{}
	}
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates enabled metrics registered on reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{enabled: true}

	m.loginsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "authfront_logins_total",
		Help: "Access credentials stored by login, by source",
	}, []string{"source"})

	m.logoutsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "authfront_logouts_total",
		Help: "Logouts, by whether the server call succeeded",
	}, []string{"server"})

	m.refreshTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "authfront_refresh_requests_total",
		Help: "Physical token renewal requests, by result",
	}, []string{"result"})

	m.refreshDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "authfront_refresh_duration_seconds",
		Help:    "Token renewal duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	m.renewalWaitsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "authfront_renewal_waits_total",
		Help: "Renewal callers, by whether they joined an in-flight renewal or reused a newer token",
	}, []string{"mode"})

	m.requestRetries = f.NewCounterVec(prometheus.CounterOpts{
		Name: "authfront_request_retries_total",
		Help: "Requests retried after an authorization failure, by result",
	}, []string{"result"})

	m.authenticatedState = f.NewGauge(prometheus.GaugeOpts{
		Name: "authfront_authenticated",
		Help: "Whether an access credential is held (0=no, 1=yes)",
	})

	m.flowTransitionsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "authfront_verification_transitions_total",
		Help: "Verification flow transitions",
	}, []string{"flow", "action", "result"})

	m.resendRejectedTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "authfront_resend_rejected_total",
		Help: "Resend attempts rejected, by reason",
	}, []string{"reason"})

	m.cacheHitsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "authfront_config_cache_hits_total",
		Help: "Total configuration cache hits",
	}, []string{"cache_type"})

	m.cacheMissTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "authfront_config_cache_misses_total",
		Help: "Total configuration cache misses",
	}, []string{"cache_type"})

	return m
}

func (m *Metrics) on() bool { return m != nil && m.enabled }

// RecordLogin records a stored access credential ("password", "refresh", "signup").
func (m *Metrics) RecordLogin(source string) {
	if !m.on() {
		return
	}
	m.loginsTotal.WithLabelValues(source).Inc()
}

// RecordLogout records a logout and whether the server acknowledged it.
func (m *Metrics) RecordLogout(serverOK bool) {
	if !m.on() {
		return
	}
	label := "ok"
	if !serverOK {
		label = "failed"
	}
	m.logoutsTotal.WithLabelValues(label).Inc()
}

// RecordRefresh records one physical renewal request.
func (m *Metrics) RecordRefresh(result string, durationSeconds float64) {
	if !m.on() {
		return
	}
	m.refreshTotal.WithLabelValues(result).Inc()
	m.refreshDuration.Observe(durationSeconds)
}

// RecordRenewalWait records a renewal caller that did not start its own request
// ("shared" joined an in-flight renewal, "reused" found a newer token).
func (m *Metrics) RecordRenewalWait(mode string) {
	if !m.on() {
		return
	}
	m.renewalWaitsTotal.WithLabelValues(mode).Inc()
}

// RecordRetry records a request retried after renewal.
func (m *Metrics) RecordRetry(result string) {
	if !m.on() {
		return
	}
	m.requestRetries.WithLabelValues(result).Inc()
}

// SetAuthenticated sets the authenticated gauge.
func (m *Metrics) SetAuthenticated(authenticated bool) {
	if !m.on() {
		return
	}
	state := 0.0
	if authenticated {
		state = 1.0
	}
	m.authenticatedState.Set(state)
}

// RecordFlowTransition records a verification flow transition.
func (m *Metrics) RecordFlowTransition(flow, action, result string) {
	if !m.on() {
		return
	}
	m.flowTransitionsTotal.WithLabelValues(flow, action, result).Inc()
}

// RecordResendRejected records a resend refused locally or by the server.
func (m *Metrics) RecordResendRejected(reason string) {
	if !m.on() {
		return
	}
	m.resendRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit(cacheType string) {
	if !m.on() {
		return
	}
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(cacheType string) {
	if !m.on() {
		return
	}
	m.cacheMissTotal.WithLabelValues(cacheType).Inc()
}
