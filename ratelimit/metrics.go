/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import "github.com/prometheus/client_golang/prometheus"

const metricsLabelDryRun = "dry_run"

const (
	metricsValYes = "yes"
	metricsValNo  = "no"
)

// MetricsCollector represents collector of metrics for admission decisions.
type MetricsCollector interface {
	// IncAdmitted increments the counter of admitted requests.
	IncAdmitted()

	// IncRejected increments the counter of requests rejected due to the exceeded quota.
	IncRejected(dryRun bool)
}

// PrometheusMetrics represents the admission decision counters in the Prometheus format.
type PrometheusMetrics struct {
	AdmittedTotal prometheus.Counter
	RejectedTotal *prometheus.CounterVec
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	admittedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_admitted_total",
		Help:      "Number of requests admitted by the rate limit.",
	})
	rejectedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_rejects_total",
		Help:      "Number of rejected requests due to rate limit exceeded.",
	}, []string{metricsLabelDryRun})
	return &PrometheusMetrics{AdmittedTotal: admittedTotal, RejectedTotal: rejectedTotal}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.AdmittedTotal, pm.RejectedTotal)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.RejectedTotal)
	prometheus.Unregister(pm.AdmittedTotal)
}

// IncAdmitted implements the MetricsCollector interface.
func (pm *PrometheusMetrics) IncAdmitted() {
	pm.AdmittedTotal.Inc()
}

// IncRejected implements the MetricsCollector interface.
func (pm *PrometheusMetrics) IncRejected(dryRun bool) {
	dryRunVal := metricsValNo
	if dryRun {
		dryRunVal = metricsValYes
	}
	pm.RejectedTotal.With(prometheus.Labels{metricsLabelDryRun: dryRunVal}).Inc()
}

type disabledMetrics struct{}

func (disabledMetrics) IncAdmitted()       {}
func (disabledMetrics) IncRejected(_ bool) {}
