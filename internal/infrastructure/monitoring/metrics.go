// Package monitoring exposes Prometheus metrics for the HTTP surface and the
// kernel session orchestrator.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsReaped  *prometheus.CounterVec

	// Execution metrics
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram

	// Kernel metrics
	KernelDeaths prometheus.Counter

	// Network policy metrics
	NetworkBlocked prometheus.Counter

	startTime time.Time
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandbox_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "path"},
		),

		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandbox_sessions_active",
				Help: "Number of live kernel sessions",
			},
		),
		SessionsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sandbox_sessions_created_total",
				Help: "Total number of kernel sessions created",
			},
		),
		SessionsReaped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_sessions_reaped_total",
				Help: "Sessions removed by the cleanup sweep",
			},
			[]string{"reason"},
		),

		ExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_executions_total",
				Help: "Total number of code executions",
			},
			[]string{"status"},
		),
		ExecutionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sandbox_execution_duration_seconds",
				Help:    "Code execution duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120},
			},
		),

		KernelDeaths: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sandbox_kernel_deaths_total",
				Help: "Kernel processes that exited unexpectedly or were force-killed",
			},
		),

		NetworkBlocked: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sandbox_network_blocked_total",
				Help: "Network operations denied by session policy",
			},
		),
	}
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordExecution records one finished execution.
func (m *Metrics) RecordExecution(status string, duration time.Duration) {
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.Observe(duration.Seconds())
}

// Uptime returns time since process start.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
