package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus collectors. It satisfies
// service.Recorder and the provider and HTTP observers.
type Metrics struct {
	// Transaction metrics
	TransactionsTotal     *prometheus.CounterVec
	UnknownProviderStatus *prometheus.CounterVec

	// Provider metrics
	ProviderRequestsTotal   *prometheus.CounterVec
	ProviderRequestDuration *prometheus.HistogramVec
	CircuitBreakerState     *prometheus.GaugeVec

	// Webhook metrics
	WebhooksTotal  *prometheus.CounterVec
	WebhookRetries *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Worker metrics
	WorkerRuns         *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWith(nil, reg)

	m := &Metrics{
		TransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Transaction status changes by provider and resulting status",
			},
			[]string{"provider", "status"},
		),
		UnknownProviderStatus: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_unknown_status_total",
				Help:      "Provider status strings that were not recognised and defaulted to pending",
			},
			[]string{"provider"},
		),
		ProviderRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_requests_total",
				Help:      "Total number of provider API calls",
			},
			[]string{"provider", "operation", "result"},
		),
		ProviderRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Provider API call duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider", "operation"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		WebhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_total",
				Help:      "Inbound webhooks by provider and final log status",
			},
			[]string{"provider", "status"},
		),
		WebhookRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_retries_total",
				Help:      "Webhook replays by provider and outcome",
			},
			[]string{"provider", "result"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		WorkerRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_runs_total",
				Help:      "Background job runs by job and status",
			},
			[]string{"job", "status"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Merchant callback deliveries by event type and result",
			},
			[]string{"event_type", "result"},
		),
	}

	// Register all collectors
	factory.MustRegister(
		m.TransactionsTotal,
		m.UnknownProviderStatus,
		m.ProviderRequestsTotal,
		m.ProviderRequestDuration,
		m.CircuitBreakerState,
		m.WebhooksTotal,
		m.WebhookRetries,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WorkerRuns,
		m.NotificationsTotal,
	)

	return m
}

// ObserveProviderCall records one guarded provider call.
func (m *Metrics) ObserveProviderCall(provider, operation, result string, d time.Duration) {
	m.ProviderRequestsTotal.WithLabelValues(provider, operation, result).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
}

func (m *Metrics) SetCircuitState(provider string, state int) {
	m.CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

func (m *Metrics) TransactionStatus(provider, status string) {
	m.TransactionsTotal.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) UnknownStatus(provider string) {
	m.UnknownProviderStatus.WithLabelValues(provider).Inc()
}

func (m *Metrics) Webhook(provider, status string) {
	m.WebhooksTotal.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) WebhookRetry(provider, result string) {
	m.WebhookRetries.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) WorkerRun(job, status string) {
	m.WorkerRuns.WithLabelValues(job, status).Inc()
}

func (m *Metrics) Notification(eventType, result string) {
	m.NotificationsTotal.WithLabelValues(eventType, result).Inc()
}
