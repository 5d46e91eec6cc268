package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for instanced. The zero value and a
// disabled configuration are both valid no-op collectors.
type Metrics struct {
	config MetricsConfig

	// Lifecycle metrics
	statusTransitions *prometheus.CounterVec

	// Provisioning metrics
	provisioningRuns     *prometheus.CounterVec
	provisioningDuration *prometheus.HistogramVec
	pollAttempts         prometheus.Histogram
	queueDepth           prometheus.Gauge

	// Target metrics
	propagations       *prometheus.CounterVec
	propagationLatency *prometheus.HistogramVec
	probes             *prometheus.CounterVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Reconciliation metrics
	reconcileRuns     prometheus.Counter
	reconcileChanges  *prometheus.CounterVec
	reconcileDuration prometheus.Histogram

	// Broadcast metrics
	broadcastDeliveries *prometheus.CounterVec
	subscribers         prometheus.Gauge

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		statusTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instance_status_transitions_total",
				Help:      "Total number of instance lifecycle transitions",
			},
			[]string{"kind", "from", "to"},
		),

		provisioningRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisioning_runs_total",
				Help:      "Total number of provisioning workflows by outcome",
			},
			[]string{"outcome"},
		),
		provisioningDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provisioning_duration_seconds",
				Help:      "Duration of provisioning workflows in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		pollAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provisioning_poll_attempts",
				Help:      "Number of readiness polls per provisioning workflow",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 30},
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provisioning_queue_depth",
				Help:      "Current number of queued provisioning jobs",
			},
		),

		propagations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_propagations_total",
				Help:      "Total number of configuration pushes by target kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		propagationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "config_propagation_duration_seconds",
				Help:      "Duration of configuration pushes in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Total number of liveness probes by target kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider calls",
			},
			[]string{"provider", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider errors",
			},
			[]string{"provider", "operation"},
		),

		reconcileRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_runs_total",
				Help:      "Total number of tenant reconciliation passes",
			},
		),
		reconcileChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_instances_total",
				Help:      "Instances handled by reconciliation by result",
			},
			[]string{"result"},
		),
		reconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Duration of tenant reconciliation passes in seconds",
				Buckets:   buckets,
			},
		),

		broadcastDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcast_deliveries_total",
				Help:      "Event deliveries to subscriber channels by result",
			},
			[]string{"result"},
		),
		subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "event_subscribers",
				Help:      "Current number of open event channels",
			},
		),

		apiRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"route", "code"},
		),
		apiDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "Duration of API requests in seconds",
				Buckets:   buckets,
			},
			[]string{"route"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error class and code",
			},
			[]string{"class", "code"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.statusTransitions,
		m.provisioningRuns,
		m.provisioningDuration,
		m.pollAttempts,
		m.queueDepth,
		m.propagations,
		m.propagationLatency,
		m.probes,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.reconcileRuns,
		m.reconcileChanges,
		m.reconcileDuration,
		m.broadcastDeliveries,
		m.subscribers,
		m.apiRequests,
		m.apiDuration,
		m.errorsByCode,
	)

	return m, nil
}

// RecordStatusTransition records a lifecycle transition.
func (m *Metrics) RecordStatusTransition(kind, from, to string) {
	if m == nil || m.statusTransitions == nil || from == to {
		return
	}
	m.statusTransitions.WithLabelValues(kind, from, to).Inc()
}

// RecordProvisioning records the outcome of a provisioning workflow.
func (m *Metrics) RecordProvisioning(outcome string, attempts int, duration time.Duration) {
	if m == nil || m.provisioningRuns == nil {
		return
	}
	m.provisioningRuns.WithLabelValues(outcome).Inc()
	m.provisioningDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if attempts > 0 {
		m.pollAttempts.Observe(float64(attempts))
	}
}

// SetQueueDepth sets the number of queued provisioning jobs.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// RecordPropagation records a configuration push.
func (m *Metrics) RecordPropagation(kind, outcome string, duration time.Duration) {
	if m == nil || m.propagations == nil {
		return
	}
	m.propagations.WithLabelValues(kind, outcome).Inc()
	m.propagationLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordProbe records a liveness probe.
func (m *Metrics) RecordProbe(kind, outcome string) {
	if m == nil || m.probes == nil {
		return
	}
	m.probes.WithLabelValues(kind, outcome).Inc()
}

// RecordProviderCall records a provider call with its duration.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration, err error) {
	if m == nil || m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
	if err != nil {
		m.providerErrors.WithLabelValues(provider, operation).Inc()
	}
}

// RecordReconcile records one tenant reconciliation pass.
func (m *Metrics) RecordReconcile(checked, updated, removed, errors int, duration time.Duration) {
	if m == nil || m.reconcileRuns == nil {
		return
	}
	m.reconcileRuns.Inc()
	m.reconcileChanges.WithLabelValues("checked").Add(float64(checked))
	m.reconcileChanges.WithLabelValues("updated").Add(float64(updated))
	m.reconcileChanges.WithLabelValues("removed").Add(float64(removed))
	m.reconcileChanges.WithLabelValues("error").Add(float64(errors))
	m.reconcileDuration.Observe(duration.Seconds())
}

// RecordBroadcast records deliveries of one broadcast.
func (m *Metrics) RecordBroadcast(delivered, failed int) {
	if m == nil || m.broadcastDeliveries == nil {
		return
	}
	m.broadcastDeliveries.WithLabelValues("delivered").Add(float64(delivered))
	m.broadcastDeliveries.WithLabelValues("failed").Add(float64(failed))
}

// AddSubscribers adjusts the open channel gauge by delta.
func (m *Metrics) AddSubscribers(delta int) {
	if m == nil || m.subscribers == nil {
		return
	}
	m.subscribers.Add(float64(delta))
}

// RecordAPIRequest records an API request.
func (m *Metrics) RecordAPIRequest(route string, code int, duration time.Duration) {
	if m == nil || m.apiRequests == nil {
		return
	}
	m.apiRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.apiDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordError records an error by class and code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByCode == nil {
		return
	}
	m.errorsByCode.WithLabelValues(errorClass, errorCode).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Path returns the configured metrics path.
func (m *Metrics) Path() string {
	if m == nil || m.config.Path == "" {
		return "/metrics"
	}
	return m.config.Path
}
