package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the kernel. A nil or disabled
// Metrics accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Operation pipeline
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	stageFailures     *prometheus.CounterVec

	// Rollouts
	rolloutsTotal    *prometheus.CounterVec
	rolloutDuration  *prometheus.HistogramVec
	groupOutcomes    *prometheus.CounterVec
	serverDispatches *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	activeRollouts   prometheus.Gauge

	// Capabilities and services
	runningServices  prometheus.Gauge
	serviceEvents    *prometheus.CounterVec
	capabilityErrors *prometheus.CounterVec

	// Errors
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with its own registry.
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

		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of operations executed by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of operation batches in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		stageFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_stage_failures_total",
				Help:      "Total number of batches rolled back, by failing stage",
			},
			[]string{"stage"},
		),

		rolloutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollouts_total",
				Help:      "Total number of rollouts by plan outcome",
			},
			[]string{"outcome"},
		),
		rolloutDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rollout_duration_seconds",
				Help:      "Duration of rollouts in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		groupOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "server_group_outcomes_total",
				Help:      "Total number of server group results by outcome",
			},
			[]string{"outcome"},
		),
		serverDispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "server_dispatches_total",
				Help:      "Total number of operation dispatches to managed servers by outcome",
			},
			[]string{"outcome"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "server_dispatch_duration_seconds",
				Help:      "Duration of dispatches to managed servers in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		activeRollouts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_rollouts",
				Help:      "Current number of rollouts in progress",
			},
		),

		runningServices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "running_services",
				Help:      "Current number of running capability services",
			},
		),
		serviceEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_lifecycle_events_total",
				Help:      "Total number of service starts and stops",
			},
			[]string{"kind"},
		),
		capabilityErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capability_errors_total",
				Help:      "Total number of capability resolution errors by code",
			},
			[]string{"code"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.operationsTotal,
		m.operationDuration,
		m.stageFailures,
		m.rolloutsTotal,
		m.rolloutDuration,
		m.groupOutcomes,
		m.serverDispatches,
		m.dispatchDuration,
		m.activeRollouts,
		m.runningServices,
		m.serviceEvents,
		m.capabilityErrors,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Operation Metrics

// RecordOperation records a completed operation batch.
func (m *Metrics) RecordOperation(kind, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.operationsTotal.WithLabelValues(kind, outcome).Inc()
	m.operationDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordStageFailure records a batch rolled back at the given stage.
func (m *Metrics) RecordStageFailure(stage string) {
	if !m.enabled() {
		return
	}
	m.stageFailures.WithLabelValues(stage).Inc()
}

// Rollout Metrics

// RecordRolloutStarted marks a rollout in progress.
func (m *Metrics) RecordRolloutStarted() {
	if !m.enabled() {
		return
	}
	m.activeRollouts.Inc()
}

// RecordRolloutCompleted records a finished rollout.
func (m *Metrics) RecordRolloutCompleted(outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.rolloutsTotal.WithLabelValues(outcome).Inc()
	m.rolloutDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.activeRollouts.Dec()
}

// RecordGroupOutcome records a terminal server-group outcome.
func (m *Metrics) RecordGroupOutcome(outcome string) {
	if !m.enabled() {
		return
	}
	m.groupOutcomes.WithLabelValues(outcome).Inc()
}

// RecordDispatch records one dispatch to a managed server.
func (m *Metrics) RecordDispatch(outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.serverDispatches.WithLabelValues(outcome).Inc()
	m.dispatchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// Service Metrics

// RecordServiceEvent records a service start or stop and adjusts the running gauge.
func (m *Metrics) RecordServiceEvent(kind string) {
	if !m.enabled() {
		return
	}
	m.serviceEvents.WithLabelValues(kind).Inc()
	switch kind {
	case "started":
		m.runningServices.Inc()
	case "stopped":
		m.runningServices.Dec()
	}
}

// RecordCapabilityError records a capability failure by code.
func (m *Metrics) RecordCapabilityError(code string) {
	if !m.enabled() {
		return
	}
	m.capabilityErrors.WithLabelValues(code).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer measures elapsed time.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint in the background. Serve
// errors are passed to onError.
func (m *Metrics) StartMetricsServer(onError func(error)) error {
	if !m.enabled() {
		return nil
	}
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && onError != nil {
			onError(err)
		}
	}()
	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
