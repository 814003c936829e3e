package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics counts runs, transitions and service executions in a private
// Prometheus registry. A disabled Metrics accepts every call and records
// nothing.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	transitions *prometheus.CounterVec

	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	executionFailures *prometheus.CounterVec
	runnableServices  prometheus.Gauge
	startedServices   prometheus.Gauge
}

// NewMetrics registers the bapflow metrics under cfg.Namespace.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	ns := cfg.Namespace

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: name, Help: help, Buckets: buckets}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help})
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		runsStarted:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "runs_started_total", Help: "Workflow runs started."}),
		runsCompleted: counter("runs_completed_total", "Workflow runs finished, by final status.", "status"),
		runDuration:   histogram("run_duration_seconds", "Wall-clock duration of workflow runs.", "status"),
		activeRuns:    gauge("active_runs", "Workflow runs in progress."),

		transitions: counter("entity_transitions_total", "Entity state transitions, by entity kind and target state.", "kind", "state"),

		executions:        counter("service_executions_total", "Finished service executions, by outcome.", "service", "status"),
		executionDuration: histogram("service_execution_duration_seconds", "Duration of service executions.", "service"),
		executionFailures: counter("service_execution_failures_total", "Failed service executions, by failure class.", "service", "class"),
		runnableServices:  gauge("runnable_services", "Services waiting for a worker."),
		startedServices:   gauge("started_services", "Services whose job is running."),
	}

	m.registry.MustRegister(
		m.runsStarted, m.runsCompleted, m.runDuration, m.activeRuns,
		m.transitions,
		m.executions, m.executionDuration, m.executionFailures,
		m.runnableServices, m.startedServices,
	)
	return m, nil
}

func (m *Metrics) enabled() bool { return m.registry != nil }

// RecordRunStarted counts a started run.
func (m *Metrics) RecordRunStarted() {
	if !m.enabled() {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted counts a finished run.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordTransition counts an entity of kind entering state.
func (m *Metrics) RecordTransition(kind, state string) {
	if !m.enabled() {
		return
	}
	m.transitions.WithLabelValues(kind, state).Inc()
}

// RecordExecution counts a finished service execution.
func (m *Metrics) RecordExecution(service, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.executions.WithLabelValues(service, status).Inc()
	m.executionDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordExecutionFailure counts a failed execution by class ("input", "job"
// or "cancelled").
func (m *Metrics) RecordExecutionFailure(service, class string) {
	if !m.enabled() {
		return
	}
	m.executionFailures.WithLabelValues(service, class).Inc()
}

// SetServiceCounts sets the runnable and started gauges.
func (m *Metrics) SetServiceCounts(runnable, started int) {
	if !m.enabled() {
		return
	}
	m.runnableServices.Set(float64(runnable))
	m.startedServices.Set(float64(started))
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// StartMetricsServer serves the registry over HTTP until ctx is done. It does
// nothing without a listen address.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	return nil
}
