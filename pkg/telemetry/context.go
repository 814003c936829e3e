package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of one
// bapflow process. It travels with the context so the executor can reach it
// without being configured for it.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry validates cfg and builds every component.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext returns a copy of ctx carrying t and its logger.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext returns the telemetry carried by ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown delivers pending events and flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
}

// StartMetricsServer serves metrics until ctx is done, if configured to.
func (t *Telemetry) StartMetricsServer(ctx context.Context) error {
	return t.Metrics.StartMetricsServer(ctx)
}

// scope is what a run or service context remembers until it ends.
type scope struct {
	span  trace.Span
	start time.Time
}

type runScopeKey struct{}

type serviceScopeKey struct{}

// WithRunContext opens a run: a run span, a logger carrying the run ID, the
// started-run metric and event. Without telemetry in ctx it only attaches the
// run ID to the context's logger.
func WithRunContext(ctx context.Context, runID string, targets, params, excluded []string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return FromContext(ctx).WithRunID(runID).WithContext(ctx)
	}

	ctx, span := tel.Tracer.StartRunSpan(ctx, runID, targets)
	ctx = tel.Logger.WithRunID(runID).WithContext(ctx)

	tel.Metrics.RecordRunStarted()
	_ = tel.Events.PublishRunStarted(runID, targets, params, excluded)

	return context.WithValue(ctx, runScopeKey{}, scope{span: span, start: time.Now()})
}

// EndRunContext closes the run opened by WithRunContext.
func EndRunContext(ctx context.Context, runID, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	var duration time.Duration
	if s, ok := ctx.Value(runScopeKey{}).(scope); ok {
		s.span.SetAttributes(AttrRunStatus.String(status))
		endSpan(s.span, err)
		duration = time.Since(s.start)
	}

	tel.Metrics.RecordRunCompleted(status, duration)
	_ = tel.Events.PublishRunCompleted(runID, status, duration)
}

// WithServiceContext opens one service execution inside a run.
func WithServiceContext(ctx context.Context, runID, service, ident string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return FromContext(ctx).WithService(service, ident).WithContext(ctx)
	}

	ctx, span := tel.Tracer.StartServiceSpan(ctx, runID, service)
	ctx = FromContext(ctx).WithService(service, ident).WithContext(ctx)

	_ = tel.Events.PublishExecutionStarted(runID, service, ident)

	return context.WithValue(ctx, serviceScopeKey{}, scope{span: span, start: time.Now()})
}

// EndServiceContext closes a service execution. A non-nil err marks it failed
// under class ("input", "job" or "cancelled").
func EndServiceContext(ctx context.Context, runID, service, class string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	var duration time.Duration
	if s, ok := ctx.Value(serviceScopeKey{}).(scope); ok {
		endSpan(s.span, err)
		duration = time.Since(s.start)
	}

	if err != nil {
		tel.Metrics.RecordExecution(service, "failed", duration)
		tel.Metrics.RecordExecutionFailure(service, class)
		_ = tel.Events.PublishExecutionFailed(runID, service, err.Error())
		return
	}
	tel.Metrics.RecordExecution(service, "completed", duration)
	_ = tel.Events.PublishExecutionCompleted(runID, service, duration)
}
