// Package telemetry provides observability instrumentation for bapflow.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into one
// Telemetry value that travels with the context.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// Loggers travel with the context and pick up fields on the way down. Code
// that has no telemetry in its context logs through the global zerolog logger.
//
//	logger := telemetry.FromContext(ctx).NewComponentLogger("executor")
//	logger.WithEntity(id).WithError(err).Warn("service failed")
//
// # Runs and Services
//
// A workflow run and each service execution inside it get a span, a logger
// carrying their identifiers, metrics and events:
//
//	ctx = telemetry.WithRunContext(ctx, runID, targets, params, excluded)
//	defer telemetry.EndRunContext(ctx, runID, status, err)
//
//	sctx := telemetry.WithServiceContext(ctx, runID, "SKESA", "skesa")
//	telemetry.EndServiceContext(sctx, runID, "SKESA", "job", err)
//
// # Metrics
//
// Metrics live in a private Prometheus registry and are served by
// Metrics.StartMetricsServer when MetricsConfig.ListenAddress is set:
//
//  - bapflow_runs_started_total
//  - bapflow_runs_completed_total{status}
//  - bapflow_run_duration_seconds{status}
//  - bapflow_entity_transitions_total{kind,state}
//  - bapflow_service_executions_total{service,status}
//  - bapflow_service_execution_duration_seconds{service}
//  - bapflow_service_execution_failures_total{service,class}
//  - bapflow_runnable_services, bapflow_started_services
//
// # Events
//
// Subscribers receive events in publish order, whether delivery is
// synchronous or buffered:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    journal.Append(e)
//	}, telemetry.FilterByType(telemetry.EventTypeTransition))
//
// # Exporters
//
//  - "stdout": print traces to stdout
//  - "otlp": export via OTLP/gRPC
//  - "none": generate traces but don't export
package telemetry
