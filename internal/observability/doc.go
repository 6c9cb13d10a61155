// Package observability wires OpenTelemetry tracing and metrics, the
// structured logger and the health/metrics HTTP endpoints shared by every
// Cauldron process.
//
// # Quick Start
//
//	obs, err := observability.NewObservability(observability.DefaultConfig("cauldron"))
//	if err != nil {
//	    return err
//	}
//	defer obs.Shutdown(context.Background())
//
//	logger := obs.Logger
//	metrics := obs.Metrics
//
// NewObservability installs a global tracer provider (OTLP gRPC exporter when
// Config.OTLPEndpoint is set), a meter provider backed by the Prometheus
// exporter and a TextMap propagator for W3C trace context and baggage.
//
// # Logging
//
// ObservabilityHandler is a slog.Handler. Records are buffered and written
// as JSON lines by a background goroutine. Each record carries the service
// name plus the trace_id and span_id of the active span, and is counted in
// logs_total by level. A full buffer drops the record and increments
// logs_dropped_total instead of blocking the caller.
//
// # Tracing
//
// TraceManager opens spans around broker traffic and orchestrator handlers:
//
//	ctx, span := traces.StartPublishSpan(ctx, "memory", topic, "result")
//	defer span.End()
//
//	ctx, span = traces.StartHandleSpan(ctx, env.ID, "status_update", taskID)
//	defer span.End()
//
// # Metrics
//
// MetricsManager records:
//   - tasks_created_total, task_transitions_total, task_retries_total
//   - task_aggregations_total (outcome completed|failed|aggregation_failure)
//   - hitl_requests_total, hitl_resolutions_total
//   - handler_errors_total, duplicate_messages_total, handler_duration_seconds
//   - store_errors_total, store_dropped_total
//   - message_broker_publish_duration_seconds, message_broker_consume_duration_seconds
//   - message_broker_connection_errors_total, message_broker_fallbacks_total
//   - go_goroutines, go_memstats_alloc_bytes, process_resident_memory_bytes
//
// The runtime gauges are refreshed by MetricsTicker.
//
// # Health Checks
//
// HealthServer serves /health, /ready and /metrics on one port. /ready also
// requires SetReady(true). Checkers are evaluated in name order on every
// request:
//
//	hs := observability.NewHealthServer("8080", "cauldron", version)
//	hs.AddChecker("broker", observability.NewBasicHealthChecker("broker", pingBroker))
//	hs.AddChecker("hub", observability.NewGRPCHealthChecker("hub", "localhost:50051", ""))
//	go hs.Start(ctx)
package observability
