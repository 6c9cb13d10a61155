package observability

import (
	"context"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type MetricsManager struct {
	meter metric.Meter

	// Task metrics
	tasksCreatedTotal      metric.Int64Counter
	taskTransitionsTotal   metric.Int64Counter
	taskRetriesTotal       metric.Int64Counter
	aggregationsTotal      metric.Int64Counter
	hitlRequestsTotal      metric.Int64Counter
	hitlResolutionsTotal   metric.Int64Counter
	handlerErrorsTotal     metric.Int64Counter
	duplicateMessagesTotal metric.Int64Counter
	handlerDuration        metric.Float64Histogram

	// Store metrics
	storeErrorsTotal  metric.Int64Counter
	storeDroppedTotal metric.Int64Counter

	// System metrics
	processResidentMemoryBytes metric.Int64Gauge
	goGoroutines               metric.Int64Gauge
	goMemstatsAllocBytes       metric.Int64Gauge

	// Message broker metrics
	messageBrokerPublishDuration  metric.Float64Histogram
	messageBrokerConsumeDuration  metric.Float64Histogram
	messageBrokerConnectionErrors metric.Int64Counter
	messageBrokerFallbacksTotal   metric.Int64Counter
}

func NewMetricsManager(meter metric.Meter) (*MetricsManager, error) {
	mm := &MetricsManager{meter: meter}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&mm.tasksCreatedTotal, "tasks_created_total", "Total number of tasks created"},
		{&mm.taskTransitionsTotal, "task_transitions_total", "Total number of task status transitions"},
		{&mm.taskRetriesTotal, "task_retries_total", "Total number of task retries scheduled"},
		{&mm.aggregationsTotal, "task_aggregations_total", "Total number of parent task aggregations"},
		{&mm.hitlRequestsTotal, "hitl_requests_total", "Total number of human-in-the-loop requests"},
		{&mm.hitlResolutionsTotal, "hitl_resolutions_total", "Total number of resolved human-in-the-loop requests"},
		{&mm.handlerErrorsTotal, "handler_errors_total", "Total number of message handler failures"},
		{&mm.duplicateMessagesTotal, "duplicate_messages_total", "Total number of redelivered messages dropped"},
		{&mm.storeErrorsTotal, "store_errors_total", "Total number of persistence store write errors"},
		{&mm.storeDroppedTotal, "store_dropped_total", "Total number of store writes dropped on a full queue"},
		{&mm.messageBrokerConnectionErrors, "message_broker_connection_errors_total", "Total number of message broker connection errors"},
		{&mm.messageBrokerFallbacksTotal, "message_broker_fallbacks_total", "Total number of broker downgrades to the in-process backend"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&mm.handlerDuration, "handler_duration_seconds", "Message handler duration in seconds"},
		{&mm.messageBrokerPublishDuration, "message_broker_publish_duration_seconds", "Message broker publish duration in seconds"},
		{&mm.messageBrokerConsumeDuration, "message_broker_consume_duration_seconds", "Message broker consume duration in seconds"},
	}
	for _, h := range histograms {
		histogram, err := meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s"))
		if err != nil {
			return nil, err
		}
		*h.dst = histogram
	}

	var err error

	// System metrics
	mm.processResidentMemoryBytes, err = meter.Int64Gauge(
		"process_resident_memory_bytes",
		metric.WithDescription("Resident memory size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	mm.goGoroutines, err = meter.Int64Gauge(
		"go_goroutines",
		metric.WithDescription("Number of goroutines that currently exist"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.goMemstatsAllocBytes, err = meter.Int64Gauge(
		"go_memstats_alloc_bytes",
		metric.WithDescription("Number of bytes allocated and still in use"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return mm, nil
}

// Task metrics methods
func (mm *MetricsManager) IncrementTasksCreated(ctx context.Context, taskType string, subtask bool) {
	mm.tasksCreatedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.Bool("subtask", subtask),
	))
}

func (mm *MetricsManager) IncrementTaskTransitions(ctx context.Context, from, to string) {
	mm.taskTransitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (mm *MetricsManager) IncrementTaskRetries(ctx context.Context, taskType string) {
	mm.taskRetriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task_type", taskType),
	))
}

func (mm *MetricsManager) IncrementAggregations(ctx context.Context, outcome string) {
	mm.aggregationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

func (mm *MetricsManager) IncrementHITLRequests(ctx context.Context, requestType string) {
	mm.hitlRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("request_type", requestType),
	))
}

func (mm *MetricsManager) IncrementHITLResolutions(ctx context.Context, status string) {
	mm.hitlResolutionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

func (mm *MetricsManager) IncrementHandlerErrors(ctx context.Context, messageType, errorType string) {
	mm.handlerErrorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("message_type", messageType),
		attribute.String("error", errorType),
	))
}

func (mm *MetricsManager) IncrementDuplicateMessages(ctx context.Context, messageType string) {
	mm.duplicateMessagesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("message_type", messageType),
	))
}

func (mm *MetricsManager) RecordHandlerDuration(ctx context.Context, messageType string, duration time.Duration) {
	mm.handlerDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("message_type", messageType),
	))
}

// Store metrics methods
func (mm *MetricsManager) IncrementStoreErrors(ctx context.Context, op string) {
	mm.storeErrorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
	))
}

func (mm *MetricsManager) IncrementStoreDropped(ctx context.Context, op string) {
	mm.storeDroppedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
	))
}

// System metrics methods
func (mm *MetricsManager) UpdateSystemMetrics(ctx context.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mm.goGoroutines.Record(ctx, int64(runtime.NumGoroutine()))
	mm.goMemstatsAllocBytes.Record(ctx, int64(m.Alloc))
	mm.processResidentMemoryBytes.Record(ctx, int64(m.Sys))
}

// Message broker metrics methods
func (mm *MetricsManager) RecordBrokerPublishDuration(ctx context.Context, topic string, duration time.Duration) {
	mm.messageBrokerPublishDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("topic", topic),
	))
}

func (mm *MetricsManager) RecordBrokerConsumeDuration(ctx context.Context, topic string, duration time.Duration) {
	mm.messageBrokerConsumeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("topic", topic),
	))
}

func (mm *MetricsManager) IncrementBrokerConnectionErrors(ctx context.Context, backend string) {
	mm.messageBrokerConnectionErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
	))
}

func (mm *MetricsManager) IncrementBrokerFallbacks(ctx context.Context, requested string) {
	mm.messageBrokerFallbacksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("requested", requested),
	))
}

// StartTimer returns a func that records the elapsed handler time.
func (mm *MetricsManager) StartTimer() func(ctx context.Context, messageType string) {
	start := time.Now()
	return func(ctx context.Context, messageType string) {
		mm.RecordHandlerDuration(ctx, messageType, time.Since(start))
	}
}
