package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type TraceManager struct {
	tracer trace.Tracer
}

func NewTraceManager(serviceName string) *TraceManager {
	return &TraceManager{
		tracer: otel.Tracer(serviceName),
	}
}

func (tm *TraceManager) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, operationName, trace.WithAttributes(attrs...))
}

func (tm *TraceManager) InjectTraceContext(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

func (tm *TraceManager) ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

func (tm *TraceManager) StartPublishSpan(ctx context.Context, system, topic, messageType string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "publish_message", trace.WithSpanKind(trace.SpanKindProducer), trace.WithAttributes(
		attribute.String("messaging.system", system),
		attribute.String("messaging.destination", topic),
		attribute.String("messaging.operation", "publish"),
		attribute.String("message.type", messageType),
	))
}

func (tm *TraceManager) StartConsumeSpan(ctx context.Context, system, topic, messageType string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "consume_message", trace.WithSpanKind(trace.SpanKindConsumer), trace.WithAttributes(
		attribute.String("messaging.system", system),
		attribute.String("messaging.source", topic),
		attribute.String("messaging.operation", "receive"),
		attribute.String("message.type", messageType),
	))
}

// StartHandleSpan covers one orchestrator handler invocation.
func (tm *TraceManager) StartHandleSpan(ctx context.Context, messageID, messageType, taskID string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "handle_"+messageType, trace.WithAttributes(
		attribute.String("message.id", messageID),
		attribute.String("message.type", messageType),
		attribute.String("task.id", taskID),
	))
}

func (tm *TraceManager) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (tm *TraceManager) SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddTaskAttributes adds task identity and input parameters to a span.
func (tm *TraceManager) AddTaskAttributes(span trace.Span, taskID, taskType string, parameters map[string]any) {
	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.String("task.type", taskType),
	)
	for key, value := range parameters {
		span.SetAttributes(anyAttribute("task.param."+key, value))
	}
}

func (tm *TraceManager) AddTaskResult(span trace.Span, status string, errorMessage string) {
	span.SetAttributes(attribute.String("task.status", status))
	if errorMessage != "" {
		span.SetAttributes(attribute.String("task.error", errorMessage))
	}
}

func (tm *TraceManager) AddSpanEvent(span trace.Span, eventName string, attributes ...attribute.KeyValue) {
	span.AddEvent(eventName, trace.WithAttributes(attributes...))
}

func anyAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case float64:
		return attribute.Float64(key, v)
	case int:
		return attribute.Int(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
