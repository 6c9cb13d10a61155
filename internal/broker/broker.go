package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/owulveryck/cauldron/internal/message"
	"github.com/owulveryck/cauldron/internal/observability"
)

// Kind names a broker backend.
type Kind string

const (
	KindMemory   Kind = "memory"
	KindGRPC     Kind = "grpc"
	KindPostgres Kind = "postgres"
)

var (
	// ErrClosed is returned by Publish and Subscribe after Close.
	ErrClosed = errors.New("broker: closed")
	// ErrEmptyTopic is returned for an empty topic name.
	ErrEmptyTopic = errors.New("broker: empty topic")
)

// Handler consumes one envelope. A returned error is logged and counted by
// the broker; it never stops delivery to other handlers.
type Handler func(ctx context.Context, env *message.Envelope) error

// SubscriptionID identifies one Subscribe call.
type SubscriptionID uint64

// Broker is a topic-based publish/subscribe transport. Messages on one topic
// are delivered to each handler in publish order.
type Broker interface {
	Publish(ctx context.Context, topic string, env *message.Envelope) error
	Subscribe(ctx context.Context, topic string, h Handler) (SubscriptionID, error)
	// Unsubscribe reports whether a subscription was removed.
	Unsubscribe(topic string, id SubscriptionID) bool
	Close() error
	Kind() Kind
}

// Options carries the ambient dependencies shared by every backend. Nil
// fields are allowed.
type Options struct {
	Logger  *slog.Logger
	Metrics *observability.MetricsManager
	Traces  *observability.TraceManager
}

type instruments struct {
	logger  *slog.Logger
	metrics *observability.MetricsManager
	traces  *observability.TraceManager
	system  string
}

func newInstruments(opts Options, kind Kind) instruments {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return instruments{
		logger:  logger.With("broker", string(kind)),
		metrics: opts.Metrics,
		traces:  opts.Traces,
		system:  string(kind),
	}
}

func (in instruments) startPublish(ctx context.Context, topic string, env *message.Envelope) (context.Context, func(error)) {
	start := time.Now()
	var span trace.Span
	if in.traces != nil {
		ctx, span = in.traces.StartPublishSpan(ctx, in.system, topic, string(env.Kind))
	}
	return ctx, func(err error) {
		if in.metrics != nil {
			in.metrics.RecordBrokerPublishDuration(ctx, topic, time.Since(start))
		}
		if span == nil {
			return
		}
		if err != nil {
			in.traces.RecordError(span, err)
		} else {
			in.traces.SetSpanSuccess(span)
		}
		span.End()
	}
}

func (in instruments) connectionError(ctx context.Context, err error, msg string, args ...any) {
	if in.metrics != nil {
		in.metrics.IncrementBrokerConnectionErrors(ctx, in.system)
	}
	in.logger.ErrorContext(ctx, msg, append(args, "error", err)...)
}
