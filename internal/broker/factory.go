package broker

import (
	"context"
	"time"
)

// Config selects and parameterizes a backend.
type Config struct {
	Kind        Kind
	GRPCAddr    string
	PostgresDSN string
	// ConsumerGroup names this process on the hub and on Postgres.
	ConsumerGroup string
	DialTimeout   time.Duration
	PollInterval  time.Duration
}

// New builds the configured backend. When it cannot be initialized the
// failure is logged and counted, and an in-process broker is returned
// instead; callers inspect Kind to learn which backend is live.
func New(ctx context.Context, cfg Config, opts Options) Broker {
	in := newInstruments(opts, cfg.Kind)

	var (
		b   Broker
		err error
	)
	switch cfg.Kind {
	case "", KindMemory:
		return NewMemory(opts)
	case KindGRPC:
		b, err = NewGRPC(ctx, GRPCOptions{
			Addr:        cfg.GRPCAddr,
			Subscriber:  cfg.ConsumerGroup,
			DialTimeout: cfg.DialTimeout,
		}, opts)
	case KindPostgres:
		b, err = NewPostgres(ctx, PostgresOptions{
			DSN:             cfg.PostgresDSN,
			ApplicationName: cfg.ConsumerGroup,
			ConsumerGroup:   cfg.ConsumerGroup,
			PollInterval:    cfg.PollInterval,
			DialTimeout:     cfg.DialTimeout,
		}, opts)
	default:
		in.logger.WarnContext(ctx, "Unknown broker kind, using in-process broker", "requested", string(cfg.Kind))
		return fallback(ctx, in, cfg.Kind, opts)
	}
	if err != nil {
		in.logger.WarnContext(ctx, "Broker unavailable, using in-process broker",
			"requested", string(cfg.Kind),
			"error", err,
		)
		return fallback(ctx, in, cfg.Kind, opts)
	}
	in.logger.InfoContext(ctx, "Broker connected", "kind", string(b.Kind()))
	return b
}

func fallback(ctx context.Context, in instruments, requested Kind, opts Options) Broker {
	if in.metrics != nil {
		in.metrics.IncrementBrokerFallbacks(ctx, string(requested))
	}
	return NewMemory(opts)
}
