package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/owulveryck/cauldron/internal/broker/hub"
	"github.com/owulveryck/cauldron/internal/message"
)

// GRPC is the client of the Cauldron event hub. Each subscribed topic gets
// one server stream consumed by a dedicated goroutine; handlers run on that
// goroutine in arrival order. A broken stream is reopened after the last
// delivered sequence, so envelopes published while it was down are replayed.
type GRPC struct {
	in         instruments
	conn       *grpc.ClientConn
	client     *hub.Client
	subscriber string
	subs       *subscribers
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	streams map[string]context.CancelFunc
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type GRPCOptions struct {
	Addr string
	// Subscriber names this process on the hub.
	Subscriber  string
	DialTimeout time.Duration
	// DialOptions replace the default insecure transport, e.g. with a
	// bufconn dialer in tests.
	DialOptions []grpc.DialOption
	NewBackOff  func() backoff.BackOff
}

// NewGRPC connects to the hub and checks it serves before returning.
func NewGRPC(ctx context.Context, cfg GRPCOptions, opts Options) (*GRPC, error) {
	if cfg.Addr == "" {
		return nil, errors.New("grpc broker: empty hub address")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Subscriber == "" {
		cfg.Subscriber = "cauldron"
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}

	dialOpts := cfg.DialOptions
	if len(dialOpts) == 0 {
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	dialOpts = append(dialOpts, grpc.WithStatsHandler(otelgrpc.NewClientHandler()))

	conn, err := grpc.NewClient(cfg.Addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpc broker: connect to %s: %w", cfg.Addr, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(pingCtx,
		&healthpb.HealthCheckRequest{Service: hub.ServiceName},
		grpc.WaitForReady(true),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("grpc broker: hub %s unreachable: %w", cfg.Addr, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		conn.Close()
		return nil, fmt.Errorf("grpc broker: hub %s is %s", cfg.Addr, resp.GetStatus())
	}

	rootCtx, rootCancel := context.WithCancel(context.WithoutCancel(ctx))
	return &GRPC{
		in:         newInstruments(opts, KindGRPC),
		conn:       conn,
		client:     hub.NewClient(conn),
		subscriber: cfg.Subscriber,
		subs:       newSubscribers(),
		newBackOff: cfg.NewBackOff,
		streams:    make(map[string]context.CancelFunc),
		ctx:        rootCtx,
		cancel:     rootCancel,
	}, nil
}

func (g *GRPC) Kind() Kind { return KindGRPC }

func (g *GRPC) Publish(ctx context.Context, topic string, env *message.Envelope) (err error) {
	if topic == "" {
		return ErrEmptyTopic
	}
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return ErrClosed
	}

	ctx, done := g.in.startPublish(ctx, topic, env)
	defer func() { done(err) }()

	data, err := message.Marshal(env)
	if err != nil {
		return err
	}
	if err := g.client.Publish(ctx, topic, data); err != nil {
		g.in.connectionError(ctx, err, "Publish to hub failed", "topic", topic, "message_id", env.ID)
		return fmt.Errorf("grpc broker: publish on %s: %w", topic, err)
	}
	return nil
}

func (g *GRPC) Subscribe(_ context.Context, topic string, h Handler) (SubscriptionID, error) {
	if topic == "" {
		return 0, ErrEmptyTopic
	}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return 0, ErrClosed
	}
	id, first := g.subs.add(topic, h)
	var ready chan struct{}
	if first {
		streamCtx, cancel := context.WithCancel(g.ctx)
		g.streams[topic] = cancel
		ready = make(chan struct{})
		g.wg.Add(1)
		go g.consume(streamCtx, topic, ready)
	}
	g.mu.Unlock()

	if ready != nil {
		// Wait for the first stream attempt so a publish that follows
		// Subscribe is not missed.
		select {
		case <-ready:
		case <-time.After(5 * time.Second):
		}
	}
	return id, nil
}

func (g *GRPC) Unsubscribe(topic string, id SubscriptionID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed, last := g.subs.remove(topic, id)
	if last {
		if cancel, ok := g.streams[topic]; ok {
			cancel()
			delete(g.streams, topic)
		}
	}
	return removed
}

func (g *GRPC) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.cancel()
	g.mu.Unlock()

	g.wg.Wait()
	return g.conn.Close()
}

// consume keeps one stream open on topic until ctx is done, reconnecting
// with exponential backoff. Each reconnect resumes right after the last
// envelope handed to the handlers.
func (g *GRPC) consume(ctx context.Context, topic string, ready chan struct{}) {
	defer g.wg.Done()
	var readyOnce sync.Once
	signal := func() { readyOnce.Do(func() { close(ready) }) }
	defer signal()

	var pos hub.Resume
	b := backoff.WithContext(g.newBackOff(), ctx)
	for {
		err := g.stream(ctx, topic, &pos, signal, b)
		if ctx.Err() != nil {
			return
		}
		g.in.connectionError(ctx, err, "Hub stream broken, reconnecting",
			"topic", topic,
			"resume_after", pos.After,
		)

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (g *GRPC) stream(ctx context.Context, topic string, pos *hub.Resume, attached func(), b backoff.BackOff) error {
	stream, err := g.client.Subscribe(ctx, topic, g.subscriber, *pos, grpc.WaitForReady(true))
	if err != nil {
		return err
	}
	// The hub sends headers once the subscriber is registered.
	if _, err := stream.Header(); err != nil {
		return err
	}
	attached()
	b.Reset()
	g.in.logger.InfoContext(ctx, "Subscribed to hub topic", "topic", topic, "resume_after", pos.After)

	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return errors.New("stream closed by hub")
		}
		if err != nil {
			return err
		}
		d, err := hub.DecodeDelivery(msg)
		if err != nil {
			g.in.logger.ErrorContext(ctx, "Dropping malformed delivery", "topic", topic, "error", err)
			continue
		}
		if d.Epoch == pos.Epoch && d.Seq <= pos.After {
			continue
		}
		env, err := message.Unmarshal(d.Envelope)
		if err != nil {
			g.in.logger.ErrorContext(ctx, "Dropping undecodable envelope", "topic", topic, "seq", d.Seq, "error", err)
		} else {
			g.in.deliver(ctx, g.subs, topic, env)
		}
		*pos = d.Resume()
	}
}
