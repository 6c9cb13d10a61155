package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/owulveryck/cauldron/internal/broker"
	"github.com/owulveryck/cauldron/internal/message"
	"github.com/owulveryck/cauldron/internal/observability"
	"github.com/owulveryck/cauldron/internal/registry"
	"github.com/owulveryck/cauldron/internal/store"
	"github.com/owulveryck/cauldron/internal/task"
)

const (
	DefaultDedupSize = 10000
	DefaultSystemID  = "cauldron-orchestrator"
	// SystemLevel is the sender level stamped on envelopes the service emits.
	SystemLevel = "system"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Options configures a Service. Broker is required; every other field has a
// usable zero value.
type Options struct {
	Broker broker.Broker
	// Store receives every task and HITL change. Reads fall back to it on
	// registry misses. Wrap slow stores in store.Mirror.
	Store   store.Store
	Logger  *slog.Logger
	Metrics *observability.MetricsManager
	Tracer  *observability.TraceManager
	// DedupSize bounds the set of recently handled message ids.
	DedupSize int
	// HITLSweepInterval enables expiry of pending HITL requests when > 0.
	HITLSweepInterval time.Duration
	SystemID          string
}

type subscriptionRef struct {
	topic string
	id    broker.SubscriptionID
}

// Service is the agent orchestration service. It owns the task and HITL
// registries and applies every change through broker handlers, so API calls
// and agent messages share one code path.
type Service struct {
	broker   broker.Broker
	store    store.Store
	logger   *slog.Logger
	metrics  *observability.MetricsManager
	tracer   *observability.TraceManager
	systemID string

	tasks *registry.Registry[*task.Task]
	hitl  *registry.Registry[*task.HITLRequest]
	seen  *lru.Cache[string, struct{}]

	// persistMu orders registry reads with store writes so the last write
	// for a key always carries its latest state.
	persistMu sync.Mutex

	subs      []subscriptionRef
	stopSweep context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds the service and subscribes it to the agent topics.
func New(ctx context.Context, opts Options) (*Service, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("%w: broker is required", ErrInvalidArgument)
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = DefaultDedupSize
	}
	if opts.SystemID == "" {
		opts.SystemID = DefaultSystemID
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		mm, err := observability.NewMetricsManager(noop.NewMeterProvider().Meter(opts.SystemID))
		if err != nil {
			return nil, err
		}
		metrics = mm
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = observability.NewTraceManager(opts.SystemID)
	}

	seen, err := lru.New[string, struct{}](opts.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}

	s := &Service{
		broker:   opts.Broker,
		store:    opts.Store,
		logger:   logger.With("component", "orchestrator"),
		metrics:  metrics,
		tracer:   tracer,
		systemID: opts.SystemID,
		tasks:    registry.New((*task.Task).Clone),
		hitl:     registry.New((*task.HITLRequest).Clone),
		seen:     seen,
	}

	for _, topic := range []string{
		message.TopicStatusUpdate,
		message.TopicResult,
		message.TopicError,
		message.TopicHITLRequest,
		message.TopicHITLResponse,
	} {
		id, err := s.broker.Subscribe(ctx, topic, s.handle)
		if err != nil {
			s.unsubscribe()
			return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		s.subs = append(s.subs, subscriptionRef{topic: topic, id: id})
	}

	if opts.HITLSweepInterval > 0 {
		sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.stopSweep = cancel
		s.wg.Add(1)
		go s.sweepHITL(sweepCtx, opts.HITLSweepInterval)
	}

	s.logger.InfoContext(ctx, "Orchestrator started",
		"system_id", s.systemID,
		"broker", string(s.broker.Kind()),
		"hitl_sweep_interval", opts.HITLSweepInterval.String(),
	)
	return s, nil
}

// BrokerKind reports the live broker backend.
func (s *Service) BrokerKind() broker.Kind {
	return s.broker.Kind()
}

// Close detaches the service from the broker, stops the HITL sweep and
// flushes pending store writes. The broker and store stay open.
func (s *Service) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.unsubscribe()
		if s.stopSweep != nil {
			s.stopSweep()
		}
		s.wg.Wait()
		if f, ok := s.store.(interface{ Flush(context.Context) error }); ok {
			err = f.Flush(ctx)
		}
		s.logger.InfoContext(ctx, "Orchestrator stopped")
	})
	return err
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		s.broker.Unsubscribe(sub.topic, sub.id)
	}
	s.subs = nil
}

func (s *Service) system() message.Party {
	return message.Party{ID: s.systemID, Level: SystemLevel}
}

// publishOrApply sends env through the broker. When the broker refuses it the
// change is applied in-process so API calls never get lost.
func (s *Service) publishOrApply(ctx context.Context, topic string, env *message.Envelope) {
	if err := s.broker.Publish(ctx, topic, env); err != nil {
		s.logger.WarnContext(ctx, "Publish failed, applying change locally",
			"topic", topic,
			"message_id", env.ID,
			"task_id", env.TaskID(),
			"error", err,
		)
		s.handle(ctx, env)
	}
}

// publish sends an outbound notification. Failures are logged only.
func (s *Service) publish(ctx context.Context, topic string, env *message.Envelope) {
	if err := s.broker.Publish(ctx, topic, env); err != nil {
		s.metrics.IncrementHandlerErrors(ctx, string(env.Kind), "publish_error")
		s.logger.ErrorContext(ctx, "Failed to publish message",
			"topic", topic,
			"message_id", env.ID,
			"message_type", string(env.Kind),
			"task_id", env.TaskID(),
			"error", err,
		)
	}
}

// persistTask writes the current registry state of id to the store.
func (s *Service) persistTask(ctx context.Context, id string) {
	if s.store == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	t, ok := s.tasks.Get(id)
	if !ok {
		return
	}
	if err := s.store.SaveTask(ctx, t); err != nil {
		s.metrics.IncrementStoreErrors(ctx, "save_task")
		s.logger.ErrorContext(ctx, "Failed to persist task", "task_id", id, "error", err)
	}
}

func (s *Service) persistHITL(ctx context.Context, id string) {
	if s.store == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	r, ok := s.hitl.Get(id)
	if !ok {
		return
	}
	if err := s.store.SaveHITLRequest(ctx, r); err != nil {
		s.metrics.IncrementStoreErrors(ctx, "save_hitl_request")
		s.logger.ErrorContext(ctx, "Failed to persist HITL request", "request_id", id, "error", err)
	}
}

// loadTask returns the task from the registry, or from the store on a miss.
// A task found in the store is put back in the registry.
func (s *Service) loadTask(ctx context.Context, id string) (*task.Task, error) {
	if t, ok := s.tasks.Get(id); ok {
		return t, nil
	}
	if s.store != nil {
		t, err := s.store.GetTask(ctx, id)
		switch {
		case err == nil:
			s.tasks.PutIfAbsent(id, t)
			if cur, ok := s.tasks.Get(id); ok {
				return cur, nil
			}
			return t, nil
		case !errors.Is(err, store.ErrNotFound):
			s.logger.ErrorContext(ctx, "Store lookup failed", "task_id", id, "error", err)
		}
	}
	return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
}

func (s *Service) loadHITL(ctx context.Context, id string) (*task.HITLRequest, error) {
	if r, ok := s.hitl.Get(id); ok {
		return r, nil
	}
	if s.store != nil {
		r, err := s.store.GetHITLRequest(ctx, id)
		switch {
		case err == nil:
			s.hitl.PutIfAbsent(id, r)
			if cur, ok := s.hitl.Get(id); ok {
				return cur, nil
			}
			return r, nil
		case !errors.Is(err, store.ErrNotFound):
			s.logger.ErrorContext(ctx, "Store lookup failed", "request_id", id, "error", err)
		}
	}
	return nil, fmt.Errorf("hitl request %s: %w", id, ErrNotFound)
}

// updateTask runs fn under the task's lock, loading it from the store first
// when the registry misses.
func (s *Service) updateTask(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error) {
	t, err := s.tasks.Update(id, fn)
	if !errors.Is(err, registry.ErrNotFound) {
		return t, err
	}
	if _, err := s.loadTask(ctx, id); err != nil {
		return nil, err
	}
	t, err = s.tasks.Update(id, fn)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// openSubtasks lists the subtasks of t that are neither COMPLETED nor FAILED.
// Unknown subtasks count as open. Callers may hold t's lock.
func (s *Service) openSubtasks(t *task.Task) []string {
	var open []string
	for _, id := range t.SubtaskIDs {
		st, ok := s.tasks.Get(id)
		if !ok || !st.Status.IsTerminal() {
			open = append(open, id)
		}
	}
	return open
}
