package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/owulveryck/cauldron/internal/observability"
	"github.com/owulveryck/cauldron/internal/task"
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("store: mirror closed")

const defaultQueueSize = 1024

type opKind int

const (
	opSaveTask opKind = iota
	opDeleteTask
	opSaveHITL
	opBarrier
)

func (k opKind) String() string {
	switch k {
	case opSaveTask:
		return "save_task"
	case opDeleteTask:
		return "delete_task"
	case opSaveHITL:
		return "save_hitl_request"
	default:
		return "barrier"
	}
}

type op struct {
	kind opKind
	task *task.Task
	hitl *task.HITLRequest
	id   string
	done chan struct{}
}

type MirrorOptions struct {
	QueueSize int
	// WriteTimeout bounds each store call. Zero means 10s.
	WriteTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *observability.MetricsManager
}

// Mirror is a write-behind Store. Writes are queued and applied in FIFO order
// by a single worker; they never block and never fail. A full queue drops the
// write. Reads go straight to the wrapped store.
type Mirror struct {
	inner   Store
	queue   chan op
	opts    MirrorOptions
	logger  *slog.Logger
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

func NewMirror(inner Store, opts MirrorOptions) *Mirror {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mirror{
		inner:  inner,
		queue:  make(chan op, opts.QueueSize),
		opts:   opts,
		logger: logger.With("component", "store_mirror"),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// SaveTask queues a copy of t.
func (m *Mirror) SaveTask(_ context.Context, t *task.Task) error {
	m.enqueue(op{kind: opSaveTask, task: t.Clone(), id: t.ID})
	return nil
}

func (m *Mirror) DeleteTask(_ context.Context, id string) error {
	m.enqueue(op{kind: opDeleteTask, id: id})
	return nil
}

// SaveHITLRequest queues a copy of r.
func (m *Mirror) SaveHITLRequest(_ context.Context, r *task.HITLRequest) error {
	m.enqueue(op{kind: opSaveHITL, hitl: r.Clone(), id: r.ID})
	return nil
}

func (m *Mirror) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return m.inner.GetTask(ctx, id)
}

func (m *Mirror) ListTasks(ctx context.Context, f Filter) ([]*task.Task, error) {
	return m.inner.ListTasks(ctx, f)
}

func (m *Mirror) GetHITLRequest(ctx context.Context, id string) (*task.HITLRequest, error) {
	return m.inner.GetHITLRequest(ctx, id)
}

func (m *Mirror) ListHITLRequests(ctx context.Context, f HITLFilter) ([]*task.HITLRequest, error) {
	return m.inner.ListHITLRequests(ctx, f)
}

// Dropped returns how many writes were discarded on a full queue.
func (m *Mirror) Dropped() int64 {
	return m.dropped.Load()
}

// Flush waits until every write queued before the call has been applied.
func (m *Mirror) Flush(ctx context.Context) error {
	barrier := op{kind: opBarrier, done: make(chan struct{})}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	select {
	case m.queue <- barrier:
		m.mu.RUnlock()
	case <-ctx.Done():
		m.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-barrier.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains queued writes, then closes the wrapped store.
func (m *Mirror) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()

	<-m.done
	return m.inner.Close()
}

func (m *Mirror) enqueue(o op) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		m.logger.Warn("Store write after close dropped", "op", o.kind.String(), "id", o.id)
		return
	}
	select {
	case m.queue <- o:
	default:
		m.dropped.Add(1)
		if m.opts.Metrics != nil {
			m.opts.Metrics.IncrementStoreDropped(context.Background(), o.kind.String())
		}
		m.logger.Warn("Store queue full, write dropped", "op", o.kind.String(), "id", o.id)
	}
}

func (m *Mirror) run() {
	defer close(m.done)
	for o := range m.queue {
		m.apply(o)
	}
}

func (m *Mirror) apply(o op) {
	if o.kind == opBarrier {
		close(o.done)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.WriteTimeout)
	defer cancel()

	var err error
	switch o.kind {
	case opSaveTask:
		err = m.inner.SaveTask(ctx, o.task)
	case opDeleteTask:
		err = m.inner.DeleteTask(ctx, o.id)
	case opSaveHITL:
		err = m.inner.SaveHITLRequest(ctx, o.hitl)
	}
	if err != nil {
		if m.opts.Metrics != nil {
			m.opts.Metrics.IncrementStoreErrors(ctx, o.kind.String())
		}
		m.logger.Error("Store write failed", "op", o.kind.String(), "id", o.id, "error", err)
	}
}
