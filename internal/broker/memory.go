package broker

import (
	"context"
	"sync"

	"github.com/owulveryck/cauldron/internal/message"
)

// Memory is the in-process backend. Publish records the envelope in the
// topic log and delivers it on the caller's goroutine. Each topic has one
// delivering goroutine at a time: a publish that finds the topic busy, from
// another goroutine or from a handler of that topic, queues the envelope for
// the goroutine already delivering and returns. Handlers therefore see a
// topic in exactly the order of Messages.
type Memory struct {
	in     instruments
	subs   *subscribers
	mu     sync.RWMutex
	log    map[string][]*message.Envelope
	queues map[string]*topicQueue
	closed bool
}

type topicQueue struct {
	pending  []queued
	draining bool
}

type queued struct {
	ctx context.Context
	env *message.Envelope
}

func NewMemory(opts Options) *Memory {
	return &Memory{
		in:     newInstruments(opts, KindMemory),
		subs:   newSubscribers(),
		log:    make(map[string][]*message.Envelope),
		queues: make(map[string]*topicQueue),
	}
}

func (m *Memory) Kind() Kind { return KindMemory }

func (m *Memory) Publish(ctx context.Context, topic string, env *message.Envelope) (err error) {
	if topic == "" {
		return ErrEmptyTopic
	}
	ctx, done := m.in.startPublish(ctx, topic, env)
	defer func() { done(err) }()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.log[topic] = append(m.log[topic], env)
	q, ok := m.queues[topic]
	if !ok {
		q = &topicQueue{}
		m.queues[topic] = q
	}
	// The envelope may be delivered after this call returns.
	q.pending = append(q.pending, queued{ctx: context.WithoutCancel(ctx), env: env})
	if q.draining {
		m.mu.Unlock()
		return nil
	}
	q.draining = true
	m.mu.Unlock()

	m.drain(topic, q)
	return nil
}

// drain delivers q until it is empty.
func (m *Memory) drain(topic string, q *topicQueue) {
	for {
		m.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			m.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending[0] = queued{}
		q.pending = q.pending[1:]
		m.mu.Unlock()

		m.in.deliver(next.ctx, m.subs, topic, next.env)
	}
}

func (m *Memory) Subscribe(_ context.Context, topic string, h Handler) (SubscriptionID, error) {
	if topic == "" {
		return 0, ErrEmptyTopic
	}
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return 0, ErrClosed
	}
	id, _ := m.subs.add(topic, h)
	return id, nil
}

func (m *Memory) Unsubscribe(topic string, id SubscriptionID) bool {
	removed, _ := m.subs.remove(topic, id)
	return removed
}

// Messages returns the envelopes published on topic, oldest first.
func (m *Memory) Messages(topic string) []*message.Envelope {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*message.Envelope(nil), m.log[topic]...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
