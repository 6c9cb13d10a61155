package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/owulveryck/cauldron/internal/message"
)

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// subscribers keeps topic -> ordered handler list. Every backend delivers to
// its local handlers through it.
type subscribers struct {
	mu     sync.RWMutex
	topics map[string][]subscription
	next   SubscriptionID
}

func newSubscribers() *subscribers {
	return &subscribers{topics: make(map[string][]subscription)}
}

// add registers h and reports whether it is the first handler on topic.
func (s *subscribers) add(topic string, h Handler) (SubscriptionID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	first := len(s.topics[topic]) == 0
	s.topics[topic] = append(s.topics[topic], subscription{id: s.next, handler: h})
	return s.next, first
}

// remove drops id from topic. last reports whether topic has no handler left.
func (s *subscribers) remove(topic string, id SubscriptionID) (removed, last bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.topics[topic]
	for i, sub := range subs {
		if sub.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		return false, false
	}
	if len(subs) == 0 {
		delete(s.topics, topic)
		return true, true
	}
	s.topics[topic] = subs
	return true, false
}

func (s *subscribers) snapshot(topic string) []subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]subscription(nil), s.topics[topic]...)
}

func (s *subscribers) topicNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.topics))
	for t := range s.topics {
		names = append(names, t)
	}
	return names
}

func (s *subscribers) has(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics[topic]) > 0
}

// deliver runs every handler of topic in registration order. Failures are
// isolated per handler.
func (in instruments) deliver(ctx context.Context, subs *subscribers, topic string, env *message.Envelope) {
	start := time.Now()
	if in.traces != nil {
		var span trace.Span
		ctx, span = in.traces.StartConsumeSpan(ctx, in.system, topic, string(env.Kind))
		defer span.End()
	}

	for _, sub := range subs.snapshot(topic) {
		if err := safeHandle(ctx, sub.handler, env); err != nil {
			if in.metrics != nil {
				in.metrics.IncrementHandlerErrors(ctx, string(env.Kind), "handler_error")
			}
			in.logger.ErrorContext(ctx, "Subscriber failed",
				"topic", topic,
				"message_id", env.ID,
				"message_type", string(env.Kind),
				"subscription_id", uint64(sub.id),
				"error", err,
			)
		}
	}

	if in.metrics != nil {
		in.metrics.RecordBrokerConsumeDuration(ctx, topic, time.Since(start))
	}
}

func safeHandle(ctx context.Context, h Handler, env *message.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, env)
}
