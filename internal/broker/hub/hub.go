package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/owulveryck/cauldron/internal/message"
	"github.com/owulveryck/cauldron/internal/observability"
)

const (
	DefaultBufferSize  = 256
	DefaultSendTimeout = 5 * time.Second
	DefaultHistorySize = 1000
)

type Options struct {
	// BufferSize is how many envelopes an attached stream may fall behind
	// before Publish on its topic waits for it.
	BufferSize int
	// SendTimeout bounds that wait. Publish then fails with
	// codes.ResourceExhausted and the envelope is not recorded.
	SendTimeout time.Duration
	// HistorySize is how many envelopes a topic retains for streams that
	// resume after a disconnect. Envelopes an attached stream has not been
	// sent yet are always retained.
	HistorySize int
	Logger      *slog.Logger
	Metrics     *observability.MetricsManager
	Traces      *observability.TraceManager
}

type entry struct {
	seq  uint64
	id   string
	data []byte
}

type subscriber struct {
	name string
	// next is the sequence number of the next envelope to send.
	next uint64
}

type topicState struct {
	mu          sync.Mutex
	subscribers []*subscriber
	log         []entry
	// seq is the sequence number the next publish gets. Sequences start
	// at 1.
	seq uint64
	// cursors remembers, per subscriber name, the next sequence to send.
	cursors map[string]uint64
	// changed is closed and replaced whenever the log grows, a stream
	// advances or a stream detaches.
	changed chan struct{}
}

func newTopicState() *topicState {
	return &topicState{
		seq:     1,
		cursors: make(map[string]uint64),
		changed: make(chan struct{}),
	}
}

func (t *topicState) broadcast() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// first returns the oldest retained sequence.
func (t *topicState) first() uint64 {
	if len(t.log) == 0 {
		return t.seq
	}
	return t.log[0].seq
}

// since returns the retained entries from seq on.
func (t *topicState) since(seq uint64) []entry {
	first := t.first()
	if seq < first {
		seq = first
	}
	if seq >= t.seq {
		return nil
	}
	return append([]entry(nil), t.log[seq-first:]...)
}

// laggard returns an attached stream at least window envelopes behind.
func (t *topicState) laggard(window int) *subscriber {
	for _, sub := range t.subscribers {
		if t.seq-sub.next >= uint64(window) {
			return sub
		}
	}
	return nil
}

// trim drops entries older than the last keep sequences unless an attached
// stream still needs them.
func (t *topicState) trim(keep int) {
	var from uint64
	if t.seq > uint64(keep) {
		from = t.seq - uint64(keep)
	}
	for _, sub := range t.subscribers {
		if sub.next < from {
			from = sub.next
		}
	}
	first := t.first()
	if from <= first {
		return
	}
	t.log = append([]entry(nil), t.log[from-first:]...)
}

// EventHub is the gRPC event hub: a topic router with a sequenced
// per-topic log. Streams read the log at their own pace and resume after
// the last sequence their client handled.
type EventHub struct {
	opts   Options
	logger *slog.Logger
	// epoch names this hub instance. Sequences from another epoch mean
	// nothing here.
	epoch string

	mu     sync.RWMutex
	topics map[string]*topicState
}

var _ EventHubServer = (*EventHub)(nil)

func NewEventHub(opts Options) *EventHub {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHub{
		opts:   opts,
		logger: logger.With("component", "hub"),
		epoch:  uuid.NewString(),
		topics: make(map[string]*topicState),
	}
}

// Epoch identifies this hub instance in deliveries.
func (h *EventHub) Epoch() string { return h.epoch }

func (h *EventHub) topic(name string) *topicState {
	h.mu.RLock()
	t, ok := h.topics[name]
	h.mu.RUnlock()
	if ok {
		return t
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok = h.topics[name]; !ok {
		t = newTopicState()
		h.topics[name] = t
	}
	return t
}

// Publish implements the gRPC method with observability
func (h *EventHub) Publish(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	topic := req.GetFields()[FieldTopic].GetStringValue()
	raw := req.GetFields()[FieldEnvelope].GetStringValue()

	var span trace.Span
	if h.opts.Traces != nil {
		ctx, span = h.opts.Traces.StartPublishSpan(ctx, "hub", topic, "envelope")
		defer span.End()
	}
	start := time.Now()

	fail := func(err error, errorType string) error {
		if span != nil {
			h.opts.Traces.RecordError(span, err)
		}
		if h.opts.Metrics != nil {
			h.opts.Metrics.IncrementHandlerErrors(ctx, "hub_publish", errorType)
		}
		return err
	}
	invalid := func(msg string) error {
		return fail(status.Error(codes.InvalidArgument, msg), "validation_error")
	}

	if topic == "" {
		return nil, invalid("topic cannot be empty")
	}
	if raw == "" {
		return nil, invalid("envelope cannot be empty")
	}
	env, err := message.Unmarshal([]byte(raw))
	if err != nil {
		return nil, invalid("invalid envelope: " + err.Error())
	}

	h.logger.DebugContext(ctx, "Received envelope",
		"topic", topic,
		"message_id", env.ID,
		"message_type", string(env.Kind),
	)

	t := h.topic(topic)
	timer := time.NewTimer(h.opts.SendTimeout)
	defer timer.Stop()

	for {
		t.mu.Lock()
		slow := t.laggard(h.opts.BufferSize)
		if slow == nil {
			t.log = append(t.log, entry{seq: t.seq, id: env.ID, data: []byte(raw)})
			t.seq++
			t.trim(h.opts.HistorySize)
			t.broadcast()
			t.mu.Unlock()
			break
		}
		name, behind := slow.name, t.seq-slow.next
		wait := t.changed
		t.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fail(status.FromContextError(ctx.Err()).Err(), "cancelled")
		case <-timer.C:
			h.logger.WarnContext(ctx, "Subscriber too far behind, rejecting envelope",
				"topic", topic,
				"message_id", env.ID,
				"subscriber", name,
				"behind", behind,
			)
			return nil, fail(status.Errorf(codes.ResourceExhausted,
				"subscriber %s is %d envelopes behind on %s", name, behind, topic), "backpressure")
		}
	}

	if h.opts.Metrics != nil {
		h.opts.Metrics.RecordBrokerPublishDuration(ctx, topic, time.Since(start))
	}
	if span != nil {
		h.opts.Traces.SetSpanSuccess(span)
	}
	return &emptypb.Empty{}, nil
}

// start picks the first sequence to send to a new stream: right after the
// client's last handled sequence when it comes from this epoch, else the
// named cursor, else the tail. Streams from another epoch get the whole
// retained log.
func (h *EventHub) start(t *topicState, name, epoch string, after uint64) (uint64, bool) {
	switch {
	case epoch != "" && epoch != h.epoch:
		return t.first(), true
	case epoch != "":
		return after + 1, true
	}
	if c, ok := t.cursors[name]; ok {
		return c, true
	}
	return t.seq, false
}

// Subscribe implements the gRPC streaming method
func (h *EventHub) Subscribe(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	fields := req.GetFields()
	topic := fields[FieldTopic].GetStringValue()
	name := fields[FieldSubscriber].GetStringValue()
	epoch := fields[FieldEpoch].GetStringValue()
	after := uint64(fields[FieldAfter].GetNumberValue())

	if topic == "" {
		return status.Error(codes.InvalidArgument, "topic cannot be empty")
	}
	if name == "" {
		name = "anonymous"
	}

	t := h.topic(topic)
	t.mu.Lock()
	next, resumed := h.start(t, name, epoch, after)
	if next > t.seq {
		next = t.seq
	}
	if first := t.first(); next < first {
		if h.opts.Metrics != nil {
			h.opts.Metrics.IncrementHandlerErrors(ctx, "hub_delivery", "replay_gap")
		}
		h.logger.WarnContext(ctx, "Envelopes expired before the subscriber resumed",
			"topic", topic,
			"subscriber", name,
			"missed", first-next,
		)
		next = first
	}
	sub := &subscriber{name: name, next: next}
	t.subscribers = append(t.subscribers, sub)
	backlog := t.seq - next
	t.mu.Unlock()

	h.logger.InfoContext(ctx, "Subscriber attached",
		"topic", topic,
		"subscriber", name,
		"resumed", resumed,
		"backlog", backlog,
	)

	defer func() {
		h.detach(t, sub)
		h.logger.InfoContext(ctx, "Subscriber detached", "topic", topic, "subscriber", name)
	}()

	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}

	for {
		t.mu.Lock()
		batch := t.since(sub.next)
		wait := t.changed
		t.mu.Unlock()

		if len(batch) == 0 {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil
			}
		}

		for _, e := range batch {
			out, err := h.delivery(e)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(out); err != nil {
				if h.opts.Metrics != nil {
					h.opts.Metrics.IncrementHandlerErrors(ctx, "hub_delivery", "send_error")
				}
				h.logger.ErrorContext(ctx, "Error sending envelope to subscriber",
					"topic", topic,
					"subscriber", name,
					"message_id", e.id,
					"error", err,
				)
				return err
			}
			h.advance(t, sub, e.seq+1)
		}
	}
}

func (h *EventHub) delivery(e entry) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(map[string]any{
		FieldSeq:      float64(e.seq),
		FieldEpoch:    h.epoch,
		FieldEnvelope: string(e.data),
	})
	if err != nil {
		return nil, fmt.Errorf("build delivery %d: %w", e.seq, err)
	}
	return out, nil
}

func (h *EventHub) advance(t *topicState, sub *subscriber, next uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub.next = next
	if next > t.cursors[sub.name] {
		t.cursors[sub.name] = next
	}
	t.broadcast()
}

func (h *EventHub) detach(t *topicState, sub *subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.subscribers {
		if s == sub {
			t.subscribers = append(t.subscribers[:i:i], t.subscribers[i+1:]...)
			break
		}
	}
	t.broadcast()
}

// History returns the envelopes topic still retains, oldest first.
func (h *EventHub) History(topic string) [][]byte {
	h.mu.RLock()
	t, ok := h.topics[topic]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.log))
	for i, e := range t.log {
		out[i] = e.data
	}
	return out
}

// SubscriberCount returns the number of attached streams on topic.
func (h *EventHub) SubscriberCount(topic string) int {
	h.mu.RLock()
	t, ok := h.topics[topic]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}
