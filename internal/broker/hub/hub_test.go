package hub

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/owulveryck/cauldron/internal/message"
)

// newTestHub starts a hub on an in-memory listener and returns a client.
func newTestHub(t *testing.T) (*Server, *Client, *grpc.ClientConn) {
	t.Helper()
	return newTestHubWith(t, Options{SendTimeout: time.Second})
}

func newTestHubWith(t *testing.T, opts Options) (*Server, *Client, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServerWithListener(lis, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Start(ctx)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Failed to dial hub: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		cancel()
		srv.Shutdown()
	})
	return srv, NewClient(conn), conn
}

func waitForSubscribers(t *testing.T, h *EventHub, topic string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.SubscriberCount(topic) < n {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %d subscribers on %s", n, topic)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// recv reads one delivery and decodes its envelope.
func recv(t *testing.T, stream grpc.ServerStreamingClient[structpb.Struct]) (Delivery, *message.Envelope) {
	t.Helper()
	msg, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	d, err := DecodeDelivery(msg)
	if err != nil {
		t.Fatalf("DecodeDelivery failed: %v", err)
	}
	env, err := message.Unmarshal(d.Envelope)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	return d, env
}

func encode(t *testing.T, p message.Payload) []byte {
	t.Helper()
	data, err := message.Marshal(message.New(p, message.Party{ID: "test"}, message.Party{}))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return data
}

func TestEventHub_PublishInvalidRequests(t *testing.T) {
	_, client, _ := newTestHub(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		topic    string
		envelope []byte
	}{
		{name: "empty topic", topic: "", envelope: encode(t, &message.Result{TaskID: "t1"})},
		{name: "empty envelope", topic: "x", envelope: nil},
		{name: "malformed envelope", topic: "x", envelope: []byte(`{"message_type":"gossip","payload":{}}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(ctx, tt.topic, tt.envelope)
			if status.Code(err) != codes.InvalidArgument {
				t.Fatalf("Expected InvalidArgument, got %v", err)
			}
		})
	}
}

func TestEventHub_SubscribeReceivesInOrder(t *testing.T) {
	srv, client, _ := newTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Subscribe(ctx, message.TopicResult, "orchestrator", Resume{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	waitForSubscribers(t, srv.Hub, message.TopicResult, 1)

	for _, id := range []string{"t1", "t2", "t3"} {
		if err := client.Publish(ctx, message.TopicResult, encode(t, &message.Result{TaskID: id})); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	for i, want := range []string{"t1", "t2", "t3"} {
		d, env := recv(t, stream)
		if env.TaskID() != want {
			t.Fatalf("Expected %s, got %s", want, env.TaskID())
		}
		if d.Seq != uint64(i+1) {
			t.Fatalf("Expected seq %d, got %d", i+1, d.Seq)
		}
	}

	if got := len(srv.Hub.History(message.TopicResult)); got != 3 {
		t.Errorf("Expected 3 envelopes in history, got %d", got)
	}
}

func TestEventHub_TopicIsolation(t *testing.T) {
	srv, client, _ := newTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Subscribe(ctx, "topic.a", "a", Resume{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	waitForSubscribers(t, srv.Hub, "topic.a", 1)

	if err := client.Publish(ctx, "topic.b", encode(t, &message.Result{TaskID: "b"})); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := client.Publish(ctx, "topic.a", encode(t, &message.Result{TaskID: "a"})); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if _, env := recv(t, stream); env.TaskID() != "a" {
		t.Fatalf("Received message from another topic: %s", env.TaskID())
	}
}

func TestEventHub_SubscribeRequiresTopic(t *testing.T) {
	_, client, _ := newTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Subscribe(ctx, "", "x", Resume{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := stream.Recv(); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("Expected InvalidArgument, got %v", err)
	}
}

func TestEventHub_SlowSubscriberMissesNothing(t *testing.T) {
	srv, client, _ := newTestHubWith(t, Options{BufferSize: 1, SendTimeout: 5 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := client.Subscribe(ctx, "x", "slow", Resume{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	waitForSubscribers(t, srv.Hub, "x", 1)

	const n = 200
	envelopes := make([][]byte, n)
	for i := range envelopes {
		envelopes[i] = encode(t, &message.Result{TaskID: fmt.Sprintf("t%d", i)})
	}
	published := make(chan error, 1)
	go func() {
		for _, data := range envelopes {
			if err := client.Publish(ctx, "x", data); err != nil {
				published <- err
				return
			}
		}
		published <- nil
	}()

	for i := 0; i < n; i++ {
		if i%20 == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		d, env := recv(t, stream)
		if want := fmt.Sprintf("t%d", i); env.TaskID() != want {
			t.Fatalf("Expected %s, got %s", want, env.TaskID())
		}
		if d.Seq != uint64(i+1) {
			t.Fatalf("Expected seq %d, got %d", i+1, d.Seq)
		}
	}
	if err := <-published; err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func TestEventHub_ResumeReplaysMissedEnvelopes(t *testing.T) {
	srv, client, _ := newTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	streamCtx, closeStream := context.WithCancel(ctx)
	stream, err := client.Subscribe(streamCtx, "x", "orchestrator", Resume{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	waitForSubscribers(t, srv.Hub, "x", 1)
	if err := client.Publish(ctx, "x", encode(t, &message.Result{TaskID: "t1"})); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	last, _ := recv(t, stream)
	if last.Epoch != srv.Hub.Epoch() {
		t.Fatalf("Expected epoch %s, got %s", srv.Hub.Epoch(), last.Epoch)
	}

	closeStream()
	deadline := time.Now().Add(2 * time.Second)
	for srv.Hub.SubscriberCount("x") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Stream still attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	for _, id := range []string{"t2", "t3"} {
		if err := client.Publish(ctx, "x", encode(t, &message.Result{TaskID: id})); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	stream, err = client.Subscribe(ctx, "x", "orchestrator", last.Resume())
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	for _, want := range []string{"t2", "t3"} {
		if _, env := recv(t, stream); env.TaskID() != want {
			t.Fatalf("Expected %s, got %s", want, env.TaskID())
		}
	}

	// A name the hub has seen resumes from its cursor without a position.
	named, err := client.Subscribe(ctx, "x", "orchestrator", Resume{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	waitForSubscribers(t, srv.Hub, "x", 2)
	if err := client.Publish(ctx, "x", encode(t, &message.Result{TaskID: "t4"})); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	// t3 may come again if its cursor moved after the reattach.
	_, env := recv(t, named)
	if env.TaskID() == "t3" {
		_, env = recv(t, named)
	}
	if env.TaskID() != "t4" {
		t.Fatalf("Expected t4, got %s", env.TaskID())
	}
}

func TestEventHub_UnknownEpochGetsRetainedLog(t *testing.T) {
	srv, client, _ := newTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, id := range []string{"t1", "t2"} {
		if err := client.Publish(ctx, "x", encode(t, &message.Result{TaskID: id})); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	stream, err := client.Subscribe(ctx, "x", "agent", Resume{Epoch: "previous-hub", After: 40})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	waitForSubscribers(t, srv.Hub, "x", 1)
	for _, want := range []string{"t1", "t2"} {
		if _, env := recv(t, stream); env.TaskID() != want {
			t.Fatalf("Expected %s, got %s", want, env.TaskID())
		}
	}
}

func TestEventHub_PublishFailsWhenSubscriberStalls(t *testing.T) {
	srv, client, _ := newTestHubWith(t, Options{BufferSize: 2, SendTimeout: 100 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Never read: the transport window fills and the stream falls behind.
	if _, err := client.Subscribe(ctx, "x", "stalled", Resume{}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	waitForSubscribers(t, srv.Hub, "x", 1)

	blob := strings.Repeat("x", 64<<10)
	var err error
	accepted := 0
	for accepted < 2000 {
		err = client.Publish(ctx, "x", encode(t, &message.Result{TaskID: "t", ResultData: map[string]any{"blob": blob}}))
		if err != nil {
			break
		}
		accepted++
	}
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("Expected ResourceExhausted after %d envelopes, got %v", accepted, err)
	}
	if got := len(srv.Hub.History("x")); got != accepted {
		t.Errorf("Expected %d retained envelopes, got %d", accepted, got)
	}
}

func TestServer_HealthServing(t *testing.T) {
	_, _, conn := newTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("Expected SERVING, got %v", resp.GetStatus())
	}
}
