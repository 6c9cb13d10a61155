package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/owulveryck/cauldron/internal/broker/hub"
	"github.com/owulveryck/cauldron/internal/message"
)

func testOptions() Options {
	return Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func result(taskID string) *message.Envelope {
	return message.New(&message.Result{TaskID: taskID}, message.Party{ID: "agent"}, message.Party{ID: "orchestrator"})
}

// collector records the task ids it receives.
type collector struct {
	mu  sync.Mutex
	ids []string
	got chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 100)}
}

func (c *collector) handle(_ context.Context, env *message.Envelope) error {
	c.mu.Lock()
	c.ids = append(c.ids, env.TaskID())
	c.mu.Unlock()
	c.got <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) []string {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-timeout:
			t.Fatalf("Timed out after %d of %d messages", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func assertOrder(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, got)
		}
	}
}

func TestMemory_DeliversInOrder(t *testing.T) {
	b := NewMemory(testOptions())
	ctx := context.Background()

	c := newCollector()
	if _, err := b.Subscribe(ctx, message.TopicResult, c.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for _, id := range []string{"t1", "t2", "t3"} {
		if err := b.Publish(ctx, message.TopicResult, result(id)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	assertOrder(t, c.wait(t, 3), []string{"t1", "t2", "t3"})
	if got := len(b.Messages(message.TopicResult)); got != 3 {
		t.Errorf("Expected 3 logged messages, got %d", got)
	}
}

func TestMemory_TopicIsolation(t *testing.T) {
	b := NewMemory(testOptions())
	ctx := context.Background()

	a, other := newCollector(), newCollector()
	b.Subscribe(ctx, "topic.a", a.handle)
	b.Subscribe(ctx, "topic.b", other.handle)

	if err := b.Publish(ctx, "topic.a", result("a1")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	assertOrder(t, a.wait(t, 1), []string{"a1"})
	if len(other.ids) != 0 {
		t.Fatalf("Expected no delivery on topic.b, got %v", other.ids)
	}
	if got := len(b.Messages("topic.b")); got != 0 {
		t.Errorf("Expected empty log for topic.b, got %d", got)
	}
}

func TestMemory_HandlerFailuresAreIsolated(t *testing.T) {
	b := NewMemory(testOptions())
	ctx := context.Background()

	var calls []string
	b.Subscribe(ctx, "x", func(context.Context, *message.Envelope) error {
		calls = append(calls, "first")
		panic("boom")
	})
	b.Subscribe(ctx, "x", func(context.Context, *message.Envelope) error {
		calls = append(calls, "second")
		return errors.New("handler failed")
	})
	b.Subscribe(ctx, "x", func(context.Context, *message.Envelope) error {
		calls = append(calls, "third")
		return nil
	})

	if err := b.Publish(ctx, "x", result("t1")); err != nil {
		t.Fatalf("Publish must not surface handler failures, got %v", err)
	}
	assertOrder(t, calls, []string{"first", "second", "third"})
}

func TestMemory_Unsubscribe(t *testing.T) {
	b := NewMemory(testOptions())
	ctx := context.Background()

	c := newCollector()
	id, _ := b.Subscribe(ctx, "x", c.handle)

	if !b.Unsubscribe("x", id) {
		t.Fatal("Expected Unsubscribe to remove the subscription")
	}
	if b.Unsubscribe("x", id) {
		t.Fatal("Expected second Unsubscribe to report false")
	}

	b.Publish(ctx, "x", result("t1"))
	if len(c.ids) != 0 {
		t.Fatalf("Expected no delivery after Unsubscribe, got %v", c.ids)
	}
}

func TestMemory_ReentrantPublish(t *testing.T) {
	b := NewMemory(testOptions())
	ctx := context.Background()

	c := newCollector()
	b.Subscribe(ctx, "second", c.handle)
	b.Subscribe(ctx, "first", func(ctx context.Context, env *message.Envelope) error {
		return b.Publish(ctx, "second", result("from-"+env.TaskID()))
	})

	if err := b.Publish(ctx, "first", result("t1")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	assertOrder(t, c.wait(t, 1), []string{"from-t1"})
}

func TestMemory_ReentrantPublishSameTopic(t *testing.T) {
	b := NewMemory(testOptions())
	ctx := context.Background()

	c := newCollector()
	b.Subscribe(ctx, "x", func(ctx context.Context, env *message.Envelope) error {
		if env.TaskID() == "t1" {
			if err := b.Publish(ctx, "x", result("t1-echo")); err != nil {
				return err
			}
		}
		return c.handle(ctx, env)
	})

	b.Publish(ctx, "x", result("t1"))
	b.Publish(ctx, "x", result("t2"))

	// The echo is delivered after the handler that raised it returns.
	assertOrder(t, c.wait(t, 3), []string{"t1", "t1-echo", "t2"})
	logged := b.Messages("x")
	if len(logged) != 3 || logged[1].TaskID() != "t1-echo" {
		t.Fatalf("Expected echo logged second, got %d messages", len(logged))
	}
}

func TestMemory_ConcurrentPublishersMatchLogOrder(t *testing.T) {
	b := NewMemory(testOptions())
	ctx := context.Background()

	const publishers, each = 8, 50
	var (
		mu  sync.Mutex
		got []string
	)
	b.Subscribe(ctx, "x", func(_ context.Context, env *message.Envelope) error {
		mu.Lock()
		got = append(got, env.ID)
		mu.Unlock()
		time.Sleep(10 * time.Microsecond)
		return nil
	})

	var wg sync.WaitGroup
	for range publishers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if err := b.Publish(ctx, "x", result("t")); err != nil {
					t.Errorf("Publish failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	logged := b.Messages("x")
	want := make([]string, len(logged))
	for i, env := range logged {
		want[i] = env.ID
	}
	mu.Lock()
	defer mu.Unlock()
	if len(want) != publishers*each {
		t.Fatalf("Expected %d logged messages, got %d", publishers*each, len(want))
	}
	assertOrder(t, got, want)
}

func TestMemory_RejectsEmptyTopicAndClosed(t *testing.T) {
	b := NewMemory(testOptions())
	ctx := context.Background()

	if err := b.Publish(ctx, "", result("t1")); !errors.Is(err, ErrEmptyTopic) {
		t.Fatalf("Expected ErrEmptyTopic, got %v", err)
	}
	if _, err := b.Subscribe(ctx, "", newCollector().handle); !errors.Is(err, ErrEmptyTopic) {
		t.Fatalf("Expected ErrEmptyTopic, got %v", err)
	}

	b.Close()
	if err := b.Publish(ctx, "x", result("t1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
	if _, err := b.Subscribe(ctx, "x", newCollector().handle); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
}

// startHub serves an event hub on an in-memory listener and returns the dial
// options that reach it.
func startHub(t *testing.T) (*hub.Server, []grpc.DialOption) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := hub.NewServerWithListener(lis, hub.Options{
		SendTimeout: time.Second,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Start(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Shutdown()
	})

	return srv, []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

func TestGRPC_PublishSubscribeThroughHub(t *testing.T) {
	srv, dial := startHub(t)
	ctx := context.Background()

	b, err := NewGRPC(ctx, GRPCOptions{
		Addr:        "passthrough:///bufnet",
		Subscriber:  "test",
		DialTimeout: 2 * time.Second,
		DialOptions: dial,
	}, testOptions())
	if err != nil {
		t.Fatalf("NewGRPC failed: %v", err)
	}
	defer b.Close()

	if b.Kind() != KindGRPC {
		t.Fatalf("Expected grpc kind, got %s", b.Kind())
	}

	a, other := newCollector(), newCollector()
	if _, err := b.Subscribe(ctx, "topic.a", a.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := b.Subscribe(ctx, "topic.b", other.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for _, id := range []string{"t1", "t2", "t3"} {
		if err := b.Publish(ctx, "topic.a", result(id)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	assertOrder(t, a.wait(t, 3), []string{"t1", "t2", "t3"})
	if len(other.ids) != 0 {
		t.Fatalf("Expected no delivery on topic.b, got %v", other.ids)
	}
	if got := len(srv.Hub.History("topic.a")); got != 3 {
		t.Errorf("Expected 3 envelopes in hub history, got %d", got)
	}
}

func TestGRPC_UnsubscribeDetachesStream(t *testing.T) {
	srv, dial := startHub(t)
	ctx := context.Background()

	b, err := NewGRPC(ctx, GRPCOptions{
		Addr:        "passthrough:///bufnet",
		DialTimeout: 2 * time.Second,
		DialOptions: dial,
	}, testOptions())
	if err != nil {
		t.Fatalf("NewGRPC failed: %v", err)
	}
	defer b.Close()

	id, _ := b.Subscribe(ctx, "x", newCollector().handle)
	if got := srv.Hub.SubscriberCount("x"); got != 1 {
		t.Fatalf("Expected 1 hub subscriber, got %d", got)
	}

	if !b.Unsubscribe("x", id) {
		t.Fatal("Expected Unsubscribe to remove the subscription")
	}
	deadline := time.Now().Add(2 * time.Second)
	for srv.Hub.SubscriberCount("x") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Hub stream still attached after Unsubscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_FallsBackToMemory(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "default", cfg: Config{}},
		{name: "unreachable hub", cfg: Config{Kind: KindGRPC, GRPCAddr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond}},
		{name: "missing hub address", cfg: Config{Kind: KindGRPC}},
		{name: "missing postgres DSN", cfg: Config{Kind: KindPostgres}},
		{name: "malformed postgres DSN", cfg: Config{Kind: KindPostgres, PostgresDSN: "://nope", DialTimeout: 200 * time.Millisecond}},
		{name: "unknown kind", cfg: Config{Kind: "carrier-pigeon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(context.Background(), tt.cfg, testOptions())
			defer b.Close()
			if b.Kind() != KindMemory {
				t.Fatalf("Expected memory fallback, got %s", b.Kind())
			}
		})
	}
}

func TestNew_ConnectsToReachableHub(t *testing.T) {
	srv, err := hub.NewServer("127.0.0.1:0", hub.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Start(ctx)

	b := New(ctx, Config{Kind: KindGRPC, GRPCAddr: srv.Addr(), DialTimeout: 2 * time.Second}, testOptions())
	defer b.Close()
	if b.Kind() != KindGRPC {
		t.Fatalf("Expected grpc backend, got %s", b.Kind())
	}
}

func TestPostgres_PublishSubscribe(t *testing.T) {
	dsn := postgresDSN(t)
	ctx := context.Background()

	b, err := NewPostgres(ctx, PostgresOptions{DSN: dsn, PollInterval: 100 * time.Millisecond}, testOptions())
	if err != nil {
		t.Fatalf("NewPostgres failed: %v", err)
	}
	defer b.Close()

	topic := "cauldron.test." + time.Now().Format("150405.000000000")
	c := newCollector()
	if _, err := b.Subscribe(ctx, topic, c.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	for _, id := range []string{"t1", "t2", "t3"} {
		if err := b.Publish(ctx, topic, result(id)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	assertOrder(t, c.wait(t, 3), []string{"t1", "t2", "t3"})
}

func postgresDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CAULDRON_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CAULDRON_TEST_POSTGRES_DSN not set")
	}
	return dsn
}

func TestPostgres_ResumesFromStoredCursor(t *testing.T) {
	dsn := postgresDSN(t)
	ctx := context.Background()
	suffix := time.Now().Format("150405.000000000")
	topic, group := "cauldron.test.resume."+suffix, "group-"+suffix
	cfg := PostgresOptions{DSN: dsn, ConsumerGroup: group, PollInterval: 100 * time.Millisecond}

	first, err := NewPostgres(ctx, cfg, testOptions())
	if err != nil {
		t.Fatalf("NewPostgres failed: %v", err)
	}
	c := newCollector()
	if _, err := first.Subscribe(ctx, topic, c.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := first.Publish(ctx, topic, result("t1")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	assertOrder(t, c.wait(t, 1), []string{"t1"})
	first.Close()

	// Published while no member of the group is running.
	publisher, err := NewPostgres(ctx, PostgresOptions{DSN: dsn, ConsumerGroup: "publisher-" + suffix}, testOptions())
	if err != nil {
		t.Fatalf("NewPostgres failed: %v", err)
	}
	defer publisher.Close()
	for _, id := range []string{"t2", "t3"} {
		if err := publisher.Publish(ctx, topic, result(id)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	second, err := NewPostgres(ctx, cfg, testOptions())
	if err != nil {
		t.Fatalf("NewPostgres failed: %v", err)
	}
	defer second.Close()
	resumed := newCollector()
	if _, err := second.Subscribe(ctx, topic, resumed.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	assertOrder(t, resumed.wait(t, 2), []string{"t2", "t3"})
}

func TestPostgres_ConcurrentPublishersLoseNothing(t *testing.T) {
	dsn := postgresDSN(t)
	ctx := context.Background()
	topic := "cauldron.test.concurrent." + time.Now().Format("150405.000000000")

	b, err := NewPostgres(ctx, PostgresOptions{DSN: dsn, PollInterval: 50 * time.Millisecond}, testOptions())
	if err != nil {
		t.Fatalf("NewPostgres failed: %v", err)
	}
	defer b.Close()

	c := newCollector()
	if _, err := b.Subscribe(ctx, topic, c.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	const n = 60
	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n/6; i++ {
				if err := b.Publish(ctx, topic, result("t")); err != nil {
					t.Errorf("Publish failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if got := len(c.wait(t, n)); got != n {
		t.Fatalf("Expected %d deliveries, got %d", n, got)
	}
}
