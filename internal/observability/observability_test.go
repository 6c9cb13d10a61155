package observability

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("Invalid JSON log line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestObservabilityHandler_WritesJSONWithAttrs(t *testing.T) {
	out := &syncBuffer{}
	handler, err := NewObservabilityHandlerWithOptions(noop.NewMeterProvider().Meter("test"), "cauldron-test", HandlerOptions{
		Level:  slog.LevelInfo,
		Writer: out,
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	logger := slog.New(handler).With("component", "orchestrator")
	logger.WithGroup("task").Info("Task created", "id", "t1")
	logger.Debug("Filtered out")
	logger.Error("Handler failed", "error", errors.New("boom"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := handler.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	lines := out.lines(t)
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines, got %d", len(lines))
	}
	if lines[0]["component"] != "orchestrator" || lines[0]["service"] != "cauldron-test" {
		t.Errorf("Missing handler attributes: %v", lines[0])
	}
	group, ok := lines[0]["task"].(map[string]any)
	if !ok || group["id"] != "t1" {
		t.Errorf("Expected grouped task.id, got %v", lines[0]["task"])
	}
	if lines[1]["error"] != "boom" || lines[1]["level"] != "ERROR" {
		t.Errorf("Unexpected error line: %v", lines[1])
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestHealthServer_Endpoints(t *testing.T) {
	hs := NewHealthServer("0", "cauldron-test", "test")
	var healthy atomic.Bool
	healthy.Store(true)
	hs.AddChecker("broker", NewBasicHealthChecker("broker", func(context.Context) error {
		if !healthy.Load() {
			return errors.New("broker closed")
		}
		return nil
	}))

	srv := httptest.NewServer(hs.Handler())
	defer srv.Close()

	get := func(path string) (int, HealthResponse) {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		defer resp.Body.Close()
		var body HealthResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("Invalid health body: %v", err)
		}
		return resp.StatusCode, body
	}

	if code, body := get("/health"); code != http.StatusOK || body.Status != HealthStatusHealthy {
		t.Errorf("Expected healthy, got %d %+v", code, body)
	}
	if code, _ := get("/ready"); code != http.StatusServiceUnavailable {
		t.Errorf("Expected not ready before SetReady, got %d", code)
	}
	hs.SetReady(true)
	if code, _ := get("/ready"); code != http.StatusOK {
		t.Errorf("Expected ready, got %d", code)
	}

	healthy.Store(false)
	code, body := get("/health")
	if code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", code)
	}
	if len(body.Checks) != 1 || body.Checks[0].Message != "broker closed" {
		t.Errorf("Unexpected checks: %+v", body.Checks)
	}
}

func TestMetricsManager_NoopMeter(t *testing.T) {
	mm, err := NewMetricsManager(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("Failed to create metrics manager: %v", err)
	}
	ctx := context.Background()
	mm.IncrementTasksCreated(ctx, "analysis", false)
	mm.IncrementTaskTransitions(ctx, "RECEIVED", "IN_PROGRESS")
	mm.UpdateSystemMetrics(ctx)
	mm.StartTimer()(ctx, "result")
}
