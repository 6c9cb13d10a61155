package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservabilityHandler is a slog.Handler that stamps records with the active
// trace and span ids, counts them per level and writes them as JSON lines
// from a background goroutine so logging never blocks a message handler.
type ObservabilityHandler struct {
	core   *handlerCore
	attrs  []slog.Attr
	groups []string
}

type HandlerOptions struct {
	Level      slog.Level
	Writer     io.Writer
	BufferSize int
}

type handlerCore struct {
	opts        HandlerOptions
	serviceName string

	logCounter metric.Int64Counter
	dropped    metric.Int64Counter

	buffer    chan logEntry
	writeMu   sync.Mutex
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type logEntry struct {
	time  time.Time
	level slog.Level
	msg   string
	attrs []slog.Attr
	ctx   context.Context
}

func NewObservabilityHandler(meter metric.Meter, serviceName string) (*ObservabilityHandler, error) {
	return NewObservabilityHandlerWithOptions(meter, serviceName, HandlerOptions{
		Level:      slog.LevelInfo,
		BufferSize: 1000,
	})
}

func NewObservabilityHandlerWithOptions(meter metric.Meter, serviceName string, opts HandlerOptions) (*ObservabilityHandler, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}

	logCounter, err := meter.Int64Counter(
		"logs_total",
		metric.WithDescription("Total number of log entries"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter(
		"logs_dropped_total",
		metric.WithDescription("Log entries dropped because the buffer was full"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	core := &handlerCore{
		opts:        opts,
		serviceName: serviceName,
		logCounter:  logCounter,
		dropped:     dropped,
		buffer:      make(chan logEntry, opts.BufferSize),
		shutdown:    make(chan struct{}),
	}

	core.wg.Add(1)
	go core.processLogs()

	return &ObservabilityHandler{core: core}, nil
}

func (h *ObservabilityHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.core.opts.Level
}

func (h *ObservabilityHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}

	attrs := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs()+3)
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(attr slog.Attr) bool {
		attrs = append(attrs, h.qualify(attr))
		return true
	})

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		spanCtx := span.SpanContext()
		attrs = append(attrs,
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}

	entry := logEntry{
		time:  r.Time,
		level: r.Level,
		msg:   r.Message,
		attrs: attrs,
		ctx:   context.WithoutCancel(ctx),
	}

	select {
	case h.core.buffer <- entry:
	default:
		h.core.dropped.Add(ctx, 1, metric.WithAttributes(
			attribute.String("service", h.core.serviceName),
		))
	}

	return nil
}

func (h *ObservabilityHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	for _, a := range attrs {
		c.attrs = append(c.attrs, h.qualify(a))
	}
	return c
}

func (h *ObservabilityHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.groups = append(c.groups, name)
	return c
}

func (h *ObservabilityHandler) clone() *ObservabilityHandler {
	return &ObservabilityHandler{
		core:   h.core,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
	}
}

func (h *ObservabilityHandler) qualify(a slog.Attr) slog.Attr {
	for i := len(h.groups) - 1; i >= 0; i-- {
		a = slog.Attr{Key: h.groups[i], Value: slog.GroupValue(a)}
	}
	return a
}

// Shutdown flushes buffered entries. Records handled afterwards are dropped.
func (h *ObservabilityHandler) Shutdown(ctx context.Context) error {
	h.core.closeOnce.Do(func() { close(h.core.shutdown) })

	done := make(chan struct{})
	go func() {
		h.core.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *handlerCore) processLogs() {
	defer c.wg.Done()

	for {
		select {
		case entry := <-c.buffer:
			c.processLogEntry(entry)
		case <-c.shutdown:
			for {
				select {
				case entry := <-c.buffer:
					c.processLogEntry(entry)
				default:
					return
				}
			}
		}
	}
}

func (c *handlerCore) processLogEntry(entry logEntry) {
	c.logCounter.Add(entry.ctx, 1, metric.WithAttributes(
		attribute.String("level", entry.level.String()),
		attribute.String("service", c.serviceName),
	))

	if c.opts.Writer == nil {
		return
	}

	logData := map[string]any{
		"time":    entry.time.Format(time.RFC3339Nano),
		"level":   entry.level.String(),
		"msg":     entry.msg,
		"service": c.serviceName,
	}
	for _, attr := range entry.attrs {
		logData[attr.Key] = attrValue(attr.Value)
	}

	line, err := json.Marshal(logData)
	if err != nil {
		line, _ = json.Marshal(map[string]any{
			"time":  entry.time.Format(time.RFC3339Nano),
			"level": entry.level.String(),
			"msg":   entry.msg,
			"error": "unencodable log attributes: " + err.Error(),
		})
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.opts.Writer.Write(append(line, '\n'))
}

func attrValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		group := make(map[string]any, len(v.Group()))
		for _, a := range v.Group() {
			group[a.Key] = attrValue(a.Value)
		}
		return group
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	case slog.KindDuration:
		return v.Duration().String()
	default:
		return v.Any()
	}
}
