package observability

import (
	"context"
	"time"
)

// MetricsTicker periodically records runtime metrics.
type MetricsTicker struct {
	ctx            context.Context
	metricsManager *MetricsManager
	ticker         *time.Ticker
	done           chan struct{}
}

func NewMetricsTicker(ctx context.Context, metricsManager *MetricsManager, interval time.Duration) *MetricsTicker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &MetricsTicker{
		ctx:            ctx,
		metricsManager: metricsManager,
		ticker:         time.NewTicker(interval),
		done:           make(chan struct{}),
	}
}

func (m *MetricsTicker) Start() {
	m.metricsManager.UpdateSystemMetrics(m.ctx)
	go func() {
		defer m.ticker.Stop()
		for {
			select {
			case <-m.ticker.C:
				m.metricsManager.UpdateSystemMetrics(m.ctx)
			case <-m.ctx.Done():
				return
			case <-m.done:
				return
			}
		}
	}()
}

func (m *MetricsTicker) Stop() {
	close(m.done)
}
