package metrics

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RecentCounter counts presence records seen since a point in time
type RecentCounter interface {
	CountRecent(ctx context.Context, since time.Time) (int64, error)
}

// PresenceCollector periodically refreshes the records_recent gauge
type PresenceCollector struct {
	counter  RecentCounter
	metrics  *Metrics
	logger   *zap.Logger
	window   time.Duration
	interval time.Duration
	now      func() time.Time
	ticker   *time.Ticker
	done     chan struct{}
}

// NewPresenceCollector creates a collector counting records seen within window
func NewPresenceCollector(counter RecentCounter, metrics *Metrics, logger *zap.Logger, window, interval time.Duration) *PresenceCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceCollector{
		counter:  counter,
		metrics:  metrics,
		logger:   logger,
		window:   window,
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *PresenceCollector) Start() {
	c.ticker = time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-c.ticker.C:
				c.collect()
			case <-c.done:
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *PresenceCollector) Stop() {
	if c.ticker != nil {
		c.ticker.Stop()
	}
	close(c.done)
}

func (c *PresenceCollector) collect() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic in presence metrics collection", zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	count, err := c.counter.CountRecent(ctx, c.now().Add(-c.window))
	if err != nil {
		c.logger.Error("Failed to count recent presence records", zap.Error(err))
		return
	}
	c.metrics.SetRecordsRecent(count)
}
