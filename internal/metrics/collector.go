package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"
)

// QueueStats contains queue statistics for metrics
type QueueStats struct {
	Pending  int64
	InFlight int64
	Deferred int64
	OldestAt time.Time
}

// QueueStatsProvider provides queue statistics for metrics
type QueueStatsProvider interface {
	QueueStats(ctx context.Context) (*QueueStats, error)
}

// CampaignCounter reports the number of non-terminal campaigns
type CampaignCounter interface {
	ActiveCount(ctx context.Context) (int, error)
}

// Collector periodically refreshes system and queue gauges
type Collector struct {
	metrics     *Metrics
	queueStats  QueueStatsProvider
	campaigns   CampaignCounter
	storagePath string
	interval    time.Duration
	startTime   time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a gauge collector
func NewCollector(m *Metrics, queueStats QueueStatsProvider, campaigns CampaignCounter, storagePath string, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		metrics:     m,
		queueStats:  queueStats,
		campaigns:   campaigns,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the collector background loop
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.queueStats != nil {
		if stats, err := c.queueStats.QueueStats(ctx); err == nil {
			c.metrics.QueuePending.Set(float64(stats.Pending))
			c.metrics.QueueInFlight.Set(float64(stats.InFlight))
			c.metrics.QueueDeferred.Set(float64(stats.Deferred))
			if !stats.OldestAt.IsZero() {
				c.metrics.QueueOldestSeconds.Set(time.Since(stats.OldestAt).Seconds())
			} else {
				c.metrics.QueueOldestSeconds.Set(0)
			}
		}
	}

	if c.campaigns != nil {
		if n, err := c.campaigns.ActiveCount(ctx); err == nil {
			c.metrics.CampaignsActive.Set(float64(n))
		}
	}
}
