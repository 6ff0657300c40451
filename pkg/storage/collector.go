package storage

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"time"

	"github.com/cuemby/bastion/pkg/metrics"
	"github.com/cuemby/bastion/pkg/nation"
	"github.com/cuemby/bastion/pkg/txn"
)

// MetricsCollector exports gauges that are cheaper to sample than to keep
// current: pool statistics, file sizes and row counts.
type MetricsCollector struct {
	store    *Store
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a collector sampling every interval
func NewMetricsCollector(s *Store, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		store:    s,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *MetricsCollector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector and waits for the loop to exit
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *MetricsCollector) collect() {
	c.collectPoolMetrics()
	c.collectFileMetrics()
	c.collectRowMetrics()
	c.collectAuditMetrics()
}

func (c *MetricsCollector) collectPoolMetrics() {
	write, read, ok := c.store.conn.Stats()
	if !ok {
		for _, pool := range []string{"write", "read"} {
			metrics.PoolConnections.WithLabelValues(pool, "in_use").Set(0)
			metrics.PoolConnections.WithLabelValues(pool, "idle").Set(0)
		}
		return
	}
	setPool := func(pool string, st sql.DBStats) {
		metrics.PoolConnections.WithLabelValues(pool, "in_use").Set(float64(st.InUse))
		metrics.PoolConnections.WithLabelValues(pool, "idle").Set(float64(st.Idle))
		metrics.PoolWaits.WithLabelValues(pool).Set(float64(st.WaitCount))
	}
	setPool("write", write)
	setPool("read", read)
}

func (c *MetricsCollector) collectFileMetrics() {
	path := c.store.conn.Path()
	files := map[string]string{
		"db":  path,
		"wal": path + "-wal",
	}
	for label, p := range files {
		var size int64
		if info, err := os.Stat(p); err == nil {
			size = info.Size()
		}
		metrics.StoreFileBytes.WithLabelValues(label).Set(float64(size))
	}
}

func (c *MetricsCollector) collectRowMetrics() {
	if !c.store.conn.State().Reachable() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	err := c.store.txn.View(ctx, func(ctx context.Context, q txn.Querier) error {
		n, err := nation.Count(ctx, q)
		if err != nil {
			return err
		}
		metrics.NationsTotal.Set(float64(n))
		return nil
	})
	if err != nil {
		c.store.logger.Debug().Err(err).Msg("Failed to collect row metrics")
	}
}

func (c *MetricsCollector) collectAuditMetrics() {
	pending, err := c.store.audit.Pending()
	if err != nil {
		return
	}
	metrics.AuditPending.Set(float64(len(pending)))
}
