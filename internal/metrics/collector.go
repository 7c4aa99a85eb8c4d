package metrics

import (
	"context"
	"time"
)

// Protocol counters update inline with transactions; state that lives
// in other components is sampled instead. The Collector polls those
// components on an interval and publishes the results as gauges.

// StoreStats reports how many records a namespace holds.
type StoreStats interface {
	Count(nsIx uint32) int
}

// ReplicationStats reports the replica-side unreplicated backlog.
type ReplicationStats interface {
	UnreplicatedCount() int
}

// CollectorConfig holds the components the collector samples.
type CollectorConfig struct {
	Store      StoreStats
	Coord      ReplicationStats
	Namespaces []string // gauge labels, in wire-index order
	Interval   time.Duration
}

// Collector periodically samples node state into Prometheus gauges.
type Collector struct {
	metrics  *NodeMetrics
	store    StoreStats
	coord    ReplicationStats
	names    []string
	interval time.Duration
}

// NewCollector creates a metrics collector.
func NewCollector(m *NodeMetrics, cfg CollectorConfig) *Collector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		metrics:  m,
		store:    cfg.Store,
		coord:    cfg.Coord,
		names:    cfg.Namespaces,
		interval: interval,
	}
}

// Run samples on the configured interval until ctx is canceled. The
// first sample is taken immediately.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect publishes one sample of all component state.
func (c *Collector) Collect() {
	c.collectRecordCounts()
	c.collectReplicationBacklog()
}

func (c *Collector) collectRecordCounts() {
	if c.store == nil {
		return
	}
	for i, name := range c.names {
		c.metrics.Records.WithLabelValues(name).Set(float64(c.store.Count(uint32(i))))
	}
}

func (c *Collector) collectReplicationBacklog() {
	if c.coord == nil {
		return
	}
	c.metrics.UnreplicatedMarks.Set(float64(c.coord.UnreplicatedCount()))
}
