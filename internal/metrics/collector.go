package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/eargollo/mediaflow/internal/ledger"
)

// StatsProvider supplies ledger counts by status.
type StatsProvider interface {
	Stats(ctx context.Context) (ledger.Counts, error)
}

// Collector periodically refreshes LedgerRecords from a StatsProvider.
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopChan chan struct{}
	done     chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	return &Collector{
		provider: provider,
		interval: interval,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the collection loop.
func (c *Collector) Start() {
	go c.collectLoop()
}

// Stop ends the collection loop and waits for it to exit.
func (c *Collector) Stop() {
	close(c.stopChan)
	<-c.done
}

func (c *Collector) collectLoop() {
	defer close(c.done)
	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Collector) collect() {
	if c.provider == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	counts, err := c.provider.Stats(ctx)
	if err != nil {
		slog.Warn("metrics: ledger stats", "error", err)
		return
	}
	for status, n := range counts {
		LedgerRecords.WithLabelValues(string(status)).Set(float64(n))
	}
}
