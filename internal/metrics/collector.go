// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"context"
	"time"

	"grimm.is/nfregex/internal/logging"
)

// RuleCounter is the packet/byte count of one queue rule.
type RuleCounter struct {
	Service   string
	Direction string
	Packets   uint64
	Bytes     uint64
}

// RuleSource reads the counters attached to the installed queue rules.
type RuleSource interface {
	RuleCounters() ([]RuleCounter, error)
}

// Collector periodically copies firewall rule counters into Metrics.
type Collector struct {
	metrics  *Metrics
	source   RuleSource
	logger   *logging.Logger
	interval time.Duration
}

// NewCollector creates a collector polling source every interval.
func NewCollector(m *Metrics, source RuleSource, logger *logging.Logger, interval time.Duration) *Collector {
	if logger == nil {
		logger = logging.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		metrics:  m,
		source:   source,
		logger:   logger.WithComponent("metrics"),
		interval: interval,
	}
}

// Run polls until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Update()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Update()
		}
	}
}

// Update performs a single poll. Read failures are logged and leave the
// previous values in place.
func (c *Collector) Update() {
	counters, err := c.source.RuleCounters()
	if err != nil {
		c.logger.Warn("failed to read rule counters", "error", err)
		return
	}
	for _, rc := range counters {
		c.metrics.RulePackets.WithLabelValues(rc.Service, rc.Direction).Set(float64(rc.Packets))
		c.metrics.RuleBytes.WithLabelValues(rc.Service, rc.Direction).Set(float64(rc.Bytes))
	}
}
