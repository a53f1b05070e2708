// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package stream tracks the TCP connections seen by one queue. It drives
// gopacket's reassembly engine, hands in-order stream data to the filter
// predicate, and owns the matcher handles and scratch workspaces that the
// predicate scans with.
//
// A Context belongs to exactly one queue endpoint goroutine. Nothing in it
// is safe for concurrent use; the kernel routes every packet of a
// connection to the same queue, so no cross-queue coordination is needed.
package stream

import (
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/reassembly"

	"grimm.is/nfregex/internal/errors"
	"grimm.is/nfregex/internal/logging"
	"grimm.is/nfregex/internal/matcher"
	"grimm.is/nfregex/internal/metrics"
	"grimm.is/nfregex/internal/packet"
)

// Config configures a Context.
type Config struct {
	Queue     uint16
	Predicate packet.Predicate
	Logger    *logging.Logger
	Metrics   *metrics.Queue

	// IdleTimeout closes streams without traffic for this long. Zero disables idle flushing.
	IdleTimeout time.Duration
	// FlushInterval is the minimum time between idle sweeps.
	FlushInterval time.Duration

	MaxPagesPerConnection int
	MaxPagesTotal         int
}

// DefaultConfig returns the reassembly defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:           2 * time.Minute,
		FlushInterval:         10 * time.Second,
		MaxPagesPerConnection: 256,
		MaxPagesTotal:         65536,
	}
}

// Evaluation is the outcome of feeding one packet.
type Evaluation struct {
	// Evaluated is set when the predicate ran for this packet.
	Evaluated bool
	// Terminate is set when the predicate flagged the connection.
	Terminate bool
	StreamID  string
	Direction packet.Direction
}

// slot bridges the synchronous reassembly callbacks back to Feed.
type slot struct {
	pkt  *packet.Packet
	eval *Evaluation
}

// Context is the per-queue stream state.
type Context struct {
	cfg       Config
	logger    *logging.Logger
	metrics   *metrics.Queue
	predicate packet.Predicate

	handles [2]map[string]*matcher.Stream
	scratch [2]*matcher.Scratch
	live    map[string]*tcpStream

	assembler *reassembly.Assembler

	// current is non-nil only while Feed runs on the owning goroutine.
	current *slot

	lastFlush time.Time
	err       error
	closing   bool
	closed    bool
}

// New creates a Context with fresh scratch workspaces and an empty
// reassembly pool.
func New(cfg Config) (*Context, error) {
	if cfg.Predicate == nil {
		return nil, errors.New(errors.KindConfiguration, "stream: predicate is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetrics().Queue(cfg.Queue)
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}

	c := &Context{
		cfg:       cfg,
		logger:    cfg.Logger.WithComponent("stream").With("queue", cfg.Queue),
		metrics:   cfg.Metrics,
		predicate: cfg.Predicate,
		live:      make(map[string]*tcpStream),
	}
	for i := range c.handles {
		c.handles[i] = make(map[string]*matcher.Stream)
		c.scratch[i] = matcher.NewScratch()
	}

	pool := reassembly.NewStreamPool(&streamFactory{ctx: c})
	c.assembler = reassembly.NewAssembler(pool)
	c.assembler.MaxBufferedPagesPerConnection = cfg.MaxPagesPerConnection
	c.assembler.MaxBufferedPagesTotal = cfg.MaxPagesTotal
	return c, nil
}

type captureContext struct {
	ci gopacket.CaptureInfo
}

func (c *captureContext) GetCaptureInfo() gopacket.CaptureInfo { return c.ci }

// Feed runs one TCP packet through reassembly. Any predicate invocation
// triggered by it is reported in the returned Evaluation. The error is the
// first matcher consistency failure seen by this Context, if any.
func (c *Context) Feed(pkt *packet.Packet, d *packet.Decoded, ts time.Time) (Evaluation, error) {
	var eval Evaluation
	if c.closed {
		return eval, errors.New(errors.KindConsistency, "stream: feed after close")
	}
	if d == nil || d.TCP == nil {
		return eval, errors.New(errors.KindInternal, "stream: feed requires a TCP segment")
	}

	ac := &captureContext{ci: gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(pkt.Raw),
		Length:        len(pkt.Raw),
	}}

	c.current = &slot{pkt: pkt, eval: &eval}
	c.assembler.AssembleWithContext(d.NetworkFlow(), d.TCP, ac)
	c.current = nil

	c.flushIdle(ts)
	return eval, c.err
}

func (c *Context) flushIdle(now time.Time) {
	if c.cfg.IdleTimeout <= 0 {
		return
	}
	if c.lastFlush.IsZero() {
		c.lastFlush = now
		return
	}
	if now.Sub(c.lastFlush) < c.cfg.FlushInterval {
		return
	}
	c.lastFlush = now

	flushed, closed := c.assembler.FlushCloseOlderThan(now.Add(-c.cfg.IdleTimeout))
	if flushed > 0 || closed > 0 {
		c.logger.Debug("idle streams flushed", "flushed", flushed, "closed", closed)
	}
}

// Err returns the first consistency failure, which is sticky.
func (c *Context) Err() error { return c.err }

func (c *Context) fail(err error) {
	c.logger.WithError(err).Error("matcher lifecycle violated")
	if c.err == nil {
		c.err = err
	}
}

// OpenHandles returns the number of open handles in direction dir.
func (c *Context) OpenHandles(dir packet.Direction) int {
	return len(c.handles[dir])
}

// Live returns the number of tracked, non-partial connections.
func (c *Context) Live() int { return len(c.live) }

// Close ends every tracked connection, closes all remaining handles and
// then frees the scratch workspaces. Handles are closed first because
// closing needs the scratch of its direction.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	c.closing = true
	c.current = nil
	c.assembler.FlushAll()

	for dir := range c.handles {
		for id := range c.handles[dir] {
			c.closeHandle(packet.Direction(dir), id)
		}
	}
	for dir, s := range c.scratch {
		if err := s.Free(); err != nil {
			c.fail(errors.Wrapf(err, errors.KindConsistency, "free %s scratch", packet.Direction(dir)))
		}
	}
	c.closed = true
	return c.err
}
