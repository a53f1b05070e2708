// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package filter

import (
	"sync"
	"sync/atomic"

	"grimm.is/nfregex/internal/logging"
	"grimm.is/nfregex/internal/matcher"
	"grimm.is/nfregex/internal/metrics"
	"grimm.is/nfregex/internal/packet"
)

// Engine evaluates packets of one service against its current filter Set.
// The Set can be swapped while queues are running.
type Engine struct {
	service string
	opts    []matcher.Option
	set     atomic.Pointer[Set]

	mu      sync.Mutex
	blocked map[string]*atomic.Uint64

	metrics *metrics.Metrics
	logger  *logging.Logger
}

// NewEngine compiles filters for service.
func NewEngine(service string, filters []Filter, m *metrics.Metrics, logger *logging.Logger, opts ...matcher.Option) (*Engine, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if m == nil {
		m = metrics.NewMetrics()
	}
	set, err := Compile(filters, opts...)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		service: service,
		opts:    opts,
		blocked: make(map[string]*atomic.Uint64),
		metrics: m,
		logger:  logger.WithComponent("filter").With("service", service),
	}
	e.set.Store(set)
	return e, nil
}

// Update compiles filters and swaps them in. Connections that already have
// a matcher handle keep scanning with the database it was opened on.
func (e *Engine) Update(filters []Filter) error {
	set, err := compile(filters, e.set.Load(), e.opts...)
	if err != nil {
		return err
	}
	e.set.Store(set)
	e.logger.Info("filters updated", "active", len(set.filters))
	return nil
}

// Set returns the current filter set.
func (e *Engine) Set() *Set { return e.set.Load() }

// Stats returns the number of blocking decisions per filter name.
func (e *Engine) Stats() map[string]uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]uint64, len(e.blocked))
	for name, n := range e.blocked {
		out[name] = n.Load()
	}
	return out
}

func (e *Engine) count(name string) {
	e.mu.Lock()
	n, ok := e.blocked[name]
	if !ok {
		n = new(atomic.Uint64)
		e.blocked[name] = n
	}
	e.mu.Unlock()
	n.Add(1)
	e.metrics.FilterBlocked.WithLabelValues(e.service, name).Inc()
}

// Predicate returns the function handed to the queue pool. For TCP stream
// data it reports whether the connection must be terminated; for other
// traffic it reports whether the packet may pass.
func (e *Engine) Predicate() packet.Predicate {
	return func(p *packet.Packet) bool {
		name, block := e.evaluate(p)
		if block {
			e.count(name)
			e.logger.Debug("blocked", "filter", name, "stream", p.StreamID, "direction", p.Direction)
		}
		if p.TCP {
			return block
		}
		return !block
	}
}

// evaluate scans p and returns the filter that blocks it, if any. A
// blacklist match wins over a missing whitelist match. Whitelists apply per
// datagram, and per connection for stream data.
func (e *Engine) evaluate(p *packet.Packet) (string, bool) {
	set := e.set.Load()
	db := set.dbs[p.Direction]
	if db == nil || p.Session == nil {
		return "", false
	}

	var (
		black   string
		hit     bool
		matched = make(map[int]bool)
	)
	fn := func(id int, _, _ uint64) bool {
		f, ok := set.lookup(id)
		if !ok {
			return false
		}
		if f.Blacklist {
			black, hit = f.Name, true
			return true
		}
		matched[id] = true
		return false
	}

	var err error
	if p.TCP {
		err = p.Session.ScanStream(p.Direction, p.StreamID, db, p.Payload, fn)
	} else {
		err = p.Session.ScanDatagram(p.Direction, db, p.Payload, fn)
	}
	if err != nil {
		// the session keeps the error and stops the queue
		return "", false
	}
	if hit {
		return black, true
	}
	for _, id := range set.whitelist[p.Direction] {
		if matched[id] || e.satisfied(p, id) {
			continue
		}
		f, _ := set.lookup(id)
		return f.Name, true
	}
	return "", false
}

// satisfied reports whether a whitelist filter no longer constrains p. A
// connection satisfies it once any earlier segment matched. A handle opened
// before the filter existed cannot evaluate it and is not held to it.
func (e *Engine) satisfied(p *packet.Packet, id int) bool {
	if !p.TCP {
		return false
	}
	matched, known := p.Session.StreamMatched(p.Direction, p.StreamID, id)
	return matched || !known
}
