// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nfq

import (
	"context"
	"runtime"
	"sync"

	"grimm.is/nfregex/internal/errors"
	"grimm.is/nfregex/internal/logging"
)

// DefaultQueueBase is the first queue number tried when none is configured.
const DefaultQueueBase = 1000

// Queue is a bound kernel queue that a Pool can run.
type Queue interface {
	Num() uint16
	Run(ctx context.Context) error
	Close() error
}

// OpenFunc opens and binds queue num. It returns a KindQueueBusy error when
// the number is owned by someone else.
type OpenFunc func(num uint16) (Queue, error)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Queues is the number of contiguous queues to bind.
	Queues int
	// Base is the first queue number tried.
	Base uint16
	Open OpenFunc
	Logger *logging.Logger
	// LockOSThread pins each run loop to its own OS thread.
	LockOSThread bool
}

// Pool owns N contiguous queues and runs one receive loop per queue. The
// kernel spreads packets across the range by flow hash, so all packets of
// one connection reach the same loop.
type Pool struct {
	cfg    PoolConfig
	logger *logging.Logger
	queues []Queue

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errs    []error
	started bool
	closed  bool
}

// NewPool binds cfg.Queues contiguous queue numbers starting at cfg.Base.
// When a number in the range is busy, every queue opened so far is closed
// and the search restarts just past the busy number.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Queues < 1 {
		return nil, errors.Errorf(errors.KindConfiguration, "queue count must be at least 1, got %d", cfg.Queues)
	}
	if cfg.Open == nil {
		return nil, errors.New(errors.KindConfiguration, "pool: open function is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	p := &Pool{cfg: cfg, logger: cfg.Logger.WithComponent("pool")}

	base := int(cfg.Base)
	for {
		last := base + cfg.Queues - 1
		if last > 0xffff {
			return nil, errors.Attr(errors.Errorf(errors.KindConfiguration,
				"no free range of %d queues at or above %d", cfg.Queues, cfg.Base), "queues", cfg.Queues)
		}
		queues, failed, err := p.tryRange(base)
		if err == nil {
			p.queues = queues
			p.logger.Info("queues bound", "first", base, "last", last)
			return p, nil
		}
		if !errors.IsRetryable(err) {
			return nil, err
		}
		p.logger.Debug("queue busy, moving range", "queue", failed, "error", err)
		base = failed + 1
	}
}

// tryRange opens [base, base+N). On failure everything opened is closed and
// the failing queue number is returned.
func (p *Pool) tryRange(base int) ([]Queue, int, error) {
	queues := make([]Queue, 0, p.cfg.Queues)
	for i := 0; i < p.cfg.Queues; i++ {
		num := base + i
		q, err := p.cfg.Open(uint16(num))
		if err != nil {
			for _, opened := range queues {
				if cerr := opened.Close(); cerr != nil {
					p.logger.Warn("failed to release queue", "queue", opened.Num(), "error", cerr)
				}
			}
			return nil, num, err
		}
		queues = append(queues, q)
	}
	return queues, 0, nil
}

// Range returns the first and last bound queue numbers.
func (p *Pool) Range() (first, last uint16) {
	return p.queues[0].Num(), p.queues[len(p.queues)-1].Num()
}

// Queues returns the bound queues in order.
func (p *Pool) Queues() []Queue { return p.queues }

// Start launches one goroutine per queue.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New(errors.KindConfiguration, "pool: closed")
	}
	if p.started {
		return errors.New(errors.KindConfiguration, "pool: already started")
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for _, q := range p.queues {
		p.wg.Add(1)
		go p.run(ctx, q)
	}
	return nil
}

func (p *Pool) run(ctx context.Context, q Queue) {
	defer p.wg.Done()
	if p.cfg.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	if err := q.Run(ctx); err != nil {
		p.logger.WithError(err).Error("queue stopped", "queue", q.Num())
		p.mu.Lock()
		p.errs = append(p.errs, err)
		p.mu.Unlock()
	}
}

// Stop cancels every run loop and waits for them to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Wait blocks until every run loop has returned and reports their errors.
func (p *Pool) Wait() error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.errs...)
}

// Close stops the pool and releases every queue.
func (p *Pool) Close() error {
	p.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for _, q := range p.queues {
		if err := q.Close(); err != nil {
			errs = append(errs, errors.Attr(err, "queue", q.Num()))
		}
	}
	return errors.Join(errs...)
}
