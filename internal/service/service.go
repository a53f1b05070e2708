// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package service runs the configured services: for each one a filter
// engine, a queue pool and the firewall rules feeding it.
package service

import (
	"context"
	"net/netip"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"grimm.is/nfregex/internal/config"
	"grimm.is/nfregex/internal/errors"
	"grimm.is/nfregex/internal/filter"
	"grimm.is/nfregex/internal/firewall"
	"grimm.is/nfregex/internal/logging"
	"grimm.is/nfregex/internal/metrics"
	"grimm.is/nfregex/internal/nfq"
	"grimm.is/nfregex/internal/packet"
)

// Status represents the current state of a service.
type Status struct {
	Name       string            `json:"name"`
	Running    bool              `json:"running"`
	Error      string            `json:"error,omitempty"`
	QueueFirst uint16            `json:"queue_first,omitempty"`
	QueueLast  uint16            `json:"queue_last,omitempty"`
	Blocked    map[string]uint64 `json:"blocked,omitempty"`
}

// OpenQueueFunc binds queue num with opts.
type OpenQueueFunc func(num uint16, opts nfq.Options) (nfq.Queue, error)

// OpenQueue dials netfilter and binds an endpoint.
func OpenQueue(num uint16, opts nfq.Options) (nfq.Queue, error) {
	conn, err := nfq.Dial()
	if err != nil {
		return nil, err
	}
	ep, err := nfq.Open(conn, num, opts)
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// Options configures a Manager.
type Options struct {
	Rules     firewall.Rules
	OpenQueue OpenQueueFunc
	// Prefixes resolves an interface to its addresses.
	Prefixes  func(iface string, ipv6 bool) ([]netip.Prefix, error)

	Metrics      *metrics.Metrics
	Logger       *logging.Logger
	LockOSThread bool
}

// Manager owns every running service.
type Manager struct {
	opts   Options
	logger *logging.Logger
	id     string

	mu       sync.Mutex
	cfg      *config.Config
	ctx      context.Context
	running  map[string]*instance
	failures chan error
}

type instance struct {
	name   string
	cfg    config.Service
	engine *filter.Engine
	pool   *nfq.Pool

	mu  sync.Mutex
	err error
}

// NewManager creates a Manager for cfg. Nothing is started.
func NewManager(cfg *config.Config, opts Options) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New(errors.KindConfiguration, "service: config is required")
	}
	if opts.Rules == nil {
		return nil, errors.New(errors.KindConfiguration, "service: firewall rules are required")
	}
	if opts.OpenQueue == nil {
		opts.OpenQueue = OpenQueue
	}
	if opts.Prefixes == nil {
		opts.Prefixes = firewall.InterfacePrefixes
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Manager{
		opts:     opts,
		logger:   opts.Logger.WithComponent("service"),
		id:       uuid.NewString(),
		cfg:      cfg,
		running:  make(map[string]*instance),
		failures: make(chan error, 16),
	}, nil
}

// Name returns the component name.
func (m *Manager) Name() string { return "nfregex" }

// Instance returns the id stamped on this run's firewall rules.
func (m *Manager) Instance() string { return m.id }

// Failures delivers the errors that stopped a service's queues.
func (m *Manager) Failures() <-chan error { return m.failures }

// Start removes rules left by an earlier run and starts every active service.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx != nil {
		return errors.New(errors.KindConfiguration, "service: already started")
	}
	m.ctx = ctx

	if err := m.opts.Rules.Cleanup(); err != nil {
		m.logger.Warn("failed to remove stale rules", "error", err)
	}
	for _, sc := range m.cfg.Services {
		if !sc.IsActive() {
			continue
		}
		if err := m.startLocked(sc); err != nil {
			m.stopAllLocked()
			m.ctx = nil
			return err
		}
	}
	m.logger.Info("services started", "count", len(m.running), "instance", m.id)
	return nil
}

func (m *Manager) startLocked(sc config.Service) error {
	logger := m.opts.Logger.With("service", sc.Name)

	filters, err := sc.ToFilters()
	if err != nil {
		return err
	}
	engine, err := filter.NewEngine(sc.Name, filters, m.opts.Metrics, m.opts.Logger, m.cfg.MatcherOptions()...)
	if err != nil {
		return err
	}
	streamCfg, err := m.cfg.StreamConfig()
	if err != nil {
		return err
	}

	prefixes, err := m.prefixes(sc)
	if err != nil {
		return err
	}

	inst := &instance{name: sc.Name, cfg: sc, engine: engine}
	qopts := nfq.Options{
		Predicate: engine.Predicate(),
		Direction: directionByPort(uint16(sc.Port)),
		Mark:      sc.Mark(),
		Logger:    logger,
		Metrics:   m.opts.Metrics,
		Stream:    streamCfg,
	}
	pool, err := nfq.NewPool(nfq.PoolConfig{
		Queues: sc.Queues,
		Base:   uint16(m.cfg.QueueBase),
		Open: func(num uint16) (nfq.Queue, error) {
			q, err := m.opts.OpenQueue(num, qopts)
			if err != nil {
				return nil, err
			}
			return &reportingQueue{Queue: q, fail: func(err error) { m.fail(inst, err) }}, nil
		},
		Logger:       logger,
		LockOSThread: m.opts.LockOSThread,
	})
	if err != nil {
		return errors.Attr(err, "service", sc.Name)
	}
	if err := pool.Start(m.ctx); err != nil {
		pool.Close()
		return err
	}

	proto, err := firewall.ParseProto(sc.Proto)
	if err != nil {
		pool.Close()
		return err
	}
	first, last := pool.Range()
	if err := m.opts.Rules.Apply(firewall.Service{
		Name:       sc.Name,
		Proto:      proto,
		Port:       uint16(sc.Port),
		IPv6:       sc.IPv6,
		Prefixes:   prefixes,
		QueueFirst: first,
		QueueLast:  last,
		Instance:   m.id,
	}); err != nil {
		pool.Close()
		return errors.Attr(err, "service", sc.Name)
	}

	inst.pool = pool
	m.running[sc.Name] = inst
	logger.Info("service started", "port", sc.Port, "proto", sc.Proto, "queue_first", first, "queue_last", last)
	return nil
}

func (m *Manager) prefixes(sc config.Service) ([]netip.Prefix, error) {
	if sc.Interface != "" {
		return m.opts.Prefixes(sc.Interface, sc.IPv6)
	}
	p, ok, err := sc.Prefix()
	if err != nil || !ok {
		return nil, err
	}
	return []netip.Prefix{p}, nil
}

// reportingQueue forwards the error that ended a run loop.
type reportingQueue struct {
	nfq.Queue
	fail func(error)
}

func (q *reportingQueue) Run(ctx context.Context) error {
	err := q.Queue.Run(ctx)
	if err != nil {
		q.fail(errors.Attr(err, "queue", q.Num()))
	}
	return err
}

func (m *Manager) fail(inst *instance, err error) {
	inst.mu.Lock()
	inst.err = err
	inst.mu.Unlock()
	m.logger.WithError(err).Error("service queue stopped", "service", inst.name)
	select {
	case m.failures <- errors.Attr(err, "service", inst.name):
	default:
	}
}

func (m *Manager) stopLocked(name string) error {
	inst, ok := m.running[name]
	if !ok {
		return nil
	}
	delete(m.running, name)

	// rules go first so no packet is queued to a closing endpoint
	rerr := m.opts.Rules.Remove(name)
	perr := inst.pool.Close()
	m.logger.Info("service stopped", "service", name)
	return errors.Join(rerr, perr)
}

func (m *Manager) stopAllLocked() error {
	var errs []error
	for name := range m.running {
		errs = append(errs, m.stopLocked(name))
	}
	return errors.Join(errs...)
}

// Stop stops every service and removes the nfregex table.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.stopAllLocked()
	if cerr := m.opts.Rules.Cleanup(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	m.ctx = nil
	return err
}

// Reload applies cfg. Filter-only changes are swapped into running
// engines; any other change to a service restarts it. Changes to queue_base,
// reassembly or matcher settings restart every service. It reports whether
// any service was restarted.
func (m *Manager) Reload(cfg *config.Config) (bool, error) {
	if cfg == nil {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.cfg
	m.cfg = cfg
	if m.ctx == nil {
		return false, nil
	}

	global := old.QueueBase != cfg.QueueBase ||
		!reflect.DeepEqual(old.Reassembly, cfg.Reassembly) ||
		!reflect.DeepEqual(old.Matcher, cfg.Matcher)

	wanted := make(map[string]config.Service)
	for _, sc := range cfg.Services {
		if sc.IsActive() {
			wanted[sc.Name] = sc
		}
	}

	var errs []error
	restarted := false
	for name := range m.running {
		if _, ok := wanted[name]; !ok {
			errs = append(errs, m.stopLocked(name))
		}
	}
	for _, sc := range cfg.Services {
		if !sc.IsActive() {
			continue
		}
		inst, ok := m.running[sc.Name]
		switch {
		case !ok:
			errs = append(errs, m.startLocked(sc))
		case global || !sameRuntime(inst.cfg, sc):
			restarted = true
			errs = append(errs, m.stopLocked(sc.Name))
			errs = append(errs, m.startLocked(sc))
		case !reflect.DeepEqual(inst.cfg.Filters, sc.Filters):
			filters, err := sc.ToFilters()
			if err == nil {
				err = inst.engine.Update(filters)
			}
			if err != nil {
				errs = append(errs, err)
				continue
			}
			inst.cfg = sc
		}
	}
	return restarted, errors.Join(errs...)
}

// sameRuntime reports whether a and b differ only in their filters.
func sameRuntime(a, b config.Service) bool {
	a.Filters, b.Filters = nil, nil
	return reflect.DeepEqual(a, b)
}

// Status returns the state of every configured service.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.cfg.Services))
	for _, sc := range m.cfg.Services {
		st := Status{Name: sc.Name}
		if inst, ok := m.running[sc.Name]; ok {
			st.QueueFirst, st.QueueLast = inst.pool.Range()
			st.Blocked = inst.engine.Stats()
			inst.mu.Lock()
			if inst.err != nil {
				st.Error = inst.err.Error()
			} else {
				st.Running = true
			}
			inst.mu.Unlock()
		}
		out = append(out, st)
	}
	return out
}

// directionByPort classifies datagrams: those sent from the service port
// are replies.
func directionByPort(port uint16) func(*packet.Decoded) packet.Direction {
	return func(d *packet.Decoded) packet.Direction {
		if src, _ := d.Ports(); src == port {
			return packet.Outbound
		}
		return packet.Inbound
	}
}
