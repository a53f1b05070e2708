// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package firewall

import (
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"

	"grimm.is/nfregex/internal/errors"
	"grimm.is/nfregex/internal/logging"
	"grimm.is/nfregex/internal/metrics"
)

// NFTablesConn is the subset of *nftables.Conn used by Manager.
type NFTablesConn interface {
	AddTable(t *nftables.Table) *nftables.Table
	DelTable(t *nftables.Table)
	AddChain(c *nftables.Chain) *nftables.Chain
	AddRule(r *nftables.Rule) *nftables.Rule
	DelRule(r *nftables.Rule) error
	GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error)
	Flush() error
}

var _ NFTablesConn = (*nftables.Conn)(nil)

// Manager owns the nfregex table.
type Manager struct {
	conn   NFTablesConn
	logger *logging.Logger

	mu     sync.Mutex
	table  *nftables.Table
	chains map[string]*nftables.Chain
}

var _ Rules = (*Manager)(nil)
var _ metrics.RuleSource = (*Manager)(nil)

// NewManager opens a netlink connection to nftables.
func NewManager(logger *logging.Logger) (*Manager, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "open nftables connection")
	}
	return NewManagerWithConn(conn, logger), nil
}

// NewManagerWithConn creates a Manager over an injected connection.
func NewManagerWithConn(conn NFTablesConn, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &Manager{
		conn:   conn,
		logger: logger.WithComponent("firewall"),
	}
}

// ensure creates the table and both chains on first use.
func (m *Manager) ensure() {
	if m.table != nil {
		return
	}
	policy := nftables.ChainPolicyAccept
	m.table = m.conn.AddTable(&nftables.Table{Name: Table, Family: nftables.TableFamilyINet})
	m.chains = map[string]*nftables.Chain{
		ChainInbound: m.conn.AddChain(&nftables.Chain{
			Name:     ChainInbound,
			Table:    m.table,
			Type:     nftables.ChainTypeFilter,
			Hooknum:  nftables.ChainHookPrerouting,
			Priority: nftables.ChainPriorityMangle,
			Policy:   &policy,
		}),
		ChainOutbound: m.conn.AddChain(&nftables.Chain{
			Name:     ChainOutbound,
			Table:    m.table,
			Type:     nftables.ChainTypeFilter,
			Hooknum:  nftables.ChainHookPostrouting,
			Priority: nftables.ChainPriorityMangle,
			Policy:   &policy,
		}),
	}
}

// Apply installs the queue rules of svc, replacing any rules previously
// installed for a service with the same name.
func (m *Manager) Apply(svc Service) error {
	if err := svc.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ensure()
	if err := m.flush(); err != nil {
		return err
	}
	if err := m.deleteRules(svc.Name); err != nil {
		return err
	}

	for chain, dir := range map[string]direction{ChainInbound: inbound, ChainOutbound: outbound} {
		for _, exprs := range serviceExprs(svc, dir) {
			m.conn.AddRule(&nftables.Rule{
				Table:    m.table,
				Chain:    m.chains[chain],
				Exprs:    exprs,
				UserData: svc.userData(),
			})
		}
	}
	if err := m.flush(); err != nil {
		return err
	}
	m.logger.Info("rules applied", "service", svc.Name, "port", svc.Port, "proto", svc.Proto,
		"queue_first", svc.QueueFirst, "queue_last", svc.QueueLast)
	return nil
}

// Remove deletes the rules of the named service.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.table == nil {
		return nil
	}
	if err := m.deleteRules(name); err != nil {
		return err
	}
	if err := m.flush(); err != nil {
		return err
	}
	m.logger.Info("rules removed", "service", name)
	return nil
}

// Cleanup deletes the whole table, including rules left by an earlier run.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// add first so the delete cannot fail on a missing table
	t := m.conn.AddTable(&nftables.Table{Name: Table, Family: nftables.TableFamilyINet})
	m.conn.DelTable(t)
	m.table = nil
	m.chains = nil
	return m.flush()
}

func (m *Manager) flush() error {
	if err := m.conn.Flush(); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "nftables flush")
	}
	return nil
}

// deleteRules queues deletion of every rule tagged with service name.
func (m *Manager) deleteRules(name string) error {
	for _, chain := range m.chains {
		rules, err := m.conn.GetRules(m.table, chain)
		if err != nil {
			return errors.Wrapf(err, errors.KindUnavailable, "list rules of %s", chain.Name)
		}
		for _, r := range rules {
			if svc, ok := parseUserData(r.UserData); !ok || svc != name {
				continue
			}
			if err := m.conn.DelRule(r); err != nil {
				return errors.Wrapf(err, errors.KindUnavailable, "delete rule %d", r.Handle)
			}
		}
	}
	return nil
}

// RuleCounters reads the counters of every nfregex rule, summed per service
// and direction.
func (m *Manager) RuleCounters() ([]metrics.RuleCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.table == nil {
		return nil, nil
	}

	type key struct{ service, dir string }
	sums := make(map[key]*metrics.RuleCounter)
	var order []key
	for name, chain := range m.chains {
		dir := "in"
		if name == ChainOutbound {
			dir = "out"
		}
		rules, err := m.conn.GetRules(m.table, chain)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindUnavailable, "list rules of %s", name)
		}
		for _, r := range rules {
			svc, ok := parseUserData(r.UserData)
			if !ok {
				continue
			}
			for _, e := range r.Exprs {
				c, ok := e.(*expr.Counter)
				if !ok {
					continue
				}
				k := key{svc, dir}
				rc, seen := sums[k]
				if !seen {
					rc = &metrics.RuleCounter{Service: svc, Direction: dir}
					sums[k] = rc
					order = append(order, k)
				}
				rc.Packets += c.Packets
				rc.Bytes += c.Bytes
			}
		}
	}

	out := make([]metrics.RuleCounter, 0, len(order))
	for _, k := range order {
		out = append(out, *sums[k])
	}
	return out, nil
}
