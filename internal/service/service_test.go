// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package service

import (
	"context"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/nfregex/internal/config"
	"grimm.is/nfregex/internal/errors"
	"grimm.is/nfregex/internal/firewall"
	"grimm.is/nfregex/internal/logging"
	"grimm.is/nfregex/internal/nfq"
	"grimm.is/nfregex/internal/packet"
	"grimm.is/nfregex/internal/testutil"
)

type fakeRules struct {
	mu       sync.Mutex
	applied  map[string]firewall.Service
	applies  int
	removed  []string
	cleanups int
}

func newFakeRules() *fakeRules {
	return &fakeRules{applied: make(map[string]firewall.Service)}
}

func (r *fakeRules) Apply(svc firewall.Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied[svc.Name] = svc
	r.applies++
	return nil
}

func (r *fakeRules) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.applied, name)
	r.removed = append(r.removed, name)
	return nil
}

func (r *fakeRules) Cleanup() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = make(map[string]firewall.Service)
	r.cleanups++
	return nil
}

func (r *fakeRules) get(name string) (firewall.Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.applied[name]
	return svc, ok
}

// fakeKernel hands out queue numbers the way the kernel does: a number is
// busy while some queue holds it.
type fakeKernel struct {
	mu      sync.Mutex
	bound   map[uint16]*fakeQueue
	opts    map[uint16]nfq.Options
	runErrs map[uint16]error
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		bound:   make(map[uint16]*fakeQueue),
		opts:    make(map[uint16]nfq.Options),
		runErrs: make(map[uint16]error),
	}
}

func (k *fakeKernel) open(num uint16, opts nfq.Options) (nfq.Queue, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.bound[num]; ok {
		return nil, errors.Errorf(errors.KindQueueBusy, "queue %d is in use", num)
	}
	q := &fakeQueue{num: num, kernel: k, runErr: k.runErrs[num]}
	k.bound[num] = q
	k.opts[num] = opts
	return q, nil
}

func (k *fakeKernel) isBound(num uint16) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.bound[num]
	return ok
}

func (k *fakeKernel) options(num uint16) nfq.Options {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.opts[num]
}

type fakeQueue struct {
	num    uint16
	kernel *fakeKernel
	runErr error
}

func (q *fakeQueue) Num() uint16 { return q.num }

func (q *fakeQueue) Run(ctx context.Context) error {
	if q.runErr != nil {
		return q.runErr
	}
	<-ctx.Done()
	return nil
}

func (q *fakeQueue) Close() error {
	q.kernel.mu.Lock()
	defer q.kernel.mu.Unlock()
	delete(q.kernel.bound, q.num)
	return nil
}

const baseConfig = `
service "web" {
  port    = 8080
  address = "10.0.0.0/8"
  queues  = 4

  filter "sqli" {
    regex = "union\\s+select"
  }
}

service "dns" {
  port    = 53
  proto   = "udp"
  ct_mark = 7
}

service "off" {
  port   = 22
  active = false
}
`

func loadConfig(t *testing.T, src string) *config.Config {
	t.Helper()
	cfg, err := config.LoadHCL([]byte(src), "test.hcl")
	require.NoError(t, err)
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *fakeKernel, *fakeRules) {
	t.Helper()
	kernel := newFakeKernel()
	rules := newFakeRules()
	m, err := NewManager(cfg, Options{
		Rules:     rules,
		OpenQueue: kernel.open,
		Prefixes: func(string, bool) ([]netip.Prefix, error) {
			return []netip.Prefix{netip.MustParsePrefix("192.168.1.1/32")}, nil
		},
		Logger: logging.New(logging.Config{Output: io.Discard}),
	})
	require.NoError(t, err)
	return m, kernel, rules
}

func TestNewManagerValidates(t *testing.T) {
	_, err := NewManager(nil, Options{Rules: newFakeRules()})
	assert.Equal(t, errors.KindConfiguration, errors.GetKind(err))

	_, err = NewManager(config.Default(), Options{})
	assert.Equal(t, errors.KindConfiguration, errors.GetKind(err))
}

func TestStartInstallsServices(t *testing.T) {
	m, kernel, rules := newTestManager(t, loadConfig(t, baseConfig))
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	defer m.Stop(ctx)

	assert.Equal(t, 1, rules.cleanups, "stale rules are removed first")

	web, ok := rules.get("web")
	require.True(t, ok)
	assert.Equal(t, uint16(1000), web.QueueFirst)
	assert.Equal(t, uint16(1003), web.QueueLast)
	assert.Equal(t, firewall.ProtoTCP, web.Proto)
	assert.Equal(t, uint16(8080), web.Port)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}, web.Prefixes)
	assert.Equal(t, m.Instance(), web.Instance)

	// web holds 1000..1003, so dns is pushed past it
	dns, ok := rules.get("dns")
	require.True(t, ok)
	assert.Equal(t, uint16(1004), dns.QueueFirst)
	assert.Equal(t, uint16(1004), dns.QueueLast)
	assert.Equal(t, firewall.ProtoUDP, dns.Proto)
	assert.Empty(t, dns.Prefixes)

	_, ok = rules.get("off")
	assert.False(t, ok, "inactive services are not installed")

	assert.Equal(t, uint32(nfq.DefaultMark), kernel.options(1000).Mark)
	assert.Equal(t, uint32(7), kernel.options(1004).Mark)
	assert.NotNil(t, kernel.options(1000).Predicate)

	status := m.Status()
	require.Len(t, status, 3)
	assert.True(t, status[0].Running)
	assert.Equal(t, uint16(1000), status[0].QueueFirst)
	assert.False(t, status[2].Running)
}

func TestStartTwice(t *testing.T) {
	m, _, _ := newTestManager(t, loadConfig(t, baseConfig))
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	defer m.Stop(ctx)

	err := m.Start(ctx)
	assert.Equal(t, errors.KindConfiguration, errors.GetKind(err))
}

func TestInterfacePrefixes(t *testing.T) {
	m, _, rules := newTestManager(t, loadConfig(t, `
service "lan" {
  port      = 80
  interface = "eth0"
}
`))
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	defer m.Stop(ctx)

	lan, ok := rules.get("lan")
	require.True(t, ok)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("192.168.1.1/32")}, lan.Prefixes)
}

func TestDirectionByPort(t *testing.T) {
	m, kernel, _ := newTestManager(t, loadConfig(t, baseConfig))
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	defer m.Stop(ctx)

	dir := kernel.options(1004).Direction
	require.NotNil(t, dir)

	reply, err := packet.Decode(testutil.UDPPacket(t, testutil.AddrPort(t, "10.0.0.2:53"), testutil.AddrPort(t, "10.0.0.1:40000"), []byte("resp")))
	require.NoError(t, err)
	assert.Equal(t, packet.Outbound, dir(reply))

	query, err := packet.Decode(testutil.UDPPacket(t, testutil.AddrPort(t, "10.0.0.1:40000"), testutil.AddrPort(t, "10.0.0.2:53"), []byte("query")))
	require.NoError(t, err)
	assert.Equal(t, packet.Inbound, dir(query))
}

func TestStopReleasesEverything(t *testing.T) {
	m, kernel, rules := newTestManager(t, loadConfig(t, baseConfig))
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Stop(ctx))

	for num := uint16(1000); num <= 1004; num++ {
		assert.False(t, kernel.isBound(num), "queue %d still bound", num)
	}
	assert.ElementsMatch(t, []string{"web", "dns"}, rules.removed)
	assert.Equal(t, 2, rules.cleanups)
	for _, st := range m.Status() {
		assert.False(t, st.Running)
	}
}

func TestReloadSwapsFilters(t *testing.T) {
	m, kernel, rules := newTestManager(t, loadConfig(t, baseConfig))
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	defer m.Stop(ctx)
	pool := m.running["web"].pool

	restarted, err := m.Reload(loadConfig(t, `
service "web" {
  port    = 8080
  address = "10.0.0.0/8"
  queues  = 4

  filter "xss" {
    regex = "<script"
  }
}

service "dns" {
  port    = 53
  proto   = "udp"
  ct_mark = 7
}
`))
	require.NoError(t, err)
	assert.False(t, restarted)
	assert.Same(t, pool, m.running["web"].pool, "filter changes keep the queues")
	assert.Equal(t, 2, rules.applies)
	assert.True(t, kernel.isBound(1000))

	filters := m.running["web"].engine.Set().Filters()
	require.Len(t, filters, 1)
	assert.Equal(t, "xss", filters[0].Name)
}

func TestReloadRestartsChangedService(t *testing.T) {
	m, _, rules := newTestManager(t, loadConfig(t, baseConfig))
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	defer m.Stop(ctx)

	restarted, err := m.Reload(loadConfig(t, `
service "web" {
  port    = 8443
  address = "10.0.0.0/8"
  queues  = 2
}

service "ssh" {
  port = 22
}
`))
	require.NoError(t, err)
	assert.True(t, restarted)

	web, ok := rules.get("web")
	require.True(t, ok)
	assert.Equal(t, uint16(8443), web.Port)
	assert.Equal(t, web.QueueFirst+1, web.QueueLast)

	_, ok = rules.get("dns")
	assert.False(t, ok, "removed services are stopped")
	assert.Contains(t, rules.removed, "dns")

	_, ok = rules.get("ssh")
	assert.True(t, ok, "new services are started")
}

func TestReloadBeforeStart(t *testing.T) {
	m, _, rules := newTestManager(t, loadConfig(t, baseConfig))
	restarted, err := m.Reload(loadConfig(t, `
service "ssh" {
  port = 22
}
`))
	require.NoError(t, err)
	assert.False(t, restarted)
	assert.Zero(t, rules.applies)
	require.Len(t, m.Status(), 1)
	assert.Equal(t, "ssh", m.Status()[0].Name)
}

func TestQueueFailureIsReported(t *testing.T) {
	m, kernel, _ := newTestManager(t, loadConfig(t, baseConfig))
	kernel.runErrs[1004] = errors.New(errors.KindTransport, "receive: connection reset")

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	defer m.Stop(ctx)

	select {
	case err := <-m.Failures():
		assert.Equal(t, errors.KindTransport, errors.GetKind(err))
		assert.Equal(t, "dns", errors.GetAttributes(err)["service"])
	case <-time.After(2 * time.Second):
		t.Fatal("no failure reported")
	}

	status := m.Status()
	assert.True(t, status[0].Running)
	assert.False(t, status[1].Running)
	assert.Contains(t, status[1].Error, "connection reset")
}
