// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stream

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/nfregex/internal/errors"
	"grimm.is/nfregex/internal/logging"
	"grimm.is/nfregex/internal/matcher"
	"grimm.is/nfregex/internal/metrics"
	"grimm.is/nfregex/internal/packet"
	nftest "grimm.is/nfregex/internal/testutil"
)

const (
	client = "10.0.0.1:40000"
	server = "10.0.0.2:80"
)

// recorder is a predicate that scans every segment on its stream handle
// and flags the connection when db matches.
type recorder struct {
	t     *testing.T
	db    *matcher.Database
	calls []packet.Packet
}

func (r *recorder) predicate(p *packet.Packet) bool {
	r.calls = append(r.calls, *p)
	matched := false
	err := p.Session.ScanStream(p.Direction, p.StreamID, r.db, p.Payload, func(int, uint64, uint64) bool {
		matched = true
		return true
	})
	require.NoError(r.t, err)
	return matched
}

type harness struct {
	t   *testing.T
	ctx *Context
	m   *metrics.Metrics
	now time.Time
}

func newHarness(t *testing.T, pred packet.Predicate, mutate ...func(*Config)) *harness {
	t.Helper()
	m := metrics.NewMetrics()
	cfg := DefaultConfig()
	cfg.Queue = 1000
	cfg.Predicate = pred
	cfg.Metrics = m.Queue(1000)
	cfg.Logger = logging.New(logging.Config{Level: logging.LevelError})
	for _, fn := range mutate {
		fn(&cfg)
	}
	ctx, err := New(cfg)
	require.NoError(t, err)
	return &harness{t: t, ctx: ctx, m: m, now: time.Unix(1_700_000_000, 0)}
}

func (h *harness) feed(seg nftest.Segment) Evaluation {
	h.t.Helper()
	raw := nftest.TCPPacket(h.t, seg)
	d, err := packet.Decode(raw)
	require.NoError(h.t, err)
	h.now = h.now.Add(time.Millisecond)
	eval, err := h.ctx.Feed(&packet.Packet{Raw: raw, Payload: d.Payload(), TCP: true}, d, h.now)
	require.NoError(h.t, err)
	return eval
}

func (h *harness) handshake() {
	c, s := nftest.AddrPort(h.t, client), nftest.AddrPort(h.t, server)
	h.feed(nftest.Segment{Src: c, Dst: s, Seq: 100, SYN: true})
	h.feed(nftest.Segment{Src: s, Dst: c, Seq: 300, Ack: 101, SYN: true, ACK: true})
	h.feed(nftest.Segment{Src: c, Dst: s, Seq: 101, Ack: 301, ACK: true})
}

func compile(t *testing.T, expr string) *matcher.Database {
	t.Helper()
	db, err := matcher.Compile([]matcher.Pattern{{ID: 1, Expr: expr}})
	require.NoError(t, err)
	return db
}

func TestNewRequiresPredicate(t *testing.T) {
	_, err := New(Config{})
	assert.Equal(t, errors.KindConfiguration, errors.GetKind(err))
}

func TestClientDataEvaluated(t *testing.T) {
	rec := &recorder{t: t, db: compile(t, "forbidden")}
	h := newHarness(t, rec.predicate)
	h.handshake()
	assert.Empty(t, rec.calls, "handshake carries no data")

	c, s := nftest.AddrPort(t, client), nftest.AddrPort(t, server)
	eval := h.feed(nftest.Segment{Src: c, Dst: s, Seq: 101, Ack: 301, ACK: true, PSH: true, Payload: []byte("GET / HTTP/1.1\r\n")})

	assert.True(t, eval.Evaluated)
	assert.False(t, eval.Terminate)
	assert.Equal(t, "10.0.0.1:40000 - 10.0.0.2:80", eval.StreamID)
	assert.Equal(t, packet.Inbound, eval.Direction)

	require.Len(t, rec.calls, 1)
	call := rec.calls[0]
	assert.True(t, call.IsInput())
	assert.True(t, call.TCP)
	assert.Equal(t, []byte("GET / HTTP/1.1\r\n"), call.Payload)
	assert.NotEmpty(t, call.Raw)

	assert.Equal(t, 1, h.ctx.OpenHandles(packet.Inbound))
	assert.Equal(t, 0, h.ctx.OpenHandles(packet.Outbound))

	// a pure ACK produces no evaluation
	eval = h.feed(nftest.Segment{Src: s, Dst: c, Seq: 301, Ack: 117, ACK: true})
	assert.False(t, eval.Evaluated)
}

func TestServerMatchTerminatesAndStopsInspection(t *testing.T) {
	rec := &recorder{t: t, db: compile(t, "secret")}
	h := newHarness(t, rec.predicate)
	h.handshake()

	c, s := nftest.AddrPort(t, client), nftest.AddrPort(t, server)
	h.feed(nftest.Segment{Src: c, Dst: s, Seq: 101, Ack: 301, ACK: true, PSH: true, Payload: []byte("GET /")})
	require.Equal(t, 1, h.ctx.OpenHandles(packet.Inbound))

	eval := h.feed(nftest.Segment{Src: s, Dst: c, Seq: 301, Ack: 106, ACK: true, PSH: true, Payload: []byte("the secret is")})
	assert.True(t, eval.Evaluated)
	assert.True(t, eval.Terminate)
	assert.Equal(t, packet.Outbound, eval.Direction)

	assert.Equal(t, 0, h.ctx.OpenHandles(packet.Inbound), "both directions closed eagerly")
	assert.Equal(t, 0, h.ctx.OpenHandles(packet.Outbound))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.Streams.WithLabelValues("1000", "flagged")))

	calls := len(rec.calls)
	eval = h.feed(nftest.Segment{Src: c, Dst: s, Seq: 106, Ack: 314, ACK: true, PSH: true, Payload: []byte("more")})
	assert.False(t, eval.Evaluated)
	eval = h.feed(nftest.Segment{Src: s, Dst: c, Seq: 314, Ack: 110, ACK: true, PSH: true, Payload: []byte("secret")})
	assert.False(t, eval.Evaluated)
	assert.Len(t, rec.calls, calls, "no predicate calls after a positive verdict")

	// closing the connection later does not close handles twice
	h.feed(nftest.Segment{Src: c, Dst: s, Seq: 110, Ack: 320, ACK: true, FIN: true})
	h.feed(nftest.Segment{Src: s, Dst: c, Seq: 320, Ack: 111, ACK: true, FIN: true})
	assert.NoError(t, h.ctx.Err())
	assert.Equal(t, 0, h.ctx.Live())
}

func TestPartialStreamIgnored(t *testing.T) {
	rec := &recorder{t: t, db: compile(t, "x")}
	h := newHarness(t, rec.predicate)

	c, s := nftest.AddrPort(t, client), nftest.AddrPort(t, server)
	eval := h.feed(nftest.Segment{Src: c, Dst: s, Seq: 5000, Ack: 9000, ACK: true, PSH: true, Payload: []byte("xxx")})

	assert.False(t, eval.Evaluated)
	assert.Empty(t, rec.calls)
	assert.Equal(t, 0, h.ctx.Live())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.Streams.WithLabelValues("1000", "partial")))
}

func TestTerminationWithoutHandlesIsNoop(t *testing.T) {
	h := newHarness(t, func(*packet.Packet) bool { return false })
	h.handshake()
	require.Equal(t, 1, h.ctx.Live())

	c, s := nftest.AddrPort(t, client), nftest.AddrPort(t, server)
	h.feed(nftest.Segment{Src: c, Dst: s, Seq: 101, Ack: 301, ACK: true, FIN: true})
	h.feed(nftest.Segment{Src: s, Dst: c, Seq: 301, Ack: 102, ACK: true, FIN: true})

	assert.NoError(t, h.ctx.Err())
	assert.Equal(t, 0, h.ctx.Live())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.Streams.WithLabelValues("1000", "closed")))
}

func TestResetClosesHandles(t *testing.T) {
	rec := &recorder{t: t, db: compile(t, "never")}
	h := newHarness(t, rec.predicate)
	h.handshake()

	c, s := nftest.AddrPort(t, client), nftest.AddrPort(t, server)
	h.feed(nftest.Segment{Src: c, Dst: s, Seq: 101, Ack: 301, ACK: true, PSH: true, Payload: []byte("hello")})
	h.feed(nftest.Segment{Src: s, Dst: c, Seq: 301, Ack: 106, ACK: true, PSH: true, Payload: []byte("world")})
	require.Equal(t, 1, h.ctx.OpenHandles(packet.Inbound))
	require.Equal(t, 1, h.ctx.OpenHandles(packet.Outbound))

	h.feed(nftest.Segment{Src: s, Dst: c, Seq: 306, RST: true})

	assert.Equal(t, 0, h.ctx.OpenHandles(packet.Inbound))
	assert.Equal(t, 0, h.ctx.OpenHandles(packet.Outbound))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.m.OpenHandles.WithLabelValues("1000")))
	assert.NoError(t, h.ctx.Err())
}

func TestStreamMatchedTracksHandle(t *testing.T) {
	rec := &recorder{t: t, db: compile(t, "^GET ")}
	h := newHarness(t, func(p *packet.Packet) bool {
		rec.predicate(p)
		return false
	})
	h.handshake()

	c, s := nftest.AddrPort(t, client), nftest.AddrPort(t, server)
	id := "10.0.0.1:40000 - 10.0.0.2:80"
	_, known := h.ctx.StreamMatched(packet.Inbound, id, 1)
	assert.False(t, known, "no handle before data")

	h.feed(nftest.Segment{Src: c, Dst: s, Seq: 101, Ack: 301, ACK: true, PSH: true, Payload: []byte("GET / HTTP/1.1\r\n")})
	h.feed(nftest.Segment{Src: c, Dst: s, Seq: 117, Ack: 301, ACK: true, PSH: true, Payload: []byte("Host: a\r\n")})

	matched, known := h.ctx.StreamMatched(packet.Inbound, id, 1)
	assert.True(t, known)
	assert.True(t, matched)

	_, known = h.ctx.StreamMatched(packet.Inbound, id, 2)
	assert.False(t, known, "pattern not in the handle's database")
}

func TestIdleFlushClosesStreams(t *testing.T) {
	rec := &recorder{t: t, db: compile(t, "never")}
	h := newHarness(t, rec.predicate, func(cfg *Config) {
		cfg.IdleTimeout = time.Second
		cfg.FlushInterval = time.Second
	})
	h.handshake()
	c, s := nftest.AddrPort(t, client), nftest.AddrPort(t, server)
	h.feed(nftest.Segment{Src: c, Dst: s, Seq: 101, Ack: 301, ACK: true, PSH: true, Payload: []byte("hello")})
	require.Equal(t, 1, h.ctx.Live())

	// traffic on another connection advances the clock past the idle timeout
	h.now = h.now.Add(5 * time.Second)
	other := nftest.AddrPort(t, "10.0.0.9:41000")
	h.feed(nftest.Segment{Src: other, Dst: s, Seq: 1, SYN: true})

	assert.Equal(t, 1, h.ctx.Live(), "only the new connection remains")
	assert.Equal(t, 0, h.ctx.OpenHandles(packet.Inbound))
}

func TestScanOutsideInspection(t *testing.T) {
	h := newHarness(t, func(*packet.Packet) bool { return false })

	err := h.ctx.ScanStream(packet.Inbound, "1.1.1.1:1 - 2.2.2.2:2", compile(t, "a"), []byte("a"), nil)
	assert.Equal(t, errors.KindConsistency, errors.GetKind(err))
	assert.Equal(t, errors.KindConsistency, errors.GetKind(h.ctx.Err()), "consistency errors are sticky")
}

func TestScanDatagramCreatesNoHandle(t *testing.T) {
	h := newHarness(t, func(*packet.Packet) bool { return false })

	hits := 0
	err := h.ctx.ScanDatagram(packet.Inbound, compile(t, "dns"), []byte("dns query"), func(int, uint64, uint64) bool {
		hits++
		return false
	})
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
	assert.Equal(t, 0, h.ctx.OpenHandles(packet.Inbound))
	assert.NoError(t, h.ctx.ScanDatagram(packet.Inbound, nil, []byte("x"), nil))
}

func TestCloseReleasesEverything(t *testing.T) {
	rec := &recorder{t: t, db: compile(t, "never")}
	h := newHarness(t, rec.predicate)
	h.handshake()
	c, s := nftest.AddrPort(t, client), nftest.AddrPort(t, server)
	h.feed(nftest.Segment{Src: c, Dst: s, Seq: 101, Ack: 301, ACK: true, PSH: true, Payload: []byte("hello")})
	require.Equal(t, 1, h.ctx.OpenHandles(packet.Inbound))

	require.NoError(t, h.ctx.Close())
	assert.Equal(t, 0, h.ctx.OpenHandles(packet.Inbound))
	assert.Equal(t, 0, h.ctx.Live())
	assert.NoError(t, h.ctx.Close(), "second close is a no-op")

	raw := nftest.TCPPacket(t, nftest.Segment{Src: c, Dst: s, Seq: 106, ACK: true})
	d, err := packet.Decode(raw)
	require.NoError(t, err)
	_, err = h.ctx.Feed(&packet.Packet{Raw: raw}, d, h.now)
	assert.Equal(t, errors.KindConsistency, errors.GetKind(err))
}
