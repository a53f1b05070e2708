// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package nfq binds kernel NFQUEUE numbers over netlink and returns a
// verdict for every queued packet. TCP packets go through per-queue stream
// reassembly; other transport traffic is judged one packet at a time.
package nfq

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mdlayher/netlink"

	"grimm.is/nfregex/internal/errors"
	"grimm.is/nfregex/internal/logging"
	"grimm.is/nfregex/internal/metrics"
	"grimm.is/nfregex/internal/packet"
	"grimm.is/nfregex/internal/stream"
)

// DefaultMark is the conntrack mark attached to every verdict.
const DefaultMark = 42

// Options configures an Endpoint.
type Options struct {
	Predicate packet.Predicate
	// Direction classifies non-TCP packets. Nil treats them as inbound.
	Direction func(*packet.Decoded) packet.Direction
	Mark      uint32
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
	// Stream carries the reassembly limits. Queue, Predicate, Logger and
	// Metrics are filled in by Open.
	Stream stream.Config
	// Now defaults to time.Now.
	Now func() time.Time
}

// Endpoint owns one bound kernel queue. It must not be copied.
type Endpoint struct {
	queue   uint16
	conn    Conn
	opts    Options
	sctx    *stream.Context
	logger  *logging.Logger
	metrics *metrics.Queue

	running atomic.Bool
	closed  bool
}

// Open binds queue on conn and configures packet copy. Open owns conn: on
// failure it is closed. A queue already claimed by another socket yields a
// KindQueueBusy error.
func Open(conn Conn, queue uint16, opts Options) (*Endpoint, error) {
	if opts.Predicate == nil {
		conn.Close()
		return nil, errors.New(errors.KindConfiguration, "nfq: predicate is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Endpoint{
		queue:   queue,
		conn:    conn,
		opts:    opts,
		logger:  opts.Logger.WithComponent("nfq").With("queue", queue),
		metrics: opts.Metrics.Queue(queue),
	}
	if err := e.bind(); err != nil {
		conn.Close()
		return nil, errors.Attr(err, "queue", queue)
	}

	scfg := opts.Stream
	scfg.Queue = queue
	scfg.Predicate = opts.Predicate
	scfg.Logger = opts.Logger
	scfg.Metrics = e.metrics
	sctx, err := stream.New(scfg)
	if err != nil {
		e.unbind()
		conn.Close()
		return nil, err
	}
	e.sctx = sctx

	e.metrics.Bound.Set(1)
	e.logger.Info("queue bound")
	return e, nil
}

func (e *Endpoint) bind() error {
	if err := e.conn.SetReadBuffer(ReceiveBufferSize); err != nil {
		return errors.Wrap(err, errors.KindTransport, "set receive buffer")
	}
	if err := e.sendConfig(configCommand(e.queue, cmdBind)); err != nil {
		return errors.Wrap(err, errors.KindTransport, "send bind")
	}

	// BIND has no reply on success. A NONE command is always rejected, with
	// ENOTSUPP only when the queue is ours; otherwise the BIND error
	// (EPERM/EBUSY) is read first.
	if err := e.sendConfig(configCommand(e.queue, cmdNone)); err != nil {
		return errors.Wrap(err, errors.KindTransport, "send bind probe")
	}
	msgs, err := e.conn.Receive()
	errno, isReply := replyErrno(msgs, err)
	switch {
	case isReply && errno == errnoNotSupported:
	case isReply && errno != 0:
		return errors.Attr(errors.Wrapf(errno, errors.KindQueueBusy, "queue %d is in use", e.queue), "errno", int(errno))
	case err != nil:
		return errors.Wrap(err, errors.KindTransport, "receive bind probe reply")
	default:
		return errors.Errorf(errors.KindConfiguration, "unexpected reply to bind probe: %d messages without error", len(msgs))
	}

	if err := e.sendConfig(configParams(e.queue)); err != nil {
		return errors.Wrap(err, errors.KindTransport, "send copy mode")
	}
	return nil
}

func (e *Endpoint) sendConfig(m netlink.Message, err error) error {
	if err != nil {
		return err
	}
	_, err = e.conn.Send(m)
	return err
}

func (e *Endpoint) unbind() {
	if err := e.sendConfig(configCommand(e.queue, cmdUnbind)); err != nil {
		e.logger.Debug("unbind failed", "error", err)
	}
}

// Num returns the queue number.
func (e *Endpoint) Num() uint16 { return e.queue }

// Run receives and judges packets until ctx is cancelled or a fatal error
// occurs. Malformed messages are dropped and counted. Transport failures and
// matcher consistency failures end the loop.
func (e *Endpoint) Run(ctx context.Context) error {
	if e.closed {
		return errors.New(errors.KindInternal, "nfq: endpoint closed")
	}
	if !e.running.CompareAndSwap(false, true) {
		return errors.New(errors.KindInternal, "nfq: endpoint already running")
	}
	defer e.running.Store(false)

	// lost-packet notifications are not actionable here
	if err := e.conn.SetOption(netlink.NoENOBUFS, true); err != nil {
		e.logger.Warn("failed to disable ENOBUFS reporting", "error", err)
	}

	stop := context.AfterFunc(ctx, func() {
		if err := e.conn.SetReadDeadline(time.Now()); err != nil {
			e.logger.Debug("failed to interrupt receive", "error", err)
		}
	})
	defer stop()

	for {
		msgs, err := e.conn.Receive()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errno, ok := replyErrno(nil, err); ok {
				e.protocolError(errors.Wrap(errno, errors.KindProtocol, "error reply"))
				continue
			}
			return errors.Attr(errors.Wrap(err, errors.KindTransport, "receive"), "queue", e.queue)
		}
		for _, m := range msgs {
			if err := e.dispatch(m); err != nil {
				if errors.IsFatal(err) {
					return errors.Attr(err, "queue", e.queue)
				}
				e.protocolError(err)
			}
		}
	}
}

func (e *Endpoint) protocolError(err error) {
	e.metrics.ProtocolErrors.Inc()
	e.logger.Warn("dropping malformed message", "error", err)
}

func (e *Endpoint) dispatch(m netlink.Message) error {
	switch m.Header.Type {
	case packetType:
		return e.handle(m)
	case netlink.Error:
		if errno, ok := replyErrno([]netlink.Message{m}, nil); ok && errno != 0 {
			return errors.Wrap(errno, errors.KindProtocol, "error reply")
		}
		return nil
	default:
		e.logger.Debug("ignoring message", "type", m.Header.Type)
		return nil
	}
}

func (e *Endpoint) handle(m netlink.Message) error {
	q, err := parsePacket(m.Data)
	if err != nil {
		perr := errors.Wrap(err, errors.KindProtocol, "parse packet")
		if q.hasID {
			if serr := e.send(q.id, Drop(e.opts.Mark)); serr != nil {
				return serr
			}
		}
		return perr
	}

	v, err := e.decide(q.payload)
	if err != nil {
		return err
	}
	return e.send(q.id, v)
}

// decide computes the verdict for one queued packet.
func (e *Endpoint) decide(raw []byte) (Verdict, error) {
	mark := e.opts.Mark
	d, err := packet.Decode(raw)
	if err != nil || !d.HasTransport() {
		return Accept(mark), nil
	}

	pkt := &packet.Packet{
		Raw:     raw,
		Payload: d.Payload(),
		TCP:     d.TCP != nil,
		Session: e.sctx,
	}

	if d.TCP != nil {
		eval, err := e.sctx.Feed(pkt, d, e.opts.Now())
		if err != nil {
			return Verdict{}, err
		}
		if !eval.Evaluated || !eval.Terminate {
			return Accept(mark), nil
		}
		fin, err := packet.Terminator(d)
		if err != nil {
			e.logger.Warn("cannot build terminator, accepting original", "stream", eval.StreamID, "error", err)
			return Accept(mark), nil
		}
		e.metrics.Terminations.Inc()
		e.logger.Info("terminating connection", "stream", eval.StreamID, "direction", eval.Direction)
		return Rewrite(mark, fin), nil
	}

	pkt.Direction = packet.Inbound
	if e.opts.Direction != nil {
		pkt.Direction = e.opts.Direction(d)
	}
	pass := e.opts.Predicate(pkt)
	if err := e.sctx.Err(); err != nil {
		return Verdict{}, err
	}
	if pass {
		return Accept(mark), nil
	}
	return Drop(mark), nil
}

func (e *Endpoint) send(id uint32, v Verdict) error {
	m, err := verdictMessage(e.queue, id, v)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encode verdict")
	}
	if _, err := e.conn.Send(m); err != nil {
		return errors.Wrap(err, errors.KindTransport, "send verdict")
	}
	switch v.Type {
	case VerdictAccept:
		e.metrics.Accepted.Inc()
	case VerdictRewrite:
		e.metrics.Rewritten.Inc()
	default:
		e.metrics.Dropped.Inc()
	}
	return nil
}

// Close unbinds the queue, closes the socket and releases the stream
// context. It must not be called while Run is active.
func (e *Endpoint) Close() error {
	if e.closed {
		return nil
	}
	if e.running.Load() {
		return errors.New(errors.KindInternal, "nfq: close while running")
	}
	e.closed = true

	e.unbind()
	connErr := e.conn.Close()
	ctxErr := e.sctx.Close()
	e.metrics.Bound.Set(0)
	e.logger.Info("queue released")

	return errors.Join(ctxErr, errors.Wrap(connErr, errors.KindTransport, "close socket"))
}
