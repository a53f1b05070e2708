// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stream

import (
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/reassembly"

	"grimm.is/nfregex/internal/packet"
)

type streamFactory struct {
	ctx *Context
}

// New is called by the assembler for the first packet of a connection.
// Only a bare SYN starts an inspected stream; anything else means the
// start of the connection was missed.
func (f *streamFactory) New(netFlow, tcpFlow gopacket.Flow, tcp *layers.TCP, _ reassembly.AssemblerContext) reassembly.Stream {
	c := f.ctx
	s := &tcpStream{
		ctx: c,
		id:  packet.ConnectionID(netFlow, tcpFlow),
	}
	if !tcp.SYN || tcp.ACK {
		s.partial = true
		c.metrics.StreamsPartial.Inc()
		c.logger.Debug("ignoring partially observed connection", "stream", s.id)
		return s
	}

	if prev, ok := c.live[s.id]; ok {
		c.terminate(prev, "reused")
	}
	s.inspect = true
	c.live[s.id] = s
	c.metrics.StreamsOpened.Inc()
	c.logger.Debug("connection established", "stream", s.id)
	return s
}

type tcpStream struct {
	ctx *Context
	id  string

	partial    bool
	inspect    bool
	terminated bool
	// pending is set when data flushed outside Feed flagged the
	// connection; the next packet of the connection carries the verdict.
	pending bool
}

func (s *tcpStream) Accept(tcp *layers.TCP, _ gopacket.CaptureInfo, dir reassembly.TCPFlowDirection, _ reassembly.Sequence, _ *bool, _ reassembly.AssemblerContext) bool {
	if s.partial {
		return false
	}
	if s.pending {
		s.pending = false
		s.ctx.markTerminate(s, direction(dir))
	}
	if tcp.RST {
		s.ctx.terminate(s, "reset")
	}
	return true
}

func (s *tcpStream) ReassembledSG(sg reassembly.ScatterGather, _ reassembly.AssemblerContext) {
	if !s.inspect {
		return
	}
	length, _ := sg.Lengths()
	if length == 0 {
		return
	}
	dir, _, _, _ := sg.Info()
	s.ctx.deliver(s, direction(dir), sg.Fetch(length))
}

// ReassemblyComplete may be called with a nil context from flushes.
func (s *tcpStream) ReassemblyComplete(_ reassembly.AssemblerContext) bool {
	s.ctx.terminate(s, "closed")
	return true
}

func direction(dir reassembly.TCPFlowDirection) packet.Direction {
	if dir == reassembly.TCPDirClientToServer {
		return packet.Inbound
	}
	return packet.Outbound
}

// deliver runs the predicate over newly reassembled bytes of one direction.
func (c *Context) deliver(s *tcpStream, dir packet.Direction, data []byte) {
	if c.closing {
		return
	}

	seg := packet.Packet{
		Payload:   data,
		StreamID:  s.id,
		Direction: dir,
		TCP:       true,
		Session:   c,
	}
	cur := c.current
	if cur != nil {
		seg.Raw = cur.pkt.Raw
		cur.eval.Evaluated = true
		cur.eval.StreamID = s.id
		cur.eval.Direction = dir
	}

	if !c.predicate(&seg) {
		return
	}

	s.inspect = false
	c.metrics.StreamsFlagged.Inc()
	c.logger.Debug("connection flagged", "stream", s.id, "direction", dir)
	c.closeHandles(s.id)
	if cur != nil {
		cur.eval.Terminate = true
	} else {
		s.pending = true
	}
}

func (c *Context) markTerminate(s *tcpStream, dir packet.Direction) {
	if c.current == nil {
		return
	}
	c.current.eval.Evaluated = true
	c.current.eval.Terminate = true
	c.current.eval.StreamID = s.id
	c.current.eval.Direction = dir
}

// terminate runs once per inspected connection, on RST, on both FINs or on
// idle expiry, whichever comes first.
func (c *Context) terminate(s *tcpStream, reason string) {
	if s.partial || s.terminated {
		return
	}
	s.terminated = true
	s.inspect = false
	if c.live[s.id] == s {
		delete(c.live, s.id)
	}
	c.metrics.StreamsClosed.Inc()
	c.logger.Debug("connection closed", "stream", s.id, "reason", reason)
	c.closeHandles(s.id)
}
