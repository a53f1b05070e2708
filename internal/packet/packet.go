// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package packet holds the descriptor handed to filter predicates and the
// decoding helpers that locate a queued packet's transport payload.
package packet

import (
	"grimm.is/nfregex/internal/matcher"
)

// Direction is the side of a connection that sent the data.
type Direction uint8

const (
	// Inbound is client to server.
	Inbound Direction = iota
	// Outbound is server to client.
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// IsInput reports whether d is client to server.
func (d Direction) IsInput() bool { return d == Inbound }

// Scanner runs matcher operations on behalf of a predicate. It is
// implemented by the per-queue stream context, which owns the handles and
// scratch workspaces.
type Scanner interface {
	// ScanStream scans data on the handle for (dir, streamID), opening it on
	// db if the connection has none yet.
	ScanStream(dir Direction, streamID string, db *matcher.Database, data []byte, fn matcher.MatchFunc) error
	// ScanDatagram scans one self-contained payload. No handle is created.
	ScanDatagram(dir Direction, db *matcher.Database, data []byte, fn matcher.MatchFunc) error
	// StreamMatched reports whether pattern id has matched earlier on the
	// handle of (dir, streamID). known is false when there is no handle or
	// its database does not carry id.
	StreamMatched(dir Direction, streamID string, id int) (matched, known bool)
}

// Packet is what a predicate sees. For TCP it is built per reassembled
// segment and Payload holds the in-order stream bytes; otherwise it is built
// per packet and Payload is the transport payload. A Packet must not be
// retained after the predicate returns.
type Packet struct {
	Raw       []byte
	Payload   []byte
	StreamID  string
	Direction Direction
	TCP       bool
	Session   Scanner
}

// IsInput reports whether the data travels client to server.
func (p *Packet) IsInput() bool { return p.Direction.IsInput() }

// Predicate decides on a packet. For TCP stream data, true means the
// connection must be terminated. For other traffic, true means accept and
// false means drop.
type Predicate func(p *Packet) bool
