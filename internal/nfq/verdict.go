// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nfq

import (
	nfqueue "github.com/florianl/go-nfqueue/v2"
)

// VerdictType represents the type of verdict for a packet
type VerdictType int

const (
	// VerdictDrop drops the packet
	VerdictDrop VerdictType = iota
	// VerdictAccept accepts the packet
	VerdictAccept
	// VerdictRewrite accepts a replacement packet instead of the original
	VerdictRewrite
)

func (t VerdictType) String() string {
	switch t {
	case VerdictAccept:
		return "accept"
	case VerdictRewrite:
		return "rewrite"
	default:
		return "drop"
	}
}

// Verdict is the decision sent back for one queued packet. Every verdict
// carries a conntrack mark.
type Verdict struct {
	Type VerdictType
	Mark uint32
	// Packet replaces the queued payload. Only used when Type is VerdictRewrite.
	Packet []byte
}

// Accept lets the original packet through.
func Accept(mark uint32) Verdict { return Verdict{Type: VerdictAccept, Mark: mark} }

// Drop discards the packet.
func Drop(mark uint32) Verdict { return Verdict{Type: VerdictDrop, Mark: mark} }

// Rewrite accepts pkt in place of the original.
func Rewrite(mark uint32, pkt []byte) Verdict {
	return Verdict{Type: VerdictRewrite, Mark: mark, Packet: pkt}
}

// code is the kernel verdict value.
func (v Verdict) code() uint32 {
	if v.Type == VerdictDrop {
		return uint32(nfqueue.NfDrop)
	}
	return uint32(nfqueue.NfAccept)
}
