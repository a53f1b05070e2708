// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package firewall

import (
	"net/netip"

	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

type direction int

const (
	inbound direction = iota
	outbound
)

// Network and transport header offsets.
const (
	ipv4SrcOffset = 12
	ipv4DstOffset = 16
	ipv6SrcOffset = 8
	ipv6DstOffset = 24

	srcPortOffset = 0
	dstPortOffset = 2
)

// serviceExprs returns one expression list per rule needed for svc in dir.
// A service without prefixes needs a single rule.
//
//	meta nfproto ipv4 meta l4proto tcp [ip daddr P] th dport 8080 counter queue num 1000-1003 bypass
func serviceExprs(svc Service, dir direction) [][]expr.Any {
	if len(svc.Prefixes) == 0 {
		return [][]expr.Any{ruleExprs(svc, dir, netip.Prefix{})}
	}
	out := make([][]expr.Any, 0, len(svc.Prefixes))
	for _, p := range svc.Prefixes {
		out = append(out, ruleExprs(svc, dir, p))
	}
	return out
}

func ruleExprs(svc Service, dir direction, prefix netip.Prefix) []expr.Any {
	nfproto := byte(unix.NFPROTO_IPV4)
	if svc.IPv6 {
		nfproto = unix.NFPROTO_IPV6
	}
	l4proto := byte(unix.IPPROTO_TCP)
	if svc.Proto == ProtoUDP {
		l4proto = unix.IPPROTO_UDP
	}

	exprs := []expr.Any{
		// [ meta load nfproto => reg 1 ]
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{nfproto}},
		// [ meta load l4proto => reg 1 ]
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{l4proto}},
	}

	if prefix.IsValid() {
		exprs = append(exprs, prefixExprs(prefix, dir)...)
	}

	portOffset := uint32(dstPortOffset)
	if dir == outbound {
		portOffset = srcPortOffset
	}
	exprs = append(exprs,
		// [ payload load 2b @ transport header + port => reg 1 ]
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: portOffset, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(svc.Port)},
		&expr.Counter{},
		&expr.Queue{
			Num:   svc.QueueFirst,
			Total: svc.QueueLast - svc.QueueFirst + 1,
			Flag:  expr.QueueFlagBypass,
		},
	)
	return exprs
}

// prefixExprs matches the local address: destination when inbound, source
// when outbound.
func prefixExprs(p netip.Prefix, dir direction) []expr.Any {
	p = p.Masked()
	addr := p.Addr()
	var offset uint32
	switch {
	case addr.Is4() && dir == inbound:
		offset = ipv4DstOffset
	case addr.Is4():
		offset = ipv4SrcOffset
	case dir == inbound:
		offset = ipv6DstOffset
	default:
		offset = ipv6SrcOffset
	}

	size := uint32(addr.BitLen() / 8)
	mask := make([]byte, size)
	for i := 0; i < p.Bits(); i++ {
		mask[i/8] |= 0x80 >> (i % 8)
	}

	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: offset, Len: size},
		&expr.Bitwise{SourceRegister: 1, DestRegister: 1, Len: size, Mask: mask, Xor: make([]byte, size)},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: addr.AsSlice()},
	}
}
