// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

var (
	// ErrEmpty is returned for a zero-length payload.
	ErrEmpty = errors.New("packet: empty payload")
	// ErrUnknownVersion is returned when the first nibble is neither 4 nor 6.
	ErrUnknownVersion = errors.New("packet: unknown IP version")
)

// Decoded is a classified queued packet.
type Decoded struct {
	Version int
	Packet  gopacket.Packet
	// Network is the network layer that carries the transport layer.
	Network gopacket.NetworkLayer
	TCP     *layers.TCP
	UDP     *layers.UDP
}

// HasTransport reports whether a TCP or UDP layer was found.
func (d *Decoded) HasTransport() bool { return d.TCP != nil || d.UDP != nil }

// Payload returns the transport payload, or nil without a transport layer.
func (d *Decoded) Payload() []byte {
	switch {
	case d.TCP != nil:
		return d.TCP.Payload
	case d.UDP != nil:
		return d.UDP.Payload
	}
	return nil
}

// NetworkFlow returns the address flow of the carrying network layer.
func (d *Decoded) NetworkFlow() gopacket.Flow {
	if d.Network == nil {
		return gopacket.Flow{}
	}
	return d.Network.NetworkFlow()
}

// Ports returns the transport source and destination ports.
func (d *Decoded) Ports() (src, dst uint16) {
	switch {
	case d.TCP != nil:
		return uint16(d.TCP.SrcPort), uint16(d.TCP.DstPort)
	case d.UDP != nil:
		return uint16(d.UDP.SrcPort), uint16(d.UDP.DstPort)
	}
	return 0, 0
}

// Decode classifies raw by its first nibble and walks the layers from the
// outside in, stopping at the first TCP or UDP layer.
func Decode(raw []byte) (*Decoded, error) {
	if len(raw) == 0 {
		return nil, ErrEmpty
	}

	d := &Decoded{Version: int(raw[0] >> 4)}
	var first gopacket.LayerType
	switch d.Version {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return nil, ErrUnknownVersion
	}

	d.Packet = gopacket.NewPacket(raw, first, gopacket.DecodeOptions{NoCopy: true})
	for _, l := range d.Packet.Layers() {
		switch v := l.(type) {
		case gopacket.NetworkLayer:
			d.Network = v
		case *layers.TCP:
			d.TCP = v
			return d, nil
		case *layers.UDP:
			d.UDP = v
			return d, nil
		}
	}
	return d, nil
}

// EndpointString formats an address and port as "a.b.c.d:p" or "[v6]:p".
func EndpointString(addr netip.Addr, port uint16) string {
	return netip.AddrPortFrom(addr.Unmap(), port).String()
}

// ConnectionID builds the key for a TCP connection from the flows of its
// first packet, client side first.
func ConnectionID(netFlow, tcpFlow gopacket.Flow) string {
	src, dst := netFlow.Endpoints()
	sport, dport := tcpFlow.Endpoints()
	return endpointFrom(src, sport) + " - " + endpointFrom(dst, dport)
}

func endpointFrom(addr, port gopacket.Endpoint) string {
	ip, _ := netip.AddrFromSlice(addr.Raw())
	var p uint16
	if raw := port.Raw(); len(raw) == 2 {
		p = binary.BigEndian.Uint16(raw)
	}
	return EndpointString(ip, p)
}
