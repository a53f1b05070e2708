// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"errors"
	"fmt"

	"github.com/gopacket/gopacket"
)

// ErrNotTCP is returned when a terminator is requested for a non-TCP packet.
var ErrNotTCP = errors.New("packet: not a TCP segment")

// Terminator rewrites a decoded TCP segment into a payload-less FIN+ACK with
// the same addresses, ports and sequence numbers. Lengths and checksums are
// recomputed. The decoded packet is not modified.
func Terminator(d *Decoded) ([]byte, error) {
	if d == nil || d.TCP == nil {
		return nil, ErrNotTCP
	}

	var stack []gopacket.SerializableLayer
	for _, l := range d.Packet.Layers() {
		if l == d.TCP {
			break
		}
		sl, ok := l.(gopacket.SerializableLayer)
		if !ok {
			return nil, fmt.Errorf("packet: layer %s cannot be serialized", l.LayerType())
		}
		stack = append(stack, sl)
	}

	tcp := *d.TCP
	tcp.FIN, tcp.ACK = true, true
	tcp.SYN, tcp.RST, tcp.PSH, tcp.URG = false, false, false, false
	tcp.ECE, tcp.CWR, tcp.NS = false, false, false
	tcp.Payload = nil
	if err := tcp.SetNetworkLayerForChecksum(d.Network); err != nil {
		return nil, fmt.Errorf("packet: checksum setup: %w", err)
	}
	stack = append(stack, &tcp)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, stack...); err != nil {
		return nil, fmt.Errorf("packet: serialize terminator: %w", err)
	}
	return buf.Bytes(), nil
}
