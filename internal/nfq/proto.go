// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nfq

import (
	"encoding/binary"
	"errors"
	"fmt"

	nfqueue "github.com/florianl/go-nfqueue/v2"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"
)

// nfnetlink_queue message and attribute numbers.
const (
	nfnlSubsysQueue = 3

	msgPacket  = 0
	msgVerdict = 1
	msgConfig  = 2

	cmdNone   = 0
	cmdBind   = 1
	cmdUnbind = 2

	attrCfgCmd    = 1
	attrCfgParams = 2
	attrCfgMask   = 4
	attrCfgFlags  = 5

	attrPacketHdr  = 1
	attrVerdictHdr = 2
	attrPayload    = 10
	attrCT         = 11

	ctaMark = 8

	nfnetlinkV0 = 0
)

// CopyRange is the number of packet bytes copied to userspace.
const CopyRange = 0xffff

// ReceiveBufferSize is the socket receive buffer requested per endpoint:
// one full packet plus half of libmnl's MNL_SOCKET_BUFFER_SIZE.
const ReceiveBufferSize = 0xffff + 8192/2

// errnoNotSupported is the kernel-internal ENOTSUPP returned for the NONE
// probe on a queue we own.
const errnoNotSupported = unix.Errno(524)

var (
	packetType = netlink.HeaderType(nfnlSubsysQueue<<8 | msgPacket)

	errMissingPacketHdr = errors.New("missing packet header attribute")
	errMissingPayload   = errors.New("missing payload attribute")
	errShortMessage     = errors.New("message shorter than nfgenmsg")
)

func header(msg uint8) netlink.Header {
	return netlink.Header{
		Type:  netlink.HeaderType(nfnlSubsysQueue<<8 | uint16(msg)),
		Flags: netlink.Request,
	}
}

func nfgenmsg(family uint8, queue uint16) []byte {
	b := make([]byte, 4)
	b[0] = family
	b[1] = nfnetlinkV0
	binary.BigEndian.PutUint16(b[2:], queue)
	return b
}

func encoder() *netlink.AttributeEncoder {
	ae := netlink.NewAttributeEncoder()
	ae.ByteOrder = binary.BigEndian
	return ae
}

func message(msg uint8, queue uint16, ae *netlink.AttributeEncoder) (netlink.Message, error) {
	attrs, err := ae.Encode()
	if err != nil {
		return netlink.Message{}, err
	}
	return netlink.Message{
		Header: header(msg),
		Data:   append(nfgenmsg(unix.AF_UNSPEC, queue), attrs...),
	}, nil
}

// configCommand builds a CONFIG message carrying a single command.
func configCommand(queue uint16, cmd uint8) (netlink.Message, error) {
	ae := encoder()
	b := make([]byte, 4)
	b[0] = cmd
	binary.BigEndian.PutUint16(b[2:], unix.AF_INET)
	ae.Bytes(attrCfgCmd, b)
	return message(msgConfig, queue, ae)
}

// configParams builds the CONFIG message that selects full packet copy and
// GSO handling.
func configParams(queue uint16) (netlink.Message, error) {
	ae := encoder()
	params := make([]byte, 5)
	binary.BigEndian.PutUint32(params, CopyRange)
	params[4] = byte(nfqueue.NfQnlCopyPacket)
	ae.Bytes(attrCfgParams, params)
	ae.Uint32(attrCfgFlags, uint32(nfqueue.NfQaCfgFlagGSO))
	ae.Uint32(attrCfgMask, uint32(nfqueue.NfQaCfgFlagGSO))
	return message(msgConfig, queue, ae)
}

// verdictMessage builds the VERDICT message for packet id.
func verdictMessage(queue uint16, id uint32, v Verdict) (netlink.Message, error) {
	ae := encoder()
	hdr := make([]byte, 8)
	binary.BigEndian.PutUint32(hdr[0:4], v.code())
	binary.BigEndian.PutUint32(hdr[4:8], id)
	ae.Bytes(attrVerdictHdr, hdr)
	if v.Type == VerdictRewrite && v.Packet != nil {
		ae.Bytes(attrPayload, v.Packet)
	}
	ae.Nested(attrCT, func(nae *netlink.AttributeEncoder) error {
		mark := make([]byte, 4)
		binary.BigEndian.PutUint32(mark, v.Mark)
		nae.Bytes(ctaMark, mark)
		return nil
	})
	return message(msgVerdict, queue, ae)
}

// queued is one parsed packet notification.
type queued struct {
	queue   uint16
	id      uint32
	hasID   bool
	proto   uint16
	hook    uint8
	payload []byte
}

// parsePacket decodes a PACKET message body. When the packet header was
// present the returned queued has hasID set, even on error, so the caller
// can still issue a verdict.
func parsePacket(data []byte) (queued, error) {
	var q queued
	if len(data) < 4 {
		return q, errShortMessage
	}
	q.queue = binary.BigEndian.Uint16(data[2:4])

	ad, err := netlink.NewAttributeDecoder(data[4:])
	if err != nil {
		return q, err
	}
	ad.ByteOrder = binary.BigEndian

	havePayload := false
	for ad.Next() {
		switch ad.Type() {
		case attrPacketHdr:
			b := ad.Bytes()
			if len(b) < 7 {
				return q, fmt.Errorf("packet header too short: %d bytes", len(b))
			}
			q.id = binary.BigEndian.Uint32(b[0:4])
			q.proto = binary.BigEndian.Uint16(b[4:6])
			q.hook = b[6]
			q.hasID = true
		case attrPayload:
			q.payload = ad.Bytes()
			havePayload = true
		}
	}
	if err := ad.Err(); err != nil {
		return q, err
	}
	if !q.hasID {
		return q, errMissingPacketHdr
	}
	if !havePayload {
		return q, errMissingPayload
	}
	return q, nil
}

// replyErrno extracts the errno from a netlink error reply. Conn.Receive
// reports error replies as an *netlink.OpError wrapping a bare unix.Errno;
// raw error messages are accepted too. ok is false when err is some other
// failure and msgs hold no error message.
func replyErrno(msgs []netlink.Message, err error) (errno unix.Errno, ok bool) {
	if err != nil {
		var oerr *netlink.OpError
		if errors.As(err, &oerr) {
			if e, isErrno := oerr.Err.(unix.Errno); isErrno {
				return e, true
			}
		}
		return 0, false
	}
	for _, m := range msgs {
		if m.Header.Type != netlink.Error || len(m.Data) < 4 {
			continue
		}
		code := nlenc.Int32(m.Data[0:4])
		if code < 0 {
			code = -code
		}
		return unix.Errno(code), true
	}
	return 0, false
}
