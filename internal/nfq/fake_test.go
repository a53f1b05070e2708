// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nfq

import (
	"encoding/binary"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mdlayher/netlink"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type reply struct {
	msgs []netlink.Message
	err  error
}

// fakeKernel is a Conn that answers config commands the way nfnetlink_queue
// does and hands verdicts back to the test.
type fakeKernel struct {
	mu        sync.Mutex
	sent      []netlink.Message
	commands  []uint8
	busy      bool
	closed    bool
	rcvbuf    int
	noENOBUFS bool

	replies  chan reply
	verdicts chan netlink.Message

	deadlineOnce sync.Once
	deadline     chan struct{}
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		replies:  make(chan reply, 64),
		verdicts: make(chan netlink.Message, 64),
		deadline: make(chan struct{}),
	}
}

func errnoReply(errno unix.Errno) reply {
	return reply{err: &netlink.OpError{Op: "receive", Err: errno}}
}

func (k *fakeKernel) Send(m netlink.Message) (netlink.Message, error) {
	k.mu.Lock()
	k.sent = append(k.sent, m)
	k.mu.Unlock()

	switch m.Header.Type {
	case header(msgConfig).Type:
		cmd, ok := configCmd(m)
		if !ok {
			return m, nil
		}
		k.mu.Lock()
		k.commands = append(k.commands, cmd)
		busy := k.busy
		k.mu.Unlock()
		switch {
		case busy && (cmd == cmdBind || cmd == cmdNone):
			k.replies <- errnoReply(unix.EPERM)
		case cmd == cmdNone:
			k.replies <- errnoReply(errnoNotSupported)
		}
	case header(msgVerdict).Type:
		k.verdicts <- m
	}
	return m, nil
}

func (k *fakeKernel) Receive() ([]netlink.Message, error) {
	select {
	case r := <-k.replies:
		return r.msgs, r.err
	case <-k.deadline:
		return nil, &netlink.OpError{Op: "receive", Err: os.ErrDeadlineExceeded}
	}
}

func (k *fakeKernel) SetOption(option netlink.ConnOption, enable bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if option == netlink.NoENOBUFS {
		k.noENOBUFS = enable
	}
	return nil
}

func (k *fakeKernel) SetReadBuffer(bytes int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rcvbuf = bytes
	return nil
}

func (k *fakeKernel) SetReadDeadline(time.Time) error {
	k.deadlineOnce.Do(func() { close(k.deadline) })
	return nil
}

func (k *fakeKernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = true
	return nil
}

func (k *fakeKernel) isClosed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closed
}

func (k *fakeKernel) sentCommands() []uint8 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]uint8(nil), k.commands...)
}

// deliver queues a packet notification for Receive.
func (k *fakeKernel) deliver(t *testing.T, queue uint16, id uint32, payload []byte) {
	t.Helper()
	k.replies <- reply{msgs: []netlink.Message{packetMessage(t, queue, id, payload, true)}}
}

// nextVerdict waits for the verdict sent for the next packet.
func (k *fakeKernel) nextVerdict(t *testing.T) sentVerdict {
	t.Helper()
	select {
	case m := <-k.verdicts:
		return parseVerdict(t, m)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for verdict")
		return sentVerdict{}
	}
}

func configCmd(m netlink.Message) (uint8, bool) {
	ad, err := netlink.NewAttributeDecoder(m.Data[4:])
	if err != nil {
		return 0, false
	}
	for ad.Next() {
		if ad.Type() == attrCfgCmd {
			return ad.Bytes()[0], true
		}
	}
	return 0, false
}

// packetMessage builds a PACKET notification. withPayload false leaves the
// payload attribute out.
func packetMessage(t *testing.T, queue uint16, id uint32, payload []byte, withPayload bool) netlink.Message {
	t.Helper()
	ae := encoder()
	hdr := make([]byte, 7)
	binary.BigEndian.PutUint32(hdr[0:4], id)
	binary.BigEndian.PutUint16(hdr[4:6], unix.ETH_P_IP)
	hdr[6] = 1
	ae.Bytes(attrPacketHdr, hdr)
	if withPayload {
		ae.Bytes(attrPayload, payload)
	}
	attrs, err := ae.Encode()
	require.NoError(t, err)
	return netlink.Message{
		Header: netlink.Header{Type: packetType},
		Data:   append(nfgenmsg(unix.AF_INET, queue), attrs...),
	}
}

type sentVerdict struct {
	queue   uint16
	code    uint32
	id      uint32
	mark    uint32
	hasMark bool
	payload []byte
}

func parseVerdict(t *testing.T, m netlink.Message) sentVerdict {
	t.Helper()
	require.Equal(t, header(msgVerdict).Type, m.Header.Type)
	require.GreaterOrEqual(t, len(m.Data), 4)

	v := sentVerdict{queue: binary.BigEndian.Uint16(m.Data[2:4])}
	ad, err := netlink.NewAttributeDecoder(m.Data[4:])
	require.NoError(t, err)
	for ad.Next() {
		switch ad.Type() {
		case attrVerdictHdr:
			b := ad.Bytes()
			v.code = binary.BigEndian.Uint32(b[0:4])
			v.id = binary.BigEndian.Uint32(b[4:8])
		case attrPayload:
			v.payload = ad.Bytes()
		case attrCT:
			nad, err := netlink.NewAttributeDecoder(ad.Bytes())
			require.NoError(t, err)
			for nad.Next() {
				if nad.Type() == ctaMark {
					v.mark = binary.BigEndian.Uint32(nad.Bytes())
					v.hasMark = true
				}
			}
			require.NoError(t, nad.Err())
		}
	}
	require.NoError(t, ad.Err())
	return v
}
