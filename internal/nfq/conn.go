// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nfq

import (
	"time"

	"github.com/mdlayher/netlink"
)

// Conn is the subset of *netlink.Conn used by an endpoint.
type Conn interface {
	Send(m netlink.Message) (netlink.Message, error)
	Receive() ([]netlink.Message, error)
	SetOption(option netlink.ConnOption, enable bool) error
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
}

var _ Conn = (*netlink.Conn)(nil)
