// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package nfq

import (
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/nfregex/internal/errors"
)

// Dial opens a netlink socket on the netfilter subsystem.
func Dial() (Conn, error) {
	c, err := netlink.Dial(unix.NETLINK_NETFILTER, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransport, "open netfilter netlink socket")
	}
	return c, nil
}
