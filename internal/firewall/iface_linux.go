// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package firewall

import (
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/nfregex/internal/errors"
)

// InterfacePrefixes returns the host prefixes of the addresses configured
// on ifaceName for the requested family.
func InterfacePrefixes(ifaceName string, ipv6 bool) ([]netip.Prefix, error) {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "interface %s not found", ifaceName)
	}

	family := unix.AF_INET
	if ipv6 {
		family = unix.AF_INET6
	}
	addrs, err := netlink.AddrList(link, family)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "list addresses of %s", ifaceName)
	}

	var out []netip.Prefix
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		ip, ok := netip.AddrFromSlice(a.IPNet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		out = append(out, netip.PrefixFrom(ip, ip.BitLen()))
	}
	if len(out) == 0 {
		return nil, errors.Errorf(errors.KindNotFound, "interface %s has no usable addresses", ifaceName)
	}
	return out, nil
}
