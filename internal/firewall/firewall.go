// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package firewall installs the nftables rules that steer a service's
// traffic into its queue range.
package firewall

import (
	"fmt"
	"net/netip"
	"strings"

	"grimm.is/nfregex/internal/errors"
)

// Table is the nftables table owned by nfregex.
const Table = "nfregex"

// Chain names. Both are hooked at mangle priority.
const (
	ChainInbound  = "prerouting"
	ChainOutbound = "postrouting"
)

const userDataPrefix = "nfregex"

// Proto is the transport protocol of a service.
type Proto string

const (
	ProtoTCP Proto = "tcp"
	ProtoUDP Proto = "udp"
)

// ParseProto accepts "tcp" and "udp".
func ParseProto(s string) (Proto, error) {
	switch p := Proto(strings.ToLower(s)); p {
	case ProtoTCP, ProtoUDP:
		return p, nil
	}
	return "", errors.Errorf(errors.KindConfiguration, "unsupported protocol %q", s)
}

// Service describes the traffic of one filtered service.
type Service struct {
	Name  string
	Proto Proto
	Port  uint16
	IPv6  bool
	// Prefixes restricts the rules to these local addresses. Empty matches
	// any address of the family.
	Prefixes []netip.Prefix
	// QueueFirst and QueueLast are the bound queue range.
	QueueFirst uint16
	QueueLast  uint16
	// Instance tags the rules of one daemon run.
	Instance string
}

// Validate checks the service before any rule is built.
func (s Service) Validate() error {
	if s.Name == "" || strings.Contains(s.Name, ":") {
		return errors.Errorf(errors.KindValidation, "invalid service name %q", s.Name)
	}
	if s.Port == 0 {
		return errors.Errorf(errors.KindValidation, "service %q: port is required", s.Name)
	}
	if _, err := ParseProto(string(s.Proto)); err != nil {
		return errors.Wrapf(err, errors.KindValidation, "service %q", s.Name)
	}
	if s.QueueLast < s.QueueFirst {
		return errors.Errorf(errors.KindValidation, "service %q: invalid queue range %d-%d", s.Name, s.QueueFirst, s.QueueLast)
	}
	for _, p := range s.Prefixes {
		if p.Addr().Is4() == s.IPv6 {
			return errors.Errorf(errors.KindValidation, "service %q: prefix %s does not match address family", s.Name, p)
		}
	}
	return nil
}

// userData is stored on every rule of the service.
func (s Service) userData() []byte {
	return []byte(fmt.Sprintf("%s:%s:%s", userDataPrefix, s.Name, s.Instance))
}

// parseUserData returns the service name of a rule installed by nfregex.
func parseUserData(b []byte) (service string, ok bool) {
	parts := strings.SplitN(string(b), ":", 3)
	if len(parts) < 2 || parts[0] != userDataPrefix {
		return "", false
	}
	return parts[1], true
}

// Rules is what the service manager needs from the firewall.
type Rules interface {
	Apply(svc Service) error
	Remove(name string) error
	Cleanup() error
}
