// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package firewall

import (
	"net/netip"

	"grimm.is/nfregex/internal/errors"
	"grimm.is/nfregex/internal/logging"
	"grimm.is/nfregex/internal/metrics"
)

// Manager is unavailable outside Linux.
type Manager struct{}

// NewManager always fails outside Linux.
func NewManager(*logging.Logger) (*Manager, error) {
	return nil, errors.New(errors.KindUnavailable, "nftables requires linux")
}

func (m *Manager) Apply(Service) error { return errors.New(errors.KindUnavailable, "nftables requires linux") }
func (m *Manager) Remove(string) error { return nil }
func (m *Manager) Cleanup() error      { return nil }

func (m *Manager) RuleCounters() ([]metrics.RuleCounter, error) { return nil, nil }

// InterfacePrefixes always fails outside Linux.
func InterfacePrefixes(ifaceName string, _ bool) ([]netip.Prefix, error) {
	return nil, errors.Errorf(errors.KindUnavailable, "cannot resolve interface %s outside linux", ifaceName)
}
