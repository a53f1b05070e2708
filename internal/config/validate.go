// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"grimm.is/nfregex/internal/errors"
	"grimm.is/nfregex/internal/filter"
)

// Validate checks the whole configuration. Every failure has
// KindConfiguration; the first one found is returned.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.QueueBase < 0 || c.QueueBase > 0xffff {
		return errors.Errorf(errors.KindConfiguration, "queue_base %d out of range", c.QueueBase)
	}
	if _, err := c.StreamConfig(); err != nil {
		return err
	}
	if c.Matcher != nil && c.Matcher.StreamWindow < 0 {
		return errors.Errorf(errors.KindConfiguration, "matcher.stream_window must not be negative")
	}
	if c.Syslog != nil && c.Syslog.Enabled && c.Syslog.Host == "" {
		return errors.New(errors.KindConfiguration, "syslog.host is required when syslog is enabled")
	}

	seen := make(map[string]bool, len(c.Services))
	for _, s := range c.Services {
		if seen[s.Name] {
			return errors.Errorf(errors.KindConfiguration, "duplicate service %q", s.Name)
		}
		seen[s.Name] = true
		if err := c.validateService(s); err != nil {
			return errors.Attr(err, "service", s.Name)
		}
	}
	return nil
}

func (c *Config) validateService(s Service) error {
	if s.Name == "" {
		return errors.New(errors.KindConfiguration, "service name is required")
	}
	if s.Port < 1 || s.Port > 0xffff {
		return errors.Errorf(errors.KindConfiguration, "service %q: port %d out of range", s.Name, s.Port)
	}
	if s.Proto != "tcp" && s.Proto != "udp" {
		return errors.Errorf(errors.KindConfiguration, "service %q: proto must be tcp or udp, got %q", s.Name, s.Proto)
	}
	if s.Queues < 1 {
		return errors.Errorf(errors.KindConfiguration, "service %q: queues must be at least 1", s.Name)
	}
	if c.QueueBase+s.Queues-1 > 0xffff {
		return errors.Errorf(errors.KindConfiguration, "service %q: %d queues from %d exceed the queue space", s.Name, s.Queues, c.QueueBase)
	}
	if s.CTMark != nil && (*s.CTMark < 0 || int64(*s.CTMark) > 0xffffffff) {
		return errors.Errorf(errors.KindConfiguration, "service %q: ct_mark out of range", s.Name)
	}
	if s.Address != "" && s.Interface != "" {
		return errors.Errorf(errors.KindConfiguration, "service %q: address and interface are mutually exclusive", s.Name)
	}
	if p, ok, err := s.Prefix(); err != nil {
		return err
	} else if ok && p.Addr().Is6() != s.IPv6 {
		return errors.Errorf(errors.KindConfiguration, "service %q: address %s does not match ipv6 = %t", s.Name, s.Address, s.IPv6)
	}

	filters, err := s.ToFilters()
	if err != nil {
		return err
	}
	for _, f := range filters {
		if err := f.Validate(); err != nil {
			return errors.Wrapf(err, errors.KindConfiguration, "service %q", s.Name)
		}
	}
	if _, err := filter.Compile(filters, c.MatcherOptions()...); err != nil {
		return errors.Wrapf(err, errors.KindConfiguration, "service %q", s.Name)
	}
	return nil
}
