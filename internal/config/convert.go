// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"net/netip"
	"strings"

	"grimm.is/nfregex/internal/errors"
	"grimm.is/nfregex/internal/filter"
	"grimm.is/nfregex/internal/logging"
	"grimm.is/nfregex/internal/matcher"
	"grimm.is/nfregex/internal/stream"
)

// Level returns the parsed log level.
func (c *Config) Level() (logging.Level, error) {
	lvl, ok := logging.ParseLevel(c.LogLevel)
	if !ok {
		return logging.LevelInfo, errors.Errorf(errors.KindConfiguration, "invalid log_level %q", c.LogLevel)
	}
	return lvl, nil
}

// StreamConfig returns the reassembly limits for every queue.
func (c *Config) StreamConfig() (stream.Config, error) {
	cfg := stream.DefaultConfig()
	r := c.Reassembly
	if r == nil {
		return cfg, nil
	}
	var err error
	if cfg.IdleTimeout, err = parseDuration(r.IdleTimeout, cfg.IdleTimeout); err != nil {
		return cfg, errors.Wrap(err, errors.KindConfiguration, "reassembly.idle_timeout")
	}
	if cfg.FlushInterval, err = parseDuration(r.FlushInterval, cfg.FlushInterval); err != nil {
		return cfg, errors.Wrap(err, errors.KindConfiguration, "reassembly.flush_interval")
	}
	if r.MaxPagesPerConn != 0 {
		cfg.MaxPagesPerConnection = r.MaxPagesPerConn
	}
	if r.MaxPagesTotal != 0 {
		cfg.MaxPagesTotal = r.MaxPagesTotal
	}
	return cfg, nil
}

// MatcherOptions returns the compile options for filter databases.
func (c *Config) MatcherOptions() []matcher.Option {
	if c.Matcher == nil || c.Matcher.StreamWindow == 0 {
		return nil
	}
	return []matcher.Option{matcher.WithStreamWindow(c.Matcher.StreamWindow)}
}

// ToFilters converts the service's filters.
func (s Service) ToFilters() ([]filter.Filter, error) {
	out := make([]filter.Filter, 0, len(s.Filters))
	for _, f := range s.Filters {
		dir, err := filter.ParseDirection(f.Direction)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindConfiguration, "service %q filter %q", s.Name, f.Name)
		}
		out = append(out, filter.Filter{
			Name:          f.Name,
			Regex:         f.Regex,
			Blacklist:     f.Blacklist == nil || *f.Blacklist,
			CaseSensitive: f.CaseSensitive,
			Direction:     dir,
			Active:        f.Active == nil || *f.Active,
		})
	}
	return out, nil
}

// Prefix parses Address as a CIDR or a single address. ok is false when no
// address is configured.
func (s Service) Prefix() (p netip.Prefix, ok bool, err error) {
	if s.Address == "" {
		return netip.Prefix{}, false, nil
	}
	if strings.Contains(s.Address, "/") {
		p, err = netip.ParsePrefix(s.Address)
	} else {
		var a netip.Addr
		if a, err = netip.ParseAddr(s.Address); err == nil {
			p = netip.PrefixFrom(a, a.BitLen())
		}
	}
	if err != nil {
		return netip.Prefix{}, false, errors.Wrapf(err, errors.KindConfiguration, "service %q address", s.Name)
	}
	return p.Masked(), true, nil
}
