// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the nfregex daemon configuration from HCL, JSON or
// YAML.
package config

import (
	"time"

	"grimm.is/nfregex/internal/logging"
)

// Defaults applied to omitted settings.
const (
	DefaultQueueBase     = 1000
	DefaultMetricsListen = ":9108"
	DefaultMetricsPath   = "/metrics"
	DefaultCTMark        = 42
	DefaultProto         = "tcp"
	DefaultDirection     = "in"
)

// Config is the top-level daemon configuration.
type Config struct {
	// Log level: debug, info, warn or error.
	// @default: "info"
	LogLevel string `hcl:"log_level,optional" json:"log_level,omitempty" yaml:"log_level,omitempty"`
	LogJSON  bool   `hcl:"log_json,optional" json:"log_json,omitempty" yaml:"log_json,omitempty"`
	// First queue number tried by every service pool.
	// @default: 1000
	QueueBase int `hcl:"queue_base,optional" json:"queue_base,omitempty" yaml:"queue_base,omitempty"`

	Syslog     *logging.SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty" yaml:"syslog,omitempty"`
	Metrics    *MetricsConfig        `hcl:"metrics,block" json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Reassembly *ReassemblyConfig     `hcl:"reassembly,block" json:"reassembly,omitempty" yaml:"reassembly,omitempty"`
	Matcher    *MatcherConfig        `hcl:"matcher,block" json:"matcher,omitempty" yaml:"matcher,omitempty"`
	Services   []Service             `hcl:"service,block" json:"service,omitempty" yaml:"service,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `hcl:"enabled,optional" json:"enabled" yaml:"enabled"`
	Listen  string `hcl:"listen,optional" json:"listen,omitempty" yaml:"listen,omitempty"`
	Path    string `hcl:"path,optional" json:"path,omitempty" yaml:"path,omitempty"`
}

// ReassemblyConfig bounds TCP reassembly per queue. Durations use Go syntax
// ("2m", "10s").
type ReassemblyConfig struct {
	IdleTimeout     string `hcl:"idle_timeout,optional" json:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`
	FlushInterval   string `hcl:"flush_interval,optional" json:"flush_interval,omitempty" yaml:"flush_interval,omitempty"`
	MaxPagesPerConn int    `hcl:"max_pages_per_conn,optional" json:"max_pages_per_conn,omitempty" yaml:"max_pages_per_conn,omitempty"`
	MaxPagesTotal   int    `hcl:"max_pages_total,optional" json:"max_pages_total,omitempty" yaml:"max_pages_total,omitempty"`
}

// MatcherConfig tunes the stream matcher.
type MatcherConfig struct {
	// Bytes of history kept per handle so matches can span segments.
	StreamWindow int `hcl:"stream_window,optional" json:"stream_window,omitempty" yaml:"stream_window,omitempty"`
}

// Service is one filtered port.
type Service struct {
	Name string `hcl:"name,label" json:"name" yaml:"name"`
	Port int    `hcl:"port" json:"port" yaml:"port"`
	// @enum: tcp, udp
	// @default: "tcp"
	Proto string `hcl:"proto,optional" json:"proto,omitempty" yaml:"proto,omitempty"`
	// Local address or CIDR the rules are restricted to.
	Address string `hcl:"address,optional" json:"address,omitempty" yaml:"address,omitempty"`
	// Interface whose addresses the rules are restricted to.
	Interface string `hcl:"interface,optional" json:"interface,omitempty" yaml:"interface,omitempty"`
	IPv6      bool   `hcl:"ipv6,optional" json:"ipv6,omitempty" yaml:"ipv6,omitempty"`
	// Number of queues, and so receive loops, for the service.
	// @default: 1
	Queues int `hcl:"queues,optional" json:"queues,omitempty" yaml:"queues,omitempty"`
	// Conntrack mark attached to every verdict.
	// @default: 42
	CTMark  *int     `hcl:"ct_mark,optional" json:"ct_mark,omitempty" yaml:"ct_mark,omitempty"`
	Active  *bool    `hcl:"active,optional" json:"active,omitempty" yaml:"active,omitempty"`
	Filters []Filter `hcl:"filter,block" json:"filter,omitempty" yaml:"filter,omitempty"`
}

// Filter is one regular expression of a service.
type Filter struct {
	Name  string `hcl:"name,label" json:"name" yaml:"name"`
	Regex string `hcl:"regex" json:"regex" yaml:"regex"`
	// @default: true
	Blacklist     *bool `hcl:"blacklist,optional" json:"blacklist,omitempty" yaml:"blacklist,omitempty"`
	CaseSensitive bool  `hcl:"case_sensitive,optional" json:"case_sensitive,omitempty" yaml:"case_sensitive,omitempty"`
	// @enum: in, out, both
	// @default: "in"
	Direction string `hcl:"direction,optional" json:"direction,omitempty" yaml:"direction,omitempty"`
	Active    *bool  `hcl:"active,optional" json:"active,omitempty" yaml:"active,omitempty"`
}

// Default returns a configuration with no services.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.QueueBase == 0 {
		c.QueueBase = DefaultQueueBase
	}
	if c.Metrics != nil {
		if c.Metrics.Listen == "" {
			c.Metrics.Listen = DefaultMetricsListen
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = DefaultMetricsPath
		}
	}
	if c.Reassembly == nil {
		c.Reassembly = &ReassemblyConfig{}
	}
	if c.Matcher == nil {
		c.Matcher = &MatcherConfig{}
	}
	// decoders disagree on absent blocks: normalize to nil
	if len(c.Services) == 0 {
		c.Services = nil
	}
	for i := range c.Services {
		s := &c.Services[i]
		if len(s.Filters) == 0 {
			s.Filters = nil
		}
		if s.Proto == "" {
			s.Proto = DefaultProto
		}
		if s.Queues == 0 {
			s.Queues = 1
		}
		if s.CTMark == nil {
			s.CTMark = intPtr(DefaultCTMark)
		}
		if s.Active == nil {
			s.Active = boolPtr(true)
		}
		for j := range s.Filters {
			f := &s.Filters[j]
			if f.Blacklist == nil {
				f.Blacklist = boolPtr(true)
			}
			if f.Direction == "" {
				f.Direction = DefaultDirection
			}
			if f.Active == nil {
				f.Active = boolPtr(true)
			}
		}
	}
}

// IsActive reports whether the service should run.
func (s Service) IsActive() bool { return s.Active == nil || *s.Active }

// Mark returns the conntrack mark of the service.
func (s Service) Mark() uint32 {
	if s.CTMark == nil {
		return DefaultCTMark
	}
	return uint32(*s.CTMark)
}

// Service returns the named service.
func (c *Config) Service(name string) (Service, bool) {
	for _, s := range c.Services {
		if s.Name == name {
			return s, true
		}
	}
	return Service{}, false
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
