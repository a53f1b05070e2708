// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"grimm.is/nfregex/internal/errors"
)

func TestParseProto(t *testing.T) {
	p, err := ParseProto("TCP")
	assert.NoError(t, err)
	assert.Equal(t, ProtoTCP, p)

	_, err = ParseProto("sctp")
	assert.Equal(t, errors.KindConfiguration, errors.GetKind(err))
}

func TestServiceValidate(t *testing.T) {
	valid := Service{Name: "web", Proto: ProtoTCP, Port: 80, QueueFirst: 1000, QueueLast: 1003}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Service)
	}{
		{"empty name", func(s *Service) { s.Name = "" }},
		{"colon in name", func(s *Service) { s.Name = "a:b" }},
		{"no port", func(s *Service) { s.Port = 0 }},
		{"bad proto", func(s *Service) { s.Proto = "icmp" }},
		{"reversed range", func(s *Service) { s.QueueLast = 999 }},
		{"family mismatch", func(s *Service) { s.Prefixes = []netip.Prefix{netip.MustParsePrefix("fd00::/64")} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			assert.Equal(t, errors.KindValidation, errors.GetKind(s.Validate()))
		})
	}
}

func TestUserData(t *testing.T) {
	s := Service{Name: "web", Instance: "0b5c"}
	name, ok := parseUserData(s.userData())
	assert.True(t, ok)
	assert.Equal(t, "web", name)

	_, ok = parseUserData([]byte("policy-allow"))
	assert.False(t, ok)
	_, ok = parseUserData(nil)
	assert.False(t, ok)
}
