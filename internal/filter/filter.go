// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package filter turns a service's regex filters into the predicate run by
// its queue pool.
package filter

import (
	"strings"

	"grimm.is/nfregex/internal/errors"
	"grimm.is/nfregex/internal/matcher"
	"grimm.is/nfregex/internal/packet"
)

// Direction selects which side of a connection a filter inspects.
type Direction int

const (
	// DirectionIn inspects client to server data.
	DirectionIn Direction = iota
	// DirectionOut inspects server to client data.
	DirectionOut
	// DirectionBoth inspects both sides.
	DirectionBoth
)

func (d Direction) String() string {
	switch d {
	case DirectionOut:
		return "out"
	case DirectionBoth:
		return "both"
	default:
		return "in"
	}
}

// ParseDirection accepts "in", "out" and "both". Empty means "in".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "in", "input":
		return DirectionIn, nil
	case "out", "output":
		return DirectionOut, nil
	case "both":
		return DirectionBoth, nil
	}
	return DirectionIn, errors.Errorf(errors.KindConfiguration, "invalid filter direction %q", s)
}

// Applies reports whether data travelling in dir is inspected.
func (d Direction) Applies(dir packet.Direction) bool {
	switch d {
	case DirectionBoth:
		return true
	case DirectionOut:
		return dir == packet.Outbound
	default:
		return dir == packet.Inbound
	}
}

// Filter is one regular expression rule of a service.
type Filter struct {
	Name  string
	Regex string
	// Blacklist blocks data that matches. A whitelist filter blocks data
	// that does not match.
	Blacklist     bool
	CaseSensitive bool
	Direction     Direction
	Active        bool
}

func (f Filter) flags() matcher.Flag {
	if f.CaseSensitive {
		return 0
	}
	return matcher.Caseless
}

// Validate compiles the expression on its own.
func (f Filter) Validate() error {
	if f.Name == "" {
		return errors.New(errors.KindConfiguration, "filter name is required")
	}
	if f.Regex == "" {
		return errors.Errorf(errors.KindConfiguration, "filter %q: regex is required", f.Name)
	}
	if _, err := matcher.Compile([]matcher.Pattern{{ID: 0, Expr: f.Regex, Flags: f.flags()}}); err != nil {
		return errors.Wrapf(err, errors.KindConfiguration, "filter %q", f.Name)
	}
	return nil
}

// key identifies a filter definition across reloads. Handles opened on an
// older database report the id of the key they were compiled with.
type key struct {
	name  string
	regex string
	flags matcher.Flag
}

func (f Filter) key() key { return key{f.Name, f.Regex, f.flags()} }

// Set is an immutable compiled view of a service's active filters: one
// database per traffic direction.
type Set struct {
	filters []Filter
	dbs     [2]*matcher.Database
	// whitelist holds, per direction, the pattern ids that must match.
	whitelist [2][]int

	// ids and byID cover every definition compiled by this Set or one it
	// replaced, so any live handle's ids resolve. A retired id resolves to
	// its last definition.
	ids  map[key]int
	byID map[int]Filter
	next int
}

// Filters returns the active filters of the set.
func (s *Set) Filters() []Filter { return s.filters }

// Database returns the database scanned for dir, or nil if no active
// filter inspects that direction.
func (s *Set) Database(dir packet.Direction) *matcher.Database { return s.dbs[dir] }

// Compile builds a Set from filters. Inactive filters are skipped. Names
// must be unique.
func Compile(filters []Filter, opts ...matcher.Option) (*Set, error) {
	return compile(filters, nil, opts...)
}

// compile builds a Set that keeps prev's ids: an unchanged filter gets the
// id it had before.
func compile(filters []Filter, prev *Set, opts ...matcher.Option) (*Set, error) {
	s := &Set{ids: make(map[key]int), byID: make(map[int]Filter)}
	if prev != nil {
		s.next = prev.next
		for k, id := range prev.ids {
			s.ids[k] = id
		}
		for id, f := range prev.byID {
			s.byID[id] = f
		}
	}

	var patterns [2][]matcher.Pattern
	seen := make(map[string]bool, len(filters))
	for _, f := range filters {
		if seen[f.Name] {
			return nil, errors.Errorf(errors.KindConfiguration, "duplicate filter %q", f.Name)
		}
		seen[f.Name] = true
		if !f.Active {
			continue
		}
		if err := f.Validate(); err != nil {
			return nil, err
		}

		id, ok := s.ids[f.key()]
		if !ok {
			id = s.next
			s.next++
			s.ids[f.key()] = id
		}
		s.filters = append(s.filters, f)
		s.byID[id] = f
		for _, dir := range []packet.Direction{packet.Inbound, packet.Outbound} {
			if !f.Direction.Applies(dir) {
				continue
			}
			patterns[dir] = append(patterns[dir], matcher.Pattern{ID: id, Expr: f.Regex, Flags: f.flags()})
			if !f.Blacklist {
				s.whitelist[dir] = append(s.whitelist[dir], id)
			}
		}
	}

	for dir, ps := range patterns {
		if len(ps) == 0 {
			continue
		}
		db, err := matcher.Compile(ps, opts...)
		if err != nil {
			var cerr *matcher.CompileError
			if errors.As(err, &cerr) {
				return nil, errors.Wrapf(err, errors.KindConfiguration, "compile filter %q", s.byID[cerr.ID].Name)
			}
			return nil, errors.Wrap(err, errors.KindConfiguration, "compile filters")
		}
		s.dbs[dir] = db
	}
	return s, nil
}

func (s *Set) lookup(id int) (Filter, bool) {
	f, ok := s.byID[id]
	return f, ok
}
