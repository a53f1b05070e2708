// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package matcher is a streaming multi-pattern regular expression engine.
//
// A Database is compiled once and shared read-only. Each scanning goroutine
// owns a Scratch workspace; a Stream handle carries the per-connection,
// per-direction state between Scan calls so that a match may span TCP
// segments. Handles keep a bounded window of recent bytes, so a match longer
// than the window is not guaranteed to be found.
package matcher

import (
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"
)

// DefaultStreamWindow is the number of trailing bytes a Stream remembers.
const DefaultStreamWindow = 4096

var (
	// ErrNoPatterns is returned when compiling an empty pattern set.
	ErrNoPatterns = errors.New("matcher: no patterns")
	// ErrStreamClosed is returned when scanning or closing a closed handle.
	ErrStreamClosed = errors.New("matcher: stream already closed")
	// ErrScratchInUse is returned when a scratch is used by two scans at once.
	ErrScratchInUse = errors.New("matcher: scratch in use")
	// ErrScratchFreed is returned when using or freeing a freed scratch.
	ErrScratchFreed = errors.New("matcher: scratch freed")
	// ErrNoScratch is returned when a nil scratch is passed to a scan.
	ErrNoScratch = errors.New("matcher: nil scratch")
)

// Flag modifies how a single pattern is compiled.
type Flag uint

const (
	// Caseless matches without regard to case.
	Caseless Flag = 1 << iota
	// DotAll lets '.' match newlines.
	DotAll
	// MultiLine makes ^ and $ match at line boundaries.
	MultiLine
	// SingleMatch reports at most one match per pattern per Stream
	// (or per block scan).
	SingleMatch
)

// Pattern is one expression in a Database.
type Pattern struct {
	ID    int
	Expr  string
	Flags Flag
}

// CompileError identifies the pattern that failed to compile.
type CompileError struct {
	Index int
	ID    int
	Err   error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("matcher: pattern %d (id %d): %v", e.Index, e.ID, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// MatchFunc receives a match of pattern id spanning [from, to) in stream
// offsets. Returning true halts scanning.
type MatchFunc func(id int, from, to uint64) bool

// Option configures Compile.
type Option func(*Database)

// WithStreamWindow sets how many trailing bytes each Stream keeps. Values
// below 1 are ignored.
func WithStreamWindow(n int) Option {
	return func(db *Database) {
		if n > 0 {
			db.window = n
		}
	}
}

type compiled struct {
	id     int
	re     *regexp.Regexp
	single bool
}

// Database is an immutable compiled pattern set, safe for concurrent use.
type Database struct {
	patterns []compiled
	window   int
}

// Compile builds a Database from patterns.
func Compile(patterns []Pattern, opts ...Option) (*Database, error) {
	if len(patterns) == 0 {
		return nil, ErrNoPatterns
	}
	db := &Database{
		patterns: make([]compiled, 0, len(patterns)),
		window:   DefaultStreamWindow,
	}
	for _, opt := range opts {
		opt(db)
	}
	for i, p := range patterns {
		re, err := regexp.Compile(prefix(p.Flags) + p.Expr)
		if err != nil {
			return nil, &CompileError{Index: i, ID: p.ID, Err: err}
		}
		db.patterns = append(db.patterns, compiled{id: p.ID, re: re, single: p.Flags&SingleMatch != 0})
	}
	return db, nil
}

func prefix(f Flag) string {
	var mods string
	if f&Caseless != 0 {
		mods += "i"
	}
	if f&DotAll != 0 {
		mods += "s"
	}
	if f&MultiLine != 0 {
		mods += "m"
	}
	if mods == "" {
		return ""
	}
	return "(?" + mods + ")"
}

// Len returns the number of patterns.
func (db *Database) Len() int { return len(db.patterns) }

// Has reports whether the database carries pattern id.
func (db *Database) Has(id int) bool {
	return db.index(id) >= 0
}

func (db *Database) index(id int) int {
	for i, p := range db.patterns {
		if p.id == id {
			return i
		}
	}
	return -1
}

// Window returns the per-stream history size in bytes.
func (db *Database) Window() int { return db.window }

// Open starts a new stream handle.
func (db *Database) Open() *Stream {
	return &Stream{db: db, seen: make([]bool, len(db.patterns))}
}

// Scan matches data as a single self-contained block.
func (db *Database) Scan(data []byte, s *Scratch, fn MatchFunc) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	for _, p := range db.patterns {
		for _, loc := range p.re.FindAllIndex(data, -1) {
			if loc[0] == loc[1] {
				continue
			}
			if fn != nil && fn(p.id, uint64(loc[0]), uint64(loc[1])) {
				return nil
			}
			if p.single {
				break
			}
		}
	}
	return nil
}

// Scratch is the working memory for one scanning goroutine. It must not be
// shared between goroutines.
type Scratch struct {
	buf   []byte
	inUse atomic.Bool
	freed atomic.Bool
}

// NewScratch allocates a scratch workspace.
func NewScratch() *Scratch {
	return &Scratch{buf: make([]byte, 0, DefaultStreamWindow*2)}
}

func (s *Scratch) acquire() error {
	if s == nil {
		return ErrNoScratch
	}
	if s.freed.Load() {
		return ErrScratchFreed
	}
	if !s.inUse.CompareAndSwap(false, true) {
		return ErrScratchInUse
	}
	return nil
}

func (s *Scratch) release() {
	s.inUse.Store(false)
}

// Free releases the workspace. Freeing twice is an error.
func (s *Scratch) Free() error {
	if s == nil {
		return ErrNoScratch
	}
	if s.inUse.Load() {
		return ErrScratchInUse
	}
	if s.freed.Swap(true) {
		return ErrScratchFreed
	}
	s.buf = nil
	return nil
}
