// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package matcher

// Stream is an open streaming-match session for one direction of one
// connection. It is not safe for concurrent use.
type Stream struct {
	db       *Database
	tail     []byte
	consumed uint64
	seen     []bool
	halted   bool
	closed   bool
}

// Scan feeds the next chunk of the stream. Matches ending inside data are
// reported with offsets relative to the start of the stream. After a
// MatchFunc halts, further scans are accepted and ignored.
func (st *Stream) Scan(data []byte, s *Scratch, fn MatchFunc) error {
	if st.closed {
		return ErrStreamClosed
	}
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	if st.halted || len(data) == 0 {
		return nil
	}

	buf := append(s.buf[:0], st.tail...)
	buf = append(buf, data...)
	old := len(st.tail)
	base := st.consumed - uint64(old)

scan:
	for i, p := range st.db.patterns {
		if p.single && st.seen[i] {
			continue
		}
		for _, loc := range p.re.FindAllIndex(buf, -1) {
			// matches ending in history were reported by an earlier Scan
			if loc[1] <= old || loc[0] == loc[1] {
				continue
			}
			st.seen[i] = true
			if fn != nil && fn(p.id, base+uint64(loc[0]), base+uint64(loc[1])) {
				st.halted = true
				break scan
			}
			if p.single {
				break
			}
		}
	}

	keep := buf
	if len(keep) > st.db.window {
		keep = keep[len(keep)-st.db.window:]
	}
	st.tail = append(st.tail[:0], keep...)
	st.consumed += uint64(len(data))
	s.buf = buf[:0]
	return nil
}

// Close ends the session. The scratch must be the caller's own and idle.
func (st *Stream) Close(s *Scratch) error {
	if st.closed {
		return ErrStreamClosed
	}
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	st.closed = true
	st.tail = nil
	st.seen = nil
	return nil
}

// Consumed returns the number of bytes scanned so far.
func (st *Stream) Consumed() uint64 { return st.consumed }

// Matched reports whether pattern id has matched anywhere in the stream so
// far. known is false when the handle's database does not carry id.
func (st *Stream) Matched(id int) (matched, known bool) {
	i := st.db.index(id)
	if i < 0 {
		return false, false
	}
	return i < len(st.seen) && st.seen[i], true
}

// Halted reports whether a MatchFunc stopped the stream.
func (st *Stream) Halted() bool { return st.halted }

// Closed reports whether Close has succeeded.
func (st *Stream) Closed() bool { return st.closed }
