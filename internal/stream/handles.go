// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stream

import (
	"grimm.is/nfregex/internal/errors"
	"grimm.is/nfregex/internal/matcher"
	"grimm.is/nfregex/internal/packet"
)

var _ packet.Scanner = (*Context)(nil)

// ScanStream scans data on the handle of (dir, id), opening it on db first
// if needed. Only connections still under inspection may be scanned.
func (c *Context) ScanStream(dir packet.Direction, id string, db *matcher.Database, data []byte, fn matcher.MatchFunc) error {
	if db == nil {
		return nil
	}
	s, ok := c.live[id]
	if !ok || !s.inspect {
		err := errors.Attr(errors.New(errors.KindConsistency, "stream: scan on a connection that is not under inspection"), "stream", id)
		c.fail(err)
		return err
	}

	h, ok := c.handles[dir][id]
	if !ok {
		h = db.Open()
		c.handles[dir][id] = h
		c.metrics.OpenHandles.Inc()
	}
	if err := h.Scan(data, c.scratch[dir], fn); err != nil {
		err = errors.Attr(errors.Wrapf(err, errors.KindConsistency, "scan %s handle", dir), "stream", id)
		c.fail(err)
		return err
	}
	return nil
}

// ScanDatagram scans one datagram in block mode with the scratch of dir.
func (c *Context) ScanDatagram(dir packet.Direction, db *matcher.Database, data []byte, fn matcher.MatchFunc) error {
	if db == nil {
		return nil
	}
	if err := db.Scan(data, c.scratch[dir], fn); err != nil {
		err = errors.Wrapf(err, errors.KindConsistency, "scan %s datagram", dir)
		c.fail(err)
		return err
	}
	return nil
}

// StreamMatched reports whether pattern id has matched on the handle of
// (dir, id) since it was opened.
func (c *Context) StreamMatched(dir packet.Direction, id string, pattern int) (matched, known bool) {
	h, ok := c.handles[dir][id]
	if !ok {
		return false, false
	}
	return h.Matched(pattern)
}

// closeHandles closes both directions of id. Missing handles are skipped,
// so a connection that never matched closes as a no-op.
func (c *Context) closeHandles(id string) {
	c.closeHandle(packet.Inbound, id)
	c.closeHandle(packet.Outbound, id)
}

func (c *Context) closeHandle(dir packet.Direction, id string) {
	h, ok := c.handles[dir][id]
	if !ok {
		return
	}
	delete(c.handles[dir], id)
	c.metrics.OpenHandles.Dec()
	if err := h.Close(c.scratch[dir]); err != nil {
		c.fail(errors.Attr(errors.Wrapf(err, errors.KindConsistency, "close %s handle", dir), "stream", id))
	}
}
