package mailbox

import (
	"fmt"
	"time"

	"github.com/danmuck/cardmbx/internal/observability"
	"github.com/danmuck/cardmbx/internal/protocol/packet"
)

// stepRX takes at most one unit from the inbound transports, alternating
// between them so a busy software slot cannot starve the FIFO.
func (c *channel) stepRX() bool {
	c.mu.Lock()
	defer c.unlock()
	if c.state != StateReady {
		return false
	}
	sources := c.mb.sources
	for i := range sources {
		idx := (c.next + i) % len(sources)
		tr := sources[idx]
		p, ok, err := tr.Receive()
		if err != nil {
			if ok {
				c.dropLocked("malformed", 0, err)
				c.next = (idx + 1) % len(sources)
				return true
			}
			c.transportErrorLocked(tr, err)
			continue
		}
		if !ok {
			continue
		}
		c.next = (idx + 1) % len(sources)
		c.absorbLocked(tr.Kind(), p)
		return true
	}
	return false
}

func (c *channel) transportErrorLocked(tr transport, err error) {
	c.mb.log.Error().Err(err).Str("transport", tr.Kind().String()).Msg("rx transport error")
	if msg := c.cur; msg != nil && msg.transport == tr.Kind() {
		c.cur = nil
		c.offset = 0
		c.finishLocked(msg, fmt.Errorf("%w: %w", ErrTransport, err))
	}
	if rerr := tr.ResetRX(); rerr != nil {
		c.mb.log.Error().Err(rerr).Str("transport", tr.Kind().String()).Msg("rx reset failed")
	}
}

func (c *channel) dropLocked(reason string, id uint64, err error) {
	ev := c.mb.log.Warn().Str("reason", reason)
	if id != 0 {
		ev = ev.Uint64("msg_id", id)
	}
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("inbound dropped")
	observability.RecordDrop(c.mb.cfg.Name, reason)
}

// progressLocked notes inbound progress: the peer is alive.
func (c *channel) progressLocked() {
	c.timeouts = 0
	c.after = append(c.after, c.mb.markAlive)
}

func (c *channel) absorbLocked(kind TransportKind, p packet.Packet) {
	if kind == Hardware {
		observability.RecordPacket(c.mb.cfg.Name, "rx", p.Type.String())
	}
	c.progressLocked()

	switch p.Type {
	case packet.TypeTest:
		c.mb.log.Debug().Msg("test packet received")
	case packet.TypeMsgStart:
		if kind == Software {
			c.receiveWholeLocked(p)
			return
		}
		if prior := c.cur; prior != nil {
			at := c.offset
			c.cur = nil
			c.offset = 0
			c.finishLocked(prior, fmt.Errorf("%w: message start while %d incomplete at %d/%d",
				ErrProtocol, prior.id, at, prior.length))
		}
		c.startInboundLocked(p)
	case packet.TypeMsgBody:
		if c.cur == nil {
			c.dropLocked("orphan_body", 0, nil)
			return
		}
		c.appendLocked(p)
	}
}

// openLocked resolves the message a MSG_START belongs to: a queued reply
// placeholder for a RESPONSE, a fresh message for a REQUEST.
func (c *channel) openLocked(kind TransportKind, p packet.Packet) *message {
	total := int(p.Total)
	if p.Flags&packet.FlagResponse != 0 {
		msg := c.takePlaceholderLocked(p.ID)
		if msg == nil {
			c.after = append(c.after, func() { c.mb.unmatched(p.ID) })
			observability.RecordDrop(c.mb.cfg.Name, "unmatched")
			return nil
		}
		if total > len(msg.buf) {
			c.finishLocked(msg, fmt.Errorf("%w: reply of %d bytes for %d byte buffer", ErrReplyTooSmall, total, len(msg.buf)))
			return nil
		}
		msg.transport = kind
		msg.length = total
		return msg
	}
	if p.ID == 0 {
		c.dropLocked("zero_id", 0, nil)
		return nil
	}
	if total > c.mb.cfg.MaxMessageSize {
		c.dropLocked("oversize", p.ID, fmt.Errorf("%w: %d > %d", ErrTooLarge, total, c.mb.cfg.MaxMessageSize))
		return nil
	}
	msg := newMessage(DirRX, p.ID, p.Flags, kindRequest, make([]byte, total), kind)
	msg.start = time.Now()
	return msg
}

func (c *channel) takePlaceholderLocked(id uint64) *message {
	for _, m := range c.queue {
		if m.id == id && m.isResponse() {
			c.removeLocked(m)
			return m
		}
	}
	return nil
}

func (c *channel) startInboundLocked(p packet.Packet) {
	msg := c.openLocked(Hardware, p)
	if msg == nil {
		return
	}
	n := copy(msg.buf, p.Payload)
	msg.packets = 1
	if n == msg.length {
		c.completeInboundLocked(msg)
		return
	}
	if p.EOM {
		c.finishLocked(msg, fmt.Errorf("%w: end of message at %d/%d", ErrProtocol, n, msg.length))
		return
	}
	msg.setTTL(c.mb.cfg.FragmentTTLTicks)
	c.cur = msg
	c.offset = n
}

func (c *channel) appendLocked(p packet.Packet) {
	msg := c.cur
	if c.offset+len(p.Payload) > msg.length {
		c.dropLocked("overrun", msg.id, fmt.Errorf("%w: %d bytes at %d/%d", ErrProtocol, len(p.Payload), c.offset, msg.length))
		return
	}
	c.offset += copy(msg.buf[c.offset:], p.Payload)
	msg.packets++
	msg.ttl = msg.initTTL
	switch {
	case c.offset == msg.length:
		c.cur = nil
		c.offset = 0
		c.completeInboundLocked(msg)
	case p.EOM:
		at := c.offset
		c.cur = nil
		c.offset = 0
		c.finishLocked(msg, fmt.Errorf("%w: end of message at %d/%d", ErrProtocol, at, msg.length))
	}
}

// receiveWholeLocked handles a software frame, which always carries a
// complete message and never disturbs hardware reassembly.
func (c *channel) receiveWholeLocked(p packet.Packet) {
	msg := c.openLocked(Software, p)
	if msg == nil {
		return
	}
	copy(msg.buf, p.Payload)
	msg.packets = 1
	c.completeInboundLocked(msg)
}

func (c *channel) completeInboundLocked(msg *message) {
	c.finishLocked(msg, nil)
	if msg.isResponse() {
		return
	}
	in := Inbound{
		ID:        msg.id,
		Flags:     msg.flags,
		Payload:   msg.payload(),
		Transport: msg.transport,
		Received:  msg.end,
	}
	c.after = append(c.after, func() { c.mb.inbox.push(in) })
}
