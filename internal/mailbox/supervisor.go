package mailbox

import (
	"context"
	"time"
)

// ticksFor converts a duration to supervisor ticks, rounding up. Zero or
// negative means unbounded.
func (m *Mailbox) ticksFor(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	period := m.cfg.TickPeriod
	n := int((ttl + period - 1) / period)
	if n < 1 {
		n = 1
	}
	return n
}

func (m *Mailbox) supervise(ctx context.Context) {
	defer m.wg.Done()
	ticks := m.ticks
	if ticks == nil {
		t := time.NewTicker(m.cfg.TickPeriod)
		defer t.Stop()
		ticks = t.C
	}
	for {
		select {
		case <-ctx.Done():
			// Parent cancellation without Close still releases waiters.
			m.tx.shutdown()
			m.rx.shutdown()
			return
		case <-ticks:
			m.tick()
		}
	}
}

// tick ages both channels once and wakes their workers.
func (m *Mailbox) tick() {
	m.tx.tick()
	m.rx.tick()
}
