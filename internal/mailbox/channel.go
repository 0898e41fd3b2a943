package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/cardmbx/internal/observability"
	"golang.org/x/time/rate"
)

// ChannelState is the run state of one channel worker.
type ChannelState int

const (
	StateReady ChannelState = iota
	StateStopping
	StateStopped
)

func (s ChannelState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ChannelStatus is a point-in-time view of one channel.
type ChannelStatus struct {
	Direction  string `json:"direction"`
	State      string `json:"state"`
	Queued     int    `json:"queued"`
	InFlightID uint64 `json:"in_flight_id,omitempty"`
	Offset     int    `json:"offset"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
	Timeouts   int    `json:"consecutive_timeouts"`
}

// channel is one direction of a mailbox. Everything below mu is guarded
// by it; completion signals and callbacks collected in after run once mu
// is released.
type channel struct {
	dir     Direction
	mb      *Mailbox
	wake    chan struct{}
	limiter *rate.Limiter

	mu        sync.Mutex
	state     ChannelState
	queue     []*message
	cur       *message
	offset    int
	after     []func()
	next      int
	timeouts  int
	completed uint64
	failed    uint64
}

func newChannel(dir Direction, mb *Mailbox) *channel {
	cfg := mb.cfg
	return &channel{
		dir:     dir,
		mb:      mb,
		wake:    make(chan struct{}, 1),
		limiter: rate.NewLimiter(rate.Every(cfg.PollInterval), cfg.PollBurst),
	}
}

func (c *channel) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// unlock releases mu and runs the deferred completions in order.
func (c *channel) unlock() {
	after := c.after
	c.after = nil
	c.mu.Unlock()
	for _, fn := range after {
		fn()
	}
}

func (c *channel) enqueue(msg *message) error {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return ErrShutdown
	}
	if msg.start.IsZero() {
		msg.start = time.Now()
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()
	c.kick()
	return nil
}

// arm starts the TTL of a queued message, typically a reply placeholder
// once its request has gone out.
func (c *channel) arm(msg *message, ticks int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.finished {
		return
	}
	msg.setTTL(ticks)
}

// cancel removes msg wherever it sits and fails it with err.
func (c *channel) cancel(msg *message, err error) {
	c.mu.Lock()
	defer c.unlock()
	if msg.finished {
		return
	}
	if c.cur == msg {
		c.cur = nil
		c.offset = 0
		if c.dir == DirTX {
			if tr := c.mb.transportFor(msg.transport); tr != nil {
				tr.AbortTX(msg)
			}
		}
	} else {
		c.removeLocked(msg)
	}
	c.finishLocked(msg, err)
}

func (c *channel) removeLocked(msg *message) bool {
	for i, m := range c.queue {
		if m == msg {
			copy(c.queue[i:], c.queue[i+1:])
			c.queue[len(c.queue)-1] = nil
			c.queue = c.queue[:len(c.queue)-1]
			return true
		}
	}
	return false
}

// finishLocked records the outcome of msg and schedules its completion.
func (c *channel) finishLocked(msg *message, err error) {
	if msg.finished {
		return
	}
	msg.finished = true
	msg.err = err
	msg.end = time.Now()
	if err == nil {
		c.completed++
	} else {
		c.failed++
	}

	mb := c.mb
	ev := mb.log.Debug()
	if err != nil && !errors.Is(err, ErrShutdown) {
		ev = mb.log.Warn().Err(err)
	}
	ev.Str("dir", c.dir.String()).
		Str("kind", msg.kind).
		Str("transport", msg.transport.String()).
		Uint64("msg_id", msg.id).
		Int("size", msg.length).
		Int("packets", msg.packets).
		Msg("message complete")
	observability.RecordMessage(mb.cfg.Name, c.dir.String(), msg.kind, msg.transport.String(), outcomeOf(err), msg.duration())

	c.after = append(c.after, func() {
		close(msg.done)
		if msg.onDone != nil {
			msg.onDone(msg)
		}
	})
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// busy reports whether the worker should poll rather than sleep. RX
// without an edge source polls while replies are awaited.
func (c *channel) busy(edge <-chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return false
	}
	if c.cur != nil {
		// A frame parked in the software slot waits for Bridge.Read, which
		// wakes the worker.
		if c.dir == DirTX && c.cur.transport == Software && c.mb.sw.tx.heldBy(c.cur) {
			return false
		}
		return true
	}
	if c.dir == DirTX {
		return len(c.queue) > 0
	}
	return len(c.queue) > 0 && edge == nil
}

func (c *channel) run(ctx context.Context) {
	var edge <-chan struct{}
	if c.dir == DirRX && c.mb.hw != nil {
		edge = c.mb.hw.edge()
	}
	for {
		if ctx.Err() != nil {
			return
		}
		if c.step() {
			continue
		}
		if c.busy(edge) {
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		case <-edge:
		}
	}
}

// step performs at most one unit of progress and reports whether it did.
func (c *channel) step() bool {
	if c.dir == DirTX {
		return c.stepTX()
	}
	return c.stepRX()
}

func (c *channel) stepTX() bool {
	c.mu.Lock()
	defer c.unlock()
	if c.state != StateReady {
		return false
	}
	if c.cur == nil {
		if len(c.queue) == 0 {
			return false
		}
		c.cur = c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.offset = 0
		return true
	}

	msg := c.cur
	tr := c.mb.transportFor(msg.transport)
	if tr == nil {
		c.cur = nil
		c.finishLocked(msg, ErrNoHardware)
		return true
	}
	n, done, err := tr.Transmit(msg, c.offset)
	if err != nil {
		c.cur = nil
		c.offset = 0
		c.finishLocked(msg, fmt.Errorf("%w: %w", ErrTransport, err))
		if rerr := tr.ResetTX(); rerr != nil {
			c.mb.log.Error().Err(rerr).Str("transport", tr.Kind().String()).Msg("tx reset failed")
		}
		return true
	}
	if n == 0 && !done {
		return false
	}
	if n > 0 {
		if msg.transport == Hardware {
			typ := "msg_body"
			if c.offset == 0 {
				typ = "msg_start"
			}
			observability.RecordPacket(c.mb.cfg.Name, "tx", typ)
		}
		c.offset += n
		msg.ttl = msg.initTTL
	}
	if done {
		c.cur = nil
		c.offset = 0
		c.finishLocked(msg, nil)
	}
	return true
}

// tick ages the in-flight and queued messages by one tick. It returns the
// number of messages that expired on this channel.
func (c *channel) tick() int {
	c.mu.Lock()
	expired := 0
	if msg := c.cur; msg != nil && msg.ttl > 0 {
		msg.ttl--
		if msg.ttl == 0 {
			c.cur = nil
			c.offset = 0
			if c.dir == DirTX {
				if tr := c.mb.transportFor(msg.transport); tr != nil {
					tr.AbortTX(msg)
				}
			}
			c.finishLocked(msg, ErrTimeout)
			expired++
		}
	}
	kept := c.queue[:0]
	for _, msg := range c.queue {
		if msg.ttl > 0 {
			msg.ttl--
			if msg.ttl == 0 {
				c.finishLocked(msg, ErrTimeout)
				expired++
				continue
			}
		}
		kept = append(kept, msg)
	}
	for i := len(kept); i < len(c.queue); i++ {
		c.queue[i] = nil
	}
	c.queue = kept

	dead := false
	if c.dir == DirRX && expired > 0 {
		c.timeouts += expired
		dead = c.timeouts >= c.mb.cfg.PeerDeadThreshold
	}
	c.unlock()

	if dead {
		c.mb.markDead()
	}
	c.kick()
	return expired
}

// shutdown fails everything queued or in flight with ErrShutdown and
// refuses further work. It returns how many messages it failed.
func (c *channel) shutdown() int {
	c.mu.Lock()
	defer c.unlock()
	if c.state == StateReady {
		c.state = StateStopping
	}
	n := 0
	if msg := c.cur; msg != nil {
		c.cur = nil
		c.offset = 0
		if c.dir == DirTX {
			if tr := c.mb.transportFor(msg.transport); tr != nil {
				tr.AbortTX(msg)
			}
		}
		c.finishLocked(msg, ErrShutdown)
		n++
	}
	for i, msg := range c.queue {
		c.finishLocked(msg, ErrShutdown)
		c.queue[i] = nil
		n++
	}
	c.queue = nil
	return n
}

// stop marks the channel stopped once its worker has exited.
func (c *channel) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateStopped
}

func (c *channel) status() ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := ChannelStatus{
		Direction: c.dir.String(),
		State:     c.state.String(),
		Queued:    len(c.queue),
		Offset:    c.offset,
		Completed: c.completed,
		Failed:    c.failed,
		Timeouts:  c.timeouts,
	}
	if c.cur != nil {
		st.InFlightID = c.cur.id
	}
	return st
}
