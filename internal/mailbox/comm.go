package mailbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/danmuck/cardmbx/internal/protocol/packet"
)

func (m *Mailbox) newID() uint64 {
	for {
		if id := m.nextID.Add(1); id != 0 {
			return id
		}
	}
}

// prepare validates an outbound payload and builds its TX message. id 0
// allocates a new REQUEST id; any other id answers that request.
func (m *Mailbox) prepare(id uint64, buf []byte, kind TransportKind) (*message, error) {
	if err := m.checkRunning(); err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	}
	if len(buf) > m.cfg.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(buf), m.cfg.MaxMessageSize)
	}
	if kind == Hardware && m.hw == nil {
		return nil, ErrNoHardware
	}
	if !m.alive.Load() {
		return nil, ErrPeerDead
	}
	if id == 0 {
		return newMessage(DirTX, m.newID(), packet.FlagRequest, kindNotify, cloneBytes(buf), kind), nil
	}
	return newMessage(DirTX, id, packet.FlagResponse, kindResponse, cloneBytes(buf), kind), nil
}

// wait blocks until msg completes. Cancelling ctx withdraws msg from its
// channel.
func (m *Mailbox) wait(ctx context.Context, c *channel, msg *message) error {
	select {
	case <-msg.done:
		return msg.err
	case <-ctx.Done():
		c.cancel(msg, ctx.Err())
		<-msg.done
		return msg.err
	}
}

func (m *Mailbox) traceTX(msg *message) {
	m.log.Debug().
		Str("dir", DirTX.String()).
		Str("kind", msg.kind).
		Str("transport", msg.transport.String()).
		Uint64("msg_id", msg.id).
		Int("size", msg.length).
		Msg("enqueue")
}

// Notify sends buf as a new notification and waits for it to leave.
func (m *Mailbox) Notify(ctx context.Context, buf []byte, kind TransportKind) error {
	return m.Post(ctx, 0, buf, kind)
}

// Post sends buf and blocks until the TX channel completes or fails it.
// id 0 sends a new notification; a nonzero id sends the RESPONSE to that
// request.
func (m *Mailbox) Post(ctx context.Context, id uint64, buf []byte, kind TransportKind) error {
	msg, err := m.prepare(id, buf, kind)
	if err != nil {
		return err
	}
	if err := m.tx.enqueue(msg); err != nil {
		return err
	}
	m.traceTX(msg)
	return m.wait(ctx, m.tx, msg)
}

// PostAsync enqueues buf and returns its id at once. cb, if set, runs on
// the TX worker's completion path and must not block.
func (m *Mailbox) PostAsync(id uint64, buf []byte, kind TransportKind, cb func(id uint64, err error)) (uint64, error) {
	msg, err := m.prepare(id, buf, kind)
	if err != nil {
		return 0, err
	}
	if cb != nil {
		msg.onDone = func(done *message) { cb(done.id, done.err) }
	}
	if err := m.tx.enqueue(msg); err != nil {
		return 0, err
	}
	m.traceTX(msg)
	return msg.id, nil
}

// Request sends req and waits for the matching RESPONSE, copying it into
// reply. ttl bounds the wait for the reply once req has gone out; zero
// waits until ctx ends.
func (m *Mailbox) Request(ctx context.Context, req, reply []byte, ttl time.Duration, kind TransportKind) (int, error) {
	if len(reply) == 0 {
		return 0, ErrReplyTooSmall
	}
	out, err := m.prepare(0, req, kind)
	if err != nil {
		return 0, err
	}
	out.kind = kindRequest

	// The placeholder is queued before the request so an immediate reply
	// always finds it.
	ph := newMessage(DirRX, out.id, packet.FlagResponse, kindResponse, make([]byte, len(reply)), kind)
	ph.length = 0
	if err := m.rx.enqueue(ph); err != nil {
		return 0, err
	}
	if err := m.tx.enqueue(out); err != nil {
		m.rx.cancel(ph, err)
		return 0, err
	}
	m.traceTX(out)

	if err := m.wait(ctx, m.tx, out); err != nil {
		m.rx.cancel(ph, err)
		return 0, err
	}
	m.rx.arm(ph, m.ticksFor(ttl))
	if err := m.wait(ctx, m.rx, ph); err != nil {
		return 0, err
	}
	return copy(reply, ph.payload()), nil
}

// RequestWithRetry repeats Request while it times out, up to attempts
// tries, sleeping per the configured retry backoff between them.
func (m *Mailbox) RequestWithRetry(ctx context.Context, req, reply []byte, ttl time.Duration, kind TransportKind, attempts int) (int, error) {
	if attempts < 1 {
		attempts = 1
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		n, err := m.Request(ctx, req, reply, ttl, kind)
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, ErrTimeout) {
			return 0, err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		delay := m.cfg.Retry.Delay(attempt, rng)
		m.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("request timed out, retrying")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}
	}
	return 0, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}
