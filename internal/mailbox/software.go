package mailbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/cardmbx/internal/protocol/frame"
	"github.com/danmuck/cardmbx/internal/protocol/packet"
)

type slotState int

const (
	slotEmpty slotState = iota
	slotFull
	slotConsumed
)

// slot is the one-message-deep software mailbox for one direction.
// changed is closed and replaced on every state transition.
type slot struct {
	mu      sync.Mutex
	state   slotState
	frame   frame.Frame
	owner   *message
	changed chan struct{}
}

func newSlot() *slot {
	return &slot{changed: make(chan struct{})}
}

func (s *slot) setLocked(state slotState) {
	s.state = state
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *slot) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = frame.Frame{}
	s.owner = nil
	s.setLocked(slotEmpty)
}

func (s *slot) heldBy(msg *message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner == msg && s.state == slotFull
}

func (s *slot) snapshot() slotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// swTransport hands whole serialized messages to a cooperating process
// through Bridge instead of the register FIFO.
type swTransport struct {
	tx *slot
	rx *slot
}

var _ transport = (*swTransport)(nil)

func newSoftware() *swTransport {
	return &swTransport{tx: newSlot(), rx: newSlot()}
}

func (s *swTransport) Kind() TransportKind {
	return Software
}

// Transmit places msg in the TX slot on the first call and reports done
// once the bridge reader has consumed it.
func (s *swTransport) Transmit(msg *message, _ int) (int, bool, error) {
	sl := s.tx
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.owner == msg {
		if sl.state != slotConsumed {
			return 0, false, nil
		}
		sl.frame = frame.Frame{}
		sl.owner = nil
		sl.setLocked(slotEmpty)
		return 0, true, nil
	}
	if sl.state != slotEmpty {
		return 0, false, nil
	}
	sl.frame = frame.Frame{
		Header: frame.Header{
			Size:  uint64(msg.length),
			Flags: uint64(msg.flags),
			ID:    msg.id,
		},
		Payload: msg.payload(),
	}
	sl.owner = msg
	sl.setLocked(slotFull)
	msg.packets++
	return msg.length, false, nil
}

func (s *swTransport) AbortTX(msg *message) {
	sl := s.tx
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.owner != msg {
		return
	}
	sl.frame = frame.Frame{}
	sl.owner = nil
	sl.setLocked(slotEmpty)
}

func (s *swTransport) Receive() (packet.Packet, bool, error) {
	sl := s.rx
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.state != slotFull {
		return packet.Packet{}, false, nil
	}
	f := sl.frame
	sl.frame = frame.Frame{}
	sl.setLocked(slotEmpty)
	return packet.Packet{
		Type:    packet.TypeMsgStart,
		EOM:     true,
		ID:      f.Header.ID,
		Flags:   uint32(f.Header.Flags),
		Total:   uint32(f.Header.Size),
		Payload: f.Payload,
	}, true, nil
}

func (s *swTransport) ResetTX() error {
	s.tx.clear()
	return nil
}

func (s *swTransport) ResetRX() error {
	s.rx.clear()
	return nil
}

// Bridge is the byte-stream side of the software channel. Each Read returns
// exactly one outbound frame and each Write deposits exactly one inbound
// frame.
type Bridge struct {
	sw     *swTransport
	limits frame.Limits
	done   <-chan struct{}
	wake   func(Direction)
}

// Read blocks until the TX slot holds a frame and copies it into p.
func (b *Bridge) Read(ctx context.Context, p []byte) (int, error) {
	sl := b.sw.tx
	for {
		sl.mu.Lock()
		if sl.state == slotFull {
			n, err := frame.MarshalTo(p, sl.frame)
			if err != nil {
				sl.mu.Unlock()
				return 0, err
			}
			sl.setLocked(slotConsumed)
			sl.mu.Unlock()
			b.wake(DirTX)
			return n, nil
		}
		changed := sl.changed
		sl.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-b.done:
			return 0, ErrShutdown
		case <-changed:
		}
	}
}

// Write validates p as one complete frame and waits for the RX slot to be
// free before depositing it.
func (b *Bridge) Write(ctx context.Context, p []byte) (int, error) {
	f, err := frame.Parse(p, b.limits)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	sl := b.sw.rx
	for {
		sl.mu.Lock()
		if sl.state == slotEmpty {
			sl.frame = f
			sl.setLocked(slotFull)
			sl.mu.Unlock()
			b.wake(DirRX)
			return len(p), nil
		}
		changed := sl.changed
		sl.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-b.done:
			return 0, ErrShutdown
		case <-changed:
		}
	}
}

// Pending reports whether an outbound frame is waiting to be read.
func (b *Bridge) Pending() bool {
	return b.sw.tx.snapshot() == slotFull
}
