package mailbox

import (
	"context"
	"sync"
	"time"
)

// Inbound is one fully received REQUEST or notification.
type Inbound struct {
	ID        uint64
	Flags     uint32
	Payload   []byte
	Transport TransportKind
	Received  time.Time
}

// ListenerFunc handles inbound requests. ctx ends when the mailbox closes;
// a reply is sent with Post(ctx, in.ID, ...).
type ListenerFunc func(ctx context.Context, in Inbound)

// inbox is the queue between the RX worker and the dispatcher.
type inbox struct {
	mu     sync.Mutex
	items  []Inbound
	closed bool
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (q *inbox) push(in Inbound) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, in)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *inbox) drain() []Inbound {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *inbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close discards anything still queued and returns how much was dropped.
func (q *inbox) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	n := len(q.items)
	q.items = nil
	return n
}

func (q *inbox) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Listen registers fn for inbound requests, replacing any previous
// listener. A nil fn unregisters.
func (m *Mailbox) Listen(fn ListenerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = fn
}

func (m *Mailbox) currentListener() ListenerFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listener
}

func (m *Mailbox) dispatch(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.inbox.signal:
		}
		for _, in := range m.inbox.drain() {
			if ctx.Err() != nil || m.inbox.isClosed() {
				return
			}
			fn := m.currentListener()
			if fn == nil {
				m.log.Warn().Uint64("msg_id", in.ID).Str("transport", in.Transport.String()).Msg("no listener, request dropped")
				continue
			}
			m.log.Debug().
				Str("dir", DirRX.String()).
				Str("kind", kindRequest).
				Str("transport", in.Transport.String()).
				Uint64("msg_id", in.ID).
				Int("size", len(in.Payload)).
				Msg("dispatch")
			fn(ctx, in)
		}
	}
}
