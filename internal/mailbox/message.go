package mailbox

import (
	"time"

	"github.com/danmuck/cardmbx/internal/protocol/packet"
)

// Direction names which channel owns a message.
type Direction int

const (
	DirTX Direction = iota
	DirRX
)

func (d Direction) String() string {
	if d == DirRX {
		return "rx"
	}
	return "tx"
}

// Message kinds used for logging and metrics. The wire only carries the
// REQUEST/RESPONSE flags; a notification is a request nobody waits on.
const (
	kindRequest  = "request"
	kindNotify   = "notify"
	kindResponse = "response"
)

// message is the unit a channel queues and completes. All mutable fields
// except the completion signal are guarded by the owning channel's lock.
type message struct {
	id        uint64
	dir       Direction
	flags     uint32
	kind      string
	transport TransportKind

	// buf is owned by the message. For inbound messages it is the
	// reassembly target and length is the declared total size.
	buf    []byte
	length int

	// ttl counts remaining ticks; 0 means unbounded. Progress restores
	// ttl to initTTL.
	ttl     int
	initTTL int

	done     chan struct{}
	err      error
	finished bool
	onDone   func(*message)

	packets int
	start   time.Time
	end     time.Time
}

func newMessage(dir Direction, id uint64, flags uint32, kind string, buf []byte, transport TransportKind) *message {
	return &message{
		id:        id,
		dir:       dir,
		flags:     flags,
		kind:      kind,
		transport: transport,
		buf:       buf,
		length:    len(buf),
		done:      make(chan struct{}),
	}
}

func (m *message) isResponse() bool {
	return m.flags&packet.FlagResponse != 0
}

func (m *message) payload() []byte {
	return m.buf[:m.length]
}

func (m *message) setTTL(ticks int) {
	m.initTTL = ticks
	m.ttl = ticks
}

func (m *message) duration() time.Duration {
	if m.start.IsZero() || m.end.Before(m.start) {
		return 0
	}
	return m.end.Sub(m.start)
}

func cloneBytes(in []byte) []byte {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
