package mailbox

import (
	"strings"
	"sync"
	"time"
)

// EventKind tags an endpoint presence event.
type EventKind int

const (
	EndpointAppeared EventKind = iota + 1
	EndpointRemoved
)

func (k EventKind) String() string {
	switch k {
	case EndpointAppeared:
		return "appeared"
	case EndpointRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Capability scopes which transports a subscriber cares about.
type Capability uint32

const (
	CapHardware Capability = 1 << iota
	CapSoftware

	CapAll = CapHardware | CapSoftware
)

func (c Capability) String() string {
	var parts []string
	if c&CapHardware != 0 {
		parts = append(parts, "hw")
	}
	if c&CapSoftware != 0 {
		parts = append(parts, "sw")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// EndpointEvent reports the remote endpoint becoming reachable or not.
type EndpointEvent struct {
	Kind         EventKind
	Instance     string
	MailboxID    string
	Capabilities Capability
	At           time.Time
}

type EventHandler func(EndpointEvent)

type subscriber struct {
	id   uint64
	caps Capability
	fn   EventHandler
}

type eventBus struct {
	mu   sync.Mutex
	seq  uint64
	subs []subscriber
}

func (b *eventBus) add(caps Capability, fn EventHandler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.subs = append(b.subs, subscriber{id: b.seq, caps: caps, fn: fn})
	return b.seq
}

func (b *eventBus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *eventBus) publish(ev EndpointEvent) {
	b.mu.Lock()
	var targets []EventHandler
	for _, s := range b.subs {
		if s.caps&ev.Capabilities != 0 {
			targets = append(targets, s.fn)
		}
	}
	b.mu.Unlock()
	for _, fn := range targets {
		fn(ev)
	}
}

// Subscribe registers fn for presence events touching any of caps and
// returns a function that removes it.
func (m *Mailbox) Subscribe(caps Capability, fn EventHandler) func() {
	id := m.events.add(caps, fn)
	var once sync.Once
	return func() {
		once.Do(func() { m.events.remove(id) })
	}
}

func (m *Mailbox) capabilities() Capability {
	caps := CapSoftware
	if m.hw != nil {
		caps |= CapHardware
	}
	return caps
}

func (m *Mailbox) publish(kind EventKind) {
	ev := EndpointEvent{
		Kind:         kind,
		Instance:     m.cfg.Name,
		MailboxID:    m.id,
		Capabilities: m.capabilities(),
		At:           time.Now(),
	}
	m.log.Info().Str("event", kind.String()).Str("caps", ev.Capabilities.String()).Msg("endpoint event")
	m.events.publish(ev)
}
