package mailbox

import (
	"fmt"
	"strings"

	"github.com/danmuck/cardmbx/internal/protocol/packet"
)

// TransportKind selects how a message crosses the link. It is fixed when the
// message is created.
type TransportKind int

const (
	Hardware TransportKind = iota
	Software
)

func (k TransportKind) String() string {
	if k == Software {
		return "sw"
	}
	return "hw"
}

// ParseTransportKind accepts "hw"/"hardware" and "sw"/"software".
func ParseTransportKind(raw string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "hw", "hardware", "":
		return Hardware, nil
	case "sw", "software":
		return Software, nil
	default:
		return Hardware, fmt.Errorf("%w: unknown transport %q", ErrInvalidMessage, raw)
	}
}

// transport moves messages across one physical path. Channels call it with
// their lock held, so implementations must not block.
type transport interface {
	Kind() TransportKind

	// Transmit moves at most one unit of msg starting at offset. It reports
	// how many payload bytes were accepted and whether msg is now fully
	// delivered. n == 0 && !done means the path is not ready.
	Transmit(msg *message, offset int) (n int, done bool, err error)

	// AbortTX discards anything of msg still held by the transport.
	AbortTX(msg *message)

	// Receive returns the next inbound unit when one is ready. A software
	// unit is always a complete message (MSG_START with EOM set).
	Receive() (p packet.Packet, ok bool, err error)

	ResetTX() error
	ResetRX() error
}
