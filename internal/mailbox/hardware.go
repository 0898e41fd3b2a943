package mailbox

import (
	"fmt"

	"github.com/danmuck/cardmbx/internal/hwfifo"
	"github.com/danmuck/cardmbx/internal/protocol/packet"
)

// hwTransport carries messages as 64-byte packets through the mailbox
// register block. The tx* buffers are guarded by the TX channel lock and the
// rx* buffers by the RX channel lock.
type hwTransport struct {
	regs hwfifo.Registers

	txFrame [packet.Size]byte
	txWords [packet.Words]uint32
	rxFrame [packet.Size]byte
	rxWords [packet.Words]uint32
}

var _ transport = (*hwTransport)(nil)

func newHardware(regs hwfifo.Registers) *hwTransport {
	return &hwTransport{regs: regs}
}

func (h *hwTransport) Kind() TransportKind {
	return Hardware
}

func (h *hwTransport) Transmit(msg *message, offset int) (int, bool, error) {
	st, err := h.regs.Status()
	if err != nil {
		return 0, false, err
	}
	if !st.Has(hwfifo.StatusSTA) {
		return 0, false, nil
	}
	n, err := packet.Encode(&h.txFrame, msg.id, msg.flags, msg.payload(), offset)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	packet.ToWords(&h.txFrame, &h.txWords)
	for i, w := range h.txWords {
		if err := h.regs.WriteData(w); err != nil {
			return 0, false, fmt.Errorf("write word %d: %w", i, err)
		}
	}
	msg.packets++
	return n, offset+n == msg.length, nil
}

// AbortTX leaves packets already in the FIFO alone: the peer fails the
// partial message when the next MSG_START arrives.
func (h *hwTransport) AbortTX(*message) {}

func (h *hwTransport) Receive() (packet.Packet, bool, error) {
	st, err := h.regs.Status()
	if err != nil {
		return packet.Packet{}, false, err
	}
	if !st.Has(hwfifo.StatusRTA) {
		return packet.Packet{}, false, nil
	}
	for i := range h.rxWords {
		w, err := h.regs.ReadData()
		if err != nil {
			return packet.Packet{}, false, fmt.Errorf("read word %d: %w", i, err)
		}
		h.rxWords[i] = w
	}
	packet.FromWords(&h.rxWords, &h.rxFrame)
	p, err := packet.Decode(&h.rxFrame)
	if err != nil {
		return packet.Packet{}, true, err
	}
	return p, true, nil
}

// SendTest writes a TEST probe packet if the FIFO has room.
func (h *hwTransport) SendTest() (bool, error) {
	st, err := h.regs.Status()
	if err != nil {
		return false, err
	}
	if !st.Has(hwfifo.StatusSTA) {
		return false, nil
	}
	packet.EncodeTest(&h.txFrame)
	packet.ToWords(&h.txFrame, &h.txWords)
	for _, w := range h.txWords {
		if err := h.regs.WriteData(w); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (h *hwTransport) ResetTX() error {
	return h.regs.ResetTX()
}

func (h *hwTransport) ResetRX() error {
	return h.regs.ResetRX()
}

// edge returns the register block's receive notification, if it has one.
func (h *hwTransport) edge() <-chan struct{} {
	if n, ok := h.regs.(interface{ Notify() <-chan struct{} }); ok {
		return n.Notify()
	}
	return nil
}
