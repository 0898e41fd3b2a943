package hwfifo

import (
	"errors"
	"fmt"
	"sync"
)

// PacketWords is the FIFO threshold used for STA/RTA: one 64-byte packet.
const PacketWords = 16

// Status mirrors the mailbox STATUS register bits.
type Status uint32

const (
	StatusEmpty Status = 1 << 0 // receive FIFO empty
	StatusFull  Status = 1 << 1 // transmit FIFO full
	StatusSTA   Status = 1 << 2 // transmit FIFO has room for a packet
	StatusRTA   Status = 1 << 3 // receive FIFO holds at least a packet
)

func (s Status) Has(bit Status) bool {
	return s&bit != 0
}

var (
	ErrFIFOFull  = errors.New("hwfifo: transmit fifo full")
	ErrFIFOEmpty = errors.New("hwfifo: receive fifo empty")
	ErrHardware  = errors.New("hwfifo: error register set")
	ErrDetached  = errors.New("hwfifo: register block detached")
)

// Registers is the word-level view of one mailbox register block. A
// Registers value is owned by exactly one mailbox instance.
type Registers interface {
	// Status reads STATUS. A non-nil error reflects the ERROR register.
	Status() (Status, error)
	// WriteData pushes one word into the transmit FIFO.
	WriteData(word uint32) error
	// ReadData pops one word from the receive FIFO.
	ReadData() (uint32, error)
	// ResetTX flushes the transmit FIFO and clears transmit errors.
	ResetTX() error
	// ResetRX flushes the receive FIFO and clears receive errors.
	ResetRX() error
}

type queue struct {
	mu     sync.Mutex
	words  []uint32
	depth  int
	err    error
	notify chan struct{}
}

func newQueue(depth int) *queue {
	return &queue{
		words:  make([]uint32, 0, depth),
		depth:  depth,
		notify: make(chan struct{}, 1),
	}
}

func (q *queue) push(w uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	if len(q.words) >= q.depth {
		return ErrFIFOFull
	}
	q.words = append(q.words, w)
	if len(q.words)%PacketWords == 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

func (q *queue) pop() (uint32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return 0, q.err
	}
	if len(q.words) == 0 {
		return 0, ErrFIFOEmpty
	}
	w := q.words[0]
	q.words = q.words[1:]
	return w, nil
}

func (q *queue) snapshot() (used int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.words), q.err
}

func (q *queue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.words = q.words[:0]
	q.err = nil
}

func (q *queue) setErr(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

// Endpoint is one side of an in-memory link. It implements Registers.
type Endpoint struct {
	name string
	tx   *queue
	rx   *queue

	mu       sync.Mutex
	detached bool
}

var _ Registers = (*Endpoint)(nil)

// NewLink returns two register blocks wired back to back: words written on
// one are read on the other. depth is the per-direction FIFO size in words.
func NewLink(depth int) (*Endpoint, *Endpoint) {
	if depth < PacketWords {
		depth = PacketWords
	}
	ab := newQueue(depth)
	ba := newQueue(depth)
	return &Endpoint{name: "a", tx: ab, rx: ba}, &Endpoint{name: "b", tx: ba, rx: ab}
}

func (e *Endpoint) String() string {
	return "hwfifo/" + e.name
}

func (e *Endpoint) Status() (Status, error) {
	if err := e.checkAttached(); err != nil {
		return 0, err
	}
	txUsed, txErr := e.tx.snapshot()
	rxUsed, rxErr := e.rx.snapshot()
	if txErr != nil {
		return 0, txErr
	}
	if rxErr != nil {
		return 0, rxErr
	}

	var s Status
	if rxUsed == 0 {
		s |= StatusEmpty
	}
	if rxUsed >= PacketWords {
		s |= StatusRTA
	}
	if txUsed >= e.tx.depth {
		s |= StatusFull
	}
	if e.tx.depth-txUsed >= PacketWords {
		s |= StatusSTA
	}
	return s, nil
}

func (e *Endpoint) WriteData(word uint32) error {
	if err := e.checkAttached(); err != nil {
		return err
	}
	return e.tx.push(word)
}

func (e *Endpoint) ReadData() (uint32, error) {
	if err := e.checkAttached(); err != nil {
		return 0, err
	}
	return e.rx.pop()
}

// Notify fires when a packet's worth of words lands in the receive FIFO.
func (e *Endpoint) Notify() <-chan struct{} {
	return e.rx.notify
}

func (e *Endpoint) ResetTX() error {
	if err := e.checkAttached(); err != nil {
		return err
	}
	e.tx.reset()
	return nil
}

func (e *Endpoint) ResetRX() error {
	if err := e.checkAttached(); err != nil {
		return err
	}
	e.rx.reset()
	return nil
}

// InjectTXError latches an error on the transmit side until ResetTX.
func (e *Endpoint) InjectTXError(code uint32) {
	e.tx.setErr(fmt.Errorf("%w: tx code=%#x", ErrHardware, code))
}

// InjectRXError latches an error on the receive side until ResetRX.
func (e *Endpoint) InjectRXError(code uint32) {
	e.rx.setErr(fmt.Errorf("%w: rx code=%#x", ErrHardware, code))
}

// Detach makes every register access fail, as after a function reset.
func (e *Endpoint) Detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detached = true
}

func (e *Endpoint) checkAttached() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.detached {
		return ErrDetached
	}
	return nil
}
