package mailbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/cardmbx/internal/hwfifo"
	"github.com/danmuck/cardmbx/internal/observability"
	"github.com/danmuck/cardmbx/internal/protocol/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// unmatchedMemory bounds how many unmatched reply ids are remembered for
// log escalation.
const unmatchedMemory = 64

type Option func(*Mailbox)

// WithRegisters attaches a hardware register block. Without one only the
// software transport is available.
func WithRegisters(regs hwfifo.Registers) Option {
	return func(m *Mailbox) {
		if regs != nil {
			m.hw = newHardware(regs)
		}
	}
}

// WithTickSource replaces the supervisor ticker.
func WithTickSource(ticks <-chan time.Time) Option {
	return func(m *Mailbox) {
		m.ticks = ticks
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Mailbox) {
		m.log = logger
	}
}

// Mailbox is one endpoint of the card-local transport: a TX channel, an RX
// channel, their transports, the timeout supervisor and listener dispatch.
type Mailbox struct {
	cfg Config
	id  string
	log zerolog.Logger

	hw      *hwTransport
	sw      *swTransport
	sources []transport
	bridge  *Bridge
	ticks   <-chan time.Time

	tx    *channel
	rx    *channel
	inbox *inbox

	nextID atomic.Uint64
	alive  atomic.Bool
	events eventBus
	wg     sync.WaitGroup
	done   chan struct{}

	mu        sync.Mutex
	listener  ListenerFunc
	started   bool
	closed    bool
	cancel    context.CancelFunc
	unmSeen   map[uint64]int
	unmOrder  []uint64
}

func New(cfg Config, opts ...Option) (*Mailbox, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Mailbox{
		cfg:       cfg,
		id:        uuid.NewString(),
		sw:        newSoftware(),
		inbox:     newInbox(),
		done:      make(chan struct{}),
		unmSeen:   make(map[uint64]int),
	}
	m.log = log.Logger
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.log = m.log.With().Str("mailbox", cfg.Name).Str("mailbox_id", m.id).Logger()

	if m.hw != nil {
		m.sources = []transport{m.hw, m.sw}
	} else {
		m.sources = []transport{m.sw}
	}
	m.tx = newChannel(DirTX, m)
	m.rx = newChannel(DirRX, m)
	m.bridge = &Bridge{
		sw:     m.sw,
		limits: frame.Limits{MaxPayloadBytes: uint64(cfg.MaxMessageSize)},
		done:   m.done,
		wake:   m.wake,
	}
	m.alive.Store(true)
	return m, nil
}

func (m *Mailbox) ID() string {
	return m.id
}

func (m *Mailbox) Name() string {
	return m.cfg.Name
}

func (m *Mailbox) Config() Config {
	return m.cfg
}

// Bridge returns the byte-stream side of the software channel.
func (m *Mailbox) Bridge() *Bridge {
	return m.bridge
}

// HasHardware reports whether a register block is attached.
func (m *Mailbox) HasHardware() bool {
	return m.hw != nil
}

func (m *Mailbox) transportFor(kind TransportKind) transport {
	if kind == Software {
		return m.sw
	}
	if m.hw == nil {
		return nil
	}
	return m.hw
}

func (m *Mailbox) wake(dir Direction) {
	if dir == DirTX {
		m.tx.kick()
		return
	}
	m.rx.kick()
}

// Start launches the channel workers, the supervisor and the dispatcher.
// Calling Start again is a no-op.
func (m *Mailbox) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShutdown
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.started = true
	m.mu.Unlock()

	m.wg.Add(4)
	go m.runChannel(runCtx, m.tx)
	go m.runChannel(runCtx, m.rx)
	go m.supervise(runCtx)
	go m.dispatch(runCtx)

	observability.SetPeerAlive(m.cfg.Name, m.alive.Load())
	m.log.Info().
		Bool("hardware", m.hw != nil).
		Dur("tick", m.cfg.TickPeriod).
		Int("max_message", m.cfg.MaxMessageSize).
		Msg("mailbox started")
	m.publish(EndpointAppeared)
	return nil
}

func (m *Mailbox) runChannel(ctx context.Context, c *channel) {
	defer m.wg.Done()
	c.run(ctx)
}

// Close fails all pending work with ErrShutdown, discards undelivered
// inbound requests and waits for the workers. It is safe to call twice.
func (m *Mailbox) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.cancel
	m.mu.Unlock()

	txFailed := m.tx.shutdown()
	rxFailed := m.rx.shutdown()
	if cancel != nil {
		cancel()
	}
	discarded := m.inbox.close()
	close(m.done)
	m.wg.Wait()
	m.tx.stop()
	m.rx.stop()

	m.log.Info().
		Int("tx_failed", txFailed).
		Int("rx_failed", rxFailed).
		Int("inbound_discarded", discarded).
		Msg("mailbox closed")
	if m.alive.Swap(false) {
		observability.SetPeerAlive(m.cfg.Name, false)
		m.publish(EndpointRemoved)
	}
	return nil
}

func (m *Mailbox) checkRunning() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrShutdown
	}
	if !m.started {
		return ErrNotStarted
	}
	return nil
}

// PeerAlive reports whether the remote endpoint is believed responsive.
func (m *Mailbox) PeerAlive() bool {
	return m.alive.Load()
}

func (m *Mailbox) markAlive() {
	if m.alive.CompareAndSwap(false, true) {
		m.log.Info().Msg("peer alive")
		observability.SetPeerAlive(m.cfg.Name, true)
		m.publish(EndpointAppeared)
	}
}

func (m *Mailbox) markDead() {
	if m.alive.CompareAndSwap(true, false) {
		m.log.Error().Int("threshold", m.cfg.PeerDeadThreshold).Msg("peer not responding")
		observability.SetPeerAlive(m.cfg.Name, false)
		m.publish(EndpointRemoved)
	}
}

// unmatched logs a RESPONSE nobody was waiting for: a warning the first
// time an id is seen, an error when it recurs.
func (m *Mailbox) unmatched(id uint64) {
	m.mu.Lock()
	n, seen := m.unmSeen[id]
	if !seen {
		if len(m.unmOrder) >= unmatchedMemory {
			delete(m.unmSeen, m.unmOrder[0])
			m.unmOrder = m.unmOrder[1:]
		}
		m.unmOrder = append(m.unmOrder, id)
	}
	n++
	m.unmSeen[id] = n
	m.mu.Unlock()

	if n == 1 {
		m.log.Warn().Uint64("msg_id", id).Msg("unmatched response dropped")
		return
	}
	m.log.Error().Uint64("msg_id", id).Int("count", n).Msg("unmatched response recurring")
}

// Probe sends a TEST packet so the peer notes inbound progress.
func (m *Mailbox) Probe() error {
	if err := m.checkRunning(); err != nil {
		return err
	}
	if m.hw == nil {
		return ErrNoHardware
	}
	m.tx.mu.Lock()
	ok, err := m.hw.SendTest()
	m.tx.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if !ok {
		return fmt.Errorf("%w: transmit fifo full", ErrTransport)
	}
	return nil
}

// Status is a point-in-time view of a mailbox.
type Status struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Started        bool          `json:"started"`
	Closed         bool          `json:"closed"`
	PeerAlive      bool          `json:"peer_alive"`
	Capabilities   string        `json:"capabilities"`
	TX             ChannelStatus `json:"tx"`
	RX             ChannelStatus `json:"rx"`
	PendingInbound int           `json:"pending_inbound"`
	SoftwareTXFull bool          `json:"software_tx_full"`
	SoftwareRXFull bool          `json:"software_rx_full"`
}

func (m *Mailbox) Status() Status {
	m.mu.Lock()
	started, closed := m.started, m.closed
	m.mu.Unlock()
	return Status{
		ID:             m.id,
		Name:           m.cfg.Name,
		Started:        started,
		Closed:         closed,
		PeerAlive:      m.alive.Load(),
		Capabilities:   m.capabilities().String(),
		TX:             m.tx.status(),
		RX:             m.rx.status(),
		PendingInbound: m.inbox.len(),
		SoftwareTXFull: m.sw.tx.snapshot() == slotFull,
		SoftwareRXFull: m.sw.rx.snapshot() == slotFull,
	}
}
