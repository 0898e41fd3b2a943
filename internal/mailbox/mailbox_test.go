package mailbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/cardmbx/internal/hwfifo"
	"github.com/danmuck/cardmbx/internal/protocol/packet"
	"github.com/danmuck/cardmbx/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TickPeriod = time.Millisecond
	cfg.PollInterval = time.Second
	_, err := New(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPostBeforeStartAndAfterClose(t *testing.T) {
	testlog.Start(t)
	m, err := New(testConfig("idle"))
	require.NoError(t, err)
	require.ErrorIs(t, m.Post(context.Background(), 0, []byte("x"), Software), ErrNotStarted)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Close())
	require.ErrorIs(t, m.Post(context.Background(), 0, []byte("x"), Software), ErrShutdown)
	require.ErrorIs(t, m.Start(context.Background()), ErrShutdown)
}

func TestHardwarePostWithoutRegisters(t *testing.T) {
	testlog.Start(t)
	m := startManual(t, testConfig("swonly"), nil)
	require.False(t, m.HasHardware())
	require.ErrorIs(t, m.Post(context.Background(), 0, []byte("x"), Hardware), ErrNoHardware)
	require.ErrorIs(t, m.Probe(), ErrNoHardware)
}

func TestPostRejectsEmptyAndOversize(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig("limits")
	cfg.MaxMessageSize = 128
	a, _ := hwfifo.NewLink(linkDepth)
	m := startManual(t, cfg, a)
	require.ErrorIs(t, m.Post(context.Background(), 0, nil, Hardware), ErrInvalidMessage)
	require.ErrorIs(t, m.Post(context.Background(), 0, make([]byte, 129), Hardware), ErrTooLarge)
}

func TestChannelShutdownIsIdempotent(t *testing.T) {
	testlog.Start(t)
	m := startManual(t, testConfig("shutdown"), nil)

	var msgs []*message
	for i := 0; i < 3; i++ {
		msg := newMessage(DirRX, uint64(100+i), packet.FlagResponse, kindResponse, make([]byte, 4), Software)
		require.NoError(t, m.rx.enqueue(msg))
		msgs = append(msgs, msg)
	}

	require.Equal(t, 3, m.rx.shutdown())
	require.Equal(t, 0, m.rx.shutdown())
	for _, msg := range msgs {
		<-msg.done
		require.ErrorIs(t, msg.err, ErrShutdown)
	}
	require.ErrorIs(t, m.rx.enqueue(newMessage(DirRX, 1, packet.FlagResponse, kindResponse, make([]byte, 1), Software)), ErrShutdown)
}

func TestCloseFailsWaitersAndIsIdempotent(t *testing.T) {
	testlog.Start(t)
	m, err := New(testConfig("close"), WithTickSource(make(chan time.Time)))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))

	// Nobody reads the software slot, so the post stays in flight.
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Post(context.Background(), 0, []byte("stuck"), Software)
	}()
	eventually(t, m.Bridge().Pending, "post should reach the software slot")

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	require.ErrorIs(t, <-errCh, ErrShutdown)

	st := m.Status()
	require.True(t, st.Closed)
	require.Equal(t, StateStopped.String(), st.TX.State)
	require.Equal(t, StateStopped.String(), st.RX.State)
}

func TestPostCancelledByContext(t *testing.T) {
	testlog.Start(t)
	m := startManual(t, testConfig("cancel"), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Post(ctx, 0, []byte("never read"), Software)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, m.Bridge().Pending())
}

func TestEndpointEventsAreCapabilityScoped(t *testing.T) {
	testlog.Start(t)
	m, err := New(testConfig("events"), WithTickSource(make(chan time.Time)))
	require.NoError(t, err)

	var mu sync.Mutex
	var swEvents, hwEvents []EventKind
	unsubSW := m.Subscribe(CapSoftware, func(ev EndpointEvent) {
		mu.Lock()
		defer mu.Unlock()
		swEvents = append(swEvents, ev.Kind)
	})
	defer unsubSW()
	m.Subscribe(CapHardware, func(ev EndpointEvent) {
		mu.Lock()
		defer mu.Unlock()
		hwEvents = append(hwEvents, ev.Kind)
	})

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []EventKind{EndpointAppeared, EndpointRemoved}, swEvents)
	require.Empty(t, hwEvents, "software-only mailbox must not reach hardware subscribers")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	testlog.Start(t)
	m, err := New(testConfig("unsub"), WithTickSource(make(chan time.Time)))
	require.NoError(t, err)
	calls := 0
	unsub := m.Subscribe(CapAll, func(EndpointEvent) { calls++ })
	unsub()
	unsub()
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Close())
	require.Zero(t, calls)
}

func TestUnmatchedResponseEscalates(t *testing.T) {
	testlog.Start(t)
	a, b := hwfifo.NewLink(linkDepth)
	m := startManual(t, testConfig("unmatched"), a)

	writeMessage(t, b, 77, packet.FlagResponse, []byte("late"))
	writeMessage(t, b, 77, packet.FlagResponse, []byte("late"))
	eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.unmSeen[77] == 2
	}, "both unmatched responses should be recorded")
	require.True(t, m.PeerAlive())
}

func TestUnmatchedMemoryIsBounded(t *testing.T) {
	testlog.Start(t)
	m, err := New(testConfig("bounded"))
	require.NoError(t, err)
	for id := uint64(1); id <= unmatchedMemory+10; id++ {
		m.unmatched(id)
	}
	require.Len(t, m.unmSeen, unmatchedMemory)
	_, kept := m.unmSeen[1]
	require.False(t, kept)
}

func TestStatusSnapshot(t *testing.T) {
	testlog.Start(t)
	a, _ := hwfifo.NewLink(linkDepth)
	m := startManual(t, testConfig("status"), a)
	st := m.Status()
	require.Equal(t, "status", st.Name)
	require.NotEmpty(t, st.ID)
	require.True(t, st.Started)
	require.True(t, st.PeerAlive)
	require.Equal(t, "hw|sw", st.Capabilities)
	require.Equal(t, "tx", st.TX.Direction)
	require.Equal(t, "ready", st.RX.State)
}

func TestProbeSendsTestPacket(t *testing.T) {
	testlog.Start(t)
	a, b := hwfifo.NewLink(linkDepth)
	m := startManual(t, testConfig("probe"), a)
	require.NoError(t, m.Probe())
	p := waitPacket(t, b)
	require.Equal(t, packet.TypeTest, p.Type)
}

func TestTransmitErrorFailsMessageAndResets(t *testing.T) {
	testlog.Start(t)
	a, _ := hwfifo.NewLink(linkDepth)
	m := startManual(t, testConfig("txerr"), a)
	a.InjectTXError(0x4)
	err := m.Post(context.Background(), 0, []byte("boom"), Hardware)
	require.ErrorIs(t, err, ErrTransport)
	require.True(t, errors.Is(err, hwfifo.ErrHardware))

	st, serr := a.Status()
	require.NoError(t, serr, "tx reset should clear the latched error")
	require.True(t, st.Has(hwfifo.StatusSTA))
}

func TestReceiveErrorFailsInflightReplyAndResets(t *testing.T) {
	testlog.Start(t)
	a, b := hwfifo.NewLink(linkDepth)
	m := startManual(t, testConfig("rxerr"), a)
	got := make(chan Inbound, 4)
	m.Listen(func(_ context.Context, in Inbound) { got <- in })

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := m.Request(context.Background(), []byte("status?"), make([]byte, 256), 0, Hardware)
		done <- result{n, err}
	}()

	req := waitPacket(t, b)
	var raw [packet.Size]byte
	_, err := packet.Encode(&raw, req.ID, packet.FlagResponse, make([]byte, 120), 0)
	require.NoError(t, err)
	writeRaw(t, b, &raw)
	eventually(t, func() bool { return m.Status().RX.InFlightID == req.ID }, "partial reply in flight")

	a.InjectRXError(0x5)
	select {
	case res := <-done:
		require.ErrorIs(t, res.err, ErrTransport)
		require.ErrorIs(t, res.err, hwfifo.ErrHardware)
	case <-time.After(2 * time.Second):
		t.Fatalf("request did not fail on receive error")
	}

	_, serr := a.Status()
	require.NoError(t, serr, "rx reset should clear the latched error")
	writeMessage(t, b, 44, packet.FlagRequest, []byte("after reset"))
	select {
	case in := <-got:
		require.Equal(t, uint64(44), in.ID)
		require.Equal(t, []byte("after reset"), in.Payload)
	case <-time.After(2 * time.Second):
		t.Fatalf("no request after rx reset")
	}
}

func TestCloseDiscardsQueuedRequestsWithoutListener(t *testing.T) {
	testlog.Start(t)
	a, b := hwfifo.NewLink(linkDepth)
	m, err := New(testConfig("closeq"), WithRegisters(a), WithTickSource(make(chan time.Time)))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))

	var mu sync.Mutex
	var seen []uint64
	entered := make(chan struct{}, 1)
	m.Listen(func(ctx context.Context, in Inbound) {
		mu.Lock()
		seen = append(seen, in.ID)
		mu.Unlock()
		entered <- struct{}{}
		<-ctx.Done()
	})

	writeMessage(t, b, 1, packet.FlagRequest, []byte("first"))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("listener not invoked")
	}
	writeMessage(t, b, 2, packet.FlagRequest, []byte("second"))
	eventually(t, func() bool { return m.Status().PendingInbound == 1 }, "second request queued")

	require.NoError(t, m.Close())
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{1}, seen)
}
