package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/cardmbx/internal/hwfifo"
	"github.com/danmuck/cardmbx/internal/protocol/packet"
	"github.com/danmuck/cardmbx/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func finished(msg *message) bool {
	select {
	case <-msg.done:
		return true
	default:
		return false
	}
}

func TestTTLFailsExactlyAtTickN(t *testing.T) {
	testlog.Start(t)
	for _, n := range []int{1, 2, 5} {
		m := startManual(t, testConfig("ttl"), nil)
		msg := newMessage(DirRX, 500, packet.FlagResponse, kindResponse, make([]byte, 4), Software)
		msg.setTTL(n)
		require.NoError(t, m.rx.enqueue(msg))

		for i := 1; i < n; i++ {
			m.tick()
			require.False(t, finished(msg), "ttl=%d expired early at tick %d", n, i)
		}
		m.tick()
		<-msg.done
		require.ErrorIs(t, msg.err, ErrTimeout)
	}
}

func TestUnboundedTTLNeverExpires(t *testing.T) {
	testlog.Start(t)
	m := startManual(t, testConfig("unbounded"), nil)
	msg := newMessage(DirRX, 501, packet.FlagResponse, kindResponse, make([]byte, 4), Software)
	require.NoError(t, m.rx.enqueue(msg))
	for i := 0; i < 50; i++ {
		m.tick()
	}
	require.False(t, finished(msg))
}

func TestTXTimeoutReleasesSoftwareSlot(t *testing.T) {
	testlog.Start(t)
	m := startManual(t, testConfig("txttl"), nil)
	msg := newMessage(DirTX, 9, packet.FlagRequest, kindNotify, []byte("held"), Software)
	msg.setTTL(2)
	require.NoError(t, m.tx.enqueue(msg))
	eventually(t, m.Bridge().Pending, "message should reach the slot")

	m.tick()
	require.False(t, finished(msg))
	m.tick()
	<-msg.done
	require.ErrorIs(t, msg.err, ErrTimeout)
	require.False(t, m.Bridge().Pending())
}

func TestThreeRXTimeoutsClearLivenessAndOnePacketRestores(t *testing.T) {
	testlog.Start(t)
	a, b := hwfifo.NewLink(linkDepth)
	m := startManual(t, testConfig("liveness"), a)

	events := make(chan EventKind, 4)
	m.Subscribe(CapHardware, func(ev EndpointEvent) { events <- ev.Kind })

	for i := 0; i < 3; i++ {
		require.True(t, m.PeerAlive(), "alive before timeout %d", i+1)
		done := make(chan error, 1)
		go func() {
			_, err := m.Request(context.Background(), []byte("anyone?"), make([]byte, 8), m.cfg.TickPeriod, Hardware)
			done <- err
		}()
		waitPacket(t, b)

		var err error
		require.Eventually(t, func() bool {
			m.tick()
			select {
			case err = <-done:
				return true
			default:
				return false
			}
		}, 2*time.Second, time.Millisecond)
		require.ErrorIs(t, err, ErrTimeout)
	}
	require.False(t, m.PeerAlive())
	require.Equal(t, EndpointRemoved, <-events)
	require.ErrorIs(t, m.Post(context.Background(), 0, []byte("x"), Hardware), ErrPeerDead)

	var raw [packet.Size]byte
	packet.EncodeTest(&raw)
	writeRaw(t, b, &raw)
	eventually(t, m.PeerAlive, "a test packet should restore liveness")
	require.Zero(t, m.Status().RX.Timeouts)
	select {
	case kind := <-events:
		require.Equal(t, EndpointAppeared, kind)
	case <-time.After(2 * time.Second):
		t.Fatalf("no appeared event after recovery")
	}
}

func TestTicksForRoundsUp(t *testing.T) {
	testlog.Start(t)
	m, err := New(testConfig("ticks"))
	require.NoError(t, err)
	period := m.cfg.TickPeriod
	require.Equal(t, 0, m.ticksFor(0))
	require.Equal(t, 1, m.ticksFor(time.Nanosecond))
	require.Equal(t, 1, m.ticksFor(period))
	require.Equal(t, 2, m.ticksFor(period+1))
	require.Equal(t, 5, m.ticksFor(5*period))
}
