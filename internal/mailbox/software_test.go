package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/cardmbx/internal/protocol/frame"
	"github.com/danmuck/cardmbx/internal/protocol/packet"
	"github.com/danmuck/cardmbx/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func encodeFrame(id uint64, flags uint32, payload []byte) []byte {
	buf := make([]byte, frame.HeaderLen+len(payload))
	copy(buf, frame.EncodeHeader(frame.Header{Size: uint64(len(payload)), Flags: uint64(flags), ID: id}))
	copy(buf[frame.HeaderLen:], payload)
	return buf
}

func TestBridgeRejectsZeroIDAndEmptyFrames(t *testing.T) {
	testlog.Start(t)
	m := startManual(t, testConfig("bridge"), nil)
	br := m.Bridge()
	ctx := context.Background()

	_, err := br.Write(ctx, encodeFrame(0, packet.FlagRequest, []byte("x")))
	require.ErrorIs(t, err, ErrInvalidMessage)
	require.ErrorIs(t, err, frame.ErrZeroID)

	_, err = br.Write(ctx, encodeFrame(3, packet.FlagRequest, nil))
	require.ErrorIs(t, err, frame.ErrEmpty)

	_, err = br.Write(ctx, append(encodeFrame(3, packet.FlagRequest, []byte("x")), 0))
	require.ErrorIs(t, err, frame.ErrTrailingBytes)

	_, err = br.Write(ctx, []byte{1, 2, 3})
	require.ErrorIs(t, err, frame.ErrShortHeader)
}

func TestBridgeRejectsFrameOverMessageCap(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig("bridgecap")
	cfg.MaxMessageSize = 16
	m := startManual(t, cfg, nil)
	_, err := m.Bridge().Write(context.Background(), encodeFrame(3, packet.FlagRequest, make([]byte, 17)))
	require.ErrorIs(t, err, frame.ErrPayloadTooLarge)
}

func TestBridgeReadReturnsOneFrame(t *testing.T) {
	testlog.Start(t)
	m := startManual(t, testConfig("bridgeread"), nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Notify(context.Background(), []byte("hello"), Software)
	}()

	small := make([]byte, frame.HeaderLen)
	eventually(t, m.Bridge().Pending, "frame should be waiting")
	_, err := m.Bridge().Read(context.Background(), small)
	require.ErrorIs(t, err, frame.ErrShortBuffer)

	buf := make([]byte, 128)
	n, err := m.Bridge().Read(context.Background(), buf)
	require.NoError(t, err)
	f, err := frame.Parse(buf[:n], frame.DefaultLimits())
	require.NoError(t, err)
	require.Equal(t, "hello", string(f.Payload))
	require.Equal(t, uint64(packet.FlagRequest), f.Header.Flags)
	require.NotZero(t, f.Header.ID)

	require.NoError(t, <-errCh)
	require.False(t, m.Bridge().Pending())
}

func TestBridgeReadHonoursContextAndShutdown(t *testing.T) {
	testlog.Start(t)
	m := startManual(t, testConfig("bridgectx"), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Bridge().Read(ctx, make([]byte, 64))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, m.Close())
	_, err = m.Bridge().Read(context.Background(), make([]byte, 64))
	require.ErrorIs(t, err, ErrShutdown)
}

func TestSoftwareUnmatchedResponseIsDropped(t *testing.T) {
	testlog.Start(t)
	m := startManual(t, testConfig("swunmatched"), nil)
	_, err := m.Bridge().Write(context.Background(), encodeFrame(99, packet.FlagResponse, []byte("?")))
	require.NoError(t, err)
	eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.unmSeen[99] == 1
	}, "unmatched software response recorded")
}

func TestParkedSoftwareFrameDoesNotKeepWorkerPolling(t *testing.T) {
	testlog.Start(t)
	m := startManual(t, testConfig("swpark"), nil)

	sent := make(chan error, 1)
	_, err := m.PostAsync(0, []byte("parked"), Software, func(_ uint64, err error) { sent <- err })
	require.NoError(t, err)
	eventually(t, func() bool { return m.Status().SoftwareTXFull }, "frame parked in tx slot")
	require.False(t, m.tx.busy(nil), "tx worker should sleep until the bridge reads")

	buf := make([]byte, frame.HeaderLen+64)
	n, err := m.Bridge().Read(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, frame.HeaderLen+len("parked"), n)
	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("post did not complete after bridge read")
	}
}
