package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/cardmbx/internal/hwfifo"
	"github.com/danmuck/cardmbx/internal/protocol/packet"
	"github.com/stretchr/testify/require"
)

const linkDepth = packet.Words * 64

func testConfig(name string) Config {
	cfg := DefaultConfig()
	cfg.Name = name
	cfg.TickPeriod = 200 * time.Millisecond
	return cfg
}

// startManual starts a mailbox whose supervisor never ticks on its own;
// tests drive m.tick() directly.
func startManual(t *testing.T, cfg Config, regs hwfifo.Registers) *Mailbox {
	t.Helper()
	m, err := New(cfg, WithRegisters(regs), WithTickSource(make(chan time.Time)))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitPacket(t *testing.T, ep *hwfifo.Endpoint) packet.Packet {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := ep.Status()
		require.NoError(t, err)
		if st.Has(hwfifo.StatusRTA) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for a packet on %s", ep)
		}
		time.Sleep(200 * time.Microsecond)
	}
	var words [packet.Words]uint32
	for i := range words {
		w, err := ep.ReadData()
		require.NoError(t, err)
		words[i] = w
	}
	var raw [packet.Size]byte
	packet.FromWords(&words, &raw)
	p, err := packet.Decode(&raw)
	require.NoError(t, err)
	p.Payload = append([]byte(nil), p.Payload...)
	return p
}

func writeRaw(t *testing.T, ep *hwfifo.Endpoint, raw *[packet.Size]byte) {
	t.Helper()
	var words [packet.Words]uint32
	packet.ToWords(raw, &words)
	for _, w := range words {
		require.NoError(t, ep.WriteData(w))
	}
}

// writeMessage sends msg from a raw peer as a packet sequence.
func writeMessage(t *testing.T, ep *hwfifo.Endpoint, id uint64, flags uint32, msg []byte) {
	t.Helper()
	var raw [packet.Size]byte
	for off := 0; off < len(msg); {
		n, err := packet.Encode(&raw, id, flags, msg, off)
		require.NoError(t, err)
		writeRaw(t, ep, &raw)
		off += n
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond, msg)
}
