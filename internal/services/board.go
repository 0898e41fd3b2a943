package services

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/cardmbx/internal/protocol/request"
	"github.com/danmuck/cardmbx/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Board holds what the management endpoint knows about the card.
type Board struct {
	mu      sync.RWMutex
	info    request.BoardInfo
	started time.Time
}

func NewBoard(info request.BoardInfo) *Board {
	return &Board{info: info, started: time.Now()}
}

func (b *Board) Snapshot() request.BoardInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := b.info
	out.UptimeSec = uint64(time.Since(b.started) / time.Second)
	return out
}

// SetSensors records the latest sensor read-out.
func (b *Board) SetSensors(tempMilliC, powerMilliW, vccintMilliV uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.info.TempMilliC = tempMilliC
	b.info.PowerMilliW = powerMilliW
	b.info.VccintMilliV = vccintMilliV
}

func (b *Board) SetReady(ready bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.info.Ready = ready
}

// TestReady answers the peer's readiness handshake.
type TestReady struct {
	served atomic.Uint64
}

func (s *TestReady) Name() string           { return "test-ready" }
func (s *TestReady) Opcode() request.Opcode { return request.OpTestReady }
func (s *TestReady) Status() (any, error)   { return map[string]uint64{"served": s.served.Load()}, nil }

func (s *TestReady) Handle(context.Context, request.Envelope) ([]byte, error) {
	s.served.Add(1)
	return request.EncodeStatus(StatusOK), nil
}

// PeerData serves blocks of board information as TLV fields.
type PeerData struct {
	Board *Board
}

func (s *PeerData) Name() string           { return "peer-data" }
func (s *PeerData) Opcode() request.Opcode { return request.OpPeerData }
func (s *PeerData) Status() (any, error)   { return s.Board.Snapshot(), nil }

func (s *PeerData) Handle(_ context.Context, env request.Envelope) ([]byte, error) {
	q, err := request.ParsePeerDataQuery(env.Data)
	if err != nil {
		return nil, err
	}
	fields, err := s.Board.Snapshot().Fields(q.Kind)
	if err != nil {
		return nil, err
	}
	out := tlv.EncodeFields(fields)
	if q.Size != 0 && uint32(len(out)) > q.Size {
		return nil, fmt.Errorf("%w: %s block is %d bytes, peer accepts %d", request.ErrInvalidPayload, q.Kind, len(out), q.Size)
	}
	return out, nil
}

// UserProbe answers a user endpoint coming up with the board identity.
type UserProbe struct {
	Board  *Board
	probes atomic.Uint64
}

func (s *UserProbe) Name() string           { return "user-probe" }
func (s *UserProbe) Opcode() request.Opcode { return request.OpUserProbe }
func (s *UserProbe) Status() (any, error)   { return map[string]uint64{"probes": s.probes.Load()}, nil }

func (s *UserProbe) Handle(context.Context, request.Envelope) ([]byte, error) {
	s.probes.Add(1)
	info := s.Board.Snapshot()
	return tlv.EncodeFields([]tlv.Field{
		tlv.String(request.FieldBoardName, info.Name),
		tlv.String(request.FieldSerial, info.Serial),
		tlv.Bool(request.FieldReady, info.Ready),
	}), nil
}

// HotReset runs Reset when the peer asks for a card reset.
type HotReset struct {
	Reset  func(ctx context.Context) error
	resets atomic.Uint64
}

func (s *HotReset) Name() string           { return "hot-reset" }
func (s *HotReset) Opcode() request.Opcode { return request.OpHotReset }
func (s *HotReset) Status() (any, error)   { return map[string]uint64{"resets": s.resets.Load()}, nil }

func (s *HotReset) Handle(ctx context.Context, _ request.Envelope) ([]byte, error) {
	if s.Reset != nil {
		if err := s.Reset(ctx); err != nil {
			return nil, err
		}
	}
	s.resets.Add(1)
	log.Info().Uint64("resets", s.resets.Load()).Msg("hot reset performed")
	return request.EncodeStatus(StatusOK), nil
}

// Management endpoint states carried by OpMgmtState notifications.
const (
	MgmtOffline uint32 = 0
	MgmtOnline  uint32 = 1
)

// MgmtState records state notifications from the management endpoint.
type MgmtState struct {
	state   atomic.Uint32
	updates atomic.Uint64
}

func (s *MgmtState) Name() string           { return "mgmt-state" }
func (s *MgmtState) Opcode() request.Opcode { return request.OpMgmtState }

func (s *MgmtState) Status() (any, error) {
	return map[string]uint64{"state": uint64(s.state.Load()), "updates": s.updates.Load()}, nil
}

func (s *MgmtState) Handle(_ context.Context, env request.Envelope) ([]byte, error) {
	if len(env.Data) != 4 {
		return nil, fmt.Errorf("%w: mgmt-state of %d bytes", request.ErrInvalidPayload, len(env.Data))
	}
	s.state.Store(binary.LittleEndian.Uint32(env.Data))
	s.updates.Add(1)
	return nil, nil
}

func (s *MgmtState) Current() uint32 {
	return s.state.Load()
}

// ManagementServices registers the services a management endpoint answers.
func ManagementServices(board *Board, reset func(context.Context) error) *ServiceRegistry {
	reg := NewServiceRegistry()
	reg.Register(&TestReady{})
	reg.Register(&PeerData{Board: board})
	reg.Register(&UserProbe{Board: board})
	reg.Register(&HotReset{Reset: reset})
	return reg
}
