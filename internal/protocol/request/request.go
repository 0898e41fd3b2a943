// Package request is the envelope collaborators put inside mailbox
// messages: a flags word, an opcode and opcode-specific data.
package request

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/cardmbx/internal/protocol/tlv"
)

// HeaderLen is flags(8) + opcode(4).
const HeaderLen = 12

var (
	ErrShortEnvelope  = errors.New("request: short envelope")
	ErrUnknownOpcode  = errors.New("request: unknown opcode")
	ErrShortStatus    = errors.New("request: short status reply")
	ErrInvalidPayload = errors.New("request: invalid payload")
)

// FlagNoResponse marks a notification: the sender does not wait for a
// reply.
const FlagNoResponse uint64 = 1 << 0

type Opcode uint32

const (
	OpTestReady       Opcode = 1
	OpTestRead        Opcode = 2
	OpLockBitstream   Opcode = 3
	OpUnlockBitstream Opcode = 4
	OpHotReset        Opcode = 5
	OpFirewall        Opcode = 6
	OpLoadXclbin      Opcode = 8
	OpReclock         Opcode = 9
	OpPeerData        Opcode = 10
	OpUserProbe       Opcode = 11
	OpMgmtState       Opcode = 12
)

var opcodeNames = map[Opcode]string{
	OpTestReady:       "test-ready",
	OpTestRead:        "test-read",
	OpLockBitstream:   "lock-bitstream",
	OpUnlockBitstream: "unlock-bitstream",
	OpHotReset:        "hot-reset",
	OpFirewall:        "firewall",
	OpLoadXclbin:      "load-xclbin",
	OpReclock:         "reclock",
	OpPeerData:        "peer-data",
	OpUserProbe:       "user-probe",
	OpMgmtState:       "mgmt-state",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("opcode(%d)", uint32(o))
}

func (o Opcode) Valid() bool {
	_, ok := opcodeNames[o]
	return ok
}

// ParseOpcode accepts the names printed by Opcode.String.
func ParseOpcode(raw string) (Opcode, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for op, n := range opcodeNames {
		if n == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOpcode, raw)
}

// Envelope is one collaborator request.
type Envelope struct {
	Flags  uint64
	Opcode Opcode
	Data   []byte
}

func (e Envelope) Notification() bool {
	return e.Flags&FlagNoResponse != 0
}

func (e Envelope) Marshal() []byte {
	buf := make([]byte, HeaderLen+len(e.Data))
	binary.LittleEndian.PutUint64(buf[0:8], e.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(e.Opcode))
	copy(buf[HeaderLen:], e.Data)
	return buf
}

func Parse(b []byte) (Envelope, error) {
	if len(b) < HeaderLen {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrShortEnvelope, len(b))
	}
	e := Envelope{
		Flags:  binary.LittleEndian.Uint64(b[0:8]),
		Opcode: Opcode(binary.LittleEndian.Uint32(b[8:12])),
	}
	if !e.Opcode.Valid() {
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnknownOpcode, uint32(e.Opcode))
	}
	if len(b) > HeaderLen {
		e.Data = append([]byte(nil), b[HeaderLen:]...)
	}
	return e, nil
}

// Status replies carry a single signed errno-style code; zero is success.
const StatusLen = 4

func EncodeStatus(code int32) []byte {
	b := make([]byte, StatusLen)
	binary.LittleEndian.PutUint32(b, uint32(code))
	return b
}

func DecodeStatus(b []byte) (int32, error) {
	if len(b) < StatusLen {
		return 0, fmt.Errorf("%w: %d bytes", ErrShortStatus, len(b))
	}
	return int32(binary.LittleEndian.Uint32(b[:StatusLen])), nil
}

// PeerDataKind selects which block of peer data a peer-data request asks
// for.
type PeerDataKind uint32

const (
	PeerSensor   PeerDataKind = 1
	PeerBoard    PeerDataKind = 2
	PeerFirmware PeerDataKind = 3
)

func (k PeerDataKind) String() string {
	switch k {
	case PeerSensor:
		return "sensor"
	case PeerBoard:
		return "board"
	case PeerFirmware:
		return "firmware"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// PeerDataQuery is the data of an OpPeerData request.
type PeerDataQuery struct {
	Kind PeerDataKind
	Size uint32
}

func (q PeerDataQuery) Marshal() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], uint32(q.Kind))
	binary.LittleEndian.PutUint32(b[4:8], q.Size)
	return b
}

func ParsePeerDataQuery(b []byte) (PeerDataQuery, error) {
	if len(b) != 8 {
		return PeerDataQuery{}, fmt.Errorf("%w: peer-data query of %d bytes", ErrInvalidPayload, len(b))
	}
	return PeerDataQuery{
		Kind: PeerDataKind(binary.LittleEndian.Uint32(b[0:4])),
		Size: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// Board field ids used in peer-data replies.
const (
	FieldBoardName    uint16 = 1
	FieldSerial       uint16 = 2
	FieldFirmware     uint16 = 3
	FieldTempMilliC   uint16 = 10
	FieldPowerMilliW  uint16 = 11
	FieldVccintMilliV uint16 = 12
	FieldUptimeSec    uint16 = 20
	FieldReady        uint16 = 21
)

// BoardInfo is what a management endpoint reports about the card.
type BoardInfo struct {
	Name         string
	Serial       string
	Firmware     string
	TempMilliC   uint32
	PowerMilliW  uint32
	VccintMilliV uint32
	UptimeSec    uint64
	Ready        bool
}

// Fields renders the subset of info that kind selects.
func (b BoardInfo) Fields(kind PeerDataKind) ([]tlv.Field, error) {
	switch kind {
	case PeerSensor:
		return []tlv.Field{
			tlv.U32(FieldTempMilliC, b.TempMilliC),
			tlv.U32(FieldPowerMilliW, b.PowerMilliW),
			tlv.U32(FieldVccintMilliV, b.VccintMilliV),
		}, nil
	case PeerBoard:
		return []tlv.Field{
			tlv.String(FieldBoardName, b.Name),
			tlv.String(FieldSerial, b.Serial),
			tlv.U64(FieldUptimeSec, b.UptimeSec),
			tlv.Bool(FieldReady, b.Ready),
		}, nil
	case PeerFirmware:
		return []tlv.Field{tlv.String(FieldFirmware, b.Firmware)}, nil
	default:
		return nil, fmt.Errorf("%w: peer-data kind %s", ErrInvalidPayload, kind)
	}
}

// MergeFields fills the members of b present in fields.
func (b *BoardInfo) MergeFields(fields []tlv.Field) {
	if v, err := tlv.GetString(fields, FieldBoardName); err == nil {
		b.Name = v
	}
	if v, err := tlv.GetString(fields, FieldSerial); err == nil {
		b.Serial = v
	}
	if v, err := tlv.GetString(fields, FieldFirmware); err == nil {
		b.Firmware = v
	}
	if v, err := tlv.GetU32(fields, FieldTempMilliC); err == nil {
		b.TempMilliC = v
	}
	if v, err := tlv.GetU32(fields, FieldPowerMilliW); err == nil {
		b.PowerMilliW = v
	}
	if v, err := tlv.GetU32(fields, FieldVccintMilliV); err == nil {
		b.VccintMilliV = v
	}
	if v, err := tlv.GetU64(fields, FieldUptimeSec); err == nil {
		b.UptimeSec = v
	}
	if v, err := tlv.GetBool(fields, FieldReady); err == nil {
		b.Ready = v
	}
}
