package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Size is the fixed hardware transfer unit in bytes.
	Size = 64
	// Words is Size expressed in 32-bit FIFO words.
	Words = Size / 4

	HeaderLen    = 8
	StartMetaLen = 16

	// MaxPayload is the body capacity of a MSG_BODY packet.
	MaxPayload = Size - HeaderLen
	// MaxStartPayload is what remains of the body after MSG_START metadata.
	MaxStartPayload = MaxPayload - StartMetaLen
)

// Type is the low byte of header word 0.
type Type uint8

const (
	TypeInvalid  Type = 0
	TypeTest     Type = 1
	TypeMsgStart Type = 2
	TypeMsgBody  Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeTest:
		return "test"
	case TypeMsgStart:
		return "msg_start"
	case TypeMsgBody:
		return "msg_body"
	default:
		return "invalid"
	}
}

const (
	flagEOM  uint32 = 1 << 31
	typeMask uint32 = 0xff
)

// Message flags carried in MSG_START and in the software frame header.
const (
	FlagResponse uint32 = 1 << 0
	FlagRequest  uint32 = 1 << 1
)

var (
	ErrMalformed   = errors.New("packet: malformed header")
	ErrEmpty       = errors.New("packet: empty message")
	ErrOffsetRange = errors.New("packet: offset beyond message")
)

// Packet is the decoded view of one 64-byte frame. Payload aliases the
// source frame.
type Packet struct {
	Type    Type
	EOM     bool
	ID      uint64
	Flags   uint32
	Total   uint32
	Payload []byte
}

// Capacity returns the payload bytes a packet of type t can carry.
func Capacity(t Type) int {
	if t == TypeMsgStart {
		return MaxStartPayload
	}
	return MaxPayload
}

// Count returns how many packets a message of total bytes occupies.
func Count(total int) int {
	if total <= 0 {
		return 0
	}
	if total <= MaxStartPayload {
		return 1
	}
	rest := total - MaxStartPayload
	return 1 + (rest+MaxPayload-1)/MaxPayload
}

// Encode writes the packet that carries msg[offset:] into dst and returns
// the number of payload bytes it consumed.
func Encode(dst *[Size]byte, id uint64, flags uint32, msg []byte, offset int) (int, error) {
	total := len(msg)
	if total == 0 {
		return 0, ErrEmpty
	}
	if offset < 0 || offset >= total {
		return 0, fmt.Errorf("%w: offset=%d total=%d", ErrOffsetRange, offset, total)
	}
	*dst = [Size]byte{}

	typ := TypeMsgBody
	body := dst[HeaderLen:]
	if offset == 0 {
		typ = TypeMsgStart
		binary.LittleEndian.PutUint64(body[0:8], id)
		binary.LittleEndian.PutUint32(body[8:12], flags)
		binary.LittleEndian.PutUint32(body[12:16], uint32(total))
		body = body[StartMetaLen:]
	}

	n := copy(body, msg[offset:])
	word0 := uint32(typ)
	if offset+n == total {
		word0 |= flagEOM
	}
	binary.LittleEndian.PutUint32(dst[0:4], word0)
	binary.LittleEndian.PutUint32(dst[4:8], uint32(n))
	return n, nil
}

// EncodeTest builds a TEST probe packet.
func EncodeTest(dst *[Size]byte) {
	*dst = [Size]byte{}
	binary.LittleEndian.PutUint32(dst[0:4], uint32(TypeTest)|flagEOM)
}

// Decode parses one frame. It never trusts payload_size beyond the
// capacity of the declared type.
func Decode(src *[Size]byte) (Packet, error) {
	word0 := binary.LittleEndian.Uint32(src[0:4])
	size := binary.LittleEndian.Uint32(src[4:8])

	p := Packet{
		Type: Type(word0 & typeMask),
		EOM:  word0&flagEOM != 0,
	}
	switch p.Type {
	case TypeTest:
		return p, nil
	case TypeMsgStart, TypeMsgBody:
	default:
		return Packet{}, fmt.Errorf("%w: type=%#x", ErrMalformed, word0)
	}
	if size > uint32(Capacity(p.Type)) {
		return Packet{}, fmt.Errorf("%w: %s payload_size=%d", ErrMalformed, p.Type, size)
	}

	body := src[HeaderLen:]
	if p.Type == TypeMsgStart {
		p.ID = binary.LittleEndian.Uint64(body[0:8])
		p.Flags = binary.LittleEndian.Uint32(body[8:12])
		p.Total = binary.LittleEndian.Uint32(body[12:16])
		body = body[StartMetaLen:]
		if p.Total == 0 || size > p.Total {
			return Packet{}, fmt.Errorf("%w: total=%d payload_size=%d", ErrMalformed, p.Total, size)
		}
	}
	p.Payload = body[:size]
	return p, nil
}

// ToWords splits a frame into FIFO words.
func ToWords(src *[Size]byte, dst *[Words]uint32) {
	for i := range dst {
		dst[i] = binary.LittleEndian.Uint32(src[i*4:])
	}
}

// FromWords reassembles a frame read from the FIFO.
func FromWords(src *[Words]uint32, dst *[Size]byte) {
	for i, w := range src {
		binary.LittleEndian.PutUint32(dst[i*4:], w)
	}
}
