package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the fixed software-channel header: size, flags, id.
const HeaderLen = 24

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrShortPayload    = errors.New("frame: payload shorter than declared size")
	ErrTrailingBytes   = errors.New("frame: bytes past declared payload")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrZeroID          = errors.New("frame: zero message id")
	ErrEmpty           = errors.New("frame: zero payload size")
	ErrShortBuffer     = errors.New("frame: destination buffer too small")
)

// Header is the fixed software-channel header.
type Header struct {
	Size  uint64
	Flags uint64
	ID    uint64
}

// Frame is one complete software-channel message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Len is the encoded length of f.
func (f Frame) Len() int {
	return HeaderLen + len(f.Payload)
}

// Limits constrains frame decode memory use.
type Limits struct {
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 1 << 20}
}

// Validate applies the rules every inbound software write must satisfy.
func (h Header) Validate(limits Limits) error {
	if h.ID == 0 {
		return ErrZeroID
	}
	if h.Size == 0 {
		return ErrEmpty
	}
	if h.Size > limits.MaxPayloadBytes {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.Size, limits.MaxPayloadBytes)
	}
	return nil
}

// Parse decodes exactly one frame from b. b must hold the header and the
// declared payload and nothing else.
func Parse(b []byte, limits Limits) (Frame, error) {
	if len(b) < HeaderLen {
		return Frame{}, ErrShortHeader
	}
	h := DecodeHeader(b[:HeaderLen])
	if err := h.Validate(limits); err != nil {
		return Frame{}, err
	}
	rest := uint64(len(b) - HeaderLen)
	if rest < h.Size {
		return Frame{}, ErrShortPayload
	}
	if rest > h.Size {
		return Frame{}, ErrTrailingBytes
	}
	payload := make([]byte, h.Size)
	copy(payload, b[HeaderLen:])
	return Frame{Header: h, Payload: payload}, nil
}

// MarshalTo writes f into dst and returns the bytes written.
func MarshalTo(dst []byte, f Frame) (int, error) {
	if len(dst) < f.Len() {
		return 0, fmt.Errorf("%w: need %d have %d", ErrShortBuffer, f.Len(), len(dst))
	}
	h := f.Header
	h.Size = uint64(len(f.Payload))
	copy(dst, EncodeHeader(h))
	n := copy(dst[HeaderLen:], f.Payload)
	return HeaderLen + n, nil
}

// ReadFrame reads one frame from a stream.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h := DecodeHeader(fixed[:])
	if err := h.Validate(limits); err != nil {
		return Frame{}, err
	}
	payload := make([]byte, h.Size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortPayload
		}
		return Frame{}, err
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame writes one frame to a stream.
func WriteFrame(w io.Writer, f Frame) error {
	buf := make([]byte, f.Len())
	if _, err := MarshalTo(buf, f); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint64(buf[0:8], h.Size)
	binary.LittleEndian.PutUint64(buf[8:16], h.Flags)
	binary.LittleEndian.PutUint64(buf[16:24], h.ID)
	return buf
}

func DecodeHeader(b []byte) Header {
	return Header{
		Size:  binary.LittleEndian.Uint64(b[0:8]),
		Flags: binary.LittleEndian.Uint64(b[8:16]),
		ID:    binary.LittleEndian.Uint64(b[16:24]),
	}
}
