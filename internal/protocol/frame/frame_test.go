package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/cardmbx/internal/testutil/testlog"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := Frame{
		Header:  Header{Flags: 2, ID: 42},
		Payload: []byte("peer-data"),
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if buf.Len() != HeaderLen+len(in.Payload) {
		t.Fatalf("unexpected encoded length %d", buf.Len())
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.ID != 42 || out.Header.Flags != 2 || out.Header.Size != uint64(len(in.Payload)) {
		t.Fatalf("header mismatch: %+v", out.Header)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestParseRejectsZeroIDAndZeroSize(t *testing.T) {
	testlog.Start(t)
	noID := EncodeHeader(Header{Size: 1, Flags: 2})
	if _, err := Parse(append(noID, 'x'), DefaultLimits()); !errors.Is(err, ErrZeroID) {
		t.Fatalf("expected ErrZeroID, got %v", err)
	}
	noSize := EncodeHeader(Header{Flags: 2, ID: 5})
	if _, err := Parse(noSize, DefaultLimits()); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestParseRequiresExactlyOneFrame(t *testing.T) {
	testlog.Start(t)
	h := EncodeHeader(Header{Size: 4, ID: 1})
	if _, err := Parse(append(h, 'a', 'b'), DefaultLimits()); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
	if _, err := Parse(append(h, 'a', 'b', 'c', 'd', 'e'), DefaultLimits()); !errors.Is(err, ErrTrailingBytes) {
		t.Fatalf("expected ErrTrailingBytes, got %v", err)
	}
	if _, err := Parse(h[:10], DefaultLimits()); !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestParseEnforcesLimit(t *testing.T) {
	testlog.Start(t)
	h := EncodeHeader(Header{Size: 9, ID: 1})
	_, err := Parse(append(h, make([]byte, 9)...), Limits{MaxPayloadBytes: 8})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestMarshalToShortBuffer(t *testing.T) {
	testlog.Start(t)
	f := Frame{Header: Header{ID: 1}, Payload: []byte("abc")}
	if _, err := MarshalTo(make([]byte, HeaderLen), f); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}
