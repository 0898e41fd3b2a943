package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/cardmbx/internal/testutil/testlog"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	testlog.Start(t)
	in := []Field{
		String(1, "xilinx_u250"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}},
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestTypedGetters(t *testing.T) {
	testlog.Start(t)
	fields, err := DecodeFields(EncodeFields([]Field{
		U32(1, 72),
		U64(2, 1<<40),
		Bool(3, true),
		String(4, "2.16.204"),
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, err := GetU32(fields, 1); err != nil || v != 72 {
		t.Fatalf("u32 got %d %v", v, err)
	}
	if v, err := GetU64(fields, 2); err != nil || v != 1<<40 {
		t.Fatalf("u64 got %d %v", v, err)
	}
	if v, err := GetBool(fields, 3); err != nil || !v {
		t.Fatalf("bool got %v %v", v, err)
	}
	if v, err := GetString(fields, 4); err != nil || v != "2.16.204" {
		t.Fatalf("string got %q %v", v, err)
	}
	if _, err := GetU32(fields, 4); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	if _, err := GetU32(fields, 42); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	testlog.Start(t)
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{1, 0, TypeString, 5, 0, 0, 0, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}
