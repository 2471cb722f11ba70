package resp

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func roundTrip(t *testing.T, v Value) Value {
	t.Helper()
	var buf bytes.Buffer
	if err := Encode(&buf, v); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return got
}

func TestRoundTripSimpleString(t *testing.T) {
	got := roundTrip(t, SimpleString("PONG"))
	if got.Kind != KindSimpleString || got.Str != "PONG" {
		t.Fatalf("unexpected value: %+v", got)
	}
}

func TestRoundTripBulkStringNull(t *testing.T) {
	got := roundTrip(t, NullBulkString())
	if got.Kind != KindBulkString || got.Bulk != nil {
		t.Fatalf("expected null bulk string, got %+v", got)
	}
}

func TestRoundTripBulkStringEmpty(t *testing.T) {
	got := roundTrip(t, BulkString([]byte{}))
	if got.Kind != KindBulkString || got.Bulk == nil || len(got.Bulk) != 0 {
		t.Fatalf("expected empty (non-nil) bulk string, got %+v", got)
	}
}

func TestRoundTripArrayOfBulkStrings(t *testing.T) {
	in := Array([]Value{
		BulkString([]byte("SET")),
		BulkString([]byte("foo")),
		BulkString([]byte("bar")),
	})
	got := roundTrip(t, in)
	if got.Kind != KindArray || len(got.Array) != 3 {
		t.Fatalf("unexpected array: %+v", got)
	}
	if string(got.Array[0].Bulk) != "SET" {
		t.Fatalf("unexpected first element: %+v", got.Array[0])
	}
}

func TestDecodeScenarioSet(t *testing.T) {
	raw := "*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n"
	got, err := Decode(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != KindArray || len(got.Array) != 3 {
		t.Fatalf("unexpected frame: %+v", got)
	}
}

func TestDecodeUnrecognizedType(t *testing.T) {
	_, err := Decode(bufio.NewReader(strings.NewReader("@nope\r\n")))
	if err == nil {
		t.Fatalf("expected error")
	}
	de, ok := err.(*DecodeError)
	if !ok || de.Kind != ErrUnrecognizedType {
		t.Fatalf("expected UnrecognizedType, got %v", err)
	}
}

func TestDecodeIncompleteDataLoneNewline(t *testing.T) {
	_, err := Decode(bufio.NewReader(strings.NewReader("+OK\n")))
	if err == nil {
		t.Fatalf("expected error")
	}
	de, ok := err.(*DecodeError)
	if !ok || de.Kind != ErrIncompleteData {
		t.Fatalf("expected IncompleteData, got %v", err)
	}
}

func TestDecodeParseIntError(t *testing.T) {
	_, err := Decode(bufio.NewReader(strings.NewReader(":abc\r\n")))
	if err == nil {
		t.Fatalf("expected error")
	}
	de, ok := err.(*DecodeError)
	if !ok || de.Kind != ErrParseInt {
		t.Fatalf("expected ParseInt, got %v", err)
	}
}

func TestDecodeCleanEOF(t *testing.T) {
	_, err := Decode(bufio.NewReader(strings.NewReader("")))
	if err == nil {
		t.Fatalf("expected io.EOF")
	}
}

func TestDecodeNestedArrayDepthCap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < maxNestedDepth+5; i++ {
		b.WriteString("*1\r\n")
	}
	b.WriteString("+x\r\n")
	_, err := Decode(bufio.NewReader(strings.NewReader(b.String())))
	if err == nil {
		t.Fatalf("expected depth error")
	}
}

func TestDecodeBulkLengthOverMaxRejectedWithoutAllocating(t *testing.T) {
	raw := "$9999999999\r\n"
	_, err := Decode(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatalf("expected error")
	}
	de, ok := err.(*DecodeError)
	if !ok || de.Kind != ErrParseInt {
		t.Fatalf("expected ParseInt, got %v", err)
	}
}

func TestDecodeNestedArraysShareACumulativeLengthBudget(t *testing.T) {
	// Each level alone is under maxArrayLength, but three of them
	// together exceed it; a per-level-only check would allocate for
	// all three before the depth cap ever triggers.
	raw := "*1000000\r\n*1000000\r\n*1000000\r\n"
	_, err := Decode(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatalf("expected cumulative array budget error")
	}
	de, ok := err.(*DecodeError)
	if !ok || de.Kind != ErrParseInt {
		t.Fatalf("expected ParseInt, got %v", err)
	}
}

func TestDecodeArrayLengthOverMaxRejected(t *testing.T) {
	raw := "*9999999999\r\n"
	_, err := Decode(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatalf("expected error")
	}
	de, ok := err.(*DecodeError)
	if !ok || de.Kind != ErrParseInt {
		t.Fatalf("expected ParseInt, got %v", err)
	}
}

func TestValidUTF8AcceptsEncodedReplacementCharacter(t *testing.T) {
	// U+FFFD encoded as valid UTF-8 bytes, as opposed to a genuinely
	// malformed byte sequence that decodes to U+FFFD under range.
	s := "abc�def"
	if !isValidUTF8(s) {
		t.Fatalf("expected a validly-encoded replacement character to pass")
	}
}

func TestEncodeErrorStripsEmbeddedCRLF(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, ErrorReply("Err get failed: evil\r\n$6\r\nsmuggled")); err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw := buf.String()
	if strings.Count(raw, "\r\n") != 1 {
		t.Fatalf("expected exactly one CRLF terminator, got %q", raw)
	}
}

func TestDecodeLineOverMaxLengthRejectedWithoutUnboundedGrowth(t *testing.T) {
	raw := "+" + strings.Repeat("a", maxLineLength*2)
	_, err := Decode(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatalf("expected error")
	}
	de, ok := err.(*DecodeError)
	if !ok || de.Kind != ErrIncompleteData {
		t.Fatalf("expected IncompleteData, got %v", err)
	}
}

func TestValidUTF8RejectsMalformedBytes(t *testing.T) {
	s := string([]byte{0xff, 0xfe, 0xfd})
	if isValidUTF8(s) {
		t.Fatalf("expected malformed UTF-8 to be rejected")
	}
}
