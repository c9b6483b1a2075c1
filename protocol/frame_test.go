package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"testing"
)

func TestSign(t *testing.T) {
	tests := []struct {
		code uint8
		mt   MessageType
		want byte
	}{
		{1, TypeRequest, 0x11},
		{4, TypeTriggerJob, 0x45},
		{5, TypeJobResult, 0x57},
		{15, TypeHeartbeat, 0xF8},
		{0, TypeAck, 0x04},
	}

	for _, tt := range tests {
		got := Sign(tt.code, tt.mt)
		if got != tt.want {
			t.Errorf("Sign(%d, %v) = 0x%02X, want 0x%02X", tt.code, tt.mt, got, tt.want)
		}
		code, mt := SplitSign(got)
		if code != tt.code || mt != tt.mt {
			t.Errorf("SplitSign(0x%02X) = (%d, %v), want (%d, %v)", got, code, mt, tt.code, tt.mt)
		}
	}
}

func TestEncodeLayout(t *testing.T) {
	f := NewFrame(4, TypeTriggerJob, StatusOK, 42, []byte("hello"))
	buf := Encode(f)

	if len(buf) != HeaderSize+5 {
		t.Fatalf("Expected %d bytes, got %d", HeaderSize+5, len(buf))
	}
	if binary.BigEndian.Uint16(buf[0:2]) != 0xBABE {
		t.Errorf("Expected magic 0xBABE, got 0x%04X", binary.BigEndian.Uint16(buf[0:2]))
	}
	if buf[2] != 0x45 {
		t.Errorf("Expected sign 0x45, got 0x%02X", buf[2])
	}
	if buf[3] != 0 {
		t.Errorf("Expected status 0, got %d", buf[3])
	}
	if binary.BigEndian.Uint64(buf[4:12]) != 42 {
		t.Errorf("Expected invoke id 42, got %d", binary.BigEndian.Uint64(buf[4:12]))
	}
	if binary.BigEndian.Uint32(buf[12:16]) != 5 {
		t.Errorf("Expected body size 5, got %d", binary.BigEndian.Uint32(buf[12:16]))
	}
	if string(buf[16:]) != "hello" {
		t.Errorf("Unexpected body %q", buf[16:])
	}
}

func TestRoundTrip(t *testing.T) {
	frames := []*Frame{
		NewFrame(1, TypeRequest, StatusOK, 1, []byte{0x01}),
		NewFrame(2, TypeResponse, StatusDeserializationFail, math.MaxInt64, []byte("bad payload")),
		NewFrame(3, TypeRegisterExecutor, StatusOK, 0, []byte(`{"executorName":"e"}`)),
		NewAck(77),
		NewFrame(5, TypeJobLogMessage, StatusOK, -1, bytes.Repeat([]byte{0xAB}, 4096)),
		NewFrame(15, TypeHeartbeat, StatusServerError, 123456789, nil),
	}

	for _, want := range frames {
		t.Run(want.MessageType.String(), func(t *testing.T) {
			got, n, err := Decode(Encode(want), DefaultMaxBodySize)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if n != HeaderSize+len(want.Body) {
				t.Errorf("Expected %d bytes consumed, got %d", HeaderSize+len(want.Body), n)
			}
			if got.Header != want.Header {
				t.Errorf("Header mismatch: got %+v, want %+v", got.Header, want.Header)
			}
			if !bytes.Equal(got.Body, want.Body) {
				t.Errorf("Body mismatch: got %d bytes, want %d bytes", len(got.Body), len(want.Body))
			}
		})
	}
}

func TestRejectBadMagic(t *testing.T) {
	good := Encode(NewFrame(1, TypeRequest, StatusOK, 1, []byte("x")))
	for _, magic := range []uint16{0x0000, 0xBABF, 0xCAFE, 0xFFFF, 0xBEBA} {
		buf := append([]byte(nil), good...)
		binary.BigEndian.PutUint16(buf[0:2], magic)

		_, _, err := Decode(buf, DefaultMaxBodySize)
		var pe *Error
		if !errors.As(err, &pe) || pe.Reason != ReasonBadMagic {
			t.Errorf("magic 0x%04X: expected bad magic error, got %v", magic, err)
		}
	}
}

func TestRejectIllegalSign(t *testing.T) {
	buf := Encode(NewFrame(1, TypeRequest, StatusOK, 1, nil))
	for _, mt := range []byte{0, 9, 15} {
		buf[2] = 0x10 | mt
		_, err := DecodeHeader(buf, 0)
		var pe *Error
		if !errors.As(err, &pe) || pe.Reason != ReasonIllegalSign {
			t.Errorf("type %d: expected illegal sign error, got %v", mt, err)
		}
	}
}

func TestRejectBodyWithoutSerializer(t *testing.T) {
	buf := Encode(NewFrame(0, TypeJobResult, StatusOK, 1, []byte("x")))
	if _, err := DecodeHeader(buf, 0); !IsProtocolError(err) {
		t.Errorf("Expected body without serializer code to be rejected, got %v", err)
	}
	if _, err := DecodeHeader(Encode(NewAck(1)), 0); err != nil {
		t.Errorf("Empty ACK without serializer code should decode, got %v", err)
	}
}

func TestRejectBodySize(t *testing.T) {
	buf := Encode(NewFrame(1, TypeRequest, StatusOK, 1, nil))

	binary.BigEndian.PutUint32(buf[12:16], 1025)
	if _, err := DecodeHeader(buf, 1024); !IsProtocolError(err) {
		t.Errorf("Expected oversized body to be rejected, got %v", err)
	}

	binary.BigEndian.PutUint32(buf[12:16], 0x80000000)
	_, err := DecodeHeader(buf, 0)
	var pe *Error
	if !errors.As(err, &pe) || pe.Reason != ReasonBadBodySize {
		t.Errorf("Expected negative body size to be rejected, got %v", err)
	}
}

func TestDecodeIncomplete(t *testing.T) {
	buf := Encode(NewFrame(5, TypeJobResult, StatusOK, 9, []byte("payload")))
	for _, n := range []int{0, 5, HeaderSize, len(buf) - 1} {
		if _, _, err := Decode(buf[:n], 0); !errors.Is(err, ErrIncomplete) {
			t.Errorf("Decode(%d bytes) expected ErrIncomplete, got %v", n, err)
		}
	}
}

func TestDecoderStream(t *testing.T) {
	var stream bytes.Buffer
	want := []*Frame{
		NewFrame(4, TypeTriggerJob, StatusOK, 42, []byte("a")),
		NewAck(42),
		NewFrame(4, TypeJobResult, StatusOK, 42, []byte("done")),
	}
	for _, f := range want {
		if err := WriteFrame(&stream, f); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}

	dec := NewDecoder(&stream, 0)
	for i, w := range want {
		got, err := dec.Next()
		if err != nil {
			t.Fatalf("frame %d: Next failed: %v", i, err)
		}
		if got.Header != w.Header || !bytes.Equal(got.Body, w.Body) {
			t.Fatalf("frame %d mismatch: got %v, want %v", i, got, w)
		}
	}
	if _, err := dec.Next(); err != io.EOF {
		t.Fatalf("Expected io.EOF at end of stream, got %v", err)
	}
}

func TestDecoderTruncatedBody(t *testing.T) {
	buf := Encode(NewFrame(4, TypeJobResult, StatusOK, 1, []byte("truncated")))
	dec := NewDecoder(bytes.NewReader(buf[:len(buf)-3]), 0)
	if _, err := dec.Next(); err != io.ErrUnexpectedEOF {
		t.Fatalf("Expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestDecoderBadMagic(t *testing.T) {
	buf := Encode(NewFrame(4, TypeJobResult, StatusOK, 1, []byte("x")))
	buf[0] = 0x00
	dec := NewDecoder(bytes.NewReader(buf), 0)
	if _, err := dec.Next(); !IsProtocolError(err) {
		t.Fatalf("Expected protocol error, got %v", err)
	}
}

func TestStatusString(t *testing.T) {
	if StatusDeserializationFail.String() != "DESERIALIZATION_FAIL" {
		t.Errorf("Unexpected %s", StatusDeserializationFail)
	}
	if !StatusOK.OK() || StatusClientError.OK() {
		t.Error("OK() mismatch")
	}
	if Status(99).String() != "Status(99)" {
		t.Errorf("Unexpected %s", Status(99))
	}
}
