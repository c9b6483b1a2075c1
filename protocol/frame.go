// Package protocol implements the 16-byte-header binary frame exchanged between
// the admin and executors.
//
//	magic:2 | sign:1 | status:1 | invokeId:8 | bodySize:4 | body
//
// All integers are big-endian. sign packs the serializer code in the high
// nibble and the message type in the low nibble.
package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// Magic marks the start of every frame
	Magic uint16 = 0xBABE
	// HeaderSize is the fixed header length in bytes
	HeaderSize = 16
	// DefaultMaxBodySize bounds a frame body unless configured otherwise
	DefaultMaxBodySize = 5 << 20
)

// MessageType is the low nibble of the sign byte.
type MessageType uint8

const (
	TypeRequest          MessageType = 1
	TypeResponse         MessageType = 2
	TypeRegisterExecutor MessageType = 3
	TypeAck              MessageType = 4
	TypeTriggerJob       MessageType = 5
	TypeJobLogMessage    MessageType = 6
	TypeJobResult        MessageType = 7
	TypeHeartbeat        MessageType = 8
)

// Valid reports whether t is one of the defined message types.
func (t MessageType) Valid() bool {
	return t >= TypeRequest && t <= TypeHeartbeat
}

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "REQUEST"
	case TypeResponse:
		return "RESPONSE"
	case TypeRegisterExecutor:
		return "REGISTER_EXECUTOR"
	case TypeAck:
		return "ACK"
	case TypeTriggerJob:
		return "TRIGGER_JOB"
	case TypeJobLogMessage:
		return "JOB_LOG_MESSAGE"
	case TypeJobResult:
		return "JOB_RESULT"
	case TypeHeartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// Sign packs a serializer code and message type into the sign byte.
func Sign(serializerCode uint8, messageType MessageType) byte {
	return serializerCode<<4 | uint8(messageType)&0x0f
}

// SplitSign is the inverse of Sign.
func SplitSign(sign byte) (serializerCode uint8, messageType MessageType) {
	return sign >> 4, MessageType(sign & 0x0f)
}

// Header is the decoded fixed-size frame header.
type Header struct {
	SerializerCode uint8
	MessageType    MessageType
	Status         Status
	InvokeID       int64
	BodySize       int32
}

// Sign returns the packed sign byte of h.
func (h Header) Sign() byte {
	return Sign(h.SerializerCode, h.MessageType)
}

// Frame is one protocol message.
type Frame struct {
	Header
	Body []byte
}

// NewFrame builds a frame whose BodySize matches body.
func NewFrame(serializerCode uint8, messageType MessageType, status Status, invokeID int64, body []byte) *Frame {
	return &Frame{
		Header: Header{
			SerializerCode: serializerCode,
			MessageType:    messageType,
			Status:         status,
			InvokeID:       invokeID,
			BodySize:       int32(len(body)),
		},
		Body: body,
	}
}

// NewAck builds the empty-body acknowledgement of invokeID.
func NewAck(invokeID int64) *Frame {
	return NewFrame(0, TypeAck, StatusOK, invokeID, nil)
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame{%s serializer=%d status=%s invokeId=%d bodySize=%d}",
		f.MessageType, f.SerializerCode, f.Status, f.InvokeID, len(f.Body))
}

// PutHeader writes the header for a body of bodySize bytes into dst[:HeaderSize].
func PutHeader(dst []byte, h Header, bodySize int) {
	_ = dst[HeaderSize-1]
	binary.BigEndian.PutUint16(dst[0:2], Magic)
	dst[2] = h.Sign()
	dst[3] = byte(h.Status)
	binary.BigEndian.PutUint64(dst[4:12], uint64(h.InvokeID))
	binary.BigEndian.PutUint32(dst[12:16], uint32(bodySize))
}

// AppendFrame appends the encoded frame to dst. BodySize is taken from len(f.Body).
func AppendFrame(dst []byte, f *Frame) []byte {
	var hdr [HeaderSize]byte
	PutHeader(hdr[:], f.Header, len(f.Body))
	dst = append(dst, hdr[:]...)
	return append(dst, f.Body...)
}

// Encode returns the wire bytes of f.
func Encode(f *Frame) []byte {
	return AppendFrame(make([]byte, 0, HeaderSize+len(f.Body)), f)
}

// DecodeHeader parses and validates a header. maxBodySize <= 0 disables the size bound.
func DecodeHeader(buf []byte, maxBodySize int) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("short header: %d bytes", len(buf))
	}
	if magic := binary.BigEndian.Uint16(buf[0:2]); magic != Magic {
		return Header{}, &Error{Reason: ReasonBadMagic, Detail: fmt.Sprintf("magic 0x%04X", magic)}
	}

	code, mt := SplitSign(buf[2])
	if !mt.Valid() {
		return Header{}, &Error{Reason: ReasonIllegalSign, Detail: fmt.Sprintf("sign 0x%02X", buf[2])}
	}

	size := int32(binary.BigEndian.Uint32(buf[12:16]))
	if size < 0 {
		return Header{}, &Error{Reason: ReasonBadBodySize, Detail: fmt.Sprintf("negative body size %d", size)}
	}
	if maxBodySize > 0 && int(size) > maxBodySize {
		return Header{}, &Error{Reason: ReasonBodyTooLarge, Detail: fmt.Sprintf("body size %d exceeds %d", size, maxBodySize)}
	}
	if code == 0 && size > 0 {
		return Header{}, &Error{Reason: ReasonIllegalSign, Detail: fmt.Sprintf("body of %d bytes without serializer", size)}
	}

	return Header{
		SerializerCode: code,
		MessageType:    mt,
		Status:         Status(buf[3]),
		InvokeID:       int64(binary.BigEndian.Uint64(buf[4:12])),
		BodySize:       size,
	}, nil
}

// Decode parses one complete frame from buf and returns the number of bytes consumed.
// It returns ErrIncomplete when buf does not yet hold a whole frame.
func Decode(buf []byte, maxBodySize int) (*Frame, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, ErrIncomplete
	}
	h, err := DecodeHeader(buf, maxBodySize)
	if err != nil {
		return nil, 0, err
	}
	total := HeaderSize + int(h.BodySize)
	if len(buf) < total {
		return nil, 0, ErrIncomplete
	}
	body := make([]byte, h.BodySize)
	copy(body, buf[HeaderSize:total])
	return &Frame{Header: h, Body: body}, total, nil
}
