package protocol

import (
	"bufio"
	"io"
)

const readBufferSize = 64 << 10

// Decoder reads frames from a byte stream.
type Decoder struct {
	r           *bufio.Reader
	maxBodySize int
	header      [HeaderSize]byte
}

// NewDecoder wraps r. maxBodySize <= 0 selects DefaultMaxBodySize.
func NewDecoder(r io.Reader, maxBodySize int) *Decoder {
	if maxBodySize <= 0 {
		maxBodySize = DefaultMaxBodySize
	}
	return &Decoder{
		r:           bufio.NewReaderSize(r, readBufferSize),
		maxBodySize: maxBodySize,
	}
}

// Next blocks until a whole frame has been read. A *Error means the stream is
// corrupt and must be abandoned; io.EOF means the peer closed cleanly between frames.
func (d *Decoder) Next() (*Frame, error) {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		return nil, err
	}
	h, err := DecodeHeader(d.header[:], d.maxBodySize)
	if err != nil {
		return nil, err
	}

	var body []byte
	if h.BodySize > 0 {
		body = make([]byte, h.BodySize)
		if _, err := io.ReadFull(d.r, body); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return &Frame{Header: h, Body: body}, nil
}

// WriteFrame encodes f directly to w.
func WriteFrame(w io.Writer, f *Frame) error {
	_, err := w.Write(Encode(f))
	return err
}
