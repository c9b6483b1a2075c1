package serializer

import (
	"bytes"
	"encoding/gob"
)

type gobSerializer struct{}

// NewGob returns the codec for Go's native object encoding.
func NewGob() Serializer { return gobSerializer{} }

func (gobSerializer) Code() Code { return Gob }

func (gobSerializer) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobSerializer) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
