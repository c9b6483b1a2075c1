// Package serializer maps the one-byte serializer code carried in a frame's
// sign nibble to a codec. There is no process-wide registry: each component
// receives the *Registry it should use.
package serializer

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Code identifies a codec on the wire. Only the low four bits are transmitted.
type Code uint8

const (
	Protobuf Code = 1
	Msgpack  Code = 2
	// Code 3 is reserved.
	Gob  Code = 4
	JSON Code = 5

	maxCode Code = 0x0f
)

func (c Code) String() string {
	switch c {
	case Protobuf:
		return "protobuf"
	case Msgpack:
		return "msgpack"
	case Gob:
		return "gob"
	case JSON:
		return "json"
	default:
		return fmt.Sprintf("code(%d)", uint8(c))
	}
}

// ParseCode resolves a configured serializer name.
func ParseCode(name string) (Code, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "protobuf", "proto":
		return Protobuf, nil
	case "msgpack":
		return Msgpack, nil
	case "gob":
		return Gob, nil
	case "json", "":
		return JSON, nil
	default:
		return 0, fmt.Errorf("unknown serializer %q", name)
	}
}

// Serializer turns values into bytes and back.
type Serializer interface {
	Code() Code
	Marshal(v any) ([]byte, error)
	// Unmarshal decodes data into v, which must be a non-nil pointer.
	Unmarshal(data []byte, v any) error
}

var (
	ErrSerializerNotFound = errors.New("serializer not found")
	ErrDuplicateCode      = errors.New("duplicate serializer code")
)

// Registry looks serializers up by code.
type Registry struct {
	mu    sync.RWMutex
	codes [maxCode + 1]Serializer
}

// NewRegistry builds a registry from ss. A repeated or out-of-range code is an error.
func NewRegistry(ss ...Serializer) (*Registry, error) {
	r := &Registry{}
	for _, s := range ss {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// NewDefaultRegistry registers the protobuf, msgpack, gob and JSON codecs.
func NewDefaultRegistry() *Registry {
	r, err := NewRegistry(NewProtobuf(), NewMsgpack(), NewGob(), NewJSON())
	if err != nil {
		panic(err)
	}
	return r
}

// Register adds s. Registering a code twice returns ErrDuplicateCode.
func (r *Registry) Register(s Serializer) error {
	c := s.Code()
	if c == 0 || c > maxCode {
		return fmt.Errorf("serializer code %d out of range 1..%d", c, maxCode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.codes[c] != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateCode, c)
	}
	r.codes[c] = s
	return nil
}

// Get returns the serializer registered for c.
func (r *Registry) Get(c Code) (Serializer, error) {
	if c > maxCode {
		return nil, fmt.Errorf("%w: %s", ErrSerializerNotFound, c)
	}
	r.mu.RLock()
	s := r.codes[c]
	r.mu.RUnlock()
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrSerializerNotFound, c)
	}
	return s, nil
}

// Encode marshals v with the serializer registered for c.
func (r *Registry) Encode(c Code, v any) ([]byte, error) {
	s, err := r.Get(c)
	if err != nil {
		return nil, err
	}
	data, err := s.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s encode: %w", c, err)
	}
	return data, nil
}

// Decode unmarshals data into v with the serializer registered for c.
func (r *Registry) Decode(c Code, data []byte, v any) error {
	s, err := r.Get(c)
	if err != nil {
		return err
	}
	if err := s.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s decode: %w", c, err)
	}
	return nil
}
