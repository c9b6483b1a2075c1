package serializer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// MaxSafeInteger is the largest integer a google.protobuf.Value number holds
// exactly.
const MaxSafeInteger = 1<<53 - 1

// ErrUnsafeInteger rejects values that would lose precision as a structpb
// number.
var ErrUnsafeInteger = errors.New("integer exceeds 2^53-1")

// SafeInteger reports whether n survives the structpb number path.
func SafeInteger(n int64) bool {
	return n >= -MaxSafeInteger && n <= MaxSafeInteger
}

// protobufSerializer encodes proto.Message values natively. Any other value is
// carried as a google.protobuf.Value built from its JSON form, so plain Go
// structs can travel on the protobuf code too. Integers beyond
// MaxSafeInteger are refused on that path instead of being rounded.
type protobufSerializer struct{}

// NewProtobuf returns the protobuf codec.
func NewProtobuf() Serializer { return protobufSerializer{} }

func (protobufSerializer) Code() Code { return Protobuf }

func (protobufSerializer) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}

	js, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if err := checkIntegers(js); err != nil {
		return nil, err
	}
	var pv structpb.Value
	if err := protojson.Unmarshal(js, &pv); err != nil {
		return nil, fmt.Errorf("convert to structpb: %w", err)
	}
	return proto.Marshal(&pv)
}

func (protobufSerializer) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}

	var pv structpb.Value
	if err := proto.Unmarshal(data, &pv); err != nil {
		return err
	}
	js, err := protojson.Marshal(&pv)
	if err != nil {
		return fmt.Errorf("convert from structpb: %w", err)
	}
	return json.Unmarshal(js, v)
}

var maxSafe = big.NewInt(MaxSafeInteger)

// checkIntegers walks a JSON document and fails on the first integral number
// outside ±MaxSafeInteger.
func checkIntegers(js []byte) error {
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return walkIntegers(doc)
}

func walkIntegers(v any) error {
	switch t := v.(type) {
	case json.Number:
		n, ok := new(big.Int).SetString(t.String(), 10)
		if ok && new(big.Int).Abs(n).Cmp(maxSafe) > 0 {
			return fmt.Errorf("%w: %s", ErrUnsafeInteger, t)
		}
	case map[string]any:
		for _, e := range t {
			if err := walkIntegers(e); err != nil {
				return err
			}
		}
	case []any:
		for _, e := range t {
			if err := walkIntegers(e); err != nil {
				return err
			}
		}
	}
	return nil
}
