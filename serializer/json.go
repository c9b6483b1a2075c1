package serializer

import "encoding/json"

type jsonSerializer struct{}

// NewJSON returns the JSON codec.
func NewJSON() Serializer { return jsonSerializer{} }

func (jsonSerializer) Code() Code                         { return JSON }
func (jsonSerializer) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonSerializer) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
