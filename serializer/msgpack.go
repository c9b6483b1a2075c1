package serializer

import "github.com/vmihailenco/msgpack/v5"

type msgpackSerializer struct{}

// NewMsgpack returns the MessagePack codec.
func NewMsgpack() Serializer { return msgpackSerializer{} }

func (msgpackSerializer) Code() Code                         { return Msgpack }
func (msgpackSerializer) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackSerializer) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
