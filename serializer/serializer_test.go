package serializer

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/xiaonanln/pulsejob/protocol"
)

func TestRegistry_Duplicate(t *testing.T) {
	_, err := NewRegistry(NewJSON(), NewJSON())
	if !errors.Is(err, ErrDuplicateCode) {
		t.Fatalf("Expected ErrDuplicateCode, got %v", err)
	}
}

func TestRegistry_NotFound(t *testing.T) {
	r, err := NewRegistry(NewJSON())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	for _, c := range []Code{0, Protobuf, 3, Gob, 200} {
		if _, err := r.Get(c); !errors.Is(err, ErrSerializerNotFound) {
			t.Errorf("Get(%d): expected ErrSerializerNotFound, got %v", c, err)
		}
	}
	if _, err := r.Encode(Gob, 1); !errors.Is(err, ErrSerializerNotFound) {
		t.Errorf("Encode with missing code: expected ErrSerializerNotFound, got %v", err)
	}
}

type badCode struct{ Serializer }

func (badCode) Code() Code { return 16 }

func TestRegistry_CodeOutOfRange(t *testing.T) {
	r := &Registry{}
	if err := r.Register(badCode{NewJSON()}); err == nil {
		t.Fatal("Expected out-of-range code to be rejected")
	}
}

func TestDefaultRegistry_TriggerRequest(t *testing.T) {
	r := NewDefaultRegistry()
	want := protocol.TriggerRequest{
		ExecutorName:   "order-executor",
		Handler:        "settle",
		JobID:          1001,
		Params:         map[string]string{"date": "2024-01-01"},
		TimeoutSeconds: 30,
	}

	for _, c := range []Code{Protobuf, Msgpack, Gob, JSON} {
		t.Run(c.String(), func(t *testing.T) {
			data, err := r.Encode(c, &want)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			var got protocol.TriggerRequest
			if err := r.Decode(c, data, &got); err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("got %+v, want %+v", got, want)
			}
		})
	}
}

func TestLogMessageTimestamp(t *testing.T) {
	r := NewDefaultRegistry()
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	want := protocol.LogMessage{InvokeID: 7, Level: protocol.LogWarn, Content: "slow", Timestamp: ts, Sequence: 3}

	for _, c := range []Code{Msgpack, Gob, JSON} {
		data, err := r.Encode(c, want)
		if err != nil {
			t.Fatalf("%s: Encode failed: %v", c, err)
		}
		var got protocol.LogMessage
		if err := r.Decode(c, data, &got); err != nil {
			t.Fatalf("%s: Decode failed: %v", c, err)
		}
		if !got.Timestamp.Equal(ts) || got.Content != "slow" || got.Sequence != 3 {
			t.Fatalf("%s: got %+v", c, got)
		}
	}
}

func TestProtobuf_NativeMessage(t *testing.T) {
	s := NewProtobuf()
	data, err := s.Marshal(wrapperspb.String("hello"))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	// Native messages use the plain proto wire format
	direct, _ := proto.Marshal(wrapperspb.String("hello"))
	if string(data) != string(direct) {
		t.Fatal("Expected proto.Message to be encoded natively")
	}

	var got wrapperspb.StringValue
	if err := s.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.GetValue() != "hello" {
		t.Fatalf("Expected hello, got %q", got.GetValue())
	}
}

func TestProtobuf_IntegerRange(t *testing.T) {
	r := NewDefaultRegistry()
	tests := []struct {
		name  string
		jobID int64
		ok    bool
	}{
		{"max safe", MaxSafeInteger, true},
		{"min safe", -MaxSafeInteger, true},
		{"above 2^53", 1<<53 + 1, false},
		{"max int64", 1<<63 - 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := r.Encode(Protobuf, &protocol.TriggerRequest{ExecutorName: "e", Handler: "h", JobID: tt.jobID})
			if !tt.ok {
				if !errors.Is(err, ErrUnsafeInteger) {
					t.Fatalf("Encode err = %v, want ErrUnsafeInteger", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			var got protocol.TriggerRequest
			if err := r.Decode(Protobuf, data, &got); err != nil || got.JobID != tt.jobID {
				t.Fatalf("Decode = %d, %v; want %d", got.JobID, err, tt.jobID)
			}
			if SafeInteger(tt.jobID) != tt.ok {
				t.Fatalf("SafeInteger(%d) = %v", tt.jobID, !tt.ok)
			}
		})
	}
	// Other codecs carry the full int64 range.
	if _, err := r.Encode(Msgpack, &protocol.TriggerRequest{JobID: 1<<63 - 1}); err != nil {
		t.Fatalf("msgpack Encode failed: %v", err)
	}
}

func TestDecodeGarbage(t *testing.T) {
	r := NewDefaultRegistry()
	garbage := []byte{0xFF, 0x00, 0x13, 0x37}
	for _, c := range []Code{Gob, JSON} {
		var got protocol.RegisterRequest
		if err := r.Decode(c, garbage, &got); err == nil {
			t.Errorf("%s: expected decode error for garbage input", c)
		}
	}
}

func TestParseCode(t *testing.T) {
	tests := []struct {
		in      string
		want    Code
		wantErr bool
	}{
		{"protobuf", Protobuf, false},
		{"MSGPACK", Msgpack, false},
		{"gob", Gob, false},
		{"", JSON, false},
		{"hessian", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseCode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseCode(%q) = %v, %v", tt.in, got, err)
		}
	}
}
