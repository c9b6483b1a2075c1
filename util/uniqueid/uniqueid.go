package uniqueid

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"math/rand"
	"sync/atomic"
	"time"
)

// UniqueId returns a URL-safe id made of a microsecond timestamp and random bytes.
// Connections and executor instances are named with it.
func UniqueId() string {
	b := make([]byte, 16)

	ts := time.Now().UnixMicro()
	binary.BigEndian.PutUint64(b[:8], uint64(ts))

	_, err := rand.Read(b[8:])
	if err != nil {
		panic(err)
	}

	encBuffer := make([]byte, 0, 32)
	encBufferWriter := bytes.NewBuffer(encBuffer)
	encoder := base64.NewEncoder(base64.URLEncoding, encBufferWriter)

	_, err = encoder.Write(b)
	if err != nil {
		panic(err)
	}
	encoder.Close()

	return encBufferWriter.String()
}

// Sequence hands out monotonically increasing positive int64 ids.
// Invoke ids come from a Sequence so they stay unique among pending invocations.
type Sequence struct {
	next atomic.Int64
}

// NewSequence returns a Sequence starting at start+1.
func NewSequence(start int64) *Sequence {
	s := &Sequence{}
	s.next.Store(start)
	return s
}

// clockShift leaves room for 1024 ids per millisecond before a restarted
// process could reach ids handed out by its predecessor.
const clockShift = 10

// NewClockSequence starts after the current Unix millisecond shifted left by
// 10 bits, so ids stay unique across restarts and below 2^53 until the
// year 2248.
func NewClockSequence() *Sequence {
	return NewSequence(time.Now().UnixMilli() << clockShift)
}

// Next returns the next id, skipping zero and negative values after overflow.
func (s *Sequence) Next() int64 {
	for {
		id := s.next.Add(1)
		if id > 0 {
			return id
		}
		s.next.CompareAndSwap(id, 0)
	}
}
