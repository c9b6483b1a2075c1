package future

import (
	"fmt"
	"hash/maphash"
	"sync"

	"github.com/xiaonanln/pulsejob/protocol"
	"github.com/xiaonanln/pulsejob/util/metrics"
)

const tableShards = 32

type pendingKey struct {
	conn string
	id   int64
}

type tableShard struct {
	mu      sync.Mutex
	pending map[pendingKey]*Future
}

// Table holds pending futures keyed by (connection id, invoke id). A future
// leaves the table when it completes, whatever completed it.
type Table struct {
	seed   maphash.Seed
	shards [tableShards]tableShard
}

func NewTable() *Table {
	t := &Table{seed: maphash.MakeSeed()}
	for i := range t.shards {
		t.shards[i].pending = make(map[pendingKey]*Future)
	}
	return t
}

func (t *Table) shard(k pendingKey) *tableShard {
	h := maphash.String(t.seed, k.conn)
	return &t.shards[(h^uint64(k.id))%tableShards]
}

// Put registers f as pending on connID.
func (t *Table) Put(connID string, f *Future) error {
	k := pendingKey{conn: connID, id: f.ID()}
	s := t.shard(k)
	s.mu.Lock()
	if _, ok := s.pending[k]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: #%d on %s", ErrDuplicateInvokeID, f.ID(), connID)
	}
	s.pending[k] = f
	s.mu.Unlock()
	metrics.IncPending()

	f.WhenComplete(func(*Response, error) {
		if t.remove(k, f) {
			metrics.DecPending()
		}
	})
	return nil
}

func (t *Table) remove(k pendingKey, f *Future) bool {
	s := t.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.pending[k]; ok && cur == f {
		delete(s.pending, k)
		return true
	}
	return false
}

// Get returns the pending future for (connID, invokeID).
func (t *Table) Get(connID string, invokeID int64) (*Future, bool) {
	k := pendingKey{conn: connID, id: invokeID}
	s := t.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.pending[k]
	return f, ok
}

// Remove drops and returns the pending future without completing it.
func (t *Table) Remove(connID string, invokeID int64) *Future {
	f, ok := t.Get(connID, invokeID)
	if !ok {
		return nil
	}
	if t.remove(pendingKey{conn: connID, id: invokeID}, f) {
		metrics.DecPending()
	}
	return f
}

// Receive completes the future matching resp. An OK status whose job result
// reports failure is treated as a SERVICE_ERROR. It reports false when no
// invocation is pending for the key.
func (t *Table) Receive(connID string, resp *Response) bool {
	f, ok := t.Get(connID, resp.InvokeID)
	if !ok {
		return false
	}
	if err := responseError(resp); err != nil {
		f.CompleteExceptionally(err)
	} else {
		f.Complete(resp)
	}
	return true
}

func responseError(resp *Response) error {
	status := resp.Status
	var result *protocol.JobResult
	var message string
	switch v := resp.Value.(type) {
	case *protocol.JobResult:
		result = v
		message = v.Error
		if status.OK() && !v.Success {
			status = protocol.StatusServiceError
		}
	case *protocol.ErrorResponse:
		message = v.Message
	}
	if status.OK() {
		return nil
	}
	return &StatusError{
		InvokeID: resp.InvokeID,
		Status:   status,
		Message:  message,
		Remote:   resp.Remote,
		Result:   result,
	}
}

// Ack marks the matching future acknowledged.
func (t *Table) Ack(connID string, invokeID int64) bool {
	f, ok := t.Get(connID, invokeID)
	if ok {
		f.Ack()
	}
	return ok
}

// Log hands msg to the future of msg.InvokeID on connID.
func (t *Table) Log(connID string, msg protocol.LogMessage) bool {
	f, ok := t.Get(connID, msg.InvokeID)
	if ok {
		f.ReceiveLog(msg)
	}
	return ok
}

// FailConnection fails every future pending on connID with CLIENT_ERROR and
// returns how many it failed.
func (t *Table) FailConnection(connID string) int {
	var victims []*Future
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for k, f := range s.pending {
			if k.conn == connID {
				victims = append(victims, f)
			}
		}
		s.mu.Unlock()
	}

	failed := 0
	for _, f := range victims {
		if f.CompleteExceptionally(&StatusError{
			InvokeID: f.ID(),
			Status:   protocol.StatusClientError,
			Remote:   f.Remote(),
			Err:      ErrConnectionLost,
		}) {
			failed++
		}
	}
	return failed
}

// Len returns the number of pending futures.
func (t *Table) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.pending)
		s.mu.Unlock()
	}
	return n
}
