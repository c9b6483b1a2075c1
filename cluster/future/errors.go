package future

import (
	"errors"
	"fmt"

	"github.com/xiaonanln/pulsejob/protocol"
	pjerrors "github.com/xiaonanln/pulsejob/util/errors"
)

var (
	// ErrConnectionLost fails invocations pending on a connection that closed.
	ErrConnectionLost = errors.New("connection lost before response")
	// ErrDuplicateInvokeID is returned by Table.Put for an id already pending on the connection.
	ErrDuplicateInvokeID = errors.New("invoke id already pending on connection")
)

// StatusError is an invocation that ended with a non-OK status, either
// locally (write failure) or as reported by the remote.
type StatusError struct {
	InvokeID int64
	Status   protocol.Status
	Message  string
	Remote   string
	Err      error
	// Result is the decoded job result when the remote sent one.
	Result *protocol.JobResult
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("invoke #%d failed with %s", e.InvokeID, e.Status)
	if e.Remote != "" {
		msg += " on " + e.Remote
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusOf maps an invocation error to the status it represents.
func StatusOf(err error) protocol.Status {
	if err == nil {
		return protocol.StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	if pjerrors.IsTimeout(err) {
		return protocol.StatusClientTimeout
	}
	return protocol.StatusClientError
}
