package protocol

import (
	"errors"
	"fmt"
)

// ErrIncomplete is returned by Decode when more bytes are needed.
var ErrIncomplete = errors.New("incomplete frame")

// Reasons for a protocol violation.
const (
	ReasonBadMagic     = "bad_magic"
	ReasonIllegalSign  = "illegal_sign"
	ReasonBadBodySize  = "bad_body_size"
	ReasonBodyTooLarge = "body_too_large"
)

// Error is a framing violation. The connection that produced it must be closed.
type Error struct {
	Reason string
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("protocol violation (%s): %s", e.Reason, e.Detail)
}

// IsProtocolError reports whether err is (or wraps) a framing violation.
func IsProtocolError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}
