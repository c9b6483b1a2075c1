package protocol

import "fmt"

// Status is the response status byte. Zero means success.
type Status uint8

const (
	StatusOK                     Status = 0
	StatusClientError            Status = 30
	StatusClientTimeout          Status = 31
	StatusBadRequest             Status = 40
	StatusServiceNotFound        Status = 44
	StatusServerError            Status = 50
	StatusServiceError           Status = 52
	StatusServiceUnexpectedError Status = 53
	StatusDeserializationFail    Status = 80
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusClientError:
		return "CLIENT_ERROR"
	case StatusClientTimeout:
		return "CLIENT_TIMEOUT"
	case StatusBadRequest:
		return "BAD_REQUEST"
	case StatusServiceNotFound:
		return "SERVICE_NOT_FOUND"
	case StatusServerError:
		return "SERVER_ERROR"
	case StatusServiceError:
		return "SERVICE_ERROR"
	case StatusServiceUnexpectedError:
		return "SERVICE_UNEXPECTED_ERROR"
	case StatusDeserializationFail:
		return "DESERIALIZATION_FAIL"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// OK reports whether s signals success.
func (s Status) OK() bool {
	return s == StatusOK
}
