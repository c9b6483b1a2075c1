package protocol

import (
	"errors"
	"time"
)

// RegisterRequest is the REGISTER_EXECUTOR body sent by an executor on every new connection.
// Address identifies the executor instance; all connections of one instance share it.
type RegisterRequest struct {
	ExecutorName string `json:"executorName" msgpack:"executorName"`
	Address      string `json:"address" msgpack:"address"`
}

// TriggerRequest is the TRIGGER_JOB body.
type TriggerRequest struct {
	ExecutorName   string            `json:"executorName" msgpack:"executorName"`
	Handler        string            `json:"handler" msgpack:"handler"`
	JobID          int64             `json:"jobId" msgpack:"jobId"`
	Params         map[string]string `json:"params,omitempty" msgpack:"params,omitempty"`
	TimeoutSeconds int32             `json:"timeoutSeconds,omitempty" msgpack:"timeoutSeconds,omitempty"`
}

// Validate checks the fields an executor needs to run the job.
func (r *TriggerRequest) Validate() error {
	switch {
	case r.ExecutorName == "":
		return errors.New("trigger request without executor name")
	case r.Handler == "":
		return errors.New("trigger request without handler")
	case r.TimeoutSeconds < 0:
		return errors.New("trigger request with negative timeout")
	}
	return nil
}

// JobResult is the JOB_RESULT body. A failed handler sets Success=false and Error.
type JobResult struct {
	Success bool   `json:"success" msgpack:"success"`
	Value   string `json:"value,omitempty" msgpack:"value,omitempty"`
	Error   string `json:"error,omitempty" msgpack:"error,omitempty"`
}

// LogLevel of a job log line.
type LogLevel string

const (
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

// LogMessage is the JOB_LOG_MESSAGE body streamed while a job runs.
type LogMessage struct {
	InvokeID  int64     `json:"invokeId" msgpack:"invokeId"`
	JobID     int64     `json:"jobId" msgpack:"jobId"`
	Level     LogLevel  `json:"level" msgpack:"level"`
	Content   string    `json:"content" msgpack:"content"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
	Sequence  int64     `json:"sequence" msgpack:"sequence"`
	Last      bool      `json:"last,omitempty" msgpack:"last,omitempty"`
	Progress  int32     `json:"progress,omitempty" msgpack:"progress,omitempty"`
}

// HeartbeatMessage is the HEARTBEAT body.
type HeartbeatMessage struct {
	ExecutorName string    `json:"executorName" msgpack:"executorName"`
	Address      string    `json:"address" msgpack:"address"`
	Timestamp    time.Time `json:"timestamp" msgpack:"timestamp"`
}

// ErrorResponse is the RESPONSE body accompanying a non-OK status.
type ErrorResponse struct {
	Message string `json:"message" msgpack:"message"`
}
