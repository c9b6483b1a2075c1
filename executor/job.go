package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/xiaonanln/pulsejob/protocol"
	"github.com/xiaonanln/pulsejob/serializer"
)

// Handler runs one job. The returned string becomes JobResult.Value; an error
// becomes a failed JobResult. ctx is cancelled when the job's timeout passes
// or the client stops.
type Handler func(ctx context.Context, job *Job) (string, error)

// Writer is the connection a job reports back on.
type Writer interface {
	Write(f *protocol.Frame, done func(error))
}

// Job is a triggered job as seen by its handler.
type Job struct {
	ID       int64
	InvokeID int64
	Handler  string
	Params   map[string]string
	Timeout  time.Duration

	w           Writer
	code        serializer.Code
	serializers *serializer.Registry
	seq         atomic.Int64
}

// Log streams one log line to the admin.
func (j *Job) Log(level protocol.LogLevel, format string, args ...any) error {
	return j.send(protocol.LogMessage{Level: level, Content: fmt.Sprintf(format, args...)})
}

// Progress reports completion percentage in [0, 100].
func (j *Job) Progress(percent int32, note string) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("progress %d out of range", percent)
	}
	return j.send(protocol.LogMessage{Level: protocol.LogInfo, Content: note, Progress: percent})
}

func (j *Job) send(msg protocol.LogMessage) error {
	msg.InvokeID = j.InvokeID
	msg.JobID = j.ID
	msg.Timestamp = time.Now()
	msg.Sequence = j.seq.Add(1)
	body, err := j.serializers.Encode(j.code, &msg)
	if err != nil {
		return fmt.Errorf("encode job log: %w", err)
	}
	j.w.Write(protocol.NewFrame(uint8(j.code), protocol.TypeJobLogMessage, protocol.StatusOK, j.InvokeID, body), nil)
	return nil
}

// finish sends the last log line marker and the job result.
func (j *Job) finish(status protocol.Status, result *protocol.JobResult) error {
	if err := j.send(protocol.LogMessage{Level: protocol.LogInfo, Content: "job finished", Last: true}); err != nil {
		return err
	}
	body, err := j.serializers.Encode(j.code, result)
	if err != nil {
		return fmt.Errorf("encode job result: %w", err)
	}
	j.w.Write(protocol.NewFrame(uint8(j.code), protocol.TypeJobResult, status, j.InvokeID, body), nil)
	return nil
}
