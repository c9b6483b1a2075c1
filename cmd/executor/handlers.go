package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/xiaonanln/pulsejob/executor"
	"github.com/xiaonanln/pulsejob/protocol"
)

// registerHandlers installs the built-in handlers every executor binary serves.
func registerHandlers(c *executor.Client) error {
	if err := c.Handle("echo", echo); err != nil {
		return err
	}
	return c.Handle("sleep", sleep)
}

func echo(_ context.Context, job *executor.Job) (string, error) {
	job.Log(protocol.LogInfo, "echo job %d", job.ID)
	return job.Params["msg"], nil
}

// sleep waits params["seconds"] seconds, reporting progress each second.
func sleep(ctx context.Context, job *executor.Job) (string, error) {
	seconds, err := strconv.Atoi(job.Params["seconds"])
	if err != nil || seconds < 0 {
		return "", fmt.Errorf("invalid seconds %q", job.Params["seconds"])
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for i := 1; i <= seconds; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		if err := job.Progress(i*100/seconds, fmt.Sprintf("%d/%d", i, seconds)); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("slept %ds", seconds), nil
}
