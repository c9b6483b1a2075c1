package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xiaonanln/pulsejob/util/logger"
	"github.com/xiaonanln/pulsejob/util/metrics"
)

var (
	// ErrStopped is returned for work handed to a pool that has been stopped
	ErrStopped = errors.New("worker pool stopped")
	// ErrQueueFull is returned by Execute when the queue has no free slot
	ErrQueueFull = errors.New("worker pool queue full")
)

// Task represents a unit of work to be executed by the worker pool
type Task func(ctx context.Context) error

// Result represents the result of a task execution
type Result struct {
	Err error
}

// WorkerPool is a fixed-size pool of goroutines running business work
// (payload decoding, job handlers) off the connection read loops.
type WorkerPool struct {
	name       string
	numWorkers int
	tasks      chan taskWrapper
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	logger     *logger.Logger

	mu      sync.RWMutex
	stopped bool
}

type taskWrapper struct {
	task   Task
	result chan error
}

// New creates a new worker pool with a queue twice the worker count
func New(ctx context.Context, numWorkers int) *WorkerPool {
	return NewNamed(ctx, "default", numWorkers, 0)
}

// NewNamed creates a pool whose name labels its metrics and logs.
// queueSize <= 0 selects numWorkers*2.
func NewNamed(ctx context.Context, name string, numWorkers, queueSize int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if queueSize <= 0 {
		queueSize = numWorkers * 2
	}

	ctx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		name:       name,
		numWorkers: numWorkers,
		tasks:      make(chan taskWrapper, queueSize),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.NewLogger("WorkerPool-" + name),
	}
}

// Start initializes and starts all worker goroutines
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case tw, ok := <-wp.tasks:
			if !ok {
				return
			}
			err := wp.run(tw.task)
			if tw.result != nil {
				tw.result <- err
			}
		}
	}
}

func (wp *WorkerPool) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Errorf("Task panicked: %v", r)
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(wp.ctx)
}

// Execute queues task without waiting for a free slot.
// It returns ErrQueueFull when the queue is saturated and ErrStopped after Stop.
func (wp *WorkerPool) Execute(task func(ctx context.Context)) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.stopped {
		return ErrStopped
	}

	tw := taskWrapper{task: func(ctx context.Context) error {
		task(ctx)
		return nil
	}}

	select {
	case wp.tasks <- tw:
		return nil
	default:
		metrics.RecordWorkerRejected(wp.name)
		return ErrQueueFull
	}
}

// Submit adds a task to the worker pool for execution, blocking while the queue is full.
// Returns a channel that will receive the result; ErrStopped if the pool is stopped.
func (wp *WorkerPool) Submit(task Task) <-chan error {
	result := make(chan error, 1)

	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.stopped {
		result <- ErrStopped
		return result
	}

	select {
	case wp.tasks <- taskWrapper{task: task, result: result}:
	case <-wp.ctx.Done():
		result <- ErrStopped
	}
	return result
}

// SubmitAndWait submits multiple tasks and waits for all to complete
// Returns a slice of results in the order they complete (not submission order)
func (wp *WorkerPool) SubmitAndWait(ctx context.Context, tasks []Task) []Result {
	if len(tasks) == 0 {
		return nil
	}

	results := make([]Result, 0, len(tasks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, task := range tasks {
		wg.Add(1)

		go func(t Task) {
			defer wg.Done()

			var err error
			select {
			case <-ctx.Done():
				err = ctx.Err()
			case err = <-wp.Submit(t):
			}

			mu.Lock()
			results = append(results, Result{Err: err})
			mu.Unlock()
		}(task)
	}

	wg.Wait()
	return results
}

// Stop stops accepting work, lets the workers drain the queue and waits for them
func (wp *WorkerPool) Stop() {
	if !wp.markStopped() {
		return
	}
	wp.wg.Wait()
	wp.cancel()
	wp.drain()
}

// StopNow cancels the pool context so running tasks can abort, and drops queued work
func (wp *WorkerPool) StopNow() {
	wp.cancel()
	if !wp.markStopped() {
		return
	}
	wp.wg.Wait()
	wp.drain()
}

func (wp *WorkerPool) markStopped() bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.stopped {
		return false
	}
	wp.stopped = true
	close(wp.tasks)
	return true
}

func (wp *WorkerPool) drain() {
	dropped := 0
	for tw := range wp.tasks {
		dropped++
		if tw.result != nil {
			tw.result <- ErrStopped
		}
	}
	if dropped > 0 {
		wp.logger.Warnf("Dropped %d queued tasks on stop", dropped)
	}
}
