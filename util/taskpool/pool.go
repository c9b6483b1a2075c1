// Package taskpool runs jobs on a fixed set of workers. Jobs submitted under
// the same key always land on the same worker, so they run one at a time in
// submission order while different keys proceed in parallel.
package taskpool

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/xiaonanln/pulsejob/util/logger"
	"github.com/xiaonanln/pulsejob/util/metrics"
)

// DefaultQueueSize is the per-worker buffer used when none is given.
const DefaultQueueSize = 100

var (
	ErrStopped   = errors.New("task pool stopped")
	ErrQueueFull = errors.New("task pool queue full")
)

// Job represents a unit of work to be executed by the task pool
type Job func(ctx context.Context)

// TaskPool manages per-key job serialization
type TaskPool struct {
	name   string
	queues []chan Job
	next   atomic.Uint32
	logger *logger.Logger

	mu      sync.RWMutex
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTaskPool creates a pool of numWorkers workers with DefaultQueueSize buffers.
func NewTaskPool(numWorkers int) *TaskPool {
	return NewNamed("taskpool", numWorkers, DefaultQueueSize)
}

// NewNamed creates a pool whose name labels its logs and rejection metrics.
func NewNamed(name string, numWorkers, queueSize int) *TaskPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	tp := &TaskPool{
		name:   name,
		queues: make([]chan Job, numWorkers),
		logger: logger.NewLogger("TaskPool(" + name + ")"),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range tp.queues {
		tp.queues[i] = make(chan Job, queueSize)
	}
	return tp
}

// Start launches the workers. Jobs submitted before Start are buffered.
func (tp *TaskPool) Start() {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.started || tp.stopped {
		return
	}
	tp.started = true
	for _, q := range tp.queues {
		tp.wg.Add(1)
		go tp.worker(q)
	}
}

func (tp *TaskPool) NumWorkers() int { return len(tp.queues) }

// Submit queues job on the next worker in turn.
func (tp *TaskPool) Submit(job Job) error {
	i := int(tp.next.Add(1) % uint32(len(tp.queues)))
	return tp.enqueue(i, job)
}

// SubmitByKey queues job behind every earlier job with the same key.
func (tp *TaskPool) SubmitByKey(key string, job Job) error {
	h := fnv.New32a()
	h.Write([]byte(key))
	return tp.enqueue(int(h.Sum32()%uint32(len(tp.queues))), job)
}

func (tp *TaskPool) enqueue(i int, job Job) error {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	if tp.stopped {
		return ErrStopped
	}
	select {
	case tp.queues[i] <- job:
		return nil
	default:
		metrics.RecordWorkerRejected(tp.name)
		return ErrQueueFull
	}
}

func (tp *TaskPool) worker(q chan Job) {
	defer tp.wg.Done()
	for job := range q {
		tp.run(job)
	}
}

func (tp *TaskPool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			tp.logger.Errorf("Job panicked: %v", r)
		}
	}()
	job(tp.ctx)
}

// Stop rejects new jobs, runs the queued ones and waits for the workers.
// Calling Stop more than once is safe.
func (tp *TaskPool) Stop() {
	tp.mu.Lock()
	if tp.stopped {
		tp.mu.Unlock()
		return
	}
	tp.stopped = true
	started := tp.started
	for _, q := range tp.queues {
		close(q)
	}
	tp.mu.Unlock()

	if started {
		tp.wg.Wait()
	}
	tp.cancel()
}
