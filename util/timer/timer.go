// Package timer provides a hashed-wheel timer for one-shot, cancellable tasks.
// Invocation timeouts and reconnect backoff are scheduled on it.
package timer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaonanln/pulsejob/util/logger"
)

// Task is run once when its timeout expires.
type Task func()

// Timeout is the handle returned by Schedule.
type Timeout interface {
	// Cancel prevents the task from running. It reports false if the task
	// already ran or was already cancelled.
	Cancel() bool
	IsCancelled() bool
	IsExpired() bool
}

// Timer schedules one-shot tasks.
type Timer interface {
	Schedule(delay time.Duration, task Task) Timeout
	Stop()
}

const (
	DefaultTick      = 10 * time.Millisecond
	DefaultWheelSize = 512
)

const (
	stateInit int32 = iota
	stateCancelled
	stateExpired
)

type timeout struct {
	state    atomic.Int32
	task     Task
	deadline time.Duration // since wheel start
	rounds   int64
}

func (t *timeout) Cancel() bool {
	return t.state.CompareAndSwap(stateInit, stateCancelled)
}

func (t *timeout) IsCancelled() bool { return t.state.Load() == stateCancelled }
func (t *timeout) IsExpired() bool   { return t.state.Load() == stateExpired }

// HashedWheel is a Timer that buckets timeouts on a ring of tick-wide slots.
// A single worker goroutine advances the ring; expired tasks run through exec.
type HashedWheel struct {
	tick   time.Duration
	mask   int64
	wheel  [][]*timeout
	exec   func(func())
	logger *logger.Logger

	startOnce sync.Once
	startTime time.Time

	mu      sync.Mutex
	pending []*timeout
	stopped bool

	stopCh chan struct{}
	done   chan struct{}
}

// NewHashedWheel creates a timer. wheelSize is rounded up to a power of two.
// Non-positive arguments select DefaultTick and DefaultWheelSize.
func NewHashedWheel(tick time.Duration, wheelSize int) *HashedWheel {
	if tick <= 0 {
		tick = DefaultTick
	}
	if wheelSize <= 0 {
		wheelSize = DefaultWheelSize
	}
	size := 1
	for size < wheelSize {
		size <<= 1
	}
	return &HashedWheel{
		tick:   tick,
		mask:   int64(size - 1),
		wheel:  make([][]*timeout, size),
		exec:   func(f func()) { go f() },
		logger: logger.NewLogger("HashedWheelTimer"),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SetExecutor replaces the function used to run expired tasks. Must be called before Schedule.
func (w *HashedWheel) SetExecutor(exec func(func())) {
	w.exec = exec
}

func (w *HashedWheel) start() {
	w.startOnce.Do(func() {
		w.startTime = time.Now()
		go w.run()
	})
}

// Schedule runs task once after delay unless the returned Timeout is cancelled first.
func (w *HashedWheel) Schedule(delay time.Duration, task Task) Timeout {
	t := &timeout{task: task}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		t.state.Store(stateCancelled)
		w.logger.Warnf("Schedule called after Stop, task dropped")
		return t
	}
	w.mu.Unlock()

	w.start()
	if delay < 0 {
		delay = 0
	}
	t.deadline = time.Since(w.startTime) + delay

	w.mu.Lock()
	if w.stopped {
		t.state.Store(stateCancelled)
	} else {
		w.pending = append(w.pending, t)
	}
	w.mu.Unlock()
	return t
}

// Stop halts the worker and cancels every timeout that has not fired.
func (w *HashedWheel) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.stopCh)

	// Once.Do synchronizes with a concurrent start; afterwards startTime tells whether the worker runs.
	w.startOnce.Do(func() {})
	if !w.startTime.IsZero() {
		<-w.done
	}

	w.mu.Lock()
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()

	for _, t := range pending {
		t.Cancel()
	}
	for i := range w.wheel {
		for _, t := range w.wheel[i] {
			t.Cancel()
		}
		w.wheel[i] = nil
	}
}

func (w *HashedWheel) run() {
	defer close(w.done)

	var tick int64
	sleep := time.NewTimer(w.tick)
	defer sleep.Stop()

	for {
		next := time.Duration(tick+1) * w.tick
		if wait := next - time.Since(w.startTime); wait > 0 {
			sleep.Reset(wait)
			select {
			case <-w.stopCh:
				return
			case <-sleep.C:
			}
		} else {
			select {
			case <-w.stopCh:
				return
			default:
			}
		}

		w.transfer(tick)
		w.expire(tick, next)
		tick++
	}
}

// transfer moves newly scheduled timeouts into their slots.
func (w *HashedWheel) transfer(current int64) {
	w.mu.Lock()
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()

	size := w.mask + 1
	for _, t := range pending {
		if t.IsCancelled() {
			continue
		}
		calculated := int64(t.deadline / w.tick)
		t.rounds = (calculated - current) / size
		if calculated < current {
			calculated = current
		}
		idx := calculated & w.mask
		w.wheel[idx] = append(w.wheel[idx], t)
	}
}

// expire runs every timeout in the current slot whose round has come.
func (w *HashedWheel) expire(current int64, now time.Duration) {
	idx := current & w.mask
	bucket := w.wheel[idx]
	kept := bucket[:0]
	for _, t := range bucket {
		switch {
		case t.IsCancelled():
		case t.rounds <= 0 && t.deadline <= now:
			if t.state.CompareAndSwap(stateInit, stateExpired) {
				w.runTask(t.task)
			}
		default:
			t.rounds--
			kept = append(kept, t)
		}
	}
	for i := len(kept); i < len(bucket); i++ {
		bucket[i] = nil
	}
	w.wheel[idx] = kept
}

func (w *HashedWheel) runTask(task Task) {
	w.exec(func() {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Errorf("Timer task panicked: %v", r)
			}
		}()
		task()
	})
}
