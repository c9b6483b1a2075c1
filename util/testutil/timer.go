package testutil

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaonanln/pulsejob/util/timer"
)

// ManualTimer is a timer.Timer whose tasks run only when the test fires them.
type ManualTimer struct {
	mu    sync.Mutex
	tasks []*ManualTimeout
}

// ManualTimeout is a task scheduled on a ManualTimer.
type ManualTimeout struct {
	Delay time.Duration
	task  timer.Task
	state atomic.Int32 // 0 scheduled, 1 cancelled, 2 fired
}

func (t *ManualTimeout) Cancel() bool      { return t.state.CompareAndSwap(0, 1) }
func (t *ManualTimeout) IsCancelled() bool { return t.state.Load() == 1 }
func (t *ManualTimeout) IsExpired() bool   { return t.state.Load() == 2 }

// NewManualTimer creates an empty ManualTimer.
func NewManualTimer() *ManualTimer {
	return &ManualTimer{}
}

// Schedule records task; it runs on FireAll or FireNext.
func (m *ManualTimer) Schedule(delay time.Duration, task timer.Task) timer.Timeout {
	t := &ManualTimeout{Delay: delay, task: task}
	m.mu.Lock()
	m.tasks = append(m.tasks, t)
	m.mu.Unlock()
	return t
}

// Stop cancels everything scheduled.
func (m *ManualTimer) Stop() {
	m.mu.Lock()
	tasks := m.tasks
	m.tasks = nil
	m.mu.Unlock()
	for _, t := range tasks {
		t.Cancel()
	}
}

// Scheduled returns the tasks that were neither cancelled nor fired.
func (m *ManualTimer) Scheduled() []*ManualTimeout {
	m.mu.Lock()
	defer m.mu.Unlock()
	var live []*ManualTimeout
	for _, t := range m.tasks {
		if t.state.Load() == 0 {
			live = append(live, t)
		}
	}
	return live
}

// FireNext runs the oldest live task and reports whether there was one.
func (m *ManualTimer) FireNext() bool {
	live := m.Scheduled()
	if len(live) == 0 {
		return false
	}
	t := live[0]
	if t.state.CompareAndSwap(0, 2) {
		t.task()
	}
	return true
}

// FireAll runs every live task scheduled so far and returns how many ran.
func (m *ManualTimer) FireAll() int {
	n := 0
	for _, t := range m.Scheduled() {
		if t.state.CompareAndSwap(0, 2) {
			t.task()
			n++
		}
	}
	return n
}
