package sync

import (
	"context"
	stdsync "sync"
)

// BackgroundTasks brackets network calls made while the host may suspend
// the process. Begin is called before dispatch; the returned end func is
// called after the completion has been applied, on success or failure.
type BackgroundTasks interface {
	Begin(name string) (end func())
}

// TaskTracker is the default BackgroundTasks: it counts open tasks so a
// shutting-down process can wait for them.
type TaskTracker struct {
	mu   stdsync.Mutex
	open int
	idle chan struct{}
}

func NewTaskTracker() *TaskTracker {
	idle := make(chan struct{})
	close(idle)

	return &TaskTracker{idle: idle}
}

func (t *TaskTracker) Begin(string) func() {
	t.mu.Lock()
	if t.open == 0 {
		t.idle = make(chan struct{})
	}

	t.open++
	t.mu.Unlock()

	var once stdsync.Once

	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()

			t.open--
			if t.open == 0 {
				close(t.idle)
			}
		})
	}
}

// Open returns the number of tasks begun and not yet ended.
func (t *TaskTracker) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.open
}

// Wait blocks until no task is open or ctx ends.
func (t *TaskTracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
