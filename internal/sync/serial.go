package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
)

// errSerialClosed is returned by serial.Do after Close.
var errSerialClosed = errors.New("sync: executor closed")

// serial runs tasks one at a time on a private goroutine. The mailbox is
// unbounded so a task may post follow-up work to its own queue.
type serial struct {
	name   string
	logger *slog.Logger

	mu     stdsync.Mutex
	tasks  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newSerial(name string, logger *slog.Logger) *serial {
	s := &serial{
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	go s.loop()

	return s
}

// Go queues fn without waiting. Tasks posted after Close are dropped.
func (s *serial) Go(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}

	s.tasks = append(s.tasks, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	return true
}

// Do runs fn on the serial goroutine and waits for it, or for ctx. Must not
// be called from a task on the same serial.
func (s *serial) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})

	if !s.Go(func() {
		defer close(finished)
		fn()
	}) {
		return errSerialClosed
	}

	select {
	case <-finished:
		return nil
	case <-s.done:
		// Closed before the task ran.
		select {
		case <-finished:
			return nil
		default:
			return errSerialClosed
		}
	case <-ctx.Done():
		return fmt.Errorf("sync: %s: %w", s.name, ctx.Err())
	}
}

// Close stops the goroutine after the task in progress. Queued tasks are
// discarded.
func (s *serial) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	<-s.done
}

func (s *serial) loop() {
	defer close(s.done)

	for range s.wake {
		for {
			s.mu.Lock()
			if s.closed {
				s.tasks = nil
				s.mu.Unlock()

				return
			}

			if len(s.tasks) == 0 {
				s.mu.Unlock()
				break
			}

			fn := s.tasks[0]
			s.tasks[0] = nil
			s.tasks = s.tasks[1:]
			s.mu.Unlock()

			s.safeRun(fn)
		}
	}
}

// safeRun keeps one panicking task from killing the executor.
func (s *serial) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sync: panic in executor task",
				slog.String("executor", s.name),
				slog.Any("panic", r),
			)
		}
	}()

	fn()
}
