// Package tasks provides a serialized asynchronous task queue.
package tasks

import (
	"sync"

	"go.uber.org/zap"
)

// Queue runs pushed tasks one at a time, in push order, on a dedicated goroutine.
// Push never blocks, so it is safe to call while holding other locks.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool
	done    chan struct{}
	logger  *zap.Logger
}

// NewQueue creates a Queue and starts its worker.
func NewQueue(logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		done:   make(chan struct{}),
		logger: logger,
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Push schedules a task. It returns false if the queue is closed.
func (q *Queue) Push(task func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.pending = append(q.pending, task)
	q.cond.Signal()
	return true
}

// Flush blocks until every task pushed before the call has run.
func (q *Queue) Flush() {
	barrier := make(chan struct{})
	if !q.Push(func() { close(barrier) }) {
		<-q.done
		return
	}
	<-barrier
}

// Close stops accepting tasks, runs the tasks already pushed and waits for the worker to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Signal()
	}
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()
		for _, task := range batch {
			q.execute(task)
		}
	}
}

func (q *Queue) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}
