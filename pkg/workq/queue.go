// Package workq provides a single consumer FIFO task queue. Each component
// that needs serialized state transitions owns one queue and only touches
// that state from tasks running on it.
package workq

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markus-lassfolk/ons/pkg/logx"
)

// ErrStopped is returned when posting to a stopped queue
var ErrStopped = errors.New("work queue stopped")

// Queue runs posted tasks one at a time in submission order
type Queue struct {
	name   string
	logger *logx.Logger

	mu      sync.Mutex
	tasks   []func()
	stopped bool

	signal chan struct{}
	done   chan struct{}

	processed atomic.Int64
}

// New creates a queue and starts its consumer goroutine
func New(name string, logger *logx.Logger) *Queue {
	q := &Queue{
		name:   name,
		logger: logger,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Name returns the queue name
func (q *Queue) Name() string { return q.name }

// Post appends a task. It returns false when the queue is stopped.
func (q *Queue) Post(fn func()) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// PostDelayed posts fn after d. The returned cancel function prevents fn
// from running if it has not started yet. Cancellation is exact when called
// from a task running on this queue.
func (q *Queue) PostDelayed(d time.Duration, fn func()) (cancel func()) {
	var cancelled atomic.Bool
	timer := time.AfterFunc(d, func() {
		q.Post(func() {
			if cancelled.Load() {
				return
			}
			fn()
		})
	})
	return func() {
		cancelled.Store(true)
		timer.Stop()
	}
}

// Call posts fn and waits for it to finish. It must not be invoked from a
// task running on the same queue.
func (q *Queue) Call(fn func()) error {
	done := make(chan struct{})
	if !q.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-q.done:
		// the consumer may have exited after running the task
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Flush waits until every task posted before the call has run
func (q *Queue) Flush() error {
	return q.Call(func() {})
}

// Len returns the number of pending tasks
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Processed returns how many tasks have run
func (q *Queue) Processed() int64 {
	return q.processed.Load()
}

// Stop rejects new tasks, runs what is already queued and waits for the
// consumer to exit. Stop is idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.stopped = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			if q.stopped {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.signal
			continue
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.exec(fn)
	}
}

func (q *Queue) exec(fn func()) {
	defer func() {
		q.processed.Add(1)
		if r := recover(); r != nil && q.logger != nil {
			q.logger.Error("Task panicked", "queue", q.name, "panic", r)
		}
	}()
	fn()
}
