// Package queue implements the ordered, single-consumer task queue
// that every stream's write path is serialized through (spec §5, §9:
// "Callback/future control flow → tasks + ordered queues"). A single
// goroutine drains tasks in submission order; this is the load-bearing
// property the design notes call out — it is never replaced with
// lock-free concurrent submission.
package queue

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Task is a unit of work submitted to a Queue. It runs on the queue's
// single consumer goroutine, in the order it was submitted.
type Task func()

// Queue is an unbounded, ordered, single-consumer FIFO of Tasks.
type Queue struct {
	logger log.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []Task
	closed bool

	wg sync.WaitGroup
}

// New creates a Queue and starts its consumer goroutine.
func New(logger log.Logger) *Queue {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	q := &Queue{logger: logger}
	q.cond = sync.NewCond(&q.mu)
	q.wg.Add(1)
	go q.run()
	return q
}

// Submit enqueues t to run after every task submitted before it. It
// returns false if the queue has already been closed, in which case t
// never runs and the caller is responsible for resolving any promise
// it was going to satisfy with a cancellation error.
func (q *Queue) Submit(t Task) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
	q.cond.Signal()
	return true
}

// Drain submits a no-op task and blocks until it has run, guaranteeing
// every task submitted before this call has completed. Used by
// Log Writer's close_and_complete (spec §4.2).
func (q *Queue) Drain() {
	done := make(chan struct{})
	if !q.Submit(func() { close(done) }) {
		return
	}
	<-done
}

// Close stops accepting new tasks and waits for the consumer goroutine
// to drain whatever was already queued. Tasks submitted concurrently
// with Close may be rejected (Submit returns false).
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Signal()
	q.wg.Wait()
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.runTask(t)
	}
}

func (q *Queue) runTask(t Task) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(q.logger).Log("msg", "task panicked", "recover", r)
		}
	}()
	t()
}

// Len reports the number of tasks currently waiting (not counting one
// that may be running). Intended for metrics/diagnostics only.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
