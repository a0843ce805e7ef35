// Package queue provides a bounded in-memory work queue with id dedup.
// Intake uses one instance for requests, the support engine another for
// invoice verification.
package queue

import (
	"sync"

	"github.com/rs/zerolog"

	"pidgeon-dvm/internal/logging"
)

// Task is one unit of queued work.
type Task struct {
	ID string
	Fn func()
}

// Queue runs tasks on a fixed worker pool. Submitting an id already queued
// or running is a no-op, which collapses fan-in when the same event arrives
// from several relays.
type Queue struct {
	name string
	cap  int

	mu       sync.Mutex
	inflight map[string]bool
	pending  int
	closed   bool

	tasks chan Task
	wg    sync.WaitGroup
	log   zerolog.Logger

	// Dropped counts tasks rejected because the queue was full.
	dropMu  sync.Mutex
	dropped int64
}

// New starts workers goroutines draining a queue bounded at capacity.
func New(name string, workers, capacity int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &Queue{
		name:     name,
		cap:      capacity,
		inflight: make(map[string]bool),
		tasks:    make(chan Task, capacity),
		log:      logging.WithComponent("queue." + name),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for task := range q.tasks {
		q.run(task)
	}
}

func (q *Queue) run(task Task) {
	defer func() {
		q.mu.Lock()
		delete(q.inflight, task.ID)
		q.pending--
		q.mu.Unlock()

		if r := recover(); r != nil {
			q.log.Error().Str("task", task.ID).Interface("panic", r).Msg("task panicked")
		}
	}()
	task.Fn()
}

// Submit enqueues fn under id. Returns false when the id is already queued or
// running, when the queue is full, or after Close.
func (q *Queue) Submit(id string, fn func()) bool {
	q.mu.Lock()
	if q.closed || q.inflight[id] || q.pending >= q.cap {
		full := !q.closed && !q.inflight[id]
		q.mu.Unlock()
		if full {
			q.dropMu.Lock()
			q.dropped++
			q.dropMu.Unlock()
			q.log.Warn().Str("task", id).Int("cap", q.cap).Msg("queue full, dropping task")
		}
		return false
	}
	q.inflight[id] = true
	q.pending++
	q.mu.Unlock()

	q.tasks <- Task{ID: id, Fn: fn}
	return true
}

// Len returns the number of queued plus running tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Dropped returns how many submissions were rejected for capacity.
func (q *Queue) Dropped() int64 {
	q.dropMu.Lock()
	defer q.dropMu.Unlock()
	return q.dropped
}

// Close stops accepting work and waits for in-flight tasks to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.tasks)
	q.wg.Wait()
}
