// Package scheduler fires a callback once per scheduled job id at its due
// time. A single min-heap and one shared timer cover every pending job, so
// thousands of far-future schedules cost one timer, not thousands.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pidgeon-dvm/internal/logging"
	"pidgeon-dvm/internal/metrics"
)

// maxTimerArm caps how far ahead the shared timer is armed. Very distant due
// times rearm naturally when the clamped timer fires.
const maxTimerArm = 30 * 24 * time.Hour

type node struct {
	id      string
	dueAtMs int64
	seq     uint64
}

type dueHeap []*node

func (h *dueHeap) Len() int { return len(*h) }

func (h *dueHeap) Swap(i, j int) { (*h)[i], (*h)[j] = (*h)[j], (*h)[i] }

// Less orders nodes by due time, then by insertion order so equal due times
// fire first-scheduled-first.
func (h *dueHeap) Less(i, j int) bool {
	var lhs, rhs = (*h)[i], (*h)[j]
	if lhs.dueAtMs != rhs.dueAtMs {
		return lhs.dueAtMs < rhs.dueAtMs
	}
	return lhs.seq < rhs.seq
}

func (h *dueHeap) Push(x interface{}) {
	*h = append(*h, x.(*node))
}

func (h *dueHeap) Pop() interface{} {
	var n = len(*h)
	var x = (*h)[n-1]
	*h = (*h)[0 : n-1]
	return x
}

type entry struct {
	dueAtMs int64
	seq     uint64
}

// Scheduler dispatches onDue(id) exactly once per live schedule. Rescheduling
// an id replaces its due time; stale heap nodes are skipped on pop via the
// validity map.
type Scheduler struct {
	mu      sync.Mutex
	heap    dueHeap
	valid   map[string]entry
	timer   *time.Timer
	seq     uint64
	stopped bool

	onDue func(id string)
	log   zerolog.Logger

	// nowMs is swappable for tests.
	nowMs func() int64
}

// Stats is a point-in-time snapshot for metrics and logs.
type Stats struct {
	Pending     int
	HeapLen     int
	NextDueAtMs int64
}

// New returns a started scheduler. onDue runs on its own goroutine per
// firing; the scheduler never awaits it.
func New(onDue func(id string)) *Scheduler {
	return &Scheduler{
		valid: make(map[string]entry),
		onDue: onDue,
		log:   logging.WithComponent("scheduler"),
		nowMs: func() int64 { return time.Now().UnixMilli() },
	}
}

// Schedule registers (or rewrites) the due time for id. Passing a past
// dueSec fires the callback almost immediately.
func (s *Scheduler) Schedule(id string, dueSec int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	s.seq++
	e := entry{dueAtMs: dueSec * 1000, seq: s.seq}
	s.valid[id] = e
	heap.Push(&s.heap, &node{id: id, dueAtMs: e.dueAtMs, seq: e.seq})
	metrics.SchedulerPending.Set(float64(len(s.valid)))
	s.compactLocked()
	s.armLocked()
}

// Cancel drops id. Its heap node is skipped lazily when popped.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.valid[id]; !ok {
		return
	}
	delete(s.valid, id)
	metrics.SchedulerPending.Set(float64(len(s.valid)))
	s.compactLocked()
	s.armLocked()
}

// Has reports whether id is still pending.
func (s *Scheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.valid[id]
	return ok
}

// Stop halts the timer. Pending ids never fire after Stop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Stats returns a snapshot of pending work.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Pending: len(s.valid), HeapLen: len(s.heap)}
	if next := s.peekValidLocked(); next != nil {
		st.NextDueAtMs = next.dueAtMs
	}
	return st
}

// peekValidLocked discards stale nodes at the top and returns the earliest
// live one, or nil.
func (s *Scheduler) peekValidLocked() *node {
	for len(s.heap) > 0 {
		top := s.heap[0]
		if e, ok := s.valid[top.id]; ok && e.seq == top.seq {
			return top
		}
		heap.Pop(&s.heap)
	}
	return nil
}

// compactLocked rebuilds the heap when stale nodes dominate it.
func (s *Scheduler) compactLocked() {
	if len(s.heap) < 64 || len(s.heap) < 2*len(s.valid) {
		return
	}
	fresh := make(dueHeap, 0, len(s.valid))
	for id, e := range s.valid {
		fresh = append(fresh, &node{id: id, dueAtMs: e.dueAtMs, seq: e.seq})
	}
	heap.Init(&fresh)
	s.heap = fresh
}

// armLocked points the shared timer at the earliest valid node.
func (s *Scheduler) armLocked() {
	if s.stopped {
		return
	}
	next := s.peekValidLocked()
	if next == nil {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		return
	}

	wait := time.Duration(next.dueAtMs-s.nowMs()) * time.Millisecond
	if wait < 0 {
		wait = 0
	}
	if wait > maxTimerArm {
		wait = maxTimerArm
	}

	if s.timer == nil {
		s.timer = time.AfterFunc(wait, s.fire)
	} else {
		s.timer.Stop()
		s.timer.Reset(wait)
	}
}

// fire pops every due node, dispatches the live ones, and rearms.
func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	now := s.nowMs()

	var due []string
	for len(s.heap) > 0 && s.heap[0].dueAtMs <= now {
		n := heap.Pop(&s.heap).(*node)
		e, ok := s.valid[n.id]
		if !ok || e.seq != n.seq {
			continue // canceled or rescheduled
		}
		delete(s.valid, n.id)
		due = append(due, n.id)
	}
	metrics.SchedulerPending.Set(float64(len(s.valid)))
	s.armLocked()
	s.mu.Unlock()

	for _, id := range due {
		id := id
		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Str("job", id).Interface("panic", r).Msg("onDue panicked")
				}
			}()
			s.onDue(id)
		}()
	}
}
