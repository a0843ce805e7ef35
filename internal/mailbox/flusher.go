package mailbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pidgeon-dvm/internal/logging"
	"pidgeon-dvm/internal/metrics"
	"pidgeon-dvm/internal/nostr"
)

// FlusherConfig tunes the debounce and retry behaviour of the worker pool.
type FlusherConfig struct {
	// Debounce is how long a dirty mark sits before the flush runs, letting
	// bursts of changes coalesce. Zero means 500ms.
	Debounce time.Duration
	// Workers is the number of concurrent flush workers. Zero means 1.
	Workers int
	// RetryBase is the first backoff after a failed flush. Zero means 2s.
	RetryBase time.Duration
	// RetryMax caps the backoff. Zero means 10s.
	RetryMax time.Duration
	// FlushTimeout bounds one flush end to end. Zero means 2m.
	FlushTimeout time.Duration
}

func (c FlusherConfig) debounce() time.Duration {
	if c.Debounce <= 0 {
		return 500 * time.Millisecond
	}
	return c.Debounce
}

func (c FlusherConfig) workers() int {
	if c.Workers <= 0 {
		return 1
	}
	return c.Workers
}

func (c FlusherConfig) retryBase() time.Duration {
	if c.RetryBase <= 0 {
		return 2 * time.Second
	}
	return c.RetryBase
}

func (c FlusherConfig) retryMax() time.Duration {
	if c.RetryMax <= 0 {
		return 10 * time.Second
	}
	return c.RetryMax
}

func (c FlusherConfig) flushTimeout() time.Duration {
	if c.FlushTimeout <= 0 {
		return 2 * time.Minute
	}
	return c.FlushTimeout
}

// flushState tracks where one user sits in the debounce/queue/run cycle.
// A user is in at most one of the phases at a time.
type flushState struct {
	dirty   bool
	queued  bool
	running bool
	timer   *time.Timer
	backoff time.Duration
}

// Flusher debounces per-user flush requests and runs them on a small worker
// pool. Requests for one user are serialized; a failed flush stays dirty and
// retries with exponential backoff.
type Flusher struct {
	mb  *Mailbox
	cfg FlusherConfig
	log zerolog.Logger

	mu      sync.Mutex
	users   map[string]*flushState
	stopped bool

	tasks chan string
	wg    sync.WaitGroup
}

func NewFlusher(mb *Mailbox, cfg FlusherConfig) *Flusher {
	f := &Flusher{
		mb:    mb,
		cfg:   cfg,
		log:   logging.WithComponent("mailbox"),
		users: map[string]*flushState{},
		tasks: make(chan string, 1024),
	}
	for i := 0; i < cfg.workers(); i++ {
		f.wg.Add(1)
		go f.worker()
	}
	return f
}

// QueueFlush marks a user's mailbox dirty and arms the debounce timer.
// Implements publisher.FlushQueuer.
func (f *Flusher) QueueFlush(pubkey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	st := f.state(pubkey)
	st.dirty = true
	if st.timer == nil && !st.queued && !st.running {
		f.armLocked(pubkey, st, f.cfg.debounce())
	}
	f.gaugeLocked()
}

func (f *Flusher) state(pubkey string) *flushState {
	st, ok := f.users[pubkey]
	if !ok {
		st = &flushState{}
		f.users[pubkey] = st
	}
	return st
}

func (f *Flusher) armLocked(pubkey string, st *flushState, d time.Duration) {
	st.timer = time.AfterFunc(d, func() { f.promote(pubkey) })
}

// promote moves a user from debouncing to the worker queue.
func (f *Flusher) promote(pubkey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.users[pubkey]
	if !ok {
		return
	}
	st.timer = nil
	if f.stopped || st.queued || st.running || !st.dirty {
		return
	}
	select {
	case f.tasks <- pubkey:
		st.queued = true
	default:
		// queue full; try again shortly
		f.armLocked(pubkey, st, 100*time.Millisecond)
	}
}

func (f *Flusher) worker() {
	defer f.wg.Done()
	for pubkey := range f.tasks {
		f.runOne(pubkey)
	}
}

func (f *Flusher) runOne(pubkey string) {
	f.mu.Lock()
	st := f.state(pubkey)
	st.queued = false
	if st.running {
		// claimed by FlushAll; it owns the outcome
		f.mu.Unlock()
		return
	}
	st.running = true
	st.dirty = false
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.flushTimeout())
	err := f.mb.Flush(ctx, pubkey)
	cancel()

	f.mu.Lock()
	defer f.mu.Unlock()
	st.running = false
	if err != nil {
		st.dirty = true
		if st.backoff <= 0 {
			st.backoff = f.cfg.retryBase()
		} else {
			st.backoff *= 2
		}
		if st.backoff > f.cfg.retryMax() {
			st.backoff = f.cfg.retryMax()
		}
		f.log.Warn().
			Str("user", nostr.ShortID(pubkey)).
			Dur("retry_in", st.backoff).
			Err(err).
			Msg("mailbox flush failed")
		if !f.stopped {
			f.armLocked(pubkey, st, st.backoff)
		}
		f.gaugeLocked()
		return
	}

	st.backoff = 0
	if st.dirty && !f.stopped {
		// changes arrived while flushing
		f.armLocked(pubkey, st, f.cfg.debounce())
	} else if !st.dirty {
		delete(f.users, pubkey)
	}
	f.gaugeLocked()
}

// FlushAll synchronously flushes every user with unflushed changes, bounded
// by ctx. Used during graceful shutdown once intake has stopped.
func (f *Flusher) FlushAll(ctx context.Context) {
	f.mu.Lock()
	var due []string
	for pk, st := range f.users {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		if st.running || (!st.dirty && !st.queued) {
			continue
		}
		st.queued = false
		st.dirty = false
		st.running = true
		due = append(due, pk)
	}
	sort.Strings(due)
	f.mu.Unlock()

	for i, pk := range due {
		if ctx.Err() != nil {
			f.mu.Lock()
			for _, rest := range due[i:] {
				st := f.state(rest)
				st.running = false
				st.dirty = true
			}
			f.mu.Unlock()
			f.log.Warn().Int("remaining", len(due)-i).Msg("flush-all deadline reached")
			return
		}

		err := f.mb.Flush(ctx, pk)
		f.mu.Lock()
		st := f.state(pk)
		st.running = false
		if err != nil {
			st.dirty = true
			f.log.Warn().Str("user", nostr.ShortID(pk)).Err(err).Msg("flush-all user failed")
		}
		f.mu.Unlock()
	}
}

// Pending reports how many users currently have unflushed work.
func (f *Flusher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingLocked()
}

func (f *Flusher) pendingLocked() int {
	n := 0
	for _, st := range f.users {
		if st.dirty || st.queued || st.running {
			n++
		}
	}
	return n
}

func (f *Flusher) gaugeLocked() {
	metrics.QueueDepth.WithLabelValues("mailbox").Set(float64(f.pendingLocked()))
}

// Stop halts the workers. Pending debounces are dropped; call FlushAll first
// when their work must survive.
func (f *Flusher) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	for _, st := range f.users {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
	close(f.tasks)
	f.mu.Unlock()
	f.wg.Wait()
}
