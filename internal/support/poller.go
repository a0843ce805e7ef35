package support

import (
	"context"
	"sync"
	"time"

	"pidgeon-dvm/internal/store"
)

// Poller periodically verifies pending invoices and expires stale ones.
type Poller struct {
	engine   *Engine
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// StartPoller begins the background verify/expiry loop. The loop runs even
// with payments disabled so invoices left over from an earlier configuration
// still expire.
func (e *Engine) StartPoller() *Poller {
	p := &Poller{
		engine: e,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Poller) run() {
	defer close(p.done)

	tick := time.NewTicker(p.engine.policy.verifyPoll())
	defer tick.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-tick.C:
			p.engine.PollOnce(context.Background())
		}
	}
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

// PollOnce runs one verify pass over due pending invoices followed by the
// expiry sweep. Returns how many invoices settled.
func (e *Engine) PollOnce(ctx context.Context) int {
	now := e.now()
	settled := 0

	if e.backend != nil {
		cutoff := now - int64(e.policy.verifyPoll().Seconds())
		due, err := e.app.ListDueInvoices(cutoff, 50)
		if err != nil {
			e.log.Error().Err(err).Msg("list due invoices")
		}
		for _, inv := range due {
			if err := e.verifyInvoice(ctx, inv); err != nil {
				e.log.Error().Str("invoice", inv.ID).Err(err).Msg("persist invoice state")
				continue
			}
			if inv.Status == store.InvoiceSettled {
				settled++
			}
		}
	}

	expired, err := e.app.ExpireInvoices(now)
	if err != nil {
		e.log.Error().Err(err).Msg("expire invoices")
		return settled
	}
	for _, inv := range expired {
		e.log.Info().Str("invoice", inv.ID).Msg("support invoice expired")
		e.flusher.QueueFlush(inv.Pubkey)
	}
	return settled
}
