// Package publisher broadcasts due jobs to their target relays and ferries
// gift-wrapped DMs to recipient inboxes. All status transitions away from
// scheduled happen here.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"pidgeon-dvm/internal/cache"
	"pidgeon-dvm/internal/logging"
	"pidgeon-dvm/internal/metrics"
	"pidgeon-dvm/internal/nostr"
	"pidgeon-dvm/internal/relay"
	"pidgeon-dvm/internal/store"
)

// FlushQueuer debounces a mailbox rebuild for one user. Implemented by the
// mailbox flusher.
type FlushQueuer interface {
	QueueFlush(pubkey string)
}

// Canceler removes a pending fire. Implemented by the scheduler.
type Canceler interface {
	Cancel(id string)
}

// Config bounds the publisher's network behavior.
type Config struct {
	// PublishTimeout caps one EVENT->OK round trip. Zero means 10s.
	PublishTimeout time.Duration
	// ProbeTimeout caps read probes (recovery check, target resolution).
	// Zero means 2500ms.
	ProbeTimeout time.Duration
	// IndexerRelays are queried for kind-10050 inbox lists and repost
	// targets.
	IndexerRelays []string
	// DVMRelays are the DVM's own listen relays, the last resort for
	// repost target resolution.
	DVMRelays []string
	// AllowLocal permits loopback inbox relays for load testing.
	AllowLocal bool
}

func (c Config) publishTimeout() time.Duration {
	if c.PublishTimeout <= 0 {
		return 10 * time.Second
	}
	return c.PublishTimeout
}

func (c Config) probeTimeout() time.Duration {
	if c.ProbeTimeout <= 0 {
		return 2500 * time.Millisecond
	}
	return c.ProbeTimeout
}

// Publisher owns the publish leg of the job lifecycle. Concurrent attempts
// for the same job id coalesce into one.
type Publisher struct {
	jobs    *store.JobsStore
	pool    *relay.Pool
	flusher FlushQueuer
	inbox   *cache.RelayListCache
	cfg     Config

	canceler Canceler

	group    singleflight.Group
	inflight sync.WaitGroup
	log      zerolog.Logger
}

// New wires a publisher. The scheduler is attached afterwards via
// SetCanceler because it needs the publisher's PublishJob as its callback.
func New(jobs *store.JobsStore, pool *relay.Pool, flusher FlushQueuer, inbox *cache.RelayListCache, cfg Config) *Publisher {
	return &Publisher{
		jobs:    jobs,
		pool:    pool,
		flusher: flusher,
		inbox:   inbox,
		cfg:     cfg,
		log:     logging.WithComponent("publisher"),
	}
}

// SetCanceler attaches the scheduler for deletion handling.
func (p *Publisher) SetCanceler(c Canceler) { p.canceler = c }

// PublishJob runs the publish attempt for a job id. Duplicate concurrent
// calls (scheduler re-fires, explicit retries) share one attempt.
func (p *Publisher) PublishJob(jobID string) {
	p.inflight.Add(1)
	defer p.inflight.Done()

	_, err, _ := p.group.Do(jobID, func() (interface{}, error) {
		return nil, p.publish(jobID)
	})
	if err != nil {
		p.log.Error().Str("job", nostr.ShortID(jobID)).Err(err).Msg("publish attempt failed")
	}
}

// WaitIdle blocks until in-flight publishes finish or the timeout lapses.
// Used during shutdown so acknowledged jobs get their status written.
func (p *Publisher) WaitIdle(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *Publisher) publish(jobID string) error {
	job, err := p.jobs.GetJob(jobID)
	if errors.Is(err, store.ErrNotFound) {
		p.log.Debug().Str("job", nostr.ShortID(jobID)).Msg("job vanished before publish")
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status != store.StatusScheduled {
		p.log.Debug().Str("job", nostr.ShortID(jobID)).Str("status", string(job.Status)).
			Msg("job no longer scheduled, skipping")
		return nil
	}

	if job.IsDM() {
		return p.publishDM(job)
	}
	return p.publishNote(job)
}

func (p *Publisher) publishNote(job *store.Job) error {
	log := logging.WithJob("publisher", job.ID)
	inner := job.Payload.Note
	if inner == nil {
		_, err := p.markAndFlush(job, store.StatusError, "job payload has no event")
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.publishTimeout()+p.cfg.probeTimeout())
	defer cancel()

	// A crash between relay ack and status write leaves the event on the
	// relay with the job still scheduled. Recover instead of double-posting.
	if p.alreadyPublished(ctx, job.Relays, inner.ID) {
		log.Info().Msg("inner event already on target relays, recovering")
		_, err := p.markAndFlush(job, store.StatusSent, "recovered: already published")
		metrics.PublishTotal.WithLabelValues("recovered").Inc()
		return err
	}

	if inner.Kind == nostr.KindRepost {
		if reason := p.verifyRepostTarget(ctx, job, inner); reason != "" {
			log.Warn().Str("reason", reason).Msg("repost target verification failed")
			metrics.PublishTotal.WithLabelValues("error").Inc()
			_, err := p.markAndFlush(job, store.StatusError, reason)
			return err
		}
	}

	acked, summary := p.broadcast(ctx, job.Relays, inner)

	if acked > 0 {
		log.Info().Int("acked", acked).Int("relays", len(job.Relays)).Msg("note published")
		metrics.PublishTotal.WithLabelValues("sent").Inc()
		_, err := p.markAndFlush(job, store.StatusSent, summary)
		return err
	}

	log.Warn().Str("summary", summary).Msg("no relay accepted the note")
	metrics.PublishTotal.WithLabelValues("error").Inc()
	_, err := p.markAndFlush(job, store.StatusError, summary)
	return err
}

// alreadyPublished probes the target relays for the inner event id.
func (p *Publisher) alreadyPublished(ctx context.Context, relays []string, eventID string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.probeTimeout())
	defer cancel()

	found := p.pool.Fetch(probeCtx, relays, nostr.Filter{IDs: []string{eventID}, Limit: 1},
		relay.FetchOpts{Timeout: p.cfg.probeTimeout(), MaxEvents: 1})
	return len(found) > 0
}

// verifyRepostTarget resolves the kind-6 e-tag target and requires a kind-1
// event. Returns the rejection reason, or "" when the repost is safe.
func (p *Publisher) verifyRepostTarget(ctx context.Context, job *store.Job, repost *nostr.Event) string {
	targetID := ""
	relayHint := ""
	for _, tag := range repost.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			targetID = tag[1]
			if len(tag) >= 3 {
				relayHint = tag[2]
			}
			break
		}
	}
	if !nostr.IsValidHexID(targetID) {
		return "Repost has no valid e-tag target"
	}

	// Resolution order: hint, publish relays, indexer relays, own relays.
	var probeRelays []string
	if relayHint != "" {
		probeRelays = append(probeRelays, relayHint)
	}
	probeRelays = append(probeRelays, job.Relays...)
	probeRelays = append(probeRelays, p.cfg.IndexerRelays...)
	probeRelays = append(probeRelays, p.cfg.DVMRelays...)

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.probeTimeout())
	defer cancel()

	target := p.pool.FetchOne(probeCtx, dedupStrings(probeRelays),
		nostr.Filter{IDs: []string{targetID}, Limit: 1},
		relay.FetchOpts{Timeout: p.cfg.probeTimeout(), MaxEvents: 1})
	if target == nil {
		return "Repost target not found"
	}
	if target.Kind != nostr.KindTextNote {
		return fmt.Sprintf("Repost target is not kind:1 (got kind:%d)", target.Kind)
	}
	return ""
}

// broadcast publishes ev to every relay in parallel and returns the ack
// count plus a per-relay summary string.
func (p *Publisher) broadcast(ctx context.Context, relays []string, ev *nostr.Event) (int, string) {
	type result struct {
		relay string
		note  string
		ok    bool
	}

	results := make([]result, len(relays))
	var wg sync.WaitGroup
	for i, u := range relays {
		i, u := i, u
		wg.Add(1)
		go func() {
			defer wg.Done()

			legCtx, cancel := context.WithTimeout(ctx, p.cfg.publishTimeout())
			defer cancel()

			start := time.Now()
			resp, err := p.pool.Publish(legCtx, u, ev)
			elapsed := time.Since(start).Seconds()

			switch {
			case err != nil:
				metrics.RelayPublishSeconds.WithLabelValues("error").Observe(elapsed)
				results[i] = result{relay: u, note: trimErr(err)}
			case !resp.Success:
				metrics.RelayPublishSeconds.WithLabelValues("rejected").Observe(elapsed)
				results[i] = result{relay: u, note: "rejected: " + resp.Message}
			default:
				metrics.RelayPublishSeconds.WithLabelValues("ok").Observe(elapsed)
				results[i] = result{relay: u, note: "ok", ok: true}
			}
		}()
	}
	wg.Wait()

	acked := 0
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if r.ok {
			acked++
		}
		parts = append(parts, r.relay+": "+r.note)
	}
	return acked, strings.Join(parts, "; ")
}

// markAndFlush writes the terminal status and debounces the user's mailbox.
func (p *Publisher) markAndFlush(job *store.Job, status store.Status, lastError string) (*store.Job, error) {
	updated, err := p.jobs.MarkJobStatus(job.ID, status, lastError)
	if err != nil {
		return nil, fmt.Errorf("mark job %s %s: %w", nostr.ShortID(job.ID), status, err)
	}
	p.flusher.QueueFlush(job.RequesterPubkey)
	return updated, nil
}

// HandleDeletion processes a kind-5 event: cancel every referenced job the
// author owns.
func (p *Publisher) HandleDeletion(ev *nostr.Event) {
	for _, id := range ev.TagValues("e") {
		if !nostr.IsValidHexID(id) {
			continue
		}
		job, err := p.jobs.GetJob(id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			p.log.Error().Str("job", nostr.ShortID(id)).Err(err).Msg("deletion lookup failed")
			continue
		}
		if job.RequesterPubkey != ev.PubKey {
			p.log.Warn().Str("job", nostr.ShortID(id)).
				Str("author", nostr.ShortID(ev.PubKey)).
				Msg("deletion author does not own job, ignoring")
			continue
		}
		if job.Status != store.StatusScheduled {
			continue
		}

		if p.canceler != nil {
			p.canceler.Cancel(id)
		}
		if _, err := p.markAndFlush(job, store.StatusCanceled, "canceled by deletion event"); err != nil {
			p.log.Error().Str("job", nostr.ShortID(id)).Err(err).Msg("cancel status write failed")
			continue
		}
		metrics.PublishTotal.WithLabelValues("canceled").Inc()
		p.log.Info().Str("job", nostr.ShortID(id)).Msg("job canceled by deletion event")
	}
}

func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func trimErr(err error) string {
	s := err.Error()
	if len(s) > 160 {
		s = s[:160]
	}
	return s
}
