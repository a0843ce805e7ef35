package publisher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pidgeon-dvm/internal/logging"
	"pidgeon-dvm/internal/metrics"
	"pidgeon-dvm/internal/nostr"
	"pidgeon-dvm/internal/relay"
	"pidgeon-dvm/internal/store"
	"pidgeon-dvm/internal/wrap"
)

// errNoInboxRelays is the per-recipient reason when kind-10050 discovery
// comes back empty.
const errNoInboxRelays = "No kind:10050 inbox relays found"

// publishDM fans a DM job out to every recipient inbox, then the sender's
// self-copy. Wraps are generated once and persisted so retries deliver the
// same event ids.
func (p *Publisher) publishDM(job *store.Job) error {
	log := logging.WithJob("publisher", job.ID)
	dm := job.Payload.DM
	if dm == nil || len(dm.Recipients) == 0 {
		_, err := p.markAndFlush(job, store.StatusError, "dm payload has no recipients")
		return err
	}

	if err := p.ensureWraps(job); err != nil {
		_, markErr := p.markAndFlush(job, store.StatusError, "wrap generation: "+err.Error())
		if markErr != nil {
			return markErr
		}
		return nil
	}
	// Reload: ensureWraps persisted new wraps.
	job, err := p.jobs.GetJob(job.ID)
	if err != nil {
		return err
	}
	dm = job.Payload.DM

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(len(dm.Recipients)+1)*p.cfg.publishTimeout())
	defer cancel()

	allSent := true
	for _, rcpt := range dm.Recipients {
		if rcpt.Sent() {
			continue // idempotent retry: skip delivered recipients
		}
		p.deliverRecipient(ctx, rcpt)
		if !rcpt.Sent() {
			allSent = false
		}
	}

	// The self-copy goes out only after every recipient has their wrap.
	if allSent && dm.SenderCopy != nil && !dm.SenderCopy.Sent() {
		p.deliverRecipient(ctx, dm.SenderCopy)
		if !dm.SenderCopy.Sent() {
			allSent = false
		}
	}

	// Persist per-recipient progress regardless of outcome.
	updated, err := p.jobs.UpdateJob(job.ID, func(j *store.Job) error {
		j.Payload = store.NewDMPayload(dm)
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist dm progress: %w", err)
	}
	job = updated

	if !allSent {
		reason := dmFailureSummary(dm)
		log.Warn().Str("summary", reason).Msg("dm fan-out incomplete")
		metrics.PublishTotal.WithLabelValues("error").Inc()
		_, err := p.markAndFlush(job, store.StatusError, reason)
		return err
	}

	log.Info().Int("recipients", len(dm.Recipients)).Msg("dm delivered to all inboxes")
	metrics.PublishTotal.WithLabelValues("sent").Inc()
	if _, err := p.markAndFlush(job, store.StatusSent, ""); err != nil {
		return err
	}

	// The delivered wraps are the durable record; drop the plaintext-free
	// but still-sensitive bundle from local storage.
	if err := p.jobs.DeleteJob(job.ID); err != nil {
		p.log.Error().Str("job", nostr.ShortID(job.ID)).Err(err).Msg("dm job cleanup failed")
	}
	p.flusher.QueueFlush(job.RequesterPubkey)
	return nil
}

// ensureWraps generates and persists gift wraps for recipients that lack
// one. Runs before any network IO so a crash mid-fan-out never changes
// delivered event ids.
func (p *Publisher) ensureWraps(job *store.Job) error {
	dm := job.Payload.DM

	all := make([]*store.DMRecipient, 0, len(dm.Recipients)+1)
	all = append(all, dm.Recipients...)
	if dm.SenderCopy != nil {
		all = append(all, dm.SenderCopy)
	}

	changed := false
	for _, rcpt := range all {
		if rcpt.Wrap != nil {
			continue
		}
		if rcpt.Seal == nil {
			return fmt.Errorf("recipient %s has no seal", nostr.ShortID(rcpt.Pubkey))
		}
		w, err := wrap.GiftWrap(rcpt.Seal, rcpt.Pubkey)
		if err != nil {
			return fmt.Errorf("gift wrap for %s: %w", nostr.ShortID(rcpt.Pubkey), err)
		}
		rcpt.Wrap = w
		if rcpt.Status == "" {
			rcpt.Status = store.RecipientPending
		}
		changed = true
	}
	if !changed {
		return nil
	}

	_, err := p.jobs.UpdateJob(job.ID, func(j *store.Job) error {
		j.Payload = store.NewDMPayload(dm)
		return nil
	})
	return err
}

// deliverRecipient publishes one recipient's wrap to their inbox relays and
// records the outcome on the recipient in place.
func (p *Publisher) deliverRecipient(ctx context.Context, rcpt *store.DMRecipient) {
	inboxRelays := p.inboxRelays(ctx, rcpt.Pubkey)
	if len(inboxRelays) == 0 {
		rcpt.Status = store.RecipientError
		rcpt.LastError = errNoInboxRelays
		return
	}
	rcpt.AttemptedRelays = inboxRelays

	type outcome struct {
		relay string
		ok    bool
		note  string
	}
	results := make([]outcome, len(inboxRelays))

	done := make(chan int, len(inboxRelays))
	for i, u := range inboxRelays {
		i, u := i, u
		go func() {
			legCtx, cancel := context.WithTimeout(ctx, p.cfg.publishTimeout())
			defer cancel()

			resp, err := p.pool.Publish(legCtx, u, rcpt.Wrap)
			switch {
			case err != nil:
				results[i] = outcome{relay: u, note: trimErr(err)}
			case !resp.Success:
				results[i] = outcome{relay: u, note: "rejected: " + resp.Message}
			default:
				results[i] = outcome{relay: u, ok: true}
			}
			done <- i
		}()
	}
	for range inboxRelays {
		<-done
	}

	var used []string
	var notes []string
	for _, r := range results {
		if r.ok {
			used = append(used, r.relay)
		} else {
			notes = append(notes, r.relay+": "+r.note)
		}
	}

	if len(used) > 0 {
		rcpt.Status = store.RecipientSent
		rcpt.LastError = ""
		rcpt.RelaysUsed = used
	} else {
		rcpt.Status = store.RecipientError
		rcpt.LastError = strings.Join(notes, "; ")
	}
}

// inboxRelays resolves a recipient's kind-10050 inbox list, consulting the
// cache first. Negative results are cached too so a storm of DMs to an
// unreachable user does not hammer the indexers.
func (p *Publisher) inboxRelays(ctx context.Context, pubkey string) []string {
	if relays, cached := p.inbox.Get(ctx, pubkey); cached {
		return relays
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.probeTimeout())
	defer cancel()

	ev := p.pool.FetchOne(probeCtx, p.cfg.IndexerRelays,
		nostr.Filter{Kinds: []int{nostr.KindDMInboxRelays}, Authors: []string{pubkey}, Limit: 1},
		relay.FetchOpts{Timeout: p.cfg.probeTimeout()})
	if ev == nil {
		p.inbox.SetNotFound(ctx, pubkey)
		return nil
	}

	relays := nostr.SanitizeRelayList(ev.TagValues("relay"), p.cfg.AllowLocal)
	if len(relays) == 0 {
		p.inbox.SetNotFound(ctx, pubkey)
		return nil
	}
	p.inbox.Set(ctx, pubkey, relays)
	return relays
}

// RetryDM re-enters the publisher for an errored DM job owned by requester.
func (p *Publisher) RetryDM(jobID, requesterPubkey string) error {
	job, err := p.jobs.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.RequesterPubkey != requesterPubkey {
		return fmt.Errorf("job %s not owned by requester", nostr.ShortID(jobID))
	}
	if !job.IsDM() {
		return fmt.Errorf("job %s is not a dm", nostr.ShortID(jobID))
	}
	if job.Status != store.StatusError {
		return fmt.Errorf("job %s status %s is not retryable", nostr.ShortID(jobID), job.Status)
	}

	// The user retried because something changed; re-discover inboxes for
	// the recipients that failed instead of trusting a cached miss.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, rcpt := range job.Payload.DM.Recipients {
		if !rcpt.Sent() {
			p.inbox.Invalidate(ctx, rcpt.Pubkey)
		}
	}
	if sc := job.Payload.DM.SenderCopy; sc != nil && !sc.Sent() {
		p.inbox.Invalidate(ctx, sc.Pubkey)
	}

	if _, err := p.jobs.MarkJobStatus(jobID, store.StatusScheduled, "retrying"); err != nil {
		return err
	}
	go p.PublishJob(jobID)
	return nil
}

func dmFailureSummary(dm *store.DMPayload) string {
	var parts []string
	for _, rcpt := range dm.Recipients {
		if rcpt.Status == store.RecipientError {
			parts = append(parts, nostr.ShortID(rcpt.Pubkey)+": "+rcpt.LastError)
		}
	}
	if dm.SenderCopy != nil && dm.SenderCopy.Status == store.RecipientError {
		parts = append(parts, "self-copy: "+dm.SenderCopy.LastError)
	}
	if len(parts) == 0 {
		return "dm delivery incomplete"
	}
	return strings.Join(parts, "; ")
}
