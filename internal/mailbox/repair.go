package mailbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pidgeon-dvm/internal/logging"
	"pidgeon-dvm/internal/nostr"
)

// Repair scopes. Queue covers the pending pages and their blobs, history the
// monthly pages and bucket indices. The global index is probed either way.
const (
	ScopeQueue   = "queue"
	ScopeHistory = "history"
	ScopeAll     = "all"
)

// probeChunk bounds how many d-tags one REQ carries.
const probeChunk = 16

// RepairReport summarizes one repair pass.
type RepairReport struct {
	Skipped     bool     `json:"skipped,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Probed      int      `json:"probed"`
	Republished []string `json:"republished,omitempty"`
	Unknown     []string `json:"unknown,omitempty"`
}

type probeVerdict int

const (
	probePresent probeVerdict = iota
	probeMissing
	probeUnknown
)

// Repair probes the relays for the shards the current state says should be
// there and republishes only the ones missing from every relay that
// answered. It never advances rev: the content is rebuilt byte-identical, so
// only the per-d-tag created_at map moves.
func (m *Mailbox) Repair(ctx context.Context, pubkey, scope string) (*RepairReport, error) {
	mu := m.lockUser(pubkey)
	mu.Lock()
	defer mu.Unlock()

	log := logging.WithUser("mailbox", pubkey)
	switch scope {
	case ScopeQueue, ScopeHistory, ScopeAll:
	default:
		scope = ScopeAll
	}

	uk, err := m.ring.ForUser(pubkey)
	if err != nil {
		return nil, fmt.Errorf("derive keys: %w", err)
	}
	meta, err := m.app.GetMailboxMeta(pubkey)
	if err != nil {
		return nil, fmt.Errorf("load meta: %w", err)
	}
	snap, err := m.snapshot(pubkey, meta)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	// Repair reconstructs shards from current state. That only matches what
	// was published if nothing changed since the last completed flush;
	// otherwise a flush is the right tool and will rewrite everything.
	rk := relaysKey(m.cfg.Relays)
	if meta.PublishedHash == "" || meta.PublishedRev != meta.Rev {
		return &RepairReport{Skipped: true, Reason: "no completed flush to repair against"}, nil
	}
	if meta.PublishedRelaysKey != rk || snap.stateHash(rk) != meta.PublishedHash {
		return &RepairReport{Skipped: true, Reason: "unflushed changes pending"}, nil
	}

	res, err := m.build(&buildInput{mb: uk.MB, rev: meta.Rev, relays: m.cfg.Relays, snap: snap, now: m.now()})
	if err != nil {
		return nil, fmt.Errorf("rebuild shards: %w", err)
	}

	shards := scopeShards(res, scope)
	dtags := make([]string, 0, len(shards))
	for _, s := range shards {
		dtags = append(dtags, s.dtag)
	}

	verdicts := m.probeShards(ctx, dtags)
	report := &RepairReport{Probed: len(dtags)}

	var missing []*shard
	for _, s := range shards {
		switch verdicts[s.dtag] {
		case probeMissing:
			missing = append(missing, s)
		case probeUnknown:
			report.Unknown = append(report.Unknown, s.dtag)
		}
	}

	for _, s := range missing {
		ss, err := m.signShard(meta, uk, s)
		if err != nil {
			return nil, err
		}
		if err := m.publishShard(ctx, ss.ev); err != nil {
			return report, fmt.Errorf("republish %s: %w", s.dtag, err)
		}
		report.Republished = append(report.Republished, s.dtag)
	}

	if len(report.Republished) > 0 {
		// persist the created_at bumps; nothing else moved
		if err := m.app.PutMailboxMeta(meta); err != nil {
			return report, fmt.Errorf("persist meta: %w", err)
		}
	}

	log.Info().
		Str("scope", scope).
		Int("probed", report.Probed).
		Int("republished", len(report.Republished)).
		Int("unknown", len(report.Unknown)).
		Msg("mailbox repair finished")
	return report, nil
}

// scopeShards selects the shards a scope probes, in publish order so
// republishing preserves the blobs-before-pages-before-index invariant.
func scopeShards(res *buildResult, scope string) []*shard {
	var out []*shard
	if scope == ScopeQueue || scope == ScopeAll {
		for _, bs := range res.blobs {
			out = append(out, bs.parts...)
		}
		out = append(out, res.pending...)
	}
	if scope == ScopeHistory || scope == ScopeAll {
		out = append(out, res.hist...)
		out = append(out, res.buckets...)
	}
	out = append(out, res.index)
	return out
}

// probeShards asks each probe relay which of the d-tags it holds. A shard is
// missing only when every relay answered and none had it; silence from all
// relays makes it unknown.
func (m *Mailbox) probeShards(ctx context.Context, dtags []string) map[string]probeVerdict {
	relays := m.cfg.probeRelays()
	found := map[string]bool{}
	responded := map[string]int{}

	var mu sync.Mutex
	grp := errgroup.Group{}
	grp.SetLimit(m.cfg.publishConcurrency())

	for _, u := range relays {
		for _, chunk := range chunkStrings(dtags, probeChunk) {
			u, chunk := u, chunk
			grp.Go(func() error {
				hits, ok := m.probeRelay(ctx, u, chunk)
				mu.Lock()
				defer mu.Unlock()
				for d := range hits {
					found[d] = true
				}
				if ok {
					for _, d := range chunk {
						responded[d]++
					}
				}
				return nil
			})
		}
	}
	grp.Wait()

	out := make(map[string]probeVerdict, len(dtags))
	for _, d := range dtags {
		switch {
		case found[d]:
			out[d] = probePresent
		case responded[d] == len(relays):
			out[d] = probeMissing
		default:
			out[d] = probeUnknown
		}
	}
	return out
}

// probeRelay requests a chunk of d-tags from one relay and reports which
// came back before EOSE. ok is false when the relay never answered.
func (m *Mailbox) probeRelay(ctx context.Context, relayURL string, dtags []string) (map[string]bool, bool) {
	legCtx, cancel := context.WithTimeout(ctx, m.cfg.probeTimeout())
	defer cancel()

	filter := nostr.Filter{
		Kinds:   []int{nostr.KindAppData},
		Authors: []string{m.dvm.PubKey},
		DTags:   dtags,
		Limit:   len(dtags),
	}
	subID := "mbp-" + uuid.NewString()[:8]
	sub, err := m.pool.Subscribe(legCtx, relayURL, subID, filter)
	if err != nil {
		m.log.Debug().Str("relay", relayURL).Err(err).Msg("probe subscribe failed")
		return nil, false
	}
	defer m.pool.Unsubscribe(relayURL, sub)

	hits := map[string]bool{}
	for {
		select {
		case ev := <-sub.EventChan:
			if d := ev.TagValue("d"); d != "" {
				hits[d] = true
			}
		case <-sub.EOSEChan:
			return hits, true
		case <-sub.Done:
			return hits, false
		case <-legCtx.Done():
			return hits, false
		}
	}
}

func chunkStrings(list []string, size int) [][]string {
	if size <= 0 {
		size = probeChunk
	}
	var out [][]string
	for len(list) > size {
		out = append(out, list[:size])
		list = list[size:]
	}
	if len(list) > 0 {
		out = append(out, list)
	}
	return out
}
