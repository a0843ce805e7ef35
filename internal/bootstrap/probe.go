package bootstrap

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"pidgeon-dvm/internal/nostr"
	"pidgeon-dvm/internal/relay"
	"pidgeon-dvm/internal/store"
)

// Mailbox repair relies on #d-filter REQs, which some relays silently ignore.
// The prober publishes a throwaway shard per relay and asks for it back by
// d-tag; relays that fail the round trip are excluded from repair probes
// (publishes still go everywhere).
const (
	settingRelayCaps = "relay_caps"
	probeDTagPrefix  = "pidgeon:v3:probe:"

	relayCapsTTL        = 6 * time.Hour
	probePublishTimeout = 10 * time.Second
)

type relayCapsDoc struct {
	ProbedAt int64           `json:"probed_at"`
	Relays   map[string]bool `json:"relays"`
}

// relayCaps is the in-memory view of the persisted probe results.
type relayCaps struct {
	mu       sync.Mutex
	relays   map[string]bool
	probedAt int64
}

func loadRelayCaps(app *store.AppDataStore) *relayCaps {
	caps := &relayCaps{relays: map[string]bool{}}
	raw, err := app.GetSetting(settingRelayCaps)
	if err != nil || raw == "" {
		return caps
	}
	var doc relayCapsDoc
	if json.Unmarshal([]byte(raw), &doc) == nil && doc.Relays != nil {
		caps.relays = doc.Relays
		caps.probedAt = doc.ProbedAt
	}
	return caps
}

// supported filters relays down to those known to answer #d filters.
func (c *relayCaps) supported(relays []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, u := range relays {
		if c.relays[u] {
			out = append(out, u)
		}
	}
	return out
}

// fresh reports whether every relay was probed within the TTL.
func (c *relayCaps) fresh(relays []string, now int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now-c.probedAt >= int64(relayCapsTTL/time.Second) {
		return false
	}
	for _, u := range relays {
		if _, ok := c.relays[u]; !ok {
			return false
		}
	}
	return true
}

func (c *relayCaps) update(results map[string]bool, now int64) relayCapsDoc {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relays = results
	c.probedAt = now
	return relayCapsDoc{ProbedAt: now, Relays: results}
}

// startProber runs the first probe (unless persisted results are fresh) and
// then re-probes every relayCapsTTL.
func (a *App) startProber() {
	a.probeStop = make(chan struct{})
	a.probeDone = make(chan struct{})

	go func() {
		defer close(a.probeDone)

		if !a.caps.fresh(a.probeTargets(), time.Now().Unix()) {
			a.probeOnce(context.Background())
		}

		tick := time.NewTicker(relayCapsTTL)
		defer tick.Stop()
		for {
			select {
			case <-a.probeStop:
				return
			case <-tick.C:
				a.probeOnce(context.Background())
			}
		}
	}()
}

func (a *App) stopProber() {
	if a.probeStop == nil {
		return
	}
	close(a.probeStop)
	<-a.probeDone
	a.probeStop = nil
}

// probeTargets is the union of mailbox and publish relays, in config order.
func (a *App) probeTargets() []string {
	seen := make(map[string]bool)
	var out []string
	for _, u := range append(append([]string{}, a.cfg.Relays...), a.cfg.PublishRelays...) {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

func (a *App) probeOnce(ctx context.Context) {
	targets := a.probeTargets()
	results := make(map[string]bool, len(targets))
	supported := 0
	for _, u := range targets {
		ok := a.probeRelay(ctx, u)
		results[u] = ok
		if ok {
			supported++
		} else {
			a.log.Info().Str("relay", u).Msg("relay does not answer #d filters")
		}
	}

	doc := a.caps.update(results, time.Now().Unix())
	if raw, err := json.Marshal(doc); err == nil {
		if err := a.appData.PutSetting(settingRelayCaps, string(raw)); err != nil {
			a.log.Warn().Err(err).Msg("relay caps persist failed")
		}
	}
	a.log.Info().Int("relays", len(targets)).Int("supported", supported).
		Msg("relay capability probe done")
}

// probeRelay publishes one throwaway kind-30078 shard and asks the same
// relay for it back by d-tag.
func (a *App) probeRelay(ctx context.Context, relayURL string) bool {
	d := probeDTagPrefix + uuid.NewString()[:8]
	ev := &nostr.Event{
		PubKey:    a.dvm.PubKey,
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindAppData,
		Tags:      [][]string{{"d", d}},
		Content:   "",
	}
	if err := ev.Sign(a.dvm.Priv); err != nil {
		return false
	}

	pubCtx, cancel := context.WithTimeout(ctx, probePublishTimeout)
	defer cancel()
	resp, err := a.pool.Publish(pubCtx, relayURL, ev)
	if err != nil || !resp.Success {
		return false
	}

	got := a.pool.Fetch(pubCtx, []string{relayURL}, nostr.Filter{
		Kinds:   []int{nostr.KindAppData},
		Authors: []string{a.dvm.PubKey},
		DTags:   []string{d},
		Limit:   1,
	}, relay.FetchOpts{MaxEvents: 1})
	return len(got) > 0
}
