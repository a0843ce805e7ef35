package cache

import (
	"context"
	"encoding/json"
	"time"
)

// cachedRelayList wraps a relay list with a not-found marker so absence is
// cached too, at a shorter TTL.
type cachedRelayList struct {
	Relays   []string `json:"relays"`
	NotFound bool     `json:"not_found"`
}

// RelayListCache caches per-user DM inbox relay lists on any Backend.
type RelayListCache struct {
	backend     Backend
	ttl         time.Duration
	notFoundTTL time.Duration
}

// NewRelayListCache wires a typed relay-list view over a backend.
func NewRelayListCache(backend Backend, cfg Config) *RelayListCache {
	return &RelayListCache{
		backend:     backend,
		ttl:         cfg.RelayListTTL,
		notFoundTTL: cfg.RelayListNotFoundTTL,
	}
}

// Get returns (relays, cached). A cached not-found yields (nil, true).
func (c *RelayListCache) Get(ctx context.Context, pubkey string) ([]string, bool) {
	data, found, err := c.backend.Get(ctx, "inbox:"+pubkey)
	if err != nil || !found {
		return nil, false
	}
	var cached cachedRelayList
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, false
	}
	if cached.NotFound {
		return nil, true
	}
	return cached.Relays, true
}

// Set stores a positive result.
func (c *RelayListCache) Set(ctx context.Context, pubkey string, relays []string) {
	data, err := json.Marshal(cachedRelayList{Relays: relays})
	if err != nil {
		return
	}
	_ = c.backend.Set(ctx, "inbox:"+pubkey, data, c.ttl)
}

// Invalidate drops the cached entry so the next lookup re-queries. Explicit
// DM retries use this to re-discover inboxes that were cached as missing.
func (c *RelayListCache) Invalidate(ctx context.Context, pubkey string) {
	_ = c.backend.Delete(ctx, "inbox:"+pubkey)
}

// SetNotFound stores a negative result with the shorter TTL.
func (c *RelayListCache) SetNotFound(ctx context.Context, pubkey string) {
	data, err := json.Marshal(cachedRelayList{NotFound: true})
	if err != nil {
		return
	}
	_ = c.backend.Set(ctx, "inbox:"+pubkey, data, c.notFoundTTL)
}
