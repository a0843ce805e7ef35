package cache

import "time"

// Config holds cache TTLs.
type Config struct {
	// Inbox relay lists (kind 10050). Negative entries keep the DM
	// publisher from hammering indexers for users without a relay list.
	RelayListTTL         time.Duration
	RelayListNotFoundTTL time.Duration

	// Relay #d-filter capability probe results.
	RelayCapsTTL time.Duration

	// LNURL-pay endpoint info per lud16 address.
	LNURLInfoTTL         time.Duration
	LNURLInfoNotFoundTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RelayListTTL:         1 * time.Hour,
		RelayListNotFoundTTL: 5 * time.Minute,
		RelayCapsTTL:         6 * time.Hour,
		LNURLInfoTTL:         30 * time.Minute,
		LNURLInfoNotFoundTTL: 5 * time.Minute,
	}
}
