// Package config assembles runtime configuration from environment variables
// (optionally via a .env file) with CLI flags layered on top by the command.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"pidgeon-dvm/internal/nostr"
)

// Config is the full runtime configuration of the daemon.
type Config struct {
	Secret []byte // 32-byte service key, from DVM_SECRET or --secret

	Name    string
	About   string
	Picture string

	Relays        []string // inbound subscription + capsule publishing
	IndexerRelays []string // broad-coverage read relays for lookups
	PublishRelays []string // default targets for user events

	DataDir  string
	Loadtest bool // permits localhost relays, disables outbound TLS checks

	RequestConcurrency int
	RequestQueueCap    int
	MaxPublishRelays   int

	MailboxDebounce           time.Duration
	MailboxFlushWorkers       int
	MailboxRetryMax           time.Duration
	MailboxPublishConcurrency int
	MailboxPlaintextTarget    int

	DBBusyTimeout time.Duration
	KeyCacheSize  int

	LogLevel string
	LogJSON  bool

	MetricsAddr string
	RedisURL    string // optional shared cache backend

	Support SupportPolicy
}

// SupportPolicy is the process-wide gating and payment policy.
type SupportPolicy struct {
	HorizonDays     int
	WindowSchedules int
	GatedFeatures   map[string]bool

	CTALud16   string
	CTAMessage string

	PaymentMode   string // "none", "lnurl_verify" or "nwc"
	InvoiceSats   int64
	MinSats       int64
	SupporterDays int
	InvoiceTTL    time.Duration
	VerifyPoll    time.Duration
	VerifyTimeout time.Duration
	NWCURI        string
}

// Load reads .env (if present) and the environment. Flags are applied by the
// caller afterwards; Validate runs last.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Name:    getEnv("DVM_NAME", "pidgeon"),
		About:   getEnv("DVM_ABOUT", "Scheduled publishing DVM"),
		Picture: getEnv("DVM_PICTURE", ""),

		Relays:        splitList(os.Getenv("DVM_RELAYS")),
		IndexerRelays: splitList(os.Getenv("INDEXER_RELAYS")),
		PublishRelays: splitList(os.Getenv("DVM_PUBLISH_RELAYS")),

		DataDir:  getEnv("DATA_DIR", "./data"),
		Loadtest: getEnvBool("DVM_LOADTEST", false),

		RequestConcurrency: getEnvInt("DVM_REQUEST_CONCURRENCY", 4),
		RequestQueueCap:    getEnvInt("DVM_REQUEST_QUEUE_CAP", 3000),
		MaxPublishRelays:   getEnvInt("DVM_MAX_PUBLISH_RELAYS", 15),

		MailboxDebounce:           getEnvMillis("MAILBOX_DEBOUNCE_MS", 500*time.Millisecond),
		MailboxFlushWorkers:       getEnvInt("MAILBOX_FLUSH_WORKERS", 1),
		MailboxRetryMax:           getEnvMillis("MAILBOX_RETRY_MAX_MS", 10*time.Second),
		MailboxPublishConcurrency: getEnvInt("MAILBOX_PUBLISH_CONCURRENCY", 4),
		MailboxPlaintextTarget:    getEnvInt("MAILBOX_PLAINTEXT_TARGET", 24*1024),

		DBBusyTimeout: getEnvMillis("DB_BUSY_TIMEOUT_MS", 5*time.Second),
		KeyCacheSize:  getEnvInt("KEY_CACHE_SIZE", 2048),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogJSON:  getEnvBool("LOG_JSON", false),

		MetricsAddr: getEnv("METRICS_ADDR", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		Support: loadSupportPolicy(),
	}

	if secret := os.Getenv("DVM_SECRET"); secret != "" {
		if raw, err := nostr.ParseSecretKey(secret); err == nil {
			cfg.Secret = raw
		}
	}

	return cfg
}

func loadSupportPolicy() SupportPolicy {
	gated := map[string]bool{}
	for _, f := range splitList(os.Getenv("DVM_SUPPORT_GATED_FEATURES")) {
		gated[strings.ToLower(f)] = true
	}

	return SupportPolicy{
		HorizonDays:     getEnvInt("DVM_SUPPORT_HORIZON_DAYS", 0),
		WindowSchedules: getEnvInt("DVM_SUPPORT_WINDOW_SCHEDULES", 10),
		GatedFeatures:   gated,

		CTALud16:   getEnv("DVM_SUPPORT_LUD16", ""),
		CTAMessage: getEnv("DVM_SUPPORT_MESSAGE", ""),

		PaymentMode:   getEnv("DVM_SUPPORT_PAYMENT_MODE", "none"),
		InvoiceSats:   getEnvInt64("DVM_SUPPORT_INVOICE_SATS", 5000),
		MinSats:       getEnvInt64("DVM_SUPPORT_MIN_SATS", 1000),
		SupporterDays: getEnvInt("DVM_SUPPORT_SUPPORTER_DAYS", 30),
		InvoiceTTL:    getEnvSeconds("DVM_SUPPORT_INVOICE_TTL_SEC", time.Hour),
		VerifyPoll:    getEnvSeconds("DVM_SUPPORT_VERIFY_POLL_SEC", 20*time.Second),
		VerifyTimeout: getEnvMillis("DVM_SUPPORT_VERIFY_TIMEOUT_MS", 5*time.Second),
		NWCURI:        getEnv("DVM_SUPPORT_NWC_URI", ""),
	}
}

// Validate normalizes relay lists and rejects configurations the daemon
// cannot start with. Called after flag overrides.
func (c *Config) Validate() error {
	if len(c.Secret) != 32 {
		return errors.New("DVM_SECRET (or --secret) is required: 64-char hex or nsec")
	}

	c.Relays = nostr.SanitizeRelayList(c.Relays, c.Loadtest)
	if len(c.Relays) == 0 {
		return errors.New("at least one valid DVM relay is required")
	}

	c.IndexerRelays = nostr.SanitizeRelayList(c.IndexerRelays, c.Loadtest)
	if len(c.IndexerRelays) == 0 {
		c.IndexerRelays = defaultIndexerRelays(c.Loadtest)
	}

	c.PublishRelays = nostr.SanitizeRelayList(c.PublishRelays, c.Loadtest)
	if len(c.PublishRelays) == 0 {
		c.PublishRelays = c.Relays
	}

	if c.Loadtest {
		for _, r := range c.Relays {
			if !isLocalURL(r) {
				return fmt.Errorf("loadtest mode refuses non-localhost relay %s", r)
			}
		}
	}

	switch c.Support.PaymentMode {
	case "none", "lnurl_verify", "nwc":
	default:
		return fmt.Errorf("unknown payment mode %q", c.Support.PaymentMode)
	}
	if c.Support.PaymentMode == "nwc" && c.Support.NWCURI == "" {
		return errors.New("payment mode nwc requires DVM_SUPPORT_NWC_URI")
	}

	if c.RequestConcurrency < 1 {
		c.RequestConcurrency = 1
	}
	if c.MailboxFlushWorkers < 1 {
		c.MailboxFlushWorkers = 1
	}
	if c.MailboxPublishConcurrency < 1 {
		c.MailboxPublishConcurrency = 1
	}

	return nil
}

func defaultIndexerRelays(loadtest bool) []string {
	if loadtest {
		return nil
	}
	return []string{
		"wss://relay.nostr.band",
		"wss://relay.damus.io",
		"wss://nos.lol",
	}
}

func isLocalURL(relayURL string) bool {
	return strings.Contains(relayURL, "://localhost") ||
		strings.Contains(relayURL, "://127.0.0.1") ||
		strings.Contains(relayURL, "://[::1]")
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvMillis(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
