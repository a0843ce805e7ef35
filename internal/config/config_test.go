package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "67dea2ed018072d675f5415ecfaed7d2597555e202d85b3d65ea4e58d2d92ffa"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DVM_SECRET", testSecret)
	t.Setenv("DVM_RELAYS", "wss://relay.example.com")

	cfg := Load()
	require.NoError(t, cfg.Validate())

	require.Equal(t, 4, cfg.RequestConcurrency)
	require.Equal(t, 3000, cfg.RequestQueueCap)
	require.Equal(t, 500*time.Millisecond, cfg.MailboxDebounce)
	require.Equal(t, 1, cfg.MailboxFlushWorkers)
	require.Equal(t, 24*1024, cfg.MailboxPlaintextTarget)
	require.Equal(t, "none", cfg.Support.PaymentMode)
	require.Equal(t, 10, cfg.Support.WindowSchedules)
	require.Len(t, cfg.Secret, 32)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DVM_SECRET", testSecret)
	t.Setenv("DVM_RELAYS", "wss://r1.example.com, wss://r2.example.com")
	t.Setenv("DVM_PUBLISH_RELAYS", "wss://pub.example.com")
	t.Setenv("MAILBOX_DEBOUNCE_MS", "250")
	t.Setenv("MAILBOX_FLUSH_WORKERS", "3")
	t.Setenv("DVM_REQUEST_CONCURRENCY", "8")
	t.Setenv("DVM_SUPPORT_HORIZON_DAYS", "30")
	t.Setenv("DVM_SUPPORT_GATED_FEATURES", "dm17,Quote")

	cfg := Load()
	require.NoError(t, cfg.Validate())

	require.Equal(t, []string{"wss://r1.example.com", "wss://r2.example.com"}, cfg.Relays)
	require.Equal(t, []string{"wss://pub.example.com"}, cfg.PublishRelays)
	require.Equal(t, 250*time.Millisecond, cfg.MailboxDebounce)
	require.Equal(t, 3, cfg.MailboxFlushWorkers)
	require.Equal(t, 8, cfg.RequestConcurrency)
	require.Equal(t, 30, cfg.Support.HorizonDays)
	require.True(t, cfg.Support.GatedFeatures["dm17"])
	require.True(t, cfg.Support.GatedFeatures["quote"])
}

func TestValidateRequiresSecret(t *testing.T) {
	t.Setenv("DVM_SECRET", "")
	t.Setenv("DVM_RELAYS", "wss://relay.example.com")

	cfg := Load()
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresRelay(t *testing.T) {
	t.Setenv("DVM_SECRET", testSecret)
	t.Setenv("DVM_RELAYS", "")

	cfg := Load()
	require.Error(t, cfg.Validate())
}

func TestValidateDropsInvalidRelays(t *testing.T) {
	t.Setenv("DVM_SECRET", testSecret)
	t.Setenv("DVM_RELAYS", "https://not-ws.example.com,wss://good.example.com")

	cfg := Load()
	require.NoError(t, cfg.Validate())
	require.Equal(t, []string{"wss://good.example.com"}, cfg.Relays)
}

func TestPublishRelaysDefaultToDVMRelays(t *testing.T) {
	t.Setenv("DVM_SECRET", testSecret)
	t.Setenv("DVM_RELAYS", "wss://relay.example.com")
	t.Setenv("DVM_PUBLISH_RELAYS", "")

	cfg := Load()
	require.NoError(t, cfg.Validate())
	require.Equal(t, cfg.Relays, cfg.PublishRelays)
}

func TestLoadtestRefusesPublicRelays(t *testing.T) {
	t.Setenv("DVM_SECRET", testSecret)
	t.Setenv("DVM_RELAYS", "wss://relay.example.com")
	t.Setenv("DVM_LOADTEST", "true")

	cfg := Load()
	require.Error(t, cfg.Validate())
}

func TestLoadtestAllowsLocalhost(t *testing.T) {
	t.Setenv("DVM_SECRET", testSecret)
	t.Setenv("DVM_RELAYS", "ws://localhost:7777")
	t.Setenv("DVM_LOADTEST", "1")

	cfg := Load()
	require.NoError(t, cfg.Validate())
	require.Equal(t, []string{"ws://localhost:7777"}, cfg.Relays)
}

func TestValidateRejectsUnknownPaymentMode(t *testing.T) {
	t.Setenv("DVM_SECRET", testSecret)
	t.Setenv("DVM_RELAYS", "wss://relay.example.com")
	t.Setenv("DVM_SUPPORT_PAYMENT_MODE", "cash")

	cfg := Load()
	require.Error(t, cfg.Validate())
}

func TestValidateNWCNeedsURI(t *testing.T) {
	t.Setenv("DVM_SECRET", testSecret)
	t.Setenv("DVM_RELAYS", "wss://relay.example.com")
	t.Setenv("DVM_SUPPORT_PAYMENT_MODE", "nwc")
	t.Setenv("DVM_SUPPORT_NWC_URI", "")

	cfg := Load()
	require.Error(t, cfg.Validate())

	t.Setenv("DVM_SUPPORT_NWC_URI", "nostr+walletconnect://abc?relay=wss://r&secret=s")
	cfg = Load()
	require.NoError(t, cfg.Validate())
}

func TestSecretAcceptsNsec(t *testing.T) {
	t.Setenv("DVM_SECRET", "nsec1vl029mgpspedva04g90vltkh6fvh240zqtv9k0t9af8935ke9laqsnlfe5")
	t.Setenv("DVM_RELAYS", "wss://relay.example.com")

	cfg := Load()
	require.NoError(t, cfg.Validate())
	require.Len(t, cfg.Secret, 32)
}
