// Package support enforces the scheduling gates and runs the supporter
// payment lifecycle: gate evaluation on every schedule attempt, invoice
// creation over LNURL-pay or Nostr Wallet Connect, and a background poller
// that grants supporter status once an invoice settles.
package support

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pidgeon-dvm/internal/logging"
	"pidgeon-dvm/internal/relay"
	"pidgeon-dvm/internal/store"
)

// FlushQueuer debounces a mailbox rebuild for one user. Implemented by the
// mailbox flusher.
type FlushQueuer interface {
	QueueFlush(pubkey string)
}

// Payment modes.
const (
	PaymentNone  = "none"
	PaymentLNURL = "lnurl_verify"
	PaymentNWC   = "nwc"
)

// maxInvoiceSats caps any synthesized invoice regardless of policy.
const maxInvoiceSats = 10_000_000

// Policy is the process-wide gating and payment configuration.
type Policy struct {
	// HorizonDays gates schedules further out than this many days. Zero
	// disables the horizon gate.
	HorizonDays int
	// WindowSchedules sizes the free window granted by "use free" and the
	// cadence of the recurring prompt.
	WindowSchedules int
	// GatedFeatures always require supporter status or free allowance.
	GatedFeatures map[string]bool

	// CTALud16 and CTAMessage are surfaced on gate prompts so clients can
	// render the call to action.
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

	// AllowLocal permits plain-http and loopback payment endpoints for
	// load testing.
	AllowLocal bool
}

func (p Policy) invoiceTTL() time.Duration {
	if p.InvoiceTTL <= 0 {
		return time.Hour
	}
	return p.InvoiceTTL
}

func (p Policy) verifyPoll() time.Duration {
	if p.VerifyPoll <= 0 {
		return 20 * time.Second
	}
	return p.VerifyPoll
}

func (p Policy) verifyTimeout() time.Duration {
	if p.VerifyTimeout <= 0 {
		return 5 * time.Second
	}
	return p.VerifyTimeout
}

// invoiceSats is the synthesized invoice amount after the policy clamps.
func (p Policy) invoiceSats() int64 {
	sats := p.InvoiceSats
	if sats <= 0 {
		sats = 5000
	}
	if sats < p.MinSats {
		sats = p.MinSats
	}
	if sats > maxInvoiceSats {
		sats = maxInvoiceSats
	}
	return sats
}

// createdInvoice is a freshly issued bolt11 invoice plus the handle the
// poller uses to observe settlement.
type createdInvoice struct {
	PR        string
	VerifyURL string // LNURL-verify endpoint or "nwc:<payment_hash>"
	Sats      int64
}

// verifyStatus is one settlement probe result.
type verifyStatus struct {
	Settled  bool
	Preimage string
}

// invoiceBackend abstracts the LNURL and NWC payment paths.
type invoiceBackend interface {
	CreateInvoice(ctx context.Context, amountSats int64, memo string, ttl time.Duration) (*createdInvoice, error)
	CheckInvoice(ctx context.Context, verifyURL string) (*verifyStatus, error)
}

// Engine applies the gates and drives the invoice lifecycle. One instance
// serves the whole process.
type Engine struct {
	app     *store.AppDataStore
	flusher FlushQueuer
	policy  Policy
	backend invoiceBackend

	log zerolog.Logger
	now func() int64
}

// New wires the engine and its payment backend. pool is only dialed in NWC
// mode and may be nil otherwise.
func New(app *store.AppDataStore, flusher FlushQueuer, pool *relay.Pool, policy Policy) (*Engine, error) {
	e := &Engine{
		app:     app,
		flusher: flusher,
		policy:  policy,
		log:     logging.WithComponent("support"),
		now:     func() int64 { return time.Now().Unix() },
	}

	switch policy.PaymentMode {
	case "", PaymentNone:
	case PaymentLNURL:
		if policy.CTALud16 == "" {
			return nil, errors.New("lnurl_verify mode requires a lud16 address")
		}
		e.backend = newLNURLBackend(policy.CTALud16, policy.verifyTimeout(), policy.AllowLocal)
	case PaymentNWC:
		nb, err := newNWCBackend(policy.NWCURI, pool)
		if err != nil {
			return nil, fmt.Errorf("nwc backend: %w", err)
		}
		e.backend = nb
	default:
		return nil, fmt.Errorf("unknown payment mode %q", policy.PaymentMode)
	}

	return e, nil
}

func (e *Engine) invoiceMemo() string {
	if e.policy.CTAMessage != "" {
		return e.policy.CTAMessage
	}
	return "pidgeon supporter"
}
