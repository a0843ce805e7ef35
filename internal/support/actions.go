package support

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"pidgeon-dvm/internal/metrics"
	"pidgeon-dvm/internal/nostr"
	"pidgeon-dvm/internal/store"
)

// Action names accepted on kind-5910 support requests.
const (
	ActionUseFree      = "use_free"
	ActionMaybeLater   = "maybe_later"
	ActionSupport      = "support"
	ActionCheckInvoice = "check_invoice"
)

// Apply executes one user-initiated support action and queues a mailbox
// flush so the outcome is visible on the next ledger build. invoiceID is
// only consulted by check_invoice and may be empty.
func (e *Engine) Apply(ctx context.Context, pubkey, action, invoiceID string) error {
	var err error
	switch action {
	case ActionUseFree:
		err = e.actionUseFree(pubkey)
	case ActionMaybeLater:
		err = e.actionMaybeLater(pubkey)
	case ActionSupport:
		err = e.actionSupport(ctx, pubkey)
	case ActionCheckInvoice:
		err = e.actionCheckInvoice(ctx, pubkey, invoiceID)
	default:
		return fmt.Errorf("unknown support action %q", action)
	}
	if err != nil {
		return err
	}

	e.log.Debug().Str("user", nostr.ShortID(pubkey)).Str("action", action).Msg("support action applied")
	e.flusher.QueueFlush(pubkey)
	return nil
}

// actionUseFree grants one free window and dismisses the prompt.
func (e *Engine) actionUseFree(pubkey string) error {
	_, err := e.app.MutateSupportState(pubkey, func(st *store.SupportState) error {
		grantFreeWindow(st, e.policy.WindowSchedules)
		st.GatePrompt = nil
		return nil
	})
	return err
}

// actionMaybeLater defers the next window prompt without granting allowance.
func (e *Engine) actionMaybeLater(pubkey string) error {
	_, err := e.app.MutateSupportState(pubkey, func(st *store.SupportState) error {
		st.NextPromptAtCount = st.ScheduleCount + int64(e.policy.WindowSchedules)
		st.GatePrompt = nil
		return nil
	})
	return err
}

// actionSupport ensures a pending invoice exists for the user and surfaces
// it on the gate prompt. With payments disabled the CTA lud16 on the prompt
// is the whole payment path and nothing is synthesized.
func (e *Engine) actionSupport(ctx context.Context, pubkey string) error {
	if e.backend == nil {
		e.log.Debug().Str("user", nostr.ShortID(pubkey)).Msg("support action with payments disabled")
		return nil
	}

	now := e.now()
	inv, err := e.app.ActivePendingInvoice(pubkey)
	switch {
	case err == nil && (inv.ExpiresAt == 0 || inv.ExpiresAt > now):
		// Reuse the invoice already awaiting payment.
	case err != nil && err != store.ErrNotFound:
		return err
	default:
		created, err := e.backend.CreateInvoice(ctx, e.policy.invoiceSats(), e.invoiceMemo(), e.policy.invoiceTTL())
		if err != nil {
			return fmt.Errorf("create invoice: %w", err)
		}
		inv = &store.Invoice{
			ID:        uuid.NewString(),
			Pubkey:    pubkey,
			PR:        created.PR,
			VerifyURL: created.VerifyURL,
			Sats:      created.Sats,
			Status:    store.InvoicePending,
			CreatedAt: now,
			ExpiresAt: now + int64(e.policy.invoiceTTL().Seconds()),
		}
		if err := e.app.InsertInvoice(inv); err != nil {
			return err
		}
		e.log.Info().
			Str("user", nostr.ShortID(pubkey)).
			Str("invoice", inv.ID).
			Int64("sats", inv.Sats).
			Msg("support invoice issued")
	}

	_, err = e.app.MutateSupportState(pubkey, func(st *store.SupportState) error {
		if st.GatePrompt != nil {
			st.GatePrompt.InvoiceID = inv.ID
			st.GatePrompt.Sats = inv.Sats
		}
		return nil
	})
	return err
}

// actionCheckInvoice verifies one invoice on demand instead of waiting for
// the poller. Requests against someone else's invoice are refused.
func (e *Engine) actionCheckInvoice(ctx context.Context, pubkey, invoiceID string) error {
	var inv *store.Invoice
	var err error
	if invoiceID != "" {
		inv, err = e.app.GetInvoice(invoiceID)
		if err == nil && inv.Pubkey != pubkey {
			return store.ErrNotFound
		}
	} else {
		inv, err = e.app.ActivePendingInvoice(pubkey)
	}
	if err != nil {
		return err
	}
	if inv.Status != store.InvoicePending || e.backend == nil {
		return nil
	}
	return e.verifyInvoice(ctx, inv)
}

// verifyInvoice probes one pending invoice and applies the outcome. Probe
// failures are recorded on the row and do not fail the caller.
func (e *Engine) verifyInvoice(ctx context.Context, inv *store.Invoice) error {
	status, err := e.backend.CheckInvoice(ctx, inv.VerifyURL)
	inv.LastCheckAt = e.now()
	if err != nil {
		inv.LastError = err.Error()
		e.log.Warn().Str("invoice", inv.ID).Err(err).Msg("invoice verify failed")
		return e.app.UpdateInvoice(inv)
	}
	inv.LastError = ""
	if !status.Settled {
		return e.app.UpdateInvoice(inv)
	}
	return e.settleInvoice(inv, status.Preimage)
}

// settleInvoice marks the invoice settled and, when the amount qualifies,
// grants the supporter window and clears any prompt.
func (e *Engine) settleInvoice(inv *store.Invoice, preimage string) error {
	now := e.now()
	inv.Status = store.InvoiceSettled
	inv.SettledAt = now
	inv.Preimage = preimage
	if err := e.app.UpdateInvoice(inv); err != nil {
		return err
	}
	metrics.InvoicesSettled.Inc()

	if inv.Sats >= e.policy.MinSats {
		_, err := e.app.MutateSupportState(inv.Pubkey, func(st *store.SupportState) error {
			until := now + int64(e.policy.SupporterDays)*86400
			if until > st.SupporterUntil {
				st.SupporterUntil = until
			}
			st.GatePrompt = nil
			return nil
		})
		if err != nil {
			return err
		}
	}

	e.log.Info().
		Str("user", nostr.ShortID(inv.Pubkey)).
		Str("invoice", inv.ID).
		Int64("sats", inv.Sats).
		Msg("support invoice settled")
	e.flusher.QueueFlush(inv.Pubkey)
	return nil
}
