package support

import (
	"errors"

	"pidgeon-dvm/internal/metrics"
	"pidgeon-dvm/internal/nostr"
	"pidgeon-dvm/internal/store"
)

// Gate rejection reasons.
const (
	ReasonHorizon = "horizon"
	ReasonFeature = "feature"
	ReasonWindow  = "window"
)

// Feature names the gate policy keys on.
const (
	FeatureNote   = "note"
	FeatureRepost = "repost"
	FeatureQuote  = "quote"
	FeatureDM     = "dm17"
)

// ErrGateRejected matches any gate refusal via errors.Is.
var ErrGateRejected = errors.New("schedule gated")

// GateError reports a gate refusal. When returned the prompt has already
// been persisted and a mailbox flush queued.
type GateError struct {
	Reason  string
	Feature string
}

func (e *GateError) Error() string {
	return "gated: " + e.Reason + " (" + e.Feature + ")"
}

func (e *GateError) Is(target error) bool { return target == ErrGateRejected }

// ClassifyNote maps a signed inner event to its gate feature: a q-tag makes
// it a quote, kind 6 a repost, anything else a plain note.
func ClassifyNote(ev *nostr.Event) string {
	if ev.Tag("q") != nil {
		return FeatureQuote
	}
	if ev.Kind == nostr.KindRepost {
		return FeatureRepost
	}
	return FeatureNote
}

// CheckSchedule evaluates the gates for one schedule attempt. nil means the
// attempt may proceed; a *GateError means it was refused, a prompt written,
// and a flush queued. scheduledAt is the due time in unix seconds; allowFree
// is the client's cap.allowFree escape hatch.
func (e *Engine) CheckSchedule(pubkey, feature string, scheduledAt int64, allowFree bool) error {
	now := e.now()

	// Looked up ahead of the transaction so a rejection can point the
	// client at an invoice that is already awaiting payment.
	activeInvoiceID := ""
	if e.backend != nil {
		if inv, err := e.app.ActivePendingInvoice(pubkey); err == nil && (inv.ExpiresAt == 0 || inv.ExpiresAt > now) {
			activeInvoiceID = inv.ID
		}
	}

	var rejected *GateError
	_, err := e.app.MutateSupportState(pubkey, func(st *store.SupportState) error {
		reason := e.gateReason(st, feature, scheduledAt, now)
		if reason == "" {
			return nil
		}

		if st.IsSupporter(now) || st.ScheduleCount < st.FreeUntilCount {
			st.GatePrompt = nil
			return nil
		}
		if allowFree {
			grantFreeWindow(st, e.policy.WindowSchedules)
			st.GatePrompt = nil
			return nil
		}

		st.GatePrompt = &store.GatePrompt{
			Reason:    reason,
			Feature:   feature,
			Message:   e.policy.CTAMessage,
			Lud16:     e.policy.CTALud16,
			Sats:      e.policy.invoiceSats(),
			InvoiceID: activeInvoiceID,
			CreatedAt: now,
		}
		rejected = &GateError{Reason: reason, Feature: feature}
		return nil
	})
	if err != nil {
		return err
	}

	if rejected != nil {
		metrics.GateRejections.WithLabelValues(rejected.Reason).Inc()
		e.log.Info().
			Str("user", nostr.ShortID(pubkey)).
			Str("reason", rejected.Reason).
			Str("feature", feature).
			Msg("schedule gated")
		e.flusher.QueueFlush(pubkey)
		return rejected
	}
	return nil
}

// RecordScheduled advances the counters after a job was accepted and stored.
// The first schedule arms the recurring window prompt.
func (e *Engine) RecordScheduled(pubkey string) error {
	_, err := e.app.MutateSupportState(pubkey, func(st *store.SupportState) error {
		st.ScheduleCount++
		if st.NextPromptAtCount == 0 && e.policy.WindowSchedules > 0 {
			st.NextPromptAtCount = int64(e.policy.WindowSchedules)
		}
		return nil
	})
	return err
}

// gateReason names the first gate the attempt trips, or "" when ungated.
func (e *Engine) gateReason(st *store.SupportState, feature string, scheduledAt, now int64) string {
	if e.policy.HorizonDays > 0 && scheduledAt > now+int64(e.policy.HorizonDays)*86400 {
		return ReasonHorizon
	}
	if e.policy.GatedFeatures[feature] {
		return ReasonFeature
	}
	if st.NextPromptAtCount > 0 && st.ScheduleCount >= st.NextPromptAtCount {
		return ReasonWindow
	}
	return ""
}

// grantFreeWindow extends the free allowance by one window from the current
// schedule count. Never shrinks an existing grant.
func grantFreeWindow(st *store.SupportState, windowSchedules int) {
	until := st.ScheduleCount + int64(windowSchedules)
	if until > st.FreeUntilCount {
		st.FreeUntilCount = until
	}
}
