package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pidgeon-dvm/internal/keys"
	"pidgeon-dvm/internal/metrics"
	"pidgeon-dvm/internal/nostr"
	"pidgeon-dvm/internal/support"
)

// repairPayload is the kind-5908 plaintext.
type repairPayload struct {
	Scope string `json:"scope,omitempty"`
}

// handleRepair enqueues a mailbox repair for the requester. The queue id
// collapses repeated requests to one outstanding repair per user.
func (in *Intake) handleRepair(rumor *nostr.Event, requester string) error {
	plain, err := in.decryptPayload(requester, rumor.Content, func(uk *keys.UserKeys) []byte { return uk.Submit })
	if err != nil {
		return err
	}

	var req repairPayload
	if err := json.Unmarshal(plain, &req); err != nil {
		return invalid("repair", fmt.Errorf("repair payload: %w", err))
	}

	scope := req.Scope
	if scope == "" {
		scope = "all"
	}
	in.requests.Submit("repair:"+requester, func() { in.runRepair(requester, scope) })
	return nil
}

func (in *Intake) runRepair(pubkey, scope string) {
	ctx, cancel := context.WithTimeout(context.Background(), repairTimeout)
	defer cancel()

	log := in.log.With().Str("user", nostr.ShortID(pubkey)).Str("scope", scope).Logger()
	report, err := in.repairer.Repair(ctx, pubkey, scope)
	if err != nil {
		log.Warn().Err(err).Msg("mailbox repair failed")
		return
	}
	if report.Skipped {
		log.Info().Str("reason", report.Reason).Msg("mailbox repair skipped")
		return
	}
	log.Info().Int("republished", len(report.Republished)).Msg("mailbox repair done")
}

// actionPayload is the kind-5910 plaintext.
type actionPayload struct {
	Action    string `json:"action"`
	InvoiceID string `json:"invoiceId,omitempty"`
}

// handleSupportAction parses a kind-5910 request. Pure state mutations run
// inline; actions that talk to the payment backend go through the bounded
// verify queue, deduplicated by invoice so poll storms collapse.
func (in *Intake) handleSupportAction(rumor *nostr.Event, requester string) error {
	plain, err := in.decryptPayload(requester, rumor.Content, func(uk *keys.UserKeys) []byte { return uk.Submit })
	if err != nil {
		return err
	}

	var req actionPayload
	if err := json.Unmarshal(plain, &req); err != nil {
		return invalid("action", fmt.Errorf("action payload: %w", err))
	}

	switch req.Action {
	case support.ActionUseFree, support.ActionMaybeLater:
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		if err := in.gate.Apply(ctx, requester, req.Action, ""); err != nil {
			return fmt.Errorf("apply %s: %w", req.Action, err)
		}
		return nil

	case support.ActionSupport, support.ActionCheckInvoice:
		dedup := req.InvoiceID
		if dedup == "" {
			dedup = "support:" + requester
		}
		action, invoiceID := req.Action, req.InvoiceID
		in.verify.Submit(dedup, func() { in.runSupportAction(requester, action, invoiceID) })
		metrics.QueueDepth.WithLabelValues("support-verify").Set(float64(in.verify.Len()))
		return nil

	default:
		return invalid("action", errors.New("unknown support action "+req.Action))
	}
}

func (in *Intake) runSupportAction(pubkey, action, invoiceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	if err := in.gate.Apply(ctx, pubkey, action, invoiceID); err != nil {
		in.log.Warn().Str("user", nostr.ShortID(pubkey)).Str("action", action).Err(err).
			Msg("support action failed")
	}
}
