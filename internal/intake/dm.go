package intake

import (
	"encoding/json"
	"errors"
	"fmt"

	"pidgeon-dvm/internal/keys"
	"pidgeon-dvm/internal/nostr"
	"pidgeon-dvm/internal/store"
	"pidgeon-dvm/internal/support"
	"pidgeon-dvm/internal/wrap"
)

// maxDMRecipients bounds one DM job's fan-out.
const maxDMRecipients = 100

const dmPayloadType = "dm17"

// handleScheduleDM validates a kind-5906 bundle of pre-sealed envelopes and
// registers it as a DM job. The DVM never sees the DM plaintext; it checks
// envelope shape and authorship only.
func (in *Intake) handleScheduleDM(rumor *nostr.Event, requester string) error {
	plain, err := in.decryptPayload(requester, rumor.Content, func(uk *keys.UserKeys) []byte { return uk.DM })
	if err != nil {
		return err
	}

	var dm store.DMPayload
	if err := json.Unmarshal(plain, &dm); err != nil {
		return invalid("dm_payload", fmt.Errorf("dm payload: %w", err))
	}
	if dm.Type != dmPayloadType {
		return invalid("dm_payload", fmt.Errorf("unsupported dm payload type %q", dm.Type))
	}
	if dm.ScheduledAt <= 0 {
		return invalid("dm_payload", errors.New("dm payload has no scheduledAt"))
	}
	if dm.DM.DMEnc == "" {
		return invalid("dm_payload", errors.New("dm payload has no dmEnc"))
	}
	if len(dm.Recipients) == 0 {
		return invalid("dm_payload", errors.New("dm payload has no recipients"))
	}
	if len(dm.Recipients) > maxDMRecipients {
		return invalid("dm_payload", fmt.Errorf("dm payload has %d recipients, max %d", len(dm.Recipients), maxDMRecipients))
	}

	seen := make(map[string]bool, len(dm.Recipients))
	for _, rcpt := range dm.Recipients {
		if rcpt == nil {
			return invalid("dm_payload", errors.New("dm payload has a null recipient"))
		}
		if seen[rcpt.Pubkey] {
			return invalid("dm_payload", errors.New("dm payload repeats a recipient"))
		}
		seen[rcpt.Pubkey] = true
		if err := checkDMEnvelope(rcpt, requester); err != nil {
			return err
		}
	}
	if dm.SenderCopy != nil {
		if err := checkDMEnvelope(dm.SenderCopy, requester); err != nil {
			return err
		}
	}

	if err := in.gate.CheckSchedule(requester, support.FeatureDM, dm.ScheduledAt, false); err != nil {
		return err
	}

	job := &store.Job{
		ID:              rumor.ID,
		RequesterPubkey: requester,
		DVMPubkey:       in.dvm.PubKey,
		ScheduledAt:     dm.ScheduledAt,
		Status:          store.StatusScheduled,
		Payload:         store.NewDMPayload(&dm),
	}
	return in.registerJob(job, support.FeatureDM)
}

// checkDMEnvelope validates one recipient entry and resets any delivery state
// the client pre-filled. Wraps are always generated by the publisher.
func checkDMEnvelope(rcpt *store.DMRecipient, requester string) error {
	if !nostr.IsValidHexID(rcpt.Pubkey) {
		return invalid("dm_payload", errors.New("recipient pubkey is not 64-hex"))
	}
	if rcpt.Seal == nil {
		return invalid("dm_payload", errors.New("recipient has no seal"))
	}
	if err := wrap.ValidateSeal(rcpt.Seal); err != nil {
		return invalid("dm_payload", fmt.Errorf("recipient seal: %w", err))
	}
	if rcpt.Seal.PubKey != requester {
		return invalid("dm_payload", errors.New("recipient seal author does not match requester"))
	}

	rcpt.Wrap = nil
	rcpt.Status = store.RecipientPending
	rcpt.LastError = ""
	rcpt.RelaysUsed = nil
	rcpt.AttemptedRelays = nil
	return nil
}

// retryPayload is the kind-5907 plaintext.
type retryPayload struct {
	JobID string `json:"jobId"`
}

// handleRetryDM re-enters the publisher for a failed DM job the requester
// owns. Refusals are not user errors worth warning about.
func (in *Intake) handleRetryDM(rumor *nostr.Event, requester string) error {
	plain, err := in.decryptPayload(requester, rumor.Content, func(uk *keys.UserKeys) []byte { return uk.DM })
	if err != nil {
		return err
	}

	var req retryPayload
	if err := json.Unmarshal(plain, &req); err != nil {
		return invalid("retry", fmt.Errorf("retry payload: %w", err))
	}
	if !nostr.IsValidHexID(req.JobID) {
		return invalid("retry", errors.New("retry payload has no valid jobId"))
	}

	if err := in.disp.RetryDM(req.JobID, requester); err != nil {
		return fmt.Errorf("%w: retry %s: %s", errDropSilently, nostr.ShortID(req.JobID), err)
	}
	return nil
}
