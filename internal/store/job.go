package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"pidgeon-dvm/internal/nostr"
)

// Status is a job lifecycle state. Transitions form a DAG:
// scheduled -> {sent | error | canceled}; error -> scheduled again only for
// DM jobs via an explicit retry request.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusError     Status = "error"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether a job in this status is finished.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusError || s == StatusCanceled
}

// Job is one scheduled publish. ID is the inner rumor event id and
// deduplicates requests that arrive on multiple relays.
type Job struct {
	ID              string
	RequesterPubkey string
	DVMPubkey       string
	Relays          []string
	ScheduledAt     int64
	Status          Status
	Payload         Payload
	LastError       string
	CreatedAt       int64
	UpdatedAt       int64
}

// IsDM reports whether the job carries a DM bundle.
func (j *Job) IsDM() bool { return j.Payload.DM != nil }

// Payload is the job body: either a signed note/repost event or a DM bundle.
// Exactly one of Note and DM is set. On disk it is stored as JSON and
// dispatched on the "type" field ("dm17" selects the DM arm).
type Payload struct {
	Note *nostr.Event
	DM   *DMPayload
}

// DMPayload is a gift-wrapped DM job: pre-sealed per-recipient envelopes plus
// an encrypted preview the mailbox can show without the plaintext.
type DMPayload struct {
	Type        string         `json:"type"` // always "dm17"
	ScheduledAt int64          `json:"scheduledAt"`
	DM          DMBody         `json:"dm"`
	Recipients  []*DMRecipient `json:"recipients"`
	SenderCopy  *DMRecipient   `json:"senderCopy,omitempty"`
}

// DMBody carries the preview-key capsule reference and the encrypted DM
// content. Meta stays opaque so clients can evolve it without a migration.
type DMBody struct {
	PKVID string          `json:"pkv_id"`
	DMEnc string          `json:"dmEnc"`
	Meta  json.RawMessage `json:"meta,omitempty"`
}

// Per-recipient delivery states.
const (
	RecipientPending = "pending"
	RecipientSent    = "sent"
	RecipientError   = "error"
)

// DMRecipient tracks delivery to one inbox. Wrap is filled on the first
// publish attempt and reused on retries so the delivered event id is stable.
type DMRecipient struct {
	Pubkey          string       `json:"pubkey"`
	Seal            *nostr.Event `json:"seal"`
	Wrap            *nostr.Event `json:"wrap,omitempty"`
	Status          string       `json:"status"` // pending, sent, error
	LastError       string       `json:"lastError,omitempty"`
	RelaysUsed      []string     `json:"relaysUsed,omitempty"`
	AttemptedRelays []string     `json:"attemptedRelays,omitempty"`
}

// Sent reports whether this recipient's wrap landed on at least one relay.
func (r *DMRecipient) Sent() bool { return r.Status == RecipientSent }

const dmPayloadType = "dm17"

// MarshalJSON renders the active arm. Note payloads serialize as the bare
// signed event so older clients reading the mailbox keep working.
func (p Payload) MarshalJSON() ([]byte, error) {
	switch {
	case p.DM != nil:
		p.DM.Type = dmPayloadType
		return json.Marshal(p.DM)
	case p.Note != nil:
		return json.Marshal(p.Note)
	default:
		return nil, errors.New("empty job payload")
	}
}

// UnmarshalJSON dispatches on the "type" field.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("payload probe: %w", err)
	}

	if probe.Type == dmPayloadType {
		var dm DMPayload
		if err := json.Unmarshal(data, &dm); err != nil {
			return fmt.Errorf("dm payload: %w", err)
		}
		p.DM = &dm
		p.Note = nil
		return nil
	}

	ev, err := nostr.ParseEvent(data)
	if err != nil {
		return fmt.Errorf("note payload: %w", err)
	}
	p.Note = ev
	p.DM = nil
	return nil
}

// NotePayload wraps a signed inner event as a job payload.
func NotePayload(ev *nostr.Event) Payload { return Payload{Note: ev} }

// NewDMPayload wraps a DM bundle as a job payload.
func NewDMPayload(dm *DMPayload) Payload { return Payload{DM: dm} }
