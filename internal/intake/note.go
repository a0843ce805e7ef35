package intake

import (
	"encoding/json"
	"errors"
	"fmt"

	"pidgeon-dvm/internal/keys"
	"pidgeon-dvm/internal/nostr"
	"pidgeon-dvm/internal/store"
	"pidgeon-dvm/internal/support"
)

// schedulePayload is the kind-5905 plaintext: tag rows carrying the signed
// inner event and optional relay hints, plus client capabilities.
type schedulePayload struct {
	Tags [][]string  `json:"tags"`
	Cap  *payloadCap `json:"cap,omitempty"`
}

type payloadCap struct {
	AllowFree bool `json:"allowFree"`
}

// innerEventJSON returns the payload of the first i-tag.
func (p *schedulePayload) innerEventJSON() string {
	for _, tag := range p.Tags {
		if len(tag) >= 2 && tag[0] == "i" {
			return tag[1]
		}
	}
	return ""
}

// relayHints collects both accepted forms: ["relays", url...] and
// ["param", "relays", url...].
func (p *schedulePayload) relayHints() []string {
	var hints []string
	for _, tag := range p.Tags {
		switch {
		case len(tag) >= 2 && tag[0] == "relays":
			hints = append(hints, tag[1:]...)
		case len(tag) >= 3 && tag[0] == "param" && tag[1] == "relays":
			hints = append(hints, tag[2:]...)
		}
	}
	return hints
}

// handleScheduleNote validates a note or repost request, runs the support
// gate, persists the job and arms the scheduler.
func (in *Intake) handleScheduleNote(rumor *nostr.Event, requester string) error {
	plain, err := in.decryptPayload(requester, rumor.Content, func(uk *keys.UserKeys) []byte { return uk.Submit })
	if err != nil {
		return err
	}

	var req schedulePayload
	if err := json.Unmarshal(plain, &req); err != nil {
		return invalid("payload", fmt.Errorf("schedule payload: %w", err))
	}

	innerJSON := req.innerEventJSON()
	if innerJSON == "" {
		return invalid("payload", errors.New("schedule payload has no i-tag"))
	}
	inner, err := nostr.ParseEvent([]byte(innerJSON))
	if err != nil {
		return invalid("inner_event", fmt.Errorf("inner event: %w", err))
	}
	if inner.Kind != nostr.KindTextNote && inner.Kind != nostr.KindRepost {
		return invalid("inner_event", fmt.Errorf("unsupported inner kind %d", inner.Kind))
	}
	if inner.PubKey != requester {
		return invalid("inner_event", errors.New("inner event author does not match requester"))
	}
	if err := inner.Verify(); err != nil {
		return invalid("inner_event", fmt.Errorf("inner event: %w", err))
	}
	if inner.Kind == nostr.KindRepost {
		if err := in.checkRepostTags(inner); err != nil {
			return err
		}
	}

	relays, err := in.publishTargets(req.relayHints())
	if err != nil {
		return err
	}

	scheduledAt := inner.CreatedAt
	feature := support.ClassifyNote(inner)
	allowFree := req.Cap != nil && req.Cap.AllowFree
	if err := in.gate.CheckSchedule(requester, feature, scheduledAt, allowFree); err != nil {
		return err
	}

	job := &store.Job{
		ID:              rumor.ID,
		RequesterPubkey: requester,
		DVMPubkey:       in.dvm.PubKey,
		Relays:          relays,
		ScheduledAt:     scheduledAt,
		Status:          store.StatusScheduled,
		Payload:         store.NotePayload(inner),
	}
	return in.registerJob(job, feature)
}

// checkRepostTags enforces the shape the publisher needs to verify a kind-6
// target: a 64-hex e-tag plus a usable relay hint.
func (in *Intake) checkRepostTags(inner *nostr.Event) error {
	etag := inner.Tag("e")
	if len(etag) < 2 || !nostr.IsValidHexID(etag[1]) {
		return invalid("repost", errors.New("repost has no valid e-tag target"))
	}
	if len(etag) < 3 || nostr.NormalizeRelayURL(etag[2], in.cfg.AllowLocal) == "" {
		return invalid("repost", errors.New("repost e-tag needs a relay hint"))
	}
	return nil
}

// publishTargets sanitizes the request's relay hints. Requests that name no
// relays fall back to the configured defaults; requests whose hints are all
// unusable are refused rather than silently redirected.
func (in *Intake) publishTargets(hints []string) ([]string, error) {
	if len(hints) == 0 {
		if len(in.cfg.PublishRelays) == 0 {
			return nil, invalid("relays", errors.New("no publish relays configured"))
		}
		return in.capRelays(in.cfg.PublishRelays), nil
	}
	relays := nostr.SanitizeRelayList(hints, in.cfg.AllowLocal)
	if len(relays) == 0 {
		return nil, invalid("relays", errors.New("no valid relay hints"))
	}
	return in.capRelays(relays), nil
}

func (in *Intake) capRelays(relays []string) []string {
	if max := in.cfg.maxPublishRelays(); len(relays) > max {
		return relays[:max]
	}
	return relays
}

// registerJob persists, schedules and accounts one validated job, then
// debounces the user's mailbox so the client sees it.
func (in *Intake) registerJob(job *store.Job, feature string) error {
	if err := in.jobs.UpsertJob(job); err != nil {
		return fmt.Errorf("persist job: %w", err)
	}
	in.sched.Schedule(job.ID, job.ScheduledAt)

	if err := in.gate.RecordScheduled(job.RequesterPubkey); err != nil {
		in.log.Warn().Str("user", nostr.ShortID(job.RequesterPubkey)).Err(err).
			Msg("schedule accounting failed")
	}
	in.flusher.QueueFlush(job.RequesterPubkey)

	in.log.Info().
		Str("job", nostr.ShortID(job.ID)).
		Str("user", nostr.ShortID(job.RequesterPubkey)).
		Str("feature", feature).
		Int64("scheduledAt", job.ScheduledAt).
		Int("relays", len(job.Relays)).
		Msg("job scheduled")
	return nil
}
