package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"pidgeon-dvm/internal/nostr"
	"pidgeon-dvm/internal/wrap"
)

const (
	capsuleVersion        = 3
	capsulePublishTimeout = 10 * time.Second
)

// masterCapsule hands a client its derived root key and mailbox address so a
// new device can find the ledger without running the ECDH itself.
type masterCapsule struct {
	RootKey string   `json:"rootKey_b64u"`
	MB      string   `json:"mb"`
	Version int      `json:"version"`
	Relays  []string `json:"relays"`
}

// handleMasterRequest wraps the requester's key capsule back to them,
// throttled to one publish per user per 30 seconds.
func (in *Intake) handleMasterRequest(rumor *nostr.Event, requester string) error {
	ctx, cancel := context.WithTimeout(context.Background(), capsulePublishTimeout)
	defer cancel()

	throttleKey := "capsule:" + requester
	if _, found, _ := in.throttle.Get(ctx, throttleKey); found {
		return fmt.Errorf("%w: capsule recently published", errDropSilently)
	}
	_ = in.throttle.Set(ctx, throttleKey, []byte("1"), capsuleThrottle)

	uk, err := in.ring.ForUser(requester)
	if err != nil {
		return invalid("keys", err)
	}
	body, err := json.Marshal(masterCapsule{
		RootKey: uk.RootB64(),
		MB:      uk.MB,
		Version: capsuleVersion,
		Relays:  in.cfg.Relays,
	})
	if err != nil {
		return fmt.Errorf("marshal capsule: %w", err)
	}

	reply := wrap.NewRumor(nostr.KindScheduleNote, in.dvm.PubKey, in.now(),
		[][]string{{"p", requester}}, string(body))
	outer, err := wrap.WrapRumor(reply, in.dvm, requester)
	if err != nil {
		return fmt.Errorf("wrap capsule: %w", err)
	}

	relays := in.capsuleTargets(rumor)
	acked := in.broadcastWrap(ctx, relays, outer)
	if acked == 0 {
		return fmt.Errorf("capsule publish: no relay of %d accepted", len(relays))
	}
	in.log.Info().Str("user", nostr.ShortID(requester)).Int("acked", acked).
		Msg("master capsule published")
	return nil
}

// capsuleTargets honors relay hints on the request rumor; the 5901 body is
// unencrypted so hints ride as plain tags. Defaults to the DVM relays.
func (in *Intake) capsuleTargets(rumor *nostr.Event) []string {
	var hints []string
	for _, tag := range rumor.Tags {
		if len(tag) >= 2 && tag[0] == "relays" {
			hints = append(hints, tag[1:]...)
		}
	}
	if relays := nostr.SanitizeRelayList(hints, in.cfg.AllowLocal); len(relays) > 0 {
		return relays
	}
	return in.cfg.Relays
}

// broadcastWrap publishes one gift wrap to every relay in parallel and
// returns the ack count.
func (in *Intake) broadcastWrap(ctx context.Context, relays []string, ev *nostr.Event) int {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		acked int
	)
	for _, u := range relays {
		u := u
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := in.pool.Publish(ctx, u, ev)
			if err != nil {
				in.log.Debug().Str("relay", u).Err(err).Msg("capsule publish failed")
				return
			}
			if !resp.Success {
				in.log.Debug().Str("relay", u).Str("msg", resp.Message).Msg("capsule rejected")
				return
			}
			mu.Lock()
			acked++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return acked
}
