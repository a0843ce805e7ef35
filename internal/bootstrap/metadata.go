package bootstrap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"pidgeon-dvm/internal/nostr"
)

const (
	settingIdentityHash    = "identity_hash"
	handlerDTag            = "pidgeon-dvm"
	identityPublishTimeout = 10 * time.Second
)

// handlerKinds are the request kinds announced in the NIP-89 handler event.
var handlerKinds = []int{
	nostr.KindMasterRequest,
	nostr.KindScheduleNote,
	nostr.KindScheduleDM,
	nostr.KindRetryDM,
	nostr.KindMailboxRepair,
	nostr.KindSupportAction,
}

type profileDoc struct {
	Name    string `json:"name"`
	About   string `json:"about"`
	Picture string `json:"picture,omitempty"`
}

// publishIdentity announces the service: kind 0 profile, kind 10002 relay
// list, kind 31990 handler info. Skipped when nothing changed since the last
// successful publish.
func (a *App) publishIdentity(ctx context.Context) error {
	profile, err := json.Marshal(profileDoc{
		Name:    a.cfg.Name,
		About:   a.cfg.About,
		Picture: a.cfg.Picture,
	})
	if err != nil {
		return err
	}

	hash := a.identityHash(profile)
	if stored, err := a.appData.GetSetting(settingIdentityHash); err == nil && stored == hash {
		a.log.Debug().Msg("identity unchanged, skipping announce")
		return nil
	}

	now := time.Now().Unix()
	events := []*nostr.Event{
		{
			PubKey:    a.dvm.PubKey,
			CreatedAt: now,
			Kind:      nostr.KindProfileMetadata,
			Tags:      [][]string{},
			Content:   string(profile),
		},
		{
			PubKey:    a.dvm.PubKey,
			CreatedAt: now,
			Kind:      nostr.KindRelayList,
			Tags:      relayListTags(a.cfg.Relays),
			Content:   "",
		},
		{
			PubKey:    a.dvm.PubKey,
			CreatedAt: now,
			Kind:      nostr.KindHandlerInfo,
			Tags:      handlerTags(),
			Content:   string(profile),
		},
	}

	for _, ev := range events {
		if err := ev.Sign(a.dvm.Priv); err != nil {
			return fmt.Errorf("sign kind %d: %w", ev.Kind, err)
		}
		if acked := a.broadcast(ctx, a.cfg.Relays, ev); acked == 0 {
			return fmt.Errorf("kind %d: no relay of %d accepted", ev.Kind, len(a.cfg.Relays))
		}
	}

	if err := a.appData.PutSetting(settingIdentityHash, hash); err != nil {
		a.log.Warn().Err(err).Msg("identity hash persist failed")
	}
	a.log.Info().Str("name", a.cfg.Name).Msg("service identity announced")
	return nil
}

// identityHash fingerprints everything the announce events are built from.
func (a *App) identityHash(profile []byte) string {
	h := sha256.New()
	h.Write(profile)
	for _, r := range a.cfg.Relays {
		h.Write([]byte{0})
		h.Write([]byte(r))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func relayListTags(relays []string) [][]string {
	tags := make([][]string, 0, len(relays))
	for _, r := range relays {
		tags = append(tags, []string{"r", r})
	}
	return tags
}

func handlerTags() [][]string {
	tags := [][]string{{"d", handlerDTag}}
	for _, k := range handlerKinds {
		tags = append(tags, []string{"k", strconv.Itoa(k)})
	}
	return tags
}

// broadcast publishes one event to every relay in parallel and returns the
// ack count.
func (a *App) broadcast(ctx context.Context, relays []string, ev *nostr.Event) int {
	ctx, cancel := context.WithTimeout(ctx, identityPublishTimeout)
	defer cancel()

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
			resp, err := a.pool.Publish(ctx, u, ev)
			if err != nil {
				a.log.Debug().Str("relay", u).Int("kind", ev.Kind).Err(err).Msg("announce failed")
				return
			}
			if !resp.Success {
				a.log.Debug().Str("relay", u).Int("kind", ev.Kind).Str("msg", resp.Message).Msg("announce rejected")
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
