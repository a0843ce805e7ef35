package intake

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"pidgeon-dvm/internal/nostr"
	"pidgeon-dvm/internal/relay/relaytest"
	"pidgeon-dvm/internal/support"
	"pidgeon-dvm/internal/wrap"
)

func TestMasterCapsuleRoundTrip(t *testing.T) {
	fr := relaytest.New(t)
	cfg := defaultConfig()
	cfg.Relays = []string{fr.URL()}
	fx := newFixture(t, support.Policy{WindowSchedules: 10}, cfg)

	outer, _ := fx.request(t, nostr.KindMasterRequest, "")
	fx.in.handleWrap(outer)

	wraps := fr.EventsByKind(nostr.KindGiftWrap)
	require.Len(t, wraps, 1)
	require.Equal(t, fx.user.PubKey, wraps[0].TagValue("p"))

	// Only the requester can open the reply.
	seal, err := wrap.OpenGiftWrap(&wraps[0], fx.user)
	require.NoError(t, err)
	require.Equal(t, fx.dvm.PubKey, seal.PubKey)
	rumor, err := wrap.OpenSeal(seal, fx.user)
	require.NoError(t, err)
	require.Equal(t, nostr.KindScheduleNote, rumor.Kind)

	var capsule masterCapsule
	require.NoError(t, json.Unmarshal([]byte(rumor.Content), &capsule))
	uk, err := fx.ring.ForUser(fx.user.PubKey)
	require.NoError(t, err)
	require.Equal(t, uk.RootB64(), capsule.RootKey)
	require.Equal(t, uk.MB, capsule.MB)
	require.Equal(t, capsuleVersion, capsule.Version)
	require.Equal(t, cfg.Relays, capsule.Relays)

	// An immediate repeat is throttled away.
	outer2, _ := fx.request(t, nostr.KindMasterRequest, "")
	fx.in.handleWrap(outer2)
	require.Len(t, fr.EventsByKind(nostr.KindGiftWrap), 1)
}

func TestMasterCapsuleHonorsRelayHints(t *testing.T) {
	alt := relaytest.New(t)
	fx := newFixture(t, support.Policy{WindowSchedules: 10}, defaultConfig())

	outer, _ := fx.request(t, nostr.KindMasterRequest, "", []string{"relays", alt.URL()})
	fx.in.handleWrap(outer)

	wraps := alt.EventsByKind(nostr.KindGiftWrap)
	require.Len(t, wraps, 1)

	seal, err := wrap.OpenGiftWrap(&wraps[0], fx.user)
	require.NoError(t, err)

	rumor, err := wrap.OpenSeal(seal, fx.user)
	require.NoError(t, err)

	var capsule masterCapsule
	require.NoError(t, json.Unmarshal([]byte(rumor.Content), &capsule))
	require.Equal(t, capsuleVersion, capsule.Version)
}
