package wrap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pidgeon-dvm/internal/nostr"
)

func newIdentity(t *testing.T) *nostr.Identity {
	t.Helper()
	raw, err := nostr.GeneratePrivateKey()
	require.NoError(t, err)
	id, err := nostr.NewIdentity(raw)
	require.NoError(t, err)
	return id
}

func TestWrapAndOpenRoundtrip(t *testing.T) {
	sender := newIdentity(t)
	dvm := newIdentity(t)

	rumor := NewRumor(nostr.KindScheduleNote, sender.PubKey, time.Now().Unix(),
		[][]string{{"p", dvm.PubKey}}, "encrypted request payload")
	require.NotEmpty(t, rumor.ID)
	require.Empty(t, rumor.Sig)

	outer, err := WrapRumor(rumor, sender, dvm.PubKey)
	require.NoError(t, err)
	require.Equal(t, nostr.KindGiftWrap, outer.Kind)
	require.Equal(t, dvm.PubKey, outer.TagValue("p"))
	require.NotEqual(t, sender.PubKey, outer.PubKey, "outer key must be ephemeral")
	require.NoError(t, outer.Verify())

	seal, err := OpenGiftWrap(outer, dvm)
	require.NoError(t, err)
	require.Equal(t, nostr.KindSeal, seal.Kind)
	require.Equal(t, sender.PubKey, seal.PubKey)
	require.Empty(t, seal.Tags)

	got, err := OpenSeal(seal, dvm)
	require.NoError(t, err)
	require.Equal(t, rumor.ID, got.ID)
	require.Equal(t, rumor.Content, got.Content)
	require.Equal(t, sender.PubKey, got.PubKey)
}

func TestOpenGiftWrapWrongRecipient(t *testing.T) {
	sender := newIdentity(t)
	dvm := newIdentity(t)
	eavesdropper := newIdentity(t)

	rumor := NewRumor(nostr.KindScheduleDM, sender.PubKey, time.Now().Unix(), nil, "secret")
	outer, err := WrapRumor(rumor, sender, dvm.PubKey)
	require.NoError(t, err)

	_, err = OpenGiftWrap(outer, eavesdropper)
	require.Error(t, err)
}

func TestOpenGiftWrapRejectsWrongKind(t *testing.T) {
	dvm := newIdentity(t)
	outer := &nostr.Event{Kind: nostr.KindTextNote}
	_, err := OpenGiftWrap(outer, dvm)
	require.ErrorIs(t, err, ErrNotGiftWrap)
}

func TestValidateSealRejectsTags(t *testing.T) {
	sender := newIdentity(t)
	dvm := newIdentity(t)

	rumor := NewRumor(nostr.KindScheduleDM, sender.PubKey, time.Now().Unix(), nil, "x")
	seal, err := Seal(rumor, sender, dvm.PubKey)
	require.NoError(t, err)
	require.NoError(t, ValidateSeal(seal))

	// A tagged seal leaks the recipient and must be refused.
	tagged := *seal
	tagged.Tags = [][]string{{"p", dvm.PubKey}}
	require.NoError(t, tagged.Sign(sender.Priv))
	require.ErrorIs(t, ValidateSeal(&tagged), ErrSealTags)
}

func TestValidateSealRejectsBadSignature(t *testing.T) {
	sender := newIdentity(t)
	dvm := newIdentity(t)

	rumor := NewRumor(nostr.KindScheduleDM, sender.PubKey, time.Now().Unix(), nil, "x")
	seal, err := Seal(rumor, sender, dvm.PubKey)
	require.NoError(t, err)

	seal.Content += "x"
	require.Error(t, ValidateSeal(seal))
}

func TestOpenSealRejectsAuthorMismatch(t *testing.T) {
	sender := newIdentity(t)
	impostor := newIdentity(t)
	dvm := newIdentity(t)

	// Rumor claims a different author than the seal signer.
	rumor := NewRumor(nostr.KindScheduleNote, impostor.PubKey, time.Now().Unix(), nil, "forged")
	seal, err := Seal(rumor, sender, dvm.PubKey)
	require.NoError(t, err)

	_, err = OpenSeal(seal, dvm)
	require.ErrorIs(t, err, ErrAuthorMatch)
}

func TestTimestampsSmearedIntoPast(t *testing.T) {
	sender := newIdentity(t)
	dvm := newIdentity(t)

	rumor := NewRumor(nostr.KindScheduleDM, sender.PubKey, time.Now().Unix(), nil, "x")
	now := time.Now().Unix()
	for i := 0; i < 5; i++ {
		outer, err := WrapRumor(rumor, sender, dvm.PubKey)
		require.NoError(t, err)
		require.LessOrEqual(t, outer.CreatedAt, now+1)
		require.GreaterOrEqual(t, outer.CreatedAt, now-int64(timestampSmear/time.Second)-1)
	}
}

func TestGiftWrapsUseFreshEphemeralKeys(t *testing.T) {
	sender := newIdentity(t)
	dvm := newIdentity(t)

	rumor := NewRumor(nostr.KindScheduleDM, sender.PubKey, time.Now().Unix(), nil, "x")
	seal, err := Seal(rumor, sender, dvm.PubKey)
	require.NoError(t, err)

	w1, err := GiftWrap(seal, dvm.PubKey)
	require.NoError(t, err)
	w2, err := GiftWrap(seal, dvm.PubKey)
	require.NoError(t, err)
	require.NotEqual(t, w1.PubKey, w2.PubKey)
	require.NotEqual(t, w1.ID, w2.ID)
}
