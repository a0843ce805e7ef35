package keys

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"pidgeon-dvm/internal/nostr"
)

func testIdentity(t *testing.T) *nostr.Identity {
	t.Helper()
	raw, err := nostr.GeneratePrivateKey()
	require.NoError(t, err)
	id, err := nostr.NewIdentity(raw)
	require.NoError(t, err)
	return id
}

func TestForUserDeterministic(t *testing.T) {
	dvm := testIdentity(t)
	user := testIdentity(t)

	ring, err := NewRing(dvm, 16)
	require.NoError(t, err)

	a, err := ring.ForUser(user.PubKey)
	require.NoError(t, err)
	b, err := ring.ForUser(user.PubKey)
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.Len(t, a.Root, 32)
	require.Len(t, a.Mailbox, 32)
	require.Len(t, a.Submit, 32)
	require.Len(t, a.DM, 32)
	require.Len(t, a.Blob, 32)
}

func TestSubKeysDiffer(t *testing.T) {
	ring, err := NewRing(testIdentity(t), 16)
	require.NoError(t, err)
	uk, err := ring.ForUser(testIdentity(t).PubKey)
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, k := range [][]byte{uk.Root, uk.Mailbox, uk.Submit, uk.DM, uk.Blob} {
		s := string(k)
		require.False(t, seen[s], "derived keys must be distinct")
		seen[s] = true
	}
}

func TestMailboxIDShape(t *testing.T) {
	ring, err := NewRing(testIdentity(t), 16)
	require.NoError(t, err)
	uk, err := ring.ForUser(testIdentity(t).PubKey)
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(uk.MB)
	require.NoError(t, err)
	require.Len(t, raw, 16)
	require.False(t, strings.ContainsAny(uk.MB, "+/="))
}

func TestUsersGetDistinctKeys(t *testing.T) {
	ring, err := NewRing(testIdentity(t), 16)
	require.NoError(t, err)

	a, err := ring.ForUser(testIdentity(t).PubKey)
	require.NoError(t, err)
	b, err := ring.ForUser(testIdentity(t).PubKey)
	require.NoError(t, err)

	require.NotEqual(t, a.Root, b.Root)
	require.NotEqual(t, a.MB, b.MB)
}

func TestDVMsDeriveDifferentRoots(t *testing.T) {
	user := testIdentity(t)

	ringA, err := NewRing(testIdentity(t), 16)
	require.NoError(t, err)
	ringB, err := NewRing(testIdentity(t), 16)
	require.NoError(t, err)

	a, err := ringA.ForUser(user.PubKey)
	require.NoError(t, err)
	b, err := ringB.ForUser(user.PubKey)
	require.NoError(t, err)
	require.NotEqual(t, a.Root, b.Root)
}

func TestForUserRejectsBadPubkey(t *testing.T) {
	ring, err := NewRing(testIdentity(t), 16)
	require.NoError(t, err)

	for _, in := range []string{"", "zz", "abcd", strings.Repeat("q", 64)} {
		_, err := ring.ForUser(in)
		require.Error(t, err, "input %q", in)
	}
}

func TestConversationKeyCached(t *testing.T) {
	dvm := testIdentity(t)
	user := testIdentity(t)

	ring, err := NewRing(dvm, 16)
	require.NoError(t, err)

	k1, err := ring.ConversationKey(user.PubKey)
	require.NoError(t, err)
	k2, err := ring.ConversationKey(user.PubKey)
	require.NoError(t, err)
	require.Equal(t, k1, k2)
	require.Len(t, k1, 32)
}

func TestRootB64Roundtrip(t *testing.T) {
	ring, err := NewRing(testIdentity(t), 16)
	require.NoError(t, err)
	uk, err := ring.ForUser(testIdentity(t).PubKey)
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(uk.RootB64())
	require.NoError(t, err)
	require.Equal(t, uk.Root, raw)
}
