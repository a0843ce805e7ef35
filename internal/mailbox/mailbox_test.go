package mailbox

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pidgeon-dvm/internal/keys"
	"pidgeon-dvm/internal/nip44"
	"pidgeon-dvm/internal/nostr"
	"pidgeon-dvm/internal/relay"
	"pidgeon-dvm/internal/relay/relaytest"
	"pidgeon-dvm/internal/store"
)

type fixture struct {
	jobs *store.JobsStore
	app  *store.AppDataStore
	srv  *relaytest.Server
	pool *relay.Pool
	dvm  *nostr.Identity
	ring *keys.Ring
	mb   *Mailbox
	user *nostr.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	jobs, err := store.OpenJobsStore(filepath.Join(dir, "jobs.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { jobs.Close() })
	app, err := store.OpenAppDataStore(filepath.Join(dir, "app.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	srv := relaytest.New(t)
	pool := relay.NewPool(true)
	t.Cleanup(pool.Close)

	dvm := testIdentity(t)
	ring, err := keys.NewRing(dvm, 64)
	require.NoError(t, err)

	mb := New(jobs, app, ring, pool, dvm, Config{
		Relays:         []string{srv.URL()},
		PublishTimeout: 3 * time.Second,
		ProbeTimeout:   2 * time.Second,
	})
	return &fixture{jobs: jobs, app: app, srv: srv, pool: pool, dvm: dvm, ring: ring, mb: mb, user: testIdentity(t)}
}

func testIdentity(t *testing.T) *nostr.Identity {
	t.Helper()
	raw, err := nostr.GeneratePrivateKey()
	require.NoError(t, err)
	id, err := nostr.NewIdentity(raw)
	require.NoError(t, err)
	return id
}

func (fx *fixture) userKeys(t *testing.T) *keys.UserKeys {
	t.Helper()
	uk, err := fx.ring.ForUser(fx.user.PubKey)
	require.NoError(t, err)
	return uk
}

func (fx *fixture) scheduleNote(t *testing.T, id, content string, at int64) *store.Job {
	t.Helper()
	ev := &nostr.Event{
		ID:        id,
		PubKey:    fx.user.PubKey,
		CreatedAt: at,
		Kind:      nostr.KindTextNote,
		Tags:      [][]string{},
		Content:   content,
	}
	j := &store.Job{
		ID:              id,
		RequesterPubkey: fx.user.PubKey,
		DVMPubkey:       fx.dvm.PubKey,
		Relays:          []string{"wss://target.example.com"},
		ScheduledAt:     at,
		Status:          store.StatusScheduled,
		Payload:         store.NotePayload(ev),
	}
	require.NoError(t, fx.jobs.UpsertJob(j))
	return j
}

// shardEvent finds the stored relay event for a d-tag.
func (fx *fixture) shardEvent(t *testing.T, dtag string) *nostr.Event {
	t.Helper()
	for _, ev := range fx.srv.EventsByKind(nostr.KindAppData) {
		if ev.TagValue("d") == dtag {
			out := ev
			return &out
		}
	}
	return nil
}

// decryptShard fetches a shard from the fake relay and decrypts it under the
// user's mailbox (or blob) key.
func (fx *fixture) decryptShard(t *testing.T, dtag string, blob bool) []byte {
	t.Helper()
	ev := fx.shardEvent(t, dtag)
	require.NotNil(t, ev, "shard %s not on relay", dtag)

	uk := fx.userKeys(t)
	key := uk.Mailbox
	if blob {
		key = uk.Blob
	}
	plain, err := nip44.Decrypt(ev.Content, key)
	require.NoError(t, err, "decrypt %s", dtag)
	return []byte(plain)
}

func (fx *fixture) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, fx.mb.Flush(context.Background(), fx.user.PubKey))
}

func TestFlushPublishesShardSet(t *testing.T) {
	fx := newFixture(t)
	fx.scheduleNote(t, "note-b", "second", 2000)
	fx.scheduleNote(t, "note-a", "first", 1000)
	done := fx.scheduleNote(t, "note-done", "already out", 500)
	_, err := fx.jobs.MarkJobStatus(done.ID, store.StatusSent, "ok")
	require.NoError(t, err)

	fx.flush(t)

	meta, err := fx.app.GetMailboxMeta(fx.user.PubKey)
	require.NoError(t, err)
	require.Equal(t, int64(1), meta.Rev)
	require.Equal(t, int64(1), meta.PublishedRev)
	require.NotEmpty(t, meta.PublishedHash)
	require.Equal(t, fx.srv.URL(), meta.PublishedRelaysKey)

	mb := fx.userKeys(t).MB
	month := monthBucket(time.Now().Unix())
	require.Len(t, fx.srv.EventsByKind(nostr.KindAppData), 4,
		"pending page, history page, bucket index, global index")

	var page pageDoc
	require.NoError(t, json.Unmarshal(fx.decryptShard(t, pendingDTag(mb, 0), false), &page))
	require.Len(t, page.Items, 2)
	require.Equal(t, "note-a", page.Items[0].ID, "queue ordered by scheduled time")
	require.Equal(t, "note-b", page.Items[1].ID)
	require.Equal(t, "first", page.Items[0].Event.Content)

	var hist pageDoc
	require.NoError(t, json.Unmarshal(fx.decryptShard(t, histDTag(mb, month, 0), false), &hist))
	require.Len(t, hist.Items, 1)
	require.Equal(t, "note-done", hist.Items[0].ID)
	require.Equal(t, "note-done", hist.Items[0].EventID, "sent notes reference the public event")

	var idx indexDoc
	require.NoError(t, json.Unmarshal(fx.decryptShard(t, indexDTag(mb), false), &idx))
	require.Equal(t, int64(1), idx.Rev)
	require.Len(t, idx.PendingPages, 1)
	require.Equal(t, 2, idx.PendingPages[0].Count)
	require.Equal(t, []string{month}, idx.Buckets)
	require.Equal(t, map[string]int{"scheduled": 2, "sent": 1}, idx.Counts)

	// Fingerprint rows recorded for change detection.
	pages, err := fx.app.GetPages(fx.user.PubKey, store.BucketPending)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	monthRows, err := fx.app.GetPages(fx.user.PubKey, month)
	require.NoError(t, err)
	require.Len(t, monthRows, 2, "bucket index row plus one page row")
	require.Equal(t, bucketRowPage, monthRows[0].Page)
}

func TestFlushUnchangedPublishesNothing(t *testing.T) {
	fx := newFixture(t)
	fx.scheduleNote(t, "note-a", "hello", 1000)
	fx.flush(t)

	before := fx.srv.Received()
	fx.flush(t)

	require.Equal(t, before, fx.srv.Received(), "no wire traffic for an unchanged mailbox")
	meta, err := fx.app.GetMailboxMeta(fx.user.PubKey)
	require.NoError(t, err)
	require.Equal(t, int64(1), meta.Rev, "rev only moves when something publishes")
}

func TestFlushRepublishesOnlyChangedShards(t *testing.T) {
	fx := newFixture(t)
	fx.scheduleNote(t, "note-a", "hello", 1000)
	fx.flush(t)

	// Support counters feed the state hash and the index, but not the pages.
	_, err := fx.app.MutateSupportState(fx.user.PubKey, func(st *store.SupportState) error {
		st.ScheduleCount = 5
		return nil
	})
	require.NoError(t, err)

	before := fx.srv.Received()
	fx.flush(t)

	require.Equal(t, before+1, fx.srv.Received(), "only the index goes out")

	meta, err := fx.app.GetMailboxMeta(fx.user.PubKey)
	require.NoError(t, err)
	require.Equal(t, int64(2), meta.Rev)

	mb := fx.userKeys(t).MB
	var idx indexDoc
	require.NoError(t, json.Unmarshal(fx.decryptShard(t, indexDTag(mb), false), &idx))
	require.Equal(t, int64(2), idx.Rev)
	require.Equal(t, int64(5), idx.Support.ScheduleCount)
}

func TestFlushCreatedAtMonotonicPerDTag(t *testing.T) {
	fx := newFixture(t)
	fx.mb.now = func() int64 { return 12345 } // frozen clock forces the +1 path
	fx.scheduleNote(t, "note-a", "hello", 1000)
	fx.flush(t)

	mb := fx.userKeys(t).MB
	first := fx.shardEvent(t, indexDTag(mb))
	require.NotNil(t, first)
	require.Equal(t, int64(12345), first.CreatedAt)

	_, err := fx.app.MutateSupportState(fx.user.PubKey, func(st *store.SupportState) error {
		st.ScheduleCount = 1
		return nil
	})
	require.NoError(t, err)
	fx.flush(t)

	second := fx.shardEvent(t, indexDTag(mb))
	require.Equal(t, int64(12346), second.CreatedAt,
		"replaceable events must advance created_at even within one second")

	meta, err := fx.app.GetMailboxMeta(fx.user.PubKey)
	require.NoError(t, err)
	require.Equal(t, int64(12346), meta.LastCreatedAt[indexDTag(mb)])
}

func TestFlushRepublishesAllOnRelayChange(t *testing.T) {
	fx := newFixture(t)
	fx.scheduleNote(t, "note-a", "hello", 1000)
	fx.flush(t)

	second := relaytest.New(t)
	fx.mb.cfg.Relays = []string{fx.srv.URL(), second.URL()}
	fx.flush(t)

	mb := fx.userKeys(t).MB
	require.Len(t, second.EventsByKind(nostr.KindAppData), 2,
		"page and index must land on the added relay")

	meta, err := fx.app.GetMailboxMeta(fx.user.PubKey)
	require.NoError(t, err)
	require.Equal(t, relaysKey(fx.mb.cfg.Relays), meta.PublishedRelaysKey)

	var idx indexDoc
	for _, ev := range second.EventsByKind(nostr.KindAppData) {
		if ev.TagValue("d") == indexDTag(mb) {
			uk := fx.userKeys(t)
			plain, err := nip44.Decrypt(ev.Content, uk.Mailbox)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal([]byte(plain), &idx))
		}
	}
	require.Equal(t, fx.mb.cfg.Relays, idx.Relays)
}

func TestFlushShardsOversizedNoteIntoBlob(t *testing.T) {
	fx := newFixture(t)
	content := strings.Repeat("long form writing ", 4000) // 72 KB, over the cap
	fx.scheduleNote(t, "note-big", content, 1000)

	fx.flush(t)

	manifest, err := fx.app.GetBlob(fx.user.PubKey, "note-big")
	require.NoError(t, err)
	require.GreaterOrEqual(t, manifest.Parts, 2)

	mb := fx.userKeys(t).MB
	var page pageDoc
	require.NoError(t, json.Unmarshal(fx.decryptShard(t, pendingDTag(mb, 0), false), &page))
	require.Len(t, page.Items, 1)
	stub := page.Items[0]
	require.Empty(t, stub.Event.Content, "stub sheds the heavy content")
	require.NotNil(t, stub.NoteBlob)
	require.Equal(t, manifest.Parts, stub.NoteBlob.Parts)
	require.Equal(t, blobBaseDTag(mb, "note-big"), stub.NoteBlob.DBase)

	var joined strings.Builder
	for i := 0; i < manifest.Parts; i++ {
		joined.Write(fx.decryptShard(t, blobPartDTag(mb, "note-big", i), true))
	}
	var payload struct {
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal([]byte(joined.String()), &payload))
	require.Equal(t, content, payload.Content)
	require.Equal(t, manifest.Bytes, joined.Len())
}

func TestFlushFailureClearsHashThenRetries(t *testing.T) {
	fx := newFixture(t)
	fx.scheduleNote(t, "note-a", "hello", 1000)

	fx.srv.RejectAll(true)
	err := fx.mb.Flush(context.Background(), fx.user.PubKey)
	require.Error(t, err)

	meta, err := fx.app.GetMailboxMeta(fx.user.PubKey)
	require.NoError(t, err)
	require.Equal(t, int64(1), meta.Rev, "rev was burned by the failed attempt")
	require.Empty(t, meta.PublishedHash, "cleared so the retry rebuilds")

	fx.srv.RejectAll(false)
	fx.flush(t)

	meta, err = fx.app.GetMailboxMeta(fx.user.PubKey)
	require.NoError(t, err)
	require.Equal(t, int64(2), meta.Rev)
	require.NotEmpty(t, meta.PublishedHash)

	mb := fx.userKeys(t).MB
	require.NotNil(t, fx.shardEvent(t, pendingDTag(mb, 0)))
	require.NotNil(t, fx.shardEvent(t, indexDTag(mb)))
}

func TestFlushDropsStaleBlobManifest(t *testing.T) {
	fx := newFixture(t)
	content := strings.Repeat("big ", 20000) // 80 KB
	j := fx.scheduleNote(t, "note-big", content, 1000)
	fx.flush(t)

	_, err := fx.app.GetBlob(fx.user.PubKey, "note-big")
	require.NoError(t, err)

	_, err = fx.jobs.MarkJobStatus(j.ID, store.StatusCanceled, "")
	require.NoError(t, err)
	fx.flush(t)

	_, err = fx.app.GetBlob(fx.user.PubKey, "note-big")
	require.ErrorIs(t, err, store.ErrNotFound, "manifest dropped once the item left the queue")

	mb := fx.userKeys(t).MB
	var idx indexDoc
	require.NoError(t, json.Unmarshal(fx.decryptShard(t, indexDTag(mb), false), &idx))
	require.Empty(t, idx.PendingPages, "empty queue publishes an empty page list")

	month := monthBucket(time.Now().Unix())
	var hist pageDoc
	require.NoError(t, json.Unmarshal(fx.decryptShard(t, histDTag(mb, month, 0), false), &hist))
	require.Len(t, hist.Items, 1)
	require.True(t, hist.Items[0].Truncated, "oversized canceled draft keeps a preview only")
	require.NotEmpty(t, hist.Items[0].Preview)
}
