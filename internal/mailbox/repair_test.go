package mailbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pidgeon-dvm/internal/nostr"
	"pidgeon-dvm/internal/store"
)

func TestRepairRepublishesMissingShards(t *testing.T) {
	fx := newFixture(t)
	fx.scheduleNote(t, "note-a", "hello", 1000)
	done := fx.scheduleNote(t, "note-done", "already out", 500)
	_, err := fx.jobs.MarkJobStatus(done.ID, store.StatusSent, "ok")
	require.NoError(t, err)
	fx.flush(t)

	mb := fx.userKeys(t).MB
	metaBefore, err := fx.app.GetMailboxMeta(fx.user.PubKey)
	require.NoError(t, err)

	// The relay loses the pending page and the index; history survives.
	pending := fx.shardEvent(t, pendingDTag(mb, 0))
	index := fx.shardEvent(t, indexDTag(mb))
	require.NotNil(t, pending)
	require.NotNil(t, index)
	fx.srv.Delete(pending.ID, index.ID)
	require.Nil(t, fx.shardEvent(t, pendingDTag(mb, 0)))

	report, err := fx.mb.Repair(context.Background(), fx.user.PubKey, ScopeAll)
	require.NoError(t, err)
	require.False(t, report.Skipped)
	require.Equal(t, 4, report.Probed)
	require.ElementsMatch(t, []string{pendingDTag(mb, 0), indexDTag(mb)}, report.Republished)
	require.Empty(t, report.Unknown)

	require.NotNil(t, fx.shardEvent(t, pendingDTag(mb, 0)))
	require.NotNil(t, fx.shardEvent(t, indexDTag(mb)))

	metaAfter, err := fx.app.GetMailboxMeta(fx.user.PubKey)
	require.NoError(t, err)
	require.Equal(t, metaBefore.Rev, metaAfter.Rev, "repair never advances rev")
	require.Equal(t, metaBefore.PublishedHash, metaAfter.PublishedHash)
	require.Greater(t, metaAfter.LastCreatedAt[indexDTag(mb)], metaBefore.LastCreatedAt[indexDTag(mb)],
		"republished shards get fresh timestamps")

	month := monthBucket(time.Now().Unix())
	require.Equal(t, metaBefore.LastCreatedAt[histDTag(mb, month, 0)],
		metaAfter.LastCreatedAt[histDTag(mb, month, 0)],
		"surviving shards are untouched")
}

func TestRepairFindsNothingMissing(t *testing.T) {
	fx := newFixture(t)
	fx.scheduleNote(t, "note-a", "hello", 1000)
	fx.flush(t)

	received := fx.srv.Received()
	report, err := fx.mb.Repair(context.Background(), fx.user.PubKey, ScopeAll)
	require.NoError(t, err)
	require.False(t, report.Skipped)
	require.Equal(t, 2, report.Probed)
	require.Empty(t, report.Republished)
	require.Equal(t, received, fx.srv.Received(), "a healthy mailbox triggers no publishes")
}

func TestRepairSkipsUnflushedState(t *testing.T) {
	fx := newFixture(t)

	// Nothing ever flushed.
	report, err := fx.mb.Repair(context.Background(), fx.user.PubKey, ScopeAll)
	require.NoError(t, err)
	require.True(t, report.Skipped)
	require.Contains(t, report.Reason, "no completed flush")

	// Flushed once, then the state moved on.
	fx.scheduleNote(t, "note-a", "hello", 1000)
	fx.flush(t)
	fx.scheduleNote(t, "note-b", "not flushed yet", 2000)

	report, err = fx.mb.Repair(context.Background(), fx.user.PubKey, ScopeAll)
	require.NoError(t, err)
	require.True(t, report.Skipped)
	require.Contains(t, report.Reason, "unflushed changes")
}

func TestRepairScopeQueueLeavesHistoryAlone(t *testing.T) {
	fx := newFixture(t)
	fx.scheduleNote(t, "note-a", "hello", 1000)
	done := fx.scheduleNote(t, "note-done", "already out", 500)
	_, err := fx.jobs.MarkJobStatus(done.ID, store.StatusSent, "ok")
	require.NoError(t, err)
	fx.flush(t)

	mb := fx.userKeys(t).MB
	month := monthBucket(time.Now().Unix())

	pending := fx.shardEvent(t, pendingDTag(mb, 0))
	hist := fx.shardEvent(t, histDTag(mb, month, 0))
	fx.srv.Delete(pending.ID, hist.ID)

	report, err := fx.mb.Repair(context.Background(), fx.user.PubKey, ScopeQueue)
	require.NoError(t, err)
	require.Equal(t, []string{pendingDTag(mb, 0)}, report.Republished)
	require.NotNil(t, fx.shardEvent(t, pendingDTag(mb, 0)))
	require.Nil(t, fx.shardEvent(t, histDTag(mb, month, 0)), "queue scope does not probe history")

	report, err = fx.mb.Repair(context.Background(), fx.user.PubKey, ScopeHistory)
	require.NoError(t, err)
	require.Equal(t, []string{histDTag(mb, month, 0)}, report.Republished)
	require.NotNil(t, fx.shardEvent(t, histDTag(mb, month, 0)))
}

func TestRepairProbesBlobParts(t *testing.T) {
	fx := newFixture(t)
	fx.scheduleNote(t, "note-big", strings.Repeat("x", 80000), 1000)
	fx.flush(t)

	mb := fx.userKeys(t).MB
	part := fx.shardEvent(t, blobPartDTag(mb, "note-big", 1))
	require.NotNil(t, part)
	fx.srv.Delete(part.ID)

	report, err := fx.mb.Repair(context.Background(), fx.user.PubKey, ScopeQueue)
	require.NoError(t, err)
	require.Equal(t, []string{blobPartDTag(mb, "note-big", 1)}, report.Republished)

	restored := fx.shardEvent(t, blobPartDTag(mb, "note-big", 1))
	require.NotNil(t, restored)
	require.Equal(t, nostr.KindAppData, restored.Kind)
}
