package support

import (
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pidgeon-dvm/internal/logging"
	"pidgeon-dvm/internal/nostr"
	"pidgeon-dvm/internal/store"
)

func init() {
	logging.Init(logging.Config{Level: logging.ErrorLevel, JSONOutput: true, Output: io.Discard})
}

// flushRecorder stands in for the mailbox flusher.
type flushRecorder struct {
	mu    sync.Mutex
	users []string
}

func (f *flushRecorder) QueueFlush(pubkey string) {
	f.mu.Lock()
	f.users = append(f.users, pubkey)
	f.mu.Unlock()
}

func (f *flushRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users)
}

func newTestEngine(t *testing.T, policy Policy) (*Engine, *flushRecorder, *store.AppDataStore) {
	t.Helper()
	app, err := store.OpenAppDataStore(filepath.Join(t.TempDir(), "app.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	fl := &flushRecorder{}
	eng, err := New(app, fl, nil, policy)
	require.NoError(t, err)
	return eng, fl, app
}

func seedSupportState(t *testing.T, app *store.AppDataStore, pubkey string, fn func(*store.SupportState)) {
	t.Helper()
	_, err := app.MutateSupportState(pubkey, func(st *store.SupportState) error {
		fn(st)
		return nil
	})
	require.NoError(t, err)
}

func TestGateHorizonFeatureAndAccept(t *testing.T) {
	eng, fl, app := newTestEngine(t, Policy{
		HorizonDays:     7,
		WindowSchedules: 10,
		GatedFeatures:   map[string]bool{FeatureDM: true},
	})
	now := eng.now()

	seedSupportState(t, app, "alice", func(st *store.SupportState) {
		st.ScheduleCount = 12
		st.FreeUntilCount = 10
	})

	err := eng.CheckSchedule("alice", FeatureNote, now+8*86400, false)
	require.ErrorIs(t, err, ErrGateRejected)
	var gateErr *GateError
	require.ErrorAs(t, err, &gateErr)
	require.Equal(t, ReasonHorizon, gateErr.Reason)

	err = eng.CheckSchedule("alice", FeatureDM, now+3600, false)
	require.ErrorIs(t, err, ErrGateRejected)
	require.ErrorAs(t, err, &gateErr)
	require.Equal(t, ReasonFeature, gateErr.Reason)
	require.Equal(t, FeatureDM, gateErr.Feature)

	require.NoError(t, eng.CheckSchedule("alice", FeatureNote, now+6*86400, false))

	require.Equal(t, 2, fl.count(), "each rejection queues one flush")
}

func TestGateWindowPromptCycle(t *testing.T) {
	eng, _, app := newTestEngine(t, Policy{WindowSchedules: 3})
	now := eng.now()

	for i := 0; i < 3; i++ {
		require.NoError(t, eng.CheckSchedule("bob", FeatureNote, now+60, false))
		require.NoError(t, eng.RecordScheduled("bob"))
	}

	err := eng.CheckSchedule("bob", FeatureNote, now+60, false)
	require.ErrorIs(t, err, ErrGateRejected)
	var gateErr *GateError
	require.ErrorAs(t, err, &gateErr)
	require.Equal(t, ReasonWindow, gateErr.Reason)

	st, err := app.GetSupportState("bob")
	require.NoError(t, err)
	require.NotNil(t, st.GatePrompt)
	require.Equal(t, ReasonWindow, st.GatePrompt.Reason)
	require.EqualValues(t, 3, st.ScheduleCount)
	require.EqualValues(t, 3, st.NextPromptAtCount)
}

func TestGateAllowFreeGrantsWindow(t *testing.T) {
	eng, _, app := newTestEngine(t, Policy{WindowSchedules: 3})
	now := eng.now()

	seedSupportState(t, app, "bob", func(st *store.SupportState) {
		st.ScheduleCount = 3
		st.NextPromptAtCount = 3
		st.GatePrompt = &store.GatePrompt{Reason: ReasonWindow, CreatedAt: now}
	})

	require.NoError(t, eng.CheckSchedule("bob", FeatureNote, now+60, true))

	st, err := app.GetSupportState("bob")
	require.NoError(t, err)
	require.EqualValues(t, 6, st.FreeUntilCount, "one window from the current count")
	require.Nil(t, st.GatePrompt, "allowed attempt dismisses the prompt")

	// The grant covers exactly one window of schedules.
	for i := 0; i < 3; i++ {
		require.NoError(t, eng.CheckSchedule("bob", FeatureNote, now+60, false))
		require.NoError(t, eng.RecordScheduled("bob"))
	}
	err = eng.CheckSchedule("bob", FeatureNote, now+60, false)
	require.ErrorIs(t, err, ErrGateRejected)
}

func TestGateSupporterBypassesAll(t *testing.T) {
	eng, fl, app := newTestEngine(t, Policy{
		HorizonDays:     1,
		WindowSchedules: 2,
		GatedFeatures:   map[string]bool{FeatureDM: true},
	})
	now := eng.now()

	seedSupportState(t, app, "carol", func(st *store.SupportState) {
		st.SupporterUntil = now + 3600
		st.ScheduleCount = 50
		st.NextPromptAtCount = 2
	})

	require.NoError(t, eng.CheckSchedule("carol", FeatureDM, now+60, false))
	require.NoError(t, eng.CheckSchedule("carol", FeatureNote, now+30*86400, false))
	require.NoError(t, eng.CheckSchedule("carol", FeatureNote, now+60, false))
	require.Zero(t, fl.count())
}

func TestGatePromptCarriesCTA(t *testing.T) {
	eng, _, app := newTestEngine(t, Policy{
		GatedFeatures: map[string]bool{FeatureQuote: true},
		CTALud16:      "tips@example.com",
		CTAMessage:    "keep the pidgeons fed",
		InvoiceSats:   2500,
	})
	now := eng.now()

	err := eng.CheckSchedule("dave", FeatureQuote, now+60, false)
	require.ErrorIs(t, err, ErrGateRejected)

	st, err := app.GetSupportState("dave")
	require.NoError(t, err)
	require.NotNil(t, st.GatePrompt)
	require.Equal(t, "tips@example.com", st.GatePrompt.Lud16)
	require.Equal(t, "keep the pidgeons fed", st.GatePrompt.Message)
	require.EqualValues(t, 2500, st.GatePrompt.Sats)
	require.Equal(t, FeatureQuote, st.GatePrompt.Feature)
	require.NotZero(t, st.GatePrompt.CreatedAt)
}

func TestRecordScheduledArmsPromptOnce(t *testing.T) {
	eng, _, app := newTestEngine(t, Policy{WindowSchedules: 10})

	require.NoError(t, eng.RecordScheduled("erin"))
	st, err := app.GetSupportState("erin")
	require.NoError(t, err)
	require.EqualValues(t, 1, st.ScheduleCount)
	require.EqualValues(t, 10, st.NextPromptAtCount)

	require.NoError(t, eng.RecordScheduled("erin"))
	st, err = app.GetSupportState("erin")
	require.NoError(t, err)
	require.EqualValues(t, 2, st.ScheduleCount)
	require.EqualValues(t, 10, st.NextPromptAtCount)
}

func TestClassifyNote(t *testing.T) {
	require.Equal(t, FeatureNote, ClassifyNote(&nostr.Event{Kind: nostr.KindTextNote}))
	require.Equal(t, FeatureRepost, ClassifyNote(&nostr.Event{Kind: nostr.KindRepost}))

	quoted := &nostr.Event{Kind: nostr.KindTextNote, Tags: [][]string{{"q", "abc"}}}
	require.Equal(t, FeatureQuote, ClassifyNote(quoted))

	quotedRepost := &nostr.Event{Kind: nostr.KindRepost, Tags: [][]string{{"q", "abc"}}}
	require.Equal(t, FeatureQuote, ClassifyNote(quotedRepost), "q tag wins over kind")
}
