package intake

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pidgeon-dvm/internal/cache"
	"pidgeon-dvm/internal/keys"
	"pidgeon-dvm/internal/logging"
	"pidgeon-dvm/internal/mailbox"
	"pidgeon-dvm/internal/nip44"
	"pidgeon-dvm/internal/nostr"
	"pidgeon-dvm/internal/relay"
	"pidgeon-dvm/internal/relay/relaytest"
	"pidgeon-dvm/internal/scheduler"
	"pidgeon-dvm/internal/store"
	"pidgeon-dvm/internal/support"
	"pidgeon-dvm/internal/wrap"
)

func init() {
	logging.Init(logging.Config{Level: logging.ErrorLevel, JSONOutput: true, Output: io.Discard})
}

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

type dispatchRecorder struct {
	mu        sync.Mutex
	retries   [][2]string
	retryErr  error
	deletions []string
}

func (d *dispatchRecorder) RetryDM(jobID, requesterPubkey string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retries = append(d.retries, [2]string{jobID, requesterPubkey})
	return d.retryErr
}

func (d *dispatchRecorder) HandleDeletion(ev *nostr.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deletions = append(d.deletions, ev.ID)
}

func (d *dispatchRecorder) retryCalls() [][2]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][2]string, len(d.retries))
	copy(out, d.retries)
	return out
}

func (d *dispatchRecorder) deletionIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.deletions))
	copy(out, d.deletions)
	return out
}

type repairRecorder struct {
	mu    sync.Mutex
	calls [][2]string
}

func (r *repairRecorder) Repair(ctx context.Context, pubkey, scope string) (*mailbox.RepairReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, [2]string{pubkey, scope})
	return &mailbox.RepairReport{}, nil
}

func (r *repairRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *repairRecorder) call(i int) (string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[i][0], r.calls[i][1]
}

type fixture struct {
	in    *Intake
	jobs  *store.JobsStore
	app   *store.AppDataStore
	sched *scheduler.Scheduler
	ring  *keys.Ring
	disp  *dispatchRecorder
	rep   *repairRecorder
	fl    *flushRecorder
	dvm   *nostr.Identity
	user  *nostr.Identity
}

func defaultConfig() Config {
	return Config{
		Relays:        []string{"wss://inbound.example.com"},
		PublishRelays: []string{"wss://out1.example.com", "wss://out2.example.com"},
		AllowLocal:    true,
	}
}

func newIdentity(t *testing.T) *nostr.Identity {
	t.Helper()
	priv, err := nostr.GeneratePrivateKey()
	require.NoError(t, err)
	id, err := nostr.NewIdentity(priv)
	require.NoError(t, err)
	return id
}

func newFixture(t *testing.T, policy support.Policy, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()

	jobs, err := store.OpenJobsStore(filepath.Join(dir, "jobs.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { jobs.Close() })
	app, err := store.OpenAppDataStore(filepath.Join(dir, "app.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	dvm := newIdentity(t)
	user := newIdentity(t)
	ring, err := keys.NewRing(dvm, 128)
	require.NoError(t, err)

	fl := &flushRecorder{}
	gate, err := support.New(app, fl, nil, policy)
	require.NoError(t, err)

	sched := scheduler.New(func(string) {})
	t.Cleanup(sched.Stop)
	pool := relay.NewPool(true)
	t.Cleanup(pool.Close)
	throttle := cache.NewMemoryCache(256, time.Minute)
	t.Cleanup(func() { throttle.Close() })

	disp := &dispatchRecorder{}
	rep := &repairRecorder{}

	in := New(Deps{
		DVM:       dvm,
		Ring:      ring,
		Pool:      pool,
		Jobs:      jobs,
		App:       app,
		Scheduler: sched,
		Gate:      gate,
		Publisher: disp,
		Repairer:  rep,
		Flusher:   fl,
		Throttle:  throttle,
	}, cfg)
	t.Cleanup(in.Stop)

	return &fixture{
		in: in, jobs: jobs, app: app, sched: sched, ring: ring,
		disp: disp, rep: rep, fl: fl, dvm: dvm, user: user,
	}
}

func submitKey(uk *keys.UserKeys) []byte { return uk.Submit }
func dmKey(uk *keys.UserKeys) []byte     { return uk.DM }

// encrypt marshals v under one of the requester's derived keys.
func (fx *fixture) encrypt(t *testing.T, v interface{}, pick func(*keys.UserKeys) []byte) string {
	t.Helper()
	uk, err := fx.ring.ForUser(fx.user.PubKey)
	require.NoError(t, err)
	body, err := json.Marshal(v)
	require.NoError(t, err)
	cipher, err := nip44.Encrypt(string(body), pick(uk))
	require.NoError(t, err)
	return cipher
}

// request gift-wraps a rumor of the given kind addressed to the DVM.
func (fx *fixture) request(t *testing.T, kind int, content string, extraTags ...[]string) (outer, rumor *nostr.Event) {
	t.Helper()
	tags := [][]string{{"p", fx.dvm.PubKey}}
	tags = append(tags, extraTags...)
	rumor = wrap.NewRumor(kind, fx.user.PubKey, time.Now().Unix(), tags, content)
	outer, err := wrap.WrapRumor(rumor, fx.user, fx.dvm.PubKey)
	require.NoError(t, err)
	return outer, rumor
}

// signedNote builds a signed inner event from the fixture user.
func (fx *fixture) signedNote(t *testing.T, kind int, createdAt int64, content string, tags [][]string) *nostr.Event {
	t.Helper()
	if tags == nil {
		tags = [][]string{}
	}
	ev := &nostr.Event{
		PubKey:    fx.user.PubKey,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	require.NoError(t, ev.Sign(fx.user.Priv))
	return ev
}

// scheduleRequest builds the standard 5905 envelope for one inner event.
func (fx *fixture) scheduleRequest(t *testing.T, inner *nostr.Event, hints []string, capability *payloadCap) (outer, rumor *nostr.Event) {
	t.Helper()
	innerJSON, err := json.Marshal(inner)
	require.NoError(t, err)
	tags := [][]string{{"i", string(innerJSON), "text"}}
	if len(hints) > 0 {
		tags = append(tags, append([]string{"relays"}, hints...))
	}
	payload := schedulePayload{Tags: tags, Cap: capability}
	return fx.request(t, nostr.KindScheduleNote, fx.encrypt(t, payload, submitKey))
}

func TestHandleWrapRejectsForeignTarget(t *testing.T) {
	fx := newFixture(t, support.Policy{WindowSchedules: 10}, defaultConfig())
	mallory := newIdentity(t)

	rumor := wrap.NewRumor(nostr.KindScheduleNote, fx.user.PubKey, time.Now().Unix(),
		[][]string{{"p", mallory.PubKey}}, "")
	outer, err := wrap.WrapRumor(rumor, fx.user, fx.dvm.PubKey)
	require.NoError(t, err)

	fx.in.handleWrap(outer)

	has, err := fx.jobs.HasJob(rumor.ID)
	require.NoError(t, err)
	require.False(t, has)
	require.Zero(t, fx.fl.count())
}

func TestHandleWrapRejectsUnsupportedKind(t *testing.T) {
	fx := newFixture(t, support.Policy{WindowSchedules: 10}, defaultConfig())

	outer, rumor := fx.request(t, 9999, "")
	fx.in.handleWrap(outer)

	has, err := fx.jobs.HasJob(rumor.ID)
	require.NoError(t, err)
	require.False(t, has)
	require.Zero(t, fx.fl.count())
}

func TestHandleWrapRejectsForgedRumorID(t *testing.T) {
	fx := newFixture(t, support.Policy{WindowSchedules: 10}, defaultConfig())

	inner := fx.signedNote(t, nostr.KindTextNote, time.Now().Unix()+300, "hello", nil)
	innerJSON, err := json.Marshal(inner)
	require.NoError(t, err)
	payload := schedulePayload{Tags: [][]string{{"i", string(innerJSON), "text"}}}

	rumor := wrap.NewRumor(nostr.KindScheduleNote, fx.user.PubKey, time.Now().Unix(),
		[][]string{{"p", fx.dvm.PubKey}}, fx.encrypt(t, payload, submitKey))
	rumor.ID = strings.Repeat("0", 64)
	seal, err := wrap.Seal(rumor, fx.user, fx.dvm.PubKey)
	require.NoError(t, err)
	outer, err := wrap.GiftWrap(seal, fx.dvm.PubKey)
	require.NoError(t, err)

	fx.in.handleWrap(outer)

	has, err := fx.jobs.HasJob(rumor.ID)
	require.NoError(t, err)
	require.False(t, has)
	require.Zero(t, fx.fl.count())
}

func TestHandleWrapIgnoresGarbage(t *testing.T) {
	fx := newFixture(t, support.Policy{WindowSchedules: 10}, defaultConfig())
	eph := newIdentity(t)

	junk := &nostr.Event{
		PubKey:    eph.PubKey,
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindGiftWrap,
		Tags:      [][]string{{"p", fx.dvm.PubKey}},
		Content:   "bm90IGEgcmVhbCBwYXlsb2Fk",
	}
	require.NoError(t, junk.Sign(eph.Priv))
	fx.in.handleWrap(junk)

	notAWrap := &nostr.Event{
		PubKey:    eph.PubKey,
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindTextNote,
		Tags:      [][]string{},
		Content:   "plain",
	}
	require.NoError(t, notAWrap.Sign(eph.Priv))
	fx.in.handleWrap(notAWrap)

	require.Zero(t, fx.fl.count())
}

func TestHandleDeletionVerifiesSignature(t *testing.T) {
	fx := newFixture(t, support.Policy{WindowSchedules: 10}, defaultConfig())

	del := &nostr.Event{
		PubKey:    fx.user.PubKey,
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindDeletion,
		Tags:      [][]string{{"e", strings.Repeat("ab", 32)}, {"p", fx.dvm.PubKey}},
		Content:   "",
	}
	require.NoError(t, del.Sign(fx.user.Priv))

	fx.in.handleDeletion(del)
	require.Equal(t, []string{del.ID}, fx.disp.deletionIDs())

	forged := *del
	forged.Content = "tampered"
	fx.in.handleDeletion(&forged)
	require.Len(t, fx.disp.deletionIDs(), 1)

	wrongKind := fx.signedNote(t, nostr.KindTextNote, time.Now().Unix(), "not a deletion", nil)
	fx.in.handleDeletion(wrongKind)
	require.Len(t, fx.disp.deletionIDs(), 1)
}

func TestResumeCursors(t *testing.T) {
	fx := newFixture(t, support.Policy{WindowSchedules: 10}, defaultConfig())
	clock := time.Now().Unix()
	fx.in.now = func() int64 { return clock }

	// No persisted cursor: rewind the full margin from now.
	f := fx.in.wrapFilter()
	require.Equal(t, []int{nostr.KindGiftWrap}, f.Kinds)
	require.Equal(t, []string{fx.dvm.PubKey}, f.PTags)
	require.NotNil(t, f.Since)
	require.Equal(t, clock-wrapSafeMargin, *f.Since)

	fd := fx.in.deletionFilter()
	require.Equal(t, []int{nostr.KindDeletion}, fd.Kinds)
	require.NotNil(t, fd.Since)
	require.Equal(t, clock-deletionSafeMargin, *fd.Since)

	// A persisted cursor shifts the resume point.
	require.NoError(t, fx.app.PutSetting(settingLastSeenWrap, strconv.FormatInt(clock-5000, 10)))
	f = fx.in.wrapFilter()
	require.Equal(t, clock-5000-wrapSafeMargin, *f.Since)

	// Cursor persistence is throttled.
	fx.in.touchCursor(settingLastSeenDeletion)
	v1, err := fx.app.GetSetting(settingLastSeenDeletion)
	require.NoError(t, err)
	require.Equal(t, strconv.FormatInt(clock, 10), v1)

	clock += 10
	fx.in.touchCursor(settingLastSeenDeletion)
	v2, err := fx.app.GetSetting(settingLastSeenDeletion)
	require.NoError(t, err)
	require.Equal(t, v1, v2)

	clock += cursorPersistEvery
	fx.in.touchCursor(settingLastSeenDeletion)
	v3, err := fx.app.GetSetting(settingLastSeenDeletion)
	require.NoError(t, err)
	require.Equal(t, strconv.FormatInt(clock, 10), v3)
}

func TestIntakeStreamEndToEnd(t *testing.T) {
	fr := relaytest.New(t)
	cfg := defaultConfig()
	cfg.Relays = []string{fr.URL()}
	fx := newFixture(t, support.Policy{WindowSchedules: 10}, cfg)

	// One request is already stored on the relay before the DVM connects.
	storedInner := fx.signedNote(t, nostr.KindTextNote, time.Now().Unix()+600, "stored while offline", nil)
	storedOuter, storedRumor := fx.scheduleRequest(t, storedInner, nil, nil)
	fr.Seed(*storedOuter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fx.in.Start(ctx))

	require.Eventually(t, func() bool {
		has, err := fx.jobs.HasJob(storedRumor.ID)
		return err == nil && has
	}, 5*time.Second, 20*time.Millisecond, "seeded request not replayed")

	// A second request arrives live.
	liveInner := fx.signedNote(t, nostr.KindTextNote, time.Now().Unix()+1200, "live request", nil)
	liveOuter, liveRumor := fx.scheduleRequest(t, liveInner, nil, nil)
	pubCtx, pubCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pubCancel()
	resp, err := fx.in.pool.Publish(pubCtx, fr.URL(), liveOuter)
	require.NoError(t, err)
	require.True(t, resp.Success)

	require.Eventually(t, func() bool {
		has, err := fx.jobs.HasJob(liveRumor.ID)
		return err == nil && has
	}, 5*time.Second, 20*time.Millisecond, "live request not handled")

	// Deletions ride the second subscription.
	del := &nostr.Event{
		PubKey:    fx.user.PubKey,
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindDeletion,
		Tags:      [][]string{{"e", storedRumor.ID}, {"p", fx.dvm.PubKey}},
	}
	require.NoError(t, del.Sign(fx.user.Priv))
	resp, err = fx.in.pool.Publish(pubCtx, fr.URL(), del)
	require.NoError(t, err)
	require.True(t, resp.Success)

	require.Eventually(t, func() bool {
		return len(fx.disp.deletionIDs()) == 1
	}, 5*time.Second, 20*time.Millisecond, "deletion not forwarded")

	require.True(t, fx.sched.Has(storedRumor.ID))
	require.True(t, fx.sched.Has(liveRumor.ID))
}
