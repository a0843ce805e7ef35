// Package intake receives gift-wrapped requests on the DVM relays, unwraps
// and validates them, and dispatches on the inner rumor kind. Failures are
// bounded to the event being processed; nothing here stops the subscriptions.
package intake

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pidgeon-dvm/internal/cache"
	"pidgeon-dvm/internal/keys"
	"pidgeon-dvm/internal/logging"
	"pidgeon-dvm/internal/mailbox"
	"pidgeon-dvm/internal/metrics"
	"pidgeon-dvm/internal/nip44"
	"pidgeon-dvm/internal/nostr"
	"pidgeon-dvm/internal/queue"
	"pidgeon-dvm/internal/relay"
	"pidgeon-dvm/internal/scheduler"
	"pidgeon-dvm/internal/store"
	"pidgeon-dvm/internal/support"
	"pidgeon-dvm/internal/wrap"
)

// Dispatcher is the slice of the publisher intake hands work to.
type Dispatcher interface {
	RetryDM(jobID, requesterPubkey string) error
	HandleDeletion(ev *nostr.Event)
}

// Repairer re-publishes missing mailbox shards for one user.
type Repairer interface {
	Repair(ctx context.Context, pubkey, scope string) (*mailbox.RepairReport, error)
}

// FlushQueuer debounces a user's mailbox flush.
type FlushQueuer interface {
	QueueFlush(pubkey string)
}

// Resume cursors persisted in app.db settings.
const (
	settingLastSeenWrap     = "last_seen_1059"
	settingLastSeenDeletion = "last_seen_5"

	// Gift-wrap timestamps are smeared up to two days into the past, so the
	// wrap cursor rewinds past the whole smear window plus clock slack.
	wrapSafeMargin int64 = 2*86400 + 3600
	// Deletions carry real timestamps; five minutes covers relay clock skew.
	deletionSafeMargin int64 = 300

	// cursorPersistEvery throttles settings writes under event bursts.
	cursorPersistEvery int64 = 30
)

const (
	capsuleThrottle = 30 * time.Second

	verifyWorkers  = 2
	verifyQueueCap = 2000

	repairTimeout = 2 * time.Minute
	actionTimeout = 15 * time.Second
)

// Config tunes the subscriptions and request handling.
type Config struct {
	// Relays carry the inbound 1059 and deletion subscriptions and are the
	// default capsule targets.
	Relays []string
	// PublishRelays are the note targets when a request names none.
	PublishRelays []string
	// AllowLocal permits loopback relay hints for loadtest setups.
	AllowLocal bool
	// MaxPublishRelays caps the per-job target list. Zero means 15.
	MaxPublishRelays int
	// Workers is the request queue concurrency. Zero means 4.
	Workers int
	// QueueCap bounds the request queue. Zero means 3000.
	QueueCap int
}

func (c Config) maxPublishRelays() int {
	if c.MaxPublishRelays <= 0 {
		return 15
	}
	return c.MaxPublishRelays
}

func (c Config) workers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

func (c Config) queueCap() int {
	if c.QueueCap <= 0 {
		return 3000
	}
	return c.QueueCap
}

// Deps are the singletons intake dispatches into.
type Deps struct {
	DVM       *nostr.Identity
	Ring      *keys.Ring
	Pool      *relay.Pool
	Jobs      *store.JobsStore
	App       *store.AppDataStore
	Scheduler *scheduler.Scheduler
	Gate      *support.Engine
	Publisher Dispatcher
	Repairer  Repairer
	Flusher   FlushQueuer
	// Throttle backs the per-user master-capsule rate limit.
	Throttle cache.Backend
}

// Intake owns the inbound subscriptions and the bounded request queue.
type Intake struct {
	dvm      *nostr.Identity
	ring     *keys.Ring
	pool     *relay.Pool
	jobs     *store.JobsStore
	app      *store.AppDataStore
	sched    *scheduler.Scheduler
	gate     *support.Engine
	disp     Dispatcher
	repairer Repairer
	flusher  FlushQueuer
	throttle cache.Backend
	cfg      Config
	log      zerolog.Logger

	requests *queue.Queue
	verify   *queue.Queue

	wraps     *relay.Stream
	deletions *relay.Stream

	cursorMu sync.Mutex
	cursorAt map[string]int64

	now func() int64
}

// New wires the pipeline. Start opens the subscriptions.
func New(d Deps, cfg Config) *Intake {
	return &Intake{
		dvm:      d.DVM,
		ring:     d.Ring,
		pool:     d.Pool,
		jobs:     d.Jobs,
		app:      d.App,
		sched:    d.Scheduler,
		gate:     d.Gate,
		disp:     d.Publisher,
		repairer: d.Repairer,
		flusher:  d.Flusher,
		throttle: d.Throttle,
		cfg:      cfg,
		log:      logging.WithComponent("intake"),
		requests: queue.New("requests", cfg.workers(), cfg.queueCap()),
		verify:   queue.New("support-verify", verifyWorkers, verifyQueueCap),
		cursorAt: map[string]int64{},
		now:      func() int64 { return time.Now().Unix() },
	}
}

// Start opens the gift-wrap and deletion subscriptions. Both resume from the
// persisted cursor minus a safe margin so events stored while the process was
// down are replayed; dedup absorbs the overlap.
func (in *Intake) Start(ctx context.Context) error {
	wraps, err := relay.NewStream(in.pool, "wraps", in.cfg.Relays, in.wrapFilter, in.onWrap)
	if err != nil {
		return err
	}
	deletions, err := relay.NewStream(in.pool, "deletions", in.cfg.Relays, in.deletionFilter, in.onDeletion)
	if err != nil {
		return err
	}
	in.wraps = wraps
	in.deletions = deletions
	wraps.Start(ctx)
	deletions.Start(ctx)
	in.log.Info().Int("relays", len(in.cfg.Relays)).Msg("intake subscriptions started")
	return nil
}

// Stop closes the subscriptions and drains both queues.
func (in *Intake) Stop() {
	if in.wraps != nil {
		in.wraps.Stop()
	}
	if in.deletions != nil {
		in.deletions.Stop()
	}
	in.requests.Close()
	in.verify.Close()
}

func (in *Intake) wrapFilter() nostr.Filter {
	since := in.resumeSince(settingLastSeenWrap, wrapSafeMargin)
	return nostr.Filter{
		Kinds: []int{nostr.KindGiftWrap},
		PTags: []string{in.dvm.PubKey},
		Since: &since,
	}
}

func (in *Intake) deletionFilter() nostr.Filter {
	since := in.resumeSince(settingLastSeenDeletion, deletionSafeMargin)
	return nostr.Filter{
		Kinds: []int{nostr.KindDeletion},
		PTags: []string{in.dvm.PubKey},
		Since: &since,
	}
}

// resumeSince returns the persisted cursor minus margin, clamped to now.
func (in *Intake) resumeSince(key string, margin int64) int64 {
	last := in.now()
	if raw, err := in.app.GetSetting(key); err == nil && raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > 0 && v < last {
			last = v
		}
	}
	return last - margin
}

// touchCursor persists the wall clock as the subscription cursor, at most
// once per cursorPersistEvery seconds.
func (in *Intake) touchCursor(key string) {
	now := in.now()

	in.cursorMu.Lock()
	if now-in.cursorAt[key] < cursorPersistEvery {
		in.cursorMu.Unlock()
		return
	}
	in.cursorAt[key] = now
	in.cursorMu.Unlock()

	if err := in.app.PutSetting(key, strconv.FormatInt(now, 10)); err != nil {
		in.log.Warn().Str("key", key).Err(err).Msg("cursor persist failed")
	}
}

func (in *Intake) onWrap(ev nostr.Event, relayURL string) {
	in.touchCursor(settingLastSeenWrap)
	outer := ev
	in.requests.Submit(ev.ID, func() { in.handleWrap(&outer) })
	metrics.QueueDepth.WithLabelValues("requests").Set(float64(in.requests.Len()))
}

func (in *Intake) onDeletion(ev nostr.Event, relayURL string) {
	in.touchCursor(settingLastSeenDeletion)
	del := ev
	in.requests.Submit("del:"+ev.ID, func() { in.handleDeletion(&del) })
	metrics.QueueDepth.WithLabelValues("requests").Set(float64(in.requests.Len()))
}

// handleDeletion verifies the signature and forwards to the publisher, which
// checks per-job ownership.
func (in *Intake) handleDeletion(ev *nostr.Event) {
	if ev.Kind != nostr.KindDeletion {
		return
	}
	if err := ev.Verify(); err != nil {
		in.reject(ev.ID, "deletion_signature", err)
		return
	}
	in.disp.HandleDeletion(ev)
}

// handleWrap runs on a request worker: unwrap, validate, dedup, dispatch.
func (in *Intake) handleWrap(outer *nostr.Event) {
	seal, err := wrap.OpenGiftWrap(outer, in.dvm)
	if err != nil {
		in.reject(outer.ID, "unwrap", err)
		return
	}
	rumor, err := wrap.OpenSeal(seal, in.dvm)
	if err != nil {
		in.reject(outer.ID, "unseal", err)
		return
	}
	requester := seal.PubKey

	if !in.addressedToUs(rumor) {
		in.reject(outer.ID, "wrong_target", errors.New("rumor p-tag does not address this service"))
		return
	}
	if !nostr.IsValidHexID(rumor.ID) || rumor.ID != rumor.ComputeID() {
		in.reject(outer.ID, "bad_rumor_id", errors.New("rumor id does not match serialization"))
		return
	}

	// Dedup before any work: the same request fans in from several relays
	// under distinct wrap ids but one rumor id.
	if dup, err := in.jobs.HasJob(rumor.ID); err != nil {
		in.log.Error().Str("event", nostr.ShortID(rumor.ID)).Err(err).Msg("dedup lookup failed")
		return
	} else if dup {
		in.log.Debug().Str("event", nostr.ShortID(rumor.ID)).Msg("duplicate request dropped")
		metrics.RequestsRejected.WithLabelValues("duplicate").Inc()
		return
	}

	metrics.RequestsTotal.WithLabelValues(strconv.Itoa(rumor.Kind)).Inc()
	log := in.log.With().
		Str("event", nostr.ShortID(rumor.ID)).
		Str("user", nostr.ShortID(requester)).
		Int("kind", rumor.Kind).
		Logger()

	switch rumor.Kind {
	case nostr.KindScheduleNote:
		err = in.handleScheduleNote(rumor, requester)
	case nostr.KindMasterRequest:
		err = in.handleMasterRequest(rumor, requester)
	case nostr.KindScheduleDM:
		err = in.handleScheduleDM(rumor, requester)
	case nostr.KindRetryDM:
		err = in.handleRetryDM(rumor, requester)
	case nostr.KindMailboxRepair:
		err = in.handleRepair(rumor, requester)
	case nostr.KindSupportAction:
		err = in.handleSupportAction(rumor, requester)
	default:
		in.reject(rumor.ID, "unsupported_kind", errors.New("no handler for rumor kind"))
		return
	}

	switch {
	case err == nil:
	case errors.Is(err, support.ErrGateRejected):
		// The gate persisted a prompt and queued a flush; the request itself
		// is answered.
		log.Info().Str("reason", err.Error()).Msg("schedule gated")
		metrics.RequestsRejected.WithLabelValues("gated").Inc()
	case errors.Is(err, errDropSilently):
		log.Debug().Err(err).Msg("request refused")
		metrics.RequestsRejected.WithLabelValues("refused").Inc()
	default:
		var verr *validationError
		if errors.As(err, &verr) {
			log.Warn().Err(err).Msg("request invalid")
			metrics.RequestsRejected.WithLabelValues(verr.reason).Inc()
			return
		}
		log.Error().Err(err).Msg("request handling failed")
		metrics.RequestsRejected.WithLabelValues("internal").Inc()
	}
}

// addressedToUs checks the rumor's outer tags for a p-tag naming the DVM.
func (in *Intake) addressedToUs(rumor *nostr.Event) bool {
	for _, pk := range rumor.TagValues("p") {
		if pk == in.dvm.PubKey {
			return true
		}
	}
	return false
}

func (in *Intake) reject(eventID, reason string, err error) {
	in.log.Warn().Str("event", nostr.ShortID(eventID)).Str("reason", reason).Err(err).
		Msg("request rejected")
	metrics.RequestsRejected.WithLabelValues(reason).Inc()
}

// errDropSilently marks authorization-style refusals that must not warn.
var errDropSilently = errors.New("dropped")

// validationError carries the metrics reason for a malformed request.
type validationError struct {
	reason string
	err    error
}

func (e *validationError) Error() string { return e.err.Error() }
func (e *validationError) Unwrap() error { return e.err }

func invalid(reason string, err error) error {
	return &validationError{reason: reason, err: err}
}

// decryptPayload opens a rumor body encrypted under one of the requester's
// derived sub-keys.
func (in *Intake) decryptPayload(requester, content string, pick func(*keys.UserKeys) []byte) ([]byte, error) {
	uk, err := in.ring.ForUser(requester)
	if err != nil {
		return nil, invalid("keys", err)
	}
	plain, err := nip44.Decrypt(content, pick(uk))
	if err != nil {
		return nil, invalid("decrypt", err)
	}
	return []byte(plain), nil
}
