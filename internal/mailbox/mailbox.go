package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pidgeon-dvm/internal/keys"
	"pidgeon-dvm/internal/logging"
	"pidgeon-dvm/internal/metrics"
	"pidgeon-dvm/internal/nip44"
	"pidgeon-dvm/internal/nostr"
	"pidgeon-dvm/internal/relay"
	"pidgeon-dvm/internal/store"
)

// Config tunes shard sizing and publishing.
type Config struct {
	// Relays every shard is published to.
	Relays []string
	// PageTarget is the plaintext size a page aims for. Zero means 24 KiB.
	PageTarget int
	// BlobChunk is the plaintext size of one blob part. Zero means 16 KiB.
	BlobChunk int
	// HardCap is the estimated wire-size ceiling for one shard event. Zero
	// means 48 KiB.
	HardCap int
	// PublishTimeout bounds one relay publish. Zero means 10s.
	PublishTimeout time.Duration
	// ProbeTimeout bounds one repair probe leg. Zero means 2500ms.
	ProbeTimeout time.Duration
	// PublishConcurrency bounds concurrent shard publishes within a stage.
	// Zero means 4.
	PublishConcurrency int
	// MaxLedger caps how many jobs of each family feed the ledger. Zero
	// means 2000.
	MaxLedger int
	// ProbeRelays optionally narrows repair probing to relays known to
	// support #d filters. Nil probes Relays.
	ProbeRelays func() []string
}

func (c Config) pageTarget() int {
	if c.PageTarget <= 0 {
		return defaultPageTarget
	}
	return c.PageTarget
}

func (c Config) blobChunk() int {
	if c.BlobChunk <= 0 {
		return defaultBlobChunk
	}
	return c.BlobChunk
}

func (c Config) hardCap() int {
	if c.HardCap <= 0 {
		return defaultHardCap
	}
	return c.HardCap
}

func (c Config) publishTimeout() time.Duration {
	if c.PublishTimeout <= 0 {
		return 10 * time.Second
	}
	return c.PublishTimeout
}

func (c Config) probeTimeout() time.Duration {
	if c.ProbeTimeout <= 0 {
		return 2500 * time.Millisecond
	}
	return c.ProbeTimeout
}

func (c Config) publishConcurrency() int {
	if c.PublishConcurrency <= 0 {
		return 4
	}
	return c.PublishConcurrency
}

func (c Config) maxLedger() int {
	if c.MaxLedger <= 0 {
		return 2000
	}
	return c.MaxLedger
}

func (c Config) probeRelays() []string {
	if c.ProbeRelays != nil {
		if relays := c.ProbeRelays(); len(relays) > 0 {
			return relays
		}
	}
	return c.Relays
}

// Mailbox builds, encrypts, signs and publishes ledger shards. Flushes for
// one user are serialized by the Flusher; userLocks additionally fences
// flushes against concurrently requested repairs.
type Mailbox struct {
	jobs *store.JobsStore
	app  *store.AppDataStore
	ring *keys.Ring
	pool *relay.Pool
	dvm  *nostr.Identity
	cfg  Config
	log  zerolog.Logger

	userLocks sync.Map // pubkey -> *sync.Mutex
	now       func() int64
}

func New(jobs *store.JobsStore, app *store.AppDataStore, ring *keys.Ring, pool *relay.Pool, dvm *nostr.Identity, cfg Config) *Mailbox {
	return &Mailbox{
		jobs: jobs,
		app:  app,
		ring: ring,
		pool: pool,
		dvm:  dvm,
		cfg:  cfg,
		log:  logging.WithComponent("mailbox"),
		now:  func() int64 { return time.Now().Unix() },
	}
}

func (m *Mailbox) lockUser(pubkey string) *sync.Mutex {
	mu, _ := m.userLocks.LoadOrStore(pubkey, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Flush outcomes as counted by metrics.
const (
	outcomePublished = "published"
	outcomeUnchanged = "unchanged"
	outcomeError     = "error"
)

// Flush rebuilds one user's mailbox and publishes every shard that changed.
// Returns nil without publishing when the state hash and relay set match the
// last published flush.
func (m *Mailbox) Flush(ctx context.Context, pubkey string) error {
	mu := m.lockUser(pubkey)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	outcome, err := m.flush(ctx, pubkey)
	metrics.MailboxFlushes.WithLabelValues(outcome).Inc()
	if outcome == outcomePublished {
		metrics.MailboxFlushDuration.Observe(time.Since(start).Seconds())
	}
	return err
}

func (m *Mailbox) flush(ctx context.Context, pubkey string) (string, error) {
	log := logging.WithUser("mailbox", pubkey)

	uk, err := m.ring.ForUser(pubkey)
	if err != nil {
		return outcomeError, fmt.Errorf("derive keys: %w", err)
	}
	meta, err := m.app.GetMailboxMeta(pubkey)
	if err != nil {
		return outcomeError, fmt.Errorf("load meta: %w", err)
	}
	snap, err := m.snapshot(pubkey, meta)
	if err != nil {
		return outcomeError, fmt.Errorf("load snapshot: %w", err)
	}

	rk := relaysKey(m.cfg.Relays)
	hash := snap.stateHash(rk)
	if hash == meta.PublishedHash && rk == meta.PublishedRelaysKey {
		log.Debug().Int64("rev", meta.Rev).Msg("mailbox unchanged")
		return outcomeUnchanged, nil
	}
	relaysChanged := rk != meta.PublishedRelaysKey

	// The rev is durable before anything is published under it.
	rev, err := m.app.BumpMailboxRev(pubkey)
	if err != nil {
		return outcomeError, fmt.Errorf("bump rev: %w", err)
	}

	res, err := m.build(&buildInput{mb: uk.MB, rev: rev, relays: m.cfg.Relays, snap: snap, now: m.now()})
	if err != nil {
		return outcomeError, fmt.Errorf("build shards: %w", err)
	}

	plan, err := m.prepare(pubkey, meta, uk, res, relaysChanged)
	if err != nil {
		return outcomeError, fmt.Errorf("prepare shards: %w", err)
	}

	// Persist intent before any network IO. A crash from here leaves a
	// consistent-looking meta with shards missing from relays, which is
	// exactly the state Repair probes for and fixes.
	meta.Rev = rev
	meta.PublishedRev = rev
	meta.PublishedHash = hash
	meta.PublishedRelaysKey = rk
	if err := m.app.PutMailboxMeta(meta); err != nil {
		return outcomeError, fmt.Errorf("persist meta: %w", err)
	}

	if err := m.publishPlan(ctx, pubkey, plan); err != nil {
		// Force the next attempt to rebuild instead of short-circuiting.
		meta.PublishedHash = ""
		if perr := m.app.PutMailboxMeta(meta); perr != nil {
			log.Error().Err(perr).Msg("failed to clear published hash")
		}
		return outcomeError, err
	}

	m.cleanupRows(pubkey, res)
	log.Info().
		Int64("rev", rev).
		Int("published", plan.total).
		Int("pending_pages", res.pendingPages).
		Int("blobs", len(res.blobs)).
		Msg("mailbox published")
	return outcomePublished, nil
}

// snapshot reads everything a flush renders from.
func (m *Mailbox) snapshot(pubkey string, meta *store.MailboxMeta) (*snapshot, error) {
	pending, err := m.jobs.ListUserJobs(pubkey, []store.Status{store.StatusScheduled}, m.cfg.maxLedger())
	if err != nil {
		return nil, err
	}
	terminal, err := m.jobs.ListUserJobs(pubkey,
		[]store.Status{store.StatusSent, store.StatusError, store.StatusCanceled}, m.cfg.maxLedger())
	if err != nil {
		return nil, err
	}
	support, err := m.app.GetSupportState(pubkey)
	if err != nil {
		return nil, err
	}
	invoice, err := m.app.ActivePendingInvoice(pubkey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	counts, err := m.jobs.CountByStatus(pubkey)
	if err != nil {
		return nil, err
	}

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].ScheduledAt != pending[j].ScheduledAt {
			return pending[i].ScheduledAt < pending[j].ScheduledAt
		}
		return pending[i].ID < pending[j].ID
	})
	sort.Slice(terminal, func(i, j int) bool {
		if terminal[i].UpdatedAt != terminal[j].UpdatedAt {
			return terminal[i].UpdatedAt < terminal[j].UpdatedAt
		}
		return terminal[i].ID < terminal[j].ID
	})

	return &snapshot{
		pending:  pending,
		terminal: terminal,
		support:  support,
		invoice:  invoice,
		capsules: meta.PreviewCapsules,
		counts:   counts,
	}, nil
}

// signedShard pairs a shard with its encrypted, signed event.
type signedShard struct {
	s  *shard
	ev *nostr.Event
}

type plannedBlob struct {
	manifest *store.MailboxBlob
	parts    []*signedShard
}

// flushPlan is the subset of the build that actually needs publishing, in
// stage order, already encrypted and signed.
type flushPlan struct {
	blobs   []*plannedBlob
	pending []*signedShard
	hist    []*signedShard
	buckets []*signedShard
	index   *signedShard
	total   int
}

// prepare diffs the build against the recorded fingerprints and signs every
// shard that must go out. Timestamps are assigned here, so meta carries the
// full created_at map before it is persisted.
func (m *Mailbox) prepare(pubkey string, meta *store.MailboxMeta, uk *keys.UserKeys, res *buildResult, relaysChanged bool) (*flushPlan, error) {
	plan := &flushPlan{}

	blobRows, err := m.app.ListBlobs(pubkey)
	if err != nil {
		return nil, err
	}
	byNote := map[string]*store.MailboxBlob{}
	for _, b := range blobRows {
		byNote[b.NoteID] = b
	}
	for _, bs := range res.blobs {
		if row, ok := byNote[bs.noteID]; ok && !relaysChanged &&
			row.Hash == bs.hash && row.Parts == len(bs.parts) {
			continue
		}
		pb := &plannedBlob{manifest: &store.MailboxBlob{
			Pubkey: pubkey,
			NoteID: bs.noteID,
			Parts:  len(bs.parts),
			Bytes:  bs.bytes,
			Hash:   bs.hash,
		}}
		for _, part := range bs.parts {
			ss, err := m.signShard(meta, uk, part)
			if err != nil {
				return nil, err
			}
			pb.parts = append(pb.parts, ss)
			plan.total++
		}
		plan.blobs = append(plan.blobs, pb)
	}

	rows, err := m.pageRows(pubkey, res)
	if err != nil {
		return nil, err
	}
	keep := func(s *shard) bool {
		if relaysChanged {
			return false
		}
		row, ok := rows[s.bucket][s.page]
		return ok && row.Hash == s.hash && row.Count == s.count
	}

	for _, s := range res.pending {
		if keep(s) {
			continue
		}
		ss, err := m.signShard(meta, uk, s)
		if err != nil {
			return nil, err
		}
		plan.pending = append(plan.pending, ss)
		plan.total++
	}
	for _, s := range res.hist {
		if keep(s) {
			continue
		}
		ss, err := m.signShard(meta, uk, s)
		if err != nil {
			return nil, err
		}
		plan.hist = append(plan.hist, ss)
		plan.total++
	}
	for _, s := range res.buckets {
		if keep(s) {
			continue
		}
		ss, err := m.signShard(meta, uk, s)
		if err != nil {
			return nil, err
		}
		plan.buckets = append(plan.buckets, ss)
		plan.total++
	}

	// the index is republished on every flush: it carries the new rev
	index, err := m.signShard(meta, uk, res.index)
	if err != nil {
		return nil, err
	}
	plan.index = index
	plan.total++

	return plan, nil
}

func (m *Mailbox) pageRows(pubkey string, res *buildResult) (map[string]map[int]*store.MailboxPage, error) {
	rows := map[string]map[int]*store.MailboxPage{}
	load := func(bucket string) error {
		if _, ok := rows[bucket]; ok {
			return nil
		}
		pages, err := m.app.GetPages(pubkey, bucket)
		if err != nil {
			return err
		}
		byPage := map[int]*store.MailboxPage{}
		for _, p := range pages {
			byPage[p.Page] = p
		}
		rows[bucket] = byPage
		return nil
	}

	if err := load(store.BucketPending); err != nil {
		return nil, err
	}
	for b := range res.bucketPages {
		if err := load(b); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// signShard encrypts one plaintext under the right derived key, stamps a
// created_at strictly above the last one used for the d-tag, and signs with
// the service identity.
func (m *Mailbox) signShard(meta *store.MailboxMeta, uk *keys.UserKeys, s *shard) (*signedShard, error) {
	key := uk.Mailbox
	if s.blob {
		key = uk.Blob
	}
	cipher, err := nip44.Encrypt(string(s.plain), key)
	if err != nil {
		return nil, fmt.Errorf("encrypt %s: %w", s.dtag, err)
	}

	ts := m.now()
	if last := meta.LastCreatedAt[s.dtag]; ts <= last {
		ts = last + 1
	}
	meta.LastCreatedAt[s.dtag] = ts

	ev := &nostr.Event{
		PubKey:    m.dvm.PubKey,
		CreatedAt: ts,
		Kind:      nostr.KindAppData,
		Tags:      [][]string{{"d", s.dtag}, {"k", "3"}},
		Content:   cipher,
	}
	if err := ev.Sign(m.dvm.Priv); err != nil {
		return nil, fmt.Errorf("sign %s: %w", s.dtag, err)
	}
	return &signedShard{s: s, ev: ev}, nil
}

// publishPlan pushes the stages out in order: blobs, pending pages, history
// pages, bucket indices, index. A reader that sees a later stage can resolve
// everything it references from the earlier ones.
func (m *Mailbox) publishPlan(ctx context.Context, pubkey string, plan *flushPlan) error {
	if len(plan.blobs) > 0 {
		grp := errgroup.Group{}
		grp.SetLimit(m.cfg.publishConcurrency())
		for _, pb := range plan.blobs {
			pb := pb
			grp.Go(func() error {
				for _, ss := range pb.parts {
					if err := m.publishShard(ctx, ss.ev); err != nil {
						return fmt.Errorf("blob %s: %w", ss.s.dtag, err)
					}
				}
				return m.app.UpsertBlob(pb.manifest)
			})
		}
		if err := grp.Wait(); err != nil {
			return err
		}
	}

	recordPage := func(ss *signedShard) error {
		return m.app.UpsertPage(&store.MailboxPage{
			Pubkey: pubkey,
			Bucket: ss.s.bucket,
			Page:   ss.s.page,
			Count:  ss.s.count,
			Hash:   ss.s.hash,
		})
	}
	for _, stage := range [][]*signedShard{plan.pending, plan.hist, plan.buckets} {
		if err := m.publishStage(ctx, stage, recordPage); err != nil {
			return err
		}
	}
	if err := m.publishShard(ctx, plan.index.ev); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	return nil
}

func (m *Mailbox) publishStage(ctx context.Context, shards []*signedShard, after func(*signedShard) error) error {
	if len(shards) == 0 {
		return nil
	}
	grp := errgroup.Group{}
	grp.SetLimit(m.cfg.publishConcurrency())
	for _, ss := range shards {
		ss := ss
		grp.Go(func() error {
			if err := m.publishShard(ctx, ss.ev); err != nil {
				return fmt.Errorf("shard %s: %w", ss.s.dtag, err)
			}
			return after(ss)
		})
	}
	return grp.Wait()
}

// publishShard sends one event to every relay in parallel. One acceptance is
// enough; zero is a failure.
func (m *Mailbox) publishShard(ctx context.Context, ev *nostr.Event) error {
	relays := m.cfg.Relays
	notes := make([]string, len(relays))
	acked := make([]bool, len(relays))

	var wg sync.WaitGroup
	for i, u := range relays {
		i, u := i, u
		wg.Add(1)
		go func() {
			defer wg.Done()

			legCtx, cancel := context.WithTimeout(ctx, m.cfg.publishTimeout())
			defer cancel()

			start := time.Now()
			resp, err := m.pool.Publish(legCtx, u, ev)
			elapsed := time.Since(start).Seconds()

			switch {
			case err != nil:
				metrics.RelayPublishSeconds.WithLabelValues("error").Observe(elapsed)
				notes[i] = u + ": " + err.Error()
			case !resp.Success:
				metrics.RelayPublishSeconds.WithLabelValues("rejected").Observe(elapsed)
				notes[i] = u + ": rejected: " + resp.Message
			default:
				metrics.RelayPublishSeconds.WithLabelValues("ok").Observe(elapsed)
				acked[i] = true
			}
		}()
	}
	wg.Wait()

	for _, ok := range acked {
		if ok {
			return nil
		}
	}
	return errors.New("no relay accepted: " + strings.Join(notes, "; "))
}

// cleanupRows drops fingerprints for shards the build no longer produces.
// The relay copies become unreferenced once the new index is out.
func (m *Mailbox) cleanupRows(pubkey string, res *buildResult) {
	if err := m.app.DeletePagesFrom(pubkey, store.BucketPending, res.pendingPages); err != nil {
		m.log.Warn().Err(err).Msg("cleanup pending rows")
	}

	stored, err := m.app.ListBuckets(pubkey)
	if err != nil {
		m.log.Warn().Err(err).Msg("cleanup list buckets")
		return
	}
	for _, b := range stored {
		n, ok := res.bucketPages[b]
		if !ok {
			n = bucketRowPage // drop the whole bucket including its index row
		}
		if err := m.app.DeletePagesFrom(pubkey, b, n); err != nil {
			m.log.Warn().Str("bucket", b).Err(err).Msg("cleanup bucket rows")
		}
	}

	live := map[string]bool{}
	for _, bs := range res.blobs {
		live[bs.noteID] = true
	}
	blobs, err := m.app.ListBlobs(pubkey)
	if err != nil {
		m.log.Warn().Err(err).Msg("cleanup list blobs")
		return
	}
	for _, b := range blobs {
		if live[b.NoteID] {
			continue
		}
		if err := m.app.DeleteBlob(pubkey, b.NoteID); err != nil {
			m.log.Warn().Str("note", nostr.ShortID(b.NoteID)).Err(err).Msg("cleanup blob manifest")
		}
	}
}

// relaysKey is the stable serialization of the publish-relay set compared
// across flushes.
func relaysKey(relays []string) string {
	sorted := append([]string(nil), relays...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
