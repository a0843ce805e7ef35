package mailbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"pidgeon-dvm/internal/nostr"
	"pidgeon-dvm/internal/store"
)

const (
	defaultPageTarget = 24 * 1024
	defaultBlobChunk  = 16 * 1024
	defaultHardCap    = 48 * 1024

	// sizeRetries bounds the shrink loop when a packed page would still
	// overflow the hard cap after encryption.
	sizeRetries = 6

	// shardEnvelopeBytes approximates the signed-event JSON around the
	// encrypted content: id, pubkey, sig, created_at, kind, d and k tags.
	shardEnvelopeBytes = 400

	pageWrapperBytes = 64

	// previewRunes bounds the content excerpt carried on history items that
	// do not embed the full event.
	previewRunes = 256

	// bucketRowPage is the mailbox_pages row slot recording a bucket index
	// shard; real pages start at 0.
	bucketRowPage = -1
)

// snapshot is everything one flush renders from, read once up front so the
// state hash and the shards agree.
type snapshot struct {
	pending  []*store.Job // status scheduled, ordered by scheduledAt
	terminal []*store.Job // ordered by updatedAt ascending
	support  *store.SupportState
	invoice  *store.Invoice // active pending invoice, or nil
	capsules string
	counts   map[store.Status]int
}

// stateHash digests everything that can change a shard. Equal hashes against
// an unchanged relay set mean a flush has nothing to publish.
func (s *snapshot) stateHash(relaysKey string) string {
	h := sha256.New()
	fmt.Fprintf(h, "relays|%s\n", relaysKey)
	fmt.Fprintf(h, "capsules|%s\n", s.capsules)
	fmt.Fprintf(h, "support|%d|%d|%d|%d\n",
		s.support.ScheduleCount, s.support.FreeUntilCount,
		s.support.NextPromptAtCount, s.support.SupporterUntil)
	if s.support.GatePrompt != nil {
		raw, _ := json.Marshal(s.support.GatePrompt)
		fmt.Fprintf(h, "prompt|%s\n", raw)
	}
	if s.invoice != nil {
		fmt.Fprintf(h, "invoice|%s|%s\n", s.invoice.ID, s.invoice.Status)
	}

	line := func(prefix string, j *store.Job) {
		fmt.Fprintf(h, "%s|%s|%s|%d|%d|%s\n",
			prefix, j.ID, j.Status, j.ScheduledAt, j.UpdatedAt, j.LastError)
	}
	for _, j := range s.pending {
		if j.IsDM() {
			continue
		}
		line("note", j)
	}
	for _, j := range s.pending {
		if !j.IsDM() {
			continue
		}
		line("dm", j)
		// updatedAt is second-granular; recipient states feed the hash so
		// back-to-back delivery updates within one second still publish.
		for _, r := range j.Payload.DM.Recipients {
			fmt.Fprintf(h, "rcpt|%s|%s\n", r.Pubkey, r.Status)
		}
	}
	for _, j := range s.terminal {
		line("done", j)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// shard is one ready-to-encrypt plaintext with its change fingerprint.
type shard struct {
	dtag   string
	plain  []byte
	hash   string
	blob   bool   // encrypt under the blob key instead of the mailbox key
	bucket string // mailbox_pages row bucket; "" for index and blob parts
	page   int
	count  int
}

// blobSet is the rebuilt shard group for one oversized item.
type blobSet struct {
	noteID string
	parts  []*shard
	bytes  int
	hash   string // digest of the undivided payload, kept on the manifest
}

// buildResult is the complete shard set of one flush, grouped by publish
// stage: blobs, then pending pages, then history pages, then bucket indices,
// then the global index.
type buildResult struct {
	blobs   []*blobSet
	pending []*shard
	hist    []*shard
	buckets []*shard
	index   *shard

	pendingPages int
	bucketPages  map[string]int
}

type buildInput struct {
	mb     string
	rev    int64
	relays []string
	snap   *snapshot
	now    int64
}

// build renders the full shard set for one user. It is deterministic for a
// given snapshot, which is what lets repair reconstruct published shards.
func (m *Mailbox) build(in *buildInput) (*buildResult, error) {
	res := &buildResult{bucketPages: map[string]int{}}

	items := make([]*Item, 0, len(in.snap.pending))
	for _, j := range in.snap.pending {
		it := pendingItem(j)
		bs, err := m.extractBlob(in.mb, j.ID, it)
		if err != nil {
			return nil, err
		}
		if bs != nil {
			res.blobs = append(res.blobs, bs)
		}
		items = append(items, it)
	}

	pending, err := m.paginate(in.mb, "", items)
	if err != nil {
		return nil, err
	}
	res.pending = pending
	res.pendingPages = len(pending)

	if err := m.buildHistory(in, res); err != nil {
		return nil, err
	}

	return res, m.buildIndex(in, res)
}

// pendingItem renders one scheduled job as a ledger entry.
func pendingItem(j *store.Job) *Item {
	it := &Item{
		ID:          j.ID,
		Status:      string(j.Status),
		ScheduledAt: j.ScheduledAt,
		LastError:   j.LastError,
	}

	if dm := j.Payload.DM; dm != nil {
		it.Kind = itemKindDM
		view := &DMView{PKVID: dm.DM.PKVID, DMEnc: dm.DM.DMEnc, Meta: dm.DM.Meta}
		sent := 0
		for _, r := range dm.Recipients {
			view.Recipients = append(view.Recipients,
				RecipientView{Pubkey: r.Pubkey, Status: r.Status, Error: r.LastError})
			if r.Sent() {
				sent++
			}
		}
		if sent > 0 {
			it.StatusInfo = fmt.Sprintf("%d/%d delivered", sent, len(dm.Recipients))
		}
		it.DM = view
		return it
	}

	it.Kind = itemKindNote
	if j.Payload.Note.Kind == nostr.KindRepost {
		it.Kind = itemKindRepost
	}
	it.Event = j.Payload.Note
	return it
}

// histItem renders one terminal job. Sent notes carry a preview only; the
// published event is on public relays already. Failed and canceled notes
// keep the full draft while it fits so the user can recover it.
func (m *Mailbox) histItem(j *store.Job) *Item {
	it := &Item{
		ID:          j.ID,
		Status:      string(j.Status),
		ScheduledAt: j.ScheduledAt,
		PostedAt:    j.UpdatedAt,
		LastError:   j.LastError,
	}

	if dm := j.Payload.DM; dm != nil {
		it.Kind = itemKindDM
		view := &DMView{PKVID: dm.DM.PKVID, Meta: dm.DM.Meta}
		if j.Status == store.StatusError {
			// still retryable; keep the content reachable
			view.DMEnc = dm.DM.DMEnc
		}
		sent := 0
		for _, r := range dm.Recipients {
			view.Recipients = append(view.Recipients,
				RecipientView{Pubkey: r.Pubkey, Status: r.Status, Error: r.LastError})
			if r.Sent() {
				sent++
			}
		}
		it.StatusInfo = fmt.Sprintf("%d/%d delivered", sent, len(dm.Recipients))
		it.DM = view
		return it
	}

	ev := j.Payload.Note
	it.Kind = itemKindNote
	if ev.Kind == nostr.KindRepost {
		it.Kind = itemKindRepost
	}
	it.EventID = ev.ID

	if j.Status != store.StatusSent {
		if raw, err := json.Marshal(ev); err == nil && len(raw) <= m.cfg.pageTarget() {
			it.Event = ev
			it.EventID = ""
			return it
		}
		it.Truncated = true
	}
	it.Preview = truncateRunes(ev.Content, previewRunes)
	return it
}

// extractBlob moves an oversized item's payload into numbered blob shards
// and leaves a compact stub behind. Returns nil when the item fits.
func (m *Mailbox) extractBlob(mb, noteID string, it *Item) (*blobSet, error) {
	raw, err := json.Marshal(it)
	if err != nil {
		return nil, fmt.Errorf("render item %s: %w", it.ID, err)
	}
	if estimateEventSize(len(raw)+pageWrapperBytes) <= m.cfg.hardCap() {
		return nil, nil
	}

	var payload []byte
	if it.DM != nil {
		payload, err = json.Marshal(struct {
			DMEnc string `json:"dmEnc"`
		}{it.DM.DMEnc})
		it.DM.DMEnc = ""
	} else {
		payload, err = json.Marshal(struct {
			Content string     `json:"content"`
			Tags    [][]string `json:"tags"`
		}{it.Event.Content, it.Event.Tags})
		stub := *it.Event
		stub.Content = ""
		stub.Tags = nil
		it.Event = &stub
	}
	if err != nil {
		return nil, fmt.Errorf("render blob payload %s: %w", it.ID, err)
	}

	chunks := chunkUTF8(string(payload), m.cfg.blobChunk())
	bs := &blobSet{noteID: noteID, bytes: len(payload), hash: hashBytes(payload)}
	for i, c := range chunks {
		plain := []byte(c)
		bs.parts = append(bs.parts, &shard{
			dtag:  blobPartDTag(mb, noteID, i),
			plain: plain,
			hash:  hashBytes(plain),
			blob:  true,
			page:  i,
			count: len(chunks),
		})
	}
	it.NoteBlob = &BlobRef{DBase: blobBaseDTag(mb, noteID), Parts: len(chunks), Bytes: len(payload)}
	return bs, nil
}

// paginate packs items into page shards against the plaintext target, then
// checks each rendered page against the post-encryption hard cap. Overflow
// shrinks the target and retries; pathological inputs fall back to one item
// per page.
func (m *Mailbox) paginate(mb, bucket string, items []*Item) ([]*shard, error) {
	target := m.cfg.pageTarget()
	for attempt := 0; attempt <= sizeRetries; attempt++ {
		shards, ok, err := m.packPages(mb, bucket, items, target)
		if err != nil {
			return nil, err
		}
		if ok {
			return shards, nil
		}
		target = target * 7 / 10
		if target < 1024 {
			target = 1024
		}
	}

	groups := make([][]*Item, len(items))
	for i, it := range items {
		groups[i] = []*Item{it}
	}
	shards, err := m.renderPages(mb, bucket, groups)
	return shards, err
}

func (m *Mailbox) packPages(mb, bucket string, items []*Item, target int) ([]*shard, bool, error) {
	var groups [][]*Item
	var cur []*Item
	size := pageWrapperBytes
	for _, it := range items {
		raw, err := json.Marshal(it)
		if err != nil {
			return nil, false, fmt.Errorf("render item %s: %w", it.ID, err)
		}
		n := len(raw) + 1
		if len(cur) > 0 && size+n > target {
			groups = append(groups, cur)
			cur, size = nil, pageWrapperBytes
		}
		cur = append(cur, it)
		size += n
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}

	shards, err := m.renderPages(mb, bucket, groups)
	if err != nil {
		return nil, false, err
	}
	for _, s := range shards {
		if estimateEventSize(len(s.plain)) > m.cfg.hardCap() {
			return nil, false, nil
		}
	}
	return shards, true, nil
}

func (m *Mailbox) renderPages(mb, bucket string, groups [][]*Item) ([]*shard, error) {
	shards := make([]*shard, 0, len(groups))
	for i, group := range groups {
		doc := pageDoc{V: shardVersion, Page: i, Items: group}
		dtag := pendingDTag(mb, i)
		rowBucket := store.BucketPending
		if bucket != "" {
			doc.Bucket = bucket
			dtag = histDTag(mb, bucket, i)
			rowBucket = bucket
		}
		plain, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("render page %s: %w", dtag, err)
		}
		shards = append(shards, &shard{
			dtag:   dtag,
			plain:  plain,
			hash:   hashBytes(plain),
			bucket: rowBucket,
			page:   i,
			count:  len(group),
		})
	}
	return shards, nil
}

// buildHistory groups terminal jobs into monthly buckets and renders their
// pages plus one bucket index shard per month.
func (m *Mailbox) buildHistory(in *buildInput, res *buildResult) error {
	byBucket := map[string][]*Item{}
	for _, j := range in.snap.terminal {
		b := monthBucket(j.UpdatedAt)
		byBucket[b] = append(byBucket[b], m.histItem(j))
	}

	names := make([]string, 0, len(byBucket))
	for b := range byBucket {
		names = append(names, b)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names))) // newest month first

	bucketRefs := map[string][]pageRef{}
	for _, b := range names {
		pages, err := m.paginate(in.mb, b, byBucket[b])
		if err != nil {
			return err
		}
		res.hist = append(res.hist, pages...)
		res.bucketPages[b] = len(pages)
		bucketRefs[b] = pageRefs(pages)
	}

	for i, b := range names {
		doc := bucketDoc{V: shardVersion, Bucket: b, Pages: bucketRefs[b]}
		if i+1 < len(names) {
			doc.Next = names[i+1]
		}
		plain, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("render bucket %s: %w", b, err)
		}
		res.buckets = append(res.buckets, &shard{
			dtag:   bucketDTag(in.mb, b),
			plain:  plain,
			hash:   hashBytes(plain),
			bucket: b,
			page:   bucketRowPage,
			count:  len(bucketRefs[b]),
		})
	}
	return nil
}

// buildIndex renders the global index shard last: it references every other
// shard of the flush.
func (m *Mailbox) buildIndex(in *buildInput, res *buildResult) error {
	counts := map[string]int{}
	for st, n := range in.snap.counts {
		counts[string(st)] = n
	}

	buckets := make([]string, 0, len(res.buckets))
	for _, s := range res.buckets {
		buckets = append(buckets, s.bucket)
	}

	doc := indexDoc{
		V:            shardVersion,
		Rev:          in.rev,
		Relays:       in.relays,
		Counts:       counts,
		Support:      supportView(in.snap, in.now),
		PendingPages: pageRefs(res.pending),
		BucketOrder:  "desc",
		Buckets:      buckets,
	}
	if in.snap.capsules != "" && json.Valid([]byte(in.snap.capsules)) {
		doc.PreviewCapsules = json.RawMessage(in.snap.capsules)
	}

	plain, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("render index: %w", err)
	}
	res.index = &shard{
		dtag:  indexDTag(in.mb),
		plain: plain,
		hash:  hashBytes(plain),
	}
	return nil
}

func supportView(snap *snapshot, now int64) *SupportView {
	v := &SupportView{
		IsSupporter:       snap.support.IsSupporter(now),
		SupporterUntil:    snap.support.SupporterUntil,
		ScheduleCount:     snap.support.ScheduleCount,
		FreeUntilCount:    snap.support.FreeUntilCount,
		NextPromptAtCount: snap.support.NextPromptAtCount,
		GatePrompt:        snap.support.GatePrompt,
	}
	if inv := snap.invoice; inv != nil {
		v.Invoice = &InvoiceView{
			ID:        inv.ID,
			PR:        inv.PR,
			Sats:      inv.Sats,
			Status:    inv.Status,
			CreatedAt: inv.CreatedAt,
			ExpiresAt: inv.ExpiresAt,
		}
	}
	return v
}

func pageRefs(shards []*shard) []pageRef {
	refs := make([]pageRef, 0, len(shards))
	for _, s := range shards {
		refs = append(refs, pageRef{Page: s.page, Count: s.count, Hash: s.hash})
	}
	return refs
}

// estimateEventSize approximates the wire size of a signed shard holding an
// encrypted payload of plaintextLen bytes: NIP-44 padding, base64 expansion,
// and the event envelope.
func estimateEventSize(plaintextLen int) int {
	padded := plaintextLen + plaintextLen/8 + 32
	cipher := 1 + 32 + padded + 32
	b64 := (cipher + 2) / 3 * 4
	return b64 + shardEnvelopeBytes
}

// chunkUTF8 splits s into pieces of at most max bytes without cutting a rune
// in half.
func chunkUTF8(s string, max int) []string {
	if max <= 0 {
		max = defaultBlobChunk
	}
	var out []string
	for len(s) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = max
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if len(s) > 0 || len(out) == 0 {
		out = append(out, s)
	}
	return out
}

func monthBucket(unixSec int64) string {
	return time.Unix(unixSec, 0).UTC().Format("2006-01")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
