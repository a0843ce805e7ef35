package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AppDataStore persists everything that is not a job: process settings,
// mailbox publication state, support counters and invoices. Lives in app.db.
type AppDataStore struct {
	db *sql.DB
}

var appSchema = []string{
	`CREATE TABLE IF NOT EXISTS settings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS mailbox_meta (
		pubkey               TEXT PRIMARY KEY,
		rev                  INTEGER NOT NULL DEFAULT 0,
		published_rev        INTEGER NOT NULL DEFAULT 0,
		published_relays_key TEXT NOT NULL DEFAULT '',
		published_hash       TEXT NOT NULL DEFAULT '',
		last_created_at      TEXT NOT NULL DEFAULT '{}',
		preview_capsules     TEXT NOT NULL DEFAULT '',
		updated_at           INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS mailbox_pages (
		pubkey     TEXT NOT NULL,
		bucket     TEXT NOT NULL,
		page       INTEGER NOT NULL,
		count      INTEGER NOT NULL,
		hash       TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (pubkey, bucket, page)
	)`,
	`CREATE TABLE IF NOT EXISTS mailbox_blobs (
		pubkey     TEXT NOT NULL,
		note_id    TEXT NOT NULL,
		parts      INTEGER NOT NULL,
		bytes      INTEGER NOT NULL,
		hash       TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (pubkey, note_id)
	)`,
	`CREATE TABLE IF NOT EXISTS support_state (
		pubkey               TEXT PRIMARY KEY,
		schedule_count       INTEGER NOT NULL DEFAULT 0,
		free_until_count     INTEGER NOT NULL DEFAULT 0,
		next_prompt_at_count INTEGER NOT NULL DEFAULT 0,
		supporter_until      INTEGER NOT NULL DEFAULT 0,
		gate_prompt          TEXT NOT NULL DEFAULT '',
		updated_at           INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS support_invoices (
		id            TEXT PRIMARY KEY,
		pubkey        TEXT NOT NULL,
		pr            TEXT NOT NULL,
		verify_url    TEXT NOT NULL,
		sats          INTEGER NOT NULL,
		status        TEXT NOT NULL,
		created_at    INTEGER NOT NULL,
		expires_at    INTEGER NOT NULL,
		settled_at    INTEGER NOT NULL DEFAULT 0,
		preimage      TEXT NOT NULL DEFAULT '',
		last_check_at INTEGER NOT NULL DEFAULT 0,
		last_error    TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_status_check ON support_invoices(status, last_check_at)`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_pubkey_created ON support_invoices(pubkey, created_at)`,
}

// OpenAppDataStore opens (creating if needed) app.db under dataDir.
func OpenAppDataStore(path string, busyTimeout time.Duration) (*AppDataStore, error) {
	db, err := openDB(path, busyTimeout)
	if err != nil {
		return nil, err
	}
	if err := migrate(db, appSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &AppDataStore{db: db}, nil
}

// Close releases the underlying database.
func (s *AppDataStore) Close() error { return s.db.Close() }

// --- settings ---

// GetSetting returns the value for key, or ErrNotFound.
func (s *AppDataStore) GetSetting(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return v, err
}

// PutSetting stores (key, value), replacing any previous value.
func (s *AppDataStore) PutSetting(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	return err
}

// --- mailbox meta ---

// MailboxMeta tracks the published state of one user's mailbox. Rev is bumped
// and persisted before any shard of a flush is published, so a crash leaves a
// detectable gap that repair can fill.
type MailboxMeta struct {
	Pubkey             string
	Rev                int64
	PublishedRev       int64
	PublishedRelaysKey string
	PublishedHash      string
	LastCreatedAt      map[string]int64 // d-tag -> last created_at used
	PreviewCapsules    string           // opaque JSON from clients
	UpdatedAt          int64
}

// GetMailboxMeta returns the meta row, or a zero-valued row for new users.
func (s *AppDataStore) GetMailboxMeta(pubkey string) (*MailboxMeta, error) {
	m := &MailboxMeta{Pubkey: pubkey, LastCreatedAt: map[string]int64{}}
	var lastCreatedJSON string
	err := s.db.QueryRow(`SELECT rev, published_rev, published_relays_key, published_hash,
		last_created_at, preview_capsules, updated_at FROM mailbox_meta WHERE pubkey = ?`, pubkey).
		Scan(&m.Rev, &m.PublishedRev, &m.PublishedRelaysKey, &m.PublishedHash,
			&lastCreatedJSON, &m.PreviewCapsules, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(lastCreatedJSON), &m.LastCreatedAt); err != nil {
		return nil, fmt.Errorf("mailbox meta %s last_created_at: %w", pubkey, err)
	}
	return m, nil
}

// PutMailboxMeta writes the full meta row.
func (s *AppDataStore) PutMailboxMeta(m *MailboxMeta) error {
	lastCreatedJSON, err := json.Marshal(m.LastCreatedAt)
	if err != nil {
		return fmt.Errorf("marshal last_created_at: %w", err)
	}
	m.UpdatedAt = time.Now().Unix()
	_, err = s.db.Exec(`INSERT INTO mailbox_meta
		(pubkey, rev, published_rev, published_relays_key, published_hash, last_created_at, preview_capsules, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			rev = excluded.rev,
			published_rev = excluded.published_rev,
			published_relays_key = excluded.published_relays_key,
			published_hash = excluded.published_hash,
			last_created_at = excluded.last_created_at,
			preview_capsules = excluded.preview_capsules,
			updated_at = excluded.updated_at`,
		m.Pubkey, m.Rev, m.PublishedRev, m.PublishedRelaysKey, m.PublishedHash,
		string(lastCreatedJSON), m.PreviewCapsules, m.UpdatedAt)
	return err
}

// BumpMailboxRev increments and persists rev, returning the new value. The
// increment is durable before the caller publishes anything under it.
func (s *AppDataStore) BumpMailboxRev(pubkey string) (int64, error) {
	var rev int64
	err := inTx(s.db, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		_, err := tx.Exec(`INSERT INTO mailbox_meta (pubkey, rev, updated_at) VALUES (?, 1, ?)
			ON CONFLICT(pubkey) DO UPDATE SET rev = rev + 1, updated_at = excluded.updated_at`,
			pubkey, now)
		if err != nil {
			return err
		}
		return tx.QueryRow(`SELECT rev FROM mailbox_meta WHERE pubkey = ?`, pubkey).Scan(&rev)
	})
	return rev, err
}

// SetPreviewCapsules stores the opaque capsule JSON a client handed us.
func (s *AppDataStore) SetPreviewCapsules(pubkey, capsules string) error {
	_, err := s.db.Exec(`INSERT INTO mailbox_meta (pubkey, preview_capsules, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET preview_capsules = excluded.preview_capsules, updated_at = excluded.updated_at`,
		pubkey, capsules, time.Now().Unix())
	return err
}

// --- mailbox pages ---

// BucketPending is the bucket sentinel for queue pages; history buckets use
// YYYY-MM.
const BucketPending = "__pending__"

// MailboxPage records the last-published fingerprint of one shard page.
type MailboxPage struct {
	Pubkey    string
	Bucket    string
	Page      int
	Count     int
	Hash      string
	UpdatedAt int64
}

// GetPages returns all recorded pages for (pubkey, bucket) ordered by page.
func (s *AppDataStore) GetPages(pubkey, bucket string) ([]*MailboxPage, error) {
	rows, err := s.db.Query(`SELECT pubkey, bucket, page, count, hash, updated_at
		FROM mailbox_pages WHERE pubkey = ? AND bucket = ? ORDER BY page ASC`, pubkey, bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MailboxPage
	for rows.Next() {
		var p MailboxPage
		if err := rows.Scan(&p.Pubkey, &p.Bucket, &p.Page, &p.Count, &p.Hash, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// ListBuckets returns the distinct history buckets recorded for a user,
// newest month first. The pending sentinel is excluded.
func (s *AppDataStore) ListBuckets(pubkey string) ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT bucket FROM mailbox_pages
		WHERE pubkey = ? AND bucket != ? ORDER BY bucket DESC`, pubkey, BucketPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpsertPage records the published fingerprint of one page.
func (s *AppDataStore) UpsertPage(p *MailboxPage) error {
	p.UpdatedAt = time.Now().Unix()
	_, err := s.db.Exec(`INSERT INTO mailbox_pages (pubkey, bucket, page, count, hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey, bucket, page) DO UPDATE SET
			count = excluded.count, hash = excluded.hash, updated_at = excluded.updated_at`,
		p.Pubkey, p.Bucket, p.Page, p.Count, p.Hash, p.UpdatedAt)
	return err
}

// DeletePagesFrom drops recorded pages >= fromPage in a bucket, used when a
// rebuild shrinks the page count.
func (s *AppDataStore) DeletePagesFrom(pubkey, bucket string, fromPage int) error {
	_, err := s.db.Exec(`DELETE FROM mailbox_pages WHERE pubkey = ? AND bucket = ? AND page >= ?`,
		pubkey, bucket, fromPage)
	return err
}

// --- mailbox blobs ---

// MailboxBlob is the manifest of one oversized item sharded across blob
// events.
type MailboxBlob struct {
	Pubkey    string
	NoteID    string
	Parts     int
	Bytes     int
	Hash      string
	UpdatedAt int64
}

// UpsertBlob records a published blob manifest.
func (s *AppDataStore) UpsertBlob(b *MailboxBlob) error {
	b.UpdatedAt = time.Now().Unix()
	_, err := s.db.Exec(`INSERT INTO mailbox_blobs (pubkey, note_id, parts, bytes, hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey, note_id) DO UPDATE SET
			parts = excluded.parts, bytes = excluded.bytes, hash = excluded.hash, updated_at = excluded.updated_at`,
		b.Pubkey, b.NoteID, b.Parts, b.Bytes, b.Hash, b.UpdatedAt)
	return err
}

// GetBlob returns one blob manifest or ErrNotFound.
func (s *AppDataStore) GetBlob(pubkey, noteID string) (*MailboxBlob, error) {
	var b MailboxBlob
	err := s.db.QueryRow(`SELECT pubkey, note_id, parts, bytes, hash, updated_at
		FROM mailbox_blobs WHERE pubkey = ? AND note_id = ?`, pubkey, noteID).
		Scan(&b.Pubkey, &b.NoteID, &b.Parts, &b.Bytes, &b.Hash, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBlobs returns all blob manifests for a user.
func (s *AppDataStore) ListBlobs(pubkey string) ([]*MailboxBlob, error) {
	rows, err := s.db.Query(`SELECT pubkey, note_id, parts, bytes, hash, updated_at
		FROM mailbox_blobs WHERE pubkey = ?`, pubkey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MailboxBlob
	for rows.Next() {
		var b MailboxBlob
		if err := rows.Scan(&b.Pubkey, &b.NoteID, &b.Parts, &b.Bytes, &b.Hash, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// DeleteBlob drops a blob manifest once the item leaves the pending queue.
func (s *AppDataStore) DeleteBlob(pubkey, noteID string) error {
	_, err := s.db.Exec(`DELETE FROM mailbox_blobs WHERE pubkey = ? AND note_id = ?`, pubkey, noteID)
	return err
}

// --- support state ---

// GatePrompt is the pending call-to-action shown to a gated user. Stored as
// JSON; nil means no prompt outstanding.
type GatePrompt struct {
	Reason    string `json:"reason"` // horizon | feature | window
	Feature   string `json:"feature,omitempty"`
	Message   string `json:"message,omitempty"`
	Lud16     string `json:"lud16,omitempty"`
	Sats      int64  `json:"sats,omitempty"`
	InvoiceID string `json:"invoiceId,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// SupportState holds one user's free-window accounting.
type SupportState struct {
	Pubkey            string
	ScheduleCount     int64
	FreeUntilCount    int64
	NextPromptAtCount int64
	SupporterUntil    int64
	GatePrompt        *GatePrompt
	UpdatedAt         int64
}

// IsSupporter reports whether the user holds an unexpired supporter grant.
func (st *SupportState) IsSupporter(now int64) bool {
	return st.SupporterUntil > now
}

func scanSupportState(r rowScanner, pubkey string) (*SupportState, error) {
	st := &SupportState{Pubkey: pubkey}
	var promptJSON string
	err := r.Scan(&st.ScheduleCount, &st.FreeUntilCount, &st.NextPromptAtCount,
		&st.SupporterUntil, &promptJSON, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if promptJSON != "" {
		var p GatePrompt
		if err := json.Unmarshal([]byte(promptJSON), &p); err != nil {
			return nil, fmt.Errorf("support state %s gate_prompt: %w", pubkey, err)
		}
		st.GatePrompt = &p
	}
	return st, nil
}

const supportStateQuery = `SELECT schedule_count, free_until_count, next_prompt_at_count,
	supporter_until, gate_prompt, updated_at FROM support_state WHERE pubkey = ?`

// GetSupportState returns the row, or zero counters for new users.
func (s *AppDataStore) GetSupportState(pubkey string) (*SupportState, error) {
	st, err := scanSupportState(s.db.QueryRow(supportStateQuery, pubkey), pubkey)
	if err == sql.ErrNoRows {
		return &SupportState{Pubkey: pubkey}, nil
	}
	return st, err
}

// MutateSupportState reads, applies fn, and writes back under one immediate
// transaction so concurrent gate checks for a user serialize.
func (s *AppDataStore) MutateSupportState(pubkey string, fn func(*SupportState) error) (*SupportState, error) {
	var out *SupportState
	err := inTx(s.db, func(tx *sql.Tx) error {
		st, err := scanSupportState(tx.QueryRow(supportStateQuery, pubkey), pubkey)
		if err == sql.ErrNoRows {
			st = &SupportState{Pubkey: pubkey}
		} else if err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return err
		}

		promptJSON := ""
		if st.GatePrompt != nil {
			b, err := json.Marshal(st.GatePrompt)
			if err != nil {
				return fmt.Errorf("marshal gate_prompt: %w", err)
			}
			promptJSON = string(b)
		}
		st.UpdatedAt = time.Now().Unix()

		_, err = tx.Exec(`INSERT INTO support_state
			(pubkey, schedule_count, free_until_count, next_prompt_at_count, supporter_until, gate_prompt, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(pubkey) DO UPDATE SET
				schedule_count = excluded.schedule_count,
				free_until_count = excluded.free_until_count,
				next_prompt_at_count = excluded.next_prompt_at_count,
				supporter_until = excluded.supporter_until,
				gate_prompt = excluded.gate_prompt,
				updated_at = excluded.updated_at`,
			pubkey, st.ScheduleCount, st.FreeUntilCount, st.NextPromptAtCount,
			st.SupporterUntil, promptJSON, st.UpdatedAt)
		if err != nil {
			return err
		}
		out = st
		return nil
	})
	return out, err
}

// --- support invoices ---

// Invoice statuses.
const (
	InvoicePending  = "pending"
	InvoiceSettled  = "settled"
	InvoiceExpired  = "expired"
	InvoiceCanceled = "canceled"
	InvoiceError    = "error"
)

// Invoice is one bolt11 support invoice and its verification state. VerifyURL
// is either an LNURL-verify endpoint or an "nwc:<payment_hash>" handle.
type Invoice struct {
	ID          string
	Pubkey      string
	PR          string
	VerifyURL   string
	Sats        int64
	Status      string
	CreatedAt   int64
	ExpiresAt   int64
	SettledAt   int64
	Preimage    string
	LastCheckAt int64
	LastError   string
}

const invoiceColumns = `id, pubkey, pr, verify_url, sats, status, created_at, expires_at, settled_at, preimage, last_check_at, last_error`

func scanInvoice(r rowScanner) (*Invoice, error) {
	var inv Invoice
	err := r.Scan(&inv.ID, &inv.Pubkey, &inv.PR, &inv.VerifyURL, &inv.Sats, &inv.Status,
		&inv.CreatedAt, &inv.ExpiresAt, &inv.SettledAt, &inv.Preimage, &inv.LastCheckAt, &inv.LastError)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// InsertInvoice stores a freshly created invoice.
func (s *AppDataStore) InsertInvoice(inv *Invoice) error {
	if inv.CreatedAt == 0 {
		inv.CreatedAt = time.Now().Unix()
	}
	_, err := s.db.Exec(`INSERT INTO support_invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.Pubkey, inv.PR, inv.VerifyURL, inv.Sats, inv.Status,
		inv.CreatedAt, inv.ExpiresAt, inv.SettledAt, inv.Preimage, inv.LastCheckAt, inv.LastError)
	return err
}

// UpdateInvoice writes back mutable fields.
func (s *AppDataStore) UpdateInvoice(inv *Invoice) error {
	_, err := s.db.Exec(`UPDATE support_invoices SET status = ?, settled_at = ?, preimage = ?,
		last_check_at = ?, last_error = ? WHERE id = ?`,
		inv.Status, inv.SettledAt, inv.Preimage, inv.LastCheckAt, inv.LastError, inv.ID)
	return err
}

// GetInvoice returns one invoice or ErrNotFound.
func (s *AppDataStore) GetInvoice(id string) (*Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRow(`SELECT `+invoiceColumns+` FROM support_invoices WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return inv, err
}

// ActivePendingInvoice returns the newest pending invoice for a user, or
// ErrNotFound. At most one pending invoice per user is treated as active.
func (s *AppDataStore) ActivePendingInvoice(pubkey string) (*Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRow(`SELECT `+invoiceColumns+` FROM support_invoices
		WHERE pubkey = ? AND status = ? ORDER BY created_at DESC LIMIT 1`, pubkey, InvoicePending))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return inv, err
}

// ListDueInvoices returns pending invoices whose last check is older than the
// cutoff, oldest check first, for the background verify poller.
func (s *AppDataStore) ListDueInvoices(checkedBefore int64, limit int) ([]*Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+invoiceColumns+` FROM support_invoices
		WHERE status = ? AND last_check_at < ? ORDER BY last_check_at ASC LIMIT ?`,
		InvoicePending, checkedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// ExpireInvoices marks pending invoices past their expiry and returns them so
// callers can flush the affected mailboxes.
func (s *AppDataStore) ExpireInvoices(now int64) ([]*Invoice, error) {
	rows, err := s.db.Query(`SELECT `+invoiceColumns+` FROM support_invoices
		WHERE status = ? AND expires_at > 0 AND expires_at < ?`, InvoicePending, now)
	if err != nil {
		return nil, err
	}
	var expired []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, inv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, inv := range expired {
		inv.Status = InvoiceExpired
		if err := s.UpdateInvoice(inv); err != nil {
			return nil, err
		}
	}
	return expired, nil
}
