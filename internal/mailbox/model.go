// Package mailbox maintains each user's encrypted job ledger: a set of
// kind-30078 parameterized-replaceable shards a client reconstructs its queue
// and history from without any DVM API. Shards are addressed by stable d-tags
// derived from the user's mailbox id, encrypted under the user's derived keys
// and signed by the service identity.
package mailbox

import (
	"encoding/json"
	"fmt"

	"pidgeon-dvm/internal/nostr"
	"pidgeon-dvm/internal/store"
)

// shardVersion is carried in every plaintext document so clients can gate
// parsing on the layout they understand.
const shardVersion = 3

const dtagPrefix = "pidgeon:v3:mb:"

func indexDTag(mb string) string {
	return dtagPrefix + mb + ":index"
}

func pendingDTag(mb string, page int) string {
	return fmt.Sprintf("%s%s:pending:%d", dtagPrefix, mb, page)
}

func histDTag(mb, bucket string, page int) string {
	return fmt.Sprintf("%s%s:hist:%s:%d", dtagPrefix, mb, bucket, page)
}

func bucketDTag(mb, bucket string) string {
	return dtagPrefix + mb + ":bucket:" + bucket
}

// blobBaseDTag is the prefix clients append ":<part>" to. It is what the
// noteBlob reference carries.
func blobBaseDTag(mb, noteID string) string {
	return dtagPrefix + mb + ":blob:" + noteID
}

func blobPartDTag(mb, noteID string, part int) string {
	return fmt.Sprintf("%s:%d", blobBaseDTag(mb, noteID), part)
}

// Item kinds as rendered to clients.
const (
	itemKindNote   = "note"
	itemKindRepost = "repost"
	itemKindDM     = "dm17"
)

// Item is one ledger entry. Pending items carry the full payload (or a blob
// reference when oversized); terminal items carry enough to render history.
type Item struct {
	ID          string       `json:"id"`
	Kind        string       `json:"kind"`
	Status      string       `json:"status"`
	ScheduledAt int64        `json:"scheduledAt"`
	PostedAt    int64        `json:"postedAt,omitempty"`
	StatusInfo  string       `json:"statusInfo,omitempty"`
	LastError   string       `json:"lastError,omitempty"`
	Event       *nostr.Event `json:"event,omitempty"`
	EventID     string       `json:"eventId,omitempty"`
	Preview     string       `json:"preview,omitempty"`
	Truncated   bool         `json:"truncated,omitempty"`
	DM          *DMView      `json:"dm,omitempty"`
	NoteBlob    *BlobRef     `json:"noteBlob,omitempty"`
}

// DMView is the DM arm of an Item. DMEnc is emptied when the content moved
// to blob shards.
type DMView struct {
	PKVID      string          `json:"pkv_id"`
	DMEnc      string          `json:"dmEnc,omitempty"`
	Meta       json.RawMessage `json:"meta,omitempty"`
	Recipients []RecipientView `json:"recipients"`
}

// RecipientView is the per-recipient delivery state shown to the sender.
type RecipientView struct {
	Pubkey string `json:"pubkey"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// BlobRef points at the blob shards holding an oversized item's payload.
type BlobRef struct {
	DBase string `json:"dBase"`
	Parts int    `json:"parts"`
	Bytes int    `json:"bytes"`
}

// pageDoc is the plaintext of a pending or history page shard.
type pageDoc struct {
	V      int     `json:"v"`
	Bucket string  `json:"bucket,omitempty"`
	Page   int     `json:"page"`
	Items  []*Item `json:"items"`
}

// pageRef is how the index and bucket indices enumerate pages. Hash lets a
// client skip re-fetching pages it already holds.
type pageRef struct {
	Page  int    `json:"page"`
	Count int    `json:"count"`
	Hash  string `json:"hash"`
}

// bucketDoc is the plaintext of a monthly bucket index shard. Next names the
// next older bucket, or is empty for the oldest.
type bucketDoc struct {
	V      int       `json:"v"`
	Bucket string    `json:"bucket"`
	Pages  []pageRef `json:"pages"`
	Next   string    `json:"next,omitempty"`
}

// indexDoc is the plaintext of the global index shard, published last so a
// reader that sees it also sees everything it references.
type indexDoc struct {
	V               int             `json:"v"`
	Rev             int64           `json:"rev"`
	Relays          []string        `json:"relays"`
	PreviewCapsules json.RawMessage `json:"previewKeyCapsules,omitempty"`
	Counts          map[string]int  `json:"counts"`
	Support         *SupportView    `json:"support"`
	PendingPages    []pageRef       `json:"pending_pages"`
	BucketOrder     string          `json:"bucket_order"`
	Buckets         []string        `json:"buckets"`
}

// SupportView is the support snapshot clients render prompts and badges
// from.
type SupportView struct {
	IsSupporter       bool              `json:"isSupporter"`
	SupporterUntil    int64             `json:"supporterUntil,omitempty"`
	ScheduleCount     int64             `json:"scheduleCount"`
	FreeUntilCount    int64             `json:"freeUntilCount"`
	NextPromptAtCount int64             `json:"nextPromptAtCount,omitempty"`
	GatePrompt        *store.GatePrompt `json:"gatePrompt,omitempty"`
	Invoice           *InvoiceView      `json:"invoice,omitempty"`
}

// InvoiceView is the active invoice a client can pay.
type InvoiceView struct {
	ID        string `json:"id"`
	PR        string `json:"pr"`
	Sats      int64  `json:"sats"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt"`
}
