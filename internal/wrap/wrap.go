// Package wrap builds and opens NIP-59 envelopes: rumor inside a kind-13
// seal inside a kind-1059 gift wrap. Inbound requests and outbound DM
// ferrying both ride this path.
package wrap

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"pidgeon-dvm/internal/nip44"
	"pidgeon-dvm/internal/nostr"
)

// Wrap timestamps are smeared into the past so relay observers cannot
// correlate them with the inner event times.
const timestampSmear = 2 * 24 * time.Hour

var (
	ErrNotGiftWrap = errors.New("outer event is not a gift wrap")
	ErrNotSeal     = errors.New("inner event is not a seal")
	ErrSealTags    = errors.New("seal must carry no tags")
	ErrAuthorMatch = errors.New("rumor author does not match seal author")
)

func smearedNow() int64 {
	return time.Now().Add(-time.Duration(rand.Int63n(int64(timestampSmear)))).Unix()
}

// NewRumor assembles an unsigned event with a computed id.
func NewRumor(kind int, authorPubkey string, createdAt int64, tags [][]string, content string) *nostr.Event {
	if tags == nil {
		tags = [][]string{}
	}
	rumor := &nostr.Event{
		PubKey:    authorPubkey,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	rumor.ID = rumor.ComputeID()
	return rumor
}

// Seal encrypts a rumor to the recipient and signs the kind-13 envelope with
// the sender key. Seals carry no tags so the recipient is invisible.
func Seal(rumor *nostr.Event, sender *nostr.Identity, recipientPubkey string) (*nostr.Event, error) {
	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		return nil, fmt.Errorf("seal: marshal rumor: %w", err)
	}

	convKey, err := conversationKey(sender, recipientPubkey)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	content, err := nip44.Encrypt(string(rumorJSON), convKey)
	if err != nil {
		return nil, fmt.Errorf("seal: encrypt: %w", err)
	}

	seal := &nostr.Event{
		PubKey:    sender.PubKey,
		CreatedAt: smearedNow(),
		Kind:      nostr.KindSeal,
		Tags:      [][]string{},
		Content:   content,
	}
	if err := seal.Sign(sender.Priv); err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return seal, nil
}

// GiftWrap encrypts a seal to the recipient under a fresh ephemeral key and
// addresses the kind-1059 envelope with a p-tag.
func GiftWrap(seal *nostr.Event, recipientPubkey string) (*nostr.Event, error) {
	eph, err := nostr.EphemeralIdentity()
	if err != nil {
		return nil, fmt.Errorf("gift wrap: %w", err)
	}
	return giftWrapWith(eph, seal, recipientPubkey)
}

func giftWrapWith(eph *nostr.Identity, seal *nostr.Event, recipientPubkey string) (*nostr.Event, error) {
	sealJSON, err := json.Marshal(seal)
	if err != nil {
		return nil, fmt.Errorf("gift wrap: marshal seal: %w", err)
	}

	convKey, err := conversationKey(eph, recipientPubkey)
	if err != nil {
		return nil, fmt.Errorf("gift wrap: %w", err)
	}
	content, err := nip44.Encrypt(string(sealJSON), convKey)
	if err != nil {
		return nil, fmt.Errorf("gift wrap: encrypt: %w", err)
	}

	outer := &nostr.Event{
		PubKey:    eph.PubKey,
		CreatedAt: smearedNow(),
		Kind:      nostr.KindGiftWrap,
		Tags:      [][]string{{"p", recipientPubkey}},
		Content:   content,
	}
	if err := outer.Sign(eph.Priv); err != nil {
		return nil, fmt.Errorf("gift wrap: %w", err)
	}
	return outer, nil
}

// WrapRumor runs the full rumor -> seal -> gift wrap pipeline.
func WrapRumor(rumor *nostr.Event, sender *nostr.Identity, recipientPubkey string) (*nostr.Event, error) {
	seal, err := Seal(rumor, sender, recipientPubkey)
	if err != nil {
		return nil, err
	}
	return GiftWrap(seal, recipientPubkey)
}

// OpenGiftWrap decrypts the outer envelope with the recipient key and
// validates the inner seal: kind 13, no tags, valid signature.
func OpenGiftWrap(outer *nostr.Event, recipient *nostr.Identity) (*nostr.Event, error) {
	if outer.Kind != nostr.KindGiftWrap {
		return nil, ErrNotGiftWrap
	}

	convKey, err := conversationKey(recipient, outer.PubKey)
	if err != nil {
		return nil, fmt.Errorf("open wrap: %w", err)
	}
	sealJSON, err := nip44.Decrypt(outer.Content, convKey)
	if err != nil {
		return nil, fmt.Errorf("open wrap: decrypt: %w", err)
	}

	seal, err := nostr.ParseEvent([]byte(sealJSON))
	if err != nil {
		return nil, fmt.Errorf("open wrap: parse seal: %w", err)
	}
	if err := ValidateSeal(seal); err != nil {
		return nil, err
	}
	return seal, nil
}

// ValidateSeal checks the seal envelope shape and signature. DM requests
// carry pre-built seals from the user, so this also guards stored payloads.
func ValidateSeal(seal *nostr.Event) error {
	if seal.Kind != nostr.KindSeal {
		return ErrNotSeal
	}
	if len(seal.Tags) != 0 {
		return ErrSealTags
	}
	if err := seal.Verify(); err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	return nil
}

// OpenSeal decrypts a validated seal and returns the rumor. The rumor author
// must equal the seal author so a forwarder cannot impersonate.
func OpenSeal(seal *nostr.Event, recipient *nostr.Identity) (*nostr.Event, error) {
	convKey, err := conversationKey(recipient, seal.PubKey)
	if err != nil {
		return nil, fmt.Errorf("open seal: %w", err)
	}
	rumorJSON, err := nip44.Decrypt(seal.Content, convKey)
	if err != nil {
		return nil, fmt.Errorf("open seal: decrypt: %w", err)
	}

	rumor, err := nostr.ParseEvent([]byte(rumorJSON))
	if err != nil {
		return nil, fmt.Errorf("open seal: parse rumor: %w", err)
	}
	if rumor.PubKey != seal.PubKey {
		return nil, ErrAuthorMatch
	}
	return rumor, nil
}

func conversationKey(id *nostr.Identity, counterpartyPubkey string) ([]byte, error) {
	pubBytes, err := hex.DecodeString(counterpartyPubkey)
	if err != nil || len(pubBytes) != 32 {
		return nil, errors.New("invalid pubkey")
	}
	return nip44.ConversationKey(id.Priv.Serialize(), pubBytes)
}
