// Package keys derives per-user key material from the DVM secret. Every
// user-facing secret (mailbox, submit, dm, blob keys and the mailbox id)
// comes out of one ECDH root so a client holding its own key can derive the
// identical set without talking to the DVM.
package keys

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/hkdf"

	"pidgeon-dvm/internal/nip44"
	"pidgeon-dvm/internal/nostr"
)

const (
	saltV3        = "pidgeon:v3"
	rootInfo      = "pidgeon:v3:root:"
	keyInfoPrefix = "pidgeon:v3:key:"
	mailboxIDInfo = "pidgeon:v3:mailbox-id"
)

// UserKeys is the full derived set for one user.
type UserKeys struct {
	Root    []byte
	Mailbox []byte
	Submit  []byte
	DM      []byte
	Blob    []byte
	MB      string // 16-byte mailbox id, base64url without padding
}

// Ring derives and caches user key sets against the DVM identity.
type Ring struct {
	dvm      *nostr.Identity
	keyCache *lru.Cache[string, *UserKeys]
	// DVM<->user NIP-44 conversation keys; ephemeral wrap keys are not
	// cached because they are seen once.
	convCache *lru.Cache[string, []byte]
}

// NewRing builds a Ring with bounded caches.
func NewRing(dvm *nostr.Identity, cacheSize int) (*Ring, error) {
	if dvm == nil || dvm.Priv == nil {
		return nil, errors.New("keys: missing dvm identity")
	}
	if cacheSize <= 0 {
		cacheSize = 2048
	}
	keyCache, err := lru.New[string, *UserKeys](cacheSize)
	if err != nil {
		return nil, err
	}
	convCache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Ring{dvm: dvm, keyCache: keyCache, convCache: convCache}, nil
}

// DVMPubKey returns the service pubkey the ring derives against.
func (r *Ring) DVMPubKey() string { return r.dvm.PubKey }

// ForUser returns the derived key set for a user pubkey, computing and
// caching it on first use.
func (r *Ring) ForUser(userPubkey string) (*UserKeys, error) {
	if uk, ok := r.keyCache.Get(userPubkey); ok {
		return uk, nil
	}

	uk, err := derive(r.dvm, userPubkey)
	if err != nil {
		return nil, err
	}
	r.keyCache.Add(userPubkey, uk)
	return uk, nil
}

// ConversationKey returns the NIP-44 conversation key between the DVM and a
// user pubkey, cached per user.
func (r *Ring) ConversationKey(userPubkey string) ([]byte, error) {
	if ck, ok := r.convCache.Get(userPubkey); ok {
		return ck, nil
	}
	pubBytes, err := decodePubkey(userPubkey)
	if err != nil {
		return nil, err
	}
	ck, err := nip44.ConversationKey(r.dvm.Priv.Serialize(), pubBytes)
	if err != nil {
		return nil, err
	}
	r.convCache.Add(userPubkey, ck)
	return ck, nil
}

func derive(dvm *nostr.Identity, userPubkey string) (*UserKeys, error) {
	pubBytes, err := decodePubkey(userPubkey)
	if err != nil {
		return nil, err
	}

	sharedX, err := nip44.SharedX(dvm.Priv.Serialize(), pubBytes)
	if err != nil {
		return nil, fmt.Errorf("derive root: %w", err)
	}

	root := make([]byte, 32)
	rootReader := hkdf.New(sha256.New, sharedX, []byte(saltV3), []byte(rootInfo+dvm.PubKey))
	if _, err := io.ReadFull(rootReader, root); err != nil {
		return nil, fmt.Errorf("derive root: %w", err)
	}

	uk := &UserKeys{Root: root}
	if uk.Mailbox, err = subKey(root, "mailbox"); err != nil {
		return nil, err
	}
	if uk.Submit, err = subKey(root, "submit"); err != nil {
		return nil, err
	}
	if uk.DM, err = subKey(root, "dm"); err != nil {
		return nil, err
	}
	if uk.Blob, err = subKey(root, "blob"); err != nil {
		return nil, err
	}

	mb := make([]byte, 16)
	mbReader := hkdf.New(sha256.New, root, nil, []byte(mailboxIDInfo))
	if _, err := io.ReadFull(mbReader, mb); err != nil {
		return nil, fmt.Errorf("derive mailbox id: %w", err)
	}
	uk.MB = base64.RawURLEncoding.EncodeToString(mb)

	return uk, nil
}

func subKey(root []byte, label string) ([]byte, error) {
	out := make([]byte, 32)
	reader := hkdf.New(sha256.New, root, nil, []byte(keyInfoPrefix+label))
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", label, err)
	}
	return out, nil
}

func decodePubkey(pubkey string) ([]byte, error) {
	raw, err := hex.DecodeString(pubkey)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, errors.New("pubkey must be 32 bytes")
	}
	return raw, nil
}

// RootB64 is the capsule form of the root key shared with clients.
func (uk *UserKeys) RootB64() string {
	return base64.RawURLEncoding.EncodeToString(uk.Root)
}
