package nostr

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"

	"pidgeon-dvm/internal/nips"
)

// Identity is a signing keypair. PubKey is the x-only hex form used on the
// wire.
type Identity struct {
	Priv   *btcec.PrivateKey
	PubKey string
}

// GeneratePrivateKey returns a fresh random secp256k1 private key.
func GeneratePrivateKey() ([]byte, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return priv.Serialize(), nil
}

// GetPublicKey derives the x-only (BIP-340) public key as hex.
func GetPublicKey(privKeyBytes []byte) (string, error) {
	if len(privKeyBytes) != 32 {
		return "", errors.New("private key must be 32 bytes")
	}
	priv, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	if priv == nil {
		return "", errors.New("invalid private key")
	}
	return hex.EncodeToString(priv.PubKey().SerializeCompressed()[1:]), nil
}

// NewIdentity builds an Identity from raw private key bytes.
func NewIdentity(privKeyBytes []byte) (*Identity, error) {
	pub, err := GetPublicKey(privKeyBytes)
	if err != nil {
		return nil, err
	}
	priv, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	return &Identity{Priv: priv, PubKey: pub}, nil
}

// EphemeralIdentity generates a throwaway keypair for gift wrapping.
func EphemeralIdentity() (*Identity, error) {
	raw, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return NewIdentity(raw)
}

// ParseSecretKey accepts a 64-char hex secret or an nsec1 bech32 string and
// returns the raw 32-byte private key.
func ParseSecretKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "nsec1") {
		raw, err := nips.DecodeSecret(s)
		if err != nil {
			return nil, fmt.Errorf("decode nsec: %w", err)
		}
		return raw, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode secret hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, errors.New("secret must be 32 bytes")
	}
	return raw, nil
}
