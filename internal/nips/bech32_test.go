package nips

import (
	"encoding/hex"
	"testing"
)

// Vectors from the NIP-19 examples.
func TestDecodeSecret(t *testing.T) {
	raw, err := DecodeSecret("nsec1vl029mgpspedva04g90vltkh6fvh240zqtv9k0t9af8935ke9laqsnlfe5")
	if err != nil {
		t.Fatalf("DecodeSecret: %v", err)
	}
	want := "67dea2ed018072d675f5415ecfaed7d2597555e202d85b3d65ea4e58d2d92ffa"
	if got := hex.EncodeToString(raw); got != want {
		t.Errorf("got %s want %s", got, want)
	}
}

func TestPubkeyRoundtrip(t *testing.T) {
	hexPub := "7e7e9c42a91bfef19fa929e5fda1b72e0ebc1a4c1141673e2794234d86addf4e"

	npub, err := EncodePubkey(hexPub)
	if err != nil {
		t.Fatalf("EncodePubkey: %v", err)
	}
	if npub != "npub10elfcs4fr0l0r8af98jlmgdh9c8tcxjvz9qkw038js35mp4dma8qzvjptg" {
		t.Errorf("unexpected npub %s", npub)
	}

	back, err := DecodePubkey(npub)
	if err != nil {
		t.Fatalf("DecodePubkey: %v", err)
	}
	if back != hexPub {
		t.Errorf("roundtrip mismatch: %s", back)
	}
}

func TestDecodeSecretRejectsWrongHRP(t *testing.T) {
	if _, err := DecodeSecret("npub10elfcs4fr0l0r8af98jlmgdh9c8tcxjvz9qkw038js35mp4dma8qzvjptg"); err == nil {
		t.Error("expected error for npub passed as nsec")
	}
}

func TestEncodeEventID(t *testing.T) {
	note, err := EncodeEventID("71923eff571eccd15231e84ad3643db8ddad323c0ccae99250fdde3b2de047e3")
	if err != nil {
		t.Fatalf("EncodeEventID: %v", err)
	}
	if len(note) == 0 || note[:5] != "note1" {
		t.Errorf("unexpected note encoding %s", note)
	}
}
