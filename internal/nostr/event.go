package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Event is a NIP-01 event. Rumors travel with an empty Sig.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Serialize renders the canonical [0,pubkey,created_at,kind,tags,content]
// array. Escaping follows the NIP-01 table byte for byte; encoding/json would
// escape HTML characters and control bytes differently and change the hash.
func (ev *Event) Serialize() []byte {
	buf := make([]byte, 0, 128+len(ev.Content))
	buf = append(buf, `[0,"`...)
	buf = append(buf, ev.PubKey...)
	buf = append(buf, `",`...)
	buf = strconv.AppendInt(buf, ev.CreatedAt, 10)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(ev.Kind), 10)
	buf = append(buf, ',')
	buf = appendTagsJSON(buf, ev.Tags)
	buf = append(buf, ',', '"')
	buf = appendEscaped(buf, ev.Content)
	buf = append(buf, '"', ']')
	return buf
}

func appendTagsJSON(buf []byte, tags [][]string) []byte {
	buf = append(buf, '[')
	for i, tag := range tags {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '[')
		for j, item := range tag {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = append(buf, '"')
			buf = appendEscaped(buf, item)
			buf = append(buf, '"')
		}
		buf = append(buf, ']')
	}
	return append(buf, ']')
}

func appendEscaped(buf []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			buf = append(buf, '\\', '"')
		case c == '\\':
			buf = append(buf, '\\', '\\')
		case c == '\n':
			buf = append(buf, '\\', 'n')
		case c == '\r':
			buf = append(buf, '\\', 'r')
		case c == '\t':
			buf = append(buf, '\\', 't')
		case c == 0x08:
			buf = append(buf, '\\', 'b')
		case c == 0x0c:
			buf = append(buf, '\\', 'f')
		case c < 0x20:
			buf = append(buf, fmt.Sprintf(`\u%04x`, c)...)
		default:
			buf = append(buf, c)
		}
	}
	return buf
}

// ComputeID returns the sha256 of the canonical serialization as hex.
func (ev *Event) ComputeID() string {
	hash := sha256.Sum256(ev.Serialize())
	return hex.EncodeToString(hash[:])
}

// Sign fills ID and Sig using the given private key. PubKey, CreatedAt, Kind,
// Tags and Content must already be set and PubKey must match the key.
func (ev *Event) Sign(priv *btcec.PrivateKey) error {
	if ev.PubKey == "" {
		return errors.New("sign: missing pubkey")
	}
	if ev.Tags == nil {
		ev.Tags = [][]string{}
	}
	ev.ID = ev.ComputeID()
	idBytes, err := hex.DecodeString(ev.ID)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	sig, err := schnorr.Sign(priv, idBytes)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	ev.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that ID matches the canonical serialization and that Sig is a
// valid BIP-340 signature over it by PubKey.
func (ev *Event) Verify() error {
	if len(ev.Sig) != 128 || len(ev.PubKey) != 64 {
		return errors.New("invalid sig or pubkey length")
	}
	if ev.ID != ev.ComputeID() {
		return errors.New("event id does not match serialization")
	}
	pkBytes, err := hex.DecodeString(ev.PubKey)
	if err != nil {
		return errors.New("invalid pubkey hex")
	}
	pub, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return fmt.Errorf("invalid pubkey: %w", err)
	}
	sigBytes, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return errors.New("invalid signature hex")
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	idBytes, err := hex.DecodeString(ev.ID)
	if err != nil || len(idBytes) != 32 {
		return errors.New("invalid event id")
	}
	if !sig.Verify(idBytes, pub) {
		return errors.New("signature verification failed")
	}
	return nil
}

// Tag returns the first tag whose first element equals name, or nil.
func (ev *Event) Tag(name string) []string {
	for _, tag := range ev.Tags {
		if len(tag) > 0 && tag[0] == name {
			return tag
		}
	}
	return nil
}

// TagValue returns the second element of the first tag named name, or "".
func (ev *Event) TagValue(name string) string {
	tag := ev.Tag(name)
	if len(tag) < 2 {
		return ""
	}
	return tag[1]
}

// TagValues returns the second element of every tag named name.
func (ev *Event) TagValues(name string) []string {
	var out []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			out = append(out, tag[1])
		}
	}
	return out
}

// ParseEvent decodes a JSON event and normalizes nil tags.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	if ev.Tags == nil {
		ev.Tags = [][]string{}
	}
	return &ev, nil
}

// ParseEventFromInterface converts already-decoded websocket JSON to an Event
// without re-encoding.
func ParseEventFromInterface(data interface{}) (Event, bool) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return Event{}, false
	}

	evt := Event{Tags: [][]string{}}

	if id, ok := m["id"].(string); ok {
		evt.ID = id
	}
	if pk, ok := m["pubkey"].(string); ok {
		evt.PubKey = pk
	}
	if createdAt, ok := m["created_at"].(float64); ok {
		evt.CreatedAt = int64(createdAt)
	}
	if kind, ok := m["kind"].(float64); ok {
		evt.Kind = int(kind)
	}
	if content, ok := m["content"].(string); ok {
		evt.Content = content
	}
	if sig, ok := m["sig"].(string); ok {
		evt.Sig = sig
	}

	if tags, ok := m["tags"].([]interface{}); ok {
		evt.Tags = make([][]string, 0, len(tags))
		for _, tag := range tags {
			if tagArr, ok := tag.([]interface{}); ok {
				strTag := make([]string, 0, len(tagArr))
				for _, elem := range tagArr {
					if s, ok := elem.(string); ok {
						strTag = append(strTag, s)
					}
				}
				evt.Tags = append(evt.Tags, strTag)
			}
		}
	}

	return evt, evt.ID != ""
}

// IsValidHexID reports whether s has the 64-char lowercase hex shape of event
// ids and pubkeys on the wire.
func IsValidHexID(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ShortID truncates an id or pubkey to 12 chars for logging.
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
