// Package relaytest runs an in-process relay speaking enough of the wire
// protocol for tests: EVENT storage with OK verdicts, REQ replay with EOSE,
// and replaceable-event semantics for parameterized kinds.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"pidgeon-dvm/internal/nostr"
)

// Server is a fake relay backed by httptest.
type Server struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	events    []nostr.Event
	rejectAll bool
	received  int

	liveMu   sync.Mutex
	liveSubs map[*liveSub]struct{}
}

type liveSub struct {
	send  func(v interface{})
	subID string
	raw   map[string]interface{}
}

// New starts a fake relay that is closed with the test.
func New(t *testing.T) *Server {
	t.Helper()
	s := &Server{t: t, liveSubs: make(map[*liveSub]struct{})}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

// URL returns the ws:// address of the fake relay.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

// RejectAll makes the relay answer OK=false to every publish.
func (s *Server) RejectAll(reject bool) {
	s.mu.Lock()
	s.rejectAll = reject
	s.mu.Unlock()
}

// Seed stores events directly, bypassing the wire.
func (s *Server) Seed(events ...nostr.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		s.storeLocked(ev)
	}
}

// Events returns a copy of the stored events.
func (s *Server) Events() []nostr.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]nostr.Event, len(s.events))
	copy(out, s.events)
	return out
}

// EventByID returns a stored event or nil.
func (s *Server) EventByID(id string) *nostr.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == id {
			ev := s.events[i]
			return &ev
		}
	}
	return nil
}

// EventsByKind returns stored events of one kind.
func (s *Server) EventsByKind(kind int) []nostr.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []nostr.Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Received reports how many EVENT messages arrived over the wire, accepted
// or not.
func (s *Server) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Delete removes stored events by id, simulating relay-side loss.
func (s *Server) Delete(ids ...string) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	for _, ev := range s.events {
		if !drop[ev.ID] {
			kept = append(kept, ev)
		}
	}
	s.events = kept
}

// storeLocked applies NIP-01 replaceable semantics for parameterized kinds:
// a (pubkey, kind, d) triple keeps only the newest event.
func (s *Server) storeLocked(ev nostr.Event) {
	if ev.Kind >= 30000 && ev.Kind < 40000 {
		d := ev.TagValue("d")
		for i := range s.events {
			old := &s.events[i]
			if old.Kind == ev.Kind && old.PubKey == ev.PubKey && old.TagValue("d") == d {
				if ev.CreatedAt >= old.CreatedAt {
					s.events[i] = ev
				}
				return
			}
		}
	}
	s.events = append(s.events, ev)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(v interface{}) {
		writeMu.Lock()
		conn.WriteJSON(v)
		writeMu.Unlock()
	}

	var mySubs []*liveSub
	defer func() {
		s.liveMu.Lock()
		for _, ls := range mySubs {
			delete(s.liveSubs, ls)
		}
		s.liveMu.Unlock()
	}()

	for {
		var msg []json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if len(msg) < 2 {
			continue
		}
		var typ string
		json.Unmarshal(msg[0], &typ)

		switch typ {
		case "EVENT":
			var ev nostr.Event
			if err := json.Unmarshal(msg[1], &ev); err != nil {
				continue
			}
			s.mu.Lock()
			s.received++
			reject := s.rejectAll
			if !reject {
				s.storeLocked(ev)
			}
			s.mu.Unlock()

			if reject {
				send([]interface{}{"OK", ev.ID, false, "blocked: test policy"})
				continue
			}
			send([]interface{}{"OK", ev.ID, true, ""})

			// Feed live subscriptions.
			s.liveMu.Lock()
			for ls := range s.liveSubs {
				if matchesRaw(ls.raw, ev) {
					ls.send([]interface{}{"EVENT", ls.subID, ev})
				}
			}
			s.liveMu.Unlock()

		case "REQ":
			var subID string
			json.Unmarshal(msg[1], &subID)
			var raw map[string]interface{}
			if len(msg) >= 3 {
				json.Unmarshal(msg[2], &raw)
			}

			s.mu.Lock()
			stored := make([]nostr.Event, len(s.events))
			copy(stored, s.events)
			s.mu.Unlock()

			for _, ev := range stored {
				if matchesRaw(raw, ev) {
					send([]interface{}{"EVENT", subID, ev})
				}
			}
			send([]interface{}{"EOSE", subID})

			ls := &liveSub{send: send, subID: subID, raw: raw}
			mySubs = append(mySubs, ls)
			s.liveMu.Lock()
			s.liveSubs[ls] = struct{}{}
			s.liveMu.Unlock()

		case "CLOSE":
			var subID string
			json.Unmarshal(msg[1], &subID)
			s.liveMu.Lock()
			for ls := range s.liveSubs {
				if ls.subID == subID {
					delete(s.liveSubs, ls)
				}
			}
			s.liveMu.Unlock()
		}
	}
}

// matchesRaw applies the filter fields the tests exercise.
func matchesRaw(raw map[string]interface{}, ev nostr.Event) bool {
	if raw == nil {
		return true
	}
	if kinds, ok := raw["kinds"].([]interface{}); ok && !containsNum(kinds, ev.Kind) {
		return false
	}
	if ids, ok := raw["ids"].([]interface{}); ok && !containsStr(ids, ev.ID) {
		return false
	}
	if authors, ok := raw["authors"].([]interface{}); ok && !containsStr(authors, ev.PubKey) {
		return false
	}
	if ds, ok := raw["#d"].([]interface{}); ok && !containsStr(ds, ev.TagValue("d")) {
		return false
	}
	if ps, ok := raw["#p"].([]interface{}); ok {
		found := false
		for _, p := range ev.TagValues("p") {
			if containsStr(ps, p) {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	if es, ok := raw["#e"].([]interface{}); ok {
		found := false
		for _, eID := range ev.TagValues("e") {
			if containsStr(es, eID) {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	if since, ok := raw["since"].(float64); ok && ev.CreatedAt < int64(since) {
		return false
	}
	return true
}

func containsNum(list []interface{}, v int) bool {
	for _, x := range list {
		if f, ok := x.(float64); ok && int(f) == v {
			return true
		}
	}
	return false
}

func containsStr(list []interface{}, v string) bool {
	for _, x := range list {
		if s, ok := x.(string); ok && s == v {
			return true
		}
	}
	return false
}
