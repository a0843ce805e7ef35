// Package relay maintains pooled websocket connections to relays and
// multiplexes subscriptions, queries and publishes over them.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pidgeon-dvm/internal/logging"
	"pidgeon-dvm/internal/nostr"
)

// ErrUnsafeURL is returned for relay URLs pointing at private or internal
// destinations.
var ErrUnsafeURL = errors.New("relay URL blocked: unsafe destination")

// PublishResponse is the relay's OK verdict for one event.
type PublishResponse struct {
	Success bool
	EventID string
	Message string
}

// Subscription is an active REQ on one relay connection.
type Subscription struct {
	ID        string
	EventChan chan nostr.Event
	EOSEChan  chan bool
	Done      chan struct{}
	closeOnce sync.Once
}

// Close closes Done exactly once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.Done)
	})
}

// relayConn manages a single websocket connection carrying multiple
// subscriptions plus pending publish waiters.
type relayConn struct {
	conn          *websocket.Conn
	relayURL      string
	mu            sync.Mutex
	writeMu       sync.Mutex
	subscriptions map[string]*Subscription
	pendingOK     map[string]chan PublishResponse // event id -> waiter
	closed        bool
	lastActivity  time.Time
	log           zerolog.Logger
}

// Pool manages connections to multiple relays, one per URL.
type Pool struct {
	mu          sync.RWMutex
	connections map[string]*relayConn
	allowLocal  bool
	log         zerolog.Logger
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewPool creates a connection pool. allowLocal permits ws:// and loopback
// destinations for load testing.
func NewPool(allowLocal bool) *Pool {
	p := &Pool{
		connections: make(map[string]*relayConn),
		allowLocal:  allowLocal,
		log:         logging.WithComponent("relaypool"),
		stop:        make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// getOrCreateConn gets an existing connection or dials a new one.
func (p *Pool) getOrCreateConn(ctx context.Context, relayURL string) (*relayConn, error) {
	if !nostr.IsRelayURLSafe(relayURL, p.allowLocal) {
		return nil, ErrUnsafeURL
	}

	p.mu.RLock()
	rc := p.connections[relayURL]
	p.mu.RUnlock()

	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock.
	rc = p.connections[relayURL]
	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	p.log.Debug().Str("relay", relayURL).Msg("dialing relay")
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", relayURL, err)
	}

	rc = &relayConn{
		conn:          conn,
		relayURL:      relayURL,
		subscriptions: make(map[string]*Subscription),
		pendingOK:     make(map[string]chan PublishResponse),
		lastActivity:  time.Now(),
		log:           p.log.With().Str("relay", relayURL).Logger(),
	}
	p.connections[relayURL] = rc

	go rc.readLoop()
	return rc, nil
}

func (rc *relayConn) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

// Subscribe opens a REQ on the relay and returns the live subscription.
func (p *Pool) Subscribe(ctx context.Context, relayURL, subID string, filter nostr.Filter) (*Subscription, error) {
	const maxRetries = 3
	var rc *relayConn
	var err error
	var connected bool

	for attempt := 0; attempt < maxRetries; attempt++ {
		rc, err = p.getOrCreateConn(ctx, relayURL)
		if err != nil {
			return nil, err
		}

		rc.mu.Lock()
		if rc.closed {
			rc.mu.Unlock()
			p.mu.Lock()
			delete(p.connections, relayURL)
			p.mu.Unlock()
			continue
		}
		connected = true
		break
	}
	if !connected {
		return nil, errors.New("failed to establish connection after retries")
	}

	sub := &Subscription{
		ID:        subID,
		EventChan: make(chan nostr.Event, 100),
		EOSEChan:  make(chan bool, 1),
		Done:      make(chan struct{}),
	}

	// rc.mu is held from the retry loop.
	rc.subscriptions[subID] = sub
	rc.mu.Unlock()

	req := []interface{}{"REQ", subID, filter.ToMap()}
	rc.writeMu.Lock()
	err = rc.conn.WriteJSON(req)
	rc.writeMu.Unlock()
	if err != nil {
		rc.mu.Lock()
		delete(rc.subscriptions, subID)
		rc.mu.Unlock()
		rc.markClosed()
		return nil, err
	}

	rc.touch()
	return sub, nil
}

// Unsubscribe sends CLOSE and tears the subscription down.
func (p *Pool) Unsubscribe(relayURL string, sub *Subscription) {
	if sub == nil {
		return
	}

	p.mu.RLock()
	rc := p.connections[relayURL]
	p.mu.RUnlock()
	if rc == nil {
		sub.Close()
		return
	}

	rc.mu.Lock()
	_, exists := rc.subscriptions[sub.ID]
	shouldSendClose := !rc.closed && exists
	if exists {
		delete(rc.subscriptions, sub.ID)
	}
	rc.mu.Unlock()

	// Best effort; the connection may already be gone.
	if shouldSendClose {
		closeMsg := []interface{}{"CLOSE", sub.ID}
		rc.writeMu.Lock()
		rc.conn.WriteJSON(closeMsg)
		rc.writeMu.Unlock()
	}

	sub.Close()
}

// Publish sends the event and waits for the relay's OK verdict, bounded by
// ctx.
func (p *Pool) Publish(ctx context.Context, relayURL string, ev *nostr.Event) (*PublishResponse, error) {
	rc, err := p.getOrCreateConn(ctx, relayURL)
	if err != nil {
		return nil, err
	}

	waiter := make(chan PublishResponse, 1)
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return nil, errors.New("connection closed")
	}
	rc.pendingOK[ev.ID] = waiter
	rc.mu.Unlock()

	defer func() {
		rc.mu.Lock()
		delete(rc.pendingOK, ev.ID)
		rc.mu.Unlock()
	}()

	msg := []interface{}{"EVENT", ev}
	rc.writeMu.Lock()
	rc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err = rc.conn.WriteJSON(msg)
	rc.conn.SetWriteDeadline(time.Time{})
	rc.writeMu.Unlock()
	if err != nil {
		rc.markClosed()
		return nil, fmt.Errorf("write to %s: %w", relayURL, err)
	}
	rc.touch()

	select {
	case resp := <-waiter:
		return &resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("awaiting OK from %s: %w", relayURL, ctx.Err())
	}
}

// FetchOpts bounds a query.
type FetchOpts struct {
	// Timeout per relay. Zero means 2500ms.
	Timeout time.Duration
	// MaxEvents stops collection early once reached (0 = unbounded).
	MaxEvents int
}

// Fetch queries every relay in parallel and returns events deduplicated by
// id. Each relay leg stops at EOSE or its timeout; a dead relay never delays
// the others' results.
func (p *Pool) Fetch(ctx context.Context, relayURLs []string, filter nostr.Filter, opts FetchOpts) []*nostr.Event {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2500 * time.Millisecond
	}

	var mu sync.Mutex
	seen := make(map[string]*nostr.Event)
	var wg sync.WaitGroup

	for _, u := range relayURLs {
		u := u
		wg.Add(1)
		go func() {
			defer wg.Done()

			legCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			sub, err := p.Subscribe(legCtx, u, newSubID(), filter)
			if err != nil {
				p.log.Debug().Str("relay", u).Err(err).Msg("fetch subscribe failed")
				return
			}
			defer p.Unsubscribe(u, sub)

			for {
				select {
				case ev := <-sub.EventChan:
					if !filter.Matches(&ev) {
						continue
					}
					mu.Lock()
					if _, dup := seen[ev.ID]; !dup {
						copied := ev
						seen[ev.ID] = &copied
					}
					full := opts.MaxEvents > 0 && len(seen) >= opts.MaxEvents
					mu.Unlock()
					if full {
						return
					}
				case <-sub.EOSEChan:
					return
				case <-sub.Done:
					return
				case <-legCtx.Done():
					return
				}
			}
		}()
	}
	wg.Wait()

	out := make([]*nostr.Event, 0, len(seen))
	for _, ev := range seen {
		out = append(out, ev)
	}
	return out
}

// FetchOne returns the newest matching event across the relays, or nil.
func (p *Pool) FetchOne(ctx context.Context, relayURLs []string, filter nostr.Filter, opts FetchOpts) *nostr.Event {
	events := p.Fetch(ctx, relayURLs, filter, opts)
	var newest *nostr.Event
	for _, ev := range events {
		if newest == nil || ev.CreatedAt > newest.CreatedAt {
			newest = ev
		}
	}
	return newest
}

// readLoop reads from the connection and routes messages to subscriptions
// and publish waiters.
func (rc *relayConn) readLoop() {
	defer rc.markClosed()

	for {
		var msg []interface{}
		err := rc.conn.ReadJSON(&msg)
		if err != nil {
			if !rc.isClosed() {
				rc.log.Debug().Err(err).Msg("read error")
			}
			return
		}
		rc.touch()

		if len(msg) < 2 {
			continue
		}
		msgType, ok := msg[0].(string)
		if !ok {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			subID, ok := msg[1].(string)
			if !ok {
				continue
			}
			evt, ok := nostr.ParseEventFromInterface(msg[2])
			if !ok {
				continue
			}

			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			rc.mu.Unlock()

			if sub != nil {
				select {
				case sub.EventChan <- evt:
				case <-sub.Done:
				default:
					// Channel full, drop event.
				}
			}

		case "EOSE":
			subID, ok := msg[1].(string)
			if !ok {
				continue
			}
			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			rc.mu.Unlock()
			if sub != nil {
				select {
				case sub.EOSEChan <- true:
				default:
				}
			}

		case "OK":
			if len(msg) < 3 {
				continue
			}
			eventID, _ := msg[1].(string)
			success, _ := msg[2].(bool)
			message := ""
			if len(msg) >= 4 {
				message, _ = msg[3].(string)
			}

			rc.mu.Lock()
			waiter := rc.pendingOK[eventID]
			rc.mu.Unlock()
			if waiter != nil {
				select {
				case waiter <- PublishResponse{Success: success, EventID: eventID, Message: message}:
				default:
				}
			}

		case "CLOSED":
			subID, _ := msg[1].(string)
			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			if sub != nil {
				delete(rc.subscriptions, subID)
			}
			rc.mu.Unlock()
			if sub != nil {
				sub.Close()
			}

		case "NOTICE":
			notice, _ := msg[1].(string)
			rc.log.Debug().Str("notice", notice).Msg("relay notice")
		}
	}
}

func (rc *relayConn) touch() {
	rc.mu.Lock()
	rc.lastActivity = time.Now()
	rc.mu.Unlock()
}

// markClosed closes the socket and fails every subscription and waiter.
func (rc *relayConn) markClosed() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return
	}
	rc.closed = true
	rc.conn.Close()

	for _, sub := range rc.subscriptions {
		sub.Close()
	}
	rc.subscriptions = make(map[string]*Subscription)

	for id, waiter := range rc.pendingOK {
		select {
		case waiter <- PublishResponse{Success: false, EventID: id, Message: "connection closed"}:
		default:
		}
	}
	rc.pendingOK = make(map[string]chan PublishResponse)
}

// cleanupLoop periodically removes idle or dead connections.
func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.cleanup()
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for url, rc := range p.connections {
		rc.mu.Lock()
		idle := len(rc.subscriptions) == 0 && len(rc.pendingOK) == 0 &&
			now.Sub(rc.lastActivity) > 2*time.Minute
		closed := rc.closed
		rc.mu.Unlock()

		if closed || idle {
			if !closed {
				p.log.Debug().Str("relay", url).Msg("closing idle connection")
				rc.markClosed()
			}
			delete(p.connections, url)
		}
	}
}

// CloseRelay drops one relay connection.
func (p *Pool) CloseRelay(relayURL string) {
	p.mu.Lock()
	rc := p.connections[relayURL]
	delete(p.connections, relayURL)
	p.mu.Unlock()

	if rc != nil {
		rc.markClosed()
	}
}

// Close shuts down every connection and the cleanup loop.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	conns := make([]*relayConn, 0, len(p.connections))
	for _, rc := range p.connections {
		conns = append(conns, rc)
	}
	p.connections = make(map[string]*relayConn)
	p.mu.Unlock()

	for _, rc := range conns {
		rc.markClosed()
	}
}
