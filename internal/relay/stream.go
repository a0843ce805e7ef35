package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"pidgeon-dvm/internal/logging"
	"pidgeon-dvm/internal/nostr"
)

func newSubID() string {
	return "q-" + uuid.NewString()[:8]
}

// reconnectDelay is how long a dead stream leg waits before redialing.
const reconnectDelay = 5 * time.Second

// Handler receives one deduplicated event together with the relay it arrived
// from first.
type Handler func(ev nostr.Event, relayURL string)

// Stream keeps one live subscription per relay, reconnecting forever until
// Stop. Events seen on multiple relays are delivered once.
type Stream struct {
	pool   *Pool
	name   string
	relays []string
	filter func() nostr.Filter
	handle Handler

	seen *lru.Cache[string, struct{}]
	log  zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStream prepares a persistent subscription. filter is re-evaluated on
// every (re)connect so `since` cursors track progress across drops.
func NewStream(pool *Pool, name string, relays []string, filter func() nostr.Filter, handle Handler) (*Stream, error) {
	seen, err := lru.New[string, struct{}](8192)
	if err != nil {
		return nil, err
	}
	return &Stream{
		pool:   pool,
		name:   name,
		relays: relays,
		filter: filter,
		handle: handle,
		seen:   seen,
		log:    logging.WithComponent("stream." + name),
	}, nil
}

// Start launches one reconnecting leg per relay.
func (s *Stream) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, u := range s.relays {
		u := u
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.connectAndListen(ctx, u)
		}()
	}
}

// Stop tears down every leg and waits for them to exit.
func (s *Stream) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Stream) connectAndListen(ctx context.Context, relayURL string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := s.listenOnce(ctx, relayURL)
		if err != nil && ctx.Err() == nil {
			s.log.Warn().Str("relay", relayURL).Err(err).Msg("stream dropped")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
			s.log.Debug().Str("relay", relayURL).Msg("reconnecting")
		}
	}
}

func (s *Stream) listenOnce(ctx context.Context, relayURL string) error {
	subID := s.name + "-" + uuid.NewString()[:8]
	sub, err := s.pool.Subscribe(ctx, relayURL, subID, s.filter())
	if err != nil {
		return err
	}
	defer s.pool.Unsubscribe(relayURL, sub)

	s.log.Debug().Str("relay", relayURL).Msg("stream subscribed")

	for {
		select {
		case ev := <-sub.EventChan:
			if ev.ID == "" {
				continue
			}
			if dup, _ := s.seen.ContainsOrAdd(ev.ID, struct{}{}); dup {
				continue
			}
			s.handle(ev, relayURL)
		case <-sub.EOSEChan:
			// Live phase begins; keep reading.
		case <-sub.Done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
