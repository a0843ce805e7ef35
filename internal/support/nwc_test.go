package support

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pidgeon-dvm/internal/nip44"
	"pidgeon-dvm/internal/nostr"
	"pidgeon-dvm/internal/relay"
	"pidgeon-dvm/internal/relay/relaytest"
)

func TestParseNWCURI(t *testing.T) {
	walletHex := strings.Repeat("ab", 32)
	secretHex := strings.Repeat("cd", 32)

	uri := fmt.Sprintf("nostr+walletconnect://%s?relay=wss://wallet.example.com&secret=%s",
		strings.ToUpper(walletHex), secretHex)
	wallet, relayURL, secret, err := parseNWCURI(uri)
	require.NoError(t, err)
	require.Equal(t, walletHex, wallet)
	require.Equal(t, "wss://wallet.example.com", relayURL)
	require.Len(t, secret, 32)

	bad := []string{
		fmt.Sprintf("https://%s?relay=wss://r.example.com&secret=%s", walletHex, secretHex),
		fmt.Sprintf("nostr+walletconnect://abcd?relay=wss://r.example.com&secret=%s", secretHex),
		fmt.Sprintf("nostr+walletconnect://%s?secret=%s", walletHex, secretHex),
		fmt.Sprintf("nostr+walletconnect://%s?relay=https://r.example.com&secret=%s", walletHex, secretHex),
		fmt.Sprintf("nostr+walletconnect://%s?relay=wss://r.example.com", walletHex),
		fmt.Sprintf("nostr+walletconnect://%s?relay=wss://r.example.com&secret=%s", walletHex, strings.Repeat("zz", 32)),
	}
	for _, raw := range bad {
		_, _, _, err := parseNWCURI(raw)
		require.Error(t, err, raw)
	}
}

// fakeWallet answers NIP-47 requests over the shared pool like a wallet
// service would: decrypt, dispatch on method, respond e-tagging the request.
type fakeWallet struct {
	t        *testing.T
	identity *nostr.Identity
	priv     []byte
	pool     *relay.Pool
	relayURL string

	paymentHash string

	mu        sync.Mutex
	settled   bool
	preimage  string
	lastMsats int64
}

func startFakeWallet(t *testing.T, pool *relay.Pool, relayURL string) *fakeWallet {
	t.Helper()

	priv, err := nostr.GeneratePrivateKey()
	require.NoError(t, err)
	id, err := nostr.NewIdentity(priv)
	require.NoError(t, err)

	w := &fakeWallet{
		t:           t,
		identity:    id,
		priv:        priv,
		pool:        pool,
		relayURL:    relayURL,
		paymentHash: strings.Repeat("77", 32),
	}

	sub, err := pool.Subscribe(context.Background(), relayURL, "wallet-svc", nostr.Filter{
		Kinds: []int{nostr.KindNWCRequest},
		PTags: []string{id.PubKey},
	})
	require.NoError(t, err)

	go func() {
		for {
			select {
			case ev := <-sub.EventChan:
				w.handle(ev)
			case <-sub.Done:
				return
			}
		}
	}()
	return w
}

func (w *fakeWallet) settle(preimage string) {
	w.mu.Lock()
	w.settled = true
	w.preimage = preimage
	w.mu.Unlock()
}

func (w *fakeWallet) lastAmountMsats() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastMsats
}

func (w *fakeWallet) handle(ev nostr.Event) {
	clientPub, err := hex.DecodeString(ev.PubKey)
	if err != nil {
		w.t.Errorf("wallet: bad requester pubkey: %v", err)
		return
	}
	convKey, err := nip44.ConversationKey(w.priv, clientPub)
	if err != nil {
		w.t.Errorf("wallet: conversation key: %v", err)
		return
	}
	plain, err := nip44.Decrypt(ev.Content, convKey)
	if err != nil {
		w.t.Errorf("wallet: decrypt request: %v", err)
		return
	}

	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal([]byte(plain), &req); err != nil {
		w.t.Errorf("wallet: parse request: %v", err)
		return
	}

	now := time.Now().Unix()
	var tx nwcTransaction
	switch req.Method {
	case "make_invoice":
		var p struct {
			Amount int64 `json:"amount"`
			Expiry int64 `json:"expiry"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			w.t.Errorf("wallet: make_invoice params: %v", err)
			return
		}
		w.mu.Lock()
		w.lastMsats = p.Amount
		w.mu.Unlock()
		tx = nwcTransaction{
			Invoice:     "lnbc15u1fakewallet",
			PaymentHash: w.paymentHash,
			Amount:      p.Amount,
			CreatedAt:   now,
			ExpiresAt:   now + p.Expiry,
		}
	case "lookup_invoice":
		var p struct {
			PaymentHash string `json:"payment_hash"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			w.t.Errorf("wallet: lookup_invoice params: %v", err)
			return
		}
		w.mu.Lock()
		tx = nwcTransaction{
			Invoice:     "lnbc15u1fakewallet",
			PaymentHash: p.PaymentHash,
			Amount:      w.lastMsats,
		}
		if w.settled {
			tx.SettledAt = now
			tx.Preimage = w.preimage
		}
		w.mu.Unlock()
	default:
		w.t.Errorf("wallet: unexpected method %q", req.Method)
		return
	}

	result, err := json.Marshal(tx)
	if err != nil {
		w.t.Errorf("wallet: marshal result: %v", err)
		return
	}
	body, err := json.Marshal(nwcResponse{ResultType: req.Method, Result: result})
	if err != nil {
		w.t.Errorf("wallet: marshal response: %v", err)
		return
	}
	content, err := nip44.Encrypt(string(body), convKey)
	if err != nil {
		w.t.Errorf("wallet: encrypt response: %v", err)
		return
	}

	resp := &nostr.Event{
		PubKey:    w.identity.PubKey,
		CreatedAt: now,
		Kind:      nostr.KindNWCResponse,
		Tags:      [][]string{{"p", ev.PubKey}, {"e", ev.ID}},
		Content:   content,
	}
	if err := resp.Sign(w.identity.Priv); err != nil {
		w.t.Errorf("wallet: sign response: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := w.pool.Publish(ctx, w.relayURL, resp); err != nil {
		w.t.Errorf("wallet: publish response: %v", err)
	}
}

func TestNWCInvoiceRoundTrip(t *testing.T) {
	fr := relaytest.New(t)
	pool := relay.NewPool(true)
	defer pool.Close()

	wallet := startFakeWallet(t, pool, fr.URL())

	secret, err := nostr.GeneratePrivateKey()
	require.NoError(t, err)
	uri := fmt.Sprintf("nostr+walletconnect://%s?relay=%s&secret=%s",
		wallet.identity.PubKey, fr.URL(), hex.EncodeToString(secret))

	b, err := newNWCBackend(uri, pool)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inv, err := b.CreateInvoice(ctx, 1500, "supporter", time.Hour)
	require.NoError(t, err)
	require.Equal(t, "lnbc15u1fakewallet", inv.PR)
	require.Equal(t, nwcVerifyPrefix+wallet.paymentHash, inv.VerifyURL)
	require.EqualValues(t, 1500, inv.Sats)
	require.EqualValues(t, 1_500_000, wallet.lastAmountMsats())

	status, err := b.CheckInvoice(ctx, inv.VerifyURL)
	require.NoError(t, err)
	require.False(t, status.Settled)

	wallet.settle("feedface")
	status, err = b.CheckInvoice(ctx, inv.VerifyURL)
	require.NoError(t, err)
	require.True(t, status.Settled)
	require.Equal(t, "feedface", status.Preimage)

	// A non-nwc handle is refused before any relay traffic.
	_, err = b.CheckInvoice(ctx, "https://pay.example.com/verify/x")
	require.Error(t, err)
}
