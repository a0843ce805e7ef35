package support

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pidgeon-dvm/internal/logging"
	"pidgeon-dvm/internal/nip44"
	"pidgeon-dvm/internal/nostr"
	"pidgeon-dvm/internal/relay"
)

const (
	// nwcVerifyPrefix marks an invoice verified over NIP-47 rather than
	// LUD-21; the rest of the handle is the payment hash.
	nwcVerifyPrefix = "nwc:"

	// nwcTimeout bounds one request/response round trip with the wallet.
	nwcTimeout = 8 * time.Second
)

type nwcRequest struct {
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

type nwcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type nwcResponse struct {
	ResultType string          `json:"result_type"`
	Error      *nwcError       `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// nwcTransaction is the NIP-47 invoice shape shared by make_invoice and
// lookup_invoice results. Amount is millisatoshis.
type nwcTransaction struct {
	Invoice     string `json:"invoice"`
	PaymentHash string `json:"payment_hash"`
	Preimage    string `json:"preimage,omitempty"`
	Amount      int64  `json:"amount"`
	CreatedAt   int64  `json:"created_at,omitempty"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
	SettledAt   int64  `json:"settled_at,omitempty"`
}

// nwcBackend issues and verifies invoices through a NIP-47 wallet service
// reached over the shared relay pool.
type nwcBackend struct {
	wallet   string // wallet service pubkey, x-only hex
	relayURL string
	client   *nostr.Identity // derived from the URI secret
	convKey  []byte
	pool     *relay.Pool
	log      zerolog.Logger
}

func newNWCBackend(uri string, pool *relay.Pool) (*nwcBackend, error) {
	wallet, relayURL, secret, err := parseNWCURI(uri)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, errors.New("nwc backend needs a relay pool")
	}

	client, err := nostr.NewIdentity(secret)
	if err != nil {
		return nil, fmt.Errorf("nwc secret: %w", err)
	}
	walletPub, err := hex.DecodeString(wallet)
	if err != nil {
		return nil, fmt.Errorf("wallet pubkey: %w", err)
	}
	convKey, err := nip44.ConversationKey(secret, walletPub)
	if err != nil {
		return nil, fmt.Errorf("nwc conversation key: %w", err)
	}

	return &nwcBackend{
		wallet:   wallet,
		relayURL: relayURL,
		client:   client,
		convKey:  convKey,
		pool:     pool,
		log:      logging.WithComponent("nwc"),
	}, nil
}

// parseNWCURI extracts the wallet pubkey, relay and secret from a
// nostr+walletconnect:// connection string.
func parseNWCURI(uri string) (wallet, relayURL string, secret []byte, err error) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return "", "", nil, fmt.Errorf("NWC URI: %w", err)
	}
	if u.Scheme != "nostr+walletconnect" {
		return "", "", nil, errors.New("NWC URI must start with nostr+walletconnect://")
	}

	wallet = strings.ToLower(u.Host)
	if len(wallet) != 64 || !nostr.IsValidHexID(wallet) {
		return "", "", nil, errors.New("NWC URI wallet pubkey must be 64 hex chars")
	}

	relayURL = u.Query().Get("relay")
	if relayURL == "" {
		return "", "", nil, errors.New("NWC URI missing relay parameter")
	}
	if !strings.HasPrefix(relayURL, "wss://") && !strings.HasPrefix(relayURL, "ws://") {
		return "", "", nil, errors.New("NWC relay must be ws:// or wss://")
	}

	secretHex := u.Query().Get("secret")
	if len(secretHex) != 64 {
		return "", "", nil, errors.New("NWC URI secret must be 64 hex chars")
	}
	secret, err = hex.DecodeString(secretHex)
	if err != nil {
		return "", "", nil, errors.New("NWC URI secret is not hex")
	}
	return wallet, relayURL, secret, nil
}

// CreateInvoice asks the wallet for a fresh bolt11 invoice via make_invoice.
func (b *nwcBackend) CreateInvoice(ctx context.Context, amountSats int64, memo string, ttl time.Duration) (*createdInvoice, error) {
	var tx nwcTransaction
	err := b.call(ctx, "make_invoice", map[string]interface{}{
		"amount":      amountSats * 1000,
		"description": memo,
		"expiry":      int64(ttl.Seconds()),
	}, &tx)
	if err != nil {
		return nil, err
	}
	if tx.Invoice == "" || tx.PaymentHash == "" {
		return nil, errors.New("wallet returned no invoice")
	}
	return &createdInvoice{
		PR:        tx.Invoice,
		VerifyURL: nwcVerifyPrefix + tx.PaymentHash,
		Sats:      amountSats,
	}, nil
}

// CheckInvoice resolves the payment hash behind the verify handle through
// lookup_invoice. A settled_at timestamp means the invoice was paid.
func (b *nwcBackend) CheckInvoice(ctx context.Context, verifyURL string) (*verifyStatus, error) {
	hash := strings.TrimPrefix(verifyURL, nwcVerifyPrefix)
	if hash == verifyURL || hash == "" {
		return nil, fmt.Errorf("not an nwc verify handle: %q", verifyURL)
	}
	var tx nwcTransaction
	if err := b.call(ctx, "lookup_invoice", map[string]interface{}{"payment_hash": hash}, &tx); err != nil {
		return nil, err
	}
	return &verifyStatus{Settled: tx.SettledAt > 0, Preimage: tx.Preimage}, nil
}

// call performs one NIP-47 round trip: publish a kind-23194 request to the
// wallet relay and wait for the kind-23195 response that e-tags it.
func (b *nwcBackend) call(ctx context.Context, method string, params, result interface{}) error {
	body, err := json.Marshal(nwcRequest{Method: method, Params: params})
	if err != nil {
		return err
	}
	content, err := nip44.Encrypt(string(body), b.convKey)
	if err != nil {
		return fmt.Errorf("encrypt request: %w", err)
	}

	ev := &nostr.Event{
		PubKey:    b.client.PubKey,
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindNWCRequest,
		Tags:      [][]string{{"p", b.wallet}},
		Content:   content,
	}
	if err := ev.Sign(b.client.Priv); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, nwcTimeout)
	defer cancel()

	// Response subscription opens before the publish so the answer cannot
	// slip past.
	sub, err := b.pool.Subscribe(ctx, b.relayURL, "nwc-"+uuid.NewString()[:8], nostr.Filter{
		Kinds:   []int{nostr.KindNWCResponse},
		Authors: []string{b.wallet},
		ETags:   []string{ev.ID},
	})
	if err != nil {
		return fmt.Errorf("subscribe wallet relay: %w", err)
	}
	defer b.pool.Unsubscribe(b.relayURL, sub)

	ack, err := b.pool.Publish(ctx, b.relayURL, ev)
	if err != nil {
		return fmt.Errorf("publish %s: %w", method, err)
	}
	if !ack.Success {
		return fmt.Errorf("wallet relay refused %s: %s", method, ack.Message)
	}

	for {
		select {
		case resp := <-sub.EventChan:
			if resp.PubKey != b.wallet {
				continue
			}
			plain, err := nip44.Decrypt(resp.Content, b.convKey)
			if err != nil {
				b.log.Warn().Err(err).Msg("undecryptable wallet response")
				continue
			}
			var out nwcResponse
			if err := json.Unmarshal([]byte(plain), &out); err != nil {
				return fmt.Errorf("wallet response: %w", err)
			}
			if out.Error != nil {
				return fmt.Errorf("wallet error %s: %s", out.Error.Code, out.Error.Message)
			}
			if out.ResultType != method {
				continue
			}
			return json.Unmarshal(out.Result, result)
		case <-sub.Done:
			return errors.New("wallet relay connection closed")
		case <-ctx.Done():
			return fmt.Errorf("nwc %s: %w", method, ctx.Err())
		}
	}
}
