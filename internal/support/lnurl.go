package support

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pidgeon-dvm/internal/logging"
)

const maxLNURLBody = 1 << 20

// payInfo is the LNURL-pay descriptor served at the well-known endpoint.
// MinSendable and MaxSendable are millisatoshis.
type payInfo struct {
	Callback       string `json:"callback"`
	MinSendable    int64  `json:"minSendable"`
	MaxSendable    int64  `json:"maxSendable"`
	Metadata       string `json:"metadata"`
	Tag            string `json:"tag"`
	CommentAllowed int    `json:"commentAllowed,omitempty"`
}

// payResponse is the callback's answer carrying the invoice and, per LUD-21,
// the verify endpoint.
type payResponse struct {
	PR     string `json:"pr"`
	Verify string `json:"verify"`
}

// verifyResponse is the LUD-21 settlement probe answer.
type verifyResponse struct {
	Settled  bool   `json:"settled"`
	Preimage string `json:"preimage,omitempty"`
	PR       string `json:"pr,omitempty"`
}

// lnurlError is the protocol-level failure shape either endpoint may return
// in place of its normal body.
type lnurlError struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// lnurlBackend issues invoices against the operator's LNURL-pay address
// (LUD-16 resolution) and verifies settlement over LUD-21.
type lnurlBackend struct {
	lud16      string
	client     *http.Client
	allowLocal bool
	log        zerolog.Logger
}

func newLNURLBackend(lud16 string, timeout time.Duration, allowLocal bool) *lnurlBackend {
	client := &http.Client{Timeout: timeout}
	if allowLocal {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &lnurlBackend{
		lud16:      lud16,
		client:     client,
		allowLocal: allowLocal,
		log:        logging.WithComponent("lnurl"),
	}
}

// CreateInvoice resolves the lud16 address, requests a bolt11 invoice for
// amountSats (clamped into the endpoint's sendable range), and returns it
// with its verify URL. Endpoints without LUD-21 support are refused since
// settlement could never be observed.
func (b *lnurlBackend) CreateInvoice(ctx context.Context, amountSats int64, memo string, _ time.Duration) (*createdInvoice, error) {
	endpoint, err := lud16Endpoint(b.lud16)
	if err != nil {
		return nil, err
	}

	info, err := b.fetchPayInfo(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	msats := amountSats * 1000
	if msats < info.MinSendable {
		msats = info.MinSendable
	}
	if msats > info.MaxSendable {
		msats = info.MaxSendable
	}

	cb, err := url.Parse(info.Callback)
	if err != nil {
		return nil, fmt.Errorf("callback url: %w", err)
	}
	q := cb.Query()
	q.Set("amount", strconv.FormatInt(msats, 10))
	if memo != "" && info.CommentAllowed >= len(memo) {
		q.Set("comment", memo)
	}
	cb.RawQuery = q.Encode()

	body, err := b.getJSON(ctx, cb.String())
	if err != nil {
		return nil, fmt.Errorf("invoice callback: %w", err)
	}

	var resp payResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("invoice callback: %w", err)
	}
	if resp.PR == "" {
		return nil, errors.New("invoice callback returned no pr")
	}
	if resp.Verify == "" {
		return nil, errors.New("endpoint does not support LUD-21 verify")
	}
	if err := b.checkURL(resp.Verify); err != nil {
		return nil, fmt.Errorf("verify url: %w", err)
	}

	b.log.Debug().Int64("msats", msats).Msg("invoice obtained")
	return &createdInvoice{PR: resp.PR, VerifyURL: resp.Verify, Sats: msats / 1000}, nil
}

// CheckInvoice polls the LUD-21 verify URL. settled:false is a clean "not
// yet"; transport and protocol failures are errors.
func (b *lnurlBackend) CheckInvoice(ctx context.Context, verifyURL string) (*verifyStatus, error) {
	body, err := b.getJSON(ctx, verifyURL)
	if err != nil {
		return nil, err
	}
	var resp verifyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("verify response: %w", err)
	}
	return &verifyStatus{Settled: resp.Settled, Preimage: resp.Preimage}, nil
}

// fetchPayInfo retrieves and validates the LNURL-pay descriptor.
func (b *lnurlBackend) fetchPayInfo(ctx context.Context, endpoint string) (*payInfo, error) {
	body, err := b.getJSON(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("lnurlp endpoint: %w", err)
	}

	var info payInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("lnurlp endpoint: %w", err)
	}
	if info.Tag != "payRequest" {
		return nil, fmt.Errorf("not an LNURL-pay endpoint (tag %q)", info.Tag)
	}
	if info.Callback == "" {
		return nil, errors.New("lnurlp descriptor has no callback")
	}
	if err := b.checkURL(info.Callback); err != nil {
		return nil, fmt.Errorf("callback url: %w", err)
	}
	if info.MinSendable <= 0 || info.MaxSendable < info.MinSendable {
		return nil, fmt.Errorf("unusable sendable range [%d, %d]", info.MinSendable, info.MaxSendable)
	}
	return &info, nil
}

// getJSON performs one outbound GET after the SSRF check and surfaces LNURL
// protocol errors embedded in 200 responses.
func (b *lnurlBackend) getJSON(ctx context.Context, rawURL string) ([]byte, error) {
	if err := b.checkURL(rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLNURLBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d from %s", resp.StatusCode, resp.Request.URL.Host)
	}

	var lerr lnurlError
	if json.Unmarshal(body, &lerr) == nil && strings.EqualFold(lerr.Status, "ERROR") {
		return nil, fmt.Errorf("lnurl error: %s", lerr.Reason)
	}
	return body, nil
}

// lud16Endpoint maps name@domain to its well-known LNURL-pay URL.
func lud16Endpoint(lud16 string) (string, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(lud16)), "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("invalid lud16 address %q", lud16)
	}
	return "https://" + parts[1] + "/.well-known/lnurlp/" + parts[0], nil
}

// checkURL enforces the outbound-fetch policy: https only (http permitted in
// loadtest), no embedded credentials, and no host that is or resolves to
// localhost, an internal name, or a private/CGNAT address.
func (b *lnurlBackend) checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.User != nil {
		return errors.New("credentials in URL refused")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !b.allowLocal {
			return errors.New("plain http refused")
		}
	default:
		return fmt.Errorf("scheme %q refused", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return errors.New("missing host")
	}
	if isLoopbackHost(host) {
		if !b.allowLocal {
			return errors.New("loopback host refused")
		}
		return nil
	}
	if isInternalHost(host) {
		return fmt.Errorf("internal hostname %q refused", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if !safeOutboundIP(ip, b.allowLocal) {
			return fmt.Errorf("address %s refused", ip)
		}
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if !safeOutboundIP(ip, b.allowLocal) {
			return fmt.Errorf("%s resolves to %s: refused", host, ip)
		}
	}
	return nil
}

// safeOutboundIP blocks loopback, private, link-local, CGNAT and metadata
// ranges for payment-endpoint fetches.
func safeOutboundIP(ip net.IP, allowLocal bool) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return allowLocal
	}
	if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	if ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}
	if ip4 := ip.To4(); ip4 != nil && ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127 {
		return false
	}
	if ip.Equal(net.ParseIP("169.254.169.254")) {
		return false
	}
	return true
}

func isLoopbackHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isInternalHost(host string) bool {
	return strings.HasSuffix(host, ".") ||
		strings.HasSuffix(host, ".local") ||
		strings.HasSuffix(host, ".internal") ||
		strings.HasSuffix(host, ".onion")
}
