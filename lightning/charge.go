// Package lightning talks to the external Lightning Charge invoice issuer
// over HTTP.
package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

const (
	connectTimeout  = 2 * time.Second
	responseTimeout = 2 * time.Second

	// InvoiceExpiry is how long issued invoices stay payable.
	InvoiceExpiry = time.Hour
)

// Metadata is attached to every issued invoice so payments can be traced
// back to their order.
type Metadata struct {
	UUID          string `json:"uuid"`
	MessageDigest string `json:"sha256_message_digest"`
}

// Invoice is the issuer's invoice representation. Raw carries the issuer's
// response verbatim for persistence and client display.
type Invoice struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Msatoshi    string `json:"msatoshi"`
	Description string `json:"description"`
	PayReq      string `json:"payreq"`
	ExpiresAt   int64  `json:"expires_at"`

	Raw json.RawMessage `json:"-"`
}

// Client is an HTTP client for the Lightning Charge REST API. Calls are
// bounded by short connect and response timeouts so a stalled issuer cannot
// stall request handlers.
type Client struct {
	root  string
	token string
	http  *http.Client
}

// NewClient builds a client for the issuer at root, authenticating with
// apiToken.
func NewClient(root, apiToken string) *Client {
	return &Client{
		root:  root,
		token: apiToken,
		http: &http.Client{
			Timeout: responseTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.root+path, reader)
	if err != nil {
		return nil, err
	}
	// Lightning Charge authenticates with HTTP basic auth and a fixed
	// username.
	req.SetBasicAuth("api-token", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("charge %s %s: status %d", method, path, resp.StatusCode)
	}
	return raw, nil
}

// CreateInvoice asks the issuer for a new invoice of amountMsat
// millisatoshis carrying the order metadata.
func (c *Client) CreateInvoice(ctx context.Context, amountMsat int64, description string, meta Metadata) (*Invoice, error) {
	raw, err := c.do(ctx, http.MethodPost, "/invoice", map[string]any{
		"msatoshi":    amountMsat,
		"description": description,
		"expiry":      int64(InvoiceExpiry.Seconds()),
		"metadata":    meta,
	})
	if err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}
	var inv Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("decode invoice: %w", err)
	}
	inv.Raw = raw
	return &inv, nil
}

// RegisterWebhook asks the issuer to call back at callbackURL when the
// invoice identified by lid is paid.
func (c *Client) RegisterWebhook(ctx context.Context, lid, callbackURL string) error {
	_, err := c.do(ctx, http.MethodPost, "/invoice/"+url.PathEscape(lid)+"/webhook",
		map[string]string{"url": callbackURL})
	if err != nil {
		return fmt.Errorf("register webhook: %w", err)
	}
	return nil
}

// Info fetches information about the issuer's Lightning node.
func (c *Client) Info(ctx context.Context) (json.RawMessage, error) {
	raw, err := c.do(ctx, http.MethodGet, "/info", nil)
	if err != nil {
		return nil, fmt.Errorf("node info: %w", err)
	}
	return raw, nil
}
