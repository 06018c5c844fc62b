/**
 * @description
 * Client for the payment provider's seller payout (transfer) API. It obtains
 * and caches an OAuth partner token, registers a transfer for the seller's
 * billing key and executes it. The final result arrives later by webhook.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, sync, time: Standard Go libraries.
 * - github.com/shopspring/decimal: transfer amounts.
 */
package paypleclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	tokenPath    = "/oauth/token"
	requestPath  = "/transfer/request"
	executePath  = "/transfer/execute"
	tokenCode    = "as12345678"
	successCode  = "A0000"
	tokenSuccess = "T0000"
	tokenSkew    = 30 * time.Second
)

// Config holds the partner credentials.
type Config struct {
	BaseURL    string
	CstID      string
	CustKey    string
	WebhookURL string
	Timeout    time.Duration
}

// Client is a client for the payout API.
type Client struct {
	cfg        Config
	HTTPClient *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	now         func() time.Time
}

// NewClient creates a new payout API client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		HTTPClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// APIError is a non-success result code returned by the provider.
type APIError struct {
	Endpoint string
	Result   string
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payple api error on %s: %s - %s", e.Endpoint, e.Result, e.Message)
}

type tokenRequest struct {
	CstID   string `json:"cst_id"`
	CustKey string `json:"custKey"`
	Code    string `json:"code"`
}

type tokenResponse struct {
	Result      string `json:"result"`
	Message     string `json:"message"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   string `json:"expires_in"`
}

// TransferRequest registers one transfer for a seller account.
type TransferRequest struct {
	CstID         string `json:"cst_id"`
	CustKey       string `json:"custKey"`
	SubID         string `json:"sub_id"`
	BillingTranID string `json:"billing_tran_id"`
	TranAmt       string `json:"tran_amt"`
	PrintContent  string `json:"print_content"`
	DistinctKey   string `json:"distinct_key"`
}

// TransferResponse is the provider's answer to a transfer registration.
type TransferResponse struct {
	Result        string `json:"result"`
	Message       string `json:"message"`
	GroupKey      string `json:"group_key"`
	BillingTranID string `json:"billing_tran_id"`
	APITranID     string `json:"api_tran_id"`
	TranAmt       string `json:"tran_amt"`
}

type executeRequest struct {
	CstID         string `json:"cst_id"`
	CustKey       string `json:"custKey"`
	GroupKey      string `json:"group_key"`
	BillingTranID string `json:"billing_tran_id"`
	ExecuteType   string `json:"execute_type"`
	WebhookURL    string `json:"webhook_url,omitempty"`
}

type executeResponse struct {
	Result    string `json:"result"`
	Message   string `json:"message"`
	GroupKey  string `json:"group_key"`
	APITranID string `json:"api_tran_id"`
}

// Transfer describes a payout to execute.
type Transfer struct {
	SubID        string
	BillingKey   string
	Amount       decimal.Decimal
	DistinctKey  string
	PrintContent string
}

// Registration identifies a transfer the provider has accepted but not yet executed.
type Registration struct {
	GroupKey      string
	BillingTranID string
	APITranID     string
}

// TransferResult is the synchronous acknowledgement of an executed transfer.
type TransferResult struct {
	GroupKey      string
	BillingTranID string
	APITranID     string
	Result        string
	Message       string
}

// RegisterTransfer registers a transfer without moving money. Any non-success
// result code is returned as *APIError.
func (c *Client) RegisterTransfer(ctx context.Context, t Transfer) (*Registration, error) {
	if t.BillingKey == "" {
		return nil, errors.New("billing key is required")
	}
	if !t.Amount.IsPositive() {
		return nil, fmt.Errorf("transfer amount must be positive, got %s", t.Amount)
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var registered TransferResponse
	if err := c.post(ctx, requestPath, token, TransferRequest{
		CstID:         c.cfg.CstID,
		CustKey:       c.cfg.CustKey,
		SubID:         t.SubID,
		BillingTranID: t.BillingKey,
		TranAmt:       t.Amount.StringFixed(0),
		PrintContent:  t.PrintContent,
		DistinctKey:   t.DistinctKey,
	}, &registered); err != nil {
		return nil, err
	}
	if registered.Result != successCode {
		return nil, &APIError{Endpoint: requestPath, Result: registered.Result, Message: registered.Message}
	}
	if registered.GroupKey == "" || registered.BillingTranID == "" {
		return nil, &APIError{Endpoint: requestPath, Result: registered.Result, Message: "registration is missing group_key or billing_tran_id"}
	}

	return &Registration{
		GroupKey:      registered.GroupKey,
		BillingTranID: registered.BillingTranID,
		APITranID:     registered.APITranID,
	}, nil
}

// ExecuteTransfer executes a registered transfer immediately. The result
// webhook may be delivered before this call returns.
func (c *Client) ExecuteTransfer(ctx context.Context, r Registration) (*TransferResult, error) {
	if r.GroupKey == "" || r.BillingTranID == "" {
		return nil, errors.New("group key and billing tran id are required")
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var executed executeResponse
	if err := c.post(ctx, executePath, token, executeRequest{
		CstID:         c.cfg.CstID,
		CustKey:       c.cfg.CustKey,
		GroupKey:      r.GroupKey,
		BillingTranID: r.BillingTranID,
		ExecuteType:   "NOW",
		WebhookURL:    c.cfg.WebhookURL,
	}, &executed); err != nil {
		return nil, err
	}
	if executed.Result != successCode {
		return nil, &APIError{Endpoint: executePath, Result: executed.Result, Message: executed.Message}
	}

	apiTranID := executed.APITranID
	if apiTranID == "" {
		apiTranID = r.APITranID
	}
	return &TransferResult{
		GroupKey:      r.GroupKey,
		BillingTranID: r.BillingTranID,
		APITranID:     apiTranID,
		Result:        executed.Result,
		Message:       executed.Message,
	}, nil
}

// accessToken returns the cached partner token, refreshing it shortly before expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	var resp tokenResponse
	if err := c.post(ctx, tokenPath, "", tokenRequest{CstID: c.cfg.CstID, CustKey: c.cfg.CustKey, Code: tokenCode}, &resp); err != nil {
		return "", err
	}
	if resp.Result != tokenSuccess || resp.AccessToken == "" {
		return "", &APIError{Endpoint: tokenPath, Result: resp.Result, Message: resp.Message}
	}

	ttl := 30 * time.Minute
	if secs, err := time.ParseDuration(strings.TrimSpace(resp.ExpiresIn) + "s"); err == nil && secs > 0 {
		ttl = secs
	}
	if ttl > tokenSkew {
		ttl -= tokenSkew
	}
	c.token = resp.AccessToken
	c.tokenExpiry = c.now().Add(ttl)
	return c.token, nil
}

func (c *Client) post(ctx context.Context, path, token string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("payple api %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}
