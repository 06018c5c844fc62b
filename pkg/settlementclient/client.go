/**
 * @description
 * Client the scheduler uses to trigger the settlement server's batch endpoints.
 */
package settlementclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AggregationSummary mirrors the aggregate endpoint response.
type AggregationSummary struct {
	SellerCycles  int `json:"sellerCycles"`
	Periods       int `json:"periods"`
	Created       int `json:"created"`
	Extended      int `json:"extended"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
	ItemsAttached int `json:"itemsAttached"`
}

// ClosePeriodsSummary mirrors the close-periods endpoint response.
type ClosePeriodsSummary struct {
	Evaluated    int `json:"evaluated"`
	Transitioned int `json:"transitioned"`
	Skipped      int `json:"skipped"`
	Failed       int `json:"failed"`
}

// Client provides methods to interact with the settlement service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new settlement service client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Aggregate triggers settlement aggregation.
func (c *Client) Aggregate(ctx context.Context, includeOpenPeriod bool) (*AggregationSummary, error) {
	var out AggregationSummary
	body := map[string]bool{"includeOpenPeriod": includeOpenPeriod}
	if err := c.post(ctx, "/internal/settlements/aggregate", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClosePeriods moves ended PENDING settlements to PROCESSING.
func (c *Client) ClosePeriods(ctx context.Context) (*ClosePeriodsSummary, error) {
	var out ClosePeriodsSummary
	if err := c.post(ctx, "/internal/settlements/close-periods", struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("settlement service base URL is not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("settlement service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
