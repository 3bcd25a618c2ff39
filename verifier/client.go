// Package verifier delegates signature checking to a single-payment
// facilitator's /verify endpoint. Signature validation is never reimplemented
// locally; the facilitator is the authority on payload validity.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	multisettle "github.com/x402-foundation/multisettle"
)

const x402Version = 1

// Client calls a facilitator's /verify endpoint over HTTP.
type Client struct {
	url        string
	httpClient *http.Client
}

// Config configures the verify client.
type Config struct {
	// URL is the base URL of the facilitator service.
	URL string

	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 30s).
	Timeout time.Duration
}

var _ multisettle.SignatureVerifier = (*Client)(nil)

func NewClient(config Config) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		url:        config.URL,
		httpClient: httpClient,
	}
}

type verifyRequest struct {
	X402Version         int                             `json:"x402Version"`
	PaymentPayload      json.RawMessage                 `json:"paymentPayload"`
	PaymentRequirements multisettle.PaymentRequirements `json:"paymentRequirements"`
}

// Verify posts the payload and requirements to the facilitator. A non-200
// response without a structured verdict is treated as a transport error, not
// an invalid signature; callers must not record a rejection for it.
func (c *Client) Verify(ctx context.Context, payload json.RawMessage, requirements multisettle.PaymentRequirements) (multisettle.VerifyResult, error) {
	body, err := json.Marshal(verifyRequest{
		X402Version:         x402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return multisettle.VerifyResult{}, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/verify", bytes.NewReader(body))
	if err != nil {
		return multisettle.VerifyResult{}, fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return multisettle.VerifyResult{}, fmt.Errorf("verify request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return multisettle.VerifyResult{}, fmt.Errorf("failed to read response body: %w", err)
	}

	var result multisettle.VerifyResult
	if err := json.Unmarshal(responseBody, &result); err != nil {
		return multisettle.VerifyResult{}, fmt.Errorf("failed to decode verify response (%d): %s", resp.StatusCode, string(responseBody))
	}

	if resp.StatusCode != http.StatusOK {
		if !result.Valid && result.Reason != "" {
			return result, nil
		}
		return multisettle.VerifyResult{}, fmt.Errorf("facilitator verify failed (%d): %s", resp.StatusCode, string(responseBody))
	}

	return result, nil
}
