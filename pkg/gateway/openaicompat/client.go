package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rhuss/rulechain/pkg/config"
	"github.com/rhuss/rulechain/pkg/debug"
	"github.com/rhuss/rulechain/pkg/gateway"
)

// Client performs HTTP requests against an OpenAI-compatible Chat Completions
// backend.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates a new Client for an OpenAI-compatible backend. The
// engine applies the provider timeout per call through the context; the
// HTTP client timeout is a backstop at twice that.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	// Normalize: remove trailing slash from base URL.
	baseURL = strings.TrimRight(baseURL, "/")

	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: 2 * timeout,
		},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

// Factory creates a Client for a configured provider. It is registered
// with the gateway Router under config.ProviderOpenAI.
func Factory(p config.ProviderConfig) (gateway.Gateway, error) {
	if p.BaseURL == "" {
		return nil, fmt.Errorf("provider %s: base_url is required", p.Name)
	}
	return NewClient(p.BaseURL, p.APIKey, p.Timeout), nil
}

// Generate performs one non-streaming Chat Completions call.
func (c *Client) Generate(ctx context.Context, req *gateway.Request) (*gateway.Response, error) {
	chatReq := TranslateToChat(req)

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, gateway.NewPermanentError("failed to marshal request", err)
	}

	url := c.baseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, gateway.NewPermanentError("failed to create HTTP request", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	debug.Log("transport", "chat completion request", "url", url, "model", chatReq.Model, "body_bytes", len(body))

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, MapNetworkError(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, MapHTTPError(httpResp)
	}

	var chatResp ChatCompletionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&chatResp); err != nil {
		return nil, gateway.NewTransientError("failed to parse backend response", err)
	}

	debug.Log("transport", "chat completion response", "model", chatResp.Model, "choices", len(chatResp.Choices))
	return TranslateResponse(&chatResp)
}

// Close releases client resources.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
