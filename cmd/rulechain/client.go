package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rhuss/rulechain/pkg/api"
	"github.com/rhuss/rulechain/pkg/stream"
)

// Client is an HTTP client for the rule chain API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client. Runs can take minutes, so only streaming
// requests are left without a client timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// Execute runs a chain synchronously.
func (c *Client) Execute(ctx context.Context, req api.ExecutionRequest) (*api.RuleChainExecuteResponse, error) {
	req.Stream, req.DryRun = false, false
	var resp api.RuleChainExecuteResponse
	if err := c.do(ctx, http.MethodPost, "/v1/rule-chains/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DryRun asks the server for a cost estimate.
func (c *Client) DryRun(ctx context.Context, req api.ExecutionRequest) (*api.RuleChainDryRunResponse, error) {
	req.DryRun = true
	var resp api.RuleChainDryRunResponse
	if err := c.do(ctx, http.MethodPost, "/v1/rule-chains/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stream runs a chain in streaming mode, calling fn for every frame, and
// returns the folded response.
func (c *Client) Stream(ctx context.Context, req api.ExecutionRequest, fn func(api.Frame)) (*api.RuleChainExecuteResponse, error) {
	req.Stream, req.DryRun = true, false
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/rule-chains/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return nil, fmt.Errorf("expected an event stream, got %q", resp.Header.Get("Content-Type"))
	}
	// The metadata frame echoes the source text.
	limit := stream.FrameSizeFor(max(len(req.SourceText), 1<<20))
	return stream.FoldFunc(resp.Body, fn, stream.WithMaxFrameSize(limit))
}

// GetChain fetches a stored chain.
func (c *Client) GetChain(ctx context.Context, id int64) (*api.RuleChain, error) {
	var ch api.RuleChain
	if err := c.do(ctx, http.MethodGet, "/v1/rule-chains/"+strconv.FormatInt(id, 10), nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// CancelRun cancels an in-flight streaming run.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/runs/"+runID, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// decodeError turns an error response into an *api.APIError when the body
// carries one.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er api.ErrorResponse
	if err := json.Unmarshal(data, &er); err == nil && er.Error != nil {
		return er.Error
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
}
