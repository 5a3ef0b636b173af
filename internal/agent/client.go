// Package agent talks to the agent worker running inside a sandbox
// container. The worker exposes a single synchronous /run endpoint; the
// control plane treats it as an opaque prompt-in, result-out service.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sandrun/sandrun/internal/common/logger"
)

// Request is the wire request to the worker's /run endpoint.
type Request struct {
	Text     string `json:"text"`
	RunID    string `json:"runId"`
	ThreadID string `json:"threadId,omitempty"`
}

// Response is the worker's reply.
type Response struct {
	FinalText    string `json:"finalText"`
	Diff         string `json:"diff"`
	ThreadID     string `json:"threadId"`
	GitCommit    string `json:"gitCommit,omitempty"`
	InputTokens  int64  `json:"inputTokens,omitempty"`
	OutputTokens int64  `json:"outputTokens,omitempty"`
}

// Client dispatches prompts to an agent worker.
type Client interface {
	// Execute sends the prompt to the worker at baseURL and waits for the
	// result. The caller bounds the call with a deadline on ctx.
	Execute(ctx context.Context, baseURL string, req *Request) (*Response, error)
}

// HTTPClient implements Client over plain HTTP JSON.
type HTTPClient struct {
	httpClient *http.Client
	logger     *logger.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates an agent client. The http.Client carries no timeout
// of its own; the per-run deadline comes in on the context.
func NewHTTPClient(log *logger.Logger) *HTTPClient {
	return &HTTPClient{
		httpClient: &http.Client{},
		logger:     log,
	}
}

// Execute POSTs the request to <baseURL>/run and decodes the reply.
func (c *HTTPClient) Execute(ctx context.Context, baseURL string, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	c.logger.Debug("Dispatching prompt to agent",
		zap.String("run_id", req.RunID),
		zap.String("base_url", baseURL),
	)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("agent returned %d: %s", httpResp.StatusCode, string(msg))
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode agent response: %w", err)
	}

	c.logger.Debug("Agent responded",
		zap.String("run_id", req.RunID),
		zap.String("thread_id", resp.ThreadID),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &resp, nil
}
