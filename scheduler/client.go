package scheduler

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

// RunRequest is the body posted to the agent run endpoint.
type RunRequest struct {
	RunType     string         `json:"run_type"`
	TriggerType string         `json:"trigger_type"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// RunResponse is the agent's acknowledgement.
type RunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// AgentClient submits runs to the agent API. Both scheduler loops share
// one instance and therefore one HTTP connection pool.
type AgentClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewAgentClient builds a client for the agent base URL.
func NewAgentClient(baseURL, apiKey string) *AgentClient {
	return &AgentClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitRun posts one run request under the given idempotency key.
func (c *AgentClient) SubmitRun(ctx context.Context, req RunRequest, idempotencyKey string) (*RunResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("scheduler: encode run request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent/v1/runs", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("scheduler: build run request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("scheduler: submit run: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("scheduler: run submission status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed RunResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("scheduler: decode run response: %w", err)
	}
	return &parsed, nil
}
