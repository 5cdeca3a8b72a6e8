// Package refine calls an external LLM completion endpoint to refine
// rule-based voucher classification tags. Callers treat any failure as
// "keep the rule result"; this package never invents a tag on error.
package refine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"acctagent/models"
)

// Client talks to an OpenAI-compatible chat completion endpoint.
type Client struct {
	endpoint string
	model    string
	apiKey   string
	http     *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the bearer token sent on each request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New returns a refiner client against the given endpoint and model.
func New(endpoint, model string, opts ...Option) *Client {
	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const systemPrompt = "You classify Vietnamese SME accounting vouchers. " +
	"Reply with exactly one lowercase snake_case tag and nothing else."

// Refine asks the model for a better tag given the voucher context. The
// returned tag is sanitised; anything that does not look like a tag
// keeps the rule-based result.
func (c *Client) Refine(ctx context.Context, voucher *models.Voucher, ruleTag string) (string, error) {
	prompt := fmt.Sprintf(
		"Voucher type: %s\nType hint: %s\nPartner: %s\nDescription: %s\nRule-based tag: %s\nBetter tag:",
		voucher.VoucherType, voucher.TypeHint, voucher.PartnerName, voucher.Description, ruleTag,
	)
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return ruleTag, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ruleTag, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ruleTag, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return ruleTag, fmt.Errorf("refine: unexpected status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ruleTag, err
	}
	if len(parsed.Choices) == 0 {
		return ruleTag, fmt.Errorf("refine: empty completion")
	}
	tag := sanitizeTag(parsed.Choices[0].Message.Content)
	if tag == "" {
		return ruleTag, fmt.Errorf("refine: unusable completion")
	}
	return tag, nil
}

// sanitizeTag keeps the first token and strips anything outside
// [a-z0-9_]. Returns "" when nothing survives.
func sanitizeTag(raw string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(raw)))
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for _, r := range fields[0] {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	if b.Len() > 64 {
		return b.String()[:64]
	}
	return b.String()
}
