// Package erp provides the read-only client for the upstream ERP API.
// Calls are paced through a process-wide token bucket and retried with
// exponential backoff. The client never issues writes.
package erp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"acctagent/observability"
)

const (
	// MaxQPS is the policy ceiling on request pacing. Configuration may
	// lower it but never raise it.
	MaxQPS = 10.0
	// MaxAttempts is the policy ceiling on upstream attempts per call.
	MaxAttempts = 3

	snippetLimit = 512
)

// UpstreamError reports an ERP call that failed after the retry budget
// was exhausted. It carries the last HTTP status and a response snippet.
type UpstreamError struct {
	Status  int
	Snippet string
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("erp: upstream status %d: %s", e.Status, e.Snippet)
	}
	return fmt.Sprintf("erp: upstream failure: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Record is one row returned by the ERP API. Fields are opaque at the
// client boundary; each workflow reads the fields it needs through the
// tolerant accessors.
type Record map[string]any

// String returns the named field as a trimmed string, or "".
func (r Record) String(key string) string {
	switch v := r[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	default:
		return ""
	}
}

// Float returns the named field as a float64, or 0.
func (r Record) Float(key string) float64 {
	switch v := r[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.ReplaceAll(strings.TrimSpace(v), ",", ""), "%g", &f); err == nil {
			return f
		}
	}
	return 0
}

// Bool returns the named field as a bool, or false.
func (r Record) Bool(key string) bool {
	switch v := r[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	case float64:
		return v != 0
	}
	return false
}

// Config represents the client configuration.
type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	QPS         float64
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Client is the rate-limited, retrying ERP read client. Safe for
// concurrent use; the limiter is shared by every caller in the process.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	metrics     *observability.ERPMetrics
	jitter      func() float64
}

// NewClient constructs a client enforcing the qps and attempt policy caps.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	qps := cfg.QPS
	if qps < 0 {
		qps = 0
	}
	if qps > MaxQPS {
		qps = MaxQPS
	}
	var limiter *rate.Limiter
	if qps > 0 {
		limiter = rate.NewLimiter(rate.Limit(qps), 1)
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 || attempts > MaxAttempts {
		attempts = MaxAttempts
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := cfg.BackoffMax
	if max <= 0 {
		max = 10 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     limiter,
		maxAttempts: attempts,
		backoffBase: base,
		backoffMax:  max,
		metrics:     observability.ERP(),
		jitter:      rand.Float64,
	}
}

// Journals returns journal entries, optionally restricted to a period.
func (c *Client) Journals(ctx context.Context, period string) ([]Record, error) {
	return c.get(ctx, "/journals", query("period", period))
}

// Vouchers returns vouchers updated after the supplied cutoff, if set.
func (c *Client) Vouchers(ctx context.Context, updatedAfter string) ([]Record, error) {
	return c.get(ctx, "/vouchers", query("updated_after", updatedAfter))
}

// Invoices returns invoices for the accounting period (YYYY-MM).
func (c *Client) Invoices(ctx context.Context, period string) ([]Record, error) {
	return c.get(ctx, "/invoices", query("period", period))
}

// ARAging returns accounts-receivable aging as of the supplied date.
func (c *Client) ARAging(ctx context.Context, asOf string) ([]Record, error) {
	return c.get(ctx, "/ar-aging", query("as_of", asOf))
}

// Assets returns the fixed asset register.
func (c *Client) Assets(ctx context.Context) ([]Record, error) {
	return c.get(ctx, "/assets", nil)
}

// CloseCalendar returns the close calendar for the period.
func (c *Client) CloseCalendar(ctx context.Context, period string) ([]Record, error) {
	return c.get(ctx, "/close-calendar", query("period", period))
}

// BankTransactions returns bank statement lines.
func (c *Client) BankTransactions(ctx context.Context, updatedAfter string) ([]Record, error) {
	return c.get(ctx, "/bank-transactions", query("updated_after", updatedAfter))
}

// Partners returns the partner master list.
func (c *Client) Partners(ctx context.Context) ([]Record, error) {
	return c.get(ctx, "/partners", nil)
}

// Contracts returns contract headers.
func (c *Client) Contracts(ctx context.Context) ([]Record, error) {
	return c.get(ctx, "/contracts", nil)
}

// Payments returns payment records.
func (c *Client) Payments(ctx context.Context, updatedAfter string) ([]Record, error) {
	return c.get(ctx, "/payments", query("updated_after", updatedAfter))
}

func query(key, value string) url.Values {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return url.Values{key: []string{value}}
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]Record, error) {
	if c == nil || c.httpClient == nil {
		return nil, errors.New("erp: client not configured")
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var lastStatus int
	var lastSnippet string
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		started := time.Now()
		records, status, snippet, err := c.do(ctx, endpoint)
		c.metrics.ObserveCall(path, status, time.Since(started))
		if err == nil {
			return records, nil
		}
		lastStatus, lastSnippet, lastErr = status, snippet, err
		if !retryable(status, err) {
			break
		}
		if attempt == c.maxAttempts {
			break
		}
		c.metrics.RecordRetry(path)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.backoff(attempt)):
		}
	}

	return nil, &UpstreamError{Status: lastStatus, Snippet: lastSnippet, Err: lastErr}
}

func (c *Client) do(ctx context.Context, endpoint string) ([]Record, int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, "", err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, "", err
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > snippetLimit {
			snippet = snippet[:snippetLimit]
		}
		return nil, resp.StatusCode, snippet, fmt.Errorf("erp: unexpected status %d", resp.StatusCode)
	}
	if readErr != nil {
		return nil, resp.StatusCode, "", readErr
	}

	var payload struct {
		Data []Record `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Data != nil {
		return payload.Data, resp.StatusCode, "", nil
	}
	var records []Record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, resp.StatusCode, "", fmt.Errorf("erp: decode response: %w", err)
	}
	return records, resp.StatusCode, "", nil
}

// backoff computes min(max, base*2^(attempt-1)) scaled by uniform(0.5, 1.5).
func (c *Client) backoff(attempt int) time.Duration {
	d := time.Duration(float64(c.backoffBase) * math.Pow(2, float64(attempt-1)))
	if d > c.backoffMax {
		d = c.backoffMax
	}
	factor := 0.5 + c.jitter()
	return time.Duration(float64(d) * factor)
}

// retryable classifies transport errors, timeouts, 5xx, and deliberate
// throttling (408/429) as retryable. Remaining 4xx are terminal.
func retryable(status int, err error) bool {
	if status == 0 {
		return err != nil
	}
	if status >= 500 {
		return true
	}
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}
