package erp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestClientRespectsRateLimit(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, QPS: 10})
	started := time.Now()
	for i := 0; i < 5; i++ {
		if _, err := client.Vouchers(context.Background(), ""); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	elapsed := time.Since(started)

	if got := calls.Load(); got != 5 {
		t.Fatalf("expected 5 upstream calls, got %d", got)
	}
	// First token is immediate; the remaining four are paced 100ms apart.
	if elapsed < 380*time.Millisecond {
		t.Fatalf("5 calls at 10 qps finished in %v, expected at least ~400ms", elapsed)
	}
}

func TestClientCapsQPSAtPolicyCeiling(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://example.invalid", QPS: 100})
	if limit := float64(client.limiter.Limit()); limit != MaxQPS {
		t.Fatalf("limiter at %v qps, policy ceiling is %v", limit, MaxQPS)
	}
}

func TestClientRetriesServerErrorsUpToCap(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, MaxAttempts: 3, BackoffBase: time.Millisecond})
	client.jitter = func() float64 { return 0 }

	_, err := client.Invoices(context.Background(), "2026-01")
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected *UpstreamError, got %T: %v", err, err)
	}
	if upstream.Status != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", upstream.Status)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "no such endpoint", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	_, err := client.Journals(context.Background(), "2026-01")
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected *UpstreamError, got %v", err)
	}
	if upstream.Status != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", upstream.Status)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("404 must not retry, got %d attempts", got)
	}
}

func TestClientRetriesThrottling(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[{"id":"V-1"}]`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, BackoffBase: time.Millisecond})
	client.jitter = func() float64 { return 0 }

	records, err := client.BankTransactions(context.Background(), "")
	if err != nil {
		t.Fatalf("expected recovery after throttling: %v", err)
	}
	if len(records) != 1 || records[0].String("id") != "V-1" {
		t.Fatalf("unexpected records: %+v", records)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestBackoffFormula(t *testing.T) {
	client := NewClient(Config{
		BaseURL:     "http://example.invalid",
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  300 * time.Millisecond,
	})

	cases := []struct {
		attempt int
		jitter  float64
		want    time.Duration
	}{
		{attempt: 1, jitter: 0, want: 50 * time.Millisecond},
		{attempt: 1, jitter: 1, want: 150 * time.Millisecond},
		{attempt: 2, jitter: 0, want: 100 * time.Millisecond},
		// 2^2 * 100ms caps at the 300ms ceiling before jitter.
		{attempt: 3, jitter: 0, want: 150 * time.Millisecond},
		{attempt: 3, jitter: 1, want: 450 * time.Millisecond},
	}
	for _, tc := range cases {
		client.jitter = func() float64 { return tc.jitter }
		if got := client.backoff(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d jitter %.1f: got %v want %v", tc.attempt, tc.jitter, got, tc.want)
		}
	}
}

func TestClientDecodesDataEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"INV-1","amount":1200.5,"has_attachment":true}]}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	records, err := client.Invoices(context.Background(), "2026-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.String("id") != "INV-1" {
		t.Fatalf("id: %q", rec.String("id"))
	}
	if rec.Float("amount") != 1200.5 {
		t.Fatalf("amount: %v", rec.Float("amount"))
	}
	if !rec.Bool("has_attachment") {
		t.Fatal("has_attachment should decode as true")
	}
}

func TestRecordAccessorsTolerateMixedTypes(t *testing.T) {
	rec := Record{
		"amount_str":  "1,250,000.50",
		"amount_int":  42,
		"flag_str":    "TRUE",
		"flag_num":    1.0,
		"name_padded": "  Cong ty An Phat  ",
	}
	if got := rec.Float("amount_str"); got != 1250000.50 {
		t.Fatalf("amount_str: %v", got)
	}
	if got := rec.Float("amount_int"); got != 42 {
		t.Fatalf("amount_int: %v", got)
	}
	if !rec.Bool("flag_str") || !rec.Bool("flag_num") {
		t.Fatal("tolerant bool decoding failed")
	}
	if got := rec.String("name_padded"); got != "Cong ty An Phat" {
		t.Fatalf("name_padded: %q", got)
	}
	if rec.String("missing") != "" || rec.Float("missing") != 0 || rec.Bool("missing") {
		t.Fatal("missing keys must zero-value")
	}
}
