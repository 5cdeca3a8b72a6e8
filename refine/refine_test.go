package refine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"acctagent/models"
)

func TestRefineParsesCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("authorization: %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Model != "gpt-4o-mini" || len(req.Messages) != 2 {
			t.Errorf("request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "Consulting_Revenue extra words"}},
			},
		})
	}))
	defer srv.Close()

	client := New(srv.URL, "gpt-4o-mini", WithAPIKey("token-1"))
	voucher := &models.Voucher{VoucherType: "sale", Description: "tu van quan ly"}
	tag, err := client.Refine(context.Background(), voucher, "revenue_sale")
	if err != nil {
		t.Fatalf("refine: %v", err)
	}
	if tag != "consulting_revenue" {
		t.Fatalf("tag: %q", tag)
	}
}

func TestRefineFailuresReturnRuleTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := New(srv.URL, "gpt-4o-mini")
	tag, err := client.Refine(context.Background(), &models.Voucher{}, "operating_expense")
	if err == nil {
		t.Fatal("expected an error on 503")
	}
	if tag != "operating_expense" {
		t.Fatalf("rule tag must come back on failure, got %q", tag)
	}
}

func TestRefineRejectsUnusableCompletions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "!!! ???"}},
			},
		})
	}))
	defer srv.Close()

	client := New(srv.URL, "gpt-4o-mini")
	tag, err := client.Refine(context.Background(), &models.Voucher{}, "misc")
	if err == nil {
		t.Fatal("expected an error for an unusable completion")
	}
	if tag != "misc" {
		t.Fatalf("tag: %q", tag)
	}
}

func TestSanitizeTag(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"payroll", "payroll"},
		{"  Expense_Rent  ", "expense_rent"},
		{"tag-with-dashes", "tagwithdashes"},
		{"first second", "first"},
		{"", ""},
		{"!!!", ""},
	}
	for _, tc := range cases {
		if got := sanitizeTag(tc.in); got != tc.want {
			t.Fatalf("sanitizeTag(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
