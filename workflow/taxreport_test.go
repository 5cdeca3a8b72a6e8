package workflow

import (
	"encoding/json"
	"math"
	"os"
	"testing"

	"github.com/google/uuid"

	"acctagent/erp"
	"acctagent/models"
)

func taxFixture() *fakeERP {
	return &fakeERP{
		invoices: []erp.Record{
			{"id": "I-1", "invoice_no": "0000001", "invoice_type": "sale", "partner_name": "Khach A",
				"amount": 100_000_000.0, "vat_amount": 10_000_000.0, "currency": "VND"},
			{"id": "I-2", "invoice_no": "0000002", "invoice_type": "purchase", "partner_name": "NCC B",
				"amount": 40_000_000.0, "vat_amount": 4_000_000.0, "currency": "VND"},
		},
		vouchers: []erp.Record{
			{"id": "V-1", "voucher_type": "sale", "amount": 100_000_000.0},
			{"id": "V-2", "voucher_type": "purchase", "amount": 40_000_000.0},
		},
	}
}

func TestBuildVATLines(t *testing.T) {
	lines, vatIn, vatOut := buildVATLines(taxFixture().invoices)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if vatIn != 4_000_000 || vatOut != 10_000_000 {
		t.Fatalf("vat totals: in %.0f out %.0f", vatIn, vatOut)
	}
	// Sorted by invoice id.
	if lines[0].InvoiceID != "I-1" || lines[1].InvoiceID != "I-2" {
		t.Fatalf("line order: %+v", lines)
	}
}

func TestBuildTrialBalanceBalances(t *testing.T) {
	lines, totalDebit, totalCredit := buildTrialBalance(taxFixture().vouchers)
	if totalDebit != totalCredit {
		t.Fatalf("trial balance off: debit %.0f credit %.0f", totalDebit, totalCredit)
	}
	var debit, credit float64
	for _, line := range lines {
		debit += line.Debit
		credit += line.Credit
	}
	if math.Abs(debit-totalDebit) > 0.01 || math.Abs(credit-totalCredit) > 0.01 {
		t.Fatalf("line totals disagree with header totals")
	}
	// Accounts appear sorted by code.
	for i := 1; i < len(lines); i++ {
		if lines[i-1].AccountCode > lines[i].AccountCode {
			t.Fatalf("lines out of order: %+v", lines)
		}
	}
}

func TestTaxReportFlowVersionsSnapshots(t *testing.T) {
	st := setupStore(t)
	reportDir := t.TempDir()
	engine := NewEngine(Env{Store: st, ERP: taxFixture(), ReportDir: reportDir, Now: fixedNow}, 0)

	cursor := map[string]any{"period": "2026-01"}
	first := runGraph(t, engine, string(models.RunTaxReport), uuid.New(), cursor)
	requireClean(t, first)
	if got := first.Stats["vat_list_version"]; got != 1 {
		t.Fatalf("vat_list_version: got %v want 1", got)
	}
	if got := first.Stats["vat_payable"]; got != 6_000_000.0 {
		t.Fatalf("vat_payable: got %v", got)
	}

	second := runGraph(t, engine, string(models.RunTaxReport), uuid.New(), cursor)
	requireClean(t, second)
	if got := second.Stats["vat_list_version"]; got != 2 {
		t.Fatalf("second vat_list_version: got %v want 2", got)
	}
	if got := second.Stats["trial_balance_version"]; got != 2 {
		t.Fatalf("second trial_balance_version: got %v want 2", got)
	}

	snapshots, err := st.ListSnapshots(testListFilter())
	if err != nil {
		t.Fatal(err)
	}
	if len(snapshots) != 4 {
		t.Fatalf("expected 4 snapshots (2 reports x 2 versions), got %d", len(snapshots))
	}
	for _, snap := range snapshots {
		if snap.Period != "2026-01" {
			t.Fatalf("period: %+v", snap)
		}
		if _, err := os.Stat(snap.FileURI); err != nil {
			t.Fatalf("artifact missing for %s v%d: %v", snap.ReportType, snap.Version, err)
		}
		var summary map[string]any
		if err := json.Unmarshal([]byte(snap.SummaryJSON), &summary); err != nil {
			t.Fatalf("summary not json: %v", err)
		}
		parquetURI, _ := summary["parquet_uri"].(string)
		if parquetURI == "" {
			t.Fatalf("summary missing parquet_uri: %s", snap.SummaryJSON)
		}
		if _, err := os.Stat(parquetURI); err != nil {
			t.Fatalf("parquet artifact missing: %v", err)
		}
		if snap.ReportType == models.ReportVATList {
			if summary["vat_payable"].(float64) != 6_000_000 {
				t.Fatalf("vat summary: %s", snap.SummaryJSON)
			}
		}
	}
}
