package workflow

import (
	"testing"

	"github.com/google/uuid"

	"acctagent/erp"
	"acctagent/models"
)

// Fixed clock 2026-02-10: invoices due in January are overdue.
func softCheckFixture() *fakeERP {
	return &fakeERP{
		vouchers: []erp.Record{
			{"id": "V-1", "voucher_no": "PT-1", "has_attachment": true},
			{"id": "V-2", "voucher_no": "PC-2", "has_attachment": false},
			{"id": "V-3", "voucher_no": "PC-3", "has_attachment": false},
		},
		journals: []erp.Record{
			{"id": "J-1", "journal_no": "GL-1", "debit_total": 5_000_000.0, "credit_total": 4_000_000.0},
		},
		invoices: []erp.Record{
			{"id": "I-1", "invoice_no": "0000001", "status": "unpaid", "due_date": "2026-01-31"},
			{"id": "I-2", "invoice_no": "0000002", "status": "unpaid", "due_date": "2026-01-15"},
			{"id": "I-3", "invoice_no": "0000003", "status": "paid", "due_date": "2026-01-10"},
		},
	}
}

func TestSoftChecksFlow(t *testing.T) {
	st := setupStore(t)
	engine := NewEngine(Env{Store: st, ERP: softCheckFixture(), Now: fixedNow}, 0)

	runID := uuid.New()
	state := runGraph(t, engine, string(models.RunSoftChecks), runID, map[string]any{"period": "2026-01"})
	requireClean(t, state)

	// 2 attachment warnings + 2 overdue warnings, 1 imbalance error.
	if got := state.Stats["warnings"]; got != 4 {
		t.Fatalf("warnings: got %v want 4", got)
	}
	if got := state.Stats["errors"]; got != 1 {
		t.Fatalf("errors: got %v want 1", got)
	}
	// 3 vouchers x 2 rules + 1 journal + 3 invoices.
	if got := state.Stats["total_checks"]; got != 10 {
		t.Fatalf("total_checks: got %v want 10", got)
	}
	if got := state.Stats["passed"]; got != 5 {
		t.Fatalf("passed: got %v want 5", got)
	}
	score, _ := state.Stats["score"].(float64)
	if score <= 0 || score >= 1.0 {
		t.Fatalf("score must be in (0,1) with findings present, got %v", score)
	}

	var result models.SoftCheckResult
	if err := st.DB().First(&result, "period = ? AND run_id = ?", "2026-01", runID).Error; err != nil {
		t.Fatalf("result row missing: %v", err)
	}
	if result.TotalChecks != 10 || result.Warnings != 4 || result.Errors != 1 {
		t.Fatalf("unexpected result row: %+v", result)
	}

	issues, err := st.ListIssues(testListFilter())
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 5 {
		t.Fatalf("expected 5 issues, got %d", len(issues))
	}
	for _, issue := range issues {
		if issue.Resolution != models.ResolutionOpen {
			t.Fatalf("new issue not open: %+v", issue)
		}
		if issue.CheckResultID == nil || *issue.CheckResultID != result.ID {
			t.Fatalf("issue not linked to result: %+v", issue)
		}
	}
}

func TestSoftChecksRerunDoesNotDuplicate(t *testing.T) {
	st := setupStore(t)
	engine := NewEngine(Env{Store: st, ERP: softCheckFixture(), Now: fixedNow}, 0)

	runID := uuid.New()
	cursor := map[string]any{"period": "2026-01"}
	requireClean(t, runGraph(t, engine, string(models.RunSoftChecks), runID, cursor))
	requireClean(t, runGraph(t, engine, string(models.RunSoftChecks), runID, cursor))

	var results int64
	if err := st.DB().Model(&models.SoftCheckResult{}).Count(&results).Error; err != nil {
		t.Fatal(err)
	}
	if results != 1 {
		t.Fatalf("expected 1 result row after rerun, got %d", results)
	}
	var issues int64
	if err := st.DB().Model(&models.ValidationIssue{}).Count(&issues).Error; err != nil {
		t.Fatal(err)
	}
	if issues != 5 {
		t.Fatalf("expected 5 issues after rerun, got %d", issues)
	}
}

func TestScanDuplicatesFlagsSharedNumbers(t *testing.T) {
	vouchers := []erp.Record{
		{"id": "V-1", "voucher_no": "PT-1"},
		{"id": "V-2", "voucher_no": "PT-1"},
		{"id": "V-3", "voucher_no": "PT-2"},
	}
	findings := scanDuplicates(vouchers)
	if len(findings) != 1 {
		t.Fatalf("expected one duplicate pair, got %d", len(findings))
	}
	if findings[0].rule != RuleDuplicateVoucher || findings[0].erpRef != "V-1" {
		t.Fatalf("unexpected finding: %+v", findings[0])
	}
}

func TestScanJournalsUsesRelativeTolerance(t *testing.T) {
	journals := []erp.Record{
		// 0.5% off: inside tolerance.
		{"id": "J-1", "journal_no": "GL-1", "debit_total": 1_000_000.0, "credit_total": 995_000.0},
		// 20% off: flagged.
		{"id": "J-2", "journal_no": "GL-2", "debit_total": 1_000_000.0, "credit_total": 800_000.0},
	}
	findings := scanJournals(journals)
	if len(findings) != 1 {
		t.Fatalf("expected one imbalance, got %d", len(findings))
	}
	if findings[0].erpRef != "J-2" || findings[0].severity != models.SeverityError {
		t.Fatalf("unexpected finding: %+v", findings[0])
	}
}

func TestScanInvoicesOnlyUnpaidOverdue(t *testing.T) {
	invoices := []erp.Record{
		{"id": "I-1", "invoice_no": "1", "status": "unpaid", "due_date": "2026-01-31"},
		{"id": "I-2", "invoice_no": "2", "status": "unpaid", "due_date": "2026-03-01"},
		{"id": "I-3", "invoice_no": "3", "status": "paid", "due_date": "2026-01-31"},
		{"id": "I-4", "invoice_no": "4", "status": "unpaid"},
	}
	findings := scanInvoices(invoices, "2026-02-10")
	if len(findings) != 1 {
		t.Fatalf("expected one overdue finding, got %d", len(findings))
	}
	if findings[0].erpRef != "I-1" || findings[0].rule != RuleOverdueInvoice {
		t.Fatalf("unexpected finding: %+v", findings[0])
	}
}
