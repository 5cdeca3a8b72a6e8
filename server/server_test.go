package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"acctagent/approval"
	"acctagent/dispatch"
	"acctagent/erp"
	"acctagent/models"
	"acctagent/store"
	"acctagent/workflow"
)

type fakeERP struct{}

func (fakeERP) Vouchers(context.Context, string) ([]erp.Record, error) { return nil, nil }

func (fakeERP) Journals(context.Context, string) ([]erp.Record, error) { return nil, nil }

func (fakeERP) Invoices(context.Context, string) ([]erp.Record, error) { return nil, nil }

func (fakeERP) BankTransactions(context.Context, string) ([]erp.Record, error) { return nil, nil }

func setupServer(t *testing.T, apiKey string) (*Server, *store.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	st, err := store.Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	engine := workflow.NewEngine(workflow.Env{Store: st, ERP: fakeERP{}}, 0)
	dispatcher := dispatch.New(st, engine, dispatch.Config{})
	approvals := approval.New(st)
	srv := New(Config{
		Store:      st,
		Dispatcher: dispatcher,
		Engine:     engine,
		Approvals:  approvals,
		APIKey:     apiKey,
		Now:        func() time.Time { return time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC) },
	})
	return srv, st
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := setupServer(t, "")

	if rec := doJSON(t, srv, http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	if rec := doJSON(t, srv, http.MethodGet, "/readyz", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rec.Code)
	}
	if rec := doJSON(t, srv, http.MethodGet, "/metrics", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestAPIKeyGuard(t *testing.T) {
	srv, _ := setupServer(t, "sekret")

	rec := doJSON(t, srv, http.MethodGet, "/agent/v1/runs", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: got %d want 401", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/agent/v1/runs", nil, map[string]string{"X-API-Key": "sekret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("valid key: got %d want 200", rec.Code)
	}
	// Liveness stays public.
	if rec := doJSON(t, srv, http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz behind key guard: %d", rec.Code)
	}
}

func TestCreateRunRejectsUnknownType(t *testing.T) {
	srv, _ := setupServer(t, "")
	rec := doJSON(t, srv, http.MethodPost, "/agent/v1/runs",
		map[string]any{"run_type": "mystery_flow"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateRunIdempotency(t *testing.T) {
	srv, st := setupServer(t, "")
	body := map[string]any{
		"run_type": string(models.RunSoftChecks),
		"payload":  map[string]any{"period": "2026-01"},
	}
	headers := map[string]string{"Idempotency-Key": "submit-1"}

	first := doJSON(t, srv, http.MethodPost, "/agent/v1/runs", body, headers)
	if first.Code != http.StatusOK {
		t.Fatalf("first submit: %d %s", first.Code, first.Body.String())
	}
	var firstResp runResponse
	if err := json.Unmarshal(first.Body.Bytes(), &firstResp); err != nil {
		t.Fatal(err)
	}

	second := doJSON(t, srv, http.MethodPost, "/agent/v1/runs", body, headers)
	if second.Code != http.StatusOK {
		t.Fatalf("duplicate submit: %d", second.Code)
	}
	var secondResp runResponse
	if err := json.Unmarshal(second.Body.Bytes(), &secondResp); err != nil {
		t.Fatal(err)
	}
	if firstResp.RunID != secondResp.RunID {
		t.Fatalf("duplicate submit created a new run: %s vs %s", firstResp.RunID, secondResp.RunID)
	}

	var count int64
	if err := st.DB().Model(&models.Run{}).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected a single run row, got %d", count)
	}

	// Same key, different payload: conflict.
	conflicting := map[string]any{
		"run_type": string(models.RunSoftChecks),
		"payload":  map[string]any{"period": "2026-02"},
	}
	third := doJSON(t, srv, http.MethodPost, "/agent/v1/runs", conflicting, headers)
	if third.Code != http.StatusConflict {
		t.Fatalf("conflicting payload: got %d want 409", third.Code)
	}
}

func TestCreateRunDerivesKeyWhenHeaderAbsent(t *testing.T) {
	srv, st := setupServer(t, "")
	body := map[string]any{"run_type": string(models.RunSoftChecks)}

	doJSON(t, srv, http.MethodPost, "/agent/v1/runs", body, nil)
	doJSON(t, srv, http.MethodPost, "/agent/v1/runs", body, nil)

	var count int64
	if err := st.DB().Model(&models.Run{}).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("identical keyless submissions must collapse, got %d rows", count)
	}
}

func TestGetRun(t *testing.T) {
	srv, st := setupServer(t, "")
	run := models.Run{
		ID: uuid.New(), RunType: models.RunSoftChecks, TriggerType: models.TriggerManual,
		Status: models.RunSuccess, IdempotencyKey: uuid.NewString(),
	}
	if err := st.DB().Create(&run).Error; err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, srv, http.MethodGet, "/agent/v1/runs/"+run.ID.String(), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get run: %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/agent/v1/runs/"+uuid.NewString(), nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing run: got %d want 404", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/agent/v1/runs/not-a-uuid", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad run id: got %d want 400", rec.Code)
	}
}

func seedProposal(t *testing.T, st *store.Store, createdBy string, status models.ContractState) models.ContractProposal {
	t.Helper()
	proposal := models.ContractProposal{
		ID:          uuid.New(),
		CaseID:      "case-1",
		Title:       "Nghia vu thanh toan dot 2",
		Status:      status,
		CreatedBy:   createdBy,
		ProposalKey: uuid.NewString(),
	}
	if err := st.DB().Create(&proposal).Error; err != nil {
		t.Fatal(err)
	}
	return proposal
}

func TestPostApprovalStatusMapping(t *testing.T) {
	srv, st := setupServer(t, "")
	proposal := seedProposal(t, st, "maker", models.ContractUnderReview)
	path := "/agent/v1/contract/proposals/" + proposal.ID.String() + "/approvals"

	// Missing idempotency key header.
	rec := doJSON(t, srv, http.MethodPost, path,
		map[string]any{"decision": "approve", "approver_id": "checker", "evidence_ack": true}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing key: got %d want 400", rec.Code)
	}

	// Approve without evidence acknowledgement.
	rec = doJSON(t, srv, http.MethodPost, path,
		map[string]any{"decision": "approve", "approver_id": "checker"},
		map[string]string{"Idempotency-Key": "k1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("evidence: got %d want 400", rec.Code)
	}

	// Maker cannot check their own proposal.
	rec = doJSON(t, srv, http.MethodPost, path,
		map[string]any{"decision": "approve", "approver_id": "maker", "evidence_ack": true},
		map[string]string{"Idempotency-Key": "k2"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("maker-checker: got %d want 409", rec.Code)
	}

	// Valid approval.
	rec = doJSON(t, srv, http.MethodPost, path,
		map[string]any{"decision": "approve", "approver_id": "checker", "evidence_ack": true},
		map[string]string{"Idempotency-Key": "k3"})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: got %d: %s", rec.Code, rec.Body.String())
	}
	var resp approvalResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Proposal.Status != models.ContractApproved {
		t.Fatalf("proposal status: %s", resp.Proposal.Status)
	}

	// Replay returns the stored decision.
	rec = doJSON(t, srv, http.MethodPost, path,
		map[string]any{"decision": "approve", "approver_id": "checker", "evidence_ack": true},
		map[string]string{"Idempotency-Key": "k3"})
	if rec.Code != http.StatusOK {
		t.Fatalf("replay: got %d", rec.Code)
	}
	var replay approvalResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &replay); err != nil {
		t.Fatal(err)
	}
	if !replay.Replayed || replay.Decision.ID != resp.Decision.ID {
		t.Fatalf("expected replay of decision %s: %+v", resp.Decision.ID, replay)
	}

	// Fresh decision against the now-terminal proposal.
	rec = doJSON(t, srv, http.MethodPost, path,
		map[string]any{"decision": "reject", "approver_id": "checker2"},
		map[string]string{"Idempotency-Key": "k4"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("terminal: got %d want 409", rec.Code)
	}

	// Unknown proposal.
	rec = doJSON(t, srv, http.MethodPost,
		"/agent/v1/contract/proposals/"+uuid.NewString()+"/approvals",
		map[string]any{"decision": "reject", "approver_id": "checker"},
		map[string]string{"Idempotency-Key": "k5"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing proposal: got %d want 404", rec.Code)
	}
}

func TestGetContractProposalIncludesDecisions(t *testing.T) {
	srv, st := setupServer(t, "")
	proposal := seedProposal(t, st, "maker", models.ContractUnderReview)
	path := "/agent/v1/contract/proposals/" + proposal.ID.String()

	doJSON(t, srv, http.MethodPost, path+"/approvals",
		map[string]any{"decision": "reject", "approver_id": "checker"},
		map[string]string{"Idempotency-Key": "k1"})

	rec := doJSON(t, srv, http.MethodGet, path, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get proposal: %d", rec.Code)
	}
	var resp struct {
		Status    models.ContractState      `json:"status"`
		Decisions []models.ApprovalDecision `json:"decisions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != models.ContractRejected || len(resp.Decisions) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestResolveIssueEndpoint(t *testing.T) {
	srv, st := setupServer(t, "")
	issue := models.ValidationIssue{
		ID: uuid.New(), RuleCode: "OVERDUE_INVOICE", Severity: models.SeverityWarning,
		Resolution: models.ResolutionOpen,
	}
	if err := st.DB().Create(&issue).Error; err != nil {
		t.Fatal(err)
	}
	path := "/agent/v1/issues/" + issue.ID.String() + "/resolution"

	rec := doJSON(t, srv, http.MethodPost, path,
		map[string]any{"resolution": models.ResolutionResolved}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing resolved_by: got %d want 400", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, path,
		map[string]any{"resolution": "nonsense", "resolved_by": "alice"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid resolution: got %d want 400", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, path,
		map[string]any{"resolution": models.ResolutionResolved, "resolved_by": "alice"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost,
		"/agent/v1/issues/"+uuid.NewString()+"/resolution",
		map[string]any{"resolution": models.ResolutionResolved, "resolved_by": "alice"}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing issue: got %d want 404", rec.Code)
	}
}

func TestGraphIntrospection(t *testing.T) {
	srv, _ := setupServer(t, "")

	rec := doJSON(t, srv, http.MethodGet, "/agent/v1/graphs", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list graphs: %d", rec.Code)
	}
	var list map[string][]string
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list["graphs"]) != 7 {
		t.Fatalf("expected 7 registered graphs, got %v", list["graphs"])
	}

	rec = doJSON(t, srv, http.MethodGet, "/agent/v1/graphs/"+string(models.RunBankReconcile), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get graph: %d", rec.Code)
	}
	var graph struct {
		Name  string   `json:"name"`
		Steps []string `json:"steps"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &graph); err != nil {
		t.Fatal(err)
	}
	if graph.Name != string(models.RunBankReconcile) || len(graph.Steps) != 3 {
		t.Fatalf("unexpected graph: %+v", graph)
	}

	rec = doJSON(t, srv, http.MethodGet, "/agent/v1/graphs/unknown", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown graph: got %d want 404", rec.Code)
	}
}

func TestTierBFeedback(t *testing.T) {
	srv, st := setupServer(t, "")

	rec := doJSON(t, srv, http.MethodPost, "/agent/v1/tier-b/feedback",
		map[string]any{"obligation_id": "ob-1", "feedback_type": "shrug"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid feedback type: got %d want 400", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/agent/v1/tier-b/feedback",
		map[string]any{"obligation_id": "ob-1", "feedback_type": models.FeedbackExplicitYes, "user_id": "u1"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("feedback: got %d", rec.Code)
	}

	var count int64
	if err := st.DB().Model(&models.TierBFeedback{}).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 feedback row, got %d", count)
	}
}

func TestQATemplates(t *testing.T) {
	srv, st := setupServer(t, "")
	vouchers := []models.Voucher{
		{ID: uuid.New(), ERPVoucherID: "V-1", VoucherNo: "PT-1", Source: models.SourceFixture},
		{ID: uuid.New(), ERPVoucherID: "V-2", VoucherNo: "PT-2", Source: models.SourceERPSync},
	}
	for i := range vouchers {
		if err := st.DB().Create(&vouchers[i]).Error; err != nil {
			t.Fatal(err)
		}
	}

	ask := func(question string) (string, string) {
		t.Helper()
		rec := doJSON(t, srv, http.MethodPost, "/agent/v1/qa",
			map[string]any{"question": question, "asked_by": "chi Lan"}, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("qa: %d", rec.Code)
		}
		var resp map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		return resp["template"], resp["answer"]
	}

	if template, answer := ask("How many vouchers do we have this month?"); template != "voucher_count" || answer == "" {
		t.Fatalf("voucher question: %q %q", template, answer)
	}
	if template, _ := ask("co bat thuong nao khong?"); template != "anomaly_summary" {
		t.Fatalf("anomaly question: %q", template)
	}
	if template, _ := ask("du bao dong tien thang nay?"); template != "cashflow_summary" {
		t.Fatalf("cashflow question: %q", template)
	}
	if template, _ := ask("what is the meaning of life?"); template != "fallback" {
		t.Fatalf("fallback question: %q", template)
	}

	// Every exchange is recorded.
	var count int64
	if err := st.DB().Model(&models.QAAudit{}).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 4 {
		t.Fatalf("expected 4 audit rows, got %d", count)
	}
}
