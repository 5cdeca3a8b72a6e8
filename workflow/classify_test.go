package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"acctagent/models"
)

func createVoucher(t *testing.T, env Env, voucherNo, voucherType, hint, description string) models.Voucher {
	t.Helper()
	voucher := models.Voucher{
		ID:           uuid.New(),
		ERPVoucherID: "erp:" + voucherNo,
		VoucherNo:    voucherNo,
		Source:       models.SourceERPSync,
		VoucherType:  voucherType,
		TypeHint:     hint,
		Description:  description,
		SyncedAt:     fixedNow(),
	}
	if err := env.Store.DB().Create(&voucher).Error; err != nil {
		t.Fatal(err)
	}
	return voucher
}

func TestVoucherClassifyFlow(t *testing.T) {
	st := setupStore(t)
	env := Env{Store: st, ERP: &fakeERP{}, Now: fixedNow}
	engine := NewEngine(env, 0)

	createVoucher(t, env, "PT-1", "sale", "", "ban hang thang 1")
	createVoucher(t, env, "PC-2", "expense", "", "thanh toan luong thang 1")
	createVoucher(t, env, "PC-3", "cash_payment", "prepaid_expense", "")

	state := runGraph(t, engine, string(models.RunVoucherClassify), uuid.New(), nil)
	requireClean(t, state)
	if got := state.Stats["classified"]; got != 3 {
		t.Fatalf("classified: got %v want 3", got)
	}
	if got := state.Stats["refined"]; got != 0 {
		t.Fatalf("refined without llm: got %v want 0", got)
	}

	wantTags := map[string]string{
		"PT-1": "revenue_sale",
		"PC-2": "payroll",
		"PC-3": "hint_prepaid_expense",
	}
	for voucherNo, want := range wantTags {
		var voucher models.Voucher
		if err := st.DB().First(&voucher, "voucher_no = ?", voucherNo).Error; err != nil {
			t.Fatal(err)
		}
		if voucher.ClassificationTag != want {
			t.Fatalf("%s: got %q want %q", voucherNo, voucher.ClassificationTag, want)
		}
	}

	// All vouchers tagged; the next pass short-circuits on the guard.
	second := runGraph(t, engine, string(models.RunVoucherClassify), uuid.New(), nil)
	requireClean(t, second)
	if got := second.Stats["short_circuit"]; got != "has_data" {
		t.Fatalf("expected guard short-circuit, stats: %v", second.Stats)
	}
}

type stubRefiner struct {
	tag string
	err error
}

func (r stubRefiner) Refine(_ context.Context, _ *models.Voucher, ruleTag string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	if r.tag == "" {
		return ruleTag, nil
	}
	return r.tag, nil
}

func TestVoucherClassifyRefinement(t *testing.T) {
	st := setupStore(t)
	env := Env{
		Store:      st,
		ERP:        &fakeERP{},
		Refiner:    stubRefiner{tag: "consulting_revenue"},
		LLMEnabled: true,
		LLMTimeout: time.Second,
		Now:        fixedNow,
	}
	engine := NewEngine(env, 0)
	createVoucher(t, env, "PT-1", "sale", "", "tu van quan ly")

	state := runGraph(t, engine, string(models.RunVoucherClassify), uuid.New(), nil)
	requireClean(t, state)
	if got := state.Stats["refined"]; got != 1 {
		t.Fatalf("refined: got %v want 1", got)
	}

	var voucher models.Voucher
	if err := st.DB().First(&voucher, "voucher_no = ?", "PT-1").Error; err != nil {
		t.Fatal(err)
	}
	if voucher.ClassificationTag != "consulting_revenue" {
		t.Fatalf("tag: %q", voucher.ClassificationTag)
	}
}

func TestVoucherClassifyRefinerFailureKeepsRuleTag(t *testing.T) {
	st := setupStore(t)
	env := Env{
		Store:      st,
		ERP:        &fakeERP{},
		Refiner:    stubRefiner{err: errors.New("model unavailable")},
		LLMEnabled: true,
		Now:        fixedNow,
	}
	engine := NewEngine(env, 0)
	createVoucher(t, env, "PT-1", "sale", "", "")

	state := runGraph(t, engine, string(models.RunVoucherClassify), uuid.New(), nil)
	requireClean(t, state)
	if got := state.Stats["refined"]; got != 0 {
		t.Fatalf("refined: got %v want 0", got)
	}

	var voucher models.Voucher
	if err := st.DB().First(&voucher, "voucher_no = ?", "PT-1").Error; err != nil {
		t.Fatal(err)
	}
	if voucher.ClassificationTag != "revenue_sale" {
		t.Fatalf("rule tag must survive refiner failure, got %q", voucher.ClassificationTag)
	}
}
