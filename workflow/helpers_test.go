package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"acctagent/erp"
	"acctagent/store"
)

// fakeERP serves canned records to the flows under test.
type fakeERP struct {
	vouchers []erp.Record
	journals []erp.Record
	invoices []erp.Record
	bankTxs  []erp.Record
	err      error
}

func (f *fakeERP) Vouchers(context.Context, string) ([]erp.Record, error) {
	return f.vouchers, f.err
}

func (f *fakeERP) Journals(context.Context, string) ([]erp.Record, error) {
	return f.journals, f.err
}

func (f *fakeERP) Invoices(context.Context, string) ([]erp.Record, error) {
	return f.invoices, f.err
}

func (f *fakeERP) BankTransactions(context.Context, string) ([]erp.Record, error) {
	return f.bankTxs, f.err
}

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	st, err := store.Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func fixedNow() time.Time {
	return time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)
}

func runGraph(t *testing.T, engine *Engine, name string, runID uuid.UUID, cursor map[string]any) *State {
	t.Helper()
	graph, ok := engine.Resolve(name)
	if !ok {
		t.Fatalf("graph %q not registered", name)
	}
	state := engine.Execute(context.Background(), graph, NewState(runID, cursor))
	return state
}

func testListFilter() store.ListFilter {
	return store.ListFilter{}
}

func requireClean(t *testing.T, state *State) {
	t.Helper()
	if len(state.Errors) > 0 {
		t.Fatalf("unexpected graph errors: %v", state.Errors)
	}
}
