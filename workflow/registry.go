package workflow

import (
	"context"
	"time"

	"acctagent/erp"
	"acctagent/models"
	"acctagent/objstore"
	"acctagent/parallel"
	"acctagent/store"
)

// ERPReader is the slice of the ERP client the workflows consume.
type ERPReader interface {
	Vouchers(ctx context.Context, updatedAfter string) ([]erp.Record, error)
	Journals(ctx context.Context, period string) ([]erp.Record, error)
	Invoices(ctx context.Context, period string) ([]erp.Record, error)
	BankTransactions(ctx context.Context, updatedAfter string) ([]erp.Record, error)
}

// Refiner optionally refines a rule-based classification tag. The rule
// result stays authoritative whenever refinement fails.
type Refiner interface {
	Refine(ctx context.Context, voucher *models.Voucher, ruleTag string) (string, error)
}

// NopRefiner leaves the rule-based tag untouched.
type NopRefiner struct{}

// Refine implements Refiner.
func (NopRefiner) Refine(_ context.Context, _ *models.Voucher, ruleTag string) (string, error) {
	return ruleTag, nil
}

// Env bundles the dependencies the registered workflows share.
type Env struct {
	Store          *store.Store
	ERP            ERPReader
	Mapper         parallel.Mapper
	Objects        objstore.Store
	Refiner        Refiner
	ReportDir      string
	MatchThreshold float64
	LLMEnabled     bool
	LLMTimeout     time.Duration
	Now            func() time.Time
}

func (env *Env) defaults() {
	if env.Mapper == nil {
		env.Mapper = parallel.Sequential{}
	}
	if env.Refiner == nil {
		env.Refiner = NopRefiner{}
	}
	if env.MatchThreshold <= 0 {
		env.MatchThreshold = 0.85
	}
	if env.Now == nil {
		env.Now = time.Now
	}
}

// NewEngine compiles every registered workflow against the environment.
func NewEngine(env Env, stepTimeout time.Duration) *Engine {
	env.defaults()
	flows := &flows{env: env}
	return &Engine{
		stepTimeout: stepTimeout,
		graphs: map[string]*Graph{
			string(models.RunJournalSuggestion): flows.journalSuggestion(),
			string(models.RunBankReconcile):     flows.bankReconcile(),
			string(models.RunSoftChecks):        flows.softChecks(),
			string(models.RunCashflowForecast):  flows.cashflowForecast(),
			string(models.RunTaxReport):         flows.taxReport(),
			string(models.RunVoucherIngest):     flows.voucherIngest(),
			string(models.RunVoucherClassify):   flows.voucherClassify(),
		},
	}
}

type flows struct {
	env Env
}

func hasRecords(key string) func(st *State) bool {
	return func(st *State) bool {
		records, _ := st.Data[key].([]erp.Record)
		return len(records) > 0
	}
}

func records(st *State, key string) []erp.Record {
	out, _ := st.Data[key].([]erp.Record)
	return out
}
