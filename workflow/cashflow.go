package workflow

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"acctagent/erp"
	"acctagent/models"
)

const (
	forecastHorizonDays = 30
	recurringOffsetDays = 15
	recurringMinOccur   = 2
	invoiceConfidence   = 0.85
	recurringConfidence = 0.60
)

func (f *flows) cashflowForecast() *Graph {
	return newGraph(string(models.RunCashflowForecast)).
		node("fetch", f.fetchForecastInputs).
		guard("has_data", func(st *State) bool {
			return len(records(st, "invoices"))+len(records(st, "bank_txs")) > 0
		}).
		node("compute", f.projectCashflow).
		compile()
}

func (f *flows) fetchForecastInputs(ctx context.Context, st *State) (Delta, error) {
	period := st.CursorString("period")
	if period == "" {
		period = f.env.Now().Format("2006-01")
	}
	invoices, err := f.env.ERP.Invoices(ctx, period)
	if err != nil {
		return Delta{}, err
	}
	txs, err := f.env.ERP.BankTransactions(ctx, st.CursorString("updated_after"))
	if err != nil {
		return Delta{}, err
	}
	return Delta{
		Data: map[string]any{"invoices": invoices, "bank_txs": txs},
		Stats: map[string]any{
			"fetched_invoices": len(invoices),
			"fetched_bank_txs": len(txs),
		},
	}, nil
}

// projectCashflow writes one forecast row per unpaid invoice due inside
// the horizon plus one per detected recurring counterparty. Rows belong
// to this run; earlier runs keep theirs. A rerun of the same run id
// replaces its own rows so the projection stays single-valued.
func (f *flows) projectCashflow(ctx context.Context, st *State) (Delta, error) {
	invoices := records(st, "invoices")
	txs := records(st, "bank_txs")
	now := f.env.Now()
	horizon := now.AddDate(0, 0, forecastHorizonDays)

	rows := make([]models.CashflowForecast, 0, len(invoices))
	var inflow, outflow float64

	for _, inv := range invoices {
		if err := ctx.Err(); err != nil {
			return Delta{}, err
		}
		if inv.String("status") != "unpaid" {
			continue
		}
		due, err := time.Parse("2006-01-02", inv.String("due_date"))
		if err != nil || due.After(horizon) {
			continue
		}
		direction := models.DirectionInflow
		sourceType := models.CashflowInvoiceReceivable
		if inv.String("invoice_type") == "purchase" {
			direction = models.DirectionOutflow
			sourceType = models.CashflowInvoicePayable
		}
		amount := inv.Float("amount")
		rows = append(rows, models.CashflowForecast{
			ID:           uuid.New(),
			ForecastDate: due.Format("2006-01-02"),
			Direction:    direction,
			Amount:       amount,
			Currency:     inv.String("currency"),
			SourceType:   sourceType,
			SourceRef:    inv.String("id"),
			Confidence:   invoiceConfidence,
			RunID:        st.RunID,
			CreatedAt:    now,
		})
		if direction == models.DirectionInflow {
			inflow += amount
		} else {
			outflow += amount
		}
	}

	recurring := detectRecurring(txs)
	recurringDate := now.AddDate(0, 0, recurringOffsetDays).Format("2006-01-02")
	for _, r := range recurring {
		direction := models.DirectionOutflow
		if r.amount > 0 {
			direction = models.DirectionInflow
		}
		amount := math.Abs(r.amount)
		rows = append(rows, models.CashflowForecast{
			ID:           uuid.New(),
			ForecastDate: recurringDate,
			Direction:    direction,
			Amount:       amount,
			Currency:     r.currency,
			SourceType:   models.CashflowRecurring,
			SourceRef:    r.counterparty,
			Confidence:   recurringConfidence,
			RunID:        st.RunID,
			CreatedAt:    now,
		})
		if direction == models.DirectionInflow {
			inflow += amount
		} else {
			outflow += amount
		}
	}

	err := f.env.Store.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", st.RunID).Delete(&models.CashflowForecast{}).Error; err != nil {
			return fmt.Errorf("clear previous projection: %w", err)
		}
		for i := range rows {
			if err := tx.Create(&rows[i]).Error; err != nil {
				return fmt.Errorf("persist forecast row: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Delta{}, err
	}

	return Delta{Stats: map[string]any{
		"forecast_rows":  len(rows),
		"recurring_rows": len(recurring),
		"inflow_total":   inflow,
		"outflow_total":  outflow,
		"net":            inflow - outflow,
	}}, nil
}

type recurringPattern struct {
	counterparty string
	amount       float64
	currency     string
	occurrences  int
}

// detectRecurring groups recent bank lines by counterparty and rounded
// amount; a pair seen at least twice projects forward as a recurring
// flow. Output order is fixed by (counterparty, amount).
func detectRecurring(txs []erp.Record) []recurringPattern {
	type key struct {
		counterparty string
		amount       float64
	}
	groups := map[key]*recurringPattern{}
	for _, tx := range txs {
		cp := tx.String("counterparty")
		if cp == "" {
			continue
		}
		rounded := math.Round(tx.Float("amount"))
		k := key{counterparty: cp, amount: rounded}
		if g, ok := groups[k]; ok {
			g.occurrences++
			continue
		}
		groups[k] = &recurringPattern{
			counterparty: cp,
			amount:       rounded,
			currency:     tx.String("currency"),
			occurrences:  1,
		}
	}

	out := make([]recurringPattern, 0, len(groups))
	for _, g := range groups {
		if g.occurrences >= recurringMinOccur {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].counterparty != out[j].counterparty {
			return out[i].counterparty < out[j].counterparty
		}
		return out[i].amount < out[j].amount
	})
	return out
}
