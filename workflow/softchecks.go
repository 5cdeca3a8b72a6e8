package workflow

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"acctagent/erp"
	"acctagent/models"
	"acctagent/parallel"
)

// Soft-check rule codes.
const (
	RuleMissingAttachment = "MISSING_ATTACHMENT"
	RuleJournalImbalanced = "JOURNAL_IMBALANCED"
	RuleOverdueInvoice    = "OVERDUE_INVOICE"
	RuleDuplicateVoucher  = "DUPLICATE_VOUCHER"
)

func (f *flows) softChecks() *Graph {
	return newGraph(string(models.RunSoftChecks)).
		node("fetch", f.fetchCheckInputs).
		guard("has_data", func(st *State) bool {
			return len(records(st, "vouchers"))+len(records(st, "journals"))+len(records(st, "invoices")) > 0
		}).
		node("compute", f.runSoftChecks).
		compile()
}

func (f *flows) fetchCheckInputs(ctx context.Context, st *State) (Delta, error) {
	period := st.CursorString("period")
	if period == "" {
		period = f.env.Now().Format("2006-01")
	}
	vouchers, err := f.env.ERP.Vouchers(ctx, st.CursorString("updated_after"))
	if err != nil {
		return Delta{}, err
	}
	journals, err := f.env.ERP.Journals(ctx, period)
	if err != nil {
		return Delta{}, err
	}
	invoices, err := f.env.ERP.Invoices(ctx, period)
	if err != nil {
		return Delta{}, err
	}
	return Delta{
		Data: map[string]any{
			"vouchers": vouchers,
			"journals": journals,
			"invoices": invoices,
			"period":   period,
		},
		Stats: map[string]any{
			"fetched_vouchers": len(vouchers),
			"fetched_journals": len(journals),
			"fetched_invoices": len(invoices),
		},
	}, nil
}

type finding struct {
	rule     string
	severity string
	message  string
	erpRef   string
}

// runSoftChecks evaluates the rule set and persists one result row plus
// one issue per finding. Voucher scans fan out over chunks; the result
// row is keyed by (period, run) so a rerun does not duplicate it.
func (f *flows) runSoftChecks(ctx context.Context, st *State) (Delta, error) {
	vouchers := records(st, "vouchers")
	journals := records(st, "journals")
	invoices := records(st, "invoices")
	period, _ := st.Data["period"].(string)
	now := f.env.Now()
	today := now.Format("2006-01-02")

	var mu sync.Mutex
	var findings []finding
	add := func(fd ...finding) {
		mu.Lock()
		findings = append(findings, fd...)
		mu.Unlock()
	}

	chunks := parallel.Chunks(len(vouchers), 100)
	err := f.env.Mapper.Map(ctx, len(chunks), func(_ context.Context, i int) error {
		bounds := chunks[i]
		add(scanVouchers(vouchers[bounds[0]:bounds[1]])...)
		return nil
	})
	if err != nil {
		return Delta{}, err
	}

	add(scanDuplicates(vouchers)...)
	add(scanJournals(journals)...)
	add(scanInvoices(invoices, today)...)

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].rule != findings[j].rule {
			return findings[i].rule < findings[j].rule
		}
		return findings[i].erpRef < findings[j].erpRef
	})

	// Each entity is evaluated once per applicable rule.
	totalChecks := 2*len(vouchers) + len(journals) + len(invoices)
	failedEntities := countFailedEntities(findings)
	passed := totalChecks - failedEntities
	if passed < 0 {
		passed = 0
	}
	score := 0.0
	if totalChecks > 0 {
		score = float64(passed) / float64(totalChecks)
	}

	var warnings, errorsCount int
	for _, fd := range findings {
		switch fd.severity {
		case models.SeverityWarning:
			warnings++
		case models.SeverityError, models.SeverityCritical:
			errorsCount++
		}
	}

	err = f.env.Store.Transaction(func(tx *gorm.DB) error {
		record := models.SoftCheckResult{
			ID:          uuid.New(),
			Period:      period,
			RunID:       st.RunID,
			TotalChecks: totalChecks,
			Passed:      passed,
			Warnings:    warnings,
			Errors:      errorsCount,
			Score:       score,
			CreatedAt:   now,
		}
		var result models.SoftCheckResult
		res := tx.Where("period = ? AND run_id = ?", period, st.RunID).Attrs(record).FirstOrCreate(&result)
		if res.Error != nil {
			return fmt.Errorf("persist check result: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Rerun within the same run id; issues were already written.
			return nil
		}
		for _, fd := range findings {
			issue := models.ValidationIssue{
				ID:            uuid.New(),
				RuleCode:      fd.rule,
				Severity:      fd.severity,
				Message:       fd.message,
				ERPRef:        fd.erpRef,
				Resolution:    models.ResolutionOpen,
				CheckResultID: &result.ID,
				RunID:         st.RunID,
				CreatedAt:     now,
			}
			if err := tx.Create(&issue).Error; err != nil {
				return fmt.Errorf("persist issue: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Delta{}, err
	}

	return Delta{Stats: map[string]any{
		"total_checks": totalChecks,
		"passed":       passed,
		"warnings":     warnings,
		"errors":       errorsCount,
		"score":        score,
	}}, nil
}

func scanVouchers(vouchers []erp.Record) []finding {
	var out []finding
	for _, v := range vouchers {
		if !v.Bool("has_attachment") {
			out = append(out, finding{
				rule:     RuleMissingAttachment,
				severity: models.SeverityWarning,
				message:  fmt.Sprintf("voucher %s has no attachment", v.String("voucher_no")),
				erpRef:   voucherRef(v),
			})
		}
	}
	return out
}

// scanDuplicates flags each pair of vouchers sharing a voucher number.
// Pairs are ordered by id ascending so reruns emit identical findings.
func scanDuplicates(vouchers []erp.Record) []finding {
	byNo := map[string][]string{}
	for _, v := range vouchers {
		no := v.String("voucher_no")
		if no == "" {
			continue
		}
		byNo[no] = append(byNo[no], voucherRef(v))
	}
	numbers := make([]string, 0, len(byNo))
	for no := range byNo {
		numbers = append(numbers, no)
	}
	sort.Strings(numbers)

	var out []finding
	for _, no := range numbers {
		refs := byNo[no]
		if len(refs) < 2 {
			continue
		}
		sort.Strings(refs)
		for i := 0; i < len(refs); i++ {
			for j := i + 1; j < len(refs); j++ {
				out = append(out, finding{
					rule:     RuleDuplicateVoucher,
					severity: models.SeverityWarning,
					message:  fmt.Sprintf("vouchers %s and %s share number %s", refs[i], refs[j], no),
					erpRef:   refs[i],
				})
			}
		}
	}
	return out
}

func scanJournals(journals []erp.Record) []finding {
	var out []finding
	for _, j := range journals {
		debit := j.Float("debit_total")
		credit := j.Float("credit_total")
		limit := 0.01 * math.Max(debit, credit)
		if math.Abs(debit-credit) > limit {
			out = append(out, finding{
				rule:     RuleJournalImbalanced,
				severity: models.SeverityError,
				message:  fmt.Sprintf("journal %s debit %.2f != credit %.2f", j.String("journal_no"), debit, credit),
				erpRef:   j.String("id"),
			})
		}
	}
	return out
}

func scanInvoices(invoices []erp.Record, today string) []finding {
	var out []finding
	for _, inv := range invoices {
		if inv.String("status") != "unpaid" {
			continue
		}
		due := inv.String("due_date")
		if due == "" || due >= today {
			continue
		}
		out = append(out, finding{
			rule:     RuleOverdueInvoice,
			severity: models.SeverityWarning,
			message:  fmt.Sprintf("invoice %s unpaid and overdue since %s", inv.String("invoice_no"), due),
			erpRef:   inv.String("id"),
		})
	}
	return out
}

func voucherRef(v erp.Record) string {
	if id := v.String("id"); id != "" {
		return id
	}
	return v.String("voucher_no")
}

func countFailedEntities(findings []finding) int {
	seen := map[string]bool{}
	for _, fd := range findings {
		seen[fd.rule+"|"+fd.erpRef] = true
	}
	return len(seen)
}
