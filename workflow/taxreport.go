package workflow

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"acctagent/erp"
	"acctagent/models"
)

func (f *flows) taxReport() *Graph {
	return newGraph(string(models.RunTaxReport)).
		node("fetch", f.fetchTaxInputs).
		guard("has_data", func(st *State) bool {
			return len(records(st, "invoices"))+len(records(st, "vouchers")) > 0
		}).
		node("compute", f.buildTaxReport).
		compile()
}

func (f *flows) fetchTaxInputs(ctx context.Context, st *State) (Delta, error) {
	period := st.CursorString("period")
	if period == "" {
		period = f.env.Now().Format("2006-01")
	}
	invoices, err := f.env.ERP.Invoices(ctx, period)
	if err != nil {
		return Delta{}, err
	}
	vouchers, err := f.env.ERP.Vouchers(ctx, st.CursorString("updated_after"))
	if err != nil {
		return Delta{}, err
	}
	return Delta{
		Data: map[string]any{"invoices": invoices, "vouchers": vouchers, "period": period},
		Stats: map[string]any{
			"fetched_invoices": len(invoices),
			"fetched_vouchers": len(vouchers),
		},
	}, nil
}

type vatLine struct {
	InvoiceID   string
	InvoiceNo   string
	InvoiceType string
	PartnerName string
	Amount      float64
	VATAmount   float64
	Currency    string
}

type trialBalanceLine struct {
	AccountCode string
	AccountName string
	Debit       float64
	Credit      float64
}

// buildTaxReport derives the VAT list and trial balance for the period,
// writes CSV and Parquet artifacts, and inserts one new snapshot version
// of each report inside a single transaction.
func (f *flows) buildTaxReport(ctx context.Context, st *State) (Delta, error) {
	invoices := records(st, "invoices")
	vouchers := records(st, "vouchers")
	period, _ := st.Data["period"].(string)
	now := f.env.Now()

	vatLines, vatIn, vatOut := buildVATLines(invoices)
	tbLines, totalDebit, totalCredit := buildTrialBalance(vouchers)
	vatPayable := vatOut - vatIn

	reportDir := filepath.Join(f.env.ReportDir, period)
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return Delta{}, fmt.Errorf("ensure report dir: %w", err)
	}
	stamp := now.Format("20060102T150405")
	vatCSV := filepath.Join(reportDir, fmt.Sprintf("vat_list_%s.csv", stamp))
	vatParquet := filepath.Join(reportDir, fmt.Sprintf("vat_list_%s.parquet", stamp))
	tbCSV := filepath.Join(reportDir, fmt.Sprintf("trial_balance_%s.csv", stamp))
	tbParquet := filepath.Join(reportDir, fmt.Sprintf("trial_balance_%s.parquet", stamp))

	if err := writeVATCSV(vatCSV, vatLines); err != nil {
		return Delta{}, err
	}
	if err := writeVATParquet(vatParquet, vatLines); err != nil {
		return Delta{}, err
	}
	if err := writeTrialBalanceCSV(tbCSV, tbLines); err != nil {
		return Delta{}, err
	}
	if err := writeTrialBalanceParquet(tbParquet, tbLines); err != nil {
		return Delta{}, err
	}

	vatSummary, err := json.Marshal(map[string]any{
		"vat_in":        vatIn,
		"vat_out":       vatOut,
		"vat_payable":   vatPayable,
		"invoice_count": len(vatLines),
		"parquet_uri":   vatParquet,
	})
	if err != nil {
		return Delta{}, fmt.Errorf("encode vat summary: %w", err)
	}
	tbSummary, err := json.Marshal(map[string]any{
		"total_debit":  totalDebit,
		"total_credit": totalCredit,
		"accounts":     len(tbLines),
		"parquet_uri":  tbParquet,
	})
	if err != nil {
		return Delta{}, fmt.Errorf("encode trial balance summary: %w", err)
	}

	var vatVersion, tbVersion int
	err = f.env.Store.Transaction(func(tx *gorm.DB) error {
		vatSnapshot := models.ReportSnapshot{
			ID:          uuid.New(),
			ReportType:  models.ReportVATList,
			Period:      period,
			FileURI:     vatCSV,
			SummaryJSON: string(vatSummary),
			RunID:       st.RunID,
			CreatedAt:   now,
		}
		if err := f.env.Store.InsertSnapshot(tx, &vatSnapshot); err != nil {
			return err
		}
		tbSnapshot := models.ReportSnapshot{
			ID:          uuid.New(),
			ReportType:  models.ReportTrialBalance,
			Period:      period,
			FileURI:     tbCSV,
			SummaryJSON: string(tbSummary),
			RunID:       st.RunID,
			CreatedAt:   now,
		}
		if err := f.env.Store.InsertSnapshot(tx, &tbSnapshot); err != nil {
			return err
		}
		vatVersion = vatSnapshot.Version
		tbVersion = tbSnapshot.Version
		return nil
	})
	if err != nil {
		return Delta{}, err
	}

	return Delta{Stats: map[string]any{
		"vat_in":                vatIn,
		"vat_out":               vatOut,
		"vat_payable":           vatPayable,
		"total_debit":           totalDebit,
		"total_credit":          totalCredit,
		"vat_list_version":      vatVersion,
		"trial_balance_version": tbVersion,
	}}, nil
}

// buildVATLines splits period invoices into input and output VAT. Sell
// invoices carry output VAT; purchase invoices carry input VAT.
func buildVATLines(invoices []erp.Record) ([]vatLine, float64, float64) {
	lines := make([]vatLine, 0, len(invoices))
	var vatIn, vatOut float64
	for _, inv := range invoices {
		line := vatLine{
			InvoiceID:   inv.String("id"),
			InvoiceNo:   inv.String("invoice_no"),
			InvoiceType: inv.String("invoice_type"),
			PartnerName: inv.String("partner_name"),
			Amount:      inv.Float("amount"),
			VATAmount:   inv.Float("vat_amount"),
			Currency:    inv.String("currency"),
		}
		if line.InvoiceType == "purchase" {
			vatIn += line.VATAmount
		} else {
			vatOut += line.VATAmount
		}
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].InvoiceID < lines[j].InvoiceID })
	return lines, vatIn, vatOut
}

// buildTrialBalance books each voucher through the journal rule table
// and aggregates debit and credit per account code.
func buildTrialBalance(vouchers []erp.Record) ([]trialBalanceLine, float64, float64) {
	accounts := map[string]*trialBalanceLine{}
	book := func(code, name string, debit, credit float64) {
		line, ok := accounts[code]
		if !ok {
			line = &trialBalanceLine{AccountCode: code, AccountName: name}
			accounts[code] = line
		}
		line.Debit += debit
		line.Credit += credit
	}

	var totalDebit, totalCredit float64
	for _, v := range vouchers {
		amount := v.Float("amount")
		rule := ruleForVoucherType(v.String("voucher_type"))
		book(rule.DebitCode, rule.DebitName, amount, 0)
		book(rule.CreditCode, rule.CreditName, 0, amount)
		totalDebit += amount
		totalCredit += amount
	}

	lines := make([]trialBalanceLine, 0, len(accounts))
	for _, line := range accounts {
		lines = append(lines, *line)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].AccountCode < lines[j].AccountCode })
	return lines, totalDebit, totalCredit
}

func writeVATCSV(path string, lines []vatLine) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create vat csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{"invoice_id", "invoice_no", "invoice_type", "partner_name", "amount", "vat_amount", "currency"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write vat csv header: %w", err)
	}
	for _, line := range lines {
		record := []string{
			line.InvoiceID,
			line.InvoiceNo,
			line.InvoiceType,
			line.PartnerName,
			fmt.Sprintf("%.2f", line.Amount),
			fmt.Sprintf("%.2f", line.VATAmount),
			line.Currency,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write vat csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush vat csv: %w", err)
	}
	return nil
}

type vatParquetRow struct {
	InvoiceID   string  `parquet:"name=invoice_id, type=BYTE_ARRAY"`
	InvoiceNo   string  `parquet:"name=invoice_no, type=BYTE_ARRAY"`
	InvoiceType string  `parquet:"name=invoice_type, type=BYTE_ARRAY"`
	PartnerName string  `parquet:"name=partner_name, type=BYTE_ARRAY"`
	Amount      float64 `parquet:"name=amount, type=DOUBLE"`
	VATAmount   float64 `parquet:"name=vat_amount, type=DOUBLE"`
	Currency    string  `parquet:"name=currency, type=BYTE_ARRAY"`
}

func writeVATParquet(path string, lines []vatLine) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create vat parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(vatParquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("vat parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, line := range lines {
		row := &vatParquetRow{
			InvoiceID:   line.InvoiceID,
			InvoiceNo:   line.InvoiceNo,
			InvoiceType: line.InvoiceType,
			PartnerName: line.PartnerName,
			Amount:      line.Amount,
			VATAmount:   line.VATAmount,
			Currency:    line.Currency,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("vat parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("vat parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close vat parquet: %w", err)
	}
	return nil
}

func writeTrialBalanceCSV(path string, lines []trialBalanceLine) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create trial balance csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write([]string{"account_code", "account_name", "debit", "credit"}); err != nil {
		return fmt.Errorf("write trial balance header: %w", err)
	}
	for _, line := range lines {
		record := []string{
			line.AccountCode,
			line.AccountName,
			fmt.Sprintf("%.2f", line.Debit),
			fmt.Sprintf("%.2f", line.Credit),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write trial balance row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush trial balance csv: %w", err)
	}
	return nil
}

type trialBalanceParquetRow struct {
	AccountCode string  `parquet:"name=account_code, type=BYTE_ARRAY"`
	AccountName string  `parquet:"name=account_name, type=BYTE_ARRAY"`
	Debit       float64 `parquet:"name=debit, type=DOUBLE"`
	Credit      float64 `parquet:"name=credit, type=DOUBLE"`
}

func writeTrialBalanceParquet(path string, lines []trialBalanceLine) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create trial balance parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(trialBalanceParquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("trial balance parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, line := range lines {
		row := &trialBalanceParquetRow{
			AccountCode: line.AccountCode,
			AccountName: line.AccountName,
			Debit:       line.Debit,
			Credit:      line.Credit,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("trial balance parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("trial balance parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close trial balance parquet: %w", err)
	}
	return nil
}
