package workflow

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"acctagent/erp"
	"acctagent/models"
)

const (
	amountTolerance = 0.01
	anomalyBand     = 0.05
	matchMargin     = 0.05
)

func (f *flows) bankReconcile() *Graph {
	return newGraph(string(models.RunBankReconcile)).
		node("fetch", f.fetchBankAndVouchers).
		guard("has_data", hasRecords("bank_txs")).
		node("compute", f.reconcile).
		compile()
}

func (f *flows) fetchBankAndVouchers(ctx context.Context, st *State) (Delta, error) {
	updatedAfter := st.CursorString("updated_after")
	txs, err := f.env.ERP.BankTransactions(ctx, updatedAfter)
	if err != nil {
		return Delta{}, err
	}
	vouchers, err := f.env.ERP.Vouchers(ctx, updatedAfter)
	if err != nil {
		return Delta{}, err
	}
	return Delta{
		Data: map[string]any{"bank_txs": txs, "vouchers": vouchers},
		Stats: map[string]any{
			"fetched_bank_txs": len(txs),
			"fetched_vouchers": len(vouchers),
		},
	}, nil
}

type matchCandidate struct {
	voucher models.Voucher
	score   float64
}

// reconcile mirrors bank transactions, matches each unmatched line to the
// best-scoring voucher, and flags ambiguous lines as anomalies. Given
// identical inputs two runs yield the same match set: candidates are
// scored deterministically and ties break on the ERP voucher id.
func (f *flows) reconcile(ctx context.Context, st *State) (Delta, error) {
	txRecords := records(st, "bank_txs")
	voucherRecords := records(st, "vouchers")
	now := f.env.Now()

	var matched, anomalies, unmatched, skipped int
	err := f.env.Store.Transaction(func(tx *gorm.DB) error {
		vouchers, err := f.mirrorVouchers(tx, voucherRecords, st.RunID, now)
		if err != nil {
			return err
		}

		for _, rec := range txRecords {
			if err := ctx.Err(); err != nil {
				return err
			}
			ref := rec.String("bank_tx_ref")
			if ref == "" {
				ref = rec.String("id")
			}
			if ref == "" {
				continue
			}
			mirror := models.BankTransaction{
				ID:           uuid.New(),
				BankTxRef:    ref,
				BankAccount:  rec.String("bank_account"),
				Date:         rec.String("date"),
				Amount:       rec.Float("amount"),
				Currency:     rec.String("currency"),
				Counterparty: rec.String("counterparty"),
				Memo:         rec.String("memo"),
				MatchStatus:  models.MatchUnmatched,
				RunID:        st.RunID,
				SyncedAt:     now,
			}
			var row models.BankTransaction
			result := tx.Where("bank_tx_ref = ?", ref).Attrs(mirror).FirstOrCreate(&row)
			if result.Error != nil {
				return fmt.Errorf("mirror bank tx %s: %w", ref, result.Error)
			}
			if row.MatchStatus != models.MatchUnmatched {
				skipped++
				continue
			}

			status, voucherID, score := bestMatch(row, vouchers, f.env.MatchThreshold)
			switch status {
			case models.MatchMatched:
				updates := map[string]any{
					"match_status":       models.MatchMatched,
					"matched_voucher_id": voucherID,
					"run_id":             st.RunID,
				}
				if err := tx.Model(&models.BankTransaction{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
					return fmt.Errorf("record match %s: %w", ref, err)
				}
				matched++
			case models.MatchAnomaly:
				if err := tx.Model(&models.BankTransaction{}).Where("id = ?", row.ID).
					Updates(map[string]any{"match_status": models.MatchAnomaly, "run_id": st.RunID}).Error; err != nil {
					return fmt.Errorf("record anomaly %s: %w", ref, err)
				}
				issue := models.ValidationIssue{
					ID:         uuid.New(),
					RuleCode:   "BANK_TX_ANOMALY",
					Severity:   models.SeverityWarning,
					Message:    fmt.Sprintf("bank tx %s has near-amount vouchers but no confident match (best %.2f)", ref, score),
					ERPRef:     ref,
					Resolution: models.ResolutionOpen,
					RunID:      st.RunID,
					CreatedAt:  now,
				}
				if err := tx.Create(&issue).Error; err != nil {
					return fmt.Errorf("flag anomaly %s: %w", ref, err)
				}
				anomalies++
			default:
				unmatched++
			}
		}
		return nil
	})
	if err != nil {
		return Delta{}, err
	}

	return Delta{Stats: map[string]any{
		"matched":         matched,
		"anomalies":       anomalies,
		"unmatched":       unmatched,
		"already_matched": skipped,
	}}, nil
}

func (f *flows) mirrorVouchers(tx *gorm.DB, recs []erp.Record, runID uuid.UUID, now time.Time) ([]models.Voucher, error) {
	out := make([]models.Voucher, 0, len(recs))
	for _, rec := range recs {
		erpID := rec.String("id")
		if erpID == "" {
			erpID = rec.String("voucher_id")
		}
		if erpID == "" {
			continue
		}
		voucher := models.Voucher{
			ID:            uuid.New(),
			ERPVoucherID:  erpID,
			VoucherNo:     rec.String("voucher_no"),
			Source:        models.SourceERPSync,
			VoucherType:   rec.String("voucher_type"),
			Date:          rec.String("date"),
			Amount:        rec.Float("amount"),
			Currency:      rec.String("currency"),
			PartnerName:   rec.String("partner_name"),
			HasAttachment: rec.Bool("has_attachment"),
			Description:   rec.String("description"),
			RunID:         runID,
			SyncedAt:      now,
		}
		var row models.Voucher
		result := tx.Where("erp_voucher_id = ?", erpID).Attrs(voucher).FirstOrCreate(&row)
		if result.Error != nil {
			return nil, fmt.Errorf("mirror voucher %s: %w", erpID, result.Error)
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ERPVoucherID < out[j].ERPVoucherID })
	return out, nil
}

// bestMatch scores every candidate voucher against the bank line:
// 0.6*amount proximity + 0.3*date proximity (exp(-days/7)) + 0.1*name
// similarity. A match needs the top score above the threshold and a 0.05
// margin over the runner-up; near-amount candidates without a confident
// winner flag the line as an anomaly.
func bestMatch(tx models.BankTransaction, vouchers []models.Voucher, threshold float64) (string, *uuid.UUID, float64) {
	candidates := make([]matchCandidate, 0, 4)
	nearAmount := false
	for _, v := range vouchers {
		if !strings.EqualFold(v.Currency, tx.Currency) {
			continue
		}
		relDiff := math.Abs(tx.Amount-v.Amount) / math.Max(math.Abs(tx.Amount), 1)
		if relDiff > anomalyBand {
			continue
		}
		nearAmount = true
		if relDiff > amountTolerance {
			continue
		}
		score := 0.6*(1-relDiff/amountTolerance) +
			0.3*dateProximity(tx.Date, v.Date) +
			0.1*nameSimilarity(tx.Counterparty, v.PartnerName)
		candidates = append(candidates, matchCandidate{voucher: v, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].voucher.ERPVoucherID < candidates[j].voucher.ERPVoucherID
	})

	var top float64
	if len(candidates) > 0 {
		top = candidates[0].score
		margin := top
		if len(candidates) > 1 {
			margin = top - candidates[1].score
		}
		if top >= threshold && margin >= matchMargin {
			id := candidates[0].voucher.ID
			return models.MatchMatched, &id, top
		}
	}
	if nearAmount && top < threshold {
		return models.MatchAnomaly, nil, top
	}
	return models.MatchUnmatched, nil, top
}

func dateProximity(a, b string) float64 {
	ta, errA := time.Parse("2006-01-02", a)
	tb, errB := time.Parse("2006-01-02", b)
	if errA != nil || errB != nil {
		return 0
	}
	days := math.Abs(ta.Sub(tb).Hours() / 24)
	return math.Exp(-days / 7)
}

// nameSimilarity is the token overlap ratio of the two names, ignoring case.
func nameSimilarity(a, b string) float64 {
	tokensA := strings.Fields(strings.ToLower(a))
	tokensB := strings.Fields(strings.ToLower(b))
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}
	set := make(map[string]bool, len(tokensA))
	for _, tok := range tokensA {
		set[tok] = true
	}
	common := 0
	for _, tok := range tokensB {
		if set[tok] {
			common++
		}
	}
	union := len(tokensA) + len(tokensB) - common
	if union == 0 {
		return 0
	}
	return float64(common) / float64(union)
}
