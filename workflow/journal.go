package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"acctagent/models"
)

func (f *flows) journalSuggestion() *Graph {
	return newGraph(string(models.RunJournalSuggestion)).
		node("fetch", f.fetchVouchers).
		guard("has_data", hasRecords("vouchers")).
		node("compute", f.suggestJournals).
		compile()
}

func (f *flows) fetchVouchers(ctx context.Context, st *State) (Delta, error) {
	vouchers, err := f.env.ERP.Vouchers(ctx, st.CursorString("updated_after"))
	if err != nil {
		return Delta{}, err
	}
	return Delta{
		Data:  map[string]any{"vouchers": vouchers},
		Stats: map[string]any{"fetched_vouchers": len(vouchers)},
	}, nil
}

// suggestJournals mirrors each unseen voucher and writes a pending
// two-line proposal classified by the voucher type rule table. The
// whole pass is one transaction so a rerun after failure starts clean.
func (f *flows) suggestJournals(ctx context.Context, st *State) (Delta, error) {
	vouchers := records(st, "vouchers")
	now := f.env.Now()

	var mirrored, skipped, proposals int
	err := f.env.Store.Transaction(func(tx *gorm.DB) error {
		for _, rec := range vouchers {
			if err := ctx.Err(); err != nil {
				return err
			}
			erpID := rec.String("id")
			if erpID == "" {
				erpID = rec.String("voucher_id")
			}
			if erpID == "" {
				continue
			}
			voucher := models.Voucher{
				ID:             uuid.New(),
				ERPVoucherID:   erpID,
				VoucherNo:      rec.String("voucher_no"),
				Source:         models.SourceERPSync,
				VoucherType:    rec.String("voucher_type"),
				Date:           rec.String("date"),
				Amount:         rec.Float("amount"),
				Currency:       rec.String("currency"),
				PartnerName:    rec.String("partner_name"),
				PartnerTaxCode: rec.String("partner_tax_code"),
				HasAttachment:  rec.Bool("has_attachment"),
				TypeHint:       rec.String("type_hint"),
				Description:    rec.String("description"),
				RunID:          st.RunID,
				SyncedAt:       now,
			}
			var mirror models.Voucher
			result := tx.Where("erp_voucher_id = ?", erpID).Attrs(voucher).FirstOrCreate(&mirror)
			if result.Error != nil {
				return fmt.Errorf("mirror voucher %s: %w", erpID, result.Error)
			}
			if result.RowsAffected == 0 {
				skipped++
				continue
			}
			mirrored++

			rule := ruleForVoucherType(mirror.VoucherType)
			proposal := models.JournalProposal{
				ID:          uuid.New(),
				VoucherID:   mirror.ID,
				Description: fmt.Sprintf("%s %s %s", mirror.VoucherType, mirror.VoucherNo, mirror.PartnerName),
				Confidence:  rule.Confidence,
				Reasoning:   rule.Reasoning,
				Status:      models.ProposalPending,
				RunID:       st.RunID,
				CreatedAt:   now,
			}
			if err := tx.Create(&proposal).Error; err != nil {
				return fmt.Errorf("create proposal: %w", err)
			}
			lines := []models.JournalLine{
				{
					ID:          uuid.New(),
					ProposalID:  proposal.ID,
					AccountCode: rule.DebitCode,
					AccountName: rule.DebitName,
					Debit:       mirror.Amount,
				},
				{
					ID:          uuid.New(),
					ProposalID:  proposal.ID,
					AccountCode: rule.CreditCode,
					AccountName: rule.CreditName,
					Credit:      mirror.Amount,
				},
			}
			if err := tx.Create(&lines).Error; err != nil {
				return fmt.Errorf("create proposal lines: %w", err)
			}
			proposals++
		}
		return nil
	})
	if err != nil {
		return Delta{}, err
	}

	return Delta{Stats: map[string]any{
		"mirrored":         mirrored,
		"skipped_existing": skipped,
		"proposals":        proposals,
	}}, nil
}
