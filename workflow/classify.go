package workflow

import (
	"context"
	"fmt"
	"sync/atomic"

	"gorm.io/gorm"

	"acctagent/models"
)

func (f *flows) voucherClassify() *Graph {
	return newGraph(string(models.RunVoucherClassify)).
		node("load", f.loadUnclassified).
		guard("has_data", func(st *State) bool {
			vouchers, _ := st.Data["unclassified"].([]models.Voucher)
			return len(vouchers) > 0
		}).
		node("classify", f.classifyVouchers).
		compile()
}

func (f *flows) loadUnclassified(ctx context.Context, st *State) (Delta, error) {
	var vouchers []models.Voucher
	err := f.env.Store.Transaction(func(tx *gorm.DB) error {
		return tx.WithContext(ctx).
			Where("classification_tag = ''").
			Order("voucher_no ASC").
			Find(&vouchers).Error
	})
	if err != nil {
		return Delta{}, err
	}
	return Delta{
		Data:  map[string]any{"unclassified": vouchers},
		Stats: map[string]any{"unclassified": len(vouchers)},
	}, nil
}

// classifyVouchers assigns a classification tag per voucher, fanning out
// per item. The rule-based tag is computed first; when refinement is
// enabled the refiner may override it, but any refiner failure or
// timeout leaves the rule result standing.
func (f *flows) classifyVouchers(ctx context.Context, st *State) (Delta, error) {
	vouchers, _ := st.Data["unclassified"].([]models.Voucher)
	tags := make([]string, len(vouchers))
	var refined atomic.Int64

	err := f.env.Mapper.Map(ctx, len(vouchers), func(itemCtx context.Context, i int) error {
		v := vouchers[i]
		tag := classifyTag(v.VoucherType, v.TypeHint, v.Description)
		if f.env.LLMEnabled {
			refineCtx := itemCtx
			if f.env.LLMTimeout > 0 {
				var cancel context.CancelFunc
				refineCtx, cancel = context.WithTimeout(itemCtx, f.env.LLMTimeout)
				defer cancel()
			}
			if better, err := f.env.Refiner.Refine(refineCtx, &vouchers[i], tag); err == nil && better != "" {
				if better != tag {
					refined.Add(1)
				}
				tag = better
			}
		}
		tags[i] = tag
		return nil
	})
	if err != nil {
		return Delta{}, err
	}

	var classified int
	err = f.env.Store.Transaction(func(tx *gorm.DB) error {
		for i := range vouchers {
			if err := ctx.Err(); err != nil {
				return err
			}
			update := tx.Model(&models.Voucher{}).
				Where("id = ? AND classification_tag = ''", vouchers[i].ID).
				Update("classification_tag", tags[i])
			if update.Error != nil {
				return fmt.Errorf("tag voucher %s: %w", vouchers[i].VoucherNo, update.Error)
			}
			classified += int(update.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return Delta{}, err
	}

	return Delta{Stats: map[string]any{
		"classified": classified,
		"refined":    int(refined.Load()),
	}}, nil
}
