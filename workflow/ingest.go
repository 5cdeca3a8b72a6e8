package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"acctagent/erp"
	"acctagent/models"
	"acctagent/objstore"
)

// fixtureDocuments is the built-in ingest fixture: three Vietnamese SME
// documents covering a sale, a purchase, and an expense voucher.
var fixtureDocuments = []erp.Record{
	{
		"voucher_no":     "PT-2026-0001",
		"voucher_type":   "sale",
		"date":           "2026-01-05",
		"amount":         55_000_000.0,
		"currency":       "VND",
		"partner_name":   "Cong ty TNHH An Phat",
		"has_attachment": true,
		"description":    "Ban hang thang 01 theo hop dong 12/HD",
	},
	{
		"voucher_no":     "PN-2026-0002",
		"voucher_type":   "purchase",
		"date":           "2026-01-09",
		"amount":         23_500_000.0,
		"currency":       "VND",
		"partner_name":   "Cong ty CP Vat Tu Mien Bac",
		"has_attachment": true,
		"description":    "Nhap kho nguyen vat lieu dot 1",
	},
	{
		"voucher_no":     "PC-2026-0003",
		"voucher_type":   "expense",
		"date":           "2026-01-15",
		"amount":         4_200_000.0,
		"currency":       "VND",
		"partner_name":   "Van phong pham Hong Ha",
		"has_attachment": false,
		"description":    "Chi phi van phong pham quy 1",
	},
}

func (f *flows) voucherIngest() *Graph {
	return newGraph(string(models.RunVoucherIngest)).
		node("collect", f.collectDocuments).
		guard("has_data", hasRecords("documents")).
		node("ingest", f.ingestDocuments).
		compile()
}

// collectDocuments resolves the document source for this run: inline
// payload documents, the built-in fixture, or a drop path in the object
// store. Exactly one source feeds a run.
func (f *flows) collectDocuments(ctx context.Context, st *State) (Delta, error) {
	if docs, ok := st.Cursor["documents"].([]any); ok && len(docs) > 0 {
		out := make([]erp.Record, 0, len(docs))
		for _, doc := range docs {
			if rec, ok := doc.(map[string]any); ok {
				out = append(out, erp.Record(rec))
			}
		}
		return Delta{
			Data:  map[string]any{"documents": out, "source": models.SourceAPIPayload},
			Stats: map[string]any{"collected": len(out)},
		}, nil
	}

	if uri := st.CursorString("drop_uri"); uri != "" {
		docs, err := f.collectDropDocuments(ctx, uri)
		if err != nil {
			return Delta{}, err
		}
		return Delta{
			Data:  map[string]any{"documents": docs, "source": models.SourceObjectStore},
			Stats: map[string]any{"collected": len(docs)},
		}, nil
	}

	return Delta{
		Data:  map[string]any{"documents": fixtureDocuments, "source": models.SourceFixture},
		Stats: map[string]any{"collected": len(fixtureDocuments)},
	}, nil
}

func (f *flows) collectDropDocuments(ctx context.Context, uri string) ([]erp.Record, error) {
	if f.env.Objects == nil {
		return nil, fmt.Errorf("object store not configured for drop uri %s", uri)
	}
	bucket, prefix, err := objstore.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	keys, err := f.env.Objects.List(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	docs := make([]erp.Record, 0, len(keys))
	for _, key := range keys {
		raw, err := f.env.Objects.Get(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		var rec erp.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode drop document %s/%s: %w", bucket, key, err)
		}
		if rec.String("voucher_no") == "" {
			rec["voucher_no"] = key
		}
		docs = append(docs, rec)
	}
	return docs, nil
}

// ingestDocuments normalizes documents into voucher mirrors. The dedup
// key is (voucher_no, source): a document seen before is counted as
// skipped, never rewritten.
func (f *flows) ingestDocuments(ctx context.Context, st *State) (Delta, error) {
	documents := records(st, "documents")
	source, _ := st.Data["source"].(string)
	now := f.env.Now()

	var created, skipped int
	err := f.env.Store.Transaction(func(tx *gorm.DB) error {
		for _, doc := range documents {
			if err := ctx.Err(); err != nil {
				return err
			}
			voucherNo := doc.String("voucher_no")
			if voucherNo == "" {
				skipped++
				continue
			}
			voucher := models.Voucher{
				ID:             uuid.New(),
				ERPVoucherID:   fmt.Sprintf("%s:%s", source, voucherNo),
				VoucherNo:      voucherNo,
				Source:         source,
				VoucherType:    doc.String("voucher_type"),
				Date:           doc.String("date"),
				Amount:         doc.Float("amount"),
				Currency:       doc.String("currency"),
				PartnerName:    doc.String("partner_name"),
				PartnerTaxCode: doc.String("partner_tax_code"),
				HasAttachment:  doc.Bool("has_attachment"),
				TypeHint:       doc.String("type_hint"),
				Description:    doc.String("description"),
				RunID:          st.RunID,
				SyncedAt:       now,
			}
			// The dest must start zero: a populated primary key would leak
			// into the lookup and the existing row would never be found.
			var row models.Voucher
			result := tx.Where("voucher_no = ? AND source = ?", voucherNo, source).
				Attrs(voucher).FirstOrCreate(&row)
			if result.Error != nil {
				return fmt.Errorf("ingest voucher %s: %w", voucherNo, result.Error)
			}
			if result.RowsAffected == 0 {
				skipped++
				continue
			}
			created++
		}
		return nil
	})
	if err != nil {
		return Delta{}, err
	}

	return Delta{Stats: map[string]any{
		"created":          created,
		"skipped_existing": skipped,
		"source":           source,
	}}, nil
}
