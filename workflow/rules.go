package workflow

import "strings"

// accountRule maps a voucher type onto the debit/credit account pair a
// suggested journal entry books against, with the base confidence the
// suggestion carries before review.
type accountRule struct {
	DebitCode  string
	DebitName  string
	CreditCode string
	CreditName string
	Confidence float64
	Reasoning  string
}

// journalRules is the rule table for journal suggestion, keyed by
// voucher type. Account codes follow the VAS chart of accounts.
var journalRules = map[string]accountRule{
	"sale": {
		DebitCode: "131", DebitName: "Accounts receivable",
		CreditCode: "511", CreditName: "Sales revenue",
		Confidence: 0.90,
		Reasoning:  "sales voucher books receivable against revenue",
	},
	"purchase": {
		DebitCode: "156", DebitName: "Merchandise inventory",
		CreditCode: "331", CreditName: "Accounts payable",
		Confidence: 0.85,
		Reasoning:  "purchase voucher books inventory against payable",
	},
	"cash_receipt": {
		DebitCode: "111", DebitName: "Cash on hand",
		CreditCode: "131", CreditName: "Accounts receivable",
		Confidence: 0.90,
		Reasoning:  "cash receipt settles a receivable",
	},
	"cash_payment": {
		DebitCode: "331", DebitName: "Accounts payable",
		CreditCode: "111", CreditName: "Cash on hand",
		Confidence: 0.85,
		Reasoning:  "cash payment settles a payable",
	},
	"bank_receipt": {
		DebitCode: "112", DebitName: "Cash in bank",
		CreditCode: "131", CreditName: "Accounts receivable",
		Confidence: 0.90,
		Reasoning:  "bank credit settles a receivable",
	},
	"bank_payment": {
		DebitCode: "331", DebitName: "Accounts payable",
		CreditCode: "112", CreditName: "Cash in bank",
		Confidence: 0.85,
		Reasoning:  "bank debit settles a payable",
	},
	"expense": {
		DebitCode: "642", DebitName: "General administration expense",
		CreditCode: "111", CreditName: "Cash on hand",
		Confidence: 0.75,
		Reasoning:  "expense voucher books cost against cash",
	},
}

// fallbackJournalRule covers voucher types outside the table. Low
// confidence pushes these to the front of the review queue.
var fallbackJournalRule = accountRule{
	DebitCode: "138", DebitName: "Other receivables",
	CreditCode: "338", CreditName: "Other payables",
	Confidence: 0.50,
	Reasoning:  "unrecognised voucher type parked on suspense accounts",
}

func ruleForVoucherType(voucherType string) accountRule {
	if rule, ok := journalRules[strings.ToLower(strings.TrimSpace(voucherType))]; ok {
		return rule
	}
	return fallbackJournalRule
}

// classifyTag derives the classification tag from the voucher type, the
// upstream type hint, and description keywords. The hint wins when set;
// keyword rules run in declaration order.
func classifyTag(voucherType, typeHint, description string) string {
	if hint := strings.ToLower(strings.TrimSpace(typeHint)); hint != "" {
		return "hint_" + hint
	}
	desc := strings.ToLower(description)
	keywordTags := []struct {
		keywords []string
		tag      string
	}{
		{[]string{"salary", "payroll", "luong"}, "payroll"},
		{[]string{"rent", "lease", "thue van phong"}, "expense_rent"},
		{[]string{"electric", "water", "utility", "dien", "nuoc"}, "utilities"},
		{[]string{"vat", "tax", "thue"}, "tax"},
		{[]string{"interest", "bank fee", "phi ngan hang"}, "bank_charges"},
	}
	for _, rule := range keywordTags {
		for _, kw := range rule.keywords {
			if strings.Contains(desc, kw) {
				return rule.tag
			}
		}
	}
	switch strings.ToLower(strings.TrimSpace(voucherType)) {
	case "sale", "bank_receipt", "cash_receipt":
		return "revenue_sale"
	case "purchase":
		return "purchase_goods"
	case "expense", "cash_payment", "bank_payment":
		return "operating_expense"
	default:
		return "misc"
	}
}
