package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RunType names a registered workflow.
type RunType string

// All registered workflow types.
const (
	RunJournalSuggestion RunType = "journal_suggestion"
	RunBankReconcile     RunType = "bank_reconcile"
	RunSoftChecks        RunType = "soft_checks"
	RunCashflowForecast  RunType = "cashflow_forecast"
	RunTaxReport         RunType = "tax_report"
	RunVoucherIngest     RunType = "voucher_ingest"
	RunVoucherClassify   RunType = "voucher_classify"
)

// KnownRunTypes lists every run type the dispatcher can resolve.
func KnownRunTypes() []RunType {
	return []RunType{
		RunJournalSuggestion,
		RunBankReconcile,
		RunSoftChecks,
		RunCashflowForecast,
		RunTaxReport,
		RunVoucherIngest,
		RunVoucherClassify,
	}
}

// RunStatus tracks a run through its lifecycle.
type RunStatus string

// Run lifecycle states. Exactly one queued->running->terminal transition.
const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// TriggerType records which entry path created a run.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerEvent    = "event"
)

// VoucherSource identifies the logical origin of an ingested voucher.
// Logical sources only; per-fixture tags are not a source.
const (
	SourceAPIPayload  = "api_payload"
	SourceFixture     = "fixture"
	SourceObjectStore = "object_store"
	SourceERPSync     = "erp_sync"
)

// Bank transaction match states.
const (
	MatchUnmatched = "unmatched"
	MatchMatched   = "matched"
	MatchAnomaly   = "anomaly"
)

// Journal proposal states.
const (
	ProposalPending  = "pending"
	ProposalApproved = "approved"
	ProposalRejected = "rejected"
)

// ContractState represents a state in the contract proposal workflow.
type ContractState string

// Contract proposal workflow states. Approved and rejected are terminal.
const (
	ContractDraft       ContractState = "draft"
	ContractUnderReview ContractState = "under_review"
	ContractApproved    ContractState = "approved"
	ContractRejected    ContractState = "rejected"
)

// Terminal reports whether the state admits no further transitions.
func (s ContractState) Terminal() bool {
	return s == ContractApproved || s == ContractRejected
}

// Issue severities and resolutions.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"

	ResolutionOpen     = "open"
	ResolutionResolved = "resolved"
	ResolutionIgnored  = "ignored"
)

// Report snapshot types.
const (
	ReportVATList      = "vat_list"
	ReportTrialBalance = "trial_balance"
	ReportVASAuditPack = "vas_audit_pack"
)

// Cashflow directions and source types.
const (
	DirectionInflow  = "inflow"
	DirectionOutflow = "outflow"

	CashflowInvoiceReceivable = "invoice_receivable"
	CashflowInvoicePayable    = "invoice_payable"
	CashflowRecurring         = "recurring"
	CashflowManual            = "manual"
)

// Tier-B feedback types.
const (
	FeedbackExplicitYes    = "explicit_yes"
	FeedbackExplicitNo     = "explicit_no"
	FeedbackImplicitAccept = "implicit_accept"
	FeedbackImplicitEdit   = "implicit_edit"
	FeedbackImplicitReject = "implicit_reject"
)

// Run is a single execution of a named workflow. Duplicate submissions
// collapse onto one row through the unique idempotency key.
type Run struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"run_id"`
	RunType        RunType   `gorm:"size:48;index" json:"run_type"`
	TriggerType    string    `gorm:"size:16" json:"trigger_type"`
	Status         RunStatus `gorm:"size:16;index" json:"status"`
	IdempotencyKey string    `gorm:"size:128;uniqueIndex" json:"idempotency_key"`
	CursorIn       string    `gorm:"type:text" json:"cursor_in,omitempty"`
	CursorOut      string    `gorm:"type:text" json:"cursor_out,omitempty"`
	Stats          string    `gorm:"type:text" json:"stats,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Voucher mirrors an ERP voucher. (VoucherNo, Source) is the ingest dedup
// key; ERPVoucherID is the ERP-side dedup key.
type Voucher struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ERPVoucherID      string    `gorm:"size:64;uniqueIndex" json:"erp_voucher_id"`
	VoucherNo         string    `gorm:"size:64;uniqueIndex:idx_voucher_no_source" json:"voucher_no"`
	Source            string    `gorm:"size:32;uniqueIndex:idx_voucher_no_source" json:"source"`
	VoucherType       string    `gorm:"size:32;index" json:"voucher_type"`
	Date              string    `gorm:"size:10;index" json:"date"`
	Amount            float64   `json:"amount"`
	Currency          string    `gorm:"size:8" json:"currency"`
	PartnerName       string    `gorm:"size:255" json:"partner_name"`
	PartnerTaxCode    string    `gorm:"size:32" json:"partner_tax_code"`
	HasAttachment     bool      `json:"has_attachment"`
	TypeHint          string    `gorm:"size:64" json:"type_hint"`
	Description       string    `gorm:"size:512" json:"description"`
	RawPayload        string    `gorm:"type:text" json:"-"`
	ClassificationTag string    `gorm:"size:64;index" json:"classification_tag"`
	RunID             uuid.UUID `gorm:"type:uuid;index" json:"run_id"`
	SyncedAt          time.Time `json:"synced_at"`
}

// BankTransaction mirrors a bank statement line. Match transitions move
// monotonically toward a terminal state, only via the reconcile workflow.
type BankTransaction struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	BankTxRef        string     `gorm:"size:64;uniqueIndex" json:"bank_tx_ref"`
	BankAccount      string     `gorm:"size:32;index" json:"bank_account"`
	Date             string     `gorm:"size:10;index" json:"date"`
	Amount           float64    `json:"amount"`
	Currency         string     `gorm:"size:8" json:"currency"`
	Counterparty     string     `gorm:"size:255" json:"counterparty"`
	Memo             string     `gorm:"size:512" json:"memo"`
	MatchedVoucherID *uuid.UUID `gorm:"type:uuid" json:"matched_voucher_id,omitempty"`
	MatchStatus      string     `gorm:"size:16;index" json:"match_status"`
	RunID            uuid.UUID  `gorm:"type:uuid;index" json:"run_id"`
	SyncedAt         time.Time  `json:"synced_at"`
}

// InvoiceMirror is a local copy of an ERP invoice, read by soft checks
// and the cashflow forecast.
type InvoiceMirror struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ERPInvoiceID string    `gorm:"size:64;uniqueIndex" json:"erp_invoice_id"`
	InvoiceNo    string    `gorm:"size:64" json:"invoice_no"`
	Direction    string    `gorm:"size:8;index" json:"direction"`
	Status       string    `gorm:"size:16;index" json:"status"`
	IssueDate    string    `gorm:"size:10" json:"issue_date"`
	DueDate      string    `gorm:"size:10;index" json:"due_date"`
	Amount       float64   `json:"amount"`
	Currency     string    `gorm:"size:8" json:"currency"`
	PartnerName  string    `gorm:"size:255" json:"partner_name"`
	RunID        uuid.UUID `gorm:"type:uuid;index" json:"run_id"`
	SyncedAt     time.Time `json:"synced_at"`
}

// JournalProposal is an AI-suggested journal entry awaiting review.
// Lines must balance: sum(debit) equals sum(credit) within 0.01.
type JournalProposal struct {
	ID          uuid.UUID     `gorm:"type:uuid;primaryKey" json:"proposal_id"`
	VoucherID   uuid.UUID     `gorm:"type:uuid;index" json:"voucher_id"`
	Description string        `gorm:"size:512" json:"description"`
	Confidence  float64       `json:"confidence"`
	Reasoning   string        `gorm:"size:1024" json:"reasoning"`
	Status      string        `gorm:"size:16;index" json:"status"`
	ReviewedBy  string        `gorm:"size:64" json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time    `json:"reviewed_at,omitempty"`
	RunID       uuid.UUID     `gorm:"type:uuid;index" json:"run_id"`
	CreatedAt   time.Time     `json:"created_at"`
	Lines       []JournalLine `gorm:"foreignKey:ProposalID" json:"lines,omitempty"`
}

// JournalLine is one debit or credit leg of a proposal.
type JournalLine struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProposalID  uuid.UUID `gorm:"type:uuid;index" json:"proposal_id"`
	AccountCode string    `gorm:"size:16" json:"account_code"`
	AccountName string    `gorm:"size:128" json:"account_name"`
	Debit       float64   `json:"debit"`
	Credit      float64   `json:"credit"`
}

// ContractProposal is a tiered obligation proposal under maker-checker
// review. ProposalKey dedups proposals per logical target.
type ContractProposal struct {
	ID                  uuid.UUID     `gorm:"type:uuid;primaryKey" json:"proposal_id"`
	CaseID              string        `gorm:"size:64;index" json:"case_id"`
	ObligationID        string        `gorm:"size:64;index" json:"obligation_id,omitempty"`
	ProposalType        string        `gorm:"size:48" json:"proposal_type"`
	Title               string        `gorm:"size:255" json:"title"`
	Summary             string        `gorm:"size:1024" json:"summary"`
	Details             string        `gorm:"type:text" json:"details,omitempty"`
	RiskLevel           string        `gorm:"size:16" json:"risk_level"`
	Confidence          float64       `json:"confidence"`
	Status              ContractState `gorm:"size:16;index" json:"status"`
	CreatedBy           string        `gorm:"size:64;index" json:"created_by"`
	Tier                int           `json:"tier"`
	EvidenceSummaryHash string        `gorm:"size:64" json:"evidence_summary_hash"`
	ProposalKey         string        `gorm:"size:128;uniqueIndex" json:"proposal_key"`
	RunID               uuid.UUID     `gorm:"type:uuid;index" json:"run_id"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// ApprovalDecision records one maker-checker decision. The unique
// idempotency key makes replays return the original row.
type ApprovalDecision struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProposalID     uuid.UUID `gorm:"type:uuid;index" json:"proposal_id"`
	ApproverID     string    `gorm:"size:64" json:"approver_id"`
	Decision       string    `gorm:"size:16" json:"decision"`
	EvidenceAck    bool      `json:"evidence_ack"`
	IdempotencyKey string    `gorm:"size:128;uniqueIndex" json:"idempotency_key"`
	ActorUserID    string    `gorm:"size:64" json:"actor_user_id"`
	DecidedAt      time.Time `json:"decided_at"`
}

// ValidationIssue is a soft-check or exception finding. Append-only apart
// from the resolution fields.
type ValidationIssue struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	RuleCode      string     `gorm:"size:48;index" json:"rule_code"`
	Severity      string     `gorm:"size:16;index" json:"severity"`
	Message       string     `gorm:"size:512" json:"message"`
	ERPRef        string     `gorm:"size:64" json:"erp_ref"`
	Details       string     `gorm:"type:text" json:"details,omitempty"`
	Resolution    string     `gorm:"size:16;index" json:"resolution"`
	ResolvedBy    string     `gorm:"size:64" json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	CheckResultID *uuid.UUID `gorm:"type:uuid;index" json:"check_result_id,omitempty"`
	RunID         uuid.UUID  `gorm:"type:uuid;index" json:"run_id"`
	CreatedAt     time.Time  `json:"created_at"`
}

// SoftCheckResult summarises one soft-check pass. One row per (period, run).
type SoftCheckResult struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Period      string    `gorm:"size:7;uniqueIndex:idx_softcheck_period_run" json:"period"`
	RunID       uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_softcheck_period_run" json:"run_id"`
	TotalChecks int       `json:"total_checks"`
	Passed      int       `json:"passed"`
	Warnings    int       `json:"warnings"`
	Errors      int       `json:"errors"`
	Score       float64   `json:"score"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReportSnapshot is a versioned report artifact. Versions are monotonic
// per (report type, period); old versions are retained.
type ReportSnapshot struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ReportType  string    `gorm:"size:32;uniqueIndex:idx_snapshot_type_period_version" json:"report_type"`
	Period      string    `gorm:"size:7;uniqueIndex:idx_snapshot_type_period_version" json:"period"`
	Version     int       `gorm:"uniqueIndex:idx_snapshot_type_period_version" json:"version"`
	FileURI     string    `gorm:"size:512" json:"file_uri,omitempty"`
	SummaryJSON string    `gorm:"type:text" json:"summary_json"`
	RunID       uuid.UUID `gorm:"type:uuid;index" json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// CashflowForecast is one projected inflow or outflow row. Rows are
// regenerated per run, never mutated in place.
type CashflowForecast struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ForecastDate string    `gorm:"size:10;index" json:"forecast_date"`
	Direction    string    `gorm:"size:8;index" json:"direction"`
	Amount       float64   `json:"amount"`
	Currency     string    `gorm:"size:8" json:"currency"`
	SourceType   string    `gorm:"size:32" json:"source_type"`
	SourceRef    string    `gorm:"size:64" json:"source_ref"`
	Confidence   float64   `json:"confidence"`
	RunID        uuid.UUID `gorm:"type:uuid;index" json:"run_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditLog is the append-only audit trail. Updates and deletes are
// rejected at the storage layer; writes go through store.AppendAudit.
type AuditLog struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Actor       string    `gorm:"size:64;index" json:"actor"`
	Action      string    `gorm:"size:64;index" json:"action"`
	SubjectType string    `gorm:"size:48;index" json:"subject_type"`
	SubjectID   string    `gorm:"size:64;index" json:"subject_id"`
	Payload     string    `gorm:"type:text" json:"payload,omitempty"`
	TS          time.Time `gorm:"index" json:"ts"`
}

// TierBFeedback is an append-only feedback signal on an obligation.
type TierBFeedback struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ObligationID string    `gorm:"size:64;index" json:"obligation_id"`
	UserID       string    `gorm:"size:64" json:"user_id,omitempty"`
	FeedbackType string    `gorm:"size:24" json:"feedback_type"`
	Delta        string    `gorm:"type:text" json:"delta,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// QAAudit records one templated question/answer exchange.
type QAAudit struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Question  string    `gorm:"size:1024" json:"question"`
	Answer    string    `gorm:"type:text" json:"answer"`
	Template  string    `gorm:"size:48" json:"template"`
	AskedBy   string    `gorm:"size:64" json:"asked_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Run{},
		&Voucher{},
		&BankTransaction{},
		&InvoiceMirror{},
		&JournalProposal{},
		&JournalLine{},
		&ContractProposal{},
		&ApprovalDecision{},
		&ValidationIssue{},
		&SoftCheckResult{},
		&ReportSnapshot{},
		&CashflowForecast{},
		&AuditLog{},
		&TierBFeedback{},
		&QAAudit{},
	)
}
