// Package approval implements the maker-checker decision engine over
// contract proposals. Decisions either fully apply (approval row written
// and proposal made terminal in one transaction) or leave no state.
package approval

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"acctagent/models"
	"acctagent/observability"
	"acctagent/store"
)

// Decision values accepted by the engine.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// Typed failures, mapped onto HTTP statuses at the API layer.
var (
	// ErrEvidenceRequired rejects approve decisions without evidence acknowledgement.
	ErrEvidenceRequired = errors.New("approval: evidence_ack required to approve")
	// ErrMakerChecker rejects self-approval by the proposal creator.
	ErrMakerChecker = errors.New("approval: approver must differ from proposal creator")
	// ErrTerminal rejects decisions on already finalized proposals.
	ErrTerminal = errors.New("approval: proposal already finalized")
	// ErrInvalidDecision rejects decisions outside {approve, reject}.
	ErrInvalidDecision = errors.New("approval: decision must be approve or reject")
	// ErrNotFound is returned when the proposal does not exist.
	ErrNotFound = errors.New("approval: proposal not found")
)

// Request is one maker-checker decision submission.
type Request struct {
	ProposalID     uuid.UUID
	ApproverID     string
	Decision       string
	EvidenceAck    bool
	IdempotencyKey string
}

// Result carries the recorded decision and whether it was a replay of a
// previously stored idempotency key.
type Result struct {
	Decision models.ApprovalDecision
	Proposal models.ContractProposal
	Replayed bool
}

// Engine applies approval requests against the store.
type Engine struct {
	store   *store.Store
	metrics *observability.ApprovalMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the timestamp source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an approval engine over the store.
func New(st *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		metrics: observability.Approvals(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide validates and applies one approval request. Validation runs in
// a fixed order with the first failure winning; concurrent approvers are
// serialised by a row lock on the proposal. Every outcome, including
// rule rejections, lands in the audit log.
func (e *Engine) Decide(req Request) (*Result, error) {
	decision := strings.ToLower(strings.TrimSpace(req.Decision))
	if decision != DecisionApprove && decision != DecisionReject {
		e.observe(decision, "invalid")
		return nil, ErrInvalidDecision
	}
	if decision == DecisionApprove && !req.EvidenceAck {
		e.auditRejection(req, decision, "evidence_ack missing")
		e.observe(decision, "evidence")
		return nil, ErrEvidenceRequired
	}

	var result Result
	var ruleErr error
	err := e.store.Transaction(func(tx *gorm.DB) error {
		var proposal models.ContractProposal
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&proposal, "id = ?", req.ProposalID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("approval: load proposal: %w", err)
		}

		if strings.EqualFold(proposal.CreatedBy, req.ApproverID) {
			ruleErr = ErrMakerChecker
			return e.rejectInTx(tx, req, decision, "maker equals checker")
		}

		// Replay lookup runs before the terminal check: the decision that
		// finalized the proposal must stay replayable under its own key.
		var prior models.ApprovalDecision
		err := tx.Where("idempotency_key = ?", req.IdempotencyKey).First(&prior).Error
		switch {
		case err == nil:
			result = Result{Decision: prior, Proposal: proposal, Replayed: true}
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("approval: idempotency lookup: %w", err)
		}

		if proposal.Status.Terminal() {
			ruleErr = ErrTerminal
			return e.rejectInTx(tx, req, decision, "proposal terminal")
		}

		now := e.now()
		row := models.ApprovalDecision{
			ID:             uuid.New(),
			ProposalID:     proposal.ID,
			ApproverID:     req.ApproverID,
			Decision:       decision,
			EvidenceAck:    req.EvidenceAck,
			IdempotencyKey: req.IdempotencyKey,
			ActorUserID:    req.ApproverID,
			DecidedAt:      now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("approval: record decision: %w", err)
		}

		next := models.ContractApproved
		if decision == DecisionReject {
			next = models.ContractRejected
		}
		update := tx.Model(&models.ContractProposal{}).
			Where("id = ?", proposal.ID).
			Updates(map[string]any{"status": next, "updated_at": now})
		if update.Error != nil {
			return fmt.Errorf("approval: transition proposal: %w", update.Error)
		}
		proposal.Status = next
		proposal.UpdatedAt = now

		if err := e.store.AppendAudit(tx, req.ApproverID, "proposal."+decision, "contract_proposal",
			proposal.ID.String(), map[string]any{
				"decision":        decision,
				"evidence_ack":    req.EvidenceAck,
				"idempotency_key": req.IdempotencyKey,
			}); err != nil {
			return fmt.Errorf("approval: audit decision: %w", err)
		}

		result = Result{Decision: row, Proposal: proposal}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ruleErr != nil {
		switch {
		case errors.Is(ruleErr, ErrMakerChecker):
			e.observe(decision, "maker_checker")
		case errors.Is(ruleErr, ErrTerminal):
			e.observe(decision, "terminal")
		}
		return nil, ruleErr
	}

	if result.Replayed {
		e.observe(decision, "replayed")
	} else {
		e.observe(decision, "recorded")
		e.logger.Info("approval recorded",
			"proposal_id", req.ProposalID, "decision", decision, "approver", req.ApproverID)
	}
	return &result, nil
}

// rejectInTx audits a rule rejection inside the open transaction and
// returns nil so the audit entry commits. The caller reports the typed
// error after the commit; nothing else changes.
func (e *Engine) rejectInTx(tx *gorm.DB, req Request, decision, reason string) error {
	if err := e.store.AppendAudit(tx, req.ApproverID, "proposal.decision_rejected", "contract_proposal",
		req.ProposalID.String(), map[string]any{
			"decision": decision,
			"reason":   reason,
		}); err != nil {
		return fmt.Errorf("approval: audit rejection: %w", err)
	}
	return nil
}

// auditRejection records a rule rejection that happens before any
// transaction is opened.
func (e *Engine) auditRejection(req Request, decision, reason string) {
	err := e.store.Transaction(func(tx *gorm.DB) error {
		return e.store.AppendAudit(tx, req.ApproverID, "proposal.decision_rejected", "contract_proposal",
			req.ProposalID.String(), map[string]any{
				"decision": decision,
				"reason":   reason,
			})
	})
	if err != nil {
		e.logger.Error("audit write failed", "proposal_id", req.ProposalID, "error", err)
	}
}

func (e *Engine) observe(decision, outcome string) {
	e.metrics.Observe(decision, outcome)
}
