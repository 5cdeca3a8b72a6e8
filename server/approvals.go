package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"acctagent/approval"
	"acctagent/models"
)

type approvalRequest struct {
	Decision    string `json:"decision"`
	ApproverID  string `json:"approver_id"`
	EvidenceAck bool   `json:"evidence_ack"`
}

type approvalResponse struct {
	Decision models.ApprovalDecision `json:"decision"`
	Proposal models.ContractProposal `json:"proposal"`
	Replayed bool                    `json:"replayed,omitempty"`
}

// PostApproval records a maker-checker decision on a contract proposal.
func (s *Server) PostApproval(w http.ResponseWriter, r *http.Request) {
	proposalID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid proposal id", http.StatusBadRequest)
		return
	}

	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ApproverID) == "" {
		http.Error(w, "approver_id is required", http.StatusBadRequest)
		return
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		http.Error(w, "Idempotency-Key header is required", http.StatusBadRequest)
		return
	}

	result, err := s.approvals.Decide(approval.Request{
		ProposalID:     proposalID,
		ApproverID:     strings.TrimSpace(req.ApproverID),
		Decision:       req.Decision,
		EvidenceAck:    req.EvidenceAck,
		IdempotencyKey: key,
	})
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrInvalidDecision), errors.Is(err, approval.ErrEvidenceRequired):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, approval.ErrMakerChecker), errors.Is(err, approval.ErrTerminal):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, approval.ErrNotFound):
			http.Error(w, "proposal not found", http.StatusNotFound)
		default:
			http.Error(w, "failed to record decision", http.StatusInternalServerError)
		}
		return
	}

	s.writeJSON(w, http.StatusOK, approvalResponse{
		Decision: result.Decision,
		Proposal: result.Proposal,
		Replayed: result.Replayed,
	})
}

// ListContractProposals returns contract proposals matching the filter.
func (s *Server) ListContractProposals(w http.ResponseWriter, r *http.Request) {
	proposals, err := s.store.ListContractProposals(listFilter(r))
	if err != nil {
		http.Error(w, "failed to list proposals", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, proposals)
}

// GetContractProposal returns one proposal with its decisions.
func (s *Server) GetContractProposal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid proposal id", http.StatusBadRequest)
		return
	}

	var proposal models.ContractProposal
	if err := s.store.DB().First(&proposal, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "proposal not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load proposal", http.StatusInternalServerError)
		return
	}
	var decisions []models.ApprovalDecision
	if err := s.store.DB().Where("proposal_id = ?", id).Order("decided_at").Find(&decisions).Error; err != nil {
		http.Error(w, "failed to load decisions", http.StatusInternalServerError)
		return
	}

	response := struct {
		models.ContractProposal
		Decisions []models.ApprovalDecision `json:"decisions"`
	}{ContractProposal: proposal, Decisions: decisions}
	s.writeJSON(w, http.StatusOK, response)
}
