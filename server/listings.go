package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ListVouchers returns mirrored vouchers.
func (s *Server) ListVouchers(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListVouchers(listFilter(r))
	if err != nil {
		http.Error(w, "failed to list vouchers", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// ListBankTransactions returns mirrored bank statement lines.
func (s *Server) ListBankTransactions(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListBankTransactions(listFilter(r))
	if err != nil {
		http.Error(w, "failed to list bank transactions", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// ListJournalProposals returns journal proposals with their lines.
func (s *Server) ListJournalProposals(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListJournalProposals(listFilter(r))
	if err != nil {
		http.Error(w, "failed to list journal proposals", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// ListIssues returns validation issues.
func (s *Server) ListIssues(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListIssues(listFilter(r))
	if err != nil {
		http.Error(w, "failed to list issues", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// ResolveIssue updates the resolution fields of one issue.
func (s *Server) ResolveIssue(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid issue id", http.StatusBadRequest)
		return
	}

	var req struct {
		Resolution string `json:"resolution"`
		ResolvedBy string `json:"resolved_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ResolvedBy) == "" {
		http.Error(w, "resolved_by is required", http.StatusBadRequest)
		return
	}

	if err := s.store.ResolveIssue(id, req.Resolution, strings.TrimSpace(req.ResolvedBy)); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "issue not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": req.Resolution})
}

// ListSnapshots returns report snapshot rows.
func (s *Server) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListSnapshots(listFilter(r))
	if err != nil {
		http.Error(w, "failed to list snapshots", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// ListForecasts returns cashflow forecast rows.
func (s *Server) ListForecasts(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListForecasts(listFilter(r))
	if err != nil {
		http.Error(w, "failed to list forecasts", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// ListGraphs returns the registered workflow names.
func (s *Server) ListGraphs(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"graphs": s.engine.Graphs()})
}

// GetGraph returns the step layout of one workflow.
func (s *Server) GetGraph(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	graph, ok := s.engine.Resolve(name)
	if !ok {
		http.Error(w, "unknown graph", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":  graph.Name,
		"steps": graph.StepNames(),
	})
}
