package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"acctagent/models"
)

// PostTierBFeedback appends one tier-B feedback row.
func (s *Server) PostTierBFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ObligationID string `json:"obligation_id"`
		FeedbackType string `json:"feedback_type"`
		UserID       string `json:"user_id"`
		Delta        string `json:"delta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ObligationID) == "" {
		http.Error(w, "obligation_id is required", http.StatusBadRequest)
		return
	}
	switch req.FeedbackType {
	case models.FeedbackExplicitYes, models.FeedbackExplicitNo,
		models.FeedbackImplicitAccept, models.FeedbackImplicitEdit, models.FeedbackImplicitReject:
	default:
		http.Error(w, "invalid feedback_type", http.StatusBadRequest)
		return
	}

	feedback := models.TierBFeedback{
		ID:           uuid.New(),
		ObligationID: strings.TrimSpace(req.ObligationID),
		UserID:       strings.TrimSpace(req.UserID),
		FeedbackType: req.FeedbackType,
		Delta:        req.Delta,
		CreatedAt:    s.now(),
	}
	if err := s.store.DB().Create(&feedback).Error; err != nil {
		http.Error(w, "failed to record feedback", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, feedback)
}

// Q&A template names. The router below picks the first template whose
// keywords appear in the question.
const (
	templateVoucherCount    = "voucher_count"
	templateJournalExplain  = "journal_explanation"
	templateAnomalySummary  = "anomaly_summary"
	templateCashflowSummary = "cashflow_summary"
	templateFallback        = "fallback"
)

// PostQuestion answers a small set of templated questions and records
// the exchange for audit.
func (s *Server) PostQuestion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question string `json:"question"`
		AskedBy  string `json:"asked_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		http.Error(w, "question is required", http.StatusBadRequest)
		return
	}

	template, answer := s.answer(question)
	audit := models.QAAudit{
		ID:        uuid.New(),
		Question:  question,
		Answer:    answer,
		Template:  template,
		AskedBy:   strings.TrimSpace(req.AskedBy),
		CreatedAt: s.now(),
	}
	if err := s.store.DB().Create(&audit).Error; err != nil {
		http.Error(w, "failed to record question", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"answer":   answer,
		"template": template,
	})
}

func (s *Server) answer(question string) (string, string) {
	lowered := strings.ToLower(question)
	switch {
	case containsAny(lowered, "how many voucher", "voucher count", "so chung tu"):
		return templateVoucherCount, s.voucherCountAnswer()
	case containsAny(lowered, "journal", "entry", "dinh khoan"):
		return templateJournalExplain, s.journalAnswer()
	case containsAny(lowered, "anomal", "exception", "issue", "bat thuong"):
		return templateAnomalySummary, s.anomalyAnswer()
	case containsAny(lowered, "cashflow", "cash flow", "forecast", "dong tien"):
		return templateCashflowSummary, s.cashflowAnswer()
	default:
		return templateFallback,
			"I can answer questions about voucher counts, journal entries, anomalies, and cashflow forecasts."
	}
}

func containsAny(s string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

func (s *Server) voucherCountAnswer() string {
	var total int64
	if err := s.store.DB().Model(&models.Voucher{}).Count(&total).Error; err != nil {
		return "Voucher counts are unavailable right now."
	}
	var bySource []struct {
		Source string
		N      int64
	}
	_ = s.store.DB().Model(&models.Voucher{}).
		Select("source, count(*) as n").Group("source").Order("source").Scan(&bySource).Error
	parts := make([]string, 0, len(bySource))
	for _, row := range bySource {
		parts = append(parts, fmt.Sprintf("%s: %d", row.Source, row.N))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("There are %d vouchers on record.", total)
	}
	return fmt.Sprintf("There are %d vouchers on record (%s).", total, strings.Join(parts, ", "))
}

func (s *Server) journalAnswer() string {
	var latest models.JournalProposal
	err := s.store.DB().Preload("Lines").Order("created_at desc").First(&latest).Error
	if err != nil {
		return "No journal proposals have been generated yet."
	}
	var debit, credit string
	for _, line := range latest.Lines {
		if line.Debit > 0 {
			debit = fmt.Sprintf("debit %s %s %.2f", line.AccountCode, line.AccountName, line.Debit)
		}
		if line.Credit > 0 {
			credit = fmt.Sprintf("credit %s %s %.2f", line.AccountCode, line.AccountName, line.Credit)
		}
	}
	return fmt.Sprintf("Latest proposal (%s): %s, %s. Confidence %.2f — %s.",
		latest.Description, debit, credit, latest.Confidence, latest.Reasoning)
}

func (s *Server) anomalyAnswer() string {
	var open int64
	if err := s.store.DB().Model(&models.ValidationIssue{}).
		Where("resolution = ?", models.ResolutionOpen).Count(&open).Error; err != nil {
		return "Anomaly data is unavailable right now."
	}
	var byRule []struct {
		RuleCode string
		N        int64
	}
	_ = s.store.DB().Model(&models.ValidationIssue{}).
		Where("resolution = ?", models.ResolutionOpen).
		Select("rule_code, count(*) as n").Group("rule_code").Order("n desc").Scan(&byRule).Error
	if open == 0 {
		return "There are no open issues."
	}
	parts := make([]string, 0, len(byRule))
	for _, row := range byRule {
		parts = append(parts, fmt.Sprintf("%s: %d", row.RuleCode, row.N))
	}
	return fmt.Sprintf("There are %d open issues (%s).", open, strings.Join(parts, ", "))
}

func (s *Server) cashflowAnswer() string {
	type directionTotal struct {
		Direction string
		Total     float64
	}
	var totals []directionTotal
	err := s.store.DB().Model(&models.CashflowForecast{}).
		Select("direction, COALESCE(SUM(amount),0) as total").
		Group("direction").Scan(&totals).Error
	if err != nil || len(totals) == 0 {
		return "No cashflow forecast has been generated yet."
	}
	var inflow, outflow float64
	for _, row := range totals {
		switch row.Direction {
		case models.DirectionInflow:
			inflow = row.Total
		case models.DirectionOutflow:
			outflow = row.Total
		}
	}
	return fmt.Sprintf("Projected inflow %.2f, outflow %.2f, net %.2f over the forecast horizon.",
		inflow, outflow, inflow-outflow)
}
