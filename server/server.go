// Package server exposes the agent HTTP API: run submission, approvals,
// listing endpoints over the mirror and artifact tables, templated Q&A,
// and graph introspection.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"acctagent/approval"
	"acctagent/dispatch"
	"acctagent/store"
	"acctagent/workflow"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Store      *store.Store
	Dispatcher *dispatch.Dispatcher
	Engine     *workflow.Engine
	Approvals  *approval.Engine
	APIKey     string
	Logger     *slog.Logger
	Now        func() time.Time
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	engine     *workflow.Engine
	approvals  *approval.Engine
	apiKey     string
	logger     *slog.Logger
	now        func() time.Time

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	srv := &Server{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		engine:     cfg.Engine,
		approvals:  cfg.Approvals,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
	if srv.logger == nil {
		srv.logger = slog.Default()
	}
	if srv.now == nil {
		srv.now = time.Now
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Healthz)
	r.Get("/readyz", s.Readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/agent/v1", func(api chi.Router) {
		api.Use(s.requireAPIKey)

		api.Post("/runs", s.CreateRun)
		api.Get("/runs", s.ListRuns)
		api.Get("/runs/{id}", s.GetRun)

		api.Get("/contract/proposals", s.ListContractProposals)
		api.Get("/contract/proposals/{id}", s.GetContractProposal)
		api.Post("/contract/proposals/{id}/approvals", s.PostApproval)

		api.Get("/vouchers", s.ListVouchers)
		api.Get("/bank-transactions", s.ListBankTransactions)
		api.Get("/journal-proposals", s.ListJournalProposals)
		api.Get("/issues", s.ListIssues)
		api.Post("/issues/{id}/resolution", s.ResolveIssue)
		api.Get("/snapshots", s.ListSnapshots)
		api.Get("/forecasts", s.ListForecasts)

		api.Post("/tier-b/feedback", s.PostTierBFeedback)
		api.Post("/qa", s.PostQuestion)

		api.Get("/graphs", s.ListGraphs)
		api.Get("/graphs/{name}", s.GetGraph)
	})

	return r
}

// requireAPIKey enforces the X-API-Key header when a key is configured.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("X-API-Key") != s.apiKey {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Healthz reports process liveness.
func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz reports readiness; the DB must be reachable.
func (s *Server) Readyz(w http.ResponseWriter, _ *http.Request) {
	if err := s.store.Ping(); err != nil {
		http.Error(w, "database unreachable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// listFilter extracts the common query filters from the request.
func listFilter(r *http.Request) store.ListFilter {
	q := r.URL.Query()
	filter := store.ListFilter{
		Period: strings.TrimSpace(q.Get("period")),
		Status: strings.TrimSpace(q.Get("status")),
	}
	if raw := q.Get("run_id"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			filter.RunID = &id
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Offset = n
		}
	}
	return filter
}
