package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"acctagent/dispatch"
	"acctagent/models"
)

type createRunRequest struct {
	RunType     string         `json:"run_type"`
	TriggerType string         `json:"trigger_type"`
	Payload     map[string]any `json:"payload"`
}

type runResponse struct {
	RunID  uuid.UUID        `json:"run_id"`
	Status models.RunStatus `json:"status"`
}

// CreateRun validates and records a run submission. Duplicate keys with
// the same payload collapse onto the existing row; the same key with a
// different payload is a conflict.
func (s *Server) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	runType := strings.TrimSpace(req.RunType)
	if _, ok := s.engine.Resolve(runType); !ok {
		http.Error(w, "unknown run_type", http.StatusBadRequest)
		return
	}
	trigger := strings.TrimSpace(req.TriggerType)
	if trigger == "" {
		trigger = models.TriggerManual
	}

	cursorIn := "{}"
	if req.Payload != nil {
		encoded, err := json.Marshal(req.Payload)
		if err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		cursorIn = string(encoded)
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = derivedRunKey(runType, trigger, cursorIn)
	}

	existing, err := s.store.FindRunByKey(key)
	if err != nil {
		http.Error(w, "failed to check idempotency", http.StatusInternalServerError)
		return
	}
	if existing != nil {
		if existing.CursorIn != cursorIn {
			http.Error(w, "idempotency key reused with different payload", http.StatusConflict)
			return
		}
		s.writeJSON(w, http.StatusOK, runResponse{RunID: existing.ID, Status: existing.Status})
		return
	}

	now := s.now()
	run := models.Run{
		ID:             uuid.New(),
		RunType:        models.RunType(runType),
		TriggerType:    trigger,
		Status:         models.RunQueued,
		IdempotencyKey: key,
		CursorIn:       cursorIn,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = s.store.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&run).Error; err != nil {
			return err
		}
		return s.store.AppendAudit(tx, "api", "run.created", "run", run.ID.String(), map[string]any{
			"run_type": runType,
			"trigger":  trigger,
		})
	})
	if err != nil {
		// Concurrent submission with the same key: the unique index
		// won the race, so serve the stored row.
		if existing, lookupErr := s.store.FindRunByKey(key); lookupErr == nil && existing != nil {
			if existing.CursorIn != cursorIn {
				http.Error(w, "idempotency key reused with different payload", http.StatusConflict)
				return
			}
			s.writeJSON(w, http.StatusOK, runResponse{RunID: existing.ID, Status: existing.Status})
			return
		}
		http.Error(w, "failed to create run", http.StatusInternalServerError)
		return
	}

	if err := s.dispatcher.Enqueue(run.ID); err != nil {
		if errors.Is(err, dispatch.ErrQueueFull) {
			s.logger.Warn("dispatch queue full, run stays queued", "run_id", run.ID)
		} else {
			s.logger.Error("enqueue failed", "run_id", run.ID, "error", err)
		}
	}

	s.writeJSON(w, http.StatusOK, runResponse{RunID: run.ID, Status: run.Status})
}

// ListRuns returns run rows matching the filter.
func (s *Server) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(listFilter(r))
	if err != nil {
		http.Error(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

// GetRun returns one run row.
func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return
	}
	run, err := s.store.GetRun(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load run", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func derivedRunKey(runType, trigger, cursorIn string) string {
	sum := sha256.Sum256([]byte(runType + "|" + trigger + "|" + cursorIn))
	return hex.EncodeToString(sum[:])
}
