// Package dispatch drives runs to a terminal status. A worker pool
// consumes queued run ids; each dispatch loads the run row, executes the
// resolved workflow graph with bounded retries, and is the only writer
// of run status transitions.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"acctagent/models"
	"acctagent/observability"
	"acctagent/store"
	"acctagent/workflow"
)

// ErrQueueFull is returned when the dispatch queue cannot accept a run.
var ErrQueueFull = errors.New("dispatch: queue full")

// Config sizes the worker pool and the retry policy.
type Config struct {
	Workers     int
	MaxAttempts int
	Backoff     time.Duration
	QueueSize   int
}

func (c *Config) normalize() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
}

// Dispatcher owns the run queue and worker pool.
type Dispatcher struct {
	store   *store.Store
	engine  *workflow.Engine
	cfg     Config
	queue   chan uuid.UUID
	metrics *observability.RunMetrics
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithClock overrides the timestamp source, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithSleep overrides the inter-attempt sleep, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = sleep }
}

// New builds a dispatcher over the store and workflow engine.
func New(st *store.Store, engine *workflow.Engine, cfg Config, opts ...Option) *Dispatcher {
	cfg.normalize()
	d := &Dispatcher{
		store:   st,
		engine:  engine,
		cfg:     cfg,
		queue:   make(chan uuid.UUID, cfg.QueueSize),
		metrics: observability.Runs(),
		logger:  slog.Default(),
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled or
// Close drains the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		for i := 0; i < d.cfg.Workers; i++ {
			d.wg.Add(1)
			go d.worker(ctx)
		}
	})
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case runID, ok := <-d.queue:
			if !ok {
				return
			}
			d.metrics.SetQueueDepth(len(d.queue))
			if _, err := d.Dispatch(ctx, runID); err != nil {
				d.logger.Error("dispatch failed", "run_id", runID, "error", err)
			}
		}
	}
}

// Enqueue hands a run to the worker pool without blocking.
func (d *Dispatcher) Enqueue(runID uuid.UUID) error {
	select {
	case d.queue <- runID:
		d.metrics.SetQueueDepth(len(d.queue))
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting work and waits for in-flight dispatches.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() { close(d.queue) })
	d.wg.Wait()
}

// Dispatch executes one run to a terminal status. Re-dispatching a run
// already terminal is a no-op returning its recorded status.
func (d *Dispatcher) Dispatch(ctx context.Context, runID uuid.UUID) (models.RunStatus, error) {
	run, err := d.store.GetRun(runID)
	if err != nil {
		return "", fmt.Errorf("dispatch: load run %s: %w", runID, err)
	}
	if run.Status != models.RunQueued && run.Status != models.RunRunning {
		return run.Status, nil
	}

	started := d.now()
	if run.Status == models.RunQueued {
		if err := d.markRunning(run, started); err != nil {
			return "", err
		}
	}

	graph, ok := d.engine.Resolve(string(run.RunType))
	if !ok {
		reason := fmt.Sprintf("unknown run type %q", run.RunType)
		if err := d.finishRun(run, models.RunFailed, nil, 0, reason); err != nil {
			return "", err
		}
		return models.RunFailed, nil
	}

	cursor := decodeCursor(run.CursorIn)
	var lastErrs []string
	attempts := d.cfg.MaxAttempts
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		state := workflow.NewState(run.ID, cursor)
		state = d.engine.Execute(ctx, graph, state)
		if len(state.Errors) == 0 {
			if err := d.finishRun(run, models.RunSuccess, state.Stats, attempt, ""); err != nil {
				return "", err
			}
			d.metrics.ObserveRun(string(run.RunType), string(models.RunSuccess), d.now().Sub(started))
			d.logger.Info("run succeeded",
				"run_id", run.ID, "run_type", run.RunType, "attempt", attempt)
			return models.RunSuccess, nil
		}

		lastErrs = state.Errors
		if state.Fatal {
			// A step panicked: the failure is a code defect, so further
			// attempts would only repeat it.
			attempts = attempt
			d.logger.Error("run failed on a defect, not retrying",
				"run_id", run.ID, "run_type", run.RunType, "attempt", attempt, "errors", state.Errors)
			break
		}
		d.logger.Warn("run attempt failed",
			"run_id", run.ID, "run_type", run.RunType, "attempt", attempt, "errors", state.Errors)
		if attempt < d.cfg.MaxAttempts {
			d.metrics.RecordRetry(string(run.RunType))
			if err := d.sleep(ctx, d.cfg.Backoff); err != nil {
				break
			}
		}
	}

	reason := "attempts exhausted"
	if len(lastErrs) > 0 {
		reason = lastErrs[len(lastErrs)-1]
	}
	if err := d.finishRun(run, models.RunFailed, nil, attempts, reason); err != nil {
		return "", err
	}
	d.metrics.ObserveRun(string(run.RunType), string(models.RunFailed), d.now().Sub(started))
	return models.RunFailed, nil
}

func (d *Dispatcher) markRunning(run *models.Run, started time.Time) error {
	return d.store.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Run{}).
			Where("id = ? AND status = ?", run.ID, models.RunQueued).
			Updates(map[string]any{"status": models.RunRunning, "started_at": started})
		if result.Error != nil {
			return fmt.Errorf("dispatch: mark running: %w", result.Error)
		}
		run.Status = models.RunRunning
		run.StartedAt = &started
		return nil
	})
}

// finishRun records the terminal transition, the run stats, and the
// audit trail entry in one transaction.
func (d *Dispatcher) finishRun(run *models.Run, status models.RunStatus, stats map[string]any, attempts int, reason string) error {
	finished := d.now()
	encoded, cursorOut := encodeStats(stats, attempts, reason)
	return d.store.Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"status":      status,
			"stats":       encoded,
			"cursor_out":  cursorOut,
			"finished_at": finished,
		}
		if err := tx.Model(&models.Run{}).Where("id = ?", run.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("dispatch: finish run: %w", err)
		}
		action := "run.completed"
		if status == models.RunFailed {
			action = "run.failed"
		}
		return d.store.AppendAudit(tx, "dispatcher", action, "run", run.ID.String(), map[string]any{
			"run_type": run.RunType,
			"status":   status,
			"attempts": attempts,
			"reason":   reason,
		})
	})
}

func decodeCursor(raw string) map[string]any {
	cursor := map[string]any{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &cursor)
	}
	return cursor
}

func encodeStats(stats map[string]any, attempts int, reason string) (string, string) {
	merged := map[string]any{"attempts": attempts}
	for k, v := range stats {
		merged[k] = v
	}
	if reason != "" {
		merged["error"] = reason
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		encoded = []byte(fmt.Sprintf(`{"attempts":%d}`, attempts))
	}
	cursorOut := ""
	if len(stats) > 0 {
		if raw, err := json.Marshal(stats); err == nil {
			cursorOut = string(raw)
		}
	}
	return string(encoded), cursorOut
}
