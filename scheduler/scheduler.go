package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"acctagent/models"
	"acctagent/objstore"
)

// Scheduler owns the cron loop and the object-store pollers. Stop is
// cooperative: loops finish their current iteration before exiting.
type Scheduler struct {
	cfg     *Config
	client  *AgentClient
	objects objstore.Store
	logger  *slog.Logger
	now     func() time.Time

	cron *cron.Cron
	seen map[string]map[string]bool
	mu   sync.Mutex
	wg   sync.WaitGroup
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithClock overrides the timestamp source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds a scheduler from the loaded configuration.
func New(cfg *Config, client *AgentClient, objects objstore.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:     cfg,
		client:  client,
		objects: objects,
		logger:  slog.Default(),
		now:     time.Now,
		seen:    map[string]map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers cron jobs and launches one goroutine per enabled
// poller. It returns after registration; Stop blocks until loops exit.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()
	names := make([]string, 0, len(s.cfg.Schedules))
	for name := range s.cfg.Schedules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		job := s.cfg.Schedules[name]
		if !job.Enabled {
			continue
		}
		jobName := name
		jobSpec := job
		if _, err := s.cron.AddFunc(job.Cron, func() { s.fire(ctx, jobName, jobSpec) }); err != nil {
			return fmt.Errorf("scheduler: register %q: %w", name, err)
		}
	}
	s.cron.Start()

	for name, poller := range s.cfg.Pollers {
		if !poller.Enabled {
			continue
		}
		s.wg.Add(1)
		go s.poll(ctx, name, poller)
	}
	return nil
}

// Stop halts the cron loop and waits for pollers to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
}

// fire submits one scheduled run. The idempotency key folds in the
// month so duplicate fires inside one month collapse server-side.
func (s *Scheduler) fire(ctx context.Context, name string, job ScheduleJob) {
	now := s.now()
	payload := s.renderPayload(job.Payload, now)
	key := scheduleKey(name, job, payload, now)
	resp, err := s.client.SubmitRun(ctx, RunRequest{
		RunType:     job.RunType,
		TriggerType: models.TriggerSchedule,
		Payload:     payload,
	}, key)
	if err != nil {
		s.logger.Error("scheduled run submission failed", "job", name, "error", err)
		return
	}
	s.logger.Info("scheduled run submitted",
		"job", name, "run_type", job.RunType, "run_id", resp.RunID, "status", resp.Status)
}

// renderPayload expands the template placeholders the schedule file may
// use: "updated_after_hours:N", "period: prev_month|this_month", and
// "as_of: today". Unknown values pass through untouched.
func (s *Scheduler) renderPayload(template map[string]string, now time.Time) map[string]any {
	payload := make(map[string]any, len(template))
	for key, value := range template {
		switch {
		case strings.HasPrefix(value, "updated_after_hours:"):
			hours, err := strconv.Atoi(strings.TrimPrefix(value, "updated_after_hours:"))
			if err != nil {
				payload[key] = value
				continue
			}
			payload[key] = now.Add(-time.Duration(hours) * time.Hour).UTC().Format(time.RFC3339)
		case value == "prev_month":
			payload[key] = now.AddDate(0, -1, -now.Day()+1).Format("2006-01")
		case value == "this_month":
			payload[key] = now.Format("2006-01")
		case value == "today":
			payload[key] = now.Format("2006-01-02")
		default:
			payload[key] = value
		}
	}
	return payload
}

func scheduleKey(name string, job ScheduleJob, payload map[string]any, now time.Time) string {
	encoded, _ := json.Marshal(payload)
	sum := sha256.Sum256([]byte(strings.Join([]string{
		"schedule", name, job.RunType, string(encoded), now.Format("2006-01"),
	}, "|")))
	return hex.EncodeToString(sum[:])
}

// poll watches one object-store prefix and submits an ingest run per
// unseen key. The seen set is in-memory only; restarts re-emit keys and
// the API's idempotency handling absorbs them.
func (s *Scheduler) poll(ctx context.Context, name string, poller PollerConfig) {
	defer s.wg.Done()
	ticker := time.NewTicker(poller.Interval.Duration)
	defer ticker.Stop()
	for {
		s.pollOnce(ctx, name, poller)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) pollOnce(ctx context.Context, name string, poller PollerConfig) {
	keys, err := s.objects.List(ctx, poller.Bucket, poller.Prefix)
	if err != nil {
		s.logger.Error("poller listing failed", "poller", name, "error", err)
		return
	}
	for _, key := range keys {
		if ctx.Err() != nil {
			return
		}
		if s.markSeen(name, key) {
			continue
		}
		fileURI := poller.Bucket + "/" + key
		resp, err := s.client.SubmitRun(ctx, RunRequest{
			RunType:     poller.RunType,
			TriggerType: models.TriggerEvent,
			Payload:     map[string]any{"drop_uri": fileURI},
		}, pollerKey(poller.RunType, poller.Bucket, key))
		if err != nil {
			s.logger.Error("poller run submission failed", "poller", name, "key", key, "error", err)
			s.unmarkSeen(name, key)
			continue
		}
		s.logger.Info("poller run submitted",
			"poller", name, "key", key, "run_id", resp.RunID, "status", resp.Status)
	}
}

// markSeen records the key and reports whether it was already known.
func (s *Scheduler) markSeen(poller, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.seen[poller]
	if !ok {
		bucket = map[string]bool{}
		s.seen[poller] = bucket
	}
	if bucket[key] {
		return true
	}
	bucket[key] = true
	return false
}

func (s *Scheduler) unmarkSeen(poller, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok := s.seen[poller]; ok {
		delete(bucket, key)
	}
}

func pollerKey(runType, bucket, key string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{runType, bucket, key}, "|")))
	return hex.EncodeToString(sum[:])
}
