// Package scheduler runs the cron loop and the object-store poller.
// Both loops only POST run requests to the agent API with derived
// idempotency keys; the API side collapses duplicate fires.
package scheduler

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		d.Duration = parsed
		return nil
	}
	// Bare numbers are seconds, matching the interval_seconds key.
	var seconds float64
	if _, err := fmt.Sscanf(raw, "%f", &seconds); err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = time.Duration(seconds * float64(time.Second))
	return nil
}

// Config is the scheduler file format. String scalars support ${VAR}
// environment substitution.
type Config struct {
	AgentBaseURL string                  `yaml:"agent_base_url"`
	APIKey       string                  `yaml:"api_key"`
	Schedules    map[string]ScheduleJob  `yaml:"schedules"`
	Pollers      map[string]PollerConfig `yaml:"pollers"`
}

// ScheduleJob is one cron-driven run submission.
type ScheduleJob struct {
	Cron    string            `yaml:"cron"`
	RunType string            `yaml:"run_type"`
	Payload map[string]string `yaml:"payload"`
	Enabled bool              `yaml:"enabled"`
}

// PollerConfig watches one object-store prefix for dropped files.
type PollerConfig struct {
	Bucket   string   `yaml:"bucket"`
	Prefix   string   `yaml:"prefix"`
	Interval Duration `yaml:"interval_seconds"`
	RunType  string   `yaml:"run_type"`
	Enabled  bool     `yaml:"enabled"`
}

// LoadConfig reads and validates the scheduler configuration file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scheduler: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("scheduler: parse config: %w", err)
	}
	cfg.expandEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnv substitutes ${VAR} in every string scalar.
func (c *Config) expandEnv() {
	c.AgentBaseURL = expand(c.AgentBaseURL)
	c.APIKey = expand(c.APIKey)
	for name, job := range c.Schedules {
		job.Cron = expand(job.Cron)
		job.RunType = expand(job.RunType)
		for key, value := range job.Payload {
			job.Payload[key] = expand(value)
		}
		c.Schedules[name] = job
	}
	for name, poller := range c.Pollers {
		poller.Bucket = expand(poller.Bucket)
		poller.Prefix = expand(poller.Prefix)
		poller.RunType = expand(poller.RunType)
		c.Pollers[name] = poller
	}
}

func expand(value string) string {
	return os.Expand(value, func(name string) string {
		return os.Getenv(name)
	})
}

// Validate checks the loaded configuration for structural problems.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AgentBaseURL) == "" {
		return fmt.Errorf("scheduler: agent_base_url is required")
	}
	for name, job := range c.Schedules {
		if !job.Enabled {
			continue
		}
		if strings.TrimSpace(job.Cron) == "" {
			return fmt.Errorf("scheduler: schedule %q missing cron expression", name)
		}
		if strings.TrimSpace(job.RunType) == "" {
			return fmt.Errorf("scheduler: schedule %q missing run_type", name)
		}
	}
	for name, poller := range c.Pollers {
		if !poller.Enabled {
			continue
		}
		if strings.TrimSpace(poller.Bucket) == "" {
			return fmt.Errorf("scheduler: poller %q missing bucket", name)
		}
		if strings.TrimSpace(poller.RunType) == "" {
			return fmt.Errorf("scheduler: poller %q missing run_type", name)
		}
		if poller.Interval.Duration <= 0 {
			return fmt.Errorf("scheduler: poller %q needs a positive interval", name)
		}
	}
	return nil
}
