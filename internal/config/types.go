package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the worker configuration document. Files are JSON, or YAML
// coerced to JSON, decoded strictly so stale keys are caught on reload.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Queue      QueueConfig      `json:"queue"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Quota      QuotaConfig      `json:"quota"`
	Bulk       BulkConfig       `json:"bulk"`
	Campaign   CampaignConfig   `json:"campaign"`
	Retention  RetentionConfig  `json:"retention"`
	API        APIConfig        `json:"api"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	APIURL string `json:"api_url,omitempty"`
	// RatePerSec is the global Bot API call budget (default 25).
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	Burst       int    `json:"burst,omitempty"`
	PollUpdates bool   `json:"poll_updates"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards error lines to an operator chat.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	ChatID     string `json:"chat_id"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the store driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./promobot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int32  `json:"max_conns,omitempty"`    // postgres
}

// QueueConfig selects the job queue driver: "memory" (default) or "rabbitmq".
type QueueConfig struct {
	Driver          string `json:"driver"`
	URL             string `json:"url,omitempty"`
	Exchange        string `json:"exchange,omitempty"`
	Queue           string `json:"queue,omitempty"`
	Prefetch        int    `json:"prefetch,omitempty"`
	MaxAttempts     int    `json:"max_attempts,omitempty"`
	DelayedExchange bool   `json:"delayed_exchange,omitempty"`
	// JobTimeout bounds one job attempt.
	JobTimeout string `json:"job_timeout,omitempty"`
}

// TaskEngineConfig controls the worker pool jobs run on.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
//   - retry_base: "1s", retry_max_delay: "5m"
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
}

type QuotaConfig struct {
	// Timezone defines the calendar day for daily caps; empty means UTC.
	Timezone string `json:"timezone,omitempty"`
}

type BulkConfig struct {
	// BatchSize is capped at 100.
	BatchSize  int    `json:"batch_size,omitempty"`
	BatchDelay string `json:"batch_delay,omitempty"`
	MaxRange   int    `json:"max_range,omitempty"`
}

type CampaignConfig struct {
	Stagger string `json:"stagger,omitempty"`
	// SweepSchedule ends expired campaigns (cron spec or "every:5m").
	SweepSchedule string `json:"sweep_schedule,omitempty"`
}

type RetentionConfig struct {
	// SentMessages is how long sent-message rows are kept; "0s" keeps them forever.
	SentMessages  string `json:"sent_messages,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}

const (
	DriverMemory   = "memory"
	DriverRabbitMQ = "rabbitmq"
)

// Validate checks values that would otherwise fail late, at first use.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token: required"))
	}
	if c.Telegram.RatePerSec < 0 {
		errs = append(errs, errors.New("telegram.rate_per_sec: must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	switch strings.ToLower(strings.TrimSpace(c.Queue.Driver)) {
	case "", DriverMemory:
	case DriverRabbitMQ:
		if strings.TrimSpace(c.Queue.URL) == "" {
			errs = append(errs, errors.New("queue.url: required for rabbitmq"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.driver: unknown driver %q", c.Queue.Driver))
	}
	if c.Bulk.BatchSize < 0 || c.Bulk.BatchSize > 100 {
		errs = append(errs, fmt.Errorf("bulk.batch_size: %d outside 0..100", c.Bulk.BatchSize))
	}
	if c.Quota.Timezone != "" {
		if _, err := time.LoadLocation(c.Quota.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("quota.timezone: %w", err))
		}
	}
	for path, raw := range map[string]string{
		"telegram.poll_timeout":       c.Telegram.PollTimeout,
		"storage.busy_timeout":        c.Storage.BusyTimeout,
		"queue.job_timeout":           c.Queue.JobTimeout,
		"task_engine.default_timeout": c.TaskEngine.DefaultTimeout,
		"task_engine.retry_base":      c.TaskEngine.RetryBase,
		"task_engine.retry_max_delay": c.TaskEngine.RetryMaxDelay,
		"bulk.batch_delay":            c.Bulk.BatchDelay,
		"campaign.stagger":            c.Campaign.Stagger,
		"retention.sent_messages":     c.Retention.SentMessages,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
