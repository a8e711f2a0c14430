package app

import (
	"context"
	"strings"
	"time"

	"promobot/internal/bulk"
	"promobot/internal/config"
	"promobot/internal/platform/telegram"
	"promobot/internal/queue/rabbitmq"
	"promobot/internal/storage"
	"promobot/internal/task/engine"
	logx "promobot/pkg/logx"
)

const (
	defaultSweepSchedule = "every:1m"
	defaultPruneSchedule = "0 4 * * *"
	defaultRetention     = 30 * 24 * time.Hour
)

// checkConfig rejects configs whose sections cannot be mapped onto the
// components, so a bad reload never reaches applyConfig.
func checkConfig(_ context.Context, cfg *config.Config) error {
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBulkConfig(cfg); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("queue.job_timeout", cfg.Queue.JobTimeout); err != nil {
		return err
	}
	_, err := config.ParseDurationField("retention.sent_messages", cfg.Retention.SentMessages)
	return err
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			ChatID:     strings.TrimSpace(cfg.Logging.Alerts.ChatID),
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, telegram.DefaultPollTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		APIURL:      strings.TrimSpace(cfg.Telegram.APIURL),
		RatePerSec:  cfg.Telegram.RatePerSec,
		Burst:       cfg.Telegram.Burst,
		PollUpdates: cfg.Telegram.PollUpdates,
		PollTimeout: poll,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, engine.TaskOptions, error) {
	te := cfg.TaskEngine
	workers := te.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := te.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	historySize := te.HistorySize
	if historySize <= 0 {
		historySize = 200
	}
	retryMax := te.RetryMax
	if retryMax <= 0 {
		retryMax = 3
	}
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, engine.TaskOptions{}, err
	}
	base, err := config.ParseDurationOrDefault("task_engine.retry_base", te.RetryBase, time.Second)
	if err != nil {
		return engine.Config{}, engine.TaskOptions{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("task_engine.retry_max_delay", te.RetryMaxDelay, 5*time.Minute)
	if err != nil {
		return engine.Config{}, engine.TaskOptions{}, err
	}
	ec := engine.Config{
		Enabled:        true,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		HistorySize:    historySize,
		RetryMax:       retryMax,
	}
	return ec, engine.TaskOptions{RetryMax: retryMax, RetryBase: base, RetryMaxDelay: maxDelay, RetryJitter: 0.2}, nil
}

func mapRabbitMQConfig(cfg *config.Config, retry engine.TaskOptions, timeout time.Duration) rabbitmq.Config {
	qc := cfg.Queue
	return rabbitmq.Config{
		URL:             strings.TrimSpace(qc.URL),
		Exchange:        strings.TrimSpace(qc.Exchange),
		Queue:           strings.TrimSpace(qc.Queue),
		Prefetch:        qc.Prefetch,
		MaxAttempts:     qc.MaxAttempts,
		DelayedExchange: qc.DelayedExchange,
		Retry:           retry,
		Timeout:         timeout,
	}
}

func mapBulkConfig(cfg *config.Config) (bulk.Config, error) {
	delay, err := config.ParseDurationOrDefault("bulk.batch_delay", cfg.Bulk.BatchDelay, bulk.DefaultBatchDelay)
	if err != nil {
		return bulk.Config{}, err
	}
	return bulk.Config{BatchSize: cfg.Bulk.BatchSize, BatchDelay: delay, MaxRange: cfg.Bulk.MaxRange}, nil
}

func loadLocation(tz string) *time.Location {
	if tz = strings.TrimSpace(tz); tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}
