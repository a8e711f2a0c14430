package config

import (
	"strings"

	logx "promobot/pkg/logx"
)

// Reload classifies what a config change needs.
type Reload struct {
	// Changed lists the sections that differ.
	Changed []string
	// Attrs are safe structured fields for logging; secrets are reported as *_set flags.
	Attrs []logx.Field
	// Restart is set when a changed section only takes effect after a restart.
	Restart bool
}

// SummarizeConfigChange compares two configs. telegram.rate_per_sec,
// telegram.burst, bulk.batch_delay and logging apply live; everything else
// needs a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) Reload {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var r Reload
	mark := func(section string, restart bool, attrs ...logx.Field) {
		r.Changed = append(r.Changed, section)
		r.Attrs = append(r.Attrs, attrs...)
		r.Restart = r.Restart || restart
	}
	trim := strings.TrimSpace

	// Telegram (never log token)
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.RatePerSec != nt.RatePerSec || ot.Burst != nt.Burst {
		mark("telegram.rate", false,
			logx.Int("telegram.rate_per_sec", nt.RatePerSec),
			logx.Int("telegram.burst", nt.Burst),
		)
	}
	if trim(ot.Token) != trim(nt.Token) || trim(ot.APIURL) != trim(nt.APIURL) ||
		ot.PollUpdates != nt.PollUpdates || trim(ot.PollTimeout) != trim(nt.PollTimeout) {
		mark("telegram", true,
			logx.Bool("telegram.token_changed", trim(ot.Token) != trim(nt.Token)),
			logx.Bool("telegram.poll_updates", nt.PollUpdates),
			logx.String("telegram.poll_timeout", trim(nt.PollTimeout)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage", true,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", trim(newCfg.Storage.DSN) != ""),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		mark("queue", true,
			logx.String("queue.driver", newCfg.Queue.Driver),
			logx.Bool("queue.url_set", trim(newCfg.Queue.URL) != ""),
			logx.Int("queue.prefetch", newCfg.Queue.Prefetch),
			logx.Int("queue.max_attempts", newCfg.Queue.MaxAttempts),
		)
	}

	if oldCfg.TaskEngine != newCfg.TaskEngine {
		nTE := newCfg.TaskEngine
		mark("task_engine", true,
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", trim(nTE.DefaultTimeout)),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	if oldCfg.Quota != newCfg.Quota {
		mark("quota", true, logx.String("quota.timezone", newCfg.Quota.Timezone))
	}

	ob, nb := oldCfg.Bulk, newCfg.Bulk
	if trim(ob.BatchDelay) != trim(nb.BatchDelay) {
		mark("bulk.batch_delay", false, logx.String("bulk.batch_delay", trim(nb.BatchDelay)))
	}
	if ob.BatchSize != nb.BatchSize || ob.MaxRange != nb.MaxRange {
		mark("bulk", true,
			logx.Int("bulk.batch_size", nb.BatchSize),
			logx.Int("bulk.max_range", nb.MaxRange),
		)
	}

	if oldCfg.Campaign != newCfg.Campaign {
		mark("campaign", true,
			logx.String("campaign.stagger", trim(newCfg.Campaign.Stagger)),
			logx.String("campaign.sweep_schedule", trim(newCfg.Campaign.SweepSchedule)),
		)
	}
	if oldCfg.Retention != newCfg.Retention {
		mark("retention", true,
			logx.String("retention.sent_messages", trim(newCfg.Retention.SentMessages)),
			logx.String("retention.prune_schedule", trim(newCfg.Retention.PruneSchedule)),
		)
	}
	if oldCfg.API != newCfg.API {
		mark("api", true,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", trim(newCfg.API.Addr)),
			logx.Bool("api.pprof", newCfg.API.Pprof),
		)
	}
	return r
}
