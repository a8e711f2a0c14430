// Package app wires the delivery worker together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"promobot/internal/api"
	"promobot/internal/bulk"
	"promobot/internal/campaign"
	"promobot/internal/config"
	"promobot/internal/delivery"
	"promobot/internal/eventbus"
	"promobot/internal/jobs"
	"promobot/internal/platform"
	"promobot/internal/platform/telegram"
	"promobot/internal/queue"
	"promobot/internal/queue/memory"
	"promobot/internal/queue/rabbitmq"
	"promobot/internal/quota"
	"promobot/internal/rotation"
	rtsup "promobot/internal/runtime/supervisor"
	"promobot/internal/storage"
	"promobot/internal/task/engine"
	"promobot/internal/task/scheduler"
	logx "promobot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tg       *telegram.Client
	engine   *engine.Service
	queue    queue.Queue
	bulk     *bulk.Engine
	dispatch *jobs.Dispatcher
	orch     *campaign.Orchestrator
	rotation *rotation.Selector
	sched    *scheduler.Service
	members  *membershipListener
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(checkConfig)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	// Error alerts go through the same rate-limited client as deliveries.
	var tg *telegram.Client
	logSvc, log := logx.New(mapLogConfig(cfg), func(ctx context.Context, chatID, text string) error {
		if tg == nil {
			return errors.New("telegram client not ready")
		}
		_, err := tg.SendMessage(ctx, chatID, text, platform.SendOptions{DisablePreview: true})
		return err
	})
	tg, err = telegram.New(tgCfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", orDefault(sc.Driver, "memory")))

	a, err := build(cfg, log, bus, store, tg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	return a, nil
}

// build assembles the pipeline around an opened store and platform client.
func build(cfg *config.Config, log logx.Logger, bus eventbus.Bus, store storage.Store, tg *telegram.Client) (*App, error) {
	q := quota.New(quota.WithLocation(loadLocation(cfg.Quota.Timezone)))
	exec := delivery.NewExecutor(tg, store, q, bus, log)

	bc, err := mapBulkConfig(cfg)
	if err != nil {
		return nil, err
	}
	bulkEng := bulk.New(tg, bc, log, bulk.WithTracker(exec), bulk.WithBus(bus))
	disp := jobs.NewDispatcher(exec, bulkEng, tg, store, log)

	engCfg, retry, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)

	jobTimeout, err := config.ParseDurationField("queue.job_timeout", cfg.Queue.JobTimeout)
	if err != nil {
		return nil, err
	}
	var jq queue.Queue
	switch strings.ToLower(strings.TrimSpace(cfg.Queue.Driver)) {
	case config.DriverRabbitMQ:
		jq = rabbitmq.New(mapRabbitMQConfig(cfg, retry, jobTimeout), eng, log, rabbitmq.WithBus(bus))
	default:
		jq = memory.New(eng, log, memory.WithBus(bus), memory.WithTaskOptions(retry), memory.WithTimeout(jobTimeout))
	}

	stagger, err := config.ParseDurationOrDefault("campaign.stagger", cfg.Campaign.Stagger, campaign.DefaultStagger)
	if err != nil {
		return nil, err
	}
	sel := rotation.New(store)
	orch := campaign.New(store, sel, q, jq, log, campaign.WithStagger(stagger), campaign.WithBus(bus))

	a := &App{
		log:      log.With(logx.String("comp", "app")),
		bus:      bus,
		store:    store,
		tg:       tg,
		engine:   eng,
		queue:    jq,
		bulk:     bulkEng,
		dispatch: disp,
		orch:     orch,
		rotation: sel,
		sched:    scheduler.New(scheduler.Config{Timezone: cfg.Quota.Timezone}, eng, log),
		members: &membershipListener{
			store:    store,
			producer: jq,
			bus:      bus,
			log:      log.With(logx.String("comp", "membership")),
		},
	}
	if err := a.registerSchedules(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) registerSchedules(cfg *config.Config) error {
	err := a.sched.Add("campaign.expire", orDefault(cfg.Campaign.SweepSchedule, defaultSweepSchedule), 30*time.Second,
		func(ctx context.Context) error {
			n, err := a.orch.ExpireCampaigns(ctx)
			if n > 0 {
				a.log.Info("expired campaigns ended", logx.Int("count", n))
			}
			return err
		})
	if err != nil {
		return fmt.Errorf("campaign.sweep_schedule: %w", err)
	}

	keep, err := config.ParseDurationField("retention.sent_messages", cfg.Retention.SentMessages)
	if err != nil {
		return err
	}
	switch {
	case strings.TrimSpace(cfg.Retention.SentMessages) == "":
		keep = defaultRetention
	case keep == 0:
		a.log.Info("sent message pruning disabled")
		return nil
	}
	err = a.sched.Add("sent_messages.prune", orDefault(cfg.Retention.PruneSchedule, defaultPruneSchedule), time.Minute,
		func(ctx context.Context) error {
			n, err := a.store.PruneSentMessages(ctx, time.Now().Add(-keep))
			if n > 0 {
				a.log.Info("sent messages pruned", logx.Int64("count", n), logx.Duration("older_than", keep))
			}
			return err
		})
	if err != nil {
		return fmt.Errorf("retention.prune_schedule: %w", err)
	}
	return nil
}

func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	cfg := a.cfgm.Get()
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if rq, ok := a.queue.(*rabbitmq.Queue); ok {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := rq.Connect(cctx)
		cancel()
		if err != nil {
			return err
		}
	}

	a.engine.Start(a.sup.Context())

	// A lost broker connection ends Run with an error; reconnect with backoff.
	a.sup.GoRestart("queue.consume", func(c context.Context) error {
		return a.queue.Run(c, a.dispatch.Handle)
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	a.tg.OnMembership = func(ch platform.MembershipChange) { a.members.handle(a.sup.Context(), ch) }
	if err := a.tg.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sched.Start(a.sup.Context())

	if cfg.API.Enabled {
		h := api.NewHandler(api.Deps{Campaigns: a.orch, Rotation: a.rotation, Engine: a.engine, Queue: a.queue}, a.log)
		router := h.Router(cfg.API.Pprof)
		a.sup.Go("api.http", func(c context.Context) error {
			return api.Serve(c, cfg.API.Addr, router, a.log.With(logx.String("comp", "api")))
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("worker started",
		logx.String("queue", orDefault(cfg.Queue.Driver, config.DriverMemory)),
		logx.Bool("poll_updates", cfg.Telegram.PollUpdates),
		logx.Bool("api", cfg.API.Enabled),
	)
	return nil
}

// applyConfig applies the settings that can change live and flags the rest.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	r := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(r.Changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if a.logs != nil {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	a.tg.SetRate(newCfg.Telegram.RatePerSec, newCfg.Telegram.Burst)
	if bc, err := mapBulkConfig(newCfg); err != nil {
		a.log.Warn("invalid bulk config; keeping previous", logx.Err(err))
	} else {
		a.bulk.SetBatchDelay(bc.BatchDelay)
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(r.Changed, ","))}, r.Attrs...)
	a.log.Info("config reloaded", fields...)
	if r.Restart {
		a.log.Warn("some changes need a restart to take effect", logx.String("changed", strings.Join(r.Changed, ",")))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			return
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("telegram", 2*time.Second, a.tg.Stop)
	step("scheduler", time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("queue", time.Second, func(context.Context) error { return a.queue.Close() })
	step("engine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
