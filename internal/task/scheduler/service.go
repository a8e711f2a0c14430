package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"promobot/internal/task/engine"
	logx "promobot/pkg/logx"
)

type Config struct {
	// Timezone is an IANA name; empty means UTC.
	Timezone string
}

// Enqueuer is the part of engine.Service the scheduler needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type ScheduleInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

type scheduleDef struct {
	name     string
	spec     string
	timeout  time.Duration
	job      func(ctx context.Context) error
	entryID  cron.EntryID
	inflight *atomic.Bool
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	engine Enqueuer
	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef
}

func New(cfg Config, eng Enqueuer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "scheduler")),
		engine: eng,
		// SecondOptional allows both 5- and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers (or replaces, by name) a periodic job. A run that is still
// queued or executing causes the next trigger to be skipped.
func (s *Service) Add(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &scheduleDef{name: name, spec: spec, timeout: timeout, job: job, inflight: &atomic.Bool{}}
	s.defs = append(s.defs, d)
	if s.c != nil {
		return s.registerLocked(d)
	}
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	for i, d := range s.defs {
		if d.name != name {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

func (s *Service) registerLocked(d *scheduleDef) error {
	id, err := s.c.AddFunc(d.spec, func() { s.trigger(d) })
	if err != nil {
		return err
	}
	d.entryID = id
	s.log.Debug("schedule registered", logx.String("name", d.name), logx.String("spec", d.spec))
	return nil
}

func (s *Service) trigger(d *scheduleDef) {
	if !d.inflight.CompareAndSwap(false, true) {
		s.log.Debug("schedule skipped: previous run still active", logx.String("name", d.name))
		return
	}
	err := s.engine.Enqueue(engine.Task{
		Name:    "schedule:" + d.name,
		Timeout: d.timeout,
		Run:     d.job,
		OnDone:  func(error, int) { d.inflight.Store(false) },
	})
	if err != nil {
		d.inflight.Store(false)
		s.log.Warn("schedule enqueue failed", logx.String("name", d.name), logx.Err(err))
	}
}

func (s *Service) Start(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	loc := time.UTC
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid timezone, using UTC", logx.String("tz", tz), logx.Err(err))
		}
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) Schedules() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := ScheduleInfo{Name: d.name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	return out
}
