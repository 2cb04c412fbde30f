// Package maintenance runs the periodic account chores: the daily draw
// counter reset and the vendor /info refresh.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"mjrelay/pkg/logx"
)

const (
	TaskDailyReset  = "daily-reset"
	TaskInfoRefresh = "info-refresh"
)

type Config struct {
	Enabled  bool
	Timezone string
	// DailyReset and InfoRefresh are cron specs; an empty spec disables the
	// task.
	DailyReset  string
	InfoRefresh string
	// TaskTimeout bounds one run over every account.
	TaskTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 2 * time.Minute
	}
	return c
}

// Target is an account instance.
type Target interface {
	ID() string
	IsAlive() bool
	ResetDailyCount(ctx context.Context)
	RefreshInfo(ctx context.Context) error
	RefreshSettings(ctx context.Context) error
}

// specParser accepts both 5- and 6-field specs.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Service struct {
	log     logx.Logger
	targets func() []Target
	parser  cron.Parser

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
	ctx context.Context

	busy map[string]*atomic.Bool
}

func New(cfg Config, targets func() []Target, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	busy := map[string]*atomic.Bool{
		TaskDailyReset:  {},
		TaskInfoRefresh: {},
	}
	return &Service{
		log:     log.With(logx.String("comp", "maintenance")),
		targets: targets,
		parser:  specParser,
		cfg:     cfg.withDefaults(),
		busy:    busy,
	}
}

// Start begins triggering. Runs stop when ctx ends.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc := s.location()
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	specs := []struct{ task, spec string }{
		{TaskDailyReset, s.cfg.DailyReset},
		{TaskInfoRefresh, s.cfg.InfoRefresh},
	}
	var errs []error
	for _, sp := range specs {
		if err := s.schedule(c, sp.task, sp.spec, loc); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.c = c
	c.Start()
	s.log.Info("maintenance started", logx.String("tz", loc.String()), logx.Int("schedules", len(c.Entries())))
	return nil
}

func (s *Service) schedule(c *cron.Cron, task, spec string, loc *time.Location) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	job := cron.FuncJob(func() {
		if err := s.RunNow(s.ctx, task); err != nil {
			s.log.Warn("maintenance run failed", logx.String("task", task), logx.Err(err))
		}
	})
	if rest, ok := strings.CutPrefix(spec, "@every"); ok {
		if every, err := time.ParseDuration(strings.TrimSpace(rest)); err == nil && every > 0 {
			c.Schedule(intervalWithSpread(every, time.Now().In(loc)), job)
			return nil
		}
	}
	if _, err := c.AddJob(spec, job); err != nil {
		return fmt.Errorf("maintenance: %s spec %q: %w", task, spec, err)
	}
	return nil
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Apply swaps the configuration, rescheduling a running service.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	old := s.c
	s.c = nil
	s.mu.Unlock()
	if old == nil {
		return nil
	}
	<-old.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

// Stop stops triggering and waits for running tasks until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// RunNow runs task over every target. A run of the same task still in
// progress makes it return immediately.
func (s *Service) RunNow(ctx context.Context, task string) error {
	busy, ok := s.busy[task]
	if !ok {
		return fmt.Errorf("maintenance: unknown task %q", task)
	}
	if !busy.CompareAndSwap(false, true) {
		s.log.Debug("maintenance run skipped; previous run active", logx.String("task", task))
		return nil
	}
	defer busy.Store(false)

	s.mu.Lock()
	timeout := s.cfg.TaskTimeout
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var (
		errs []error
		n    int
	)
	for _, t := range s.targets() {
		switch task {
		case TaskDailyReset:
			t.ResetDailyCount(ctx)
			n++
		case TaskInfoRefresh:
			if !t.IsAlive() {
				continue
			}
			if err := t.RefreshInfo(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", t.ID(), err))
				continue
			}
			if err := t.RefreshSettings(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: settings: %w", t.ID(), err))
				continue
			}
			n++
		}
	}
	s.log.Info("maintenance run", logx.String("task", task), logx.Int("accounts", n), logx.Duration("took", time.Since(start)))
	return errors.Join(errs...)
}
