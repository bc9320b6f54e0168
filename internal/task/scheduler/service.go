package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "relaybot/pkg/logx"
)

type Config struct {
	Timezone       string        // IANA TZ, e.g. "Asia/Shanghai"
	DefaultTimeout time.Duration // per run; 0 disables
}

// ScheduleInfo describes a registered job.
type ScheduleInfo struct {
	Name     string
	Spec     string
	Timeout  time.Duration
	Next     time.Time
	Prev     time.Time
	Runs     uint64
	Failures uint64
	LastErr  string
}

type job struct {
	name    string
	spec    string
	timeout time.Duration
	fn      func(ctx context.Context) error
	entryID cron.EntryID

	runs     atomic.Uint64
	failures atomic.Uint64
	lastErr  atomic.Value // string
}

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	loc  *time.Location
	c    *cron.Cron
	ctx  context.Context
	jobs map[string]*job
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:  cfg,
		log:  log,
		ctx:  context.Background(),
		jobs: map[string]*job{},
	}
	s.loc = s.loadLocation(cfg.Timezone)
	return s
}

// Location is the timezone schedules are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Add registers job under name. schedule accepts anything ParseSchedule does.
// A zero timeout uses Config.DefaultTimeout.
func (s *Service) Add(name, schedule string, timeout time.Duration, fn func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if fn == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	spec := ps.CronSpec()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	j := &job{name: name, spec: spec, timeout: timeout, fn: fn}
	s.jobs[name] = j
	if s.c != nil {
		if err := s.registerLocked(j); err != nil {
			delete(s.jobs, name)
			return err
		}
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout))
	return nil
}

// Remove unregisters name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	if s.c != nil && j.entryID != 0 {
		s.c.Remove(j.entryID)
	}
	delete(s.jobs, name)
	return true
}

// Start begins triggering. Jobs added before Start are registered now.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, j := range s.jobs {
		if err := s.registerLocked(j); err != nil {
			s.log.Error("schedule register failed", logx.String("name", j.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.jobs)))
	return nil
}

// Stop halts triggering and waits for running jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, j := range s.jobs {
		j.entryID = 0
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

// Apply updates the timezone and default timeout, re-registering jobs when the
// timezone changes.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	tzChanged := strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if tzChanged {
		s.loc = s.loadLocation(cfg.Timezone)
	}
	running, ctx := s.c != nil, s.ctx
	s.mu.Unlock()

	if !tzChanged || !running {
		return
	}
	s.Stop(context.Background())
	_ = s.Start(ctx)
}

// RunNow runs name synchronously, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule %q not found", name)
	}
	return s.run(ctx, j)
}

// Schedules lists registered jobs sorted by name.
func (s *Service) Schedules() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := ScheduleInfo{
			Name:     j.name,
			Spec:     j.spec,
			Timeout:  j.timeout,
			Runs:     j.runs.Load(),
			Failures: j.failures.Load(),
		}
		if v, ok := j.lastErr.Load().(string); ok {
			info.LastErr = v
		}
		if s.c != nil && j.entryID != 0 {
			e := s.c.Entry(j.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Service) registerLocked(j *job) error {
	ctx := s.ctx
	id, err := s.c.AddFunc(j.spec, func() { _ = s.run(ctx, j) })
	if err != nil {
		return err
	}
	j.entryID = id
	return nil
}

func (s *Service) run(ctx context.Context, j *job) (err error) {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		j.runs.Add(1)
		if err != nil {
			j.failures.Add(1)
			j.lastErr.Store(err.Error())
			s.log.Warn("job failed", logx.String("name", j.name), logx.Duration("took", time.Since(start)), logx.Err(err))
			return
		}
		j.lastErr.Store("")
		s.log.Debug("job done", logx.String("name", j.name), logx.Duration("took", time.Since(start)))
	}()
	return j.fn(ctx)
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
