// Package scheduler triggers named jobs on cron specs. A job that is still
// running when its next tick fires is skipped, not stacked.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"calnotify/pkg/logx"
)

var (
	ErrDuplicate = errors.New("job already registered")
	ErrUnknown   = errors.New("unknown job")
	ErrRunning   = errors.New("job is already running")
	ErrStopped   = errors.New("scheduler not started")
)

// Job is one scheduled unit of work. Timeout zero means no per-run limit.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type JobInfo struct {
	Name          string        `json:"name"`
	Spec          string        `json:"spec"`
	Next          time.Time     `json:"next,omitempty"`
	Prev          time.Time     `json:"prev,omitempty"`
	Running       bool          `json:"running"`
	Runs          uint64        `json:"runs"`
	Skipped       uint64        `json:"skipped"`
	Failures      uint64        `json:"failures"`
	LastDuration  time.Duration `json:"last_duration"`
	LastErr       string        `json:"last_err,omitempty"`
	StartupSpread time.Duration `json:"startup_spread,omitempty"`
}

type jobDef struct {
	Job
	sched   cron.Schedule
	spread  time.Duration
	entryID cron.EntryID
	running atomic.Bool

	runs     atomic.Uint64
	skipped  atomic.Uint64
	failures atomic.Uint64

	mu      sync.Mutex
	lastDur time.Duration
	lastErr string
}

type Service struct {
	log    logx.Logger
	parser cron.Parser
	loc    *time.Location

	mu   sync.Mutex
	c    *cron.Cron
	ctx  context.Context
	defs map[string]*jobDef
	wg   sync.WaitGroup
}

// New creates a stopped scheduler that evaluates specs in loc.
func New(parser cron.Parser, loc *time.Location, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{log: log, parser: parser, loc: loc, defs: map[string]*jobDef{}}
}

// Add registers j. Specs are validated here so a bad spec fails at startup.
func (s *Service) Add(j Job) error {
	if strings.TrimSpace(j.Name) == "" || j.Run == nil {
		return errors.New("job needs a name and a run func")
	}
	d := &jobDef{Job: j}
	spec := strings.TrimSpace(j.Spec)
	if every, ok := parseEvery(spec); ok {
		d.sched, d.spread = intervalWithSpread(every, time.Now().In(s.loc), j.Name)
	} else {
		sched, err := s.parser.Parse(spec)
		if err != nil {
			return fmt.Errorf("job %s: spec %q: %w", j.Name, j.Spec, err)
		}
		d.sched = sched
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[j.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, j.Name)
	}
	s.defs[j.Name] = d
	if s.c != nil {
		s.scheduleLocked(d)
	}
	return nil
}

func parseEvery(spec string) (time.Duration, bool) {
	rest, ok := strings.CutPrefix(spec, "@every")
	if !ok {
		return 0, false
	}
	every, err := time.ParseDuration(strings.TrimSpace(rest))
	if err != nil || every <= 0 {
		return 0, false
	}
	return every, true
}

func (s *Service) scheduleLocked(d *jobDef) {
	d.entryID = s.c.Schedule(d.sched, cron.FuncJob(func() {
		if err := s.fire(d); err != nil && !errors.Is(err, ErrStopped) {
			s.log.Debug("job tick skipped", logx.String("job", d.Name), logx.Err(err))
		}
	}))
}

// Start begins triggering. Jobs run under ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.scheduleLocked(d)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

// Stop stops triggering and waits for running jobs, bounded by ctx.
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
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with jobs running", logx.Err(ctx.Err()))
	}
}

// Trigger runs the named job now, outside its schedule.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	d, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	return s.fire(d)
}

func (s *Service) fire(d *jobDef) error {
	s.mu.Lock()
	ctx := s.ctx
	started := s.c != nil
	if started {
		s.wg.Add(1)
	}
	s.mu.Unlock()
	if !started {
		return ErrStopped
	}
	if !d.running.CompareAndSwap(false, true) {
		s.wg.Done()
		d.skipped.Add(1)
		s.log.Warn("job still running, skipping tick", logx.String("job", d.Name))
		return ErrRunning
	}
	go func() {
		defer s.wg.Done()
		defer d.running.Store(false)
		s.run(ctx, d)
	}()
	return nil
}

func (s *Service) run(ctx context.Context, d *jobDef) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	log := s.log.With(logx.String("job", d.Name))
	start := time.Now()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				log.Error("job panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		return d.Run(ctx)
	}()
	took := time.Since(start)

	d.runs.Add(1)
	d.mu.Lock()
	d.lastDur = took
	d.lastErr = ""
	if err != nil {
		d.lastErr = err.Error()
	}
	d.mu.Unlock()

	if err != nil {
		d.failures.Add(1)
		log.Warn("job failed", logx.Err(err), logx.Duration("took", took))
		return
	}
	log.Debug("job finished", logx.Duration("took", took))
}

// Snapshot lists the jobs sorted by name.
func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := JobInfo{
			Name:          d.Name,
			Spec:          d.Spec,
			Running:       d.running.Load(),
			Runs:          d.runs.Load(),
			Skipped:       d.skipped.Load(),
			Failures:      d.failures.Load(),
			StartupSpread: d.spread,
		}
		d.mu.Lock()
		info.LastDuration, info.LastErr = d.lastDur, d.lastErr
		d.mu.Unlock()
		if s.c != nil {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
