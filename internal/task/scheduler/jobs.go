package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"duewatch/internal/eventbus"
	logx "duewatch/pkg/logx"
)

const skipWarnThrottle = 30 * time.Second

// Add registers job under name. schedule accepts every form ParseSchedule
// does. Registering an existing name replaces its trigger but keeps its
// run state.
func (s *Service) Add(name, schedule string, opt JobOptions, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	tr, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	sched, err := tr.Schedule(s.parser)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rt := &jobRuntime{}
	for i := range s.defs {
		if s.defs[i].name == name {
			rt = s.defs[i].rt
		}
	}
	s.removeLocked(name)
	s.defs = append(s.defs, jobDef{name: name, spec: tr.String(), sched: sched, job: job, opt: opt, rt: rt})
	if s.c != nil && s.cfg.Enabled {
		d := &s.defs[len(s.defs)-1]
		s.addCronLocked(d)
		s.log.Debug("job registered", logx.String("name", name), logx.String("spec", d.spec), logx.Time("next", s.c.Entry(d.entryID).Next))
	}
	return nil
}

// Remove unregisters name. It reports whether something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *jobDef) {
	def := *d
	d.entryID = s.c.Schedule(def.sched, cron.FuncJob(func() {
		s.fire(def, time.Now(), "tick")
	}))
}

// Trigger runs name now (or at the given instant when at is non-zero) and
// waits for it. It returns ErrBusy if the job is already running.
func (s *Service) Trigger(ctx context.Context, name string, at time.Time) error {
	d, ok := s.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if at.IsZero() {
		at = time.Now()
	}
	return s.run(ctx, d, at, "manual")
}

func (s *Service) lookup(name string) (jobDef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name == strings.TrimSpace(name) {
			return d, true
		}
	}
	return jobDef{}, false
}

// fire runs a timer-driven trigger under the service context.
func (s *Service) fire(d jobDef, now time.Time, source string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	_ = s.run(ctx, d, now, source)
}

func (s *Service) run(ctx context.Context, d jobDef, now time.Time, source string) error {
	rt := d.rt
	if !rt.state.CompareAndSwap(int32(Idle), int32(Running)) {
		rt.skipped.Add(1)
		s.reportSkip(d.name, now, source)
		return ErrBusy
	}
	defer rt.state.Store(int32(Idle))

	if d.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opt.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := s.safeRun(ctx, d, now)
	took := time.Since(start)

	rt.runs.Add(1)
	rt.mu.Lock()
	rt.lastRun = start
	rt.lastTook = took
	rt.lastErr = ""
	if err != nil {
		rt.lastErr = err.Error()
	}
	rt.mu.Unlock()

	if err != nil {
		rt.failed.Add(1)
		s.log.Error("job failed", logx.String("job", d.name), logx.String("source", source), logx.Duration("took", took), logx.Err(err))
		return err
	}
	s.log.Debug("job finished", logx.String("job", d.name), logx.String("source", source), logx.Duration("took", took))
	return nil
}

func (s *Service) safeRun(ctx context.Context, d jobDef, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panic: %v", d.name, r)
		}
	}()
	return d.job(ctx, now)
}

func (s *Service) reportSkip(name string, at time.Time, source string) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeSchedulerSkipped, Data: SkipEvent{Job: name, At: at, Source: source}})
	}

	now := time.Now()
	s.skipMu.Lock()
	last := s.lastSkipWarn[name]
	if !last.IsZero() && now.Sub(last) < skipWarnThrottle {
		s.skipMu.Unlock()
		s.log.Debug("trigger skipped; job still running", logx.String("job", name), logx.String("source", source))
		return
	}
	s.lastSkipWarn[name] = now
	s.skipMu.Unlock()

	s.log.Warn("trigger skipped; job still running", logx.String("job", name), logx.String("source", source))
}
