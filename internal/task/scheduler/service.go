package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"duewatch/internal/eventbus"
	logx "duewatch/pkg/logx"
)

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		bus: bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:       cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastSkipWarn: map[string]time.Time{},
	}
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Location is the zone cron specs are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}

// Apply swaps in cfg. A timezone or enable change rebuilds the cron
// without waiting for in-flight jobs; Stop still waits for them. Enabling
// a running service fires its RunOnStart jobs.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	wasEnabled := s.cfg.Enabled
	s.cfg = cfg

	if s.c == nil {
		return
	}
	if oldTZ != newTZ || wasEnabled != cfg.Enabled {
		s.restartLocked()
	}
	if !wasEnabled && cfg.Enabled {
		s.runOnStartLocked("enable")
	}
}

// Start begins triggering and fires every RunOnStart job once. Jobs run
// under a context derived from ctx that Stop cancels.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	cur := s.cfg
	s.log.Debug("start requested", logx.Bool("enabled", cur.Enabled), logx.String("tz", strings.TrimSpace(cur.Timezone)))
	if !cur.Enabled {
		s.log.Info("scheduler disabled; only manual triggers will run")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))

	if cur.Enabled {
		for i := range s.defs {
			s.addCronLocked(&s.defs[i])
		}
	}
	s.c.Start()

	if cur.Enabled {
		s.runOnStartLocked("start")
	}
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

// Stop halts triggering, cancels running jobs and waits for them to return
// or for ctx to expire.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		// Done fires once in-flight cron jobs have returned.
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for running jobs")
	}

	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) runOnStartLocked(source string) {
	for _, d := range s.defs {
		if !d.opt.RunOnStart {
			continue
		}
		d := d
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.fire(d, time.Now(), source)
		}()
	}
}

// restartLocked replaces the cron. Jobs of the old one may still be
// running and may be waiting on s.mu, so its drain is tracked by s.wg
// instead of being awaited here.
func (s *Service) restartLocked() {
	if old := s.c; old != nil {
		done := old.Stop().Done()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			<-done
		}()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	if s.cfg.Enabled {
		for i := range s.defs {
			s.addCronLocked(&s.defs[i])
		}
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
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
