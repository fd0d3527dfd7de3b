// Package app wires configuration, storage, the dispatch engine and the
// long-running surfaces (scheduler, ops API, event forwarding, hot reload)
// into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"duewatch/internal/alert/telegram"
	"duewatch/internal/config"
	"duewatch/internal/eventbus"
	"duewatch/internal/eventbus/natsbridge"
	"duewatch/internal/opsapi"
	"duewatch/internal/runtime/supervisor"
	"duewatch/internal/task/scheduler"
	logx "duewatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	engine *Engine
	sched  *scheduler.Service
	ops    *opsapi.Server
}

// New loads the config file and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	logs, log, err := NewLogging(cfg)
	if err != nil {
		return nil, err
	}
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	eng, err := BuildEngine(ctx, cfg, bus, log)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	a := &App{cfgm: cfgm, log: log, logs: logs, bus: bus, engine: eng}
	a.sched = scheduler.New(scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}, log, bus)
	if err := a.registerJobs(cfg); err != nil {
		_ = eng.Close(ctx)
		_ = logs.Close()
		return nil, err
	}

	if cfg.Ops.Enabled {
		oc, err := mapOps(cfg)
		if err == nil {
			a.ops, err = opsapi.New(oc, opsapi.Deps{
				Scheduler: a.sched,
				Runs:      eng.Dispatcher,
				Sweeps:    eng.Reconciler,
				Store:     eng.Store,
				Planner:   func() opsapi.Planner { return eng.Planner() },
			}, log)
		}
		if err != nil {
			_ = eng.Close(ctx)
			_ = logs.Close()
			return nil, err
		}
	}
	return a, nil
}

// NewLogging builds the logging service with the Telegram alert sender
// when telegram is configured.
func NewLogging(cfg *config.Config) (*logx.Service, logx.Logger, error) {
	var sender logx.AlertSender
	if strings.TrimSpace(cfg.Telegram.Token) != "" && strings.TrimSpace(cfg.Telegram.ChatID) != "" {
		timeout, err := config.ParseDurationField("telegram.timeout", cfg.Telegram.Timeout)
		if err != nil {
			return nil, logx.Logger{}, err
		}
		tg, err := telegram.New(telegram.Config{
			Token:    cfg.Telegram.Token,
			ChatID:   cfg.Telegram.ChatID,
			ThreadID: cfg.Telegram.ThreadID,
			Timeout:  timeout,
		})
		if err != nil {
			return nil, logx.Logger{}, err
		}
		sender = tg
	}
	logs, log := logx.New(mapLogging(cfg), sender)
	return logs, log, nil
}

func (a *App) registerJobs(cfg *config.Config) error {
	s, err := mapSchedules(cfg)
	if err != nil {
		return err
	}
	dispatchJob := func(ctx context.Context, now time.Time) error {
		_, err := a.engine.Dispatcher.RunOnce(ctx, now)
		return err
	}
	sweepJob := func(ctx context.Context, now time.Time) error {
		_, err := a.engine.Reconciler.Sweep(ctx, now)
		return err
	}
	opt := scheduler.JobOptions{Timeout: s.runTimeout, RunOnStart: true}
	if err := a.sched.Add(opsapi.JobDispatch, s.dispatch, opt, dispatchJob); err != nil {
		return fmt.Errorf("scheduler.dispatch_schedule: %w", err)
	}
	if err := a.sched.Add(opsapi.JobSweep, s.sweep, opt, sweepJob); err != nil {
		return fmt.Errorf("scheduler.sweep_schedule: %w", err)
	}
	return nil
}

func (a *App) Engine() *Engine { return a.engine }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return checkReload(cfg) })

	cfg := a.cfgm.Get()
	if cfg.Events.NATS.Enabled {
		nc := mapNATS(cfg)
		conn, err := natsbridge.Connect(nc, a.log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		fwd := natsbridge.NewForwarder(conn, nc, a.log)
		a.sup.Go("events.nats", func(c context.Context) error {
			defer conn.Close()
			return fwd.Run(c, a.bus)
		})
	}

	if a.ops != nil {
		a.sup.Go("ops.http", a.ops.Run)
	}

	a.sup.Go0("events.log", func(c context.Context) {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, time.Minute))

	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	} else {
		a.log.Warn("scheduler disabled; runs only happen on manual trigger")
	}
	a.log.Info("started", logx.String("version", Version))
	return nil
}

// checkReload rejects configs whose hot-reloadable parts do not compile.
func checkReload(cfg *config.Config) error {
	var errs []error
	if _, err := buildCalculator(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := buildPlanner(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapDispatch(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapSchedules(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapRenewals(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Keep only the newest of a burst.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			a.apply(ctx, last, cfg)
			last = cfg
		}
	}
}

func (a *App) apply(ctx context.Context, prev, cfg *config.Config) {
	ch := config.SummarizeChange(prev, cfg)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(ch.Restart, ",")))
	}
	if ch.Has("logging") {
		a.logs.Apply(mapLogging(cfg))
	}
	if ch.Has("rules") || ch.Has("calendars") || ch.Has("dispatch") || ch.Has("scheduler") || ch.Has("renewals") {
		if err := a.engine.Reload(cfg); err != nil {
			a.log.Warn("engine reload failed; keeping previous", logx.Err(err))
		}
	}
	if ch.Has("scheduler") {
		if err := a.registerJobs(cfg); err != nil {
			a.log.Warn("schedule reload failed; keeping previous", logx.Err(err))
		}
		a.sched.Apply(scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone})
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: ch.Sections})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return errors.Join(a.engine.Close(ctx), a.logs.Close())
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		c, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		start := time.Now()
		if err := fn(c); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}
	step("scheduler", 30*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("engine", 5*time.Second, a.engine.Close)

	a.log.Info("stopped")
	return a.logs.Close()
}
