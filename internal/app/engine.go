package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"duewatch/internal/channel"
	"duewatch/internal/channel/console"
	"duewatch/internal/channel/email"
	"duewatch/internal/channel/whatsapp"
	"duewatch/internal/config"
	"duewatch/internal/dispatch"
	"duewatch/internal/domain"
	"duewatch/internal/duedate"
	"duewatch/internal/entitlement"
	"duewatch/internal/eventbus"
	"duewatch/internal/ledger"
	"duewatch/internal/observability/metrics"
	"duewatch/internal/occasion"
	"duewatch/internal/reconcile"
	"duewatch/internal/storage"
	logx "duewatch/pkg/logx"
)

// Version is stamped at build time.
var Version = "dev"

// Engine is the dispatch core without the long-running surfaces: it is
// what `run-once` and `sweep` use, and what App schedules.
type Engine struct {
	Store      storage.Store
	Ledger     ledger.Ledger
	Senders    *channel.Registry
	Dispatcher *dispatch.Dispatcher
	Reconciler *reconcile.Reconciler
	Renewals   *reconcile.Renewals
	Metrics    *metrics.Provider
	Bus        eventbus.Bus

	calc    calcHolder
	planner atomic.Pointer[occasion.Planner]
	redis   *redis.Client
	log     logx.Logger
}

// calcHolder lets rule reloads swap the calculator under a running dispatcher.
type calcHolder struct {
	p atomic.Pointer[duedate.Calculator]
}

func (h *calcHolder) Next(kind domain.Kind, anchor time.Time, rec domain.Recurrence, asOf time.Time) (time.Time, error) {
	return h.p.Load().Next(kind, anchor, rec, asOf)
}

// BuildEngine opens storage and wires every component from cfg. On error,
// whatever was opened is closed.
func BuildEngine(ctx context.Context, cfg *config.Config, bus eventbus.Bus, log logx.Logger) (_ *Engine, err error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	e := &Engine{Bus: bus, log: log}
	defer func() {
		if err != nil {
			_ = e.Close(context.WithoutCancel(ctx))
		}
	}()

	calc, err := buildCalculator(cfg)
	if err != nil {
		return nil, err
	}
	e.calc.p.Store(calc)
	planner, err := buildPlanner(cfg)
	if err != nil {
		return nil, err
	}
	e.planner.Store(planner)

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	e.Store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", driverName(sc.Driver)))

	if e.Ledger, err = e.buildLedger(cfg); err != nil {
		return nil, err
	}
	if e.Senders, err = buildSenders(cfg, log); err != nil {
		return nil, err
	}

	mc, err := mapMetrics(cfg)
	if err != nil {
		return nil, err
	}
	if e.Metrics, err = metrics.New(ctx, mc, log); err != nil {
		return nil, err
	}

	dc, err := mapDispatch(cfg)
	if err != nil {
		return nil, err
	}
	e.Dispatcher, err = dispatch.New(dc, dispatch.Deps{
		Obligations: e.Store,
		Contacts:    e.Store,
		Calculator:  &e.calc,
		Planner:     planner,
		Gate:        entitlement.NewGate(e.Store),
		Ledger:      e.Ledger,
		Senders:     e.Senders,
		Bus:         bus,
		Metrics:     e.Metrics,
	}, log)
	if err != nil {
		return nil, err
	}

	opTimeout, err := config.ParseDurationField("storage.op_timeout", cfg.Storage.OpTimeout)
	if err != nil {
		return nil, err
	}
	e.Reconciler = reconcile.New(reconcile.Config{PageSize: cfg.Dispatch.PageSize, OpTimeout: opTimeout},
		e.Store, e.Store, bus, e.Metrics, log)

	rc, err := mapRenewals(cfg)
	if err != nil {
		return nil, err
	}
	e.Renewals = reconcile.NewRenewals(rc, e.Store, e.Store, e.Ledger, e.Senders, bus, log)
	e.Reconciler.AttachRenewals(e.Renewals)
	return e, nil
}

func driverName(d string) string {
	if d == "" {
		return "sqlite"
	}
	return d
}

func (e *Engine) buildLedger(cfg *config.Config) (ledger.Ledger, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Ledger.Driver)) {
	case "", "store":
		return ledger.NewStoreLedger(e.Store), nil
	case "redis":
		rc, err := mapRedis(cfg)
		if err != nil {
			return nil, err
		}
		e.redis = ledger.NewRedisClient(rc)
		e.log.Info("claims in redis", logx.String("addr", rc.Addr))
		return ledger.NewRedisLedger(e.redis, e.Store, rc, e.log), nil
	default:
		return nil, fmt.Errorf("ledger.driver: unknown driver %q", cfg.Ledger.Driver)
	}
}

// buildSenders registers one sender per enabled channel. Dry-run channels
// log instead of delivering.
func buildSenders(cfg *config.Config, log logx.Logger) (*channel.Registry, error) {
	reg := channel.NewRegistry()
	var d config.Durations

	if ec := cfg.Channels.Email; ec.Enabled {
		if ec.DryRun {
			reg.Register(console.New(domain.ChannelEmail, log))
		} else {
			s, err := email.New(email.Config{
				Host: ec.Host, Port: ec.Port, Username: ec.Username, Password: ec.Password,
				From: ec.From, StartTLS: ec.StartTLS,
				Timeout: d.Get("channels.email.timeout", ec.Timeout, 0),
			})
			if err != nil {
				return nil, err
			}
			reg.Register(s)
		}
	}
	if wc := cfg.Channels.WhatsApp; wc.Enabled {
		if wc.DryRun {
			reg.Register(console.New(domain.ChannelWhatsApp, log))
		} else {
			s, err := whatsapp.New(whatsapp.Config{
				APIBase: wc.APIBase, PhoneNumberID: wc.PhoneNumberID, Token: wc.Token,
				Timeout: d.Get("channels.whatsapp.timeout", wc.Timeout, 0),
			})
			if err != nil {
				return nil, err
			}
			reg.Register(s)
		}
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	if len(reg.Channels()) == 0 {
		log.Warn("no delivery channel enabled; occasions will be recorded as no_channels")
	}
	return reg, nil
}

// Planner returns the active occasion planner.
func (e *Engine) Planner() *occasion.Planner { return e.planner.Load() }

// Calculator returns the active due-date calculator.
func (e *Engine) Calculator() *duedate.Calculator { return e.calc.p.Load() }

// Reload swaps rules, calendars and dispatcher tunables. Nothing is
// changed when any of them is invalid.
func (e *Engine) Reload(cfg *config.Config) error {
	calc, err := buildCalculator(cfg)
	if err != nil {
		return err
	}
	planner, err := buildPlanner(cfg)
	if err != nil {
		return err
	}
	dc, err := mapDispatch(cfg)
	if err != nil {
		return err
	}
	rc, err := mapRenewals(cfg)
	if err != nil {
		return err
	}
	e.calc.p.Store(calc)
	e.planner.Store(planner)
	e.Dispatcher.SetPlanner(planner)
	e.Dispatcher.Apply(dc)
	e.Renewals.Apply(rc)
	return nil
}

// Close flushes metrics and releases connections.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.Metrics != nil {
		errs = append(errs, e.Metrics.Shutdown(ctx))
	}
	if e.redis != nil {
		errs = append(errs, e.redis.Close())
	}
	if e.Store != nil {
		errs = append(errs, e.Store.Close())
	}
	return errors.Join(errs...)
}
