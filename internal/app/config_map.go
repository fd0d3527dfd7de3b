package app

import (
	"fmt"
	"strings"
	"time"

	"duewatch/internal/config"
	"duewatch/internal/dispatch"
	"duewatch/internal/domain"
	"duewatch/internal/duedate"
	"duewatch/internal/eventbus/natsbridge"
	"duewatch/internal/ledger"
	"duewatch/internal/observability/metrics"
	"duewatch/internal/occasion"
	"duewatch/internal/opsapi"
	"duewatch/internal/reconcile"
	"duewatch/internal/storage"
	logx "duewatch/pkg/logx"
)

const (
	defaultSQLitePath       = "duewatch.db"
	defaultDispatchSchedule = "@every 5m"
	defaultSweepSchedule    = "@hourly"
	defaultRunTimeout       = 10 * time.Minute
	defaultRenewalAt        = "09:00"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	var d config.Durations
	out := storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  d.Get("storage.busy_timeout", sc.BusyTimeout, 0),
		OpTimeout:    d.Get("storage.op_timeout", sc.OpTimeout, 0),
		MaxOpenConns: sc.MaxOpenConns,
	}
	if (driver == "" || driver == "sqlite") && out.Path == "" {
		out.Path = defaultSQLitePath
	}
	return out, d.Err()
}

func mapRedis(cfg *config.Config) (ledger.RedisConfig, error) {
	rc := cfg.Ledger.Redis
	var d config.Durations
	out := ledger.RedisConfig{
		Addr:     strings.TrimSpace(rc.Addr),
		Password: rc.Password,
		DB:       rc.DB,
		Prefix:   rc.Prefix,
		TTL:      d.Get("ledger.redis.ttl", rc.TTL, 0),
	}
	return out, d.Err()
}

func mapDispatch(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	var d config.Durations
	out := dispatch.Config{
		PageSize:      dc.PageSize,
		Workers:       dc.Workers,
		SendWorkers:   dc.SendWorkers,
		SendTimeout:   d.Get("dispatch.send_timeout", dc.SendTimeout, 0),
		StoreTimeout:  d.Get("storage.op_timeout", cfg.Storage.OpTimeout, 0),
		RetryMax:      dc.RetryMax,
		RetryBase:     d.Get("dispatch.retry_base", dc.RetryBase, 0),
		RetryMaxDelay: d.Get("dispatch.retry_max_delay", dc.RetryMaxDelay, 0),
		Circuit: dispatch.CircuitConfig{
			TripFailures: dc.Circuit.TripFailures,
			BaseDelay:    d.Get("dispatch.circuit.base_delay", dc.Circuit.BaseDelay, 0),
			MaxDelay:     d.Get("dispatch.circuit.max_delay", dc.Circuit.MaxDelay, 0),
			ResetAfter:   d.Get("dispatch.circuit.reset_after", dc.Circuit.ResetAfter, 0),
		},
	}
	if len(dc.RatePerSec) > 0 {
		out.RatePerSec = make(map[domain.Channel]float64, len(dc.RatePerSec))
		for ch, rps := range dc.RatePerSec {
			out.RatePerSec[domain.Channel(strings.ToLower(strings.TrimSpace(ch)))] = rps
		}
	}
	return out, d.Err()
}

// location resolves scheduler.timezone; empty means UTC.
func location(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

func mapRenewals(cfg *config.Config) (reconcile.RenewalConfig, error) {
	rc := cfg.Renewals
	loc, err := location(cfg)
	if err != nil {
		return reconcile.RenewalConfig{}, err
	}
	raw := strings.TrimSpace(rc.At)
	if raw == "" {
		raw = defaultRenewalAt
	}
	at, err := occasion.ParseTimeOfDay(raw)
	if err != nil {
		return reconcile.RenewalConfig{}, fmt.Errorf("renewals.at: %w", err)
	}
	opTimeout, err := config.ParseDurationField("storage.op_timeout", cfg.Storage.OpTimeout)
	if err != nil {
		return reconcile.RenewalConfig{}, err
	}
	sendTimeout, err := config.ParseDurationField("dispatch.send_timeout", cfg.Dispatch.SendTimeout)
	if err != nil {
		return reconcile.RenewalConfig{}, err
	}
	return reconcile.RenewalConfig{
		Disabled:    rc.Disabled,
		Days:        append([]int(nil), rc.Days...),
		At:          at,
		Location:    loc,
		RenewURL:    strings.TrimSpace(rc.RenewURL),
		PageSize:    cfg.Dispatch.PageSize,
		OpTimeout:   opTimeout,
		SendTimeout: sendTimeout,
	}, nil
}

func buildCalculator(cfg *config.Config) (*duedate.Calculator, error) {
	rules := make(map[domain.Kind]duedate.Rule, len(cfg.Rules))
	for kind, rc := range cfg.Rules {
		typ, err := duedate.ParseRuleType(rc.Type)
		if err != nil {
			return nil, fmt.Errorf("rules.%s: %w", kind, err)
		}
		rules[domain.NormalizeKind(kind)] = duedate.Rule{Type: typ, Day: rc.Day, Days: rc.Days, Months: rc.Months}
	}
	calc, err := duedate.New(rules)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	return calc, nil
}

func buildPlanner(cfg *config.Config) (*occasion.Planner, error) {
	loc, err := location(cfg)
	if err != nil {
		return nil, err
	}
	window, err := config.ParseDurationField("scheduler.window", cfg.Scheduler.Window)
	if err != nil {
		return nil, err
	}
	cals := make(map[domain.Kind]occasion.Calendar, len(cfg.Calendars))
	for kind, entries := range cfg.Calendars {
		cal := make(occasion.Calendar, 0, len(entries))
		for i, e := range entries {
			at, err := occasion.ParseTimeOfDay(e.At)
			if err != nil {
				return nil, fmt.Errorf("calendars.%s[%d].at: %w", kind, i, err)
			}
			cal = append(cal, occasion.Entry{Label: strings.TrimSpace(e.Label), DaysBefore: e.DaysBefore, At: at})
		}
		cals[domain.NormalizeKind(kind)] = cal
	}
	return occasion.NewPlanner(occasion.Config{Calendars: cals, Window: window, Location: loc})
}

type schedules struct {
	dispatch   string
	sweep      string
	runTimeout time.Duration
}

func mapSchedules(cfg *config.Config) (schedules, error) {
	sc := cfg.Scheduler
	out := schedules{dispatch: strings.TrimSpace(sc.DispatchSchedule), sweep: strings.TrimSpace(sc.SweepSchedule)}
	if out.dispatch == "" {
		out.dispatch = defaultDispatchSchedule
	}
	if out.sweep == "" {
		out.sweep = defaultSweepSchedule
	}
	var err error
	out.runTimeout, err = config.ParseDurationOrDefault("scheduler.run_timeout", sc.RunTimeout, defaultRunTimeout)
	return out, err
}

func mapOps(cfg *config.Config) (opsapi.Config, error) {
	oc := cfg.Ops
	var d config.Durations
	out := opsapi.Config{
		Addr:         oc.ListenAddr(),
		JWTSecret:    strings.TrimSpace(oc.JWTSecret),
		JWTIssuer:    strings.TrimSpace(oc.JWTIssuer),
		ReadTimeout:  d.Get("ops.read_timeout", oc.ReadTimeout, 0),
		WriteTimeout: d.Get("ops.write_timeout", oc.WriteTimeout, 0),
		Pprof: opsapi.PprofConfig{
			Enabled:              oc.Pprof.Enabled,
			MutexProfileFraction: oc.Pprof.MutexProfileFraction,
			BlockProfileRate:     oc.Pprof.BlockProfileRate,
		},
	}
	return out, d.Err()
}

func mapMetrics(cfg *config.Config) (metrics.Config, error) {
	mc := cfg.Metrics
	interval, err := config.ParseDurationField("metrics.interval", mc.Interval)
	return metrics.Config{
		Enabled:     mc.Enabled,
		Endpoint:    strings.TrimSpace(mc.Endpoint),
		Insecure:    mc.Insecure,
		Interval:    interval,
		ServiceName: mc.ServiceName,
		Version:     Version,
	}, err
}

func mapNATS(cfg *config.Config) natsbridge.Config {
	nc := cfg.Events.NATS
	return natsbridge.Config{URL: nc.URL, SubjectPrefix: nc.SubjectPrefix, Buffer: nc.Buffer, Name: "duewatch"}
}

// NewCalculator builds the due-date calculator from the rules section.
func NewCalculator(cfg *config.Config) (*duedate.Calculator, error) { return buildCalculator(cfg) }

// NewPlanner builds the occasion planner from the calendars and scheduler
// sections.
func NewPlanner(cfg *config.Config) (*occasion.Planner, error) { return buildPlanner(cfg) }
