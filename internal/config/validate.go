package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Validate checks shapes that do not need other packages: durations,
// drivers, and required fields of enabled sections. Rule and calendar
// semantics are checked when they are compiled.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "memory":
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	dur("storage.op_timeout", cfg.Storage.OpTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Ledger.Driver)) {
	case "", "store":
	case "redis":
		if strings.TrimSpace(cfg.Ledger.Redis.Addr) == "" {
			errs = append(errs, errors.New("ledger.redis.addr is required"))
		}
		dur("ledger.redis.ttl", cfg.Ledger.Redis.TTL)
	default:
		errs = append(errs, fmt.Errorf("ledger.driver: unknown driver %q", cfg.Ledger.Driver))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	dur("scheduler.run_timeout", cfg.Scheduler.RunTimeout)
	dur("scheduler.window", cfg.Scheduler.Window)

	dur("dispatch.send_timeout", cfg.Dispatch.SendTimeout)
	dur("dispatch.retry_base", cfg.Dispatch.RetryBase)
	dur("dispatch.retry_max_delay", cfg.Dispatch.RetryMaxDelay)
	dur("dispatch.circuit.base_delay", cfg.Dispatch.Circuit.BaseDelay)
	dur("dispatch.circuit.max_delay", cfg.Dispatch.Circuit.MaxDelay)
	dur("dispatch.circuit.reset_after", cfg.Dispatch.Circuit.ResetAfter)
	for ch, rps := range cfg.Dispatch.RatePerSec {
		if rps < 0 {
			errs = append(errs, fmt.Errorf("dispatch.rate_per_sec.%s must be >= 0", ch))
		}
	}

	for i, d := range cfg.Renewals.Days {
		if d < 0 || d > 366 {
			errs = append(errs, fmt.Errorf("renewals.days[%d] must be between 0 and 366", i))
		}
	}
	if at := strings.TrimSpace(cfg.Renewals.At); at != "" {
		if _, err := time.Parse("15:04", at); err != nil {
			errs = append(errs, fmt.Errorf("renewals.at: invalid time of day %q (want HH:MM)", at))
		}
	}

	if e := cfg.Channels.Email; e.Enabled && !e.DryRun {
		if strings.TrimSpace(e.Host) == "" || strings.TrimSpace(e.From) == "" {
			errs = append(errs, errors.New("channels.email: host and from are required"))
		}
		dur("channels.email.timeout", e.Timeout)
	}
	if w := cfg.Channels.WhatsApp; w.Enabled && !w.DryRun {
		if strings.TrimSpace(w.PhoneNumberID) == "" || strings.TrimSpace(w.Token) == "" {
			errs = append(errs, errors.New("channels.whatsapp: phone_number_id and token are required"))
		}
		dur("channels.whatsapp.timeout", w.Timeout)
	}

	if cfg.Logging.Alert.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		errs = append(errs, errors.New("logging.alert requires telegram.token and telegram.chat_id"))
	}
	dur("telegram.timeout", cfg.Telegram.Timeout)

	if cfg.Ops.Enabled {
		dur("ops.read_timeout", cfg.Ops.ReadTimeout)
		dur("ops.write_timeout", cfg.Ops.WriteTimeout)
		if strings.TrimSpace(cfg.Ops.JWTSecret) == "" && !cfg.Ops.AllowInsecure && !IsLoopback(cfg.Ops.ListenAddr()) {
			errs = append(errs, fmt.Errorf("ops.addr %q is not loopback: set ops.jwt_secret or ops.allow_insecure", cfg.Ops.ListenAddr()))
		}
	}
	dur("metrics.interval", cfg.Metrics.Interval)
	if cfg.Events.NATS.Enabled && strings.TrimSpace(cfg.Events.NATS.URL) == "" {
		errs = append(errs, errors.New("events.nats.url is required"))
	}

	for kind, entries := range cfg.Calendars {
		if len(entries) == 0 {
			errs = append(errs, fmt.Errorf("calendars.%s: no entries", kind))
		}
	}
	return errors.Join(errs...)
}

// IsLoopback reports whether addr binds only to a loopback interface. An
// empty host (":8089") binds every interface.
func IsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		host = strings.TrimSpace(addr)
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// DefaultOpsAddr is used when ops.addr is empty.
const DefaultOpsAddr = "127.0.0.1:8089"

func (o OpsConfig) ListenAddr() string {
	if a := strings.TrimSpace(o.Addr); a != "" {
		return a
	}
	return DefaultOpsAddr
}
