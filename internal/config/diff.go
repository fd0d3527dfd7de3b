package config

import (
	"reflect"
	"strings"

	logx "duewatch/pkg/logx"
)

// Change describes what a reload touched.
type Change struct {
	// Sections lists every changed top-level section.
	Sections []string
	// Restart lists changed sections that only take effect after a restart.
	Restart []string
	// Fields are safe structured attrs for logging; secrets are reduced to
	// "is set" booleans.
	Fields []logx.Field
}

// Has reports whether section changed.
func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// restartOnly sections are wired once at startup.
var restartOnly = map[string]bool{
	"storage":  true,
	"ledger":   true,
	"channels": true,
	"ops":      true,
	"metrics":  true,
	"events":   true,
	"telegram": true,
}

// SummarizeChange compares two configs section by section.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change
	mark := func(section string, changed bool, fields ...logx.Field) {
		if !changed {
			return
		}
		c.Sections = append(c.Sections, section)
		if restartOnly[section] {
			c.Restart = append(c.Restart, section)
		}
		c.Fields = append(c.Fields, fields...)
	}

	mark("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
	)
	mark("telegram", oldCfg.Telegram.ChatID != newCfg.Telegram.ChatID ||
		oldCfg.Telegram.ThreadID != newCfg.Telegram.ThreadID ||
		oldCfg.Telegram.Timeout != newCfg.Telegram.Timeout ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token,
		logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
	)
	mark("storage", !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage),
		logx.String("storage.driver", newCfg.Storage.Driver),
	)
	mark("ledger", !reflect.DeepEqual(oldCfg.Ledger, newCfg.Ledger),
		logx.String("ledger.driver", newCfg.Ledger.Driver),
	)
	mark("scheduler", !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler),
		logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
		logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		logx.String("scheduler.dispatch_schedule", newCfg.Scheduler.DispatchSchedule),
		logx.String("scheduler.sweep_schedule", newCfg.Scheduler.SweepSchedule),
	)
	mark("dispatch", !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch),
		logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
		logx.Int("dispatch.retry_max", newCfg.Dispatch.RetryMax),
	)
	mark("channels", !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels),
		logx.Bool("channels.email", newCfg.Channels.Email.Enabled),
		logx.Bool("channels.whatsapp", newCfg.Channels.WhatsApp.Enabled),
	)
	mark("renewals", !reflect.DeepEqual(oldCfg.Renewals, newCfg.Renewals),
		logx.Bool("renewals.disabled", newCfg.Renewals.Disabled),
		logx.String("renewals.at", newCfg.Renewals.At),
	)
	mark("rules", !reflect.DeepEqual(oldCfg.Rules, newCfg.Rules), logx.Int("rules.count", len(newCfg.Rules)))
	mark("calendars", !reflect.DeepEqual(oldCfg.Calendars, newCfg.Calendars), logx.Int("calendars.count", len(newCfg.Calendars)))
	mark("ops", !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops),
		logx.Bool("ops.enabled", newCfg.Ops.Enabled),
		logx.String("ops.addr", newCfg.Ops.Addr),
		logx.Bool("ops.jwt_set", strings.TrimSpace(newCfg.Ops.JWTSecret) != ""),
	)
	mark("metrics", !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics), logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	mark("events", !reflect.DeepEqual(oldCfg.Events, newCfg.Events), logx.Bool("events.nats", newCfg.Events.NATS.Enabled))
	return c
}
