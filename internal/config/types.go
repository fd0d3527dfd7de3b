package config

// Config is the on-disk configuration (YAML or JSON, strict keys).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram,omitempty"`
	Storage   StorageConfig   `json:"storage"`
	Ledger    LedgerConfig    `json:"ledger,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
	Channels  ChannelsConfig  `json:"channels,omitempty"`
	Renewals  RenewalsConfig  `json:"renewals,omitempty"`

	// Rules and Calendars override the built-in tables per obligation kind.
	// A kind present here but unknown to the built-ins is added.
	Rules     map[string]RuleConfig       `json:"rules,omitempty"`
	Calendars map[string][]CalendarEntry `json:"calendars,omitempty"`

	Ops     OpsConfig     `json:"ops,omitempty"`
	Metrics MetricsConfig `json:"metrics,omitempty"`
	Events  EventsConfig  `json:"events,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards high-severity records to the Telegram operator chat.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig is the operator alert bot. Token is never logged.
type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   string `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// Timeout is a Go duration string (e.g. "10s").
	Timeout string `json:"timeout,omitempty"`
}

// StorageConfig selects the store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./duewatch.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`           // postgres
	BusyTimeout  string `json:"busy_timeout,omitempty"`  // sqlite
	OpTimeout    string `json:"op_timeout,omitempty"`    // every store call
	MaxOpenConns int    `json:"max_open_conns,omitempty"` // postgres
}

// LedgerConfig selects where claims are made. "store" (default) claims in
// the storage driver; "redis" claims with SET NX and audits in the store.
type LedgerConfig struct {
	Driver string      `json:"driver,omitempty"`
	Redis  RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	TTL      string `json:"ttl,omitempty"`
}

// SchedulerConfig controls the periodic driver.
//
// Schedules accept cron ("*/15 * * * *", "@hourly"), Go durations ("15m")
// or HH:MM intervals ("00:15").
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone is the jurisdiction's IANA zone. Calendar times and civil
	// due dates are evaluated in it.
	Timezone         string `json:"timezone,omitempty"`
	DispatchSchedule string `json:"dispatch_schedule,omitempty"`
	SweepSchedule    string `json:"sweep_schedule,omitempty"`
	RunTimeout       string `json:"run_timeout,omitempty"`
	// Window is how long an occasion stays due after its scheduled instant.
	// Keep it at least as long as the dispatch interval.
	Window string `json:"window,omitempty"`
}

// RenewalsConfig controls plan-expiry notices, sent by email with each
// sweep. They are on unless Disabled is set.
type RenewalsConfig struct {
	Disabled bool `json:"disabled,omitempty"`
	// Days before expiry that get a notice; default [7, 3, 1, 0].
	Days []int `json:"days,omitempty"`
	// At is the earliest HH:MM in scheduler.timezone a notice goes out.
	At       string `json:"at,omitempty"`
	RenewURL string `json:"renew_url,omitempty"`
}

// DispatchConfig holds dispatcher tunables. All durations are Go duration
// strings. Zero values take defaults.
type DispatchConfig struct {
	PageSize      int                `json:"page_size,omitempty"`
	Workers       int                `json:"workers,omitempty"`
	SendWorkers   int                `json:"send_workers,omitempty"`
	SendTimeout   string             `json:"send_timeout,omitempty"`
	RetryMax      int                `json:"retry_max,omitempty"` // -1 disables retries
	RetryBase     string             `json:"retry_base,omitempty"`
	RetryMaxDelay string             `json:"retry_max_delay,omitempty"`
	RatePerSec    map[string]float64 `json:"rate_per_sec,omitempty"`
	Circuit       CircuitConfig      `json:"circuit,omitempty"`
}

type CircuitConfig struct {
	TripFailures int    `json:"trip_failures,omitempty"` // -1 disables
	BaseDelay    string `json:"base_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
	ResetAfter   string `json:"reset_after,omitempty"`
}

// ChannelsConfig configures delivery providers. A channel with DryRun set
// logs messages instead of sending them.
type ChannelsConfig struct {
	Email    EmailConfig    `json:"email,omitempty"`
	WhatsApp WhatsAppConfig `json:"whatsapp,omitempty"`
}

type EmailConfig struct {
	Enabled  bool   `json:"enabled"`
	DryRun   bool   `json:"dry_run,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from,omitempty"`
	StartTLS bool   `json:"starttls,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type WhatsAppConfig struct {
	Enabled       bool   `json:"enabled"`
	DryRun        bool   `json:"dry_run,omitempty"`
	APIBase       string `json:"api_base,omitempty"`
	PhoneNumberID string `json:"phone_number_id,omitempty"`
	Token         string `json:"token,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
}

// RuleConfig is a due-day rule: fixed_day (day), days_after_anniversary
// (days) or months_after_anchor (months).
type RuleConfig struct {
	Type   string `json:"type"`
	Day    int    `json:"day,omitempty"`
	Days   int    `json:"days,omitempty"`
	Months int    `json:"months,omitempty"`
}

// CalendarEntry is one notification point. Negative days_before are
// post-due reminders.
type CalendarEntry struct {
	Label      string `json:"label"`
	DaysBefore int    `json:"days_before"`
	At         string `json:"at"` // HH:MM in scheduler.timezone
}

// OpsConfig controls the operations HTTP API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8089").
//   - Non-loopback addresses require jwt_secret unless allow_insecure is set.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	JWTSecret     string `json:"jwt_secret,omitempty"`
	JWTIssuer     string `json:"jwt_issuer,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	Pprof         Pprof  `json:"pprof,omitempty"`
}

// Pprof mounts net/http/pprof under /debug/pprof on the ops listener.
// Negative rates leave the runtime default untouched.
type Pprof struct {
	Enabled              bool `json:"enabled"`
	MutexProfileFraction int  `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int  `json:"block_profile_rate,omitempty"`
}

// MetricsConfig exports OpenTelemetry metrics over OTLP/gRPC. With an empty
// endpoint, instruments are still recorded but not exported.
type MetricsConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
	Interval    string `json:"interval,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// EventsConfig forwards bus events to NATS.
type EventsConfig struct {
	NATS NATSConfig `json:"nats,omitempty"`
}

type NATSConfig struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
	Buffer        int    `json:"buffer,omitempty"`
}
