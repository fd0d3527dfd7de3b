package dispatch

import (
	"context"
	"time"

	"duewatch/internal/domain"
)

// Config holds dispatcher tunables. Zero values take defaults.
type Config struct {
	PageSize      int
	Workers       int
	SendWorkers   int
	SendTimeout   time.Duration
	StoreTimeout  time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// RatePerSec limits sends per channel. Missing or <= 0 means unlimited.
	RatePerSec map[domain.Channel]float64
	Circuit    CircuitConfig
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 200
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.SendWorkers <= 0 {
		c.SendWorkers = 16
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	} else if c.RetryMax == 0 {
		c.RetryMax = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	return c
}

// ObligationSource is the part of the obligation store the dispatcher uses.
type ObligationSource interface {
	ListActiveObligations(ctx context.Context, pageToken string, limit int) ([]domain.Obligation, string, error)
	UpdateNextDueDate(ctx context.Context, id string, next, last time.Time) error
}

type ContactSource interface {
	GetContact(ctx context.Context, tenantID string) (domain.TenantContact, bool, error)
}

type DueDateCalculator interface {
	Next(kind domain.Kind, anchor time.Time, rec domain.Recurrence, asOf time.Time) (time.Time, error)
}

type OccasionPlanner interface {
	DueOccasions(ob domain.Obligation, now time.Time) ([]domain.Occasion, error)
	Location() *time.Location
}

type ChannelGate interface {
	AllowedChannels(ctx context.Context, tenantID string, now time.Time) ([]domain.Channel, error)
}

// Recorder receives run and send measurements. A nil Recorder is allowed.
type Recorder interface {
	RecordRun(ctx context.Context, s Summary, err error)
	RecordSend(ctx context.Context, ch domain.Channel, ok bool, took time.Duration)
	RecordOccasion(ctx context.Context, status domain.DispatchStatus)
}

// Summary is the outcome of one RunOnce call.
type Summary struct {
	RunID            string        `json:"run_id"`
	At               time.Time     `json:"at"`
	StartedAt        time.Time     `json:"started_at"`
	Took             time.Duration `json:"took"`
	Obligations      int           `json:"obligations"`
	DueDatesUpdated  int           `json:"due_dates_updated"`
	Attempted        int           `json:"attempted"`
	Sent             int           `json:"sent"`
	PartiallySent    int           `json:"partially_sent"`
	Failed           int           `json:"failed"`
	AlreadySent      int           `json:"already_sent"`
	NoChannels       int           `json:"no_channels"`
	ConfigErrors     int           `json:"config_errors"`
	ObligationErrors int           `json:"obligation_errors"`
	FailedOccasions  []string      `json:"failed_occasions,omitempty"`
	Aborted          bool          `json:"aborted"`
	Error            string        `json:"error,omitempty"`
}

// OccasionEvent is published for every attempted occasion.
type OccasionEvent struct {
	RunID     string                `json:"run_id"`
	Key       string                `json:"key"`
	TenantID  string                `json:"tenant_id"`
	Kind      domain.Kind           `json:"kind"`
	Label     string                `json:"label"`
	DueDate   string                `json:"due_date"`
	Status    domain.DispatchStatus `json:"status"`
	Attempted []domain.Channel      `json:"attempted"`
	Succeeded []domain.Channel      `json:"succeeded"`
	Error     string                `json:"error,omitempty"`
}
