package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"duewatch/internal/eventbus"
	logx "duewatch/pkg/logx"
)

var (
	// ErrBusy is returned by Trigger when the job is already running.
	ErrBusy       = errors.New("job already running")
	ErrUnknownJob = errors.New("unknown job")
	ErrStopped    = errors.New("scheduler stopped")
)

// Config controls the scheduler.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Africa/Lagos"
}

// Job receives the instant it was fired for.
type Job func(ctx context.Context, now time.Time) error

// State of one job.
type State int32

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// JobOptions tune one registration.
type JobOptions struct {
	// Timeout bounds a single run. Zero means no timeout.
	Timeout time.Duration
	// RunOnStart fires the job once when the scheduler starts.
	RunOnStart bool
}

type jobDef struct {
	name    string
	spec    string
	sched   cron.Schedule
	job     Job
	opt     JobOptions
	entryID cron.EntryID
	rt      *jobRuntime
}

// jobRuntime survives re-registration of the same name so a running job
// keeps blocking overlapping triggers.
type jobRuntime struct {
	state   atomic.Int32
	runs    atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64

	mu       sync.Mutex
	lastRun  time.Time
	lastTook time.Duration
	lastErr  string
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	parser cron.Parser
	c      *cron.Cron
	defs   []jobDef

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	skipMu       sync.Mutex
	lastSkipWarn map[string]time.Time
}

type JobInfo struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	State    string        `json:"state"`
	Timeout  time.Duration `json:"timeout"`
	Next     time.Time     `json:"next,omitempty"`
	Prev     time.Time     `json:"prev,omitempty"`
	Runs     uint64        `json:"runs"`
	Skipped  uint64        `json:"skipped"`
	Failed   uint64        `json:"failed"`
	LastRun  time.Time     `json:"last_run,omitempty"`
	LastTook time.Duration `json:"last_took"`
	LastErr  string        `json:"last_error,omitempty"`
}

type Snapshot struct {
	Enabled  bool      `json:"enabled"`
	Running  bool      `json:"running"`
	Timezone string    `json:"timezone"`
	Jobs     []JobInfo `json:"jobs"`
}

// SkipEvent is published when a trigger finds its job already running.
type SkipEvent struct {
	Job    string    `json:"job"`
	At     time.Time `json:"at"`
	Source string    `json:"source"`
}
