package storage

import (
	"context"
	"errors"
	"time"

	"duewatch/internal/domain"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
//   - "memory": non-durable in-process store
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	OpTimeout    time.Duration // per-call timeout; 0 means default
	MaxOpenConns int           // postgres only
}

const (
	defaultOpTimeout   = 5 * time.Second
	defaultBusyTimeout = 5 * time.Second
	defaultPageSize    = 200
)

// ObligationStore is read by the dispatcher and written by the reconciler.
type ObligationStore interface {
	// ListActiveObligations returns one page ordered by id. An empty next
	// token means there are no further pages.
	ListActiveObligations(ctx context.Context, pageToken string, limit int) ([]domain.Obligation, string, error)
	GetObligation(ctx context.Context, id string) (domain.Obligation, error)
	PutObligation(ctx context.Context, ob domain.Obligation) error
	// UpdateNextDueDate stores next and last in one write.
	UpdateNextDueDate(ctx context.Context, id string, next, last time.Time) error
	// DeactivateExcess keeps the tenant's oldest keep active obligations and
	// deactivates the rest. keep < 0 means unlimited.
	DeactivateExcess(ctx context.Context, tenantID string, keep int) (int, error)
}

// LedgerStore holds one dispatch record per occasion key.
type LedgerStore interface {
	// ClaimDispatch inserts rec if no record with its key exists and reports
	// whether this call created it.
	ClaimDispatch(ctx context.Context, rec domain.DispatchRecord) (bool, error)
	// RecordDispatch writes rec, replacing any record with the same key.
	RecordDispatch(ctx context.Context, rec domain.DispatchRecord) error
	GetDispatch(ctx context.Context, key string) (domain.DispatchRecord, error)
	ListDispatches(ctx context.Context, f DispatchFilter) ([]domain.DispatchRecord, error)
}

type DispatchFilter struct {
	Status   domain.DispatchStatus
	TenantID string
	Limit    int
}

// PlanStore holds subscription state.
type PlanStore interface {
	// GetPlanState reports ok=false for unknown tenants.
	GetPlanState(ctx context.Context, tenantID string) (domain.PlanState, bool, error)
	PutPlanState(ctx context.Context, p domain.PlanState) error
	// ListExpiredPlans returns active plans whose expiry is before now.
	ListExpiredPlans(ctx context.Context, now time.Time, limit int) ([]string, error)
	// ListExpiringPlans pages through plans of any status whose expiry lies
	// in [from, to), ordered by tenant id and starting after afterTenant.
	ListExpiringPlans(ctx context.Context, from, to time.Time, afterTenant string, limit int) ([]domain.PlanState, error)
	// Downgrade moves an active, expired plan to free/expired. It reports
	// false when the plan was not in that state (already swept or renewed).
	Downgrade(ctx context.Context, tenantID string, now time.Time) (bool, error)
}

type ContactStore interface {
	GetContact(ctx context.Context, tenantID string) (domain.TenantContact, bool, error)
	PutContact(ctx context.Context, c domain.TenantContact) error
}

// Store is the persistence API used by the engine.
type Store interface {
	ObligationStore
	LedgerStore
	PlanStore
	ContactStore
	Ping(ctx context.Context) error
	Close() error
}
