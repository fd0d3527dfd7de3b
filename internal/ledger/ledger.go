// Package ledger is the dedup ledger: an atomic claim per notification
// occasion, plus the audit record of its outcome.
package ledger

import (
	"context"
	"errors"
	"time"

	"duewatch/internal/domain"
	"duewatch/internal/storage"
)

type Result int

const (
	Claimed Result = iota + 1
	AlreadySent
)

func (r Result) String() string {
	switch r {
	case Claimed:
		return "claimed"
	case AlreadySent:
		return "already_sent"
	default:
		return "unknown"
	}
}

// Ledger claims occasions and records their outcome. A claim is never
// released: a failed attempt stays claimed.
type Ledger interface {
	TryClaim(ctx context.Context, id domain.OccasionID, runID string, at time.Time) (Result, error)
	Record(ctx context.Context, rec domain.DispatchRecord) error
}

// StoreLedger claims through the store's unique occasion key.
type StoreLedger struct {
	store storage.LedgerStore
}

func NewStoreLedger(store storage.LedgerStore) *StoreLedger {
	return &StoreLedger{store: store}
}

func (l *StoreLedger) TryClaim(ctx context.Context, id domain.OccasionID, runID string, at time.Time) (Result, error) {
	ok, err := l.store.ClaimDispatch(ctx, domain.NewClaimRecord(id, runID, at))
	if err != nil {
		return 0, err
	}
	if !ok {
		return AlreadySent, nil
	}
	return Claimed, nil
}

func (l *StoreLedger) Record(ctx context.Context, rec domain.DispatchRecord) error {
	return l.store.RecordDispatch(ctx, rec)
}

// IsFatal reports whether a claim error means the backing store is gone
// rather than a lost or contended claim.
func IsFatal(err error) bool {
	return errors.Is(err, domain.ErrStoreUnavailable)
}
