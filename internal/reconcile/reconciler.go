// Package reconcile downgrades lapsed subscriptions so stored plan state
// matches what the channel gate already enforces, and emails renewal
// notices ahead of expiry.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"duewatch/internal/domain"
	"duewatch/internal/entitlement"
	"duewatch/internal/eventbus"
	logx "duewatch/pkg/logx"
)

// PlanStore is the subset of the store the reconciler writes.
type PlanStore interface {
	ListExpiredPlans(ctx context.Context, now time.Time, limit int) ([]string, error)
	Downgrade(ctx context.Context, tenantID string, now time.Time) (bool, error)
}

// ObligationLimiter trims a tenant's active obligations to its new limit.
type ObligationLimiter interface {
	DeactivateExcess(ctx context.Context, tenantID string, keep int) (int, error)
}

type Recorder interface {
	RecordSweep(ctx context.Context, downgraded int, err error)
}

type Config struct {
	PageSize  int
	OpTimeout time.Duration
}

// Result summarizes one sweep.
type Result struct {
	At          time.Time     `json:"at"`
	Downgraded  int           `json:"downgraded"`
	Deactivated int           `json:"deactivated"`
	Tenants     []string      `json:"tenants,omitempty"`
	Took        time.Duration `json:"took"`
	// Renewals is set when a notifier is attached.
	Renewals *RenewalResult `json:"renewals,omitempty"`
}

type Reconciler struct {
	plans   PlanStore
	limits  ObligationLimiter
	bus     eventbus.Bus
	metrics Recorder
	log     logx.Logger
	cfg     Config

	mu       sync.Mutex
	last     *Result
	renewals *Renewals
}

// New builds a reconciler. limits, bus and metrics may be nil.
func New(cfg Config, plans PlanStore, limits ObligationLimiter, bus eventbus.Bus, metrics Recorder, log logx.Logger) *Reconciler {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{
		plans:   plans,
		limits:  limits,
		bus:     bus,
		metrics: metrics,
		log:     log.With(logx.String("comp", "reconcile")),
		cfg:     cfg,
	}
}

// AttachRenewals makes every sweep send the renewal notices due first.
func (r *Reconciler) AttachRenewals(n *Renewals) {
	r.mu.Lock()
	r.renewals = n
	r.mu.Unlock()
}

// Sweep sends due renewal notices, then downgrades every active plan that
// expired before now. Each downgrade is a compare-and-set, so concurrent
// sweeps count it once. A notice failure does not stop the downgrades.
func (r *Reconciler) Sweep(ctx context.Context, now time.Time) (Result, error) {
	start := time.Now()
	res := Result{At: now}

	r.mu.Lock()
	notices := r.renewals
	r.mu.Unlock()
	var noticeErr error
	if notices != nil {
		rr, err := notices.Notify(ctx, now)
		res.Renewals = &rr
		noticeErr = err
	}

	err := r.sweep(ctx, now, &res)
	res.Took = time.Since(start)
	r.mu.Lock()
	r.last = &res
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordSweep(context.WithoutCancel(ctx), res.Downgraded, err)
	}
	if res.Downgraded > 0 && r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypePlansDowngraded, Data: res})
	}
	if err != nil {
		r.log.Error("plan sweep failed", logx.Err(err), logx.Int("downgraded", res.Downgraded))
		return res, errors.Join(noticeErr, err)
	}
	if res.Downgraded > 0 {
		r.log.Info("plans downgraded", logx.Int("downgraded", res.Downgraded), logx.Int("deactivated", res.Deactivated), logx.Duration("took", res.Took))
	}
	return res, noticeErr
}

// LastResult returns the most recent sweep result, if any.
func (r *Reconciler) LastResult() (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Result{}, false
	}
	return *r.last, true
}

func (r *Reconciler) sweep(ctx context.Context, now time.Time, res *Result) error {
	keep := entitlement.For(domain.TierFree).MaxObligations
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ids, err := r.list(ctx, now)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		progress := 0
		for _, id := range ids {
			ok, err := r.downgrade(ctx, id, now)
			if err != nil {
				if errors.Is(err, domain.ErrStoreUnavailable) || ctx.Err() != nil {
					return err
				}
				r.log.Warn("downgrade failed", logx.String("tenant_id", id), logx.Err(err))
				continue
			}
			progress++
			if !ok {
				// Another instance won the CAS.
				continue
			}
			res.Downgraded++
			res.Tenants = append(res.Tenants, id)

			if r.limits != nil && keep != entitlement.Unlimited {
				n, err := r.deactivate(ctx, id, keep)
				if err != nil {
					r.log.Warn("deactivate obligations over limit failed", logx.String("tenant_id", id), logx.Err(err))
				}
				res.Deactivated += n
			}
		}
		// Every id failed; stop instead of listing the same page again.
		if progress == 0 {
			return fmt.Errorf("sweep made no progress on %d expired plans", len(ids))
		}
		if len(ids) < r.cfg.PageSize {
			return nil
		}
	}
}

func (r *Reconciler) list(ctx context.Context, now time.Time) ([]string, error) {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
	defer cancel()
	ids, err := r.plans.ListExpiredPlans(cctx, now, r.cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("list expired plans: %w", err)
	}
	return ids, nil
}

func (r *Reconciler) downgrade(ctx context.Context, id string, now time.Time) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
	defer cancel()
	return r.plans.Downgrade(cctx, id, now)
}

func (r *Reconciler) deactivate(ctx context.Context, id string, keep int) (int, error) {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
	defer cancel()
	return r.limits.DeactivateExcess(cctx, id, keep)
}
