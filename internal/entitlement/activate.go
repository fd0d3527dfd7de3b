package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"duewatch/internal/domain"
)

// ErrInvalidPlan wraps activation requests rejected before any write.
var ErrInvalidPlan = errors.New("invalid plan")

// PlanWriter persists plan state.
type PlanWriter interface {
	PutPlanState(ctx context.Context, p domain.PlanState) error
}

// Activate records a paid plan. A zero expiresAt never lapses; an expiry
// already in the past is rejected.
func Activate(ctx context.Context, w PlanWriter, tenantID string, tier domain.PlanTier, expiresAt, now time.Time) (domain.PlanState, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.PlanState{}, fmt.Errorf("%w: tenant id is required", ErrInvalidPlan)
	}
	if _, ok := table[tier]; !ok {
		return domain.PlanState{}, fmt.Errorf("%w: unknown tier %q", ErrInvalidPlan, tier)
	}
	if !expiresAt.IsZero() && !expiresAt.After(now) {
		return domain.PlanState{}, fmt.Errorf("%w: expiry %s is not after %s", ErrInvalidPlan, expiresAt.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	p := domain.PlanState{
		TenantID:  tenantID,
		Tier:      tier,
		Status:    domain.PlanActive,
		ExpiresAt: expiresAt,
		UpdatedAt: now,
	}
	if err := w.PutPlanState(ctx, p); err != nil {
		return domain.PlanState{}, fmt.Errorf("activate plan for %s: %w", tenantID, err)
	}
	return p, nil
}
