package entitlement

import (
	"context"
	"fmt"
	"time"

	"duewatch/internal/domain"
)

// PlanReader is the subset of the plan store the gate needs.
type PlanReader interface {
	GetPlanState(ctx context.Context, tenantID string) (domain.PlanState, bool, error)
}

// Gate resolves the channels a tenant may be notified on.
type Gate struct {
	plans PlanReader
}

func NewGate(plans PlanReader) *Gate { return &Gate{plans: plans} }

// AllowedChannels returns the entitled channels at now. Unknown tenants and
// lapsed plans resolve to the free tier regardless of the stored tier.
func (g *Gate) AllowedChannels(ctx context.Context, tenantID string, now time.Time) ([]domain.Channel, error) {
	tier, err := g.Tier(ctx, tenantID, now)
	if err != nil {
		return nil, err
	}
	return For(tier).Channels, nil
}

// Tier returns the tenant's effective tier at now.
func (g *Gate) Tier(ctx context.Context, tenantID string, now time.Time) (domain.PlanTier, error) {
	p, ok, err := g.plans.GetPlanState(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("plan state for %s: %w", tenantID, err)
	}
	if !ok {
		return domain.TierFree, nil
	}
	return EffectiveTier(p, now), nil
}
