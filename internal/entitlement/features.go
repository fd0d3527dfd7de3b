// Package entitlement maps a tenant's subscription state to the channels and
// obligation count it is entitled to. The features table below is the single
// source of truth for both.
package entitlement

import (
	"sort"
	"time"

	"duewatch/internal/domain"
)

// Unlimited marks a feature without a cap.
const Unlimited = -1

// Features describes what one plan tier grants.
type Features struct {
	Channels       []domain.Channel
	MaxObligations int
}

var table = map[domain.PlanTier]Features{
	domain.TierFree:       {Channels: nil, MaxObligations: 0},
	domain.TierBasic:      {Channels: []domain.Channel{domain.ChannelEmail}, MaxObligations: 3},
	domain.TierPro:        {Channels: []domain.Channel{domain.ChannelEmail, domain.ChannelWhatsApp}, MaxObligations: Unlimited},
	domain.TierEnterprise: {Channels: []domain.Channel{domain.ChannelEmail, domain.ChannelWhatsApp}, MaxObligations: Unlimited},
}

// For returns the features of tier. Unknown tiers get the free tier.
func For(tier domain.PlanTier) Features {
	f, ok := table[tier]
	if !ok {
		f = table[domain.TierFree]
	}
	return Features{
		Channels:       append([]domain.Channel(nil), f.Channels...),
		MaxObligations: f.MaxObligations,
	}
}

// EffectiveTier is the tier a plan grants at now.
func EffectiveTier(p domain.PlanState, now time.Time) domain.PlanTier {
	if p.Lapsed(now) {
		return domain.TierFree
	}
	if _, ok := table[p.Tier]; !ok {
		return domain.TierFree
	}
	return p.Tier
}

// Tiers lists the known tiers in ascending order of entitlement.
func Tiers() []domain.PlanTier {
	out := make([]domain.PlanTier, 0, len(table))
	for t := range table {
		out = append(out, t)
	}
	rank := map[domain.PlanTier]int{domain.TierFree: 0, domain.TierBasic: 1, domain.TierPro: 2, domain.TierEnterprise: 3}
	sort.Slice(out, func(i, j int) bool { return rank[out[i]] < rank[out[j]] })
	return out
}
