package domain

import (
	"fmt"
	"strings"
	"time"
)

type PlanTier string

const (
	TierFree       PlanTier = "free"
	TierBasic      PlanTier = "basic"
	TierPro        PlanTier = "pro"
	TierEnterprise PlanTier = "enterprise"
)

func ParsePlanTier(s string) (PlanTier, error) {
	switch t := PlanTier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierFree, TierBasic, TierPro, TierEnterprise:
		return t, nil
	default:
		return "", fmt.Errorf("unknown plan tier %q", s)
	}
}

type PlanStatus string

const (
	PlanActive  PlanStatus = "active"
	PlanExpired PlanStatus = "expired"
)

// PlanState is the subscription state the channel gate reads.
type PlanState struct {
	TenantID  string
	Tier      PlanTier
	Status    PlanStatus
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// Lapsed reports whether the plan no longer grants its stored tier at now.
// A zero ExpiresAt never lapses.
func (p PlanState) Lapsed(now time.Time) bool {
	if p.Status == PlanExpired {
		return true
	}
	return !p.ExpiresAt.IsZero() && p.ExpiresAt.Before(now)
}

// Channel is a delivery medium.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)

// Address returns the contact's address for ch, or "" when none is known.
func (c TenantContact) Address(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return strings.TrimSpace(c.Email)
	case ChannelWhatsApp:
		return strings.TrimSpace(c.Phone)
	default:
		return ""
	}
}
