package entitlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"duewatch/internal/domain"
)

type fakePlans map[string]domain.PlanState

func (f fakePlans) GetPlanState(_ context.Context, id string) (domain.PlanState, bool, error) {
	if id == "broken" {
		return domain.PlanState{}, false, errors.New("boom")
	}
	p, ok := f[id]
	return p, ok, nil
}

func has(chs []domain.Channel, c domain.Channel) bool {
	for _, x := range chs {
		if x == c {
			return true
		}
	}
	return false
}

func TestAllowedChannels(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	future := now.AddDate(0, 1, 0)
	plans := fakePlans{
		"free":         {TenantID: "free", Tier: domain.TierFree, Status: domain.PlanActive},
		"basic":        {TenantID: "basic", Tier: domain.TierBasic, Status: domain.PlanActive, ExpiresAt: future},
		"pro":          {TenantID: "pro", Tier: domain.TierPro, Status: domain.PlanActive, ExpiresAt: future},
		"enterprise":   {TenantID: "enterprise", Tier: domain.TierEnterprise, Status: domain.PlanActive, ExpiresAt: future},
		"expired-pro":  {TenantID: "expired-pro", Tier: domain.TierPro, Status: domain.PlanActive, ExpiresAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		"swept-pro":    {TenantID: "swept-pro", Tier: domain.TierPro, Status: domain.PlanExpired, ExpiresAt: future},
		"strange-tier": {TenantID: "strange-tier", Tier: "platinum", Status: domain.PlanActive},
	}
	g := NewGate(plans)

	cases := []struct {
		tenant   string
		email    bool
		whatsapp bool
	}{
		{"free", false, false},
		{"basic", true, false},
		{"pro", true, true},
		{"enterprise", true, true},
		{"expired-pro", false, false},
		{"swept-pro", false, false},
		{"strange-tier", false, false},
		{"unknown", false, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.tenant, func(t *testing.T) {
			t.Parallel()
			chs, err := g.AllowedChannels(context.Background(), tc.tenant, now)
			if err != nil {
				t.Fatalf("AllowedChannels: %v", err)
			}
			if has(chs, domain.ChannelEmail) != tc.email || has(chs, domain.ChannelWhatsApp) != tc.whatsapp {
				t.Fatalf("channels=%v want email=%v whatsapp=%v", chs, tc.email, tc.whatsapp)
			}
		})
	}
}

func TestAllowedChannelsStoreError(t *testing.T) {
	t.Parallel()

	if _, err := NewGate(fakePlans{}).AllowedChannels(context.Background(), "broken", time.Now()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestFreeNeverGetsWhatsApp(t *testing.T) {
	t.Parallel()

	if has(For(domain.TierFree).Channels, domain.ChannelWhatsApp) || has(For("bogus").Channels, domain.ChannelWhatsApp) {
		t.Fatalf("free tier must not include whatsapp")
	}
}

func TestForReturnsCopy(t *testing.T) {
	t.Parallel()

	f := For(domain.TierPro)
	f.Channels[0] = "pigeon"
	if For(domain.TierPro).Channels[0] != domain.ChannelEmail {
		t.Fatalf("For must not expose the shared table")
	}
}

func TestObligationLimits(t *testing.T) {
	t.Parallel()

	want := map[domain.PlanTier]int{
		domain.TierFree:       0,
		domain.TierBasic:      3,
		domain.TierPro:        Unlimited,
		domain.TierEnterprise: Unlimited,
	}
	for tier, n := range want {
		if got := For(tier).MaxObligations; got != n {
			t.Fatalf("%s: MaxObligations=%d want %d", tier, got, n)
		}
	}
	if tiers := Tiers(); len(tiers) != 4 || tiers[0] != domain.TierFree || tiers[3] != domain.TierEnterprise {
		t.Fatalf("Tiers()=%v", tiers)
	}
}

func (f fakePlans) PutPlanState(_ context.Context, p domain.PlanState) error {
	f[p.TenantID] = p
	return nil
}

func TestActivate(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	plans := fakePlans{}
	p, err := Activate(context.Background(), plans, "t1", domain.TierPro, now.AddDate(0, 1, 0), now)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if p.Status != domain.PlanActive || plans["t1"].Tier != domain.TierPro {
		t.Fatalf("stored plan = %+v", plans["t1"])
	}
	chs, err := NewGate(plans).AllowedChannels(context.Background(), "t1", now)
	if err != nil || !has(chs, domain.ChannelWhatsApp) {
		t.Fatalf("channels after activation = %v, %v", chs, err)
	}

	if _, err := Activate(context.Background(), plans, "t1", domain.PlanTier("gold"), time.Time{}, now); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("expected unknown tier error")
	}
	if _, err := Activate(context.Background(), plans, "t1", domain.TierBasic, now.Add(-time.Hour), now); err == nil {
		t.Fatalf("expected past expiry error")
	}
	if _, err := Activate(context.Background(), plans, " ", domain.TierBasic, time.Time{}, now); err == nil {
		t.Fatalf("expected missing tenant error")
	}
}
