package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duewatch/internal/channel"
	"duewatch/internal/domain"
	"duewatch/internal/eventbus"
	"duewatch/internal/ledger"
	"duewatch/internal/occasion"
	"duewatch/internal/storage"
	logx "duewatch/pkg/logx"
)

var wat = time.FixedZone("WAT", 3600)

type mailbox struct {
	mu   sync.Mutex
	msgs []channel.Message
	err  error
}

func (m *mailbox) sender() channel.Sender {
	return channel.Func{Ch: domain.ChannelEmail, Fn: func(_ context.Context, msg channel.Message) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.msgs = append(m.msgs, msg)
		return m.err
	}}
}

func (m *mailbox) sent() []channel.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]channel.Message(nil), m.msgs...)
}

func renewalConfig() RenewalConfig {
	return RenewalConfig{At: occasion.TimeOfDay{Hour: 9}, Location: wat, RenewURL: "https://example.test/renew"}
}

func seedRenewals(t *testing.T, st *storage.Memory) {
	t.Helper()
	ctx := context.Background()
	plans := []domain.PlanState{
		{TenantID: "t7", Tier: domain.TierPro, Status: domain.PlanActive, ExpiresAt: time.Date(2024, 2, 21, 23, 59, 59, 0, wat)},
		{TenantID: "t5", Tier: domain.TierPro, Status: domain.PlanActive, ExpiresAt: time.Date(2024, 2, 19, 12, 0, 0, 0, wat)},
		{TenantID: "t3", Tier: domain.TierBasic, Status: domain.PlanActive, ExpiresAt: time.Date(2024, 2, 17, 0, 0, 0, 0, wat)},
		{TenantID: "t0", Tier: domain.TierFree, Status: domain.PlanExpired, ExpiresAt: time.Date(2024, 2, 14, 0, 0, 0, 0, wat)},
		{TenantID: "cancelled", Tier: domain.TierFree, Status: domain.PlanExpired, ExpiresAt: time.Date(2024, 2, 15, 0, 0, 0, 0, wat)},
		{TenantID: "free", Tier: domain.TierFree, Status: domain.PlanActive, ExpiresAt: time.Date(2024, 2, 21, 8, 0, 0, 0, wat)},
		{TenantID: "nomail", Tier: domain.TierPro, Status: domain.PlanActive, ExpiresAt: time.Date(2024, 2, 15, 8, 0, 0, 0, wat)},
	}
	for _, p := range plans {
		require.NoError(t, st.PutPlanState(ctx, p))
		c := domain.TenantContact{TenantID: p.TenantID, BusinessName: "Biz " + p.TenantID, Email: p.TenantID + "@example.test"}
		if p.TenantID == "nomail" {
			c.Email = ""
		}
		require.NoError(t, st.PutContact(ctx, c))
	}
}

func newRenewals(st *storage.Memory, box *mailbox, bus eventbus.Bus) *Renewals {
	return NewRenewals(renewalConfig(), st, st, ledger.NewStoreLedger(st), channel.NewRegistry(box.sender()), bus, logx.Nop())
}

func TestRenewalNoticesGoOutOnceAtEachOffset(t *testing.T) {
	st := storage.NewMemory()
	seedRenewals(t, st)
	box := &mailbox{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	r := newRenewals(st, box, bus)

	now := time.Date(2024, 2, 14, 9, 30, 0, 0, wat)
	res, err := r.Notify(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)
	assert.Equal(t, 1, res.NoRecipient)
	assert.ElementsMatch(t, []string{
		"t0|plan|2024-02-14|PLAN-T-0",
		"t3|plan|2024-02-17|PLAN-T-3",
		"t7|plan|2024-02-21|PLAN-T-7",
	}, res.Keys)

	msgs := box.sent()
	require.Len(t, msgs, 3)
	to := map[string]channel.Message{}
	for _, m := range msgs {
		to[m.To] = m
	}
	assert.Equal(t, "URGENT: your BASIC plan expires in 3 days", to["t3@example.test"].Subject)
	assert.Equal(t, "Your subscription expires today", to["t0@example.test"].Subject)
	assert.Contains(t, to["t7@example.test"].Body, "https://example.test/renew")

	rec, err := st.GetDispatch(context.Background(), "t7|plan|2024-02-21|PLAN-T-7")
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchSent, rec.Status)
	assert.Equal(t, []domain.Channel{domain.ChannelEmail}, rec.ChannelsSucceeded)

	ev := <-events
	assert.Equal(t, eventbus.TypeRenewalNotice, ev.Type)

	res, err = r.Notify(context.Background(), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
	assert.Equal(t, 3, res.AlreadySent)
	assert.Len(t, box.sent(), 3)

	last, ok := r.LastResult()
	require.True(t, ok)
	assert.Equal(t, 3, last.AlreadySent)
}

func TestRenewalWaitsForTimeOfDay(t *testing.T) {
	st := storage.NewMemory()
	seedRenewals(t, st)
	box := &mailbox{}
	r := newRenewals(st, box, nil)

	res, err := r.Notify(context.Background(), time.Date(2024, 2, 14, 8, 59, 0, 0, wat))
	require.NoError(t, err)
	assert.Zero(t, res.Sent+res.AlreadySent)
	assert.Empty(t, box.sent())

	recs, err := st.ListDispatches(context.Background(), storage.DispatchFilter{})
	require.NoError(t, err)
	assert.Empty(t, recs, "nothing is claimed before the send time")
}

func TestRenewalFailureStaysClaimed(t *testing.T) {
	st := storage.NewMemory()
	require.NoError(t, st.PutPlanState(context.Background(), domain.PlanState{
		TenantID: "t1", Tier: domain.TierPro, Status: domain.PlanActive, ExpiresAt: time.Date(2024, 2, 15, 12, 0, 0, 0, wat),
	}))
	require.NoError(t, st.PutContact(context.Background(), domain.TenantContact{TenantID: "t1", Email: "t1@example.test"}))
	box := &mailbox{err: channel.NoRetry(errors.New("550 mailbox unavailable"))}
	r := newRenewals(st, box, nil)
	now := time.Date(2024, 2, 14, 10, 0, 0, 0, wat)

	res, err := r.Notify(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	rec, err := st.GetDispatch(context.Background(), "t1|plan|2024-02-15|PLAN-T-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchFailed, rec.Status)
	assert.Contains(t, rec.ErrorDetail, "550 mailbox unavailable")

	res, err = r.Notify(context.Background(), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.AlreadySent)
	assert.Len(t, box.sent(), 1)
}

func TestRenewalDisabled(t *testing.T) {
	st := storage.NewMemory()
	seedRenewals(t, st)
	box := &mailbox{}
	r := newRenewals(st, box, nil)
	cfg := renewalConfig()
	cfg.Disabled = true
	r.Apply(cfg)

	_, err := r.Notify(context.Background(), time.Date(2024, 2, 14, 9, 30, 0, 0, wat))
	require.NoError(t, err)
	assert.Empty(t, box.sent())
}

type unavailableExpiring struct{ *storage.Memory }

func (unavailableExpiring) ListExpiringPlans(context.Context, time.Time, time.Time, string, int) ([]domain.PlanState, error) {
	return nil, domain.Unavailable("list expiring plans", errors.New("connection refused"))
}

func TestRenewalPropagatesStoreFailure(t *testing.T) {
	st := storage.NewMemory()
	box := &mailbox{}
	r := NewRenewals(renewalConfig(), unavailableExpiring{st}, st, ledger.NewStoreLedger(st), channel.NewRegistry(box.sender()), nil, logx.Nop())

	_, err := r.Notify(context.Background(), time.Date(2024, 2, 14, 9, 30, 0, 0, wat))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestRenderRenewal(t *testing.T) {
	p := domain.PlanState{TenantID: "t", Tier: domain.TierPro, ExpiresAt: time.Date(2024, 2, 15, 0, 0, 0, 0, wat)}

	msg := RenderRenewal(p, domain.TenantContact{BusinessName: "Acme Ltd"}, "ops@acme.test", 1, "")
	assert.Equal(t, "ops@acme.test", msg.To)
	assert.Equal(t, "FINAL NOTICE: your PRO plan expires tomorrow", msg.Subject)
	assert.Contains(t, msg.Body, "Hello Acme Ltd,")
	assert.Contains(t, msg.Body, "Thursday, 15 February 2024")
	assert.NotContains(t, msg.Body, "Renew:")

	msg = RenderRenewal(p, domain.TenantContact{}, "x@y.test", 7, "https://example.test/renew")
	assert.Equal(t, "Your PRO plan expires in 7 days", msg.Subject)
	assert.Contains(t, msg.Body, "Hello there,")
	assert.Contains(t, msg.Body, "Renew: https://example.test/renew")
}

func TestSweepSendsRenewalNoticeBeforeDowngrade(t *testing.T) {
	st := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.PutPlanState(ctx, domain.PlanState{
		TenantID: "acme", Tier: domain.TierPro, Status: domain.PlanActive, ExpiresAt: time.Date(2024, 2, 14, 0, 0, 0, 0, wat),
	}))
	require.NoError(t, st.PutContact(ctx, domain.TenantContact{TenantID: "acme", Email: "ops@acme.test"}))
	box := &mailbox{}

	r := New(Config{}, st, st, nil, nil, logx.Nop())
	r.AttachRenewals(newRenewals(st, box, nil))
	res, err := r.Sweep(ctx, time.Date(2024, 2, 14, 9, 30, 0, 0, wat))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Downgraded)
	require.NotNil(t, res.Renewals)
	assert.Equal(t, 1, res.Renewals.Sent)

	msgs := box.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Your PRO plan expires today", msgs[0].Subject)

	// A later sweep the same day neither re-sends nor re-downgrades.
	res, err = r.Sweep(ctx, time.Date(2024, 2, 14, 10, 30, 0, 0, wat))
	require.NoError(t, err)
	assert.Zero(t, res.Downgraded)
	assert.Equal(t, 1, res.Renewals.AlreadySent)
	assert.Len(t, box.sent(), 1)
}
