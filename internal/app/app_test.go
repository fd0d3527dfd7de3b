package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duewatch/internal/config"
	"duewatch/internal/domain"
	"duewatch/internal/eventbus"
	"duewatch/internal/opsapi"
	logx "duewatch/pkg/logx"
)

const testConfig = `
logging:
  level: error
  console: false
storage:
  driver: memory
scheduler:
  enabled: false
  timezone: Africa/Lagos
channels:
  email:
    enabled: true
    dry_run: true
  whatsapp:
    enabled: true
    dry_run: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "duewatch.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	cfg, err := config.Decode("duewatch.yaml", []byte(body))
	require.NoError(t, err)
	return cfg
}

func seedVAT(t *testing.T, e *Engine, tier domain.PlanTier) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.Store.PutObligation(ctx, domain.Obligation{
		ID: "ob-vat", TenantID: "acme", Kind: domain.KindVAT, Recurrence: domain.RecurrenceMonthly,
		AnchorDate: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), Active: true,
	}))
	require.NoError(t, e.Store.PutContact(ctx, domain.TenantContact{TenantID: "acme", BusinessName: "Acme Ltd", Email: "ops@acme.test", Phone: "+2348000000000"}))
	require.NoError(t, e.Store.PutPlanState(ctx, domain.PlanState{TenantID: "acme", Tier: tier, Status: domain.PlanActive}))
}

func TestEngineDispatchesVATReminder(t *testing.T) {
	ctx := context.Background()
	e, err := BuildEngine(ctx, loadConfig(t, testConfig), eventbus.New(), logx.Nop())
	require.NoError(t, err)
	defer e.Close(ctx)
	seedVAT(t, e, domain.TierPro)

	lagos, err := time.LoadLocation("Africa/Lagos")
	require.NoError(t, err)
	now := time.Date(2024, 2, 14, 9, 10, 0, 0, lagos)

	sum, err := e.Dispatcher.RunOnce(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Attempted)
	assert.Equal(t, 1, sum.Sent)

	rec, err := e.Store.GetDispatch(ctx, "acme|ob-vat|2024-02-21|T-7")
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchSent, rec.Status)
	assert.ElementsMatch(t, []domain.Channel{domain.ChannelEmail, domain.ChannelWhatsApp}, rec.ChannelsSucceeded)

	ob, err := e.Store.GetObligation(ctx, "ob-vat")
	require.NoError(t, err)
	assert.Equal(t, "2024-02-21", ob.NextDueDate.Format(domain.DateLayout))

	sum, err = e.Dispatcher.RunOnce(ctx, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, sum.Attempted)
	assert.Equal(t, 1, sum.AlreadySent)
}

func TestEngineSweepSendsRenewalNotices(t *testing.T) {
	ctx := context.Background()
	e, err := BuildEngine(ctx, loadConfig(t, testConfig+`
renewals:
  at: "08:00"
  renew_url: https://example.test/renew
`), nil, logx.Nop())
	require.NoError(t, err)
	defer e.Close(ctx)

	lagos, err := time.LoadLocation("Africa/Lagos")
	require.NoError(t, err)
	require.NoError(t, e.Store.PutPlanState(ctx, domain.PlanState{
		TenantID: "acme", Tier: domain.TierPro, Status: domain.PlanActive, ExpiresAt: time.Date(2024, 2, 17, 12, 0, 0, 0, lagos),
	}))
	require.NoError(t, e.Store.PutContact(ctx, domain.TenantContact{TenantID: "acme", BusinessName: "Acme Ltd", Email: "ops@acme.test"}))

	res, err := e.Reconciler.Sweep(ctx, time.Date(2024, 2, 14, 8, 30, 0, 0, lagos))
	require.NoError(t, err)
	require.NotNil(t, res.Renewals)
	assert.Equal(t, 1, res.Renewals.Sent)

	rec, err := e.Store.GetDispatch(ctx, "acme|plan|2024-02-17|PLAN-T-3")
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchSent, rec.Status)
}

func TestEngineReload(t *testing.T) {
	ctx := context.Background()
	e, err := BuildEngine(ctx, loadConfig(t, testConfig), nil, logx.Nop())
	require.NoError(t, err)
	defer e.Close(ctx)

	bad := loadConfig(t, testConfig+`
rules:
  VAT:
    type: fixed_day
    day: 40
`)
	require.Error(t, e.Reload(bad))
	r, _ := e.Calculator().Rule(domain.KindVAT)
	assert.Equal(t, 21, r.Day, "invalid reload keeps the previous rules")

	good := loadConfig(t, testConfig+`
rules:
  VAT:
    type: fixed_day
    day: 28
calendars:
  VAT:
    - label: T-1
      days_before: 1
      at: "08:30"
`)
	require.NoError(t, e.Reload(good))
	r, _ = e.Calculator().Rule(domain.KindVAT)
	assert.Equal(t, 28, r.Day)
	cal, ok := e.Planner().Calendar(domain.KindVAT)
	require.True(t, ok)
	require.Len(t, cal, 1)
	assert.Equal(t, "T-1", cal[0].Label)
}

func TestMapDispatchCollectsErrors(t *testing.T) {
	cfg := loadConfig(t, testConfig)
	cfg.Dispatch.SendTimeout = "soon"
	cfg.Dispatch.Circuit.BaseDelay = "-1s"
	_, err := mapDispatch(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch.send_timeout")
	assert.Contains(t, err.Error(), "dispatch.circuit.base_delay")

	cfg = loadConfig(t, testConfig)
	cfg.Dispatch.RatePerSec = map[string]float64{" Email ": 2}
	dc, err := mapDispatch(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2.0, dc.RatePerSec[domain.ChannelEmail])
}

func TestMapStorageDefaultsToSQLiteFile(t *testing.T) {
	sc, err := mapStorage(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, defaultSQLitePath, sc.Path)
}

func TestAppManualTriggerAndReload(t *testing.T) {
	path := writeConfig(t, testConfig)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, path)
	require.NoError(t, err)
	seedVAT(t, a.Engine(), domain.TierBasic)
	require.NoError(t, a.Start(ctx))

	lagos, _ := time.LoadLocation("Africa/Lagos")
	at := time.Date(2024, 2, 18, 21, 5, 0, 0, lagos)
	require.NoError(t, a.Scheduler().Trigger(ctx, opsapi.JobDispatch, at))
	sum, ok := a.Engine().Dispatcher.LastSummary()
	require.True(t, ok)
	assert.Equal(t, 1, sum.Sent, "T-3-PM goes out on email for basic")

	require.NoError(t, a.Scheduler().Trigger(ctx, opsapi.JobSweep, at))

	cfg := a.cfgm.Get()
	next := *cfg
	next.Dispatch.RetryMax = -1
	a.apply(ctx, cfg, &next)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopRequested))
}

func TestReloadEnablingSchedulerRunsStartJobs(t *testing.T) {
	path := writeConfig(t, testConfig)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, path)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopRequested)
	}()

	runs := func() uint64 {
		var n uint64
		for _, j := range a.Scheduler().Snapshot().Jobs {
			n += j.Runs
		}
		return n
	}
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, runs(), "disabled scheduler must not run start jobs")

	cfg := a.cfgm.Get()
	next := *cfg
	next.Scheduler.Enabled = true
	a.apply(ctx, cfg, &next)

	require.Eventually(t, func() bool { return runs() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, a.Scheduler().Enabled())
}

func TestCheckReloadRejectsBadCalendar(t *testing.T) {
	cfg := loadConfig(t, testConfig+`
calendars:
  CAC:
    - label: T-1
      days_before: 1
      at: "25:00"
`)
	assert.Error(t, checkReload(cfg))
}
