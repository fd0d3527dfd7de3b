package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"duewatch/internal/channel"
	"duewatch/internal/domain"
	"duewatch/internal/eventbus"
	"duewatch/internal/ledger"
	"duewatch/internal/occasion"
	logx "duewatch/pkg/logx"
)

// PlanObligationID stands in for the obligation id in renewal occasion
// keys, giving tenant|plan|<expiry>|PLAN-T-<n>.
const PlanObligationID = "plan"

// DefaultRenewalDays are the days before expiry that get a notice.
var DefaultRenewalDays = []int{7, 3, 1, 0}

// ExpiringPlans lists plans by expiry instant.
type ExpiringPlans interface {
	ListExpiringPlans(ctx context.Context, from, to time.Time, afterTenant string, limit int) ([]domain.PlanState, error)
}

type ContactLookup interface {
	GetContact(ctx context.Context, tenantID string) (domain.TenantContact, bool, error)
}

type RenewalConfig struct {
	Disabled bool
	// Days before expiry, in the location's calendar days. 0 is the
	// expiry day itself.
	Days []int
	// At is the earliest local time a notice goes out on its day.
	At       occasion.TimeOfDay
	Location *time.Location
	RenewURL string

	PageSize    int
	OpTimeout   time.Duration
	SendTimeout time.Duration
}

func (c RenewalConfig) withDefaults() RenewalConfig {
	if len(c.Days) == 0 {
		c.Days = DefaultRenewalDays
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.PageSize <= 0 {
		c.PageSize = 200
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 20 * time.Second
	}
	return c
}

// RenewalResult summarizes one pass.
type RenewalResult struct {
	RunID       string        `json:"run_id"`
	At          time.Time     `json:"at"`
	Sent        int           `json:"sent"`
	Failed      int           `json:"failed"`
	AlreadySent int           `json:"already_sent"`
	NoRecipient int           `json:"no_recipient"`
	Keys        []string      `json:"keys,omitempty"`
	Took        time.Duration `json:"took"`
}

// RenewalEvent is published for each notice attempted.
type RenewalEvent struct {
	Key       string                `json:"key"`
	TenantID  string                `json:"tenant_id"`
	ExpiresAt time.Time             `json:"expires_at"`
	DaysLeft  int                   `json:"days_left"`
	Status    domain.DispatchStatus `json:"status"`
	Error     string                `json:"error,omitempty"`
}

// Renewals emails tenants ahead of plan expiry. Each notice is an occasion
// claimed through the same ledger as deadline reminders, so it goes out at
// most once whatever the number of instances or passes.
type Renewals struct {
	plans    ExpiringPlans
	contacts ContactLookup
	ledger   ledger.Ledger
	senders  *channel.Registry
	bus      eventbus.Bus
	log      logx.Logger

	mu   sync.Mutex
	cfg  RenewalConfig
	last *RenewalResult
}

// NewRenewals builds the notifier. bus may be nil.
func NewRenewals(cfg RenewalConfig, plans ExpiringPlans, contacts ContactLookup, l ledger.Ledger, senders *channel.Registry, bus eventbus.Bus, log logx.Logger) *Renewals {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Renewals{
		plans:    plans,
		contacts: contacts,
		ledger:   l,
		senders:  senders,
		bus:      bus,
		log:      log.With(logx.String("comp", "renewals")),
		cfg:      cfg.withDefaults(),
	}
}

// Apply swaps the configuration for subsequent passes.
func (r *Renewals) Apply(cfg RenewalConfig) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

func (r *Renewals) config() RenewalConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// LastResult returns the most recent pass, if any.
func (r *Renewals) LastResult() (RenewalResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return RenewalResult{}, false
	}
	return *r.last, true
}

// Notify sends the notices due on now's local day once now has passed the
// configured time of day. Claims are kept when the pass is cancelled.
func (r *Renewals) Notify(ctx context.Context, now time.Time) (RenewalResult, error) {
	cfg := r.config()
	res := RenewalResult{RunID: uuid.NewString(), At: now}
	if cfg.Disabled {
		return res, nil
	}
	start := time.Now()
	err := r.notify(ctx, cfg, now, &res)
	res.Took = time.Since(start)

	r.mu.Lock()
	r.last = &res
	r.mu.Unlock()

	if err != nil {
		r.log.Error("renewal notices failed", logx.String("run_id", res.RunID), logx.Err(err), logx.Int("sent", res.Sent))
		return res, err
	}
	if res.Sent+res.Failed > 0 {
		r.log.Info("renewal notices processed",
			logx.String("run_id", res.RunID),
			logx.Int("sent", res.Sent),
			logx.Int("failed", res.Failed),
			logx.Int("already_sent", res.AlreadySent),
			logx.Duration("took", res.Took),
		)
	}
	return res, nil
}

func (r *Renewals) notify(ctx context.Context, cfg RenewalConfig, now time.Time, res *RenewalResult) error {
	local := now.In(cfg.Location)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, cfg.Location)
	if local.Before(today.Add(time.Duration(cfg.At.Hour)*time.Hour + time.Duration(cfg.At.Minute)*time.Minute)) {
		return nil
	}
	sender, ok := r.senders.Get(domain.ChannelEmail)
	if !ok {
		r.log.Debug("no email sender; renewal notices skipped")
		return nil
	}

	from := today
	to := today.AddDate(0, 0, slices.Max(cfg.Days)+1)
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := r.list(ctx, cfg, from, to, after)
		if err != nil {
			return err
		}
		for _, p := range page {
			if err := r.plan(ctx, cfg, sender, today, now, p, res); err != nil {
				return err
			}
		}
		if len(page) < cfg.PageSize {
			return nil
		}
		after = page[len(page)-1].TenantID
	}
}

func (r *Renewals) list(ctx context.Context, cfg RenewalConfig, from, to time.Time, after string) ([]domain.PlanState, error) {
	cctx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer cancel()
	page, err := r.plans.ListExpiringPlans(cctx, from, to, after, cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("list expiring plans: %w", err)
	}
	return page, nil
}

// plan handles one tenant. Only store outages are returned; everything
// else is counted and logged.
func (r *Renewals) plan(ctx context.Context, cfg RenewalConfig, sender channel.Sender, today, now time.Time, p domain.PlanState, res *RenewalResult) error {
	exp := p.ExpiresAt.In(cfg.Location)
	expDay := time.Date(exp.Year(), exp.Month(), exp.Day(), 0, 0, 0, 0, time.UTC)
	days := int(expDay.Sub(time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)).Hours() / 24)
	if !slices.Contains(cfg.Days, days) {
		return nil
	}
	// A plan already downgraded only hears about it on its expiry day.
	if p.Status == domain.PlanExpired && days != 0 {
		return nil
	}
	if p.Status == domain.PlanActive && p.Tier == domain.TierFree {
		return nil
	}
	log := r.log.With(logx.String("tenant", p.TenantID), logx.Int("days_left", days))

	cctx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	contact, found, err := r.contacts.GetContact(cctx, p.TenantID)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			return err
		}
		log.Warn("contact lookup failed", logx.Err(err))
		return nil
	}
	to := contact.Address(domain.ChannelEmail)
	if !found || to == "" {
		res.NoRecipient++
		log.Debug("no email address; renewal notice skipped")
		return nil
	}

	id := domain.OccasionID{
		TenantID:     p.TenantID,
		ObligationID: PlanObligationID,
		DueDate:      expDay,
		Label:        fmt.Sprintf("PLAN-T-%d", days),
	}
	log = log.With(logx.String("key", id.Key()))
	got, err := r.ledger.TryClaim(ctx, id, res.RunID, now)
	if err != nil {
		if ledger.IsFatal(err) {
			return err
		}
		log.Warn("renewal claim failed", logx.Err(err))
		return nil
	}
	if got == ledger.AlreadySent {
		res.AlreadySent++
		return nil
	}

	msg := RenderRenewal(p, contact, to, days, cfg.RenewURL)
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	sendErr := sender.Send(sctx, msg)
	cancel()

	rec := domain.NewClaimRecord(id, res.RunID, now)
	rec.ChannelsAttempted = []domain.Channel{domain.ChannelEmail}
	if sendErr == nil {
		rec.ChannelsSucceeded = []domain.Channel{domain.ChannelEmail}
	} else {
		rec.ErrorDetail = fmt.Sprintf("%s: %v", domain.ChannelEmail, sendErr)
	}
	rec.Status = domain.OutcomeStatus(len(rec.ChannelsAttempted), len(rec.ChannelsSucceeded))
	rec.UpdatedAt = time.Now()

	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.OpTimeout)
	if err := r.ledger.Record(wctx, rec); err != nil {
		log.Warn("record renewal outcome failed", logx.Err(err))
	}
	wcancel()

	res.Keys = append(res.Keys, id.Key())
	if sendErr != nil {
		res.Failed++
		log.Error("renewal notice failed", logx.Err(sendErr))
	} else {
		res.Sent++
		log.Info("renewal notice sent")
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeRenewalNotice, Data: RenewalEvent{
			Key:       id.Key(),
			TenantID:  p.TenantID,
			ExpiresAt: p.ExpiresAt,
			DaysLeft:  days,
			Status:    rec.Status,
			Error:     rec.ErrorDetail,
		}})
	}
	return nil
}

// RenderRenewal builds the notice for a plan expiring in days.
func RenderRenewal(p domain.PlanState, contact domain.TenantContact, to string, days int, renewURL string) channel.Message {
	plan := "subscription"
	if p.Tier != "" && p.Tier != domain.TierFree {
		plan = strings.ToUpper(string(p.Tier)) + " plan"
	}
	name := strings.TrimSpace(contact.BusinessName)
	if name == "" {
		name = "there"
	}
	expires := p.ExpiresAt.Format("Monday, 2 January 2006")

	var subject, lead string
	switch {
	case days == 0:
		subject = fmt.Sprintf("Your %s expires today", plan)
		lead = fmt.Sprintf("Your %s expires today, %s. After that you keep free-tier access only, and deadline reminders stop on paid channels.", plan, expires)
	case days == 1:
		subject = fmt.Sprintf("FINAL NOTICE: your %s expires tomorrow", plan)
		lead = fmt.Sprintf("Your %s expires tomorrow, %s. This is the last notice before reminders are reduced to the free tier.", plan, expires)
	case days <= 3:
		subject = fmt.Sprintf("URGENT: your %s expires in %d days", plan, days)
		lead = fmt.Sprintf("Your %s expires in %d days, on %s. Renew now so tax deadline reminders keep coming.", plan, days, expires)
	default:
		subject = fmt.Sprintf("Your %s expires in %d days", plan, days)
		lead = fmt.Sprintf("Your %s expires in %d days, on %s.", plan, days, expires)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n%s\n", name, lead)
	if u := strings.TrimSpace(renewURL); u != "" {
		fmt.Fprintf(&b, "\nRenew: %s\n", u)
	}
	return channel.Message{To: to, Subject: subject, Body: b.String()}
}
