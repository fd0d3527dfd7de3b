// Package dispatch runs one pass over all active obligations: it refreshes
// stale due dates, plans due occasions, claims each one in the dedup ledger
// and fans it out to the tenant's entitled channels.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"duewatch/internal/channel"
	"duewatch/internal/domain"
	"duewatch/internal/duedate"
	"duewatch/internal/eventbus"
	"duewatch/internal/ledger"
	logx "duewatch/pkg/logx"
)

// Deps are the collaborators of a Dispatcher. Bus and Metrics may be nil.
type Deps struct {
	Obligations ObligationSource
	Contacts    ContactSource
	Calculator  DueDateCalculator
	Planner     OccasionPlanner
	Gate        ChannelGate
	Ledger      ledger.Ledger
	Senders     *channel.Registry
	Bus         eventbus.Bus
	Metrics     Recorder
}

type Dispatcher struct {
	log  logx.Logger
	deps Deps

	mu       sync.Mutex
	cfg      Config
	planner  OccasionPlanner
	limiters map[domain.Channel]*rate.Limiter
	last     *Summary

	circuits breakers
}

func New(cfg Config, deps Deps, log logx.Logger) (*Dispatcher, error) {
	switch {
	case deps.Obligations == nil:
		return nil, errors.New("dispatch: obligation store is required")
	case deps.Contacts == nil:
		return nil, errors.New("dispatch: contact store is required")
	case deps.Calculator == nil, deps.Planner == nil:
		return nil, errors.New("dispatch: calculator and planner are required")
	case deps.Gate == nil:
		return nil, errors.New("dispatch: channel gate is required")
	case deps.Ledger == nil:
		return nil, errors.New("dispatch: ledger is required")
	case deps.Senders == nil:
		return nil, errors.New("dispatch: sender registry is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{log: log.With(logx.String("comp", "dispatch")), deps: deps, planner: deps.Planner}
	d.Apply(cfg)
	return d, nil
}

// Apply swaps tunables at runtime. Runs in progress keep their snapshot.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	lims := make(map[domain.Channel]*rate.Limiter, len(cfg.RatePerSec))
	for ch, rps := range cfg.RatePerSec {
		if rps <= 0 {
			continue
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		lims[ch] = rate.NewLimiter(rate.Limit(rps), burst)
	}
	d.mu.Lock()
	d.cfg = cfg
	d.limiters = lims
	d.mu.Unlock()
}

// SetPlanner replaces the occasion planner, e.g. after a calendar reload.
func (d *Dispatcher) SetPlanner(p OccasionPlanner) {
	if p == nil {
		return
	}
	d.mu.Lock()
	d.planner = p
	d.mu.Unlock()
}

// LastSummary returns the most recent run summary, if any.
func (d *Dispatcher) LastSummary() (Summary, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return Summary{}, false
	}
	return *d.last, true
}

// OpenCircuits lists channels currently failing fast.
func (d *Dispatcher) OpenCircuits(now time.Time) map[domain.Channel]time.Time {
	return d.circuits.snapshot(now)
}

type runState struct {
	id       string
	now      time.Time
	today    time.Time
	cfg      Config
	planner  OccasionPlanner
	limiters map[domain.Channel]*rate.Limiter
	sendSem  chan struct{}
	log      logx.Logger

	mu      sync.Mutex
	sum     Summary
	fatal   error
	abort   context.CancelCauseFunc
	failed  []string
	records sync.WaitGroup
}

func (rs *runState) add(f func(s *Summary)) {
	rs.mu.Lock()
	f(&rs.sum)
	rs.mu.Unlock()
}

func (rs *runState) fail(err error) {
	rs.mu.Lock()
	if rs.fatal == nil {
		rs.fatal = err
	}
	rs.mu.Unlock()
	rs.abort(err)
}

// RunOnce processes every active obligation at now. It returns an error only
// when the run had to abort (store unavailable or cancelled); per-obligation
// failures are counted in the summary.
func (d *Dispatcher) RunOnce(ctx context.Context, now time.Time) (Summary, error) {
	d.mu.Lock()
	cfg := d.cfg
	planner := d.planner
	limiters := d.limiters
	d.mu.Unlock()

	loc := planner.Location()
	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	rs := &runState{
		id:       uuid.NewString(),
		now:      now,
		today:    duedate.DateOf(now, loc),
		cfg:      cfg,
		planner:  planner,
		limiters: limiters,
		sendSem:  make(chan struct{}, cfg.SendWorkers),
		abort:    abort,
	}
	rs.log = d.log.With(logx.String("run_id", rs.id))
	rs.sum = Summary{RunID: rs.id, At: now, StartedAt: time.Now()}

	d.publish(eventbus.TypeRunStarted, rs.sum)
	rs.log.Debug("dispatch run started", logx.Time("at", now))

	jobs := make(chan domain.Obligation)
	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ob := range jobs {
				if runCtx.Err() != nil {
					continue
				}
				d.processObligation(runCtx, rs, ob)
			}
		}()
	}

	listErr := d.feed(runCtx, rs, jobs)
	close(jobs)
	wg.Wait()
	rs.records.Wait()

	sum := rs.finish()
	err := rs.fatal
	if err == nil && listErr != nil {
		err = listErr
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		sum.Aborted = true
		sum.Error = err.Error()
	}

	d.mu.Lock()
	d.last = &sum
	d.mu.Unlock()

	if d.deps.Metrics != nil {
		d.deps.Metrics.RecordRun(context.WithoutCancel(ctx), sum, err)
	}
	if err != nil {
		d.publish(eventbus.TypeRunFailed, sum)
		rs.log.Error("dispatch run aborted", logx.Err(err), logx.Int("attempted", sum.Attempted), logx.Int("failed", sum.Failed))
		return sum, err
	}
	d.publish(eventbus.TypeRunFinished, sum)
	fields := []logx.Field{
		logx.Int("obligations", sum.Obligations),
		logx.Int("attempted", sum.Attempted),
		logx.Int("sent", sum.Sent),
		logx.Int("partially_sent", sum.PartiallySent),
		logx.Int("failed", sum.Failed),
		logx.Int("already_sent", sum.AlreadySent),
		logx.Duration("took", sum.Took),
	}
	if sum.Failed > 0 {
		rs.log.Warn("dispatch run finished with failures", append(fields, logx.Any("failed_occasions", sum.FailedOccasions))...)
	} else {
		rs.log.Info("dispatch run finished", fields...)
	}
	return sum, nil
}

func (rs *runState) finish() Summary {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	s := rs.sum
	s.FailedOccasions = append([]string(nil), rs.failed...)
	sort.Strings(s.FailedOccasions)
	s.Took = time.Since(s.StartedAt)
	return s
}

// feed pages through active obligations. A read failure aborts the run.
func (d *Dispatcher) feed(ctx context.Context, rs *runState, jobs chan<- domain.Obligation) error {
	token := ""
	for {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		page, next, err := d.deps.Obligations.ListActiveObligations(ctx, token, rs.cfg.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			err = fmt.Errorf("list active obligations: %w", err)
			rs.fail(err)
			return err
		}
		for _, ob := range page {
			select {
			case jobs <- ob:
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		}
		if next == "" || len(page) == 0 {
			return nil
		}
		token = next
	}
}

func (d *Dispatcher) processObligation(ctx context.Context, rs *runState, ob domain.Obligation) {
	log := rs.log.With(logx.String("tenant_id", ob.TenantID), logx.String("obligation_id", ob.ID), logx.String("kind", string(ob.Kind)))
	rs.add(func(s *Summary) { s.Obligations++ })

	ob, err := d.refreshDueDate(ctx, rs, ob)
	if err != nil {
		d.obligationError(rs, log, "refresh due date", err)
		return
	}

	occs, err := rs.planner.DueOccasions(ob, rs.now)
	if err != nil {
		d.obligationError(rs, log, "plan occasions", err)
		return
	}
	if len(occs) == 0 {
		return
	}

	tg, err := d.resolveTargets(ctx, rs, ob.TenantID)
	if err != nil {
		d.obligationError(rs, log, "resolve channels", err)
		return
	}
	if len(tg.list) == 0 {
		rs.add(func(s *Summary) { s.NoChannels += len(occs) })
		log.Debug("no deliverable channels for tenant", logx.Int("occasions", len(occs)))
		return
	}

	for _, occ := range occs {
		if ctx.Err() != nil {
			return
		}
		res, err := d.deps.Ledger.TryClaim(ctx, occ.ID, rs.id, rs.now)
		if err != nil {
			if ledger.IsFatal(err) {
				rs.fail(fmt.Errorf("claim %s: %w", occ.ID.Key(), err))
				return
			}
			// Contention: another actor holds the row.
			log.Warn("claim contended; treating as already sent", logx.String("occasion", occ.ID.Key()), logx.Err(err))
			res = ledger.AlreadySent
		}
		if res == ledger.AlreadySent {
			rs.add(func(s *Summary) { s.AlreadySent++ })
			continue
		}
		rs.add(func(s *Summary) { s.Attempted++ })
		d.attempt(ctx, rs, log, occ, tg)
	}
}

func (d *Dispatcher) obligationError(rs *runState, log logx.Logger, op string, err error) {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		rs.fail(fmt.Errorf("%s: %w", op, err))
		return
	}
	if domain.IsConfigError(err) {
		rs.add(func(s *Summary) { s.ConfigErrors++ })
		log.Warn("obligation skipped: configuration error", logx.String("op", op), logx.Err(err))
		return
	}
	rs.add(func(s *Summary) { s.ObligationErrors++ })
	log.Warn("obligation skipped", logx.String("op", op), logx.Err(err))
}

// refreshDueDate recomputes and persists a missing or stale due date. A due
// date equal to today's date is not stale.
func (d *Dispatcher) refreshDueDate(ctx context.Context, rs *runState, ob domain.Obligation) (domain.Obligation, error) {
	stale := ob.NextDueDate.IsZero() ||
		(ob.Recurrence != domain.RecurrenceOneTime && ob.NextDueDate.Before(rs.today))
	if !stale {
		return ob, nil
	}
	next, err := d.deps.Calculator.Next(ob.Kind, ob.AnchorDate, ob.Recurrence, rs.now.In(rs.planner.Location()))
	if err != nil {
		return ob, err
	}
	last := ob.LastDueDate
	if !ob.NextDueDate.IsZero() && ob.NextDueDate.Before(next) {
		last = ob.NextDueDate
	}
	if next.Equal(ob.NextDueDate) && last.Equal(ob.LastDueDate) {
		return ob, nil
	}

	sctx, cancel := context.WithTimeout(ctx, rs.cfg.StoreTimeout)
	defer cancel()
	if err := d.deps.Obligations.UpdateNextDueDate(sctx, ob.ID, next, last); err != nil {
		return ob, err
	}
	ob.NextDueDate = next
	ob.LastDueDate = last
	rs.add(func(s *Summary) { s.DueDatesUpdated++ })
	return ob, nil
}

type target struct {
	ch     domain.Channel
	to     string
	sender channel.Sender
}

type targets struct {
	contact domain.TenantContact
	list    []target
}

// resolveTargets intersects entitled channels with known addresses and
// registered senders.
func (d *Dispatcher) resolveTargets(ctx context.Context, rs *runState, tenantID string) (targets, error) {
	var out targets
	allowed, err := d.deps.Gate.AllowedChannels(ctx, tenantID, rs.now)
	if err != nil || len(allowed) == 0 {
		return out, err
	}
	contact, ok, err := d.deps.Contacts.GetContact(ctx, tenantID)
	if err != nil || !ok {
		return out, err
	}
	out.contact = contact
	for _, ch := range allowed {
		addr := contact.Address(ch)
		if addr == "" {
			continue
		}
		s, ok := d.deps.Senders.Get(ch)
		if !ok {
			continue
		}
		out.list = append(out.list, target{ch: ch, to: addr, sender: s})
	}
	return out, nil
}
