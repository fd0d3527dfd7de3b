package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"duewatch/internal/channel"
	"duewatch/internal/domain"
	"duewatch/internal/eventbus"
	logx "duewatch/pkg/logx"
)

type sendResult struct {
	ch  domain.Channel
	err error
}

// attempt fans a claimed occasion out to every target and records the
// outcome. The record is written even if the run is being cancelled.
func (d *Dispatcher) attempt(ctx context.Context, rs *runState, log logx.Logger, occ domain.Occasion, tg targets) {
	log = log.With(logx.String("occasion", occ.ID.Key()), logx.String("label", occ.ID.Label))

	results := make([]sendResult, len(tg.list))
	var wg sync.WaitGroup
	for i, t := range tg.list {
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			select {
			case rs.sendSem <- struct{}{}:
			case <-ctx.Done():
				results[i] = sendResult{ch: t.ch, err: context.Cause(ctx)}
				return
			}
			defer func() { <-rs.sendSem }()
			msg := Render(occ, tg.contact, t.to)
			results[i] = sendResult{ch: t.ch, err: d.send(ctx, rs, log, t, msg)}
		}(i, t)
	}
	wg.Wait()

	attempted := make([]domain.Channel, 0, len(results))
	succeeded := make([]domain.Channel, 0, len(results))
	var errs []string
	for _, r := range results {
		attempted = append(attempted, r.ch)
		if r.err == nil {
			succeeded = append(succeeded, r.ch)
			continue
		}
		errs = append(errs, fmt.Sprintf("%s: %v", r.ch, r.err))
	}
	sort.Strings(errs)

	status := domain.OutcomeStatus(len(attempted), len(succeeded))
	rec := domain.NewClaimRecord(occ.ID, rs.id, rs.now)
	rec.ChannelsAttempted = attempted
	rec.ChannelsSucceeded = succeeded
	rec.Status = status
	rec.ErrorDetail = strings.Join(errs, "; ")
	rec.UpdatedAt = time.Now()

	d.writeRecord(ctx, rs, log, rec)

	rs.add(func(s *Summary) {
		switch status {
		case domain.DispatchSent:
			s.Sent++
		case domain.DispatchPartiallySent:
			s.PartiallySent++
		default:
			s.Failed++
		}
	})
	if status == domain.DispatchFailed {
		rs.mu.Lock()
		rs.failed = append(rs.failed, occ.ID.Key())
		rs.mu.Unlock()
	}
	if d.deps.Metrics != nil {
		d.deps.Metrics.RecordOccasion(context.WithoutCancel(ctx), status)
	}

	ev := OccasionEvent{
		RunID:     rs.id,
		Key:       occ.ID.Key(),
		TenantID:  occ.ID.TenantID,
		Kind:      occ.Kind,
		Label:     occ.ID.Label,
		DueDate:   occ.ID.DueDate.Format(domain.DateLayout),
		Status:    status,
		Attempted: attempted,
		Succeeded: succeeded,
		Error:     rec.ErrorDetail,
	}
	switch status {
	case domain.DispatchSent:
		d.publish(eventbus.TypeOccasionSent, ev)
		log.Info("reminder sent", logx.Any("channels", succeeded))
	case domain.DispatchPartiallySent:
		d.publish(eventbus.TypeOccasionPartial, ev)
		log.Warn("reminder partially sent", logx.Any("succeeded", succeeded), logx.String("error", rec.ErrorDetail))
	default:
		d.publish(eventbus.TypeOccasionFailed, ev)
		log.Error("reminder failed on every channel", logx.String("error", rec.ErrorDetail))
	}
}

// writeRecord persists the outcome detached from run cancellation.
func (d *Dispatcher) writeRecord(ctx context.Context, rs *runState, log logx.Logger, rec domain.DispatchRecord) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rs.cfg.StoreTimeout)
	defer cancel()
	if err := d.deps.Ledger.Record(wctx, rec); err != nil {
		log.Warn("record dispatch outcome failed", logx.String("status", string(rec.Status)), logx.Err(err))
	}
}

// send delivers msg on one channel with rate limiting, retry and the
// per-channel circuit breaker.
func (d *Dispatcher) send(ctx context.Context, rs *runState, log logx.Logger, t target, msg channel.Message) error {
	cfg := rs.cfg
	if lim := rs.limiters[t.ch]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			wait := retryDelay(cfg.RetryBase, cfg.RetryMaxDelay, attempt, lastErr)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(lastErr, context.Cause(ctx))
			case <-timer.C:
			}
		}

		if open, until := d.circuits.open(time.Now(), t.ch, cfg.Circuit); open {
			return fmt.Errorf("%w until %s", channel.ErrCircuitOpen, until.Format(time.RFC3339))
		}

		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := t.sender.Send(sctx, msg)
		cancel()
		took := time.Since(start)

		if ctx.Err() == nil {
			d.circuits.record(time.Now(), t.ch, cfg.Circuit, err)
		}
		if d.deps.Metrics != nil {
			d.deps.Metrics.RecordSend(context.WithoutCancel(ctx), t.ch, err == nil, took)
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if channel.IsNoRetry(err) || ctx.Err() != nil {
			break
		}
		log.Debug("send attempt failed", logx.String("channel", string(t.ch)), logx.Int("attempt", attempt+1), logx.Err(err))
	}
	return lastErr
}

func (d *Dispatcher) publish(typ string, data any) {
	if d.deps.Bus == nil {
		return
	}
	d.deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}
