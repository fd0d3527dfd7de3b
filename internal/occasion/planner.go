// Package occasion decides which notification occasions of an obligation are
// due at a given instant.
package occasion

import (
	"fmt"
	"sort"
	"time"

	"duewatch/internal/domain"
)

// DefaultWindow is how long after its scheduled instant an occasion stays due.
const DefaultWindow = 60 * time.Minute

type Config struct {
	// Calendars override or extend DefaultCalendars per kind.
	Calendars map[domain.Kind]Calendar
	Window    time.Duration
	Location  *time.Location
}

// Planner is immutable after construction; rebuild it to apply new calendars.
type Planner struct {
	calendars map[domain.Kind]Calendar
	window    time.Duration
	loc       *time.Location
}

func NewPlanner(cfg Config) (*Planner, error) {
	cals := DefaultCalendars()
	for k, c := range cfg.Calendars {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("calendar for %s: %w", k, err)
		}
		cals[domain.NormalizeKind(string(k))] = append(Calendar(nil), c...)
	}
	w := cfg.Window
	if w <= 0 {
		w = DefaultWindow
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Planner{calendars: cals, window: w, loc: loc}, nil
}

func (p *Planner) Window() time.Duration     { return p.window }
func (p *Planner) Location() *time.Location { return p.loc }

// Calendar returns the calendar configured for kind.
func (p *Planner) Calendar(kind domain.Kind) (Calendar, bool) {
	c, ok := p.calendars[domain.NormalizeKind(string(kind))]
	return c, ok
}

// DueOccasions returns the occasions whose window contains now, ordered by
// scheduled instant. Pre-due entries use NextDueDate. Post-due entries use
// LastDueDate and NextDueDate, and are skipped once the obligation is paid.
//
// That skip is the only place PaymentStatus matters: pre-due reminders go
// out whatever the payment state, and nothing else in scheduling reads it.
func (p *Planner) DueOccasions(ob domain.Obligation, now time.Time) ([]domain.Occasion, error) {
	cal, ok := p.Calendar(ob.Kind)
	if !ok {
		return nil, &domain.ConfigError{Kind: ob.Kind, Reason: "no notification calendar"}
	}

	var out []domain.Occasion
	seen := make(map[string]struct{})
	add := func(due time.Time, e Entry) {
		occ := p.occasion(ob, due, e)
		if !p.inWindow(occ.ScheduledAt, now) {
			return
		}
		key := occ.ID.Key()
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, occ)
	}

	for _, e := range cal {
		if e.DaysBefore >= 0 {
			if !ob.NextDueDate.IsZero() {
				add(ob.NextDueDate, e)
			}
			continue
		}
		if ob.PaymentStatus == domain.PaymentPaid {
			continue
		}
		if !ob.LastDueDate.IsZero() {
			add(ob.LastDueDate, e)
		}
		if !ob.NextDueDate.IsZero() {
			add(ob.NextDueDate, e)
		}
	}

	sortOccasions(out)
	return out, nil
}

// Schedule lists every occasion of the calendar for one due date, ordered by
// scheduled instant. It ignores the match window.
func (p *Planner) Schedule(ob domain.Obligation, due time.Time) ([]domain.Occasion, error) {
	cal, ok := p.Calendar(ob.Kind)
	if !ok {
		return nil, &domain.ConfigError{Kind: ob.Kind, Reason: "no notification calendar"}
	}
	out := make([]domain.Occasion, 0, len(cal))
	for _, e := range cal {
		out = append(out, p.occasion(ob, due, e))
	}
	sortOccasions(out)
	return out, nil
}

func (p *Planner) occasion(ob domain.Obligation, due time.Time, e Entry) domain.Occasion {
	y, m, d := due.Date()
	at := time.Date(y, m, d-e.DaysBefore, e.At.Hour, e.At.Minute, 0, 0, p.loc)
	return domain.Occasion{
		ID: domain.OccasionID{
			TenantID:     ob.TenantID,
			ObligationID: ob.ID,
			DueDate:      time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
			Label:        e.Label,
		},
		Kind:        ob.Kind,
		ScheduledAt: at,
		DaysBefore:  e.DaysBefore,
	}
}

func (p *Planner) inWindow(scheduled, now time.Time) bool {
	return !now.Before(scheduled) && now.Before(scheduled.Add(p.window))
}

func sortOccasions(out []domain.Occasion) {
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID.Label < out[j].ID.Label
	})
}
