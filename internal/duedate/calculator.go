package duedate

import (
	"fmt"
	"time"

	"duewatch/internal/domain"
)

// Calculator is safe for concurrent use; its rule table is immutable.
type Calculator struct {
	rules map[domain.Kind]Rule
}

// New builds a calculator from DefaultRules overlaid with overrides.
func New(overrides map[domain.Kind]Rule) (*Calculator, error) {
	rules := DefaultRules()
	for k, r := range overrides {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule for %s: %w", k, err)
		}
		rules[domain.NormalizeKind(string(k))] = r
	}
	return &Calculator{rules: rules}, nil
}

// Rule returns the rule configured for kind.
func (c *Calculator) Rule(kind domain.Kind) (Rule, bool) {
	r, ok := c.rules[domain.NormalizeKind(string(kind))]
	return r, ok
}

// Kinds lists the kinds with a rule.
func (c *Calculator) Kinds() []domain.Kind {
	out := make([]domain.Kind, 0, len(c.rules))
	for k := range c.rules {
		out = append(out, k)
	}
	return out
}

// Next returns the earliest due date on or after asOf's date for a recurring
// obligation, or the fixed due date of a one-time obligation.
func (c *Calculator) Next(kind domain.Kind, anchor time.Time, rec domain.Recurrence, asOf time.Time) (time.Time, error) {
	rule, ok := c.Rule(kind)
	if !ok {
		return time.Time{}, &domain.ConfigError{Kind: kind, Reason: "no due-date rule"}
	}
	if anchor.IsZero() {
		return time.Time{}, &domain.ConfigError{Kind: kind, Reason: "missing anchor date"}
	}
	a := Date(anchor)
	today := Date(asOf)

	switch rec {
	case domain.RecurrenceOneTime:
		return firstDue(rule, a), nil
	case domain.RecurrenceMonthly:
		switch rule.Type {
		case RuleFixedDay:
			return nextFixedDay(a, today, rule.Day), nil
		case RuleMonthsAfterAnchor:
			return nextMonthsAfter(a, today, rule.Months, 1), nil
		}
	case domain.RecurrenceYearly:
		switch rule.Type {
		case RuleDaysAfterAnniversary:
			return nextAnniversary(a, today, rule.Days), nil
		case RuleMonthsAfterAnchor:
			return nextMonthsAfter(a, today, rule.Months, 12), nil
		}
	default:
		return time.Time{}, &domain.ConfigError{Kind: kind, Reason: fmt.Sprintf("unknown recurrence %q", rec)}
	}
	return time.Time{}, &domain.ConfigError{
		Kind:   kind,
		Reason: fmt.Sprintf("rule %s does not support %s recurrence", rule.Type, rec),
	}
}

func firstDue(rule Rule, a time.Time) time.Time {
	switch rule.Type {
	case RuleFixedDay:
		return clampDate(a.Year(), a.Month()+1, rule.Day)
	case RuleDaysAfterAnniversary:
		return a.AddDate(0, 0, rule.Days)
	default:
		return AddMonthsClamped(a, rule.Months)
	}
}

// nextFixedDay: the period covered is a calendar month; it is due on day D of
// the following month. The first covered period is the anchor's month.
func nextFixedDay(a, today time.Time, day int) time.Time {
	first := clampDate(a.Year(), a.Month()+1, day)
	cand := clampDate(today.Year(), today.Month(), day)
	if cand.Before(today) {
		cand = clampDate(today.Year(), today.Month()+1, day)
	}
	if cand.Before(first) {
		return first
	}
	return cand
}

// nextMonthsAfter walks anchor+offset, anchor+offset+step, ... and returns the
// first date on or after today. Each candidate is clamped from the anchor's
// own day so a 31st anchor returns to the 31st after a short month.
func nextMonthsAfter(a, today time.Time, offset, step int) time.Time {
	k := offset
	if gap := monthsBetween(a, today) - offset; gap > step {
		k += (gap/step - 1) * step
	}
	for {
		d := AddMonthsClamped(a, k)
		if !d.Before(today) {
			return d
		}
		k += step
	}
}

// nextAnniversary starts at the first anniversary of the anchor.
func nextAnniversary(a, today time.Time, days int) time.Time {
	y := today.Year() - 1
	if y < a.Year()+1 {
		y = a.Year() + 1
	}
	for {
		d := clampDate(y, a.Month(), a.Day()).AddDate(0, 0, days)
		if !d.Before(today) {
			return d
		}
		y++
	}
}

func monthsBetween(from, to time.Time) int {
	return (to.Year()-from.Year())*12 + int(to.Month()-from.Month())
}

// Date truncates t to its civil date (in t's own location) at 00:00 UTC.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateOf returns the civil date of instant t in loc.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return Date(t.In(loc))
}

// AddMonthsClamped adds n months to d, clamping the day to the target month's length.
func AddMonthsClamped(d time.Time, n int) time.Time {
	return clampDate(d.Year(), d.Month()+time.Month(n), d.Day())
}

// clampDate normalizes (y, m) first and then clamps day.
func clampDate(y int, m time.Month, day int) time.Time {
	first := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	if last := DaysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

// DaysIn returns the number of days in month m of year y.
func DaysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
