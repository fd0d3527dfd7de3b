package duedate

import (
	"fmt"
	"strings"

	"duewatch/internal/domain"
)

type RuleType string

const (
	RuleFixedDay             RuleType = "fixed_day"
	RuleDaysAfterAnniversary RuleType = "days_after_anniversary"
	RuleMonthsAfterAnchor    RuleType = "months_after_anchor"
)

// Rule is the jurisdiction rule for one obligation kind.
type Rule struct {
	Type   RuleType
	Day    int // fixed_day
	Days   int // days_after_anniversary
	Months int // months_after_anchor
}

func (r Rule) String() string {
	switch r.Type {
	case RuleFixedDay:
		return fmt.Sprintf("day %d of following month", r.Day)
	case RuleDaysAfterAnniversary:
		return fmt.Sprintf("%d days after anniversary", r.Days)
	case RuleMonthsAfterAnchor:
		return fmt.Sprintf("%d months after anchor", r.Months)
	default:
		return string(r.Type)
	}
}

// Validate checks the rule's parameters.
func (r Rule) Validate() error {
	switch r.Type {
	case RuleFixedDay:
		if r.Day < 1 || r.Day > 31 {
			return fmt.Errorf("fixed_day: day must be 1..31 (got %d)", r.Day)
		}
	case RuleDaysAfterAnniversary:
		if r.Days < 0 || r.Days > 366 {
			return fmt.Errorf("days_after_anniversary: days must be 0..366 (got %d)", r.Days)
		}
	case RuleMonthsAfterAnchor:
		if r.Months < 0 || r.Months > 120 {
			return fmt.Errorf("months_after_anchor: months must be 0..120 (got %d)", r.Months)
		}
	default:
		return fmt.Errorf("unknown rule type %q", r.Type)
	}
	return nil
}

// ParseRuleType accepts the config spelling of a rule type.
func ParseRuleType(s string) (RuleType, error) {
	switch t := RuleType(strings.ToLower(strings.TrimSpace(s))); t {
	case RuleFixedDay, RuleDaysAfterAnniversary, RuleMonthsAfterAnchor:
		return t, nil
	default:
		return "", fmt.Errorf("unknown rule type %q", s)
	}
}

// DefaultRules is the canonical per-kind rule table.
func DefaultRules() map[domain.Kind]Rule {
	return map[domain.Kind]Rule{
		domain.KindVAT:  {Type: RuleFixedDay, Day: 21},
		domain.KindWHT:  {Type: RuleFixedDay, Day: 21},
		domain.KindPAYE: {Type: RuleFixedDay, Day: 10},
		domain.KindCAC:  {Type: RuleDaysAfterAnniversary, Days: 42},
		domain.KindCIT:  {Type: RuleMonthsAfterAnchor, Months: 6},
	}
}
