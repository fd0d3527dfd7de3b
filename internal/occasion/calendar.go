package occasion

import (
	"fmt"
	"strconv"
	"strings"

	"duewatch/internal/domain"
)

// TimeOfDay is a wall-clock time in the jurisdiction's location.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// Entry is one point of a notification calendar. DaysBefore is negative for
// post-due (overdue) reminders.
type Entry struct {
	Label      string
	DaysBefore int
	At         TimeOfDay
}

// Calendar is the ordered list of entries for a kind.
type Calendar []Entry

// Validate rejects empty or duplicate labels.
func (c Calendar) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("calendar has no entries")
	}
	seen := make(map[string]struct{}, len(c))
	for _, e := range c {
		label := strings.TrimSpace(e.Label)
		if label == "" {
			return fmt.Errorf("calendar entry has empty label")
		}
		if strings.Contains(label, "|") {
			return fmt.Errorf("calendar label %q must not contain '|'", label)
		}
		if _, dup := seen[label]; dup {
			return fmt.Errorf("duplicate calendar label %q", label)
		}
		seen[label] = struct{}{}
		if e.At.Hour < 0 || e.At.Hour > 23 || e.At.Minute < 0 || e.At.Minute > 59 {
			return fmt.Errorf("calendar entry %q: invalid time %s", label, e.At)
		}
	}
	return nil
}

var (
	morning = TimeOfDay{Hour: 9}
	evening = TimeOfDay{Hour: 21}
)

// MonthlyCalendar is the canonical cadence for monthly filings.
func MonthlyCalendar() Calendar {
	return Calendar{
		{Label: "T-7", DaysBefore: 7, At: morning},
		{Label: "T-3-AM", DaysBefore: 3, At: morning},
		{Label: "T-3-PM", DaysBefore: 3, At: evening},
		{Label: "T-2-AM", DaysBefore: 2, At: morning},
		{Label: "T-2-PM", DaysBefore: 2, At: evening},
		{Label: "T-1-AM", DaysBefore: 1, At: morning},
		{Label: "T-1-PM", DaysBefore: 1, At: evening},
		{Label: "T-0-morning", DaysBefore: 0, At: morning},
		{Label: "T-0-6hr-left", DaysBefore: 0, At: TimeOfDay{Hour: 18}},
		{Label: "T-0-1hr-left", DaysBefore: 0, At: TimeOfDay{Hour: 23}},
		{Label: "T+1", DaysBefore: -1, At: morning},
		{Label: "T+3", DaysBefore: -3, At: morning},
		{Label: "T+7", DaysBefore: -7, At: morning},
		{Label: "T+14", DaysBefore: -14, At: morning},
	}
}

// YearlyCalendar is the canonical cadence for annual filings.
func YearlyCalendar() Calendar {
	return Calendar{
		{Label: "T-30", DaysBefore: 30, At: morning},
		{Label: "T-14", DaysBefore: 14, At: morning},
		{Label: "T-7", DaysBefore: 7, At: morning},
		{Label: "T-1", DaysBefore: 1, At: morning},
		{Label: "T-0-morning", DaysBefore: 0, At: morning},
		{Label: "T+1", DaysBefore: -1, At: morning},
		{Label: "T+7", DaysBefore: -7, At: morning},
	}
}

// DefaultCalendars maps each built-in kind to its canonical calendar.
func DefaultCalendars() map[domain.Kind]Calendar {
	return map[domain.Kind]Calendar{
		domain.KindVAT:  MonthlyCalendar(),
		domain.KindWHT:  MonthlyCalendar(),
		domain.KindPAYE: MonthlyCalendar(),
		domain.KindCAC:  YearlyCalendar(),
		domain.KindCIT:  YearlyCalendar(),
	}
}
