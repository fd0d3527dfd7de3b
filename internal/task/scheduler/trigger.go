package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const minInterval = time.Second

// Trigger is a parsed schedule: either a cron expression or a fixed interval.
type Trigger struct {
	Cron  string
	Every time.Duration
}

// ParseSchedule accepts
//
//	"*/5 * * * *", "@hourly", "@every 15m"  cron (robfig syntax)
//	"15m", "2h30m"                           interval as a Go duration
//	"00:15", "02:30"                         interval as HH:MM
//
// "cron:" forces cron parsing; "every:" or "interval:" forces an interval.
// HH:MM is a period, not a time of day; use "0 9 * * *" for 09:00 daily.
func ParseSchedule(raw string) (Trigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Trigger{}, errors.New("schedule required")
	}
	if rest, ok := cutPrefixFold(s, "cron:"); ok {
		if rest == "" {
			return Trigger{}, errors.New("cron expression required after \"cron:\"")
		}
		return Trigger{Cron: rest}, nil
	}
	for _, p := range []string{"every:", "interval:"} {
		if rest, ok := cutPrefixFold(s, p); ok {
			d, err := parseInterval(rest)
			return Trigger{Every: d}, err
		}
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return Trigger{Cron: s}, nil
	}
	d, err := parseInterval(s)
	if err != nil {
		return Trigger{}, fmt.Errorf("invalid schedule %q: use cron ('*/15 * * * *'), a duration ('15m') or HH:MM ('00:15')", raw)
	}
	return Trigger{Every: d}, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

func parseInterval(v string) (time.Duration, error) {
	if v == "" {
		return 0, errors.New("interval required")
	}
	var d time.Duration
	if h, m, ok := strings.Cut(v, ":"); ok {
		hh, err1 := strconv.Atoi(h)
		mm, err2 := strconv.Atoi(m)
		if err1 != nil || err2 != nil || hh < 0 || mm < 0 || mm > 59 || len(m) != 2 {
			return 0, fmt.Errorf("invalid HH:MM interval %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval %q must be positive", v)
	}
	return d, nil
}

// String renders the trigger in robfig syntax.
func (t Trigger) String() string {
	if t.Every > 0 {
		return "@every " + t.Every.String()
	}
	return t.Cron
}

// Schedule compiles the trigger. Intervals are fixed-rate from registration.
func (t Trigger) Schedule(parser cron.Parser) (cron.Schedule, error) {
	if t.Every > 0 {
		if t.Every < minInterval {
			return nil, fmt.Errorf("interval %s is below %s", t.Every, minInterval)
		}
		return cron.Every(t.Every), nil
	}
	return parser.Parse(t.Cron)
}
