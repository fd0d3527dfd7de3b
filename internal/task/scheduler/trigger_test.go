package scheduler

import (
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Trigger
	}{
		{"*/15 * * * *", Trigger{Cron: "*/15 * * * *"}},
		{"@hourly", Trigger{Cron: "@hourly"}},
		{"@every 5m", Trigger{Cron: "@every 5m"}},
		{"CRON: 0 9 * * *", Trigger{Cron: "0 9 * * *"}},
		{"15m", Trigger{Every: 15 * time.Minute}},
		{"00:15", Trigger{Every: 15 * time.Minute}},
		{"every: 1h", Trigger{Every: time.Hour}},
		{"interval: 02:30", Trigger{Every: 150 * time.Minute}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.in)
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("ParseSchedule(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseScheduleErrors(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "   ", "cron:", "every:", "0s", "-5m", "00:00", "12:75", "1:5", "soon"} {
		if _, err := ParseSchedule(in); err == nil {
			t.Errorf("ParseSchedule(%q): expected error", in)
		}
	}
}

func TestTriggerSchedule(t *testing.T) {
	t.Parallel()

	s := New(Config{}, testLogger(), nil)
	tr, _ := ParseSchedule("0 9 * * *")
	sched, err := tr.Schedule(s.parser)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	from := time.Date(2024, 2, 14, 8, 0, 0, 0, time.UTC)
	if next := sched.Next(from); !next.Equal(time.Date(2024, 2, 14, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("next = %s", next)
	}

	tr, _ = ParseSchedule("500ms")
	if _, err := tr.Schedule(s.parser); err == nil {
		t.Fatalf("expected sub-second interval to be rejected")
	}
	if tr.String() != "@every 500ms" {
		t.Fatalf("String() = %q", tr.String())
	}

	if _, err := (Trigger{Cron: "61 * * * *"}).Schedule(s.parser); err == nil {
		t.Fatalf("expected invalid cron to be rejected")
	}
}
