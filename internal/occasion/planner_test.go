package occasion

import (
	"testing"
	"time"

	"duewatch/internal/domain"
)

func vatObligation() domain.Obligation {
	return domain.Obligation{
		ID:            "ob-1",
		TenantID:      "tenant-a",
		Kind:          domain.KindVAT,
		AnchorDate:    time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		Recurrence:    domain.RecurrenceMonthly,
		NextDueDate:   time.Date(2024, 2, 21, 0, 0, 0, 0, time.UTC),
		Active:        true,
		PaymentStatus: domain.PaymentPending,
	}
}

func mustPlanner(t *testing.T, cfg Config) *Planner {
	t.Helper()
	p, err := NewPlanner(cfg)
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}
	return p
}

func labels(occs []domain.Occasion) []string {
	out := make([]string, 0, len(occs))
	for _, o := range occs {
		out = append(out, o.ID.Label)
	}
	return out
}

func TestDueOccasionsWindow(t *testing.T) {
	t.Parallel()

	p := mustPlanner(t, Config{})
	ob := vatObligation()

	cases := []struct {
		name string
		now  time.Time
		want []string
	}{
		{"exactly scheduled", time.Date(2024, 2, 14, 9, 0, 0, 0, time.UTC), []string{"T-7"}},
		{"inside window", time.Date(2024, 2, 14, 9, 59, 59, 0, time.UTC), []string{"T-7"}},
		{"window end is exclusive", time.Date(2024, 2, 14, 10, 0, 0, 0, time.UTC), nil},
		{"before scheduled", time.Date(2024, 2, 14, 8, 59, 0, 0, time.UTC), nil},
		{"evening of T-3", time.Date(2024, 2, 18, 21, 15, 0, 0, time.UTC), []string{"T-3-PM"}},
		{"one hour left", time.Date(2024, 2, 21, 23, 0, 0, 0, time.UTC), []string{"T-0-1hr-left"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := p.DueOccasions(ob, tc.now)
			if err != nil {
				t.Fatalf("DueOccasions: %v", err)
			}
			gl := labels(got)
			if len(gl) != len(tc.want) {
				t.Fatalf("labels=%v want %v", gl, tc.want)
			}
			for i := range gl {
				if gl[i] != tc.want[i] {
					t.Fatalf("labels=%v want %v", gl, tc.want)
				}
			}
		})
	}
}

func TestDueOccasionIdentity(t *testing.T) {
	t.Parallel()

	p := mustPlanner(t, Config{})
	got, err := p.DueOccasions(vatObligation(), time.Date(2024, 2, 14, 9, 0, 0, 0, time.UTC))
	if err != nil || len(got) != 1 {
		t.Fatalf("got %v err=%v", got, err)
	}
	if key := got[0].ID.Key(); key != "tenant-a|ob-1|2024-02-21|T-7" {
		t.Fatalf("key=%q", key)
	}
	if !got[0].ScheduledAt.Equal(time.Date(2024, 2, 14, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("scheduled=%s", got[0].ScheduledAt)
	}
}

func TestDueOccasionsSimultaneousAreOrdered(t *testing.T) {
	t.Parallel()

	p := mustPlanner(t, Config{
		Calendars: map[domain.Kind]Calendar{
			domain.KindVAT: {
				{Label: "late", DaysBefore: 1, At: TimeOfDay{Hour: 9, Minute: 30}},
				{Label: "early", DaysBefore: 1, At: TimeOfDay{Hour: 9}},
				{Label: "far", DaysBefore: 5, At: TimeOfDay{Hour: 9}},
			},
		},
	})
	got, err := p.DueOccasions(vatObligation(), time.Date(2024, 2, 20, 9, 45, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("DueOccasions: %v", err)
	}
	gl := labels(got)
	if len(gl) != 2 || gl[0] != "early" || gl[1] != "late" {
		t.Fatalf("labels=%v", gl)
	}
	if got[0].ID.Key() == got[1].ID.Key() {
		t.Fatalf("identities must differ")
	}
}

func TestDueOccasionsOverdue(t *testing.T) {
	t.Parallel()

	p := mustPlanner(t, Config{})
	ob := vatObligation()
	ob.LastDueDate = time.Date(2024, 2, 21, 0, 0, 0, 0, time.UTC)
	ob.NextDueDate = time.Date(2024, 3, 21, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 2, 22, 9, 10, 0, 0, time.UTC)

	got, err := p.DueOccasions(ob, now)
	if err != nil {
		t.Fatalf("DueOccasions: %v", err)
	}
	if len(got) != 1 || got[0].ID.Label != "T+1" || !got[0].Overdue() {
		t.Fatalf("got %v", labels(got))
	}
	if got[0].ID.DueDate.Format(domain.DateLayout) != "2024-02-21" {
		t.Fatalf("overdue occasion must reference the passed due date, got %s", got[0].ID.DueDate)
	}

	ob.PaymentStatus = domain.PaymentPaid
	got, err = p.DueOccasions(ob, now)
	if err != nil || len(got) != 0 {
		t.Fatalf("paid obligation must not get overdue reminders: %v err=%v", labels(got), err)
	}
}

func TestPaidObligationStillGetsPreDueReminders(t *testing.T) {
	t.Parallel()

	p := mustPlanner(t, Config{})
	ob := vatObligation()
	ob.PaymentStatus = domain.PaymentPaid

	got, err := p.DueOccasions(ob, time.Date(2024, 2, 14, 9, 10, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("DueOccasions: %v", err)
	}
	if len(got) != 1 || got[0].ID.Label != "T-7" {
		t.Fatalf("got %v, want [T-7]", labels(got))
	}
}

func TestDueOccasionsOneTimeOverdueUsesNextDueDate(t *testing.T) {
	t.Parallel()

	p := mustPlanner(t, Config{})
	ob := vatObligation()
	ob.Recurrence = domain.RecurrenceOneTime
	got, err := p.DueOccasions(ob, time.Date(2024, 2, 24, 9, 0, 0, 0, time.UTC))
	if err != nil || len(got) != 1 || got[0].ID.Label != "T+3" {
		t.Fatalf("got %v err=%v", labels(got), err)
	}
}

func TestDueOccasionsLocation(t *testing.T) {
	t.Parallel()

	lagos, err := time.LoadLocation("Africa/Lagos")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	p := mustPlanner(t, Config{Location: lagos})
	// 09:00 in Lagos (UTC+1) is 08:00 UTC.
	got, err := p.DueOccasions(vatObligation(), time.Date(2024, 2, 14, 8, 5, 0, 0, time.UTC))
	if err != nil || len(got) != 1 || got[0].ID.Label != "T-7" {
		t.Fatalf("got %v err=%v", labels(got), err)
	}
}

func TestDueOccasionsUnknownKind(t *testing.T) {
	t.Parallel()

	p := mustPlanner(t, Config{})
	ob := vatObligation()
	ob.Kind = "MYSTERY"
	if _, err := p.DueOccasions(ob, time.Now()); !domain.IsConfigError(err) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestDueOccasionsNoDueDate(t *testing.T) {
	t.Parallel()

	p := mustPlanner(t, Config{})
	ob := vatObligation()
	ob.NextDueDate = time.Time{}
	got, err := p.DueOccasions(ob, time.Date(2024, 2, 14, 9, 0, 0, 0, time.UTC))
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v err=%v", labels(got), err)
	}
}

func TestSchedule(t *testing.T) {
	t.Parallel()

	p := mustPlanner(t, Config{})
	ob := vatObligation()
	ob.Kind = domain.KindCAC
	occs, err := p.Schedule(ob, time.Date(2024, 4, 21, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(occs) != len(YearlyCalendar()) {
		t.Fatalf("len=%d", len(occs))
	}
	if occs[0].ID.Label != "T-30" || !occs[0].ScheduledAt.Equal(time.Date(2024, 3, 22, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("first=%+v", occs[0])
	}
	for i := 1; i < len(occs); i++ {
		if occs[i].ScheduledAt.Before(occs[i-1].ScheduledAt) {
			t.Fatalf("not sorted at %d", i)
		}
	}
}

func TestCalendarValidate(t *testing.T) {
	t.Parallel()

	bad := []Calendar{
		nil,
		{{Label: ""}},
		{{Label: "a"}, {Label: "a"}},
		{{Label: "a|b"}},
		{{Label: "x", At: TimeOfDay{Hour: 24}}},
	}
	for i, c := range bad {
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
	if err := MonthlyCalendar().Validate(); err != nil {
		t.Fatalf("monthly: %v", err)
	}
}

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()

	got, err := ParseTimeOfDay(" 21:05 ")
	if err != nil || got != (TimeOfDay{Hour: 21, Minute: 5}) {
		t.Fatalf("got %v err=%v", got, err)
	}
	for _, in := range []string{"9", "25:00", "09:60", "ab:cd"} {
		if _, err := ParseTimeOfDay(in); err == nil {
			t.Fatalf("%q: expected error", in)
		}
	}
}
