package dispatch

import (
	"fmt"
	"strings"
	"time"

	"duewatch/internal/channel"
	"duewatch/internal/domain"
)

// Urgency is the wording tier of a reminder.
type Urgency string

const (
	UrgencyReminder  Urgency = "Reminder"
	UrgencyImportant Urgency = "Important"
	UrgencyUrgent    Urgency = "URGENT"
	UrgencyOverdue   Urgency = "OVERDUE"
)

// UrgencyOf maps days remaining to wording. Negative days are overdue.
func UrgencyOf(daysBefore int) Urgency {
	switch {
	case daysBefore < 0:
		return UrgencyOverdue
	case daysBefore <= 1:
		return UrgencyUrgent
	case daysBefore <= 3:
		return UrgencyImportant
	default:
		return UrgencyReminder
	}
}

var kindTitles = map[domain.Kind]string{
	domain.KindVAT:  "VAT return",
	domain.KindWHT:  "Withholding tax remittance",
	domain.KindPAYE: "PAYE remittance",
	domain.KindCAC:  "CAC annual return",
	domain.KindCIT:  "Company income tax return",
}

func kindTitle(k domain.Kind) string {
	if t, ok := kindTitles[k]; ok {
		return t
	}
	return string(k) + " filing"
}

// Render builds the message for one occasion. WhatsApp ignores Subject.
func Render(occ domain.Occasion, contact domain.TenantContact, to string) channel.Message {
	title := kindTitle(occ.Kind)
	due := occ.ID.DueDate.Format("Monday, 2 January 2006")
	urgency := UrgencyOf(occ.DaysBefore)

	var when string
	switch {
	case occ.DaysBefore < 0:
		n := -occ.DaysBefore
		when = fmt.Sprintf("was due %s (%d %s ago)", due, n, plural(n, "day", "days"))
	case occ.DaysBefore == 0:
		when = fmt.Sprintf("is due today, %s", due)
		if h := hoursLeft(occ.ScheduledAt); h > 0 && h <= 6 {
			when = fmt.Sprintf("is due today, %s. About %d %s left", due, h, plural(h, "hour", "hours"))
		}
	default:
		when = fmt.Sprintf("is due in %d %s, on %s", occ.DaysBefore, plural(occ.DaysBefore, "day", "days"), due)
	}

	subject := fmt.Sprintf("[%s] %s %s", urgency, title, shortWhen(occ.DaysBefore))

	var b strings.Builder
	name := strings.TrimSpace(contact.BusinessName)
	if name == "" {
		name = "there"
	}
	fmt.Fprintf(&b, "Hello %s,\n\n", name)
	fmt.Fprintf(&b, "%s: your %s %s.\n", urgency, title, when)
	if occ.DaysBefore < 0 {
		b.WriteString("Late filing attracts penalties that grow the longer it stays unpaid. Please file and pay as soon as possible.\n")
	} else {
		b.WriteString("Please file and pay before the deadline to avoid penalties.\n")
	}
	b.WriteString("\nReference: ")
	b.WriteString(occ.ID.Key())
	b.WriteString("\n")

	return channel.Message{To: to, Subject: subject, Body: b.String()}
}

func shortWhen(daysBefore int) string {
	switch {
	case daysBefore < 0:
		return "is overdue"
	case daysBefore == 0:
		return "is due today"
	case daysBefore == 1:
		return "is due tomorrow"
	default:
		return fmt.Sprintf("is due in %d days", daysBefore)
	}
}

// hoursLeft is the number of whole hours between the scheduled instant and
// the end of its day.
func hoursLeft(at time.Time) int {
	y, m, d := at.Date()
	end := time.Date(y, m, d+1, 0, 0, 0, 0, at.Location())
	return int(end.Sub(at).Hours())
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
