package domain

import (
	"fmt"
	"strings"
	"time"
)

// Kind names a regulatory obligation type, e.g. "VAT" or "CAC".
type Kind string

const (
	KindVAT  Kind = "VAT"
	KindWHT  Kind = "WHT"
	KindPAYE Kind = "PAYE"
	KindCAC  Kind = "CAC"
	KindCIT  Kind = "CIT"
)

// NormalizeKind upper-cases and trims a kind name.
func NormalizeKind(s string) Kind { return Kind(strings.ToUpper(strings.TrimSpace(s))) }

type Recurrence string

const (
	RecurrenceMonthly Recurrence = "monthly"
	RecurrenceYearly  Recurrence = "yearly"
	RecurrenceOneTime Recurrence = "one_time"
)

func ParseRecurrence(s string) (Recurrence, error) {
	switch Recurrence(strings.ToLower(strings.TrimSpace(s))) {
	case RecurrenceMonthly:
		return RecurrenceMonthly, nil
	case RecurrenceYearly:
		return RecurrenceYearly, nil
	case RecurrenceOneTime, "onetime", "one-time":
		return RecurrenceOneTime, nil
	default:
		return "", fmt.Errorf("unknown recurrence %q", s)
	}
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentOverdue PaymentStatus = "overdue"
)

// Obligation is a tenant's recurring (or one-time) regulatory deadline.
//
// NextDueDate is a cache of the calculator's output; a zero value means it
// has never been computed. LastDueDate is the occurrence most recently rolled
// past and is only consulted for post-due reminders.
type Obligation struct {
	ID            string
	TenantID      string
	Kind          Kind
	AnchorDate    time.Time
	Recurrence    Recurrence
	NextDueDate   time.Time
	LastDueDate   time.Time
	Active        bool
	PaymentStatus PaymentStatus
	CreatedAt     time.Time
}

// TenantContact holds delivery addresses for a tenant.
type TenantContact struct {
	TenantID     string
	BusinessName string
	Email        string
	Phone        string
}
