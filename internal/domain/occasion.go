package domain

import (
	"strings"
	"time"
)

// DateLayout is the canonical civil date format used in identities and storage.
const DateLayout = "2006-01-02"

// OccasionID identifies one notification occasion. At most one dispatch may
// succeed per identity.
type OccasionID struct {
	TenantID     string
	ObligationID string
	DueDate      time.Time
	Label        string
}

// Key is the stable string form used as the dedup unique key.
func (o OccasionID) Key() string {
	return strings.Join([]string{o.TenantID, o.ObligationID, o.DueDate.Format(DateLayout), o.Label}, "|")
}

func (o OccasionID) String() string { return o.Key() }

// Occasion is a planned, currently due notification.
type Occasion struct {
	ID          OccasionID
	Kind        Kind
	ScheduledAt time.Time
	// DaysBefore is negative for post-due reminders.
	DaysBefore int
}

// Overdue reports whether the occasion fires after its due date.
func (o Occasion) Overdue() bool { return o.DaysBefore < 0 }

type DispatchStatus string

const (
	DispatchClaimed       DispatchStatus = "claimed"
	DispatchSent          DispatchStatus = "sent"
	DispatchPartiallySent DispatchStatus = "partially_sent"
	DispatchFailed        DispatchStatus = "failed"
)

// DispatchRecord is the audit row for one occasion. It is created by the
// claim and updated in place with the outcome.
type DispatchRecord struct {
	OccasionKey       string
	TenantID          string
	ObligationID      string
	DueDate           time.Time
	Label             string
	RunID             string
	ChannelsAttempted []Channel
	ChannelsSucceeded []Channel
	Status            DispatchStatus
	ErrorDetail       string
	AttemptedAt       time.Time
	UpdatedAt         time.Time
}

// NewClaimRecord builds the initial record written by a claim.
func NewClaimRecord(id OccasionID, runID string, at time.Time) DispatchRecord {
	return DispatchRecord{
		OccasionKey:  id.Key(),
		TenantID:     id.TenantID,
		ObligationID: id.ObligationID,
		DueDate:      id.DueDate,
		Label:        id.Label,
		RunID:        runID,
		Status:       DispatchClaimed,
		AttemptedAt:  at,
		UpdatedAt:    at,
	}
}

// OutcomeStatus derives the record status from channel results.
func OutcomeStatus(attempted, succeeded int) DispatchStatus {
	switch {
	case attempted > 0 && succeeded == attempted:
		return DispatchSent
	case succeeded == 0:
		return DispatchFailed
	default:
		return DispatchPartiallySent
	}
}

// JoinChannels renders a channel list for storage.
func JoinChannels(chs []Channel) string {
	parts := make([]string, 0, len(chs))
	for _, c := range chs {
		parts = append(parts, string(c))
	}
	return strings.Join(parts, ",")
}

// SplitChannels parses the stored form produced by JoinChannels.
func SplitChannels(s string) []Channel {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]Channel, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, Channel(p))
		}
	}
	return out
}
