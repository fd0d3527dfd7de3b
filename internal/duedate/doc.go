// Package duedate computes the next due date of an obligation from its kind's
// rule, its anchor date and its recurrence.
//
// All dates are civil dates carried as time.Time at 00:00 UTC. Callers convert
// instants into the jurisdiction's location before asking for a date (see DateOf).
//
// Supported rules:
//   - fixed_day: day D of the month following the covered period (monthly, one_time)
//   - days_after_anniversary: N days after the anchor's anniversary (yearly, one_time)
//   - months_after_anchor: the anchor's day-of-month N months after the anchor,
//     then every month or every year (monthly, yearly, one_time)
//
// Day overflow clamps to the last day of the target month, so Feb 29 anchors
// resolve to Feb 28 in non-leap years.
package duedate
