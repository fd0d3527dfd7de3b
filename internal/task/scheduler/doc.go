// Package scheduler is the periodic driver. Each registered job is a small
// state machine (Idle -> Running -> Idle) fired by a cron or interval
// trigger, by Trigger, and once on Start. A trigger that arrives while the
// job is Running is skipped, never queued.
package scheduler
