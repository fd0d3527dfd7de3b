package eventbus

// Event types published by the engine. NATS subjects are derived from them.
const (
	TypeRunStarted       = "dispatch.run.started"
	TypeRunFinished      = "dispatch.run.finished"
	TypeRunFailed        = "dispatch.run.failed"
	TypeOccasionSent     = "dispatch.occasion.sent"
	TypeOccasionPartial  = "dispatch.occasion.partial"
	TypeOccasionFailed   = "dispatch.occasion.failed"
	TypePlansDowngraded  = "plans.downgraded"
	TypeRenewalNotice    = "plans.renewal.notice"
	TypeSchedulerSkipped = "scheduler.tick.skipped"
	TypeConfigReloaded   = "config.reloaded"
)
