package constants

// Advisory lock IDs. Values are part of the shared database state, never renumber.
const (
	MigrationLock = iota
	CronBatchLock
	TaskBatchLock
	StaleTaskLock
)

var Locks = []int{
	MigrationLock,
	CronBatchLock,
	TaskBatchLock,
	StaleTaskLock,
}

const (
	// MaxTaskBatchSize bounds the configurable batch size of one task pass.
	MaxTaskBatchSize = 500

	// ScheduledExecutionKey marks handler input coming from the cron runner.
	ScheduledExecutionKey = "scheduled_execution"
)
