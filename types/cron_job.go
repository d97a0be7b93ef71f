package types

import (
	"encoding/json"
	"time"

	"github.com/RezaEskandarii/jobfire/internal/state"
)

// CronJob is a named, recurring unit of work driven by wall-clock time.
// It is mutated in place by the outcome recorder and never deleted by the runner.
type CronJob struct {
	ID                 int64          `json:"id"`
	Name               string         `json:"name"`
	FunctionName       string         `json:"function_name"`
	ScheduleExpression string         `json:"schedule_expression"`
	Parameters         map[string]any `json:"parameters"`
	IsActive           bool           `json:"is_active"`
	NextExecution      time.Time      `json:"next_execution"`
	LastExecution      *time.Time     `json:"last_execution"`
	ExecutionCount     int64          `json:"execution_count"`
	FailureCount       int64          `json:"failure_count"`
	LockedBy           *string        `json:"locked_by,omitempty"`
	LockedAt           *time.Time     `json:"locked_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// IsDue reports whether the job is eligible to run at now.
func (j CronJob) IsDue(now time.Time) bool {
	return j.IsActive && !j.NextExecution.After(now)
}

// CronExecution is one historical attempt to run a CronJob.
type CronExecution struct {
	ID              int64                 `json:"id"`
	JobID           int64                 `json:"job_id"`
	Status          state.ExecutionStatus `json:"status"`
	ScheduledFor    time.Time             `json:"scheduled_for"`
	StartedAt       time.Time             `json:"started_at"`
	CompletedAt     *time.Time            `json:"completed_at"`
	ExecutionTimeMs int64                 `json:"execution_time_ms"`
	ResultData      json.RawMessage       `json:"result_data,omitempty"`
	ErrorDetails    *string               `json:"error_details"`
}
