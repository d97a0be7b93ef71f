package types

import (
	"encoding/json"
	"time"
)

// ErrorCode classifies a failed JobExecutionResult. Not-found and not-due are
// normal outcomes and are reported with HTTP 200.
type ErrorCode string

const (
	ErrCodeNotFound             ErrorCode = "not_found"
	ErrCodeNotDue               ErrorCode = "not_due"
	ErrCodeInactive             ErrorCode = "inactive"
	ErrCodeAlreadyClaimed       ErrorCode = "already_claimed"
	ErrCodeHandlerNotRegistered ErrorCode = "handler_not_registered"
	ErrCodeHandlerFailed        ErrorCode = "handler_failed"
	ErrCodeTimeout              ErrorCode = "timeout"
	ErrCodeLeaseLost            ErrorCode = "lease_lost"
)

// JobExecutionResult is the outcome of running (or dry-running) one cron job.
type JobExecutionResult struct {
	Success         bool            `json:"success"`
	JobID           int64           `json:"job_id"`
	JobName         string          `json:"job_name,omitempty"`
	FunctionName    string          `json:"function_name,omitempty"`
	ExecutionID     *int64          `json:"execution_id,omitempty"`
	ExecutionTimeMs *int64          `json:"execution_time_ms,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	NextExecution   *time.Time      `json:"next_execution,omitempty"`
	Error           string          `json:"error,omitempty"`
	ErrorCode       ErrorCode       `json:"error_code,omitempty"`
	DryRun          bool            `json:"dry_run,omitempty"`
	Parameters      map[string]any  `json:"parameters,omitempty"`
}

// Failed builds a typed failure result for job.
func Failed(jobID int64, code ErrorCode, msg string) *JobExecutionResult {
	return &JobExecutionResult{
		Success:   false,
		JobID:     jobID,
		Error:     msg,
		ErrorCode: code,
	}
}

// CronBatchResult summarizes a "run all due jobs" invocation. Jobs claimed by
// another runner between the scan and the claim count as skipped.
//
// ExecutedJobs lists every job that was attempted, successful or not.
// TotalExecuted counts only the successful ones and TotalFailed the rest, so
// len(ExecutedJobs) == TotalExecuted + TotalFailed.
type CronBatchResult struct {
	Success       bool                  `json:"success"`
	ExecutedJobs  []*JobExecutionResult `json:"executed_jobs"`
	TotalExecuted int                   `json:"total_executed"`
	TotalFailed   int                   `json:"total_failed"`
	TotalSkipped  int                   `json:"total_skipped"`
	DryRun        bool                  `json:"dry_run"`
}

// PendingJobsResult lists the active jobs that are currently due.
type PendingJobsResult struct {
	Success      bool      `json:"success"`
	PendingJobs  []CronJob `json:"pending_jobs"`
	TotalPending int       `json:"total_pending"`
	CurrentTime  time.Time `json:"current_time"`
}

// TaskBatchSummary is returned by one task runner pass.
// Executed + Failed + Skipped always equals Total.
type TaskBatchSummary struct {
	Success   bool      `json:"success"`
	Executed  int       `json:"executed"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}
