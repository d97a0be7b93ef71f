package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/RezaEskandarii/jobfire/types"
)

var ErrNotFound = errors.New("not found")

// ErrLeaseLost is returned by the outcome writes when the caller no longer
// owns the job lease or its execution row. Nothing is written in that case.
var ErrLeaseLost = errors.New("cron job lease lost")

// AbandonedExecutionError is stored on running executions replaced by a
// newer claim of the same job.
const AbandonedExecutionError = "abandoned: lease expired before the outcome was recorded"

// ClaimRequest describes the slot a caller observed and wants to own.
type ClaimRequest struct {
	JobID    int64
	Slot     time.Time // next_execution as read by the caller
	Now      time.Time
	LockedBy string
	LockTTL  time.Duration // leases and running executions older than this are treated as abandoned
	Force    bool          // skip the next_execution <= now check
}

// StaleBefore is the cutoff under which leases and running executions no
// longer block a claim.
func (r ClaimRequest) StaleBefore() time.Time {
	return r.Now.Add(-r.LockTTL)
}

// Lease identifies the claim an outcome is recorded under.
type Lease struct {
	LockedBy string
	LockedAt time.Time
}

type CronSuccess struct {
	JobID           int64
	Lease           Lease
	ExecutionID     int64
	CompletedAt     time.Time
	ExecutionTimeMs int64
	Result          json.RawMessage
	NextExecution   time.Time
}

type CronFailure struct {
	JobID           int64
	Lease           Lease
	ExecutionID     int64
	CompletedAt     time.Time
	ExecutionTimeMs int64
	Error           string
}

// CronJobStore defines the interface for managing cron jobs and their execution history in DB.
type CronJobStore interface {
	// AddOrUpdate inserts a cron job or updates its definition by name. Counters
	// and next_execution of an existing job are preserved. Returns the job's ID.
	AddOrUpdate(ctx context.Context, job types.CronJob) (int64, error)

	// FindDueJobs returns active jobs whose next_execution <= now, oldest first.
	FindDueJobs(ctx context.Context, now time.Time) ([]types.CronJob, error)

	FindByID(ctx context.Context, id int64) (*types.CronJob, error)

	// ClaimJob takes the execution lease in one conditional update. It returns
	// false when another caller owns a live lease or a running execution of the
	// slot started after req.StaleBefore().
	ClaimJob(ctx context.Context, req ClaimRequest) (*types.CronJob, bool, error)

	// ReleaseJob clears the lease without touching counters or schedule.
	ReleaseJob(ctx context.Context, jobID int64) error

	// StartExecution fails the job's older running executions as abandoned,
	// inserts a running execution row and returns its ID.
	StartExecution(ctx context.Context, jobID int64, slot, startedAt time.Time) (int64, error)

	// RecordSuccess finishes the execution and advances the job atomically.
	// It returns ErrLeaseLost when the lease or the running row is gone.
	RecordSuccess(ctx context.Context, s CronSuccess) error

	// RecordFailure finishes the execution and bumps failure_count atomically.
	// next_execution is left unchanged. ErrLeaseLost as for RecordSuccess.
	RecordFailure(ctx context.Context, f CronFailure) error

	GetAll(ctx context.Context, page int, pageSize int) (*types.PaginationResult[types.CronJob], error)

	ListExecutions(ctx context.Context, jobID int64, page int, pageSize int) (*types.PaginationResult[types.CronExecution], error)

	SetActive(ctx context.Context, jobID int64, active bool) error

	// Close closes the database
	Close() error
}
