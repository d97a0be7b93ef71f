package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RezaEskandarii/jobfire/internal/state"
	"github.com/RezaEskandarii/jobfire/types"
)

// AutomatedTaskStore persists the append-only task queue.
type AutomatedTaskStore interface {
	// Insert adds a scheduled task and returns its ID.
	Insert(ctx context.Context, task types.AutomatedTask) (int64, error)

	// FindDueTasks returns at most limit scheduled tasks with scheduled_at <= now,
	// ordered by priority DESC, created_at ASC.
	FindDueTasks(ctx context.Context, now time.Time, limit int) ([]types.AutomatedTask, error)

	FindByID(ctx context.Context, id int64) (*types.AutomatedTask, error)

	// ClaimTask moves a scheduled task to running. It returns false when the
	// task is no longer scheduled.
	ClaimTask(ctx context.Context, id int64, startedAt time.Time) (*types.AutomatedTask, bool, error)

	// CompleteTask marks the task completed and, when next is non-nil, inserts
	// the follow-up row in the same transaction. CompleteTask and FailTask
	// return ErrNotFound when the task is no longer running.
	CompleteTask(ctx context.Context, id int64, result json.RawMessage, completedAt time.Time, next *types.AutomatedTask) error

	FailTask(ctx context.Context, id int64, errMsg string, completedAt time.Time) error

	// FailStaleRunning fails running tasks started before olderThan and
	// returns how many rows moved.
	FailStaleRunning(ctx context.Context, olderThan, now time.Time) (int64, error)

	GetAll(ctx context.Context, page int, pageSize int, status state.TaskStatus) (*types.PaginationResult[types.AutomatedTask], error)

	CountByStatus(ctx context.Context) (map[state.TaskStatus]int, error)

	Close() error
}

// StaleTaskError is stored on running tasks failed by the reaper.
const StaleTaskError = "abandoned: still running after the stale task timeout"

// ErrInvalidTransition is returned for a status change the lifecycle does not
// allow. Rows only move forward.
var ErrInvalidTransition = errors.New("invalid status transition")

// TaskTransition checks from -> to against the task lifecycle.
func TaskTransition(from, to state.TaskStatus) error {
	if !state.IsValidTaskTransition(from, to) {
		return fmt.Errorf("task %s -> %s: %w", from, to, ErrInvalidTransition)
	}
	return nil
}

// ExecutionTransition checks from -> to against the cron execution lifecycle.
func ExecutionTransition(from, to state.ExecutionStatus) error {
	if !state.IsValidExecutionTransition(from, to) {
		return fmt.Errorf("execution %s -> %s: %w", from, to, ErrInvalidTransition)
	}
	return nil
}
