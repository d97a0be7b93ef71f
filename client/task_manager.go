package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RezaEskandarii/jobfire/internal/constants"
	"github.com/RezaEskandarii/jobfire/internal/logging"
	"github.com/RezaEskandarii/jobfire/internal/message_broaker"
	"github.com/RezaEskandarii/jobfire/internal/schedule"
	"github.com/RezaEskandarii/jobfire/internal/state"
	"github.com/RezaEskandarii/jobfire/internal/store"
	"github.com/RezaEskandarii/jobfire/types"
	"github.com/RezaEskandarii/jobfire/types/config"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

type TaskManager struct {
	taskStore  store.AutomatedTaskStore
	jobHandler *config.JobHandler
	opts       options
	log        zerolog.Logger
	passes     singleflight.Group
}

func NewTaskManager(taskStore store.AutomatedTaskStore, jobHandler *config.JobHandler, opts ...Option) *TaskManager {
	o := buildOptions(opts)
	if o.batchSize > constants.MaxTaskBatchSize {
		o.batchSize = constants.MaxTaskBatchSize
	}
	return &TaskManager{
		taskStore:  taskStore,
		jobHandler: jobHandler,
		opts:       o,
		log:        logging.Component(o.log, "tasks"),
	}
}

// Enqueue inserts a scheduled task. A zero ScheduledAt means now and an empty
// recurrence means the task runs once.
func (tm *TaskManager) Enqueue(ctx context.Context, task types.AutomatedTask) (int64, error) {
	if strings.TrimSpace(task.TaskType) == "" {
		return 0, errors.New("task type is required")
	}
	if !task.Recurring.IsValid() {
		return 0, fmt.Errorf("unknown recurrence %q", task.Recurring)
	}
	now := tm.opts.now()
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = now
	}
	task.Recurring = task.Recurring.Normalize()
	task.Status = state.TaskScheduled
	task.CreatedAt = now
	if task.Metadata == nil {
		task.Metadata = map[string]any{}
	}
	if !tm.jobHandler.Exists(task.TaskType) {
		tm.log.Warn().Str("task_type", task.TaskType).Msg("enqueued task has no registered handler")
	}

	id, err := tm.taskStore.Insert(ctx, task)
	if err != nil {
		return 0, fmt.Errorf("enqueue task: %w", err)
	}
	return id, nil
}

// RunDueTasks executes up to the batch size of due tasks in priority order.
// Handler failures and unknown task types are recorded on the task, and a
// task reaped while it ran counts as failed. Other store failures abort the
// pass with an error.
func (tm *TaskManager) RunDueTasks(ctx context.Context) (*types.TaskBatchSummary, error) {
	v, err, _ := tm.passes.Do("run", func() (any, error) {
		return tm.runDueTasks(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.TaskBatchSummary), nil
}

func (tm *TaskManager) runDueTasks(ctx context.Context) (*types.TaskBatchSummary, error) {
	ok, err := tm.opts.lock.TryAcquire(ctx, constants.TaskBatchLock)
	if err != nil {
		return nil, fmt.Errorf("acquire task batch lock: %w", err)
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	defer func() {
		if err := tm.opts.lock.Release(context.WithoutCancel(ctx), constants.TaskBatchLock); err != nil {
			tm.log.Warn().Err(err).Msg("release task batch lock")
		}
	}()

	start := tm.opts.now()
	tasks, err := tm.taskStore.FindDueTasks(ctx, start, tm.opts.batchSize)
	if err != nil {
		return nil, fmt.Errorf("find due tasks: %w", err)
	}

	summary := &types.TaskBatchSummary{Success: true, Total: len(tasks)}
	deadline := tm.opts.deadline(start)

	for i, task := range tasks {
		if pastDeadline(deadline, tm.opts.now()) || ctx.Err() != nil {
			summary.Skipped += len(tasks) - i
			tm.log.Warn().Int("remaining", len(tasks)-i).Msg("task batch stopped before finishing, remaining tasks stay scheduled")
			break
		}

		claimed, ok, err := tm.taskStore.ClaimTask(ctx, task.ID, tm.opts.now())
		if err != nil {
			return nil, fmt.Errorf("claim task %d: %w", task.ID, err)
		}
		if !ok {
			tm.log.Debug().Int64("task_id", task.ID).Msg("task already claimed")
			summary.Skipped++
			continue
		}

		succeeded, err := tm.execute(ctx, *claimed)
		if err != nil {
			return nil, err
		}
		if succeeded {
			summary.Executed++
		} else {
			summary.Failed++
		}
	}

	summary.Timestamp = tm.opts.now()
	tm.log.Info().
		Int("total", summary.Total).
		Int("executed", summary.Executed).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Msg("task batch finished")
	return summary, nil
}

// execute runs a claimed task and records its outcome. The boolean reports
// whether the handler succeeded.
func (tm *TaskManager) execute(ctx context.Context, task types.AutomatedTask) (bool, error) {
	recordCtx := context.WithoutCancel(ctx)
	logger := tm.log.With().Int64("task_id", task.ID).Str("task_type", task.TaskType).Logger()

	input := withMetadata(task.Metadata, map[string]any{"task_id": task.ID})
	inv := invoke(ctx, tm.jobHandler, task.TaskType, input, tm.opts.itemTimeout)
	completedAt := tm.opts.now()

	event := message_broaker.OutcomeEvent{
		Kind:       message_broaker.TopicTaskOutcome,
		ID:         task.ID,
		Name:       task.TaskType,
		DurationMs: inv.elapsedMs(),
		At:         completedAt,
	}

	if !inv.ok() {
		err := tm.taskStore.FailTask(recordCtx, task.ID, inv.err.Error(), completedAt)
		if errors.Is(err, store.ErrNotFound) {
			tm.finishedElsewhere(logger, err)
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("record failure of task %d: %w", task.ID, err)
		}
		event.Status = string(state.TaskFailed)
		event.Error = inv.err.Error()
		tm.opts.events.Emit(recordCtx, event)
		logger.Error().Err(inv.err).Str("code", string(inv.code)).Int64("duration_ms", inv.elapsedMs()).Msg("task failed")
		return false, nil
	}

	var next *types.AutomatedTask
	if at, ok := schedule.NextTaskRun(task.Recurring, completedAt); ok {
		n := task.NextOccurrence(at, completedAt)
		next = &n
		event.Next = &at
	}
	err := tm.taskStore.CompleteTask(recordCtx, task.ID, inv.result, completedAt, next)
	if errors.Is(err, store.ErrNotFound) {
		tm.finishedElsewhere(logger, err)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record completion of task %d: %w", task.ID, err)
	}
	event.Status = string(state.TaskCompleted)
	tm.opts.events.Emit(recordCtx, event)

	e := logger.Info().Int64("duration_ms", inv.elapsedMs())
	if next != nil {
		e = e.Time("next", next.ScheduledAt)
	}
	e.Msg("task completed")
	return true, nil
}

// finishedElsewhere logs a task whose row left running while its handler was
// still going, usually because ReapStale failed it. The row keeps the status
// it was given and the pass carries on; the run counts as failed.
func (tm *TaskManager) finishedElsewhere(logger zerolog.Logger, err error) {
	logger.Warn().Err(err).Msg("task was finished elsewhere before its outcome was recorded")
}

// ReapStale fails tasks that have been running longer than olderThan, which
// happens when a runner dies mid-task. It returns how many were failed.
func (tm *TaskManager) ReapStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	ok, err := tm.opts.lock.TryAcquire(ctx, constants.StaleTaskLock)
	if err != nil {
		return 0, fmt.Errorf("acquire stale task lock: %w", err)
	}
	if !ok {
		return 0, nil
	}
	defer func() {
		if err := tm.opts.lock.Release(context.WithoutCancel(ctx), constants.StaleTaskLock); err != nil {
			tm.log.Warn().Err(err).Msg("release stale task lock")
		}
	}()

	now := tm.opts.now()
	n, err := tm.taskStore.FailStaleRunning(ctx, now.Add(-olderThan), now)
	if err != nil {
		return 0, fmt.Errorf("fail stale tasks: %w", err)
	}
	if n > 0 {
		tm.log.Warn().Int64("count", n).Dur("older_than", olderThan).Msg("failed abandoned running tasks")
	}
	return n, nil
}

// Stats returns the number of tasks per status.
func (tm *TaskManager) Stats(ctx context.Context) (map[state.TaskStatus]int, error) {
	return tm.taskStore.CountByStatus(ctx)
}
