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

// RunOptions controls a manual or batch cron run.
type RunOptions struct {
	// ForceRun ignores next_execution. Only honored for single-job runs.
	ForceRun bool `json:"force_run"`
	// DryRun reports what would happen without claiming or writing anything.
	DryRun bool `json:"dry_run"`
}

type CronJobManager struct {
	jobStore   store.CronJobStore
	jobHandler *config.JobHandler
	instance   string
	opts       options
	log        zerolog.Logger
	scans      singleflight.Group
}

func NewCronJobManager(cronJobStore store.CronJobStore, jobHandler *config.JobHandler, instance string, opts ...Option) *CronJobManager {
	o := buildOptions(opts)
	return &CronJobManager{
		jobStore:   cronJobStore,
		jobHandler: jobHandler,
		instance:   instance,
		opts:       o,
		log:        logging.Component(o.log, "cron"),
	}
}

// PendingJobs lists the active jobs due now without claiming them.
func (cm *CronJobManager) PendingJobs(ctx context.Context) (*types.PendingJobsResult, error) {
	now := cm.opts.now()
	jobs, err := cm.jobStore.FindDueJobs(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("find due cron jobs: %w", err)
	}
	if jobs == nil {
		jobs = []types.CronJob{}
	}
	return &types.PendingJobsResult{
		Success:      true,
		PendingJobs:  jobs,
		TotalPending: len(jobs),
		CurrentTime:  now,
	}, nil
}

// Schedule creates or updates a cron job by name. The first run is the next
// slot of expression after now; updating a job keeps its slot unless the
// expression changed.
func (cm *CronJobManager) Schedule(ctx context.Context, seed config.CronJobSeed) (int64, error) {
	if strings.TrimSpace(seed.Name) == "" || strings.TrimSpace(seed.FunctionName) == "" {
		return 0, errors.New("cron job name and function name are required")
	}
	if err := cm.opts.calc.Validate(seed.ScheduleExpression); err != nil {
		cm.log.Warn().Err(err).Str("job", seed.Name).Msg("schedule expression falls back to hourly")
	}
	if !cm.jobHandler.Exists(seed.FunctionName) {
		cm.log.Warn().Str("job", seed.Name).Str("function", seed.FunctionName).Msg("no handler registered for cron job")
	}

	now := cm.opts.now()
	next, _ := cm.opts.calc.Next(seed.ScheduleExpression, now)
	return cm.jobStore.AddOrUpdate(ctx, types.CronJob{
		Name:               seed.Name,
		FunctionName:       seed.FunctionName,
		ScheduleExpression: seed.ScheduleExpression,
		Parameters:         seed.Parameters,
		IsActive:           seed.IsActive,
		NextExecution:      next,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
}

// Activate enables a previously disabled job.
func (cm *CronJobManager) Activate(ctx context.Context, jobID int64) error {
	return cm.jobStore.SetActive(ctx, jobID, true)
}

// Deactivate stops a job from being picked up. Its history is kept.
func (cm *CronJobManager) Deactivate(ctx context.Context, jobID int64) error {
	return cm.jobStore.SetActive(ctx, jobID, false)
}

// RunJob claims and executes one job. Business outcomes (not found, not due,
// lost claim, handler failure) come back as an unsuccessful result; only
// store failures are returned as errors.
func (cm *CronJobManager) RunJob(ctx context.Context, jobID int64, ro RunOptions) (*types.JobExecutionResult, error) {
	job, err := cm.jobStore.FindByID(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return types.Failed(jobID, types.ErrCodeNotFound, fmt.Sprintf("cron job %d not found", jobID)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cron job %d: %w", jobID, err)
	}

	now := cm.opts.now()
	if !job.IsActive {
		return cm.refused(job, types.ErrCodeInactive, "cron job is inactive"), nil
	}
	if !ro.ForceRun && job.NextExecution.After(now) {
		res := cm.refused(job, types.ErrCodeNotDue, "cron job is not due yet")
		next := job.NextExecution
		res.NextExecution = &next
		return res, nil
	}
	if ro.DryRun {
		return cm.dryRun(job, now), nil
	}

	claimed, ok, err := cm.jobStore.ClaimJob(ctx, store.ClaimRequest{
		JobID:    job.ID,
		Slot:     job.NextExecution,
		Now:      now,
		LockedBy: cm.instance,
		LockTTL:  cm.opts.lockTTL,
		Force:    ro.ForceRun,
	})
	if err != nil {
		return nil, fmt.Errorf("claim cron job %d: %w", job.ID, err)
	}
	if !ok {
		cm.log.Debug().Int64("job_id", job.ID).Str("job", job.Name).Msg("cron job already claimed")
		return cm.refused(job, types.ErrCodeAlreadyClaimed, "cron job was claimed by another runner"), nil
	}
	return cm.execute(ctx, *claimed)
}

func (cm *CronJobManager) refused(job *types.CronJob, code types.ErrorCode, msg string) *types.JobExecutionResult {
	res := types.Failed(job.ID, code, msg)
	res.JobName = job.Name
	res.FunctionName = job.FunctionName
	return res
}

func (cm *CronJobManager) dryRun(job *types.CronJob, now time.Time) *types.JobExecutionResult {
	if !cm.jobHandler.Exists(job.FunctionName) {
		res := cm.refused(job, types.ErrCodeHandlerNotRegistered,
			fmt.Sprintf("%s: '%s'", config.ErrHandlerNotFound, job.FunctionName))
		res.DryRun = true
		return res
	}
	next, _ := cm.opts.calc.Next(job.ScheduleExpression, now)
	return &types.JobExecutionResult{
		Success:       true,
		JobID:         job.ID,
		JobName:       job.Name,
		FunctionName:  job.FunctionName,
		NextExecution: &next,
		DryRun:        true,
		Parameters:    job.Parameters,
	}
}

// execute runs a job this instance has claimed and records the outcome.
func (cm *CronJobManager) execute(ctx context.Context, job types.CronJob) (*types.JobExecutionResult, error) {
	// Outcomes are written even if the caller goes away mid-run.
	recordCtx := context.WithoutCancel(ctx)
	logger := cm.log.With().Int64("job_id", job.ID).Str("job", job.Name).Str("function", job.FunctionName).Logger()

	if job.LockedBy == nil || job.LockedAt == nil {
		return nil, fmt.Errorf("claimed cron job %d carries no lease", job.ID)
	}
	lease := store.Lease{LockedBy: *job.LockedBy, LockedAt: *job.LockedAt}

	startedAt := cm.opts.now()
	execID, err := cm.jobStore.StartExecution(ctx, job.ID, job.NextExecution, startedAt)
	if err != nil {
		if rerr := cm.jobStore.ReleaseJob(recordCtx, job.ID); rerr != nil {
			logger.Warn().Err(rerr).Msg("release cron job lease")
		}
		return nil, fmt.Errorf("start execution of cron job %d: %w", job.ID, err)
	}

	input := withMetadata(job.Parameters, map[string]any{
		"job_id":                        job.ID,
		"job_name":                      job.Name,
		constants.ScheduledExecutionKey: true,
	})
	inv := invoke(ctx, cm.jobHandler, job.FunctionName, input, cm.handlerTimeout(lease, startedAt))
	completedAt := cm.opts.now()
	elapsed := inv.elapsedMs()

	res := &types.JobExecutionResult{
		JobID:           job.ID,
		JobName:         job.Name,
		FunctionName:    job.FunctionName,
		ExecutionID:     &execID,
		ExecutionTimeMs: &elapsed,
	}
	event := message_broaker.OutcomeEvent{
		Kind:       message_broaker.TopicCronOutcome,
		ID:         job.ID,
		Name:       job.Name,
		DurationMs: elapsed,
		At:         completedAt,
	}

	if inv.ok() {
		next, kind := cm.opts.calc.Next(job.ScheduleExpression, completedAt)
		if kind == schedule.KindFallback {
			logger.Warn().Str("expression", job.ScheduleExpression).Time("next", next).Msg("unsupported schedule expression, running hourly")
		}
		err := cm.jobStore.RecordSuccess(recordCtx, store.CronSuccess{
			JobID:           job.ID,
			Lease:           lease,
			ExecutionID:     execID,
			CompletedAt:     completedAt,
			ExecutionTimeMs: elapsed,
			Result:          inv.result,
			NextExecution:   next,
		})
		if errors.Is(err, store.ErrLeaseLost) {
			return cm.leaseLost(logger, res, execID), nil
		}
		if err != nil {
			return nil, fmt.Errorf("record success of cron job %d: %w", job.ID, err)
		}
		res.Success = true
		res.Result = inv.result
		res.NextExecution = &next
		event.Status = string(state.ExecutionSuccess)
		event.Next = &next
		logger.Info().Int64("execution_id", execID).Int64("duration_ms", elapsed).Time("next", next).Msg("cron job succeeded")
	} else {
		err := cm.jobStore.RecordFailure(recordCtx, store.CronFailure{
			JobID:           job.ID,
			Lease:           lease,
			ExecutionID:     execID,
			CompletedAt:     completedAt,
			ExecutionTimeMs: elapsed,
			Error:           inv.err.Error(),
		})
		if errors.Is(err, store.ErrLeaseLost) {
			return cm.leaseLost(logger, res, execID), nil
		}
		if err != nil {
			return nil, fmt.Errorf("record failure of cron job %d: %w", job.ID, err)
		}
		res.Error = inv.err.Error()
		res.ErrorCode = inv.code
		event.Status = string(state.ExecutionFailed)
		event.Error = res.Error
		logger.Error().Err(inv.err).Int64("execution_id", execID).Int64("duration_ms", elapsed).Str("code", string(inv.code)).Msg("cron job failed")
	}

	cm.opts.events.Emit(recordCtx, event)
	return res, nil
}

// handlerTimeout bounds the handler by the item timeout and by what is left
// of the lease, so the outcome is written before another runner can reclaim
// the slot.
func (cm *CronJobManager) handlerTimeout(lease store.Lease, startedAt time.Time) time.Duration {
	if cm.opts.lockTTL <= 0 {
		return cm.opts.itemTimeout
	}
	budget := cm.opts.lockTTL - startedAt.Sub(lease.LockedAt)
	if budget <= 0 {
		budget = time.Millisecond
	}
	if cm.opts.itemTimeout > 0 && cm.opts.itemTimeout < budget {
		return cm.opts.itemTimeout
	}
	return budget
}

// leaseLost reports a run whose lease expired before the outcome was
// written. The store kept nothing from it; the slot stays with whichever
// runner holds the lease now.
func (cm *CronJobManager) leaseLost(logger zerolog.Logger, res *types.JobExecutionResult, execID int64) *types.JobExecutionResult {
	logger.Warn().Int64("execution_id", execID).Msg("cron job lease expired before the outcome was recorded")
	res.Success = false
	res.Result = nil
	res.NextExecution = nil
	res.Error = store.ErrLeaseLost.Error()
	res.ErrorCode = types.ErrCodeLeaseLost
	return res
}

// RunDueJobs executes every due job one after another in due order.
// Concurrent calls within the process share a single scan, and across
// processes the batch lock keeps a second scan from starting while one is in
// flight (ErrLockNotAcquired).
func (cm *CronJobManager) RunDueJobs(ctx context.Context, ro RunOptions) (*types.CronBatchResult, error) {
	key := "run"
	if ro.DryRun {
		key = "dry-run"
	}
	v, err, _ := cm.scans.Do(key, func() (any, error) {
		return cm.runDueJobs(ctx, ro)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.CronBatchResult), nil
}

func (cm *CronJobManager) runDueJobs(ctx context.Context, ro RunOptions) (*types.CronBatchResult, error) {
	if !ro.DryRun {
		ok, err := cm.opts.lock.TryAcquire(ctx, constants.CronBatchLock)
		if err != nil {
			return nil, fmt.Errorf("acquire cron batch lock: %w", err)
		}
		if !ok {
			return nil, ErrLockNotAcquired
		}
		defer func() {
			if err := cm.opts.lock.Release(context.WithoutCancel(ctx), constants.CronBatchLock); err != nil {
				cm.log.Warn().Err(err).Msg("release cron batch lock")
			}
		}()
	}

	start := cm.opts.now()
	jobs, err := cm.jobStore.FindDueJobs(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("find due cron jobs: %w", err)
	}

	batch := &types.CronBatchResult{
		Success:      true,
		ExecutedJobs: make([]*types.JobExecutionResult, 0, len(jobs)),
		DryRun:       ro.DryRun,
	}
	deadline := cm.opts.deadline(start)

	for i, job := range jobs {
		if pastDeadline(deadline, cm.opts.now()) || ctx.Err() != nil {
			batch.TotalSkipped += len(jobs) - i
			cm.log.Warn().Int("remaining", len(jobs)-i).Msg("cron batch stopped before finishing, remaining jobs stay due")
			break
		}

		res, err := cm.RunJob(ctx, job.ID, RunOptions{DryRun: ro.DryRun})
		if err != nil {
			return nil, err
		}

		switch {
		case res.Success:
			batch.TotalExecuted++
			batch.ExecutedJobs = append(batch.ExecutedJobs, res)
		case skipped(res.ErrorCode):
			batch.TotalSkipped++
		default:
			batch.TotalFailed++
			batch.ExecutedJobs = append(batch.ExecutedJobs, res)
		}
	}

	cm.log.Info().
		Int("due", len(jobs)).
		Int("executed", batch.TotalExecuted).
		Int("failed", batch.TotalFailed).
		Int("skipped", batch.TotalSkipped).
		Bool("dry_run", ro.DryRun).
		Msg("cron batch finished")
	return batch, nil
}

// skipped reports outcomes caused by another runner or by the job changing
// between the scan and the claim.
func skipped(code types.ErrorCode) bool {
	switch code {
	case types.ErrCodeAlreadyClaimed, types.ErrCodeNotDue, types.ErrCodeNotFound, types.ErrCodeInactive:
		return true
	}
	return false
}
