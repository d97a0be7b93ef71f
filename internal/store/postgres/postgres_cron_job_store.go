package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RezaEskandarii/jobfire/internal/state"
	"github.com/RezaEskandarii/jobfire/internal/store"
	"github.com/RezaEskandarii/jobfire/types"
)

const cronJobColumns = `id, name, function_name, schedule_expression, parameters, is_active,
		       next_execution, last_execution, execution_count, failure_count,
		       locked_by, locked_at, created_at, updated_at`

const cronExecutionColumns = `id, job_id, status, scheduled_for, started_at, completed_at,
		       execution_time_ms, result_data, error_details`

type PostgresCronJobStore struct {
	db *sql.DB
}

func NewPostgresCronJobStore(db *sql.DB) *PostgresCronJobStore {
	return &PostgresCronJobStore{db: db}
}

func (r *PostgresCronJobStore) AddOrUpdate(ctx context.Context, job types.CronJob) (int64, error) {
	params, err := marshalJSON(job.Parameters)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal parameters: %w", err)
	}

	// A changed expression reschedules the job, anything else keeps its slot.
	query := `
		INSERT INTO jobfire_schema.cron_jobs
			(name, function_name, schedule_expression, parameters, is_active, next_execution, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (name) DO UPDATE SET
			function_name = EXCLUDED.function_name,
			parameters = EXCLUDED.parameters,
			is_active = EXCLUDED.is_active,
			next_execution = CASE
				WHEN cron_jobs.schedule_expression <> EXCLUDED.schedule_expression THEN EXCLUDED.next_execution
				ELSE cron_jobs.next_execution
			END,
			schedule_expression = EXCLUDED.schedule_expression,
			updated_at = now()
		RETURNING id
	`

	var jobID int64
	err = r.db.QueryRowContext(ctx, query,
		job.Name, job.FunctionName, job.ScheduleExpression, params, job.IsActive, job.NextExecution,
	).Scan(&jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert or update cron job: %w", err)
	}
	return jobID, nil
}

func (r *PostgresCronJobStore) FindDueJobs(ctx context.Context, now time.Time) ([]types.CronJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+cronJobColumns+`
		FROM jobfire_schema.cron_jobs
		WHERE is_active = TRUE AND next_execution <= $1
		ORDER BY next_execution ASC, id ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due cron jobs: %w", err)
	}
	defer rows.Close()

	return collectCronJobs(rows)
}

func (r *PostgresCronJobStore) FindByID(ctx context.Context, id int64) (*types.CronJob, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+cronJobColumns+`
		FROM jobfire_schema.cron_jobs
		WHERE id = $1
	`, id)

	job, err := scanCronJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *PostgresCronJobStore) ClaimJob(ctx context.Context, req store.ClaimRequest) (*types.CronJob, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE jobfire_schema.cron_jobs
		SET locked_by = $2,
		    locked_at = $3,
		    updated_at = $3
		WHERE id = $1
		  AND is_active = TRUE
		  AND next_execution = $4
		  AND (locked_at IS NULL OR locked_at < $5)
		  AND ($6 OR next_execution <= $3)
		  AND NOT EXISTS (
		    SELECT 1 FROM jobfire_schema.cron_executions e
		    WHERE e.job_id = $1
		      AND e.scheduled_for = $4
		      AND e.status = $7
		      AND e.started_at >= $5
		  )
		RETURNING `+cronJobColumns,
		req.JobID, req.LockedBy, req.Now, req.Slot, req.StaleBefore(), req.Force, state.ExecutionRunning)

	job, err := scanCronJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim cron job %d: %w", req.JobID, err)
	}
	return job, true, nil
}

func (r *PostgresCronJobStore) ReleaseJob(ctx context.Context, jobID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobfire_schema.cron_jobs
		SET locked_at = NULL,
		    locked_by = NULL
		WHERE id = $1
	`, jobID)
	return err
}

func (r *PostgresCronJobStore) StartExecution(ctx context.Context, jobID int64, slot, startedAt time.Time) (int64, error) {
	var id int64
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE jobfire_schema.cron_executions
			SET status = $3,
			    completed_at = $4,
			    error_details = $5
			WHERE job_id = $1 AND status = $2
		`, jobID, state.ExecutionRunning, state.ExecutionFailed, startedAt, store.AbandonedExecutionError)
		if err != nil {
			return fmt.Errorf("failed to abandon running executions of cron job %d: %w", jobID, err)
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO jobfire_schema.cron_executions (job_id, status, scheduled_for, started_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, jobID, state.ExecutionRunning, slot, startedAt).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to start execution for cron job %d: %w", jobID, err)
		}
		return nil
	})
	return id, err
}

func (r *PostgresCronJobStore) RecordSuccess(ctx context.Context, s store.CronSuccess) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := finishExecution(ctx, tx, s.ExecutionID, state.ExecutionSuccess, s.CompletedAt, s.ExecutionTimeMs, nullJSON(s.Result), nil); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE jobfire_schema.cron_jobs
			SET last_execution = $2,
			    next_execution = $3,
			    execution_count = execution_count + 1,
			    locked_by = NULL,
			    locked_at = NULL,
			    updated_at = $2
			WHERE id = $1 AND locked_by = $4 AND locked_at = $5
		`, s.JobID, s.CompletedAt, s.NextExecution, s.Lease.LockedBy, s.Lease.LockedAt)
		if err != nil {
			return fmt.Errorf("failed to advance cron job %d: %w", s.JobID, err)
		}
		return leaseHeld(res, s.JobID)
	})
}

func (r *PostgresCronJobStore) RecordFailure(ctx context.Context, f store.CronFailure) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := finishExecution(ctx, tx, f.ExecutionID, state.ExecutionFailed, f.CompletedAt, f.ExecutionTimeMs, nil, &f.Error); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE jobfire_schema.cron_jobs
			SET failure_count = failure_count + 1,
			    locked_by = NULL,
			    locked_at = NULL,
			    updated_at = $2
			WHERE id = $1 AND locked_by = $3 AND locked_at = $4
		`, f.JobID, f.CompletedAt, f.Lease.LockedBy, f.Lease.LockedAt)
		if err != nil {
			return fmt.Errorf("failed to record failure of cron job %d: %w", f.JobID, err)
		}
		return leaseHeld(res, f.JobID)
	})
}

func finishExecution(ctx context.Context, tx *sql.Tx, executionID int64, status state.ExecutionStatus,
	completedAt time.Time, elapsedMs int64, result any, errDetails *string) error {
	if err := store.ExecutionTransition(state.ExecutionRunning, status); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE jobfire_schema.cron_executions
		SET status = $2,
		    completed_at = $3,
		    execution_time_ms = $4,
		    result_data = $5,
		    error_details = $6
		WHERE id = $1 AND status = $7
	`, executionID, status, completedAt, elapsedMs, result, errDetails, state.ExecutionRunning)
	if err != nil {
		return fmt.Errorf("failed to finish execution %d: %w", executionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %d is not running: %w", executionID, store.ErrLeaseLost)
	}
	return nil
}

// leaseHeld reports ErrLeaseLost when the owner-checked job update matched
// nothing, so the transaction rolls back.
func leaseHeld(res sql.Result, jobID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("cron job %d: %w", jobID, store.ErrLeaseLost)
	}
	return nil
}

func (r *PostgresCronJobStore) GetAll(ctx context.Context, page int, pageSize int) (*types.PaginationResult[types.CronJob], error) {
	page, pageSize, offset := types.NormalizePage(page, pageSize, 20)

	var totalItems int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobfire_schema.cron_jobs`).Scan(&totalItems); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+cronJobColumns+`
		FROM jobfire_schema.cron_jobs
		ORDER BY id ASC
		LIMIT $1 OFFSET $2
	`, pageSize, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs, err := collectCronJobs(rows)
	if err != nil {
		return nil, err
	}
	return types.NewPaginationResult(jobs, totalItems, page, pageSize), nil
}

func (r *PostgresCronJobStore) ListExecutions(ctx context.Context, jobID int64, page int, pageSize int) (*types.PaginationResult[types.CronExecution], error) {
	page, pageSize, offset := types.NormalizePage(page, pageSize, 20)

	var totalItems int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobfire_schema.cron_executions WHERE job_id = $1`, jobID).Scan(&totalItems)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+cronExecutionColumns+`
		FROM jobfire_schema.cron_executions
		WHERE job_id = $1
		ORDER BY started_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, jobID, pageSize, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []types.CronExecution
	for rows.Next() {
		var e types.CronExecution
		var result []byte
		if err := rows.Scan(&e.ID, &e.JobID, &e.Status, &e.ScheduledFor, &e.StartedAt, &e.CompletedAt,
			&e.ExecutionTimeMs, &result, &e.ErrorDetails); err != nil {
			return nil, err
		}
		if len(result) > 0 {
			e.ResultData = json.RawMessage(result)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return types.NewPaginationResult(executions, totalItems, page, pageSize), nil
}

func (r *PostgresCronJobStore) SetActive(ctx context.Context, jobID int64, active bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobfire_schema.cron_jobs
		SET is_active = $1, updated_at = now()
		WHERE id = $2
	`, active, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *PostgresCronJobStore) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCronJob(row rowScanner) (*types.CronJob, error) {
	var job types.CronJob
	var params []byte
	err := row.Scan(
		&job.ID, &job.Name, &job.FunctionName, &job.ScheduleExpression, &params, &job.IsActive,
		&job.NextExecution, &job.LastExecution, &job.ExecutionCount, &job.FailureCount,
		&job.LockedBy, &job.LockedAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Parameters); err != nil {
			return nil, fmt.Errorf("cron job %d: invalid parameters: %w", job.ID, err)
		}
	}
	return &job, nil
}

func collectCronJobs(rows *sql.Rows) ([]types.CronJob, error) {
	var jobs []types.CronJob
	for rows.Next() {
		job, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}
