package sqlite

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

const automatedTaskColumns = `id, task_type, status, scheduled_at, started_at, completed_at,
	priority, recurring, metadata, result, error_message, parent_id, created_at`

type SQLiteAutomatedTaskStore struct {
	db *sql.DB
}

func NewSQLiteAutomatedTaskStore(db *sql.DB) *SQLiteAutomatedTaskStore {
	return &SQLiteAutomatedTaskStore{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteAutomatedTaskStore) Insert(ctx context.Context, task types.AutomatedTask) (int64, error) {
	return insertTask(ctx, s.db, task)
}

func insertTask(ctx context.Context, e execer, task types.AutomatedTask) (int64, error) {
	metadata, err := marshalJSON(task.Metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	status := task.Status
	if status == "" {
		status = state.TaskScheduled
	}

	res, err := e.ExecContext(ctx, `
		INSERT INTO automated_tasks
			(task_type, status, scheduled_at, priority, recurring, metadata, parent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, task.TaskType, status, ms(task.ScheduledAt), task.Priority, task.Recurring.Normalize(), metadata, task.ParentID, ms(task.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to insert task: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteAutomatedTaskStore) FindDueTasks(ctx context.Context, now time.Time, limit int) ([]types.AutomatedTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+automatedTaskColumns+`
		FROM automated_tasks
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT ?
	`, state.TaskScheduled, ms(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

func (s *SQLiteAutomatedTaskStore) FindByID(ctx context.Context, id int64) (*types.AutomatedTask, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+automatedTaskColumns+` FROM automated_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return task, err
}

func (s *SQLiteAutomatedTaskStore) ClaimTask(ctx context.Context, id int64, startedAt time.Time) (*types.AutomatedTask, bool, error) {
	from, to := state.TaskScheduled, state.TaskRunning
	if err := store.TaskTransition(from, to); err != nil {
		return nil, false, err
	}
	task, err := scanTask(s.db.QueryRowContext(ctx, `
		UPDATE automated_tasks
		SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
		RETURNING `+automatedTaskColumns,
		to, ms(startedAt), id, from))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim task %d: %w", id, err)
	}
	return task, true, nil
}

func (s *SQLiteAutomatedTaskStore) CompleteTask(ctx context.Context, id int64, result json.RawMessage, completedAt time.Time, next *types.AutomatedTask) error {
	from, to := state.TaskRunning, state.TaskCompleted
	if err := store.TaskTransition(from, to); err != nil {
		return err
	}
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE automated_tasks
			SET status = ?, completed_at = ?, result = ?
			WHERE id = ? AND status = ?
		`, to, ms(completedAt), nullJSON(result), id, from)
		if err != nil {
			return fmt.Errorf("failed to complete task %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %d is not running: %w", id, store.ErrNotFound)
		}
		if next == nil {
			return nil
		}
		if _, err := insertTask(ctx, tx, *next); err != nil {
			return fmt.Errorf("failed to schedule next run of task %d: %w", id, err)
		}
		return nil
	})
}

func (s *SQLiteAutomatedTaskStore) FailTask(ctx context.Context, id int64, errMsg string, completedAt time.Time) error {
	from, to := state.TaskRunning, state.TaskFailed
	if err := store.TaskTransition(from, to); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE automated_tasks
		SET status = ?, completed_at = ?, error_message = ?
		WHERE id = ? AND status = ?
	`, to, ms(completedAt), errMsg, id, from)
	if err != nil {
		return fmt.Errorf("failed to mark task %d failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d is not running: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *SQLiteAutomatedTaskStore) FailStaleRunning(ctx context.Context, olderThan, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE automated_tasks
		SET status = ?, completed_at = ?, error_message = ?
		WHERE status = ? AND started_at < ?
	`, state.TaskFailed, ms(now), store.StaleTaskError, state.TaskRunning, ms(olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteAutomatedTaskStore) GetAll(ctx context.Context, page int, pageSize int, status state.TaskStatus) (*types.PaginationResult[types.AutomatedTask], error) {
	page, pageSize, offset := types.NormalizePage(page, pageSize, 20)

	where := "1 = 1"
	var args []any
	if status != "" {
		where += " AND status = ?"
		args = append(args, status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM automated_tasks WHERE `+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+automatedTaskColumns+`
		FROM automated_tasks
		WHERE `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, append(args, pageSize, offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	return types.NewPaginationResult(tasks, total, page, pageSize), nil
}

func (s *SQLiteAutomatedTaskStore) CountByStatus(ctx context.Context) (map[state.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM automated_tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[state.TaskStatus]int, len(state.AllTaskStatuses))
	for _, status := range state.AllTaskStatuses {
		result[status] = 0
	}
	for rows.Next() {
		var status state.TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		result[status] = count
	}
	return result, rows.Err()
}

func (s *SQLiteAutomatedTaskStore) Close() error {
	return s.db.Close()
}

func scanTask(row rowScanner) (*types.AutomatedTask, error) {
	var (
		t                    types.AutomatedTask
		scheduled, created   int64
		started, completed   sql.NullInt64
		parentID             sql.NullInt64
		metadata             string
		result, errorMessage sql.NullString
	)
	err := row.Scan(&t.ID, &t.TaskType, &t.Status, &scheduled, &started, &completed,
		&t.Priority, &t.Recurring, &metadata, &result, &errorMessage, &parentID, &created)
	if err != nil {
		return nil, err
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &t.Metadata); err != nil {
			return nil, fmt.Errorf("task %d: invalid metadata: %w", t.ID, err)
		}
	}
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	if parentID.Valid {
		id := parentID.Int64
		t.ParentID = &id
	}
	t.ScheduledAt = fromMs(scheduled)
	t.StartedAt = fromNullMs(started)
	t.CompletedAt = fromNullMs(completed)
	t.ErrorMessage = fromNullString(errorMessage)
	t.CreatedAt = fromMs(created)
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]types.AutomatedTask, error) {
	var tasks []types.AutomatedTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}
