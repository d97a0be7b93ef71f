package sqlite

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/RezaEskandarii/jobfire/internal/db"
	"github.com/RezaEskandarii/jobfire/internal/state"
	"github.com/RezaEskandarii/jobfire/internal/store"
	"github.com/RezaEskandarii/jobfire/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ store.CronJobStore       = (*SQLiteCronJobStore)(nil)
	_ store.AutomatedTaskStore = (*SQLiteAutomatedTaskStore)(nil)
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	conn, err := db.OpenSQLite(ctx, ":memory:", 0)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx, conn, db.SQLite, nil))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func seedJob(t *testing.T, s *SQLiteCronJobStore, name string, next time.Time) *types.CronJob {
	t.Helper()
	id, err := s.AddOrUpdate(context.Background(), types.CronJob{
		Name:               name,
		FunctionName:       name + "_fn",
		ScheduleExpression: "0 * * * *",
		Parameters:         map[string]any{"scope": "all"},
		IsActive:           true,
		NextExecution:      next,
	})
	require.NoError(t, err)
	job, err := s.FindByID(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestSQLiteCronJobStore_AddOrUpdateKeepsSlot(t *testing.T) {
	s := NewSQLiteCronJobStore(newTestDB(t))
	ctx := context.Background()
	next := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	job := seedJob(t, s, "report", next)
	assert.Equal(t, next, job.NextExecution)
	assert.Equal(t, "all", job.Parameters["scope"])

	id, err := s.AddOrUpdate(ctx, types.CronJob{
		Name: "report", FunctionName: "report_v2", ScheduleExpression: "0 * * * *",
		IsActive: true, NextExecution: next.Add(5 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, job.ID, id)

	updated, err := s.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "report_v2", updated.FunctionName)
	assert.Equal(t, next, updated.NextExecution)

	_, err = s.AddOrUpdate(ctx, types.CronJob{
		Name: "report", FunctionName: "report_v2", ScheduleExpression: "0 9 * * *",
		IsActive: true, NextExecution: next.Add(5 * time.Hour),
	})
	require.NoError(t, err)
	updated, err = s.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, next.Add(5*time.Hour), updated.NextExecution)
}

func TestSQLiteCronJobStore_FindDueJobs(t *testing.T) {
	s := NewSQLiteCronJobStore(newTestDB(t))
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)

	later := seedJob(t, s, "later", now.Add(time.Minute))
	older := seedJob(t, s, "older", now.Add(-2*time.Hour))
	recent := seedJob(t, s, "recent", now.Add(-time.Minute))
	inactive := seedJob(t, s, "inactive", now.Add(-3*time.Hour))
	require.NoError(t, s.SetActive(ctx, inactive.ID, false))

	due, err := s.FindDueJobs(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, older.ID, due[0].ID)
	assert.Equal(t, recent.ID, due[1].ID)

	exact, err := s.FindDueJobs(ctx, later.NextExecution)
	require.NoError(t, err)
	assert.Len(t, exact, 3)
}

func TestSQLiteCronJobStore_ClaimJob(t *testing.T) {
	s := NewSQLiteCronJobStore(newTestDB(t))
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
	job := seedJob(t, s, "claim", now.Add(-time.Minute))

	req := store.ClaimRequest{JobID: job.ID, Slot: job.NextExecution, Now: now, LockedBy: "a", LockTTL: time.Hour}
	claimed, ok, err := s.ClaimJob(ctx, req)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, claimed.LockedBy)
	assert.Equal(t, "a", *claimed.LockedBy)

	req.LockedBy = "b"
	_, ok, err = s.ClaimJob(ctx, req)
	require.NoError(t, err)
	assert.False(t, ok, "lease is still fresh")

	req.Now = now.Add(2 * time.Hour)
	_, ok, err = s.ClaimJob(ctx, req)
	require.NoError(t, err)
	assert.True(t, ok, "abandoned lease can be taken over")
}

func TestSQLiteCronJobStore_ClaimJob_RequiresDueUnlessForced(t *testing.T) {
	s := NewSQLiteCronJobStore(newTestDB(t))
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
	job := seedJob(t, s, "future", now.Add(time.Hour))

	req := store.ClaimRequest{JobID: job.ID, Slot: job.NextExecution, Now: now, LockedBy: "a", LockTTL: time.Hour}
	_, ok, err := s.ClaimJob(ctx, req)
	require.NoError(t, err)
	assert.False(t, ok)

	req.Slot = now
	req.Force = true
	_, ok, err = s.ClaimJob(ctx, req)
	require.NoError(t, err)
	assert.False(t, ok, "stale slot never wins")

	req.Slot = job.NextExecution
	_, ok, err = s.ClaimJob(ctx, req)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLiteCronJobStore_ConcurrentClaimHasOneWinner(t *testing.T) {
	s := NewSQLiteCronJobStore(newTestDB(t))
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
	job := seedJob(t, s, "race", now.Add(-time.Minute))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := s.ClaimJob(ctx, store.ClaimRequest{
				JobID: job.ID, Slot: job.NextExecution, Now: now, LockedBy: string(rune('a' + i)), LockTTL: time.Hour,
			})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestSQLiteCronJobStore_RecordOutcomes(t *testing.T) {
	s := NewSQLiteCronJobStore(newTestDB(t))
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
	job := seedJob(t, s, "outcome", now.Add(-time.Minute))

	claimed, ok, err := s.ClaimJob(ctx, store.ClaimRequest{JobID: job.ID, Slot: job.NextExecution, Now: now, LockedBy: "a", LockTTL: time.Hour})
	require.NoError(t, err)
	require.True(t, ok)
	execID, err := s.StartExecution(ctx, job.ID, job.NextExecution, now)
	require.NoError(t, err)

	require.NoError(t, s.RecordFailure(ctx, store.CronFailure{
		JobID: job.ID, Lease: leaseOf(claimed), ExecutionID: execID,
		CompletedAt: now.Add(time.Second), ExecutionTimeMs: 1000, Error: "boom",
	}))

	failed, err := s.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed.FailureCount)
	assert.Equal(t, int64(0), failed.ExecutionCount)
	assert.Equal(t, job.NextExecution, failed.NextExecution)
	assert.Nil(t, failed.LockedBy)
	assert.Nil(t, failed.LastExecution)

	claimed, ok, err = s.ClaimJob(ctx, store.ClaimRequest{JobID: job.ID, Slot: job.NextExecution, Now: now, LockedBy: "a", LockTTL: time.Hour})
	require.NoError(t, err)
	require.True(t, ok, "failed job is picked up again on the next scan")
	execID2, err := s.StartExecution(ctx, job.ID, job.NextExecution, now)
	require.NoError(t, err)

	next := now.Add(time.Hour).Truncate(time.Hour)
	require.NoError(t, s.RecordSuccess(ctx, store.CronSuccess{
		JobID: job.ID, Lease: leaseOf(claimed), ExecutionID: execID2, CompletedAt: now, ExecutionTimeMs: 12,
		Result: []byte(`{"rows":3}`), NextExecution: next,
	}))

	done, err := s.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), done.ExecutionCount)
	assert.Equal(t, next, done.NextExecution)
	require.NotNil(t, done.LastExecution)
	assert.Equal(t, now, *done.LastExecution)

	history, err := s.ListExecutions(ctx, job.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, history.Items, 2)
	statuses := []state.ExecutionStatus{history.Items[0].Status, history.Items[1].Status}
	assert.ElementsMatch(t, []state.ExecutionStatus{state.ExecutionSuccess, state.ExecutionFailed}, statuses)

	err = s.RecordSuccess(ctx, store.CronSuccess{JobID: job.ID, Lease: leaseOf(claimed), ExecutionID: execID2, CompletedAt: now, NextExecution: next})
	assert.ErrorIs(t, err, store.ErrLeaseLost, "an execution finishes only once")
}

func leaseOf(job *types.CronJob) store.Lease {
	return store.Lease{LockedBy: *job.LockedBy, LockedAt: *job.LockedAt}
}

func TestSQLiteCronJobStore_ExecutionOutlivingLease(t *testing.T) {
	s := NewSQLiteCronJobStore(newTestDB(t))
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
	ttl := time.Minute
	job := seedJob(t, s, "slow", t0.Add(-time.Minute))

	req := store.ClaimRequest{JobID: job.ID, Slot: job.NextExecution, Now: t0, LockedBy: "a", LockTTL: ttl}
	first, ok, err := s.ClaimJob(ctx, req)
	require.NoError(t, err)
	require.True(t, ok)
	firstExec, err := s.StartExecution(ctx, job.ID, job.NextExecution, t0.Add(10*time.Second))
	require.NoError(t, err)

	// The lease has expired but the execution it started is still running.
	req.LockedBy, req.Now = "b", t0.Add(ttl+5*time.Second)
	_, ok, err = s.ClaimJob(ctx, req)
	require.NoError(t, err)
	assert.False(t, ok, "a running execution of the slot blocks the claim")

	// Once the execution is older than the lease TTL it counts as abandoned.
	req.Now = t0.Add(ttl + 11*time.Second)
	second, ok, err := s.ClaimJob(ctx, req)
	require.NoError(t, err)
	require.True(t, ok)
	secondExec, err := s.StartExecution(ctx, job.ID, job.NextExecution, req.Now)
	require.NoError(t, err)

	next := t0.Add(time.Hour)
	err = s.RecordSuccess(ctx, store.CronSuccess{
		JobID: job.ID, Lease: leaseOf(first), ExecutionID: firstExec, CompletedAt: req.Now, NextExecution: next,
	})
	assert.ErrorIs(t, err, store.ErrLeaseLost)
	err = s.RecordFailure(ctx, store.CronFailure{
		JobID: job.ID, Lease: leaseOf(first), ExecutionID: secondExec, CompletedAt: req.Now, Error: "late",
	})
	assert.ErrorIs(t, err, store.ErrLeaseLost, "the old owner cannot finish the new execution either")

	require.NoError(t, s.RecordSuccess(ctx, store.CronSuccess{
		JobID: job.ID, Lease: leaseOf(second), ExecutionID: secondExec, CompletedAt: req.Now, NextExecution: next,
	}))

	done, err := s.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), done.ExecutionCount)
	assert.Equal(t, int64(0), done.FailureCount)
	assert.Nil(t, done.LockedBy)

	history, err := s.ListExecutions(ctx, job.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, history.Items, 2)
	byID := map[int64]types.CronExecution{}
	for _, e := range history.Items {
		byID[e.ID] = e
	}
	assert.Equal(t, state.ExecutionSuccess, byID[secondExec].Status)
	assert.Equal(t, state.ExecutionFailed, byID[firstExec].Status)
	require.NotNil(t, byID[firstExec].ErrorDetails)
	assert.Equal(t, store.AbandonedExecutionError, *byID[firstExec].ErrorDetails)
}

func TestSQLiteAutomatedTaskStore_DueOrderAndLimit(t *testing.T) {
	s := NewSQLiteAutomatedTaskStore(newTestDB(t))
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	insert := func(priority int, created, scheduled time.Time) int64 {
		id, err := s.Insert(ctx, types.AutomatedTask{
			TaskType: "t", ScheduledAt: scheduled, Priority: priority, CreatedAt: created,
		})
		require.NoError(t, err)
		return id
	}

	low := insert(1, now.Add(-3*time.Hour), now.Add(-time.Hour))
	highNew := insert(9, now.Add(-time.Hour), now.Add(-time.Hour))
	highOld := insert(9, now.Add(-2*time.Hour), now.Add(-time.Hour))
	insert(10, now.Add(-time.Hour), now.Add(time.Hour)) // not due yet

	due, err := s.FindDueTasks(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, []int64{highOld, highNew, low}, []int64{due[0].ID, due[1].ID, due[2].ID})
	assert.Equal(t, types.RecurNone, due[0].Recurring)

	limited, err := s.FindDueTasks(ctx, now, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSQLiteAutomatedTaskStore_Lifecycle(t *testing.T) {
	s := NewSQLiteAutomatedTaskStore(newTestDB(t))
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	id, err := s.Insert(ctx, types.AutomatedTask{
		TaskType: "digest", ScheduledAt: now, Priority: 3, Recurring: types.RecurDaily,
		Metadata: map[string]any{"list": "ops"}, CreatedAt: now,
	})
	require.NoError(t, err)

	task, ok, err := s.ClaimTask(ctx, id, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state.TaskRunning, task.Status)

	_, ok, err = s.ClaimTask(ctx, id, now)
	require.NoError(t, err)
	assert.False(t, ok)

	completedAt := now.Add(time.Minute)
	next := task.NextOccurrence(completedAt.Add(24*time.Hour), completedAt)
	require.NoError(t, s.CompleteTask(ctx, id, []byte(`{"sent":4}`), completedAt, &next))

	done, err := s.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.TaskCompleted, done.Status)
	assert.JSONEq(t, `{"sent":4}`, string(done.Result))

	page, err := s.GetAll(ctx, 1, 10, state.TaskScheduled)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	follow := page.Items[0]
	assert.NotEqual(t, id, follow.ID)
	require.NotNil(t, follow.ParentID)
	assert.Equal(t, id, *follow.ParentID)
	assert.Equal(t, completedAt.Add(24*time.Hour), follow.ScheduledAt)
	assert.Equal(t, 3, follow.Priority)
	assert.Equal(t, "ops", follow.Metadata["list"])

	_, ok, err = s.ClaimTask(ctx, follow.ID, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.FailTask(ctx, follow.ID, "smtp down", now))
	assert.ErrorIs(t, s.FailTask(ctx, follow.ID, "again", now), store.ErrNotFound)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[state.TaskCompleted])
	assert.Equal(t, 1, counts[state.TaskFailed])
	assert.Equal(t, 0, counts[state.TaskScheduled])
}

func TestSQLiteAutomatedTaskStore_FailStaleRunning(t *testing.T) {
	s := NewSQLiteAutomatedTaskStore(newTestDB(t))
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	oldID, err := s.Insert(ctx, types.AutomatedTask{TaskType: "t", ScheduledAt: now, CreatedAt: now})
	require.NoError(t, err)
	freshID, err := s.Insert(ctx, types.AutomatedTask{TaskType: "t", ScheduledAt: now, CreatedAt: now})
	require.NoError(t, err)

	_, _, err = s.ClaimTask(ctx, oldID, now.Add(-2*time.Hour))
	require.NoError(t, err)
	_, _, err = s.ClaimTask(ctx, freshID, now.Add(-time.Minute))
	require.NoError(t, err)

	n, err := s.FailStaleRunning(ctx, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	old, err := s.FindByID(ctx, oldID)
	require.NoError(t, err)
	assert.Equal(t, state.TaskFailed, old.Status)
	require.NotNil(t, old.ErrorMessage)
	assert.Equal(t, store.StaleTaskError, *old.ErrorMessage)

	err = s.CompleteTask(ctx, oldID, []byte(`{}`), now, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
	old, err = s.FindByID(ctx, oldID)
	require.NoError(t, err)
	assert.Equal(t, state.TaskFailed, old.Status)

	_, err = s.FindByID(ctx, 999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
