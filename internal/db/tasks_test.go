package db

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/labpilot/labpilot/internal/models"
	testutil "github.com/labpilot/labpilot/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTask(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		store := openTestStore(t)
		task := testutil.NewTestTask(testutil.TaskOpts{})
		require.NoError(t, store.CreateTask(ctx, task))

		got, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, testutil.TestSite, got.SiteName)
		assert.Equal(t, []string{"docker"}, got.RequiredCapabilities)
		assert.Equal(t, models.PayloadExecuteScript, got.PayloadType)
		assert.Equal(t, models.TaskQueued, got.Status)
		assert.Nil(t, got.ClaimedBy)
	})

	t.Run("nil store", func(t *testing.T) {
		err := (*Store)(nil).CreateTask(ctx, testutil.NewTestTask(testutil.TaskOpts{}))
		assert.EqualError(t, err, "db store is nil")
	})

	t.Run("missing id", func(t *testing.T) {
		store := openTestStore(t)
		task := testutil.NewTestTask(testutil.TaskOpts{})
		task.ID = ""
		assert.EqualError(t, store.CreateTask(ctx, task), "task id is required")
	})

	t.Run("missing idempotency key", func(t *testing.T) {
		store := openTestStore(t)
		task := testutil.NewTestTask(testutil.TaskOpts{})
		task.IdempotencyKey = ""
		assert.EqualError(t, store.CreateTask(ctx, task), "task idempotency_key is required")
	})

	t.Run("invalid payload type", func(t *testing.T) {
		store := openTestStore(t)
		task := testutil.NewTestTask(testutil.TaskOpts{})
		task.PayloadType = "bogus"
		assert.Error(t, store.CreateTask(ctx, task))
	})
}

func TestGetTaskNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestListQueuedTasks(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	older := testutil.NewTestTask(testutil.TaskOpts{
		ID:             "task-1",
		IdempotencyKey: "key-1",
		CreatedAt:      testutil.FixedTime,
	})
	newer := testutil.NewTestTask(testutil.TaskOpts{
		ID:             "task-2",
		IdempotencyKey: "key-2",
		CreatedAt:      testutil.FixedTime.Add(time.Minute),
	})
	other := testutil.NewTestTask(testutil.TaskOpts{
		ID:             "task-3",
		IdempotencyKey: "key-3",
		SiteName:       "site-b",
	})
	require.NoError(t, store.CreateTask(ctx, newer))
	require.NoError(t, store.CreateTask(ctx, older))
	require.NoError(t, store.CreateTask(ctx, other))

	got, err := store.ListQueuedTasks(ctx, testutil.TestSite, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "task-1", got[0].ID, "oldest first")
	assert.Equal(t, "task-2", got[1].ID)

	t.Run("offset pages through the backlog", func(t *testing.T) {
		page, err := store.ListQueuedTasks(ctx, testutil.TestSite, 1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "task-2", page[0].ID)

		empty, err := store.ListQueuedTasks(ctx, testutil.TestSite, 1, 2)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestTryClaimTask(t *testing.T) {
	ctx := context.Background()
	now := testutil.FixedTime
	lease := now.Add(10 * time.Minute)

	t.Run("claims queued task", func(t *testing.T) {
		store := openTestStore(t)
		task := testutil.NewTestTask(testutil.TaskOpts{})
		require.NoError(t, store.CreateTask(ctx, task))

		claimed, err := store.TryClaimTask(ctx, task.ID, "w1", now, lease)
		require.NoError(t, err)
		assert.True(t, claimed)

		got, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskClaimed, got.Status)
		require.NotNil(t, got.ClaimedBy)
		assert.Equal(t, "w1", *got.ClaimedBy)
		assert.Equal(t, lease, got.LeaseExpiresAt)
	})

	t.Run("second claim loses", func(t *testing.T) {
		store := openTestStore(t)
		task := testutil.NewTestTask(testutil.TaskOpts{})
		require.NoError(t, store.CreateTask(ctx, task))

		claimed, err := store.TryClaimTask(ctx, task.ID, "w1", now, lease)
		require.NoError(t, err)
		require.True(t, claimed)

		claimed, err = store.TryClaimTask(ctx, task.ID, "w2", now, lease)
		require.NoError(t, err)
		assert.False(t, claimed)

		got, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, "w1", *got.ClaimedBy)
	})

	t.Run("exactly one concurrent winner", func(t *testing.T) {
		store := openTestStore(t)
		task := testutil.NewTestTask(testutil.TaskOpts{})
		require.NoError(t, store.CreateTask(ctx, task))

		const attempts = 8
		var wg sync.WaitGroup
		wins := make(chan string, attempts)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(worker string) {
				defer wg.Done()
				ok, err := store.TryClaimTask(ctx, task.ID, worker, now, lease)
				assert.NoError(t, err)
				if ok {
					wins <- worker
				}
			}("worker-" + string(rune('a'+i)))
		}
		wg.Wait()
		close(wins)

		var winners []string
		for w := range wins {
			winners = append(winners, w)
		}
		require.Len(t, winners, 1, "exactly one claim attempt must succeed")

		got, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ClaimedBy)
		assert.Equal(t, winners[0], *got.ClaimedBy)
	})
}

func TestMarkTaskExecuting(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	task := testutil.NewTestTask(testutil.TaskOpts{})
	require.NoError(t, store.CreateTask(ctx, task))

	ok, err := store.MarkTaskExecuting(ctx, task.ID, "w1")
	require.NoError(t, err)
	assert.False(t, ok, "cannot execute an unclaimed task")

	_, err = store.TryClaimTask(ctx, task.ID, "w1", testutil.FixedTime, testutil.FixedTime.Add(time.Minute))
	require.NoError(t, err)

	ok, err = store.MarkTaskExecuting(ctx, task.ID, "w2")
	require.NoError(t, err)
	assert.False(t, ok, "only the claim holder may report execution")

	ok, err = store.MarkTaskExecuting(ctx, task.ID, "w1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFinalizeTask(t *testing.T) {
	ctx := context.Background()
	now := testutil.FixedTime

	t.Run("completes claimed task", func(t *testing.T) {
		store := openTestStore(t)
		task := testutil.NewTestTask(testutil.TaskOpts{})
		require.NoError(t, store.CreateTask(ctx, task))
		_, err := store.TryClaimTask(ctx, task.ID, "w1", now, now.Add(time.Minute))
		require.NoError(t, err)

		ok, err := store.FinalizeTask(ctx, task.ID, "w1", models.TaskCompleted, now.Add(30*time.Second))
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskCompleted, got.Status)
		assert.True(t, got.LeaseExpiresAt.IsZero())
	})

	t.Run("rejects wrong worker", func(t *testing.T) {
		store := openTestStore(t)
		task := testutil.NewTestTask(testutil.TaskOpts{})
		require.NoError(t, store.CreateTask(ctx, task))
		_, err := store.TryClaimTask(ctx, task.ID, "w1", now, now.Add(time.Minute))
		require.NoError(t, err)

		ok, err := store.FinalizeTask(ctx, task.ID, "w2", models.TaskFailed, now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("rejects non-terminal status", func(t *testing.T) {
		store := openTestStore(t)
		_, err := store.FinalizeTask(ctx, "task-x", "w1", models.TaskExecuting, now)
		assert.Error(t, err)
	})
}

func TestReclaimExpiredLeases(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := testutil.FixedTime

	expired := testutil.NewTestTask(testutil.TaskOpts{ID: "task-1", IdempotencyKey: "key-1"})
	live := testutil.NewTestTask(testutil.TaskOpts{ID: "task-2", IdempotencyKey: "key-2"})
	require.NoError(t, store.CreateTask(ctx, expired))
	require.NoError(t, store.CreateTask(ctx, live))
	_, err := store.TryClaimTask(ctx, expired.ID, "w1", now.Add(-20*time.Minute), now.Add(-10*time.Minute))
	require.NoError(t, err)
	_, err = store.TryClaimTask(ctx, live.ID, "w2", now, now.Add(10*time.Minute))
	require.NoError(t, err)

	reclaimed, err := store.ReclaimExpiredLeases(ctx, now)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "task-1", reclaimed[0].ID)
	require.NotNil(t, reclaimed[0].ClaimedBy)
	assert.Equal(t, "w1", *reclaimed[0].ClaimedBy, "reclaim reports the previous holder")

	got, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskQueued, got.Status)
	assert.Nil(t, got.ClaimedBy)
	assert.True(t, got.LeaseExpiresAt.IsZero())

	got, err = store.GetTask(ctx, "task-2")
	require.NoError(t, err)
	assert.Equal(t, models.TaskClaimed, got.Status)
}

func TestExpireStaleQueued(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := testutil.FixedTime

	stale := testutil.NewTestTask(testutil.TaskOpts{
		ID: "task-1", IdempotencyKey: "key-1",
		CreatedAt: now.Add(-2 * time.Hour),
	})
	fresh := testutil.NewTestTask(testutil.TaskOpts{
		ID: "task-2", IdempotencyKey: "key-2",
		CreatedAt: now.Add(-time.Minute),
	})
	require.NoError(t, store.CreateTask(ctx, stale))
	require.NoError(t, store.CreateTask(ctx, fresh))

	expired, err := store.ExpireStaleQueued(ctx, now.Add(-time.Hour), now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "task-1", expired[0].ID)
	assert.Equal(t, models.TaskExpired, expired[0].Status)

	got, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskExpired, got.Status)

	got, err = store.GetTask(ctx, "task-2")
	require.NoError(t, err)
	assert.Equal(t, models.TaskQueued, got.Status, "fresh tasks stay queued")
}

func TestDeleteTerminalTasksBefore(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := testutil.FixedTime

	old := testutil.NewTestTask(testutil.TaskOpts{
		ID: "task-1", IdempotencyKey: "key-1",
		Status:      models.TaskCompleted,
		CompletedAt: now.Add(-48 * time.Hour),
	})
	recent := testutil.NewTestTask(testutil.TaskOpts{
		ID: "task-2", IdempotencyKey: "key-2",
		Status:      models.TaskCompleted,
		CompletedAt: now.Add(-time.Hour),
	})
	require.NoError(t, store.CreateTask(ctx, old))
	require.NoError(t, store.CreateTask(ctx, recent))

	count, err := store.CountTerminalTasksBefore(ctx, models.TaskCompleted, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	deleted, err := store.DeleteTerminalTasksBefore(ctx, models.TaskCompleted, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.GetTask(ctx, "task-1")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	_, err = store.GetTask(ctx, "task-2")
	assert.NoError(t, err)

	t.Run("rejects non-terminal status", func(t *testing.T) {
		_, err := store.DeleteTerminalTasksBefore(ctx, models.TaskQueued, now)
		assert.Error(t, err)
	})
}

func TestCountTasksByStatus(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.CreateTask(ctx, testutil.NewTestTask(testutil.TaskOpts{ID: "t1", IdempotencyKey: "k1"})))
	require.NoError(t, store.CreateTask(ctx, testutil.NewTestTask(testutil.TaskOpts{ID: "t2", IdempotencyKey: "k2"})))
	require.NoError(t, store.CreateTask(ctx, testutil.NewTestTask(testutil.TaskOpts{
		ID: "t3", IdempotencyKey: "k3", Status: models.TaskFailed, CompletedAt: testutil.FixedTime,
	})))

	counts, err := store.CountTasksByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.TaskQueued])
	assert.Equal(t, 1, counts[models.TaskFailed])
}
