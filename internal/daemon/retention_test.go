package daemon

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labpilot/labpilot/internal/audit"
	"github.com/labpilot/labpilot/internal/config"
	"github.com/labpilot/labpilot/internal/models"
)

func testRetentionPolicy() config.RetentionPolicy {
	return config.RetentionPolicy{
		CompletedTaskTTL: 24 * time.Hour,
		FailedTaskTTL:    48 * time.Hour,
		ExpiredTaskTTL:   24 * time.Hour,
		ResultTTL:        24 * time.Hour,
		EventTTL:         24 * time.Hour,
		AuditHotTTL:      24 * time.Hour,
	}
}

// completeTask runs one task through the full lifecycle so retention has
// terminal records to age out.
func completeTask(t *testing.T, h *testHarness, workerID string) models.Task {
	t.Helper()
	ctx := context.Background()
	_, err := h.queue.Enqueue(ctx, testActionRequest())
	require.NoError(t, err)
	claimed, err := h.queue.Claim(ctx, workerID, "site-a", []string{"docker"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, h.queue.Reconcile(ctx, models.ResultEnvelope{
		TaskID:         claimed.ID,
		WorkerID:       workerID,
		IdempotencyKey: claimed.IdempotencyKey,
		PayloadType:    claimed.PayloadType,
		ResultJSON:     `{"ok":true}`,
	}))
	return *claimed
}

func newTestRetention(t *testing.T, h *testHarness) *RetentionManager {
	t.Helper()
	exporter := audit.Exporter{Dir: t.TempDir()}
	return NewRetentionManager(h.store, exporter, h.events, h.metrics, log.New(io.Discard, "", 0))
}

func TestRunCleanupDryRun(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, nil)
	manager := newTestRetention(t, h)

	task := completeTask(t, h, "worker-1")
	h.clock.Advance(48 * time.Hour)

	policy := testRetentionPolicy()
	policy.DryRun = true
	stats, err := manager.RunCleanup(ctx, h.clock.Now(), policy)
	require.NoError(t, err)
	assert.True(t, stats.DryRun)
	assert.Equal(t, int64(1), stats.CompletedTasks)
	assert.Equal(t, int64(1), stats.Results)
	assert.NotZero(t, stats.Events)
	assert.Empty(t, stats.AuditExportPath)

	// Nothing was actually touched.
	_, err = h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	count, err := h.store.CountAuditEntries(ctx)
	require.NoError(t, err)
	assert.Positive(t, count)
}

func TestRunCleanupDeletesAgedRecords(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, nil)
	manager := newTestRetention(t, h)

	old := completeTask(t, h, "worker-1")
	h.clock.Advance(48 * time.Hour)
	fresh := completeTask(t, h, "worker-1")

	stats, err := manager.RunCleanup(ctx, h.clock.Now(), testRetentionPolicy())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CompletedTasks)

	_, err = h.store.GetTask(ctx, old.ID)
	assert.Error(t, err)
	_, err = h.store.GetTask(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestRunCleanupExportsBeforePruningAudit(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, nil)
	manager := newTestRetention(t, h)

	completeTask(t, h, "worker-1")
	h.clock.Advance(48 * time.Hour)
	completeTask(t, h, "worker-1")
	// The second batch opened a new day with a daily checkpoint; once
	// that checkpoint ages past the hot window, the first day's ordinary
	// entries are prunable behind it.
	h.clock.Advance(48 * time.Hour)

	before, err := h.store.CountAuditEntries(ctx)
	require.NoError(t, err)

	stats, err := manager.RunCleanup(ctx, h.clock.Now(), testRetentionPolicy())
	require.NoError(t, err)
	assert.Positive(t, stats.AuditPruned)
	assert.Equal(t, stats.AuditExported, stats.AuditPruned)
	require.NotEmpty(t, stats.AuditExportPath)

	after, err := h.store.CountAuditEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, before-stats.AuditPruned, after)

	// Checkpoints survive regardless of age.
	assert.Positive(t, stats.RetainedCheckpoints)
	checkpoints, err := h.store.ListCheckpoints(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, checkpoints)

	// The pruned entries are all readable from the export.
	exported, err := audit.ReadExport(stats.AuditExportPath)
	require.NoError(t, err)
	assert.Len(t, exported, int(stats.AuditPruned))

	// The chain still verifies, resuming from retained checkpoints.
	report, err := audit.NewVerifier(h.store).VerifyAll(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsValid)
}

func TestRunCleanupZeroWindowsAreDisabled(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, nil)
	manager := newTestRetention(t, h)

	task := completeTask(t, h, "worker-1")
	h.clock.Advance(1000 * time.Hour)

	stats, err := manager.RunCleanup(ctx, h.clock.Now(), config.RetentionPolicy{})
	require.NoError(t, err)
	assert.Zero(t, stats.CompletedTasks)
	assert.Zero(t, stats.AuditPruned)

	_, err = h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
}
