package daemon

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/labpilot/labpilot/internal/audit"
	"github.com/labpilot/labpilot/internal/config"
	"github.com/labpilot/labpilot/internal/db"
	"github.com/labpilot/labpilot/internal/models"
)

// RetentionStats reports what one cleanup pass deleted, or would delete
// when the pass ran in dry-run mode.
type RetentionStats struct {
	DryRun              bool      `json:"dry_run"`
	RanAt               time.Time `json:"ran_at"`
	CompletedTasks      int64     `json:"completed_tasks"`
	FailedTasks         int64     `json:"failed_tasks"`
	ExpiredTasks        int64     `json:"expired_tasks"`
	Results             int64     `json:"results"`
	Events              int64     `json:"events"`
	AuditExported       int64     `json:"audit_exported"`
	AuditPruned         int64     `json:"audit_pruned"`
	AuditExportPath     string    `json:"audit_export_path,omitempty"`
	RetainedCheckpoints int64     `json:"retained_checkpoints"`
}

// RetentionManager ages out terminal tasks, result receipts, and event
// rows per configured windows. Audit entries are never deleted: they are
// exported to a durable file first and only then pruned from hot
// storage, with checkpoint entries always retained.
type RetentionManager struct {
	store    *db.Store
	exporter audit.Exporter
	events   *EventRecorder
	metrics  *Metrics
	logger   *log.Logger
}

func NewRetentionManager(store *db.Store, exporter audit.Exporter, events *EventRecorder, metrics *Metrics, logger *log.Logger) *RetentionManager {
	if logger == nil {
		logger = log.Default()
	}
	return &RetentionManager{
		store:    store,
		exporter: exporter,
		events:   events,
		metrics:  metrics,
		logger:   logger,
	}
}

// RunCleanup applies the retention policy once. A zero window disables
// cleanup for that record type. With policy.DryRun set, it computes the
// stats without mutating storage.
func (m *RetentionManager) RunCleanup(ctx context.Context, now time.Time, policy config.RetentionPolicy) (RetentionStats, error) {
	now = now.UTC()
	stats := RetentionStats{DryRun: policy.DryRun, RanAt: now}

	taskWindows := []struct {
		status models.TaskStatus
		ttl    time.Duration
		out    *int64
	}{
		{models.TaskCompleted, policy.CompletedTaskTTL, &stats.CompletedTasks},
		{models.TaskFailed, policy.FailedTaskTTL, &stats.FailedTasks},
		{models.TaskExpired, policy.ExpiredTaskTTL, &stats.ExpiredTasks},
	}
	for _, window := range taskWindows {
		if window.ttl <= 0 {
			continue
		}
		cutoff := now.Add(-window.ttl)
		var n int64
		var err error
		if policy.DryRun {
			n, err = m.store.CountTerminalTasksBefore(ctx, window.status, cutoff)
		} else {
			n, err = m.store.DeleteTerminalTasksBefore(ctx, window.status, cutoff)
		}
		if err != nil {
			return stats, err
		}
		*window.out = n
	}

	if policy.ResultTTL > 0 {
		cutoff := now.Add(-policy.ResultTTL)
		var err error
		if policy.DryRun {
			stats.Results, err = m.store.CountResultsBefore(ctx, cutoff)
		} else {
			stats.Results, err = m.store.DeleteResultsBefore(ctx, cutoff)
		}
		if err != nil {
			return stats, err
		}
	}

	if policy.EventTTL > 0 {
		cutoff := now.Add(-policy.EventTTL)
		var err error
		if policy.DryRun {
			stats.Events, err = m.store.CountEventsBefore(ctx, cutoff)
		} else {
			stats.Events, err = m.store.DeleteEventsBefore(ctx, cutoff)
		}
		if err != nil {
			return stats, err
		}
	}

	if policy.AuditHotTTL > 0 {
		if err := m.cleanupAudit(ctx, now, policy, &stats); err != nil {
			return stats, err
		}
	}

	checkpoints, err := m.store.ListCheckpoints(ctx)
	if err != nil {
		return stats, err
	}
	stats.RetainedCheckpoints = int64(len(checkpoints))

	if !policy.DryRun {
		m.events.Record(ctx, EventRetentionRun, "", "", stats.summary())
	}
	return stats, nil
}

// cleanupAudit exports prunable entries older than the hot window and
// only prunes after the export file is durably in place. Export failure
// leaves every entry in hot storage.
func (m *RetentionManager) cleanupAudit(ctx context.Context, now time.Time, policy config.RetentionPolicy, stats *RetentionStats) error {
	cutoff := now.Add(-policy.AuditHotTTL)
	prunable, err := m.store.ListAuditEntriesBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	stats.AuditExported = int64(len(prunable))
	if policy.DryRun {
		stats.AuditPruned = int64(len(prunable))
		return nil
	}
	if len(prunable) == 0 {
		return nil
	}
	path, err := m.exporter.Export(prunable, now)
	if err != nil {
		return err
	}
	stats.AuditExportPath = path
	pruned, err := m.store.PruneAuditEntriesBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	stats.AuditPruned = pruned
	m.metrics.AddAuditPruned(pruned)
	m.logger.Printf("labpilotd: exported %d audit entries to %s, pruned %d", len(prunable), path, pruned)
	return nil
}

func (s RetentionStats) summary() string {
	return fmt.Sprintf("retention pass: tasks=%d results=%d events=%d audit_pruned=%d",
		s.CompletedTasks+s.FailedTasks+s.ExpiredTasks, s.Results, s.Events, s.AuditPruned)
}
