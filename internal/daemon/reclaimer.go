package daemon

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/labpilot/labpilot/internal/audit"
	"github.com/labpilot/labpilot/internal/db"
	"github.com/labpilot/labpilot/internal/models"
)

// Reclaimer is the background loop that returns lease-expired tasks to
// the queue and expires tasks that sat queued past the maximum age.
type Reclaimer struct {
	store       *db.Store
	chain       *audit.Chain
	hub         *Hub
	events      *EventRecorder
	metrics     *Metrics
	logger      *log.Logger
	interval    time.Duration
	maxQueueAge time.Duration

	// heartbeatTimeout drives the worker freshness gauges; zero disables them.
	heartbeatTimeout time.Duration

	now func() time.Time
}

func NewReclaimer(store *db.Store, chain *audit.Chain, hub *Hub, events *EventRecorder, metrics *Metrics, interval, maxQueueAge, heartbeatTimeout time.Duration, logger *log.Logger) *Reclaimer {
	if logger == nil {
		logger = log.Default()
	}
	return &Reclaimer{
		store:            store,
		chain:            chain,
		hub:              hub,
		events:           events,
		metrics:          metrics,
		logger:           logger,
		interval:         interval,
		maxQueueAge:      maxQueueAge,
		heartbeatTimeout: heartbeatTimeout,
		now:              time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (r *Reclaimer) WithClock(now func() time.Time) *Reclaimer {
	if now != nil {
		r.now = now
	}
	return r
}

// Run ticks until ctx is canceled. Errors are logged, never fatal; the
// next tick retries.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Printf("labpilotd: reclaim pass: %v", err)
			}
		}
	}
}

// RunOnce performs a single reclaim and expiry pass.
func (r *Reclaimer) RunOnce(ctx context.Context) error {
	now := r.now().UTC()

	reclaimed, err := r.store.ReclaimExpiredLeases(ctx, now)
	if err != nil {
		return err
	}
	for _, task := range reclaimed {
		holder := ""
		if task.ClaimedBy != nil {
			holder = *task.ClaimedBy
		}
		if _, err := r.chain.Append(ctx, audit.EntryContent{
			Actor:          auditActor,
			ActionType:     AuditTaskReclaimed,
			TargetResource: task.ID,
			ResultSummary:  fmt.Sprintf("lease expired on %s, requeued", holder),
		}); err != nil {
			return err
		}
		r.metrics.IncAuditEntries()
		r.metrics.IncTaskTransition(task.Status, models.TaskQueued)
		r.events.Record(ctx, EventTaskReclaimed, task.ID, holder, "lease expired")
		// Requeued task is claimable again; wake matching workers.
		task.Status = models.TaskQueued
		task.ClaimedBy = nil
		task.LeaseExpiresAt = time.Time{}
		r.hub.Notify(task)
	}
	r.metrics.IncLeaseReclaims(len(reclaimed))

	if r.maxQueueAge > 0 {
		expired, err := r.store.ExpireStaleQueued(ctx, now.Add(-r.maxQueueAge), now)
		if err != nil {
			return err
		}
		for _, task := range expired {
			if _, err := r.chain.Append(ctx, audit.EntryContent{
				Actor:          auditActor,
				ActionType:     AuditTaskExpired,
				TargetResource: task.ID,
				ResultSummary:  fmt.Sprintf("queued since %s, past max queue age", task.CreatedAt.Format(time.RFC3339)),
			}); err != nil {
				return err
			}
			r.metrics.IncAuditEntries()
			r.metrics.IncTaskTransition(models.TaskQueued, models.TaskExpired)
			r.events.Record(ctx, EventTaskExpired, task.ID, "", "max queue age exceeded")
		}
	}

	r.updateGauges(ctx, now)
	return nil
}

// updateGauges refreshes the queue depth and worker freshness gauges.
// Gauge staleness is bounded by one scan interval; failures here never
// fail the reclaim pass.
func (r *Reclaimer) updateGauges(ctx context.Context, now time.Time) {
	counts, err := r.store.CountTasksByStatus(ctx)
	if err != nil {
		r.logger.Printf("labpilotd: count tasks for gauges: %v", err)
	} else {
		r.metrics.SetQueueDepth(counts[models.TaskQueued])
	}
	if r.heartbeatTimeout <= 0 {
		return
	}
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		r.logger.Printf("labpilotd: list workers for gauges: %v", err)
		return
	}
	online := 0
	for _, worker := range workers {
		if worker.Status(now, r.heartbeatTimeout) == models.WorkerOnline {
			online++
		}
	}
	r.metrics.SetWorkerCounts(online, len(workers)-online)
}
