package daemon

import (
	"context"
	"log"
	"time"

	"github.com/labpilot/labpilot/internal/db"
)

// Operational event kinds. Events are the prunable activity log; the
// audit chain is the tamper-evident one.
const (
	EventWorkerRegistered = "worker.registered"
	EventTaskEnqueued     = "task.enqueued"
	EventTaskDenied       = "task.denied"
	EventTaskClaimed      = "task.claimed"
	EventTaskExecuting    = "task.executing"
	EventTaskCompleted    = "task.completed"
	EventTaskFailed       = "task.failed"
	EventTaskReclaimed    = "task.reclaimed"
	EventTaskExpired      = "task.expired"
	EventResultDuplicate  = "result.duplicate"
	EventResultRejected   = "result.rejected"
	EventRetentionRun     = "retention.run"
)

// EventRecorder writes operational events to the store and mirrors them
// to the daemon log. A failed event write never fails the operation that
// produced it.
type EventRecorder struct {
	store  *db.Store
	logger *log.Logger
	now    func() time.Time
}

func NewEventRecorder(store *db.Store, logger *log.Logger) *EventRecorder {
	if logger == nil {
		logger = log.Default()
	}
	return &EventRecorder{store: store, logger: logger, now: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (r *EventRecorder) WithClock(now func() time.Time) *EventRecorder {
	if now != nil {
		r.now = now
	}
	return r
}

// Record persists one event row. taskID and workerID may be empty.
func (r *EventRecorder) Record(ctx context.Context, kind, taskID, workerID, message string) {
	if r == nil {
		return
	}
	event := db.Event{Timestamp: r.now().UTC(), Kind: kind, Message: message}
	if taskID != "" {
		event.TaskID = &taskID
	}
	if workerID != "" {
		event.WorkerID = &workerID
	}
	if err := r.store.InsertEvent(ctx, event); err != nil {
		r.logger.Printf("labpilotd: record event %s: %v", kind, err)
		return
	}
	r.logger.Printf("labpilotd: %s task=%s worker=%s %s", kind, taskID, workerID, message)
}
