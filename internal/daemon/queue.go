package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/labpilot/labpilot/internal/audit"
	"github.com/labpilot/labpilot/internal/db"
	"github.com/labpilot/labpilot/internal/models"
	"github.com/labpilot/labpilot/internal/policy"
)

const (
	// claimBatchSize is the page size for scanning the queued backlog
	// during a claim attempt.
	claimBatchSize = 16
	// auditActor is the actor recorded for control-plane transitions.
	auditActor = "control-plane"
)

// Audit action types written by the delegation service.
const (
	AuditTaskCreated   = "task_created"
	AuditTaskDenied    = "task_denied"
	AuditTaskClaimed   = "task_claimed"
	AuditTaskCompleted = "task_completed"
	AuditTaskFailed    = "task_failed"
	AuditTaskReclaimed = "task_reclaimed"
	AuditTaskExpired   = "task_expired"
)

// PolicyDeniedError reports an authorization denial. It is surfaced to
// the caller verbatim, never downgraded to an allow.
type PolicyDeniedError struct {
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	return "policy denied: " + e.Reason
}

// ErrResultRejected is returned when a result envelope arrives for a
// task the submitting worker no longer holds. The worker must drop the
// envelope; the task has been reassigned or expired.
var ErrResultRejected = errors.New("result rejected: task is not held by the submitting worker")

// ActionRequest is one approved remediation proposal to delegate.
type ActionRequest struct {
	Action               policy.Action
	Actor                string
	SiteName             string
	RequiredCapabilities []string
	PayloadType          models.PayloadType
	PayloadJSON          string
	IdempotencyKey       string
}

// Queue is the task delegation service: it gates proposals through the
// policy engine, persists queued tasks, hands claims to workers, and
// reconciles result envelopes exactly once.
type Queue struct {
	store   *db.Store
	engine  *policy.Engine
	chain   *audit.Chain
	hub     *Hub
	events  *EventRecorder
	metrics *Metrics
	logger  *log.Logger
	lease   time.Duration
	now     func() time.Time
}

func NewQueue(store *db.Store, engine *policy.Engine, chain *audit.Chain, hub *Hub, events *EventRecorder, metrics *Metrics, lease time.Duration, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.Default()
	}
	return &Queue{
		store:   store,
		engine:  engine,
		chain:   chain,
		hub:     hub,
		events:  events,
		metrics: metrics,
		logger:  logger,
		lease:   lease,
		now:     time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	if now != nil {
		q.now = now
	}
	return q
}

// Enqueue authorizes the action and persists a queued task. A policy
// denial is returned as *PolicyDeniedError and audited; no task is
// created for it.
func (q *Queue) Enqueue(ctx context.Context, req ActionRequest) (models.Task, error) {
	if req.SiteName == "" {
		return models.Task{}, errors.New("site_name is required")
	}
	actor := req.Actor
	if actor == "" {
		actor = auditActor
	}
	target := fmt.Sprintf("%s:%s", req.Action.Resource, req.Action.Target)

	decision := q.engine.Authorize(req.Action)
	q.metrics.IncPolicyDecision(decision.Allowed)
	if !decision.Allowed {
		if _, err := q.chain.Append(ctx, audit.EntryContent{
			Actor:          actor,
			ActionType:     AuditTaskDenied,
			TargetResource: target,
			ResultSummary:  decision.Reason,
		}); err != nil {
			return models.Task{}, err
		}
		q.metrics.IncAuditEntries()
		q.events.Record(ctx, EventTaskDenied, "", "", decision.Reason)
		return models.Task{}, &PolicyDeniedError{Reason: decision.Reason}
	}

	now := q.now().UTC()
	task := models.Task{
		ID:                   uuid.NewString(),
		SiteName:             req.SiteName,
		RequiredCapabilities: models.NormalizeCapabilities(req.RequiredCapabilities),
		PayloadType:          req.PayloadType,
		PayloadJSON:          req.PayloadJSON,
		IdempotencyKey:       req.IdempotencyKey,
		Status:               models.TaskQueued,
		CreatedAt:            now,
	}
	if task.IdempotencyKey == "" {
		task.IdempotencyKey = uuid.NewString()
	}
	if err := q.store.CreateTask(ctx, task); err != nil {
		return models.Task{}, err
	}
	if _, err := q.chain.Append(ctx, audit.EntryContent{
		Actor:          actor,
		ActionType:     AuditTaskCreated,
		TargetResource: target,
		ResultSummary:  fmt.Sprintf("task %s queued for site %s", task.ID, task.SiteName),
	}); err != nil {
		return models.Task{}, err
	}
	q.metrics.IncAuditEntries()
	q.metrics.IncTaskTransition("", models.TaskQueued)
	q.events.Record(ctx, EventTaskEnqueued, task.ID, "", fmt.Sprintf("%s for %s", task.PayloadType, target))
	q.hub.Notify(task)
	return task, nil
}

// Claim hands the oldest matching queued task to the worker, or nil when
// nothing is claimable. Concurrent claims race on a conditional update;
// exactly one worker wins each task and losers silently move on.
func (q *Queue) Claim(ctx context.Context, workerID, site string, capabilities []string) (*models.Task, error) {
	if workerID == "" {
		return nil, errors.New("worker_id is required")
	}
	// Page through the whole queued backlog so a claimable task behind a
	// run of capability-mismatched older tasks is still found.
	for offset := 0; ; offset += claimBatchSize {
		candidates, err := q.store.ListQueuedTasks(ctx, site, claimBatchSize, offset)
		if err != nil {
			return nil, err
		}
		for _, task := range candidates {
			if !models.CapabilitySupersetOf(capabilities, task.RequiredCapabilities) {
				continue
			}
			now := q.now().UTC()
			leaseExpires := now.Add(q.lease)
			won, err := q.store.TryClaimTask(ctx, task.ID, workerID, now, leaseExpires)
			if err != nil {
				return nil, err
			}
			if !won {
				// Claim race lost; another worker got there first.
				continue
			}
			task.Status = models.TaskClaimed
			task.ClaimedBy = &workerID
			task.ClaimedAt = now
			task.LeaseExpiresAt = leaseExpires
			if _, err := q.chain.Append(ctx, audit.EntryContent{
				Actor:          workerID,
				ActionType:     AuditTaskClaimed,
				TargetResource: task.ID,
				ResultSummary:  fmt.Sprintf("lease until %s", leaseExpires.Format(time.RFC3339)),
			}); err != nil {
				return nil, err
			}
			q.metrics.IncAuditEntries()
			q.metrics.IncTaskTransition(models.TaskQueued, models.TaskClaimed)
			q.events.Record(ctx, EventTaskClaimed, task.ID, workerID, "")
			return &task, nil
		}
		if len(candidates) < claimBatchSize {
			return nil, nil
		}
	}
}

// MarkExecuting transitions a claimed task to executing on behalf of the
// claim holder.
func (q *Queue) MarkExecuting(ctx context.Context, taskID, workerID string) error {
	ok, err := q.store.MarkTaskExecuting(ctx, taskID, workerID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %s is not claimed by %s", taskID, workerID)
	}
	q.metrics.IncTaskTransition(models.TaskClaimed, models.TaskExecuting)
	q.events.Record(ctx, EventTaskExecuting, taskID, workerID, "")
	return nil
}

// Reconcile applies one result envelope to task state.
//
// The first receipt for an idempotency key finalizes the task and
// appends exactly one audit entry. A resubmission of an already-applied
// key is acknowledged as a no-op, no matter which task attempt carried
// it. An envelope from a worker that no longer holds the task is
// rejected without any state change, so a late result for a reclaimed
// lease can never double-apply.
func (q *Queue) Reconcile(ctx context.Context, envelope models.ResultEnvelope) error {
	if err := envelope.Validate(); err != nil {
		return err
	}
	status := models.TaskCompleted
	eventKind := EventTaskCompleted
	actionType := AuditTaskCompleted
	if envelope.Error != "" {
		status = models.TaskFailed
		eventKind = EventTaskFailed
		actionType = AuditTaskFailed
	}

	// Dedupe by key before touching task state: a replay, or a second
	// task attempt carrying the same logical key, must not finalize
	// again.
	if stored, err := q.store.GetResultByKey(ctx, envelope.IdempotencyKey); err == nil {
		return q.ackDuplicate(ctx, stored, envelope)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	now := q.now().UTC()
	applied, err := q.store.FinalizeTask(ctx, envelope.TaskID, envelope.WorkerID, status, now)
	if err != nil {
		return err
	}
	if !applied {
		// Either the key landed concurrently or the lease was reclaimed.
		if stored, lookupErr := q.store.GetResultByKey(ctx, envelope.IdempotencyKey); lookupErr == nil {
			return q.ackDuplicate(ctx, stored, envelope)
		} else if !errors.Is(lookupErr, sql.ErrNoRows) {
			return lookupErr
		}
		q.metrics.IncResult("rejected")
		q.events.Record(ctx, EventResultRejected, envelope.TaskID, envelope.WorkerID, "task not held by worker")
		return ErrResultRejected
	}

	envelope.SubmittedAt = now
	inserted, err := q.store.InsertResult(ctx, envelope)
	if err != nil {
		return err
	}
	if !inserted {
		// The key landed for another attempt between the dedupe read and
		// this insert; ack without a second ledger entry.
		existing, err := q.store.GetResultByKey(ctx, envelope.IdempotencyKey)
		if err != nil {
			return err
		}
		return q.ackDuplicate(ctx, existing, envelope)
	}
	if _, err := q.chain.Append(ctx, audit.EntryContent{
		Actor:          envelope.WorkerID,
		ActionType:     actionType,
		TargetResource: envelope.TaskID,
		ResultSummary:  resultSummary(envelope, status),
	}); err != nil {
		return err
	}
	q.metrics.IncAuditEntries()
	q.metrics.IncResult("applied")
	q.metrics.IncTaskTransition(models.TaskExecuting, status)
	if task, err := q.store.GetTask(ctx, envelope.TaskID); err == nil && !task.CreatedAt.IsZero() {
		q.metrics.ObserveTaskDuration(status, now.Sub(task.CreatedAt))
	}
	q.events.Record(ctx, eventKind, envelope.TaskID, envelope.WorkerID, envelope.Error)
	return nil
}

// ackDuplicate acknowledges a resubmitted idempotency key. The receipt
// is already durable; if its ledger entry is missing because an earlier
// append failed mid-reconcile, it is written now, before the ack, so the
// worker keeps retrying until the completion is on the record.
func (q *Queue) ackDuplicate(ctx context.Context, stored, submitted models.ResultEnvelope) error {
	status := models.TaskCompleted
	actionType := AuditTaskCompleted
	if stored.Error != "" {
		status = models.TaskFailed
		actionType = AuditTaskFailed
	}
	audited, err := q.store.HasAuditEntry(ctx, stored.TaskID, AuditTaskCompleted, AuditTaskFailed)
	if err != nil {
		return err
	}
	if !audited {
		if _, err := q.chain.Append(ctx, audit.EntryContent{
			Actor:          stored.WorkerID,
			ActionType:     actionType,
			TargetResource: stored.TaskID,
			ResultSummary:  resultSummary(stored, status),
		}); err != nil {
			return err
		}
		q.metrics.IncAuditEntries()
	}
	q.metrics.IncResult("duplicate")
	q.events.Record(ctx, EventResultDuplicate, submitted.TaskID, submitted.WorkerID, "")
	return nil
}

func resultSummary(envelope models.ResultEnvelope, status models.TaskStatus) string {
	if envelope.Error != "" {
		return fmt.Sprintf("task %s failed: %s", envelope.TaskID, envelope.Error)
	}
	return fmt.Sprintf("task %s %s", envelope.TaskID, status)
}
