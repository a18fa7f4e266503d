// Package models provides data structures and constants for labpilot.
//
// This package contains the core domain models shared between the control
// plane and site agents:
//   - Task: a unit of delegated work routed to a site worker
//   - Worker: a registered remote execution agent
//   - ResultEnvelope: the outcome of executing one task
//   - AuditEntry: one immutable, hash-linked ledger record
//
// All models are designed for database persistence and JSON serialization.
// Enum-like string types are validated at the network boundary with the
// Parse* helpers rather than trusted implicitly.
package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// TaskStatus represents the current status of a delegated task.
//
// Task state transitions:
//
//	QUEUED → CLAIMED → EXECUTING → (COMPLETED|FAILED)
//
// A CLAIMED or EXECUTING task whose lease expires is reclaimed back to
// QUEUED; a QUEUED task never claimed within the maximum queue age
// transitions to EXPIRED. COMPLETED, FAILED, and EXPIRED are terminal.
type TaskStatus string

const (
	// TaskQueued is the initial state when a task is created and waiting
	// for an eligible worker.
	TaskQueued TaskStatus = "QUEUED"
	// TaskClaimed indicates exactly one worker holds the claim lease.
	TaskClaimed TaskStatus = "CLAIMED"
	// TaskExecuting indicates the claiming worker reported execution start.
	TaskExecuting TaskStatus = "EXECUTING"
	// TaskCompleted indicates the task finished successfully.
	TaskCompleted TaskStatus = "COMPLETED"
	// TaskFailed indicates the task execution failed.
	TaskFailed TaskStatus = "FAILED"
	// TaskExpired indicates no worker claimed the task within the maximum
	// queue age.
	TaskExpired TaskStatus = "EXPIRED"
)

// ParseTaskStatus validates a task status received at the network boundary.
func ParseTaskStatus(value string) (TaskStatus, error) {
	normalized := TaskStatus(strings.ToUpper(strings.TrimSpace(value)))
	switch normalized {
	case TaskQueued, TaskClaimed, TaskExecuting, TaskCompleted, TaskFailed, TaskExpired:
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid task status %q", value)
	}
}

// IsTerminal reports whether the status is immutable.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskExpired:
		return true
	default:
		return false
	}
}

// PayloadType identifies what kind of work a task carries.
type PayloadType string

const (
	// PayloadCollectFacts gathers inventory facts from a site.
	PayloadCollectFacts PayloadType = "collect_facts"
	// PayloadExecuteScript runs an approved remediation script.
	PayloadExecuteScript PayloadType = "execute_script"
	// PayloadExecuteAction performs a structured infrastructure action.
	PayloadExecuteAction PayloadType = "execute_action"
)

// ParsePayloadType validates a payload type received at the network boundary.
func ParsePayloadType(value string) (PayloadType, error) {
	normalized := PayloadType(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case PayloadCollectFacts, PayloadExecuteScript, PayloadExecuteAction:
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid payload type %q", value)
	}
}

// Task represents a unit of work delegated to a site worker.
//
// Fields:
//   - ID: Unique task identifier
//   - SiteName: Logical deployment location used to scope routing
//   - RequiredCapabilities: Capabilities a worker must carry to claim
//   - PayloadType: Kind of work (collect_facts, execute_script, execute_action)
//   - PayloadJSON: Opaque structured payload forwarded to the executor
//   - IdempotencyKey: Stable across retries of the same logical action
//   - Status: Current lifecycle state
//   - ClaimedBy: Worker holding the claim (nil while QUEUED)
//   - LeaseExpiresAt: Claim lease deadline (zero while QUEUED)
type Task struct {
	ID                   string
	SiteName             string
	RequiredCapabilities []string
	PayloadType          PayloadType
	PayloadJSON          string
	IdempotencyKey       string
	Status               TaskStatus
	ClaimedBy            *string
	LeaseExpiresAt       time.Time
	CreatedAt            time.Time
	ClaimedAt            time.Time
	CompletedAt          time.Time
}

// WorkerStatus is derived from heartbeat freshness, never stored.
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerOffline WorkerStatus = "offline"
)

// Worker represents a registered execution agent at a site.
//
// Workers self-register and self-report heartbeats. The control plane
// never mutates worker identity, only observes staleness.
type Worker struct {
	WorkerID     string
	SiteName     string
	Capabilities []string
	LastSeen     time.Time
	RegisteredAt time.Time
}

// Status derives online/offline from heartbeat freshness.
func (w Worker) Status(now time.Time, heartbeatTimeout time.Duration) WorkerStatus {
	if heartbeatTimeout <= 0 || w.LastSeen.IsZero() {
		return WorkerOffline
	}
	if now.Sub(w.LastSeen) < heartbeatTimeout {
		return WorkerOnline
	}
	return WorkerOffline
}

// HasCapabilities reports whether the worker's capability set is a
// superset of required.
func (w Worker) HasCapabilities(required []string) bool {
	return CapabilitySupersetOf(w.Capabilities, required)
}

// CapabilitySupersetOf reports whether have covers every entry in want.
func CapabilitySupersetOf(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		c = strings.TrimSpace(c)
		if c != "" {
			set[c] = struct{}{}
		}
	}
	for _, c := range want {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}

// NormalizeCapabilities trims, deduplicates, and sorts a capability set.
func NormalizeCapabilities(caps []string) []string {
	set := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c != "" {
			set[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// ResultEnvelope is the outcome of executing one task.
//
// Submission is idempotent: the control plane deduplicates by
// IdempotencyKey, not by task id alone, because a task may be retried
// with a new attempt but the same logical key after a worker restart.
type ResultEnvelope struct {
	TaskID         string      `json:"task_id"`
	WorkerID       string      `json:"worker_id"`
	IdempotencyKey string      `json:"idempotency_key"`
	PayloadType    PayloadType `json:"payload_type"`
	ResultJSON     string      `json:"result_data,omitempty"`
	Error          string      `json:"error,omitempty"`
	SubmittedAt    time.Time   `json:"submitted_at"`
}

// Validate checks required envelope fields before acceptance.
func (e ResultEnvelope) Validate() error {
	if strings.TrimSpace(e.TaskID) == "" {
		return errors.New("result task_id is required")
	}
	if strings.TrimSpace(e.WorkerID) == "" {
		return errors.New("result worker_id is required")
	}
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return errors.New("result idempotency_key is required")
	}
	if _, err := ParsePayloadType(string(e.PayloadType)); err != nil {
		return err
	}
	return nil
}

// CheckpointKind marks why an audit entry is retained forever.
type CheckpointKind string

const (
	// CheckpointNone marks an ordinary prunable entry.
	CheckpointNone CheckpointKind = ""
	// CheckpointGenesis marks the first entry of the chain.
	CheckpointGenesis CheckpointKind = "genesis"
	// CheckpointDaily marks the first entry of a UTC day.
	CheckpointDaily CheckpointKind = "daily"
	// CheckpointMonthly marks the first entry of a UTC month.
	CheckpointMonthly CheckpointKind = "monthly"
)

// AuditEntry is one immutable, hash-linked ledger record.
//
// Chain invariant: for every entry n > 1,
// entry[n].PrevHash == entry[n-1].EntryHash, and EntryHash is the SHA-256
// of the canonical entry content concatenated with PrevHash. SequenceNum
// is strictly increasing and gapless. Entries are never updated or
// deleted once written; checkpoints are retained indefinitely so chain
// verification stays possible after older entries are exported out of
// hot storage.
type AuditEntry struct {
	SequenceNum    int64
	PrevHash       string
	EntryHash      string
	Actor          string
	ActionType     string
	TargetResource string
	Timestamp      time.Time
	ResultSummary  string
	Checkpoint     CheckpointKind
}
