package daemon

import (
	"time"

	"github.com/labpilot/labpilot/internal/models"
)

type V1ErrorResponse struct {
	Error string `json:"error"`
}

type V1RegisterRequest struct {
	WorkerID     string   `json:"worker_id"`
	SiteName     string   `json:"site_name"`
	Capabilities []string `json:"capabilities"`
}

type V1RegisterResponse struct {
	Status            string `json:"status"`
	HeartbeatSeconds  int    `json:"heartbeat_seconds"`
	LeaseSeconds      int    `json:"lease_seconds"`
	ControlPlaneClock string `json:"control_plane_clock"`
}

type V1HeartbeatRequest struct {
	WorkerID string `json:"worker_id"`
}

type V1ClaimRequest struct {
	WorkerID     string   `json:"worker_id"`
	SiteName     string   `json:"site_name"`
	Capabilities []string `json:"capabilities"`
	WaitSeconds  int      `json:"wait_seconds,omitempty"`
}

type V1Task struct {
	ID                   string    `json:"id"`
	SiteName             string    `json:"site_name"`
	RequiredCapabilities []string  `json:"required_capabilities,omitempty"`
	PayloadType          string    `json:"payload_type"`
	Payload              string    `json:"payload"`
	IdempotencyKey       string    `json:"idempotency_key"`
	Status               string    `json:"status"`
	ClaimedBy            string    `json:"claimed_by,omitempty"`
	LeaseExpiresAt       time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

type V1ExecutingRequest struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

type V1ResultResponse struct {
	Status string `json:"status"`
}

type V1EnqueueRequest struct {
	ActionName           string   `json:"action_name"`
	Resource             string   `json:"resource"`
	Target               string   `json:"target"`
	Mutating             bool     `json:"mutating"`
	Dangerous            bool     `json:"dangerous"`
	TestResource         bool     `json:"test_resource"`
	Actor                string   `json:"actor,omitempty"`
	SiteName             string   `json:"site_name"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	PayloadType          string   `json:"payload_type"`
	Payload              string   `json:"payload,omitempty"`
	IdempotencyKey       string   `json:"idempotency_key,omitempty"`
}

type V1Worker struct {
	WorkerID     string    `json:"worker_id"`
	SiteName     string    `json:"site_name"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Status       string    `json:"status"`
	LastSeen     time.Time `json:"last_seen"`
	RegisteredAt time.Time `json:"registered_at"`
}

type V1StatusResponse struct {
	Version       string         `json:"version"`
	ExecutionMode string         `json:"execution_mode"`
	ReadOnly      bool           `json:"read_only"`
	Tasks         map[string]int `json:"tasks"`
	Workers       map[string]int `json:"workers"`
	AuditHead     int64          `json:"audit_head"`
	AuditEntries  int64          `json:"audit_entries"`
}

type V1VerifyRequest struct {
	From int64 `json:"from,omitempty"`
	To   int64 `json:"to,omitempty"`
}

type V1RetentionRequest struct {
	DryRun *bool `json:"dry_run,omitempty"`
}

type V1Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	TaskID    string    `json:"task_id,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Message   string    `json:"message,omitempty"`
}

type V1AuditEntry struct {
	SequenceNum    int64     `json:"sequence_num"`
	PrevHash       string    `json:"prev_hash,omitempty"`
	EntryHash      string    `json:"entry_hash"`
	Actor          string    `json:"actor"`
	ActionType     string    `json:"action_type"`
	TargetResource string    `json:"target_resource,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	ResultSummary  string    `json:"result_summary,omitempty"`
	Checkpoint     string    `json:"checkpoint,omitempty"`
}

func v1Task(task models.Task) V1Task {
	out := V1Task{
		ID:                   task.ID,
		SiteName:             task.SiteName,
		RequiredCapabilities: task.RequiredCapabilities,
		PayloadType:          string(task.PayloadType),
		Payload:              task.PayloadJSON,
		IdempotencyKey:       task.IdempotencyKey,
		Status:               string(task.Status),
		LeaseExpiresAt:       task.LeaseExpiresAt,
		CreatedAt:            task.CreatedAt,
	}
	if task.ClaimedBy != nil {
		out.ClaimedBy = *task.ClaimedBy
	}
	return out
}

func v1AuditEntry(entry models.AuditEntry) V1AuditEntry {
	return V1AuditEntry{
		SequenceNum:    entry.SequenceNum,
		PrevHash:       entry.PrevHash,
		EntryHash:      entry.EntryHash,
		Actor:          entry.Actor,
		ActionType:     entry.ActionType,
		TargetResource: entry.TargetResource,
		Timestamp:      entry.Timestamp,
		ResultSummary:  entry.ResultSummary,
		Checkpoint:     string(entry.Checkpoint),
	}
}

func v1AuditEntries(entries []models.AuditEntry) []V1AuditEntry {
	out := make([]V1AuditEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, v1AuditEntry(entry))
	}
	return out
}
