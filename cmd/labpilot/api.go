// ABOUTME: HTTP client for communicating with labpilotd over its Unix socket.
// ABOUTME: Provides wire structures and JSON request/response plumbing for the CLI.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const defaultSocketPath = "/run/labpilot/labpilotd.sock"

const maxJSONOutputBytes = 4 << 20 // 4MB maximum JSON response size

// apiClient is an HTTP client for communicating with labpilotd over a Unix socket.
type apiClient struct {
	socketPath string
	httpClient *http.Client
	timeout    time.Duration
}

// apiError represents an error response from the labpilotd API.
type apiError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type statusResponse struct {
	Version       string         `json:"version"`
	ExecutionMode string         `json:"execution_mode"`
	ReadOnly      bool           `json:"read_only"`
	Tasks         map[string]int `json:"tasks"`
	Workers       map[string]int `json:"workers"`
	AuditHead     int64          `json:"audit_head"`
	AuditEntries  int64          `json:"audit_entries"`
}

type workerResponse struct {
	WorkerID     string   `json:"worker_id"`
	SiteName     string   `json:"site_name"`
	Capabilities []string `json:"capabilities,omitempty"`
	Status       string   `json:"status"`
	LastSeen     string   `json:"last_seen"`
	RegisteredAt string   `json:"registered_at"`
}

type workersResponse struct {
	Workers []workerResponse `json:"workers"`
}

type taskResponse struct {
	ID                   string   `json:"id"`
	SiteName             string   `json:"site_name"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	PayloadType          string   `json:"payload_type"`
	Payload              string   `json:"payload"`
	IdempotencyKey       string   `json:"idempotency_key"`
	Status               string   `json:"status"`
	ClaimedBy            string   `json:"claimed_by,omitempty"`
	LeaseExpiresAt       string   `json:"lease_expires_at,omitempty"`
	CreatedAt            string   `json:"created_at"`
}

type tasksResponse struct {
	Tasks []taskResponse `json:"tasks"`
}

// taskSubmitRequest contains parameters for delegating a new task.
type taskSubmitRequest struct {
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

type eventResponse struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	TaskID    string `json:"task_id,omitempty"`
	WorkerID  string `json:"worker_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

type eventsResponse struct {
	Events []eventResponse `json:"events"`
}

type auditEntryResponse struct {
	SequenceNum    int64  `json:"sequence_num"`
	PrevHash       string `json:"prev_hash,omitempty"`
	EntryHash      string `json:"entry_hash"`
	Actor          string `json:"actor"`
	ActionType     string `json:"action_type"`
	TargetResource string `json:"target_resource,omitempty"`
	Timestamp      string `json:"timestamp"`
	ResultSummary  string `json:"result_summary,omitempty"`
	Checkpoint     string `json:"checkpoint,omitempty"`
}

type auditEntriesResponse struct {
	Entries []auditEntryResponse `json:"entries"`
}

// verifyRequest selects the audit range to verify.
type verifyRequest struct {
	From int64 `json:"from,omitempty"`
	To   int64 `json:"to,omitempty"`
}

type verifyViolation struct {
	Type        string `json:"type"`
	SequenceNum int64  `json:"sequence_num"`
	Detail      string `json:"detail"`
}

type verifyReport struct {
	IsValid     bool              `json:"is_valid"`
	From        int64             `json:"from"`
	To          int64             `json:"to"`
	Entries     int               `json:"entries"`
	Violations  []verifyViolation `json:"violations,omitempty"`
	Checkpoints []int64           `json:"checkpoints,omitempty"`
}

type policyResponse struct {
	ExecutionMode      string   `json:"execution_mode"`
	ContainerAllowlist []string `json:"container_allowlist,omitempty"`
	VMAllowlist        []string `json:"vm_allowlist,omitempty"`
	NodeAllowlist      []string `json:"node_allowlist,omitempty"`
	AllowDangerousOps  bool     `json:"allow_dangerous_ops"`
	ReadOnly           bool     `json:"read_only"`
}

// retentionRunRequest overrides the configured dry-run flag for one pass.
type retentionRunRequest struct {
	DryRun *bool `json:"dry_run,omitempty"`
}

type retentionStatsResponse struct {
	DryRun              bool   `json:"dry_run"`
	RanAt               string `json:"ran_at"`
	CompletedTasks      int64  `json:"completed_tasks"`
	FailedTasks         int64  `json:"failed_tasks"`
	ExpiredTasks        int64  `json:"expired_tasks"`
	Results             int64  `json:"results"`
	Events              int64  `json:"events"`
	AuditExported       int64  `json:"audit_exported"`
	AuditPruned         int64  `json:"audit_pruned"`
	AuditExportPath     string `json:"audit_export_path,omitempty"`
	RetainedCheckpoints int64  `json:"retained_checkpoints"`
}

// newAPIClient creates a new API client for communicating with labpilotd.
// The client uses HTTP over a Unix socket to communicate with the daemon.
func newAPIClient(socketPath string, timeout time.Duration) *apiClient {
	path := socketPath
	if path == "" {
		path = defaultSocketPath
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
	return &apiClient{
		socketPath: path,
		httpClient: &http.Client{Transport: transport},
		timeout:    timeout,
	}
}

// doJSON sends an HTTP request with a JSON payload and returns the JSON response.
func (c *apiClient) doJSON(ctx context.Context, method, path string, payload any) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return nil, err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s via %s: %w", method, path, c.socketPath, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONOutputBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, parseAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func (c *apiClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// parseAPIError converts an HTTP error response into an error.
func parseAPIError(status int, data []byte) error {
	if len(data) > 0 {
		var apiErr apiError
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error != "" {
			if apiErr.Details != "" {
				return errors.New(apiErr.Error + ": " + apiErr.Details)
			}
			return errors.New(apiErr.Error)
		}
	}
	return fmt.Errorf("request failed with status %d", status)
}
