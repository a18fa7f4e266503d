// Package agent implements the site worker: it registers with the
// control plane, claims delegated tasks, executes them through a payload
// executor registry, and submits result envelopes. When the control
// plane is unreachable, envelopes land in a local spool and are replayed
// once connectivity returns.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labpilot/labpilot/internal/models"
)

const maxResponseBytes = 4 << 20 // 4MB maximum JSON response size

// ErrUnknownWorker is returned by Heartbeat when the control plane does
// not recognize the worker id. The agent must re-register.
var ErrUnknownWorker = errors.New("control plane does not know this worker")

// ErrResultRejected is returned by SubmitResult when the control plane
// refused the envelope because the task is no longer held by this
// worker. The envelope must be dropped, never spooled for retry.
var ErrResultRejected = errors.New("result rejected by control plane")

// Client talks to the control plane's worker protocol.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// RegisterInfo is the control plane's register acknowledgment.
type RegisterInfo struct {
	HeartbeatSeconds int `json:"heartbeat_seconds"`
	LeaseSeconds     int `json:"lease_seconds"`
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type registerRequest struct {
	WorkerID     string   `json:"worker_id"`
	SiteName     string   `json:"site_name"`
	Capabilities []string `json:"capabilities"`
}

type heartbeatRequest struct {
	WorkerID string `json:"worker_id"`
}

type claimRequest struct {
	WorkerID     string   `json:"worker_id"`
	SiteName     string   `json:"site_name"`
	Capabilities []string `json:"capabilities"`
	WaitSeconds  int      `json:"wait_seconds,omitempty"`
}

type executingRequest struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

type taskResponse struct {
	ID                   string    `json:"id"`
	SiteName             string    `json:"site_name"`
	RequiredCapabilities []string  `json:"required_capabilities"`
	PayloadType          string    `json:"payload_type"`
	Payload              string    `json:"payload"`
	IdempotencyKey       string    `json:"idempotency_key"`
	Status               string    `json:"status"`
	ClaimedBy            string    `json:"claimed_by"`
	LeaseExpiresAt       time.Time `json:"lease_expires_at"`
	CreatedAt            time.Time `json:"created_at"`
}

// Register announces the worker to the control plane. Registration is
// idempotent; re-registering refreshes site and capabilities.
func (c *Client) Register(ctx context.Context, workerID, site string, capabilities []string) (RegisterInfo, error) {
	var info RegisterInfo
	err := c.doJSON(ctx, "/v1/workers/register", registerRequest{
		WorkerID:     workerID,
		SiteName:     site,
		Capabilities: capabilities,
	}, &info)
	return info, err
}

// Heartbeat reports liveness. Returns ErrUnknownWorker when the control
// plane lost the registration.
func (c *Client) Heartbeat(ctx context.Context, workerID string) error {
	err := c.doJSON(ctx, "/v1/workers/heartbeat", heartbeatRequest{WorkerID: workerID}, nil)
	var status *statusError
	if errors.As(err, &status) && status.code == http.StatusNotFound {
		return ErrUnknownWorker
	}
	return err
}

// Claim asks for the oldest matching queued task, long-polling up to
// waitSeconds. Returns nil when nothing is claimable.
func (c *Client) Claim(ctx context.Context, workerID, site string, capabilities []string, waitSeconds int) (*models.Task, error) {
	var resp taskResponse
	err := c.doJSON(ctx, "/v1/tasks/claim", claimRequest{
		WorkerID:     workerID,
		SiteName:     site,
		Capabilities: capabilities,
		WaitSeconds:  waitSeconds,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, nil
	}
	claimedBy := resp.ClaimedBy
	task := &models.Task{
		ID:                   resp.ID,
		SiteName:             resp.SiteName,
		RequiredCapabilities: resp.RequiredCapabilities,
		PayloadType:          models.PayloadType(resp.PayloadType),
		PayloadJSON:          resp.Payload,
		IdempotencyKey:       resp.IdempotencyKey,
		Status:               models.TaskStatus(resp.Status),
		LeaseExpiresAt:       resp.LeaseExpiresAt,
		CreatedAt:            resp.CreatedAt,
	}
	if claimedBy != "" {
		task.ClaimedBy = &claimedBy
	}
	return task, nil
}

// ReportExecuting tells the control plane execution has started.
func (c *Client) ReportExecuting(ctx context.Context, taskID, workerID string) error {
	return c.doJSON(ctx, "/v1/tasks/executing", executingRequest{TaskID: taskID, WorkerID: workerID}, nil)
}

// SubmitResult delivers one envelope. ErrResultRejected means the
// control plane will never accept this envelope; anything else is a
// delivery failure the spool may retry.
func (c *Client) SubmitResult(ctx context.Context, envelope models.ResultEnvelope) error {
	err := c.doJSON(ctx, "/v1/results", envelope, nil)
	var status *statusError
	if errors.As(err, &status) && status.code == http.StatusConflict {
		return ErrResultRejected
	}
	return err
}

// statusError carries the HTTP status of a non-2xx response.
type statusError struct {
	code    int
	message string
}

func (e *statusError) Error() string {
	if e.message != "" {
		return e.message
	}
	return fmt.Sprintf("request failed with status %d", e.code)
}

func (c *Client) doJSON(ctx context.Context, path string, payload, dest any) error {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return parseAPIError(resp.StatusCode, data)
	}
	if dest == nil || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}

func parseAPIError(code int, data []byte) error {
	if len(data) > 0 {
		var payload struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
			msg := payload.Error
			if payload.Details != "" {
				msg += ": " + payload.Details
			}
			return &statusError{code: code, message: msg}
		}
	}
	return &statusError{code: code}
}
