// ABOUTME: Package testing provides shared test utilities and helper functions for labpilot.
//
// This package contains test helpers, factory functions for creating test data,
// and assertion utilities that promote consistent testing patterns across
// the labpilot codebase.
//
// Key utilities:
//   - Model factories: NewTestTask, NewTestWorker, NewTestEnvelope
//   - Test helpers: TempFile, MkdirTempInDir, AssertJSONEqual
//   - Test constants: FixedTime, TestSite, TestWorkerID
//
// The package is designed to work with github.com/stretchr/testify for
// assertions and follows Go testing best practices.
package testing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labpilot/labpilot/internal/models"
)

// FixedTime is a fixed timestamp for deterministic tests.
//
// Using a fixed time ensures tests produce consistent results regardless of
// when they run. Use this as the default time for test model creation.
var FixedTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// Common test constants used across the test suite.
const (
	TestSite       = "site-a"
	TestWorkerID   = "worker-test-1"
	TestTaskID     = "task-test-1"
	TestIdemKey    = "key-test-1"
	TestCapability = "docker"
)

// AssertJSONEqual asserts that two JSON values are semantically equal.
//
// This helper marshals both values to JSON and then compares the resulting
// JSON objects semantically, ignoring differences in whitespace and key order.
func AssertJSONEqual(t *testing.T, want, got any, msgAndArgs ...interface{}) {
	t.Helper()
	wantBytes, err := json.Marshal(want)
	require.NoError(t, err, "failed to marshal 'want' to JSON")
	gotBytes, err := json.Marshal(got)
	require.NoError(t, err, "failed to marshal 'got' to JSON")

	var wantAny, gotAny any
	require.NoError(t, json.Unmarshal(wantBytes, &wantAny), "failed to unmarshal 'want'")
	require.NoError(t, json.Unmarshal(gotBytes, &gotAny), "failed to unmarshal 'got'")

	assert.Equal(t, wantAny, gotAny, msgAndArgs...)
}

// TempFile creates a temporary file with the given content and returns its path.
//
// The file is created in the test's temporary directory and automatically
// cleaned up when the test completes.
func TempFile(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "testfile")
	err := os.WriteFile(path, []byte(content), 0o644)
	require.NoError(t, err, "failed to write temp file")
	return path
}

// MkdirTempInDir creates a temporary directory under the given parent directory.
//
// Unlike t.TempDir(), which doesn't allow specifying the parent, this function
// creates a temporary directory as a subdirectory of parentDir. The directory
// is automatically cleaned up when the test completes.
func MkdirTempInDir(t *testing.T, parentDir string) string {
	t.Helper()
	path, err := os.MkdirTemp(parentDir, "testdir*")
	require.NoError(t, err, "failed to create temp dir")
	t.Cleanup(func() {
		_ = os.RemoveAll(path)
	})
	return path
}

// ParseTime parses an RFC3339 timestamp, failing the test on error.
func ParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err, "failed to parse time %q", s)
	return ts
}

// ============================================================================
// Model Factory Functions
// ============================================================================

// TaskOpts holds optional parameters for creating test tasks.
//
// Used with NewTestTask to create test task data with specific values.
// Empty fields use sensible defaults defined in NewTestTask.
type TaskOpts struct {
	ID                   string
	SiteName             string
	RequiredCapabilities []string
	PayloadType          models.PayloadType
	PayloadJSON          string
	IdempotencyKey       string
	Status               models.TaskStatus
	ClaimedBy            *string
	LeaseExpiresAt       time.Time
	CreatedAt            time.Time
	ClaimedAt            time.Time
	CompletedAt          time.Time
}

// NewTestTask creates a test task with default values, applying optional overrides.
func NewTestTask(opts TaskOpts) models.Task {
	if opts.ID == "" {
		opts.ID = TestTaskID
	}
	if opts.SiteName == "" {
		opts.SiteName = TestSite
	}
	if opts.RequiredCapabilities == nil {
		opts.RequiredCapabilities = []string{TestCapability}
	}
	if opts.PayloadType == "" {
		opts.PayloadType = models.PayloadExecuteScript
	}
	if opts.IdempotencyKey == "" {
		opts.IdempotencyKey = TestIdemKey
	}
	if opts.Status == "" {
		opts.Status = models.TaskQueued
	}
	if opts.CreatedAt.IsZero() {
		opts.CreatedAt = FixedTime
	}

	return models.Task{
		ID:                   opts.ID,
		SiteName:             opts.SiteName,
		RequiredCapabilities: opts.RequiredCapabilities,
		PayloadType:          opts.PayloadType,
		PayloadJSON:          opts.PayloadJSON,
		IdempotencyKey:       opts.IdempotencyKey,
		Status:               opts.Status,
		ClaimedBy:            opts.ClaimedBy,
		LeaseExpiresAt:       opts.LeaseExpiresAt,
		CreatedAt:            opts.CreatedAt,
		ClaimedAt:            opts.ClaimedAt,
		CompletedAt:          opts.CompletedAt,
	}
}

// WorkerOpts holds optional parameters for creating test workers.
type WorkerOpts struct {
	WorkerID     string
	SiteName     string
	Capabilities []string
	LastSeen     time.Time
	RegisteredAt time.Time
}

// NewTestWorker creates a test worker with default values, applying optional overrides.
func NewTestWorker(opts WorkerOpts) models.Worker {
	if opts.WorkerID == "" {
		opts.WorkerID = TestWorkerID
	}
	if opts.SiteName == "" {
		opts.SiteName = TestSite
	}
	if opts.Capabilities == nil {
		opts.Capabilities = []string{TestCapability}
	}
	if opts.LastSeen.IsZero() {
		opts.LastSeen = FixedTime
	}
	if opts.RegisteredAt.IsZero() {
		opts.RegisteredAt = FixedTime
	}

	return models.Worker{
		WorkerID:     opts.WorkerID,
		SiteName:     opts.SiteName,
		Capabilities: opts.Capabilities,
		LastSeen:     opts.LastSeen,
		RegisteredAt: opts.RegisteredAt,
	}
}

// EnvelopeOpts holds optional parameters for creating test result envelopes.
type EnvelopeOpts struct {
	TaskID         string
	WorkerID       string
	IdempotencyKey string
	PayloadType    models.PayloadType
	ResultJSON     string
	Error          string
	SubmittedAt    time.Time
}

// NewTestEnvelope creates a test result envelope with default values, applying optional overrides.
func NewTestEnvelope(opts EnvelopeOpts) models.ResultEnvelope {
	if opts.TaskID == "" {
		opts.TaskID = TestTaskID
	}
	if opts.WorkerID == "" {
		opts.WorkerID = TestWorkerID
	}
	if opts.IdempotencyKey == "" {
		opts.IdempotencyKey = TestIdemKey
	}
	if opts.PayloadType == "" {
		opts.PayloadType = models.PayloadExecuteScript
	}
	if opts.SubmittedAt.IsZero() {
		opts.SubmittedAt = FixedTime
	}

	return models.ResultEnvelope{
		TaskID:         opts.TaskID,
		WorkerID:       opts.WorkerID,
		IdempotencyKey: opts.IdempotencyKey,
		PayloadType:    opts.PayloadType,
		ResultJSON:     opts.ResultJSON,
		Error:          opts.Error,
		SubmittedAt:    opts.SubmittedAt,
	}
}
