package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labpilot/labpilot/internal/models"
)

func newWorkerMux(t *testing.T, h *testHarness) *http.ServeMux {
	t.Helper()
	api := NewWorkerAPI(h.store, h.queue, h.hub, h.events, 90*time.Second, 10*time.Minute, log.New(io.Discard, "", 0))
	api.now = h.clock.Now
	mux := http.NewServeMux()
	api.Register(mux)
	return mux
}

func postJSON(t *testing.T, mux *http.ServeMux, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(dest))
}

func registerTestWorker(t *testing.T, mux *http.ServeMux, workerID string) {
	t.Helper()
	rec := postJSON(t, mux, "/v1/workers/register", V1RegisterRequest{
		WorkerID:     workerID,
		SiteName:     "site-a",
		Capabilities: []string{"docker"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkerRegister(t *testing.T) {
	h := newTestHarness(t, nil)
	mux := newWorkerMux(t, h)

	rec := postJSON(t, mux, "/v1/workers/register", V1RegisterRequest{
		WorkerID:     "worker-1",
		SiteName:     "site-a",
		Capabilities: []string{"docker", "docker", " proxmox "},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp V1RegisterResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "registered", resp.Status)
	assert.Equal(t, 600, resp.LeaseSeconds)

	worker, err := h.store.GetWorker(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"docker", "proxmox"}, worker.Capabilities)

	t.Run("missing identity rejected", func(t *testing.T) {
		rec := postJSON(t, mux, "/v1/workers/register", V1RegisterRequest{WorkerID: "w2"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("get not allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/workers/register", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestWorkerHeartbeat(t *testing.T) {
	h := newTestHarness(t, nil)
	mux := newWorkerMux(t, h)
	registerTestWorker(t, mux, "worker-1")

	rec := postJSON(t, mux, "/v1/workers/heartbeat", V1HeartbeatRequest{WorkerID: "worker-1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	t.Run("unknown worker gets 404 to force re-registration", func(t *testing.T) {
		rec := postJSON(t, mux, "/v1/workers/heartbeat", V1HeartbeatRequest{WorkerID: "ghost"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestWorkerClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("claims a matching task", func(t *testing.T) {
		h := newTestHarness(t, nil)
		mux := newWorkerMux(t, h)
		registerTestWorker(t, mux, "worker-1")
		task, err := h.queue.Enqueue(ctx, testActionRequest())
		require.NoError(t, err)

		rec := postJSON(t, mux, "/v1/tasks/claim", V1ClaimRequest{
			WorkerID:     "worker-1",
			SiteName:     "site-a",
			Capabilities: []string{"docker"},
		})
		require.Equal(t, http.StatusOK, rec.Code)
		var got V1Task
		decodeBody(t, rec, &got)
		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, string(models.TaskClaimed), got.Status)
		assert.Equal(t, "worker-1", got.ClaimedBy)
	})

	t.Run("empty queue returns 204", func(t *testing.T) {
		h := newTestHarness(t, nil)
		mux := newWorkerMux(t, h)
		registerTestWorker(t, mux, "worker-1")

		rec := postJSON(t, mux, "/v1/tasks/claim", V1ClaimRequest{
			WorkerID:     "worker-1",
			SiteName:     "site-a",
			Capabilities: []string{"docker"},
		})
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestWorkerResults(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, nil)
	mux := newWorkerMux(t, h)
	registerTestWorker(t, mux, "worker-1")

	_, err := h.queue.Enqueue(ctx, testActionRequest())
	require.NoError(t, err)
	claimed, err := h.queue.Claim(ctx, "worker-1", "site-a", []string{"docker"})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	envelope := models.ResultEnvelope{
		TaskID:         claimed.ID,
		WorkerID:       "worker-1",
		IdempotencyKey: claimed.IdempotencyKey,
		PayloadType:    claimed.PayloadType,
		ResultJSON:     `{"ok":true}`,
	}

	rec := postJSON(t, mux, "/v1/results", envelope)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp V1ResultResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "accepted", resp.Status)

	t.Run("duplicate is accepted", func(t *testing.T) {
		rec := postJSON(t, mux, "/v1/results", envelope)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("stale submitter gets 409", func(t *testing.T) {
		_, err := h.queue.Enqueue(ctx, testActionRequest())
		require.NoError(t, err)
		other, err := h.queue.Claim(ctx, "worker-2", "site-a", []string{"docker"})
		require.NoError(t, err)
		require.NotNil(t, other)

		rec := postJSON(t, mux, "/v1/results", models.ResultEnvelope{
			TaskID:         other.ID,
			WorkerID:       "worker-1",
			IdempotencyKey: other.IdempotencyKey,
			PayloadType:    other.PayloadType,
			ResultJSON:     `{"ok":true}`,
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("invalid envelope gets 400", func(t *testing.T) {
		rec := postJSON(t, mux, "/v1/results", models.ResultEnvelope{TaskID: "t"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
