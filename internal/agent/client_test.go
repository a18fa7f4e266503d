package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labpilot/labpilot/internal/models"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	return NewClient(server.URL, 5*time.Second), server
}

func TestClientRegister(t *testing.T) {
	var got registerRequest
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/workers/register", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":            "registered",
			"heartbeat_seconds": 90,
			"lease_seconds":     600,
		})
	}))
	defer server.Close()

	info, err := client.Register(context.Background(), "worker-1", "site-a", []string{"docker"})
	require.NoError(t, err)
	assert.Equal(t, 90, info.HeartbeatSeconds)
	assert.Equal(t, 600, info.LeaseSeconds)
	assert.Equal(t, "worker-1", got.WorkerID)
	assert.Equal(t, "site-a", got.SiteName)
}

func TestClientHeartbeat(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()
		assert.NoError(t, client.Heartbeat(context.Background(), "worker-1"))
	})

	t.Run("unknown worker", func(t *testing.T) {
		client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "unknown worker"})
		}))
		defer server.Close()
		err := client.Heartbeat(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrUnknownWorker)
	})
}

func TestClientClaim(t *testing.T) {
	t.Run("task available", func(t *testing.T) {
		client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req claimRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, 5, req.WaitSeconds)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"id":              "task-1",
				"site_name":       "site-a",
				"payload_type":    "execute_action",
				"payload":         `{"command":"uptime"}`,
				"idempotency_key": "key-1",
				"status":          "CLAIMED",
				"claimed_by":      "worker-1",
			})
		}))
		defer server.Close()

		task, err := client.Claim(context.Background(), "worker-1", "site-a", []string{"docker"}, 5)
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, "task-1", task.ID)
		assert.Equal(t, models.PayloadExecuteAction, task.PayloadType)
		require.NotNil(t, task.ClaimedBy)
		assert.Equal(t, "worker-1", *task.ClaimedBy)
	})

	t.Run("queue empty", func(t *testing.T) {
		client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		task, err := client.Claim(context.Background(), "worker-1", "site-a", nil, 0)
		require.NoError(t, err)
		assert.Nil(t, task)
	})
}

func TestClientSubmitResult(t *testing.T) {
	envelope := models.ResultEnvelope{
		TaskID:         "task-1",
		WorkerID:       "worker-1",
		IdempotencyKey: "key-1",
		PayloadType:    models.PayloadExecuteAction,
		ResultJSON:     `{"output":"ok"}`,
		SubmittedAt:    time.Now().UTC(),
	}

	t.Run("accepted", func(t *testing.T) {
		client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
		}))
		defer server.Close()
		assert.NoError(t, client.SubmitResult(context.Background(), envelope))
	})

	t.Run("rejected", func(t *testing.T) {
		client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"error": "result rejected"})
		}))
		defer server.Close()
		err := client.SubmitResult(context.Background(), envelope)
		assert.ErrorIs(t, err, ErrResultRejected)
	})

	t.Run("transport failure", func(t *testing.T) {
		client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close()
		err := client.SubmitResult(context.Background(), envelope)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrResultRejected)
	})
}

func TestParseAPIError(t *testing.T) {
	t.Run("structured body", func(t *testing.T) {
		err := parseAPIError(403, []byte(`{"error":"policy denied","details":"target not allowlisted"}`))
		assert.EqualError(t, err, "policy denied: target not allowlisted")
	})

	t.Run("opaque body", func(t *testing.T) {
		err := parseAPIError(502, []byte("bad gateway"))
		assert.EqualError(t, err, "request failed with status 502")
	})
}
