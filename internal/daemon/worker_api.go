package daemon

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/labpilot/labpilot/internal/db"
	"github.com/labpilot/labpilot/internal/models"
)

const (
	maxJSONBytes   = 1 << 20 // Maximum size for JSON request bodies (1MB)
	maxClaimWait   = 30 * time.Second
	defaultTimeFmt = time.RFC3339
)

// WorkerAPI serves the site worker protocol over the TCP listener.
//
// Endpoints:
//   - POST /v1/workers/register  - Register or re-register a worker
//   - POST /v1/workers/heartbeat - Report liveness
//   - POST /v1/tasks/claim       - Claim the oldest matching queued task
//   - POST /v1/tasks/executing   - Report execution start for a held claim
//   - POST /v1/results           - Submit a result envelope
type WorkerAPI struct {
	store            *db.Store
	queue            *Queue
	hub              *Hub
	events           *EventRecorder
	logger           *log.Logger
	heartbeatTimeout time.Duration
	lease            time.Duration
	now              func() time.Time
}

func NewWorkerAPI(store *db.Store, queue *Queue, hub *Hub, events *EventRecorder, heartbeatTimeout, lease time.Duration, logger *log.Logger) *WorkerAPI {
	if logger == nil {
		logger = log.Default()
	}
	return &WorkerAPI{
		store:            store,
		queue:            queue,
		hub:              hub,
		events:           events,
		logger:           logger,
		heartbeatTimeout: heartbeatTimeout,
		lease:            lease,
		now:              time.Now,
	}
}

// Register attaches the worker protocol handlers to the mux.
func (api *WorkerAPI) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/v1/workers/register", api.handleRegister)
	mux.HandleFunc("/v1/workers/heartbeat", api.handleHeartbeat)
	mux.HandleFunc("/v1/tasks/claim", api.handleClaim)
	mux.HandleFunc("/v1/tasks/executing", api.handleExecuting)
	mux.HandleFunc("/v1/results", api.handleResults)
}

func (api *WorkerAPI) handleExecuting(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	var req V1ExecutingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid executing request", err)
		return
	}
	if err := api.queue.MarkExecuting(r.Context(), req.TaskID, req.WorkerID); err != nil {
		writeError(w, http.StatusConflict, "mark executing", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (api *WorkerAPI) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	var req V1RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid register request", err)
		return
	}
	if strings.TrimSpace(req.WorkerID) == "" || strings.TrimSpace(req.SiteName) == "" {
		writeError(w, http.StatusBadRequest, "worker_id and site_name are required")
		return
	}
	now := api.now().UTC()
	worker := models.Worker{
		WorkerID:     req.WorkerID,
		SiteName:     req.SiteName,
		Capabilities: models.NormalizeCapabilities(req.Capabilities),
		LastSeen:     now,
		RegisteredAt: now,
	}
	if err := api.store.RegisterWorker(r.Context(), worker); err != nil {
		writeError(w, http.StatusInternalServerError, "register worker", err)
		return
	}
	api.events.Record(r.Context(), EventWorkerRegistered, "", req.WorkerID, "site "+req.SiteName)
	writeJSON(w, http.StatusOK, V1RegisterResponse{
		Status:            "registered",
		HeartbeatSeconds:  int(api.heartbeatTimeout.Seconds()),
		LeaseSeconds:      int(api.lease.Seconds()),
		ControlPlaneClock: now.Format(defaultTimeFmt),
	})
}

func (api *WorkerAPI) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	var req V1HeartbeatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid heartbeat request", err)
		return
	}
	if strings.TrimSpace(req.WorkerID) == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	err := api.store.TouchWorker(r.Context(), req.WorkerID, api.now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		// Worker is unknown (daemon state was reset); make it re-register.
		writeError(w, http.StatusNotFound, "unknown worker")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "heartbeat", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (api *WorkerAPI) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	var req V1ClaimRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid claim request", err)
		return
	}
	if strings.TrimSpace(req.WorkerID) == "" || strings.TrimSpace(req.SiteName) == "" {
		writeError(w, http.StatusBadRequest, "worker_id and site_name are required")
		return
	}

	task, err := api.queue.Claim(r.Context(), req.WorkerID, req.SiteName, req.Capabilities)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "claim", err)
		return
	}
	if task == nil && req.WaitSeconds > 0 {
		task, err = api.waitAndClaim(r.Context(), req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "claim", err)
			return
		}
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, v1Task(*task))
}

// waitAndClaim parks the request on the notify hub until a matching task
// is enqueued or the wait budget runs out, then retries the claim. The
// notification is only a wake-up; the conditional claim still decides
// the winner.
func (api *WorkerAPI) waitAndClaim(ctx context.Context, req V1ClaimRequest) (*models.Task, error) {
	wait := time.Duration(req.WaitSeconds) * time.Second
	if wait > maxClaimWait {
		wait = maxClaimWait
	}
	sub := api.hub.Subscribe(req.SiteName, req.Capabilities)
	defer sub.Close()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case <-timer.C:
			return nil, nil
		case <-sub.C:
			task, err := api.queue.Claim(ctx, req.WorkerID, req.SiteName, req.Capabilities)
			if err != nil || task != nil {
				return task, err
			}
			// Lost the race; keep waiting out the budget.
		}
	}
}

func (api *WorkerAPI) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	var envelope models.ResultEnvelope
	if err := decodeJSON(w, r, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, "invalid result envelope", err)
		return
	}
	err := api.queue.Reconcile(r.Context(), envelope)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, V1ResultResponse{Status: "accepted"})
	case errors.Is(err, ErrResultRejected):
		writeError(w, http.StatusConflict, "result rejected", err)
	default:
		writeError(w, http.StatusBadRequest, "reconcile result", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string, err ...error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload := map[string]string{"error": msg}
	if len(err) > 0 {
		payload["details"] = err[0].Error()
	}
	data, _ := json.Marshal(payload)
	_, _ = w.Write(data)
}

func writeMethodNotAllowed(w http.ResponseWriter, methods []string) {
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
