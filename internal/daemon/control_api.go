package daemon

import (
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labpilot/labpilot/internal/audit"
	"github.com/labpilot/labpilot/internal/buildinfo"
	"github.com/labpilot/labpilot/internal/config"
	"github.com/labpilot/labpilot/internal/db"
	"github.com/labpilot/labpilot/internal/models"
	"github.com/labpilot/labpilot/internal/policy"
)

const (
	defaultTasksLimit  = 50
	maxTasksLimit      = 500
	defaultEventsLimit = 200
	maxEventsLimit     = 1000
)

// ControlAPI handles operator HTTP requests over the Unix socket.
//
// Endpoints:
//   - GET  /v1/status           - Control plane status summary
//   - GET  /v1/workers          - List workers with derived liveness
//   - GET  /v1/tasks            - List recent tasks (?status=, ?limit=)
//   - POST /v1/tasks            - Authorize and enqueue an action
//   - GET  /v1/tasks/{id}       - Get one task
//   - GET  /v1/events           - Tail operational events (?limit=)
//   - GET  /v1/audit/entries    - List audit entries (?from=, ?to=)
//   - POST /v1/audit/verify     - Verify a chain range
//   - GET  /v1/policy           - Active policy snapshot
//   - POST /v1/policy/reload    - Reload the policy file and swap it in
//   - GET  /v1/retention/preview - Dry-run retention pass (counts only)
//   - POST /v1/retention/run    - Run a retention pass (dry_run override)
type ControlAPI struct {
	store            *db.Store
	queue            *Queue
	engine           *policy.Engine
	verifier         *audit.Verifier
	retention        *RetentionManager
	retentionPolicy  config.RetentionPolicy
	policyPath       string
	heartbeatTimeout time.Duration
	logger           *log.Logger
	now              func() time.Time
}

func NewControlAPI(store *db.Store, queue *Queue, engine *policy.Engine, verifier *audit.Verifier, retention *RetentionManager, retentionPolicy config.RetentionPolicy, policyPath string, heartbeatTimeout time.Duration, logger *log.Logger) *ControlAPI {
	if logger == nil {
		logger = log.Default()
	}
	return &ControlAPI{
		store:            store,
		queue:            queue,
		engine:           engine,
		verifier:         verifier,
		retention:        retention,
		retentionPolicy:  retentionPolicy,
		policyPath:       policyPath,
		heartbeatTimeout: heartbeatTimeout,
		logger:           logger,
		now:              time.Now,
	}
}

// Register attaches the control handlers to the mux.
func (api *ControlAPI) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/v1/status", api.handleStatus)
	mux.HandleFunc("/v1/workers", api.handleWorkers)
	mux.HandleFunc("/v1/tasks", api.handleTasks)
	mux.HandleFunc("/v1/tasks/", api.handleTaskByID)
	mux.HandleFunc("/v1/events", api.handleEvents)
	mux.HandleFunc("/v1/audit/entries", api.handleAuditEntries)
	mux.HandleFunc("/v1/audit/verify", api.handleAuditVerify)
	mux.HandleFunc("/v1/policy", api.handlePolicy)
	mux.HandleFunc("/v1/policy/reload", api.handlePolicyReload)
	mux.HandleFunc("/v1/retention/preview", api.handleRetentionPreview)
	mux.HandleFunc("/v1/retention/run", api.handleRetentionRun)
}

func (api *ControlAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	counts, err := api.store.CountTasksByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count tasks", err)
		return
	}
	tasks := make(map[string]int, len(counts))
	for status, n := range counts {
		tasks[string(status)] = n
	}

	workers, err := api.store.ListWorkers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list workers", err)
		return
	}
	now := api.now().UTC()
	workerCounts := map[string]int{"online": 0, "offline": 0}
	for _, worker := range workers {
		workerCounts[string(worker.Status(now, api.heartbeatTimeout))]++
	}

	var head int64
	if latest, err := api.store.LatestAuditEntry(r.Context()); err == nil {
		head = latest.SequenceNum
	} else if !errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusInternalServerError, "audit head", err)
		return
	}
	total, err := api.store.CountAuditEntries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count audit entries", err)
		return
	}

	snapshot := api.engine.Current()
	writeJSON(w, http.StatusOK, V1StatusResponse{
		Version:       buildinfo.Version,
		ExecutionMode: string(snapshot.ExecutionMode),
		ReadOnly:      snapshot.ReadOnly,
		Tasks:         tasks,
		Workers:       workerCounts,
		AuditHead:     head,
		AuditEntries:  total,
	})
}

func (api *ControlAPI) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	workers, err := api.store.ListWorkers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list workers", err)
		return
	}
	now := api.now().UTC()
	out := make([]V1Worker, 0, len(workers))
	for _, worker := range workers {
		out = append(out, V1Worker{
			WorkerID:     worker.WorkerID,
			SiteName:     worker.SiteName,
			Capabilities: worker.Capabilities,
			Status:       string(worker.Status(now, api.heartbeatTimeout)),
			LastSeen:     worker.LastSeen,
			RegisteredAt: worker.RegisteredAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": out})
}

func (api *ControlAPI) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		api.handleTaskList(w, r)
	case http.MethodPost:
		api.handleTaskEnqueue(w, r)
	default:
		writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodPost})
	}
}

func (api *ControlAPI) handleTaskList(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, "limit", defaultTasksLimit, maxTasksLimit)
	var status models.TaskStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := models.ParseTaskStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid status filter", err)
			return
		}
		status = parsed
	}
	tasks, err := api.store.ListRecentTasks(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list tasks", err)
		return
	}
	out := make([]V1Task, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, v1Task(task))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (api *ControlAPI) handleTaskEnqueue(w http.ResponseWriter, r *http.Request) {
	var req V1EnqueueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid enqueue request", err)
		return
	}
	payloadType, err := models.ParsePayloadType(req.PayloadType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload_type", err)
		return
	}
	task, err := api.queue.Enqueue(r.Context(), ActionRequest{
		Action: policy.Action{
			Name:         req.ActionName,
			Resource:     policy.ResourceKind(req.Resource),
			Target:       req.Target,
			Mutating:     req.Mutating,
			Dangerous:    req.Dangerous,
			TestResource: req.TestResource,
		},
		Actor:                req.Actor,
		SiteName:             req.SiteName,
		RequiredCapabilities: req.RequiredCapabilities,
		PayloadType:          payloadType,
		PayloadJSON:          req.Payload,
		IdempotencyKey:       req.IdempotencyKey,
	})
	var denied *PolicyDeniedError
	switch {
	case errors.As(err, &denied):
		writeError(w, http.StatusForbidden, denied.Reason)
	case err != nil:
		writeError(w, http.StatusBadRequest, "enqueue", err)
	default:
		writeJSON(w, http.StatusCreated, v1Task(task))
	}
}

func (api *ControlAPI) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	task, err := api.store.GetTask(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, v1Task(task))
}

func (api *ControlAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	limit := queryLimit(r, "limit", defaultEventsLimit, maxEventsLimit)
	events, err := api.store.ListEventsTail(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list events", err)
		return
	}
	out := make([]V1Event, 0, len(events))
	for _, event := range events {
		v := V1Event{
			ID:        event.ID,
			Timestamp: event.Timestamp,
			Kind:      event.Kind,
			Message:   event.Message,
		}
		if event.TaskID != nil {
			v.TaskID = *event.TaskID
		}
		if event.WorkerID != nil {
			v.WorkerID = *event.WorkerID
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (api *ControlAPI) handleAuditEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	from := queryInt64(r, "from", 1)
	to := queryInt64(r, "to", 0)
	entries, err := api.store.ListAuditEntries(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list audit entries", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": v1AuditEntries(entries)})
}

func (api *ControlAPI) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	var req V1VerifyRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid verify request", err)
		return
	}
	if req.From <= 0 {
		req.From = 1
	}
	report, err := api.verifier.Verify(r.Context(), req.From, req.To)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "verify audit chain", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (api *ControlAPI) handlePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	writeJSON(w, http.StatusOK, api.engine.Current())
}

func (api *ControlAPI) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	loaded, err := policy.LoadFile(api.policyPath)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "load policy file", err)
		return
	}
	if err := api.engine.Swap(loaded); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "activate policy", err)
		return
	}
	api.logger.Printf("labpilotd: policy reloaded from %s, mode=%s", api.policyPath, loaded.ExecutionMode)
	writeJSON(w, http.StatusOK, loaded)
}

func (api *ControlAPI) handleRetentionPreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	policyCopy := api.retentionPolicy
	policyCopy.DryRun = true
	stats, err := api.retention.RunCleanup(r.Context(), api.now(), policyCopy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "preview retention", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (api *ControlAPI) handleRetentionRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	var req V1RetentionRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid retention request", err)
		return
	}
	policyCopy := api.retentionPolicy
	if req.DryRun != nil {
		policyCopy.DryRun = *req.DryRun
	}
	stats, err := api.retention.RunCleanup(r.Context(), api.now(), policyCopy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "run retention", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func queryLimit(r *http.Request, key string, fallback, max int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	if n > max {
		return max
	}
	return n
}

func queryInt64(r *http.Request, key string, fallback int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
