package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/gorilla/mux"

	"github.com/edgemesh/coordinator/apierr"
	"github.com/edgemesh/coordinator/eventbus"
	"github.com/edgemesh/coordinator/ingest"
	"github.com/edgemesh/coordinator/middleware"
	"github.com/edgemesh/coordinator/observability"
	"github.com/edgemesh/coordinator/repository"
	"github.com/edgemesh/coordinator/scheduler"
	"github.com/edgemesh/coordinator/store"
)

// API holds every handler's dependencies. Constructed once at startup and
// passed explicitly — no ambient globals.
type API struct {
	repo    *repository.Repository
	ingest  *ingest.Service
	bus     *eventbus.Bus
	staleAfter time.Duration

	// Storm protection on the two highest-QPS ingest endpoints.
	heartbeatLimiter *rate.Limiter
	pullLimiter      *rate.Limiter
}

// NewAPI wires a router against repo/ingest/bus.
func NewAPI(repo *repository.Repository, svc *ingest.Service, bus *eventbus.Bus, staleAfter time.Duration) *API {
	return &API{
		repo:       repo,
		ingest:     svc,
		bus:        bus,
		staleAfter: staleAfter,
		// Allow 200 heartbeats/sec, burst 400 — LAN-scoped pool, generous headroom.
		heartbeatLimiter: rate.NewLimiter(rate.Limit(200), 400),
		// Allow 200 pulls/sec, burst 400.
		pullLimiter: rate.NewLimiter(rate.Limit(200), 400),
	}
}

func (a *API) writeRateLimitError(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	http.Error(w, "too many requests", http.StatusTooManyRequests)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apierr.BadRequest:
		status = http.StatusBadRequest
	case apierr.NotFound:
		status = http.StatusNotFound
	case apierr.Unauthorized:
		status = http.StatusUnauthorized
	case apierr.Conflict:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Printf("[api] internal error: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Router builds the full HTTP route table. secret gates every
// /v1/agent/* and /v1/tasks/* endpoint behind the X-EdgeMesh-Secret
// header per SPEC_FULL.md §6; an empty secret leaves auth disabled.
func (a *API) Router(secret string) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Metrics)
	guard := middleware.RequireSecret(secret)

	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", promMetricsHandler()).Methods(http.MethodGet)

	r.HandleFunc("/v1/nodes", a.handleListNodes).Methods(http.MethodGet)
	r.HandleFunc("/v1/nodes/{id}", a.handleGetNode).Methods(http.MethodGet)
	r.HandleFunc("/v1/nodes/{id}/policy", a.handleSetPolicy).Methods(http.MethodPut)
	r.HandleFunc("/v1/cluster/summary", a.handleClusterSummary).Methods(http.MethodGet)
	r.HandleFunc("/v1/simulate/schedule", a.handleSimulateSchedule).Methods(http.MethodPost)

	agent := r.PathPrefix("/v1/agent").Subrouter()
	agent.Use(guard)
	agent.HandleFunc("/register", a.handleRegister).Methods(http.MethodPost)
	agent.HandleFunc("/heartbeat", a.handleHeartbeat).Methods(http.MethodPost)

	tasks := r.PathPrefix("/v1/tasks").Subrouter()
	tasks.Use(guard)
	tasks.HandleFunc("/pull", a.handlePullTask).Methods(http.MethodPost)
	tasks.HandleFunc("/{id}/result", a.handleSubmitResult).Methods(http.MethodPost)

	r.HandleFunc("/v1/metrics/execution", a.handleExecutionMetrics).Methods(http.MethodGet)

	r.HandleFunc("/v1/jobs", a.handleCreateJob).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs", a.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{id}", a.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{id}/tasks", a.handleGetJobTasks).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{id}/status", a.handleJobStatus).Methods(http.MethodPost)

	r.HandleFunc("/v1/demo/jobs/create-embed-burst", a.handleDemoBurst).Methods(http.MethodPost)

	r.HandleFunc("/v1/stream/nodes", a.handleStreamNodes).Methods(http.MethodGet)
	r.HandleFunc("/v1/stream/jobs", a.handleStreamJobs).Methods(http.MethodGet)

	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := a.repo.ListNodes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

// handleGetNode accepts but ignores include_metrics_history/history_limit:
// §3 stores only the latest reported Metrics sample per node, not a
// history, so there is nothing to page through. The params are accepted
// rather than rejected so existing dashboard callers don't 400.
func (a *API) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	node, err := a.repo.GetNode(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (a *API) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var policy store.Policy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		writeError(w, apierr.BadRequestf("invalid request body: %v", err))
		return
	}
	node, err := a.ingest.SetPolicy(r.Context(), id, policy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (a *API) handleClusterSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := a.repo.ClusterSummary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	for status, count := range summary.NodesByStatus {
		observability.NodesByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
	for taskType, count := range summary.QueuedTasksByType {
		observability.QueueDepth.WithLabelValues(taskType).Set(float64(count))
	}
	writeJSON(w, http.StatusOK, summary)
}

type simulateRequest struct {
	TaskType    string `json:"task_type"`
	RequiresGPU bool   `json:"requires_gpu"`
}

func (a *API) handleSimulateSchedule(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.BadRequestf("invalid request body: %v", err))
		return
	}
	if req.TaskType == "" {
		writeError(w, apierr.BadRequestf("task_type is required"))
		return
	}
	nodes, err := a.repo.ListNodes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	snapshot := scheduler.Snapshot(nodes)
	ranked := scheduler.EligibleNodes(req.TaskType, scheduler.TaskRequirements{RequiresGPU: req.RequiresGPU}, time.Now().UTC(), a.staleAfter, snapshot)
	writeJSON(w, http.StatusOK, ranked)
}

type registerRequest struct {
	NodeID       string             `json:"node_id"`
	DisplayName  string             `json:"display_name"`
	IP           string             `json:"ip"`
	Port         int                `json:"port"`
	Tags         []string           `json:"tags,omitempty"`
	Capabilities store.Capabilities `json:"capabilities"`
	Policy       *store.Policy      `json:"policy,omitempty"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.BadRequestf("invalid request body: %v", err))
		return
	}
	node, err := a.ingest.Register(r.Context(), ingest.RegisterRequest{
		NodeID: req.NodeID, DisplayName: req.DisplayName, IP: req.IP, Port: req.Port,
		Tags: req.Tags, Capabilities: req.Capabilities, Policy: req.Policy,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

type heartbeatRequest struct {
	NodeID  string        `json:"node_id"`
	Metrics store.Metrics `json:"metrics"`
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !a.heartbeatLimiter.Allow() {
		a.writeRateLimitError(w)
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.BadRequestf("invalid request body: %v", err))
		return
	}
	node, err := a.ingest.Heartbeat(r.Context(), ingest.HeartbeatRequest{NodeID: req.NodeID, Metrics: req.Metrics})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

type pullTaskRequest struct {
	NodeID string `json:"node_id"`
}

func (a *API) handlePullTask(w http.ResponseWriter, r *http.Request) {
	if !a.pullLimiter.Allow() {
		a.writeRateLimitError(w)
		return
	}
	var req pullTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.BadRequestf("invalid request body: %v", err))
		return
	}
	task, err := a.ingest.PullTask(r.Context(), req.NodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	if task == nil {
		// No work available is not an error: HTTP 200 with an empty body.
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	observability.TasksPulled.WithLabelValues(task.Type).Inc()
	writeJSON(w, http.StatusOK, task)
}

type submitResultRequest struct {
	NodeID     string `json:"node_id"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
	Output     []byte `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (a *API) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]
	var req submitResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.BadRequestf("invalid request body: %v", err))
		return
	}
	outcome, err := a.ingest.SubmitResult(r.Context(), ingest.SubmitResultRequest{
		TaskID: taskID, NodeID: req.NodeID, Success: req.Success,
		DurationMS: req.DurationMS, Output: req.Output, Error: req.Error,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	successLabel := strconv.FormatBool(req.Success)
	observability.TasksSubmitted.WithLabelValues(successLabel, string(outcome)).Inc()
	observability.TaskDuration.WithLabelValues("", successLabel).Observe(float64(req.DurationMS) / 1000)
	accepted := "ok"
	if outcome == repository.ResultAcceptedStale {
		accepted = "stale"
	}
	writeJSON(w, http.StatusOK, map[string]string{"accepted": accepted})
}

func (a *API) handleExecutionMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := a.repo.ExecutionMetrics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

type createJobRequest struct {
	Type      string                 `json:"type"`
	TaskCount int                    `json:"task_count,omitempty"`
	Tasks     []createJobTaskRequest `json:"tasks,omitempty"`
}

type createJobTaskRequest struct {
	Payload    json.RawMessage `json:"payload,omitempty"`
	MaxRetries *int            `json:"max_retries,omitempty"`
}

func (a *API) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.BadRequestf("invalid request body: %v", err))
		return
	}
	tasks := make([]repository.TaskInput, len(req.Tasks))
	for i, t := range req.Tasks {
		tasks[i] = repository.TaskInput{Payload: []byte(t.Payload), MaxRetries: t.MaxRetries}
	}
	job, err := a.ingest.CreateJob(r.Context(), ingest.CreateJobRequest{Type: req.Type, TaskCount: req.TaskCount, Tasks: tasks})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := repository.JobFilters{
		Status:   store.JobStatus(q.Get("status")),
		TaskType: q.Get("task_type"),
		NodeID:   q.Get("node_id"),
	}
	jobs, err := a.repo.ListJobs(r.Context(), filters)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := a.repo.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleGetJobTasks(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tasks, err := a.repo.GetJobTasks(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

type jobStatusRequest struct {
	Status string `json:"status"`
}

func (a *API) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req jobStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.BadRequestf("invalid request body: %v", err))
		return
	}
	if req.Status != string(store.JobCancelled) {
		writeError(w, apierr.BadRequestf("only %q is a supported operator transition", store.JobCancelled))
		return
	}
	job, err := a.ingest.CancelJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleDemoBurst(w http.ResponseWriter, r *http.Request) {
	count := queryInt(r, "count", 5)
	tasksPerJob := queryInt(r, "tasks_per_job", 3)

	jobs := make([]store.Job, 0, count)
	for i := 0; i < count; i++ {
		tasks := make([]repository.TaskInput, tasksPerJob)
		job, err := a.repo.CreateJob(r.Context(), "EMBEDDINGS", tasks)
		if err != nil {
			writeError(w, err)
			return
		}
		jobs = append(jobs, job)
	}
	writeJSON(w, http.StatusOK, jobs)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
