// Package ingest holds the thin validating service layer between the
// HTTP handlers and the repository: requires fields, rejects unknown
// types, and otherwise just forwards to the Repository, which publishes
// the Event Bus notifications.
package ingest

import (
	"context"

	"github.com/edgemesh/coordinator/apierr"
	"github.com/edgemesh/coordinator/repository"
	"github.com/edgemesh/coordinator/store"
)

var knownTaskTypes = map[string]bool{
	"INFERENCE":     true,
	"EMBEDDING":     true,
	"EMBEDDINGS":    true,
	"INDEXING":      true,
	"TOKENIZATION":  true,
	"PREPROCESSING": true,
}

// Service wraps a Repository with request validation.
type Service struct {
	repo *repository.Repository
}

// New builds a Service over repo.
func New(repo *repository.Repository) *Service {
	return &Service{repo: repo}
}

// RegisterRequest is the validated shape of POST /v1/agent/register.
type RegisterRequest struct {
	NodeID       string
	DisplayName  string
	IP           string
	Port         int
	Tags         []string
	Capabilities store.Capabilities
	Policy       *store.Policy
}

// Register validates and forwards to upsertNode.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.Node, error) {
	if req.NodeID == "" {
		return store.Node{}, apierr.BadRequestf("node_id is required")
	}
	if req.DisplayName == "" {
		return store.Node{}, apierr.BadRequestf("display_name is required")
	}
	if req.IP == "" {
		return store.Node{}, apierr.BadRequestf("ip is required")
	}
	if req.Port <= 0 {
		return store.Node{}, apierr.BadRequestf("port must be positive")
	}
	return s.repo.UpsertNode(ctx, repository.Registration{
		NodeID:       req.NodeID,
		DisplayName:  req.DisplayName,
		IP:           req.IP,
		Port:         req.Port,
		Tags:         req.Tags,
		Capabilities: req.Capabilities,
		Policy:       req.Policy,
	})
}

// HeartbeatRequest is the validated shape of POST /v1/agent/heartbeat.
type HeartbeatRequest struct {
	NodeID  string
	Metrics store.Metrics
}

// Heartbeat validates and forwards to recordHeartbeat; fails NotFound if
// the node was never registered.
func (s *Service) Heartbeat(ctx context.Context, req HeartbeatRequest) (store.Node, error) {
	if req.NodeID == "" {
		return store.Node{}, apierr.BadRequestf("node_id is required")
	}
	return s.repo.RecordHeartbeat(ctx, req.NodeID, req.Metrics)
}

// PullTask validates node_id and forwards to the repository. A nil task
// with a nil error means no work is available — not a failure.
func (s *Service) PullTask(ctx context.Context, nodeID string) (*store.Task, error) {
	if nodeID == "" {
		return nil, apierr.BadRequestf("node_id is required")
	}
	return s.repo.PullTask(ctx, nodeID)
}

// SubmitResultRequest is the validated shape of POST /v1/tasks/{id}/result.
type SubmitResultRequest struct {
	TaskID     string
	NodeID     string
	Success    bool
	DurationMS int64
	Output     []byte
	Error      string
}

// SubmitResult validates and forwards to the repository.
func (s *Service) SubmitResult(ctx context.Context, req SubmitResultRequest) (repository.ResultOutcome, error) {
	if req.TaskID == "" {
		return "", apierr.BadRequestf("task_id is required")
	}
	if req.NodeID == "" {
		return "", apierr.BadRequestf("node_id is required")
	}
	if req.DurationMS < 0 {
		return "", apierr.BadRequestf("duration_ms must be >= 0")
	}
	return s.repo.SubmitResult(ctx, req.TaskID, req.NodeID, req.Success, req.Output, req.DurationMS, req.Error)
}

// CreateJobRequest is the validated shape of POST /v1/jobs.
type CreateJobRequest struct {
	Type      string
	TaskCount int
	Tasks     []repository.TaskInput
}

// CreateJob validates type and task count/list and forwards to the
// repository. Exactly one of TaskCount or Tasks should be set by the
// caller; TaskCount expands to that many tasks with nil payloads.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (store.Job, error) {
	if req.Type == "" {
		return store.Job{}, apierr.BadRequestf("type is required")
	}
	if !knownTaskTypes[req.Type] {
		return store.Job{}, apierr.BadRequestf("unknown task type %q", req.Type)
	}
	tasks := req.Tasks
	if len(tasks) == 0 {
		if req.TaskCount <= 0 {
			return store.Job{}, apierr.BadRequestf("task_count or tasks is required")
		}
		tasks = make([]repository.TaskInput, req.TaskCount)
	}
	return s.repo.CreateJob(ctx, req.Type, tasks)
}

// SetPolicy validates and forwards.
func (s *Service) SetPolicy(ctx context.Context, nodeID string, policy store.Policy) (store.Node, error) {
	if nodeID == "" {
		return store.Node{}, apierr.BadRequestf("node_id is required")
	}
	return s.repo.SetPolicy(ctx, nodeID, policy)
}

// CancelJob forwards the operator-driven cancel transition.
func (s *Service) CancelJob(ctx context.Context, jobID string) (store.Job, error) {
	if jobID == "" {
		return store.Job{}, apierr.BadRequestf("job id is required")
	}
	return s.repo.CancelJob(ctx, jobID)
}
