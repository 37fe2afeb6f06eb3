// Package store defines the embedded relational schema and owns the single
// *sql.DB handle. Nothing outside the repository package talks to it.
package store

import "time"

// NodeStatus is the lifecycle state of a registered agent.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "ONLINE"
	NodeStale   NodeStatus = "STALE"
	NodeOffline NodeStatus = "OFFLINE"
	NodeUnknown NodeStatus = "UNKNOWN"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
)

// Capabilities are static facts an agent declares about itself at
// registration.
type Capabilities struct {
	CPUCores     int      `json:"cpu_cores"`
	TotalRAMMB   int      `json:"total_ram_mb"`
	HasGPU       bool     `json:"has_gpu"`
	GPUModel     string   `json:"gpu_model,omitempty"`
	SupportedJob []string `json:"supported_task_types"`
}

// Metrics is the last reported dynamic sample from an agent.
type Metrics struct {
	CPUPercent float64   `json:"cpu_pct"`
	RAMPercent float64   `json:"ram_pct"`
	GPUPercent *float64  `json:"gpu_pct,omitempty"`
	Inflight   int       `json:"inflight"`
	ReportedAt time.Time `json:"reported_at"`
}

// Policy is operator-controlled eligibility caps for a node.
type Policy struct {
	AcceptedTaskTypes []string `json:"accepted_task_types"`
	MaxConcurrent     int      `json:"max_concurrent"`
	CPUCeiling        float64  `json:"cpu_ceiling"`
	RAMCeiling        float64  `json:"ram_ceiling"`
}

// DefaultPolicy is applied to a registration that omits one explicitly.
func DefaultPolicy() Policy {
	return Policy{
		AcceptedTaskTypes: nil, // nil means "accept all types"
		MaxConcurrent:     1,
		CPUCeiling:        100,
		RAMCeiling:        100,
	}
}

// Node is a registered execution agent.
type Node struct {
	NodeID       string       `json:"node_id"`
	DisplayName  string       `json:"display_name"`
	IP           string       `json:"ip"`
	Port         int          `json:"port"`
	Status       NodeStatus   `json:"status"`
	Tags         []string     `json:"tags,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	Metrics      Metrics      `json:"metrics"`
	Policy       Policy       `json:"policy"`
	LastSeen     time.Time    `json:"last_seen"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Job is a user-submitted unit of work, decomposed into tasks.
type Job struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Status      JobStatus  `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Derived, computed on read from child tasks — never persisted.
	TotalTasks     int      `json:"total_tasks"`
	CompletedTasks int      `json:"completed_tasks"`
	TotalRetries   int      `json:"total_retries"`
	AssignedNodes  []string `json:"assigned_nodes"`
}

// Task is the smallest dispatchable unit.
type Task struct {
	ID              string     `json:"id"`
	JobID           string     `json:"job_id"`
	Type            string     `json:"type"`
	Priority        int        `json:"priority"`
	Payload         []byte     `json:"payload"`
	Status          TaskStatus `json:"status"`
	AssignedNodeID  *string    `json:"assigned_node_id,omitempty"`
	Retries         int        `json:"retries"`
	MaxRetries      int        `json:"max_retries"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// Result is one append-only report of a task attempt's outcome.
type Result struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	NodeID     string    `json:"node_id"`
	Success    bool      `json:"success"`
	Output     []byte    `json:"output,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}
