package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgemesh/coordinator/eventbus"
	"github.com/edgemesh/coordinator/store"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "edgemesh.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, eventbus.New(0), 15*time.Second, 30*time.Second)
}

func mustRegister(t *testing.T, r *Repository, nodeID string, maxConcurrent int) store.Node {
	t.Helper()
	n, err := r.UpsertNode(context.Background(), Registration{
		NodeID:      nodeID,
		DisplayName: nodeID,
		IP:          "127.0.0.1",
		Port:        9000,
		Capabilities: store.Capabilities{
			CPUCores: 4, TotalRAMMB: 8192,
			SupportedJob: []string{"EMBEDDINGS", "INFERENCE"},
		},
		Policy: &store.Policy{
			AcceptedTaskTypes: nil,
			MaxConcurrent:     maxConcurrent,
			CPUCeiling:        100,
			RAMCeiling:        100,
		},
	})
	if err != nil {
		t.Fatalf("register %s: %v", nodeID, err)
	}
	return n
}

func mustHeartbeat(t *testing.T, r *Repository, nodeID string, inflight int) {
	t.Helper()
	_, err := r.RecordHeartbeat(context.Background(), nodeID, store.Metrics{
		CPUPercent: 10, RAMPercent: 10, Inflight: inflight,
	})
	if err != nil {
		t.Fatalf("heartbeat %s: %v", nodeID, err)
	}
}

// Scenario 1: a single node with max_concurrent=1 can only ever hold one
// lease at a time; a 3-task job drains one task per pull/submit cycle.
func TestScenario_SequentialPullDrainsOneAtATime(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	mustRegister(t, r, "n1", 1)
	mustHeartbeat(t, r, "n1", 0)

	job, err := r.CreateJob(ctx, "EMBEDDINGS", []TaskInput{{}, {}, {}})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	t1, err := r.PullTask(ctx, "n1")
	if err != nil || t1 == nil {
		t.Fatalf("expected task 1, got %v err=%v", t1, err)
	}

	// n1 is still reporting inflight=1 and hasn't finished; no more work.
	mustHeartbeat(t, r, "n1", 1)
	if t2, err := r.PullTask(ctx, "n1"); err != nil || t2 != nil {
		t.Fatalf("expected no task while at capacity, got %v err=%v", t2, err)
	}

	if _, err := r.SubmitResult(ctx, t1.ID, "n1", true, nil, 5, ""); err != nil {
		t.Fatalf("submit result: %v", err)
	}
	mustHeartbeat(t, r, "n1", 0)

	t2, err := r.PullTask(ctx, "n1")
	if err != nil || t2 == nil || t2.ID == t1.ID {
		t.Fatalf("expected a fresh task 2, got %v err=%v", t2, err)
	}
	if _, err := r.SubmitResult(ctx, t2.ID, "n1", true, nil, 5, ""); err != nil {
		t.Fatalf("submit result: %v", err)
	}
	mustHeartbeat(t, r, "n1", 0)

	t3, err := r.PullTask(ctx, "n1")
	if err != nil || t3 == nil {
		t.Fatalf("expected task 3, got %v err=%v", t3, err)
	}
	if _, err := r.SubmitResult(ctx, t3.ID, "n1", true, nil, 5, ""); err != nil {
		t.Fatalf("submit result: %v", err)
	}

	got, err := r.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != store.JobCompleted {
		t.Fatalf("expected job COMPLETED, got %s", got.Status)
	}
	if got.CompletedTasks != 3 || got.TotalTasks != 3 {
		t.Fatalf("expected 3/3 completed, got %d/%d", got.CompletedTasks, got.TotalTasks)
	}
}

// Scenario 2: the least-loaded node wins, regardless of registration order.
func TestScenario_LeastLoadedNodeWins(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	mustRegister(t, r, "n1", 4)
	mustRegister(t, r, "n2", 4)
	mustHeartbeat(t, r, "n1", 2)
	mustHeartbeat(t, r, "n2", 0)

	if _, err := r.CreateJob(ctx, "INFERENCE", []TaskInput{{Payload: []byte(`{"requires_gpu":false}`)}}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	if task, err := r.PullTask(ctx, "n1"); err != nil || task != nil {
		t.Fatalf("n1 should not win while more loaded, got %v err=%v", task, err)
	}
	task, err := r.PullTask(ctx, "n2")
	if err != nil || task == nil {
		t.Fatalf("n2 should win as least loaded, got %v err=%v", task, err)
	}
}

// Scenario 3: an expired lease returns the task to QUEUED with a bumped
// retry counter, and the task can be reclaimed afterward.
func TestScenario_LeaseExpiryRequeues(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	now := time.Now().UTC()
	r.WithClock(func() time.Time { return now })

	mustRegister(t, r, "n1", 1)
	mustHeartbeat(t, r, "n1", 0)
	if _, err := r.CreateJob(ctx, "EMBEDDINGS", []TaskInput{{}}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	claimed, err := r.PullTask(ctx, "n1")
	if err != nil || claimed == nil {
		t.Fatalf("expected a claim, got %v err=%v", claimed, err)
	}

	later := now.Add(31 * time.Second)
	r.WithClock(func() time.Time { return later })
	if err := r.ReclaimExpiredLeases(ctx, later); err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	task, err := r.GetTaskInternal(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskQueued {
		t.Fatalf("expected QUEUED after reclaim, got %s", task.Status)
	}
	if task.Retries != 1 {
		t.Fatalf("expected retries=1, got %d", task.Retries)
	}
	if task.AssignedNodeID != nil {
		t.Fatalf("expected assigned_node_id cleared, got %v", *task.AssignedNodeID)
	}

	mustHeartbeat(t, r, "n1", 0)
	reclaimed, err := r.PullTask(ctx, "n1")
	if err != nil || reclaimed == nil || reclaimed.ID != claimed.ID {
		t.Fatalf("expected to re-claim the same task, got %v err=%v", reclaimed, err)
	}
}

// Scenario 4: exhausting retries fails the task, and the owning job fails
// once every sibling has terminalized.
func TestScenario_RetryExhaustionFailsTaskAndJob(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	mustRegister(t, r, "n1", 1)
	mustHeartbeat(t, r, "n1", 0)

	maxRetries := 2
	job, err := r.CreateJob(ctx, "EMBEDDINGS", []TaskInput{{MaxRetries: &maxRetries}})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	var taskID string
	for i := 0; i <= maxRetries; i++ {
		mustHeartbeat(t, r, "n1", 0)
		task, err := r.PullTask(ctx, "n1")
		if err != nil || task == nil {
			t.Fatalf("attempt %d: expected a claim, got %v err=%v", i, task, err)
		}
		taskID = task.ID
		if _, err := r.SubmitResult(ctx, task.ID, "n1", false, nil, 5, "boom"); err != nil {
			t.Fatalf("attempt %d: submit result: %v", i, err)
		}
	}

	task, err := r.GetTaskInternal(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskFailed {
		t.Fatalf("expected task FAILED after exhausting retries, got %s", task.Status)
	}

	got, err := r.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != store.JobFailed {
		t.Fatalf("expected job FAILED, got %s", got.Status)
	}
}

// Invariant: policy immediacy. Tightening max_concurrent to 0 takes
// effect on the very next pullTask.
func TestInvariant_PolicyImmediacy(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	mustRegister(t, r, "n1", 1)
	mustHeartbeat(t, r, "n1", 0)
	if _, err := r.CreateJob(ctx, "EMBEDDINGS", []TaskInput{{}}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	if _, err := r.SetPolicy(ctx, "n1", store.Policy{MaxConcurrent: 0, CPUCeiling: 100, RAMCeiling: 100}); err != nil {
		t.Fatalf("set policy: %v", err)
	}

	if task, err := r.PullTask(ctx, "n1"); err != nil || task != nil {
		t.Fatalf("expected no claim under max_concurrent=0, got %v err=%v", task, err)
	}
}

// Invariant: result append-only. A late report for a task no longer
// owned by the reporter is recorded as history but never mutates state.
func TestInvariant_StaleResultAppendsWithoutMutating(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	mustRegister(t, r, "n1", 1)
	mustRegister(t, r, "n2", 1)
	mustHeartbeat(t, r, "n1", 0)
	mustHeartbeat(t, r, "n2", 0)

	if _, err := r.CreateJob(ctx, "EMBEDDINGS", []TaskInput{{}}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	task, err := r.PullTask(ctx, "n1")
	if err != nil || task == nil {
		t.Fatalf("expected a claim, got %v err=%v", task, err)
	}
	if _, err := r.SubmitResult(ctx, task.ID, "n1", true, nil, 5, ""); err != nil {
		t.Fatalf("submit result: %v", err)
	}

	// n2 never owned this task; its late report must not flip anything.
	outcome, err := r.SubmitResult(ctx, task.ID, "n2", false, nil, 5, "late")
	if err != nil {
		t.Fatalf("stale submit: %v", err)
	}
	if outcome != ResultAcceptedStale {
		t.Fatalf("expected accepted-stale outcome, got %s", outcome)
	}

	final, err := r.GetTaskInternal(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if final.Status != store.TaskSucceeded {
		t.Fatalf("stale report mutated task status to %s", final.Status)
	}
}

// Invariant: a duplicate report from the node still recorded as
// assigned_node_id, arriving after the task already reached a terminal
// status, must not mutate the task — resolves spec Open Question (a) and
// guards the retry-bound invariant against un-terminalizing a task.
func TestInvariant_TerminalTaskRejectsLateReportFromSameNode(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	mustRegister(t, r, "n1", 1)
	mustHeartbeat(t, r, "n1", 0)

	if _, err := r.CreateJob(ctx, "EMBEDDINGS", []TaskInput{{}}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	task, err := r.PullTask(ctx, "n1")
	if err != nil || task == nil {
		t.Fatalf("expected a claim, got %v err=%v", task, err)
	}
	if _, err := r.SubmitResult(ctx, task.ID, "n1", true, nil, 5, ""); err != nil {
		t.Fatalf("submit success: %v", err)
	}
	succeeded, err := r.GetTaskInternal(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task after success: %v", err)
	}
	if succeeded.Status != store.TaskSucceeded || succeeded.CompletedAt == nil {
		t.Fatalf("expected task SUCCEEDED with completed_at set, got %+v", succeeded)
	}
	completedAt := *succeeded.CompletedAt

	// A duplicate success from the same node must be stale and inert.
	outcome, err := r.SubmitResult(ctx, task.ID, "n1", true, nil, 7, "")
	if err != nil {
		t.Fatalf("duplicate success submit: %v", err)
	}
	if outcome != ResultAcceptedStale {
		t.Fatalf("expected accepted-stale outcome for duplicate success, got %s", outcome)
	}
	afterDuplicateSuccess, err := r.GetTaskInternal(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task after duplicate success: %v", err)
	}
	if afterDuplicateSuccess.Status != store.TaskSucceeded || !afterDuplicateSuccess.CompletedAt.Equal(completedAt) {
		t.Fatalf("duplicate success mutated terminal task: %+v", afterDuplicateSuccess)
	}

	// A late failure from the same node must not un-succeed the task either.
	outcome, err = r.SubmitResult(ctx, task.ID, "n1", false, nil, 9, "late failure")
	if err != nil {
		t.Fatalf("late failure submit: %v", err)
	}
	if outcome != ResultAcceptedStale {
		t.Fatalf("expected accepted-stale outcome for late failure, got %s", outcome)
	}
	afterLateFailure, err := r.GetTaskInternal(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task after late failure: %v", err)
	}
	if afterLateFailure.Status != store.TaskSucceeded || !afterLateFailure.CompletedAt.Equal(completedAt) {
		t.Fatalf("late failure mutated terminal task: %+v", afterLateFailure)
	}

	job, err := r.GetJob(ctx, task.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != store.JobCompleted {
		t.Fatalf("expected job to remain COMPLETED, got %s", job.Status)
	}
}

// Invariant: staleness idempotence. Running sweepStaleNodes twice with no
// intervening heartbeat produces identical state after the first call.
func TestInvariant_StalenessSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	now := time.Now().UTC()
	r.WithClock(func() time.Time { return now })
	mustRegister(t, r, "n1", 1)
	mustHeartbeat(t, r, "n1", 0)

	later := now.Add(16 * time.Second)
	if err := r.SweepStaleNodes(ctx, later); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	after1, err := r.GetNode(ctx, "n1")
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if after1.Status != store.NodeStale {
		t.Fatalf("expected STALE after first sweep, got %s", after1.Status)
	}

	if err := r.SweepStaleNodes(ctx, later); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	after2, err := r.GetNode(ctx, "n1")
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if after2.Status != after1.Status || !after2.UpdatedAt.Equal(after1.UpdatedAt) {
		t.Fatalf("second sweep changed state: %+v vs %+v", after1, after2)
	}
}

// cancelJob marks all non-terminal child tasks as failed/cancelled and
// the job itself CANCELLED; it must never be reversed by later monitor runs.
func TestCancelJob(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	mustRegister(t, r, "n1", 1)
	mustHeartbeat(t, r, "n1", 0)

	job, err := r.CreateJob(ctx, "EMBEDDINGS", []TaskInput{{}, {}})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := r.PullTask(ctx, "n1"); err != nil {
		t.Fatalf("pull: %v", err)
	}

	cancelled, err := r.CancelJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel job: %v", err)
	}
	if cancelled.Status != store.JobCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}

	if err := r.ReclaimExpiredLeases(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	after, err := r.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if after.Status != store.JobCancelled {
		t.Fatalf("cancellation was reversed, job is now %s", after.Status)
	}

	if _, err := r.CancelJob(ctx, job.ID); err == nil {
		t.Fatalf("expected cancelling an already-terminal job to error")
	}
}
