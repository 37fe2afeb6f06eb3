package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/edgemesh/coordinator/apierr"
	"github.com/edgemesh/coordinator/eventbus"
	"github.com/edgemesh/coordinator/store"
	"github.com/google/uuid"
)

// TaskInput is one caller-supplied task within a createJob call.
type TaskInput struct {
	Payload    []byte
	MaxRetries *int
}

// CreateJob inserts a job and all of its task rows in one transaction.
func (r *Repository) CreateJob(ctx context.Context, jobType string, tasks []TaskInput) (store.Job, error) {
	if jobType == "" {
		return store.Job{}, apierr.BadRequestf("type is required")
	}
	if len(tasks) == 0 {
		return store.Job{}, apierr.BadRequestf("at least one task is required")
	}

	jobID := uuid.NewString()
	var result store.Job
	err := r.txn(ctx, func(tx *sql.Tx) error {
		now := r.now().UTC()
		_, err := tx.ExecContext(ctx, `INSERT INTO jobs (id, type, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			jobID, jobType, string(store.JobQueued), now, now)
		if err != nil {
			return apierr.Wrap(apierr.Internal, "insert job", err)
		}

		for _, t := range tasks {
			maxRetries := 2
			if t.MaxRetries != nil {
				maxRetries = *t.MaxRetries
			}
			taskID := uuid.NewString()
			_, err := tx.ExecContext(ctx, `INSERT INTO tasks
				(id, job_id, type, payload, status, max_retries, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				taskID, jobID, jobType, t.Payload, string(store.TaskQueued), maxRetries, now, now)
			if err != nil {
				return apierr.Wrap(apierr.Internal, "insert task", err)
			}
		}

		result, err = getJobTx(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return store.Job{}, err
	}
	r.bus.Publish(eventbus.TopicJobUpdate, jobID)
	return result, nil
}

// JobFilters narrows ListJobs. Zero values mean "no filter".
type JobFilters struct {
	Status   store.JobStatus
	TaskType string
	NodeID   string
}

// ListJobs returns jobs matching filters, each with derived progress.
func (r *Repository) ListJobs(ctx context.Context, filters JobFilters) ([]store.Job, error) {
	var clauses []string
	var args []interface{}
	if filters.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filters.Status))
	}
	if filters.TaskType != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, filters.TaskType)
	}
	query := `SELECT id FROM jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "list jobs", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, apierr.Wrap(apierr.Internal, "scan job id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "list jobs", err)
	}

	out := make([]store.Job, 0, len(ids))
	for _, id := range ids {
		j, err := r.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if filters.NodeID != "" {
			if !containsStr(j.AssignedNodes, filters.NodeID) {
				continue
			}
		}
		out = append(out, j)
	}
	return out, nil
}

func containsStr(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// GetJob returns a single job with derived progress fields populated.
func (r *Repository) GetJob(ctx context.Context, jobID string) (store.Job, error) {
	var result store.Job
	err := r.txn(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = getJobTx(ctx, tx, jobID)
		return err
	})
	return result, err
}

// GetJobTasks returns a job's tasks in insertion order.
func (r *Repository) GetJobTasks(ctx context.Context, jobID string) ([]store.Task, error) {
	if _, err := r.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, taskSelectColumns+` FROM tasks WHERE job_id=? ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "list job tasks", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// CancelJob is an operator-only transition to the terminal CANCELLED
// state. Every non-terminal child task is marked failed with a synthetic
// "cancelled" error and its lease is cleared so it can never be claimed
// or reclaimed again.
func (r *Repository) CancelJob(ctx context.Context, jobID string) (store.Job, error) {
	var result store.Job
	err := r.txn(ctx, func(tx *sql.Tx) error {
		job, err := getJobTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status == store.JobCompleted || job.Status == store.JobFailed || job.Status == store.JobCancelled {
			return apierr.Conflictf("job %q is already terminal (%s)", jobID, job.Status)
		}
		now := r.now().UTC()
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET status=?, error=?, lease_expires_at=NULL, completed_at=?, updated_at=?
			WHERE job_id=? AND status IN (?, ?)`,
			string(store.TaskFailed), "cancelled", now, now, jobID, string(store.TaskQueued), string(store.TaskRunning))
		if err != nil {
			return apierr.Wrap(apierr.Internal, "cancel tasks", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status=?, completed_at=?, updated_at=? WHERE id=?`,
			string(store.JobCancelled), now, now, jobID)
		if err != nil {
			return apierr.Wrap(apierr.Internal, "cancel job", err)
		}
		result, err = getJobTx(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return store.Job{}, err
	}
	r.bus.Publish(eventbus.TopicJobUpdate, jobID)
	return result, nil
}

func getJobTx(ctx context.Context, tx *sql.Tx, jobID string) (store.Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT id, type, status, error, created_at, updated_at, started_at, completed_at FROM jobs WHERE id=?`, jobID)
	var j store.Job
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&j.ID, &j.Type, &j.Status, &j.Error, &j.CreatedAt, &j.UpdatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return store.Job{}, apierr.NotFoundf("job %q not found", jobID)
	}
	if err != nil {
		return store.Job{}, apierr.Wrap(apierr.Internal, "scan job", err)
	}
	j.StartedAt = scanTime(startedAt)
	j.CompletedAt = scanTime(completedAt)

	if err := populateDerivedProgress(ctx, tx, &j); err != nil {
		return store.Job{}, err
	}
	return j, nil
}

// populateDerivedProgress fills total_tasks, completed_tasks,
// total_retries and assigned_nodes by reading the job's child tasks.
// Nothing about a job's progress is stored — it is always computed here.
func populateDerivedProgress(ctx context.Context, tx *sql.Tx, j *store.Job) error {
	rows, err := tx.QueryContext(ctx, `SELECT status, retries, assigned_node_id FROM tasks WHERE job_id=?`, j.ID)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "read job tasks", err)
	}
	defer rows.Close()

	nodeSet := map[string]struct{}{}
	for rows.Next() {
		var status string
		var retries int
		var assignedNode sql.NullString
		if err := rows.Scan(&status, &retries, &assignedNode); err != nil {
			return apierr.Wrap(apierr.Internal, "scan job task", err)
		}
		j.TotalTasks++
		j.TotalRetries += retries
		if status == string(store.TaskSucceeded) {
			j.CompletedTasks++
		}
		if assignedNode.Valid && assignedNode.String != "" {
			nodeSet[assignedNode.String] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return apierr.Wrap(apierr.Internal, "read job tasks", err)
	}
	// assigned_nodes also includes nodes that ran a task historically even
	// if the task later moved on to a retry elsewhere; results carries
	// that history.
	resultRows, err := tx.QueryContext(ctx, `SELECT DISTINCT r.node_id FROM results r JOIN tasks t ON t.id = r.task_id WHERE t.job_id=?`, j.ID)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "read job result nodes", err)
	}
	defer resultRows.Close()
	for resultRows.Next() {
		var nodeID string
		if err := resultRows.Scan(&nodeID); err != nil {
			return apierr.Wrap(apierr.Internal, "scan job result node", err)
		}
		nodeSet[nodeID] = struct{}{}
	}
	if err := resultRows.Err(); err != nil {
		return apierr.Wrap(apierr.Internal, "read job result nodes", err)
	}

	for n := range nodeSet {
		j.AssignedNodes = append(j.AssignedNodes, n)
	}
	return nil
}

// recomputeJobStatus applies the invariant in SPEC_FULL.md §3: COMPLETED
// iff every task succeeded; FAILED iff every task is terminal and at
// least one failed; RUNNING iff some task has started and the job isn't
// otherwise terminal; QUEUED otherwise. CANCELLED is sticky and never
// recomputed here — only cancelJob sets it. Unlike total_tasks/
// completed_tasks/assigned_nodes (derived fresh on every read), status is
// a stored column that the write paths keep in sync, so pullTask and
// submitResult call this after every task mutation.
func recomputeJobStatus(ctx context.Context, tx *sql.Tx, now interface{}, jobID string) error {
	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id=?`, jobID).Scan(&current); err != nil {
		return apierr.Wrap(apierr.Internal, "read job status", err)
	}
	if store.JobStatus(current) == store.JobCancelled {
		return nil
	}

	rows, err := tx.QueryContext(ctx, `SELECT status, started_at FROM tasks WHERE job_id=?`, jobID)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "read job tasks for status", err)
	}
	total, succeeded, failed, started := 0, 0, 0, 0
	for rows.Next() {
		var status string
		var startedAt sql.NullTime
		if err := rows.Scan(&status, &startedAt); err != nil {
			rows.Close()
			return apierr.Wrap(apierr.Internal, "scan job task for status", err)
		}
		total++
		switch store.TaskStatus(status) {
		case store.TaskSucceeded:
			succeeded++
		case store.TaskFailed:
			failed++
		}
		if startedAt.Valid {
			started++
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return apierr.Wrap(apierr.Internal, "read job tasks for status", err)
	}

	var next store.JobStatus
	switch {
	case total == 0:
		next = store.JobQueued
	case succeeded == total:
		next = store.JobCompleted
	case failed > 0 && succeeded+failed == total:
		next = store.JobFailed
	case started > 0:
		next = store.JobRunning
	default:
		next = store.JobQueued
	}
	if string(next) == current {
		return nil
	}

	switch {
	case next == store.JobRunning && store.JobStatus(current) == store.JobQueued:
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status=?, started_at=COALESCE(started_at, ?), updated_at=? WHERE id=?`,
			string(next), now, now, jobID)
	case next == store.JobCompleted || next == store.JobFailed:
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status=?, completed_at=?, updated_at=? WHERE id=?`, string(next), now, now, jobID)
	default:
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status=?, updated_at=? WHERE id=?`, string(next), now, jobID)
	}
	if err != nil {
		return apierr.Wrap(apierr.Internal, "update job status", err)
	}
	return nil
}
