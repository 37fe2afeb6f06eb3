package repository

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/edgemesh/coordinator/apierr"
	"github.com/edgemesh/coordinator/eventbus"
	"github.com/edgemesh/coordinator/observability"
	"github.com/edgemesh/coordinator/scheduler"
	"github.com/edgemesh/coordinator/store"
)

const taskSelectColumns = `SELECT id, job_id, type, priority, payload, status, assigned_node_id, retries, max_retries, lease_expires_at, error, created_at, updated_at, started_at, completed_at`

func scanTask(row rowScanner) (store.Task, error) {
	var t store.Task
	var assignedNode sql.NullString
	var leaseExpires, startedAt, completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.JobID, &t.Type, &t.Priority, &t.Payload, &t.Status, &assignedNode,
		&t.Retries, &t.MaxRetries, &leaseExpires, &t.Error, &t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return store.Task{}, err
	}
	if assignedNode.Valid {
		t.AssignedNodeID = &assignedNode.String
	}
	t.LeaseExpiresAt = scanTime(leaseExpires)
	t.StartedAt = scanTime(startedAt)
	t.CompletedAt = scanTime(completedAt)
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]store.Task, error) {
	var out []store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apierr.Wrap(apierr.Internal, "scan task", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func getTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (store.Task, error) {
	row := tx.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id=?`, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return store.Task{}, apierr.NotFoundf("task %q not found", taskID)
	}
	if err != nil {
		return store.Task{}, apierr.Wrap(apierr.Internal, "scan task", err)
	}
	return t, nil
}

func payloadRequiresGPU(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	var shape struct {
		RequiresGPU bool `json:"requires_gpu"`
	}
	if err := unmarshalJSON(string(payload), &shape); err != nil {
		return false
	}
	return shape.RequiresGPU
}

// PullTask implements §4.3: under one transaction, take a fresh snapshot
// of every node, scan QUEUED tasks oldest-first, and let the caller claim
// the first task for which it is the winning candidate. Returns a nil
// task and no error when nothing is available — that is not a failure.
func (r *Repository) PullTask(ctx context.Context, nodeID string) (*store.Task, error) {
	var claimed *store.Task
	err := r.txn(ctx, func(tx *sql.Tx) error {
		callerRow := tx.QueryRowContext(ctx, nodeSelectColumns+` FROM nodes WHERE node_id=?`, nodeID)
		caller, err := scanNode(callerRow)
		if err == sql.ErrNoRows {
			return nil // unknown node: nothing to claim
		}
		if err != nil {
			return apierr.Wrap(apierr.Internal, "scan calling node", err)
		}
		now := r.now().UTC()
		if caller.Status != store.NodeOnline || now.Sub(caller.LastSeen) >= r.nodeStaleAfter {
			return nil
		}

		nodeRows, err := tx.QueryContext(ctx, nodeSelectColumns+` FROM nodes`)
		if err != nil {
			return apierr.Wrap(apierr.Internal, "snapshot nodes", err)
		}
		nodes, err := scanNodes(nodeRows)
		if err != nil {
			return err
		}
		snapshot := scheduler.Snapshot(nodes)

		candidateRows, err := tx.QueryContext(ctx, taskSelectColumns+` FROM tasks WHERE status=? ORDER BY created_at ASC, id ASC`, string(store.TaskQueued))
		if err != nil {
			return apierr.Wrap(apierr.Internal, "scan candidate tasks", err)
		}
		candidates, err := scanTasks(candidateRows)
		if err != nil {
			return err
		}

		for _, task := range candidates {
			req := scheduler.TaskRequirements{RequiresGPU: payloadRequiresGPU(task.Payload)}
			winner := scheduler.Winner(task.Type, req, now, r.nodeStaleAfter, snapshot)
			if winner != nodeID {
				continue
			}

			leaseExpires := now.Add(r.taskLease)
			_, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, assigned_node_id=?, lease_expires_at=?,
				started_at=COALESCE(started_at, ?), updated_at=? WHERE id=?`,
				string(store.TaskRunning), nodeID, leaseExpires, now, now, task.ID)
			if err != nil {
				return apierr.Wrap(apierr.Internal, "claim task", err)
			}
			if err := recomputeJobStatus(ctx, tx, now, task.JobID); err != nil {
				return err
			}
			t, err := getTaskTx(ctx, tx, task.ID)
			if err != nil {
				return err
			}
			claimed = &t
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		r.bus.Publish(eventbus.TopicJobUpdate, claimed.JobID)
	}
	return claimed, nil
}

// ResultOutcome tells the caller whether a submitted result changed task
// state or was recorded purely as history.
type ResultOutcome string

const (
	ResultAccepted      ResultOutcome = "accepted"
	ResultAcceptedStale ResultOutcome = "accepted-stale"
)

// SubmitResult implements §4.1's idempotent accept path. A late report
// from a node that no longer owns the task, or any report against a task
// that has already reached a terminal status, is appended for history
// but never mutates task state.
func (r *Repository) SubmitResult(ctx context.Context, taskID, nodeID string, success bool, output []byte, durationMS int64, errMsg string) (ResultOutcome, error) {
	var outcome ResultOutcome
	err := r.txn(ctx, func(tx *sql.Tx) error {
		task, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		now := r.now().UTC()

		if _, err := tx.ExecContext(ctx, `INSERT INTO results (task_id, node_id, success, output, duration_ms, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			taskID, nodeID, boolToInt(success), output, durationMS, now); err != nil {
			return apierr.Wrap(apierr.Internal, "insert result", err)
		}

		isTerminal := task.Status == store.TaskSucceeded || task.Status == store.TaskFailed
		if isTerminal || task.AssignedNodeID == nil || *task.AssignedNodeID != nodeID {
			outcome = ResultAcceptedStale
			return nil
		}
		outcome = ResultAccepted

		if success {
			_, err = tx.ExecContext(ctx, `UPDATE tasks SET status=?, completed_at=?, lease_expires_at=NULL, updated_at=? WHERE id=?`,
				string(store.TaskSucceeded), now, now, taskID)
		} else if task.Retries < task.MaxRetries {
			_, err = tx.ExecContext(ctx, `UPDATE tasks SET status=?, retries=retries+1, assigned_node_id=NULL, lease_expires_at=NULL, error=?, updated_at=? WHERE id=?`,
				string(store.TaskQueued), errMsg, now, taskID)
		} else {
			_, err = tx.ExecContext(ctx, `UPDATE tasks SET status=?, completed_at=?, error=?, updated_at=? WHERE id=?`,
				string(store.TaskFailed), now, errMsg, now, taskID)
		}
		if err != nil {
			return apierr.Wrap(apierr.Internal, "update task after result", err)
		}
		return recomputeJobStatus(ctx, tx, now, task.JobID)
	})
	if err != nil {
		return "", err
	}
	// job_update is emitted regardless of outcome: stale results still
	// surface as a results-count change observers may care about.
	task, terr := r.GetTaskInternal(ctx, taskID)
	if terr == nil {
		r.bus.Publish(eventbus.TopicJobUpdate, task.JobID)
	}
	return outcome, nil
}

// GetTaskInternal exposes a single task lookup for other repository
// operations and the HTTP layer; it is not part of the ingest surface.
func (r *Repository) GetTaskInternal(ctx context.Context, taskID string) (store.Task, error) {
	var t store.Task
	err := r.txn(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = getTaskTx(ctx, tx, taskID)
		return err
	})
	return t, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ReclaimExpiredLeases implements the LeaseScan monitor body: every
// RUNNING task whose lease has expired is treated as a failed attempt
// with a synthetic "lease_expired" error, following the same retry
// branching as SubmitResult.
func (r *Repository) ReclaimExpiredLeases(ctx context.Context, now time.Time) error {
	affectedJobs := map[string]struct{}{}
	err := r.txn(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, taskSelectColumns+` FROM tasks WHERE status=? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
			string(store.TaskRunning), now)
		if err != nil {
			return apierr.Wrap(apierr.Internal, "scan expired leases", err)
		}
		expired, err := scanTasks(rows)
		if err != nil {
			return err
		}

		for _, task := range expired {
			terminal := task.Retries >= task.MaxRetries
			if !terminal {
				_, err = tx.ExecContext(ctx, `UPDATE tasks SET status=?, retries=retries+1, assigned_node_id=NULL, lease_expires_at=NULL, error=?, updated_at=? WHERE id=?`,
					string(store.TaskQueued), "lease_expired", now, task.ID)
			} else {
				_, err = tx.ExecContext(ctx, `UPDATE tasks SET status=?, completed_at=?, error=?, updated_at=? WHERE id=?`,
					string(store.TaskFailed), now, "lease_expired", now, task.ID)
			}
			if err != nil {
				return apierr.Wrap(apierr.Internal, "reclaim expired lease", err)
			}
			observability.LeasesReclaimed.WithLabelValues(strconv.FormatBool(terminal)).Inc()
			if err := recomputeJobStatus(ctx, tx, now, task.JobID); err != nil {
				return err
			}
			affectedJobs[task.JobID] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for jobID := range affectedJobs {
		r.bus.Publish(eventbus.TopicJobUpdate, jobID)
	}
	return nil
}

// SweepStaleNodes implements the StaleScan monitor body: any ONLINE node
// whose last_seen is past the staleness threshold becomes STALE.
// Idempotent — running it twice with no intervening heartbeat is a no-op
// the second time because the WHERE clause only matches ONLINE rows.
func (r *Repository) SweepStaleNodes(ctx context.Context, now time.Time) error {
	var changed []string
	err := r.txn(ctx, func(tx *sql.Tx) error {
		threshold := now.Add(-r.nodeStaleAfter)
		rows, err := tx.QueryContext(ctx, `SELECT node_id FROM nodes WHERE status=? AND last_seen <= ?`, string(store.NodeOnline), threshold)
		if err != nil {
			return apierr.Wrap(apierr.Internal, "scan stale nodes", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return apierr.Wrap(apierr.Internal, "scan stale node id", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return apierr.Wrap(apierr.Internal, "scan stale nodes", err)
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE nodes SET status=?, updated_at=? WHERE node_id=?`, string(store.NodeStale), now, id); err != nil {
				return apierr.Wrap(apierr.Internal, "mark node stale", err)
			}
			changed = append(changed, id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range changed {
		r.bus.Publish(eventbus.TopicNodeUpdate, id)
	}
	return nil
}
