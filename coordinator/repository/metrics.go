package repository

import (
	"context"
	"math"
	"sort"

	"github.com/edgemesh/coordinator/apierr"
	"github.com/edgemesh/coordinator/scheduler"
	"github.com/edgemesh/coordinator/store"
)

// ClusterSummaryResult is the §4.1 clusterSummary response shape.
type ClusterSummaryResult struct {
	NodesByStatus       map[store.NodeStatus]int `json:"nodes_by_status"`
	TotalInflight       int                       `json:"total_inflight"`
	EligibleNodesByType map[string]int            `json:"eligible_nodes_by_type"`
	QueuedTasksByType   map[string]int            `json:"queued_tasks_by_type"`
}

// ClusterSummary aggregates node counts by status, total inflight work,
// and per-task-type eligible-node counts using the Scheduler Policy.
func (r *Repository) ClusterSummary(ctx context.Context) (ClusterSummaryResult, error) {
	nodes, err := r.ListNodes(ctx)
	if err != nil {
		return ClusterSummaryResult{}, err
	}
	result := ClusterSummaryResult{
		NodesByStatus:       map[store.NodeStatus]int{},
		EligibleNodesByType: map[string]int{},
		QueuedTasksByType:   map[string]int{},
	}
	snapshot := scheduler.Snapshot(nodes)
	typeSet := map[string]struct{}{}
	for _, n := range nodes {
		result.NodesByStatus[n.Status]++
		result.TotalInflight += n.Metrics.Inflight
		for _, t := range n.Policy.AcceptedTaskTypes {
			typeSet[t] = struct{}{}
		}
	}

	now := r.now().UTC()
	rows, err := r.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM tasks WHERE status=? GROUP BY type`, string(store.TaskQueued))
	if err != nil {
		return ClusterSummaryResult{}, apierr.Wrap(apierr.Internal, "count queued tasks by type", err)
	}
	for rows.Next() {
		var t string
		var count int
		if err := rows.Scan(&t, &count); err != nil {
			rows.Close()
			return ClusterSummaryResult{}, apierr.Wrap(apierr.Internal, "scan queued task count", err)
		}
		typeSet[t] = struct{}{}
		result.QueuedTasksByType[t] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ClusterSummaryResult{}, apierr.Wrap(apierr.Internal, "count queued tasks by type", err)
	}

	for t := range typeSet {
		eligible := scheduler.EligibleNodes(t, scheduler.TaskRequirements{}, now, r.nodeStaleAfter, snapshot)
		result.EligibleNodesByType[t] = len(eligible)
	}
	return result, nil
}

// DurationStats bundles the aggregate duration metrics the spec asks for.
type DurationStats struct {
	Count        int     `json:"count"`
	SuccessCount int     `json:"success_count"`
	FailureCount int     `json:"failure_count"`
	MeanMS       float64 `json:"mean_ms"`
	MedianMS     float64 `json:"median_ms"`
	P95MS        float64 `json:"p95_ms"`
}

// ExecutionMetricsResult is the §4.1 executionMetrics response shape.
type ExecutionMetricsResult struct {
	Overall  DurationStats            `json:"overall"`
	ByType   map[string]DurationStats `json:"by_type"`
}

// ExecutionMetrics aggregates over results: counts by success and
// mean/median/p95 duration, overall and per task type.
func (r *Repository) ExecutionMetrics(ctx context.Context) (ExecutionMetricsResult, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT t.type, r.success, r.duration_ms FROM results r JOIN tasks t ON t.id = r.task_id`)
	if err != nil {
		return ExecutionMetricsResult{}, apierr.Wrap(apierr.Internal, "read results", err)
	}
	defer rows.Close()

	var overallDurations []int64
	overallSuccess, overallFailure := 0, 0
	byTypeDurations := map[string][]int64{}
	byTypeSuccess := map[string]int{}
	byTypeFailure := map[string]int{}

	for rows.Next() {
		var taskType string
		var success int
		var durationMS int64
		if err := rows.Scan(&taskType, &success, &durationMS); err != nil {
			return ExecutionMetricsResult{}, apierr.Wrap(apierr.Internal, "scan result", err)
		}
		overallDurations = append(overallDurations, durationMS)
		byTypeDurations[taskType] = append(byTypeDurations[taskType], durationMS)
		if success != 0 {
			overallSuccess++
			byTypeSuccess[taskType]++
		} else {
			overallFailure++
			byTypeFailure[taskType]++
		}
	}
	if err := rows.Err(); err != nil {
		return ExecutionMetricsResult{}, apierr.Wrap(apierr.Internal, "read results", err)
	}

	out := ExecutionMetricsResult{
		Overall: computeDurationStats(overallDurations, overallSuccess, overallFailure),
		ByType:  map[string]DurationStats{},
	}
	for t, durations := range byTypeDurations {
		out.ByType[t] = computeDurationStats(durations, byTypeSuccess[t], byTypeFailure[t])
	}
	return out, nil
}

func computeDurationStats(durations []int64, success, failure int) DurationStats {
	stats := DurationStats{
		Count:        len(durations),
		SuccessCount: success,
		FailureCount: failure,
	}
	if len(durations) == 0 {
		return stats
	}
	sorted := make([]int64, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	for _, d := range sorted {
		sum += d
	}
	stats.MeanMS = float64(sum) / float64(len(sorted))
	stats.MedianMS = percentile(sorted, 0.5)
	stats.P95MS = percentile(sorted, 0.95)
	return stats
}

// percentile linearly interpolates between the two closest ranks of an
// already-sorted slice.
func percentile(sorted []int64, p float64) float64 {
	if len(sorted) == 1 {
		return float64(sorted[0])
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return float64(sorted[lo])
	}
	frac := rank - float64(lo)
	return float64(sorted[lo])*(1-frac) + float64(sorted[hi])*frac
}
