// Package scheduler implements the pure eligibility policy shared by
// pullTask and the read-only simulator. It never touches the Store.
package scheduler

import (
	"sort"
	"time"

	"github.com/edgemesh/coordinator/store"
)

// NodeSnapshot is the subset of store.Node state the policy needs,
// captured once at the start of a pullTask/simulate transaction so every
// candidate task is judged against the same picture of the cluster.
type NodeSnapshot struct {
	NodeID       string
	Status       store.NodeStatus
	LastSeen     time.Time
	Capabilities store.Capabilities
	Metrics      store.Metrics
	Policy       store.Policy
}

// TaskRequirements captures the task-type-specific eligibility checks
// described in spec §4.2 item 5. Only GPU is modeled today; the struct
// exists so new requirement kinds don't change eligibleNodes' signature.
type TaskRequirements struct {
	RequiresGPU bool
}

func snapshotFromNode(n store.Node) NodeSnapshot {
	return NodeSnapshot{
		NodeID:       n.NodeID,
		Status:       n.Status,
		LastSeen:     n.LastSeen,
		Capabilities: n.Capabilities,
		Metrics:      n.Metrics,
		Policy:       n.Policy,
	}
}

// Snapshot converts a list of store.Node rows into the policy's input
// shape, in one pass, at the moment the caller read them.
func Snapshot(nodes []store.Node) []NodeSnapshot {
	out := make([]NodeSnapshot, len(nodes))
	for i, n := range nodes {
		out[i] = snapshotFromNode(n)
	}
	return out
}

func acceptsType(p store.Policy, taskType string) bool {
	if p.AcceptedTaskTypes == nil {
		return true
	}
	for _, t := range p.AcceptedTaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

func isOnline(n NodeSnapshot, now time.Time, staleAfter time.Duration) bool {
	if n.Status != store.NodeOnline {
		return false
	}
	return now.Sub(n.LastSeen) < staleAfter
}

func satisfiesCapabilities(n NodeSnapshot, req TaskRequirements) bool {
	if req.RequiresGPU && !n.Capabilities.HasGPU {
		return false
	}
	return true
}

// EligibleNodes returns the candidate nodes for taskType, ordered
// ascending by (inflight, cpu_pct, ram_pct, node_id). staleAfter is the
// NODE_STALE_SECONDS duration; it is passed in rather than read from
// config so the function stays pure.
func EligibleNodes(taskType string, req TaskRequirements, now time.Time, staleAfter time.Duration, nodes []NodeSnapshot) []NodeSnapshot {
	eligible := make([]NodeSnapshot, 0, len(nodes))
	for _, n := range nodes {
		if !isOnline(n, now, staleAfter) {
			continue
		}
		if !acceptsType(n.Policy, taskType) {
			continue
		}
		if n.Metrics.Inflight >= n.Policy.MaxConcurrent {
			continue
		}
		if n.Metrics.CPUPercent > n.Policy.CPUCeiling || n.Metrics.RAMPercent > n.Policy.RAMCeiling {
			continue
		}
		if !satisfiesCapabilities(n, req) {
			continue
		}
		eligible = append(eligible, n)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Metrics.Inflight != b.Metrics.Inflight {
			return a.Metrics.Inflight < b.Metrics.Inflight
		}
		if a.Metrics.CPUPercent != b.Metrics.CPUPercent {
			return a.Metrics.CPUPercent < b.Metrics.CPUPercent
		}
		if a.Metrics.RAMPercent != b.Metrics.RAMPercent {
			return a.Metrics.RAMPercent < b.Metrics.RAMPercent
		}
		return a.NodeID < b.NodeID
	})
	return eligible
}

// Winner returns the node_id that would claim taskType given nodes, or
// "" if no node is eligible. Used by pullTask to test "am I first".
func Winner(taskType string, req TaskRequirements, now time.Time, staleAfter time.Duration, nodes []NodeSnapshot) string {
	ranked := EligibleNodes(taskType, req, now, staleAfter, nodes)
	if len(ranked) == 0 {
		return ""
	}
	return ranked[0].NodeID
}
