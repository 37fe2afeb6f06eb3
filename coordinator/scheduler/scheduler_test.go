package scheduler

import (
	"testing"
	"time"

	"github.com/edgemesh/coordinator/store"
)

func node(id string, inflight int, cpu, ram float64, maxConcurrent int, hasGPU bool) NodeSnapshot {
	return NodeSnapshot{
		NodeID:   id,
		Status:   store.NodeOnline,
		LastSeen: time.Now().UTC(),
		Capabilities: store.Capabilities{
			HasGPU: hasGPU,
		},
		Metrics: store.Metrics{
			Inflight:   inflight,
			CPUPercent: cpu,
			RAMPercent: ram,
		},
		Policy: store.Policy{
			MaxConcurrent: maxConcurrent,
			CPUCeiling:    100,
			RAMCeiling:    100,
		},
	}
}

func TestEligibleNodes_OrdersByInflightThenCPUThenRAMThenID(t *testing.T) {
	nodes := []NodeSnapshot{
		node("c", 0, 50, 10, 4, false),
		node("a", 0, 20, 10, 4, false),
		node("b", 0, 20, 10, 4, false),
	}
	ranked := EligibleNodes("EMBEDDINGS", TaskRequirements{}, time.Now().UTC(), 15*time.Second, nodes)
	if len(ranked) != 3 {
		t.Fatalf("expected 3 eligible nodes, got %d", len(ranked))
	}
	// a and b tie on inflight/cpu/ram; node_id breaks the tie.
	if ranked[0].NodeID != "a" || ranked[1].NodeID != "b" || ranked[2].NodeID != "c" {
		t.Fatalf("unexpected order: %v", []string{ranked[0].NodeID, ranked[1].NodeID, ranked[2].NodeID})
	}
}

func TestEligibleNodes_ExcludesAtCapacity(t *testing.T) {
	nodes := []NodeSnapshot{node("full", 2, 10, 10, 2, false)}
	ranked := EligibleNodes("EMBEDDINGS", TaskRequirements{}, time.Now().UTC(), 15*time.Second, nodes)
	if len(ranked) != 0 {
		t.Fatalf("expected no eligible nodes at capacity, got %v", ranked)
	}
}

func TestEligibleNodes_ExcludesStale(t *testing.T) {
	n := node("stale", 0, 10, 10, 4, false)
	n.LastSeen = time.Now().UTC().Add(-time.Minute)
	ranked := EligibleNodes("EMBEDDINGS", TaskRequirements{}, time.Now().UTC(), 15*time.Second, []NodeSnapshot{n})
	if len(ranked) != 0 {
		t.Fatalf("expected stale node excluded, got %v", ranked)
	}
}

func TestEligibleNodes_GPURequirement(t *testing.T) {
	noGPU := node("no-gpu", 0, 10, 10, 4, false)
	withGPU := node("has-gpu", 0, 10, 10, 4, true)
	ranked := EligibleNodes("INFERENCE", TaskRequirements{RequiresGPU: true}, time.Now().UTC(), 15*time.Second, []NodeSnapshot{noGPU, withGPU})
	if len(ranked) != 1 || ranked[0].NodeID != "has-gpu" {
		t.Fatalf("expected only has-gpu eligible, got %v", ranked)
	}
}

func TestEligibleNodes_RespectsAcceptedTaskTypes(t *testing.T) {
	n := node("n1", 0, 10, 10, 4, false)
	n.Policy.AcceptedTaskTypes = []string{"INDEXING"}
	ranked := EligibleNodes("EMBEDDINGS", TaskRequirements{}, time.Now().UTC(), 15*time.Second, []NodeSnapshot{n})
	if len(ranked) != 0 {
		t.Fatalf("expected node to reject an unaccepted task type, got %v", ranked)
	}
}

// Eligibility determinism: simulateSchedule and pullTask's Winner must
// agree on the same snapshot.
func TestWinner_MatchesEligibleNodesHead(t *testing.T) {
	nodes := []NodeSnapshot{
		node("b", 1, 10, 10, 4, false),
		node("a", 0, 10, 10, 4, false),
	}
	now := time.Now().UTC()
	ranked := EligibleNodes("EMBEDDINGS", TaskRequirements{}, now, 15*time.Second, nodes)
	winner := Winner("EMBEDDINGS", TaskRequirements{}, now, 15*time.Second, nodes)
	if winner != ranked[0].NodeID {
		t.Fatalf("winner %q does not match ranked head %q", winner, ranked[0].NodeID)
	}
}
