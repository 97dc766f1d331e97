package txn

import (
	"github.com/google/uuid"

	"vexfs/go/config"
)

// waitForGraph is the coordinator's global view of which transaction is
// waiting behind which other transaction, assembled each detection tick
// from every enlisted Locker participant's WaitEdges (spec §4.5 Deadlock
// detection, §5 "no global lock table" -- the graph is derived, not
// maintained incrementally).
type waitForGraph map[uuid.UUID]uuid.UUID

// findCycle returns the set of transaction ids participating in a cycle
// reachable from start (start itself need not be on it), or nil if no
// cycle is reachable.
func (g waitForGraph) findCycle(start uuid.UUID) []uuid.UUID {
	var visited = map[uuid.UUID]int{} // 0=unseen,1=on stack,2=done
	var order []uuid.UUID

	var cur = start
	for {
		if visited[cur] == 1 {
			// Found the cycle: cur appears twice on the current path.
			var idx = -1
			for i, id := range order {
				if id == cur {
					idx = i
					break
				}
			}
			if idx < 0 {
				return nil
			}
			return order[idx:]
		}
		if visited[cur] == 2 {
			return nil
		}
		visited[cur] = 1
		order = append(order, cur)

		var next, ok = g[cur]
		if !ok {
			return nil
		}
		cur = next
	}
}

// allCycles returns every distinct cycle present in the graph.
func (g waitForGraph) allCycles() [][]uuid.UUID {
	var seen = map[uuid.UUID]bool{}
	var out [][]uuid.UUID
	for id := range g {
		if seen[id] {
			continue
		}
		var cycle = g.findCycle(id)
		if len(cycle) == 0 || seen[cycle[0]] {
			continue
		}
		for _, c := range cycle {
			seen[c] = true
		}
		out = append(out, cycle)
	}
	return out
}

// victimInfo is the subset of a Transaction the victim-selection
// strategies need, decoupled from *Transaction so selection logic is
// unit-testable without a running Coordinator.
type victimInfo struct {
	ID        uuid.UUID
	StartedAt int64 // unix nanos; higher is younger
	Priority  int   // lower runs first; ties broken by StartedAt
	OpCount   int   // proxy for transaction "size"
}

// selectVictim applies the configured deadlock resolution strategy to the
// transactions participating in a cycle, returning the one to abort.
func selectVictim(strategy config.DeadlockStrategy, cycle []victimInfo) uuid.UUID {
	if len(cycle) == 0 {
		return uuid.Nil
	}
	var best = cycle[0]
	for _, v := range cycle[1:] {
		if worseVictim(strategy, v, best) {
			best = v
		}
	}
	return best.ID
}

// worseVictim reports whether candidate is a better victim to abort than
// current under strategy (i.e. candidate should replace current).
func worseVictim(strategy config.DeadlockStrategy, candidate, current victimInfo) bool {
	switch strategy {
	case config.AbortYoungest:
		return candidate.StartedAt > current.StartedAt
	case config.AbortLowestPriority:
		if candidate.Priority != current.Priority {
			return candidate.Priority > current.Priority // higher number = lower priority
		}
		return candidate.StartedAt > current.StartedAt
	case config.AbortSmallest:
		if candidate.OpCount != current.OpCount {
			return candidate.OpCount < current.OpCount
		}
		return candidate.StartedAt > current.StartedAt
	default:
		return candidate.StartedAt > current.StartedAt
	}
}
