package cellstore

import (
	"context"
	"sort"
)

// DetectCycles walks an arbitrary adjacency map depth-first and returns
// the cycles closed by back edges during that walk, including self-loops,
// each as an ordered node list starting from its smallest node. A graph
// with any cycle yields at least one; the result is not an enumeration of
// every elementary cycle, since edges into already finished nodes are not
// followed (for a->b->c->a plus a->c only [a b c] is reported, not [a c]).
// The store uses a reachability walk at
// insert time; this standalone detector exists for doctor, which audits
// the whole graph after the fact.
func DetectCycles(adj map[string][]string) [][]string {
	nodes := make([]string, 0, len(adj))
	for n := range adj {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	var cycles [][]string
	seen := make(map[string]bool) // cycle canonical keys, for dedup

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int)
	var stack []string

	var dfs func(node string)
	dfs = func(node string) {
		state[node] = inStack
		stack = append(stack, node)
		for _, next := range adj[node] {
			switch state[next] {
			case inStack:
				// Slice out the cycle from the stack.
				start := len(stack) - 1
				for start >= 0 && stack[start] != next {
					start--
				}
				cycle := append([]string(nil), stack[start:]...)
				key, rotated := canonicalCycle(cycle)
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, rotated)
				}
			case unvisited:
				dfs(next)
			}
		}
		stack = stack[:len(stack)-1]
		state[node] = done
	}

	for _, n := range nodes {
		if state[n] == unvisited {
			dfs(n)
		}
	}

	sort.Slice(cycles, func(i, j int) bool {
		return cycles[i][0] < cycles[j][0]
	})
	return cycles
}

// canonicalCycle rotates a cycle so its smallest node comes first and
// returns a dedup key plus the rotated list.
func canonicalCycle(cycle []string) (string, []string) {
	minIdx := 0
	for i, n := range cycle {
		if n < cycle[minIdx] {
			minIdx = i
		}
	}
	rotated := make([]string, 0, len(cycle))
	rotated = append(rotated, cycle[minIdx:]...)
	rotated = append(rotated, cycle[:minIdx]...)

	key := ""
	for _, n := range rotated {
		key += n + "\x00"
	}
	return key, rotated
}

// BlockingGraph loads the blocks-restricted dependency graph for a
// project as an adjacency map, for DetectCycles.
func (s *Store) BlockingGraph(ctx context.Context, projectKey string) (map[string][]string, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT cell_id, depends_on_id, dep_type FROM dependencies
		WHERE project_key = ? AND dep_type IN ('blocks', 'blocked-by')`, projectKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	adj := make(map[string][]string)
	for rows.Next() {
		var from, to, depType string
		if err := rows.Scan(&from, &to, &depType); err != nil {
			return nil, err
		}
		if depType == "blocked-by" {
			from, to = to, from
		}
		adj[from] = append(adj[from], to)
	}
	return adj, rows.Err()
}
