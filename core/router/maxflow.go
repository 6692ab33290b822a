package router

import (
	"context"
	"math/big"
	"sort"
	"time"

	coreerrors "creditnet/core/errors"
	"creditnet/core/graph"
)

// maxFlowRoutes implements large-payment mode: Edmonds-Karp max-flow capped
// at the requested amount, followed by DFS decomposition of the flow into
// simple paths. Augmenting paths longer than the hop cap are never taken
// because BFS augments shortest-first and the search stops at the cap.
func (r *Router) maxFlowRoutes(ctx context.Context, snap *graph.Snapshot, source, target string, amount *big.Int, c Constraints, deadline time.Time) ([]Route, error) {
	caps := make(map[string]map[string]*big.Int)
	nodes := map[string]bool{source: true, target: true}
	for from, neighbors := range snap.Edges {
		for _, n := range neighbors {
			if from != source && !n.CanIntermediate {
				continue
			}
			if n.Blocked != nil && n.Blocked[source] {
				continue
			}
			row := caps[from]
			if row == nil {
				row = make(map[string]*big.Int)
				caps[from] = row
			}
			row[n.To] = new(big.Int).Set(n.Capacity)
			nodes[from] = true
			nodes[n.To] = true
		}
	}

	flow := make(map[string]map[string]*big.Int)
	addFlow := func(from, to string, amt *big.Int) {
		row := flow[from]
		if row == nil {
			row = make(map[string]*big.Int)
			flow[from] = row
		}
		if existing, ok := row[to]; ok {
			existing.Add(existing, amt)
		} else {
			row[to] = new(big.Int).Set(amt)
		}
	}
	residual := func(from, to string) *big.Int {
		out := big.NewInt(0)
		if row, ok := caps[from]; ok {
			if cap, ok := row[to]; ok {
				out.Add(out, cap)
			}
		}
		if row, ok := flow[from]; ok {
			if f, ok := row[to]; ok {
				out.Sub(out, f)
			}
		}
		if row, ok := flow[to]; ok {
			if f, ok := row[from]; ok {
				out.Add(out, f)
			}
		}
		return out
	}

	sortedNodes := make([]string, 0, len(nodes))
	for node := range nodes {
		sortedNodes = append(sortedNodes, node)
	}
	sort.Strings(sortedNodes)

	pushed := big.NewInt(0)
	for pushed.Cmp(amount) < 0 {
		if err := checkDeadline(ctx, deadline); err != nil {
			return nil, err
		}
		// BFS for the shortest augmenting path in the residual graph.
		parent := map[string]string{source: source}
		queue := []string{source}
		depth := map[string]int{source: 0}
		found := false
		for len(queue) > 0 && !found {
			node := queue[0]
			queue = queue[1:]
			if depth[node] >= c.MaxHops {
				continue
			}
			for _, next := range sortedNodes {
				if _, visited := parent[next]; visited {
					continue
				}
				if residual(node, next).Sign() <= 0 {
					continue
				}
				parent[next] = node
				depth[next] = depth[node] + 1
				if next == target {
					found = true
					break
				}
				queue = append(queue, next)
			}
		}
		if !found {
			break
		}
		// Bottleneck along the augmenting path, capped at what is still
		// needed.
		bottleneck := new(big.Int).Sub(amount, pushed)
		for node := target; node != source; node = parent[node] {
			res := residual(parent[node], node)
			if res.Cmp(bottleneck) < 0 {
				bottleneck.Set(res)
			}
		}
		for node := target; node != source; node = parent[node] {
			addFlow(parent[node], node, bottleneck)
		}
		pushed.Add(pushed, bottleneck)
	}

	if pushed.Sign() == 0 {
		return nil, coreerrors.New(coreerrors.CodeRouteNotFound, "no path from sender to recipient").
			WithDetail("from", source).
			WithDetail("to", target)
	}
	if pushed.Cmp(amount) < 0 {
		deficit := new(big.Int).Sub(amount, pushed)
		return nil, coreerrors.New(coreerrors.CodeInsufficientCapacity, "network capacity below requested amount").
			WithDetail("requested", amount.String()).
			WithDetail("available", pushed.String()).
			WithDetail("deficit", deficit.String())
	}
	return decomposeFlow(caps, flow, source, target)
}

// decomposeFlow extracts simple paths from a feasible flow via DFS, always
// taking the lexicographically smallest outgoing edge with remaining flow.
func decomposeFlow(caps, flow map[string]map[string]*big.Int, source, target string) ([]Route, error) {
	// net forward flow only
	remaining := make(map[string]map[string]*big.Int)
	for from, row := range flow {
		for to, f := range row {
			if _, isEdge := caps[from][to]; !isEdge {
				continue
			}
			net := new(big.Int).Set(f)
			if back, ok := flow[to]; ok {
				if b, ok := back[from]; ok {
					net.Sub(net, b)
				}
			}
			if net.Sign() <= 0 {
				continue
			}
			r := remaining[from]
			if r == nil {
				r = make(map[string]*big.Int)
				remaining[from] = r
			}
			r[to] = net
		}
	}

	var routes []Route
	for {
		path := []string{source}
		index := map[string]int{source: 0}
		node := source
		cancelled := false
		for node != target {
			row := remaining[node]
			next := ""
			for to, amt := range row {
				if amt.Sign() <= 0 {
					continue
				}
				if next == "" || to < next {
					next = to
				}
			}
			if next == "" {
				break
			}
			if at, ok := index[next]; ok {
				// A flow cycle carries no source→target value; cancel it so
				// the walk terminates even on degenerate flows.
				cancelCycle(remaining, append(path[at:], next))
				cancelled = true
				break
			}
			index[next] = len(path)
			path = append(path, next)
			node = next
		}
		if cancelled {
			continue
		}
		if node != target {
			break
		}
		bottleneck := new(big.Int).Set(remaining[path[0]][path[1]])
		for i := 1; i < len(path)-1; i++ {
			amt := remaining[path[i]][path[i+1]]
			if amt.Cmp(bottleneck) < 0 {
				bottleneck.Set(amt)
			}
		}
		for i := 0; i < len(path)-1; i++ {
			remaining[path[i]][path[i+1]].Sub(remaining[path[i]][path[i+1]], bottleneck)
		}
		routes = append(routes, Route{Path: path, Amount: bottleneck})
	}
	sort.SliceStable(routes, func(i, j int) bool {
		if cmp := routes[i].Amount.Cmp(routes[j].Amount); cmp != 0 {
			return cmp > 0
		}
		return pathKey(routes[i].Path) < pathKey(routes[j].Path)
	})
	return routes, nil
}

// cancelCycle subtracts the cycle's bottleneck from every edge on it, zeroing
// at least one edge. nodes holds the closed walk: the last entry repeats the
// first.
func cancelCycle(remaining map[string]map[string]*big.Int, nodes []string) {
	bottleneck := new(big.Int).Set(remaining[nodes[0]][nodes[1]])
	for i := 1; i < len(nodes)-1; i++ {
		amt := remaining[nodes[i]][nodes[i+1]]
		if amt.Cmp(bottleneck) < 0 {
			bottleneck.Set(amt)
		}
	}
	for i := 0; i < len(nodes)-1; i++ {
		remaining[nodes[i]][nodes[i+1]].Sub(remaining[nodes[i]][nodes[i+1]], bottleneck)
	}
}
