package router

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"time"

	coreerrors "creditnet/core/errors"
	"creditnet/core/graph"
)

const (
	// DefaultMaxHops caps path length; the protocol hard cap is also 6.
	DefaultMaxHops = 6
	// DefaultMaxPaths bounds multi-path splitting.
	DefaultMaxPaths = 3
	// DefaultTimeout bounds the route search.
	DefaultTimeout = 500 * time.Millisecond
	// HardMaxHops is the protocol ceiling regardless of configuration.
	HardMaxHops = 6
)

// Constraints narrow a route search.
type Constraints struct {
	MaxHops  int
	MaxPaths int
	Avoid    map[string]bool
	Timeout  time.Duration
	// MaxFlow switches the search into large-payment mode: Edmonds-Karp
	// max-flow with path decomposition instead of widest-path + spurs.
	MaxFlow bool
}

func (c Constraints) normalized() Constraints {
	out := c
	if out.MaxHops <= 0 {
		out.MaxHops = DefaultMaxHops
	}
	if out.MaxHops > HardMaxHops {
		out.MaxHops = HardMaxHops
	}
	if out.MaxPaths <= 0 {
		out.MaxPaths = DefaultMaxPaths
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	return out
}

// Route is one path with the amount assigned to it.
type Route struct {
	Path   []string
	Amount *big.Int
}

// Router performs pure searches over graph snapshots. It holds no locks and
// touches no storage.
type Router struct{}

// New returns a Router.
func New() *Router { return &Router{} }

// FindRoutes selects up to MaxPaths paths from source to target whose summed
// capacity covers amount, and splits the amount greedily across them
// largest-first. The search is deterministic over a given snapshot.
func (r *Router) FindRoutes(ctx context.Context, snap *graph.Snapshot, source, target string, amount *big.Int, c Constraints) ([]Route, error) {
	c = c.normalized()
	deadline := time.Now().Add(c.Timeout)
	if source == target {
		return nil, coreerrors.New(coreerrors.CodeValidationError, "source and target are the same participant")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, coreerrors.New(coreerrors.CodeValidationError, "amount must be positive")
	}

	if c.MaxFlow {
		return r.maxFlowRoutes(ctx, snap, source, target, amount, c, deadline)
	}

	first := widestPath(snap, source, target, c.MaxHops, nil, nil)
	if first == nil {
		return nil, coreerrors.New(coreerrors.CodeRouteNotFound, "no path from sender to recipient").
			WithDetail("from", source).
			WithDetail("to", target)
	}

	paths := [][]string{first.path}
	residual := newResidual(snap)
	residual.reserve(first.path, residual.bottleneck(first.path))

	for len(paths) < c.MaxPaths {
		if err := checkDeadline(ctx, deadline); err != nil {
			return nil, err
		}
		candidate := r.spurCandidate(snap, residual, paths, source, target, c)
		if candidate == nil {
			break
		}
		paths = append(paths, candidate)
		residual.reserve(candidate, residual.bottleneck(candidate))
	}

	routes, deficit := split(snap, paths, amount)
	if deficit.Sign() > 0 {
		available := new(big.Int).Sub(amount, deficit)
		return nil, coreerrors.New(coreerrors.CodeInsufficientCapacity, "network capacity below requested amount").
			WithDetail("requested", amount.String()).
			WithDetail("available", available.String()).
			WithDetail("deficit", deficit.String())
	}
	return routes, nil
}

// spurCandidate implements the Yen-style alternative search: every spur node
// of the previously accepted path spawns a search that must not reuse the
// omitted edge. The best candidate by residual bottleneck wins.
func (r *Router) spurCandidate(snap *graph.Snapshot, residual *residualCaps, accepted [][]string, source, target string, c Constraints) []string {
	prev := accepted[len(accepted)-1]
	seen := make(map[string]bool, len(accepted))
	for _, p := range accepted {
		seen[pathKey(p)] = true
	}

	var best []string
	var bestBottleneck *big.Int
	for spur := 0; spur < len(prev)-1; spur++ {
		root := prev[:spur+1]
		banned := [2]string{prev[spur], prev[spur+1]}
		exclude := make(map[string]bool, spur)
		for _, node := range root[:len(root)-1] {
			exclude[node] = true
		}
		tail := widestPath(snap, prev[spur], target, c.MaxHops-spur, &banned, exclude)
		if tail == nil {
			continue
		}
		candidate := append(append([]string(nil), root[:len(root)-1]...), tail.path...)
		if seen[pathKey(candidate)] {
			continue
		}
		bottleneck := residual.bottleneck(candidate)
		if bottleneck.Sign() <= 0 {
			continue
		}
		if bestBottleneck == nil || bottleneck.Cmp(bestBottleneck) > 0 ||
			(bottleneck.Cmp(bestBottleneck) == 0 && betterTie(candidate, best)) {
			best = candidate
			bestBottleneck = bottleneck
		}
	}
	return best
}

// split assigns the amount greedily across the chosen paths, largest capacity
// first, against a shared working residual so overlapping edges are not
// double-counted. Returns the routes and the uncovered deficit.
func split(snap *graph.Snapshot, paths [][]string, amount *big.Int) ([]Route, *big.Int) {
	working := newResidual(snap)
	ordered := append([][]string(nil), paths...)
	sort.SliceStable(ordered, func(i, j int) bool {
		ci := working.bottleneck(ordered[i])
		cj := working.bottleneck(ordered[j])
		if cmp := ci.Cmp(cj); cmp != 0 {
			return cmp > 0
		}
		if len(ordered[i]) != len(ordered[j]) {
			return len(ordered[i]) < len(ordered[j])
		}
		return pathKey(ordered[i]) < pathKey(ordered[j])
	})

	remaining := new(big.Int).Set(amount)
	var routes []Route
	for _, path := range ordered {
		if remaining.Sign() == 0 {
			break
		}
		capacity := working.bottleneck(path)
		if capacity.Sign() <= 0 {
			continue
		}
		take := new(big.Int).Set(capacity)
		if take.Cmp(remaining) > 0 {
			take.Set(remaining)
		}
		working.reserve(path, take)
		remaining.Sub(remaining, take)
		routes = append(routes, Route{Path: path, Amount: take})
	}
	return routes, remaining
}

// pathState tracks the best known way to reach a node within a hop budget.
type pathState struct {
	bottleneck *big.Int
	path       []string
}

// better orders states by bottleneck desc, then hop count asc, then
// lexicographic path order. These are the protocol's tie-break rules and the
// source of routing determinism.
func (s *pathState) better(other *pathState) bool {
	if other == nil {
		return true
	}
	if cmp := s.bottleneck.Cmp(other.bottleneck); cmp != 0 {
		return cmp > 0
	}
	if len(s.path) != len(other.path) {
		return len(s.path) < len(other.path)
	}
	return pathKey(s.path) < pathKey(other.path)
}

func betterTie(candidate, incumbent []string) bool {
	if incumbent == nil {
		return true
	}
	if len(candidate) != len(incumbent) {
		return len(candidate) < len(incumbent)
	}
	return pathKey(candidate) < pathKey(incumbent)
}

// widestPath runs a layered relaxation over hop counts: among simple paths of
// length ≤ maxHops it finds the one with maximal bottleneck capacity,
// breaking ties by hop count then lexicographic order.
func widestPath(snap *graph.Snapshot, source, target string, maxHops int, banned *[2]string, exclude map[string]bool) *pathState {
	if maxHops <= 0 {
		return nil
	}
	type nodeKey struct {
		node string
		hops int
	}
	best := map[nodeKey]*pathState{
		{source, 0}: {bottleneck: nil, path: []string{source}},
	}
	frontier := []nodeKey{{source, 0}}

	var result *pathState
	for len(frontier) > 0 {
		var next []nodeKey
		for _, key := range frontier {
			state := best[key]
			if key.hops >= maxHops {
				continue
			}
			for _, n := range snap.Edges[key.node] {
				if exclude != nil && exclude[n.To] {
					continue
				}
				if banned != nil && key.node == banned[0] && n.To == banned[1] {
					continue
				}
				// An intermediary's outgoing edge must permit routed
				// traffic; the sender's own outgoing edges always do.
				if key.node != source && !n.CanIntermediate {
					continue
				}
				if n.Blocked != nil && n.Blocked[source] {
					continue
				}
				if containsNode(state.path, n.To) {
					continue
				}
				bottleneck := new(big.Int).Set(n.Capacity)
				if state.bottleneck != nil && state.bottleneck.Cmp(bottleneck) < 0 {
					bottleneck.Set(state.bottleneck)
				}
				candidate := &pathState{
					bottleneck: bottleneck,
					path:       append(append([]string(nil), state.path...), n.To),
				}
				if n.To == target {
					if result == nil || candidate.better(result) {
						result = candidate
					}
					continue
				}
				nk := nodeKey{n.To, key.hops + 1}
				if existing, ok := best[nk]; !ok || candidate.better(existing) {
					if !ok {
						next = append(next, nk)
					}
					best[nk] = candidate
				}
			}
		}
		sort.Slice(next, func(i, j int) bool {
			if next[i].hops != next[j].hops {
				return next[i].hops < next[j].hops
			}
			return next[i].node < next[j].node
		})
		frontier = next
	}
	return result
}

// residualCaps is a mutable copy of snapshot capacities used while selecting
// and splitting paths.
type residualCaps struct {
	caps map[string]map[string]*big.Int
}

func newResidual(snap *graph.Snapshot) *residualCaps {
	caps := make(map[string]map[string]*big.Int, len(snap.Edges))
	for from, neighbors := range snap.Edges {
		row := make(map[string]*big.Int, len(neighbors))
		for _, n := range neighbors {
			row[n.To] = new(big.Int).Set(n.Capacity)
		}
		caps[from] = row
	}
	return &residualCaps{caps: caps}
}

func (r *residualCaps) capacity(from, to string) *big.Int {
	if row, ok := r.caps[from]; ok {
		if c, ok := row[to]; ok {
			return c
		}
	}
	return big.NewInt(0)
}

func (r *residualCaps) bottleneck(path []string) *big.Int {
	if len(path) < 2 {
		return big.NewInt(0)
	}
	min := new(big.Int).Set(r.capacity(path[0], path[1]))
	for i := 1; i < len(path)-1; i++ {
		c := r.capacity(path[i], path[i+1])
		if c.Cmp(min) < 0 {
			min.Set(c)
		}
	}
	return min
}

func (r *residualCaps) reserve(path []string, amount *big.Int) {
	for i := 0; i < len(path)-1; i++ {
		c := r.capacity(path[i], path[i+1])
		updated := new(big.Int).Sub(c, amount)
		if updated.Sign() < 0 {
			updated.SetInt64(0)
		}
		if row, ok := r.caps[path[i]]; ok {
			row[path[i+1]] = updated
		}
	}
}

func containsNode(path []string, node string) bool {
	for _, p := range path {
		if p == node {
			return true
		}
	}
	return false
}

func pathKey(path []string) string {
	return strings.Join(path, "→")
}

func checkDeadline(ctx context.Context, deadline time.Time) error {
	if err := ctx.Err(); err != nil {
		return coreerrors.Wrap(coreerrors.CodeRoutingTimeout, "route search cancelled", err)
	}
	if time.Now().After(deadline) {
		return coreerrors.New(coreerrors.CodeRoutingTimeout, "route search exceeded its deadline")
	}
	return nil
}

// TotalAmount sums the per-route assignments.
func TotalAmount(routes []Route) *big.Int {
	total := big.NewInt(0)
	for _, r := range routes {
		total.Add(total, r.Amount)
	}
	return total
}

// EdgeDeltas aggregates the per-edge amounts implied by a route set. Shared
// edges across routes accumulate.
func EdgeDeltas(routes []Route) map[[2]string]*big.Int {
	out := make(map[[2]string]*big.Int)
	for _, route := range routes {
		for i := 0; i < len(route.Path)-1; i++ {
			key := [2]string{route.Path[i], route.Path[i+1]}
			if existing, ok := out[key]; ok {
				existing.Add(existing, route.Amount)
			} else {
				out[key] = new(big.Int).Set(route.Amount)
			}
		}
	}
	return out
}
