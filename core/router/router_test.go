package router

import (
	"context"
	"math/big"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	coreerrors "creditnet/core/errors"
	"creditnet/core/graph"
)

type edge struct {
	from, to string
	capacity int64
}

func buildSnapshot(edges ...edge) *graph.Snapshot {
	snap := &graph.Snapshot{Equivalent: "UAH", Edges: make(map[string][]graph.Neighbor)}
	for _, e := range edges {
		snap.Edges[e.from] = append(snap.Edges[e.from], graph.Neighbor{
			To:              e.to,
			Capacity:        big.NewInt(e.capacity),
			CanIntermediate: true,
		})
	}
	for from := range snap.Edges {
		neighbors := snap.Edges[from]
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].To < neighbors[j].To })
	}
	return snap
}

func findRoutes(t *testing.T, snap *graph.Snapshot, from, to string, amount int64, c Constraints) []Route {
	t.Helper()
	routes, err := New().FindRoutes(context.Background(), snap, from, to, big.NewInt(amount), c)
	require.NoError(t, err)
	return routes
}

func TestDirectPath(t *testing.T) {
	snap := buildSnapshot(edge{"alice", "bob", 100})
	routes := findRoutes(t, snap, "alice", "bob", 30, Constraints{})
	require.Len(t, routes, 1)
	require.Equal(t, []string{"alice", "bob"}, routes[0].Path)
	require.EqualValues(t, 30, routes[0].Amount.Int64())
}

func TestWidestPathPreferred(t *testing.T) {
	// two disjoint 2-hop paths: through carol the bottleneck is 80,
	// through dave it is 20
	snap := buildSnapshot(
		edge{"alice", "carol", 90},
		edge{"carol", "bob", 80},
		edge{"alice", "dave", 20},
		edge{"dave", "bob", 90},
	)
	routes := findRoutes(t, snap, "alice", "bob", 50, Constraints{})
	require.Len(t, routes, 1)
	require.Equal(t, []string{"alice", "carol", "bob"}, routes[0].Path)
}

func TestShorterPathWinsOnTie(t *testing.T) {
	snap := buildSnapshot(
		edge{"alice", "bob", 50},
		edge{"alice", "carol", 50},
		edge{"carol", "bob", 50},
	)
	routes := findRoutes(t, snap, "alice", "bob", 50, Constraints{})
	require.Len(t, routes, 1)
	require.Equal(t, []string{"alice", "bob"}, routes[0].Path)
}

func TestSplitAcrossPaths(t *testing.T) {
	// neither path alone covers 100
	snap := buildSnapshot(
		edge{"alice", "carol", 60},
		edge{"carol", "bob", 60},
		edge{"alice", "dave", 50},
		edge{"dave", "bob", 50},
	)
	routes := findRoutes(t, snap, "alice", "bob", 100, Constraints{})
	require.Len(t, routes, 2)
	require.Equal(t, []string{"alice", "carol", "bob"}, routes[0].Path)
	require.EqualValues(t, 60, routes[0].Amount.Int64())
	require.Equal(t, []string{"alice", "dave", "bob"}, routes[1].Path)
	require.EqualValues(t, 40, routes[1].Amount.Int64())
	require.EqualValues(t, 100, TotalAmount(routes).Int64())
}

func TestInsufficientCapacityDetails(t *testing.T) {
	snap := buildSnapshot(
		edge{"alice", "carol", 60},
		edge{"carol", "bob", 60},
	)
	_, err := New().FindRoutes(context.Background(), snap, "alice", "bob", big.NewInt(100), Constraints{})
	require.Equal(t, coreerrors.CodeInsufficientCapacity, coreerrors.CodeOf(err))

	var coded *coreerrors.Error
	require.ErrorAs(t, err, &coded)
	require.Equal(t, "100", coded.Details["requested"])
	require.Equal(t, "60", coded.Details["available"])
	require.Equal(t, "40", coded.Details["deficit"])
}

func TestRouteNotFound(t *testing.T) {
	snap := buildSnapshot(edge{"alice", "carol", 60})
	_, err := New().FindRoutes(context.Background(), snap, "alice", "bob", big.NewInt(10), Constraints{})
	require.Equal(t, coreerrors.CodeRouteNotFound, coreerrors.CodeOf(err))
}

func TestIntermediaryPolicy(t *testing.T) {
	snap := buildSnapshot(
		edge{"alice", "carol", 100},
		edge{"carol", "bob", 100},
	)
	// carol's outgoing edge refuses routed traffic
	snap.Edges["carol"][0].CanIntermediate = false
	_, err := New().FindRoutes(context.Background(), snap, "alice", "bob", big.NewInt(10), Constraints{})
	require.Equal(t, coreerrors.CodeRouteNotFound, coreerrors.CodeOf(err))

	// the same flag on the sender's own edge is ignored
	direct := buildSnapshot(edge{"alice", "bob", 100})
	direct.Edges["alice"][0].CanIntermediate = false
	routes := findRoutes(t, direct, "alice", "bob", 10, Constraints{})
	require.Len(t, routes, 1)
}

func TestBlockedSender(t *testing.T) {
	snap := buildSnapshot(
		edge{"alice", "carol", 100},
		edge{"carol", "bob", 100},
	)
	snap.Edges["carol"][0].Blocked = map[string]bool{"alice": true}
	_, err := New().FindRoutes(context.Background(), snap, "alice", "bob", big.NewInt(10), Constraints{})
	require.Equal(t, coreerrors.CodeRouteNotFound, coreerrors.CodeOf(err))
}

func TestMaxHopsBound(t *testing.T) {
	snap := buildSnapshot(
		edge{"a", "b", 100},
		edge{"b", "c", 100},
		edge{"c", "d", 100},
		edge{"d", "e", 100},
	)
	_, err := New().FindRoutes(context.Background(), snap, "a", "e", big.NewInt(10), Constraints{MaxHops: 3})
	require.Equal(t, coreerrors.CodeRouteNotFound, coreerrors.CodeOf(err))

	routes := findRoutes(t, snap, "a", "e", 10, Constraints{MaxHops: 4})
	require.Len(t, routes, 1)
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, routes[0].Path)
}

func TestSharedEdgeNotDoubleCounted(t *testing.T) {
	// both 3-hop paths funnel through the carol→bob edge of capacity 50
	snap := buildSnapshot(
		edge{"alice", "carol", 100},
		edge{"alice", "dave", 100},
		edge{"dave", "carol", 100},
		edge{"carol", "bob", 50},
	)
	_, err := New().FindRoutes(context.Background(), snap, "alice", "bob", big.NewInt(80), Constraints{})
	require.Equal(t, coreerrors.CodeInsufficientCapacity, coreerrors.CodeOf(err))

	routes := findRoutes(t, snap, "alice", "bob", 50, Constraints{})
	require.EqualValues(t, 50, TotalAmount(routes).Int64())
}

func TestMaxFlowMode(t *testing.T) {
	// diamond where full coverage of 100 needs both sides
	snap := buildSnapshot(
		edge{"alice", "carol", 60},
		edge{"carol", "bob", 60},
		edge{"alice", "dave", 40},
		edge{"dave", "bob", 40},
	)
	routes := findRoutes(t, snap, "alice", "bob", 100, Constraints{MaxFlow: true})
	require.EqualValues(t, 100, TotalAmount(routes).Int64())
	for _, r := range routes {
		require.GreaterOrEqual(t, len(r.Path), 2)
		require.Equal(t, "alice", r.Path[0])
		require.Equal(t, "bob", r.Path[len(r.Path)-1])
	}

	_, err := New().FindRoutes(context.Background(), snap, "alice", "bob", big.NewInt(150), Constraints{MaxFlow: true})
	require.Equal(t, coreerrors.CodeInsufficientCapacity, coreerrors.CodeOf(err))
}

func TestDeterministicRoutes(t *testing.T) {
	snap := buildSnapshot(
		edge{"alice", "carol", 60},
		edge{"carol", "bob", 60},
		edge{"alice", "dave", 60},
		edge{"dave", "bob", 60},
		edge{"alice", "erin", 60},
		edge{"erin", "bob", 60},
	)
	first := findRoutes(t, snap, "alice", "bob", 150, Constraints{})
	for i := 0; i < 5; i++ {
		again := findRoutes(t, snap, "alice", "bob", 150, Constraints{})
		require.Equal(t, first, again)
	}
}

func TestEdgeDeltasAccumulate(t *testing.T) {
	routes := []Route{
		{Path: []string{"a", "b", "c"}, Amount: big.NewInt(30)},
		{Path: []string{"a", "b", "d", "c"}, Amount: big.NewInt(20)},
	}
	deltas := EdgeDeltas(routes)
	require.EqualValues(t, 50, deltas[[2]string{"a", "b"}].Int64())
	require.EqualValues(t, 30, deltas[[2]string{"b", "c"}].Int64())
	require.EqualValues(t, 20, deltas[[2]string{"b", "d"}].Int64())
}

func TestRejectsInvalidRequests(t *testing.T) {
	snap := buildSnapshot(edge{"alice", "bob", 100})
	_, err := New().FindRoutes(context.Background(), snap, "alice", "alice", big.NewInt(10), Constraints{})
	require.Equal(t, coreerrors.CodeValidationError, coreerrors.CodeOf(err))

	_, err = New().FindRoutes(context.Background(), snap, "alice", "bob", big.NewInt(0), Constraints{})
	require.Equal(t, coreerrors.CodeValidationError, coreerrors.CodeOf(err))
}

func TestDecomposeFlowCancelsCycles(t *testing.T) {
	mk := func(pairs map[[2]string]int64) map[string]map[string]*big.Int {
		out := make(map[string]map[string]*big.Int)
		for e, amt := range pairs {
			row := out[e[0]]
			if row == nil {
				row = make(map[string]*big.Int)
				out[e[0]] = row
			}
			row[e[1]] = big.NewInt(amt)
		}
		return out
	}
	// a feasible source→target flow of 10 plus a flow cycle carol→adam→ben→carol
	// that carries no end-to-end value; the walk enters the cycle first (adam
	// sorts before bob), must cancel it and terminate with only the real path
	edges := map[[2]string]int64{
		{"alice", "carol"}: 10,
		{"carol", "bob"}:   10,
		{"carol", "adam"}:  5,
		{"adam", "ben"}:    5,
		{"ben", "carol"}:   5,
	}
	routes, err := decomposeFlow(mk(edges), mk(edges), "alice", "bob")
	require.NoError(t, err)
	require.Len(t, routes, 1)
	require.Equal(t, []string{"alice", "carol", "bob"}, routes[0].Path)
	require.EqualValues(t, 10, routes[0].Amount.Int64())
}
