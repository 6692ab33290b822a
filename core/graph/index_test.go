package graph

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"creditnet/core/types"
	"creditnet/storage"
)

func lineChange(from, to string, limit int64, opts ...func(*types.TrustLine)) *types.TrustLine {
	line := &types.TrustLine{
		From:       from,
		To:         to,
		Equivalent: "UAH",
		Limit:      big.NewInt(limit),
		Status:     types.TrustLineActive,
		Policy:     types.DefaultTrustLinePolicy(),
	}
	for _, opt := range opts {
		opt(line)
	}
	return line
}

func TestApplyChangeSetTracksCapacity(t *testing.T) {
	x := NewIndex()
	x.ApplyChangeSet(storage.ChangeSet{
		TrustLines: []*types.TrustLine{lineChange("alice", "bob", 100)},
	})
	require.EqualValues(t, 100, x.AvailableCredit("UAH", "alice", "bob").Int64())

	x.ApplyChangeSet(storage.ChangeSet{
		Debts: []*types.Debt{{Debtor: "alice", Creditor: "bob", Equivalent: "UAH", Amount: big.NewInt(30)}},
	})
	require.EqualValues(t, 70, x.AvailableCredit("UAH", "alice", "bob").Int64())

	// debt rows are absolute values, not deltas
	x.ApplyChangeSet(storage.ChangeSet{
		Debts: []*types.Debt{{Debtor: "alice", Creditor: "bob", Equivalent: "UAH", Amount: big.NewInt(10)}},
	})
	require.EqualValues(t, 90, x.AvailableCredit("UAH", "alice", "bob").Int64())
}

func TestInactiveEdgeHasNoCredit(t *testing.T) {
	x := NewIndex()
	x.ApplyChangeSet(storage.ChangeSet{
		TrustLines: []*types.TrustLine{lineChange("alice", "bob", 100, func(l *types.TrustLine) {
			l.Status = types.TrustLineFrozen
		})},
	})
	require.Zero(t, x.AvailableCredit("UAH", "alice", "bob").Sign())
	require.Empty(t, x.Snapshot("UAH", nil).Edges)
}

func TestReserveRelease(t *testing.T) {
	x := NewIndex()
	x.ApplyChangeSet(storage.ChangeSet{
		TrustLines: []*types.TrustLine{lineChange("alice", "bob", 100)},
	})

	x.Reserve("UAH", "alice", "bob", big.NewInt(60))
	require.EqualValues(t, 40, x.AvailableCredit("UAH", "alice", "bob").Int64())

	// over-reserved edges report zero, never negative, credit
	x.Reserve("UAH", "alice", "bob", big.NewInt(60))
	require.Zero(t, x.AvailableCredit("UAH", "alice", "bob").Sign())

	x.Release("UAH", "alice", "bob", big.NewInt(120))
	require.EqualValues(t, 100, x.AvailableCredit("UAH", "alice", "bob").Int64())

	// releasing an unknown edge is a no-op
	x.Release("UAH", "nobody", "bob", big.NewInt(5))
}

func TestSnapshotDeterministicAndFiltered(t *testing.T) {
	x := NewIndex()
	x.ApplyChangeSet(storage.ChangeSet{
		TrustLines: []*types.TrustLine{
			lineChange("alice", "carol", 50),
			lineChange("alice", "bob", 100),
			lineChange("alice", "dave", 25),
			lineChange("bob", "carol", 80),
		},
	})
	// saturated edge drops out of the snapshot
	x.ApplyChangeSet(storage.ChangeSet{
		Debts: []*types.Debt{{Debtor: "alice", Creditor: "dave", Equivalent: "UAH", Amount: big.NewInt(25)}},
	})

	snap := x.Snapshot("UAH", nil)
	require.Len(t, snap.Edges["alice"], 2)
	require.Equal(t, "bob", snap.Edges["alice"][0].To)
	require.Equal(t, "carol", snap.Edges["alice"][1].To)
	require.EqualValues(t, 80, snap.Capacity("bob", "carol").Int64())
	require.Zero(t, snap.Capacity("alice", "dave").Sign())

	avoided := x.Snapshot("UAH", map[string]bool{"carol": true})
	require.Len(t, avoided.Edges["alice"], 1)
	require.Equal(t, "bob", avoided.Edges["alice"][0].To)
	_, ok := avoided.Edges["bob"]
	require.False(t, ok)

	// mutating a snapshot capacity must not leak into the index
	snap.Edges["alice"][0].Capacity.SetInt64(1)
	require.EqualValues(t, 100, x.AvailableCredit("UAH", "alice", "bob").Int64())
}

func TestSnapshotCarriesPolicy(t *testing.T) {
	x := NewIndex()
	x.ApplyChangeSet(storage.ChangeSet{
		TrustLines: []*types.TrustLine{lineChange("alice", "bob", 100, func(l *types.TrustLine) {
			l.Policy.CanBeIntermediate = false
			l.Policy.Blocked = map[string]bool{"mallory": true}
		})},
	})
	n, ok := x.Snapshot("UAH", nil).Neighbor("alice", "bob")
	require.True(t, ok)
	require.False(t, n.CanIntermediate)
	require.True(t, n.Blocked["mallory"])
}
