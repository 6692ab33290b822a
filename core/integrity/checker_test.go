package integrity

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	coreerrors "creditnet/core/errors"
	"creditnet/core/types"
	"creditnet/storage"
)

func newChecker(t *testing.T) (*Checker, storage.Store) {
	t.Helper()
	store := storage.NewMemStore()
	checker := NewChecker()
	checker.SetStore(store)
	err := store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.PutEquivalent(&types.Equivalent{Code: "UAH", Precision: 2, Type: types.EquivalentFiat, Active: true})
	})
	require.NoError(t, err)
	return checker, store
}

func seedEdge(t *testing.T, store storage.Store, debtor, creditor string, limit, debt int64) {
	t.Helper()
	err := store.Update(context.Background(), func(tx storage.Tx) error {
		if limit > 0 {
			line := &types.TrustLine{
				From:       debtor,
				To:         creditor,
				Equivalent: "UAH",
				Limit:      big.NewInt(limit),
				Status:     types.TrustLineActive,
				Policy:     types.DefaultTrustLinePolicy(),
			}
			if err := tx.PutTrustLine(line); err != nil {
				return err
			}
		}
		if debt > 0 {
			key := storage.DebtKey{Debtor: debtor, Creditor: creditor, Equivalent: "UAH"}
			return tx.ApplyDebtDelta(key, big.NewInt(debt))
		}
		return nil
	})
	require.NoError(t, err)
}

func isLocked(t *testing.T, store storage.Store) bool {
	t.Helper()
	var locked bool
	err := store.View(context.Background(), func(tx storage.Tx) error {
		eq, err := tx.GetEquivalent("UAH")
		if err != nil {
			return err
		}
		locked = eq.IntegrityLocked
		return nil
	})
	require.NoError(t, err)
	return locked
}

func TestRunFullCleanWritesCheckpoint(t *testing.T) {
	checker, store := newChecker(t)
	seedEdge(t, store, "alice", "bob", 100, 30)
	seedEdge(t, store, "bob", "carol", 100, 50)

	report, err := checker.RunFull(context.Background(), "UAH")
	require.NoError(t, err)
	require.True(t, report.Clean())
	require.NotNil(t, report.Checkpoint)
	require.EqualValues(t, 80, report.Checkpoint.TotalDebt.Int64())
	require.Equal(t, 2, report.Checkpoint.DebtCount)
	require.Equal(t, 3, report.Checkpoint.ParticipantCount)
	require.False(t, isLocked(t, store))

	err = store.View(context.Background(), func(tx storage.Tx) error {
		cp, err := tx.LatestCheckpoint("UAH")
		require.NoError(t, err)
		require.Equal(t, report.Checkpoint.Checksum, cp.Checksum)
		return nil
	})
	require.NoError(t, err)
}

func TestOverLimitDebtLocks(t *testing.T) {
	checker, store := newChecker(t)
	seedEdge(t, store, "alice", "bob", 100, 80)
	// the limit was lowered below the outstanding debt out of band
	err := store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.PutTrustLine(&types.TrustLine{
			From:       "alice",
			To:         "bob",
			Equivalent: "UAH",
			Limit:      big.NewInt(50),
			Status:     types.TrustLineActive,
			Policy:     types.DefaultTrustLinePolicy(),
		})
	})
	require.NoError(t, err)

	report, err := checker.RunFull(context.Background(), "UAH")
	require.NoError(t, err)
	require.False(t, report.Clean())
	require.Equal(t, CheckLimits, report.Violations[0].Check)
	require.Nil(t, report.Checkpoint)
	require.True(t, isLocked(t, store))

	err = store.View(context.Background(), func(tx storage.Tx) error {
		events, err := tx.EventsByTx("")
		require.NoError(t, err)
		found := false
		for _, evt := range events {
			if evt.Type == "integrity.violation" {
				found = true
			}
		}
		require.True(t, found)
		return nil
	})
	require.NoError(t, err)
}

func TestOrphanDebtLocks(t *testing.T) {
	checker, store := newChecker(t)
	// debt with no backing trust line at all
	seedEdge(t, store, "alice", "bob", 0, 40)

	report, err := checker.RunFull(context.Background(), "UAH")
	require.NoError(t, err)
	require.False(t, report.Clean())
	require.Equal(t, CheckLimits, report.Violations[0].Check)
	require.True(t, isLocked(t, store))
}

func TestQuickCheckClean(t *testing.T) {
	checker, store := newChecker(t)
	seedEdge(t, store, "alice", "bob", 100, 30)

	report, err := checker.QuickCheck(context.Background(), "UAH")
	require.NoError(t, err)
	require.True(t, report.Clean())
	// quick check never writes a checkpoint
	require.Nil(t, report.Checkpoint)
}

func TestQuickCheckCatchesOverLimit(t *testing.T) {
	checker, store := newChecker(t)
	seedEdge(t, store, "alice", "bob", 100, 80)
	// the limit dropped below the outstanding debt out of band; the frequent
	// scan must quarantine without waiting for the full audit
	err := store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.PutTrustLine(&types.TrustLine{
			From:       "alice",
			To:         "bob",
			Equivalent: "UAH",
			Limit:      big.NewInt(50),
			Status:     types.TrustLineActive,
			Policy:     types.DefaultTrustLinePolicy(),
		})
	})
	require.NoError(t, err)

	report, err := checker.QuickCheck(context.Background(), "UAH")
	require.NoError(t, err)
	require.False(t, report.Clean())
	require.Equal(t, CheckLimits, report.Violations[0].Check)
	require.True(t, isLocked(t, store))
}

func TestSymmetryCheckClean(t *testing.T) {
	checker, store := newChecker(t)
	seedEdge(t, store, "alice", "bob", 100, 30)

	report, err := checker.SymmetryCheck(context.Background(), "UAH")
	require.NoError(t, err)
	require.True(t, report.Clean())
	require.Nil(t, report.Checkpoint)
	require.False(t, isLocked(t, store))
}

func TestCheckBalanceNetPositions(t *testing.T) {
	// positions cancel pairwise: alice −40, bob +15, carol +25
	debts := []*types.Debt{
		{Debtor: "alice", Creditor: "bob", Equivalent: "UAH", Amount: big.NewInt(40)},
		{Debtor: "bob", Creditor: "carol", Equivalent: "UAH", Amount: big.NewInt(25)},
	}
	require.Empty(t, checkBalance("UAH", debts))
	require.Empty(t, checkBalance("UAH", nil))
}

func TestCheckSymmetryViolations(t *testing.T) {
	debts := []*types.Debt{
		{Debtor: "alice", Creditor: "bob", Equivalent: "UAH", Amount: big.NewInt(40)},
		{Debtor: "bob", Creditor: "alice", Equivalent: "UAH", Amount: big.NewInt(10)},
		{Debtor: "carol", Creditor: "dave", Equivalent: "UAH", Amount: big.NewInt(0)},
	}
	violations := checkSymmetry("UAH", debts)
	require.Len(t, violations, 2)

	checks := map[string]int{}
	for _, v := range violations {
		checks[v.Check]++
	}
	require.Equal(t, 2, checks[CheckSymmetry])
}

func TestChecksumDebts(t *testing.T) {
	a := []*types.Debt{
		{Debtor: "alice", Creditor: "bob", Amount: big.NewInt(40)},
		{Debtor: "bob", Creditor: "carol", Amount: big.NewInt(25)},
	}
	b := []*types.Debt{a[1], a[0]}
	require.Equal(t, ChecksumDebts(a), ChecksumDebts(b))

	changed := []*types.Debt{
		{Debtor: "alice", Creditor: "bob", Amount: big.NewInt(41)},
		a[1],
	}
	require.NotEqual(t, ChecksumDebts(a), ChecksumDebts(changed))
}

func TestVerifyChecksum(t *testing.T) {
	checker, store := newChecker(t)
	seedEdge(t, store, "alice", "bob", 100, 30)

	var expected string
	err := store.View(context.Background(), func(tx storage.Tx) error {
		debts, err := tx.ListDebts("UAH")
		if err != nil {
			return err
		}
		expected = ChecksumDebts(debts)
		return nil
	})
	require.NoError(t, err)

	report, err := checker.VerifyChecksum(context.Background(), "UAH", expected)
	require.NoError(t, err)
	require.True(t, report.Clean())
	require.False(t, isLocked(t, store))

	report, err = checker.VerifyChecksum(context.Background(), "UAH", "deadbeef")
	require.NoError(t, err)
	require.False(t, report.Clean())
	require.Equal(t, CheckChecksum, report.Violations[0].Check)
	require.True(t, isLocked(t, store))
}

func TestUnlockRefusedWhileBroken(t *testing.T) {
	checker, store := newChecker(t)
	seedEdge(t, store, "alice", "bob", 0, 40)
	_, err := checker.RunFull(context.Background(), "UAH")
	require.NoError(t, err)
	require.True(t, isLocked(t, store))

	err = checker.Unlock(context.Background(), "UAH", "operator")
	require.Equal(t, coreerrors.CodeStateConflict, coreerrors.CodeOf(err))
	require.True(t, isLocked(t, store))

	// repair: back the debt with a sufficient line, then unlock
	seedEdge(t, store, "alice", "bob", 100, 0)
	require.NoError(t, checker.Unlock(context.Background(), "UAH", "operator"))
	require.False(t, isLocked(t, store))

	err = store.View(context.Background(), func(tx storage.Tx) error {
		events, err := tx.EventsByTx("")
		require.NoError(t, err)
		found := false
		for _, evt := range events {
			if evt.Type == "integrity.unlocked" && evt.Actor == "operator" {
				found = true
			}
		}
		require.True(t, found)
		return nil
	})
	require.NoError(t, err)
}

func TestTrackerFollowsCommits(t *testing.T) {
	store := storage.NewMemStore()
	tracker := NewTracker()
	tracker.Attach(store)
	err := store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.PutEquivalent(&types.Equivalent{Code: "UAH", Precision: 2, Type: types.EquivalentFiat, Active: true})
	})
	require.NoError(t, err)

	empty := tracker.Digest("UAH")

	apply := func(debtor, creditor string, delta int64) {
		err := store.Update(context.Background(), func(tx storage.Tx) error {
			key := storage.DebtKey{Debtor: debtor, Creditor: creditor, Equivalent: "UAH"}
			return tx.ApplyDebtDelta(key, big.NewInt(delta))
		})
		require.NoError(t, err)
	}

	apply("alice", "bob", 40)
	afterFirst := tracker.Digest("UAH")
	require.NotEqual(t, empty, afterFirst)

	// the running digest matches a full rebuild of the same state
	rebuilt := NewTracker()
	err = store.View(context.Background(), func(tx storage.Tx) error {
		return rebuilt.Rebuild(tx)
	})
	require.NoError(t, err)
	require.Equal(t, afterFirst, rebuilt.Digest("UAH"))

	// netting the row away returns the digest to its empty value
	apply("bob", "alice", 40)
	require.Equal(t, empty, tracker.Digest("UAH"))
}

func TestTrackerDrifted(t *testing.T) {
	tracker := NewTracker()
	tracker.ApplyChangeSet(storage.ChangeSet{Debts: []*types.Debt{
		{Debtor: "alice", Creditor: "bob", Equivalent: "UAH", Amount: big.NewInt(40)},
	}})

	require.False(t, tracker.Drifted("UAH", map[[2]string]string{
		{"alice", "bob"}: "40",
	}))
	require.True(t, tracker.Drifted("UAH", map[[2]string]string{
		{"alice", "bob"}: "41",
	}))
	require.True(t, tracker.Drifted("UAH", nil))
}
