package clearing

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	coreerrors "creditnet/core/errors"
	"creditnet/core/types"
	"creditnet/storage"
)

type harness struct {
	t      *testing.T
	store  storage.Store
	engine *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, store: storage.NewMemStore(), engine: NewEngine()}
	h.engine.SetStore(h.store)
	err := h.store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.PutEquivalent(&types.Equivalent{Code: "UAH", Precision: 2, Type: types.EquivalentFiat, Active: true})
	})
	require.NoError(t, err)
	return h
}

func (h *harness) addDebt(debtor, creditor string, amount int64) {
	h.t.Helper()
	err := h.store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.ApplyDebtDelta(storage.DebtKey{Debtor: debtor, Creditor: creditor, Equivalent: "UAH"}, big.NewInt(amount))
	})
	require.NoError(h.t, err)
}

func (h *harness) addLine(from, to string, limit int64, auto bool) {
	h.t.Helper()
	policy := types.DefaultTrustLinePolicy()
	policy.AutoClearing = auto
	err := h.store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.PutTrustLine(&types.TrustLine{
			From:       from,
			To:         to,
			Equivalent: "UAH",
			Limit:      big.NewInt(limit),
			Status:     types.TrustLineActive,
			Policy:     policy,
		})
	})
	require.NoError(h.t, err)
}

func (h *harness) debt(debtor, creditor string) int64 {
	h.t.Helper()
	var out int64
	err := h.store.View(context.Background(), func(tx storage.Tx) error {
		d, err := tx.GetDebt(debtor, creditor, "UAH")
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out = d.Amount.Int64()
		return nil
	})
	require.NoError(h.t, err)
	return out
}

// triangle seeds a → b → c → a debts with auto-clearing lines on every edge.
func (h *harness) triangle(ab, bc, ca int64) {
	h.addLine("a", "b", 1000, true)
	h.addLine("b", "c", 1000, true)
	h.addLine("c", "a", 1000, true)
	h.addDebt("a", "b", ab)
	h.addDebt("b", "c", bc)
	h.addDebt("c", "a", ca)
}

func (h *harness) proposalID(state types.TransactionState) string {
	h.t.Helper()
	var id string
	err := h.store.View(context.Background(), func(tx storage.Tx) error {
		records, err := tx.ListTransactionsInState(state)
		require.NoError(h.t, err)
		require.Len(h.t, records, 1)
		id = records[0].ID
		return nil
	})
	require.NoError(h.t, err)
	return id
}

func TestSweepClearsTriangle(t *testing.T) {
	h := newHarness(t)
	h.triangle(100, 80, 60)

	cleared, err := h.engine.Sweep(context.Background(), "UAH", 3)
	require.NoError(t, err)
	require.Equal(t, 1, cleared)

	// bottleneck 60 subtracted from every edge
	require.EqualValues(t, 40, h.debt("a", "b"))
	require.EqualValues(t, 20, h.debt("b", "c"))
	require.EqualValues(t, 0, h.debt("c", "a"))
}

func TestTriggeredClearing(t *testing.T) {
	h := newHarness(t)
	h.triangle(100, 80, 60)

	cleared, err := h.engine.OnDebtCommitted(context.Background(), "UAH", "c", "a")
	require.NoError(t, err)
	require.Equal(t, 1, cleared)
	require.EqualValues(t, 0, h.debt("c", "a"))

	// the edge drained; a second trigger on it finds nothing
	cleared, err = h.engine.OnDebtCommitted(context.Background(), "UAH", "c", "a")
	require.NoError(t, err)
	require.Zero(t, cleared)
}

func TestTriggerRespectsLengthBound(t *testing.T) {
	h := newHarness(t)
	for _, e := range [][2]string{{"a", "b"}, {"b", "c"}, {"c", "d"}, {"d", "e"}, {"e", "a"}} {
		h.addLine(e[0], e[1], 1000, true)
		h.addDebt(e[0], e[1], 50)
	}

	// 5-cycle is beyond a trigger bound of 4
	h.engine.SetBounds(4, 0, "", 0)
	cleared, err := h.engine.OnDebtCommitted(context.Background(), "UAH", "a", "b")
	require.NoError(t, err)
	require.Zero(t, cleared)

	cleared, err = h.engine.Sweep(context.Background(), "UAH", 5)
	require.NoError(t, err)
	require.Equal(t, 1, cleared)
	require.EqualValues(t, 0, h.debt("a", "b"))
}

func TestFourCycleCleared(t *testing.T) {
	h := newHarness(t)
	for _, e := range [][2]string{{"a", "b"}, {"b", "c"}, {"c", "d"}, {"d", "a"}} {
		h.addLine(e[0], e[1], 1000, true)
		h.addDebt(e[0], e[1], 25)
	}
	cleared, err := h.engine.OnDebtCommitted(context.Background(), "UAH", "d", "a")
	require.NoError(t, err)
	require.Equal(t, 1, cleared)
	for _, e := range [][2]string{{"a", "b"}, {"b", "c"}, {"c", "d"}, {"d", "a"}} {
		require.EqualValues(t, 0, h.debt(e[0], e[1]))
	}
}

func TestMinAmountSkips(t *testing.T) {
	h := newHarness(t)
	h.triangle(100, 80, 60)
	h.engine.SetBounds(0, 0, "1.00", 0) // 100 minor units at precision 2

	cleared, err := h.engine.Sweep(context.Background(), "UAH", 3)
	require.NoError(t, err)
	require.Zero(t, cleared)
	require.EqualValues(t, 100, h.debt("a", "b"))

	// a skipped cycle leaves an audit trail
	err = h.store.View(context.Background(), func(tx storage.Tx) error {
		events, err := tx.EventsByTx("")
		require.NoError(t, err)
		found := false
		for _, evt := range events {
			if evt.Type == "clearing.skipped" {
				found = true
			}
		}
		require.True(t, found)
		return nil
	})
	require.NoError(t, err)
}

func TestIntegrityLockedSkips(t *testing.T) {
	h := newHarness(t)
	h.triangle(100, 80, 60)
	err := h.store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.PutEquivalent(&types.Equivalent{Code: "UAH", Precision: 2, Type: types.EquivalentFiat, Active: true, IntegrityLocked: true})
	})
	require.NoError(t, err)

	cleared, err := h.engine.Sweep(context.Background(), "UAH", 3)
	require.NoError(t, err)
	require.Zero(t, cleared)
	require.EqualValues(t, 100, h.debt("a", "b"))
}

func TestConsentProposalAndAccept(t *testing.T) {
	h := newHarness(t)
	h.triangle(100, 80, 60)
	// one creditor opted out of automatic offsets
	h.addLine("c", "a", 1000, false)

	cleared, err := h.engine.Sweep(context.Background(), "UAH", 3)
	require.NoError(t, err)
	require.Zero(t, cleared)
	require.EqualValues(t, 100, h.debt("a", "b"))

	txID := h.proposalID(types.TxStateProposed)

	done, err := h.engine.Accept(context.Background(), txID, "a")
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, types.TxStateWaiting, h.txState(txID))

	done, err = h.engine.Accept(context.Background(), txID, "b")
	require.NoError(t, err)
	require.False(t, done)

	done, err = h.engine.Accept(context.Background(), txID, "c")
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, types.TxStateCommitted, h.txState(txID))
	require.EqualValues(t, 40, h.debt("a", "b"))
	require.EqualValues(t, 0, h.debt("c", "a"))
}

func TestConsentOutsiderRejected(t *testing.T) {
	h := newHarness(t)
	h.triangle(100, 80, 60)
	h.addLine("c", "a", 1000, false)
	_, err := h.engine.Sweep(context.Background(), "UAH", 3)
	require.NoError(t, err)
	txID := h.proposalID(types.TxStateProposed)

	_, err = h.engine.Accept(context.Background(), txID, "mallory")
	require.Equal(t, coreerrors.CodeUnauthorized, coreerrors.CodeOf(err))
}

func TestConsentReject(t *testing.T) {
	h := newHarness(t)
	h.triangle(100, 80, 60)
	h.addLine("c", "a", 1000, false)
	_, err := h.engine.Sweep(context.Background(), "UAH", 3)
	require.NoError(t, err)
	txID := h.proposalID(types.TxStateProposed)

	require.NoError(t, h.engine.Reject(context.Background(), txID, "b"))
	require.Equal(t, types.TxStateRejected, h.txState(txID))
	require.EqualValues(t, 100, h.debt("a", "b"))

	// the ballot is closed
	_, err = h.engine.Accept(context.Background(), txID, "a")
	require.Equal(t, coreerrors.CodeStateConflict, coreerrors.CodeOf(err))
}

func TestConsentExpiry(t *testing.T) {
	h := newHarness(t)
	h.triangle(100, 80, 60)
	h.addLine("c", "a", 1000, false)

	now := time.Now().UTC()
	h.engine.SetNowFunc(func() time.Time { return now })
	_, err := h.engine.Sweep(context.Background(), "UAH", 3)
	require.NoError(t, err)
	txID := h.proposalID(types.TxStateProposed)

	h.engine.SetNowFunc(func() time.Time { return now.Add(2 * DefaultConsentTimeout) })
	expired, err := h.engine.ExpireConsents(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, expired)
	require.Equal(t, types.TxStateAborted, h.txState(txID))
	require.EqualValues(t, 100, h.debt("a", "b"))
}

func TestAcceptCapsAtCurrentBottleneck(t *testing.T) {
	h := newHarness(t)
	h.triangle(100, 80, 60)
	h.addLine("c", "a", 1000, false)
	_, err := h.engine.Sweep(context.Background(), "UAH", 3)
	require.NoError(t, err)
	txID := h.proposalID(types.TxStateProposed)

	// the bottleneck edge shrank while the ballot was open
	err = h.store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.ApplyDebtDelta(storage.DebtKey{Debtor: "c", Creditor: "a", Equivalent: "UAH"}, big.NewInt(-20))
	})
	require.NoError(t, err)

	for _, pid := range []string{"a", "b", "c"} {
		_, err = h.engine.Accept(context.Background(), txID, pid)
		require.NoError(t, err)
	}
	require.EqualValues(t, 0, h.debt("c", "a"))
	require.EqualValues(t, 60, h.debt("a", "b"))
	require.EqualValues(t, 40, h.debt("b", "c"))
}

func TestCanonicalCycleKey(t *testing.T) {
	a := Cycle{Equivalent: "UAH", Nodes: canonical([]string{"c", "a", "b"})}
	b := Cycle{Equivalent: "UAH", Nodes: canonical([]string{"a", "b", "c"})}
	require.Equal(t, a.Key(), b.Key())

	// rotation preserved, not sorted
	c := Cycle{Equivalent: "UAH", Nodes: canonical([]string{"b", "a", "c"})}
	require.NotEqual(t, a.Key(), c.Key())
}

func (h *harness) txState(txID string) types.TransactionState {
	h.t.Helper()
	var state types.TransactionState
	err := h.store.View(context.Background(), func(tx storage.Tx) error {
		record, err := tx.GetTransaction(txID)
		if err != nil {
			return err
		}
		state = record.State
		return nil
	})
	require.NoError(h.t, err)
	return state
}
