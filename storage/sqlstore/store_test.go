package sqlstore

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"creditnet/core/types"
	"creditnet/storage"
)

// openStore opens a throwaway sqlite database. A file DSN rather than
// ":memory:" so every pooled connection sees the same database.
func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "creditnet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedEquivalent(t *testing.T, s storage.Store, code string) {
	t.Helper()
	err := s.Update(context.Background(), func(tx storage.Tx) error {
		return tx.PutEquivalent(&types.Equivalent{Code: code, Precision: 2, Type: types.EquivalentFiat, Active: true})
	})
	require.NoError(t, err)
}

func applyDelta(t *testing.T, s storage.Store, debtor, creditor string, delta int64) {
	t.Helper()
	err := s.Update(context.Background(), func(tx storage.Tx) error {
		return tx.ApplyDebtDelta(storage.DebtKey{Debtor: debtor, Creditor: creditor, Equivalent: "UAH"}, big.NewInt(delta))
	})
	require.NoError(t, err)
}

func debtAmount(t *testing.T, s storage.Store, debtor, creditor string) int64 {
	t.Helper()
	var out int64 = -1
	err := s.View(context.Background(), func(tx storage.Tx) error {
		debt, err := tx.GetDebt(debtor, creditor, "UAH")
		if errors.Is(err, storage.ErrNotFound) {
			out = 0
			return nil
		}
		if err != nil {
			return err
		}
		out = debt.Amount.Int64()
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestOpenMigratesAndRoundTrips(t *testing.T) {
	s := openStore(t)
	seedEquivalent(t, s, "UAH")

	err := s.Update(context.Background(), func(tx storage.Tx) error {
		return tx.PutParticipant(&types.Participant{
			PID:    "alice",
			Status: types.ParticipantActive,
		})
	})
	require.NoError(t, err)

	err = s.View(context.Background(), func(tx storage.Tx) error {
		p, err := tx.GetParticipant("alice")
		require.NoError(t, err)
		require.Equal(t, types.ParticipantActive, p.Status)

		eq, err := tx.GetEquivalent("UAH")
		require.NoError(t, err)
		require.Equal(t, uint8(2), eq.Precision)
		return nil
	})
	require.NoError(t, err)
}

func TestNotFoundMapping(t *testing.T) {
	s := openStore(t)
	err := s.View(context.Background(), func(tx storage.Tx) error {
		_, err := tx.GetParticipant("nobody")
		require.ErrorIs(t, err, storage.ErrNotFound)

		_, err = tx.GetTrustLine("a", "b", "UAH")
		require.ErrorIs(t, err, storage.ErrNotFound)

		_, err = tx.GetTransaction("tx-404")
		require.ErrorIs(t, err, storage.ErrNotFound)

		_, err = tx.LatestCheckpoint("UAH")
		require.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestApplyDebtDeltaNetsCounterDebt(t *testing.T) {
	s := openStore(t)
	seedEquivalent(t, s, "UAH")

	applyDelta(t, s, "alice", "bob", 100)
	require.EqualValues(t, 100, debtAmount(t, s, "alice", "bob"))

	applyDelta(t, s, "bob", "alice", 30)
	require.EqualValues(t, 70, debtAmount(t, s, "alice", "bob"))
	require.EqualValues(t, 0, debtAmount(t, s, "bob", "alice"))

	// netting past zero flips the direction and deletes the old row
	applyDelta(t, s, "bob", "alice", 100)
	require.EqualValues(t, 0, debtAmount(t, s, "alice", "bob"))
	require.EqualValues(t, 30, debtAmount(t, s, "bob", "alice"))

	err := s.View(context.Background(), func(tx storage.Tx) error {
		debts, err := tx.ListDebts("UAH")
		require.NoError(t, err)
		require.Len(t, debts, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestApplyDebtDeltaNegative(t *testing.T) {
	s := openStore(t)
	seedEquivalent(t, s, "UAH")
	applyDelta(t, s, "alice", "bob", 100)
	applyDelta(t, s, "alice", "bob", -40)
	require.EqualValues(t, 60, debtAmount(t, s, "alice", "bob"))
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s := openStore(t)
	seedEquivalent(t, s, "UAH")

	boom := errors.New("boom")
	err := s.Update(context.Background(), func(tx storage.Tx) error {
		if err := tx.ApplyDebtDelta(storage.DebtKey{Debtor: "alice", Creditor: "bob", Equivalent: "UAH"}, big.NewInt(100)); err != nil {
			return err
		}
		if err := tx.AppendEvent(&types.Event{ID: "e1", Type: "payment.committed", TxID: "tx-1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.EqualValues(t, 0, debtAmount(t, s, "alice", "bob"))

	err = s.View(context.Background(), func(tx storage.Tx) error {
		events, err := tx.EventsByTx("tx-1")
		require.NoError(t, err)
		require.Empty(t, events)
		return nil
	})
	require.NoError(t, err)
}

func TestViewRejectsWrites(t *testing.T) {
	s := openStore(t)
	err := s.View(context.Background(), func(tx storage.Tx) error {
		return tx.PutEquivalent(&types.Equivalent{Code: "UAH"})
	})
	require.Error(t, err)
}

func TestIdempotencyKeyConflict(t *testing.T) {
	s := openStore(t)
	put := func(id, key string) error {
		return s.Update(context.Background(), func(tx storage.Tx) error {
			return tx.PutTransaction(&types.Transaction{
				ID:             id,
				Type:           types.TxPayment,
				State:          types.TxStateNew,
				IdempotencyKey: key,
			})
		})
	}
	require.NoError(t, put("tx-1", "key-1"))
	require.ErrorIs(t, put("tx-2", "key-1"), storage.ErrIdempotencyConflict)
	require.ErrorIs(t, put("tx-1", ""), storage.ErrConflict)

	err := s.View(context.Background(), func(tx storage.Tx) error {
		found, err := tx.GetTransactionByIdempotencyKey("key-1")
		require.NoError(t, err)
		require.Equal(t, "tx-1", found.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestSetTransactionStateEnforcesMachine(t *testing.T) {
	s := openStore(t)
	err := s.Update(context.Background(), func(tx storage.Tx) error {
		return tx.PutTransaction(&types.Transaction{ID: "tx-1", Type: types.TxPayment, State: types.TxStateNew})
	})
	require.NoError(t, err)

	err = s.Update(context.Background(), func(tx storage.Tx) error {
		return tx.SetTransactionState("tx-1", types.TxStateCommitted)
	})
	require.ErrorIs(t, err, storage.ErrInvalidTransition)

	err = s.Update(context.Background(), func(tx storage.Tx) error {
		for _, state := range []types.TransactionState{
			types.TxStateRouted, types.TxStatePreparing, types.TxStatePrepared, types.TxStateCommitted,
		} {
			if err := tx.SetTransactionState("tx-1", state); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = s.View(context.Background(), func(tx storage.Tx) error {
		record, err := tx.GetTransaction("tx-1")
		require.NoError(t, err)
		require.Equal(t, types.TxStateCommitted, record.State)
		return nil
	})
	require.NoError(t, err)
}

func TestPrepareLocksAndPendingReserved(t *testing.T) {
	s := openStore(t)
	now := time.Now().UTC()
	key := storage.DebtKey{Debtor: "alice", Creditor: "bob", Equivalent: "UAH"}

	err := s.Update(context.Background(), func(tx storage.Tx) error {
		for _, lk := range []*types.PrepareLock{
			{TxID: "tx-1", Debtor: "alice", Creditor: "bob", Equivalent: "UAH", Amount: big.NewInt(40), ExpiresAt: now.Add(time.Minute), CreatedAt: now},
			{TxID: "tx-2", Debtor: "alice", Creditor: "bob", Equivalent: "UAH", Amount: big.NewInt(25), ExpiresAt: now.Add(-time.Minute), CreatedAt: now},
		} {
			if err := tx.PutPrepareLock(lk); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = s.View(context.Background(), func(tx storage.Tx) error {
		pending, err := tx.PendingReserved(key)
		require.NoError(t, err)
		require.EqualValues(t, 65, pending.Int64())

		expired, err := tx.ExpiredPrepareLocks(now)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		require.Equal(t, "tx-2", expired[0].TxID)

		locks, err := tx.PrepareLocksByTx("tx-1")
		require.NoError(t, err)
		require.Len(t, locks, 1)
		require.EqualValues(t, 40, locks[0].Amount.Int64())
		return nil
	})
	require.NoError(t, err)

	err = s.Update(context.Background(), func(tx storage.Tx) error {
		return tx.DeletePrepareLocks("tx-1")
	})
	require.NoError(t, err)

	err = s.View(context.Background(), func(tx storage.Tx) error {
		pending, err := tx.PendingReserved(key)
		require.NoError(t, err)
		require.EqualValues(t, 25, pending.Int64())
		return nil
	})
	require.NoError(t, err)
}

func TestCommitHookObservesChanges(t *testing.T) {
	s := openStore(t)
	seedEquivalent(t, s, "UAH")

	var got []storage.ChangeSet
	s.OnCommit(func(c storage.ChangeSet) { got = append(got, c) })

	applyDelta(t, s, "alice", "bob", 100)
	require.Len(t, got, 1)
	require.Len(t, got[0].Debts, 1)
	require.EqualValues(t, 100, got[0].Debts[0].Amount.Int64())

	// deletion is reported as a zero-amount row
	applyDelta(t, s, "bob", "alice", 100)
	require.Len(t, got, 2)
	require.Len(t, got[1].Debts, 1)
	require.Zero(t, got[1].Debts[0].Amount.Sign())

	// a failed update fires no hook
	boom := errors.New("boom")
	err := s.Update(context.Background(), func(tx storage.Tx) error {
		if err := tx.ApplyDebtDelta(storage.DebtKey{Debtor: "x", Creditor: "y", Equivalent: "UAH"}, big.NewInt(5)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Len(t, got, 2)
}

func TestTrustLineUpsertAndList(t *testing.T) {
	s := openStore(t)
	seedEquivalent(t, s, "UAH")

	put := func(limit int64) {
		err := s.Update(context.Background(), func(tx storage.Tx) error {
			return tx.PutTrustLine(&types.TrustLine{
				From:       "alice",
				To:         "bob",
				Equivalent: "UAH",
				Limit:      big.NewInt(limit),
				Status:     types.TrustLineActive,
				Policy:     types.DefaultTrustLinePolicy(),
			})
		})
		require.NoError(t, err)
	}
	put(100)
	put(250) // same key updates in place

	err := s.View(context.Background(), func(tx storage.Tx) error {
		lines, err := tx.ListTrustLines("UAH")
		require.NoError(t, err)
		require.Len(t, lines, 1)
		require.EqualValues(t, 250, lines[0].Limit.Int64())
		return nil
	})
	require.NoError(t, err)

	err = s.Update(context.Background(), func(tx storage.Tx) error {
		return tx.DeleteTrustLine("alice", "bob", "UAH")
	})
	require.NoError(t, err)

	err = s.View(context.Background(), func(tx storage.Tx) error {
		_, err := tx.GetTrustLine("alice", "bob", "UAH")
		require.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestDebtsTouchingAndListOrder(t *testing.T) {
	s := openStore(t)
	seedEquivalent(t, s, "UAH")
	applyDelta(t, s, "carol", "alice", 10)
	applyDelta(t, s, "alice", "bob", 20)
	applyDelta(t, s, "bob", "carol", 30)

	err := s.View(context.Background(), func(tx storage.Tx) error {
		all, err := tx.ListDebts("UAH")
		require.NoError(t, err)
		require.Len(t, all, 3)
		// canonical order: debtor, then creditor
		require.Equal(t, "alice", all[0].Debtor)
		require.Equal(t, "bob", all[1].Debtor)
		require.Equal(t, "carol", all[2].Debtor)

		touching, err := tx.DebtsTouching("alice", "UAH")
		require.NoError(t, err)
		require.Len(t, touching, 2)
		return nil
	})
	require.NoError(t, err)
}

func TestCheckpointLatestWins(t *testing.T) {
	s := openStore(t)
	base := time.Now().UTC().Add(-time.Hour)

	err := s.Update(context.Background(), func(tx storage.Tx) error {
		for i, sum := range []string{"aaaa", "bbbb"} {
			cp := &types.IntegrityCheckpoint{
				Equivalent: "UAH",
				Checksum:   sum,
				TotalDebt:  big.NewInt(int64(100 + i)),
				CreatedAt:  base.Add(time.Duration(i) * time.Minute),
			}
			if err := tx.PutCheckpoint(cp); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = s.View(context.Background(), func(tx storage.Tx) error {
		cp, err := tx.LatestCheckpoint("UAH")
		require.NoError(t, err)
		require.Equal(t, "bbbb", cp.Checksum)
		require.EqualValues(t, 101, cp.TotalDebt.Int64())
		return nil
	})
	require.NoError(t, err)
}
