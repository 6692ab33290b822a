package payments

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	coreerrors "creditnet/core/errors"
	"creditnet/core/graph"
	"creditnet/core/types"
	"creditnet/storage"
)

type fixture struct {
	t      *testing.T
	store  storage.Store
	index  *graph.Index
	engine *Engine
}

func newFixture(t *testing.T, pids ...string) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		store:  storage.NewMemStore(),
		index:  graph.NewIndex(),
		engine: NewEngine(),
	}
	f.index.Attach(f.store)
	f.engine.SetStore(f.store)
	f.engine.SetIndex(f.index)

	err := f.store.Update(context.Background(), func(tx storage.Tx) error {
		if err := tx.PutEquivalent(&types.Equivalent{Code: "UAH", Precision: 2, Type: types.EquivalentFiat, Active: true}); err != nil {
			return err
		}
		for _, pid := range pids {
			p := &types.Participant{PID: pid, Status: types.ParticipantActive}
			if err := tx.PutParticipant(p); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) addLine(from, to string, limit int64) {
	f.t.Helper()
	err := f.store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.PutTrustLine(&types.TrustLine{
			From:       from,
			To:         to,
			Equivalent: "UAH",
			Limit:      big.NewInt(limit),
			Status:     types.TrustLineActive,
			Policy:     types.DefaultTrustLinePolicy(),
		})
	})
	require.NoError(f.t, err)
}

func (f *fixture) pay(from, to string, amount int64) (*Receipt, error) {
	return f.engine.Pay(context.Background(), Request{
		From:       from,
		To:         to,
		Equivalent: "UAH",
		Amount:     big.NewInt(amount),
	})
}

func (f *fixture) debt(debtor, creditor string) int64 {
	f.t.Helper()
	var out int64
	err := f.store.View(context.Background(), func(tx storage.Tx) error {
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
	require.NoError(f.t, err)
	return out
}

func (f *fixture) txState(txID string) types.TransactionState {
	f.t.Helper()
	var state types.TransactionState
	err := f.store.View(context.Background(), func(tx storage.Tx) error {
		record, err := tx.GetTransaction(txID)
		if err != nil {
			return err
		}
		state = record.State
		return nil
	})
	require.NoError(f.t, err)
	return state
}

func (f *fixture) eventTypes(txID string) []string {
	f.t.Helper()
	var out []string
	err := f.store.View(context.Background(), func(tx storage.Tx) error {
		events, err := tx.EventsByTx(txID)
		if err != nil {
			return err
		}
		for _, evt := range events {
			out = append(out, evt.Type)
		}
		return nil
	})
	require.NoError(f.t, err)
	return out
}

func TestDirectPayment(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.addLine("alice", "bob", 100)

	receipt, err := f.pay("alice", "bob", 30)
	require.NoError(t, err)
	require.Equal(t, types.TxStateCommitted, receipt.State)
	require.Len(t, receipt.Routes, 1)
	require.Equal(t, []string{"alice", "bob"}, receipt.Routes[0].Path)
	require.Equal(t, "30", receipt.Routes[0].Amount)

	require.EqualValues(t, 30, f.debt("alice", "bob"))
	require.EqualValues(t, 70, f.index.AvailableCredit("UAH", "alice", "bob").Int64())
	require.Equal(t, types.TxStateCommitted, f.txState(receipt.TxID))
	require.Contains(t, f.eventTypes(receipt.TxID), "payment.committed")
}

func TestReversePaymentNetsDebt(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.addLine("alice", "bob", 100)
	f.addLine("bob", "alice", 50)

	_, err := f.pay("alice", "bob", 30)
	require.NoError(t, err)
	_, err = f.pay("bob", "alice", 20)
	require.NoError(t, err)

	// counter-payment nets against the existing obligation
	require.EqualValues(t, 10, f.debt("alice", "bob"))
	require.EqualValues(t, 0, f.debt("bob", "alice"))
	require.EqualValues(t, 90, f.index.AvailableCredit("UAH", "alice", "bob").Int64())
}

func TestMultiHopPayment(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.addLine("alice", "carol", 100)
	f.addLine("carol", "bob", 100)

	receipt, err := f.pay("alice", "bob", 40)
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "carol", "bob"}, receipt.Routes[0].Path)

	// the intermediary's net position is zero: owed 40, owes 40
	require.EqualValues(t, 40, f.debt("alice", "carol"))
	require.EqualValues(t, 40, f.debt("carol", "bob"))
	require.EqualValues(t, 0, f.debt("alice", "bob"))
}

func TestSplitPayment(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol", "dave")
	f.addLine("alice", "carol", 60)
	f.addLine("carol", "bob", 60)
	f.addLine("alice", "dave", 50)
	f.addLine("dave", "bob", 50)

	receipt, err := f.pay("alice", "bob", 100)
	require.NoError(t, err)
	require.Len(t, receipt.Routes, 2)

	require.EqualValues(t, 60, f.debt("alice", "carol"))
	require.EqualValues(t, 60, f.debt("carol", "bob"))
	require.EqualValues(t, 40, f.debt("alice", "dave"))
	require.EqualValues(t, 40, f.debt("dave", "bob"))
}

func TestInsufficientCapacityAborts(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.addLine("alice", "bob", 50)

	_, err := f.pay("alice", "bob", 80)
	require.Equal(t, coreerrors.CodeInsufficientCapacity, coreerrors.CodeOf(err))
	require.EqualValues(t, 0, f.debt("alice", "bob"))
}

func TestPrepareFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.addLine("alice", "carol", 60)
	f.addLine("carol", "bob", 60)

	// a pending reservation the routing snapshot does not know about,
	// so admission and routing pass but PREPARE re-verification fails
	err := f.store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.PutPrepareLock(&types.PrepareLock{
			TxID:       "ghost",
			Debtor:     "carol",
			Creditor:   "bob",
			Equivalent: "UAH",
			Amount:     big.NewInt(40),
			ExpiresAt:  time.Now().Add(time.Hour),
		})
	})
	require.NoError(t, err)

	_, payErr := f.engine.Pay(context.Background(), Request{
		TxID:       "tx-atomic",
		From:       "alice",
		To:         "bob",
		Equivalent: "UAH",
		Amount:     big.NewInt(50),
	})
	require.Equal(t, coreerrors.CodeInsufficientCapacity, coreerrors.CodeOf(payErr))

	// no debt moved on any edge and the transaction is terminal
	require.EqualValues(t, 0, f.debt("alice", "carol"))
	require.EqualValues(t, 0, f.debt("carol", "bob"))
	require.Equal(t, types.TxStateAborted, f.txState("tx-atomic"))
	require.Contains(t, f.eventTypes("tx-atomic"), "payment.aborted")

	err = f.store.View(context.Background(), func(tx storage.Tx) error {
		locks, err := tx.PrepareLocksByTx("tx-atomic")
		require.NoError(t, err)
		require.Empty(t, locks)
		return nil
	})
	require.NoError(t, err)
}

func TestConcurrentPaymentsShareCapacity(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.addLine("alice", "bob", 100)

	// two payments race for the same edge; their combined amount does not fit
	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(len(errs))
	for i := range errs {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.pay("alice", "bob", 80)
		}(i)
	}
	wg.Wait()

	committed := 0
	for _, err := range errs {
		if err == nil {
			committed++
			continue
		}
		require.Equal(t, coreerrors.CodeInsufficientCapacity, coreerrors.CodeOf(err))
	}
	require.Equal(t, 1, committed)

	// exactly one payment's debt landed and nothing stays reserved
	require.EqualValues(t, 80, f.debt("alice", "bob"))
	require.EqualValues(t, 20, f.index.AvailableCredit("UAH", "alice", "bob").Int64())
	err := f.store.View(context.Background(), func(tx storage.Tx) error {
		pending, err := tx.PendingReserved(storage.DebtKey{Debtor: "alice", Creditor: "bob", Equivalent: "UAH"})
		require.NoError(t, err)
		require.Zero(t, pending.Sign())
		return nil
	})
	require.NoError(t, err)
}

func TestIdempotentReplay(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.addLine("alice", "bob", 100)

	req := Request{
		From:           "alice",
		To:             "bob",
		Equivalent:     "UAH",
		Amount:         big.NewInt(30),
		IdempotencyKey: "order-42",
	}
	first, err := f.engine.Pay(context.Background(), req)
	require.NoError(t, err)

	req.TxID = ""
	again, err := f.engine.Pay(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first.TxID, again.TxID)
	require.Equal(t, first.Routes, again.Routes)

	// replay moved no additional debt
	require.EqualValues(t, 30, f.debt("alice", "bob"))
}

func TestIdempotencyKeyPayloadMismatch(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.addLine("alice", "bob", 100)

	_, err := f.engine.Pay(context.Background(), Request{
		From: "alice", To: "bob", Equivalent: "UAH",
		Amount:         big.NewInt(30),
		IdempotencyKey: "order-42",
	})
	require.NoError(t, err)

	_, err = f.engine.Pay(context.Background(), Request{
		From: "alice", To: "bob", Equivalent: "UAH",
		Amount:         big.NewInt(99),
		IdempotencyKey: "order-42",
	})
	require.Equal(t, coreerrors.CodeConflict, coreerrors.CodeOf(err))
}

func TestPaymentValidation(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.addLine("alice", "bob", 100)

	_, err := f.pay("alice", "alice", 10)
	require.Equal(t, coreerrors.CodeValidationError, coreerrors.CodeOf(err))

	_, err = f.pay("alice", "bob", 0)
	require.Equal(t, coreerrors.CodeValidationError, coreerrors.CodeOf(err))

	_, err = f.pay("alice", "mallory", 10)
	require.Equal(t, coreerrors.CodeValidationError, coreerrors.CodeOf(err))
}

func TestSuspendedSenderRejected(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.addLine("alice", "bob", 100)
	err := f.store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.PutParticipant(&types.Participant{PID: "alice", Status: types.ParticipantSuspended})
	})
	require.NoError(t, err)

	_, payErr := f.pay("alice", "bob", 10)
	require.Equal(t, coreerrors.CodeUnauthorized, coreerrors.CodeOf(payErr))
}

func TestIntegrityLockBlocksPayments(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.addLine("alice", "bob", 100)
	err := f.store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.PutEquivalent(&types.Equivalent{Code: "UAH", Precision: 2, Type: types.EquivalentFiat, Active: true, IntegrityLocked: true})
	})
	require.NoError(t, err)

	_, payErr := f.pay("alice", "bob", 10)
	require.Equal(t, coreerrors.CodeIntegrityLocked, coreerrors.CodeOf(payErr))
}

func TestRecoverStaleAbortsExpired(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.addLine("alice", "bob", 100)

	err := f.store.Update(context.Background(), func(tx storage.Tx) error {
		if err := tx.PutTransaction(&types.Transaction{
			ID:         "tx-stuck",
			Type:       types.TxPayment,
			Equivalent: "UAH",
			State:      types.TxStatePrepared,
		}); err != nil {
			return err
		}
		return tx.PutPrepareLock(&types.PrepareLock{
			TxID:       "tx-stuck",
			Debtor:     "alice",
			Creditor:   "bob",
			Equivalent: "UAH",
			Amount:     big.NewInt(25),
			ExpiresAt:  time.Now().Add(-time.Minute),
		})
	})
	require.NoError(t, err)
	f.index.Reserve("UAH", "alice", "bob", big.NewInt(25))

	aborted, err := f.engine.RecoverStale(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, aborted)

	require.Equal(t, types.TxStateAborted, f.txState("tx-stuck"))
	require.EqualValues(t, 100, f.index.AvailableCredit("UAH", "alice", "bob").Int64())
	err = f.store.View(context.Background(), func(tx storage.Tx) error {
		locks, err := tx.PrepareLocksByTx("tx-stuck")
		require.NoError(t, err)
		require.Empty(t, locks)
		return nil
	})
	require.NoError(t, err)

	// a second sweep finds nothing
	aborted, err = f.engine.RecoverStale(context.Background())
	require.NoError(t, err)
	require.Zero(t, aborted)
}

func TestCompensateAdjustsDebt(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	err := f.store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.ApplyDebtDelta(storage.DebtKey{Debtor: "alice", Creditor: "bob", Equivalent: "UAH"}, big.NewInt(100))
	})
	require.NoError(t, err)

	receipt, err := f.engine.Compensate(context.Background(), CompensationRequest{
		Admin:          "operator",
		Debtor:         "alice",
		Creditor:       "bob",
		Equivalent:     "UAH",
		Delta:          big.NewInt(-30),
		Reason:         "cash settlement",
		IdempotencyKey: "comp-1",
	})
	require.NoError(t, err)
	require.Equal(t, types.TxStateCommitted, receipt.State)
	require.EqualValues(t, 70, f.debt("alice", "bob"))
	require.Contains(t, f.eventTypes(receipt.TxID), "compensation.applied")

	// replay is a no-op
	again, err := f.engine.Compensate(context.Background(), CompensationRequest{
		Admin:          "operator",
		Debtor:         "alice",
		Creditor:       "bob",
		Equivalent:     "UAH",
		Delta:          big.NewInt(-30),
		Reason:         "cash settlement",
		IdempotencyKey: "comp-1",
	})
	require.NoError(t, err)
	require.Equal(t, receipt.TxID, again.TxID)
	require.EqualValues(t, 70, f.debt("alice", "bob"))
}

func TestAbortSkipsTerminalTransaction(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.addLine("alice", "bob", 100)

	// another payment's live reservation rides on the same edge
	f.index.Reserve("UAH", "alice", "bob", big.NewInt(30))

	err := f.store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.PutTransaction(&types.Transaction{
			ID:         "tx-done",
			Type:       types.TxPayment,
			Equivalent: "UAH",
			State:      types.TxStateAborted,
		})
	})
	require.NoError(t, err)

	deltas := map[[2]string]*big.Int{{"alice", "bob"}: big.NewInt(30)}
	f.engine.abort(context.Background(), Request{
		TxID: "tx-done", From: "alice", To: "bob", Equivalent: "UAH", Amount: big.NewInt(30),
	}, coreerrors.CodeOperationTimeout, "duplicate abort", deltas)

	// the reservation belongs to the other payment and must survive
	require.EqualValues(t, 70, f.index.AvailableCredit("UAH", "alice", "bob").Int64())

	// a live transaction still aborts and releases its own hold
	err = f.store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.PutTransaction(&types.Transaction{
			ID:         "tx-live",
			Type:       types.TxPayment,
			Equivalent: "UAH",
			State:      types.TxStatePrepared,
		})
	})
	require.NoError(t, err)
	f.engine.abort(context.Background(), Request{
		TxID: "tx-live", From: "alice", To: "bob", Equivalent: "UAH", Amount: big.NewInt(30),
	}, coreerrors.CodeOperationTimeout, "commit failed", deltas)

	require.Equal(t, types.TxStateAborted, f.txState("tx-live"))
	require.EqualValues(t, 100, f.index.AvailableCredit("UAH", "alice", "bob").Int64())
}

func TestCompensateIdempotencyPayloadMismatch(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	err := f.store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.ApplyDebtDelta(storage.DebtKey{Debtor: "alice", Creditor: "bob", Equivalent: "UAH"}, big.NewInt(100))
	})
	require.NoError(t, err)

	_, err = f.engine.Compensate(context.Background(), CompensationRequest{
		Admin:          "operator",
		Debtor:         "alice",
		Creditor:       "bob",
		Equivalent:     "UAH",
		Delta:          big.NewInt(-30),
		Reason:         "cash settlement",
		IdempotencyKey: "comp-1",
	})
	require.NoError(t, err)

	// reusing the key with a different delta must not replay the old receipt
	_, err = f.engine.Compensate(context.Background(), CompensationRequest{
		Admin:          "operator",
		Debtor:         "alice",
		Creditor:       "bob",
		Equivalent:     "UAH",
		Delta:          big.NewInt(-99),
		Reason:         "cash settlement",
		IdempotencyKey: "comp-1",
	})
	require.Equal(t, coreerrors.CodeConflict, coreerrors.CodeOf(err))
	require.EqualValues(t, 70, f.debt("alice", "bob"))
}

func TestCompensateRejectsZeroDelta(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	_, err := f.engine.Compensate(context.Background(), CompensationRequest{
		Admin: "operator", Debtor: "alice", Creditor: "bob", Equivalent: "UAH",
		Delta: big.NewInt(0),
	})
	require.Equal(t, coreerrors.CodeValidationError, coreerrors.CodeOf(err))
}
