package clearing

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	coreerrors "creditnet/core/errors"
	"creditnet/core/events"
	"creditnet/core/types"
	"creditnet/storage"
)

// consentState rides on the CLEARING transaction's result column while a
// proposed offset waits for participant consent.
type consentState struct {
	Cycle     []string        `json:"cycle"`
	Amount    string          `json:"amount"`
	Consents  map[string]bool `json:"consents"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Execute nets one cycle. When every trust line in the cycle carries the
// auto_clearing policy the offset is applied immediately; otherwise a
// consent proposal is recorded and the offset waits for Accept calls.
// Returns true when the offset was applied.
func (e *Engine) Execute(ctx context.Context, cycle Cycle) (bool, error) {
	if e.store == nil {
		return false, errNilStore
	}
	executed := false
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		amount, reason, err := e.verifyCycle(tx, cycle)
		if err != nil {
			return err
		}
		if reason != "" {
			return e.skip(tx, cycle, reason)
		}
		auto, err := autoClearing(tx, cycle)
		if err != nil {
			return err
		}
		if !auto {
			return e.propose(tx, cycle, amount)
		}
		if err := e.applyOffset(tx, cycle, amount, ""); err != nil {
			return err
		}
		executed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if executed {
		e.emit(events.ClearingExecuted{Equivalent: cycle.Equivalent, Cycle: cycle.Nodes, Amount: cycle.Amount.String()})
	}
	return executed, nil
}

// verifyCycle locks the cycle's debt rows, re-reads the bottleneck and
// checks the minimum threshold. A non-empty reason means the cycle should be
// skipped without error.
func (e *Engine) verifyCycle(tx storage.Tx, cycle Cycle) (*big.Int, string, error) {
	equivalent, err := tx.GetEquivalent(cycle.Equivalent)
	if err != nil {
		return nil, "", err
	}
	if equivalent.IntegrityLocked {
		return nil, "equivalent integrity-locked", nil
	}

	keys := make([]storage.DebtKey, 0, len(cycle.Nodes))
	for _, edge := range cycle.edges() {
		keys = append(keys, storage.DebtKey{Debtor: edge[0], Creditor: edge[1], Equivalent: cycle.Equivalent})
	}
	if err := tx.LockDebtRows(keys); err != nil {
		return nil, "", err
	}

	var bottleneck *big.Int
	for _, edge := range cycle.edges() {
		debt, err := tx.GetDebt(edge[0], edge[1], cycle.Equivalent)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// a concurrent commit already drained this edge
				return nil, "cycle edge no longer exists", nil
			}
			return nil, "", err
		}
		if bottleneck == nil || debt.Amount.Cmp(bottleneck) < 0 {
			bottleneck = new(big.Int).Set(debt.Amount)
		}
	}
	if bottleneck == nil || bottleneck.Sign() <= 0 {
		return nil, "cycle bottleneck is zero", nil
	}

	if e.minAmount != "" {
		floor, err := types.ParseAmount(e.minAmount, equivalent.Precision)
		if err == nil && bottleneck.Cmp(floor) < 0 {
			return nil, "below minimum clearing amount", nil
		}
	}
	return bottleneck, "", nil
}

// autoClearing reports whether every trust line backing the cycle permits
// automatic offsets. A debt edge debtor → creditor rides on the trust line
// debtor → creditor.
func autoClearing(tx storage.Tx, cycle Cycle) (bool, error) {
	for _, edge := range cycle.edges() {
		line, err := tx.GetTrustLine(edge[0], edge[1], cycle.Equivalent)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// debt can outlive its line after a freeze; treat as consent-required
				return false, nil
			}
			return false, err
		}
		if !line.Policy.AutoClearing {
			return false, nil
		}
	}
	return true, nil
}

// applyOffset subtracts the offset amount from every cycle edge, verifies
// net neutrality, records the CLEARING transaction and appends the audit
// event. txID names an existing consent transaction to finalize; empty means
// an automatic offset with a fresh transaction row.
func (e *Engine) applyOffset(tx storage.Tx, cycle Cycle, amount *big.Int, txID string) error {
	pre, err := netPositions(tx, cycle)
	if err != nil {
		return err
	}
	for _, edge := range cycle.edges() {
		key := storage.DebtKey{Debtor: edge[0], Creditor: edge[1], Equivalent: cycle.Equivalent}
		if err := tx.ApplyDebtDelta(key, new(big.Int).Neg(amount)); err != nil {
			return err
		}
	}
	post, err := netPositions(tx, cycle)
	if err != nil {
		return err
	}
	for pid, before := range pre {
		if post[pid].Cmp(before) != 0 {
			return coreerrors.New(coreerrors.CodeInternalError, "clearing offset changed a net position").
				WithDetail("pid", pid).
				WithDetail("before", before.String()).
				WithDetail("after", post[pid].String())
		}
	}

	now := e.nowFn()
	payload, _ := json.Marshal(map[string]any{
		"cycle":      cycle.Nodes,
		"equivalent": cycle.Equivalent,
		"amount":     amount.String(),
	})
	if txID == "" {
		txID = uuid.NewString()
		record := &types.Transaction{
			ID:         txID,
			Type:       types.TxClearing,
			Equivalent: cycle.Equivalent,
			Payload:    payload,
			State:      types.TxStateCommitted,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.PutTransaction(record); err != nil {
			return err
		}
	} else {
		if err := tx.SetTransactionState(txID, types.TxStateCommitted); err != nil {
			return err
		}
	}

	evt := events.ClearingExecuted{
		TxID:       txID,
		Equivalent: cycle.Equivalent,
		Cycle:      cycle.Nodes,
		Amount:     amount.String(),
	}.Event()
	evt.ID = uuid.NewString()
	evt.CreatedAt = now
	return tx.AppendEvent(evt)
}

// netPositions computes, for every cycle participant, credit owed to them
// minus debt they owe, over the whole equivalent.
func netPositions(tx storage.Tx, cycle Cycle) (map[string]*big.Int, error) {
	out := make(map[string]*big.Int, len(cycle.Nodes))
	for _, pid := range cycle.Nodes {
		net := big.NewInt(0)
		debts, err := tx.DebtsTouching(pid, cycle.Equivalent)
		if err != nil {
			return nil, err
		}
		for _, d := range debts {
			if d.Creditor == pid {
				net.Add(net, d.Amount)
			}
			if d.Debtor == pid {
				net.Sub(net, d.Amount)
			}
		}
		out[pid] = net
	}
	return out, nil
}

// skip records a clearing.skipped audit event inside the transaction.
func (e *Engine) skip(tx storage.Tx, cycle Cycle, reason string) error {
	evt := events.ClearingSkipped{
		Equivalent: cycle.Equivalent,
		Cycle:      cycle.Nodes,
		Reason:     reason,
	}.Event()
	evt.ID = uuid.NewString()
	evt.CreatedAt = e.nowFn()
	return tx.AppendEvent(evt)
}

// propose records a CLEARING transaction in PROPOSED state carrying the
// consent ballot. Participants answer through Accept and Reject.
func (e *Engine) propose(tx storage.Tx, cycle Cycle, amount *big.Int) error {
	now := e.nowFn()
	payload, _ := json.Marshal(map[string]any{
		"cycle":      cycle.Nodes,
		"equivalent": cycle.Equivalent,
		"amount":     amount.String(),
	})
	state := consentState{
		Cycle:     cycle.Nodes,
		Amount:    amount.String(),
		Consents:  make(map[string]bool),
		ExpiresAt: now.Add(e.consentTimeout),
	}
	encoded, _ := json.Marshal(state)
	record := &types.Transaction{
		ID:         uuid.NewString(),
		Type:       types.TxClearing,
		Equivalent: cycle.Equivalent,
		Payload:    payload,
		State:      types.TxStateProposed,
		Result:     encoded,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.PutTransaction(record); err != nil {
		return err
	}
	evt := &types.Event{
		ID:   uuid.NewString(),
		Type: "clearing.proposed",
		TxID: record.ID,
		Attributes: map[string]string{
			"equivalent": cycle.Equivalent,
			"cycle":      strings.Join(cycle.Nodes, ","),
			"amount":     amount.String(),
		},
		CreatedAt: now,
	}
	return tx.AppendEvent(evt)
}

// Accept records one participant's consent on a proposed offset. When the
// last participant consents the offset executes in the same transaction.
func (e *Engine) Accept(ctx context.Context, txID, pid string) (bool, error) {
	if e.store == nil {
		return false, errNilStore
	}
	executed := false
	var cycle Cycle
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		record, state, err := loadProposal(tx, txID)
		if err != nil {
			return err
		}
		if !containsNode(state.Cycle, pid) {
			return coreerrors.New(coreerrors.CodeUnauthorized, "participant is not part of the proposed cycle").
				WithDetail("pid", pid)
		}
		if e.nowFn().After(state.ExpiresAt) {
			return e.expireProposal(tx, record, state)
		}
		state.Consents[pid] = true
		encoded, _ := json.Marshal(state)
		if err := tx.SetTransactionResult(txID, encoded); err != nil {
			return err
		}
		if record.State == types.TxStateProposed {
			if err := tx.SetTransactionState(txID, types.TxStateWaiting); err != nil {
				return err
			}
		}
		if len(state.Consents) < len(state.Cycle) {
			return nil
		}
		amount, ok := new(big.Int).SetString(state.Amount, 10)
		if !ok {
			return coreerrors.New(coreerrors.CodeInternalError, "malformed consent amount")
		}
		cycle = Cycle{Equivalent: record.Equivalent, Nodes: state.Cycle, Amount: amount}
		current, reason, err := e.verifyCycle(tx, cycle)
		if err != nil {
			return err
		}
		if reason != "" {
			if err := e.skip(tx, cycle, reason); err != nil {
				return err
			}
			return tx.SetTransactionState(txID, types.TxStateAborted)
		}
		if current.Cmp(amount) < 0 {
			amount = current
		}
		if err := e.applyOffset(tx, cycle, amount, txID); err != nil {
			return err
		}
		cycle.Amount = amount
		executed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if executed {
		e.emit(events.ClearingExecuted{TxID: txID, Equivalent: cycle.Equivalent, Cycle: cycle.Nodes, Amount: cycle.Amount.String()})
	}
	return executed, nil
}

// Reject declines a proposed offset, terminating the ballot.
func (e *Engine) Reject(ctx context.Context, txID, pid string) error {
	if e.store == nil {
		return errNilStore
	}
	var cycle []string
	var equivalent string
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		record, state, err := loadProposal(tx, txID)
		if err != nil {
			return err
		}
		if !containsNode(state.Cycle, pid) {
			return coreerrors.New(coreerrors.CodeUnauthorized, "participant is not part of the proposed cycle").
				WithDetail("pid", pid)
		}
		cycle, equivalent = state.Cycle, record.Equivalent
		if err := tx.SetTransactionState(txID, types.TxStateRejected); err != nil {
			return err
		}
		return e.skip(tx, Cycle{Equivalent: record.Equivalent, Nodes: state.Cycle}, "consent rejected by "+pid)
	})
	if err != nil {
		return err
	}
	e.emit(events.ClearingSkipped{Equivalent: equivalent, Cycle: cycle, Reason: "consent rejected by " + pid})
	return nil
}

// ExpireConsents aborts every proposal whose ballot deadline has passed.
// Returns the number of proposals expired.
func (e *Engine) ExpireConsents(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, errNilStore
	}
	expired := 0
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		for _, state := range []types.TransactionState{types.TxStateProposed, types.TxStateWaiting} {
			records, err := tx.ListTransactionsInState(state)
			if err != nil {
				return err
			}
			for _, record := range records {
				if record.Type != types.TxClearing {
					continue
				}
				var ballot consentState
				if err := json.Unmarshal(record.Result, &ballot); err != nil {
					continue
				}
				if !e.nowFn().After(ballot.ExpiresAt) {
					continue
				}
				if err := e.expireProposal(tx, record, &ballot); err != nil {
					return err
				}
				expired++
			}
		}
		return nil
	})
	return expired, err
}

func (e *Engine) expireProposal(tx storage.Tx, record *types.Transaction, state *consentState) error {
	if err := tx.SetTransactionState(record.ID, types.TxStateAborted); err != nil {
		return err
	}
	return e.skip(tx, Cycle{Equivalent: record.Equivalent, Nodes: state.Cycle}, "consent timed out")
}

func loadProposal(tx storage.Tx, txID string) (*types.Transaction, *consentState, error) {
	record, err := tx.GetTransaction(txID)
	if err != nil {
		return nil, nil, err
	}
	if record.Type != types.TxClearing {
		return nil, nil, coreerrors.New(coreerrors.CodeValidationError, "transaction is not a clearing proposal").
			WithDetail("txId", txID)
	}
	if record.State != types.TxStateProposed && record.State != types.TxStateWaiting {
		return nil, nil, coreerrors.New(coreerrors.CodeStateConflict, "clearing proposal is no longer open").
			WithDetail("state", string(record.State))
	}
	var state consentState
	if err := json.Unmarshal(record.Result, &state); err != nil {
		return nil, nil, coreerrors.Wrap(coreerrors.CodeInternalError, "malformed consent ballot", err)
	}
	if state.Consents == nil {
		state.Consents = make(map[string]bool)
	}
	return record, &state, nil
}

func containsNode(nodes []string, pid string) bool {
	for _, n := range nodes {
		if n == pid {
			return true
		}
	}
	return false
}
