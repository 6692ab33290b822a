package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"

	"github.com/google/uuid"

	coreerrors "creditnet/core/errors"
	"creditnet/core/events"
	"creditnet/core/types"
	"creditnet/storage"
)

// RecoverStale aborts every transaction whose prepare locks have expired.
// Run at startup and then periodically by the node's background sweep.
// Returns the number of transactions aborted.
func (e *Engine) RecoverStale(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, errNilStore
	}
	now := e.nowFn()

	stale := make(map[string]bool)
	err := e.store.View(ctx, func(tx storage.Tx) error {
		expired, err := tx.ExpiredPrepareLocks(now)
		if err != nil {
			return err
		}
		for _, lock := range expired {
			stale[lock.TxID] = true
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	aborted := 0
	for txID := range stale {
		if err := ctx.Err(); err != nil {
			return aborted, err
		}
		released := make(map[[2]string]*big.Int)
		equivalent := ""
		err := e.store.Update(ctx, func(tx storage.Tx) error {
			record, err := tx.GetTransaction(txID)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return tx.DeletePrepareLocks(txID)
				}
				return err
			}
			if record.State.Terminal() {
				return tx.DeletePrepareLocks(txID)
			}
			locks, err := tx.PrepareLocksByTx(txID)
			if err != nil {
				return err
			}
			for _, lock := range locks {
				edge := [2]string{lock.Debtor, lock.Creditor}
				if existing, ok := released[edge]; ok {
					existing.Add(existing, lock.Amount)
				} else {
					released[edge] = new(big.Int).Set(lock.Amount)
				}
				equivalent = lock.Equivalent
			}
			if err := tx.DeletePrepareLocks(txID); err != nil {
				return err
			}
			if err := tx.SetTransactionState(txID, types.TxStateAborted); err != nil {
				return err
			}
			evt := events.PaymentAborted{
				TxID:       txID,
				Equivalent: record.Equivalent,
				Reason:     "prepare locks expired",
			}.Event()
			evt.ID = uuid.NewString()
			evt.CreatedAt = e.nowFn()
			return tx.AppendEvent(evt)
		})
		if err != nil {
			return aborted, err
		}
		if e.index != nil {
			for edge, amount := range released {
				e.index.Release(equivalent, edge[0], edge[1], amount)
			}
		}
		aborted++
	}
	return aborted, nil
}

// CompensationRequest is an operator-authorized direct debt adjustment used
// to reconcile real-world settlement outside the network. The node layer
// verifies the administrator signature before calling the engine.
type CompensationRequest struct {
	TxID           string
	Admin          string
	Debtor         string
	Creditor       string
	Equivalent     string
	Delta          *big.Int
	Reason         string
	IdempotencyKey string
	Correlation    events.Correlation
}

// Compensate applies a direct debt delta in one transaction and records a
// COMPENSATION transaction row. It is the only write admitted while an
// equivalent is integrity-locked, since its purpose is repairing the very
// state the lock protects.
func (e *Engine) Compensate(ctx context.Context, req CompensationRequest) (*Receipt, error) {
	if e.store == nil {
		return nil, errNilStore
	}
	if req.Delta == nil || req.Delta.Sign() == 0 {
		return nil, coreerrors.New(coreerrors.CodeValidationError, "compensation delta must be non-zero")
	}
	if req.Debtor == req.Creditor {
		return nil, coreerrors.New(coreerrors.CodeValidationError, "debtor and creditor are the same participant")
	}
	if req.TxID == "" {
		req.TxID = uuid.NewString()
	}

	payloadHash := compensationHash(&req)
	var receipt *Receipt
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		if req.IdempotencyKey != "" {
			if existing, err := tx.GetTransactionByIdempotencyKey(req.IdempotencyKey); err == nil {
				if existing.PayloadHash != payloadHash {
					return coreerrors.New(coreerrors.CodeConflict, "idempotency key reused with a different payload").
						WithDetail("txId", existing.ID)
				}
				receipt = receiptFromTransaction(existing)
				return nil
			} else if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}
		if _, err := tx.GetEquivalent(req.Equivalent); err != nil {
			return coreerrors.Wrap(coreerrors.CodeValidationError, "unknown equivalent", err)
		}
		if _, err := tx.GetParticipant(req.Debtor); err != nil {
			return coreerrors.Wrap(coreerrors.CodeValidationError, "unknown debtor", err)
		}
		if _, err := tx.GetParticipant(req.Creditor); err != nil {
			return coreerrors.Wrap(coreerrors.CodeValidationError, "unknown creditor", err)
		}

		key := storage.DebtKey{Debtor: req.Debtor, Creditor: req.Creditor, Equivalent: req.Equivalent}
		if err := tx.LockDebtRows([]storage.DebtKey{key}); err != nil {
			return err
		}
		if err := tx.ApplyDebtDelta(key, req.Delta); err != nil {
			return err
		}

		now := e.nowFn()
		receipt = &Receipt{TxID: req.TxID, State: types.TxStateCommitted}
		encoded, _ := json.Marshal(receipt)
		payload, _ := json.Marshal(map[string]string{
			"debtor":     req.Debtor,
			"creditor":   req.Creditor,
			"equivalent": req.Equivalent,
			"delta":      req.Delta.String(),
			"reason":     req.Reason,
		})
		record := &types.Transaction{
			ID:             req.TxID,
			Type:           types.TxCompensation,
			Initiator:      req.Admin,
			Equivalent:     req.Equivalent,
			Payload:        payload,
			State:          types.TxStateCommitted,
			IdempotencyKey: req.IdempotencyKey,
			PayloadHash:    payloadHash,
			Result:         encoded,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.PutTransaction(record); err != nil {
			return err
		}
		evt := &types.Event{
			ID:    uuid.NewString(),
			Type:  "compensation.applied",
			TxID:  req.TxID,
			Actor: req.Admin,
			Attributes: map[string]string{
				"debtor":     req.Debtor,
				"creditor":   req.Creditor,
				"equivalent": req.Equivalent,
				"delta":      req.Delta.String(),
				"reason":     req.Reason,
			},
			CreatedAt: now,
		}
		req.Correlation.Apply(evt)
		return tx.AppendEvent(evt)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func compensationHash(req *CompensationRequest) string {
	sum := sha256.Sum256([]byte(req.Debtor + "|" + req.Creditor + "|" + req.Equivalent + "|" + req.Delta.String() + "|" + req.Reason))
	return hex.EncodeToString(sum[:])
}
