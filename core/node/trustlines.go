package node

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"

	"github.com/google/uuid"

	coreerrors "creditnet/core/errors"
	"creditnet/core/events"
	"creditnet/core/types"
	"creditnet/network"
	"creditnet/storage"
)

// handleTrustLine serves create, update and close. The envelope sender is
// the creditor: the line runs counterparty → sender and caps how much the
// counterparty may owe them.
func (n *Node) handleTrustLine(ctx context.Context, env *network.Envelope) (json.RawMessage, string, error) {
	var payload network.TrustLinePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, "", coreerrors.Wrap(coreerrors.CodeValidationError, "malformed trust line payload", err)
	}
	if payload.Counterparty == "" {
		return nil, "", coreerrors.New(coreerrors.CodeValidationError, "counterparty is required")
	}
	if payload.Counterparty == env.From {
		return nil, "", coreerrors.New(coreerrors.CodeValidationError, "cannot open a trust line to yourself")
	}

	from, to := payload.Counterparty, env.From
	var txID string
	var line *types.TrustLine
	err := n.store.Update(ctx, func(tx storage.Tx) error {
		eq, err := tx.GetEquivalent(payload.Equivalent)
		if err != nil {
			return coreerrors.Wrap(coreerrors.CodeValidationError, "unknown equivalent", err)
		}
		if !eq.Active {
			return coreerrors.New(coreerrors.CodeValidationError, "equivalent is deactivated")
		}
		if eq.IntegrityLocked {
			return coreerrors.New(coreerrors.CodeIntegrityLocked, "equivalent is locked pending reconciliation").
				WithDetail("equivalent", eq.Code)
		}
		creditor, err := tx.GetParticipant(to)
		if err != nil {
			return err
		}
		if !creditor.CanTransact() {
			return coreerrors.New(coreerrors.CodeUnauthorized, "sender is not active")
		}
		if _, err := tx.GetParticipant(from); err != nil {
			return coreerrors.Wrap(coreerrors.CodeValidationError, "unknown counterparty", err)
		}

		switch env.MsgType {
		case network.MsgTrustLineCreate:
			line, err = n.createTrustLine(tx, from, to, eq, &payload)
		case network.MsgTrustLineUpdate:
			line, err = n.updateTrustLine(tx, from, to, eq, &payload)
		case network.MsgTrustLineClose:
			line, err = n.closeTrustLine(tx, from, to, eq.Code)
		}
		if err != nil {
			return err
		}

		now := n.nowFn()
		txID = uuid.NewString()
		record := &types.Transaction{
			ID:         txID,
			Type:       trustLineTxType(env.MsgType),
			Initiator:  to,
			Equivalent: eq.Code,
			Payload:    env.Payload,
			State:      types.TxStateCommitted,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.PutTransaction(record); err != nil {
			return err
		}
		evt := events.TrustLineChanged{
			Kind:       trustLineEventKind(env.MsgType),
			TxID:       txID,
			From:       line.From,
			To:         line.To,
			Equivalent: line.Equivalent,
			Limit:      line.Limit.String(),
		}.Event()
		n.correlation(env).Apply(evt)
		evt.ID = uuid.NewString()
		evt.CreatedAt = now
		return tx.AppendEvent(evt)
	})
	if err != nil {
		return nil, "", err
	}
	result, _ := json.Marshal(map[string]string{
		"from":       line.From,
		"to":         line.To,
		"equivalent": line.Equivalent,
		"limit":      line.Limit.String(),
		"status":     string(line.Status),
	})
	return result, txID, nil
}

func trustLineTxType(msgType string) types.TransactionType {
	switch msgType {
	case network.MsgTrustLineUpdate:
		return types.TxTrustLineUpdate
	case network.MsgTrustLineClose:
		return types.TxTrustLineClose
	default:
		return types.TxTrustLineCreate
	}
}

func trustLineEventKind(msgType string) string {
	switch msgType {
	case network.MsgTrustLineUpdate:
		return events.TypeTrustLineUpdated
	case network.MsgTrustLineClose:
		return events.TypeTrustLineClosed
	default:
		return events.TypeTrustLineCreated
	}
}

// createTrustLine opens a new line. At most one non-closed line exists per
// (from, to, equivalent); a closed line may be reopened.
func (n *Node) createTrustLine(tx storage.Tx, from, to string, eq *types.Equivalent, payload *network.TrustLinePayload) (*types.TrustLine, error) {
	if existing, err := tx.GetTrustLine(from, to, eq.Code); err == nil {
		if existing.Status != types.TrustLineClosed {
			return nil, coreerrors.New(coreerrors.CodeConflict, "trust line already exists").
				WithDetail("from", from).
				WithDetail("to", to)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	limit, err := types.ParsePositiveAmount(payload.Limit, eq.Precision)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeValidationError, "invalid trust limit", err)
	}
	policy := types.DefaultTrustLinePolicy()
	applyPolicy(&policy, payload, eq.Precision)
	now := n.nowFn()
	line := &types.TrustLine{
		From:       from,
		To:         to,
		Equivalent: eq.Code,
		Limit:      limit,
		Policy:     policy,
		Status:     types.TrustLineActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.PutTrustLine(line); err != nil {
		return nil, err
	}
	return line, nil
}

// updateTrustLine changes the limit, the policy or the frozen flag. A limit
// below the current debt is refused; existing debt never becomes invalid.
func (n *Node) updateTrustLine(tx storage.Tx, from, to string, eq *types.Equivalent, payload *network.TrustLinePayload) (*types.TrustLine, error) {
	line, err := tx.GetTrustLine(from, to, eq.Code)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeValidationError, "trust line does not exist", err)
	}
	if line.Status == types.TrustLineClosed {
		return nil, coreerrors.New(coreerrors.CodeStateConflict, "trust line is closed")
	}
	if payload.Limit != "" {
		limit, err := types.ParsePositiveAmount(payload.Limit, eq.Precision)
		if err != nil {
			return nil, coreerrors.Wrap(coreerrors.CodeValidationError, "invalid trust limit", err)
		}
		debt := big.NewInt(0)
		if row, err := tx.GetDebt(from, to, eq.Code); err == nil {
			debt = row.Amount
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if limit.Cmp(debt) < 0 {
			return nil, coreerrors.New(coreerrors.CodeTrustLimitExceeded, "new limit is below the outstanding debt").
				WithDetail("limit", limit.String()).
				WithDetail("debt", debt.String())
		}
		line.Limit = limit
	}
	applyPolicy(&line.Policy, payload, eq.Precision)
	if payload.Freeze != nil {
		if *payload.Freeze {
			line.Status = types.TrustLineFrozen
		} else {
			line.Status = types.TrustLineActive
		}
	}
	line.UpdatedAt = n.nowFn()
	if err := tx.PutTrustLine(line); err != nil {
		return nil, err
	}
	return line, nil
}

// closeTrustLine retires a line. Refused while debt or reservations remain
// on it.
func (n *Node) closeTrustLine(tx storage.Tx, from, to, equivalent string) (*types.TrustLine, error) {
	line, err := tx.GetTrustLine(from, to, equivalent)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeValidationError, "trust line does not exist", err)
	}
	if line.Status == types.TrustLineClosed {
		return nil, coreerrors.New(coreerrors.CodeStateConflict, "trust line is already closed")
	}
	if row, err := tx.GetDebt(from, to, equivalent); err == nil && row.Amount.Sign() > 0 {
		return nil, coreerrors.New(coreerrors.CodeStateConflict, "trust line still carries debt").
			WithDetail("debt", row.Amount.String())
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	pending, err := tx.PendingReserved(storage.DebtKey{Debtor: from, Creditor: to, Equivalent: equivalent})
	if err != nil {
		return nil, err
	}
	if pending.Sign() > 0 {
		return nil, coreerrors.New(coreerrors.CodeStateConflict, "trust line has pending reservations").
			WithDetail("reserved", pending.String())
	}
	line.Status = types.TrustLineClosed
	line.UpdatedAt = n.nowFn()
	if err := tx.PutTrustLine(line); err != nil {
		return nil, err
	}
	return line, nil
}

// applyPolicy folds optional policy fields from the payload into the policy.
func applyPolicy(policy *types.TrustLinePolicy, payload *network.TrustLinePayload, precision uint8) {
	if payload.AutoClearing != nil {
		policy.AutoClearing = *payload.AutoClearing
	}
	if payload.CanBeIntermediate != nil {
		policy.CanBeIntermediate = *payload.CanBeIntermediate
	}
	if payload.Blocked != nil {
		policy.Blocked = make(map[string]bool, len(payload.Blocked))
		for _, pid := range payload.Blocked {
			policy.Blocked[pid] = true
		}
	}
	if payload.DailyLimit != "" {
		if limit, err := types.ParseAmount(payload.DailyLimit, precision); err == nil {
			policy.DailyLimit = limit
		}
	}
}
