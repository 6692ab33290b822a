package node

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"

	coreerrors "creditnet/core/errors"
	"creditnet/core/payments"
	"creditnet/core/types"
	"creditnet/network"
	"creditnet/storage"
)

// handlePayment parses the wire amount at the equivalent's precision and
// runs the two-phase payment.
func (n *Node) handlePayment(ctx context.Context, env *network.Envelope) (json.RawMessage, string, error) {
	var payload network.PaymentPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, "", coreerrors.Wrap(coreerrors.CodeValidationError, "malformed payment payload", err)
	}
	amount, err := n.parseWireAmount(ctx, payload.Equivalent, payload.Amount, false)
	if err != nil {
		return nil, "", err
	}

	started := n.nowFn()
	receipt, err := n.payments.Pay(ctx, payments.Request{
		TxID:           env.TxID,
		From:           env.From,
		To:             payload.To,
		Equivalent:     payload.Equivalent,
		Amount:         amount,
		Description:    payload.Description,
		IdempotencyKey: payload.IdempotencyKey,
		Constraints:    n.routerConstraints(payload.MaxHops, payload.MaxPaths, payload.Avoid),
		Correlation:    n.correlation(env),
	})
	n.metrics.ObserveRouting(payload.Equivalent, n.nowFn().Sub(started))
	if err != nil {
		return nil, "", err
	}
	result, _ := json.Marshal(receipt)
	return result, receipt.TxID, nil
}

// handleCompensation applies an operator debt adjustment. Admin-only.
func (n *Node) handleCompensation(ctx context.Context, env *network.Envelope) (json.RawMessage, string, error) {
	if err := n.requireAdmin(env.From); err != nil {
		return nil, "", err
	}
	var payload network.CompensationPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, "", coreerrors.Wrap(coreerrors.CodeValidationError, "malformed compensation payload", err)
	}
	delta, err := n.parseWireAmount(ctx, payload.Equivalent, payload.Delta, true)
	if err != nil {
		return nil, "", err
	}
	receipt, err := n.payments.Compensate(ctx, payments.CompensationRequest{
		TxID:           env.TxID,
		Admin:          env.From,
		Debtor:         payload.Debtor,
		Creditor:       payload.Creditor,
		Equivalent:     payload.Equivalent,
		Delta:          delta,
		Reason:         payload.Reason,
		IdempotencyKey: payload.IdempotencyKey,
		Correlation:    n.correlation(env),
	})
	if err != nil {
		return nil, "", err
	}
	result, _ := json.Marshal(receipt)
	return result, receipt.TxID, nil
}

// handleClearingConsent answers a proposed cycle offset.
func (n *Node) handleClearingConsent(ctx context.Context, env *network.Envelope, accept bool) (json.RawMessage, string, error) {
	var payload network.ClearingConsentPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, "", coreerrors.Wrap(coreerrors.CodeValidationError, "malformed consent payload", err)
	}
	if payload.ProposalID == "" {
		return nil, "", coreerrors.New(coreerrors.CodeValidationError, "proposal_id is required")
	}
	if !accept {
		if err := n.clearing.Reject(ctx, payload.ProposalID, env.From); err != nil {
			return nil, "", err
		}
		n.metrics.ObserveConsent("rejected")
		result, _ := json.Marshal(map[string]string{"proposal_id": payload.ProposalID, "state": string(types.TxStateRejected)})
		return result, payload.ProposalID, nil
	}
	executed, err := n.clearing.Accept(ctx, payload.ProposalID, env.From)
	if err != nil {
		return nil, "", err
	}
	state := types.TxStateWaiting
	if executed {
		state = types.TxStateCommitted
		n.metrics.ObserveConsent("accepted")
	}
	result, _ := json.Marshal(map[string]string{"proposal_id": payload.ProposalID, "state": string(state)})
	return result, payload.ProposalID, nil
}

// parseWireAmount converts a decimal wire string to minor units at the
// equivalent's precision. allowNegative admits compensation deltas.
func (n *Node) parseWireAmount(ctx context.Context, equivalent, value string, allowNegative bool) (*big.Int, error) {
	var precision uint8
	err := n.store.View(ctx, func(tx storage.Tx) error {
		eq, err := tx.GetEquivalent(equivalent)
		if err != nil {
			return coreerrors.Wrap(coreerrors.CodeValidationError, "unknown equivalent", err)
		}
		precision = eq.Precision
		return nil
	})
	if err != nil {
		return nil, err
	}
	value = strings.TrimSpace(value)
	negative := false
	if allowNegative && strings.HasPrefix(value, "-") {
		negative = true
		value = value[1:]
	}
	amount, err := types.ParsePositiveAmount(value, precision)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeValidationError, "invalid amount", err)
	}
	if negative {
		amount.Neg(amount)
	}
	return amount, nil
}
