package node

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	coreerrors "creditnet/core/errors"
	"creditnet/core/events"
	"creditnet/crypto"
	"creditnet/network"
	"creditnet/storage"
)

// Handle verifies and dispatches one signed envelope. Every reply is a
// network.Response; protocol failures surface as coded errors in the
// response, never as transport errors.
func (n *Node) Handle(ctx context.Context, env *network.Envelope) *network.Response {
	resp := &network.Response{MsgID: env.MsgID, TxID: env.TxID}

	if err := n.checkFreshness(env); err != nil {
		return fail(resp, err)
	}
	if env.MsgType == network.MsgPing {
		resp.OK = true
		resp.Result, _ = json.Marshal(map[string]string{"msg_type": network.MsgPong})
		return resp
	}
	if env.MsgType == network.MsgRegister {
		result, err := n.handleRegister(ctx, env)
		if err != nil {
			return fail(resp, err)
		}
		resp.OK = true
		resp.Result = result
		return resp
	}

	if err := n.authenticate(ctx, env); err != nil {
		return fail(resp, err)
	}

	result, txID, err := n.dispatch(ctx, env)
	if err != nil {
		return fail(resp, err)
	}
	resp.OK = true
	resp.Result = result
	if txID != "" {
		resp.TxID = txID
	}
	return resp
}

func fail(resp *network.Response, err error) *network.Response {
	resp.OK = false
	resp.Code = string(coreerrors.CodeOf(err))
	resp.Message = err.Error()
	var coded *coreerrors.Error
	if errors.As(err, &coded) && len(coded.Details) > 0 {
		resp.Details = coded.Details
	}
	return resp
}

// checkFreshness rejects envelopes whose timestamp drifts beyond the
// configured window, defeating replay of captured frames.
func (n *Node) checkFreshness(env *network.Envelope) error {
	drift := time.Duration(n.cfg.Snapshot().Timeouts.MaxClockDriftSeconds) * time.Second
	now := n.nowFn()
	if env.Timestamp.Before(now.Add(-drift)) || env.Timestamp.After(now.Add(drift)) {
		return coreerrors.New(coreerrors.CodeExpiredRequest, "envelope timestamp outside the accepted window").
			WithDetail("timestamp", env.Timestamp.UTC().Format(time.RFC3339)).
			WithDetail("now", now.Format(time.RFC3339))
	}
	return nil
}

// authenticate resolves the sender and verifies the envelope signature
// against the stored public key.
func (n *Node) authenticate(ctx context.Context, env *network.Envelope) error {
	if env.From == "" {
		return coreerrors.New(coreerrors.CodeValidationError, "envelope has no sender")
	}
	var publicKey []byte
	err := n.store.View(ctx, func(tx storage.Tx) error {
		p, err := tx.GetParticipant(env.From)
		if err != nil {
			return err
		}
		publicKey = p.PublicKey
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return coreerrors.New(coreerrors.CodeUnauthorized, "unknown sender").WithDetail("pid", env.From)
		}
		return err
	}
	if err := env.VerifySignature(publicKey); err != nil {
		return coreerrors.Wrap(coreerrors.CodeInvalidSignature, "envelope signature rejected", err)
	}
	return nil
}

func (n *Node) correlation(env *network.Envelope) events.Correlation {
	return events.Correlation{RunID: env.RunID, ScenarioID: env.Scenario, RequestID: env.RequestID}
}

func (n *Node) requireAdmin(pid string) error {
	if !n.admins[pid] {
		return coreerrors.New(coreerrors.CodeUnauthorized, "operation requires an administrator").
			WithDetail("pid", pid)
	}
	return nil
}

// dispatch routes an authenticated envelope to its handler.
func (n *Node) dispatch(ctx context.Context, env *network.Envelope) (json.RawMessage, string, error) {
	switch env.MsgType {
	case network.MsgParticipantFreeze:
		return n.handleFreeze(ctx, env)
	case network.MsgParticipantRestore:
		return n.handleRestore(ctx, env)
	case network.MsgParticipantLeave:
		return n.handleLeave(ctx, env)
	case network.MsgEquivalentCreate:
		return n.handleEquivalentCreate(ctx, env)
	case network.MsgEquivalentDeactivate:
		return n.handleEquivalentDeactivate(ctx, env)
	case network.MsgTrustLineCreate, network.MsgTrustLineUpdate, network.MsgTrustLineClose:
		return n.handleTrustLine(ctx, env)
	case network.MsgPayment:
		return n.handlePayment(ctx, env)
	case network.MsgCompensation:
		return n.handleCompensation(ctx, env)
	case network.MsgClearingAccept:
		return n.handleClearingConsent(ctx, env, true)
	case network.MsgClearingReject:
		return n.handleClearingConsent(ctx, env, false)
	case network.MsgConfigSet:
		return n.handleConfigSet(ctx, env)
	case network.MsgIntegrityUnlock:
		return n.handleIntegrityUnlock(ctx, env)
	default:
		return nil, "", coreerrors.New(coreerrors.CodeValidationError, "unknown message type").
			WithDetail("msg_type", env.MsgType)
	}
}

// handleRegister creates a participant from its public key. The envelope is
// verified against the key being registered, and the claimed PID must be the
// key's digest.
func (n *Node) handleRegister(ctx context.Context, env *network.Envelope) (json.RawMessage, error) {
	var payload network.RegisterPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeValidationError, "malformed register payload", err)
	}
	if _, err := crypto.PublicKeyFromBytes(payload.PublicKey); err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeValidationError, "invalid public key", err)
	}
	if derived := crypto.DerivePID(payload.PublicKey); derived != env.From {
		return nil, coreerrors.New(coreerrors.CodeValidationError, "sender PID does not match the public key digest").
			WithDetail("derived", derived)
	}
	if err := env.VerifySignature(payload.PublicKey); err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeInvalidSignature, "envelope signature rejected", err)
	}
	participant, err := n.registerParticipant(ctx, env.From, payload.PublicKey, payload.Profile, n.correlation(env))
	if err != nil {
		return nil, err
	}
	result, _ := json.Marshal(map[string]string{
		"pid":    participant.PID,
		"status": string(participant.Status),
	})
	return result, nil
}

// handleConfigSet applies one runtime configuration change and audits it.
func (n *Node) handleConfigSet(ctx context.Context, env *network.Envelope) (json.RawMessage, string, error) {
	if err := n.requireAdmin(env.From); err != nil {
		return nil, "", err
	}
	var payload network.ConfigSetPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, "", coreerrors.Wrap(coreerrors.CodeValidationError, "malformed config payload", err)
	}
	old, err := n.cfg.Set(payload.Key, payload.Value)
	if err != nil {
		return nil, "", coreerrors.Wrap(coreerrors.CodeValidationError, "config update rejected", err)
	}
	snapshot := n.cfg.Snapshot()
	n.payments.SetTimeouts(
		time.Duration(snapshot.Timeouts.PrepareMillis)*time.Millisecond,
		time.Duration(snapshot.Timeouts.CommitMillis)*time.Millisecond,
		time.Duration(snapshot.Timeouts.OverallMillis)*time.Millisecond,
	)
	n.clearing.SetBounds(
		snapshot.Clearing.TriggerCyclesMaxLength,
		snapshot.Clearing.MaxCyclesPerRun,
		snapshot.Clearing.MinClearingAmount,
		time.Duration(snapshot.Clearing.ConsentTimeoutSeconds)*time.Second,
	)
	if err := n.auditConfigChange(ctx, env, payload.Key, old, payload.Value); err != nil {
		return nil, "", err
	}
	n.Emit(events.ConfigChanged{Key: payload.Key, Old: old, New: payload.Value, Actor: env.From})
	result, _ := json.Marshal(map[string]string{"key": payload.Key, "old": old, "new": payload.Value})
	return result, "", nil
}

// handleIntegrityUnlock lifts the quarantine on an equivalent after the
// invariants re-verify clean.
func (n *Node) handleIntegrityUnlock(ctx context.Context, env *network.Envelope) (json.RawMessage, string, error) {
	if err := n.requireAdmin(env.From); err != nil {
		return nil, "", err
	}
	var payload network.IntegrityUnlockPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, "", coreerrors.Wrap(coreerrors.CodeValidationError, "malformed unlock payload", err)
	}
	if err := n.checker.Unlock(ctx, payload.Equivalent, env.From); err != nil {
		return nil, "", err
	}
	result, _ := json.Marshal(map[string]string{"equivalent": payload.Equivalent, "locked": "false"})
	return result, "", nil
}
