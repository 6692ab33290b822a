package node

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	coreerrors "creditnet/core/errors"
	"creditnet/core/events"
	"creditnet/core/types"
	"creditnet/network"
	"creditnet/storage"
)

// registerParticipant creates the participant row and the audit event in one
// transaction. Registering the same key twice returns the existing row.
func (n *Node) registerParticipant(ctx context.Context, pid string, publicKey []byte, profile map[string]string, corr events.Correlation) (*types.Participant, error) {
	var out *types.Participant
	err := n.store.Update(ctx, func(tx storage.Tx) error {
		if existing, err := tx.GetParticipant(pid); err == nil {
			out = existing
			return nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		now := n.nowFn()
		participant := &types.Participant{
			PID:       pid,
			PublicKey: append([]byte(nil), publicKey...),
			Status:    types.ParticipantActive,
			Profile:   profile,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.PutParticipant(participant); err != nil {
			return err
		}
		out = participant
		evt := events.ParticipantLifecycle{Kind: events.TypeParticipantCreated, PID: pid}.Event()
		corr.Apply(evt)
		evt.ID = uuid.NewString()
		evt.CreatedAt = now
		return tx.AppendEvent(evt)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// setParticipantStatus transitions a participant's lifecycle status and
// audits the move.
func (n *Node) setParticipantStatus(ctx context.Context, pid string, to types.ParticipantStatus, kind, actor string, corr events.Correlation) error {
	return n.store.Update(ctx, func(tx storage.Tx) error {
		participant, err := tx.GetParticipant(pid)
		if err != nil {
			return err
		}
		if participant.Status == types.ParticipantDeleted {
			return coreerrors.New(coreerrors.CodeStateConflict, "participant has left the network").
				WithDetail("pid", pid)
		}
		now := n.nowFn()
		if to == types.ParticipantDeleted {
			// leaving requires a clean slate: no debt in either direction
			equivalents, err := tx.ListEquivalents()
			if err != nil {
				return err
			}
			for _, eq := range equivalents {
				debts, err := tx.DebtsTouching(pid, eq.Code)
				if err != nil {
					return err
				}
				if len(debts) > 0 {
					return coreerrors.New(coreerrors.CodeStateConflict, "participant still has outstanding debt").
						WithDetail("pid", pid).
						WithDetail("equivalent", eq.Code)
				}
			}
			participant.Anonymize(now)
		} else {
			participant.Status = to
			participant.UpdatedAt = now
		}
		if err := tx.PutParticipant(participant); err != nil {
			return err
		}
		evt := events.ParticipantLifecycle{Kind: kind, PID: pid, Actor: actor}.Event()
		corr.Apply(evt)
		evt.ID = uuid.NewString()
		evt.CreatedAt = now
		return tx.AppendEvent(evt)
	})
}

// handleFreeze suspends a participant. Self-service or administrative.
func (n *Node) handleFreeze(ctx context.Context, env *network.Envelope) (json.RawMessage, string, error) {
	target, err := n.lifecycleTarget(env)
	if err != nil {
		return nil, "", err
	}
	err = n.setParticipantStatus(ctx, target, types.ParticipantSuspended, events.TypeParticipantFrozen, env.From, n.correlation(env))
	if err != nil {
		return nil, "", err
	}
	result, _ := json.Marshal(map[string]string{"pid": target, "status": string(types.ParticipantSuspended)})
	return result, "", nil
}

// handleRestore lifts a suspension.
func (n *Node) handleRestore(ctx context.Context, env *network.Envelope) (json.RawMessage, string, error) {
	target, err := n.lifecycleTarget(env)
	if err != nil {
		return nil, "", err
	}
	err = n.setParticipantStatus(ctx, target, types.ParticipantActive, events.TypeParticipantUnfrozen, env.From, n.correlation(env))
	if err != nil {
		return nil, "", err
	}
	result, _ := json.Marshal(map[string]string{"pid": target, "status": string(types.ParticipantActive)})
	return result, "", nil
}

// handleLeave anonymizes the sender and marks them deleted. Refused while
// debt remains in either direction.
func (n *Node) handleLeave(ctx context.Context, env *network.Envelope) (json.RawMessage, string, error) {
	err := n.setParticipantStatus(ctx, env.From, types.ParticipantDeleted, "participant.left", env.From, n.correlation(env))
	if err != nil {
		return nil, "", err
	}
	result, _ := json.Marshal(map[string]string{"pid": env.From, "status": string(types.ParticipantDeleted)})
	return result, "", nil
}

// lifecycleTarget resolves who a freeze/restore acts on: self, or any
// participant when the sender is an administrator.
func (n *Node) lifecycleTarget(env *network.Envelope) (string, error) {
	var payload struct {
		PID string `json:"pid"`
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return "", coreerrors.Wrap(coreerrors.CodeValidationError, "malformed lifecycle payload", err)
		}
	}
	if payload.PID == "" || payload.PID == env.From {
		return env.From, nil
	}
	if err := n.requireAdmin(env.From); err != nil {
		return "", err
	}
	return payload.PID, nil
}

// handleEquivalentCreate registers a unit of account. Admin-only; codes are
// immutable once created.
func (n *Node) handleEquivalentCreate(ctx context.Context, env *network.Envelope) (json.RawMessage, string, error) {
	if err := n.requireAdmin(env.From); err != nil {
		return nil, "", err
	}
	var payload network.EquivalentPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, "", coreerrors.Wrap(coreerrors.CodeValidationError, "malformed equivalent payload", err)
	}
	code := types.NormalizeEquivalentCode(payload.Code)
	if !types.ValidEquivalentCode(code) {
		return nil, "", coreerrors.New(coreerrors.CodeValidationError, "equivalent code must be 1-16 chars of [A-Z0-9_]").
			WithDetail("code", payload.Code)
	}
	if payload.Precision > 8 {
		return nil, "", coreerrors.New(coreerrors.CodeValidationError, "precision must be between 0 and 8")
	}
	kind := types.EquivalentType(payload.Type)
	switch kind {
	case types.EquivalentFiat, types.EquivalentTime, types.EquivalentCommodity, types.EquivalentCustom:
	case "":
		kind = types.EquivalentCustom
	default:
		return nil, "", coreerrors.New(coreerrors.CodeValidationError, "unknown equivalent type").
			WithDetail("type", payload.Type)
	}
	err := n.store.Update(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetEquivalent(code); err == nil {
			return coreerrors.New(coreerrors.CodeConflict, "equivalent already exists").WithDetail("code", code)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return tx.PutEquivalent(&types.Equivalent{
			Code:      code,
			Precision: payload.Precision,
			Type:      kind,
			Active:    true,
			CreatedAt: n.nowFn(),
		})
	})
	if err != nil {
		return nil, "", err
	}
	result, _ := json.Marshal(map[string]string{"code": code})
	return result, "", nil
}

// handleEquivalentDeactivate stops new activity in a unit of account.
// Existing debt remains visible and clearable.
func (n *Node) handleEquivalentDeactivate(ctx context.Context, env *network.Envelope) (json.RawMessage, string, error) {
	if err := n.requireAdmin(env.From); err != nil {
		return nil, "", err
	}
	var payload network.EquivalentPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, "", coreerrors.Wrap(coreerrors.CodeValidationError, "malformed equivalent payload", err)
	}
	code := types.NormalizeEquivalentCode(payload.Code)
	err := n.store.Update(ctx, func(tx storage.Tx) error {
		eq, err := tx.GetEquivalent(code)
		if err != nil {
			return err
		}
		eq.Active = false
		return tx.PutEquivalent(eq)
	})
	if err != nil {
		return nil, "", err
	}
	result, _ := json.Marshal(map[string]string{"code": code, "active": "false"})
	return result, "", nil
}

// auditConfigChange persists the config.changed event.
func (n *Node) auditConfigChange(ctx context.Context, env *network.Envelope, key, old, value string) error {
	return n.store.Update(ctx, func(tx storage.Tx) error {
		evt := events.ConfigChanged{Key: key, Old: old, New: value, Actor: env.From}.Event()
		n.correlation(env).Apply(evt)
		evt.ID = uuid.NewString()
		evt.CreatedAt = n.nowFn()
		return tx.AppendEvent(evt)
	})
}
