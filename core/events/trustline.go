package events

import "creditnet/core/types"

const (
	// TypeTrustLineCreated is emitted when a new credit line becomes active.
	TypeTrustLineCreated = "trustline.created"
	// TypeTrustLineUpdated is emitted on limit or policy changes.
	TypeTrustLineUpdated = "trustline.updated"
	// TypeTrustLineClosed is emitted when a line with zero dependent debt is
	// closed.
	TypeTrustLineClosed = "trustline.closed"
)

// TrustLineChanged covers create, update and close of a credit line.
type TrustLineChanged struct {
	Kind       string
	TxID       string
	From       string
	To         string
	Equivalent string
	Limit      string
}

// EventType satisfies the events.Event interface.
func (e TrustLineChanged) EventType() string { return e.Kind }

// Event converts the payload into a persistable record.
func (e TrustLineChanged) Event() *types.Event {
	attrs := map[string]string{
		"from":       e.From,
		"to":         e.To,
		"equivalent": e.Equivalent,
	}
	if e.Limit != "" {
		attrs["limit"] = e.Limit
	}
	return &types.Event{Type: e.Kind, TxID: e.TxID, Actor: e.From, Attributes: attrs}
}

const (
	// TypeParticipantCreated is emitted after successful registration.
	TypeParticipantCreated = "participant.created"
	// TypeParticipantFrozen is emitted when an admin suspends a participant.
	TypeParticipantFrozen = "participant.frozen"
	// TypeParticipantUnfrozen is emitted when a suspension is lifted.
	TypeParticipantUnfrozen = "participant.unfrozen"
)

// ParticipantLifecycle covers registration and admin freeze actions.
type ParticipantLifecycle struct {
	Kind  string
	PID   string
	Actor string
}

// EventType satisfies the events.Event interface.
func (e ParticipantLifecycle) EventType() string { return e.Kind }

// Event converts the payload into a persistable record.
func (e ParticipantLifecycle) Event() *types.Event {
	actor := e.Actor
	if actor == "" {
		actor = e.PID
	}
	return &types.Event{
		Type:       e.Kind,
		Actor:      actor,
		Attributes: map[string]string{"pid": e.PID},
	}
}

const (
	// TypeConfigChanged is emitted whenever a runtime-mutable option changes.
	TypeConfigChanged = "config.changed"
)

// ConfigChanged records an audited dynamic configuration update.
type ConfigChanged struct {
	Key   string
	Old   string
	New   string
	Actor string
}

// EventType satisfies the events.Event interface.
func (ConfigChanged) EventType() string { return TypeConfigChanged }

// Event converts the payload into a persistable record.
func (e ConfigChanged) Event() *types.Event {
	return &types.Event{
		Type:  TypeConfigChanged,
		Actor: e.Actor,
		Attributes: map[string]string{
			"key": e.Key,
			"old": e.Old,
			"new": e.New,
		},
	}
}
