package events

import "creditnet/core/types"

// Event represents a structured state change emitted by the hub.
type Event interface {
	EventType() string
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. audit sinks,
// indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events.
// Useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Correlation carries the ingress identifiers that must be propagated
// verbatim through all cascading events of a request.
type Correlation struct {
	RunID      string
	ScenarioID string
	RequestID  string
}

// Apply stamps the correlation identifiers onto a persisted event record.
func (c Correlation) Apply(evt *types.Event) {
	if evt == nil {
		return
	}
	evt.RunID = c.RunID
	evt.ScenarioID = c.ScenarioID
	evt.RequestID = c.RequestID
}
