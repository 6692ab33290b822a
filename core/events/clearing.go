package events

import (
	"strings"

	"creditnet/core/types"
)

const (
	// TypeClearingExecuted is emitted when a debt cycle is netted out.
	TypeClearingExecuted = "clearing.executed"
	// TypeClearingSkipped is emitted when a detected cycle is not cleared
	// (below the minimum, consent rejected, or consent timed out).
	TypeClearingSkipped = "clearing.skipped"
)

// ClearingExecuted records a committed net-neutral cycle offset.
type ClearingExecuted struct {
	TxID       string
	Equivalent string
	Cycle      []string
	Amount     string
}

// EventType satisfies the events.Event interface.
func (ClearingExecuted) EventType() string { return TypeClearingExecuted }

// Event converts the payload into a persistable record.
func (e ClearingExecuted) Event() *types.Event {
	return &types.Event{
		Type: TypeClearingExecuted,
		TxID: e.TxID,
		Attributes: map[string]string{
			"equivalent": e.Equivalent,
			"cycle":      strings.Join(e.Cycle, ","),
			"amount":     e.Amount,
		},
	}
}

// ClearingSkipped records a cycle that was detected but not executed.
type ClearingSkipped struct {
	Equivalent string
	Cycle      []string
	Reason     string
}

// EventType satisfies the events.Event interface.
func (ClearingSkipped) EventType() string { return TypeClearingSkipped }

// Event converts the payload into a persistable record.
func (e ClearingSkipped) Event() *types.Event {
	return &types.Event{
		Type: TypeClearingSkipped,
		Attributes: map[string]string{
			"equivalent": e.Equivalent,
			"cycle":      strings.Join(e.Cycle, ","),
			"reason":     e.Reason,
		},
	}
}

const (
	// TypeIntegrityViolation is emitted when an invariant check fails and the
	// equivalent is locked for writes.
	TypeIntegrityViolation = "integrity.violation"
)

// IntegrityViolation records a failed invariant check.
type IntegrityViolation struct {
	Equivalent string
	Check      string
	Severity   string
	Detail     string
}

// EventType satisfies the events.Event interface.
func (IntegrityViolation) EventType() string { return TypeIntegrityViolation }

// Event converts the payload into a persistable record.
func (e IntegrityViolation) Event() *types.Event {
	return &types.Event{
		Type: TypeIntegrityViolation,
		Attributes: map[string]string{
			"equivalent": e.Equivalent,
			"check":      e.Check,
			"severity":   e.Severity,
			"detail":     e.Detail,
		},
	}
}
