package events

import (
	"strconv"
	"strings"

	"creditnet/core/types"
)

const (
	// TypePaymentCommitted is emitted once every route of a payment has been
	// committed.
	TypePaymentCommitted = "payment.committed"
	// TypePaymentAborted is emitted when a payment aborts for any reason.
	TypePaymentAborted = "payment.aborted"
	// TypePaymentInconsistency flags a prepared payment whose locks expired
	// before COMMIT could be confirmed. Operator review is required.
	TypePaymentInconsistency = "payment.inconsistency_candidate"
)

// PaymentCommitted records a successful multi-path payment.
type PaymentCommitted struct {
	TxID       string
	From       string
	To         string
	Equivalent string
	Amount     string
	Routes     int
}

// EventType satisfies the events.Event interface.
func (PaymentCommitted) EventType() string { return TypePaymentCommitted }

// Event converts the payload into a persistable record.
func (e PaymentCommitted) Event() *types.Event {
	attrs := map[string]string{
		"from":       e.From,
		"to":         e.To,
		"equivalent": e.Equivalent,
		"amount":     e.Amount,
	}
	if e.Routes > 0 {
		attrs["routes"] = strconv.Itoa(e.Routes)
	}
	return &types.Event{Type: TypePaymentCommitted, TxID: e.TxID, Actor: e.From, Attributes: attrs}
}

// PaymentAborted records a payment that could not complete.
type PaymentAborted struct {
	TxID       string
	From       string
	To         string
	Equivalent string
	Amount     string
	Reason     string
}

// EventType satisfies the events.Event interface.
func (PaymentAborted) EventType() string { return TypePaymentAborted }

// Event converts the payload into a persistable record.
func (e PaymentAborted) Event() *types.Event {
	attrs := map[string]string{
		"from":       e.From,
		"to":         e.To,
		"equivalent": e.Equivalent,
		"amount":     e.Amount,
	}
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		attrs["reason"] = reason
	}
	return &types.Event{Type: TypePaymentAborted, TxID: e.TxID, Actor: e.From, Attributes: attrs}
}

// PaymentInconsistency records a commit-retry exhaustion after PREPARE
// succeeded. The only path to manual reconciliation.
type PaymentInconsistency struct {
	TxID       string
	Equivalent string
	Detail     string
}

// EventType satisfies the events.Event interface.
func (PaymentInconsistency) EventType() string { return TypePaymentInconsistency }

// Event converts the payload into a persistable record.
func (e PaymentInconsistency) Event() *types.Event {
	return &types.Event{
		Type: TypePaymentInconsistency,
		TxID: e.TxID,
		Attributes: map[string]string{
			"equivalent": e.Equivalent,
			"detail":     e.Detail,
		},
	}
}
