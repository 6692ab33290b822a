package types

import (
	"math/big"
	"time"
)

// TransactionType enumerates the append-only ledger record kinds.
type TransactionType string

const (
	TxTrustLineCreate TransactionType = "TRUST_LINE_CREATE"
	TxTrustLineUpdate TransactionType = "TRUST_LINE_UPDATE"
	TxTrustLineClose  TransactionType = "TRUST_LINE_CLOSE"
	TxPayment         TransactionType = "PAYMENT"
	TxClearing        TransactionType = "CLEARING"
	TxCompensation    TransactionType = "COMPENSATION"
)

// TransactionState is the only mutable field of a transaction row.
type TransactionState string

const (
	TxStateNew       TransactionState = "NEW"
	TxStateRouted    TransactionState = "ROUTED"
	TxStatePreparing TransactionState = "PREPARING"
	TxStatePrepared  TransactionState = "PREPARED"
	TxStateCommitted TransactionState = "COMMITTED"
	TxStateAborted   TransactionState = "ABORTED"
	TxStateProposed  TransactionState = "PROPOSED"
	TxStateWaiting   TransactionState = "WAITING"
	TxStateRejected  TransactionState = "REJECTED"
)

// Terminal reports whether the state machine can no longer advance.
func (s TransactionState) Terminal() bool {
	switch s {
	case TxStateCommitted, TxStateAborted, TxStateRejected:
		return true
	}
	return false
}

// validTransitions is the closed set of permitted state moves.
var validTransitions = map[TransactionState][]TransactionState{
	TxStateNew:       {TxStateRouted, TxStatePreparing, TxStateProposed, TxStateAborted, TxStateRejected},
	TxStateRouted:    {TxStatePreparing, TxStateAborted},
	TxStatePreparing: {TxStatePrepared, TxStateAborted},
	TxStatePrepared:  {TxStateCommitted, TxStateAborted},
	TxStateProposed:  {TxStateWaiting, TxStateCommitted, TxStateRejected, TxStateAborted},
	TxStateWaiting:   {TxStateCommitted, TxStateRejected, TxStateAborted},
}

// CanTransition reports whether from → to is a legal state machine move.
func CanTransition(from, to TransactionState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Signature pairs a participant with its Ed25519 signature over the canonical
// payload.
type Signature struct {
	PID       string `json:"pid"`
	Signature []byte `json:"signature"`
}

// Transaction is an append-only ledger row. History is immutable; corrections
// happen through new COMPENSATION rows.
type Transaction struct {
	ID             string
	Type           TransactionType
	Initiator      string
	Equivalent     string
	Payload        []byte
	Signatures     []Signature
	State          TransactionState
	IdempotencyKey string
	PayloadHash    string
	Result         []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PrepareLock reserves an effect delta on a debt row during the PREPARE phase
// of a payment. Released on COMMIT/ABORT or by the expiry sweep.
type PrepareLock struct {
	TxID       string
	Debtor     string
	Creditor   string
	Equivalent string
	Amount     *big.Int
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Expired reports whether the reservation has passed its deadline.
func (l *PrepareLock) Expired(now time.Time) bool {
	return l != nil && now.After(l.ExpiresAt)
}

// IntegrityCheckpoint is a persisted snapshot of an equivalent's aggregate
// state, written after each successful full check.
type IntegrityCheckpoint struct {
	Equivalent       string
	Checksum         string
	TotalDebt        *big.Int
	DebtCount        int
	ParticipantCount int
	CreatedAt        time.Time
}

// Event is the audit-log record persisted in the same storage transaction as
// the mutation that caused it.
type Event struct {
	ID         string
	Type       string
	TxID       string
	Actor      string
	RunID      string
	ScenarioID string
	RequestID  string
	Attributes map[string]string
	CreatedAt  time.Time
}
