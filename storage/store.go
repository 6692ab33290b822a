package storage

import (
	"context"
	"errors"
	"math/big"
	"time"

	"creditnet/core/types"
)

var (
	// ErrNotFound signals a missing row.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict signals a unique-constraint violation.
	ErrConflict = errors.New("storage: conflict")
	// ErrInvalidTransition signals an illegal transaction state move.
	ErrInvalidTransition = errors.New("storage: invalid state transition")
	// ErrIdempotencyConflict indicates a key reused with a different payload.
	ErrIdempotencyConflict = errors.New("storage: idempotency key conflict")
)

// DebtKey identifies a debt row. Row locks are always acquired in
// (Equivalent asc, Debtor asc, Creditor asc) order to avoid deadlock.
type DebtKey struct {
	Debtor     string
	Creditor   string
	Equivalent string
}

// Less imposes the deterministic lock order.
func (k DebtKey) Less(other DebtKey) bool {
	if k.Equivalent != other.Equivalent {
		return k.Equivalent < other.Equivalent
	}
	if k.Debtor != other.Debtor {
		return k.Debtor < other.Debtor
	}
	return k.Creditor < other.Creditor
}

// ChangeSet describes the rows a committed transaction touched. The graph
// index consumes it to stay in sync with storage.
type ChangeSet struct {
	Debts      []*types.Debt
	TrustLines []*types.TrustLine
}

// Empty reports whether the commit carried no graph-relevant changes.
func (c *ChangeSet) Empty() bool {
	return c == nil || (len(c.Debts) == 0 && len(c.TrustLines) == 0)
}

// CommitHook observes committed change sets before Update returns. Hooks run
// while the store still holds its commit section, so index readers never see
// storage ahead of the index.
type CommitHook func(ChangeSet)

// Tx is the transactional view the engines operate on. All reads inside
// Update observe serializable isolation; writes are visible only after the
// enclosing Update commits.
type Tx interface {
	// LockDebtRows takes row locks for every key, sorted into the canonical
	// order first. Must be called before mutating debts when more than one
	// row is involved.
	LockDebtRows(keys []DebtKey) error

	// Participants.
	GetParticipant(pid string) (*types.Participant, error)
	PutParticipant(p *types.Participant) error
	ListParticipants() ([]*types.Participant, error)

	// Equivalents.
	GetEquivalent(code string) (*types.Equivalent, error)
	PutEquivalent(eq *types.Equivalent) error
	ListEquivalents() ([]*types.Equivalent, error)

	// Trust lines, indexed by (from, to, equivalent).
	GetTrustLine(from, to, equivalent string) (*types.TrustLine, error)
	PutTrustLine(line *types.TrustLine) error
	DeleteTrustLine(from, to, equivalent string) error
	ListTrustLines(equivalent string) ([]*types.TrustLine, error)

	// Debts, indexed by (debtor, creditor, equivalent). ApplyDebtDelta is the
	// only write path: it nets counter-direction debt first, deletes rows
	// that reach zero, and never stores a non-positive amount.
	GetDebt(debtor, creditor, equivalent string) (*types.Debt, error)
	ApplyDebtDelta(key DebtKey, delta *big.Int) error
	ListDebts(equivalent string) ([]*types.Debt, error)
	DebtsTouching(pid, equivalent string) ([]*types.Debt, error)

	// Transactions. State changes go through SetTransactionState which
	// enforces the state machine.
	GetTransaction(id string) (*types.Transaction, error)
	GetTransactionByIdempotencyKey(key string) (*types.Transaction, error)
	PutTransaction(tx *types.Transaction) error
	SetTransactionState(id string, to types.TransactionState) error
	SetTransactionResult(id string, result []byte) error
	ListTransactionsInState(state types.TransactionState) ([]*types.Transaction, error)

	// Prepare locks.
	PutPrepareLock(lock *types.PrepareLock) error
	DeletePrepareLocks(txID string) error
	PrepareLocksByTx(txID string) ([]*types.PrepareLock, error)
	ExpiredPrepareLocks(now time.Time) ([]*types.PrepareLock, error)
	// PendingReserved sums the outstanding prepare-lock amounts on one debt
	// row. Routing and PREPARE checks subtract it from available credit.
	PendingReserved(key DebtKey) (*big.Int, error)

	// Audit log. Events persist in the same transaction as the mutation.
	AppendEvent(evt *types.Event) error
	EventsByTx(txID string) ([]*types.Event, error)

	// Integrity checkpoints.
	PutCheckpoint(cp *types.IntegrityCheckpoint) error
	LatestCheckpoint(equivalent string) (*types.IntegrityCheckpoint, error)
}

// Store is the persistence contract the hub owns exclusively.
type Store interface {
	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(Tx) error) error
	// Update runs fn in a serializable read-write transaction. If fn returns
	// an error the transaction rolls back and nothing is observable.
	Update(ctx context.Context, fn func(Tx) error) error
	// OnCommit registers a hook invoked with every committed change set.
	OnCommit(hook CommitHook)
	Close() error
}
