package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"creditnet/core/types"
)

var errReadOnly = errors.New("storage: write inside read-only transaction")

// MemStore is the reference implementation of the Store contract. A single
// mutex provides serializable isolation: Update holds the write lock for the
// whole transaction, View holds the read lock. Mutations stage into overlay
// maps and merge into the base state on commit, so a failed Update leaves no
// trace.
type MemStore struct {
	mu    sync.RWMutex
	hooks []CommitHook

	participants map[string]*types.Participant
	equivalents  map[string]*types.Equivalent
	trustLines   map[string]*types.TrustLine
	debts        map[string]*types.Debt
	transactions map[string]*types.Transaction
	txByIdemKey  map[string]string
	locks        map[string]map[string]*types.PrepareLock
	events       []*types.Event
	checkpoints  map[string][]*types.IntegrityCheckpoint
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		participants: make(map[string]*types.Participant),
		equivalents:  make(map[string]*types.Equivalent),
		trustLines:   make(map[string]*types.TrustLine),
		debts:        make(map[string]*types.Debt),
		transactions: make(map[string]*types.Transaction),
		txByIdemKey:  make(map[string]string),
		locks:        make(map[string]map[string]*types.PrepareLock),
		checkpoints:  make(map[string][]*types.IntegrityCheckpoint),
	}
}

// OnCommit registers a hook observing committed change sets.
func (s *MemStore) OnCommit(hook CommitHook) {
	if hook == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Close satisfies the Store interface.
func (s *MemStore) Close() error { return nil }

// View runs fn against a consistent snapshot.
func (s *MemStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx := newMemTx(s, true)
	return fn(tx)
}

// Update runs fn in a serializable read-write transaction.
func (s *MemStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := newMemTx(s, false)
	if err := fn(tx); err != nil {
		return err
	}
	changes := tx.commit()
	if !changes.Empty() {
		for _, hook := range s.hooks {
			hook(changes)
		}
	}
	return nil
}

func lineKey(from, to, equivalent string) string {
	return equivalent + "|" + from + "|" + to
}

func debtKey(k DebtKey) string {
	return k.Equivalent + "|" + k.Debtor + "|" + k.Creditor
}

type memTx struct {
	store    *MemStore
	readOnly bool

	participants map[string]*types.Participant
	equivalents  map[string]*types.Equivalent
	trustLines   map[string]*types.TrustLine
	linesDeleted map[string]bool
	debts        map[string]*types.Debt
	debtsDeleted map[string]bool
	transactions map[string]*types.Transaction
	idemStaged   map[string]string
	locksPut     map[string]map[string]*types.PrepareLock
	locksDropped map[string]bool
	events       []*types.Event
	checkpoints  []*types.IntegrityCheckpoint
	touchedLines map[string]bool
}

func newMemTx(store *MemStore, readOnly bool) *memTx {
	return &memTx{
		store:        store,
		readOnly:     readOnly,
		participants: make(map[string]*types.Participant),
		equivalents:  make(map[string]*types.Equivalent),
		trustLines:   make(map[string]*types.TrustLine),
		linesDeleted: make(map[string]bool),
		debts:        make(map[string]*types.Debt),
		debtsDeleted: make(map[string]bool),
		transactions: make(map[string]*types.Transaction),
		idemStaged:   make(map[string]string),
		locksPut:     make(map[string]map[string]*types.PrepareLock),
		locksDropped: make(map[string]bool),
		touchedLines: make(map[string]bool),
	}
}

// commit merges the overlay into the base state and reports the change set.
// Caller holds the store write lock.
func (t *memTx) commit() ChangeSet {
	var changes ChangeSet
	for pid, p := range t.participants {
		t.store.participants[pid] = p
	}
	for code, eq := range t.equivalents {
		t.store.equivalents[code] = eq
	}
	for key := range t.linesDeleted {
		delete(t.store.trustLines, key)
	}
	for key, line := range t.trustLines {
		t.store.trustLines[key] = line
		changes.TrustLines = append(changes.TrustLines, line.Clone())
	}
	for key := range t.debtsDeleted {
		if existing, ok := t.store.debts[key]; ok {
			delete(t.store.debts, key)
			removed := existing.Clone()
			removed.Amount = big.NewInt(0)
			changes.Debts = append(changes.Debts, removed)
		}
	}
	for key, debt := range t.debts {
		t.store.debts[key] = debt
		changes.Debts = append(changes.Debts, debt.Clone())
	}
	for id, tx := range t.transactions {
		t.store.transactions[id] = tx
	}
	for key, id := range t.idemStaged {
		t.store.txByIdemKey[key] = id
	}
	for txID := range t.locksDropped {
		delete(t.store.locks, txID)
	}
	for txID, rows := range t.locksPut {
		bucket := t.store.locks[txID]
		if bucket == nil {
			bucket = make(map[string]*types.PrepareLock)
			t.store.locks[txID] = bucket
		}
		for key, lock := range rows {
			bucket[key] = lock
		}
	}
	t.store.events = append(t.store.events, t.events...)
	for _, cp := range t.checkpoints {
		t.store.checkpoints[cp.Equivalent] = append(t.store.checkpoints[cp.Equivalent], cp)
	}
	return changes
}

// LockDebtRows sorts the keys into canonical order. The store-wide mutex
// already serializes writers; sorting keeps the SQL implementation and this
// one behaviourally identical.
func (t *memTx) LockDebtRows(keys []DebtKey) error {
	if t.readOnly {
		return errReadOnly
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return nil
}

func (t *memTx) GetParticipant(pid string) (*types.Participant, error) {
	if p, ok := t.participants[pid]; ok {
		return cloneParticipant(p), nil
	}
	if p, ok := t.store.participants[pid]; ok {
		return cloneParticipant(p), nil
	}
	return nil, fmt.Errorf("%w: participant %s", ErrNotFound, pid)
}

func (t *memTx) PutParticipant(p *types.Participant) error {
	if t.readOnly {
		return errReadOnly
	}
	t.participants[p.PID] = cloneParticipant(p)
	return nil
}

func (t *memTx) ListParticipants() ([]*types.Participant, error) {
	seen := make(map[string]bool, len(t.participants))
	out := make([]*types.Participant, 0, len(t.store.participants))
	for pid, p := range t.participants {
		seen[pid] = true
		out = append(out, cloneParticipant(p))
	}
	for pid, p := range t.store.participants {
		if !seen[pid] {
			out = append(out, cloneParticipant(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

func (t *memTx) GetEquivalent(code string) (*types.Equivalent, error) {
	if eq, ok := t.equivalents[code]; ok {
		out := *eq
		return &out, nil
	}
	if eq, ok := t.store.equivalents[code]; ok {
		out := *eq
		return &out, nil
	}
	return nil, fmt.Errorf("%w: equivalent %s", ErrNotFound, code)
}

func (t *memTx) PutEquivalent(eq *types.Equivalent) error {
	if t.readOnly {
		return errReadOnly
	}
	copied := *eq
	t.equivalents[eq.Code] = &copied
	return nil
}

func (t *memTx) ListEquivalents() ([]*types.Equivalent, error) {
	seen := make(map[string]bool, len(t.equivalents))
	out := make([]*types.Equivalent, 0, len(t.store.equivalents))
	for code, eq := range t.equivalents {
		seen[code] = true
		copied := *eq
		out = append(out, &copied)
	}
	for code, eq := range t.store.equivalents {
		if !seen[code] {
			copied := *eq
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (t *memTx) GetTrustLine(from, to, equivalent string) (*types.TrustLine, error) {
	key := lineKey(from, to, equivalent)
	if t.linesDeleted[key] {
		return nil, fmt.Errorf("%w: trust line %s", ErrNotFound, key)
	}
	if line, ok := t.trustLines[key]; ok {
		return line.Clone(), nil
	}
	if line, ok := t.store.trustLines[key]; ok {
		return line.Clone(), nil
	}
	return nil, fmt.Errorf("%w: trust line %s", ErrNotFound, key)
}

func (t *memTx) PutTrustLine(line *types.TrustLine) error {
	if t.readOnly {
		return errReadOnly
	}
	key := lineKey(line.From, line.To, line.Equivalent)
	delete(t.linesDeleted, key)
	t.trustLines[key] = line.Clone()
	return nil
}

func (t *memTx) DeleteTrustLine(from, to, equivalent string) error {
	if t.readOnly {
		return errReadOnly
	}
	key := lineKey(from, to, equivalent)
	delete(t.trustLines, key)
	t.linesDeleted[key] = true
	return nil
}

func (t *memTx) ListTrustLines(equivalent string) ([]*types.TrustLine, error) {
	out := make([]*types.TrustLine, 0)
	emit := func(key string, line *types.TrustLine) {
		if equivalent != "" && line.Equivalent != equivalent {
			return
		}
		out = append(out, line.Clone())
	}
	for key, line := range t.trustLines {
		emit(key, line)
	}
	for key, line := range t.store.trustLines {
		if _, staged := t.trustLines[key]; staged || t.linesDeleted[key] {
			continue
		}
		emit(key, line)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Equivalent != b.Equivalent {
			return a.Equivalent < b.Equivalent
		}
		if a.From != b.From {
			return a.From < b.From
		}
		return a.To < b.To
	})
	return out, nil
}

func (t *memTx) GetDebt(debtor, creditor, equivalent string) (*types.Debt, error) {
	key := debtKey(DebtKey{Debtor: debtor, Creditor: creditor, Equivalent: equivalent})
	if t.debtsDeleted[key] {
		return nil, fmt.Errorf("%w: debt %s", ErrNotFound, key)
	}
	if debt, ok := t.debts[key]; ok {
		return debt.Clone(), nil
	}
	if debt, ok := t.store.debts[key]; ok {
		return debt.Clone(), nil
	}
	return nil, fmt.Errorf("%w: debt %s", ErrNotFound, key)
}

// ApplyDebtDelta is the single debt write path. A positive delta increases
// debtor→creditor after netting any counter-direction debt; a negative delta
// is applied as a positive delta on the reversed pair. Rows hitting zero are
// deleted inside the same transaction.
func (t *memTx) ApplyDebtDelta(key DebtKey, delta *big.Int) error {
	if t.readOnly {
		return errReadOnly
	}
	if delta == nil || delta.Sign() == 0 {
		return nil
	}
	if delta.Sign() < 0 {
		reversed := DebtKey{Debtor: key.Creditor, Creditor: key.Debtor, Equivalent: key.Equivalent}
		return t.ApplyDebtDelta(reversed, new(big.Int).Neg(delta))
	}
	remaining := new(big.Int).Set(delta)

	counterKey := DebtKey{Debtor: key.Creditor, Creditor: key.Debtor, Equivalent: key.Equivalent}
	if counter, err := t.GetDebt(counterKey.Debtor, counterKey.Creditor, counterKey.Equivalent); err == nil {
		net := new(big.Int).Set(counter.Amount)
		if net.Cmp(remaining) > 0 {
			net.Set(remaining)
		}
		counter.Amount = new(big.Int).Sub(counter.Amount, net)
		remaining.Sub(remaining, net)
		counter.UpdatedAt = time.Now().UTC()
		t.stageDebt(counterKey, counter)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	if remaining.Sign() == 0 {
		return nil
	}
	current, err := t.GetDebt(key.Debtor, key.Creditor, key.Equivalent)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		current = &types.Debt{
			Debtor:     key.Debtor,
			Creditor:   key.Creditor,
			Equivalent: key.Equivalent,
			Amount:     big.NewInt(0),
		}
	}
	current.Amount = new(big.Int).Add(current.Amount, remaining)
	current.UpdatedAt = time.Now().UTC()
	t.stageDebt(key, current)
	return nil
}

func (t *memTx) stageDebt(key DebtKey, debt *types.Debt) {
	k := debtKey(key)
	if debt.Amount.Sign() <= 0 {
		delete(t.debts, k)
		t.debtsDeleted[k] = true
		return
	}
	delete(t.debtsDeleted, k)
	t.debts[k] = debt.Clone()
}

func (t *memTx) ListDebts(equivalent string) ([]*types.Debt, error) {
	out := make([]*types.Debt, 0)
	for _, debt := range t.debts {
		if equivalent == "" || debt.Equivalent == equivalent {
			out = append(out, debt.Clone())
		}
	}
	for key, debt := range t.store.debts {
		if _, staged := t.debts[key]; staged || t.debtsDeleted[key] {
			continue
		}
		if equivalent == "" || debt.Equivalent == equivalent {
			out = append(out, debt.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Equivalent != b.Equivalent {
			return a.Equivalent < b.Equivalent
		}
		if a.Debtor != b.Debtor {
			return a.Debtor < b.Debtor
		}
		return a.Creditor < b.Creditor
	})
	return out, nil
}

func (t *memTx) DebtsTouching(pid, equivalent string) ([]*types.Debt, error) {
	all, err := t.ListDebts(equivalent)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, debt := range all {
		if debt.Debtor == pid || debt.Creditor == pid {
			out = append(out, debt)
		}
	}
	return out, nil
}

func (t *memTx) GetTransaction(id string) (*types.Transaction, error) {
	if tx, ok := t.transactions[id]; ok {
		return cloneTransaction(tx), nil
	}
	if tx, ok := t.store.transactions[id]; ok {
		return cloneTransaction(tx), nil
	}
	return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
}

func (t *memTx) GetTransactionByIdempotencyKey(key string) (*types.Transaction, error) {
	if id, ok := t.idemStaged[key]; ok {
		return t.GetTransaction(id)
	}
	if id, ok := t.store.txByIdemKey[key]; ok {
		return t.GetTransaction(id)
	}
	return nil, fmt.Errorf("%w: idempotency key", ErrNotFound)
}

func (t *memTx) PutTransaction(tx *types.Transaction) error {
	if t.readOnly {
		return errReadOnly
	}
	if _, err := t.GetTransaction(tx.ID); err == nil {
		return fmt.Errorf("%w: transaction %s exists", ErrConflict, tx.ID)
	}
	if tx.IdempotencyKey != "" {
		if existing, err := t.GetTransactionByIdempotencyKey(tx.IdempotencyKey); err == nil && existing.ID != tx.ID {
			return ErrIdempotencyConflict
		}
		t.idemStaged[tx.IdempotencyKey] = tx.ID
	}
	t.transactions[tx.ID] = cloneTransaction(tx)
	return nil
}

func (t *memTx) SetTransactionState(id string, to types.TransactionState) error {
	if t.readOnly {
		return errReadOnly
	}
	tx, err := t.GetTransaction(id)
	if err != nil {
		return err
	}
	if tx.State == to {
		return nil
	}
	if !types.CanTransition(tx.State, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, tx.State, to)
	}
	tx.State = to
	tx.UpdatedAt = time.Now().UTC()
	t.transactions[id] = tx
	return nil
}

func (t *memTx) SetTransactionResult(id string, result []byte) error {
	if t.readOnly {
		return errReadOnly
	}
	tx, err := t.GetTransaction(id)
	if err != nil {
		return err
	}
	tx.Result = append([]byte(nil), result...)
	tx.UpdatedAt = time.Now().UTC()
	t.transactions[id] = tx
	return nil
}

func (t *memTx) ListTransactionsInState(state types.TransactionState) ([]*types.Transaction, error) {
	out := make([]*types.Transaction, 0)
	seen := make(map[string]bool, len(t.transactions))
	for id, tx := range t.transactions {
		seen[id] = true
		if tx.State == state {
			out = append(out, cloneTransaction(tx))
		}
	}
	for id, tx := range t.store.transactions {
		if !seen[id] && tx.State == state {
			out = append(out, cloneTransaction(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) PutPrepareLock(lock *types.PrepareLock) error {
	if t.readOnly {
		return errReadOnly
	}
	bucket := t.locksPut[lock.TxID]
	if bucket == nil {
		bucket = make(map[string]*types.PrepareLock)
		t.locksPut[lock.TxID] = bucket
	}
	key := debtKey(DebtKey{Debtor: lock.Debtor, Creditor: lock.Creditor, Equivalent: lock.Equivalent})
	bucket[key] = cloneLock(lock)
	delete(t.locksDropped, lock.TxID)
	return nil
}

func (t *memTx) DeletePrepareLocks(txID string) error {
	if t.readOnly {
		return errReadOnly
	}
	delete(t.locksPut, txID)
	t.locksDropped[txID] = true
	return nil
}

func (t *memTx) PrepareLocksByTx(txID string) ([]*types.PrepareLock, error) {
	out := make([]*types.PrepareLock, 0)
	if !t.locksDropped[txID] {
		seen := make(map[string]bool)
		for key, lock := range t.locksPut[txID] {
			seen[key] = true
			out = append(out, cloneLock(lock))
		}
		for key, lock := range t.store.locks[txID] {
			if !seen[key] {
				out = append(out, cloneLock(lock))
			}
		}
	} else {
		for _, lock := range t.locksPut[txID] {
			out = append(out, cloneLock(lock))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a := DebtKey{Debtor: out[i].Debtor, Creditor: out[i].Creditor, Equivalent: out[i].Equivalent}
		b := DebtKey{Debtor: out[j].Debtor, Creditor: out[j].Creditor, Equivalent: out[j].Equivalent}
		return a.Less(b)
	})
	return out, nil
}

func (t *memTx) ExpiredPrepareLocks(now time.Time) ([]*types.PrepareLock, error) {
	out := make([]*types.PrepareLock, 0)
	for txID, bucket := range t.store.locks {
		if t.locksDropped[txID] {
			continue
		}
		for _, lock := range bucket {
			if lock.Expired(now) {
				out = append(out, cloneLock(lock))
			}
		}
	}
	for _, bucket := range t.locksPut {
		for _, lock := range bucket {
			if lock.Expired(now) {
				out = append(out, cloneLock(lock))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxID < out[j].TxID })
	return out, nil
}

func (t *memTx) PendingReserved(key DebtKey) (*big.Int, error) {
	k := debtKey(key)
	total := big.NewInt(0)
	for txID, bucket := range t.store.locks {
		if t.locksDropped[txID] {
			continue
		}
		if staged, ok := t.locksPut[txID]; ok {
			if lock, ok := staged[k]; ok {
				total.Add(total, lock.Amount)
				continue
			}
		}
		if lock, ok := bucket[k]; ok {
			total.Add(total, lock.Amount)
		}
	}
	for txID, bucket := range t.locksPut {
		if _, existing := t.store.locks[txID]; existing {
			continue
		}
		if lock, ok := bucket[k]; ok {
			total.Add(total, lock.Amount)
		}
	}
	return total, nil
}

func (t *memTx) AppendEvent(evt *types.Event) error {
	if t.readOnly {
		return errReadOnly
	}
	t.events = append(t.events, cloneEvent(evt))
	return nil
}

func (t *memTx) EventsByTx(txID string) ([]*types.Event, error) {
	out := make([]*types.Event, 0)
	for _, evt := range t.store.events {
		if evt.TxID == txID {
			out = append(out, cloneEvent(evt))
		}
	}
	for _, evt := range t.events {
		if evt.TxID == txID {
			out = append(out, cloneEvent(evt))
		}
	}
	return out, nil
}

func (t *memTx) PutCheckpoint(cp *types.IntegrityCheckpoint) error {
	if t.readOnly {
		return errReadOnly
	}
	copied := *cp
	if cp.TotalDebt != nil {
		copied.TotalDebt = new(big.Int).Set(cp.TotalDebt)
	}
	t.checkpoints = append(t.checkpoints, &copied)
	return nil
}

func (t *memTx) LatestCheckpoint(equivalent string) (*types.IntegrityCheckpoint, error) {
	for i := len(t.checkpoints) - 1; i >= 0; i-- {
		if t.checkpoints[i].Equivalent == equivalent {
			out := *t.checkpoints[i]
			return &out, nil
		}
	}
	stored := t.store.checkpoints[equivalent]
	if len(stored) == 0 {
		return nil, fmt.Errorf("%w: checkpoint %s", ErrNotFound, equivalent)
	}
	out := *stored[len(stored)-1]
	return &out, nil
}

func cloneParticipant(p *types.Participant) *types.Participant {
	if p == nil {
		return nil
	}
	out := *p
	out.PublicKey = append([]byte(nil), p.PublicKey...)
	if p.Profile != nil {
		out.Profile = make(map[string]string, len(p.Profile))
		for k, v := range p.Profile {
			out.Profile[k] = v
		}
	}
	return &out
}

func cloneTransaction(tx *types.Transaction) *types.Transaction {
	if tx == nil {
		return nil
	}
	out := *tx
	out.Payload = append([]byte(nil), tx.Payload...)
	out.Result = append([]byte(nil), tx.Result...)
	out.Signatures = append([]types.Signature(nil), tx.Signatures...)
	return &out
}

func cloneLock(lock *types.PrepareLock) *types.PrepareLock {
	if lock == nil {
		return nil
	}
	out := *lock
	if lock.Amount != nil {
		out.Amount = new(big.Int).Set(lock.Amount)
	}
	return &out
}

func cloneEvent(evt *types.Event) *types.Event {
	if evt == nil {
		return nil
	}
	out := *evt
	if evt.Attributes != nil {
		out.Attributes = make(map[string]string, len(evt.Attributes))
		for k, v := range evt.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out
}
