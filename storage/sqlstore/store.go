// Package sqlstore implements the storage contract on a relational backend
// through gorm: sqlite for development and tests, postgres in production.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"creditnet/core/types"
	"creditnet/storage"
)

// Store is the gorm-backed implementation of storage.Store. A store-level
// RW mutex mirrors the contract's serializable model and keeps commit hooks
// ordered with the commits they describe.
type Store struct {
	db       *gorm.DB
	postgres bool

	mu    sync.RWMutex
	hooks []storage.CommitHook
}

// Open connects to the backend named by the DSN and migrates the schema.
// DSNs starting with postgres:// (or containing host=) select postgres;
// anything else is treated as a sqlite path, with ":memory:" for tests.
func Open(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	isPostgres := strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
	if isPostgres {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return &Store{db: db, postgres: isPostgres}, nil
}

// OnCommit registers a hook observing committed change sets.
func (s *Store) OnCommit(hook storage.CommitHook) {
	if hook == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

// View runs fn against a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&sqlTx{db: db, readOnly: true, postgres: s.postgres})
	}, &sql.TxOptions{ReadOnly: !s.isSQLite()})
}

// Update runs fn in a serializable read-write transaction and fires the
// commit hooks inside the store's commit section.
func (s *Store) Update(ctx context.Context, fn func(storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &sqlTx{postgres: s.postgres}
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		tx.db = db
		return fn(tx)
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	if !tx.changes.Empty() {
		for _, hook := range s.hooks {
			hook(tx.changes)
		}
	}
	return nil
}

func (s *Store) isSQLite() bool { return !s.postgres }

var errReadOnly = errors.New("sqlstore: write inside read-only transaction")

type sqlTx struct {
	db       *gorm.DB
	readOnly bool
	postgres bool
	changes  storage.ChangeSet
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, what)
	}
	return err
}

// LockDebtRows acquires row locks in canonical order. On sqlite the
// store-level mutex already serializes writers, so only the ordering
// matters.
func (t *sqlTx) LockDebtRows(keys []storage.DebtKey) error {
	if t.readOnly {
		return errReadOnly
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	if !t.postgres {
		return nil
	}
	for _, key := range keys {
		var rows []debtModel
		err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("debtor = ? AND creditor = ? AND equivalent = ?", key.Debtor, key.Creditor, key.Equivalent).
			Find(&rows).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) GetParticipant(pid string) (*types.Participant, error) {
	var m participantModel
	if err := t.db.First(&m, "pid = ?", pid).Error; err != nil {
		return nil, notFound(err, "participant "+pid)
	}
	return toParticipant(&m), nil
}

func (t *sqlTx) PutParticipant(p *types.Participant) error {
	if t.readOnly {
		return errReadOnly
	}
	return t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pid"}},
		UpdateAll: true,
	}).Create(fromParticipant(p)).Error
}

func (t *sqlTx) ListParticipants() ([]*types.Participant, error) {
	var models []participantModel
	if err := t.db.Order("pid asc").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Participant, 0, len(models))
	for i := range models {
		out = append(out, toParticipant(&models[i]))
	}
	return out, nil
}

func (t *sqlTx) GetEquivalent(code string) (*types.Equivalent, error) {
	var m equivalentModel
	if err := t.db.First(&m, "code = ?", code).Error; err != nil {
		return nil, notFound(err, "equivalent "+code)
	}
	return toEquivalent(&m), nil
}

func (t *sqlTx) PutEquivalent(eq *types.Equivalent) error {
	if t.readOnly {
		return errReadOnly
	}
	return t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		UpdateAll: true,
	}).Create(fromEquivalent(eq)).Error
}

func (t *sqlTx) ListEquivalents() ([]*types.Equivalent, error) {
	var models []equivalentModel
	if err := t.db.Order("code asc").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Equivalent, 0, len(models))
	for i := range models {
		out = append(out, toEquivalent(&models[i]))
	}
	return out, nil
}

func (t *sqlTx) GetTrustLine(from, to, equivalent string) (*types.TrustLine, error) {
	var m trustLineModel
	err := t.db.First(&m, "from_pid = ? AND to_pid = ? AND equivalent = ?", from, to, equivalent).Error
	if err != nil {
		return nil, notFound(err, "trust line "+from+"→"+to)
	}
	return toTrustLine(&m), nil
}

func (t *sqlTx) PutTrustLine(line *types.TrustLine) error {
	if t.readOnly {
		return errReadOnly
	}
	var existing trustLineModel
	err := t.db.First(&existing, "from_pid = ? AND to_pid = ? AND equivalent = ?", line.From, line.To, line.Equivalent).Error
	id := uuid.New()
	switch {
	case err == nil:
		id = existing.ID
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return err
	}
	if err := t.db.Save(fromTrustLine(line, id)).Error; err != nil {
		return err
	}
	t.changes.TrustLines = append(t.changes.TrustLines, line.Clone())
	return nil
}

func (t *sqlTx) DeleteTrustLine(from, to, equivalent string) error {
	if t.readOnly {
		return errReadOnly
	}
	return t.db.Where("from_pid = ? AND to_pid = ? AND equivalent = ?", from, to, equivalent).
		Delete(&trustLineModel{}).Error
}

func (t *sqlTx) ListTrustLines(equivalent string) ([]*types.TrustLine, error) {
	query := t.db.Order("equivalent asc, from_pid asc, to_pid asc")
	if equivalent != "" {
		query = query.Where("equivalent = ?", equivalent)
	}
	var models []trustLineModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*types.TrustLine, 0, len(models))
	for i := range models {
		out = append(out, toTrustLine(&models[i]))
	}
	return out, nil
}

func (t *sqlTx) GetDebt(debtor, creditor, equivalent string) (*types.Debt, error) {
	var m debtModel
	err := t.db.First(&m, "debtor = ? AND creditor = ? AND equivalent = ?", debtor, creditor, equivalent).Error
	if err != nil {
		return nil, notFound(err, "debt "+debtor+"→"+creditor)
	}
	return toDebt(&m), nil
}

// ApplyDebtDelta mirrors the contract's single write path: net the
// counter-direction row first, then adjust or create the forward row, and
// delete any row that reaches zero.
func (t *sqlTx) ApplyDebtDelta(key storage.DebtKey, delta *big.Int) error {
	if t.readOnly {
		return errReadOnly
	}
	if delta == nil || delta.Sign() == 0 {
		return nil
	}
	if delta.Sign() < 0 {
		reversed := storage.DebtKey{Debtor: key.Creditor, Creditor: key.Debtor, Equivalent: key.Equivalent}
		return t.ApplyDebtDelta(reversed, new(big.Int).Neg(delta))
	}
	remaining := new(big.Int).Set(delta)

	counter, err := t.GetDebt(key.Creditor, key.Debtor, key.Equivalent)
	if err == nil {
		net := new(big.Int).Set(counter.Amount)
		if net.Cmp(remaining) > 0 {
			net.Set(remaining)
		}
		counter.Amount = new(big.Int).Sub(counter.Amount, net)
		remaining.Sub(remaining, net)
		counterKey := storage.DebtKey{Debtor: key.Creditor, Creditor: key.Debtor, Equivalent: key.Equivalent}
		if err := t.saveDebt(counterKey, counter.Amount); err != nil {
			return err
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if remaining.Sign() == 0 {
		return nil
	}
	current := big.NewInt(0)
	if row, err := t.GetDebt(key.Debtor, key.Creditor, key.Equivalent); err == nil {
		current = row.Amount
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	current.Add(current, remaining)
	return t.saveDebt(key, current)
}

// saveDebt upserts or deletes one debt row and records it in the change set
// (zero amount marks deletion).
func (t *sqlTx) saveDebt(key storage.DebtKey, amount *big.Int) error {
	now := time.Now().UTC()
	if amount.Sign() <= 0 {
		err := t.db.Where("debtor = ? AND creditor = ? AND equivalent = ?", key.Debtor, key.Creditor, key.Equivalent).
			Delete(&debtModel{}).Error
		if err != nil {
			return err
		}
		t.changes.Debts = append(t.changes.Debts, &types.Debt{
			Debtor:     key.Debtor,
			Creditor:   key.Creditor,
			Equivalent: key.Equivalent,
			Amount:     big.NewInt(0),
			UpdatedAt:  now,
		})
		return nil
	}
	var existing debtModel
	err := t.db.First(&existing, "debtor = ? AND creditor = ? AND equivalent = ?", key.Debtor, key.Creditor, key.Equivalent).Error
	id := uuid.New()
	switch {
	case err == nil:
		id = existing.ID
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return err
	}
	row := &debtModel{
		ID:         id,
		Debtor:     key.Debtor,
		Creditor:   key.Creditor,
		Equivalent: key.Equivalent,
		Amount:     amount.String(),
		UpdatedAt:  now,
	}
	if err := t.db.Save(row).Error; err != nil {
		return err
	}
	t.changes.Debts = append(t.changes.Debts, toDebt(row))
	return nil
}

func (t *sqlTx) ListDebts(equivalent string) ([]*types.Debt, error) {
	query := t.db.Order("equivalent asc, debtor asc, creditor asc")
	if equivalent != "" {
		query = query.Where("equivalent = ?", equivalent)
	}
	var models []debtModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Debt, 0, len(models))
	for i := range models {
		out = append(out, toDebt(&models[i]))
	}
	return out, nil
}

func (t *sqlTx) DebtsTouching(pid, equivalent string) ([]*types.Debt, error) {
	query := t.db.Where("debtor = ? OR creditor = ?", pid, pid).
		Order("equivalent asc, debtor asc, creditor asc")
	if equivalent != "" {
		query = query.Where("equivalent = ?", equivalent)
	}
	var models []debtModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Debt, 0, len(models))
	for i := range models {
		out = append(out, toDebt(&models[i]))
	}
	return out, nil
}

func (t *sqlTx) GetTransaction(id string) (*types.Transaction, error) {
	var m transactionModel
	if err := t.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "transaction "+id)
	}
	return toTransaction(&m), nil
}

func (t *sqlTx) GetTransactionByIdempotencyKey(key string) (*types.Transaction, error) {
	var m transactionModel
	if err := t.db.First(&m, "idempotency_key = ?", key).Error; err != nil {
		return nil, notFound(err, "idempotency key")
	}
	return toTransaction(&m), nil
}

func (t *sqlTx) PutTransaction(tx *types.Transaction) error {
	if t.readOnly {
		return errReadOnly
	}
	if _, err := t.GetTransaction(tx.ID); err == nil {
		return fmt.Errorf("%w: transaction %s exists", storage.ErrConflict, tx.ID)
	}
	if tx.IdempotencyKey != "" {
		if existing, err := t.GetTransactionByIdempotencyKey(tx.IdempotencyKey); err == nil && existing.ID != tx.ID {
			return storage.ErrIdempotencyConflict
		}
	}
	return t.db.Create(fromTransaction(tx)).Error
}

func (t *sqlTx) SetTransactionState(id string, to types.TransactionState) error {
	if t.readOnly {
		return errReadOnly
	}
	current, err := t.GetTransaction(id)
	if err != nil {
		return err
	}
	if current.State == to {
		return nil
	}
	if !types.CanTransition(current.State, to) {
		return fmt.Errorf("%w: %s → %s", storage.ErrInvalidTransition, current.State, to)
	}
	return t.db.Model(&transactionModel{}).Where("id = ?", id).
		Updates(map[string]any{"state": string(to), "updated_at": time.Now().UTC()}).Error
}

func (t *sqlTx) SetTransactionResult(id string, result []byte) error {
	if t.readOnly {
		return errReadOnly
	}
	res := t.db.Model(&transactionModel{}).Where("id = ?", id).
		Updates(map[string]any{"result": result, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: transaction %s", storage.ErrNotFound, id)
	}
	return nil
}

func (t *sqlTx) ListTransactionsInState(state types.TransactionState) ([]*types.Transaction, error) {
	var models []transactionModel
	if err := t.db.Where("state = ?", string(state)).Order("id asc").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Transaction, 0, len(models))
	for i := range models {
		out = append(out, toTransaction(&models[i]))
	}
	return out, nil
}

func (t *sqlTx) PutPrepareLock(lock *types.PrepareLock) error {
	if t.readOnly {
		return errReadOnly
	}
	return t.db.Create(&prepareLockModel{
		ID:         uuid.New(),
		TxID:       lock.TxID,
		Debtor:     lock.Debtor,
		Creditor:   lock.Creditor,
		Equivalent: lock.Equivalent,
		Amount:     lock.Amount.String(),
		ExpiresAt:  lock.ExpiresAt,
		CreatedAt:  lock.CreatedAt,
	}).Error
}

func (t *sqlTx) DeletePrepareLocks(txID string) error {
	if t.readOnly {
		return errReadOnly
	}
	return t.db.Where("tx_id = ?", txID).Delete(&prepareLockModel{}).Error
}

func (t *sqlTx) PrepareLocksByTx(txID string) ([]*types.PrepareLock, error) {
	var models []prepareLockModel
	err := t.db.Where("tx_id = ?", txID).
		Order("equivalent asc, debtor asc, creditor asc").Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.PrepareLock, 0, len(models))
	for i := range models {
		out = append(out, toLock(&models[i]))
	}
	return out, nil
}

func (t *sqlTx) ExpiredPrepareLocks(now time.Time) ([]*types.PrepareLock, error) {
	var models []prepareLockModel
	if err := t.db.Where("expires_at < ?", now).Order("tx_id asc").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*types.PrepareLock, 0, len(models))
	for i := range models {
		out = append(out, toLock(&models[i]))
	}
	return out, nil
}

func (t *sqlTx) PendingReserved(key storage.DebtKey) (*big.Int, error) {
	var models []prepareLockModel
	err := t.db.Where("debtor = ? AND creditor = ? AND equivalent = ?", key.Debtor, key.Creditor, key.Equivalent).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for i := range models {
		total.Add(total, parseBig(models[i].Amount))
	}
	return total, nil
}

func (t *sqlTx) AppendEvent(evt *types.Event) error {
	if t.readOnly {
		return errReadOnly
	}
	return t.db.Create(fromEvent(evt)).Error
}

func (t *sqlTx) EventsByTx(txID string) ([]*types.Event, error) {
	var models []eventModel
	if err := t.db.Where("tx_id = ?", txID).Order("created_at asc").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Event, 0, len(models))
	for i := range models {
		out = append(out, toEvent(&models[i]))
	}
	return out, nil
}

func (t *sqlTx) PutCheckpoint(cp *types.IntegrityCheckpoint) error {
	if t.readOnly {
		return errReadOnly
	}
	return t.db.Create(&checkpointModel{
		ID:               uuid.New(),
		Equivalent:       cp.Equivalent,
		Checksum:         cp.Checksum,
		TotalDebt:        cp.TotalDebt.String(),
		DebtCount:        cp.DebtCount,
		ParticipantCount: cp.ParticipantCount,
		CreatedAt:        cp.CreatedAt,
	}).Error
}

func (t *sqlTx) LatestCheckpoint(equivalent string) (*types.IntegrityCheckpoint, error) {
	var m checkpointModel
	err := t.db.Where("equivalent = ?", equivalent).Order("created_at desc").First(&m).Error
	if err != nil {
		return nil, notFound(err, "checkpoint "+equivalent)
	}
	return toCheckpoint(&m), nil
}

var _ storage.Store = (*Store)(nil)
