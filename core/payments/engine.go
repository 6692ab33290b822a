package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	coreerrors "creditnet/core/errors"
	"creditnet/core/events"
	"creditnet/core/graph"
	"creditnet/core/router"
	"creditnet/core/types"
	"creditnet/storage"
)

var (
	errNilStore = errors.New("payment engine: store not configured")
	errNilIndex = errors.New("payment engine: graph index not configured")
)

// Defaults for the 2PC deadlines and retry budgets.
const (
	DefaultPrepareTimeout = 3 * time.Second
	DefaultCommitTimeout  = 5 * time.Second
	DefaultOverallTimeout = 10 * time.Second
	DefaultPrepareRetries = 2
	DefaultCommitRetries  = 3
)

// Request is a validated payment order. Amount is in minor units of the
// equivalent; the node layer parses the wire decimal before calling the
// engine.
type Request struct {
	TxID           string
	From           string
	To             string
	Equivalent     string
	Amount         *big.Int
	Description    string
	IdempotencyKey string
	Constraints    router.Constraints
	Correlation    events.Correlation
}

// Receipt is the recorded outcome of a payment, also stored on the
// transaction row so idempotent retries observe the same result.
type Receipt struct {
	TxID   string                 `json:"txId"`
	State  types.TransactionState `json:"state"`
	Routes []RouteResult          `json:"routes,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// RouteResult reports one committed path and its share of the amount.
type RouteResult struct {
	Path   []string `json:"path"`
	Amount string   `json:"amount"`
}

// Engine coordinates routing and two-phase commit across all edges of all
// chosen routes. The hub is the 2PC coordinator; edges are the participants.
type Engine struct {
	store   storage.Store
	index   *graph.Index
	router  *router.Router
	emitter events.Emitter
	nowFn   func() time.Time

	prepareTimeout time.Duration
	commitTimeout  time.Duration
	overallTimeout time.Duration
	prepareRetries int
	commitRetries  int
}

// NewEngine creates a payment engine with default timeouts and a no-op
// emitter. Callers wire the store and index before use.
func NewEngine() *Engine {
	return &Engine{
		router:         router.New(),
		emitter:        events.NoopEmitter{},
		nowFn:          func() time.Time { return time.Now().UTC() },
		prepareTimeout: DefaultPrepareTimeout,
		commitTimeout:  DefaultCommitTimeout,
		overallTimeout: DefaultOverallTimeout,
		prepareRetries: DefaultPrepareRetries,
		commitRetries:  DefaultCommitRetries,
	}
}

// SetStore wires the engine to the persistence layer.
func (e *Engine) SetStore(store storage.Store) { e.store = store }

// SetIndex wires the engine to the shared graph index.
func (e *Engine) SetIndex(index *graph.Index) { e.index = index }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

// SetTimeouts overrides the 2PC deadlines. Zero values keep the current
// setting.
func (e *Engine) SetTimeouts(prepare, commit, overall time.Duration) {
	if prepare > 0 {
		e.prepareTimeout = prepare
	}
	if commit > 0 {
		e.commitTimeout = commit
	}
	if overall > 0 {
		e.overallTimeout = overall
	}
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

// Pay executes a multi-path payment atomically: either every route commits
// or none does. Repeated calls with the same idempotency key observe the
// recorded outcome.
func (e *Engine) Pay(ctx context.Context, req Request) (*Receipt, error) {
	if e.store == nil {
		return nil, errNilStore
	}
	if e.index == nil {
		return nil, errNilIndex
	}
	ctx, cancel := context.WithTimeout(ctx, e.overallTimeout)
	defer cancel()

	if req.TxID == "" {
		req.TxID = uuid.NewString()
	}

	var replay *Receipt
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		replay, err = e.admit(tx, &req)
		return err
	})
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return replay, nil
	}

	routes, err := e.route(ctx, req)
	if err != nil {
		e.abort(context.Background(), req, coreerrors.CodeOf(err), err.Error(), nil)
		return nil, err
	}

	prepared, err := e.prepare(ctx, req, routes)
	if err != nil {
		e.abort(context.Background(), req, coreerrors.CodeOf(err), err.Error(), nil)
		return nil, err
	}

	receipt, err := e.commit(ctx, req, routes, prepared)
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// admit validates the request inside one transaction and records the NEW
// transaction row. Returns a non-nil receipt when the idempotency key has a
// recorded outcome.
func (e *Engine) admit(tx storage.Tx, req *Request) (*Receipt, error) {
	if req.From == req.To {
		return nil, coreerrors.New(coreerrors.CodeValidationError, "sender and recipient are the same participant")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, coreerrors.New(coreerrors.CodeValidationError, "amount must be positive")
	}
	payloadHash := requestHash(req)
	if req.IdempotencyKey != "" {
		if existing, err := tx.GetTransactionByIdempotencyKey(req.IdempotencyKey); err == nil {
			if existing.PayloadHash != payloadHash {
				return nil, coreerrors.New(coreerrors.CodeConflict, "idempotency key reused with a different payload").
					WithDetail("txId", existing.ID)
			}
			return receiptFromTransaction(existing), nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	if existing, err := tx.GetTransaction(req.TxID); err == nil {
		return receiptFromTransaction(existing), nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	sender, err := tx.GetParticipant(req.From)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeValidationError, "unknown sender", err)
	}
	if !sender.CanTransact() {
		return nil, coreerrors.New(coreerrors.CodeUnauthorized, "sender is not active").
			WithDetail("pid", req.From)
	}
	recipient, err := tx.GetParticipant(req.To)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeValidationError, "unknown recipient", err)
	}
	if !recipient.CanTransact() {
		return nil, coreerrors.New(coreerrors.CodeValidationError, "recipient is not active").
			WithDetail("pid", req.To)
	}
	equivalent, err := tx.GetEquivalent(req.Equivalent)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeValidationError, "unknown equivalent", err)
	}
	if !equivalent.Active {
		return nil, coreerrors.New(coreerrors.CodeValidationError, "equivalent is deactivated")
	}
	if equivalent.IntegrityLocked {
		return nil, coreerrors.New(coreerrors.CodeIntegrityLocked, "equivalent is locked pending reconciliation").
			WithDetail("equivalent", req.Equivalent)
	}

	now := e.nowFn()
	payload, _ := json.Marshal(map[string]string{
		"from":        req.From,
		"to":          req.To,
		"equivalent":  req.Equivalent,
		"amount":      req.Amount.String(),
		"description": req.Description,
	})
	return nil, tx.PutTransaction(&types.Transaction{
		ID:             req.TxID,
		Type:           types.TxPayment,
		Initiator:      req.From,
		Equivalent:     req.Equivalent,
		Payload:        payload,
		State:          types.TxStateNew,
		IdempotencyKey: req.IdempotencyKey,
		PayloadHash:    payloadHash,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}

// route runs the pure search over the current snapshot and records the
// ROUTED transition. Routing holds no storage locks.
func (e *Engine) route(ctx context.Context, req Request) ([]router.Route, error) {
	avoid := make(map[string]bool, len(req.Constraints.Avoid))
	for pid := range req.Constraints.Avoid {
		avoid[pid] = true
	}
	snap := e.index.Snapshot(req.Equivalent, avoid)
	routes, err := e.router.FindRoutes(ctx, snap, req.From, req.To, req.Amount, req.Constraints)
	if err != nil {
		return nil, err
	}
	err = e.store.Update(ctx, func(tx storage.Tx) error {
		return tx.SetTransactionState(req.TxID, types.TxStateRouted)
	})
	if err != nil {
		return nil, err
	}
	return routes, nil
}

// prepare acquires row locks on every edge of every route inside a single
// serializable transaction, re-verifies capacity under lock, and inserts the
// prepare locks. On success the graph reservations are registered so
// concurrent routing sees the reduced capacity immediately.
func (e *Engine) prepare(ctx context.Context, req Request, routes []router.Route) (map[[2]string]*big.Int, error) {
	deltas := router.EdgeDeltas(routes)
	keys := make([]storage.DebtKey, 0, len(deltas))
	for edge := range deltas {
		keys = append(keys, storage.DebtKey{Debtor: edge[0], Creditor: edge[1], Equivalent: req.Equivalent})
	}

	var lastErr error
	for attempt := 0; attempt <= e.prepareRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, coreerrors.Wrap(coreerrors.CodeOperationTimeout, "payment deadline exceeded during PREPARE", err)
		}
		expiresAt := e.nowFn().Add(e.prepareTimeout)
		err := e.store.Update(ctx, func(tx storage.Tx) error {
			if err := tx.SetTransactionState(req.TxID, types.TxStatePreparing); err != nil {
				return err
			}
			if err := tx.LockDebtRows(keys); err != nil {
				return err
			}
			for edge, delta := range deltas {
				if err := e.checkEdge(tx, req, edge, delta); err != nil {
					return err
				}
			}
			now := e.nowFn()
			for edge, delta := range deltas {
				lock := &types.PrepareLock{
					TxID:       req.TxID,
					Debtor:     edge[0],
					Creditor:   edge[1],
					Equivalent: req.Equivalent,
					Amount:     new(big.Int).Set(delta),
					ExpiresAt:  expiresAt,
					CreatedAt:  now,
				}
				if err := tx.PutPrepareLock(lock); err != nil {
					return err
				}
			}
			return tx.SetTransactionState(req.TxID, types.TxStatePrepared)
		})
		if err == nil {
			for edge, delta := range deltas {
				e.index.Reserve(req.Equivalent, edge[0], edge[1], delta)
			}
			return deltas, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
	}
	return nil, coreerrors.Wrap(coreerrors.CodeOperationTimeout, "PREPARE retries exhausted", lastErr)
}

// checkEdge re-validates one edge under row lock: the backing trust line is
// active, policy admits the hop, the sender is not blocked, and the delta
// fits below the limit net of existing debt and pending reservations.
func (e *Engine) checkEdge(tx storage.Tx, req Request, edge [2]string, delta *big.Int) error {
	line, err := tx.GetTrustLine(edge[0], edge[1], req.Equivalent)
	if err != nil {
		return coreerrors.Wrap(coreerrors.CodeTrustLineNotActive, "no trust line backs the route edge", err).
			WithDetail("from", edge[0]).
			WithDetail("to", edge[1])
	}
	if !line.Usable() {
		return coreerrors.New(coreerrors.CodeTrustLineNotActive, "trust line is not active").
			WithDetail("from", edge[0]).
			WithDetail("to", edge[1]).
			WithDetail("status", string(line.Status))
	}
	if edge[0] != req.From && !line.Policy.CanBeIntermediate {
		return coreerrors.New(coreerrors.CodeValidationError, "intermediary does not permit routed payments").
			WithDetail("pid", edge[0])
	}
	if line.Blocks(req.From) {
		return coreerrors.New(coreerrors.CodeUnauthorized, "sender is blocked on a route edge").
			WithDetail("from", edge[0]).
			WithDetail("to", edge[1])
	}

	used := big.NewInt(0)
	if debt, err := tx.GetDebt(edge[0], edge[1], req.Equivalent); err == nil {
		used.Add(used, debt.Amount)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	key := storage.DebtKey{Debtor: edge[0], Creditor: edge[1], Equivalent: req.Equivalent}
	pending, err := tx.PendingReserved(key)
	if err != nil {
		return err
	}
	used.Add(used, pending)
	used.Add(used, delta)
	if used.Cmp(line.Limit) > 0 {
		available := new(big.Int).Sub(line.Limit, used)
		available.Add(available, delta)
		if available.Sign() < 0 {
			available.SetInt64(0)
		}
		return coreerrors.New(coreerrors.CodeInsufficientCapacity, "edge capacity exhausted").
			WithDetail("from", edge[0]).
			WithDetail("to", edge[1]).
			WithDetail("requested", delta.String()).
			WithDetail("available", available.String())
	}
	return nil
}

// commit applies every locked delta, netting counter-direction debt, deletes
// the locks and records the receipt. Idempotent by tx_id: re-delivery
// observes the recorded state. On repeated failure it retries until the
// locks expire, then aborts and flags the transaction for operator review.
func (e *Engine) commit(ctx context.Context, req Request, routes []router.Route, deltas map[[2]string]*big.Int) (*Receipt, error) {
	receipt := &Receipt{TxID: req.TxID, State: types.TxStateCommitted}
	for _, r := range routes {
		receipt.Routes = append(receipt.Routes, RouteResult{
			Path:   r.Path,
			Amount: r.Amount.String(),
		})
	}
	encoded, _ := json.Marshal(receipt)

	var lastErr error
	for attempt := 0; attempt <= e.commitRetries; attempt++ {
		err := e.store.Update(ctx, func(tx storage.Tx) error {
			existing, err := tx.GetTransaction(req.TxID)
			if err != nil {
				return err
			}
			if existing.State == types.TxStateCommitted {
				return nil
			}
			locks, err := tx.PrepareLocksByTx(req.TxID)
			if err != nil {
				return err
			}
			if len(locks) == 0 {
				return coreerrors.New(coreerrors.CodeStateConflict, "prepare locks vanished before COMMIT")
			}
			now := e.nowFn()
			for _, lock := range locks {
				if lock.Expired(now) {
					return coreerrors.New(coreerrors.CodeStateConflict, "prepare lock expired before COMMIT")
				}
			}
			keys := make([]storage.DebtKey, 0, len(locks))
			for _, lock := range locks {
				keys = append(keys, storage.DebtKey{Debtor: lock.Debtor, Creditor: lock.Creditor, Equivalent: lock.Equivalent})
			}
			if err := tx.LockDebtRows(keys); err != nil {
				return err
			}
			for _, lock := range locks {
				key := storage.DebtKey{Debtor: lock.Debtor, Creditor: lock.Creditor, Equivalent: lock.Equivalent}
				if err := tx.ApplyDebtDelta(key, lock.Amount); err != nil {
					return err
				}
			}
			if err := tx.DeletePrepareLocks(req.TxID); err != nil {
				return err
			}
			if err := tx.SetTransactionState(req.TxID, types.TxStateCommitted); err != nil {
				return err
			}
			if err := tx.SetTransactionResult(req.TxID, encoded); err != nil {
				return err
			}
			evt := events.PaymentCommitted{
				TxID:       req.TxID,
				From:       req.From,
				To:         req.To,
				Equivalent: req.Equivalent,
				Amount:     req.Amount.String(),
				Routes:     len(routes),
			}.Event()
			req.Correlation.Apply(evt)
			evt.ID = uuid.NewString()
			evt.CreatedAt = e.nowFn()
			return tx.AppendEvent(evt)
		})
		if err == nil {
			for edge, delta := range deltas {
				e.index.Release(req.Equivalent, edge[0], edge[1], delta)
			}
			e.emit(events.PaymentCommitted{
				TxID:       req.TxID,
				From:       req.From,
				To:         req.To,
				Equivalent: req.Equivalent,
				Amount:     req.Amount.String(),
				Routes:     len(routes),
			})
			return receipt, nil
		}
		lastErr = err
		if coreerrors.IsCode(err, coreerrors.CodeStateConflict) {
			// Locks expired or vanished after PREPARE succeeded: the only
			// path to manual reconciliation.
			e.flagInconsistency(req, err.Error())
			e.abort(context.Background(), req, coreerrors.CodeStateConflict, "locks expired before COMMIT", deltas)
			return nil, err
		}
		if !retryable(err) {
			break
		}
	}
	e.flagInconsistency(req, fmt.Sprintf("COMMIT retries exhausted: %v", lastErr))
	e.abort(context.Background(), req, coreerrors.CodeOperationTimeout, "COMMIT retries exhausted", deltas)
	return nil, coreerrors.Wrap(coreerrors.CodeOperationTimeout, "COMMIT retries exhausted", lastErr)
}

// abort deletes the prepare locks, transitions the transaction to ABORTED
// and emits payment.aborted. Idempotent: a transaction already terminal is
// left untouched, and its reservations are not released again — whoever
// finalized it (commit, expiry sweep) already released them.
func (e *Engine) abort(ctx context.Context, req Request, code coreerrors.Code, reason string, deltas map[[2]string]*big.Int) {
	didAbort := false
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		didAbort = false
		existing, err := tx.GetTransaction(req.TxID)
		if err != nil {
			return err
		}
		if existing.State.Terminal() {
			return nil
		}
		if err := tx.DeletePrepareLocks(req.TxID); err != nil {
			return err
		}
		if err := tx.SetTransactionState(req.TxID, types.TxStateAborted); err != nil {
			return err
		}
		receipt := Receipt{TxID: req.TxID, State: types.TxStateAborted, Error: string(code)}
		encoded, _ := json.Marshal(receipt)
		if err := tx.SetTransactionResult(req.TxID, encoded); err != nil {
			return err
		}
		evt := events.PaymentAborted{
			TxID:       req.TxID,
			From:       req.From,
			To:         req.To,
			Equivalent: req.Equivalent,
			Amount:     req.Amount.String(),
			Reason:     reason,
		}.Event()
		req.Correlation.Apply(evt)
		evt.ID = uuid.NewString()
		evt.CreatedAt = e.nowFn()
		didAbort = true
		return tx.AppendEvent(evt)
	})
	if err != nil || !didAbort {
		return
	}
	if deltas != nil {
		for edge, delta := range deltas {
			e.index.Release(req.Equivalent, edge[0], edge[1], delta)
		}
	}
	e.emit(events.PaymentAborted{
		TxID:       req.TxID,
		From:       req.From,
		To:         req.To,
		Equivalent: req.Equivalent,
		Amount:     req.Amount.String(),
		Reason:     reason,
	})
}

func (e *Engine) flagInconsistency(req Request, detail string) {
	_ = e.store.Update(context.Background(), func(tx storage.Tx) error {
		evt := events.PaymentInconsistency{
			TxID:       req.TxID,
			Equivalent: req.Equivalent,
			Detail:     detail,
		}.Event()
		req.Correlation.Apply(evt)
		evt.ID = uuid.NewString()
		evt.CreatedAt = e.nowFn()
		return tx.AppendEvent(evt)
	})
	e.emit(events.PaymentInconsistency{TxID: req.TxID, Equivalent: req.Equivalent, Detail: detail})
}

// retryable reports whether an engine step may be re-attempted. Coded
// protocol failures are permanent; everything else is treated as a
// transient storage fault.
func retryable(err error) bool {
	var coded *coreerrors.Error
	if errors.As(err, &coded) {
		return false
	}
	if errors.Is(err, storage.ErrInvalidTransition) || errors.Is(err, storage.ErrConflict) ||
		errors.Is(err, storage.ErrIdempotencyConflict) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func requestHash(req *Request) string {
	sum := sha256.Sum256([]byte(req.From + "|" + req.To + "|" + req.Equivalent + "|" + req.Amount.String() + "|" + req.Description))
	return hex.EncodeToString(sum[:])
}

func receiptFromTransaction(tx *types.Transaction) *Receipt {
	if len(tx.Result) > 0 {
		var receipt Receipt
		if err := json.Unmarshal(tx.Result, &receipt); err == nil {
			return &receipt
		}
	}
	return &Receipt{TxID: tx.ID, State: tx.State}
}
