package node

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"creditnet/config"
	"creditnet/core/clearing"
	"creditnet/core/events"
	"creditnet/core/graph"
	"creditnet/core/integrity"
	"creditnet/core/payments"
	"creditnet/core/router"
	"creditnet/observability/metrics"
	"creditnet/storage"
)

// debtEdge identifies one changed debt row queued for the triggered clearing
// search.
type debtEdge struct {
	equivalent string
	debtor     string
	creditor   string
}

// Node owns the hub's engines and background schedules and dispatches signed
// envelopes to them. Exactly one Node runs per storage instance.
type Node struct {
	log     *slog.Logger
	cfg     *config.Dynamic
	store   storage.Store
	index   *graph.Index
	tracker *integrity.Tracker

	payments *payments.Engine
	clearing *clearing.Engine
	checker  *integrity.Checker
	metrics  *metrics.HubMetrics

	nowFn  func() time.Time
	admins map[string]bool

	// triggered clearing runs outside the commit hook: the hook only queues
	// the changed edges, a worker drains them.
	triggers chan debtEdge

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires a node around the given store. The graph index and integrity
// tracker register as commit hooks immediately; call Start to load state and
// launch the background schedules.
func New(log *slog.Logger, cfg *config.Dynamic, store storage.Store) *Node {
	n := &Node{
		log:      log,
		cfg:      cfg,
		store:    store,
		index:    graph.NewIndex(),
		tracker:  integrity.NewTracker(),
		payments: payments.NewEngine(),
		clearing: clearing.NewEngine(),
		checker:  integrity.NewChecker(),
		metrics:  metrics.Hub(),
		nowFn:    func() time.Time { return time.Now().UTC() },
		admins:   make(map[string]bool),
		triggers: make(chan debtEdge, 256),
		stop:     make(chan struct{}),
	}
	snapshot := cfg.Snapshot()
	for _, pid := range snapshot.AdminPIDs {
		n.admins[pid] = true
	}

	n.index.Attach(store)
	n.tracker.Attach(store)
	store.OnCommit(n.queueTriggers)

	n.payments.SetStore(store)
	n.payments.SetIndex(n.index)
	n.payments.SetEmitter(n)
	n.payments.SetTimeouts(
		time.Duration(snapshot.Timeouts.PrepareMillis)*time.Millisecond,
		time.Duration(snapshot.Timeouts.CommitMillis)*time.Millisecond,
		time.Duration(snapshot.Timeouts.OverallMillis)*time.Millisecond,
	)

	n.clearing.SetStore(store)
	n.clearing.SetEmitter(n)
	n.clearing.SetBounds(
		snapshot.Clearing.TriggerCyclesMaxLength,
		snapshot.Clearing.MaxCyclesPerRun,
		snapshot.Clearing.MinClearingAmount,
		time.Duration(snapshot.Clearing.ConsentTimeoutSeconds)*time.Second,
	)

	n.checker.SetStore(store)
	n.checker.SetEmitter(n)
	return n
}

// SetNowFunc overrides the time source for the node and all engines.
func (n *Node) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	n.nowFn = now
	n.payments.SetNowFunc(now)
	n.clearing.SetNowFunc(now)
	n.checker.SetNowFunc(now)
}

// Start loads the in-memory projections, recovers interrupted payments and
// launches the background schedules.
func (n *Node) Start(ctx context.Context) error {
	err := n.store.View(ctx, func(tx storage.Tx) error {
		if err := n.index.Rebuild(tx); err != nil {
			return err
		}
		return n.tracker.Rebuild(tx)
	})
	if err != nil {
		return err
	}
	aborted, err := n.payments.RecoverStale(ctx)
	if err != nil {
		return err
	}
	if aborted > 0 {
		n.log.Warn("aborted interrupted payments at startup", "count", aborted)
		// reservations from before the restart never made it into the fresh
		// index, but the debt rows might have; rebuild once more for a clean
		// base.
		err = n.store.View(ctx, func(tx storage.Tx) error { return n.index.Rebuild(tx) })
		if err != nil {
			return err
		}
	}

	n.wg.Add(4)
	go n.triggerWorker()
	go n.expiryWorker()
	go n.clearingWorker()
	go n.integrityWorker()
	return nil
}

// Stop terminates the background schedules and waits for them.
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.stop) })
	n.wg.Wait()
}

// queueTriggers runs inside the store's commit section; it must not touch
// storage, only enqueue. A full queue drops triggers — the scheduled sweeps
// will catch those cycles.
func (n *Node) queueTriggers(changes storage.ChangeSet) {
	for _, d := range changes.Debts {
		if d.Amount.Sign() <= 0 {
			continue
		}
		select {
		case n.triggers <- debtEdge{equivalent: d.Equivalent, debtor: d.Debtor, creditor: d.Creditor}:
		default:
		}
	}
}

func (n *Node) triggerWorker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stop:
			return
		case edge := <-n.triggers:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			cleared, err := n.clearing.OnDebtCommitted(ctx, edge.equivalent, edge.debtor, edge.creditor)
			cancel()
			if err != nil {
				n.log.Error("triggered clearing failed", "equivalent", edge.equivalent, "error", err)
				continue
			}
			if cleared > 0 {
				n.log.Info("triggered clearing netted cycles", "equivalent", edge.equivalent, "count", cleared)
			}
		}
	}
}

// expiryWorker aborts payments whose prepare locks lapsed and closes consent
// ballots past their deadline.
func (n *Node) expiryWorker() {
	defer n.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if aborted, err := n.payments.RecoverStale(ctx); err != nil {
				n.log.Error("lock expiry sweep failed", "error", err)
			} else if aborted > 0 {
				n.log.Warn("aborted payments with expired locks", "count", aborted)
			}
			if expired, err := n.clearing.ExpireConsents(ctx); err != nil {
				n.log.Error("consent expiry sweep failed", "error", err)
			} else if expired > 0 {
				n.metrics.ObserveConsent("expired")
			}
			cancel()
		}
	}
}

// clearingWorker runs the deep 5- and 6-cycle sweeps on their configured
// cadences over every active equivalent.
func (n *Node) clearingWorker() {
	defer n.wg.Done()
	snapshot := n.cfg.Snapshot()
	five := time.NewTicker(time.Duration(snapshot.Clearing.FiveCycleSweepMinutes) * time.Minute)
	six := time.NewTicker(time.Duration(snapshot.Clearing.SixCycleSweepMinutes) * time.Minute)
	defer five.Stop()
	defer six.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-five.C:
			n.sweepAll(5)
		case <-six.C:
			n.sweepAll(6)
		}
	}
}

func (n *Node) sweepAll(maxLength int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	for _, code := range n.activeEquivalents(ctx) {
		cleared, err := n.clearing.Sweep(ctx, code, maxLength)
		if err != nil {
			n.log.Error("clearing sweep failed", "equivalent", code, "max_length", maxLength, "error", err)
			continue
		}
		if cleared > 0 {
			n.log.Info("clearing sweep netted cycles", "equivalent", code, "max_length", maxLength, "count", cleared)
		}
	}
}

// integrityWorker runs the scheduled invariant checks: frequent zero-sum and
// trust-limit scans, symmetry scans, periodic checksum drift detection and
// the daily full audit.
func (n *Node) integrityWorker() {
	defer n.wg.Done()
	snapshot := n.cfg.Snapshot()
	quick := time.NewTicker(time.Duration(snapshot.Integrity.BalanceCheckMinutes) * time.Minute)
	symmetry := time.NewTicker(time.Duration(snapshot.Integrity.SymmetryCheckMinutes) * time.Minute)
	checksum := time.NewTicker(time.Duration(snapshot.Integrity.ChecksumMinutes) * time.Minute)
	full := time.NewTicker(time.Duration(snapshot.Integrity.FullAuditHours) * time.Hour)
	defer quick.Stop()
	defer symmetry.Stop()
	defer checksum.Stop()
	defer full.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-quick.C:
			n.checkAll(func(ctx context.Context, code string) error {
				_, err := n.checker.QuickCheck(ctx, code)
				return err
			})
		case <-symmetry.C:
			n.checkAll(func(ctx context.Context, code string) error {
				_, err := n.checker.SymmetryCheck(ctx, code)
				return err
			})
		case <-checksum.C:
			n.checkAll(func(ctx context.Context, code string) error {
				_, err := n.checker.VerifyChecksum(ctx, code, n.trackerChecksum(ctx, code))
				return err
			})
		case <-full.C:
			n.checkAll(func(ctx context.Context, code string) error {
				_, err := n.checker.RunFull(ctx, code)
				return err
			})
		}
	}
}

func (n *Node) checkAll(check func(context.Context, string) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	for _, code := range n.activeEquivalents(ctx) {
		if err := check(ctx, code); err != nil {
			n.log.Error("integrity check failed", "equivalent", code, "error", err)
		}
	}
}

// trackerChecksum recomputes the canonical digest the tracker's row view
// implies, so VerifyChecksum compares storage against the tracked state.
func (n *Node) trackerChecksum(ctx context.Context, code string) string {
	var checksum string
	_ = n.store.View(ctx, func(tx storage.Tx) error {
		debts, err := tx.ListDebts(code)
		if err != nil {
			return err
		}
		checksum = integrity.ChecksumDebts(debts)
		return nil
	})
	return checksum
}

func (n *Node) activeEquivalents(ctx context.Context) []string {
	var codes []string
	err := n.store.View(ctx, func(tx storage.Tx) error {
		equivalents, err := tx.ListEquivalents()
		if err != nil {
			return err
		}
		for _, eq := range equivalents {
			if eq.Active {
				codes = append(codes, eq.Code)
			}
		}
		return nil
	})
	if err != nil {
		n.log.Error("listing equivalents failed", "error", err)
	}
	return codes
}

// routerConstraints translates the runtime config and per-request overrides
// into search constraints.
func (n *Node) routerConstraints(maxHops, maxPaths int, avoid []string) router.Constraints {
	snapshot := n.cfg.Snapshot()
	c := router.Constraints{
		MaxHops:  snapshot.Routing.MaxPathLength,
		MaxPaths: snapshot.Routing.MaxPathsPerPayment,
		Timeout:  time.Duration(snapshot.Routing.TimeoutMillis) * time.Millisecond,
		MaxFlow:  snapshot.Routing.LargePaymentMode,
	}
	if maxHops > 0 && maxHops < c.MaxHops {
		c.MaxHops = maxHops
	}
	if maxPaths > 0 && maxPaths < c.MaxPaths {
		c.MaxPaths = maxPaths
	}
	if len(avoid) > 0 {
		c.Avoid = make(map[string]bool, len(avoid))
		for _, pid := range avoid {
			c.Avoid[pid] = true
		}
	}
	return c
}

// Emit implements events.Emitter: every engine event becomes a structured
// log line and, where applicable, a metric sample.
func (n *Node) Emit(evt events.Event) {
	record := evt.Event()
	args := make([]any, 0, 2*len(record.Attributes)+2)
	if record.TxID != "" {
		args = append(args, "tx_id", record.TxID)
	}
	for k, v := range record.Attributes {
		args = append(args, k, v)
	}
	n.log.Info(record.Type, args...)

	switch e := evt.(type) {
	case events.PaymentCommitted:
		n.metrics.ObservePaymentCommitted(e.Equivalent)
	case events.PaymentAborted:
		n.metrics.ObservePaymentAborted(e.Equivalent, e.Reason)
	case events.ClearingExecuted:
		amount := new(big.Int)
		amount.SetString(e.Amount, 10)
		f, _ := new(big.Float).SetInt(amount).Float64()
		n.metrics.ObserveCycleCleared(e.Equivalent, len(e.Cycle), f)
	case events.IntegrityViolation:
		n.metrics.ObserveIntegrityViolation(e.Equivalent, e.Check)
	}
}
