package clearing

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"creditnet/core/events"
	"creditnet/core/types"
	"creditnet/storage"
)

var errNilStore = errors.New("clearing engine: store not configured")

// Defaults for the cycle search and consent flow.
const (
	DefaultTriggerMaxLength = 4
	DefaultMaxCyclesPerRun  = 32
	DefaultConsentTimeout   = 60 * time.Second
)

// Cycle is a closed walk in the debt graph: Nodes[i] owes Nodes[i+1], and the
// last node owes the first. Stored in canonical rotation (smallest PID first)
// so the same cycle is never processed twice per run.
type Cycle struct {
	Equivalent string
	Nodes      []string
	// Amount is the bottleneck debt along the cycle at detection time. The
	// authoritative value is re-read under row locks at execution.
	Amount *big.Int
}

// Key identifies the cycle independent of rotation.
func (c Cycle) Key() string {
	return c.Equivalent + "|" + strings.Join(c.Nodes, ",")
}

// edges yields the (debtor, creditor) pairs around the cycle.
func (c Cycle) edges() [][2]string {
	out := make([][2]string, 0, len(c.Nodes))
	for i, node := range c.Nodes {
		next := c.Nodes[(i+1)%len(c.Nodes)]
		out = append(out, [2]string{node, next})
	}
	return out
}

// canonical rotates the node list so the smallest PID comes first.
func canonical(nodes []string) []string {
	best := 0
	for i := range nodes {
		if nodes[i] < nodes[best] {
			best = i
		}
	}
	out := make([]string, 0, len(nodes))
	out = append(out, nodes[best:]...)
	out = append(out, nodes[:best]...)
	return out
}

// Engine detects debt cycles and nets them out with net-neutral offsets.
// Cheap triggered searches run after every debt-changing commit; deeper
// sweeps run on a schedule.
type Engine struct {
	store   storage.Store
	emitter events.Emitter
	nowFn   func() time.Time

	triggerMaxLength int
	maxCyclesPerRun  int
	minAmount        string
	consentTimeout   time.Duration

	// one sweep per equivalent at a time
	mu      sync.Mutex
	running map[string]bool
}

// NewEngine creates a clearing engine with default bounds and a no-op
// emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter:          events.NoopEmitter{},
		nowFn:            func() time.Time { return time.Now().UTC() },
		triggerMaxLength: DefaultTriggerMaxLength,
		maxCyclesPerRun:  DefaultMaxCyclesPerRun,
		consentTimeout:   DefaultConsentTimeout,
		running:          make(map[string]bool),
	}
}

// SetStore wires the engine to the persistence layer.
func (e *Engine) SetStore(store storage.Store) { e.store = store }

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

// SetBounds overrides the search bounds. Zero values keep the current
// setting.
func (e *Engine) SetBounds(triggerMaxLength, maxCyclesPerRun int, minAmount string, consentTimeout time.Duration) {
	if triggerMaxLength >= 3 {
		e.triggerMaxLength = triggerMaxLength
	}
	if maxCyclesPerRun > 0 {
		e.maxCyclesPerRun = maxCyclesPerRun
	}
	e.minAmount = minAmount
	if consentTimeout > 0 {
		e.consentTimeout = consentTimeout
	}
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

// tryAcquire marks the equivalent as being swept. Returns false when another
// sweep already runs for it.
func (e *Engine) tryAcquire(equivalent string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[equivalent] {
		return false
	}
	e.running[equivalent] = true
	return true
}

func (e *Engine) release(equivalent string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, equivalent)
}

// OnDebtCommitted runs the cheap triggered search for cycles up to the
// configured trigger length that pass through the just-changed edge
// debtor → creditor. Called by the node after payment commits.
func (e *Engine) OnDebtCommitted(ctx context.Context, equivalent, debtor, creditor string) (int, error) {
	return e.run(ctx, equivalent, e.triggerMaxLength, &[2]string{debtor, creditor})
}

// Sweep runs the scheduled deep search up to maxLength hops over the whole
// equivalent. Skipped silently when a sweep for the equivalent is already in
// progress.
func (e *Engine) Sweep(ctx context.Context, equivalent string, maxLength int) (int, error) {
	return e.run(ctx, equivalent, maxLength, nil)
}

// run finds candidate cycles and executes them largest-first, bounded by
// MaxCyclesPerRun. Returns the number of cycles cleared.
func (e *Engine) run(ctx context.Context, equivalent string, maxLength int, through *[2]string) (int, error) {
	if e.store == nil {
		return 0, errNilStore
	}
	if !e.tryAcquire(equivalent) {
		return 0, nil
	}
	defer e.release(equivalent)

	var cycles []Cycle
	err := e.store.View(ctx, func(tx storage.Tx) error {
		var err error
		cycles, err = findCycles(tx, equivalent, maxLength, through)
		return err
	})
	if err != nil {
		return 0, err
	}
	// Largest bottleneck first: frees the most credit per offset.
	sort.SliceStable(cycles, func(i, j int) bool {
		if cmp := cycles[i].Amount.Cmp(cycles[j].Amount); cmp != 0 {
			return cmp > 0
		}
		return cycles[i].Key() < cycles[j].Key()
	})

	cleared := 0
	for _, cycle := range cycles {
		if cleared >= e.maxCyclesPerRun {
			break
		}
		if err := ctx.Err(); err != nil {
			return cleared, err
		}
		done, err := e.Execute(ctx, cycle)
		if err != nil {
			return cleared, err
		}
		if done {
			cleared++
		}
	}
	return cleared, nil
}

// findCycles enumerates simple cycles of length 3..maxLength in the debt
// graph. When through is set, only cycles containing that edge are returned;
// otherwise each cycle is reported once, anchored at its smallest PID.
func findCycles(tx storage.Tx, equivalent string, maxLength int, through *[2]string) ([]Cycle, error) {
	debts, err := tx.ListDebts(equivalent)
	if err != nil {
		return nil, err
	}
	adjacency := make(map[string][]string)
	amounts := make(map[[2]string]*big.Int, len(debts))
	for _, d := range debts {
		if d.Amount.Sign() <= 0 {
			continue
		}
		adjacency[d.Debtor] = append(adjacency[d.Debtor], d.Creditor)
		amounts[[2]string{d.Debtor, d.Creditor}] = d.Amount
	}
	for node := range adjacency {
		sort.Strings(adjacency[node])
	}

	seen := make(map[string]bool)
	var out []Cycle

	record := func(nodes []string) {
		nodes = canonical(nodes)
		cycle := Cycle{Equivalent: equivalent, Nodes: nodes}
		if seen[cycle.Key()] {
			return
		}
		seen[cycle.Key()] = true
		bottleneck := (*big.Int)(nil)
		for _, edge := range cycle.edges() {
			amt := amounts[edge]
			if bottleneck == nil || amt.Cmp(bottleneck) < 0 {
				bottleneck = amt
			}
		}
		cycle.Amount = new(big.Int).Set(bottleneck)
		out = append(out, cycle)
	}

	// dfs walks from node back to target, appending a cycle when it closes
	// within the hop budget.
	var dfs func(node, target string, path []string, onPath map[string]bool, budget int)
	dfs = func(node, target string, path []string, onPath map[string]bool, budget int) {
		if budget == 0 {
			return
		}
		for _, next := range adjacency[node] {
			if next == target {
				if len(path) >= 3 {
					record(append([]string(nil), path...))
				}
				continue
			}
			if onPath[next] {
				continue
			}
			if through == nil && next < target {
				// anchored enumeration: the anchor is the smallest PID
				continue
			}
			onPath[next] = true
			dfs(next, target, append(path, next), onPath, budget-1)
			delete(onPath, next)
		}
	}

	if through != nil {
		debtor, creditor := through[0], through[1]
		if _, ok := amounts[*through]; !ok {
			return nil, nil
		}
		// cycles through debtor → creditor: walk from creditor back to debtor.
		// The path already holds two nodes; a cycle of length L consumes L−2
		// recursion steps plus one budget unit to inspect the closing edge.
		onPath := map[string]bool{debtor: true, creditor: true}
		dfs(creditor, debtor, []string{debtor, creditor}, onPath, maxLength-1)
		return out, nil
	}

	anchors := make([]string, 0, len(adjacency))
	for node := range adjacency {
		anchors = append(anchors, node)
	}
	sort.Strings(anchors)
	for _, anchor := range anchors {
		onPath := map[string]bool{anchor: true}
		dfs(anchor, anchor, []string{anchor}, onPath, maxLength)
	}
	return out, nil
}
