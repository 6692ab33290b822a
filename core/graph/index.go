package graph

import (
	"math/big"
	"sort"
	"sync"

	"creditnet/core/types"
	"creditnet/storage"
)

// edgeState is the in-memory mirror of one trust line plus the debt and
// prepare reservations riding on it. Authoritative values live in storage;
// the index is a read-through copy updated inside the store's commit section.
type edgeState struct {
	limit           *big.Int
	debt            *big.Int
	reserved        *big.Int
	active          bool
	canIntermediate bool
	blocked         map[string]bool
}

func newEdgeState() *edgeState {
	return &edgeState{
		limit:    big.NewInt(0),
		debt:     big.NewInt(0),
		reserved: big.NewInt(0),
	}
}

// available computes limit − debt − reserved, floored at zero for callers
// that only care about routable capacity.
func (e *edgeState) available() *big.Int {
	out := new(big.Int).Sub(e.limit, e.debt)
	out.Sub(out, e.reserved)
	return out
}

// Neighbor is one outgoing routable edge in a snapshot.
type Neighbor struct {
	To              string
	Capacity        *big.Int
	CanIntermediate bool
	Blocked         map[string]bool
}

// Snapshot is an immutable routing view of one equivalent's graph. Neighbor
// lists are sorted by PID so route search is deterministic.
type Snapshot struct {
	Equivalent string
	Edges      map[string][]Neighbor
}

// Index maintains, per equivalent, the directed weighted graph of available
// credit. Safe for concurrent use; writers are the store commit hook and the
// payment engine's reservation accounting.
type Index struct {
	mu          sync.RWMutex
	equivalents map[string]map[string]map[string]*edgeState
}

// NewIndex returns an empty graph index.
func NewIndex() *Index {
	return &Index{equivalents: make(map[string]map[string]map[string]*edgeState)}
}

// Attach registers the index as a commit hook on the store so every committed
// change set is folded in before Update returns.
func (x *Index) Attach(store storage.Store) {
	store.OnCommit(x.ApplyChangeSet)
}

func (x *Index) edge(equivalent, from, to string, create bool) *edgeState {
	adj := x.equivalents[equivalent]
	if adj == nil {
		if !create {
			return nil
		}
		adj = make(map[string]map[string]*edgeState)
		x.equivalents[equivalent] = adj
	}
	outgoing := adj[from]
	if outgoing == nil {
		if !create {
			return nil
		}
		outgoing = make(map[string]*edgeState)
		adj[from] = outgoing
	}
	e := outgoing[to]
	if e == nil {
		if !create {
			return nil
		}
		e = newEdgeState()
		outgoing[to] = e
	}
	return e
}

// ApplyChangeSet folds a committed change set into the index.
func (x *Index) ApplyChangeSet(changes storage.ChangeSet) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, line := range changes.TrustLines {
		e := x.edge(line.Equivalent, line.From, line.To, true)
		e.limit = new(big.Int).Set(line.Limit)
		e.active = line.Status == types.TrustLineActive
		e.canIntermediate = line.Policy.CanBeIntermediate
		e.blocked = nil
		if len(line.Policy.Blocked) > 0 {
			e.blocked = make(map[string]bool, len(line.Policy.Blocked))
			for pid := range line.Policy.Blocked {
				e.blocked[pid] = true
			}
		}
	}
	for _, debt := range changes.Debts {
		e := x.edge(debt.Equivalent, debt.Debtor, debt.Creditor, true)
		e.debt = new(big.Int).Set(debt.Amount)
	}
}

// Rebuild reloads the full index from a storage view. Called at startup and
// after recovery sweeps.
func (x *Index) Rebuild(tx storage.Tx) error {
	equivalents, err := tx.ListEquivalents()
	if err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.equivalents = make(map[string]map[string]map[string]*edgeState)
	for _, eq := range equivalents {
		lines, err := tx.ListTrustLines(eq.Code)
		if err != nil {
			return err
		}
		for _, line := range lines {
			e := x.edge(eq.Code, line.From, line.To, true)
			e.limit = new(big.Int).Set(line.Limit)
			e.active = line.Status == types.TrustLineActive
			e.canIntermediate = line.Policy.CanBeIntermediate
			if len(line.Policy.Blocked) > 0 {
				e.blocked = make(map[string]bool, len(line.Policy.Blocked))
				for pid := range line.Policy.Blocked {
					e.blocked[pid] = true
				}
			}
		}
		debts, err := tx.ListDebts(eq.Code)
		if err != nil {
			return err
		}
		for _, debt := range debts {
			e := x.edge(eq.Code, debt.Debtor, debt.Creditor, true)
			e.debt = new(big.Int).Set(debt.Amount)
		}
	}
	return nil
}

// Reserve records a pending PREPARE hold on an edge so concurrent routing
// observes the reduced capacity immediately.
func (x *Index) Reserve(equivalent, from, to string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	e := x.edge(equivalent, from, to, true)
	e.reserved = new(big.Int).Add(e.reserved, amount)
}

// Release removes a pending hold after COMMIT, ABORT or lock expiry.
func (x *Index) Release(equivalent, from, to string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	e := x.edge(equivalent, from, to, false)
	if e == nil {
		return
	}
	e.reserved = new(big.Int).Sub(e.reserved, amount)
	if e.reserved.Sign() < 0 {
		e.reserved = big.NewInt(0)
	}
}

// AvailableCredit reports limit − debt − reservations for one edge, or zero
// when the edge does not exist or is inactive.
func (x *Index) AvailableCredit(equivalent, from, to string) *big.Int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e := x.edge(equivalent, from, to, false)
	if e == nil || !e.active {
		return big.NewInt(0)
	}
	avail := e.available()
	if avail.Sign() < 0 {
		return big.NewInt(0)
	}
	return avail
}

// Snapshot produces a deterministic routing view: inactive edges and edges
// with non-positive available credit are excluded, vertices in avoid are
// dropped, and neighbor lists are sorted by PID.
func (x *Index) Snapshot(equivalent string, avoid map[string]bool) *Snapshot {
	x.mu.RLock()
	defer x.mu.RUnlock()
	snap := &Snapshot{Equivalent: equivalent, Edges: make(map[string][]Neighbor)}
	adj := x.equivalents[equivalent]
	for from, outgoing := range adj {
		if avoid[from] {
			continue
		}
		var neighbors []Neighbor
		for to, e := range outgoing {
			if avoid[to] || !e.active {
				continue
			}
			capacity := e.available()
			if capacity.Sign() <= 0 {
				continue
			}
			n := Neighbor{
				To:              to,
				Capacity:        capacity,
				CanIntermediate: e.canIntermediate,
			}
			if len(e.blocked) > 0 {
				n.Blocked = make(map[string]bool, len(e.blocked))
				for pid := range e.blocked {
					n.Blocked[pid] = true
				}
			}
			neighbors = append(neighbors, n)
		}
		if len(neighbors) > 0 {
			sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].To < neighbors[j].To })
			snap.Edges[from] = neighbors
		}
	}
	return snap
}

// Capacity looks up the snapshot capacity of one edge.
func (s *Snapshot) Capacity(from, to string) *big.Int {
	for _, n := range s.Edges[from] {
		if n.To == to {
			return new(big.Int).Set(n.Capacity)
		}
	}
	return big.NewInt(0)
}

// Neighbor returns the snapshot edge from → to, if present.
func (s *Snapshot) Neighbor(from, to string) (Neighbor, bool) {
	for _, n := range s.Edges[from] {
		if n.To == to {
			return n, true
		}
	}
	return Neighbor{}, false
}
