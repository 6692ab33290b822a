package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"creditnet/core/events"
	"creditnet/core/types"
	"creditnet/storage"
)

var errNilStore = errors.New("integrity checker: store not configured")

// Check names used in violation events and reports.
const (
	CheckBalance  = "balance"
	CheckLimits   = "trust_limits"
	CheckSymmetry = "debt_symmetry"
	CheckChecksum = "checksum"
)

// Violation is one failed invariant.
type Violation struct {
	Equivalent string
	Check      string
	Detail     string
}

// Report is the outcome of a checker run over one equivalent.
type Report struct {
	Equivalent string
	Violations []Violation
	Checkpoint *types.IntegrityCheckpoint
}

// Clean reports whether the run found no violations.
func (r *Report) Clean() bool { return len(r.Violations) == 0 }

// Checker verifies the ledger invariants and quarantines an equivalent by
// locking it when any check fails. All reads of one run happen inside a
// single snapshot, so a run never races a payment into a false positive.
type Checker struct {
	store   storage.Store
	emitter events.Emitter
	nowFn   func() time.Time
}

// NewChecker creates a checker with a no-op emitter.
func NewChecker() *Checker {
	return &Checker{
		emitter: events.NoopEmitter{},
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// SetStore wires the checker to the persistence layer.
func (c *Checker) SetStore(store storage.Store) { c.store = store }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (c *Checker) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		c.emitter = events.NoopEmitter{}
		return
	}
	c.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (c *Checker) SetNowFunc(now func() time.Time) {
	if now == nil {
		c.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	c.nowFn = now
}

// RunFull executes every invariant check over one equivalent inside a single
// serializable transaction. A clean run writes a checkpoint; any violation
// locks the equivalent for writes and emits integrity.violation.
func (c *Checker) RunFull(ctx context.Context, equivalent string) (*Report, error) {
	if c.store == nil {
		return nil, errNilStore
	}
	report := &Report{Equivalent: equivalent}
	err := c.store.Update(ctx, func(tx storage.Tx) error {
		debts, err := tx.ListDebts(equivalent)
		if err != nil {
			return err
		}
		report.Violations = append(report.Violations, checkBalance(equivalent, debts)...)
		report.Violations = append(report.Violations, checkSymmetry(equivalent, debts)...)
		limits, err := checkLimits(tx, equivalent, debts)
		if err != nil {
			return err
		}
		report.Violations = append(report.Violations, limits...)

		if !report.Clean() {
			return c.lock(tx, equivalent, report.Violations)
		}

		participants := make(map[string]bool)
		total := big.NewInt(0)
		for _, d := range debts {
			participants[d.Debtor] = true
			participants[d.Creditor] = true
			total.Add(total, d.Amount)
		}
		cp := &types.IntegrityCheckpoint{
			Equivalent:       equivalent,
			Checksum:         ChecksumDebts(debts),
			TotalDebt:        total,
			DebtCount:        len(debts),
			ParticipantCount: len(participants),
			CreatedAt:        c.nowFn(),
		}
		report.Checkpoint = cp
		return tx.PutCheckpoint(cp)
	})
	if err != nil {
		return nil, err
	}
	for _, v := range report.Violations {
		c.emitter.Emit(events.IntegrityViolation{
			Equivalent: v.Equivalent,
			Check:      v.Check,
			Severity:   "critical",
			Detail:     v.Detail,
		})
	}
	return report, nil
}

// scan runs one set of invariant checks inside a single transaction, locking
// the equivalent on any failure, and emits integrity.violation afterwards.
func (c *Checker) scan(ctx context.Context, equivalent string, fn func(tx storage.Tx, debts []*types.Debt) ([]Violation, error)) (*Report, error) {
	if c.store == nil {
		return nil, errNilStore
	}
	report := &Report{Equivalent: equivalent}
	err := c.store.Update(ctx, func(tx storage.Tx) error {
		debts, err := tx.ListDebts(equivalent)
		if err != nil {
			return err
		}
		violations, err := fn(tx, debts)
		if err != nil {
			return err
		}
		report.Violations = violations
		if !report.Clean() {
			return c.lock(tx, equivalent, report.Violations)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, v := range report.Violations {
		c.emitter.Emit(events.IntegrityViolation{
			Equivalent: v.Equivalent,
			Check:      v.Check,
			Severity:   "critical",
			Detail:     v.Detail,
		})
	}
	return report, nil
}

// QuickCheck runs the zero-sum and trust-limit scans. Used by the frequent
// schedule; symmetry and checksum verification run on their own cadences.
func (c *Checker) QuickCheck(ctx context.Context, equivalent string) (*Report, error) {
	return c.scan(ctx, equivalent, func(tx storage.Tx, debts []*types.Debt) ([]Violation, error) {
		violations := checkBalance(equivalent, debts)
		limits, err := checkLimits(tx, equivalent, debts)
		if err != nil {
			return nil, err
		}
		return append(violations, limits...), nil
	})
}

// SymmetryCheck scans for mutual or non-positive debt rows.
func (c *Checker) SymmetryCheck(ctx context.Context, equivalent string) (*Report, error) {
	return c.scan(ctx, equivalent, func(_ storage.Tx, debts []*types.Debt) ([]Violation, error) {
		return checkSymmetry(equivalent, debts), nil
	})
}

// checkBalance verifies the zero-sum invariant: per-participant net positions
// (credit owed minus debt owed), summed over the equivalent, must cancel out.
func checkBalance(equivalent string, debts []*types.Debt) []Violation {
	positions := make(map[string]*big.Int, 2*len(debts))
	add := func(pid string, amount *big.Int) {
		if p, ok := positions[pid]; ok {
			p.Add(p, amount)
			return
		}
		positions[pid] = new(big.Int).Set(amount)
	}
	for _, d := range debts {
		add(d.Creditor, d.Amount)
		add(d.Debtor, new(big.Int).Neg(d.Amount))
	}
	net := big.NewInt(0)
	for _, p := range positions {
		net.Add(net, p)
	}
	if net.Sign() != 0 {
		return []Violation{{
			Equivalent: equivalent,
			Check:      CheckBalance,
			Detail:     "aggregate net position is " + net.String(),
		}}
	}
	return nil
}

// checkSymmetry verifies that debt is stored in one direction only and that
// no row carries a non-positive amount.
func checkSymmetry(equivalent string, debts []*types.Debt) []Violation {
	var out []Violation
	index := make(map[[2]string]bool, len(debts))
	for _, d := range debts {
		index[[2]string{d.Debtor, d.Creditor}] = true
	}
	for _, d := range debts {
		if d.Amount.Sign() <= 0 {
			out = append(out, Violation{
				Equivalent: equivalent,
				Check:      CheckSymmetry,
				Detail:     "non-positive debt " + d.Debtor + "→" + d.Creditor + " = " + d.Amount.String(),
			})
		}
		if d.Debtor < d.Creditor && index[[2]string{d.Creditor, d.Debtor}] {
			out = append(out, Violation{
				Equivalent: equivalent,
				Check:      CheckSymmetry,
				Detail:     "mutual debt between " + d.Debtor + " and " + d.Creditor,
			})
		}
	}
	return out
}

// checkLimits verifies debt ≤ limit on the backing trust line for every debt
// row. Debt on a frozen line is legal; debt with no line at all is not.
func checkLimits(tx storage.Tx, equivalent string, debts []*types.Debt) ([]Violation, error) {
	var out []Violation
	for _, d := range debts {
		line, err := tx.GetTrustLine(d.Debtor, d.Creditor, equivalent)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				out = append(out, Violation{
					Equivalent: equivalent,
					Check:      CheckLimits,
					Detail:     "debt " + d.Debtor + "→" + d.Creditor + " has no backing trust line",
				})
				continue
			}
			return nil, err
		}
		if d.Amount.Cmp(line.Limit) > 0 {
			out = append(out, Violation{
				Equivalent: equivalent,
				Check:      CheckLimits,
				Detail: "debt " + d.Debtor + "→" + d.Creditor + " = " + d.Amount.String() +
					" exceeds limit " + line.Limit.String(),
			})
		}
	}
	return out, nil
}

// ChecksumDebts computes the canonical state digest: SHA-256 over the sorted
// "debtor:creditor:amount" rows joined with "|".
func ChecksumDebts(debts []*types.Debt) string {
	rows := make([]string, 0, len(debts))
	for _, d := range debts {
		rows = append(rows, d.Debtor+":"+d.Creditor+":"+d.Amount.String())
	}
	sort.Strings(rows)
	sum := sha256.Sum256([]byte(strings.Join(rows, "|")))
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum recomputes the canonical digest and compares it with the
// incremental tracker's view. A mismatch means a write bypassed the tracked
// path and triggers the same quarantine as any other violation.
func (c *Checker) VerifyChecksum(ctx context.Context, equivalent, expected string) (*Report, error) {
	if c.store == nil {
		return nil, errNilStore
	}
	report := &Report{Equivalent: equivalent}
	err := c.store.Update(ctx, func(tx storage.Tx) error {
		debts, err := tx.ListDebts(equivalent)
		if err != nil {
			return err
		}
		actual := ChecksumDebts(debts)
		if actual != expected {
			report.Violations = append(report.Violations, Violation{
				Equivalent: equivalent,
				Check:      CheckChecksum,
				Detail:     "stored state digest " + actual + " does not match tracked digest " + expected,
			})
			return c.lock(tx, equivalent, report.Violations)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, v := range report.Violations {
		c.emitter.Emit(events.IntegrityViolation{
			Equivalent: v.Equivalent,
			Check:      v.Check,
			Severity:   "critical",
			Detail:     v.Detail,
		})
	}
	return report, nil
}

// lock quarantines the equivalent and appends one audit event per violation,
// all inside the caller's transaction.
func (c *Checker) lock(tx storage.Tx, equivalent string, violations []Violation) error {
	eq, err := tx.GetEquivalent(equivalent)
	if err != nil {
		return err
	}
	if !eq.IntegrityLocked {
		eq.IntegrityLocked = true
		if err := tx.PutEquivalent(eq); err != nil {
			return err
		}
	}
	now := c.nowFn()
	for _, v := range violations {
		evt := events.IntegrityViolation{
			Equivalent: v.Equivalent,
			Check:      v.Check,
			Severity:   "critical",
			Detail:     v.Detail,
		}.Event()
		evt.ID = uuid.NewString()
		evt.CreatedAt = now
		if err := tx.AppendEvent(evt); err != nil {
			return err
		}
	}
	return nil
}

// Unlock clears the quarantine after an operator reconciles the state. The
// full check reruns first; unlocking a still-broken equivalent is refused.
func (c *Checker) Unlock(ctx context.Context, equivalent, admin string) error {
	if c.store == nil {
		return errNilStore
	}
	return c.store.Update(ctx, func(tx storage.Tx) error {
		debts, err := tx.ListDebts(equivalent)
		if err != nil {
			return err
		}
		var violations []Violation
		violations = append(violations, checkBalance(equivalent, debts)...)
		violations = append(violations, checkSymmetry(equivalent, debts)...)
		limits, err := checkLimits(tx, equivalent, debts)
		if err != nil {
			return err
		}
		violations = append(violations, limits...)
		if len(violations) > 0 {
			return errStillBroken(equivalent, violations)
		}
		eq, err := tx.GetEquivalent(equivalent)
		if err != nil {
			return err
		}
		eq.IntegrityLocked = false
		if err := tx.PutEquivalent(eq); err != nil {
			return err
		}
		evt := &types.Event{
			ID:    uuid.NewString(),
			Type:  "integrity.unlocked",
			Actor: admin,
			Attributes: map[string]string{
				"equivalent": equivalent,
			},
			CreatedAt: c.nowFn(),
		}
		return tx.AppendEvent(evt)
	})
}
