package types

import (
	"math/big"
	"time"
)

// TrustLineStatus tracks the lifecycle of a credit line.
type TrustLineStatus string

const (
	TrustLineActive TrustLineStatus = "active"
	TrustLineFrozen TrustLineStatus = "frozen"
	TrustLineClosed TrustLineStatus = "closed"
)

// TrustLinePolicy captures the creditor's preferences for how the line may be
// used. DailyLimit is stored and surfaced but not enforced in this version.
type TrustLinePolicy struct {
	AutoClearing      bool
	CanBeIntermediate bool
	Blocked           map[string]bool
	DailyLimit        *big.Int
}

// Clone deep-copies the policy so engines can hand out snapshots.
func (p TrustLinePolicy) Clone() TrustLinePolicy {
	out := TrustLinePolicy{
		AutoClearing:      p.AutoClearing,
		CanBeIntermediate: p.CanBeIntermediate,
	}
	if p.Blocked != nil {
		out.Blocked = make(map[string]bool, len(p.Blocked))
		for k, v := range p.Blocked {
			out.Blocked[k] = v
		}
	}
	if p.DailyLimit != nil {
		out.DailyLimit = new(big.Int).Set(p.DailyLimit)
	}
	return out
}

// DefaultTrustLinePolicy mirrors the protocol defaults: clearing is automatic
// and the line may carry routed payments.
func DefaultTrustLinePolicy() TrustLinePolicy {
	return TrustLinePolicy{AutoClearing: true, CanBeIntermediate: true}
}

// TrustLine is a directed credit ceiling From grants To in one equivalent. At
// most one active line exists per (From, To, Equivalent).
type TrustLine struct {
	From       string
	To         string
	Equivalent string
	Limit      *big.Int
	Policy     TrustLinePolicy
	Status     TrustLineStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Usable reports whether the line can back new debt.
func (t *TrustLine) Usable() bool {
	return t != nil && t.Status == TrustLineActive
}

// Blocks reports whether the creditor's policy blocks the given sender.
func (t *TrustLine) Blocks(pid string) bool {
	return t != nil && t.Policy.Blocked != nil && t.Policy.Blocked[pid]
}

// Clone deep-copies the trust line.
func (t *TrustLine) Clone() *TrustLine {
	if t == nil {
		return nil
	}
	return &TrustLine{
		From:       t.From,
		To:         t.To,
		Equivalent: t.Equivalent,
		Limit:      cloneBigInt(t.Limit),
		Policy:     t.Policy.Clone(),
		Status:     t.Status,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}
}

// Debt is the current obligation Debtor owes Creditor in one equivalent.
// Zero-amount rows are deleted rather than stored.
type Debt struct {
	Debtor     string
	Creditor   string
	Equivalent string
	Amount     *big.Int
	UpdatedAt  time.Time
}

// Clone deep-copies the debt row.
func (d *Debt) Clone() *Debt {
	if d == nil {
		return nil
	}
	return &Debt{
		Debtor:     d.Debtor,
		Creditor:   d.Creditor,
		Equivalent: d.Equivalent,
		Amount:     cloneBigInt(d.Amount),
		UpdatedAt:  d.UpdatedAt,
	}
}
