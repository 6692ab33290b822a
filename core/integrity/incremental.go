package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	coreerrors "creditnet/core/errors"
	"creditnet/storage"
)

func errStillBroken(equivalent string, violations []Violation) error {
	detail := make([]string, 0, len(violations))
	for _, v := range violations {
		detail = append(detail, v.Check+": "+v.Detail)
	}
	return coreerrors.New(coreerrors.CodeStateConflict, "equivalent still violates invariants").
		WithDetail("equivalent", equivalent).
		WithDetail("violations", strings.Join(detail, "; "))
}

// Tracker maintains an order-independent running digest of the debt set per
// equivalent, updated from the store's commit hook. Because XOR is its own
// inverse, folding a row out and the replacement in keeps the digest equal to
// the XOR of all current row hashes, without rescanning.
//
// The tracker digest is not the canonical checkpoint checksum; the scheduled
// checksum run recomputes the canonical digest and compares the debt sets
// instead, using the tracker only to decide whether a full recompute is due.
type Tracker struct {
	mu     sync.Mutex
	digest map[string][sha256.Size]byte
	rows   map[string]map[[2]string]string
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		digest: make(map[string][sha256.Size]byte),
		rows:   make(map[string]map[[2]string]string),
	}
}

// Attach registers the tracker as a commit hook on the store.
func (t *Tracker) Attach(store storage.Store) {
	store.OnCommit(t.ApplyChangeSet)
}

func rowHash(debtor, creditor, amount string) [sha256.Size]byte {
	return sha256.Sum256([]byte(debtor + ":" + creditor + ":" + amount))
}

func xorInto(dst *[sha256.Size]byte, src [sha256.Size]byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// ApplyChangeSet folds committed debt changes into the running digest. Rows
// with a zero amount are deletions.
func (t *Tracker) ApplyChangeSet(changes storage.ChangeSet) {
	if len(changes.Debts) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range changes.Debts {
		key := [2]string{d.Debtor, d.Creditor}
		rows := t.rows[d.Equivalent]
		if rows == nil {
			rows = make(map[[2]string]string)
			t.rows[d.Equivalent] = rows
		}
		digest := t.digest[d.Equivalent]
		if prev, ok := rows[key]; ok {
			xorInto(&digest, rowHash(d.Debtor, d.Creditor, prev))
			delete(rows, key)
		}
		if d.Amount.Sign() > 0 {
			amount := d.Amount.String()
			xorInto(&digest, rowHash(d.Debtor, d.Creditor, amount))
			rows[key] = amount
		}
		t.digest[d.Equivalent] = digest
	}
}

// Rebuild reloads the tracker from a storage view. Called at startup, after
// the index rebuild.
func (t *Tracker) Rebuild(tx storage.Tx) error {
	equivalents, err := tx.ListEquivalents()
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.digest = make(map[string][sha256.Size]byte)
	t.rows = make(map[string]map[[2]string]string)
	for _, eq := range equivalents {
		debts, err := tx.ListDebts(eq.Code)
		if err != nil {
			return err
		}
		rows := make(map[[2]string]string, len(debts))
		var digest [sha256.Size]byte
		for _, d := range debts {
			amount := d.Amount.String()
			rows[[2]string{d.Debtor, d.Creditor}] = amount
			xorInto(&digest, rowHash(d.Debtor, d.Creditor, amount))
		}
		t.rows[eq.Code] = rows
		t.digest[eq.Code] = digest
	}
	return nil
}

// Digest returns the hex running digest for one equivalent.
func (t *Tracker) Digest(equivalent string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.digest[equivalent]
	return hex.EncodeToString(d[:])
}

// Drifted compares the tracker's view of an equivalent with a freshly
// computed running digest over the given rows. Used by the checksum schedule
// to detect writes that bypassed the tracked commit path.
func (t *Tracker) Drifted(equivalent string, rows map[[2]string]string) bool {
	var fresh [sha256.Size]byte
	for key, amount := range rows {
		xorInto(&fresh, rowHash(key[0], key[1], amount))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return fresh != t.digest[equivalent]
}
