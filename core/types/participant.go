package types

import (
	"strings"
	"time"
)

// ParticipantStatus tracks the lifecycle of a hub member.
type ParticipantStatus string

const (
	ParticipantActive    ParticipantStatus = "active"
	ParticipantSuspended ParticipantStatus = "suspended"
	ParticipantLeft      ParticipantStatus = "left"
	ParticipantDeleted   ParticipantStatus = "deleted"
)

// Participant is a network member identified by the base58 digest of its
// Ed25519 public key. Rows are never physically removed; deletion anonymizes
// the profile and flips the status.
type Participant struct {
	PID               string
	PublicKey         []byte
	Status            ParticipantStatus
	VerificationLevel uint8
	Profile           map[string]string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CanTransact reports whether the participant may initiate or receive
// debt-mutating operations.
func (p *Participant) CanTransact() bool {
	return p != nil && p.Status == ParticipantActive
}

// Anonymize strips profile data in place while preserving the row for audit
// continuity.
func (p *Participant) Anonymize(now time.Time) {
	if p == nil {
		return
	}
	p.Profile = nil
	p.Status = ParticipantDeleted
	p.UpdatedAt = now
}

// EquivalentType classifies units of account.
type EquivalentType string

const (
	EquivalentFiat      EquivalentType = "fiat"
	EquivalentTime      EquivalentType = "time"
	EquivalentCommodity EquivalentType = "commodity"
	EquivalentCustom    EquivalentType = "custom"
)

// Equivalent is a unit of account. Immutable after creation apart from
// deactivation and the integrity lock flag.
type Equivalent struct {
	Code            string
	Precision       uint8
	Type            EquivalentType
	Active          bool
	IntegrityLocked bool
	CreatedAt       time.Time
}

// ValidEquivalentCode enforces the 1-16 char [A-Z0-9_] constraint.
func ValidEquivalentCode(code string) bool {
	if len(code) < 1 || len(code) > 16 {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}

// NormalizeEquivalentCode trims and upper-cases a caller-provided code.
func NormalizeEquivalentCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
