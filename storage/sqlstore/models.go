package sqlstore

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/google/uuid"

	"creditnet/core/types"
)

// Amounts persist as decimal strings so no backend ever rounds them.

type participantModel struct {
	PID               string `gorm:"primaryKey;size:64"`
	PublicKey         []byte
	Status            string `gorm:"size:16;index"`
	VerificationLevel uint8
	Profile           []byte
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (participantModel) TableName() string { return "participants" }

type equivalentModel struct {
	Code            string `gorm:"primaryKey;size:16"`
	Precision       uint8
	Type            string `gorm:"size:16"`
	Active          bool
	IntegrityLocked bool
	CreatedAt       time.Time
}

func (equivalentModel) TableName() string { return "equivalents" }

type trustLineModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	FromPID    string    `gorm:"size:64;uniqueIndex:idx_trust_lines_edge,priority:1"`
	ToPID      string    `gorm:"size:64;uniqueIndex:idx_trust_lines_edge,priority:2"`
	Equivalent string    `gorm:"size:16;uniqueIndex:idx_trust_lines_edge,priority:3;index"`
	LimitStr   string    `gorm:"column:limit_amount"`
	Policy     []byte
	Status     string `gorm:"size:16"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (trustLineModel) TableName() string { return "trust_lines" }

type debtModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Debtor     string    `gorm:"size:64;uniqueIndex:idx_debts_edge,priority:1"`
	Creditor   string    `gorm:"size:64;uniqueIndex:idx_debts_edge,priority:2"`
	Equivalent string    `gorm:"size:16;uniqueIndex:idx_debts_edge,priority:3;index"`
	Amount     string
	UpdatedAt  time.Time
}

func (debtModel) TableName() string { return "debts" }

type transactionModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	Type           string `gorm:"size:32"`
	Initiator      string `gorm:"size:64;index"`
	Equivalent     string `gorm:"size:16"`
	Payload        []byte
	Signatures     []byte
	State          string  `gorm:"size:16;index"`
	IdempotencyKey *string `gorm:"size:128;uniqueIndex"`
	PayloadHash    string  `gorm:"size:64"`
	Result         []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (transactionModel) TableName() string { return "transactions" }

type prepareLockModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	TxID       string    `gorm:"size:64;index"`
	Debtor     string    `gorm:"size:64;index:idx_locks_edge,priority:1"`
	Creditor   string    `gorm:"size:64;index:idx_locks_edge,priority:2"`
	Equivalent string    `gorm:"size:16;index:idx_locks_edge,priority:3"`
	Amount     string
	ExpiresAt  time.Time `gorm:"index"`
	CreatedAt  time.Time
}

func (prepareLockModel) TableName() string { return "prepare_locks" }

type eventModel struct {
	ID         string `gorm:"primaryKey;size:64"`
	Type       string `gorm:"size:64;index"`
	TxID       string `gorm:"size:64;index"`
	Actor      string `gorm:"size:64"`
	RunID      string `gorm:"size:64"`
	ScenarioID string `gorm:"size:64"`
	RequestID  string `gorm:"size:64"`
	Attributes []byte
	CreatedAt  time.Time `gorm:"index"`
}

func (eventModel) TableName() string { return "events" }

type checkpointModel struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	Equivalent       string    `gorm:"size:16;index"`
	Checksum         string    `gorm:"size:64"`
	TotalDebt        string
	DebtCount        int
	ParticipantCount int
	CreatedAt        time.Time `gorm:"index"`
}

func (checkpointModel) TableName() string { return "integrity_checkpoints" }

func allModels() []any {
	return []any{
		&participantModel{},
		&equivalentModel{},
		&trustLineModel{},
		&debtModel{},
		&transactionModel{},
		&prepareLockModel{},
		&eventModel{},
		&checkpointModel{},
	}
}

func parseBig(s string) *big.Int {
	out, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return out
}

func toParticipant(m *participantModel) *types.Participant {
	out := &types.Participant{
		PID:               m.PID,
		PublicKey:         append([]byte(nil), m.PublicKey...),
		Status:            types.ParticipantStatus(m.Status),
		VerificationLevel: m.VerificationLevel,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
	if len(m.Profile) > 0 {
		_ = json.Unmarshal(m.Profile, &out.Profile)
	}
	return out
}

func fromParticipant(p *types.Participant) *participantModel {
	m := &participantModel{
		PID:               p.PID,
		PublicKey:         append([]byte(nil), p.PublicKey...),
		Status:            string(p.Status),
		VerificationLevel: p.VerificationLevel,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
	if len(p.Profile) > 0 {
		m.Profile, _ = json.Marshal(p.Profile)
	}
	return m
}

func toEquivalent(m *equivalentModel) *types.Equivalent {
	return &types.Equivalent{
		Code:            m.Code,
		Precision:       m.Precision,
		Type:            types.EquivalentType(m.Type),
		Active:          m.Active,
		IntegrityLocked: m.IntegrityLocked,
		CreatedAt:       m.CreatedAt,
	}
}

func fromEquivalent(eq *types.Equivalent) *equivalentModel {
	return &equivalentModel{
		Code:            eq.Code,
		Precision:       eq.Precision,
		Type:            string(eq.Type),
		Active:          eq.Active,
		IntegrityLocked: eq.IntegrityLocked,
		CreatedAt:       eq.CreatedAt,
	}
}

// policyBlob is the serialized trust line policy.
type policyBlob struct {
	AutoClearing      bool     `json:"auto_clearing"`
	CanBeIntermediate bool     `json:"can_be_intermediate"`
	Blocked           []string `json:"blocked,omitempty"`
	DailyLimit        string   `json:"daily_limit,omitempty"`
}

func toTrustLine(m *trustLineModel) *types.TrustLine {
	line := &types.TrustLine{
		From:       m.FromPID,
		To:         m.ToPID,
		Equivalent: m.Equivalent,
		Limit:      parseBig(m.LimitStr),
		Policy:     types.DefaultTrustLinePolicy(),
		Status:     types.TrustLineStatus(m.Status),
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
	if len(m.Policy) > 0 {
		var blob policyBlob
		if err := json.Unmarshal(m.Policy, &blob); err == nil {
			line.Policy.AutoClearing = blob.AutoClearing
			line.Policy.CanBeIntermediate = blob.CanBeIntermediate
			if len(blob.Blocked) > 0 {
				line.Policy.Blocked = make(map[string]bool, len(blob.Blocked))
				for _, pid := range blob.Blocked {
					line.Policy.Blocked[pid] = true
				}
			}
			if blob.DailyLimit != "" {
				line.Policy.DailyLimit = parseBig(blob.DailyLimit)
			}
		}
	}
	return line
}

func fromTrustLine(line *types.TrustLine, id uuid.UUID) *trustLineModel {
	blob := policyBlob{
		AutoClearing:      line.Policy.AutoClearing,
		CanBeIntermediate: line.Policy.CanBeIntermediate,
	}
	for pid := range line.Policy.Blocked {
		blob.Blocked = append(blob.Blocked, pid)
	}
	if line.Policy.DailyLimit != nil {
		blob.DailyLimit = line.Policy.DailyLimit.String()
	}
	encoded, _ := json.Marshal(blob)
	return &trustLineModel{
		ID:         id,
		FromPID:    line.From,
		ToPID:      line.To,
		Equivalent: line.Equivalent,
		LimitStr:   line.Limit.String(),
		Policy:     encoded,
		Status:     string(line.Status),
		CreatedAt:  line.CreatedAt,
		UpdatedAt:  line.UpdatedAt,
	}
}

func toDebt(m *debtModel) *types.Debt {
	return &types.Debt{
		Debtor:     m.Debtor,
		Creditor:   m.Creditor,
		Equivalent: m.Equivalent,
		Amount:     parseBig(m.Amount),
		UpdatedAt:  m.UpdatedAt,
	}
}

func toTransaction(m *transactionModel) *types.Transaction {
	out := &types.Transaction{
		ID:          m.ID,
		Type:        types.TransactionType(m.Type),
		Initiator:   m.Initiator,
		Equivalent:  m.Equivalent,
		Payload:     append([]byte(nil), m.Payload...),
		State:       types.TransactionState(m.State),
		PayloadHash: m.PayloadHash,
		Result:      append([]byte(nil), m.Result...),
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if m.IdempotencyKey != nil {
		out.IdempotencyKey = *m.IdempotencyKey
	}
	if len(m.Signatures) > 0 {
		_ = json.Unmarshal(m.Signatures, &out.Signatures)
	}
	return out
}

func fromTransaction(tx *types.Transaction) *transactionModel {
	m := &transactionModel{
		ID:          tx.ID,
		Type:        string(tx.Type),
		Initiator:   tx.Initiator,
		Equivalent:  tx.Equivalent,
		Payload:     append([]byte(nil), tx.Payload...),
		State:       string(tx.State),
		PayloadHash: tx.PayloadHash,
		Result:      append([]byte(nil), tx.Result...),
		CreatedAt:   tx.CreatedAt,
		UpdatedAt:   tx.UpdatedAt,
	}
	if tx.IdempotencyKey != "" {
		key := tx.IdempotencyKey
		m.IdempotencyKey = &key
	}
	if len(tx.Signatures) > 0 {
		m.Signatures, _ = json.Marshal(tx.Signatures)
	}
	return m
}

func toLock(m *prepareLockModel) *types.PrepareLock {
	return &types.PrepareLock{
		TxID:       m.TxID,
		Debtor:     m.Debtor,
		Creditor:   m.Creditor,
		Equivalent: m.Equivalent,
		Amount:     parseBig(m.Amount),
		ExpiresAt:  m.ExpiresAt,
		CreatedAt:  m.CreatedAt,
	}
}

func toEvent(m *eventModel) *types.Event {
	out := &types.Event{
		ID:         m.ID,
		Type:       m.Type,
		TxID:       m.TxID,
		Actor:      m.Actor,
		RunID:      m.RunID,
		ScenarioID: m.ScenarioID,
		RequestID:  m.RequestID,
		CreatedAt:  m.CreatedAt,
	}
	if len(m.Attributes) > 0 {
		_ = json.Unmarshal(m.Attributes, &out.Attributes)
	}
	return out
}

func fromEvent(evt *types.Event) *eventModel {
	m := &eventModel{
		ID:         evt.ID,
		Type:       evt.Type,
		TxID:       evt.TxID,
		Actor:      evt.Actor,
		RunID:      evt.RunID,
		ScenarioID: evt.ScenarioID,
		RequestID:  evt.RequestID,
		CreatedAt:  evt.CreatedAt,
	}
	if len(evt.Attributes) > 0 {
		m.Attributes, _ = json.Marshal(evt.Attributes)
	}
	return m
}

func toCheckpoint(m *checkpointModel) *types.IntegrityCheckpoint {
	return &types.IntegrityCheckpoint{
		Equivalent:       m.Equivalent,
		Checksum:         m.Checksum,
		TotalDebt:        parseBig(m.TotalDebt),
		DebtCount:        m.DebtCount,
		ParticipantCount: m.ParticipantCount,
		CreatedAt:        m.CreatedAt,
	}
}
