package network

import (
	"encoding/json"
	"errors"
	"time"

	"creditnet/crypto"
)

// Message type identifiers carried in the envelope's msg_type field.
const (
	MsgPing = "PING"
	MsgPong = "PONG"

	MsgRegister           = "REGISTER"
	MsgParticipantFreeze  = "PARTICIPANT_FREEZE"
	MsgParticipantRestore = "PARTICIPANT_RESTORE"
	MsgParticipantLeave   = "PARTICIPANT_LEAVE"

	MsgEquivalentCreate     = "EQUIVALENT_CREATE"
	MsgEquivalentDeactivate = "EQUIVALENT_DEACTIVATE"

	MsgTrustLineCreate = "TRUST_LINE_CREATE"
	MsgTrustLineUpdate = "TRUST_LINE_UPDATE"
	MsgTrustLineClose  = "TRUST_LINE_CLOSE"

	MsgPayment      = "PAYMENT"
	MsgCompensation = "COMPENSATION"

	MsgClearingAccept = "CLEARING_ACCEPT"
	MsgClearingReject = "CLEARING_REJECT"

	MsgConfigSet       = "CONFIG_SET"
	MsgIntegrityUnlock = "INTEGRITY_UNLOCK"
)

var (
	// ErrMissingSignature signals an envelope without a signature.
	ErrMissingSignature = errors.New("network: envelope is not signed")
	// ErrBadSignature signals a signature that does not verify.
	ErrBadSignature = errors.New("network: envelope signature invalid")
)

// Envelope is the signed wire frame around every request. The signature
// covers the canonical JSON of the envelope with the signature field
// removed, so field order on the wire never matters.
type Envelope struct {
	MsgID     string          `json:"msg_id"`
	MsgType   string          `json:"msg_type"`
	TxID      string          `json:"tx_id,omitempty"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	RunID     string          `json:"run_id,omitempty"`
	Scenario  string          `json:"scenario_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Signature []byte          `json:"signature,omitempty"`
}

// SigningBytes produces the canonical byte string the signature covers.
func (e *Envelope) SigningBytes() ([]byte, error) {
	unsigned := *e
	unsigned.Signature = nil
	raw, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, err
	}
	return crypto.CanonicalizeRaw(raw)
}

// Sign stamps the envelope with the sender's Ed25519 signature.
func (e *Envelope) Sign(key *crypto.PrivateKey) error {
	msg, err := e.SigningBytes()
	if err != nil {
		return err
	}
	e.Signature = key.Sign(msg)
	return nil
}

// VerifySignature checks the envelope signature against the sender's stored
// public key bytes.
func (e *Envelope) VerifySignature(publicKey []byte) error {
	if len(e.Signature) == 0 {
		return ErrMissingSignature
	}
	msg, err := e.SigningBytes()
	if err != nil {
		return err
	}
	if !crypto.Verify(publicKey, msg, e.Signature) {
		return ErrBadSignature
	}
	return nil
}

// RegisterPayload carries a new participant's key material and profile.
type RegisterPayload struct {
	PublicKey []byte            `json:"public_key"`
	Profile   map[string]string `json:"profile,omitempty"`
}

// EquivalentPayload creates or deactivates a unit of account.
type EquivalentPayload struct {
	Code      string `json:"code"`
	Precision uint8  `json:"precision"`
	Type      string `json:"type"`
}

// TrustLinePayload carries create/update/close parameters. The envelope
// sender is the creditor; Counterparty is the participant being granted
// credit. Limit is a decimal string in the equivalent's precision. Policy
// pointers distinguish "leave unchanged" from an explicit value on update.
type TrustLinePayload struct {
	Counterparty      string   `json:"counterparty"`
	Equivalent        string   `json:"equivalent"`
	Limit             string   `json:"limit,omitempty"`
	AutoClearing      *bool    `json:"auto_clearing,omitempty"`
	CanBeIntermediate *bool    `json:"can_be_intermediate,omitempty"`
	Blocked           []string `json:"blocked,omitempty"`
	DailyLimit        string   `json:"daily_limit,omitempty"`
	Freeze            *bool    `json:"freeze,omitempty"`
}

// PaymentPayload carries a payment order. Amount is a decimal string.
type PaymentPayload struct {
	To             string   `json:"to"`
	Equivalent     string   `json:"equivalent"`
	Amount         string   `json:"amount"`
	Description    string   `json:"description,omitempty"`
	MaxHops        int      `json:"max_hops,omitempty"`
	MaxPaths       int      `json:"max_paths,omitempty"`
	Avoid          []string `json:"avoid,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

// CompensationPayload carries an operator debt adjustment. Delta may be
// negative to reduce debt.
type CompensationPayload struct {
	Debtor         string `json:"debtor"`
	Creditor       string `json:"creditor"`
	Equivalent     string `json:"equivalent"`
	Delta          string `json:"delta"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ClearingConsentPayload answers a proposed cycle offset.
type ClearingConsentPayload struct {
	ProposalID string `json:"proposal_id"`
}

// ConfigSetPayload changes one runtime-mutable option.
type ConfigSetPayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// IntegrityUnlockPayload lifts the quarantine on an equivalent.
type IntegrityUnlockPayload struct {
	Equivalent string `json:"equivalent"`
}

// Response is the uniform reply frame.
type Response struct {
	MsgID   string            `json:"msg_id"`
	TxID    string            `json:"tx_id,omitempty"`
	OK      bool              `json:"ok"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
}
