package types

import "time"

// Flow outcome statuses reported to callers.
const (
	OutcomeCommitted = "COMMITTED"
	OutcomeFailed    = "FAILED"
	OutcomePartial   = "PARTIAL"
)

// FlowResponse represents the result of a negotiated ledger operation
type FlowResponse struct {
	Outcome   string      `json:"outcome"`
	Message   string      `json:"message"`
	RefID     string      `json:"ref_id,omitempty"`
	LinearID  string      `json:"linear_id,omitempty"`
	TxIDs     []string    `json:"tx_ids,omitempty"`
	State     *TradeState `json:"state,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// TradeResponse represents a committed trade version as seen by one party
type TradeResponse struct {
	State          TradeState `json:"state"`
	TxID           string     `json:"tx_id"`
	NotarySequence int64      `json:"notary_sequence"`
	Consumed       bool       `json:"consumed"`
	CommittedAt    time.Time  `json:"committed_at"`
}

// IdentityResponse describes the node answering a request
type IdentityResponse struct {
	Me        string `json:"me"`
	PublicKey string `json:"public_key"`
	Notary    string `json:"notary"`
}

// TransactionResponse describes a committed transition as recorded by a party
type TransactionResponse struct {
	TxID       string      `json:"tx_id"`
	Command    CommandType `json:"command"`
	Input      *StateRef   `json:"input,omitempty"`
	Output     TradeState  `json:"output"`
	Notary     string      `json:"notary"`
	ValidFrom  time.Time   `json:"valid_from"`
	ValidUntil time.Time   `json:"valid_until"`
	SignedBy   []string    `json:"signed_by"`
}
