// Package messaging carries negotiation messages between parties. Delivery
// between a pair of parties is ordered; it is at-least-once at best, so
// receivers deduplicate on Message.ID.
package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the purpose of a message.
type Kind string

const (
	// KindProposal carries an initiator-signed transition to the counterparty.
	KindProposal Kind = "proposal"
	// KindRejection tells the initiator the counterparty refused the proposal.
	KindRejection Kind = "rejection"
	// KindCommitted carries the committed transition and the notary receipt.
	KindCommitted Kind = "committed"
	// KindFailed reports that finality was refused.
	KindFailed Kind = "failed"
)

// Message is the envelope exchanged between parties.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      Kind      `json:"kind"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	TxID      string    `json:"tx_id"`
	Payload   []byte    `json:"payload,omitempty"`
	Code      string    `json:"code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// NewMessage returns a message with a fresh ID.
func NewMessage(kind Kind, sessionID, from, to, txID string, payload []byte) Message {
	return Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Kind:      kind,
		From:      from,
		To:        to,
		TxID:      txID,
		Payload:   payload,
		SentAt:    time.Now().UTC(),
	}
}

// Handler processes one inbound message. Handlers for a party are invoked
// sequentially in arrival order.
type Handler func(ctx context.Context, msg Message)

// Transport delivers messages to named parties.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	// Subscribe registers the inbound handler for party. The returned
	// function stops delivery.
	Subscribe(party string, h Handler) (func(), error)
}
