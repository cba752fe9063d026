// Package finality submits fully signed transitions to the notary and tells
// every participant the outcome.
package finality

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	apperrors "github.com/sheetal-kulkarni/finblocker-etf/internal/errors"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/identity"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/messaging"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/notary"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/transaction"
)

// Sequencer is the notary as seen by the coordinator.
type Sequencer interface {
	Commit(ctx context.Context, stx *transaction.SignedTransition) (*notary.Receipt, error)
	Lookup(ctx context.Context, txID string) (*notary.Receipt, error)
}

// Notice is the payload of a committed message.
type Notice struct {
	Transition transaction.SignedTransition `json:"transition"`
	Receipt    notary.Receipt               `json:"receipt"`
}

// Verify checks that the receipt belongs to the transition, that the notary
// signed it and that every required party signed the transition.
func (n *Notice) Verify(reg *identity.Registry) error {
	if n.Receipt.TxID != n.Transition.ID() {
		return apperrors.New(apperrors.CodeSignatureInvalid,
			fmt.Sprintf("receipt for %s does not match transition %s", n.Receipt.TxID, n.Transition.ID()))
	}
	if n.Receipt.Notary != n.Transition.Tx.Notary {
		return apperrors.New(apperrors.CodeSignatureInvalid,
			fmt.Sprintf("receipt signed by %s, transition names %s", n.Receipt.Notary, n.Transition.Tx.Notary))
	}
	if err := n.Receipt.Verify(reg); err != nil {
		return err
	}
	return n.Transition.VerifyComplete(reg)
}

// DecodeNotice parses a committed message payload.
func DecodeNotice(payload []byte) (*Notice, error) {
	var n Notice
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("decode finality notice: %w", err)
	}
	return &n, nil
}

// Coordinator drives a transition to finality on behalf of one party.
type Coordinator struct {
	self      string
	sequencer Sequencer
	transport messaging.Transport
	timeout   time.Duration
	logger    zerolog.Logger
}

func NewCoordinator(self string, sequencer Sequencer, transport messaging.Transport, timeout time.Duration) *Coordinator {
	return &Coordinator{
		self:      self,
		sequencer: sequencer,
		transport: transport,
		timeout:   timeout,
		logger:    log.With().Str("component", "finality").Str("party", self).Logger(),
	}
}

// Finalise commits stx and broadcasts the outcome to every participant,
// including this party. A commit that times out is re-queried before being
// reported, so a transition the notary did sequence is never reported as
// failed.
func (c *Coordinator) Finalise(ctx context.Context, sessionID string, stx *transaction.SignedTransition) (*notary.Receipt, error) {
	txID := stx.ID()
	logger := c.logger.With().Str("tx_id", txID).Str("session_id", sessionID).Logger()

	receipt, err := c.commit(ctx, stx)
	if err != nil && apperrors.HasCode(err, apperrors.CodeTimeout) {
		if r, qerr := c.Requery(ctx, txID); qerr == nil {
			logger.Info().Msg("Commit outcome recovered by re-query")
			receipt, err = r, nil
		}
	}

	if err != nil {
		logger.Warn().Err(err).Str("code", string(apperrors.CodeOf(err))).Msg("Finality refused")
		c.broadcastFailure(ctx, sessionID, stx, err)
		return nil, err
	}

	payload, merr := json.Marshal(Notice{Transition: *stx, Receipt: *receipt})
	if merr != nil {
		return receipt, fmt.Errorf("encode finality notice: %w", merr)
	}
	for _, p := range stx.Tx.RequiredSigners {
		msg := messaging.NewMessage(messaging.KindCommitted, sessionID, c.self, p, txID, payload)
		if serr := c.transport.Send(context.WithoutCancel(ctx), msg); serr != nil {
			logger.Warn().Err(serr).Str("to", p).Msg("failed to deliver commit notice")
		}
	}
	logger.Info().Int64("sequence", receipt.Sequence).Msg("Transition final")
	return receipt, nil
}

func (c *Coordinator) commit(ctx context.Context, stx *transaction.SignedTransition) (*notary.Receipt, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	receipt, err := c.sequencer.Commit(cctx, stx)
	if err != nil && cctx.Err() != nil && !apperrors.HasCode(err, apperrors.CodeTimeout) {
		return nil, apperrors.Wrap(apperrors.CodeTimeout, "notary did not answer in time", err)
	}
	return receipt, err
}

// Requery asks the notary whether txID was committed.
func (c *Coordinator) Requery(ctx context.Context, txID string) (*notary.Receipt, error) {
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	return c.sequencer.Lookup(qctx, txID)
}

func (c *Coordinator) broadcastFailure(ctx context.Context, sessionID string, stx *transaction.SignedTransition, cause error) {
	for _, p := range stx.Tx.RequiredSigners {
		if p == c.self {
			continue
		}
		msg := messaging.NewMessage(messaging.KindFailed, sessionID, c.self, p, stx.ID(), nil)
		msg.Code = string(apperrors.CodeOf(cause))
		msg.Reason = cause.Error()
		if err := c.transport.Send(context.WithoutCancel(ctx), msg); err != nil {
			c.logger.Warn().Err(err).Str("to", p).Msg("failed to deliver failure notice")
		}
	}
}
