package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/sheetal-kulkarni/finblocker-etf/internal/errors"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/messaging"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/transaction"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/types"
)

const versionPollInterval = 10 * time.Millisecond

func (m *Manager) accept(msg messaging.Message) {
	start := time.Now()
	labels := []string{"party", m.keys.Name, "role", string(RoleAcceptor)}
	m.metrics.Started.With(labels...).Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ReceiveTimeout)
	defer cancel()
	ctx, span := m.tracer.Start(ctx, "flow.accept", trace.WithAttributes(
		attribute.String("flow.id", msg.SessionID),
		attribute.String("flow.party", m.keys.Name),
		attribute.String("flow.counterparty", msg.From),
		attribute.String("flow.tx_id", msg.TxID),
	))
	defer span.End()

	r := &run{
		m:      m,
		role:   RoleAcceptor,
		flowID: msg.SessionID,
		span:   span,
		txID:   msg.TxID,
		logger: m.logger.With().Str("flow_id", msg.SessionID).Str("role", string(RoleAcceptor)).Str("from", msg.From).Logger(),
	}
	submitted, err := m.runAcceptor(ctx, r, msg)
	r.end(start, err)
	if err == nil || submitted {
		// the coordinator has already told every participant
		return
	}

	code := apperrors.CodeOf(err)
	if code == apperrors.CodeUnknown {
		code = apperrors.CodeRejected
	}
	reject := messaging.NewMessage(messaging.KindRejection, msg.SessionID, m.keys.Name, msg.From, msg.TxID, nil)
	reject.Code, reject.Reason = string(code), err.Error()
	if serr := m.send(context.WithoutCancel(ctx), reject); serr != nil {
		r.logger.Warn().Err(serr).Msg("failed to deliver rejection")
	}
}

// runAcceptor verifies, countersigns and finalises one proposal. It reports
// whether the transition reached the finality coordinator.
func (m *Manager) runAcceptor(ctx context.Context, r *run, msg messaging.Message) (bool, error) {
	r.step(StepReceiveProposal)
	var stx transaction.SignedTransition
	if err := json.Unmarshal(msg.Payload, &stx); err != nil {
		return false, apperrors.Wrap(apperrors.CodeInvalidRequest, "malformed proposal", err)
	}
	if id := stx.ID(); id != msg.TxID {
		return false, apperrors.New(apperrors.CodeInvalidRequest, fmt.Sprintf("proposal carries transition %s, envelope names %s", id, msg.TxID))
	}
	tx := &stx.Tx
	r.linearID = tx.Output.LinearID

	r.step(StepVerifySignatureAndRules)
	if tx.Notary != m.notary {
		return false, apperrors.New(apperrors.CodeInvalidRequest, fmt.Sprintf("proposal names notary %s, expected %s", tx.Notary, m.notary))
	}
	if msg.From == m.keys.Name || !contains(tx.RequiredSigners, msg.From) || !contains(tx.RequiredSigners, m.keys.Name) {
		return false, apperrors.New(apperrors.CodeRejected,
			fmt.Sprintf("proposal from %s must be between the participants %v", msg.From, tx.RequiredSigners))
	}
	if err := stx.VerifySignatures(m.registry, msg.From); err != nil {
		return false, err
	}
	if err := tx.Verify(); err != nil {
		return false, err
	}
	if !tx.Window.Contains(m.now().UTC()) {
		return false, apperrors.New(apperrors.CodeTimeout, "proposal window has closed")
	}
	if err := m.checkInput(ctx, tx); err != nil {
		return false, err
	}

	r.step(StepSignLocally)
	stx.Sign(m.keys)

	r.step(StepSubmitForFinality)
	if _, err := m.coordinator.Finalise(ctx, msg.SessionID, &stx); err != nil {
		return true, err
	}
	return true, nil
}

// checkInput compares the proposal against this party's own committed
// versions. The notary is the authority on consumption; this catches stale
// or forged inputs before countersigning.
func (m *Manager) checkInput(ctx context.Context, tx *transaction.Transition) error {
	if tx.Issuance() {
		_, err := m.store.Version(ctx, tx.Output.LinearID, 0)
		switch {
		case err == nil:
			return apperrors.New(apperrors.CodeConflict, fmt.Sprintf("trade %s already exists", tx.Output.LinearID))
		case apperrors.HasCode(err, apperrors.CodeNotFound):
			return nil
		default:
			return err
		}
	}

	// The commit notice for the input may still be in flight to this party.
	ticker := time.NewTicker(versionPollInterval)
	defer ticker.Stop()
	for {
		record, err := m.store.Version(ctx, tx.Input.LinearID, tx.Input.IterationNo)
		if err == nil {
			if record.TxID != tx.Input.TxID {
				return apperrors.New(apperrors.CodeValidationFailed,
					fmt.Sprintf("input %s does not match committed version from tx %s", tx.Input, record.TxID))
			}
			if !sameState(record.State(), *tx.InputState) {
				return apperrors.New(apperrors.CodeValidationFailed,
					fmt.Sprintf("input state differs from committed version %s", tx.Input))
			}
			if record.Consumed {
				return apperrors.WithMetadata(apperrors.CodeConflict,
					fmt.Sprintf("state %s@%d already consumed by tx %s", record.LinearID, record.IterationNo, record.ConsumedBy),
					map[string]string{"consumed_by": record.ConsumedBy})
			}
			return nil
		}
		if !apperrors.HasCode(err, apperrors.CodeNotFound) {
			return err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return apperrors.Wrap(apperrors.CodeTimeout, fmt.Sprintf("input %s is unknown to %s", tx.Input, m.keys.Name), ctx.Err())
		}
	}
}

func sameState(a, b types.TradeState) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
