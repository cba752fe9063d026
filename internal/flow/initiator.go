package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/sheetal-kulkarni/finblocker-etf/internal/errors"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/messaging"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/transaction"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/types"
)

// Proposal is one requested action on a trade.
type Proposal struct {
	Command types.CommandType
	// Issue is the new trade for an issuance. Key and Derive are ignored.
	Issue *types.TradeState
	// Key names an existing trade by reference id or linear id.
	Key string
	// Derive computes the successor of the latest committed version. It is
	// called after the in-flight marker is held, so it always sees the
	// version the transition will consume.
	Derive func(current types.TradeState) (types.TradeState, error)
}

// Initiate starts an initiator flow and returns immediately.
func (m *Manager) Initiate(ctx context.Context, p Proposal) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := newHandle(uuid.NewString(), cancel)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.initiate(ctx, h, p)
	}()
	return h
}

// Run starts an initiator flow and waits for its outcome.
func (m *Manager) Run(ctx context.Context, p Proposal) (*Result, error) {
	return m.Initiate(ctx, p).Wait(ctx)
}

type run struct {
	m        *Manager
	h        *Handle
	role     Role
	flowID   string
	span     trace.Span
	logger   zerolog.Logger
	linearID string
	txID     string
}

func (r *run) step(s Step) {
	ev := Event{
		FlowID:   r.flowID,
		Party:    r.m.keys.Name,
		Role:     r.role,
		Step:     s,
		LinearID: r.linearID,
		TxID:     r.txID,
		At:       time.Now().UTC(),
	}
	if r.h != nil {
		r.h.emit(ev)
	}
	r.span.AddEvent(string(s))
	r.logger.Debug().Str("step", string(s)).Str("linear_id", r.linearID).Str("tx_id", r.txID).Msg("Flow step")
}

// end records the terminal outcome of a run in metrics, trace and log.
func (r *run) end(start time.Time, err error) {
	labels := []string{"party", r.m.keys.Name, "role", string(r.role)}
	r.m.metrics.Duration.With(labels...).Observe(time.Since(start).Seconds())
	if err != nil {
		code := apperrors.CodeOf(err)
		r.m.metrics.Failed.With(append(labels, "code", string(code))...).Add(1)
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
		r.logger.Warn().Err(err).Str("code", string(code)).Str("linear_id", r.linearID).Str("tx_id", r.txID).Msg("Flow failed")
		if r.h != nil {
			r.h.emit(Event{FlowID: r.flowID, Party: r.m.keys.Name, Role: r.role, Step: StepFailed,
				LinearID: r.linearID, TxID: r.txID, Code: string(code), Reason: err.Error(), At: time.Now().UTC()})
		}
		return
	}
	r.m.metrics.Committed.With(labels...).Add(1)
	r.span.SetStatus(codes.Ok, "")
	r.logger.Info().Str("linear_id", r.linearID).Str("tx_id", r.txID).Msg("Flow committed")
	if r.h != nil {
		r.h.emit(Event{FlowID: r.flowID, Party: r.m.keys.Name, Role: r.role, Step: StepCommitted,
			LinearID: r.linearID, TxID: r.txID, At: time.Now().UTC()})
	}
}

func (m *Manager) initiate(ctx context.Context, h *Handle, p Proposal) {
	start := time.Now()
	labels := []string{"party", m.keys.Name, "role", string(RoleInitiator)}
	m.metrics.Started.With(labels...).Add(1)
	m.metrics.InFlight.With(labels...).Add(1)
	defer m.metrics.InFlight.With(labels...).Add(-1)

	ctx, span := m.tracer.Start(ctx, "flow.initiate", trace.WithAttributes(
		attribute.String("flow.id", h.id),
		attribute.String("flow.party", m.keys.Name),
		attribute.String("flow.command", string(p.Command)),
	))
	defer span.End()

	r := &run{
		m:      m,
		h:      h,
		role:   RoleInitiator,
		flowID: h.id,
		span:   span,
		logger: m.logger.With().Str("flow_id", h.id).Str("role", string(RoleInitiator)).Str("command", string(p.Command)).Logger(),
	}
	result, err := m.runInitiator(ctx, r, p)
	r.end(start, err)
	h.finish(result, err)
}

func (m *Manager) runInitiator(ctx context.Context, r *run, p Proposal) (*Result, error) {
	r.step(StepExtractContext)
	if !p.Command.Recognized() {
		return nil, apperrors.New(apperrors.CodeInvalidRequest, fmt.Sprintf("unrecognized command %q", p.Command))
	}
	if p.Issue != nil {
		if p.Command != types.CommandBooking {
			return nil, apperrors.New(apperrors.CodeInvalidRequest, "a new trade can only be issued by a booking")
		}
		r.linearID = p.Issue.LinearID
	} else {
		if p.Derive == nil {
			return nil, apperrors.New(apperrors.CodeInvalidRequest, "proposal has no successor derivation")
		}
		current, err := m.store.Latest(ctx, p.Key)
		if err != nil {
			return nil, err
		}
		r.linearID = current.State.LinearID
	}

	release, err := m.locks.Acquire(ctx, r.linearID)
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		current *types.StateAndRef
		output  types.TradeState
	)
	if p.Issue != nil {
		output = *p.Issue
	} else {
		// Another action may have committed while we waited for the marker.
		current, err = m.store.Latest(ctx, r.linearID)
		if err != nil {
			return nil, err
		}
		output, err = p.Derive(current.State)
		if err != nil {
			return nil, err
		}
	}
	counterparty, err := output.Counterparty(m.keys.Name)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidRequest, err.Error(), err)
	}

	r.step(StepBuildTransition)
	b := transaction.NewBuilder(m.notary).
		WithOutput(output).
		WithCommand(p.Command).
		WithTimeWindow(m.now(), m.cfg.Validity)
	if current != nil {
		b = b.WithInput(current.Ref, current.State)
	}
	tx, err := b.Build()
	if err != nil {
		return nil, err
	}
	r.txID = tx.ID()
	r.span.SetAttributes(attribute.String("flow.tx_id", r.txID), attribute.String("flow.linear_id", r.linearID))

	r.step(StepLocalVerify)
	if err := tx.Verify(); err != nil {
		return nil, err
	}

	r.step(StepSignLocally)
	stx := transaction.NewSigned(tx)
	stx.Sign(m.keys)

	r.step(StepSendProposal)
	payload, err := json.Marshal(stx)
	if err != nil {
		return nil, fmt.Errorf("encode proposal: %w", err)
	}
	waiter, stopWaiting := m.await(r.txID)
	defer stopWaiting()
	msg := messaging.NewMessage(messaging.KindProposal, r.flowID, m.keys.Name, counterparty, r.txID, payload)
	if err := m.send(ctx, msg); err != nil {
		return nil, err
	}

	r.step(StepAwaitCommit)
	deadline := time.NewTimer(tx.Window.Until.Sub(m.now()))
	defer deadline.Stop()
	select {
	case o := <-waiter:
		if o.err != nil {
			return nil, o.err
		}
		return &Result{TxID: r.txID, State: tx.Output, Receipt: *o.receipt}, nil
	case <-deadline.C:
		return m.requeryOutcome(ctx, r, stx, true)
	case <-ctx.Done():
		r.logger.Warn().Err(ctx.Err()).Str("tx_id", r.txID).Msg("Flow cancelled while awaiting commit")
		return m.requeryOutcome(ctx, r, stx, !m.now().Before(stx.Tx.Window.Until))
	}
}

// requeryOutcome settles an outcome that no notice reported, by asking the notary.
// Once the proposal's window has closed the notary can no longer commit it,
// so a miss is a definitive timeout. Before that, the counterparty may still
// finalise it and the outcome stays unknown.
func (m *Manager) requeryOutcome(ctx context.Context, r *run, stx *transaction.SignedTransition, closed bool) (*Result, error) {
	meta := map[string]string{
		"tx_id":     r.txID,
		"linear_id": r.linearID,
		"until":     stx.Tx.Window.Until.Format(time.RFC3339Nano),
	}
	receipt, err := m.coordinator.Requery(ctx, r.txID)
	if err != nil {
		switch {
		case apperrors.HasCode(err, apperrors.CodeNotFound) && closed:
			return nil, apperrors.WithMetadata(apperrors.CodeTimeout,
				fmt.Sprintf("transition %s was not committed before its window closed", r.txID), meta)
		case apperrors.HasCode(err, apperrors.CodeNotFound):
			return nil, &apperrors.Error{
				Code:     apperrors.CodeOutcomeUnknown,
				Message:  fmt.Sprintf("transition %s is not committed yet but may be until %s", r.txID, meta["until"]),
				Metadata: meta,
				Cause:    ctx.Err(),
			}
		default:
			return nil, &apperrors.Error{
				Code:     apperrors.CodeOutcomeUnknown,
				Message:  fmt.Sprintf("could not establish whether transition %s committed", r.txID),
				Metadata: meta,
				Cause:    err,
			}
		}
	}
	r.logger.Info().Str("tx_id", r.txID).Msg("Commit observed by re-query")
	if err := m.store.Record(context.WithoutCancel(ctx), stx, receipt); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "record committed transition", err)
	}
	return &Result{TxID: r.txID, State: stx.Tx.Output, Receipt: *receipt}, nil
}
