package flow

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/sheetal-kulkarni/finblocker-etf/internal/errors"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/notary"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/types"
)

// Step is a stage of the initiator or acceptor state machine.
type Step string

const (
	StepExtractContext  Step = "EXTRACT_CONTEXT"
	StepBuildTransition Step = "BUILD_TRANSITION"
	StepLocalVerify     Step = "LOCAL_VERIFY"
	StepSignLocally     Step = "SIGN_LOCALLY"
	StepSendProposal    Step = "SEND_PROPOSAL"
	StepAwaitCommit     Step = "AWAIT_COMMIT"

	StepReceiveProposal         Step = "RECEIVE_PROPOSAL"
	StepVerifySignatureAndRules Step = "VERIFY_SIGNATURE_AND_RULES"
	StepSubmitForFinality       Step = "SUBMIT_FOR_FINALITY"

	StepCommitted Step = "COMMITTED"
	StepFailed    Step = "FAILED"
)

// Terminal reports whether no further step follows s.
func (s Step) Terminal() bool {
	return s == StepCommitted || s == StepFailed
}

// Role is the side a party plays in one negotiation.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleAcceptor  Role = "acceptor"
)

// Event is emitted on every step transition of a flow.
type Event struct {
	FlowID   string    `json:"flow_id"`
	Party    string    `json:"party"`
	Role     Role      `json:"role"`
	Step     Step      `json:"step"`
	LinearID string    `json:"linear_id,omitempty"`
	TxID     string    `json:"tx_id,omitempty"`
	Code     string    `json:"code,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Result describes a committed transition.
type Result struct {
	TxID    string           `json:"tx_id"`
	State   types.TradeState `json:"state"`
	Receipt notary.Receipt   `json:"receipt"`
}

const eventBuffer = 32

// Handle is the caller's view of a running initiator flow.
type Handle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	events chan Event

	mu     sync.RWMutex
	step   Step
	result *Result
	err    error
}

func newHandle(id string, cancel context.CancelFunc) *Handle {
	return &Handle{
		id:     id,
		cancel: cancel,
		done:   make(chan struct{}),
		events: make(chan Event, eventBuffer),
		step:   StepExtractContext,
	}
}

// ID returns the flow id.
func (h *Handle) ID() string {
	return h.id
}

// Done is closed when the flow reaches a terminal step.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Step returns the current step.
func (h *Handle) Step() Step {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.step
}

// Events streams the flow's step events. The channel is closed when the flow
// ends; events are dropped if the consumer falls behind.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Cancel abandons the flow and releases its in-flight marker. A proposal
// already sent may still be committed by the counterparty.
func (h *Handle) Cancel() {
	h.cancel()
}

// Wait blocks until the flow ends or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-h.done:
		h.mu.RLock()
		defer h.mu.RUnlock()
		return h.result, h.err
	case <-ctx.Done():
		return nil, apperrors.Wrap(apperrors.CodeTimeout, "stopped waiting for flow "+h.id, ctx.Err())
	}
}

func (h *Handle) emit(ev Event) {
	h.mu.Lock()
	h.step = ev.Step
	h.mu.Unlock()
	select {
	case h.events <- ev:
	default:
	}
}

func (h *Handle) finish(result *Result, err error) {
	h.mu.Lock()
	h.result, h.err = result, err
	if err != nil {
		h.step = StepFailed
	} else {
		h.step = StepCommitted
	}
	h.mu.Unlock()
	close(h.events)
	close(h.done)
	h.cancel()
}
