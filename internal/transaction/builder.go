package transaction

import (
	"fmt"
	"time"

	apperrors "github.com/sheetal-kulkarni/finblocker-etf/internal/errors"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/types"
)

// Builder assembles a Transition. Errors are collected and reported by Build.
type Builder struct {
	notary     string
	input      *types.StateRef
	inputState *types.TradeState
	output     *types.TradeState
	command    types.CommandType
	window     TimeWindow
	err        error
}

func NewBuilder(notary string) *Builder {
	return &Builder{notary: notary}
}

// WithInput sets the committed version consumed by the transition. The state
// must be exactly the version the reference points at.
func (b *Builder) WithInput(ref types.StateRef, state types.TradeState) *Builder {
	if ref.LinearID != state.LinearID || ref.IterationNo != state.IterationNo {
		b.fail(fmt.Errorf("input state %s@%d does not match reference %s", state.LinearID, state.IterationNo, ref))
		return b
	}
	if b.input != nil {
		b.fail(fmt.Errorf("transition already consumes %s", b.input))
		return b
	}
	b.input, b.inputState = &ref, &state
	return b
}

func (b *Builder) WithOutput(state types.TradeState) *Builder {
	if b.output != nil {
		b.fail(fmt.Errorf("transition already produces %s@%d", b.output.LinearID, b.output.IterationNo))
		return b
	}
	b.output = &state
	return b
}

func (b *Builder) WithCommand(t types.CommandType) *Builder {
	if !t.Recognized() {
		b.fail(fmt.Errorf("unrecognized command %q", t))
		return b
	}
	b.command = t
	return b
}

// WithTimeWindow opens the commit window at now for validity.
func (b *Builder) WithTimeWindow(now time.Time, validity time.Duration) *Builder {
	if validity <= 0 {
		b.fail(fmt.Errorf("validity must be positive, got %s", validity))
		return b
	}
	now = now.UTC()
	b.window = TimeWindow{From: now, Until: now.Add(validity)}
	return b
}

// Build returns the transition. Required signers are the output participants
// and the command is signed by exactly those parties.
func (b *Builder) Build() (*Transition, error) {
	if b.err != nil {
		return nil, b.err
	}
	switch {
	case b.output == nil:
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "transition has no output state")
	case b.command == "":
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "transition has no command")
	case b.window.Until.IsZero():
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "transition has no time window")
	}

	signers := signersOf(*b.output)
	tx := &Transition{
		Input:           b.input,
		InputState:      b.inputState,
		Output:          *b.output,
		Command:         types.NewCommand(b.command, signers...),
		Notary:          b.notary,
		Window:          b.window,
		RequiredSigners: signers,
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return tx, nil
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = apperrors.Wrap(apperrors.CodeInvalidRequest, err.Error(), err)
	}
}
