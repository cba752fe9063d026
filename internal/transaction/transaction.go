// Package transaction builds, identifies and signs trade transitions.
package transaction

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/sheetal-kulkarni/finblocker-etf/internal/contract"
	apperrors "github.com/sheetal-kulkarni/finblocker-etf/internal/errors"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/types"
)

// TimeWindow bounds when a transition may be committed.
type TimeWindow struct {
	From  time.Time `json:"from"`
	Until time.Time `json:"until"`
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.Until)
}

// Transition consumes at most one committed trade version and produces its
// successor under a single command.
type Transition struct {
	Input           *types.StateRef   `json:"input,omitempty"`
	InputState      *types.TradeState `json:"input_state,omitempty"`
	Output          types.TradeState  `json:"output"`
	Command         types.Command     `json:"command"`
	Notary          string            `json:"notary"`
	Window          TimeWindow        `json:"window"`
	RequiredSigners []string          `json:"required_signers"`
}

// ID is the hex SHA3-256 digest of the transition's JSON encoding.
func (t *Transition) ID() string {
	bz, err := json.Marshal(t)
	if err != nil {
		// Every field is a plain value with a JSON encoding.
		panic(fmt.Sprintf("encode transition: %v", err))
	}
	sum := sha3.Sum256(bz)
	return hex.EncodeToString(sum[:])
}

func (t *Transition) Inputs() []types.TradeState {
	if t.InputState == nil {
		return nil
	}
	return []types.TradeState{*t.InputState}
}

func (t *Transition) Outputs() []types.TradeState {
	return []types.TradeState{t.Output}
}

// Issuance reports whether the transition creates a new trade.
func (t *Transition) Issuance() bool {
	return t.Input == nil
}

// Validate checks the structural consistency of the transition.
func (t *Transition) Validate() error {
	if t.Notary == "" {
		return apperrors.New(apperrors.CodeInvalidRequest, "transition has no notary")
	}
	if !t.Window.From.Before(t.Window.Until) {
		return apperrors.New(apperrors.CodeInvalidRequest, "transition has an empty time window")
	}
	if (t.Input == nil) != (t.InputState == nil) {
		return apperrors.New(apperrors.CodeInvalidRequest, "input reference and input state must be set together")
	}
	if t.Input != nil && (t.Input.LinearID != t.InputState.LinearID || t.Input.IterationNo != t.InputState.IterationNo) {
		return apperrors.New(apperrors.CodeInvalidRequest, fmt.Sprintf("input state does not match reference %s", t.Input))
	}
	want := signersOf(t.Output)
	if !equalStrings(want, t.RequiredSigners) {
		return apperrors.New(apperrors.CodeInvalidRequest, fmt.Sprintf("required signers %v do not match participants %v", t.RequiredSigners, want))
	}
	if !equalStrings(want, t.Command.Signers) {
		return apperrors.New(apperrors.CodeInvalidRequest, fmt.Sprintf("command signers %v do not match participants %v", t.Command.Signers, want))
	}
	return nil
}

// Verify validates the transition and runs it through the rule engine.
// Rule violations are reported as VALIDATION_FAILED.
func (t *Transition) Verify() error {
	if err := t.Validate(); err != nil {
		return err
	}
	err := contract.Verify(t.Inputs(), t.Outputs(), []types.Command{t.Command})
	if err == nil {
		return nil
	}
	var v *contract.Violation
	if errors.As(err, &v) {
		return apperrors.WithMetadata(apperrors.CodeValidationFailed, v.Reason, map[string]string{
			"clause":    v.Clause,
			"linear_id": v.LinearID,
		})
	}
	return apperrors.Wrap(apperrors.CodeValidationFailed, err.Error(), err)
}

func signersOf(s types.TradeState) []string {
	signers := append([]string(nil), s.Participants()...)
	sort.Strings(signers)
	return signers
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
