// Package contract is the rule engine deciding whether a proposed trade
// transition is admissible. Verification is a pure function of its inputs
// so every party reaches the same decision independently.
package contract

import (
	"fmt"
	"sort"

	"github.com/sheetal-kulkarni/finblocker-etf/internal/types"
)

// ETF is the clause tree every trade transition group must satisfy.
func ETF() Clause {
	return AllOf("ETF",
		Lifecycle(),
		Participants(),
		AnyOf("ETFCommands", Booking(), Settlement(), Exercise()),
	)
}

var etfContract = ETF()

// Verify checks a whole transition: it must carry exactly one recognized
// command, and every LinearID group of its states must pass the ETF clauses.
func Verify(inputs, outputs []types.TradeState, commands []types.Command) error {
	for _, cmd := range commands {
		if !cmd.Type.Recognized() {
			return &Violation{Clause: "Commands", Reason: fmt.Sprintf("unrecognized command %q", cmd.Type)}
		}
	}
	if len(commands) != 1 {
		return &Violation{Clause: "Commands", Reason: fmt.Sprintf("transition must carry exactly one command, found %d", len(commands))}
	}

	groups := GroupStates(inputs, outputs)
	if len(groups) == 0 {
		return &Violation{Clause: "Commands", Reason: "transition carries no trade states"}
	}
	for _, g := range groups {
		if err := VerifyGroup(g, commands); err != nil {
			return err
		}
	}
	return nil
}

// VerifyGroup checks a single transition group against the ETF clauses.
func VerifyGroup(g types.TransitionGroup, commands []types.Command) error {
	if v := etfContract.Check(g, commands); v != nil {
		return v
	}
	return nil
}

// GroupStates groups inputs and outputs by LinearID, ordered by LinearID.
func GroupStates(inputs, outputs []types.TradeState) []types.TransitionGroup {
	byID := make(map[string]*types.TransitionGroup)
	get := func(id string) *types.TransitionGroup {
		g, ok := byID[id]
		if !ok {
			g = &types.TransitionGroup{LinearID: id}
			byID[id] = g
		}
		return g
	}
	for _, s := range inputs {
		g := get(s.LinearID)
		g.Inputs = append(g.Inputs, s)
	}
	for _, s := range outputs {
		g := get(s.LinearID)
		g.Outputs = append(g.Outputs, s)
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	groups := make([]types.TransitionGroup, 0, len(ids))
	for _, id := range ids {
		groups = append(groups, *byID[id])
	}
	return groups
}
