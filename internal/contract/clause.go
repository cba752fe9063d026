package contract

import (
	"fmt"
	"strings"

	"github.com/sheetal-kulkarni/finblocker-etf/internal/types"
)

// Violation describes why a clause refused a transition group.
type Violation struct {
	Clause   string
	LinearID string
	Reason   string

	// commandMismatch marks violations raised because the clause's required
	// commands were absent, so AnyOf can prefer a more specific reason.
	commandMismatch bool
}

func (v *Violation) Error() string {
	if v.LinearID == "" {
		return fmt.Sprintf("%s: %s", v.Clause, v.Reason)
	}
	return fmt.Sprintf("%s [%s]: %s", v.Clause, v.LinearID, v.Reason)
}

// CommandMismatch reports whether the violation only means the clause did
// not apply to the commands present.
func (v *Violation) CommandMismatch() bool {
	return v.commandMismatch
}

// Clause is a named verification predicate over one transition group.
// Requires lists the command types that must each be present exactly once
// for the clause to apply.
type Clause struct {
	Name     string
	Requires []types.CommandType
	Verify   func(g types.TransitionGroup, commands []types.Command) error
}

// Check runs the required-command check and then the clause predicate.
func (c Clause) Check(g types.TransitionGroup, commands []types.Command) *Violation {
	if v := c.requireCommands(commands); v != nil {
		v.LinearID = g.LinearID
		return v
	}
	if c.Verify == nil {
		return nil
	}
	err := c.Verify(g, commands)
	if err == nil {
		return nil
	}
	if v, ok := err.(*Violation); ok {
		if v.LinearID == "" {
			v.LinearID = g.LinearID
		}
		return v
	}
	return &Violation{Clause: c.Name, LinearID: g.LinearID, Reason: err.Error()}
}

func (c Clause) requireCommands(commands []types.Command) *Violation {
	for _, required := range c.Requires {
		n := 0
		for _, cmd := range commands {
			if cmd.Type == required {
				n++
			}
		}
		switch {
		case n == 0:
			return &Violation{
				Clause:          c.Name,
				Reason:          fmt.Sprintf("required command %s is missing", required),
				commandMismatch: true,
			}
		case n > 1:
			return &Violation{
				Clause: c.Name,
				Reason: fmt.Sprintf("command %s must appear exactly once, found %d", required, n),
			}
		}
	}
	return nil
}

// AllOf accepts a group only when every sub-clause accepts it.
func AllOf(name string, clauses ...Clause) Clause {
	return Clause{
		Name: name,
		Verify: func(g types.TransitionGroup, commands []types.Command) error {
			for _, c := range clauses {
				if v := c.Check(g, commands); v != nil {
					return v
				}
			}
			return nil
		},
	}
}

// AnyOf accepts a group when at least one sub-clause accepts it. When none
// does, the first violation of a clause whose commands were present is
// reported.
func AnyOf(name string, clauses ...Clause) Clause {
	return Clause{
		Name: name,
		Verify: func(g types.TransitionGroup, commands []types.Command) error {
			var first *Violation
			names := make([]string, 0, len(clauses))
			for _, c := range clauses {
				v := c.Check(g, commands)
				if v == nil {
					return nil
				}
				names = append(names, c.Name)
				if first == nil && !v.CommandMismatch() {
					first = v
				}
			}
			if first != nil {
				return first
			}
			return &Violation{
				Clause: name,
				Reason: fmt.Sprintf("no clause of [%s] matched the transition commands", strings.Join(names, ", ")),
			}
		},
	}
}

// check returns a violation for clause when cond is false.
func check(clause string, cond bool, reason string) error {
	if cond {
		return nil
	}
	return &Violation{Clause: clause, Reason: reason}
}
