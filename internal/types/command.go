package types

import (
	"math/rand"
	"sort"
)

// CommandType tags the intent a transition carries.
type CommandType string

const (
	CommandBooking    CommandType = "BOOKING"
	CommandSettlement CommandType = "SETTLEMENT"
	CommandExercise   CommandType = "EXERCISE"
)

// Recognized reports whether t is one of the trade commands.
func (t CommandType) Recognized() bool {
	switch t {
	case CommandBooking, CommandSettlement, CommandExercise:
		return true
	}
	return false
}

// Command authorizes a transition. The nonce keeps otherwise identical
// commands distinct.
type Command struct {
	Type    CommandType `json:"type"`
	Nonce   int64       `json:"nonce"`
	Signers []string    `json:"signers"`
}

// NewCommand returns a command of the given type requiring the given signers.
func NewCommand(t CommandType, signers ...string) Command {
	s := append([]string(nil), signers...)
	sort.Strings(s)
	return Command{
		Type:    t,
		Nonce:   rand.Int63(),
		Signers: s,
	}
}
