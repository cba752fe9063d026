package contract

import (
	"fmt"

	"github.com/sheetal-kulkarni/finblocker-etf/internal/product"
	"github.com/sheetal-kulkarni/finblocker-etf/internal/types"
)

// Booking checks the issuance or booking of a trade.
func Booking() Clause {
	const name = "Booking"
	return Clause{
		Name:     name,
		Requires: []types.CommandType{types.CommandBooking},
		Verify: func(g types.TransitionGroup, _ []types.Command) error {
			if err := check(name, len(g.Outputs) == 1, "there should be one output state"); err != nil {
				return err
			}
			out := g.Outputs[0]
			if err := check(name, out.Buyer != out.Seller, "the buyer and the seller cannot be the same entity"); err != nil {
				return err
			}
			if err := check(name, out.Rate != 0, "rate cannot be zero"); err != nil {
				return err
			}
			if err := check(name, out.ReferenceProductID != "", "trade must be associated with a structured product"); err != nil {
				return err
			}
			if err := check(name, len(g.Inputs) <= 1, "there should be at most one input state"); err != nil {
				return err
			}
			if len(g.Inputs) == 1 {
				in := g.Inputs[0]
				return check(name, in.Buyer == out.Buyer && in.Seller == out.Seller,
					"the buyer and the seller cannot change on booking")
			}
			return nil
		},
	}
}

// Settlement checks the settlement of a booked trade.
func Settlement() Clause {
	const name = "Settlement"
	return Clause{
		Name:     name,
		Requires: []types.CommandType{types.CommandSettlement},
		Verify: func(g types.TransitionGroup, _ []types.Command) error {
			if err := check(name, len(g.Outputs) == 1, "there should be one output state"); err != nil {
				return err
			}
			if err := check(name, len(g.Inputs) == 1, "there should be one input state"); err != nil {
				return err
			}
			in, out := g.Inputs[0], g.Outputs[0]
			return check(name, in.Buyer == out.Buyer && in.Seller == out.Seller,
				"the buyer and the seller for the input and output should be the same")
		},
	}
}

// Exercise checks an exercising transition and its exposure decrement.
func Exercise() Clause {
	const name = "Exercise"
	return Clause{
		Name:     name,
		Requires: []types.CommandType{types.CommandExercise},
		Verify: func(g types.TransitionGroup, _ []types.Command) error {
			if err := check(name, len(g.Outputs) == 1, "there should be one output state"); err != nil {
				return err
			}
			if err := check(name, len(g.Inputs) == 1, "there should be one input state"); err != nil {
				return err
			}
			in, out := g.Inputs[0], g.Outputs[0]
			if err := check(name, in.Buyer == out.Buyer && in.Seller == out.Seller,
				"the buyer and the seller cannot change on exercise"); err != nil {
				return err
			}
			if err := check(name, out.Rate != 0, "rate cannot be zero"); err != nil {
				return err
			}
			if err := check(name, out.ReferenceProductID != "", "trade must be associated with a structured product"); err != nil {
				return err
			}
			if err := check(name, !out.Exposure.IsNegative(), "exposure cannot be negative"); err != nil {
				return err
			}
			want := product.RemainingExposure(in.Exposure, in.Notional, in.Rate, out.Rate)
			return check(name, out.Exposure.Equal(want),
				fmt.Sprintf("exposure must be reduced by the trade value delta: want %s, got %s", want, out.Exposure))
		},
	}
}

type lifecycleStep struct {
	from, to types.TradeStatus
}

var lifecycleSteps = map[types.CommandType]lifecycleStep{
	types.CommandExercise:   {from: types.StatusInception, to: types.StatusExercising},
	types.CommandBooking:    {from: types.StatusExercising, to: types.StatusBooked},
	types.CommandSettlement: {from: types.StatusBooked, to: types.StatusSettled},
}

// Lifecycle enforces versioning and the ordered status progression for
// every command.
func Lifecycle() Clause {
	const name = "Lifecycle"
	return Clause{
		Name: name,
		Verify: func(g types.TransitionGroup, commands []types.Command) error {
			if err := check(name, len(g.Outputs) == 1, "each trade must produce exactly one output state"); err != nil {
				return err
			}
			if err := check(name, len(g.Inputs) <= 1, "a trade cannot consume more than one version of itself"); err != nil {
				return err
			}
			out := g.Outputs[0]
			if err := check(name, out.Status.Valid(), fmt.Sprintf("unknown status %q", out.Status)); err != nil {
				return err
			}
			if err := check(name, !out.Exposure.IsNegative(), "exposure cannot be negative"); err != nil {
				return err
			}
			cmd := commandType(commands)

			if len(g.Inputs) == 0 {
				if err := check(name, cmd == types.CommandBooking, "only a booking can issue a new trade"); err != nil {
					return err
				}
				if err := check(name, out.Status == types.StatusInception, "a new trade must start in INCEPTION"); err != nil {
					return err
				}
				return check(name, out.IterationNo == 0, "a new trade must start at iteration 0")
			}

			in := g.Inputs[0]
			if err := check(name, out.IterationNo == in.IterationNo+1, "iteration number must increase by exactly one"); err != nil {
				return err
			}
			if err := check(name, out.Status.Rank() >= in.Status.Rank(),
				fmt.Sprintf("status cannot regress from %s to %s", in.Status, out.Status)); err != nil {
				return err
			}
			if err := check(name, out.RefID == in.RefID && out.Notional.Equal(in.Notional), "trade terms cannot change"); err != nil {
				return err
			}
			step, ok := lifecycleSteps[cmd]
			if err := check(name, ok && step.from == in.Status && step.to == out.Status,
				fmt.Sprintf("command %s cannot move a trade from %s to %s", cmd, in.Status, out.Status)); err != nil {
				return err
			}
			if err := check(name, out.ReferenceProductID == in.ReferenceProductID, "the structured product cannot change"); err != nil {
				return err
			}
			if cmd != types.CommandExercise {
				if err := check(name, out.Rate == in.Rate && out.Exposure.Equal(in.Exposure),
					fmt.Sprintf("only an exercise can change the rate or the exposure, got %s", cmd)); err != nil {
					return err
				}
			}
			if out.Status.Rank() >= types.StatusExercising.Rank() {
				if err := check(name, out.Rate != 0, "rate cannot be zero once a trade is exercised"); err != nil {
					return err
				}
				if err := check(name, out.ReferenceProductID != "", "an exercised trade must keep its structured product"); err != nil {
					return err
				}
			}
			if out.Status == types.StatusBooked {
				return check(name, !out.SettlementDate.IsZero(), "a booked trade must carry a settlement date")
			}
			return nil
		},
	}
}

// Participants requires the command to be signed by every participant of
// the output state.
func Participants() Clause {
	const name = "Participants"
	return Clause{
		Name: name,
		Verify: func(g types.TransitionGroup, commands []types.Command) error {
			for _, out := range g.Outputs {
				for _, cmd := range commands {
					for _, p := range out.Participants() {
						if !contains(cmd.Signers, p) {
							return &Violation{Clause: name, Reason: fmt.Sprintf("command %s must be signed by participant %s", cmd.Type, p)}
						}
					}
				}
			}
			return nil
		},
	}
}

func commandType(commands []types.Command) types.CommandType {
	for _, cmd := range commands {
		if cmd.Type.Recognized() {
			return cmd.Type
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
