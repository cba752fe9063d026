package contract

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/sheetal-kulkarni/finblocker-etf/internal/types"
)

func inception() types.TradeState {
	return types.TradeState{
		LinearID:           "5f0c6f7e-0000-4000-8000-000000000001",
		RefID:              "ETF-0001",
		Buyer:              "PartyA",
		Seller:             "PartyB",
		Status:             types.StatusInception,
		Rate:               1.25,
		ReferenceProductID: "SP-7",
		Notional:           decimal.NewFromInt(1_000_000),
		Exposure:           decimal.NewFromInt(100_000),
	}
}

func exercised(in types.TradeState, rate float64) types.TradeState {
	out := in.Evolve(types.StatusExercising)
	out.Rate = rate
	out.Exposure = in.Exposure.Sub(in.Notional.Mul(decimal.NewFromFloat(rate).Sub(decimal.NewFromFloat(in.Rate)).Abs()))
	return out
}

func booked(in types.TradeState) types.TradeState {
	out := in.Evolve(types.StatusBooked)
	out.SettlementDate = time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	return out
}

func cmd(t types.CommandType, s types.TradeState) []types.Command {
	return []types.Command{types.NewCommand(t, s.Participants()...)}
}

func requireViolation(t *testing.T, err error, clause, reason string) {
	t.Helper()
	require.Error(t, err)
	var v *Violation
	require.True(t, errors.As(err, &v), "expected a *Violation, got %T", err)
	assert.Equal(t, clause, v.Clause)
	assert.Contains(t, v.Reason, reason)
}

func TestVerifyAcceptsFullLifecycle(t *testing.T) {
	s0 := inception()
	require.NoError(t, Verify(nil, []types.TradeState{s0}, cmd(types.CommandBooking, s0)))

	s1 := exercised(s0, 1.30)
	require.NoError(t, Verify([]types.TradeState{s0}, []types.TradeState{s1}, cmd(types.CommandExercise, s1)))
	assert.Equal(t, "50000", s1.Exposure.String())

	s2 := booked(s1)
	require.NoError(t, Verify([]types.TradeState{s1}, []types.TradeState{s2}, cmd(types.CommandBooking, s2)))

	s3 := s2.Evolve(types.StatusSettled)
	require.NoError(t, Verify([]types.TradeState{s2}, []types.TradeState{s3}, cmd(types.CommandSettlement, s3)))
}

func TestBookingViolations(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*types.TradeState)
		reason string
	}{
		{"zero rate", func(s *types.TradeState) { s.Rate = 0 }, "rate cannot be zero"},
		{"same parties", func(s *types.TradeState) { s.Seller = s.Buyer }, "the buyer and the seller cannot be the same entity"},
		{"no product", func(s *types.TradeState) { s.ReferenceProductID = "" }, "structured product"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := inception()
			tc.mutate(&s)
			err := Verify(nil, []types.TradeState{s}, cmd(types.CommandBooking, s))
			requireViolation(t, err, "Booking", tc.reason)
		})
	}
}

func TestSettlementRejectsCounterpartyChange(t *testing.T) {
	s2 := booked(exercised(inception(), 1.30))
	s3 := s2.Evolve(types.StatusSettled)
	s3.Buyer = "PartyC"

	err := Verify([]types.TradeState{s2}, []types.TradeState{s3}, cmd(types.CommandSettlement, s3))
	requireViolation(t, err, "Settlement", "should be the same")
}

func TestSettlementKeepsExercisedTerms(t *testing.T) {
	s2 := booked(exercised(inception(), 1.30))

	cases := []struct {
		name   string
		mutate func(*types.TradeState)
		reason string
	}{
		{"zero rate and no product", func(s *types.TradeState) { s.Rate, s.ReferenceProductID = 0, "" }, "structured product cannot change"},
		{"zero rate", func(s *types.TradeState) { s.Rate = 0 }, "only an exercise can change the rate"},
		{"exposure restored", func(s *types.TradeState) { s.Exposure = decimal.NewFromInt(10_000_000) }, "only an exercise can change the rate or the exposure"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s3 := s2.Evolve(types.StatusSettled)
			tc.mutate(&s3)
			err := Verify([]types.TradeState{s2}, []types.TradeState{s3}, cmd(types.CommandSettlement, s3))
			requireViolation(t, err, "Lifecycle", tc.reason)
		})
	}
}

func TestExerciseExposure(t *testing.T) {
	s0 := inception()

	t.Run("wrong decrement", func(t *testing.T) {
		s1 := exercised(s0, 1.30)
		s1.Exposure = s0.Exposure
		err := Verify([]types.TradeState{s0}, []types.TradeState{s1}, cmd(types.CommandExercise, s1))
		requireViolation(t, err, "Exercise", "trade value delta")
	})

	t.Run("exposure exhausted", func(t *testing.T) {
		s1 := exercised(s0, 1.50)
		require.True(t, s1.Exposure.IsNegative())
		err := Verify([]types.TradeState{s0}, []types.TradeState{s1}, cmd(types.CommandExercise, s1))
		requireViolation(t, err, "Lifecycle", "exposure cannot be negative")
	})
}

func TestLifecycleViolations(t *testing.T) {
	s0 := inception()

	t.Run("iteration skip", func(t *testing.T) {
		s1 := exercised(s0, 1.30)
		s1.IterationNo = 5
		err := Verify([]types.TradeState{s0}, []types.TradeState{s1}, cmd(types.CommandExercise, s1))
		requireViolation(t, err, "Lifecycle", "increase by exactly one")
	})

	t.Run("status regression", func(t *testing.T) {
		s1 := exercised(s0, 1.30)
		back := s1.Evolve(types.StatusInception)
		err := Verify([]types.TradeState{s1}, []types.TradeState{back}, cmd(types.CommandBooking, back))
		requireViolation(t, err, "Lifecycle", "cannot regress")
	})

	t.Run("settling an unbooked trade", func(t *testing.T) {
		s1 := s0.Evolve(types.StatusSettled)
		err := Verify([]types.TradeState{s0}, []types.TradeState{s1}, cmd(types.CommandSettlement, s1))
		requireViolation(t, err, "Lifecycle", "cannot move a trade from INCEPTION to SETTLED")
	})

	t.Run("issuance at later iteration", func(t *testing.T) {
		s := inception()
		s.IterationNo = 1
		err := Verify(nil, []types.TradeState{s}, cmd(types.CommandBooking, s))
		requireViolation(t, err, "Lifecycle", "iteration 0")
	})

	t.Run("booking without settlement date", func(t *testing.T) {
		s1 := exercised(s0, 1.30)
		s2 := s1.Evolve(types.StatusBooked)
		err := Verify([]types.TradeState{s1}, []types.TradeState{s2}, cmd(types.CommandBooking, s2))
		requireViolation(t, err, "Lifecycle", "settlement date")
	})

	t.Run("booking changes exercised terms", func(t *testing.T) {
		s1 := exercised(s0, 1.30)
		for name, mutate := range map[string]func(*types.TradeState){
			"raised exposure": func(s *types.TradeState) { s.Exposure = decimal.NewFromInt(10_000_000) },
			"new rate":        func(s *types.TradeState) { s.Rate = 9.99 },
		} {
			mutate := mutate
			t.Run(name, func(t *testing.T) {
				s2 := booked(s1)
				mutate(&s2)
				err := Verify([]types.TradeState{s1}, []types.TradeState{s2}, cmd(types.CommandBooking, s2))
				requireViolation(t, err, "Lifecycle", "only an exercise can change the rate or the exposure")
			})
		}
	})

	t.Run("exercise drops product", func(t *testing.T) {
		s1 := exercised(s0, 1.30)
		s1.ReferenceProductID = ""
		err := Verify([]types.TradeState{s0}, []types.TradeState{s1}, cmd(types.CommandExercise, s1))
		requireViolation(t, err, "Lifecycle", "structured product cannot change")
	})

	t.Run("consumed without successor", func(t *testing.T) {
		err := Verify([]types.TradeState{s0}, nil, cmd(types.CommandExercise, s0))
		requireViolation(t, err, "Lifecycle", "exactly one output state")
	})
}

func TestCommandChecks(t *testing.T) {
	s := inception()

	err := Verify(nil, []types.TradeState{s}, nil)
	requireViolation(t, err, "Commands", "exactly one command, found 0")

	two := append(cmd(types.CommandBooking, s), cmd(types.CommandBooking, s)...)
	err = Verify(nil, []types.TradeState{s}, two)
	requireViolation(t, err, "Commands", "exactly one command, found 2")

	unknown := []types.Command{{Type: "TRANSFER", Signers: s.Participants()}}
	err = Verify(nil, []types.TradeState{s}, unknown)
	requireViolation(t, err, "Commands", "unrecognized command")

	unsigned := []types.Command{types.NewCommand(types.CommandBooking, s.Buyer)}
	err = Verify(nil, []types.TradeState{s}, unsigned)
	requireViolation(t, err, "Participants", s.Seller)
}

func TestClauseRequiresCommandExactlyOnce(t *testing.T) {
	s := inception()
	g := types.TransitionGroup{LinearID: s.LinearID, Outputs: []types.TradeState{s}}

	v := Booking().Check(g, cmd(types.CommandSettlement, s))
	require.NotNil(t, v)
	assert.True(t, v.CommandMismatch())

	dup := append(cmd(types.CommandBooking, s), cmd(types.CommandBooking, s)...)
	v = Booking().Check(g, dup)
	require.NotNil(t, v)
	assert.False(t, v.CommandMismatch())
	assert.Contains(t, v.Reason, "exactly once")
}

func TestAnyOfReportsNoMatch(t *testing.T) {
	s := inception()
	g := types.TransitionGroup{LinearID: s.LinearID, Outputs: []types.TradeState{s}}
	either := AnyOf("Either", Settlement(), Exercise())

	v := either.Check(g, cmd(types.CommandBooking, s))
	require.NotNil(t, v)
	assert.Equal(t, "Either", v.Clause)
	assert.Contains(t, v.Reason, "no clause of [Settlement, Exercise]")
	assert.Equal(t, s.LinearID, v.LinearID)
}

func TestGroupStatesOrdersByLinearID(t *testing.T) {
	a, b := inception(), inception()
	a.LinearID, b.LinearID = "b", "a"

	groups := GroupStates([]types.TradeState{a}, []types.TradeState{a, b})
	require.Len(t, groups, 2)
	assert.Equal(t, "a", groups[0].LinearID)
	assert.Empty(t, groups[0].Inputs)
	assert.Equal(t, "b", groups[1].LinearID)
	assert.Len(t, groups[1].Inputs, 1)
}

// Verification is a pure function: the same transition always yields the
// same verdict and reason, whichever order the groups arrive in.
func TestVerifyIsDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 4).Draw(t, "groups").(int)
		outputs := make([]types.TradeState, 0, n)
		for i := 0; i < n; i++ {
			s := inception()
			s.LinearID = string(rune('a' + i))
			s.Rate = float64(rapid.IntRange(-2, 3).Draw(t, "rate").(int))
			if rapid.Bool().Draw(t, "same-parties").(bool) {
				s.Seller = s.Buyer
			}
			outputs = append(outputs, s)
		}
		commands := []types.Command{types.NewCommand(types.CommandBooking, "PartyA", "PartyB")}

		first := Verify(nil, outputs, commands)
		reversed := make([]types.TradeState, len(outputs))
		for i := range outputs {
			reversed[len(outputs)-1-i] = outputs[i]
		}
		second := Verify(nil, reversed, commands)

		if (first == nil) != (second == nil) {
			t.Fatalf("verdict changed with group order: %v vs %v", first, second)
		}
		if first != nil && first.Error() != second.Error() {
			t.Fatalf("reason changed with group order: %q vs %q", first, second)
		}
	})
}
