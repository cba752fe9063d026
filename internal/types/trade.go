package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus is the lifecycle stage of a trade. Stages are ordered.
type TradeStatus string

const (
	StatusInception  TradeStatus = "INCEPTION"
	StatusExercising TradeStatus = "EXERCISING"
	StatusBooked     TradeStatus = "BOOKED"
	StatusSettled    TradeStatus = "SETTLED"
)

var statusRank = map[TradeStatus]int{
	StatusInception:  0,
	StatusExercising: 1,
	StatusBooked:     2,
	StatusSettled:    3,
}

// Rank returns the position of the status in the lifecycle, or -1 if unknown.
func (s TradeStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is a known lifecycle stage.
func (s TradeStatus) Valid() bool {
	return s.Rank() >= 0
}

// TradeState is one immutable version of an ETF trade.
type TradeState struct {
	LinearID           string          `json:"linear_id"`
	RefID              string          `json:"ref_id"`
	Buyer              string          `json:"buyer"`
	Seller             string          `json:"seller"`
	Status             TradeStatus     `json:"status"`
	IterationNo        int64           `json:"iteration_no"`
	Rate               float64         `json:"rate"`
	ReferenceProductID string          `json:"reference_product_id,omitempty"`
	Notional           decimal.Decimal `json:"notional"`
	Exposure           decimal.Decimal `json:"exposure"`
	SettlementDate     time.Time       `json:"settlement_date"`
}

// Participants returns the parties that must sign any transition of this state.
func (s TradeState) Participants() []string {
	return []string{s.Buyer, s.Seller}
}

// Counterparty returns the participant that is not party, or an error if
// party does not participate in the trade.
func (s TradeState) Counterparty(party string) (string, error) {
	switch party {
	case s.Buyer:
		return s.Seller, nil
	case s.Seller:
		return s.Buyer, nil
	}
	return "", fmt.Errorf("party %s is not a participant of trade %s", party, s.RefID)
}

// Evolve returns a copy of s advanced to the next iteration with the given status.
func (s TradeState) Evolve(status TradeStatus) TradeState {
	next := s
	next.Status = status
	next.IterationNo = s.IterationNo + 1
	return next
}

func (s TradeState) String() string {
	return fmt.Sprintf("TradeState(ref=%s, linear_id=%s, status=%s, iteration=%d, buyer=%s, seller=%s, rate=%g)",
		s.RefID, s.LinearID, s.Status, s.IterationNo, s.Buyer, s.Seller, s.Rate)
}

// StateRef points at the exact committed version a transition consumes.
type StateRef struct {
	TxID        string `json:"tx_id"`
	LinearID    string `json:"linear_id"`
	IterationNo int64  `json:"iteration_no"`
}

func (r StateRef) String() string {
	return fmt.Sprintf("%s@%d(%s)", r.LinearID, r.IterationNo, r.TxID)
}

// StateAndRef pairs a committed state with the reference that identifies it.
type StateAndRef struct {
	State TradeState `json:"state"`
	Ref   StateRef   `json:"ref"`
}

// TransitionGroup pairs the input and output versions sharing one LinearID.
type TransitionGroup struct {
	LinearID string
	Inputs   []TradeState
	Outputs  []TradeState
}
