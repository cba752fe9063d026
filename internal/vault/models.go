package vault

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/sheetal-kulkarni/finblocker-etf/internal/types"
)

// StateRecord is one committed trade version as known to this party.
type StateRecord struct {
	gorm.Model         `json:"-"`
	LinearID           string          `gorm:"uniqueIndex:idx_state_version;not null" json:"linear_id"`
	IterationNo        int64           `gorm:"uniqueIndex:idx_state_version" json:"iteration_no"`
	TxID               string          `gorm:"index;not null" json:"tx_id"`
	RefID              string          `gorm:"index" json:"ref_id"`
	Buyer              string          `json:"buyer"`
	Seller             string          `json:"seller"`
	Status             string          `json:"status"`
	Rate               float64         `json:"rate"`
	ReferenceProductID string          `json:"reference_product_id"`
	Notional           decimal.Decimal `gorm:"type:text" json:"notional"`
	Exposure           decimal.Decimal `gorm:"type:text" json:"exposure"`
	SettlementDate     time.Time       `json:"settlement_date"`
	Consumed           bool            `gorm:"index" json:"consumed"`
	ConsumedBy         string          `json:"consumed_by,omitempty"`
	NotarySequence     int64           `json:"notary_sequence"`
	CommittedAt        time.Time       `json:"committed_at"`
}

// TransactionRecord stores a committed transition with its notary sequence.
type TransactionRecord struct {
	gorm.Model     `json:"-"`
	TxID           string    `gorm:"uniqueIndex" json:"tx_id"`
	LinearID       string    `gorm:"index" json:"linear_id"`
	Command        string    `json:"command"`
	Payload        []byte    `json:"payload"`
	NotarySequence int64     `json:"notary_sequence"`
	CommittedAt    time.Time `json:"committed_at"`
}

type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	Status         string    `gorm:"not null;default:PENDING" json:"status"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Idempotency record statuses
const (
	IdempotencyPending   = "PENDING"
	IdempotencyCompleted = "COMPLETED"
)

func recordFromState(s types.TradeState) StateRecord {
	return StateRecord{
		LinearID:           s.LinearID,
		IterationNo:        s.IterationNo,
		RefID:              s.RefID,
		Buyer:              s.Buyer,
		Seller:             s.Seller,
		Status:             string(s.Status),
		Rate:               s.Rate,
		ReferenceProductID: s.ReferenceProductID,
		Notional:           s.Notional,
		Exposure:           s.Exposure,
		SettlementDate:     s.SettlementDate,
	}
}

// State converts the record back into a trade state.
func (r *StateRecord) State() types.TradeState {
	return types.TradeState{
		LinearID:           r.LinearID,
		RefID:              r.RefID,
		Buyer:              r.Buyer,
		Seller:             r.Seller,
		Status:             types.TradeStatus(r.Status),
		IterationNo:        r.IterationNo,
		Rate:               r.Rate,
		ReferenceProductID: r.ReferenceProductID,
		Notional:           r.Notional,
		Exposure:           r.Exposure,
		SettlementDate:     r.SettlementDate.UTC(),
	}
}

// Ref returns the reference a transition uses to consume this version.
func (r *StateRecord) Ref() types.StateRef {
	return types.StateRef{TxID: r.TxID, LinearID: r.LinearID, IterationNo: r.IterationNo}
}

// Response converts the record into its API representation.
func (r *StateRecord) Response() types.TradeResponse {
	return types.TradeResponse{
		State:          r.State(),
		TxID:           r.TxID,
		NotarySequence: r.NotarySequence,
		Consumed:       r.Consumed,
		CommittedAt:    r.CommittedAt,
	}
}
