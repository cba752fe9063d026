package types

import "github.com/shopspring/decimal"

// InceptionRequest represents a request to book a new ETF trade
type InceptionRequest struct {
	RefID              string          `json:"ref_id"`
	Buyer              string          `json:"buyer" binding:"required"`
	Seller             string          `json:"seller" binding:"required"`
	Rate               float64         `json:"rate"`
	ReferenceProductID string          `json:"reference_product_id"`
	Notional           decimal.Decimal `json:"notional"`
	MaxExposure        decimal.Decimal `json:"max_exposure"`
}
