package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus is the lifecycle state of a trade.
type TradeStatus string

const (
	TradeStatusOpen   TradeStatus = "OPEN"
	TradeStatusClosed TradeStatus = "CLOSED"
	TradeStatusFailed TradeStatus = "FAILED"
)

// Trade is one DCA deal for a pair: a base order plus its safety-order
// ladder and take-profit order. At most one OPEN trade exists per pair.
type Trade struct {
	ID                 string          `json:"id"`
	Pair               Pair            `json:"pair"`
	BaseOrderSize      decimal.Decimal `json:"base_order_size"`
	Status             TradeStatus     `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
	ClosedAt           *time.Time      `json:"closed_at,omitempty"`
	AverageEntryPrice  decimal.Decimal `json:"average_entry_price"`
	SafetyOrdersFilled int             `json:"safety_orders_filled"`
}

// IsOpen reports whether the trade is still running.
func (t *Trade) IsOpen() bool {
	return t.Status == TradeStatusOpen
}
