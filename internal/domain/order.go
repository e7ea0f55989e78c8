package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderKind distinguishes the role of an order within a trade.
type OrderKind string

const (
	OrderKindBase       OrderKind = "BASE"
	OrderKindSafety     OrderKind = "SAFETY"
	OrderKindTakeProfit OrderKind = "TAKE_PROFIT"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusPlaced    OrderStatus = "PLACED"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// Order is a single exchange order owned by a trade. SequenceIndex is 0 for
// the base order, 1..N for safety orders and the replacement ordinal for
// take-profit orders. Orders are append-only and never deleted.
type Order struct {
	ID              string          `json:"id"`
	TradeID         string          `json:"trade_id"`
	Kind            OrderKind       `json:"kind"`
	SequenceIndex   int             `json:"sequence_index"`
	TargetPrice     decimal.Decimal `json:"target_price"`
	Size            decimal.Decimal `json:"size"`
	Status          OrderStatus     `json:"status"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	PlacedAt        *time.Time      `json:"placed_at,omitempty"`
	FilledAt        *time.Time      `json:"filled_at,omitempty"`
}

// IsResting reports whether the order is sitting on the exchange waiting to
// fill.
func (o *Order) IsResting() bool {
	return o.Status == OrderStatusPlaced
}

// FillEvent is exchange feedback for a filled order, matched to the order by
// its identity (the exchange client order ID carries the order UUID).
type FillEvent struct {
	OrderID  string
	Price    decimal.Decimal
	FilledAt time.Time
}
