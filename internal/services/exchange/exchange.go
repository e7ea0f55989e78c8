// Package exchange abstracts exchange connectivity behind a small client
// capability: price fetch, order placement, cancellation and status lookup.
// Adapters never retry on their own; callers decide what a failure means.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"dcabot/internal/domain"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// OrderType selects market or limit execution.
type OrderType string

const (
	TypeMarket OrderType = "Market"
	TypeLimit  OrderType = "Limit"
)

// Status is the exchange-side state of an order.
type Status string

const (
	StatusNew             Status = "New"
	StatusPartiallyFilled Status = "PartiallyFilled"
	StatusFilled          Status = "Filled"
	StatusCancelled       Status = "Cancelled"
	StatusRejected        Status = "Rejected"
	StatusUnknown         Status = "Unknown"
)

// OrderRequest describes an order to place. ClientOrderID carries the
// engine-side order UUID so fills can be matched back by order identity.
type OrderRequest struct {
	ClientOrderID string
	Pair          domain.Pair
	Side          Side
	Type          OrderType
	// Price is ignored for market orders.
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderAck is the exchange acknowledgement of a placed order.
type OrderAck struct {
	ExchangeOrderID string
}

// OrderState is the result of a status lookup.
type OrderState struct {
	Status Status
	// AvgFillPrice is zero when nothing has filled yet.
	AvgFillPrice decimal.Decimal
	UpdatedAt    time.Time
}

// Client is the exchange capability consumed by the engine and fill monitor.
type Client interface {
	GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, pair domain.Pair, clientOrderID string) error
	OrderStatus(ctx context.Context, pair domain.Pair, clientOrderID string) (OrderState, error)
}
