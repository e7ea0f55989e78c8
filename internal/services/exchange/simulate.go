package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"dcabot/internal/domain"
)

// SimulateClient is an in-memory exchange used by tests and the "simulate"
// platform. Market orders fill immediately at the current price; limit orders
// rest until Fill is called.
type SimulateClient struct {
	mu     sync.Mutex
	price  decimal.Decimal
	seq    int
	orders map[string]*simOrder

	// PlaceHook, when set, runs before each placement and may veto it.
	PlaceHook func(OrderRequest) error
	// CancelErr, when set, fails every cancel call.
	CancelErr error
	// PriceErr, when set, fails every price fetch.
	PriceErr error
}

type simOrder struct {
	req       OrderRequest
	status    Status
	fillPrice decimal.Decimal
	updatedAt time.Time
}

// NewSimulateClient builds a simulator quoting the given price.
func NewSimulateClient(price decimal.Decimal) *SimulateClient {
	return &SimulateClient{
		price:  price,
		orders: make(map[string]*simOrder),
	}
}

// SetPrice moves the simulated market price.
func (c *SimulateClient) SetPrice(price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.price = price
}

func (c *SimulateClient) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PriceErr != nil {
		return decimal.Decimal{}, c.PriceErr
	}
	return c.price, nil
}

func (c *SimulateClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.PlaceHook != nil {
		if err := c.PlaceHook(req); err != nil {
			return OrderAck{}, err
		}
	}
	if _, ok := c.orders[req.ClientOrderID]; ok {
		return OrderAck{}, errors.Errorf("duplicate client order id %s", req.ClientOrderID)
	}

	c.seq++
	order := &simOrder{
		req:       req,
		status:    StatusNew,
		updatedAt: time.Now().UTC(),
	}
	if req.Type == TypeMarket {
		order.status = StatusFilled
		order.fillPrice = c.price
	}
	c.orders[req.ClientOrderID] = order

	return OrderAck{ExchangeOrderID: fmt.Sprintf("sim-%d", c.seq)}, nil
}

func (c *SimulateClient) CancelOrder(ctx context.Context, pair domain.Pair, clientOrderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.CancelErr != nil {
		return c.CancelErr
	}
	order, ok := c.orders[clientOrderID]
	if !ok {
		return errors.Errorf("unknown order %s", clientOrderID)
	}
	if order.status == StatusFilled {
		return errors.Errorf("order %s already filled", clientOrderID)
	}
	order.status = StatusCancelled
	order.updatedAt = time.Now().UTC()
	return nil
}

func (c *SimulateClient) OrderStatus(ctx context.Context, pair domain.Pair, clientOrderID string) (OrderState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	order, ok := c.orders[clientOrderID]
	if !ok {
		return OrderState{Status: StatusUnknown}, nil
	}
	return OrderState{
		Status:       order.status,
		AvgFillPrice: order.fillPrice,
		UpdatedAt:    order.updatedAt,
	}, nil
}

// Fill marks a resting order as filled at the given price.
func (c *SimulateClient) Fill(clientOrderID string, price decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	order, ok := c.orders[clientOrderID]
	if !ok {
		return errors.Errorf("unknown order %s", clientOrderID)
	}
	if order.status != StatusNew {
		return errors.Errorf("order %s is not resting (%s)", clientOrderID, order.status)
	}
	order.status = StatusFilled
	order.fillPrice = price
	order.updatedAt = time.Now().UTC()
	return nil
}

// RestingOrders returns the client order IDs of orders still waiting to fill.
func (c *SimulateClient) RestingOrders() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []string
	for id, order := range c.orders {
		if order.status == StatusNew {
			ids = append(ids, id)
		}
	}
	return ids
}

// SimOrderStatus exposes the simulated state of one order for assertions.
func (c *SimulateClient) SimOrderStatus(clientOrderID string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	order, ok := c.orders[clientOrderID]
	if !ok {
		return StatusUnknown, false
	}
	return order.status, true
}
