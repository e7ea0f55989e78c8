package exchange

import (
	"context"
	"strconv"
	"time"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"dcabot/internal/domain"
)

// BybitClient adapts the Bybit V5 spot API to the Client capability.
type BybitClient struct {
	client *bybit.Client
}

// NewBybitClient builds a Bybit adapter authenticated with the given API keys.
func NewBybitClient(apiKey, apiSecret string) *BybitClient {
	return &BybitClient{client: bybit.NewClient().WithAuth(apiKey, apiSecret)}
}

func (c *BybitClient) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	symbol := bybit.SymbolV5(pair.String())

	result, err := c.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: "spot",
		Symbol:   &symbol,
	})
	if err != nil {
		return decimal.Decimal{}, errors.Wrap(err, "bybit get tickers")
	}
	if len(result.Result.Spot.List) == 0 {
		return decimal.Decimal{}, errors.Errorf("bybit returned empty prices for %s", pair)
	}
	return decimal.NewFromString(result.Result.Spot.List[0].LastPrice)
}

func (c *BybitClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	param := bybit.V5CreateOrderParam{
		Category:    "spot",
		Symbol:      bybit.SymbolV5(req.Pair.String()),
		Side:        bybit.SideBuy,
		OrderType:   bybit.OrderTypeMarket,
		Qty:         req.Size.String(),
		OrderLinkID: &req.ClientOrderID,
	}
	if req.Side == SideSell {
		param.Side = bybit.SideSell
	}
	if req.Type == TypeLimit {
		price := req.Price.String()
		param.OrderType = bybit.OrderTypeLimit
		param.Price = &price
	}

	res, err := c.client.V5().Order().CreateOrder(param)
	if err != nil {
		return OrderAck{}, errors.Wrap(err, "bybit create order")
	}
	return OrderAck{ExchangeOrderID: res.Result.OrderID}, nil
}

func (c *BybitClient) CancelOrder(ctx context.Context, pair domain.Pair, clientOrderID string) error {
	_, err := c.client.V5().Order().CancelOrder(bybit.V5CancelOrderParam{
		Category:    "spot",
		Symbol:      bybit.SymbolV5(pair.String()),
		OrderLinkID: &clientOrderID,
	})
	return errors.Wrap(err, "bybit cancel order")
}

func (c *BybitClient) OrderStatus(ctx context.Context, pair domain.Pair, clientOrderID string) (OrderState, error) {
	symbol := bybit.SymbolV5(pair.String())

	// the realtime endpoint covers resting and recently settled orders
	open, err := c.client.V5().Order().GetOpenOrders(bybit.V5GetOpenOrdersParam{
		Category:    "spot",
		Symbol:      &symbol,
		OrderLinkID: &clientOrderID,
	})
	if err != nil {
		return OrderState{}, errors.Wrap(err, "bybit get open orders")
	}
	for _, o := range open.Result.List {
		return bybitOrderState(string(o.OrderStatus), o.AvgPrice, o.UpdatedTime)
	}

	history, err := c.client.V5().Order().GetHistoryOrders(bybit.V5GetHistoryOrdersParam{
		Category:    "spot",
		Symbol:      &symbol,
		OrderLinkID: &clientOrderID,
	})
	if err != nil {
		return OrderState{}, errors.Wrap(err, "bybit get history orders")
	}
	for _, o := range history.Result.List {
		return bybitOrderState(string(o.OrderStatus), o.AvgPrice, o.UpdatedTime)
	}

	return OrderState{Status: StatusUnknown}, nil
}

func bybitOrderState(status, avgPrice, updatedTime string) (OrderState, error) {
	state := OrderState{Status: StatusNew}
	switch status {
	case "Filled":
		state.Status = StatusFilled
	case "PartiallyFilled":
		state.Status = StatusPartiallyFilled
	case "Cancelled", "PartiallyFilledCanceled":
		state.Status = StatusCancelled
	case "Rejected":
		state.Status = StatusRejected
	}

	if avgPrice != "" {
		price, err := decimal.NewFromString(avgPrice)
		if err != nil {
			return OrderState{}, errors.Wrap(err, "parse bybit avg price")
		}
		state.AvgFillPrice = price
	}
	if updatedTime != "" {
		ms, err := strconv.ParseInt(updatedTime, 10, 64)
		if err != nil {
			return OrderState{}, errors.Wrap(err, "parse bybit updated time")
		}
		state.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return state, nil
}
