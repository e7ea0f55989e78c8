package exchange

import (
	"context"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"dcabot/internal/domain"
)

const binanceErrOrderNotFound = -2013

// BinanceClient adapts the Binance spot API to the Client capability.
type BinanceClient struct {
	client *binance.Client
}

// NewBinanceClient builds a Binance adapter authenticated with the given API
// keys.
func NewBinanceClient(apiKey, apiSecret string) *BinanceClient {
	return &BinanceClient{client: binance.NewClient(apiKey, apiSecret)}
}

func (c *BinanceClient) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	prices, err := c.client.NewListPricesService().Symbol(pair.String()).Do(ctx)
	if err != nil {
		return decimal.Decimal{}, errors.Wrap(err, "binance list prices")
	}
	if len(prices) == 0 {
		return decimal.Decimal{}, errors.Errorf("binance returned empty prices for %s", pair)
	}
	return decimal.NewFromString(prices[0].Price)
}

func (c *BinanceClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	svc := c.client.NewCreateOrderService().
		Symbol(req.Pair.String()).
		Quantity(req.Size.String()).
		NewClientOrderID(req.ClientOrderID)

	if req.Side == SideSell {
		svc = svc.Side(binance.SideTypeSell)
	} else {
		svc = svc.Side(binance.SideTypeBuy)
	}

	if req.Type == TypeLimit {
		svc = svc.Type(binance.OrderTypeLimit).
			Price(req.Price.String()).
			TimeInForce(binance.TimeInForceTypeGTC)
	} else {
		svc = svc.Type(binance.OrderTypeMarket)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return OrderAck{}, errors.Wrap(err, "binance create order")
	}
	return OrderAck{ExchangeOrderID: strconv.FormatInt(res.OrderID, 10)}, nil
}

func (c *BinanceClient) CancelOrder(ctx context.Context, pair domain.Pair, clientOrderID string) error {
	_, err := c.client.NewCancelOrderService().
		Symbol(pair.String()).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	return errors.Wrap(err, "binance cancel order")
}

func (c *BinanceClient) OrderStatus(ctx context.Context, pair domain.Pair, clientOrderID string) (OrderState, error) {
	order, err := c.client.NewGetOrderService().
		Symbol(pair.String()).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == binanceErrOrderNotFound {
			return OrderState{Status: StatusUnknown}, nil
		}
		return OrderState{}, errors.Wrap(err, "binance get order")
	}

	state := OrderState{
		Status:    StatusNew,
		UpdatedAt: time.UnixMilli(order.UpdateTime).UTC(),
	}
	switch order.Status {
	case binance.OrderStatusTypeFilled:
		state.Status = StatusFilled
	case binance.OrderStatusTypePartiallyFilled:
		state.Status = StatusPartiallyFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		state.Status = StatusCancelled
	case binance.OrderStatusTypeRejected:
		state.Status = StatusRejected
	}

	executedQty, err := decimal.NewFromString(order.ExecutedQuantity)
	if err != nil {
		return OrderState{}, errors.Wrap(err, "parse binance executed quantity")
	}
	if executedQty.IsPositive() {
		cumQuote, err := decimal.NewFromString(order.CummulativeQuoteQuantity)
		if err != nil {
			return OrderState{}, errors.Wrap(err, "parse binance quote quantity")
		}
		state.AvgFillPrice = cumQuote.Div(executedQty)
	}
	return state, nil
}
