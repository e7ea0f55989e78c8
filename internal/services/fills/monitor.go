// Package fills turns exchange order state into fill events for the engine.
// The subscription is realized as a restartable poller: every interval the
// resting orders of all open trades are checked against the exchange, which
// makes the stream trivially resumable after interruption.
package fills

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"dcabot/internal/domain"
	"dcabot/internal/services/exchange"
	"dcabot/internal/storage/tradestore"
	"dcabot/pkg/retrier"
)

type store interface {
	ListTrades(ctx context.Context, f tradestore.Filter) ([]domain.Trade, error)
	OrdersByTrade(ctx context.Context, tradeID string) ([]domain.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, at *time.Time) error
}

type fillHandler interface {
	HandleFill(ctx context.Context, fill domain.FillEvent) error
}

type statusClient interface {
	OrderStatus(ctx context.Context, pair domain.Pair, clientOrderID string) (exchange.OrderState, error)
}

// Monitor polls the exchange for the state of resting orders and dispatches
// fills to the engine.
type Monitor struct {
	store    store
	client   statusClient
	engine   fillHandler
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration
	retrier  *retrier.Retrier
}

// NewMonitor builds a monitor polling every interval; timeout bounds each
// exchange status call.
func NewMonitor(logger *zap.Logger, st store, client statusClient, engine fillHandler,
	interval, timeout time.Duration) *Monitor {

	return &Monitor{
		store:    st,
		client:   client,
		engine:   engine,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
		retrier: retrier.New(
			retrier.WithInitialInterval(time.Second),
			retrier.WithMaxRetries(3),
		),
	}
}

// Run blocks until ctx is cancelled. Poll errors are retried with backoff and
// otherwise logged; they never terminate the loop.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("fill monitor started", zap.Duration("interval", m.interval))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("fill monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			err := m.retrier.Do(ctx, func(ctx context.Context) error {
				return m.poll(ctx)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("fill poll failed", zap.Error(err))
			}
		}
	}
}

// Poll runs a single polling pass. Exposed so callers can drive the monitor
// manually, e.g. in tests or one-shot reconciliation.
func (m *Monitor) Poll(ctx context.Context) error {
	return m.poll(ctx)
}

func (m *Monitor) poll(ctx context.Context) error {
	trades, err := m.store.ListTrades(ctx, tradestore.Filter{Status: domain.TradeStatusOpen})
	if err != nil {
		return errors.Wrap(err, "list open trades")
	}

	for _, trade := range trades {
		orders, err := m.store.OrdersByTrade(ctx, trade.ID)
		if err != nil {
			return errors.Wrap(err, "list trade orders")
		}
		for i := range orders {
			if !orders[i].IsResting() {
				continue
			}
			if err := m.checkOrder(ctx, trade.Pair, &orders[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Monitor) checkOrder(ctx context.Context, pair domain.Pair, order *domain.Order) error {
	statusCtx, cancel := context.WithTimeout(ctx, m.timeout)
	state, err := m.client.OrderStatus(statusCtx, pair, order.ID)
	cancel()
	if err != nil {
		return errors.Wrapf(err, "order status for %s", order.ID)
	}

	switch state.Status {
	case exchange.StatusFilled:
		fill := domain.FillEvent{
			OrderID:  order.ID,
			Price:    state.AvgFillPrice,
			FilledAt: state.UpdatedAt,
		}
		if fill.Price.IsZero() {
			fill.Price = order.TargetPrice
		}
		if fill.FilledAt.IsZero() {
			fill.FilledAt = time.Now().UTC()
		}
		if err := m.engine.HandleFill(ctx, fill); err != nil {
			m.logger.Error("fill handling failed",
				zap.String("order_id", order.ID),
				zap.Error(err))
		}

	case exchange.StatusCancelled:
		// cancelled outside the engine, e.g. manually on the exchange
		m.logger.Warn("order cancelled on exchange",
			zap.String("order_id", order.ID),
			zap.String("pair", pair.String()))
		return m.store.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusCancelled, nil)

	case exchange.StatusRejected:
		m.logger.Warn("order rejected on exchange",
			zap.String("order_id", order.ID),
			zap.String("pair", pair.String()))
		return m.store.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusRejected, nil)
	}

	return nil
}
