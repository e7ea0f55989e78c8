package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"dcabot/internal/domain"
	"dcabot/internal/services/exchange"
)

// Reconcile repairs state for intents that were prepared before a crash but
// never finalized: the exchange is queried for each pending intent and the
// store is brought in line with what actually happened. Called once at
// startup, before the engine accepts triggers or fills.
func (e *Engine) Reconcile(ctx context.Context) error {
	pending := e.journal.Pending()
	if len(pending) == 0 {
		return nil
	}

	e.logger.Info("reconciling pending order intents", zap.Int("count", len(pending)))

	for _, intent := range pending {
		if err := e.reconcileIntent(ctx, intent); err != nil {
			e.logger.Error("intent reconciliation failed",
				zap.String("intent_id", intent.ID),
				zap.String("order_id", intent.OrderID),
				zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) reconcileIntent(ctx context.Context, intent *orderIntent) error {
	pair := domain.Pair(intent.Pair)

	statusCtx, cancel := context.WithTimeout(ctx, e.timeout)
	state, err := e.client.OrderStatus(statusCtx, pair, intent.OrderID)
	cancel()
	if err != nil {
		return errors.Wrap(err, "query exchange order status")
	}

	order, err := e.store.OrderByID(ctx, intent.OrderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		if state.Status == exchange.StatusUnknown {
			// the exchange never saw the order either
			return e.journal.MarkFailed(intent, errors.New("order never reached the exchange"))
		}
		// placed on the exchange but lost before the store write: keep the
		// intent pending and demand manual attention instead of guessing
		e.logger.Error("order exists on exchange but not in store, manual reconciliation required",
			zap.String("order_id", intent.OrderID),
			zap.String("pair", intent.Pair))
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "load order")
	}

	switch state.Status {
	case exchange.StatusUnknown:
		if order.Status == domain.OrderStatusPending {
			if err := e.store.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusRejected, nil); err != nil {
				return err
			}
		}
		return e.journal.MarkFailed(intent, errors.New("order never reached the exchange"))

	case exchange.StatusFilled:
		if err := e.markPlacedIfPending(ctx, order); err != nil {
			return err
		}
		if err := e.journal.MarkDone(intent); err != nil {
			return err
		}
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
		return e.HandleFill(ctx, fill)

	case exchange.StatusCancelled:
		if err := e.store.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusCancelled, nil); err != nil {
			return err
		}
		return e.journal.MarkDone(intent)

	case exchange.StatusRejected:
		if err := e.store.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusRejected, nil); err != nil {
			return err
		}
		return e.journal.MarkDone(intent)

	default:
		// resting on the exchange, the fill monitor picks it up from here
		if err := e.markPlacedIfPending(ctx, order); err != nil {
			return err
		}
		return e.journal.MarkDone(intent)
	}
}

func (e *Engine) markPlacedIfPending(ctx context.Context, order *domain.Order) error {
	if order.Status != domain.OrderStatusPending {
		return nil
	}
	now := time.Now().UTC()
	return e.store.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusPlaced, &now)
}
