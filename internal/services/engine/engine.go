// Package engine implements the DCA trade engine: it opens trades on
// external triggers, tracks them against fill events and closes them at the
// take-profit target. All work for one pair is serialized behind a per-pair
// lock; different pairs proceed independently.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dcabot/internal/domain"
	"dcabot/internal/services/exchange"
)

// Store is the persistence capability consumed by the engine.
type Store interface {
	CreateTrade(ctx context.Context, pair domain.Pair, baseOrderSize decimal.Decimal) (*domain.Trade, error)
	RecordFailedTrade(ctx context.Context, pair domain.Pair, baseOrderSize decimal.Decimal) (*domain.Trade, error)
	AppendOrder(ctx context.Context, order *domain.Order) error
	UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, at *time.Time) error
	SetExchangeOrderID(ctx context.Context, orderID, exchangeOrderID string) error
	ApplyFill(ctx context.Context, tradeID, orderID string, fillPrice decimal.Decimal, filledAt time.Time, avgEntryPrice decimal.Decimal, safetyOrdersFilled int) error
	CloseTrade(ctx context.Context, tradeID string, closedAt time.Time) error
	GetOpenTrade(ctx context.Context, pair domain.Pair) (*domain.Trade, error)
	TradeByID(ctx context.Context, tradeID string) (*domain.Trade, error)
	OrderByID(ctx context.Context, orderID string) (*domain.Order, error)
	OrdersByTrade(ctx context.Context, tradeID string) ([]domain.Order, error)
}

// Engine orchestrates DCA trades for a fixed set of pairs.
type Engine struct {
	params  domain.DCAParams
	pairs   map[domain.Pair]struct{}
	store   Store
	client  exchange.Client
	journal *intentJournal
	logger  *zap.Logger
	timeout time.Duration

	mu    sync.Mutex
	locks map[domain.Pair]*sync.Mutex
}

// New builds an engine. walDir holds the exchange-intent journal; timeout
// bounds every exchange call.
func New(logger *zap.Logger, params domain.DCAParams, pairs []domain.Pair,
	store Store, client exchange.Client, walDir string, timeout time.Duration) (*Engine, error) {

	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid DCA parameters")
	}
	if len(pairs) == 0 {
		return nil, errors.New("no trading pairs configured")
	}

	journal, err := newIntentJournal(walDir)
	if err != nil {
		return nil, err
	}

	supported := make(map[domain.Pair]struct{}, len(pairs))
	for _, pair := range pairs {
		if !pair.Valid() {
			return nil, errors.New("empty trading pair configured")
		}
		supported[pair] = struct{}{}
	}

	return &Engine{
		params:  params,
		pairs:   supported,
		store:   store,
		client:  client,
		journal: journal,
		logger:  logger,
		timeout: timeout,
		locks:   make(map[domain.Pair]*sync.Mutex),
	}, nil
}

// Close releases the intent journal.
func (e *Engine) Close() error {
	return e.journal.Close()
}

// OpenTrade handles a trigger for pair: it places the base market order,
// persists the new trade and leaves the rest to fill handling. Conflicting
// triggers return domain.ErrTradeExists without side effects. A failed base
// placement records a FAILED trade and is never retried here.
func (e *Engine) OpenTrade(ctx context.Context, pair domain.Pair) (*domain.Trade, error) {
	if _, ok := e.pairs[pair]; !ok {
		return nil, domain.ErrUnsupportedPair
	}

	lock := e.pairLock(pair)
	lock.Lock()
	defer lock.Unlock()

	open, err := e.store.GetOpenTrade(ctx, pair)
	if err != nil {
		return nil, errors.Wrap(err, "look up open trade")
	}
	if open != nil {
		return nil, domain.ErrTradeExists
	}

	price, err := e.getPrice(ctx, pair)
	if err != nil {
		return nil, &domain.ExchangeError{Op: "get price", Pair: pair, Err: err}
	}

	order := &domain.Order{
		ID:          uuid.New().String(),
		Kind:        domain.OrderKindBase,
		TargetPrice: price,
		Size:        e.params.BaseOrderSize,
		Status:      domain.OrderStatusPending,
	}

	intent, err := e.journal.Prepare(order, pair)
	if err != nil {
		return nil, errors.Wrap(err, "journal base order intent")
	}

	ack, err := e.placeOrder(ctx, exchange.OrderRequest{
		ClientOrderID: order.ID,
		Pair:          pair,
		Side:          exchange.SideBuy,
		Type:          exchange.TypeMarket,
		Size:          order.Size,
	})
	if err != nil {
		e.markIntentFailed(intent, err)
		if _, recordErr := e.store.RecordFailedTrade(ctx, pair, e.params.BaseOrderSize); recordErr != nil {
			e.logger.Error("failed to record failed trade",
				zap.String("pair", pair.String()), zap.Error(recordErr))
		}
		return nil, &domain.ExchangeError{Op: "place base order", Pair: pair, Err: err}
	}

	trade, err := e.store.CreateTrade(ctx, pair, e.params.BaseOrderSize)
	if err != nil {
		// intent stays pending so Reconcile can repair this at restart
		return nil, errors.Wrap(err, "persist trade after base order placement")
	}

	now := time.Now().UTC()
	order.TradeID = trade.ID
	order.Status = domain.OrderStatusPlaced
	order.PlacedAt = &now
	order.ExchangeOrderID = ack.ExchangeOrderID
	if err := e.store.AppendOrder(ctx, order); err != nil {
		return trade, errors.Wrap(err, "persist base order after placement")
	}

	if err := e.journal.MarkDone(intent); err != nil {
		e.logger.Error("failed to finalize base order intent", zap.Error(err))
	}

	e.logger.Info("trade opened",
		zap.String("pair", pair.String()),
		zap.String("trade_id", trade.ID),
		zap.String("base_price", price.String()),
		zap.String("base_size", order.Size.String()))

	return trade, nil
}

// HandleFill applies one exchange fill notification. Re-delivery for an
// already-filled order is a no-op.
func (e *Engine) HandleFill(ctx context.Context, fill domain.FillEvent) error {
	stale, err := e.store.OrderByID(ctx, fill.OrderID)
	if err != nil {
		return err
	}
	trade, err := e.store.TradeByID(ctx, stale.TradeID)
	if err != nil {
		return err
	}

	lock := e.pairLock(trade.Pair)
	lock.Lock()
	defer lock.Unlock()

	// reload under the lock: another event may have advanced the trade
	order, err := e.store.OrderByID(ctx, fill.OrderID)
	if err != nil {
		return err
	}
	if order.Status == domain.OrderStatusFilled {
		return nil
	}
	trade, err = e.store.TradeByID(ctx, order.TradeID)
	if err != nil {
		return err
	}
	if !trade.IsOpen() {
		return nil
	}

	switch order.Kind {
	case domain.OrderKindBase:
		return e.onBaseFill(ctx, trade, order, fill)
	case domain.OrderKindSafety:
		return e.onSafetyFill(ctx, trade, order, fill)
	case domain.OrderKindTakeProfit:
		return e.onTakeProfitFill(ctx, trade, order, fill)
	default:
		return errors.Errorf("unknown order kind %s", order.Kind)
	}
}

// onBaseFill fixes the entry price, places the whole safety ladder as resting
// limit orders and the initial take-profit order.
func (e *Engine) onBaseFill(ctx context.Context, trade *domain.Trade, order *domain.Order, fill domain.FillEvent) error {
	avg := fill.Price
	if err := e.store.ApplyFill(ctx, trade.ID, order.ID, fill.Price, fill.FilledAt, avg, trade.SafetyOrdersFilled); err != nil {
		return errors.Wrap(err, "apply base fill")
	}

	e.logger.Info("base order filled",
		zap.String("pair", trade.Pair.String()),
		zap.String("trade_id", trade.ID),
		zap.String("price", fill.Price.String()))

	ladder := domain.ComputeSafetyLadder(e.params, fill.Price)
	if err := e.placeSafetyLadder(ctx, trade, ladder); err != nil {
		return err
	}

	e.placeTakeProfit(ctx, trade, avg, order.Size, 0)
	return nil
}

// onSafetyFill averages the filled level into the entry price and replaces
// the take-profit order at the new target. The cancel and the replacement
// happen as one transition under the pair lock.
func (e *Engine) onSafetyFill(ctx context.Context, trade *domain.Trade, order *domain.Order, fill domain.FillEvent) error {
	orders, err := e.store.OrdersByTrade(ctx, trade.ID)
	if err != nil {
		return errors.Wrap(err, "load trade orders")
	}
	for i := range orders {
		if orders[i].ID == order.ID {
			orders[i].Status = domain.OrderStatusFilled
			orders[i].TargetPrice = fill.Price
		}
	}

	avg := domain.ComputeAverageEntryPrice(orders)
	safetyFilled := trade.SafetyOrdersFilled + 1
	if err := e.store.ApplyFill(ctx, trade.ID, order.ID, fill.Price, fill.FilledAt, avg, safetyFilled); err != nil {
		return errors.Wrap(err, "apply safety fill")
	}

	e.logger.Info("safety order filled",
		zap.String("pair", trade.Pair.String()),
		zap.String("trade_id", trade.ID),
		zap.Int("sequence_index", order.SequenceIndex),
		zap.String("price", fill.Price.String()),
		zap.String("avg_entry_price", avg.String()),
		zap.Int("safety_orders_filled", safetyFilled))

	if safetyFilled >= e.params.MaxSafetyOrders {
		// ladder exhausted: keep waiting for the take-profit fill
		e.logger.Info("safety ladder exhausted",
			zap.String("pair", trade.Pair.String()),
			zap.String("trade_id", trade.ID))
	}

	var resting *domain.Order
	nextSeq := 0
	for i := range orders {
		if orders[i].Kind != domain.OrderKindTakeProfit {
			continue
		}
		if orders[i].SequenceIndex >= nextSeq {
			nextSeq = orders[i].SequenceIndex + 1
		}
		if orders[i].IsResting() {
			resting = &orders[i]
		}
	}

	if resting != nil {
		if err := e.cancelOrder(ctx, trade.Pair, resting.ID); err != nil {
			// keep the old take-profit resting instead of risking two sells
			e.logger.Error("take-profit cancel failed, keeping previous target",
				zap.String("trade_id", trade.ID),
				zap.String("order_id", resting.ID),
				zap.Error(err))
			return nil
		}
		if err := e.store.UpdateOrderStatus(ctx, resting.ID, domain.OrderStatusCancelled, nil); err != nil {
			return errors.Wrap(err, "mark replaced take-profit cancelled")
		}
	}

	e.placeTakeProfit(ctx, trade, avg, filledEntrySize(orders), nextSeq)
	return nil
}

// onTakeProfitFill cancels the remaining resting orders and closes the trade.
func (e *Engine) onTakeProfitFill(ctx context.Context, trade *domain.Trade, order *domain.Order, fill domain.FillEvent) error {
	if err := e.store.ApplyFill(ctx, trade.ID, order.ID, fill.Price, fill.FilledAt,
		trade.AverageEntryPrice, trade.SafetyOrdersFilled); err != nil {
		return errors.Wrap(err, "apply take-profit fill")
	}

	orders, err := e.store.OrdersByTrade(ctx, trade.ID)
	if err != nil {
		return errors.Wrap(err, "load trade orders")
	}
	for i := range orders {
		o := &orders[i]
		if o.ID == order.ID || !o.IsResting() {
			continue
		}
		if err := e.cancelOrder(ctx, trade.Pair, o.ID); err != nil {
			// the trade still closes; the stale order needs manual attention
			e.logger.Error("cancel failed during close, order flagged for manual reconciliation",
				zap.String("trade_id", trade.ID),
				zap.String("order_id", o.ID),
				zap.Error(err))
		}
		if err := e.store.UpdateOrderStatus(ctx, o.ID, domain.OrderStatusCancelled, nil); err != nil {
			return errors.Wrap(err, "mark order cancelled on close")
		}
	}

	if err := e.store.CloseTrade(ctx, trade.ID, fill.FilledAt); err != nil {
		return errors.Wrap(err, "close trade")
	}

	e.logger.Info("trade closed at take-profit",
		zap.String("pair", trade.Pair.String()),
		zap.String("trade_id", trade.ID),
		zap.String("exit_price", fill.Price.String()),
		zap.String("avg_entry_price", trade.AverageEntryPrice.String()))

	return nil
}

// placeSafetyLadder persists the ladder levels as PENDING orders, places them
// concurrently and records the per-order outcome. A rejected level reduces
// the effective ladder depth but never aborts the trade.
func (e *Engine) placeSafetyLadder(ctx context.Context, trade *domain.Trade, ladder []domain.LadderLevel) error {
	type placement struct {
		order  *domain.Order
		intent *orderIntent
		ack    exchange.OrderAck
		err    error
	}

	placements := make([]placement, 0, len(ladder))
	for _, level := range ladder {
		order := &domain.Order{
			ID:            uuid.New().String(),
			TradeID:       trade.ID,
			Kind:          domain.OrderKindSafety,
			SequenceIndex: level.Index,
			TargetPrice:   level.Price,
			Size:          level.Size,
			Status:        domain.OrderStatusPending,
		}
		if err := e.store.AppendOrder(ctx, order); err != nil {
			return errors.Wrap(err, "persist safety order")
		}
		intent, err := e.journal.Prepare(order, trade.Pair)
		if err != nil {
			return errors.Wrap(err, "journal safety order intent")
		}
		placements = append(placements, placement{order: order, intent: intent})
	}

	// the levels are independent, place them in parallel
	var wg sync.WaitGroup
	for i := range placements {
		wg.Add(1)
		go func(p *placement) {
			defer wg.Done()
			p.ack, p.err = e.placeOrder(ctx, exchange.OrderRequest{
				ClientOrderID: p.order.ID,
				Pair:          trade.Pair,
				Side:          exchange.SideBuy,
				Type:          exchange.TypeLimit,
				Price:         p.order.TargetPrice,
				Size:          p.order.Size,
			})
		}(&placements[i])
	}
	wg.Wait()

	now := time.Now().UTC()
	for i := range placements {
		p := &placements[i]
		if p.err != nil {
			e.markIntentFailed(p.intent, p.err)
			if err := e.store.UpdateOrderStatus(ctx, p.order.ID, domain.OrderStatusRejected, nil); err != nil {
				return errors.Wrap(err, "mark safety order rejected")
			}
			e.logger.Warn("safety order rejected",
				zap.String("trade_id", trade.ID),
				zap.Int("sequence_index", p.order.SequenceIndex),
				zap.String("price", p.order.TargetPrice.String()),
				zap.Error(p.err))
			continue
		}

		if err := e.store.SetExchangeOrderID(ctx, p.order.ID, p.ack.ExchangeOrderID); err != nil {
			return errors.Wrap(err, "record safety order exchange id")
		}
		if err := e.store.UpdateOrderStatus(ctx, p.order.ID, domain.OrderStatusPlaced, &now); err != nil {
			return errors.Wrap(err, "mark safety order placed")
		}
		if err := e.journal.MarkDone(p.intent); err != nil {
			e.logger.Error("failed to finalize safety order intent", zap.Error(err))
		}
	}

	e.logger.Info("safety ladder placed",
		zap.String("pair", trade.Pair.String()),
		zap.String("trade_id", trade.ID),
		zap.Int("levels", len(ladder)))

	return nil
}

// placeTakeProfit places a sell limit order at the take-profit target for the
// currently filled position size. A placement failure leaves the trade
// without a resting take-profit; the next safety fill retries with a fresh
// target.
func (e *Engine) placeTakeProfit(ctx context.Context, trade *domain.Trade, avgEntryPrice, size decimal.Decimal, seq int) {
	target := domain.ComputeTakeProfitPrice(avgEntryPrice, e.params.TakeProfitPercent)

	order := &domain.Order{
		ID:            uuid.New().String(),
		TradeID:       trade.ID,
		Kind:          domain.OrderKindTakeProfit,
		SequenceIndex: seq,
		TargetPrice:   target,
		Size:          size,
		Status:        domain.OrderStatusPending,
	}
	if err := e.store.AppendOrder(ctx, order); err != nil {
		e.logger.Error("failed to persist take-profit order", zap.Error(err))
		return
	}
	intent, err := e.journal.Prepare(order, trade.Pair)
	if err != nil {
		e.logger.Error("failed to journal take-profit intent", zap.Error(err))
		return
	}

	ack, err := e.placeOrder(ctx, exchange.OrderRequest{
		ClientOrderID: order.ID,
		Pair:          trade.Pair,
		Side:          exchange.SideSell,
		Type:          exchange.TypeLimit,
		Price:         target,
		Size:          size,
	})
	if err != nil {
		e.markIntentFailed(intent, err)
		if updateErr := e.store.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusRejected, nil); updateErr != nil {
			e.logger.Error("failed to mark take-profit rejected", zap.Error(updateErr))
		}
		e.logger.Error("take-profit placement failed",
			zap.String("trade_id", trade.ID),
			zap.String("target", target.String()),
			zap.Error(err))
		return
	}

	now := time.Now().UTC()
	if err := e.store.SetExchangeOrderID(ctx, order.ID, ack.ExchangeOrderID); err != nil {
		e.logger.Error("failed to record take-profit exchange id", zap.Error(err))
		return
	}
	if err := e.store.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusPlaced, &now); err != nil {
		e.logger.Error("failed to mark take-profit placed", zap.Error(err))
		return
	}
	if err := e.journal.MarkDone(intent); err != nil {
		e.logger.Error("failed to finalize take-profit intent", zap.Error(err))
	}

	e.logger.Info("take-profit order placed",
		zap.String("pair", trade.Pair.String()),
		zap.String("trade_id", trade.ID),
		zap.String("target", target.String()),
		zap.String("size", size.String()))
}

func (e *Engine) pairLock(pair domain.Pair) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, ok := e.locks[pair]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[pair] = lock
	}
	return lock
}

func (e *Engine) getPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.client.GetPrice(ctx, pair)
}

func (e *Engine) placeOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.client.PlaceOrder(ctx, req)
}

func (e *Engine) cancelOrder(ctx context.Context, pair domain.Pair, clientOrderID string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.client.CancelOrder(ctx, pair, clientOrderID)
}

func (e *Engine) markIntentFailed(intent *orderIntent, cause error) {
	if err := e.journal.MarkFailed(intent, cause); err != nil {
		e.logger.Error("failed to persist intent failure", zap.Error(err))
	}
}

// filledEntrySize sums the sizes of all filled base and safety orders.
func filledEntrySize(orders []domain.Order) decimal.Decimal {
	total := decimal.Zero
	for _, o := range orders {
		if o.Status != domain.OrderStatusFilled {
			continue
		}
		if o.Kind != domain.OrderKindBase && o.Kind != domain.OrderKindSafety {
			continue
		}
		total = total.Add(o.Size)
	}
	return total
}
