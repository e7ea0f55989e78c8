// Package tradestore persists trades and their orders in sqlite. It is the
// single shared mutable resource of the engine: every mutation goes through
// a transaction so an order status change and the resulting trade-level
// recomputation commit together or not at all.
package tradestore

import (
	"context"
	"database/sql"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"dcabot/internal/domain"
)

// Filter narrows ListTrades results. Zero values mean "any".
type Filter struct {
	Pair   domain.Pair
	Status domain.TradeStatus
	Limit  int
}

// Store is a sqlite-backed trade state store.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and ensures the schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	// sqlite allows a single writer; serialize access on the driver side.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init trade store schema")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateTrade inserts a new OPEN trade. Returns domain.ErrTradeExists when an
// OPEN trade for the pair already exists (atomic check-and-insert through the
// partial unique index).
func (s *Store) CreateTrade(ctx context.Context, pair domain.Pair, baseOrderSize decimal.Decimal) (*domain.Trade, error) {
	trade := &domain.Trade{
		ID:                newID(),
		Pair:              pair,
		BaseOrderSize:     baseOrderSize,
		Status:            domain.TradeStatusOpen,
		CreatedAt:         time.Now().UTC(),
		AverageEntryPrice: decimal.Zero,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (id, pair, base_order_size, status, created_at, average_entry_price, safety_orders_filled)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		trade.ID, trade.Pair.String(), trade.BaseOrderSize.String(), string(trade.Status),
		trade.CreatedAt, trade.AverageEntryPrice.String())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, domain.ErrTradeExists
		}
		return nil, errors.Wrap(err, "insert trade")
	}
	return trade, nil
}

// RecordFailedTrade appends a FAILED trade row so a base-order placement
// failure remains visible in history. It never conflicts with the open-trade
// invariant.
func (s *Store) RecordFailedTrade(ctx context.Context, pair domain.Pair, baseOrderSize decimal.Decimal) (*domain.Trade, error) {
	trade := &domain.Trade{
		ID:                newID(),
		Pair:              pair,
		BaseOrderSize:     baseOrderSize,
		Status:            domain.TradeStatusFailed,
		CreatedAt:         time.Now().UTC(),
		AverageEntryPrice: decimal.Zero,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (id, pair, base_order_size, status, created_at, average_entry_price, safety_orders_filled)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		trade.ID, trade.Pair.String(), trade.BaseOrderSize.String(), string(trade.Status),
		trade.CreatedAt, trade.AverageEntryPrice.String())
	if err != nil {
		return nil, errors.Wrap(err, "insert failed trade")
	}
	return trade, nil
}

// AppendOrder persists a new order row for its trade.
func (s *Store) AppendOrder(ctx context.Context, order *domain.Order) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, trade_id, kind, sequence_index, target_price, size, status, exchange_order_id, placed_at, filled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.TradeID, string(order.Kind), order.SequenceIndex,
		order.TargetPrice.String(), order.Size.String(), string(order.Status),
		order.ExchangeOrderID, nullTime(order.PlacedAt), nullTime(order.FilledAt))
	return errors.Wrap(err, "insert order")
}

// UpdateOrderStatus flips an order to the given status. For PLACED the
// timestamp lands in placed_at, for FILLED in filled_at.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, at *time.Time) error {
	var err error
	switch status {
	case domain.OrderStatusPlaced:
		_, err = s.db.ExecContext(ctx,
			`UPDATE orders SET status = ?, placed_at = ? WHERE id = ?`,
			string(status), nullTime(at), orderID)
	case domain.OrderStatusFilled:
		_, err = s.db.ExecContext(ctx,
			`UPDATE orders SET status = ?, filled_at = ? WHERE id = ?`,
			string(status), nullTime(at), orderID)
	default:
		_, err = s.db.ExecContext(ctx,
			`UPDATE orders SET status = ? WHERE id = ?`, string(status), orderID)
	}
	return errors.Wrap(err, "update order status")
}

// SetExchangeOrderID records the exchange-assigned identifier of an order.
func (s *Store) SetExchangeOrderID(ctx context.Context, orderID, exchangeOrderID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orders SET exchange_order_id = ? WHERE id = ?`, exchangeOrderID, orderID)
	return errors.Wrap(err, "set exchange order id")
}

// ApplyFill marks an order FILLED at fillPrice and updates the owning trade's
// average entry price and safety-order count in the same transaction.
// Re-delivery of a fill for an already-FILLED order is a no-op.
func (s *Store) ApplyFill(ctx context.Context, tradeID, orderID string, fillPrice decimal.Decimal,
	filledAt time.Time, avgEntryPrice decimal.Decimal, safetyOrdersFilled int) error {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin fill transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = ?, target_price = ?, filled_at = ?
		 WHERE id = ? AND trade_id = ? AND status != ?`,
		string(domain.OrderStatusFilled), fillPrice.String(), filledAt,
		orderID, tradeID, string(domain.OrderStatusFilled))
	if err != nil {
		return errors.Wrap(err, "mark order filled")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		// already filled, nothing to recompute
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE trades SET average_entry_price = ?, safety_orders_filled = ? WHERE id = ?`,
		avgEntryPrice.String(), safetyOrdersFilled, tradeID); err != nil {
		return errors.Wrap(err, "update trade aggregates")
	}

	return errors.Wrap(tx.Commit(), "commit fill transaction")
}

// CloseTrade marks a trade CLOSED with the given close time.
func (s *Store) CloseTrade(ctx context.Context, tradeID string, closedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trades SET status = ?, closed_at = ? WHERE id = ? AND status = ?`,
		string(domain.TradeStatusClosed), closedAt, tradeID, string(domain.TradeStatusOpen))
	if err != nil {
		return errors.Wrap(err, "close trade")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrTradeNotFound
	}
	return nil
}

// GetOpenTrade returns the OPEN trade for pair, or (nil, nil) when there is
// none.
func (s *Store) GetOpenTrade(ctx context.Context, pair domain.Pair) (*domain.Trade, error) {
	row := s.db.QueryRowContext(ctx,
		selectTrades+` WHERE pair = ? AND status = ?`, pair.String(), string(domain.TradeStatusOpen))
	trade, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return trade, err
}

// TradeByID fetches one trade.
func (s *Store) TradeByID(ctx context.Context, tradeID string) (*domain.Trade, error) {
	row := s.db.QueryRowContext(ctx, selectTrades+` WHERE id = ?`, tradeID)
	trade, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTradeNotFound
	}
	return trade, err
}

// ListTrades returns trades matching the filter, newest first.
func (s *Store) ListTrades(ctx context.Context, f Filter) ([]domain.Trade, error) {
	query := selectTrades + ` WHERE 1=1`
	args := make([]any, 0, 3)
	if f.Pair != "" {
		query += ` AND pair = ?`
		args = append(args, f.Pair.String())
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query trades")
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *trade)
	}
	return trades, rows.Err()
}

// OrderByID fetches one order.
func (s *Store) OrderByID(ctx context.Context, orderID string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, selectOrders+` WHERE id = ?`, orderID)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	return order, err
}

// OrdersByTrade returns all orders of a trade in placement order.
func (s *Store) OrdersByTrade(ctx context.Context, tradeID string) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		selectOrders+` WHERE trade_id = ? ORDER BY kind, sequence_index`, tradeID)
	if err != nil {
		return nil, errors.Wrap(err, "query orders")
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

const selectTrades = `SELECT id, pair, base_order_size, status, created_at, closed_at, average_entry_price, safety_orders_filled FROM trades`

const selectOrders = `SELECT id, trade_id, kind, sequence_index, target_price, size, status, exchange_order_id, placed_at, filled_at FROM orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*domain.Trade, error) {
	var (
		trade    domain.Trade
		pair     string
		baseSize string
		status   string
		closedAt sql.NullTime
		avgEntry string
	)
	if err := row.Scan(&trade.ID, &pair, &baseSize, &status, &trade.CreatedAt,
		&closedAt, &avgEntry, &trade.SafetyOrdersFilled); err != nil {
		return nil, err
	}

	trade.Pair = domain.Pair(pair)
	trade.Status = domain.TradeStatus(status)
	if closedAt.Valid {
		t := closedAt.Time
		trade.ClosedAt = &t
	}

	var err error
	if trade.BaseOrderSize, err = decimal.NewFromString(baseSize); err != nil {
		return nil, errors.Wrap(err, "parse base_order_size")
	}
	if trade.AverageEntryPrice, err = decimal.NewFromString(avgEntry); err != nil {
		return nil, errors.Wrap(err, "parse average_entry_price")
	}
	return &trade, nil
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		order       domain.Order
		kind        string
		targetPrice string
		size        string
		status      string
		placedAt    sql.NullTime
		filledAt    sql.NullTime
	)
	if err := row.Scan(&order.ID, &order.TradeID, &kind, &order.SequenceIndex,
		&targetPrice, &size, &status, &order.ExchangeOrderID, &placedAt, &filledAt); err != nil {
		return nil, err
	}

	order.Kind = domain.OrderKind(kind)
	order.Status = domain.OrderStatus(status)
	if placedAt.Valid {
		t := placedAt.Time
		order.PlacedAt = &t
	}
	if filledAt.Valid {
		t := filledAt.Time
		order.FilledAt = &t
	}

	var err error
	if order.TargetPrice, err = decimal.NewFromString(targetPrice); err != nil {
		return nil, errors.Wrap(err, "parse target_price")
	}
	if order.Size, err = decimal.NewFromString(size); err != nil {
		return nil, errors.Wrap(err, "parse size")
	}
	return &order, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
