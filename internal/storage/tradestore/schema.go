package tradestore

// The partial unique index on trades enforces the one-open-trade-per-pair
// invariant at the storage level, so concurrent triggers cannot slip a second
// OPEN row past the engine's per-pair lock.
const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	pair TEXT NOT NULL,
	base_order_size TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	closed_at DATETIME,
	average_entry_price TEXT NOT NULL DEFAULT '0',
	safety_orders_filled INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_open_pair ON trades(pair) WHERE status = 'OPEN';
CREATE INDEX IF NOT EXISTS idx_trades_pair ON trades(pair);

CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	trade_id TEXT NOT NULL REFERENCES trades(id),
	kind TEXT NOT NULL,
	sequence_index INTEGER NOT NULL,
	target_price TEXT NOT NULL,
	size TEXT NOT NULL,
	status TEXT NOT NULL,
	exchange_order_id TEXT NOT NULL DEFAULT '',
	placed_at DATETIME,
	filled_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_orders_trade ON orders(trade_id);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
`
