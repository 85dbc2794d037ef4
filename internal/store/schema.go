package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL creates the core tables. Events and wallets are owned by
// external collaborators; their tables are included so the engine can
// run against a fresh database in development.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS events (
    id             TEXT PRIMARY KEY,
    status         TEXT NOT NULL,
    end_time       TIMESTAMPTZ NOT NULL,
    last_yes_price NUMERIC(12,5) NOT NULL DEFAULT 5,
    last_no_price  NUMERIC(12,5) NOT NULL DEFAULT 5
);

CREATE TABLE IF NOT EXISTS wallets (
    user_id         TEXT PRIMARY KEY,
    balance         NUMERIC(18,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
    locked_balance  NUMERIC(18,2) NOT NULL DEFAULT 0 CHECK (locked_balance >= 0),
    total_deposited NUMERIC(18,2) NOT NULL DEFAULT 0,
    total_withdrawn NUMERIC(18,2) NOT NULL DEFAULT 0,
    total_pnl       NUMERIC(18,2) NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS orders (
    id                 TEXT PRIMARY KEY,
    user_id            TEXT NOT NULL,
    event_id           TEXT NOT NULL REFERENCES events(id),
    side               TEXT NOT NULL,
    action             TEXT NOT NULL,
    type               TEXT NOT NULL,
    original_quantity  NUMERIC(18,5) NOT NULL,
    remaining_quantity NUMERIC(18,5) NOT NULL CHECK (remaining_quantity >= 0),
    filled_quantity    NUMERIC(18,5) NOT NULL DEFAULT 0,
    limit_price        NUMERIC(12,5) NOT NULL DEFAULT 0,
    average_fill_price NUMERIC(12,5) NOT NULL DEFAULT 0,
    status             TEXT NOT NULL,
    time_in_force      TEXT NOT NULL DEFAULT 'GTC',
    total_amount       NUMERIC(18,2) NOT NULL DEFAULT 0,
    reserved_remaining NUMERIC(18,2) NOT NULL DEFAULT 0,
    fees               NUMERIC(18,2) NOT NULL DEFAULT 0,
    created_at         TIMESTAMPTZ NOT NULL,
    expires_at         TIMESTAMPTZ NOT NULL,
    filled_at          TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_orders_book
    ON orders (event_id, side, action, status, limit_price, created_at);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders (user_id, created_at);

CREATE TABLE IF NOT EXISTS trades (
    id             TEXT PRIMARY KEY,
    event_id       TEXT NOT NULL REFERENCES events(id),
    maker_order_id TEXT,
    taker_order_id TEXT NOT NULL REFERENCES orders(id),
    maker_user_id  TEXT,
    taker_user_id  TEXT NOT NULL,
    side           TEXT NOT NULL,
    quantity       NUMERIC(18,5) NOT NULL,
    price          NUMERIC(12,5) NOT NULL,
    amount         NUMERIC(18,2) NOT NULL,
    maker_fee      NUMERIC(18,2) NOT NULL DEFAULT 0,
    taker_fee      NUMERIC(18,2) NOT NULL DEFAULT 0,
    total_fees     NUMERIC(18,2) NOT NULL DEFAULT 0,
    type           TEXT NOT NULL,
    executed_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_event ON trades (event_id, executed_at);
CREATE INDEX IF NOT EXISTS idx_trades_taker ON trades (taker_order_id);

CREATE TABLE IF NOT EXISTS positions (
    user_id        TEXT NOT NULL,
    event_id       TEXT NOT NULL REFERENCES events(id),
    side           TEXT NOT NULL,
    shares         NUMERIC(18,5) NOT NULL DEFAULT 0,
    total_invested NUMERIC(18,2) NOT NULL DEFAULT 0,
    average_price  NUMERIC(12,5) NOT NULL DEFAULT 0,
    realized_pnl   NUMERIC(18,2) NOT NULL DEFAULT 0,
    updated_at     TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, event_id, side)
);

CREATE TABLE IF NOT EXISTS transactions (
    id             TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL,
    order_id       TEXT NOT NULL,
    trade_id       TEXT,
    kind           TEXT NOT NULL,
    amount         NUMERIC(18,2) NOT NULL,
    balance_before NUMERIC(18,2) NOT NULL,
    balance_after  NUMERIC(18,2) NOT NULL,
    locked_before  NUMERIC(18,2) NOT NULL,
    locked_after   NUMERIC(18,2) NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions (user_id, created_at);

CREATE TABLE IF NOT EXISTS pools (
    event_id   TEXT PRIMARY KEY REFERENCES events(id),
    q_yes      NUMERIC(18,5) NOT NULL DEFAULT 0,
    q_no       NUMERIC(18,5) NOT NULL DEFAULT 0,
    b          NUMERIC(18,5) NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the schema if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}
