package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/predyx/exchange-core/internal/model"
)

// PostgresLedger implements Store using PostgreSQL as the source of
// truth. All monetary values are stored as NUMERIC for exact decimal
// precision. Inside a transaction, row reads take FOR UPDATE locks so
// concurrent placements serialize on the wallets, resting orders, and
// pool rows they touch.
type PostgresLedger struct {
	pool *pgxpool.Pool
	pg
}

// NewPostgresLedger creates a new PostgreSQL-backed store.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool, pg: pg{db: pool}}
}

// InTx runs fn inside one database transaction with row locking enabled;
// any error from fn rolls the transaction back.
func (s *PostgresLedger) InTx(ctx context.Context, fn func(tx Ledger) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pg{db: tx, locking: true}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pg implements Ledger over either the pool (autocommit reads) or an
// open transaction (locking reads).
type pg struct {
	db      querier
	locking bool
}

func (p *pg) forUpdate() string {
	if p.locking {
		return " FOR UPDATE"
	}
	return ""
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// decParser converts NUMERIC::TEXT columns, retaining the first
// conversion failure instead of silently zeroing the value.
type decParser struct{ err error }

func (dp *decParser) parse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil && dp.err == nil {
		dp.err = fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d
}

// --- Events ---

func (p *pg) GetEvent(ctx context.Context, eventID string) (*model.Event, error) {
	var e model.Event
	var yes, no string
	err := p.db.QueryRow(ctx,
		`SELECT id, status, end_time, last_yes_price::TEXT, last_no_price::TEXT
		 FROM events WHERE id = $1`, eventID).
		Scan(&e.ID, &e.Status, &e.EndTime, &yes, &no)
	if err != nil {
		return nil, notFound(err)
	}
	var dp decParser
	e.LastYesPrice = dp.parse(yes)
	e.LastNoPrice = dp.parse(no)
	if dp.err != nil {
		return nil, dp.err
	}
	return &e, nil
}

func (p *pg) UpdateEventPrices(ctx context.Context, eventID string, yes, no decimal.Decimal) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE events SET last_yes_price = $2::NUMERIC, last_no_price = $3::NUMERIC WHERE id = $1`,
		eventID, yes.String(), no.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Wallets ---

func (p *pg) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	var bal, locked, dep, wd, pnl string
	err := p.db.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, locked_balance::TEXT,
		        total_deposited::TEXT, total_withdrawn::TEXT, total_pnl::TEXT
		 FROM wallets WHERE user_id = $1`+p.forUpdate(), userID).
		Scan(&w.UserID, &bal, &locked, &dep, &wd, &pnl)
	if err != nil {
		return nil, notFound(err)
	}
	var dp decParser
	w.Balance = dp.parse(bal)
	w.LockedBalance = dp.parse(locked)
	w.TotalDeposited = dp.parse(dep)
	w.TotalWithdrawn = dp.parse(wd)
	w.TotalPnl = dp.parse(pnl)
	if dp.err != nil {
		return nil, dp.err
	}
	return &w, nil
}

func (p *pg) UpdateWallet(ctx context.Context, w *model.Wallet) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE wallets
		 SET balance = $2::NUMERIC, locked_balance = $3::NUMERIC,
		     total_deposited = $4::NUMERIC, total_withdrawn = $5::NUMERIC, total_pnl = $6::NUMERIC
		 WHERE user_id = $1`,
		w.UserID, w.Balance.String(), w.LockedBalance.String(),
		w.TotalDeposited.String(), w.TotalWithdrawn.String(), w.TotalPnl.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Orders ---

const orderCols = `id, user_id, event_id, side, action, type,
	original_quantity::TEXT, remaining_quantity::TEXT, filled_quantity::TEXT,
	limit_price::TEXT, average_fill_price::TEXT, status, time_in_force,
	total_amount::TEXT, reserved_remaining::TEXT, fees::TEXT,
	created_at, expires_at, filled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(s rowScanner) (*model.Order, error) {
	var o model.Order
	var origQty, remQty, filledQty, limitPrice, avgPrice, total, reserved, fees string
	err := s.Scan(&o.ID, &o.UserID, &o.EventID, &o.Side, &o.Action, &o.Type,
		&origQty, &remQty, &filledQty,
		&limitPrice, &avgPrice, &o.Status, &o.TimeInForce,
		&total, &reserved, &fees,
		&o.CreatedAt, &o.ExpiresAt, &o.FilledAt)
	if err != nil {
		return nil, err
	}
	var dp decParser
	o.OriginalQuantity = dp.parse(origQty)
	o.RemainingQuantity = dp.parse(remQty)
	o.FilledQuantity = dp.parse(filledQty)
	o.LimitPrice = dp.parse(limitPrice)
	o.AverageFillPrice = dp.parse(avgPrice)
	o.TotalAmount = dp.parse(total)
	o.ReservedRemaining = dp.parse(reserved)
	o.Fees = dp.parse(fees)
	if dp.err != nil {
		return nil, dp.err
	}
	return &o, nil
}

func (p *pg) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO orders (id, user_id, event_id, side, action, type,
		   original_quantity, remaining_quantity, filled_quantity,
		   limit_price, average_fill_price, status, time_in_force,
		   total_amount, reserved_remaining, fees, created_at, expires_at, filled_at)
		 VALUES ($1, $2, $3, $4, $5, $6,
		   $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		   $10::NUMERIC, $11::NUMERIC, $12, $13,
		   $14::NUMERIC, $15::NUMERIC, $16::NUMERIC, $17, $18, $19)`,
		o.ID, o.UserID, o.EventID, o.Side, o.Action, o.Type,
		o.OriginalQuantity.String(), o.RemainingQuantity.String(), o.FilledQuantity.String(),
		o.LimitPrice.String(), o.AverageFillPrice.String(), o.Status, o.TimeInForce,
		o.TotalAmount.String(), o.ReservedRemaining.String(), o.Fees.String(),
		o.CreatedAt, o.ExpiresAt, o.FilledAt)
	return err
}

func (p *pg) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := scanOrder(p.db.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE id = $1`+p.forUpdate(), orderID))
	if err != nil {
		return nil, notFound(err)
	}
	return o, nil
}

func (p *pg) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE orders
		 SET remaining_quantity = $2::NUMERIC, filled_quantity = $3::NUMERIC,
		     average_fill_price = $4::NUMERIC, status = $5,
		     reserved_remaining = $6::NUMERIC, fees = $7::NUMERIC, filled_at = $8
		 WHERE id = $1`,
		o.ID, o.RemainingQuantity.String(), o.FilledQuantity.String(),
		o.AverageFillPrice.String(), o.Status,
		o.ReservedRemaining.String(), o.Fees.String(), o.FilledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *pg) SelectCandidates(ctx context.Context, q CandidateQuery) ([]*model.Order, error) {
	dir := "DESC"
	bound := ">="
	if q.BestAscending {
		dir = "ASC"
		bound = "<="
	}

	sql := `SELECT ` + orderCols + `
		 FROM orders
		 WHERE event_id = $1 AND side = $2 AND action = $3
		   AND status IN ('pending', 'partial')
		   AND remaining_quantity > 0
		   AND expires_at > $4`
	args := []any{q.EventID, q.Side, q.Action, q.Now}
	if q.PriceLimit != nil {
		sql += fmt.Sprintf(" AND limit_price %s $5::NUMERIC", bound)
		args = append(args, q.PriceLimit.String())
	}
	sql += fmt.Sprintf(" ORDER BY limit_price %s, created_at ASC, id ASC", dir)
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	sql += p.forUpdate()

	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *pg) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+orderCols+` FROM orders WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (p *pg) ListOpenOrders(ctx context.Context, eventID string) ([]model.Order, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE event_id = $1 AND status IN ('pending', 'partial')
		 ORDER BY created_at`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]model.Order, error) {
	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// --- Trades ---

func (p *pg) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO trades (id, event_id, maker_order_id, taker_order_id,
		   maker_user_id, taker_user_id, side, quantity, price, amount,
		   maker_fee, taker_fee, total_fees, type, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7,
		   $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		   $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14, $15)`,
		t.ID, t.EventID, t.MakerOrderID, t.TakerOrderID,
		t.MakerUserID, t.TakerUserID, t.Side,
		t.Quantity.String(), t.Price.String(), t.Amount.String(),
		t.MakerFee.String(), t.TakerFee.String(), t.TotalFees.String(),
		t.Type, t.ExecutedAt)
	return err
}

func (p *pg) ListTradesByEvent(ctx context.Context, eventID string) ([]model.Trade, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, event_id, maker_order_id, taker_order_id,
		        maker_user_id, taker_user_id, side,
		        quantity::TEXT, price::TEXT, amount::TEXT,
		        maker_fee::TEXT, taker_fee::TEXT, total_fees::TEXT, type, executed_at
		 FROM trades WHERE event_id = $1 ORDER BY executed_at`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		var qty, price, amount, makerFee, takerFee, totalFees string
		if err := rows.Scan(&t.ID, &t.EventID, &t.MakerOrderID, &t.TakerOrderID,
			&t.MakerUserID, &t.TakerUserID, &t.Side,
			&qty, &price, &amount, &makerFee, &takerFee, &totalFees,
			&t.Type, &t.ExecutedAt); err != nil {
			return nil, err
		}
		var dp decParser
		t.Quantity = dp.parse(qty)
		t.Price = dp.parse(price)
		t.Amount = dp.parse(amount)
		t.MakerFee = dp.parse(makerFee)
		t.TakerFee = dp.parse(takerFee)
		t.TotalFees = dp.parse(totalFees)
		if dp.err != nil {
			return nil, dp.err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Positions ---

func (p *pg) GetPosition(ctx context.Context, userID, eventID string, side model.Side) (*model.Position, error) {
	var pos model.Position
	var shares, invested, avg, realized string
	err := p.db.QueryRow(ctx,
		`SELECT user_id, event_id, side, shares::TEXT, total_invested::TEXT,
		        average_price::TEXT, realized_pnl::TEXT, updated_at
		 FROM positions WHERE user_id = $1 AND event_id = $2 AND side = $3`+p.forUpdate(),
		userID, eventID, side).
		Scan(&pos.UserID, &pos.EventID, &pos.Side, &shares, &invested, &avg, &realized, &pos.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	var dp decParser
	pos.Shares = dp.parse(shares)
	pos.TotalInvested = dp.parse(invested)
	pos.AveragePrice = dp.parse(avg)
	pos.RealizedPnl = dp.parse(realized)
	if dp.err != nil {
		return nil, dp.err
	}
	return &pos, nil
}

func (p *pg) UpsertPosition(ctx context.Context, pos *model.Position) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO positions (user_id, event_id, side, shares, total_invested,
		   average_price, realized_pnl, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)
		 ON CONFLICT (user_id, event_id, side) DO UPDATE
		 SET shares = EXCLUDED.shares, total_invested = EXCLUDED.total_invested,
		     average_price = EXCLUDED.average_price, realized_pnl = EXCLUDED.realized_pnl,
		     updated_at = EXCLUDED.updated_at`,
		pos.UserID, pos.EventID, pos.Side,
		pos.Shares.String(), pos.TotalInvested.String(),
		pos.AveragePrice.String(), pos.RealizedPnl.String(), pos.UpdatedAt)
	return err
}

// ListPositionsByUser marks open positions to the event's current
// reference price: unrealized = shares*price - invested.
func (p *pg) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := p.db.Query(ctx,
		`SELECT p.user_id, p.event_id, p.side,
		        p.shares::TEXT, p.total_invested::TEXT, p.average_price::TEXT,
		        p.realized_pnl::TEXT, p.updated_at,
		        (CASE WHEN p.side = 'yes' THEN e.last_yes_price ELSE e.last_no_price END)::TEXT AS mark
		 FROM positions p
		 JOIN events e ON e.id = p.event_id
		 WHERE p.user_id = $1
		 ORDER BY p.event_id, p.side`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var pos model.Position
		var shares, invested, avg, realized, mark string
		if err := rows.Scan(&pos.UserID, &pos.EventID, &pos.Side,
			&shares, &invested, &avg, &realized, &pos.UpdatedAt, &mark); err != nil {
			return nil, err
		}
		var dp decParser
		pos.Shares = dp.parse(shares)
		pos.TotalInvested = dp.parse(invested)
		pos.AveragePrice = dp.parse(avg)
		pos.RealizedPnl = dp.parse(realized)
		markPrice := dp.parse(mark)
		if dp.err != nil {
			return nil, dp.err
		}
		pos.UnrealizedPnl = model.RoundMoney(pos.Shares.Mul(markPrice).Sub(pos.TotalInvested))
		out = append(out, pos)
	}
	return out, rows.Err()
}

// --- Audit ledger ---

func (p *pg) AppendTransaction(ctx context.Context, t *model.Transaction) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO transactions (id, user_id, order_id, trade_id, kind, amount,
		   balance_before, balance_after, locked_before, locked_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC,
		   $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)`,
		t.ID, t.UserID, t.OrderID, t.TradeID, t.Kind, t.Amount.String(),
		t.BalanceBefore.String(), t.BalanceAfter.String(),
		t.LockedBefore.String(), t.LockedAfter.String(), t.CreatedAt)
	return err
}

// --- AMM pool ---

func (p *pg) GetPool(ctx context.Context, eventID string) (*model.Pool, error) {
	var pool model.Pool
	var qYes, qNo, b string
	err := p.db.QueryRow(ctx,
		`SELECT event_id, q_yes::TEXT, q_no::TEXT, b::TEXT, updated_at
		 FROM pools WHERE event_id = $1`+p.forUpdate(), eventID).
		Scan(&pool.EventID, &qYes, &qNo, &b, &pool.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	var dp decParser
	pool.QYes = dp.parse(qYes)
	pool.QNo = dp.parse(qNo)
	pool.B = dp.parse(b)
	if dp.err != nil {
		return nil, dp.err
	}
	return &pool, nil
}

func (p *pg) UpsertPool(ctx context.Context, pool *model.Pool) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO pools (event_id, q_yes, q_no, b, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5)
		 ON CONFLICT (event_id) DO UPDATE
		 SET q_yes = EXCLUDED.q_yes, q_no = EXCLUDED.q_no,
		     b = EXCLUDED.b, updated_at = EXCLUDED.updated_at`,
		pool.EventID, pool.QYes.String(), pool.QNo.String(), pool.B.String(), pool.UpdatedAt)
	return err
}
