package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/predyx/exchange-core/internal/model"
)

// MemoryLedger implements Store with in-memory maps. A single mutex
// serializes transactions, and InTx snapshots the whole state so a
// failing unit of work rolls back completely — the same semantics the
// engine gets from PostgreSQL. Used for testing and development.
type MemoryLedger struct {
	mu sync.Mutex
	st memState
}

type memState struct {
	events    map[string]model.Event
	wallets   map[string]model.Wallet
	orders    map[string]model.Order
	trades    []model.Trade
	positions map[string]model.Position // user|event|side
	txns      []model.Transaction
	pools     map[string]model.Pool
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{st: memState{
		events:    make(map[string]model.Event),
		wallets:   make(map[string]model.Wallet),
		orders:    make(map[string]model.Order),
		positions: make(map[string]model.Position),
		pools:     make(map[string]model.Pool),
	}}
}

func posKey(userID, eventID string, side model.Side) string {
	return userID + "|" + eventID + "|" + string(side)
}

func (s *memState) clone() memState {
	c := memState{
		events:    make(map[string]model.Event, len(s.events)),
		wallets:   make(map[string]model.Wallet, len(s.wallets)),
		orders:    make(map[string]model.Order, len(s.orders)),
		trades:    make([]model.Trade, len(s.trades)),
		positions: make(map[string]model.Position, len(s.positions)),
		txns:      make([]model.Transaction, len(s.txns)),
		pools:     make(map[string]model.Pool, len(s.pools)),
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = copyOrder(v)
	}
	copy(c.trades, s.trades)
	for k, v := range s.positions {
		c.positions[k] = v
	}
	copy(c.txns, s.txns)
	for k, v := range s.pools {
		c.pools[k] = v
	}
	return c
}

func copyOrder(o model.Order) model.Order {
	if o.FilledAt != nil {
		t := *o.FilledAt
		o.FilledAt = &t
	}
	return o
}

// InTx runs fn against the live state under the mutex and restores the
// pre-transaction snapshot when fn fails. Serialized transactions make
// concurrent placements correct by construction: two callers racing for
// the same resting order observe strictly ordered remaining quantities.
func (l *MemoryLedger) InTx(_ context.Context, fn func(tx Ledger) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := l.st.clone()
	if err := fn(&memView{st: &l.st}); err != nil {
		l.st = snap
		return err
	}
	return nil
}

// --- Seeding helpers (wallet onboarding and event CRUD live outside the core) ---

// PutEvent inserts or replaces an event.
func (l *MemoryLedger) PutEvent(e model.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.st.events[e.ID] = e
}

// PutWallet inserts or replaces a wallet.
func (l *MemoryLedger) PutWallet(w model.Wallet) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.st.wallets[w.UserID] = w
}

// PutOrder inserts or replaces an order.
func (l *MemoryLedger) PutOrder(o model.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.st.orders[o.ID] = copyOrder(o)
}

// Transactions returns a copy of the audit trail, oldest first.
func (l *MemoryLedger) Transactions() []model.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Transaction, len(l.st.txns))
	copy(out, l.st.txns)
	return out
}

// --- Autocommit Ledger passthrough ---

func (l *MemoryLedger) view() *memView { return &memView{st: &l.st} }

func (l *MemoryLedger) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view().GetEvent(ctx, id)
}

func (l *MemoryLedger) UpdateEventPrices(ctx context.Context, id string, yes, no decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view().UpdateEventPrices(ctx, id, yes, no)
}

func (l *MemoryLedger) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view().GetWallet(ctx, userID)
}

func (l *MemoryLedger) UpdateWallet(ctx context.Context, w *model.Wallet) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view().UpdateWallet(ctx, w)
}

func (l *MemoryLedger) InsertOrder(ctx context.Context, o *model.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view().InsertOrder(ctx, o)
}

func (l *MemoryLedger) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view().GetOrder(ctx, id)
}

func (l *MemoryLedger) UpdateOrder(ctx context.Context, o *model.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view().UpdateOrder(ctx, o)
}

func (l *MemoryLedger) SelectCandidates(ctx context.Context, q CandidateQuery) ([]*model.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view().SelectCandidates(ctx, q)
}

func (l *MemoryLedger) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view().ListOrdersByUser(ctx, userID)
}

func (l *MemoryLedger) ListOpenOrders(ctx context.Context, eventID string) ([]model.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view().ListOpenOrders(ctx, eventID)
}

func (l *MemoryLedger) InsertTrade(ctx context.Context, t *model.Trade) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view().InsertTrade(ctx, t)
}

func (l *MemoryLedger) ListTradesByEvent(ctx context.Context, eventID string) ([]model.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view().ListTradesByEvent(ctx, eventID)
}

func (l *MemoryLedger) GetPosition(ctx context.Context, userID, eventID string, side model.Side) (*model.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view().GetPosition(ctx, userID, eventID, side)
}

func (l *MemoryLedger) UpsertPosition(ctx context.Context, p *model.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view().UpsertPosition(ctx, p)
}

func (l *MemoryLedger) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view().ListPositionsByUser(ctx, userID)
}

func (l *MemoryLedger) AppendTransaction(ctx context.Context, t *model.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view().AppendTransaction(ctx, t)
}

func (l *MemoryLedger) GetPool(ctx context.Context, eventID string) (*model.Pool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view().GetPool(ctx, eventID)
}

func (l *MemoryLedger) UpsertPool(ctx context.Context, p *model.Pool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view().UpsertPool(ctx, p)
}

// --- memView: unlocked Ledger over the shared state ---

type memView struct {
	st *memState
}

func (v *memView) GetEvent(_ context.Context, id string) (*model.Event, error) {
	e, ok := v.st.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (v *memView) UpdateEventPrices(_ context.Context, id string, yes, no decimal.Decimal) error {
	e, ok := v.st.events[id]
	if !ok {
		return ErrNotFound
	}
	e.LastYesPrice = yes
	e.LastNoPrice = no
	v.st.events[id] = e
	return nil
}

func (v *memView) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	w, ok := v.st.wallets[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (v *memView) UpdateWallet(_ context.Context, w *model.Wallet) error {
	if _, ok := v.st.wallets[w.UserID]; !ok {
		return ErrNotFound
	}
	v.st.wallets[w.UserID] = *w
	return nil
}

func (v *memView) InsertOrder(_ context.Context, o *model.Order) error {
	v.st.orders[o.ID] = copyOrder(*o)
	return nil
}

func (v *memView) GetOrder(_ context.Context, id string) (*model.Order, error) {
	o, ok := v.st.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	o = copyOrder(o)
	return &o, nil
}

func (v *memView) UpdateOrder(_ context.Context, o *model.Order) error {
	if _, ok := v.st.orders[o.ID]; !ok {
		return ErrNotFound
	}
	v.st.orders[o.ID] = copyOrder(*o)
	return nil
}

func (v *memView) SelectCandidates(_ context.Context, q CandidateQuery) ([]*model.Order, error) {
	var matched []model.Order
	for _, o := range v.st.orders {
		if o.EventID != q.EventID || o.Side != q.Side || o.Action != q.Action {
			continue
		}
		if o.Status != model.OrderStatusPending && o.Status != model.OrderStatusPartial {
			continue
		}
		if !o.RemainingQuantity.IsPositive() {
			continue
		}
		if !q.Now.Before(o.ExpiresAt) {
			continue
		}
		if q.PriceLimit != nil {
			if q.BestAscending && o.LimitPrice.GreaterThan(*q.PriceLimit) {
				continue
			}
			if !q.BestAscending && o.LimitPrice.LessThan(*q.PriceLimit) {
				continue
			}
		}
		matched = append(matched, o)
	}

	// Price-time priority: best price first, FIFO within a price level.
	sort.Slice(matched, func(i, j int) bool {
		cmp := matched[i].LimitPrice.Cmp(matched[j].LimitPrice)
		if cmp != 0 {
			if q.BestAscending {
				return cmp < 0
			}
			return cmp > 0
		}
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	out := make([]*model.Order, len(matched))
	for i := range matched {
		o := copyOrder(matched[i])
		out[i] = &o
	}
	return out, nil
}

func (v *memView) ListOrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	var out []model.Order
	for _, o := range v.st.orders {
		if o.UserID == userID {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (v *memView) ListOpenOrders(_ context.Context, eventID string) ([]model.Order, error) {
	var out []model.Order
	for _, o := range v.st.orders {
		if o.EventID != eventID {
			continue
		}
		if o.Status != model.OrderStatusPending && o.Status != model.OrderStatusPartial {
			continue
		}
		out = append(out, copyOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (v *memView) InsertTrade(_ context.Context, t *model.Trade) error {
	v.st.trades = append(v.st.trades, *t)
	return nil
}

func (v *memView) ListTradesByEvent(_ context.Context, eventID string) ([]model.Trade, error) {
	var out []model.Trade
	for _, t := range v.st.trades {
		if t.EventID == eventID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (v *memView) GetPosition(_ context.Context, userID, eventID string, side model.Side) (*model.Position, error) {
	p, ok := v.st.positions[posKey(userID, eventID, side)]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (v *memView) UpsertPosition(_ context.Context, p *model.Position) error {
	v.st.positions[posKey(p.UserID, p.EventID, p.Side)] = *p
	return nil
}

// ListPositionsByUser marks open positions to the event's current
// reference price: unrealized = shares*price - invested.
func (v *memView) ListPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	var out []model.Position
	for _, p := range v.st.positions {
		if p.UserID != userID {
			continue
		}
		if e, ok := v.st.events[p.EventID]; ok {
			mark := e.ReferencePrice(p.Side)
			p.UnrealizedPnl = model.RoundMoney(p.Shares.Mul(mark).Sub(p.TotalInvested))
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventID != out[j].EventID {
			return out[i].EventID < out[j].EventID
		}
		return out[i].Side < out[j].Side
	})
	return out, nil
}

func (v *memView) AppendTransaction(_ context.Context, t *model.Transaction) error {
	v.st.txns = append(v.st.txns, *t)
	return nil
}

func (v *memView) GetPool(_ context.Context, eventID string) (*model.Pool, error) {
	p, ok := v.st.pools[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (v *memView) UpsertPool(_ context.Context, p *model.Pool) error {
	v.st.pools[p.EventID] = *p
	return nil
}
