package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/predyx/exchange-core/internal/model"
)

// CachedEvents wraps a primary Store with a Redis read-through cache for
// event metadata — the one row every placement reads before touching
// anything else. Writes go to the primary and invalidate the cache;
// transactional reads always hit the primary, so matching never sees a
// stale trading window.
type CachedEvents struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedEvents creates a cached wrapper around a primary store.
func NewCachedEvents(primary Store, rdb *redis.Client, ttl time.Duration) *CachedEvents {
	return &CachedEvents{Store: primary, rdb: rdb, ttl: ttl}
}

func eventKey(id string) string { return "event:" + id }

// GetEvent checks Redis first, falling back to the primary on a miss.
func (s *CachedEvents) GetEvent(ctx context.Context, eventID string) (*model.Event, error) {
	data, err := s.rdb.Get(ctx, eventKey(eventID)).Bytes()
	if err == nil {
		var e model.Event
		if json.Unmarshal(data, &e) == nil {
			return &e, nil
		}
	}

	e, err := s.Store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(e); err == nil {
		s.rdb.Set(ctx, eventKey(eventID), data, s.ttl)
	}
	return e, nil
}

// UpdateEventPrices writes through and drops the cached copy.
func (s *CachedEvents) UpdateEventPrices(ctx context.Context, eventID string, yes, no decimal.Decimal) error {
	if err := s.Store.UpdateEventPrices(ctx, eventID, yes, no); err != nil {
		return err
	}
	s.rdb.Del(ctx, eventKey(eventID))
	return nil
}

// InTx passes the primary's transactional ledger through and invalidates
// any events whose reference prices the transaction updated, after the
// commit succeeds.
func (s *CachedEvents) InTx(ctx context.Context, fn func(tx Ledger) error) error {
	touched := make(map[string]struct{})
	err := s.Store.InTx(ctx, func(tx Ledger) error {
		return fn(&touchTracker{Ledger: tx, touched: touched})
	})
	if err != nil {
		return err
	}
	for id := range touched {
		s.rdb.Del(ctx, eventKey(id))
	}
	return nil
}

// touchTracker records which events a transaction repriced.
type touchTracker struct {
	Ledger
	touched map[string]struct{}
}

func (t *touchTracker) UpdateEventPrices(ctx context.Context, eventID string, yes, no decimal.Decimal) error {
	if err := t.Ledger.UpdateEventPrices(ctx, eventID, yes, no); err != nil {
		return err
	}
	t.touched[eventID] = struct{}{}
	return nil
}
