// Package router owns the global order registry: ID assignment, per-trader
// limits, time-in-force validation and the cancellation / expiry surface.
// Matching itself is delegated to the market's book.
package router

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"metricdex/pkg/core"
	"metricdex/pkg/core/book"
	"metricdex/pkg/events"
	"metricdex/pkg/util"
)

const (
	// MaxOpenOrdersPerTrader bounds resting exposure per account.
	MaxOpenOrdersPerTrader = 1000
	// MaxExpireBatch bounds one expiry sweep call.
	MaxExpireBatch = 100
)

// Router routes orders to their market's book and tracks every order ever
// placed for the query surface.
type Router struct {
	mu       sync.Mutex
	books    map[string]*book.OrderBook
	orders   map[uint64]*core.Order
	byTrader map[common.Address][]uint64
	nextID   uint64

	bus   *events.Bus
	clock util.Clock
	log   *zap.Logger
}

func New(bus *events.Bus, clock util.Clock, log *zap.Logger) *Router {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		books:    make(map[string]*book.OrderBook),
		orders:   make(map[uint64]*core.Order),
		byTrader: make(map[common.Address][]uint64),
		bus:      bus,
		clock:    clock,
		log:      log,
	}
}

// RegisterMarket attaches a market's book. Called by the factory at market
// creation.
func (r *Router) RegisterMarket(b *book.OrderBook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := b.Config().MarketID
	if _, ok := r.books[id]; ok {
		return core.ErrMarketExists
	}
	r.books[id] = b
	return nil
}

// DeregisterMarket detaches a book again. Used by the factory to unwind a
// creation whose initial order failed.
func (r *Router) DeregisterMarket(marketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.books, marketID)
}

// Book returns the market's order book.
func (r *Router) Book(marketID string) (*book.OrderBook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.books[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrMarketNotFound, marketID)
	}
	return b, nil
}

// PlaceOrder validates, registers and executes the order. The order is in
// the registry afterwards even when rejected, so callers can query its
// terminal status.
func (r *Router) PlaceOrder(o *core.Order) error {
	now := r.clock.Now().UnixMilli()
	if err := r.validateTIF(o, now); err != nil {
		return err
	}

	r.mu.Lock()
	b, ok := r.books[o.MarketID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrMarketNotFound, o.MarketID)
	}
	if r.openCountLocked(o.Trader) >= MaxOpenOrdersPerTrader {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d open orders", core.ErrOrderCapExceeded, MaxOpenOrdersPerTrader)
	}
	r.nextID++
	o.ID = r.nextID
	o.Status = core.StatusPending
	o.CreatedAt = now
	o.UpdatedAt = now
	r.orders[o.ID] = o
	r.byTrader[o.Trader] = append(r.byTrader[o.Trader], o.ID)
	r.mu.Unlock()

	// The book takes its own lock; placing outside the router lock keeps
	// slow matching in one market from stalling order flow to another.
	if err := b.Place(o); err != nil {
		r.log.Debug("order_rejected", zap.Uint64("order", o.ID), zap.Error(err))
		return err
	}
	return nil
}

// validateTIF enforces the time-in-force and expiry pairing rules.
func (r *Router) validateTIF(o *core.Order, now int64) error {
	switch o.TIF {
	case core.GTD:
		if o.ExpiryTime == 0 {
			return fmt.Errorf("%w: GTD requires an expiry time", core.ErrBadTimeInForce)
		}
		if o.ExpiryTime <= now {
			return fmt.Errorf("%w: expiry %d already passed", core.ErrExpiredOrder, o.ExpiryTime)
		}
	case core.GTC, core.IOC, core.FOK:
		if o.ExpiryTime != 0 {
			return fmt.Errorf("%w: expiry time only valid with GTD", core.ErrBadTimeInForce)
		}
	default:
		return core.ErrBadTimeInForce
	}
	// The order-type shorthands pin their time in force.
	switch o.Type {
	case core.TypeIOC:
		o.TIF = core.IOC
	case core.TypeFOK:
		o.TIF = core.FOK
	case core.TypeMarket:
		if o.TIF == core.GTD {
			return fmt.Errorf("%w: market orders cannot be GTD", core.ErrBadTimeInForce)
		}
	}
	return nil
}

// openCountLocked counts the trader's active orders, pruning closed IDs
// from the index as it goes.
func (r *Router) openCountLocked(trader common.Address) int {
	ids := r.byTrader[trader]
	open := ids[:0]
	for _, id := range ids {
		if o, ok := r.orders[id]; ok && o.IsActive() {
			open = append(open, id)
		}
	}
	r.byTrader[trader] = open
	return len(open)
}

// CancelOrder removes the caller's active order from its book and releases
// its remaining margin. Only the owner may cancel.
func (r *Router) CancelOrder(caller common.Address, orderID uint64) (released int64, err error) {
	r.mu.Lock()
	o, ok := r.orders[orderID]
	if !ok {
		r.mu.Unlock()
		return 0, core.ErrOrderNotFound
	}
	if o.Trader != caller {
		r.mu.Unlock()
		return 0, core.ErrNotOwner
	}
	b, ok := r.books[o.MarketID]
	r.mu.Unlock()
	if !ok {
		// The market was deregistered (an unwound creation); the order
		// stays queryable but there is no book to act on.
		return 0, fmt.Errorf("%w: %s", core.ErrMarketNotFound, o.MarketID)
	}

	released, err = b.Remove(o, core.StatusCancelled)
	if err != nil {
		return 0, err
	}
	r.bus.Publish(events.TypeOrderCancelled, o.MarketID, events.OrderCancelled{
		OrderID:        orderID,
		ReleasedMargin: released,
	})
	return released, nil
}

// IsOrderExpired reports whether the order is GTD and past its expiry but
// not yet reaped.
func (r *Router) IsOrderExpired(orderID uint64) bool {
	r.mu.Lock()
	o, ok := r.orders[orderID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return o.IsActive() && o.TIF == core.GTD && o.ExpiryTime <= r.clock.Now().UnixMilli()
}

// ExpireOrder reaps a single expired GTD order. Anyone may trigger expiry;
// the released margin goes back to the order's owner.
func (r *Router) ExpireOrder(orderID uint64) (released int64, err error) {
	r.mu.Lock()
	o, ok := r.orders[orderID]
	if !ok {
		r.mu.Unlock()
		return 0, core.ErrOrderNotFound
	}
	b, ok := r.books[o.MarketID]
	r.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", core.ErrMarketNotFound, o.MarketID)
	}

	if o.TIF != core.GTD || !o.IsActive() {
		return 0, core.ErrNotExpirable
	}
	if o.ExpiryTime > r.clock.Now().UnixMilli() {
		return 0, fmt.Errorf("%w: expires at %d", core.ErrNotExpirable, o.ExpiryTime)
	}
	released, err = b.Remove(o, core.StatusExpired)
	if err != nil {
		return 0, err
	}
	r.bus.Publish(events.TypeOrderExpired, o.MarketID, events.OrderExpired{
		OrderID:        orderID,
		ReleasedMargin: released,
	})
	return released, nil
}

// BatchExpireOrders reaps up to MaxExpireBatch expired orders in one call.
// Orders that turn out not to be expirable are skipped; the count of
// actually expired orders is returned.
func (r *Router) BatchExpireOrders(orderIDs []uint64) (int, error) {
	if len(orderIDs) == 0 {
		return 0, core.ErrEmptyBatch
	}
	if len(orderIDs) > MaxExpireBatch {
		return 0, fmt.Errorf("%w: %d orders, max %d", core.ErrBatchTooLarge, len(orderIDs), MaxExpireBatch)
	}
	var expired []uint64
	for _, id := range orderIDs {
		if _, err := r.ExpireOrder(id); err == nil {
			expired = append(expired, id)
		}
	}
	if len(expired) > 0 {
		r.bus.Publish(events.TypeBatchOrdersExpired, "", events.BatchOrdersExpired{OrderIDs: expired})
	}
	return len(expired), nil
}

// SweepExpired scans for expired GTD orders and reaps them in batches.
// Meant for the node's housekeeping ticker.
func (r *Router) SweepExpired() int {
	now := r.clock.Now().UnixMilli()
	r.mu.Lock()
	var due []uint64
	for id, o := range r.orders {
		if o.IsActive() && o.TIF == core.GTD && o.ExpiryTime <= now {
			due = append(due, id)
			if len(due) == MaxExpireBatch {
				break
			}
		}
	}
	r.mu.Unlock()

	if len(due) == 0 {
		return 0
	}
	n, _ := r.BatchExpireOrders(due)
	return n
}

// GetOrder returns a copy of the order.
func (r *Router) GetOrder(orderID uint64) (core.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return core.Order{}, core.ErrOrderNotFound
	}
	return *o, nil
}

// UserOrders returns copies of the trader's orders, newest first. Passing
// activeOnly skips closed orders.
func (r *Router) UserOrders(trader common.Address, activeOnly bool) []core.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byTrader[trader]
	out := make([]core.Order, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		o, ok := r.orders[ids[i]]
		if !ok || (activeOnly && !o.IsActive()) {
			continue
		}
		out = append(out, *o)
	}
	return out
}

// OrdersEligibleForExpiration returns the trader's active GTD orders whose
// expiry has passed, newest first, capped at limit (0 = uncapped).
func (r *Router) OrdersEligibleForExpiration(trader common.Address, limit int) []core.Order {
	now := r.clock.Now().UnixMilli()
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byTrader[trader]
	var out []core.Order
	for i := len(ids) - 1; i >= 0; i-- {
		o, ok := r.orders[ids[i]]
		if !ok || !o.IsActive() || o.TIF != core.GTD || o.ExpiryTime > now {
			continue
		}
		out = append(out, *o)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// UserExpiredOrders returns the trader's reaped orders, newest first.
func (r *Router) UserExpiredOrders(trader common.Address) []core.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Order
	for _, o := range r.orders {
		if o.Trader == trader && o.Status == core.StatusExpired {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// UserActiveOrderCount reports how many orders the trader has open.
func (r *Router) UserActiveOrderCount(trader common.Address) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openCountLocked(trader)
}

// RemainingOrderSlots reports how many more orders the trader may open
// before hitting MaxOpenOrdersPerTrader.
func (r *Router) RemainingOrderSlots(trader common.Address) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return MaxOpenOrdersPerTrader - r.openCountLocked(trader)
}
