// Package book implements the per-market matching engine: price-time
// priority limit order books, position tracking, and the settlement state
// machine that closes a market out against the oracle's resolved value.
package book

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"metricdex/pkg/core"
	"metricdex/pkg/core/vault"
	"metricdex/pkg/events"
	"metricdex/pkg/oracle"
	"metricdex/pkg/util"
)

// restingOrder wraps an order resting on the book. For icebergs, visible is
// the current tranche; for everything else it equals the remaining qty.
type restingOrder struct {
	ord     *core.Order
	visible int64
}

type restingRef struct {
	price int64
	side  core.Side
}

// MarketStats is the aggregate trading summary of one market.
type MarketStats struct {
	LastPrice   int64 `json:"lastPrice"`
	TotalTrades int64 `json:"totalTrades"`
	TotalVolume int64 `json:"totalVolume"` // notional, canonical scale
}

// OrderBook is a single market's matching engine. Its mutex is the
// transaction boundary: every exported mutating call runs to completion or
// rejects with no state change, and no two calls interleave.
type OrderBook struct {
	mu sync.Mutex

	cfg   core.MarketConfig
	state core.MarketState

	vault *vault.Vault
	orc   oracle.Oracle
	bus   *events.Bus
	clock util.Clock
	log   *zap.Logger

	// Price levels: heap for O(1) best-price peek, FIFO slice per price.
	bidHeap maxPriceHeap
	askHeap minPriceHeap
	bids    map[int64][]*restingOrder
	asks    map[int64][]*restingOrder
	resting map[uint64]restingRef // order ID -> location

	// Stop-family orders waiting for lastTradePrice to cross StopPrice.
	stops []*core.Order

	positions map[common.Address]*core.Position
	posByID   map[uint64]*core.Position
	nextPosID uint64

	settler         common.Address // privileged settlement role
	feeSink         common.Address // receives trading fees
	settlementValue int64

	lastTradePrice int64
	totalVolume    int64
	totalTrades    int64
	nextTradeID    uint64

	trades []core.Trade // most recent first is the read order; stored append-only
}

// maxRecentTrades bounds the in-memory trade history; the event log holds
// the full stream.
const maxRecentTrades = 1000

// New creates an active order book for cfg. The settler address is the only
// caller allowed to invoke SettleMarket directly; trading fees accrue to
// feeSink's vault account.
func New(cfg core.MarketConfig, v *vault.Vault, orc oracle.Oracle, settler, feeSink common.Address,
	bus *events.Bus, clock util.Clock, log *zap.Logger) *OrderBook {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &OrderBook{
		cfg:       cfg,
		state:     core.StateActive,
		vault:     v,
		orc:       orc,
		bus:       bus,
		clock:     clock,
		log:       log.With(zap.String("market", cfg.MarketID)),
		bids:      make(map[int64][]*restingOrder),
		asks:      make(map[int64][]*restingOrder),
		resting:   make(map[uint64]restingRef),
		positions: make(map[common.Address]*core.Position),
		posByID:   make(map[uint64]*core.Position),
		settler:   settler,
		feeSink:   feeSink,
	}
}

// Config returns the immutable market configuration.
func (b *OrderBook) Config() core.MarketConfig { return b.cfg }

// State returns the current lifecycle state.
func (b *OrderBook) State() core.MarketState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BestBid returns the highest resting bid price, 0 if none.
func (b *OrderBook) BestBid() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bidHeap.Peek()
}

// BestAsk returns the lowest resting ask price, 0 if none.
func (b *OrderBook) BestAsk() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.askHeap.Peek()
}

// Stats returns volume, trade count and last trade price.
func (b *OrderBook) Stats() MarketStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return MarketStats{
		LastPrice:   b.lastTradePrice,
		TotalTrades: b.totalTrades,
		TotalVolume: b.totalVolume,
	}
}

// PriceLevel is an aggregated (price, qty) pair for depth snapshots. Hidden
// iceberg quantity is not included.
type PriceLevel struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// BidLevels returns visible bid depth, best first.
func (b *OrderBook) BidLevels() []PriceLevel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return levelsOf(b.bids, func(i, j int64) bool { return i > j })
}

// AskLevels returns visible ask depth, best first.
func (b *OrderBook) AskLevels() []PriceLevel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return levelsOf(b.asks, func(i, j int64) bool { return i < j })
}

func levelsOf(side map[int64][]*restingOrder, better func(i, j int64) bool) []PriceLevel {
	var levels []PriceLevel
	for price, queue := range side {
		var qty int64
		for _, ro := range queue {
			qty += ro.visible
		}
		if qty > 0 {
			levels = append(levels, PriceLevel{Price: price, Qty: qty})
		}
	}
	sort.Slice(levels, func(i, j int) bool { return better(levels[i].Price, levels[j].Price) })
	return levels
}

// UserPositions returns copies of the trader's positions in this market.
func (b *OrderBook) UserPositions(trader common.Address) []core.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []core.Position
	if pos, ok := b.positions[trader]; ok {
		out = append(out, *pos)
	}
	return out
}

// AllPositions pages through every position ordered by ID.
func (b *OrderBook) AllPositions(offset, limit int) []core.Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]uint64, 0, len(b.posByID))
	for id := range b.posByID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if offset >= len(ids) {
		return nil
	}
	end := len(ids)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]core.Position, 0, end-offset)
	for _, id := range ids[offset:end] {
		out = append(out, *b.posByID[id])
	}
	return out
}

// Remove takes an active order off the book (or the stop list), releases its
// remaining locked margin and stamps the given terminal status. Used by the
// router for cancellation and expiration.
func (b *OrderBook) Remove(o *core.Order, status core.OrderStatus) (released int64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !o.IsActive() {
		return 0, core.ErrNotCancellable
	}
	if !b.unlink(o) {
		return 0, core.ErrOrderNotFound
	}
	released = o.LockedMargin
	if released > 0 {
		if err := b.vault.ReleaseMargin(b.cfg.MarketID, o.Trader, released); err != nil {
			panic(fmt.Sprintf("book %s: release on remove: %v", b.cfg.MarketID, err))
		}
		o.LockedMargin = 0
	}
	o.Status = status
	o.UpdatedAt = b.clock.Now().UnixMilli()
	return released, nil
}

// unlink detaches an order from the book structures without touching margin.
func (b *OrderBook) unlink(o *core.Order) bool {
	if ref, ok := b.resting[o.ID]; ok {
		side := b.bids
		if ref.side == core.Sell {
			side = b.asks
		}
		queue := side[ref.price]
		for i, ro := range queue {
			if ro.ord.ID == o.ID {
				side[ref.price] = append(queue[:i], queue[i+1:]...)
				break
			}
		}
		if len(side[ref.price]) == 0 {
			delete(side, ref.price)
			b.dropPriceLevel(ref.side, ref.price)
		}
		delete(b.resting, o.ID)
		return true
	}
	for i, s := range b.stops {
		if s.ID == o.ID {
			b.stops = append(b.stops[:i], b.stops[i+1:]...)
			return true
		}
	}
	return false
}

func (b *OrderBook) addResting(o *core.Order, visible int64) {
	ro := &restingOrder{ord: o, visible: visible}
	if o.Side == core.Buy {
		if len(b.bids[o.Price]) == 0 {
			heap.Push(&b.bidHeap, o.Price)
		}
		b.bids[o.Price] = append(b.bids[o.Price], ro)
	} else {
		if len(b.asks[o.Price]) == 0 {
			heap.Push(&b.askHeap, o.Price)
		}
		b.asks[o.Price] = append(b.asks[o.Price], ro)
	}
	b.resting[o.ID] = restingRef{price: o.Price, side: o.Side}
}

// dropPriceLevel removes a now-empty price from the relevant heap. Linear,
// but empty levels are rare relative to matches.
func (b *OrderBook) dropPriceLevel(side core.Side, price int64) {
	if side == core.Buy {
		for i := 0; i < b.bidHeap.Len(); i++ {
			if b.bidHeap[i] == price {
				heap.Remove(&b.bidHeap, i)
				return
			}
		}
	} else {
		for i := 0; i < b.askHeap.Len(); i++ {
			if b.askHeap[i] == price {
				heap.Remove(&b.askHeap, i)
				return
			}
		}
	}
}

// positionFor returns the trader's position record, creating an empty one
// on first touch.
func (b *OrderBook) positionFor(trader common.Address) *core.Position {
	if pos, ok := b.positions[trader]; ok {
		return pos
	}
	b.nextPosID++
	pos := &core.Position{
		ID:       b.nextPosID,
		Trader:   trader,
		MarketID: b.cfg.MarketID,
		OpenedAt: b.clock.Now().UnixMilli(),
	}
	b.positions[trader] = pos
	b.posByID[pos.ID] = pos
	return pos
}

func (b *OrderBook) recordTrade(t core.Trade) {
	b.trades = append(b.trades, t)
	if len(b.trades) > maxRecentTrades {
		b.trades = b.trades[len(b.trades)-maxRecentTrades:]
	}
}

// RecentTrades returns up to limit trades, newest first.
func (b *OrderBook) RecentTrades(limit int) []core.Trade {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.trades)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]core.Trade, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, b.trades[i])
	}
	return out
}

func (b *OrderBook) publish(typ events.Type, payload any) {
	b.bus.Publish(typ, b.cfg.MarketID, payload)
}
