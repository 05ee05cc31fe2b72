package book

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"metricdex/pkg/core"
	"metricdex/pkg/events"
)

// plannedFill is one fill the planner committed to: qty against the maker
// entry at index idx of the flattened walk, at the maker's price.
type plannedFill struct {
	price int64
	qty   int64
}

// matchPlan is the outcome of the read-only planning walk. Once a plan is
// returned without error, applying it cannot fail: every vault movement it
// implies was checked against the ledger under the book lock.
type matchPlan struct {
	fills    []plannedFill
	filled   int64
	lockFill int64 // margin for the opening share of the fills
	restQty  int64
	restLock int64
	takerFee int64
	rest     bool
}

// Place validates the order against the market and runs it through the
// matching transaction. On error the book, the vault and the order are
// unchanged except for Status, which is set to Rejected.
func (b *OrderBook) Place(o *core.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != core.StateActive {
		o.Status = core.StatusRejected
		return core.ErrMarketNotActive
	}
	if err := b.validateLocked(o); err != nil {
		o.Status = core.StatusRejected
		return err
	}

	var err error
	if o.Type.IsStopFamily() {
		err = b.placeStopLocked(o)
	} else {
		err = b.execute(o, o.Type == core.TypeMarket)
	}
	if err != nil {
		o.Status = core.StatusRejected
		return err
	}

	b.publish(events.TypeOrderPlaced, events.OrderPlaced{
		OrderID: o.ID,
		Trader:  o.Trader,
		Side:    o.Side.String(),
		Type:    o.Type.String(),
		Price:   o.Price,
		Qty:     o.Qty,
	})
	b.processTriggers()
	return nil
}

func (b *OrderBook) validateLocked(o *core.Order) error {
	if o.Qty <= 0 {
		return core.ErrInvalidQty
	}
	if o.Qty < b.cfg.MinOrderSize {
		return fmt.Errorf("%w: qty %d, min %d", core.ErrBelowMinSize, o.Qty, b.cfg.MinOrderSize)
	}
	if b.cfg.MaxOrderSize != 0 && o.Qty > b.cfg.MaxOrderSize {
		return fmt.Errorf("%w: qty %d, max %d", core.ErrAboveMaxSize, o.Qty, b.cfg.MaxOrderSize)
	}
	if o.Type.IsPriced() {
		if o.Price <= 0 {
			return core.ErrInvalidPrice
		}
		if !b.cfg.AlignedToTick(o.Price) {
			return fmt.Errorf("%w: price %d, tick %d", core.ErrTickAlignment, o.Price, b.cfg.TickSize)
		}
	}
	if o.Type.IsStopFamily() {
		if o.StopPrice <= 0 || !b.cfg.AlignedToTick(o.StopPrice) {
			return core.ErrBadStopPrice
		}
	}
	if o.Type == core.TypeIceberg && (o.IcebergQty <= 0 || o.IcebergQty > o.Qty) {
		return core.ErrBadIcebergQty
	}
	return nil
}

// placeStopLocked parks a stop-family order on the trigger list with margin
// locked at the estimated execution price. The estimate is the stop price
// (or the limit price for stop-limits), re-checked when the order fires.
func (b *OrderBook) placeStopLocked(o *core.Order) error {
	estPrice := o.StopPrice
	if o.Type == core.TypeStopLimit {
		estPrice = o.Price
	}
	lock := core.Notional(o.Qty, estPrice)
	if err := b.vault.LockMargin(b.cfg.MarketID, o.Trader, lock); err != nil {
		return err
	}
	o.LockedMargin = lock
	o.Status = core.StatusPending
	o.UpdatedAt = b.clock.Now().UnixMilli()
	b.stops = append(b.stops, o)
	return nil
}

// execute runs the two-phase matching transaction for a non-stop order.
// Phase one plans against a shadow of the book; phase two applies the plan,
// where every vault movement is guaranteed to succeed.
func (b *OrderBook) execute(o *core.Order, asMarket bool) error {
	plan, err := b.plan(o, asMarket)
	if err != nil {
		return err
	}
	b.applyPlan(o, plan)
	return nil
}

// plan walks the opposite side best-price-first, simulating fills, iceberg
// tranche refresh and the taker's position evolution, without mutating
// anything. It rejects if the taker's available collateral cannot cover the
// opening margin, the resting margin and the taker fee.
func (b *OrderBook) plan(o *core.Order, asMarket bool) (*matchPlan, error) {
	plan := &matchPlan{}
	remaining := o.Remaining()

	crosses := func(makerPrice int64) bool {
		if asMarket {
			return true
		}
		if o.Side == core.Buy {
			return makerPrice <= o.Price
		}
		return makerPrice >= o.Price
	}

	if o.PostOnly {
		best := b.askHeap.Peek()
		if o.Side == core.Sell {
			best = b.bidHeap.Peek()
		}
		if best != 0 && crosses(best) {
			return nil, core.ErrPostOnlyWouldCross
		}
	}

	aon := o.Type == core.TypeAllOrNone
	mustFillAll := o.Type == core.TypeFOK || o.TIF == core.FOK

	// Simulated taker position, to split each fill into a closing share
	// (needs no new margin) and an opening share (margin = its notional).
	var simSize int64
	if pos, ok := b.positions[o.Trader]; ok {
		simSize = pos.Size
	}

	var totalNotional int64
	for _, price := range b.oppositePrices(o.Side) {
		if remaining == 0 || !crosses(price) {
			break
		}
		queue := b.oppositeQueue(o.Side)[price]

		// Shadow of the level: one entry per visible tranche, extended
		// in place as hidden iceberg qty resurfaces.
		type simEntry struct {
			ro     *restingOrder
			avail  int64
			hidden int64
		}
		sim := make([]simEntry, 0, len(queue))
		for _, ro := range queue {
			sim = append(sim, simEntry{ro: ro, avail: ro.visible, hidden: ro.ord.Remaining() - ro.visible})
		}

		for i := 0; i < len(sim) && remaining > 0; i++ {
			// A resting all-or-none order only trades when the taker can
			// consume it entirely; smaller takers pass over it and it
			// keeps its place in the queue.
			if sim[i].ro.ord.Type == core.TypeAllOrNone && sim[i].avail > remaining {
				continue
			}
			// The maker's resting lock must cover its remainder. A
			// shortfall means the ledger is inconsistent; abort before
			// anything mutates.
			if core.Notional(sim[i].ro.ord.Remaining(), price) > sim[i].ro.ord.LockedMargin {
				return nil, fmt.Errorf("%w: maker order %d", core.ErrInsufficientLocked, sim[i].ro.ord.ID)
			}
			q := min64(remaining, sim[i].avail)
			if q == 0 {
				continue
			}
			plan.fills = append(plan.fills, plannedFill{price: price, qty: q})
			plan.filled += q
			remaining -= q
			totalNotional += core.Notional(q, price)

			var closing int64
			if simSize != 0 && (simSize > 0) != (o.Side == core.Buy) {
				closing = min64(q, abs64(simSize))
			}
			plan.lockFill += core.Notional(q-closing, price)
			simSize += int64(o.Side) * q

			if sim[i].avail == q && sim[i].hidden > 0 {
				tranche := min64(sim[i].ro.ord.IcebergQty, sim[i].hidden)
				sim = append(sim, simEntry{ro: sim[i].ro, avail: tranche, hidden: sim[i].hidden - tranche})
			}
			sim[i].avail -= q
		}
	}

	if mustFillAll && remaining > 0 {
		return nil, fmt.Errorf("%w: filled %d of %d", core.ErrFillOrKill, plan.filled, o.Qty)
	}
	if aon && remaining > 0 {
		// All-or-none that cannot complete now rests whole instead of
		// fragmenting; IOC-flavored AON was caught above as fill-or-kill.
		if o.TIF == core.IOC {
			return nil, fmt.Errorf("%w: filled %d of %d", core.ErrFillOrKill, plan.filled, o.Qty)
		}
		plan.fills = nil
		plan.filled = 0
		plan.lockFill = 0
		totalNotional = 0
		remaining = o.Remaining()
	}

	if remaining > 0 && b.canRest(o) {
		plan.rest = true
		plan.restQty = remaining
		plan.restLock = core.Notional(remaining, o.Price)
	}

	plan.takerFee = core.FeeOf(totalNotional, b.cfg.TakerFeeBps)

	need := plan.lockFill + plan.restLock + plan.takerFee
	avail, _ := b.vault.GetBalance(o.Trader)
	// Triggered stops arrive with their estimate still locked; it counts
	// toward what the trader can spend here.
	avail += o.LockedMargin
	if avail < need {
		return nil, fmt.Errorf("%w: have %d, need %d", core.ErrInsufficientBalance, avail, need)
	}
	return plan, nil
}

// canRest reports whether the order's remainder goes on the book.
func (b *OrderBook) canRest(o *core.Order) bool {
	if !o.Type.IsPriced() || o.Type == core.TypeMarket {
		return false
	}
	if o.Type == core.TypeFOK || o.Type == core.TypeIOC {
		return false
	}
	return o.TIF == core.GTC || o.TIF == core.GTD
}

// applyPlan mutates the book, the positions and the vault per the plan.
// Any vault error here is an invariant breach, not a user error.
func (b *OrderBook) applyPlan(o *core.Order, plan *matchPlan) {
	now := b.clock.Now().UnixMilli()

	// A triggered stop still carries its estimated lock; fold it back to
	// available so the bulk lock below starts from a clean slate.
	if o.LockedMargin > 0 {
		b.mustVault(b.vault.ReleaseMargin(b.cfg.MarketID, o.Trader, o.LockedMargin))
		o.LockedMargin = 0
	}
	b.mustVault(b.vault.LockMargin(b.cfg.MarketID, o.Trader, plan.lockFill+plan.restLock))

	lockLeft := plan.lockFill
	for _, f := range plan.fills {
		b.fillAt(o, f.price, f.qty, &lockLeft, now)
	}
	if lockLeft > 0 {
		// Rounding dust from per-fill notional floors.
		b.mustVault(b.vault.ReleaseMargin(b.cfg.MarketID, o.Trader, lockLeft))
	}

	if plan.takerFee > 0 {
		b.chargeFee(o.Trader, plan.takerFee)
	}

	switch {
	case o.Remaining() == 0:
		o.Status = core.StatusFilled
	case plan.rest:
		o.LockedMargin = plan.restLock
		visible := plan.restQty
		if o.Type == core.TypeIceberg && o.IcebergQty < visible {
			visible = o.IcebergQty
		}
		b.addResting(o, visible)
		if o.Filled > 0 {
			o.Status = core.StatusPartiallyFilled
		} else {
			o.Status = core.StatusPending
		}
	default:
		// Unfillable remainder of a market/IOC-style order.
		o.Status = core.StatusCancelled
	}
	o.UpdatedAt = now
}

// fillAt executes one planned fill against the price level, consuming
// maker tranches FIFO except for all-or-none makers too large to take
// whole. lockLeft is the taker's remaining bulk lock for opening shares.
func (b *OrderBook) fillAt(taker *core.Order, price, qty int64, lockLeft *int64, now int64) {
	side := b.oppositeQueue(taker.Side)
	for qty > 0 {
		queue := side[price]
		// All-or-none makers the plan passed over stay in place; the fill
		// goes to the first maker the remaining qty can engage.
		idx := 0
		for idx < len(queue) && queue[idx].ord.Type == core.TypeAllOrNone && queue[idx].ord.Remaining() > qty {
			idx++
		}
		if idx == len(queue) {
			panic(fmt.Sprintf("book %s: planned fill at %d exceeds level depth", b.cfg.MarketID, price))
		}
		ro := queue[idx]
		q := min64(qty, ro.visible)
		qty -= q

		b.settleFillPair(taker, ro.ord, q, price, lockLeft, now)

		ro.visible -= q
		ro.ord.Filled += q
		ro.ord.UpdatedAt = now

		if ro.visible == 0 {
			side[price] = append(queue[:idx], queue[idx+1:]...)
			if ro.ord.Remaining() > 0 && ro.ord.Type == core.TypeIceberg {
				// Refresh the tranche and requeue at the tail: the
				// hidden qty loses time priority.
				ro.visible = min64(ro.ord.IcebergQty, ro.ord.Remaining())
				side[price] = append(side[price], ro)
				ro.ord.Status = core.StatusPartiallyFilled
			} else if ro.ord.Remaining() == 0 {
				delete(b.resting, ro.ord.ID)
				if ro.ord.LockedMargin > 0 {
					// Rounding dust.
					b.mustVault(b.vault.ReleaseMargin(b.cfg.MarketID, ro.ord.Trader, ro.ord.LockedMargin))
					ro.ord.LockedMargin = 0
				}
				ro.ord.Status = core.StatusFilled
			}
		} else {
			ro.ord.Status = core.StatusPartiallyFilled
		}
		if len(side[price]) == 0 {
			delete(side, price)
			b.dropPriceLevel(taker.Side.Opposite(), price)
		}
	}
}

// settleFillPair moves collateral and positions for a single taker/maker
// fill of q at price, records the trade and publishes it.
func (b *OrderBook) settleFillPair(taker, maker *core.Order, q, price int64, lockLeft *int64, now int64) {
	budget := core.Notional(q, price)

	// Maker: the fill's notional comes out of the order's resting lock.
	// The fee is carved from it through available; the rest follows the
	// fill into (or out of) the maker's position.
	if maker.LockedMargin < budget {
		panic(fmt.Sprintf("book %s: maker %d lock %d below fill notional %d",
			b.cfg.MarketID, maker.ID, maker.LockedMargin, budget))
	}
	maker.LockedMargin -= budget
	makerFee := core.FeeOf(budget, b.cfg.MakerFeeBps)
	if makerFee > 0 {
		b.mustVault(b.vault.ReleaseMargin(b.cfg.MarketID, maker.Trader, makerFee))
		b.chargeFee(maker.Trader, makerFee)
	}
	b.applyPositionFill(maker.Trader, maker.Side, q, price, budget-makerFee, true, now)

	// Taker: opening share was locked in bulk; draw it down here.
	openQ := b.applyPositionFill(taker.Trader, taker.Side, q, price, 0, false, now)
	openLock := core.Notional(openQ, price)
	if openLock > *lockLeft {
		panic(fmt.Sprintf("book %s: taker lock underrun: need %d, left %d", b.cfg.MarketID, openLock, *lockLeft))
	}
	*lockLeft -= openLock
	taker.Filled += q

	b.nextTradeID++
	trade := core.Trade{
		ID:        b.nextTradeID,
		MarketID:  b.cfg.MarketID,
		Price:     price,
		Qty:       q,
		TakerSide: taker.Side,
		TakerID:   taker.ID,
		MakerID:   maker.ID,
		Taker:     taker.Trader,
		Maker:     maker.Trader,
		Timestamp: now,
	}
	b.lastTradePrice = price
	b.totalTrades++
	b.totalVolume += budget
	b.recordTrade(trade)

	b.publish(events.TypeTradeExecuted, events.TradeExecuted{
		TradeID:   trade.ID,
		TakerID:   trade.TakerID,
		MakerID:   trade.MakerID,
		Taker:     trade.Taker,
		Maker:     trade.Maker,
		TakerSide: trade.TakerSide.String(),
		Price:     price,
		Qty:       q,
	})
}

// applyPositionFill applies a fill of q at price in direction side to the
// trader's position. When coversClose is true (maker path) lockBudget is
// margin already locked for the whole fill: the closing share is released,
// the opening share becomes position collateral. When false (taker path)
// only the opening share was locked, sized at its notional; the closing
// share needs no new margin. Returns the opening share for the caller's
// lock accounting.
func (b *OrderBook) applyPositionFill(trader common.Address, side core.Side, q, price, lockBudget int64, coversClose bool, now int64) (opening int64) {
	pos := b.positionFor(trader)

	var closing int64
	if pos.Size != 0 && (pos.Size > 0) != (side == core.Buy) {
		closing = min64(q, abs64(pos.Size))
	}
	opening = q - closing

	if closing > 0 {
		realized, released := pos.ReduceFill(closing, price, now)
		b.mustVault(b.vault.ReleaseMargin(b.cfg.MarketID, trader, released))
		b.mustVault(b.vault.ApplySettlement(b.cfg.MarketID, trader, realized))
		if coversClose {
			closeBudget := lockBudget * closing / q
			b.mustVault(b.vault.ReleaseMargin(b.cfg.MarketID, trader, closeBudget))
			lockBudget -= closeBudget
		}
	}
	if opening > 0 {
		margin := lockBudget
		if !coversClose {
			margin = core.Notional(opening, price)
		}
		pos.MergeFill(side, opening, price, margin, now)
	} else if coversClose && lockBudget > 0 {
		// Fully-closing maker fill: the leftover budget is not needed.
		b.mustVault(b.vault.ReleaseMargin(b.cfg.MarketID, trader, lockBudget))
	}
	return opening
}

// stopTriggered reports whether the last trade price fires the stop.
func (b *OrderBook) stopTriggered(o *core.Order) bool {
	if b.lastTradePrice == 0 {
		return false
	}
	switch o.Type {
	case core.TypeStopLoss, core.TypeStopLimit:
		if o.Side == core.Buy {
			return b.lastTradePrice >= o.StopPrice
		}
		return b.lastTradePrice <= o.StopPrice
	case core.TypeTakeProfit:
		if o.Side == core.Buy {
			return b.lastTradePrice <= o.StopPrice
		}
		return b.lastTradePrice >= o.StopPrice
	}
	return false
}

// processTriggers fires stop orders whose trigger the last trade crossed.
// Each fired order executes as its own transaction: a rejection (say the
// trader's collateral is gone by trigger time) marks that order Rejected
// and leaves everything else intact. Executions can move the price and fire
// further stops, so loop until quiescent.
func (b *OrderBook) processTriggers() {
	for {
		var fired *core.Order
		for _, s := range b.stops {
			if b.stopTriggered(s) {
				fired = s
				break
			}
		}
		if fired == nil {
			return
		}
		b.unlink(fired)

		asMarket := fired.Type != core.TypeStopLimit
		if err := b.execute(fired, asMarket); err != nil {
			if fired.LockedMargin > 0 {
				b.mustVault(b.vault.ReleaseMargin(b.cfg.MarketID, fired.Trader, fired.LockedMargin))
				fired.LockedMargin = 0
			}
			fired.Status = core.StatusRejected
			fired.UpdatedAt = b.clock.Now().UnixMilli()
			b.log.Warn("stop_order_rejected", zap.Uint64("order", fired.ID), zap.Error(err))
		}
	}
}

func (b *OrderBook) oppositePrices(side core.Side) []int64 {
	if side == core.Buy {
		prices := append([]int64(nil), b.askHeap...)
		sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })
		return prices
	}
	prices := append([]int64(nil), b.bidHeap...)
	sort.Slice(prices, func(i, j int) bool { return prices[i] > prices[j] })
	return prices
}

func (b *OrderBook) oppositeQueue(side core.Side) map[int64][]*restingOrder {
	if side == core.Buy {
		return b.asks
	}
	return b.bids
}

// chargeFee moves a fee from the trader's available balance to the fee
// sink. The planner (or the margin release preceding the charge) already
// proved the debit feasible.
func (b *OrderBook) chargeFee(trader common.Address, fee int64) {
	b.mustVault(b.vault.ApplySettlement(b.cfg.MarketID, trader, -fee))
	b.mustVault(b.vault.ApplySettlement(b.cfg.MarketID, b.feeSink, fee))
}

// mustVault asserts a vault movement the planner already proved feasible.
func (b *OrderBook) mustVault(err error) {
	if err != nil {
		panic(fmt.Sprintf("book %s: vault invariant breach: %v", b.cfg.MarketID, err))
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
