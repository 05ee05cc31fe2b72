package book

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"metricdex/pkg/core"
	"metricdex/pkg/events"
)

// transition moves the lifecycle state, enforcing the state machine edges.
func (b *OrderBook) transition(to core.MarketState) error {
	if !core.ValidTransition(b.state, to) {
		return fmt.Errorf("%w: %s -> %s not allowed", core.ErrMarketNotActive, b.state, to)
	}
	b.log.Info("market_state", zap.String("from", b.state.String()), zap.String("to", to.String()))
	b.state = to
	return nil
}

// Pause halts trading. Settler only; resting orders stay on the book.
func (b *OrderBook) Pause(caller common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if caller != b.settler {
		return core.ErrNotSettler
	}
	return b.transition(core.StatePaused)
}

// Resume reopens a paused market.
func (b *OrderBook) Resume(caller common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if caller != b.settler {
		return core.ErrNotSettler
	}
	return b.transition(core.StateActive)
}

// EndTrading closes the trading phase: every resting and stop order is
// cancelled and its margin released. Open positions are untouched; they
// carry to settlement.
func (b *OrderBook) EndTrading() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.endTradingLocked()
}

func (b *OrderBook) endTradingLocked() error {
	if err := b.transition(core.StateTradingEnded); err != nil {
		return err
	}
	b.cancelAllLocked()
	return nil
}

// MaybeEndTrading ends trading once the clock passes the configured trading
// end date. Safe to call from a ticker; does nothing before the date or
// after the transition already happened.
func (b *OrderBook) MaybeEndTrading() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != core.StateActive && b.state != core.StatePaused {
		return false
	}
	if b.clock.Now().UnixMilli() < b.cfg.TradingEndDate {
		return false
	}
	return b.endTradingLocked() == nil
}

func (b *OrderBook) cancelAllLocked() {
	var open []*core.Order
	for _, queue := range b.bids {
		for _, ro := range queue {
			open = append(open, ro.ord)
		}
	}
	for _, queue := range b.asks {
		for _, ro := range queue {
			open = append(open, ro.ord)
		}
	}
	open = append(open, b.stops...)
	for _, o := range open {
		b.cancelOrderLocked(o)
	}
}

func (b *OrderBook) cancelOrderLocked(o *core.Order) {
	b.unlink(o)
	released := o.LockedMargin
	if released > 0 {
		b.mustVault(b.vault.ReleaseMargin(b.cfg.MarketID, o.Trader, released))
		o.LockedMargin = 0
	}
	o.Status = core.StatusCancelled
	o.UpdatedAt = b.clock.Now().UnixMilli()
	b.publish(events.TypeOrderCancelled, events.OrderCancelled{OrderID: o.ID, ReleasedMargin: released})
}

// RequestSettlement asks the oracle for the market's metric value. Callable
// by anyone once the trading end date has passed; an active market is
// closed out first. Re-requesting is a no-op so callers can retry freely.
func (b *OrderBook) RequestSettlement() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case core.StateSettlementRequested:
		return nil
	case core.StateSettled:
		return core.ErrAlreadySettled
	}
	if b.clock.Now().UnixMilli() < b.cfg.TradingEndDate {
		return fmt.Errorf("%w: trading ends at %d", core.ErrSettlementNotDue, b.cfg.TradingEndDate)
	}
	if b.state == core.StateActive || b.state == core.StatePaused {
		if err := b.endTradingLocked(); err != nil {
			return err
		}
	}
	if err := b.transition(core.StateSettlementRequested); err != nil {
		return err
	}
	if err := b.orc.Request(b.cfg.MarketID, b.cfg.MetricID, nil); err != nil {
		return fmt.Errorf("oracle request: %w", err)
	}
	b.publish(events.TypeSettlementRequested, events.SettlementRequested{MetricID: b.cfg.MetricID})
	return nil
}

// SettleMarket fixes the settlement value from the oracle's resolved answer.
// Settler only; the market must have a pending settlement request and the
// oracle must have resolved it.
func (b *OrderBook) SettleMarket(caller common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if caller != b.settler {
		return core.ErrNotSettler
	}
	value, ok := b.orc.Value(b.cfg.MarketID)
	if !ok {
		return core.ErrNoSettlementValue
	}
	return b.settleLocked(value)
}

// OnOracleResolved is the auto-settle hook, wired as the oracle's resolve
// callback for markets with AutoSettle set.
func (b *OrderBook) OnOracleResolved(value int64) {
	if !b.cfg.AutoSettle {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.settleLocked(value); err != nil {
		b.log.Warn("auto_settle_failed", zap.Error(err))
	}
}

func (b *OrderBook) settleLocked(value int64) error {
	switch b.state {
	case core.StateSettled:
		return core.ErrAlreadySettled
	case core.StateSettlementRequested:
	default:
		return core.ErrSettlementNotRequested
	}
	if err := b.transition(core.StateSettled); err != nil {
		return err
	}
	b.settlementValue = value
	b.publish(events.TypeMarketSettled, events.MarketSettled{SettlementValue: value})
	return nil
}

// SettlementValue returns the fixed value once the market is settled.
func (b *OrderBook) SettlementValue() (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settlementValue, b.state == core.StateSettled
}

// SettlePositions pays out the given positions against the settlement
// value. Per-position errors do not stop the batch; everything that can
// settle settles, and the failures come back joined.
func (b *OrderBook) SettlePositions(ids []uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != core.StateSettled {
		return core.ErrSettlementNotRequested
	}
	var errs []error
	for _, id := range ids {
		if err := b.settlePositionLocked(id); err != nil {
			errs = append(errs, fmt.Errorf("position %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// SettleAllPositions settles every unsettled position in the market.
func (b *OrderBook) SettleAllPositions() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != core.StateSettled {
		return core.ErrSettlementNotRequested
	}
	var errs []error
	for id, pos := range b.posByID {
		if pos.Settled {
			continue
		}
		if err := b.settlePositionLocked(id); err != nil {
			errs = append(errs, fmt.Errorf("position %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (b *OrderBook) settlePositionLocked(id uint64) error {
	pos, ok := b.posByID[id]
	if !ok {
		return core.ErrPositionNotFound
	}
	if pos.Settled {
		return core.ErrAlreadySettled
	}

	payout, pnl := core.SettlementPayoutFor(pos, b.settlementValue)

	// The position's collateral sits locked in the vault. Release it,
	// then apply the signed PnL; the clamp guarantees the debit never
	// exceeds what was just released.
	b.mustVault(b.vault.ReleaseMargin(b.cfg.MarketID, pos.Trader, pos.Collateral))
	b.mustVault(b.vault.ApplySettlement(b.cfg.MarketID, pos.Trader, pnl))

	pos.Settled = true
	pos.SettlementPayout = payout
	pos.SettlementPnL = pnl
	pos.UpdatedAt = b.clock.Now().UnixMilli()

	b.log.Info("position_settled",
		zap.Uint64("position", id),
		zap.String("trader", pos.Trader.Hex()),
		zap.Int64("payout", payout),
		zap.Int64("pnl", pnl))
	b.publish(events.TypePositionSettled, events.PositionSettled{
		PositionID: id,
		Trader:     pos.Trader,
		Payout:     payout,
		PnL:        pnl,
	})
	return nil
}
