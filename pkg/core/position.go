package core

import (
	"github.com/ethereum/go-ethereum/common"
)

// Position is the single logical position a trader holds in one market.
// Same-direction fills merge into it by volume-weighted entry price;
// opposite-direction fills reduce it, realizing PnL on the closed portion.
type Position struct {
	ID       uint64         `json:"id"`
	Trader   common.Address `json:"trader"`
	MarketID string         `json:"marketId"`

	Size       int64 `json:"size"`       // >0 long, <0 short, fixed-point qty
	EntryPrice int64 `json:"entryPrice"` // VWAP of opening fills
	Collateral int64 `json:"collateral"` // margin locked against the open size

	Settled          bool  `json:"settled"`
	SettlementPayout int64 `json:"settlementPayout,omitempty"` // meaningful only once settled
	SettlementPnL    int64 `json:"settlementPnl,omitempty"`

	OpenedAt  int64 `json:"openedAt"` // unix ms
	UpdatedAt int64 `json:"updatedAt"`
}

func (p *Position) IsLong() bool  { return p.Size > 0 }
func (p *Position) IsShort() bool { return p.Size < 0 }
func (p *Position) IsOpen() bool  { return p.Size != 0 && !p.Settled }

// UnrealizedPnL marks the open size to markPrice.
func (p *Position) UnrealizedPnL(markPrice int64) int64 {
	if p.Size == 0 {
		return 0
	}
	return SignedPnL(p.EntryPrice, markPrice, p.Size)
}

// SignedPnL returns (exit-entry)*size/PricePrecision with size carrying the
// direction sign. Positive = profit.
func SignedPnL(entry, exit, size int64) int64 {
	diff := exit - entry
	if diff == 0 || size == 0 {
		return 0
	}
	pnl := Notional(abs64(size), abs64(diff))
	if (diff < 0) != (size < 0) {
		pnl = -pnl
	}
	return pnl
}

// SettlementPayoutFor computes the payout owed when the market resolves at
// settlementValue: collateral plus signed PnL, clamped at zero so a trader
// never loses more than the posted collateral.
func SettlementPayoutFor(p *Position, settlementValue int64) (payout, pnl int64) {
	pnl = SignedPnL(p.EntryPrice, settlementValue, p.Size)
	payout = p.Collateral + pnl
	if payout < 0 {
		payout = 0
		pnl = -p.Collateral
	}
	return payout, pnl
}

// MergeFill folds a fill of qty at price in direction side into the
// position, moving the entry price to the volume-weighted average and
// attaching the fill's margin as position collateral. Caller guarantees the
// position is flat or already pointing in side's direction.
func (p *Position) MergeFill(side Side, qty, price, margin, now int64) {
	oldAbs := abs64(p.Size)
	newAbs := oldAbs + qty
	if oldAbs == 0 {
		p.EntryPrice = price
	} else {
		p.EntryPrice = weightedAvg(p.EntryPrice, price, qty, newAbs)
	}
	p.Size += int64(side) * qty
	p.Collateral += margin
	p.UpdatedAt = now
}

// ReduceFill closes qty of the position at price. It returns the realized
// PnL (clamped so a loss never exceeds the collateral released) and the
// collateral released for the closed portion. Caller guarantees
// qty <= |Size|.
func (p *Position) ReduceFill(qty, price, now int64) (realized, released int64) {
	oldAbs := abs64(p.Size)
	released = p.Collateral * qty / oldAbs
	realized = SignedPnL(p.EntryPrice, price, signOf(p.Size)*qty)
	if realized < -released {
		realized = -released
	}

	p.Collateral -= released
	if p.Size > 0 {
		p.Size -= qty
	} else {
		p.Size += qty
	}
	if p.Size == 0 {
		p.EntryPrice = 0
		p.Collateral = 0
	}
	p.UpdatedAt = now
	return realized, released
}

// weightedAvg returns (p1*(qTotal-q2) + p2*q2) / qTotal, rearranged so the
// one product that needs guarding is the price delta against a single leg,
// routed through mulDiv like every other notional product.
func weightedAvg(p1, p2, q2, qTotal int64) int64 {
	return p1 + mulDiv(p2-p1, q2, qTotal)
}

func signOf(x int64) int64 {
	if x < 0 {
		return -1
	}
	return 1
}
