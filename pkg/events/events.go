// Package events carries the exchange's externally visible event stream.
// Off-chain indexers replay these events into their own schema; the core
// only guarantees the stream is complete and ordered.
package events

import "github.com/ethereum/go-ethereum/common"

type Type string

const (
	TypeOrderPlaced         Type = "order_placed"
	TypeOrderCancelled      Type = "order_cancelled"
	TypeOrderExpired        Type = "order_expired"
	TypeBatchOrdersExpired  Type = "batch_orders_expired"
	TypeTradeExecuted       Type = "trade_executed"
	TypeMarketCreated       Type = "market_created"
	TypeInitialOrderPlaced  Type = "initial_order_placed"
	TypeSettlementRequested Type = "settlement_requested"
	TypeMarketSettled       Type = "market_settled"
	TypePositionSettled     Type = "position_settled"
	TypeDeposit             Type = "deposit"
	TypeWithdraw            Type = "withdraw"
)

// Event is one entry of the stream. Payload holds the type-specific struct
// below; Seq is assigned by the bus and strictly increases.
type Event struct {
	Seq      uint64 `json:"seq"`
	Type     Type   `json:"type"`
	MarketID string `json:"marketId,omitempty"`
	Time     int64  `json:"time"` // unix ms
	Payload  any    `json:"payload"`
}

type OrderPlaced struct {
	OrderID uint64         `json:"orderId"`
	Trader  common.Address `json:"trader"`
	Side    string         `json:"side"`
	Type    string         `json:"orderType"`
	Price   int64          `json:"price"`
	Qty     int64          `json:"qty"`
}

type OrderCancelled struct {
	OrderID        uint64 `json:"orderId"`
	ReleasedMargin int64  `json:"releasedMargin"`
}

type OrderExpired struct {
	OrderID        uint64 `json:"orderId"`
	ReleasedMargin int64  `json:"releasedMargin"`
}

type BatchOrdersExpired struct {
	OrderIDs []uint64 `json:"orderIds"`
}

type TradeExecuted struct {
	TradeID   uint64         `json:"tradeId"`
	TakerID   uint64         `json:"takerOrderId"`
	MakerID   uint64         `json:"makerOrderId"`
	Taker     common.Address `json:"taker"`
	Maker     common.Address `json:"maker"`
	TakerSide string         `json:"takerSide"`
	Price     int64          `json:"price"`
	Qty       int64          `json:"qty"`
}

type MarketCreated struct {
	MarketID string `json:"marketId"`
	MetricID string `json:"metricId"`
	TickSize int64  `json:"tickSize"`
}

type InitialOrderPlaced struct {
	OrderID uint64 `json:"orderId"`
}

type SettlementRequested struct {
	MetricID string `json:"metricId"`
}

type MarketSettled struct {
	SettlementValue int64 `json:"settlementValue"`
}

type PositionSettled struct {
	PositionID uint64         `json:"positionId"`
	Trader     common.Address `json:"trader"`
	Payout     int64          `json:"payout"`
	PnL        int64          `json:"pnl"`
}

type Transfer struct {
	Trader common.Address `json:"trader"`
	Amount int64          `json:"amount"`
}
