package core

import (
	"github.com/ethereum/go-ethereum/common"
)

// PricePrecision is the fixed-point scale used for all internal prices,
// quantities and collateral amounts: 1_000_000 = 1.0 unit. Notional math
// divides by it exactly once:
//
//	notional = qty * price / PricePrecision
//
// External decimal bases (collateral-token decimals, oracle decimals) are
// converted at the API boundary only.
const PricePrecision int64 = 1_000_000

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Opposite returns the other side.
func (s Side) Opposite() Side { return -s }

// OrderType is the execution style of an order. Each variant only reads the
// fields it needs (StopPrice for stop variants, IcebergQty for icebergs).
type OrderType int8

const (
	TypeMarket OrderType = iota
	TypeLimit
	TypeStopLoss
	TypeTakeProfit
	TypeStopLimit
	TypeIceberg
	TypeFOK
	TypeIOC
	TypeAllOrNone
)

func (t OrderType) String() string {
	switch t {
	case TypeMarket:
		return "market"
	case TypeLimit:
		return "limit"
	case TypeStopLoss:
		return "stop_loss"
	case TypeTakeProfit:
		return "take_profit"
	case TypeStopLimit:
		return "stop_limit"
	case TypeIceberg:
		return "iceberg"
	case TypeFOK:
		return "fok"
	case TypeIOC:
		return "ioc"
	case TypeAllOrNone:
		return "all_or_none"
	default:
		return "unknown"
	}
}

// IsStopFamily reports whether the order rests on the trigger list until
// lastTradePrice crosses StopPrice.
func (t OrderType) IsStopFamily() bool {
	return t == TypeStopLoss || t == TypeTakeProfit || t == TypeStopLimit
}

// IsPriced reports whether the limit price field is meaningful and therefore
// subject to tick alignment.
func (t OrderType) IsPriced() bool {
	return t != TypeMarket && t != TypeStopLoss && t != TypeTakeProfit
}

type TimeInForce int8

const (
	GTC TimeInForce = iota // good till cancelled
	IOC                    // immediate or cancel
	FOK                    // fill or kill
	GTD                    // good till date (requires ExpiryTime)
)

func (tif TimeInForce) String() string {
	switch tif {
	case GTC:
		return "GTC"
	case IOC:
		return "IOC"
	case FOK:
		return "FOK"
	case GTD:
		return "GTD"
	default:
		return "unknown"
	}
}

type OrderStatus int8

const (
	StatusPending OrderStatus = iota
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
	StatusExpired
	StatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusPartiallyFilled:
		return "partially_filled"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	case StatusExpired:
		return "expired"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Order is the authoritative order record, owned by the router and mutated
// only inside a single book's matching transaction.
type Order struct {
	ID       uint64         `json:"id"`
	Trader   common.Address `json:"trader"`
	MarketID string         `json:"marketId"`
	Type     OrderType      `json:"type"`
	Side     Side           `json:"side"`

	Qty    int64 `json:"qty"`    // fixed-point, PricePrecision scale
	Price  int64 `json:"price"`  // ignored for market / stop-market variants
	Filled int64 `json:"filled"` // invariant: Filled <= Qty

	StopPrice  int64 `json:"stopPrice,omitempty"`  // stop family only
	IcebergQty int64 `json:"icebergQty,omitempty"` // visible tranche, iceberg only
	PostOnly   bool  `json:"postOnly,omitempty"`

	TIF        TimeInForce `json:"tif"`
	ExpiryTime int64       `json:"expiryTime"` // unix ms, 0 = never (GTD only)

	Status       OrderStatus `json:"status"`
	LockedMargin int64       `json:"lockedMargin"` // collateral locked against the unfilled remainder

	CreatedAt int64 `json:"createdAt"` // unix ms
	UpdatedAt int64 `json:"updatedAt"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 { return o.Qty - o.Filled }

// IsActive reports whether the order can still fill or be cancelled.
func (o *Order) IsActive() bool {
	return o.Status == StatusPending || o.Status == StatusPartiallyFilled
}

// IsClosed reports whether the order reached a terminal status.
func (o *Order) IsClosed() bool { return !o.IsActive() }

// Trade is a completed fill between a taker and a maker.
type Trade struct {
	ID        uint64         `json:"id"`
	MarketID  string         `json:"marketId"`
	Price     int64          `json:"price"` // maker's price
	Qty       int64          `json:"qty"`
	TakerSide Side           `json:"takerSide"`
	TakerID   uint64         `json:"takerOrderId"`
	MakerID   uint64         `json:"makerOrderId"`
	Taker     common.Address `json:"taker"`
	Maker     common.Address `json:"maker"`
	Timestamp int64          `json:"timestamp"` // unix ms
}

// Notional returns qty*price at the canonical scale.
func Notional(qty, price int64) int64 {
	return mulDiv(qty, price, PricePrecision)
}

// FeeOf returns the fee in collateral units for a notional amount at feeBps
// basis points.
func FeeOf(notional, feeBps int64) int64 {
	return notional * feeBps / 10_000
}

// mulDiv computes a*b/den guarding the intermediate product via int64 math
// on the reduced operands. Inputs are validated upstream to stay within
// exchange limits, so plain int64 multiplication suffices.
func mulDiv(a, b, den int64) int64 {
	return a/den*b + a%den*b/den
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
