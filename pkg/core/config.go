package core

import (
	"fmt"
	"time"
)

// MarketState is the per-market lifecycle. The trading path only runs in
// StateActive; the settlement path walks the right-hand states in order.
type MarketState int8

const (
	StatePending MarketState = iota
	StateActive
	StateTradingEnded
	StateSettlementRequested
	StateSettled
	StatePaused
	StateErrored
	StateExpired
)

func (s MarketState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateTradingEnded:
		return "trading_ended"
	case StateSettlementRequested:
		return "settlement_requested"
	case StateSettled:
		return "settled"
	case StatePaused:
		return "paused"
	case StateErrored:
		return "errored"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are allowed.
func (s MarketState) Terminal() bool {
	return s == StateSettled || s == StateErrored || s == StateExpired
}

// ValidTransition checks the settlement state machine edges. Paused is the
// only recoverable exceptional state.
func ValidTransition(from, to MarketState) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StateActive:
		return from == StatePending || from == StatePaused
	case StateTradingEnded:
		return from == StateActive || from == StatePaused
	case StateSettlementRequested:
		return from == StateActive || from == StateTradingEnded
	case StateSettled:
		return from == StateSettlementRequested
	case StatePaused:
		return from == StateActive
	case StateErrored, StateExpired:
		return true
	default:
		return false
	}
}

// MarketConfig is immutable after market creation; only the state field of
// the owning book moves.
type MarketConfig struct {
	MarketID string `json:"marketId" yaml:"marketId"`

	// Metric resolved by the settlement oracle at expiry.
	MetricID string `json:"metricId" yaml:"metricId"`

	TickSize     int64 `json:"tickSize" yaml:"tickSize"`         // price quantization unit
	MinOrderSize int64 `json:"minOrderSize" yaml:"minOrderSize"` // fixed-point qty
	MaxOrderSize int64 `json:"maxOrderSize" yaml:"maxOrderSize"` // 0 = unbounded

	TradingEndDate int64 `json:"tradingEndDate" yaml:"tradingEndDate"` // unix ms, <= SettlementDate
	SettlementDate int64 `json:"settlementDate" yaml:"settlementDate"` // unix ms

	DataRequestWindow time.Duration `json:"dataRequestWindow" yaml:"dataRequestWindow"` // oracle liveness window
	AutoSettle        bool          `json:"autoSettle" yaml:"autoSettle"`
	OracleProvider    string        `json:"oracleProvider" yaml:"oracleProvider"`

	MakerFeeBps int64 `json:"makerFeeBps" yaml:"makerFeeBps"`
	TakerFeeBps int64 `json:"takerFeeBps" yaml:"takerFeeBps"`
}

// Validate checks creation-time constraints. now is the creation timestamp
// in unix ms; a zero now skips the future-settlement check (used when
// re-loading persisted configs).
func (c *MarketConfig) Validate(now int64) error {
	if c.MarketID == "" {
		return fmt.Errorf("%w: market id empty", ErrInvalidMarketCfg)
	}
	if c.TickSize <= 0 {
		return fmt.Errorf("%w: tick size must be positive", ErrInvalidMarketCfg)
	}
	if c.MinOrderSize <= 0 {
		return fmt.Errorf("%w: minimum order size must be positive", ErrInvalidMarketCfg)
	}
	if c.MaxOrderSize != 0 && c.MaxOrderSize < c.MinOrderSize {
		return fmt.Errorf("%w: max order size below min", ErrInvalidMarketCfg)
	}
	if c.TradingEndDate > c.SettlementDate {
		return fmt.Errorf("%w: trading end date after settlement date", ErrInvalidMarketCfg)
	}
	if c.DataRequestWindow <= 0 {
		return fmt.Errorf("%w: data request window must be positive", ErrInvalidMarketCfg)
	}
	if now != 0 && c.SettlementDate <= now {
		return fmt.Errorf("%w: settlement date in the past", ErrInvalidMarketCfg)
	}
	if c.MakerFeeBps < 0 || c.TakerFeeBps < 0 {
		return fmt.Errorf("%w: fees cannot be negative", ErrInvalidMarketCfg)
	}
	return nil
}

// AlignedToTick reports whether price is an integer multiple of the tick.
func (c *MarketConfig) AlignedToTick(price int64) bool {
	return price%c.TickSize == 0
}
