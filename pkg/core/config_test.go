package core

import (
	"errors"
	"testing"
	"time"
)

func validConfig() MarketConfig {
	return MarketConfig{
		MarketID:          "GLOBAL-TEMP-2030",
		MetricID:          "climate:global-mean-temp",
		TickSize:          100_000,
		MinOrderSize:      PricePrecision,
		MaxOrderSize:      0,
		TradingEndDate:    9_000,
		SettlementDate:    10_000,
		DataRequestWindow: time.Minute,
	}
}

func TestMarketConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*MarketConfig)
		now    int64
		ok     bool
	}{
		{"valid", func(*MarketConfig) {}, 1_000, true},
		{"empty id", func(c *MarketConfig) { c.MarketID = "" }, 1_000, false},
		{"zero tick", func(c *MarketConfig) { c.TickSize = 0 }, 1_000, false},
		{"zero min size", func(c *MarketConfig) { c.MinOrderSize = 0 }, 1_000, false},
		{"max below min", func(c *MarketConfig) { c.MaxOrderSize = 1 }, 1_000, false},
		{"trading end after settlement", func(c *MarketConfig) { c.TradingEndDate = 11_000 }, 1_000, false},
		{"zero request window", func(c *MarketConfig) { c.DataRequestWindow = 0 }, 1_000, false},
		{"settlement in the past", func(*MarketConfig) {}, 20_000, false},
		{"past settlement allowed on reload", func(*MarketConfig) {}, 0, true},
		{"negative fee", func(c *MarketConfig) { c.TakerFeeBps = -1 }, 1_000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate(tt.now)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrInvalidMarketCfg) {
					t.Errorf("error should wrap ErrInvalidMarketCfg: %v", err)
				}
			}
		})
	}
}

func TestAlignedToTick(t *testing.T) {
	cfg := validConfig()
	if !cfg.AlignedToTick(1_000_000) || !cfg.AlignedToTick(1_100_000) {
		t.Error("multiples of the tick must align")
	}
	if cfg.AlignedToTick(1_050_000) || cfg.AlignedToTick(1) {
		t.Error("non-multiples must not align")
	}
}

func TestStateTransitions(t *testing.T) {
	valid := []struct{ from, to MarketState }{
		{StatePending, StateActive},
		{StateActive, StateTradingEnded},
		{StateActive, StateSettlementRequested},
		{StateTradingEnded, StateSettlementRequested},
		{StateSettlementRequested, StateSettled},
		{StateActive, StatePaused},
		{StatePaused, StateActive},
		{StatePaused, StateTradingEnded},
		{StateActive, StateErrored},
		{StateActive, StateExpired},
	}
	for _, tr := range valid {
		if !ValidTransition(tr.from, tr.to) {
			t.Errorf("%s -> %s should be valid", tr.from, tr.to)
		}
	}

	invalid := []struct{ from, to MarketState }{
		{StateSettled, StateActive},
		{StateSettled, StateSettlementRequested},
		{StateErrored, StateActive},
		{StateExpired, StateErrored},
		{StateActive, StateSettled},
		{StateTradingEnded, StateActive},
		{StatePending, StateSettlementRequested},
	}
	for _, tr := range invalid {
		if ValidTransition(tr.from, tr.to) {
			t.Errorf("%s -> %s should be invalid", tr.from, tr.to)
		}
	}
}
