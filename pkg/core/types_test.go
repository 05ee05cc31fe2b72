package core

import "testing"

func TestNotional(t *testing.T) {
	tests := []struct {
		name  string
		qty   int64
		price int64
		want  int64
	}{
		{"one at one", PricePrecision, PricePrecision, PricePrecision},
		{"ten at one", 10 * PricePrecision, PricePrecision, 10 * PricePrecision},
		{"ten at one point one", 10 * PricePrecision, 1_100_000, 11 * PricePrecision},
		{"fractional qty", 500_000, 2 * PricePrecision, PricePrecision},
		{"zero qty", 0, PricePrecision, 0},
		// Values near the top of the int64-safe range must not overflow
		// the intermediate product.
		{"large", 1_000_000 * PricePrecision, 100_000 * PricePrecision, 100_000_000_000 * PricePrecision},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Notional(tt.qty, tt.price); got != tt.want {
				t.Errorf("Notional(%d, %d) = %d, want %d", tt.qty, tt.price, got, tt.want)
			}
		})
	}
}

func TestFeeOf(t *testing.T) {
	if got := FeeOf(10*PricePrecision, 10); got != 10_000 {
		t.Errorf("10 bps of 10.0 = %d, want 10000", got)
	}
	if got := FeeOf(10*PricePrecision, 0); got != 0 {
		t.Errorf("zero bps should be free, got %d", got)
	}
}

func TestSignedPnL(t *testing.T) {
	tests := []struct {
		name  string
		entry int64
		exit  int64
		size  int64
		want  int64
	}{
		{"long profit", PricePrecision, 1_100_000, 10 * PricePrecision, PricePrecision},
		{"long loss", PricePrecision, 900_000, 10 * PricePrecision, -PricePrecision},
		{"short profit", PricePrecision, 900_000, -10 * PricePrecision, PricePrecision},
		{"short loss", PricePrecision, 1_100_000, -10 * PricePrecision, -PricePrecision},
		{"flat price", PricePrecision, PricePrecision, 10 * PricePrecision, 0},
		{"zero size", PricePrecision, 2 * PricePrecision, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SignedPnL(tt.entry, tt.exit, tt.size); got != tt.want {
				t.Errorf("SignedPnL(%d, %d, %d) = %d, want %d", tt.entry, tt.exit, tt.size, got, tt.want)
			}
		})
	}
}

func TestOrderTypeFlags(t *testing.T) {
	stops := []OrderType{TypeStopLoss, TypeTakeProfit, TypeStopLimit}
	for _, typ := range stops {
		if !typ.IsStopFamily() {
			t.Errorf("%s should be stop family", typ)
		}
	}
	if TypeLimit.IsStopFamily() || TypeMarket.IsStopFamily() {
		t.Error("limit/market are not stop family")
	}
	if TypeMarket.IsPriced() || TypeStopLoss.IsPriced() || TypeTakeProfit.IsPriced() {
		t.Error("market and stop-market variants carry no limit price")
	}
	if !TypeLimit.IsPriced() || !TypeStopLimit.IsPriced() || !TypeIceberg.IsPriced() {
		t.Error("limit variants carry a limit price")
	}
}

func TestOrderRemaining(t *testing.T) {
	o := &Order{Qty: 10, Filled: 4, Status: StatusPartiallyFilled}
	if o.Remaining() != 6 {
		t.Errorf("Remaining = %d, want 6", o.Remaining())
	}
	if !o.IsActive() {
		t.Error("partially filled order is active")
	}
	o.Status = StatusFilled
	if !o.IsClosed() {
		t.Error("filled order is closed")
	}
}
