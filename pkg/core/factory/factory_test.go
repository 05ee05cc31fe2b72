package factory

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metricdex/pkg/core"
	"metricdex/pkg/core/router"
	"metricdex/pkg/core/vault"
	"metricdex/pkg/oracle"
	"metricdex/pkg/util"
)

const p = core.PricePrecision

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	treasury = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	settler  = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	creator  = common.HexToAddress("0x0000000000000000000000000000000000000c01")
)

const creationFee = 10 * p

func newTestFactory(t *testing.T) (*Factory, *router.Router, *vault.Vault, *oracle.Manual, *util.FakeClock) {
	t.Helper()
	clock := util.NewFakeClock(time.UnixMilli(1_000))
	v := vault.New(admin, nil)
	require.NoError(t, v.Deposit(creator, 1_000*p))
	orc := oracle.NewManual(time.Minute, clock, nil)
	rtr := router.New(nil, clock, nil)
	f := New(Config{
		Admin:       admin,
		Treasury:    treasury,
		Settler:     settler,
		CreationFee: creationFee,
	}, v, orc, rtr, nil, clock, nil)
	return f, rtr, v, orc, clock
}

func validCfg(id string) core.MarketConfig {
	return core.MarketConfig{
		MarketID:          id,
		MetricID:          "metric:" + id,
		TickSize:          100_000,
		MinOrderSize:      p,
		TradingEndDate:    1_000_000,
		SettlementDate:    2_000_000,
		DataRequestWindow: time.Minute,
	}
}

func TestCreateMarket(t *testing.T) {
	f, rtr, v, _, _ := newTestFactory(t)

	b, err := f.CreateMarket(creator, validCfg("M1"), nil)
	require.NoError(t, err)
	assert.Equal(t, core.StateActive, b.State())

	got, err := f.GetMarket("M1")
	require.NoError(t, err)
	assert.Same(t, b, got)
	_, err = rtr.Book("M1")
	assert.NoError(t, err)
	assert.True(t, v.IsAuthorized("M1"))

	// Fee moved creator -> treasury.
	available, _ := v.GetBalance(creator)
	assert.Equal(t, 990*p, available)
	available, _ = v.GetBalance(treasury)
	assert.Equal(t, creationFee, available)
}

func TestCreateMarketInvalidConfig(t *testing.T) {
	f, _, v, _, _ := newTestFactory(t)

	cfg := validCfg("M1")
	cfg.TickSize = 0
	_, err := f.CreateMarket(creator, cfg, nil)
	assert.ErrorIs(t, err, core.ErrInvalidMarketCfg)

	cfg = validCfg("M2")
	cfg.SettlementDate = 500 // in the past
	_, err = f.CreateMarket(creator, cfg, nil)
	assert.ErrorIs(t, err, core.ErrInvalidMarketCfg)

	available, _ := v.GetBalance(creator)
	assert.Equal(t, 1_000*p, available, "rejected creations must not charge the fee")
}

func TestCreateMarketDuplicate(t *testing.T) {
	f, _, v, _, _ := newTestFactory(t)

	_, err := f.CreateMarket(creator, validCfg("M1"), nil)
	require.NoError(t, err)
	_, err = f.CreateMarket(creator, validCfg("M1"), nil)
	assert.ErrorIs(t, err, core.ErrMarketExists)

	available, _ := v.GetBalance(creator)
	assert.Equal(t, 990*p, available, "only the first creation pays")
}

func TestCreateMarketInsufficientFee(t *testing.T) {
	f, _, _, _, _ := newTestFactory(t)

	poor := common.HexToAddress("0x0000000000000000000000000000000000000f00")
	_, err := f.CreateMarket(poor, validCfg("M1"), nil)
	assert.ErrorIs(t, err, core.ErrInsufficientBalance)
}

func TestCreateMarketWithInitialOrder(t *testing.T) {
	f, _, v, _, _ := newTestFactory(t)

	initial := &core.Order{
		Type:  core.TypeLimit,
		Side:  core.Buy,
		Qty:   5 * p,
		Price: p,
		TIF:   core.GTC,
	}
	b, err := f.CreateMarket(creator, validCfg("M1"), initial)
	require.NoError(t, err)

	assert.Equal(t, creator, initial.Trader)
	assert.Equal(t, "M1", initial.MarketID)
	assert.Equal(t, core.StatusPending, initial.Status)
	assert.Equal(t, int64(p), b.BestBid())

	// 10 fee + 5 locked behind the order.
	available, locked := v.GetBalance(creator)
	assert.Equal(t, 985*p, available)
	assert.Equal(t, 5*p, locked)
}

func TestInitialOrderRejectionUnwinds(t *testing.T) {
	f, rtr, v, _, _ := newTestFactory(t)

	initial := &core.Order{
		Type:  core.TypeLimit,
		Side:  core.Buy,
		Qty:   p / 2, // below the market minimum
		Price: p,
		TIF:   core.GTC,
	}
	_, err := f.CreateMarket(creator, validCfg("M1"), initial)
	require.ErrorIs(t, err, core.ErrBelowMinSize)

	_, err = f.GetMarket("M1")
	assert.ErrorIs(t, err, core.ErrMarketNotFound)
	_, err = rtr.Book("M1")
	assert.ErrorIs(t, err, core.ErrMarketNotFound)
	assert.False(t, v.IsAuthorized("M1"))

	// Fee refunded, nothing locked.
	available, locked := v.GetBalance(creator)
	assert.Equal(t, 1_000*p, available)
	assert.Zero(t, locked)
	available, _ = v.GetBalance(treasury)
	assert.Zero(t, available)
}

func TestAutoSettleOnOracleResolve(t *testing.T) {
	f, _, _, orc, clock := newTestFactory(t)

	cfg := validCfg("M1")
	cfg.AutoSettle = true
	b, err := f.CreateMarket(creator, cfg, nil)
	require.NoError(t, err)

	clock.Set(time.UnixMilli(cfg.TradingEndDate))
	require.NoError(t, b.RequestSettlement())

	// Resolution after the liveness window settles the market with no
	// further operator action.
	clock.Advance(2 * time.Minute)
	require.NoError(t, orc.Resolve("M1", 42*p))

	assert.Equal(t, core.StateSettled, b.State())
	value, ok := b.SettlementValue()
	require.True(t, ok)
	assert.Equal(t, 42*p, value)
}

func TestAutoSettleResolutionInsideWindow(t *testing.T) {
	f, _, _, orc, clock := newTestFactory(t)

	cfg := validCfg("M1")
	cfg.AutoSettle = true
	b, err := f.CreateMarket(creator, cfg, nil)
	require.NoError(t, err)

	clock.Set(time.UnixMilli(cfg.TradingEndDate))
	require.NoError(t, b.RequestSettlement())

	// The resolution lands while the liveness window is still open, so
	// the value is held back and the market stays pending.
	require.NoError(t, orc.Resolve("M1", 42*p))
	assert.Equal(t, core.StateSettlementRequested, b.State())

	// Once the window elapses the housekeeping tick delivers it.
	clock.Advance(2 * time.Minute)
	orc.Tick()
	assert.Equal(t, core.StateSettled, b.State())
	value, ok := b.SettlementValue()
	require.True(t, ok)
	assert.Equal(t, 42*p, value)
}

func TestLoadMarketsFile(t *testing.T) {
	f, _, v, _, _ := newTestFactory(t)

	yaml := `markets:
  - marketId: GLOBAL-TEMP-2030
    metricId: metric:global-temp
    tickSize: 100000
    minOrderSize: 1000000
    tradingEndDate: 1000000
    settlementDate: 2000000
    dataRequestWindow: 60000000000
  - marketId: SEA-LEVEL-2030
    metricId: metric:sea-level
    tickSize: 100000
    minOrderSize: 1000000
    tradingEndDate: 1000000
    settlementDate: 2000000
    dataRequestWindow: 60000000000
`
	path := filepath.Join(t.TempDir(), "markets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	n, err := f.LoadMarketsFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, f.ListMarkets(), 2)

	// Seeded markets are fee-free.
	available, _ := v.GetBalance(treasury)
	assert.Zero(t, available)

	_, err = f.LoadMarketsFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestListMarketsSorted(t *testing.T) {
	f, _, _, _, _ := newTestFactory(t)

	for _, id := range []string{"ZZZ", "AAA", "MMM"} {
		_, err := f.CreateMarket(creator, validCfg(id), nil)
		require.NoError(t, err)
	}
	books := f.ListMarkets()
	require.Len(t, books, 3)
	assert.Equal(t, "AAA", books[0].Config().MarketID)
	assert.Equal(t, "MMM", books[1].Config().MarketID)
	assert.Equal(t, "ZZZ", books[2].Config().MarketID)
}
