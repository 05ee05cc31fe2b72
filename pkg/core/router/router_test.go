package router

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metricdex/pkg/core"
	"metricdex/pkg/core/book"
	"metricdex/pkg/core/vault"
	"metricdex/pkg/oracle"
	"metricdex/pkg/util"
)

const p = core.PricePrecision

var (
	admin   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	settler = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	sink    = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	alice   = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func newTestRouter(t *testing.T) (*Router, *util.FakeClock, *vault.Vault) {
	t.Helper()
	clock := util.NewFakeClock(time.UnixMilli(1_000))
	v := vault.New(admin, nil)
	require.NoError(t, v.SetMarketAuthorization(admin, "M", true))
	require.NoError(t, v.Deposit(alice, 1_000_000*p))
	require.NoError(t, v.Deposit(bob, 1_000_000*p))

	cfg := core.MarketConfig{
		MarketID:          "M",
		MetricID:          "metric:test",
		TickSize:          100_000,
		MinOrderSize:      p,
		TradingEndDate:    1_000_000,
		SettlementDate:    2_000_000,
		DataRequestWindow: time.Minute,
	}
	orc := oracle.NewManual(time.Minute, clock, nil)
	b := book.New(cfg, v, orc, settler, sink, nil, clock, nil)

	r := New(nil, clock, nil)
	require.NoError(t, r.RegisterMarket(b))
	return r, clock, v
}

func limit(trader common.Address, side core.Side, qty, price int64) *core.Order {
	return &core.Order{
		Trader:   trader,
		MarketID: "M",
		Type:     core.TypeLimit,
		Side:     side,
		Qty:      qty,
		Price:    price,
		TIF:      core.GTC,
	}
}

func TestPlaceAssignsIDAndRegisters(t *testing.T) {
	r, _, _ := newTestRouter(t)

	o := limit(alice, core.Buy, 5*p, p)
	require.NoError(t, r.PlaceOrder(o))
	assert.NotZero(t, o.ID)
	assert.Equal(t, core.StatusPending, o.Status)

	got, err := r.GetOrder(o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)

	orders := r.UserOrders(alice, false)
	require.Len(t, orders, 1)
	assert.Equal(t, o.ID, orders[0].ID)
}

func TestPlaceUnknownMarket(t *testing.T) {
	r, _, _ := newTestRouter(t)

	o := limit(alice, core.Buy, 5*p, p)
	o.MarketID = "nope"
	err := r.PlaceOrder(o)
	assert.ErrorIs(t, err, core.ErrMarketNotFound)
}

func TestRejectedOrderStaysQueryable(t *testing.T) {
	r, _, _ := newTestRouter(t)

	o := limit(alice, core.Buy, p/2, p) // below min size
	err := r.PlaceOrder(o)
	require.ErrorIs(t, err, core.ErrBelowMinSize)

	got, err := r.GetOrder(o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusRejected, got.Status)
}

func TestCancelOrder(t *testing.T) {
	r, _, v := newTestRouter(t)

	o := limit(alice, core.Buy, 5*p, p)
	require.NoError(t, r.PlaceOrder(o))

	_, err := r.CancelOrder(bob, o.ID)
	assert.ErrorIs(t, err, core.ErrNotOwner)

	_, err = r.CancelOrder(alice, 999)
	assert.ErrorIs(t, err, core.ErrOrderNotFound)

	released, err := r.CancelOrder(alice, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 5*p, released)
	_, locked := v.GetBalance(alice)
	assert.Zero(t, locked)

	_, err = r.CancelOrder(alice, o.ID)
	assert.ErrorIs(t, err, core.ErrNotCancellable)
}

func TestTimeInForceValidation(t *testing.T) {
	r, _, _ := newTestRouter(t)

	tests := []struct {
		name    string
		mutate  func(*core.Order)
		wantErr error
	}{
		{"GTD without expiry", func(o *core.Order) { o.TIF = core.GTD }, core.ErrBadTimeInForce},
		{"GTD already expired", func(o *core.Order) {
			o.TIF = core.GTD
			o.ExpiryTime = 500 // clock starts at 1000
		}, core.ErrExpiredOrder},
		{"GTC with expiry", func(o *core.Order) { o.ExpiryTime = 5_000 }, core.ErrBadTimeInForce},
		{"market order with GTD", func(o *core.Order) {
			o.Type = core.TypeMarket
			o.TIF = core.GTD
			o.ExpiryTime = 5_000
		}, core.ErrBadTimeInForce},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := limit(alice, core.Buy, 5*p, p)
			tt.mutate(o)
			assert.ErrorIs(t, r.PlaceOrder(o), tt.wantErr)
		})
	}
}

func TestTypeShorthandsPinTIF(t *testing.T) {
	r, _, _ := newTestRouter(t)

	o := limit(alice, core.Buy, 5*p, p)
	o.Type = core.TypeIOC
	require.NoError(t, r.PlaceOrder(o))
	assert.Equal(t, core.IOC, o.TIF)
	// Empty book: the IOC cancelled without resting.
	assert.Equal(t, core.StatusCancelled, o.Status)
}

func TestExpiry(t *testing.T) {
	r, clock, v := newTestRouter(t)

	o := limit(alice, core.Buy, 5*p, p)
	o.TIF = core.GTD
	o.ExpiryTime = 10_000
	require.NoError(t, r.PlaceOrder(o))

	assert.False(t, r.IsOrderExpired(o.ID))
	_, err := r.ExpireOrder(o.ID)
	assert.ErrorIs(t, err, core.ErrNotExpirable)

	clock.Set(time.UnixMilli(10_000))
	assert.True(t, r.IsOrderExpired(o.ID))

	released, err := r.ExpireOrder(o.ID)
	require.NoError(t, err)
	assert.Equal(t, 5*p, released)
	assert.Equal(t, core.StatusExpired, o.Status)
	_, locked := v.GetBalance(alice)
	assert.Zero(t, locked)

	_, err = r.ExpireOrder(o.ID)
	assert.ErrorIs(t, err, core.ErrNotExpirable)
}

func TestExpireNonGTD(t *testing.T) {
	r, _, _ := newTestRouter(t)

	o := limit(alice, core.Buy, 5*p, p)
	require.NoError(t, r.PlaceOrder(o))
	_, err := r.ExpireOrder(o.ID)
	assert.ErrorIs(t, err, core.ErrNotExpirable)
}

func TestBatchExpireOrders(t *testing.T) {
	r, clock, _ := newTestRouter(t)

	_, err := r.BatchExpireOrders(nil)
	assert.ErrorIs(t, err, core.ErrEmptyBatch)

	tooMany := make([]uint64, MaxExpireBatch+1)
	_, err = r.BatchExpireOrders(tooMany)
	assert.ErrorIs(t, err, core.ErrBatchTooLarge)

	gtd := limit(alice, core.Buy, 5*p, p)
	gtd.TIF = core.GTD
	gtd.ExpiryTime = 10_000
	require.NoError(t, r.PlaceOrder(gtd))
	gtc := limit(alice, core.Buy, 5*p, 900_000)
	require.NoError(t, r.PlaceOrder(gtc))

	clock.Set(time.UnixMilli(10_000))
	// Non-expirable and unknown IDs are skipped, not fatal.
	n, err := r.BatchExpireOrders([]uint64{gtd.ID, gtc.ID, 999})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, core.StatusExpired, gtd.Status)
	assert.Equal(t, core.StatusPending, gtc.Status)
}

func TestSweepExpired(t *testing.T) {
	r, clock, _ := newTestRouter(t)

	for i := 0; i < 3; i++ {
		o := limit(alice, core.Buy, 5*p, p)
		o.TIF = core.GTD
		o.ExpiryTime = 10_000
		require.NoError(t, r.PlaceOrder(o))
	}
	keeper := limit(alice, core.Buy, 5*p, p)
	keeper.TIF = core.GTD
	keeper.ExpiryTime = 50_000
	require.NoError(t, r.PlaceOrder(keeper))

	assert.Zero(t, r.SweepExpired())
	clock.Set(time.UnixMilli(10_000))
	assert.Equal(t, 3, r.SweepExpired())
	assert.True(t, keeper.IsActive())
}

func TestOpenOrderCap(t *testing.T) {
	r, _, _ := newTestRouter(t)

	for i := 0; i < MaxOpenOrdersPerTrader; i++ {
		require.NoError(t, r.PlaceOrder(limit(alice, core.Buy, p, 100_000)))
	}
	err := r.PlaceOrder(limit(alice, core.Buy, p, 100_000))
	assert.ErrorIs(t, err, core.ErrOrderCapExceeded)

	// Other traders are unaffected.
	require.NoError(t, r.PlaceOrder(limit(bob, core.Buy, p, 100_000)))

	// Closing an order frees a slot.
	orders := r.UserOrders(alice, true)
	require.NotEmpty(t, orders)
	_, err = r.CancelOrder(alice, orders[0].ID)
	require.NoError(t, err)
	require.NoError(t, r.PlaceOrder(limit(alice, core.Buy, p, 100_000)))
}

func TestUserOrdersActiveFilter(t *testing.T) {
	r, _, _ := newTestRouter(t)

	resting := limit(alice, core.Buy, 5*p, p)
	require.NoError(t, r.PlaceOrder(resting))
	cancelled := limit(alice, core.Buy, 5*p, 900_000)
	require.NoError(t, r.PlaceOrder(cancelled))
	_, err := r.CancelOrder(alice, cancelled.ID)
	require.NoError(t, err)

	all := r.UserOrders(alice, false)
	assert.Len(t, all, 2)
	// Newest first.
	assert.Equal(t, cancelled.ID, all[0].ID)

	active := r.UserOrders(alice, true)
	require.Len(t, active, 1)
	assert.Equal(t, resting.ID, active[0].ID)
}

func TestCancelAfterMarketDeregistered(t *testing.T) {
	r, _, _ := newTestRouter(t)

	resting := limit(alice, core.Buy, 5*p, p)
	require.NoError(t, r.PlaceOrder(resting))

	rejected := limit(alice, core.Buy, p/2, p)
	require.Error(t, r.PlaceOrder(rejected))

	r.DeregisterMarket("M")

	// Both orders stay queryable, but with the book gone any action on
	// them reports the missing market instead of dereferencing nothing.
	_, err := r.CancelOrder(alice, resting.ID)
	assert.ErrorIs(t, err, core.ErrMarketNotFound)
	_, err = r.CancelOrder(alice, rejected.ID)
	assert.ErrorIs(t, err, core.ErrMarketNotFound)
}

func TestExpireAfterMarketDeregistered(t *testing.T) {
	r, clock, _ := newTestRouter(t)

	gtd := limit(alice, core.Buy, 5*p, p)
	gtd.TIF = core.GTD
	gtd.ExpiryTime = 5_000
	require.NoError(t, r.PlaceOrder(gtd))

	r.DeregisterMarket("M")
	clock.Set(time.UnixMilli(10_000))

	_, err := r.ExpireOrder(gtd.ID)
	assert.ErrorIs(t, err, core.ErrMarketNotFound)
}

func TestExpirationReadHelpers(t *testing.T) {
	r, clock, _ := newTestRouter(t)

	keeper := limit(alice, core.Buy, p, 100_000)
	require.NoError(t, r.PlaceOrder(keeper))

	gtd1 := limit(alice, core.Buy, p, 200_000)
	gtd1.TIF = core.GTD
	gtd1.ExpiryTime = 5_000
	require.NoError(t, r.PlaceOrder(gtd1))

	gtd2 := limit(alice, core.Buy, p, 300_000)
	gtd2.TIF = core.GTD
	gtd2.ExpiryTime = 6_000
	require.NoError(t, r.PlaceOrder(gtd2))

	// Nothing is due before the expiries pass; GTC orders never qualify.
	assert.Empty(t, r.OrdersEligibleForExpiration(alice, 0))

	clock.Set(time.UnixMilli(10_000))
	due := r.OrdersEligibleForExpiration(alice, 0)
	require.Len(t, due, 2)
	assert.Equal(t, gtd2.ID, due[0].ID) // newest first
	assert.Len(t, r.OrdersEligibleForExpiration(alice, 1), 1)

	_, err := r.ExpireOrder(gtd1.ID)
	require.NoError(t, err)

	expired := r.UserExpiredOrders(alice)
	require.Len(t, expired, 1)
	assert.Equal(t, gtd1.ID, expired[0].ID)
	assert.Equal(t, core.StatusExpired, expired[0].Status)
	assert.Empty(t, r.UserExpiredOrders(bob))
}

func TestOrderSlotAccounting(t *testing.T) {
	r, _, _ := newTestRouter(t)

	assert.Equal(t, 0, r.UserActiveOrderCount(alice))
	assert.Equal(t, MaxOpenOrdersPerTrader, r.RemainingOrderSlots(alice))

	o := limit(alice, core.Buy, 5*p, p)
	require.NoError(t, r.PlaceOrder(o))
	assert.Equal(t, 1, r.UserActiveOrderCount(alice))
	assert.Equal(t, MaxOpenOrdersPerTrader-1, r.RemainingOrderSlots(alice))

	_, err := r.CancelOrder(alice, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, r.UserActiveOrderCount(alice))
	assert.Equal(t, MaxOpenOrdersPerTrader, r.RemainingOrderSlots(alice))
}
