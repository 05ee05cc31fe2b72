// Package factory creates markets: it validates configuration, charges the
// creation fee, authorizes the new book against the vault and wires it to
// the router and the oracle.
package factory

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"metricdex/pkg/core"
	"metricdex/pkg/core/book"
	"metricdex/pkg/core/router"
	"metricdex/pkg/core/vault"
	"metricdex/pkg/events"
	"metricdex/pkg/oracle"
	"metricdex/pkg/util"
)

// Config is the factory's own configuration, distinct from any one market's.
type Config struct {
	Admin       common.Address // vault admin, must match the vault's
	Treasury    common.Address // receives creation fees
	Settler     common.Address // privileged settlement identity for new markets
	CreationFee int64          // canonical scale, 0 disables the fee
}

// Factory registers new markets. One instance serves the whole node.
type Factory struct {
	mu      sync.Mutex
	markets map[string]*book.OrderBook

	cfg   Config
	vault *vault.Vault
	orc   oracle.Oracle
	rtr   *router.Router
	bus   *events.Bus
	clock util.Clock
	log   *zap.Logger
}

func New(cfg Config, v *vault.Vault, orc oracle.Oracle, rtr *router.Router,
	bus *events.Bus, clock util.Clock, log *zap.Logger) *Factory {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	f := &Factory{
		markets: make(map[string]*book.OrderBook),
		cfg:     cfg,
		vault:   v,
		orc:     orc,
		rtr:     rtr,
		bus:     bus,
		clock:   clock,
		log:     log,
	}
	// Route oracle resolutions to auto-settling markets.
	if m, ok := orc.(*oracle.Manual); ok {
		m.OnResolve(f.onOracleResolved)
	}
	return f
}

func (f *Factory) onOracleResolved(marketID string, value int64) {
	f.mu.Lock()
	b, ok := f.markets[marketID]
	f.mu.Unlock()
	if ok {
		b.OnOracleResolved(value)
	}
}

// CreateMarket validates cfg, charges the creator the creation fee and
// brings a new book online. If initial is non-nil it is placed as the
// market's first order; a rejection unwinds the whole creation, fee
// included.
func (f *Factory) CreateMarket(creator common.Address, cfg core.MarketConfig, initial *core.Order) (*book.OrderBook, error) {
	return f.create(creator, cfg, initial, f.cfg.CreationFee)
}

func (f *Factory) create(creator common.Address, cfg core.MarketConfig, initial *core.Order, fee int64) (*book.OrderBook, error) {
	now := f.clock.Now().UnixMilli()
	if err := cfg.Validate(now); err != nil {
		return nil, err
	}

	f.mu.Lock()
	if _, ok := f.markets[cfg.MarketID]; ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", core.ErrMarketExists, cfg.MarketID)
	}
	f.mu.Unlock()

	if err := f.chargeCreationFee(creator, fee); err != nil {
		return nil, err
	}

	if err := f.vault.SetMarketAuthorization(f.cfg.Admin, cfg.MarketID, true); err != nil {
		f.refundCreationFee(creator, fee)
		return nil, err
	}

	b := book.New(cfg, f.vault, f.orc, f.cfg.Settler, f.cfg.Treasury, f.bus, f.clock, f.log)
	if err := f.rtr.RegisterMarket(b); err != nil {
		f.unwind(creator, cfg.MarketID, fee)
		return nil, err
	}

	f.mu.Lock()
	f.markets[cfg.MarketID] = b
	f.mu.Unlock()

	f.log.Info("market_created",
		zap.String("market", cfg.MarketID),
		zap.String("metric", cfg.MetricID),
		zap.Int64("tick", cfg.TickSize))
	f.bus.Publish(events.TypeMarketCreated, cfg.MarketID, events.MarketCreated{
		MarketID: cfg.MarketID,
		MetricID: cfg.MetricID,
		TickSize: cfg.TickSize,
	})

	if initial != nil {
		initial.MarketID = cfg.MarketID
		initial.Trader = creator
		if err := f.rtr.PlaceOrder(initial); err != nil {
			f.mu.Lock()
			delete(f.markets, cfg.MarketID)
			f.mu.Unlock()
			f.rtr.DeregisterMarket(cfg.MarketID)
			f.unwind(creator, cfg.MarketID, fee)
			return nil, fmt.Errorf("initial order: %w", err)
		}
		f.bus.Publish(events.TypeInitialOrderPlaced, cfg.MarketID, events.InitialOrderPlaced{OrderID: initial.ID})
	}
	return b, nil
}

// chargeCreationFee moves the fee from the creator to the treasury through
// the normal deposit/withdraw path, so the conservation counters stay
// truthful on both accounts.
func (f *Factory) chargeCreationFee(creator common.Address, fee int64) error {
	if fee == 0 {
		return nil
	}
	if err := f.vault.Withdraw(creator, fee); err != nil {
		return fmt.Errorf("creation fee: %w", err)
	}
	if err := f.vault.Deposit(f.cfg.Treasury, fee); err != nil {
		// Withdraw succeeded, so this cannot be a balance problem.
		return fmt.Errorf("creation fee credit: %w", err)
	}
	return nil
}

func (f *Factory) refundCreationFee(creator common.Address, fee int64) {
	if fee == 0 {
		return
	}
	if err := f.vault.Withdraw(f.cfg.Treasury, fee); err != nil {
		f.log.Error("creation_fee_refund_failed", zap.Error(err))
		return
	}
	if err := f.vault.Deposit(creator, fee); err != nil {
		f.log.Error("creation_fee_refund_failed", zap.Error(err))
	}
}

func (f *Factory) unwind(creator common.Address, marketID string, fee int64) {
	if err := f.vault.SetMarketAuthorization(f.cfg.Admin, marketID, false); err != nil {
		f.log.Error("unwind_deauthorize_failed", zap.String("market", marketID), zap.Error(err))
	}
	f.refundCreationFee(creator, fee)
}

// GetMarket returns the market's book.
func (f *Factory) GetMarket(marketID string) (*book.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.markets[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrMarketNotFound, marketID)
	}
	return b, nil
}

// ListMarkets returns every market's book, ordered by market ID.
func (f *Factory) ListMarkets() []*book.OrderBook {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*book.OrderBook, 0, len(f.markets))
	for _, b := range f.markets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Config().MarketID < out[j].Config().MarketID
	})
	return out
}

// marketsFile is the YAML shape of a market seed file.
type marketsFile struct {
	Markets []core.MarketConfig `yaml:"markets"`
}

// LoadMarketsFile creates every market listed in a YAML seed file. The
// operator identity pays no creation fee for seeded markets; they are
// created under the admin.
func (f *Factory) LoadMarketsFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read markets file: %w", err)
	}
	var file marketsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return 0, fmt.Errorf("parse markets file: %w", err)
	}

	created := 0
	for _, cfg := range file.Markets {
		if _, err := f.create(f.cfg.Admin, cfg, nil, 0); err != nil {
			return created, fmt.Errorf("market %s: %w", cfg.MarketID, err)
		}
		created++
	}
	return created, nil
}
