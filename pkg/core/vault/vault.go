// Package vault implements the shared collateral ledger backing every
// market. Funds move between available and locked; only markets present in
// the authorization table may lock, release or settle.
package vault

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"metricdex/pkg/core"
)

// Account tracks one trader's collateral. All amounts share the canonical
// fixed-point scale.
type Account struct {
	Trader common.Address `json:"trader"`

	Balance int64 `json:"balance"` // total deposited collateral still in the vault
	Locked  int64 `json:"locked"`  // portion reserved for open orders and positions

	// Lifetime counters, used to check conservation:
	// Balance == TotalDeposited - TotalWithdrawn + NetSettled
	TotalDeposited int64 `json:"totalDeposited"`
	TotalWithdrawn int64 `json:"totalWithdrawn"`
	NetSettled     int64 `json:"netSettled"` // realized PnL minus fees, signed
}

// Available returns collateral usable for new orders.
func (a *Account) Available() int64 { return a.Balance - a.Locked }

// Vault is the global collateral ledger. One instance serves all markets;
// its mutex is the cross-market consistency domain.
type Vault struct {
	mu         sync.RWMutex
	accounts   map[common.Address]*Account
	authorized map[string]bool // marketID -> may move funds
	admin      common.Address

	store *Store // optional persistence, nil in tests
	log   *zap.Logger
}

// New creates a vault with no persistence. admin is the only identity
// allowed to change market authorization.
func New(admin common.Address, log *zap.Logger) *Vault {
	if log == nil {
		log = zap.NewNop()
	}
	return &Vault{
		accounts:   make(map[common.Address]*Account),
		authorized: make(map[string]bool),
		admin:      admin,
		log:        log,
	}
}

// NewWithStore creates a vault backed by a Pebble store and loads any
// persisted accounts into the in-memory ledger.
func NewWithStore(admin common.Address, dbPath string, log *zap.Logger) (*Vault, error) {
	v := New(admin, log)
	store, err := NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open vault store: %w", err)
	}
	accounts, err := store.LoadAccounts()
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	for _, acc := range accounts {
		v.accounts[acc.Trader] = acc
	}
	v.store = store
	return v, nil
}

// Close releases the underlying store, if any.
func (v *Vault) Close() error {
	if v.store == nil {
		return nil
	}
	return v.store.Close()
}

// SetMarketAuthorization grants or revokes a market's right to move funds.
// Admin only.
func (v *Vault) SetMarketAuthorization(caller common.Address, marketID string, ok bool) error {
	if caller != v.admin {
		return core.ErrNotAdmin
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if ok {
		v.authorized[marketID] = true
	} else {
		delete(v.authorized, marketID)
	}
	v.log.Info("market_authorization", zap.String("market", marketID), zap.Bool("authorized", ok))
	return nil
}

// IsAuthorized reports whether marketID may call the mutating methods.
func (v *Vault) IsAuthorized(marketID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.authorized[marketID]
}

// Deposit credits the trader's available balance. Creates the account on
// first use.
func (v *Vault) Deposit(trader common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive: %d", amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	acc := v.getLocked(trader)
	acc.Balance += amount
	acc.TotalDeposited += amount
	return v.persist(acc)
}

// Withdraw debits available balance; locked collateral cannot be withdrawn.
func (v *Vault) Withdraw(trader common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("withdraw amount must be positive: %d", amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	acc, ok := v.accounts[trader]
	if !ok || acc.Available() < amount {
		return fmt.Errorf("%w: have %d, need %d", core.ErrInsufficientBalance, v.availableLocked(trader), amount)
	}
	acc.Balance -= amount
	acc.TotalWithdrawn += amount
	return v.persist(acc)
}

// LockMargin moves amount from available to locked on behalf of marketID.
func (v *Vault) LockMargin(marketID string, trader common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("lock amount cannot be negative: %d", amount)
	}
	if amount == 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.authorized[marketID] {
		return fmt.Errorf("%w: %s", core.ErrUnauthorizedMarket, marketID)
	}
	acc, ok := v.accounts[trader]
	if !ok || acc.Available() < amount {
		return fmt.Errorf("%w: have %d, need %d", core.ErrInsufficientBalance, v.availableLocked(trader), amount)
	}
	acc.Locked += amount
	return v.persist(acc)
}

// ReleaseMargin moves amount from locked back to available.
func (v *Vault) ReleaseMargin(marketID string, trader common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("release amount cannot be negative: %d", amount)
	}
	if amount == 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.authorized[marketID] {
		return fmt.Errorf("%w: %s", core.ErrUnauthorizedMarket, marketID)
	}
	acc, ok := v.accounts[trader]
	if !ok || acc.Locked < amount {
		return fmt.Errorf("%w: locked %d, release %d", core.ErrInsufficientLocked, v.lockedLocked(trader), amount)
	}
	acc.Locked -= amount
	return v.persist(acc)
}

// ApplySettlement adjusts available balance by a signed delta (realized PnL,
// fees, settlement payouts). The balance may reach exactly zero but never
// goes negative; margin sizing upstream must keep losses within locked
// collateral.
func (v *Vault) ApplySettlement(marketID string, trader common.Address, delta int64) error {
	if delta == 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.authorized[marketID] {
		return fmt.Errorf("%w: %s", core.ErrUnauthorizedMarket, marketID)
	}
	acc := v.getLocked(trader)
	if delta < 0 && acc.Available() < -delta {
		return fmt.Errorf("%w: have %d, settle %d", core.ErrInsufficientBalance, acc.Available(), delta)
	}
	acc.Balance += delta
	acc.NetSettled += delta
	return v.persist(acc)
}

// GetBalance returns (available, locked) for a trader. Unknown traders read
// as zero.
func (v *Vault) GetBalance(trader common.Address) (available, locked int64) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	acc, ok := v.accounts[trader]
	if !ok {
		return 0, 0
	}
	return acc.Available(), acc.Locked
}

// GetAccount returns a copy of the trader's account, or nil if unknown.
func (v *Vault) GetAccount(trader common.Address) *Account {
	v.mu.RLock()
	defer v.mu.RUnlock()
	acc, ok := v.accounts[trader]
	if !ok {
		return nil
	}
	cp := *acc
	return &cp
}

// CheckConservation verifies available+locked matches the lifetime flow
// counters for a trader. Used by tests and the admin surface.
func (v *Vault) CheckConservation(trader common.Address) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	acc, ok := v.accounts[trader]
	if !ok {
		return nil
	}
	want := acc.TotalDeposited - acc.TotalWithdrawn + acc.NetSettled
	if acc.Balance != want {
		return fmt.Errorf("collateral conservation violated for %s: balance=%d, flows=%d",
			trader.Hex(), acc.Balance, want)
	}
	if acc.Locked < 0 || acc.Locked > acc.Balance {
		return fmt.Errorf("locked out of range for %s: locked=%d balance=%d",
			trader.Hex(), acc.Locked, acc.Balance)
	}
	return nil
}

func (v *Vault) getLocked(trader common.Address) *Account {
	acc, ok := v.accounts[trader]
	if !ok {
		acc = &Account{Trader: trader}
		v.accounts[trader] = acc
	}
	return acc
}

func (v *Vault) availableLocked(trader common.Address) int64 {
	if acc, ok := v.accounts[trader]; ok {
		return acc.Available()
	}
	return 0
}

func (v *Vault) lockedLocked(trader common.Address) int64 {
	if acc, ok := v.accounts[trader]; ok {
		return acc.Locked
	}
	return 0
}

func (v *Vault) persist(acc *Account) error {
	if v.store == nil {
		return nil
	}
	if err := v.store.SaveAccount(acc); err != nil {
		// The in-memory ledger is authoritative within a run; log and
		// continue rather than failing the trading operation.
		v.log.Error("persist_account_failed", zap.String("trader", acc.Trader.Hex()), zap.Error(err))
	}
	return nil
}
