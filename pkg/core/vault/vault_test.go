package vault

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"metricdex/pkg/core"
)

var (
	admin  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice  = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	market = "TEST-MKT"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v := New(admin, nil)
	if err := v.SetMarketAuthorization(admin, market, true); err != nil {
		t.Fatalf("authorize market: %v", err)
	}
	return v
}

func TestDepositWithdraw(t *testing.T) {
	v := newTestVault(t)

	if err := v.Deposit(alice, 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	available, locked := v.GetBalance(alice)
	if available != 100 || locked != 0 {
		t.Errorf("after deposit: available=%d locked=%d", available, locked)
	}

	if err := v.Withdraw(alice, 40); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	available, _ = v.GetBalance(alice)
	if available != 60 {
		t.Errorf("after withdraw: available=%d, want 60", available)
	}

	if err := v.Withdraw(alice, 1000); !errors.Is(err, core.ErrInsufficientBalance) {
		t.Errorf("overdraw should fail with ErrInsufficientBalance, got %v", err)
	}
	if err := v.Deposit(alice, 0); err == nil {
		t.Error("zero deposit should fail")
	}
	if err := v.Withdraw(alice, -5); err == nil {
		t.Error("negative withdraw should fail")
	}
	if err := v.CheckConservation(alice); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

func TestLockRelease(t *testing.T) {
	v := newTestVault(t)
	mustDeposit(t, v, alice, 100)

	if err := v.LockMargin(market, alice, 70); err != nil {
		t.Fatalf("lock: %v", err)
	}
	available, locked := v.GetBalance(alice)
	if available != 30 || locked != 70 {
		t.Errorf("after lock: available=%d locked=%d", available, locked)
	}

	// Locked collateral is not withdrawable.
	if err := v.Withdraw(alice, 50); !errors.Is(err, core.ErrInsufficientBalance) {
		t.Errorf("withdraw into locked funds should fail, got %v", err)
	}

	if err := v.LockMargin(market, alice, 31); !errors.Is(err, core.ErrInsufficientBalance) {
		t.Errorf("lock beyond available should fail, got %v", err)
	}
	if err := v.ReleaseMargin(market, alice, 80); !errors.Is(err, core.ErrInsufficientLocked) {
		t.Errorf("release beyond locked should fail, got %v", err)
	}

	if err := v.ReleaseMargin(market, alice, 70); err != nil {
		t.Fatalf("release: %v", err)
	}
	available, locked = v.GetBalance(alice)
	if available != 100 || locked != 0 {
		t.Errorf("after release: available=%d locked=%d", available, locked)
	}
	if err := v.CheckConservation(alice); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

func TestApplySettlement(t *testing.T) {
	v := newTestVault(t)
	mustDeposit(t, v, alice, 100)

	if err := v.ApplySettlement(market, alice, 25); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := v.ApplySettlement(market, alice, -125); err != nil {
		t.Fatalf("debit to zero: %v", err)
	}
	available, _ := v.GetBalance(alice)
	if available != 0 {
		t.Errorf("available = %d, want 0", available)
	}
	if err := v.ApplySettlement(market, alice, -1); !errors.Is(err, core.ErrInsufficientBalance) {
		t.Errorf("debit below zero should fail, got %v", err)
	}
	if err := v.CheckConservation(alice); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

func TestMarketAuthorization(t *testing.T) {
	v := New(admin, nil)
	mustDeposit(t, v, alice, 100)

	if err := v.LockMargin("UNKNOWN", alice, 10); !errors.Is(err, core.ErrUnauthorizedMarket) {
		t.Errorf("unauthorized market lock should fail, got %v", err)
	}
	if err := v.SetMarketAuthorization(alice, "M", true); !errors.Is(err, core.ErrNotAdmin) {
		t.Errorf("non-admin authorization should fail, got %v", err)
	}

	if err := v.SetMarketAuthorization(admin, "M", true); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !v.IsAuthorized("M") {
		t.Error("market should be authorized")
	}
	if err := v.LockMargin("M", alice, 10); err != nil {
		t.Errorf("authorized lock: %v", err)
	}

	if err := v.SetMarketAuthorization(admin, "M", false); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := v.ReleaseMargin("M", alice, 10); !errors.Is(err, core.ErrUnauthorizedMarket) {
		t.Errorf("revoked market release should fail, got %v", err)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	v, err := NewWithStore(admin, dir, nil)
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	if err := v.SetMarketAuthorization(admin, market, true); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	mustDeposit(t, v, alice, 500)
	mustDeposit(t, v, bob, 300)
	if err := v.LockMargin(market, alice, 200); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewWithStore(admin, dir, nil)
	if err != nil {
		t.Fatalf("reopen vault: %v", err)
	}
	defer reopened.Close()

	available, locked := reopened.GetBalance(alice)
	if available != 300 || locked != 200 {
		t.Errorf("alice after reload: available=%d locked=%d", available, locked)
	}
	available, _ = reopened.GetBalance(bob)
	if available != 300 {
		t.Errorf("bob after reload: available=%d", available)
	}
	if err := reopened.CheckConservation(alice); err != nil {
		t.Errorf("conservation after reload: %v", err)
	}
}

func mustDeposit(t *testing.T, v *Vault, trader common.Address, amount int64) {
	t.Helper()
	if err := v.Deposit(trader, amount); err != nil {
		t.Fatalf("deposit %d for %s: %v", amount, trader.Hex(), err)
	}
}
