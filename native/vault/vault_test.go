package vault

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"recurpay/core/state"
	"recurpay/native/assets"
	"recurpay/storage"
)

var (
	alice    = [20]byte{0x01}
	bob      = [20]byte{0x02}
	feeAddr  = [20]byte{0x0f}
	manager  = [20]byte{0xaa}
	stranger = [20]byte{0xbb}
)

func newTestVault(t *testing.T) (*Vault, *assets.ManualOracle) {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	oracle := assets.NewManualOracle()
	registry := assets.NewRegistry(mgr, oracle, "USDV")
	if err := registry.Allow(assets.Asset{Symbol: "USDV", Decimals: 6, Allowed: true}); err != nil {
		t.Fatalf("allow base: %v", err)
	}
	vault := New(mgr, registry)
	if err := vault.AddProtocol(manager); err != nil {
		t.Fatalf("add protocol: %v", err)
	}
	return vault, oracle
}

func usdv(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000_000))
}

func TestDepositBaseAssetMintsShares(t *testing.T) {
	vault, _ := newTestVault(t)
	shares, err := vault.Deposit(alice, "USDV", usdv(100))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if shares.Cmp(usdv(100)) != 0 {
		t.Fatalf("expected 1:1 initial mint, got %s", shares)
	}
	value, err := vault.CurrentValueOf(alice)
	if err != nil {
		t.Fatalf("value of: %v", err)
	}
	if value.Cmp(usdv(100)) != 0 {
		t.Fatalf("expected value 100 USDV, got %s", value)
	}
}

func TestDepositNonBaseAssetConverted(t *testing.T) {
	vault, oracle := newTestVault(t)
	if err := vault.Registry().Allow(assets.Asset{Symbol: "WETH", Decimals: 18, Allowed: true}); err != nil {
		t.Fatalf("allow weth: %v", err)
	}
	oracle.Set("USDV", "WETH", big.NewRat(2000, 1), time.Now())
	oneEth := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	shares, err := vault.Deposit(alice, "WETH", oneEth)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if shares.Cmp(usdv(2000)) != 0 {
		t.Fatalf("expected 2000 USDV of shares, got %s", shares)
	}
}

func TestDepositRejectsDisallowedAsset(t *testing.T) {
	vault, _ := newTestVault(t)
	if _, err := vault.Deposit(alice, "DOGE", big.NewInt(1)); !errors.Is(err, assets.ErrAssetNotFound) {
		t.Fatalf("expected ErrAssetNotFound, got %v", err)
	}
}

func TestDepositMinimum(t *testing.T) {
	vault, _ := newTestVault(t)
	vault.SetMinDeposit(usdv(10))
	if _, err := vault.Deposit(alice, "USDV", usdv(5)); !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum, got %v", err)
	}
	if _, err := vault.Deposit(alice, "USDV", usdv(10)); err != nil {
		t.Fatalf("deposit at minimum: %v", err)
	}
}

func TestDepositCap(t *testing.T) {
	vault, _ := newTestVault(t)
	if err := vault.Registry().Allow(assets.Asset{Symbol: "USDV", Decimals: 6, Allowed: true, DepositLimit: usdv(150)}); err != nil {
		t.Fatalf("set cap: %v", err)
	}
	if _, err := vault.Deposit(alice, "USDV", usdv(100)); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	if _, err := vault.Deposit(alice, "USDV", usdv(100)); !errors.Is(err, ErrDepositCap) {
		t.Fatalf("expected ErrDepositCap, got %v", err)
	}
}

type fixedQuoter struct {
	out *big.Int
}

func (q fixedQuoter) Quote(_, _ string, _ *big.Int) (*big.Int, error) {
	return new(big.Int).Set(q.out), nil
}

func TestDepositSlippageGuard(t *testing.T) {
	vault, oracle := newTestVault(t)
	if err := vault.Registry().Allow(assets.Asset{Symbol: "WETH", Decimals: 18, Allowed: true, SlippageBps: 50}); err != nil {
		t.Fatalf("allow weth: %v", err)
	}
	oracle.Set("USDV", "WETH", big.NewRat(2000, 1), time.Now())
	oneEth := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	// Router quotes 1% below oracle value: beyond the 0.5% tolerance.
	vault.SetQuoter(fixedQuoter{out: usdv(1980)})
	if _, err := vault.Deposit(alice, "WETH", oneEth); !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("expected ErrSlippageExceeded, got %v", err)
	}

	vault.SetQuoter(fixedQuoter{out: usdv(1995)})
	if _, err := vault.Deposit(alice, "WETH", oneEth); err != nil {
		t.Fatalf("deposit within tolerance: %v", err)
	}
}

func TestCollectRequiresProtocol(t *testing.T) {
	vault, _ := newTestVault(t)
	if _, err := vault.Deposit(alice, "USDV", usdv(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := vault.Collect(stranger, alice, "subscription", usdv(10)); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestCollectAndCreditConservation(t *testing.T) {
	vault, _ := newTestVault(t)
	if _, err := vault.Deposit(alice, "USDV", usdv(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := vault.Collect(manager, alice, "p2p", usdv(10)); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if err := vault.Credit(manager, bob, usdv(9)); err != nil {
		t.Fatalf("credit bob: %v", err)
	}
	if err := vault.Credit(manager, feeAddr, usdv(1)); err != nil {
		t.Fatalf("credit fee: %v", err)
	}
	for _, tc := range []struct {
		owner [20]byte
		want  *big.Int
	}{
		{alice, usdv(90)},
		{bob, usdv(9)},
		{feeAddr, usdv(1)},
	} {
		value, err := vault.CurrentValueOf(tc.owner)
		if err != nil {
			t.Fatalf("value of: %v", err)
		}
		if value.Cmp(tc.want) != 0 {
			t.Fatalf("owner %x: expected %s, got %s", tc.owner[:1], tc.want, value)
		}
	}
	totalValue, err := vault.TotalValue()
	if err != nil {
		t.Fatalf("total value: %v", err)
	}
	if totalValue.Cmp(usdv(100)) != 0 {
		t.Fatalf("value leaked: total %s", totalValue)
	}
}

func TestTransferToSelfLeavesBalancesUntouched(t *testing.T) {
	vault, _ := newTestVault(t)
	if _, err := vault.Deposit(alice, "USDV", usdv(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := vault.Transfer(manager, alice, alice, usdv(40), big.NewInt(0)); err != nil {
		t.Fatalf("self transfer: %v", err)
	}
	shares, err := vault.ShareBalanceOf(alice)
	if err != nil {
		t.Fatalf("share balance: %v", err)
	}
	if shares.Cmp(usdv(100)) != 0 {
		t.Fatalf("self transfer changed share balance: %s", shares)
	}
	total, err := vault.TotalShares()
	if err != nil {
		t.Fatalf("total shares: %v", err)
	}
	if total.Cmp(usdv(100)) != 0 {
		t.Fatalf("self transfer minted shares: total %s", total)
	}
}

func TestCollectInsufficientFunds(t *testing.T) {
	vault, _ := newTestVault(t)
	if _, err := vault.Deposit(alice, "USDV", usdv(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := vault.Collect(manager, alice, "subscription", usdv(10)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

type recordingFunder struct {
	fail   bool
	pulled []string
}

func (f *recordingFunder) Pull(_ [20]byte, asset string, amount *big.Int) error {
	if f.fail {
		return fmt.Errorf("allowance exhausted")
	}
	f.pulled = append(f.pulled, asset+":"+amount.String())
	return nil
}

func TestCollectExternalFundingSource(t *testing.T) {
	vault, _ := newTestVault(t)
	funder := &recordingFunder{}
	vault.SetExternalFunder(funder)
	if err := vault.SetFundingSource(alice, "subscription", "USDV"); err != nil {
		t.Fatalf("set funding source: %v", err)
	}
	// Alice holds no vault shares at all; the charge must come externally.
	if err := vault.Collect(manager, alice, "subscription", usdv(10)); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(funder.pulled) != 1 {
		t.Fatalf("expected one external pull, got %v", funder.pulled)
	}
	if err := vault.Credit(manager, bob, usdv(10)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	value, err := vault.CurrentValueOf(bob)
	if err != nil {
		t.Fatalf("value of: %v", err)
	}
	if value.Cmp(usdv(10)) != 0 {
		t.Fatalf("expected bob to hold 10 USDV, got %s", value)
	}
}

func TestCollectExternalFailureNeverFallsBack(t *testing.T) {
	vault, _ := newTestVault(t)
	vault.SetExternalFunder(&recordingFunder{fail: true})
	if _, err := vault.Deposit(alice, "USDV", usdv(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := vault.SetFundingSource(alice, "subscription", "USDV"); err != nil {
		t.Fatalf("set funding source: %v", err)
	}
	if err := vault.Collect(manager, alice, "subscription", usdv(10)); !errors.Is(err, ErrExternalPullFailed) {
		t.Fatalf("expected ErrExternalPullFailed, got %v", err)
	}
	// Shares untouched despite sufficient balance.
	value, err := vault.CurrentValueOf(alice)
	if err != nil {
		t.Fatalf("value of: %v", err)
	}
	if value.Cmp(usdv(100)) != 0 {
		t.Fatalf("expected untouched balance, got %s", value)
	}
}

func TestWithdraw(t *testing.T) {
	vault, _ := newTestVault(t)
	shares, err := vault.Deposit(alice, "USDV", usdv(100))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	half := new(big.Int).Div(shares, big.NewInt(2))
	amountOut, err := vault.Withdraw(alice, "USDV", half)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if amountOut.Cmp(usdv(50)) != 0 {
		t.Fatalf("expected 50 USDV out, got %s", amountOut)
	}
	value, err := vault.CurrentValueOf(alice)
	if err != nil {
		t.Fatalf("value of: %v", err)
	}
	if value.Cmp(usdv(50)) != 0 {
		t.Fatalf("expected 50 USDV left, got %s", value)
	}
}

func TestReleasePaysOutAsset(t *testing.T) {
	vault, _ := newTestVault(t)
	if _, err := vault.Deposit(alice, "USDV", usdv(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := vault.Collect(manager, alice, "topup", usdv(25)); err != nil {
		t.Fatalf("collect: %v", err)
	}
	amountOut, err := vault.Release(manager, "USDV", usdv(25))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if amountOut.Cmp(usdv(25)) != 0 {
		t.Fatalf("expected 25 USDV released, got %s", amountOut)
	}
	totalValue, err := vault.TotalValue()
	if err != nil {
		t.Fatalf("total value: %v", err)
	}
	if totalValue.Cmp(usdv(75)) != 0 {
		t.Fatalf("expected total 75 after release, got %s", totalValue)
	}
}

func TestReclaimReversesRelease(t *testing.T) {
	vault, _ := newTestVault(t)
	if _, err := vault.Deposit(alice, "USDV", usdv(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := vault.Collect(manager, alice, "dca", usdv(25)); err != nil {
		t.Fatalf("collect: %v", err)
	}
	amountOut, err := vault.Release(manager, "USDV", usdv(25))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	value, err := vault.Reclaim(manager, "USDV", amountOut)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if value.Cmp(usdv(25)) != 0 {
		t.Fatalf("expected 25 USDV of value reclaimed, got %s", value)
	}
	if err := vault.Credit(manager, alice, value); err != nil {
		t.Fatalf("credit: %v", err)
	}
	aliceValue, err := vault.CurrentValueOf(alice)
	if err != nil {
		t.Fatalf("value of: %v", err)
	}
	if aliceValue.Cmp(usdv(100)) != 0 {
		t.Fatalf("round trip lost value: %s", aliceValue)
	}
	totalValue, err := vault.TotalValue()
	if err != nil {
		t.Fatalf("total value: %v", err)
	}
	if totalValue.Cmp(usdv(100)) != 0 {
		t.Fatalf("expected total restored to 100, got %s", totalValue)
	}
	if _, err := vault.Reclaim(stranger, "USDV", usdv(1)); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}
