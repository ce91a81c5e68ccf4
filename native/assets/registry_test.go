package assets

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"recurpay/core/state"
	"recurpay/storage"
)

func newTestRegistry(t *testing.T) (*Registry, *ManualOracle) {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	oracle := NewManualOracle()
	registry := NewRegistry(mgr, oracle, "USDV")
	if err := registry.Allow(Asset{Symbol: "USDV", Decimals: 6, Allowed: true}); err != nil {
		t.Fatalf("allow base: %v", err)
	}
	return registry, oracle
}

func TestRegistryAllowAndGet(t *testing.T) {
	registry, _ := newTestRegistry(t)
	if err := registry.Allow(Asset{
		Symbol:       "weth",
		Decimals:     18,
		Allowed:      true,
		DepositLimit: big.NewInt(1_000_000),
		FeedRef:      "manual",
		SlippageBps:  50,
	}); err != nil {
		t.Fatalf("allow: %v", err)
	}
	asset, err := registry.Get("WETH")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if asset.Symbol != "WETH" || asset.Decimals != 18 || !asset.Allowed {
		t.Fatalf("unexpected asset %+v", asset)
	}
	if asset.DepositLimit.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("unexpected deposit limit %s", asset.DepositLimit)
	}
}

func TestRegistryDisallowKeepsMetadata(t *testing.T) {
	registry, _ := newTestRegistry(t)
	if err := registry.Allow(Asset{Symbol: "WETH", Decimals: 18, Allowed: true}); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if err := registry.Disallow("WETH"); err != nil {
		t.Fatalf("disallow: %v", err)
	}
	if _, err := registry.GetAllowed("WETH"); !errors.Is(err, ErrAssetNotAllowed) {
		t.Fatalf("expected ErrAssetNotAllowed, got %v", err)
	}
	asset, err := registry.Get("WETH")
	if err != nil {
		t.Fatalf("get after disallow: %v", err)
	}
	if asset.Decimals != 18 {
		t.Fatalf("metadata lost on disallow: %+v", asset)
	}
}

func TestRegistryValueOf(t *testing.T) {
	registry, oracle := newTestRegistry(t)
	if err := registry.Allow(Asset{Symbol: "WETH", Decimals: 18, Allowed: true}); err != nil {
		t.Fatalf("allow: %v", err)
	}
	// 1 WETH = 2000 USDV.
	oracle.Set("USDV", "WETH", big.NewRat(2000, 1), time.Now())

	// Half a WETH in wei should be worth 1000 USDV in 6-decimal units.
	half := new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil)
	half.Mul(half, big.NewInt(5))
	value, err := registry.ValueOf("WETH", half)
	if err != nil {
		t.Fatalf("value of: %v", err)
	}
	want := big.NewInt(1000_000000)
	if value.Cmp(want) != 0 {
		t.Fatalf("expected %s, got %s", want, value)
	}
}

func TestRegistryConvertPriceCrossRate(t *testing.T) {
	registry, oracle := newTestRegistry(t)
	if err := registry.Allow(Asset{Symbol: "WETH", Decimals: 18, Allowed: true}); err != nil {
		t.Fatalf("allow weth: %v", err)
	}
	if err := registry.Allow(Asset{Symbol: "WBTC", Decimals: 8, Allowed: true}); err != nil {
		t.Fatalf("allow wbtc: %v", err)
	}
	now := time.Now()
	oracle.Set("USDV", "WETH", big.NewRat(2000, 1), now)
	oracle.Set("USDV", "WBTC", big.NewRat(40000, 1), now)

	// 20 WETH should convert to 1 WBTC.
	amount := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	amount.Mul(amount, big.NewInt(20))
	converted, err := registry.ConvertPrice("WETH", "WBTC", amount)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	want := new(big.Int).Exp(big.NewInt(10), big.NewInt(8), nil)
	if converted.Cmp(want) != 0 {
		t.Fatalf("expected %s sats, got %s", want, converted)
	}
}

func TestAggregatorRejectsStaleQuotes(t *testing.T) {
	aggregator := NewOracleAggregator([]string{"manual"}, time.Minute)
	now := time.Unix(1_800_000_000, 0)
	aggregator.SetNowFunc(func() time.Time { return now })
	manual := NewManualOracle()
	aggregator.Register("manual", manual)

	manual.Set("USDV", "WETH", big.NewRat(2000, 1), now.Add(-2*time.Minute))
	if _, err := aggregator.GetRate("USDV", "WETH"); !errors.Is(err, ErrNoFreshQuote) {
		t.Fatalf("expected ErrNoFreshQuote, got %v", err)
	}

	manual.Set("USDV", "WETH", big.NewRat(2000, 1), now.Add(-10*time.Second))
	quote, err := aggregator.GetRate("USDV", "WETH")
	if err != nil {
		t.Fatalf("fresh quote: %v", err)
	}
	if quote.Rate.Cmp(big.NewRat(2000, 1)) != 0 {
		t.Fatalf("unexpected rate %s", quote.RateString(2))
	}
	health := aggregator.Health()
	if len(health.Feeds) != 1 || health.Feeds[0].Observations != 1 {
		t.Fatalf("unexpected health %+v", health)
	}
}
