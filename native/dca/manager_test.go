package dca

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"recurpay/core/state"
	"recurpay/native/assets"
	"recurpay/native/engine"
	"recurpay/native/obligation"
	"recurpay/native/schedule"
	"recurpay/native/vault"
	"recurpay/storage"
)

var (
	buyer    = [20]byte{0x01}
	receiver = [20]byte{0x03}
	self     = [20]byte{0xaa}
)

const week = 7 * uint64(86400)

type swapCall struct {
	From     string
	To       string
	AmountIn *big.Int
	MinOut   *big.Int
}

// stubRouter quotes through a configurable function and records executed
// swaps.
type stubRouter struct {
	quote   func(amountIn *big.Int) *big.Int
	swapErr error
	swaps   []swapCall
}

func (r *stubRouter) Quote(from, to string, amountIn *big.Int) (*big.Int, error) {
	return r.quote(amountIn), nil
}

func (r *stubRouter) Swap(from, to string, amountIn, minOut *big.Int, recipient [20]byte) (*big.Int, error) {
	if r.swapErr != nil {
		return nil, r.swapErr
	}
	r.swaps = append(r.swaps, swapCall{From: from, To: to, AmountIn: new(big.Int).Set(amountIn), MinOut: new(big.Int).Set(minOut)})
	return r.quote(amountIn), nil
}

type harness struct {
	manager *Manager
	vault   *vault.Vault
	oracle  *assets.ManualOracle
	router  *stubRouter
	now     uint64
}

func usdv(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000_000))
}

// honestQuote converts USDV input to WETH output at 2000 USDV per WETH.
func honestQuote(amountIn *big.Int) *big.Int {
	out := new(big.Int).Mul(amountIn, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	return out.Div(out, usdv(2000))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	oracle := assets.NewManualOracle()
	registry := assets.NewRegistry(mgr, oracle, "USDV")
	if err := registry.Allow(assets.Asset{Symbol: "USDV", Decimals: 6, Allowed: true, SlippageBps: 50}); err != nil {
		t.Fatalf("allow base: %v", err)
	}
	if err := registry.Allow(assets.Asset{Symbol: "WETH", Decimals: 18, Allowed: true}); err != nil {
		t.Fatalf("allow weth: %v", err)
	}
	oracle.Set("USDV", "WETH", big.NewRat(2000, 1), time.Now())
	v := vault.New(mgr, registry)
	if err := v.AddProtocol(self); err != nil {
		t.Fatalf("add protocol: %v", err)
	}
	obs := obligation.NewStore(mgr)
	queue, err := schedule.New(mgr, obs, "dca", 3600, 0)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	router := &stubRouter{quote: honestQuote}
	dca := NewManager(mgr, obs, queue, v, registry, router, self, engine.Params{})
	h := &harness{manager: dca, vault: v, oracle: oracle, router: router, now: 1_700_000_000}
	dca.Core().SetNowFunc(func() uint64 { return h.now })
	return h
}

func (h *harness) perform(t *testing.T) int {
	t.Helper()
	needed, data, err := h.manager.CheckUpkeep(10)
	if err != nil {
		t.Fatalf("check upkeep: %v", err)
	}
	if !needed {
		return 0
	}
	processed, err := h.manager.PerformUpkeep(data)
	if err != nil {
		t.Fatalf("perform upkeep: %v", err)
	}
	return processed
}

func publishSpec(t *testing.T, m *Manager, spec AssetSpec) [32]byte {
	t.Helper()
	leaf, err := spec.LeafHash()
	if err != nil {
		t.Fatalf("spec leaf: %v", err)
	}
	if err := m.SetSpecRoot(leaf); err != nil {
		t.Fatalf("set spec root: %v", err)
	}
	return leaf
}

func weeklyOrder(amount, limit *big.Int) *Order {
	return &Order{
		Spec:       AssetSpec{From: "USDV", To: "WETH"},
		Amount:     amount,
		Period:     week,
		TotalLimit: limit,
		Receiver:   receiver,
	}
}

func TestTotalAmountClipsAndCompletes(t *testing.T) {
	h := newHarness(t)
	if _, err := h.vault.Deposit(buyer, "USDV", usdv(300)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	order := weeklyOrder(usdv(100), usdv(250))
	publishSpec(t, h.manager, order.Spec)
	id, err := h.manager.Create(buyer, order, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 4; i++ {
		h.now += week
		h.perform(t)
	}
	value, err := h.vault.CurrentValueOf(buyer)
	if err != nil {
		t.Fatalf("value of: %v", err)
	}
	if value.Cmp(usdv(50)) != 0 {
		t.Fatalf("expected 50 left after 250 spent, got %s", value)
	}
	if len(h.router.swaps) != 3 {
		t.Fatalf("expected 3 swaps, got %d", len(h.router.swaps))
	}
	want := []*big.Int{usdv(100), usdv(100), usdv(50)}
	for i, swap := range h.router.swaps {
		if swap.AmountIn.Cmp(want[i]) != 0 {
			t.Fatalf("swap %d: expected amountIn %s, got %s", i, want[i], swap.AmountIn)
		}
	}
	ob, err := h.manager.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ob.Status != obligation.StatusComplete {
		t.Fatalf("expected complete, got %s", ob.Status)
	}
	// No further purchases after completion.
	h.now += week
	if processed := h.perform(t); processed != 0 {
		t.Fatalf("completed order still processed")
	}
}

func TestExcessSlippageSkips(t *testing.T) {
	h := newHarness(t)
	if _, err := h.vault.Deposit(buyer, "USDV", usdv(300)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	order := weeklyOrder(usdv(100), nil)
	publishSpec(t, h.manager, order.Spec)
	id, err := h.manager.Create(buyer, order, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Router now quoting 1% under the oracle expectation against a 50 bps
	// tolerance.
	h.router.quote = func(amountIn *big.Int) *big.Int {
		honest := honestQuote(amountIn)
		cut := new(big.Int).Mul(honest, big.NewInt(99))
		return cut.Div(cut, big.NewInt(100))
	}
	h.now += week
	h.perform(t)
	if len(h.router.swaps) != 0 {
		t.Fatalf("swap executed despite excess slippage")
	}
	ob, err := h.manager.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ob.NumSkips != 1 {
		t.Fatalf("expected 1 skip, got %d", ob.NumSkips)
	}
	value, err := h.vault.CurrentValueOf(buyer)
	if err != nil {
		t.Fatalf("value of: %v", err)
	}
	if value.Cmp(usdv(300)) != 0 {
		t.Fatalf("value moved on a skipped attempt: %s", value)
	}

	// Quote recovers, the retry executes.
	h.router.quote = honestQuote
	h.now += 7200
	h.perform(t)
	if len(h.router.swaps) != 1 {
		t.Fatalf("expected recovery swap, got %d", len(h.router.swaps))
	}
}

func TestSwapFailureRefundsAndRetries(t *testing.T) {
	h := newHarness(t)
	if _, err := h.vault.Deposit(buyer, "USDV", usdv(300)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	order := weeklyOrder(usdv(100), nil)
	publishSpec(t, h.manager, order.Spec)
	id, err := h.manager.Create(buyer, order, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	h.router.swapErr = errors.New("router reverted")
	h.now += week
	h.perform(t)
	if len(h.router.swaps) != 0 {
		t.Fatalf("swap recorded despite router failure")
	}
	ob, err := h.manager.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ob.Status != obligation.StatusActive {
		t.Fatalf("expected active after router failure, got %s", ob.Status)
	}
	if ob.NumSkips != 1 {
		t.Fatalf("expected 1 skip, got %d", ob.NumSkips)
	}
	if ob.BucketKey == 0 {
		t.Fatalf("order fell out of the queue after router failure")
	}
	value, err := h.vault.CurrentValueOf(buyer)
	if err != nil {
		t.Fatalf("value of: %v", err)
	}
	if value.Cmp(usdv(300)) != 0 {
		t.Fatalf("charge not returned after router failure: %s", value)
	}

	// Router recovers, the retry charges once.
	h.router.swapErr = nil
	h.now += 7200
	h.perform(t)
	if len(h.router.swaps) != 1 {
		t.Fatalf("expected recovery swap, got %d", len(h.router.swaps))
	}
	value, err = h.vault.CurrentValueOf(buyer)
	if err != nil {
		t.Fatalf("value of: %v", err)
	}
	if value.Cmp(usdv(200)) != 0 {
		t.Fatalf("expected 200 after recovery purchase, got %s", value)
	}
}

func TestPriceBoundsRejectCreationAndSkipProcessing(t *testing.T) {
	h := newHarness(t)
	if _, err := h.vault.Deposit(buyer, "USDV", usdv(300)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	order := weeklyOrder(usdv(100), nil)
	order.MaxPrice = usdv(1500)
	publishSpec(t, h.manager, order.Spec)
	if _, err := h.manager.Create(buyer, order, nil); !errors.Is(err, ErrPriceOutOfBounds) {
		t.Fatalf("expected ErrPriceOutOfBounds, got %v", err)
	}

	order.MaxPrice = usdv(2500)
	id, err := h.manager.Create(buyer, order, nil)
	if err != nil {
		t.Fatalf("create within bounds: %v", err)
	}
	// Price rallies past the cap before the first purchase.
	h.oracle.Set("USDV", "WETH", big.NewRat(3000, 1), time.Now())
	h.now += week
	h.perform(t)
	ob, err := h.manager.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ob.NumSkips != 1 {
		t.Fatalf("expected price-bounds skip, got %d skips", ob.NumSkips)
	}
	if len(h.router.swaps) != 0 {
		t.Fatalf("swap executed outside price bounds")
	}
}

func TestBlacklistBlocksCreationAndProcessing(t *testing.T) {
	h := newHarness(t)
	if _, err := h.vault.Deposit(buyer, "USDV", usdv(300)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	order := weeklyOrder(usdv(100), nil)
	hash := publishSpec(t, h.manager, order.Spec)
	id, err := h.manager.Create(buyer, order, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.manager.BlacklistAssetSpec(hash); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	if _, err := h.manager.Create(buyer, order, nil); !errors.Is(err, ErrSpecBlacklisted) {
		t.Fatalf("expected ErrSpecBlacklisted, got %v", err)
	}
	h.now += week
	h.perform(t)
	if len(h.router.swaps) != 0 {
		t.Fatalf("blacklisted spec was swapped")
	}
	ob, err := h.manager.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ob.NumSkips != 1 {
		t.Fatalf("expected registry skip, got %d", ob.NumSkips)
	}
}

func TestCreateRejectsBadProof(t *testing.T) {
	h := newHarness(t)
	order := weeklyOrder(usdv(100), nil)
	publishSpec(t, h.manager, AssetSpec{From: "USDV", To: "WBTC"})
	if _, err := h.manager.Create(buyer, order, nil); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof, got %v", err)
	}
}

func TestCancelStopsPurchases(t *testing.T) {
	h := newHarness(t)
	if _, err := h.vault.Deposit(buyer, "USDV", usdv(300)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	order := weeklyOrder(usdv(100), nil)
	publishSpec(t, h.manager, order.Spec)
	id, err := h.manager.Create(buyer, order, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.manager.Cancel(id, buyer); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.now += week
	if processed := h.perform(t); processed != 0 {
		t.Fatalf("canceled order processed")
	}
	ob, err := h.manager.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ob.Status != obligation.StatusCanceled {
		t.Fatalf("expected canceled, got %s", ob.Status)
	}
}
