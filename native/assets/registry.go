package assets

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Storage abstracts the subset of state manager functionality required by the
// asset registry.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

var (
	assetPrefix   = []byte("assets/meta/")
	assetIndexKey = []byte("assets/index")
)

var (
	// ErrAssetNotFound indicates the symbol has never been registered.
	ErrAssetNotFound = errors.New("assets: asset not found")
	// ErrAssetNotAllowed indicates the asset exists but is disabled for new
	// deposits and conversions.
	ErrAssetNotAllowed = errors.New("assets: asset not allowed")
)

// Asset captures the per-asset metadata governance maintains. Assets are never
// deleted; removal is expressed by flipping Allowed to false so historical
// balances keep resolving.
type Asset struct {
	Symbol       string
	Decimals     uint8
	Allowed      bool
	DepositLimit *big.Int
	FeedRef      string
	SlippageBps  uint64
}

// Copy returns a deep copy to avoid callers mutating shared pointers.
func (a *Asset) Copy() *Asset {
	if a == nil {
		return nil
	}
	clone := *a
	if a.DepositLimit != nil {
		clone.DepositLimit = new(big.Int).Set(a.DepositLimit)
	}
	return &clone
}

type storedAsset struct {
	Symbol       string
	Decimals     uint8
	Allowed      bool
	DepositLimit string
	FeedRef      string
	SlippageBps  uint64
}

// Registry persists asset metadata in the underlying key-value store and
// resolves value conversions through the configured price oracle.
type Registry struct {
	store  Storage
	oracle PriceOracle
	base   string
}

// NewRegistry constructs a registry bound to the provided storage backend. The
// base symbol denominates all vault value accounting.
func NewRegistry(store Storage, oracle PriceOracle, baseSymbol string) *Registry {
	return &Registry{store: store, oracle: oracle, base: NormalizeSymbol(baseSymbol)}
}

// BaseSymbol returns the base accounting asset.
func (r *Registry) BaseSymbol() string {
	if r == nil {
		return ""
	}
	return r.base
}

// Allow registers or updates an asset. Re-allowing a previously disabled asset
// is the supported path for restoring it.
func (r *Registry) Allow(asset Asset) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("assets: registry not initialised")
	}
	symbol := NormalizeSymbol(asset.Symbol)
	if symbol == "" {
		return fmt.Errorf("assets: symbol required")
	}
	if asset.SlippageBps > 10_000 {
		return fmt.Errorf("assets: slippage tolerance %d exceeds 10000 bps", asset.SlippageBps)
	}
	stored := storedAsset{
		Symbol:      symbol,
		Decimals:    asset.Decimals,
		Allowed:     asset.Allowed,
		FeedRef:     strings.TrimSpace(asset.FeedRef),
		SlippageBps: asset.SlippageBps,
	}
	if asset.DepositLimit != nil {
		if asset.DepositLimit.Sign() < 0 {
			return fmt.Errorf("assets: deposit limit must not be negative")
		}
		stored.DepositLimit = asset.DepositLimit.String()
	}
	if err := r.store.KVPut(assetKey(symbol), stored); err != nil {
		return err
	}
	return r.store.KVAppend(assetIndexKey, []byte(symbol))
}

// Disallow disables an asset for new deposits without erasing its metadata.
func (r *Registry) Disallow(symbol string) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("assets: registry not initialised")
	}
	asset, err := r.Get(symbol)
	if err != nil {
		return err
	}
	asset.Allowed = false
	return r.Allow(*asset)
}

// Get retrieves the asset metadata for the supplied symbol.
func (r *Registry) Get(symbol string) (*Asset, error) {
	if r == nil || r.store == nil {
		return nil, fmt.Errorf("assets: registry not initialised")
	}
	normalized := NormalizeSymbol(symbol)
	var stored storedAsset
	ok, err := r.store.KVGet(assetKey(normalized), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAssetNotFound
	}
	asset := &Asset{
		Symbol:      stored.Symbol,
		Decimals:    stored.Decimals,
		Allowed:     stored.Allowed,
		FeedRef:     stored.FeedRef,
		SlippageBps: stored.SlippageBps,
	}
	if strings.TrimSpace(stored.DepositLimit) != "" {
		limit, ok := new(big.Int).SetString(stored.DepositLimit, 10)
		if !ok {
			return nil, fmt.Errorf("assets: invalid deposit limit %q", stored.DepositLimit)
		}
		asset.DepositLimit = limit
	}
	return asset, nil
}

// GetAllowed retrieves the asset and rejects disabled entries.
func (r *Registry) GetAllowed(symbol string) (*Asset, error) {
	asset, err := r.Get(symbol)
	if err != nil {
		return nil, err
	}
	if !asset.Allowed {
		return nil, ErrAssetNotAllowed
	}
	return asset, nil
}

// List returns all registered symbols in insertion order.
func (r *Registry) List() ([]string, error) {
	if r == nil || r.store == nil {
		return nil, fmt.Errorf("assets: registry not initialised")
	}
	var raw [][]byte
	if err := r.store.KVGetList(assetIndexKey, &raw); err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(raw))
	for _, entry := range raw {
		if len(entry) == 0 {
			continue
		}
		symbols = append(symbols, string(entry))
	}
	return symbols, nil
}

// ValueOf converts an amount of the supplied asset into base-asset units using
// the current oracle rate. The base asset converts as identity.
func (r *Registry) ValueOf(symbol string, amount *big.Int) (*big.Int, error) {
	return r.convert(symbol, r.base, amount)
}

// AmountFor converts a base-asset value into units of the supplied asset.
func (r *Registry) AmountFor(symbol string, value *big.Int) (*big.Int, error) {
	return r.convert(r.base, symbol, value)
}

// ConvertPrice converts an amount of one asset into another via the base
// asset cross rate.
func (r *Registry) ConvertPrice(from, to string, amount *big.Int) (*big.Int, error) {
	return r.convert(from, to, amount)
}

func (r *Registry) convert(from, to string, amount *big.Int) (*big.Int, error) {
	if r == nil {
		return nil, fmt.Errorf("assets: registry not initialised")
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("assets: amount must not be negative")
	}
	fromSym := NormalizeSymbol(from)
	toSym := NormalizeSymbol(to)
	fromAsset, err := r.Get(fromSym)
	if err != nil {
		return nil, err
	}
	toAsset, err := r.Get(toSym)
	if err != nil {
		return nil, err
	}
	if fromSym == toSym {
		return new(big.Int).Set(amount), nil
	}
	result := new(big.Rat).SetInt(amount)
	if fromSym != r.base {
		rate, err := r.rate(fromSym)
		if err != nil {
			return nil, err
		}
		result.Mul(result, rate)
	}
	if toSym != r.base {
		rate, err := r.rate(toSym)
		if err != nil {
			return nil, err
		}
		result.Quo(result, rate)
	}
	result.Mul(result, decimalScale(toAsset.Decimals))
	result.Quo(result, decimalScale(fromAsset.Decimals))
	return new(big.Int).Quo(result.Num(), result.Denom()), nil
}

// rate resolves the base-per-unit rate for a non-base asset.
func (r *Registry) rate(symbol string) (*big.Rat, error) {
	if r.oracle == nil {
		return nil, fmt.Errorf("assets: price oracle not configured")
	}
	quote, err := r.oracle.GetRate(r.base, symbol)
	if err != nil {
		return nil, err
	}
	if quote.Rate == nil || quote.Rate.Sign() <= 0 {
		return nil, fmt.Errorf("assets: invalid rate for %s", symbol)
	}
	return quote.Rate, nil
}

func decimalScale(decimals uint8) *big.Rat {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Rat).SetInt(scale)
}

func assetKey(symbol string) []byte {
	key := make([]byte, len(assetPrefix)+len(symbol))
	copy(key, assetPrefix)
	copy(key[len(assetPrefix):], symbol)
	return key
}
