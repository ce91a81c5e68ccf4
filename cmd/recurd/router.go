package main

import (
	"fmt"
	"math/big"

	"recurpay/native/assets"
)

// oracleRouter prices swaps off the asset registry's oracle. Quotes feed the
// managers' slippage checks; Swap re-prices at execution so a feed that moved
// between quote and execution still settles at the fresh rate. Venue-specific
// execution adapters implement the same interface and replace it per
// deployment.
type oracleRouter struct {
	registry *assets.Registry
}

func (r *oracleRouter) Quote(fromAsset, toAsset string, amountIn *big.Int) (*big.Int, error) {
	if r == nil || r.registry == nil {
		return nil, fmt.Errorf("router: not initialised")
	}
	return r.registry.ConvertPrice(fromAsset, toAsset, amountIn)
}

func (r *oracleRouter) Swap(fromAsset, toAsset string, amountIn, minOut *big.Int, recipient [20]byte) (*big.Int, error) {
	if r == nil || r.registry == nil {
		return nil, fmt.Errorf("router: not initialised")
	}
	out, err := r.registry.ConvertPrice(fromAsset, toAsset, amountIn)
	if err != nil {
		return nil, err
	}
	if minOut != nil && out.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("router: output %s below minimum %s", out, minOut)
	}
	return out, nil
}
