package fees

import "math/big"

// Policy captures the charge schedule applied to obligation payouts. A fee is
// the basis-point share of the gross amount with FloorWei as a minimum, and is
// never allowed to exceed the gross itself.
type Policy struct {
	Bps      uint32
	FloorWei *big.Int
	Fixed    *big.Int
	Route    [20]byte
}

// Clone returns a deep copy of the policy to avoid aliasing big.Int values
// between callers.
func (p Policy) Clone() Policy {
	clone := Policy{Bps: p.Bps, Route: p.Route}
	if p.FloorWei != nil {
		clone.FloorWei = new(big.Int).Set(p.FloorWei)
	}
	if p.Fixed != nil {
		clone.Fixed = new(big.Int).Set(p.Fixed)
	}
	return clone
}

// Result summarises the computed fee and resulting net amount.
type Result struct {
	Fee   *big.Int
	Net   *big.Int
	Route [20]byte
}

// Apply evaluates the policy against a gross amount. When Fixed is set it
// takes precedence over the basis-point schedule; otherwise the fee is
// max(bps*gross/10000, floor) clipped at the gross amount.
func Apply(policy Policy, gross *big.Int) Result {
	result := Result{Fee: big.NewInt(0), Route: policy.Route}
	if gross != nil {
		result.Net = new(big.Int).Set(gross)
	} else {
		result.Net = big.NewInt(0)
	}
	if result.Net.Sign() <= 0 {
		return result
	}
	fee := big.NewInt(0)
	if policy.Fixed != nil && policy.Fixed.Sign() > 0 {
		fee = new(big.Int).Set(policy.Fixed)
	} else {
		if policy.Bps > 0 {
			fee = new(big.Int).Mul(result.Net, big.NewInt(int64(policy.Bps)))
			fee = fee.Div(fee, big.NewInt(10_000))
		}
		if policy.FloorWei != nil && fee.Cmp(policy.FloorWei) < 0 {
			fee = new(big.Int).Set(policy.FloorWei)
		}
	}
	if fee.Sign() <= 0 {
		return result
	}
	if fee.Cmp(result.Net) >= 0 {
		result.Fee = new(big.Int).Set(result.Net)
		result.Net = big.NewInt(0)
		return result
	}
	result.Fee = fee
	result.Net = new(big.Int).Sub(result.Net, fee)
	return result
}
