package subscription

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"recurpay/native/proof"
)

// Plan is the provider-published billing record. Plan catalogs live off-chain;
// subscribers present the plan together with a Merkle proof against the root
// stored on the manager.
type Plan struct {
	ID         [32]byte
	Provider   [20]byte
	Price      *big.Int
	Period     uint64
	TrialDays  uint64
	CanPause   bool
	MinPeriods uint64
}

// LeafHash derives the plan's catalog leaf digest from its canonical RLP
// encoding.
func (p *Plan) LeafHash() ([32]byte, error) {
	if p == nil {
		return [32]byte{}, fmt.Errorf("subscription: plan must not be nil")
	}
	encoded, err := rlp.EncodeToBytes(p)
	if err != nil {
		return [32]byte{}, err
	}
	return proof.LeafHash(encoded), nil
}

// Validate rejects plans that could never bill correctly regardless of proof
// validity.
func (p *Plan) Validate() error {
	if p == nil {
		return fmt.Errorf("subscription: plan must not be nil")
	}
	if p.Price == nil || p.Price.Sign() <= 0 {
		return fmt.Errorf("subscription: plan price must be positive")
	}
	if p.Period == 0 {
		return fmt.Errorf("subscription: plan period must be positive")
	}
	var zero [20]byte
	if p.Provider == zero {
		return fmt.Errorf("subscription: plan provider required")
	}
	return nil
}

// Discount is an off-catalog rebate bound to one plan, proved against the
// manager's discount root.
type Discount struct {
	PlanID [32]byte
	Bps    uint64
}

// LeafHash derives the discount's catalog leaf digest.
func (d *Discount) LeafHash() ([32]byte, error) {
	if d == nil {
		return [32]byte{}, fmt.Errorf("subscription: discount must not be nil")
	}
	encoded, err := rlp.EncodeToBytes(d)
	if err != nil {
		return [32]byte{}, err
	}
	return proof.LeafHash(encoded), nil
}
