package topup

import (
	"fmt"
	"math/big"
)

var ledgerPrefix = []byte("topup/ledger/")

type storedBalance struct {
	Balance string
}

// Ledger is a state-backed FundingRegistry. Deployments that bridge into an
// external keeper registry replace it with an adapter; the ledger keeps the
// funded balances locally so targets remain inspectable either way.
type Ledger struct {
	store Storage
}

// NewLedger returns a funding ledger persisting through the given storage.
func NewLedger(store Storage) *Ledger {
	return &Ledger{store: store}
}

func ledgerKey(kind TargetKind, target [32]byte) []byte {
	key := append([]byte(nil), ledgerPrefix...)
	key = append(key, []byte(kind)...)
	key = append(key, '/')
	return append(key, target[:]...)
}

// BalanceOf reports the funded balance for a target. Unknown targets report
// zero.
func (l *Ledger) BalanceOf(kind TargetKind, target [32]byte) (*big.Int, error) {
	if l == nil || l.store == nil {
		return nil, fmt.Errorf("topup: ledger not initialised")
	}
	if !kind.Valid() {
		return nil, ErrInvalidTarget
	}
	var stored storedBalance
	ok, err := l.store.KVGet(ledgerKey(kind, target), &stored)
	if err != nil {
		return nil, fmt.Errorf("topup: load ledger balance: %w", err)
	}
	if !ok {
		return big.NewInt(0), nil
	}
	balance, valid := new(big.Int).SetString(stored.Balance, 10)
	if !valid {
		return nil, fmt.Errorf("topup: corrupt ledger balance %q", stored.Balance)
	}
	return balance, nil
}

// Fund credits the target's funded balance.
func (l *Ledger) Fund(kind TargetKind, target [32]byte, amount *big.Int) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("topup: ledger not initialised")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("topup: fund amount must be positive")
	}
	balance, err := l.BalanceOf(kind, target)
	if err != nil {
		return err
	}
	balance = new(big.Int).Add(balance, amount)
	stored := storedBalance{Balance: balance.String()}
	if err := l.store.KVPut(ledgerKey(kind, target), &stored); err != nil {
		return fmt.Errorf("topup: persist ledger balance: %w", err)
	}
	return nil
}

// Spend debits the target's funded balance, modelling registry consumption.
func (l *Ledger) Spend(kind TargetKind, target [32]byte, amount *big.Int) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("topup: ledger not initialised")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("topup: spend amount must be positive")
	}
	balance, err := l.BalanceOf(kind, target)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("topup: ledger balance below spend amount")
	}
	balance = new(big.Int).Sub(balance, amount)
	stored := storedBalance{Balance: balance.String()}
	if err := l.store.KVPut(ledgerKey(kind, target), &stored); err != nil {
		return fmt.Errorf("topup: persist ledger balance: %w", err)
	}
	return nil
}
