package events

import "math/big"

const (
	// TypeVaultDeposit is emitted when an account deposits an allowed asset
	// and receives freshly minted shares.
	TypeVaultDeposit = "vault.deposit"
	// TypeVaultWithdraw is emitted when an account burns shares for value.
	TypeVaultWithdraw = "vault.withdraw"
	// TypeVaultTransfer is emitted when an authorized protocol moves value
	// between accounts.
	TypeVaultTransfer = "vault.transfer"
	// TypeVaultAssetAllowed is emitted when governance adds or re-enables an
	// asset in the registry.
	TypeVaultAssetAllowed = "vault.asset.allowed"
)

// VaultDeposit captures a deposit and the resulting share mint.
type VaultDeposit struct {
	Owner  [20]byte
	Asset  string
	Amount *big.Int
	Value  *big.Int
	Shares *big.Int
}

// EventType implements the Event interface.
func (VaultDeposit) EventType() string { return TypeVaultDeposit }

// VaultWithdraw captures a share burn and the value paid out.
type VaultWithdraw struct {
	Owner  [20]byte
	Asset  string
	Shares *big.Int
	Amount *big.Int
}

// EventType implements the Event interface.
func (VaultWithdraw) EventType() string { return TypeVaultWithdraw }

// VaultTransfer captures a protocol-initiated value movement.
type VaultTransfer struct {
	From     [20]byte
	To       [20]byte
	Value    *big.Int
	Fee      *big.Int
	Protocol [20]byte
}

// EventType implements the Event interface.
func (VaultTransfer) EventType() string { return TypeVaultTransfer }

// VaultAssetAllowed records a registry update for an asset.
type VaultAssetAllowed struct {
	Asset        string
	Decimals     uint8
	DepositLimit *big.Int
	SlippageBps  uint64
}

// EventType implements the Event interface.
func (VaultAssetAllowed) EventType() string { return TypeVaultAssetAllowed }
