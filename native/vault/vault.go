package vault

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"recurpay/core/events"
	"recurpay/native/assets"
)

// Storage abstracts the subset of state manager functionality required by the
// vault ledger.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

// SwapQuoter exposes the router's read-only quote used to police deposit
// slippage. Swap execution itself stays outside the vault.
type SwapQuoter interface {
	Quote(fromAsset, toAsset string, amount *big.Int) (*big.Int, error)
}

// ExternalFunder pulls assets from an externally held balance under a
// pre-granted allowance. Pull failures are charge failures; the vault never
// falls back to burning shares when a funding source is configured.
type ExternalFunder interface {
	Pull(owner [20]byte, asset string, amount *big.Int) error
}

var (
	// ErrNotAuthorized indicates the caller is not on the protocol allow-list.
	ErrNotAuthorized = errors.New("vault: caller not an authorized protocol")
	// ErrInsufficientFunds indicates the account's share balance cannot cover
	// the requested value.
	ErrInsufficientFunds = errors.New("vault: insufficient funds")
	// ErrExternalPullFailed indicates the configured funding source could not
	// deliver the charge.
	ErrExternalPullFailed = errors.New("vault: external funding pull failed")
	// ErrBelowMinimum indicates the deposit value is under the configured
	// minimum.
	ErrBelowMinimum = errors.New("vault: deposit below minimum")
	// ErrDepositCap indicates the asset's cumulative deposit limit would be
	// exceeded.
	ErrDepositCap = errors.New("vault: asset deposit cap exceeded")
	// ErrSlippageExceeded indicates the router quote deviates from the oracle
	// value beyond the asset's tolerance.
	ErrSlippageExceeded = errors.New("vault: slippage tolerance exceeded")
	// ErrAssetLiquidity indicates the vault does not hold enough of the
	// requested asset to pay out.
	ErrAssetLiquidity = errors.New("vault: insufficient asset liquidity")
)

var (
	accountPrefix    = []byte("vault/account/")
	assetStatePrefix = []byte("vault/asset/")
	totalsKeyBytes   = []byte("vault/totals")
	protocolsKey     = []byte("vault/protocols")
)

type storedFunding struct {
	Kind  string
	Asset string
}

type storedAccount struct {
	Shares  string
	Funding []storedFunding
}

type storedTotals struct {
	Shares string
	Value  string
}

type storedAssetState struct {
	Balance   string
	Deposited string
}

// Vault is the share-based multi-asset ledger funding every recurring
// obligation. Value is denominated in the registry's base asset; accounts hold
// shares whose price is totalValue/totalShares. Only allow-listed protocol
// addresses may move value between accounts.
type Vault struct {
	store      Storage
	registry   *assets.Registry
	quoter     SwapQuoter
	funder     ExternalFunder
	emitter    events.Emitter
	minDeposit *big.Int
}

// New constructs a vault over the supplied storage and asset registry.
func New(store Storage, registry *assets.Registry) *Vault {
	return &Vault{
		store:    store,
		registry: registry,
		emitter:  events.NoopEmitter{},
	}
}

// SetQuoter configures the optional router quote used for deposit slippage
// checks.
func (v *Vault) SetQuoter(quoter SwapQuoter) {
	if v == nil {
		return
	}
	v.quoter = quoter
}

// SetExternalFunder configures the collaborator that pulls externally held
// balances for funding-source charges.
func (v *Vault) SetExternalFunder(funder ExternalFunder) {
	if v == nil {
		return
	}
	v.funder = funder
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (v *Vault) SetEmitter(emitter events.Emitter) {
	if v == nil {
		return
	}
	if emitter == nil {
		v.emitter = events.NoopEmitter{}
		return
	}
	v.emitter = emitter
}

// SetMinDeposit configures the minimum deposit in base-asset value. Enforced
// at deposit time only.
func (v *Vault) SetMinDeposit(min *big.Int) {
	if v == nil {
		return
	}
	if min == nil {
		v.minDeposit = nil
		return
	}
	v.minDeposit = new(big.Int).Set(min)
}

// Registry exposes the underlying asset registry for price conversions.
func (v *Vault) Registry() *assets.Registry {
	if v == nil {
		return nil
	}
	return v.registry
}

// AddProtocol appends a manager address to the protocol allow-list. This set
// is the vault's only privileged mutation gate.
func (v *Vault) AddProtocol(addr [20]byte) error {
	if v == nil || v.store == nil {
		return fmt.Errorf("vault: not initialised")
	}
	return v.store.KVAppend(protocolsKey, addr[:])
}

// IsProtocol reports whether the address is on the allow-list.
func (v *Vault) IsProtocol(addr [20]byte) (bool, error) {
	if v == nil || v.store == nil {
		return false, fmt.Errorf("vault: not initialised")
	}
	var raw [][]byte
	if err := v.store.KVGetList(protocolsKey, &raw); err != nil {
		return false, err
	}
	for _, entry := range raw {
		if len(entry) == 20 && [20]byte(entry) == addr {
			return true, nil
		}
	}
	return false, nil
}

func (v *Vault) requireProtocol(addr [20]byte) error {
	ok, err := v.IsProtocol(addr)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAuthorized
	}
	return nil
}

// Deposit converts an allowed asset into base value at the oracle rate and
// mints shares for the owner. Minimum deposit and the per-asset cumulative cap
// are enforced here and nowhere else.
func (v *Vault) Deposit(owner [20]byte, symbol string, amount *big.Int) (*big.Int, error) {
	if v == nil || v.store == nil {
		return nil, fmt.Errorf("vault: not initialised")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("vault: deposit amount must be positive")
	}
	asset, err := v.registry.GetAllowed(symbol)
	if err != nil {
		return nil, err
	}
	assetState, err := v.assetState(asset.Symbol)
	if err != nil {
		return nil, err
	}
	if asset.DepositLimit != nil && asset.DepositLimit.Sign() > 0 {
		projected := new(big.Int).Add(assetState.deposited, amount)
		if projected.Cmp(asset.DepositLimit) > 0 {
			return nil, ErrDepositCap
		}
	}
	value, err := v.registry.ValueOf(asset.Symbol, amount)
	if err != nil {
		return nil, err
	}
	if v.minDeposit != nil && value.Cmp(v.minDeposit) < 0 {
		return nil, ErrBelowMinimum
	}
	if asset.Symbol != v.registry.BaseSymbol() && v.quoter != nil {
		quoted, err := v.quoter.Quote(asset.Symbol, v.registry.BaseSymbol(), amount)
		if err != nil {
			return nil, fmt.Errorf("vault: deposit quote: %w", err)
		}
		if belowTolerance(quoted, value, asset.SlippageBps) {
			return nil, ErrSlippageExceeded
		}
	}
	totals, err := v.totals()
	if err != nil {
		return nil, err
	}
	shares := sharesFor(value, totals.shares, totals.value)
	account, err := v.account(owner)
	if err != nil {
		return nil, err
	}
	account.shares.Add(account.shares, shares)
	totals.shares.Add(totals.shares, shares)
	totals.value.Add(totals.value, value)
	assetState.balance.Add(assetState.balance, amount)
	assetState.deposited.Add(assetState.deposited, amount)
	if err := v.persist(owner, account, totals); err != nil {
		return nil, err
	}
	if err := v.putAssetState(asset.Symbol, assetState); err != nil {
		return nil, err
	}
	v.emit(events.VaultDeposit{Owner: owner, Asset: asset.Symbol, Amount: cloneBig(amount), Value: cloneBig(value), Shares: cloneBig(shares)})
	return shares, nil
}

// Withdraw burns the caller's shares and pays out the equivalent value in the
// requested asset.
func (v *Vault) Withdraw(owner [20]byte, symbol string, shares *big.Int) (*big.Int, error) {
	if v == nil || v.store == nil {
		return nil, fmt.Errorf("vault: not initialised")
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, fmt.Errorf("vault: share amount must be positive")
	}
	asset, err := v.registry.Get(symbol)
	if err != nil {
		return nil, err
	}
	account, err := v.account(owner)
	if err != nil {
		return nil, err
	}
	if account.shares.Cmp(shares) < 0 {
		return nil, ErrInsufficientFunds
	}
	totals, err := v.totals()
	if err != nil {
		return nil, err
	}
	value := valueFor(shares, totals.shares, totals.value)
	amountOut, err := v.registry.AmountFor(asset.Symbol, value)
	if err != nil {
		return nil, err
	}
	assetState, err := v.assetState(asset.Symbol)
	if err != nil {
		return nil, err
	}
	if assetState.balance.Cmp(amountOut) < 0 {
		return nil, ErrAssetLiquidity
	}
	account.shares.Sub(account.shares, shares)
	totals.shares.Sub(totals.shares, shares)
	totals.value.Sub(totals.value, value)
	assetState.balance.Sub(assetState.balance, amountOut)
	if err := v.persist(owner, account, totals); err != nil {
		return nil, err
	}
	if err := v.putAssetState(asset.Symbol, assetState); err != nil {
		return nil, err
	}
	v.emit(events.VaultWithdraw{Owner: owner, Asset: asset.Symbol, Shares: cloneBig(shares), Amount: cloneBig(amountOut)})
	return amountOut, nil
}

// CurrentValueOf reports the base-asset value of the account's shares. When
// totalShares is zero the share balance is its own value.
func (v *Vault) CurrentValueOf(owner [20]byte) (*big.Int, error) {
	if v == nil || v.store == nil {
		return nil, fmt.Errorf("vault: not initialised")
	}
	account, err := v.account(owner)
	if err != nil {
		return nil, err
	}
	totals, err := v.totals()
	if err != nil {
		return nil, err
	}
	return valueFor(account.shares, totals.shares, totals.value), nil
}

// ShareBalanceOf reports the raw share balance of the account.
func (v *Vault) ShareBalanceOf(owner [20]byte) (*big.Int, error) {
	account, err := v.account(owner)
	if err != nil {
		return nil, err
	}
	return cloneBig(account.shares), nil
}

// ConvertPrice converts between any two registered assets via the base cross
// rate.
func (v *Vault) ConvertPrice(from, to string, amount *big.Int) (*big.Int, error) {
	if v == nil {
		return nil, fmt.Errorf("vault: not initialised")
	}
	return v.registry.ConvertPrice(from, to, amount)
}

// TotalShares reports the vault-wide share supply.
func (v *Vault) TotalShares() (*big.Int, error) {
	totals, err := v.totals()
	if err != nil {
		return nil, err
	}
	return cloneBig(totals.shares), nil
}

// TotalValue reports the vault-wide base-asset value.
func (v *Vault) TotalValue() (*big.Int, error) {
	totals, err := v.totals()
	if err != nil {
		return nil, err
	}
	return cloneBig(totals.value), nil
}

// SetFundingSource redirects future charges of the supplied obligation kind to
// the owner's externally held balance of the asset. An empty asset clears the
// redirection.
func (v *Vault) SetFundingSource(owner [20]byte, kind, symbol string) error {
	if v == nil || v.store == nil {
		return fmt.Errorf("vault: not initialised")
	}
	normalizedKind := strings.ToLower(strings.TrimSpace(kind))
	if normalizedKind == "" {
		return fmt.Errorf("vault: funding source kind required")
	}
	account, err := v.account(owner)
	if err != nil {
		return err
	}
	normalizedAsset := assets.NormalizeSymbol(symbol)
	if normalizedAsset != "" {
		if _, err := v.registry.GetAllowed(normalizedAsset); err != nil {
			return err
		}
	}
	filtered := make([]storedFunding, 0, len(account.funding))
	for _, entry := range account.funding {
		if entry.Kind != normalizedKind {
			filtered = append(filtered, entry)
		}
	}
	if normalizedAsset != "" {
		filtered = append(filtered, storedFunding{Kind: normalizedKind, Asset: normalizedAsset})
	}
	account.funding = filtered
	return v.putAccount(owner, account)
}

// FundingSource resolves the configured funding asset for the obligation kind.
func (v *Vault) FundingSource(owner [20]byte, kind string) (string, bool, error) {
	account, err := v.account(owner)
	if err != nil {
		return "", false, err
	}
	normalizedKind := strings.ToLower(strings.TrimSpace(kind))
	for _, entry := range account.funding {
		if entry.Kind == normalizedKind {
			return entry.Asset, true, nil
		}
	}
	return "", false, nil
}

// Collect draws value from the payer into the protocol's settlement account.
// When a funding source is configured for the kind the external pull is the
// only path; otherwise the payer's shares are transferred at the current share
// price.
func (v *Vault) Collect(protocol, payer [20]byte, kind string, value *big.Int) error {
	if v == nil || v.store == nil {
		return fmt.Errorf("vault: not initialised")
	}
	if err := v.requireProtocol(protocol); err != nil {
		return err
	}
	if value == nil || value.Sign() <= 0 {
		return fmt.Errorf("vault: collect value must be positive")
	}
	fundingAsset, configured, err := v.FundingSource(payer, kind)
	if err != nil {
		return err
	}
	if configured {
		return v.collectExternal(protocol, payer, fundingAsset, value)
	}
	return v.moveValue(payer, protocol, value)
}

func (v *Vault) collectExternal(protocol, payer [20]byte, symbol string, value *big.Int) error {
	if v.funder == nil {
		return ErrExternalPullFailed
	}
	asset, err := v.registry.GetAllowed(symbol)
	if err != nil {
		return err
	}
	amount, err := v.registry.AmountFor(asset.Symbol, value)
	if err != nil {
		return err
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("vault: external charge rounds to zero")
	}
	if err := v.funder.Pull(payer, asset.Symbol, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrExternalPullFailed, err)
	}
	// Pulled assets back freshly minted settlement shares.
	totals, err := v.totals()
	if err != nil {
		return err
	}
	shares := sharesFor(value, totals.shares, totals.value)
	settlement, err := v.account(protocol)
	if err != nil {
		return err
	}
	settlement.shares.Add(settlement.shares, shares)
	totals.shares.Add(totals.shares, shares)
	totals.value.Add(totals.value, value)
	assetState, err := v.assetState(asset.Symbol)
	if err != nil {
		return err
	}
	assetState.balance.Add(assetState.balance, amount)
	if err := v.persist(protocol, settlement, totals); err != nil {
		return err
	}
	return v.putAssetState(asset.Symbol, assetState)
}

// Credit pays value out of the protocol's settlement account to the recipient.
func (v *Vault) Credit(protocol, to [20]byte, value *big.Int) error {
	if v == nil || v.store == nil {
		return fmt.Errorf("vault: not initialised")
	}
	if err := v.requireProtocol(protocol); err != nil {
		return err
	}
	if value == nil || value.Sign() < 0 {
		return fmt.Errorf("vault: credit value must not be negative")
	}
	if value.Sign() == 0 {
		return nil
	}
	if err := v.moveValue(protocol, to, value); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return fmt.Errorf("vault: settlement account underfunded: %w", err)
		}
		return err
	}
	return nil
}

// Transfer moves value directly between two accounts on behalf of an
// authorized protocol, emitting the transfer event with the fee already split
// out by the caller.
func (v *Vault) Transfer(protocol, from, to [20]byte, value, fee *big.Int) error {
	if v == nil || v.store == nil {
		return fmt.Errorf("vault: not initialised")
	}
	if err := v.requireProtocol(protocol); err != nil {
		return err
	}
	if err := v.moveValue(from, to, value); err != nil {
		return err
	}
	v.emit(events.VaultTransfer{From: from, To: to, Value: cloneBig(value), Fee: cloneBig(fee), Protocol: protocol})
	return nil
}

// Release burns value from the protocol's settlement account and pays it out
// in the requested asset, for pushing funds to external registries.
func (v *Vault) Release(protocol [20]byte, symbol string, value *big.Int) (*big.Int, error) {
	if v == nil || v.store == nil {
		return nil, fmt.Errorf("vault: not initialised")
	}
	if err := v.requireProtocol(protocol); err != nil {
		return nil, err
	}
	if value == nil || value.Sign() <= 0 {
		return nil, fmt.Errorf("vault: release value must be positive")
	}
	asset, err := v.registry.Get(symbol)
	if err != nil {
		return nil, err
	}
	settlement, err := v.account(protocol)
	if err != nil {
		return nil, err
	}
	totals, err := v.totals()
	if err != nil {
		return nil, err
	}
	shares := sharesFor(value, totals.shares, totals.value)
	if settlement.shares.Cmp(shares) < 0 {
		return nil, fmt.Errorf("vault: settlement account underfunded: %w", ErrInsufficientFunds)
	}
	amountOut, err := v.registry.AmountFor(asset.Symbol, value)
	if err != nil {
		return nil, err
	}
	assetState, err := v.assetState(asset.Symbol)
	if err != nil {
		return nil, err
	}
	if assetState.balance.Cmp(amountOut) < 0 {
		return nil, ErrAssetLiquidity
	}
	settlement.shares.Sub(settlement.shares, shares)
	totals.shares.Sub(totals.shares, shares)
	totals.value.Sub(totals.value, value)
	assetState.balance.Sub(assetState.balance, amountOut)
	if err := v.persist(protocol, settlement, totals); err != nil {
		return nil, err
	}
	if err := v.putAssetState(asset.Symbol, assetState); err != nil {
		return nil, err
	}
	return amountOut, nil
}

// Reclaim reverses a Release whose downstream delivery failed: the asset
// re-enters the vault and the settlement account is re-credited with its value
// at the current oracle rate. Callers use the returned value to refund the
// payer.
func (v *Vault) Reclaim(protocol [20]byte, symbol string, amount *big.Int) (*big.Int, error) {
	if v == nil || v.store == nil {
		return nil, fmt.Errorf("vault: not initialised")
	}
	if err := v.requireProtocol(protocol); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("vault: reclaim amount must be positive")
	}
	asset, err := v.registry.Get(symbol)
	if err != nil {
		return nil, err
	}
	value, err := v.registry.ValueOf(asset.Symbol, amount)
	if err != nil {
		return nil, err
	}
	totals, err := v.totals()
	if err != nil {
		return nil, err
	}
	shares := sharesFor(value, totals.shares, totals.value)
	settlement, err := v.account(protocol)
	if err != nil {
		return nil, err
	}
	settlement.shares.Add(settlement.shares, shares)
	totals.shares.Add(totals.shares, shares)
	totals.value.Add(totals.value, value)
	assetState, err := v.assetState(asset.Symbol)
	if err != nil {
		return nil, err
	}
	assetState.balance.Add(assetState.balance, amount)
	if err := v.persist(protocol, settlement, totals); err != nil {
		return nil, err
	}
	if err := v.putAssetState(asset.Symbol, assetState); err != nil {
		return nil, err
	}
	return value, nil
}

func (v *Vault) moveValue(from, to [20]byte, value *big.Int) error {
	if value == nil || value.Sign() < 0 {
		return fmt.Errorf("vault: value must not be negative")
	}
	if value.Sign() == 0 {
		return nil
	}
	totals, err := v.totals()
	if err != nil {
		return err
	}
	shares := sharesFor(value, totals.shares, totals.value)
	fromAccount, err := v.account(from)
	if err != nil {
		return err
	}
	if fromAccount.shares.Cmp(shares) < 0 {
		return ErrInsufficientFunds
	}
	if from == to {
		// Loading both sides separately would let the credited copy overwrite
		// the debited one and mint shares.
		return nil
	}
	toAccount, err := v.account(to)
	if err != nil {
		return err
	}
	fromAccount.shares.Sub(fromAccount.shares, shares)
	toAccount.shares.Add(toAccount.shares, shares)
	if err := v.putAccount(from, fromAccount); err != nil {
		return err
	}
	return v.putAccount(to, toAccount)
}

type accountState struct {
	shares  *big.Int
	funding []storedFunding
}

type totalsState struct {
	shares *big.Int
	value  *big.Int
}

type assetLedgerState struct {
	balance   *big.Int
	deposited *big.Int
}

func (v *Vault) account(owner [20]byte) (*accountState, error) {
	var stored storedAccount
	ok, err := v.store.KVGet(accountKey(owner), &stored)
	if err != nil {
		return nil, err
	}
	account := &accountState{shares: big.NewInt(0)}
	if !ok {
		return account, nil
	}
	if account.shares, err = parseBig(stored.Shares); err != nil {
		return nil, err
	}
	account.funding = stored.Funding
	return account, nil
}

func (v *Vault) putAccount(owner [20]byte, account *accountState) error {
	stored := storedAccount{Shares: account.shares.String(), Funding: account.funding}
	return v.store.KVPut(accountKey(owner), stored)
}

func (v *Vault) totals() (*totalsState, error) {
	var stored storedTotals
	ok, err := v.store.KVGet(totalsKeyBytes, &stored)
	if err != nil {
		return nil, err
	}
	totals := &totalsState{shares: big.NewInt(0), value: big.NewInt(0)}
	if !ok {
		return totals, nil
	}
	if totals.shares, err = parseBig(stored.Shares); err != nil {
		return nil, err
	}
	if totals.value, err = parseBig(stored.Value); err != nil {
		return nil, err
	}
	return totals, nil
}

func (v *Vault) persist(owner [20]byte, account *accountState, totals *totalsState) error {
	if err := v.putAccount(owner, account); err != nil {
		return err
	}
	stored := storedTotals{Shares: totals.shares.String(), Value: totals.value.String()}
	return v.store.KVPut(totalsKeyBytes, stored)
}

func (v *Vault) assetState(symbol string) (*assetLedgerState, error) {
	var stored storedAssetState
	ok, err := v.store.KVGet(assetStateKey(symbol), &stored)
	if err != nil {
		return nil, err
	}
	state := &assetLedgerState{balance: big.NewInt(0), deposited: big.NewInt(0)}
	if !ok {
		return state, nil
	}
	if state.balance, err = parseBig(stored.Balance); err != nil {
		return nil, err
	}
	if state.deposited, err = parseBig(stored.Deposited); err != nil {
		return nil, err
	}
	return state, nil
}

func (v *Vault) putAssetState(symbol string, state *assetLedgerState) error {
	stored := storedAssetState{Balance: state.balance.String(), Deposited: state.deposited.String()}
	return v.store.KVPut(assetStateKey(symbol), stored)
}

func (v *Vault) emit(event events.Event) {
	if v == nil || v.emitter == nil {
		return
	}
	v.emitter.Emit(event)
}

// sharesFor converts base value into shares at the current share price. An
// empty vault mints one share per unit of value.
func sharesFor(value, totalShares, totalValue *big.Int) *big.Int {
	if totalShares.Sign() == 0 || totalValue.Sign() == 0 {
		return new(big.Int).Set(value)
	}
	shares := new(big.Int).Mul(value, totalShares)
	return shares.Div(shares, totalValue)
}

// valueFor converts shares into base value. When totalShares is zero the
// share balance is its own value.
func valueFor(shares, totalShares, totalValue *big.Int) *big.Int {
	if totalShares.Sign() == 0 {
		return new(big.Int).Set(shares)
	}
	value := new(big.Int).Mul(shares, totalValue)
	return value.Div(value, totalShares)
}

func belowTolerance(quoted, expected *big.Int, slippageBps uint64) bool {
	if quoted == nil {
		return true
	}
	minAcceptable := new(big.Int).Mul(expected, big.NewInt(int64(10_000-slippageBps)))
	minAcceptable.Div(minAcceptable, big.NewInt(10_000))
	return quoted.Cmp(minAcceptable) < 0
}

func parseBig(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("vault: invalid amount %q", raw)
	}
	return value, nil
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func accountKey(owner [20]byte) []byte {
	key := make([]byte, len(accountPrefix)+len(owner))
	copy(key, accountPrefix)
	copy(key[len(accountPrefix):], owner[:])
	return key
}

func assetStateKey(symbol string) []byte {
	key := make([]byte, len(assetStatePrefix)+len(symbol))
	copy(key, assetStatePrefix)
	copy(key[len(assetStatePrefix):], symbol)
	return key
}
