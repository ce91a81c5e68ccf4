package dca

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"recurpay/core/events"
	"recurpay/native/assets"
	"recurpay/native/engine"
	"recurpay/native/fees"
	"recurpay/native/obligation"
	"recurpay/native/proof"
	"recurpay/native/schedule"
	"recurpay/native/vault"
)

var (
	// ErrInvalidProof indicates the supplied asset spec failed Merkle
	// verification against the stored root.
	ErrInvalidProof = errors.New("dca: invalid asset spec proof")
	// ErrSpecBlacklisted indicates the asset spec hash has been blacklisted.
	ErrSpecBlacklisted = errors.New("dca: asset spec blacklisted")
	// ErrRootUnset indicates no spec catalog root has been configured yet.
	ErrRootUnset = errors.New("dca: spec root not configured")
	// ErrPriceOutOfBounds indicates the quoted price sits outside the
	// caller-set [minPrice, maxPrice] window at creation time.
	ErrPriceOutOfBounds = errors.New("dca: price outside configured bounds")
)

var (
	recordPrefix    = []byte("dca/record/")
	specRootKey     = []byte("dca/root/spec")
	blacklistPrefix = []byte("dca/blacklist/")
)

// AssetSpec names the swap pair of a DCA order. Spec catalogs live off-chain;
// creators present the spec with a Merkle proof against the stored root.
type AssetSpec struct {
	From string
	To   string
}

// LeafHash derives the spec's catalog leaf digest from its canonical RLP
// encoding. The same digest keys the blacklist.
func (s *AssetSpec) LeafHash() ([32]byte, error) {
	if s == nil {
		return [32]byte{}, fmt.Errorf("dca: asset spec must not be nil")
	}
	encoded, err := rlp.EncodeToBytes(s)
	if err != nil {
		return [32]byte{}, err
	}
	return proof.LeafHash(encoded), nil
}

// Router is the opaque swap capability. Quote is the read-only price check
// used before any value moves; Swap executes and delivers the output asset to
// the recipient.
type Router interface {
	Quote(fromAsset, toAsset string, amountIn *big.Int) (*big.Int, error)
	Swap(fromAsset, toAsset string, amountIn, minOut *big.Int, recipient [20]byte) (*big.Int, error)
}

// Storage abstracts the state manager subset the manager persists through.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// valueVault is the slice of vault behaviour a DCA purchase needs.
type valueVault interface {
	Collect(protocol, payer [20]byte, kind string, value *big.Int) error
	Credit(protocol, to [20]byte, value *big.Int) error
	Release(protocol [20]byte, symbol string, value *big.Int) (*big.Int, error)
	Reclaim(protocol [20]byte, symbol string, amount *big.Int) (*big.Int, error)
}

type storedRoot struct {
	Root [32]byte
	Set  bool
}

type storedOrder struct {
	SpecHash [32]byte
	From     string
	To       string
	MinPrice string
	MaxPrice string
	Receiver [20]byte
}

type storedFlag struct {
	Set bool
}

// Order captures the caller-supplied parameters of one DCA obligation.
type Order struct {
	Spec       AssetSpec
	Amount     *big.Int
	Period     uint64
	TotalLimit *big.Int
	MinPrice   *big.Int
	MaxPrice   *big.Int
	Receiver   [20]byte
}

// Manager runs the DCA obligation kind: proved asset specs, router-quoted
// recurring purchases under price and slippage bounds, output delivered to
// the order's receiver.
type Manager struct {
	core      *engine.Core
	store     Storage
	vault     valueVault
	registry  *assets.Registry
	router    Router
	self      [20]byte
	feePolicy fees.Policy
}

// NewManager wires the DCA manager over the shared scheduler core. self is
// the manager's protocol address on the vault allow-list.
func NewManager(store Storage, obs *obligation.Store, queue *schedule.Queue, vault valueVault, registry *assets.Registry, router Router, self [20]byte, params engine.Params) *Manager {
	m := &Manager{store: store, vault: vault, registry: registry, router: router, self: self}
	m.core = engine.NewCore(obs, queue, m, params)
	return m
}

// Core exposes the engine core for emitter, metrics and clock configuration.
func (m *Manager) Core() *engine.Core { return m.core }

// SetFeePolicy configures the protocol fee deducted from every purchase.
func (m *Manager) SetFeePolicy(policy fees.Policy) {
	if m == nil {
		return
	}
	m.feePolicy = policy.Clone()
}

// SetSpecRoot stores the asset spec catalog root.
func (m *Manager) SetSpecRoot(root [32]byte) error {
	return m.store.KVPut(specRootKey, storedRoot{Root: root, Set: true})
}

// BlacklistAssetSpec bars the spec hash from creation and processing.
// Governance-equivalent caller only; there is no un-blacklist.
func (m *Manager) BlacklistAssetSpec(hash [32]byte) error {
	return m.store.KVPut(blacklistKey(hash), storedFlag{Set: true})
}

func (m *Manager) blacklisted(hash [32]byte) (bool, error) {
	var flag storedFlag
	ok, err := m.store.KVGet(blacklistKey(hash), &flag)
	if err != nil {
		return false, err
	}
	return ok && flag.Set, nil
}

// Create verifies the order's asset spec and price bounds and registers the
// obligation. The first purchase is due one period from now.
func (m *Manager) Create(owner [20]byte, order *Order, specPath [][32]byte) (obligation.ID, error) {
	if m == nil || m.store == nil {
		return obligation.ID{}, fmt.Errorf("dca: manager not initialised")
	}
	if order == nil {
		return obligation.ID{}, fmt.Errorf("dca: order must not be nil")
	}
	if order.Amount == nil || order.Amount.Sign() <= 0 {
		return obligation.ID{}, fmt.Errorf("dca: amount must be positive")
	}
	if order.Period == 0 {
		return obligation.ID{}, fmt.Errorf("dca: period must be positive")
	}
	specHash, err := order.Spec.LeafHash()
	if err != nil {
		return obligation.ID{}, err
	}
	root, err := m.specRoot()
	if err != nil {
		return obligation.ID{}, err
	}
	if !proof.Verify(root, specHash, specPath) {
		return obligation.ID{}, ErrInvalidProof
	}
	banned, err := m.blacklisted(specHash)
	if err != nil {
		return obligation.ID{}, err
	}
	if banned {
		return obligation.ID{}, ErrSpecBlacklisted
	}
	if _, err := m.registry.GetAllowed(order.Spec.From); err != nil {
		return obligation.ID{}, err
	}
	if _, err := m.registry.GetAllowed(order.Spec.To); err != nil {
		return obligation.ID{}, err
	}
	price, err := m.unitPrice(order.Spec.To)
	if err != nil {
		return obligation.ID{}, err
	}
	if outOfBounds(price, order.MinPrice, order.MaxPrice) {
		return obligation.ID{}, fmt.Errorf("%w: quoted %s", ErrPriceOutOfBounds, price)
	}

	now := m.core.Now()
	id := m.deriveID(owner, specHash, now)
	ob := &obligation.Obligation{
		ID:               id,
		Owner:            owner,
		Kind:             obligation.KindDCA,
		Status:           obligation.StatusActive,
		Amount:           new(big.Int).Set(order.Amount),
		TotalAmountLimit: cloneOrZero(order.TotalLimit),
		Period:           order.Period,
		DueAt:            now + order.Period,
		CreatedAt:        now,
	}
	record := storedOrder{
		SpecHash: specHash,
		From:     assets.NormalizeSymbol(order.Spec.From),
		To:       assets.NormalizeSymbol(order.Spec.To),
		Receiver: order.Receiver,
	}
	if order.MinPrice != nil {
		record.MinPrice = order.MinPrice.String()
	}
	if order.MaxPrice != nil {
		record.MaxPrice = order.MaxPrice.String()
	}
	if err := m.store.KVPut(recordKey(id), record); err != nil {
		return obligation.ID{}, err
	}
	if err := m.core.Create(ob); err != nil {
		return obligation.ID{}, err
	}
	return id, nil
}

func (m *Manager) specRoot() ([32]byte, error) {
	var stored storedRoot
	ok, err := m.store.KVGet(specRootKey, &stored)
	if err != nil {
		return [32]byte{}, err
	}
	if !ok || !stored.Set {
		return [32]byte{}, ErrRootUnset
	}
	return stored.Root, nil
}

func (m *Manager) deriveID(owner [20]byte, specHash [32]byte, now uint64) obligation.ID {
	ids, err := m.core.Store().ListByOwner(owner)
	var nonce uint64
	if err == nil {
		nonce = uint64(len(ids))
	}
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], now)
	binary.BigEndian.PutUint64(buf[8:], nonce)
	return obligation.ID(ethcrypto.Keccak256Hash(owner[:], specHash[:], buf[:]))
}

// unitPrice is the base-asset value of one whole token of the symbol.
func (m *Manager) unitPrice(symbol string) (*big.Int, error) {
	asset, err := m.registry.Get(symbol)
	if err != nil {
		return nil, err
	}
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(asset.Decimals)), nil)
	return m.registry.ValueOf(asset.Symbol, unit)
}

// Cancel cancels the order immediately and removes it from the queue.
func (m *Manager) Cancel(id obligation.ID, owner [20]byte) error {
	return m.core.CancelNow(id, owner)
}

// Get returns a copy of the underlying obligation record.
func (m *Manager) Get(id obligation.ID) (*obligation.Obligation, error) {
	return m.core.Get(id)
}

// CheckUpkeep reports whether due orders exist. Read-only.
func (m *Manager) CheckUpkeep(limit int) (bool, []byte, error) {
	return m.core.CheckUpkeep(limit)
}

// PerformUpkeep processes the echoed perform data after re-validation.
func (m *Manager) PerformUpkeep(data []byte) (int, error) {
	return m.core.PerformUpkeep(data)
}

// QueuePosition mirrors the scheduler cursor.
func (m *Manager) QueuePosition() (uint64, error) { return m.core.QueuePosition() }

// QueueSize mirrors live bucket occupancy from the supplied position.
func (m *Manager) QueueSize(position uint64) (uint64, error) { return m.core.QueueSize(position) }

// Kind implements engine.Executor.
func (m *Manager) Kind() obligation.Kind { return obligation.KindDCA }

// Execute runs one due purchase: re-check the blacklist and price window,
// quote router slippage against the oracle expectation, then collect, release
// the input asset and swap. All guards run before any value moves.
func (m *Manager) Execute(ob *obligation.Obligation, amount *big.Int, now uint64) (*engine.Receipt, error) {
	record, err := m.record(ob.ID)
	if err != nil {
		return nil, err
	}
	banned, err := m.blacklisted(record.SpecHash)
	if err != nil {
		return nil, err
	}
	if banned {
		return nil, engine.Skip(events.SkipReasonRegistry, ErrSpecBlacklisted)
	}

	price, err := m.unitPrice(record.To)
	if err != nil {
		if errors.Is(err, assets.ErrNoFreshQuote) {
			return nil, engine.Skip(events.SkipReasonStalePrice, err)
		}
		return nil, err
	}
	minPrice, err := parseBound(record.MinPrice)
	if err != nil {
		return nil, err
	}
	maxPrice, err := parseBound(record.MaxPrice)
	if err != nil {
		return nil, err
	}
	if outOfBounds(price, minPrice, maxPrice) {
		return nil, engine.Skip(events.SkipReasonPriceBounds, fmt.Errorf("dca: unit price %s outside bounds", price))
	}

	split := fees.Apply(m.feePolicy, amount)
	amountIn, err := m.registry.AmountFor(record.From, split.Net)
	if err != nil {
		return nil, err
	}
	if amountIn.Sign() <= 0 {
		return nil, engine.Skip(events.SkipReasonInsufficientFunds, fmt.Errorf("dca: purchase rounds to zero"))
	}
	expectedOut, err := m.registry.ConvertPrice(record.From, record.To, amountIn)
	if err != nil {
		if errors.Is(err, assets.ErrNoFreshQuote) {
			return nil, engine.Skip(events.SkipReasonStalePrice, err)
		}
		return nil, err
	}
	quoted, err := m.router.Quote(record.From, record.To, amountIn)
	if err != nil {
		return nil, engine.Skip(events.SkipReasonStalePrice, err)
	}
	fromAsset, err := m.registry.GetAllowed(record.From)
	if err != nil {
		return nil, err
	}
	minOut := slippageFloor(expectedOut, fromAsset.SlippageBps)
	if quoted.Cmp(minOut) < 0 {
		return nil, engine.Skip(events.SkipReasonSlippage,
			fmt.Errorf("dca: quoted %s below floor %s", quoted, minOut))
	}

	if err := m.vault.Collect(m.self, ob.Owner, string(obligation.KindDCA), amount); err != nil {
		if errors.Is(err, vault.ErrInsufficientFunds) || errors.Is(err, vault.ErrExternalPullFailed) {
			return nil, engine.Skip(events.SkipReasonInsufficientFunds, err)
		}
		return nil, err
	}
	released, err := m.vault.Release(m.self, record.From, split.Net)
	if err != nil {
		// Settlement still holds the full charge; return it and retry later.
		if cErr := m.vault.Credit(m.self, ob.Owner, amount); cErr != nil {
			return nil, errors.Join(err, cErr)
		}
		return nil, engine.Skip(events.SkipReasonInsufficientFunds, err)
	}
	if _, err := m.router.Swap(record.From, record.To, released, minOut, record.Receiver); err != nil {
		// The input asset never left the router boundary: reabsorb it, refund
		// the payer in full and count a retryable skip instead of stranding
		// the charge.
		reclaimed, rErr := m.vault.Reclaim(m.self, record.From, released)
		if rErr != nil {
			return nil, errors.Join(err, rErr)
		}
		refund := new(big.Int).Add(reclaimed, split.Fee)
		if cErr := m.vault.Credit(m.self, ob.Owner, refund); cErr != nil {
			return nil, errors.Join(err, cErr)
		}
		return nil, engine.Skip(events.SkipReasonRouter, err)
	}
	// The fee routes only once the swap has settled.
	if split.Fee.Sign() > 0 {
		if err := m.vault.Credit(m.self, split.Route, split.Fee); err != nil {
			return nil, err
		}
	}
	return &engine.Receipt{Charged: amount, Fee: split.Fee}, nil
}

func (m *Manager) record(id obligation.ID) (*storedOrder, error) {
	var record storedOrder
	ok, err := m.store.KVGet(recordKey(id), &record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, obligation.ErrNotFound
	}
	return &record, nil
}

func outOfBounds(price, min, max *big.Int) bool {
	if min != nil && min.Sign() > 0 && price.Cmp(min) < 0 {
		return true
	}
	if max != nil && max.Sign() > 0 && price.Cmp(max) > 0 {
		return true
	}
	return false
}

// slippageFloor is expected*(10000-bps)/10000, the lowest acceptable router
// output.
func slippageFloor(expected *big.Int, bps uint64) *big.Int {
	if bps >= 10000 {
		return big.NewInt(0)
	}
	floor := new(big.Int).Mul(expected, big.NewInt(int64(10000-bps)))
	return floor.Div(floor, big.NewInt(10000))
}

func parseBound(raw string) (*big.Int, error) {
	if raw == "" {
		return nil, nil
	}
	bound, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("dca: invalid stored price bound %q", raw)
	}
	return bound, nil
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func recordKey(id obligation.ID) []byte {
	key := make([]byte, len(recordPrefix)+len(id))
	copy(key, recordPrefix)
	copy(key[len(recordPrefix):], id[:])
	return key
}

func blacklistKey(hash [32]byte) []byte {
	key := make([]byte, len(blacklistPrefix)+len(hash))
	copy(key, blacklistPrefix)
	copy(key[len(blacklistPrefix):], hash[:])
	return key
}
