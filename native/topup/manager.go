package topup

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"recurpay/core/events"
	"recurpay/native/assets"
	"recurpay/native/engine"
	"recurpay/native/obligation"
	"recurpay/native/schedule"
	"recurpay/native/vault"
)

// TargetKind selects the external registry's funding primitive.
type TargetKind string

const (
	// TargetUpkeep funds a keeper-registry upkeep balance.
	TargetUpkeep TargetKind = "upkeep"
	// TargetSubscription funds a subscription-style registry account.
	TargetSubscription TargetKind = "subscription"
	// TargetDirect transfers the bridge asset to the target directly.
	TargetDirect TargetKind = "direct"
)

// Valid reports whether the target kind is one of the supported primitives.
func (k TargetKind) Valid() bool {
	switch k {
	case TargetUpkeep, TargetSubscription, TargetDirect:
		return true
	}
	return false
}

// ErrInvalidTarget indicates an unsupported target kind.
var ErrInvalidTarget = errors.New("topup: invalid target kind")

var (
	recordPrefix    = []byte("topup/record/")
	groupPrefix     = []byte("topup/group/")
	currentGroupKey = []byte("topup/groups/current")
)

// FundingRegistry is the external registry boundary: one balance read and
// one funding primitive dispatched across the three target kinds.
type FundingRegistry interface {
	BalanceOf(kind TargetKind, target [32]byte) (*big.Int, error)
	Fund(kind TargetKind, target [32]byte, amount *big.Int) error
}

// Router is the opaque swap capability used to convert vault value into the
// bridge asset.
type Router interface {
	Quote(fromAsset, toAsset string, amountIn *big.Int) (*big.Int, error)
	Swap(fromAsset, toAsset string, amountIn, minOut *big.Int, recipient [20]byte) (*big.Int, error)
}

// Storage abstracts the state manager subset the manager persists through.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// valueVault is the slice of vault behaviour a top-up needs.
type valueVault interface {
	Collect(protocol, payer [20]byte, kind string, value *big.Int) error
	Credit(protocol, to [20]byte, value *big.Int) error
	Release(protocol [20]byte, symbol string, value *big.Int) (*big.Int, error)
	Reclaim(protocol [20]byte, symbol string, amount *big.Int) (*big.Int, error)
}

type storedTopup struct {
	TargetKind string
	Target     [32]byte
	LowBalance string
}

type storedGroup struct {
	Members uint64
}

type storedCurrentGroup struct {
	ID uint64
}

// Target captures the caller-supplied parameters of one recurring top-up.
type Target struct {
	Kind       TargetKind
	ID         [32]byte
	Amount     *big.Int
	Period     uint64
	LowBalance *big.Int
}

// Params tunes group capacity and the per-run processing cap.
type Params struct {
	GroupSize       uint64
	MaxTopupsPerRun int
	BridgeSymbol    string
	Engine          engine.Params
}

// Manager runs the registry top-up obligation kind: fixed-capacity groups,
// low-balance gating at processing time, and vault-to-bridge-asset swaps
// pushed into an external registry.
type Manager struct {
	core     *engine.Core
	store    Storage
	vault    valueVault
	registry *assets.Registry
	funder   FundingRegistry
	router   Router
	self     [20]byte
	params   Params

	// runCounts bounds per-group work within one PerformUpkeep call.
	runCounts map[uint64]int
}

// NewManager wires the top-up manager over the shared scheduler core. self is
// the manager's protocol address on the vault allow-list.
func NewManager(store Storage, obs *obligation.Store, queue *schedule.Queue, vault valueVault, registry *assets.Registry, funder FundingRegistry, router Router, self [20]byte, params Params) *Manager {
	if params.GroupSize == 0 {
		params.GroupSize = 10
	}
	if params.MaxTopupsPerRun <= 0 {
		params.MaxTopupsPerRun = 5
	}
	m := &Manager{
		store:    store,
		vault:    vault,
		registry: registry,
		funder:   funder,
		router:   router,
		self:     self,
		params:   params,
	}
	m.core = engine.NewCore(obs, queue, m, params.Engine)
	return m
}

// Core exposes the engine core for emitter, metrics and clock configuration.
func (m *Manager) Core() *engine.Core { return m.core }

// Create registers a recurring top-up and assigns it to the current open
// group, opening a new one when capacity is reached. The first check is due
// one period from now.
func (m *Manager) Create(owner [20]byte, target *Target) (obligation.ID, error) {
	if m == nil || m.store == nil {
		return obligation.ID{}, fmt.Errorf("topup: manager not initialised")
	}
	if target == nil {
		return obligation.ID{}, fmt.Errorf("topup: target must not be nil")
	}
	if !target.Kind.Valid() {
		return obligation.ID{}, fmt.Errorf("%w: %q", ErrInvalidTarget, target.Kind)
	}
	if target.Amount == nil || target.Amount.Sign() <= 0 {
		return obligation.ID{}, fmt.Errorf("topup: amount must be positive")
	}
	if target.Period == 0 {
		return obligation.ID{}, fmt.Errorf("topup: period must be positive")
	}
	if _, err := m.registry.GetAllowed(m.params.BridgeSymbol); err != nil {
		return obligation.ID{}, err
	}

	groupID, err := m.joinGroup()
	if err != nil {
		return obligation.ID{}, err
	}
	now := m.core.Now()
	id := m.deriveID(owner, target.ID, now)
	ob := &obligation.Obligation{
		ID:        id,
		Owner:     owner,
		Kind:      obligation.KindTopup,
		Status:    obligation.StatusActive,
		Amount:    new(big.Int).Set(target.Amount),
		Period:    target.Period,
		DueAt:     now + target.Period,
		GroupID:   groupID,
		CreatedAt: now,
	}
	record := storedTopup{TargetKind: string(target.Kind), Target: target.ID}
	if target.LowBalance != nil {
		record.LowBalance = target.LowBalance.String()
	}
	if err := m.store.KVPut(recordKey(id), record); err != nil {
		return obligation.ID{}, err
	}
	if err := m.core.Create(ob); err != nil {
		return obligation.ID{}, err
	}
	return id, nil
}

func (m *Manager) deriveID(owner [20]byte, target [32]byte, now uint64) obligation.ID {
	ids, err := m.core.Store().ListByOwner(owner)
	var nonce uint64
	if err == nil {
		nonce = uint64(len(ids))
	}
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], now)
	binary.BigEndian.PutUint64(buf[8:], nonce)
	return obligation.ID(ethcrypto.Keccak256Hash(owner[:], target[:], buf[:]))
}

func (m *Manager) joinGroup() (uint64, error) {
	var current storedCurrentGroup
	ok, err := m.store.KVGet(currentGroupKey, &current)
	if err != nil {
		return 0, err
	}
	if !ok || current.ID == 0 {
		current.ID = 1
	}
	var group storedGroup
	if _, err := m.store.KVGet(groupKey(current.ID), &group); err != nil {
		return 0, err
	}
	if group.Members >= m.params.GroupSize {
		current.ID++
		group = storedGroup{}
		if err := m.store.KVPut(currentGroupKey, current); err != nil {
			return 0, err
		}
	} else if !ok {
		if err := m.store.KVPut(currentGroupKey, current); err != nil {
			return 0, err
		}
	}
	group.Members++
	if err := m.store.KVPut(groupKey(current.ID), group); err != nil {
		return 0, err
	}
	return current.ID, nil
}

func (m *Manager) leaveGroup(groupID uint64) error {
	if groupID == 0 {
		return nil
	}
	var group storedGroup
	ok, err := m.store.KVGet(groupKey(groupID), &group)
	if err != nil {
		return err
	}
	if !ok || group.Members == 0 {
		return nil
	}
	group.Members--
	return m.store.KVPut(groupKey(groupID), group)
}

// GroupMembers reports the live member count of a group.
func (m *Manager) GroupMembers(groupID uint64) (uint64, error) {
	var group storedGroup
	if _, err := m.store.KVGet(groupKey(groupID), &group); err != nil {
		return 0, err
	}
	return group.Members, nil
}

// Cancel cancels the top-up immediately, removing it from its queue. Group
// membership is released through the terminal observer hook.
func (m *Manager) Cancel(id obligation.ID, owner [20]byte) error {
	return m.core.CancelNow(id, owner)
}

// Pause removes the top-up from its queue and its group.
func (m *Manager) Pause(id obligation.ID, owner [20]byte) error {
	if err := m.core.PauseNow(id, owner); err != nil {
		return err
	}
	return m.releaseGroup(id)
}

// ObligationTerminated implements engine.TerminalObserver. Terminal
// transitions the engine drives itself, skip exhaustion above all, must drop
// the member from its group or groups fill with dead entries.
func (m *Manager) ObligationTerminated(ob *obligation.Obligation, _ obligation.Status, _ uint64) error {
	return m.releaseGroup(ob.ID)
}

// releaseGroup removes the obligation from its group exactly once; the stored
// group id is zeroed so repeated terminal paths stay idempotent.
func (m *Manager) releaseGroup(id obligation.ID) error {
	ob, err := m.core.Store().Get(id)
	if err != nil {
		return err
	}
	if ob.GroupID == 0 {
		return nil
	}
	if err := m.leaveGroup(ob.GroupID); err != nil {
		return err
	}
	ob.GroupID = 0
	return m.core.Store().Put(ob)
}

// Resume re-enqueues a paused top-up one period out. The current open group
// is joined afresh, so the group id may change across a pause.
func (m *Manager) Resume(id obligation.ID, owner [20]byte) error {
	ob, err := m.core.Get(id)
	if err != nil {
		return err
	}
	groupID, err := m.joinGroup()
	if err != nil {
		return err
	}
	if err := m.core.Resume(id, owner, m.core.Now()+ob.Period); err != nil {
		_ = m.leaveGroup(groupID)
		return err
	}
	fresh, err := m.core.Store().Get(id)
	if err != nil {
		return err
	}
	fresh.GroupID = groupID
	return m.core.Store().Put(fresh)
}

// Get returns a copy of the underlying obligation record.
func (m *Manager) Get(id obligation.ID) (*obligation.Obligation, error) {
	return m.core.Get(id)
}

// CheckUpkeep reports whether due top-ups exist. Read-only.
func (m *Manager) CheckUpkeep(limit int) (bool, []byte, error) {
	return m.core.CheckUpkeep(limit)
}

// PerformUpkeep processes the echoed perform data after re-validation. The
// per-group run cap applies within a single call.
func (m *Manager) PerformUpkeep(data []byte) (int, error) {
	m.runCounts = make(map[uint64]int)
	defer func() { m.runCounts = nil }()
	return m.core.PerformUpkeep(data)
}

// QueuePosition mirrors the scheduler cursor.
func (m *Manager) QueuePosition() (uint64, error) { return m.core.QueuePosition() }

// QueueSize mirrors live bucket occupancy from the supplied position.
func (m *Manager) QueueSize(position uint64) (uint64, error) { return m.core.QueueSize(position) }

// Kind implements engine.Executor.
func (m *Manager) Kind() obligation.Kind { return obligation.KindTopup }

// Execute runs one due top-up: defer when the group's per-run cap is hit or
// the target balance is still healthy, otherwise collect vault value, swap to
// the bridge asset under the slippage bound and push it into the registry.
func (m *Manager) Execute(ob *obligation.Obligation, amount *big.Int, now uint64) (*engine.Receipt, error) {
	if m.runCounts != nil && m.runCounts[ob.GroupID] >= m.params.MaxTopupsPerRun {
		// Over the per-run cap: back into the queue for the next poll.
		return &engine.Receipt{Deferred: true, DeferUntil: now}, nil
	}
	record, err := m.record(ob.ID)
	if err != nil {
		return nil, err
	}
	kind := TargetKind(record.TargetKind)

	balance, err := m.funder.BalanceOf(kind, record.Target)
	if err != nil {
		return nil, engine.Skip(events.SkipReasonRegistry, err)
	}
	lowBalance, err := parseStored(record.LowBalance)
	if err != nil {
		return nil, err
	}
	if lowBalance != nil && balance.Cmp(lowBalance) >= 0 {
		// Target still funded: nothing due this period.
		return &engine.Receipt{Deferred: true}, nil
	}

	base := m.registry.BaseSymbol()
	bridge, err := m.registry.GetAllowed(m.params.BridgeSymbol)
	if err != nil {
		return nil, err
	}
	amountIn, err := m.registry.AmountFor(base, amount)
	if err != nil {
		return nil, err
	}
	expectedOut, err := m.registry.ConvertPrice(base, bridge.Symbol, amountIn)
	if err != nil {
		if errors.Is(err, assets.ErrNoFreshQuote) {
			return nil, engine.Skip(events.SkipReasonStalePrice, err)
		}
		return nil, err
	}
	quoted, err := m.router.Quote(base, bridge.Symbol, amountIn)
	if err != nil {
		return nil, engine.Skip(events.SkipReasonStalePrice, err)
	}
	minOut := slippageFloor(expectedOut, bridge.SlippageBps)
	if quoted.Cmp(minOut) < 0 {
		return nil, engine.Skip(events.SkipReasonSlippage,
			fmt.Errorf("topup: quoted %s below floor %s", quoted, minOut))
	}

	if err := m.vault.Collect(m.self, ob.Owner, string(obligation.KindTopup), amount); err != nil {
		if errors.Is(err, vault.ErrInsufficientFunds) || errors.Is(err, vault.ErrExternalPullFailed) {
			return nil, engine.Skip(events.SkipReasonInsufficientFunds, err)
		}
		return nil, err
	}
	released, err := m.vault.Release(m.self, base, amount)
	if err != nil {
		// Settlement still holds the full charge; return it and retry later.
		if cErr := m.vault.Credit(m.self, ob.Owner, amount); cErr != nil {
			return nil, errors.Join(err, cErr)
		}
		return nil, engine.Skip(events.SkipReasonInsufficientFunds, err)
	}
	bridgeOut, err := m.router.Swap(base, bridge.Symbol, released, minOut, m.self)
	if err != nil {
		if sErr := m.refund(ob.Owner, base, released); sErr != nil {
			return nil, errors.Join(err, sErr)
		}
		return nil, engine.Skip(events.SkipReasonRouter, err)
	}
	if err := m.funder.Fund(kind, record.Target, bridgeOut); err != nil {
		// The bridge asset is still in the manager's custody: reabsorb it and
		// refund the payer instead of stranding the charge.
		if sErr := m.refund(ob.Owner, bridge.Symbol, bridgeOut); sErr != nil {
			return nil, errors.Join(err, sErr)
		}
		return nil, engine.Skip(events.SkipReasonRegistry, err)
	}
	if m.runCounts != nil {
		m.runCounts[ob.GroupID]++
	}
	return &engine.Receipt{Charged: amount, Fee: big.NewInt(0)}, nil
}

// refund reabsorbs an asset held at the manager boundary and credits its
// current value back to the payer.
func (m *Manager) refund(owner [20]byte, symbol string, amount *big.Int) error {
	value, err := m.vault.Reclaim(m.self, symbol, amount)
	if err != nil {
		return err
	}
	return m.vault.Credit(m.self, owner, value)
}

func (m *Manager) record(id obligation.ID) (*storedTopup, error) {
	var record storedTopup
	ok, err := m.store.KVGet(recordKey(id), &record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, obligation.ErrNotFound
	}
	return &record, nil
}

func slippageFloor(expected *big.Int, bps uint64) *big.Int {
	if bps >= 10000 {
		return big.NewInt(0)
	}
	floor := new(big.Int).Mul(expected, big.NewInt(int64(10000-bps)))
	return floor.Div(floor, big.NewInt(10000))
}

func parseStored(raw string) (*big.Int, error) {
	if raw == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("topup: invalid stored amount %q", raw)
	}
	return value, nil
}

func recordKey(id obligation.ID) []byte {
	key := make([]byte, len(recordPrefix)+len(id))
	copy(key, recordPrefix)
	copy(key[len(recordPrefix):], id[:])
	return key
}

func groupKey(id uint64) []byte {
	key := make([]byte, len(groupPrefix)+8)
	copy(key, groupPrefix)
	binary.BigEndian.PutUint64(key[len(groupPrefix):], id)
	return key
}
